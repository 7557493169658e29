// Package ledger keeps the realized profit and loss of a trading session.
package ledger

import (
	"errors"
	"io"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/shopspring/decimal"

	"live-trader/go/pkg/shared"
)

// Entry is one recorded fill with the running total after it.
type Entry struct {
	Order      shared.Order
	Cumulative decimal.Decimal
}

// Ledger is append-only for the lifetime of a session. Not safe for concurrent use.
type Ledger struct {
	entries []Entry
	total   decimal.Decimal
}

func New() *Ledger {
	return &Ledger{}
}

// Record appends the fill and returns the new cumulative P&L.
func (l *Ledger) Record(o shared.Order) (float64, error) {
	if o.Units == 0 {
		return l.Cumulative(), errors.New("ledger: order with zero units")
	}
	l.total = l.total.Add(decimal.NewFromFloat(o.RealizedPnL))
	l.entries = append(l.entries, Entry{Order: o, Cumulative: l.total})
	return l.Cumulative(), nil
}

// Cumulative is the running sum of every recorded realized P&L.
func (l *Ledger) Cumulative() float64 {
	f, _ := l.total.Float64()
	return f
}

func (l *Ledger) Total() decimal.Decimal { return l.total }

func (l *Ledger) Len() int { return len(l.entries) }

// Entries returns a copy of the recorded fills, oldest first.
func (l *Ledger) Entries() []Entry {
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Report renders the session's fills as a table.
func (l *Ledger) Report(w io.Writer) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"#", "Time", "Units", "Price", "P&L", "Cumulative P&L"})
	for i, e := range l.entries {
		t.AppendRow(table.Row{
			i + 1,
			e.Order.Time.UTC().Format(time.RFC3339),
			e.Order.Units,
			e.Order.Price,
			decimal.NewFromFloat(e.Order.RealizedPnL).StringFixed(2),
			e.Cumulative.StringFixed(2),
		})
	}
	t.AppendFooter(table.Row{"", "", "", "", "Total", l.total.StringFixed(2)})
	t.Render()
}
