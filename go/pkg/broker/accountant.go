package broker

import (
	"sync"

	"github.com/shopspring/decimal"
)

// Accountant derives realized P&L from fills using average-cost accounting,
// for venues that report fills without it.
type Accountant struct {
	mu  sync.Mutex
	pos map[string]holding
}

type holding struct {
	qty int64
	avg decimal.Decimal
}

func NewAccountant() *Accountant {
	return &Accountant{pos: make(map[string]holding)}
}

// Fill books a signed quantity at price and returns the P&L it realizes.
func (a *Accountant) Fill(instrument string, units int64, price float64) float64 {
	if units == 0 {
		return 0
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	h := a.pos[instrument]
	px := decimal.NewFromFloat(price)
	realized := decimal.Zero

	if h.qty != 0 && sign(h.qty) != sign(units) {
		closing := min(abs(units), abs(h.qty))
		realized = px.Sub(h.avg).Mul(decimal.NewFromInt(closing * sign(h.qty)))
	}

	next := h.qty + units
	switch {
	case next == 0:
		h = holding{}
	case h.qty == 0 || sign(next) != sign(h.qty):
		h = holding{qty: next, avg: px}
	case sign(units) == sign(h.qty):
		// adding to the position moves the average cost
		total := h.avg.Mul(decimal.NewFromInt(abs(h.qty))).Add(px.Mul(decimal.NewFromInt(abs(units))))
		h = holding{qty: next, avg: total.Div(decimal.NewFromInt(abs(next)))}
	default:
		h.qty = next
	}
	a.pos[instrument] = h

	f, _ := realized.Float64()
	return f
}

// Position reports the net quantity booked for instrument.
func (a *Accountant) Position(instrument string) int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pos[instrument].qty
}

func sign(v int64) int64 {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	}
	return 0
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
