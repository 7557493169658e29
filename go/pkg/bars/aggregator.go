package bars

import (
	"time"

	"live-trader/go/pkg/shared"
)

// View is a read-only window over sealed bars.
type View struct {
	bars []shared.Bar
}

// NewView wraps a copy of bs.
func NewView(bs []shared.Bar) View {
	return View{bars: append([]shared.Bar(nil), bs...)}
}

func (v View) Len() int { return len(v.bars) }

func (v View) At(i int) shared.Bar { return v.bars[i] }

// Last returns the most recently sealed bar; ok is false for an empty view.
func (v View) Last() (shared.Bar, bool) {
	if len(v.bars) == 0 {
		return shared.Bar{}, false
	}
	return v.bars[len(v.bars)-1], true
}

// Closes copies the close prices, oldest first.
func (v View) Closes() []float64 {
	out := make([]float64, len(v.bars))
	for i, b := range v.bars {
		out[i] = b.C
	}
	return out
}

// Aggregator owns the bar series of one session. It is not safe for concurrent
// use; the session drives it from a single tick path.
type Aggregator struct {
	symbol  string
	length  time.Duration
	series  []shared.Bar
	cur     window
	open    bool
	pending int // index of the first sealed bar not yet handed out by Next
}

func NewAggregator(symbol string, length time.Duration) *Aggregator {
	return &Aggregator{symbol: symbol, length: length}
}

func (a *Aggregator) Length() time.Duration { return a.length }

// Load replaces the series with seeded history and drops any provisional bar.
// The seeded tail is due for one evaluation on the first live tick.
func (a *Aggregator) Load(seeded []shared.Bar) {
	a.series = append([]shared.Bar(nil), seeded...)
	a.Reset()
	a.pending = max(len(a.series)-1, 0)
}

// Reset discards the provisional bar.
func (a *Aggregator) Reset() {
	a.cur = window{}
	a.open = false
}

// Ingest folds the tick's mid price into the provisional bar and reports whether
// sealed bars are waiting for evaluation. A tick at or past the provisional
// boundary seals it, forward-fills any silent periods and opens a new bar with
// the tick as its open.
func (a *Aggregator) Ingest(tk shared.Tick) bool {
	px := tk.Mid()
	ts := tk.EventTime()

	if !a.open {
		next := a.boundary(ts)
		if last, ok := a.Series().Last(); ok {
			a.fill(last.CloseTime.Add(a.length), next, last.C)
		}
		a.start(next, px)
		return a.Due()
	}
	if ts.Before(a.cur.close) {
		a.cur.update(px)
		return false
	}

	sealed := a.cur.bar(a.symbol, a.length)
	a.series = append(a.series, sealed)
	next := a.boundary(ts)
	a.fill(sealed.CloseTime.Add(a.length), next, sealed.C)
	a.start(next, px)
	return true
}

// Due reports whether Next has bars to hand out.
func (a *Aggregator) Due() bool { return a.pending < len(a.series) }

// Next returns the history ending at the oldest sealed bar not yet evaluated.
func (a *Aggregator) Next() (View, bool) {
	if !a.Due() {
		return View{}, false
	}
	a.pending++
	return View{bars: a.series[:a.pending:a.pending]}, true
}

// Series returns all sealed bars. The provisional bar is never included.
func (a *Aggregator) Series() View {
	return View{bars: a.series[:len(a.series):len(a.series)]}
}

// Provisional exposes the still-open bar for inspection.
func (a *Aggregator) Provisional() (shared.Bar, bool) {
	if !a.open {
		return shared.Bar{}, false
	}
	return a.cur.bar(a.symbol, a.length), true
}

func (a *Aggregator) start(closeAt time.Time, px float64) {
	a.cur = window{close: closeAt}
	a.cur.update(px)
	a.open = true
}

// fill appends flat bars for every period closing in [from, until).
func (a *Aggregator) fill(from, until time.Time, px float64) {
	for c := from; c.Before(until); c = c.Add(a.length) {
		a.series = append(a.series, filledBar(a.symbol, c, a.length, px))
	}
}

// boundary is the close of the bar holding ts, never at or before the last sealed close.
func (a *Aggregator) boundary(ts time.Time) time.Time {
	next := CloseTime(ts, a.length)
	if last, ok := a.Series().Last(); ok && !next.After(last.CloseTime) {
		next = last.CloseTime.Add(a.length)
	}
	return next
}
