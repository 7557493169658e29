// Package bars folds a tick stream into right-labelled OHLC bars of a fixed length.
package bars

import (
	"fmt"
	"time"

	"live-trader/go/pkg/shared"
)

// InsufficientHistoryError reports that the freshest sealed backfill bar is a full
// bar length or more behind now: the query window was too short or the market is closed.
type InsufficientHistoryError struct {
	LastClose time.Time
	Now       time.Time
	BarLength time.Duration
}

func (e *InsufficientHistoryError) Error() string {
	if e.LastClose.IsZero() {
		return fmt.Sprintf("insufficient history: no complete %s bar before %s", e.BarLength, e.Now.Format(time.RFC3339))
	}
	return fmt.Sprintf("insufficient history: last bar closed %s ago at %s (bar length %s)",
		e.Now.Sub(e.LastClose).Round(time.Second), e.LastClose.Format(time.RFC3339), e.BarLength)
}

// CloseTime is the right label of the bar containing ts: bins are [b, b+length).
func CloseTime(ts time.Time, length time.Duration) time.Time {
	return ts.UTC().Truncate(length).Add(length)
}

// window accumulates one bar incrementally.
type window struct {
	close      time.Time
	o, h, l, c float64
	n          int64
}

func (w *window) update(px float64) {
	if w.n == 0 {
		w.o, w.h, w.l, w.c = px, px, px, px
		w.n = 1
		return
	}
	if px > w.h {
		w.h = px
	}
	if px < w.l {
		w.l = px
	}
	w.c = px
	w.n++
}

func (w *window) bar(symbol string, length time.Duration) shared.Bar {
	return shared.Bar{
		Symbol:    symbol,
		OpenTime:  w.close.Add(-length),
		CloseTime: w.close,
		O:         w.o,
		H:         w.h,
		L:         w.l,
		C:         w.c,
		NTicks:    w.n,
	}
}

func filledBar(symbol string, closeTime time.Time, length time.Duration, px float64) shared.Bar {
	return shared.Bar{
		Symbol:    symbol,
		OpenTime:  closeTime.Add(-length),
		CloseTime: closeTime,
		O:         px,
		H:         px,
		L:         px,
		C:         px,
		Filled:    true,
	}
}

// Seed resamples a dense historical price series into sealed bars. The last bin
// is always dropped because it is still forming; empty bins are skipped.
func Seed(symbol string, points []shared.PricePoint, length time.Duration, now time.Time) ([]shared.Bar, error) {
	if length <= 0 {
		return nil, fmt.Errorf("bar length must be positive, got %s", length)
	}
	out := make([]shared.Bar, 0, len(points)/4+1)
	var cur window
	for _, p := range points {
		closeAt := CloseTime(p.Time, length)
		if cur.n > 0 && !closeAt.Equal(cur.close) {
			if closeAt.Before(cur.close) {
				return nil, fmt.Errorf("history out of order at %s", p.Time.Format(time.RFC3339))
			}
			out = append(out, cur.bar(symbol, length))
			cur = window{}
		}
		cur.close = closeAt
		cur.update(p.Price)
	}
	// cur is the incomplete tail bin and is never emitted.
	if len(out) == 0 {
		return nil, &InsufficientHistoryError{Now: now, BarLength: length}
	}
	last := out[len(out)-1].CloseTime
	if now.Sub(last) >= length {
		return nil, &InsufficientHistoryError{LastClose: last, Now: now, BarLength: length}
	}
	return out, nil
}
