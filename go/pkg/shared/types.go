package shared

import (
	"fmt"
	"time"
)

// Tick is one quote update. The JSON shape extends the ingest schema with top of book.
type Tick struct {
	Symbol  string  `json:"symbol"`
	EventTS int64   `json:"event_ts"` // nanoseconds epoch
	LTP     float64 `json:"ltp"`
	Vol     int64   `json:"vol"`
	Bid     float64 `json:"bid"`
	Ask     float64 `json:"ask"`
}

func (t Tick) EventTime() time.Time {
	return time.Unix(0, t.EventTS).UTC()
}

// Mid is the bid/ask midpoint, falling back to the last traded price for one-sided quotes.
func (t Tick) Mid() float64 {
	if t.Bid > 0 && t.Ask > 0 {
		return (t.Bid + t.Ask) / 2
	}
	if t.Bid > 0 {
		return t.Bid
	}
	if t.Ask > 0 {
		return t.Ask
	}
	return t.LTP
}

// PricePoint is one sample of a bulk historical price series.
type PricePoint struct {
	Time  time.Time
	Price float64
}

// Bar is a right-labelled OHLC window: it covers [CloseTime-length, CloseTime).
type Bar struct {
	Symbol    string    `json:"symbol"`
	OpenTime  time.Time `json:"open_time"`
	CloseTime time.Time `json:"close_time"`
	O         float64   `json:"o"`
	H         float64   `json:"h"`
	L         float64   `json:"l"`
	C         float64   `json:"c"`
	NTicks    int64     `json:"n_ticks"`
	Filled    bool      `json:"filled"` // forward-filled, no ticks inside
}

// Order is one executed trade as acknowledged by the execution venue.
type Order struct {
	ID          string    `json:"id"`
	Symbol      string    `json:"symbol"`
	Time        time.Time `json:"time"`
	Units       int64     `json:"units"`
	Price       float64   `json:"price"`
	RealizedPnL float64   `json:"pl"`
}

func (o Order) String() string {
	return fmt.Sprintf("%s | Units = %d | Price = %.5f | P&L = %.5f", o.Time.Format(time.RFC3339), o.Units, o.Price, o.RealizedPnL)
}
