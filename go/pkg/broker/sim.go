package broker

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"live-trader/go/pkg/shared"
)

// SimConfig tunes the synthetic venue.
type SimConfig struct {
	BasePrice float64
	Spread    float64 // absolute bid/ask distance
	TickEvery time.Duration
	Seed      int64
}

// Sim is a paper venue: random-walk history and quotes, market orders fill at
// the touch and realized P&L comes from an Accountant.
type Sim struct {
	cfg   SimConfig
	book  *Accountant
	mu    sync.Mutex
	rng   *rand.Rand
	price float64
}

func NewSim(cfg SimConfig) *Sim {
	if cfg.BasePrice <= 0 {
		cfg.BasePrice = 2500.0
	}
	if cfg.Spread <= 0 {
		cfg.Spread = cfg.BasePrice * 0.0002
	}
	if cfg.TickEvery <= 0 {
		cfg.TickEvery = time.Second
	}
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UnixNano()
	}
	return &Sim{
		cfg:   cfg,
		book:  NewAccountant(),
		rng:   rand.New(rand.NewSource(cfg.Seed)),
		price: cfg.BasePrice,
	}
}

// step advances the walk and returns the new mid.
func (s *Sim) step() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	drift := (s.rng.Float64()*0.8 - 0.4) * s.cfg.BasePrice * 0.0001
	s.price += drift
	if s.price < 1.0 {
		s.price = 1.0
	}
	return s.price
}

func (s *Sim) mid() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.price
}

func (s *Sim) History(ctx context.Context, instrument string, start, end time.Time, granularity time.Duration) ([]shared.PricePoint, error) {
	if granularity <= 0 {
		granularity = 5 * time.Second
	}
	start = start.UTC().Truncate(granularity)
	n := int(end.Sub(start) / granularity)
	out := make([]shared.PricePoint, 0, max(n, 0))
	for ts := start; !ts.After(end); ts = ts.Add(granularity) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out = append(out, shared.PricePoint{Time: ts, Price: s.step()})
	}
	return out, nil
}

func (s *Sim) Subscribe(ctx context.Context, instrument string) (Stream, error) {
	return &simStream{sim: s, symbol: instrument, every: s.cfg.TickEvery}, nil
}

func (s *Sim) SubmitOrder(ctx context.Context, instrument string, units int64) (shared.Order, error) {
	if units == 0 {
		return shared.Order{}, &OrderExecutionError{Units: units, Reason: "zero quantity"}
	}
	if err := ctx.Err(); err != nil {
		return shared.Order{}, &ConnectivityError{Op: "submit order", Err: err}
	}
	px := s.mid()
	if units > 0 {
		px += s.cfg.Spread / 2
	} else {
		px -= s.cfg.Spread / 2
	}
	return shared.Order{
		ID:          uuid.NewString(),
		Symbol:      instrument,
		Time:        time.Now().UTC(),
		Units:       units,
		Price:       px,
		RealizedPnL: s.book.Fill(instrument, units, px),
	}, nil
}

type simStream struct {
	sim    *Sim
	symbol string
	every  time.Duration
	timer  *time.Timer
	closed bool
}

func (st *simStream) Next(ctx context.Context) (shared.Tick, error) {
	if st.closed {
		return shared.Tick{}, ErrStreamEnded
	}
	if st.timer == nil {
		st.timer = time.NewTimer(st.every)
	} else {
		st.timer.Reset(st.every)
	}
	select {
	case <-ctx.Done():
		return shared.Tick{}, ctx.Err()
	case <-st.timer.C:
	}
	mid := st.sim.step()
	half := st.sim.cfg.Spread / 2
	return shared.Tick{
		Symbol:  st.symbol,
		EventTS: time.Now().UnixNano(),
		LTP:     mid,
		Bid:     mid - half,
		Ask:     mid + half,
	}, nil
}

func (st *simStream) Close() error {
	st.closed = true
	if st.timer != nil {
		st.timer.Stop()
	}
	return nil
}
