// Package journal publishes sealed bars and fills for downstream consumers.
// It is write-only: nothing here is read back when a session starts.
package journal

import (
	"context"
	"errors"
	"time"

	"live-trader/go/pkg/shared"
)

// Sink receives every sealed bar and every confirmed fill of a session.
type Sink interface {
	OnBar(ctx context.Context, session string, bar shared.Bar) error
	OnFill(ctx context.Context, session string, order shared.Order) error
	Close()
}

// Nop drops everything.
type Nop struct{}

func (Nop) OnBar(context.Context, string, shared.Bar) error    { return nil }
func (Nop) OnFill(context.Context, string, shared.Order) error { return nil }
func (Nop) Close()                                             {}

// Multi fans out to every sink and joins their errors.
type Multi []Sink

func (m Multi) OnBar(ctx context.Context, session string, bar shared.Bar) error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.OnBar(ctx, session, bar))
	}
	return errors.Join(errs...)
}

func (m Multi) OnFill(ctx context.Context, session string, order shared.Order) error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.OnFill(ctx, session, order))
	}
	return errors.Join(errs...)
}

func (m Multi) Close() {
	for _, s := range m {
		s.Close()
	}
}

// Kafka publishes JSON payloads keyed by session so one session stays on one partition.
type Kafka struct {
	producer  shared.Producer
	barTopic  string
	fillTopic string
}

func NewKafka(p shared.Producer, barTopic, fillTopic string) *Kafka {
	return &Kafka{producer: p, barTopic: barTopic, fillTopic: fillTopic}
}

type barPayload struct {
	Session string `json:"session"`
	shared.Bar
}

type fillPayload struct {
	Session string `json:"session"`
	shared.Order
}

func (k *Kafka) OnBar(ctx context.Context, session string, bar shared.Bar) error {
	return k.producer.ProduceJSON(ctx, k.barTopic, []byte(session), barPayload{Session: session, Bar: bar})
}

func (k *Kafka) OnFill(ctx context.Context, session string, order shared.Order) error {
	return k.producer.ProduceJSON(ctx, k.fillTopic, []byte(session), fillPayload{Session: session, Order: order})
}

func (k *Kafka) Close() { k.producer.Close() }

const upsertBarSQL = `
INSERT INTO live_bars(session_id, symbol, ts, o, h, l, c, n_ticks, filled)
VALUES($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT(session_id, symbol, ts) DO UPDATE
SET o = EXCLUDED.o,
    h = EXCLUDED.h,
    l = EXCLUDED.l,
    c = EXCLUDED.c,
    n_ticks = EXCLUDED.n_ticks,
    filled = EXCLUDED.filled;
`

const insertFillSQL = `
INSERT INTO live_fills(session_id, order_id, symbol, ts, units, price, pnl)
VALUES($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT(session_id, order_id) DO NOTHING;
`

// Postgres upserts bars (labelled by close time) and fills.
type Postgres struct {
	db      shared.DB
	timeout time.Duration
}

func NewPostgres(db shared.DB) *Postgres {
	return &Postgres{db: db, timeout: 2 * time.Second}
}

func (p *Postgres) OnBar(ctx context.Context, session string, bar shared.Bar) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	return p.db.Exec(ctx, upsertBarSQL, session, bar.Symbol, bar.CloseTime, bar.O, bar.H, bar.L, bar.C, bar.NTicks, bar.Filled)
}

func (p *Postgres) OnFill(ctx context.Context, session string, order shared.Order) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	return p.db.Exec(ctx, insertFillSQL, session, order.ID, order.Symbol, order.Time, order.Units, order.Price, order.RealizedPnL)
}

func (p *Postgres) Close() { p.db.Close() }
