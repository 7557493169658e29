package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"live-trader/go/pkg/broker"
	"live-trader/go/pkg/shared"
)

// Config for the 1s history recorder.
type Config struct {
	Kafka   shared.KafkaConfig
	PG      shared.PostgresConfig
	Metrics shared.MetricsConfig
	InTopic string        `envconfig:"IN_TOPIC" default:"ticks"`
	Group   string        `envconfig:"RECORDER_GROUP" default:"bars1s-recorder"`
	Grace   time.Duration `envconfig:"FLUSH_GRACE" default:"2s"`
}

// secondBar is one symbol's OHLC for a single epoch second.
type secondBar struct {
	Symbol     string
	Sec        int64
	O, H, L, C float64
	Vol        int64
	NTicks     int64
}

func (b *secondBar) update(px float64, vol int64) {
	if b.NTicks == 0 {
		b.O, b.H, b.L, b.C = px, px, px, px
		b.Vol = vol
		b.NTicks = 1
		return
	}
	b.H = max(b.H, px)
	b.L = min(b.L, px)
	b.C = px
	b.Vol += vol
	b.NTicks++
}

// builder keeps one open second per symbol. Symbols are stored without the
// exchange prefix, the key the Postgres history provider queries by.
type builder struct {
	open map[string]*secondBar
}

func newBuilder() *builder {
	return &builder{open: make(map[string]*secondBar)}
}

// add folds tk into its symbol's second and returns the previous second when
// tk starts a new one.
func (b *builder) add(tk shared.Tick) (secondBar, bool) {
	sym := symbolOf(tk)
	sec := tk.EventTS / int64(time.Second)
	cur := b.open[sym]
	var sealed secondBar
	ok := false
	if cur != nil && cur.Sec != sec {
		sealed, ok = *cur, true
		cur = nil
	}
	if cur == nil {
		cur = &secondBar{Symbol: sym, Sec: sec}
		b.open[sym] = cur
	}
	cur.update(tk.Mid(), tk.Vol)
	return sealed, ok
}

func symbolOf(tk shared.Tick) string {
	_, sym := broker.SplitInstrument(tk.Symbol, "")
	return sym
}

// expire removes and returns every open second at least grace old at now.
func (b *builder) expire(now time.Time, grace time.Duration) []secondBar {
	var out []secondBar
	for sym, bar := range b.open {
		if now.Sub(time.Unix(bar.Sec+1, 0)) >= grace {
			out = append(out, *bar)
			delete(b.open, sym)
		}
	}
	return out
}

type metrics struct {
	ticks    prometheus.Counter
	barsOut  prometheus.Counter
	failures prometheus.Counter
	openBars prometheus.Gauge
	barLat   prometheus.Histogram
}

func newMetrics(reg prometheus.Registerer) metrics {
	return metrics{
		ticks:    shared.NewCounter(reg, prometheus.CounterOpts{Name: "bars1s_ticks_total", Help: "Ticks processed"}),
		barsOut:  shared.NewCounter(reg, prometheus.CounterOpts{Name: "bars1s_written_total", Help: "Bars written"}),
		failures: shared.NewCounter(reg, prometheus.CounterOpts{Name: "bars1s_write_failures_total", Help: "Bar upserts that failed"}),
		openBars: shared.NewGauge(reg, prometheus.GaugeOpts{Name: "bars1s_open_symbols", Help: "Open bar windows"}),
		barLat:   shared.NewHist(reg, prometheus.HistogramOpts{Name: "bars1s_write_latency_seconds", Help: "Latency close->write", Buckets: []float64{0.05, 0.1, 0.2, 0.5, 1, 2, 5}}),
	}
}

// Late ticks for an already written second merge into it.
const upsertSQL = `
INSERT INTO bars_1s(symbol, ts, o, h, l, c, vol, n_trades)
VALUES($1, to_timestamp($2), $3, $4, $5, $6, $7, $8)
ON CONFLICT(symbol, ts) DO UPDATE
SET h=GREATEST(bars_1s.h, EXCLUDED.h),
    l=LEAST(bars_1s.l, EXCLUDED.l),
    c=EXCLUDED.c,
    vol=bars_1s.vol + EXCLUDED.vol,
    n_trades=bars_1s.n_trades + EXCLUDED.n_trades;
`

// inflight is a consumed message whose tick sits in a second not yet written.
type inflight struct {
	msg *shared.Message
	sym string
	sec int64
}

// recorder folds ticks into seconds and commits a message only once the
// second it contributed to is in Postgres, so a restart replays exactly the
// ticks that were never written.
type recorder struct {
	consumer shared.Consumer
	db       shared.DB
	b        *builder
	m        metrics
	log      shared.Logger
	queue    []inflight
}

func newRecorder(c shared.Consumer, db shared.DB, m metrics, log shared.Logger) *recorder {
	return &recorder{consumer: c, db: db, b: newBuilder(), m: m, log: log}
}

func (r *recorder) handle(ctx context.Context, msg *shared.Message) error {
	var tk shared.Tick
	if err := json.Unmarshal(msg.Value, &tk); err != nil {
		r.log.Printf("[bars1s] skip offset=%d: %v", msg.Offset, err)
		r.queue = append(r.queue, inflight{msg: msg})
		return r.commitWritten()
	}
	r.m.ticks.Inc()
	sealed, ok := r.b.add(tk)
	cur := r.b.open[symbolOf(tk)]
	r.queue = append(r.queue, inflight{msg: msg, sym: cur.Symbol, sec: cur.Sec})
	if ok {
		if err := r.write(ctx, sealed); err != nil {
			return err
		}
	}
	return r.commitWritten()
}

// flush writes every second at least grace old at now.
func (r *recorder) flush(ctx context.Context, now time.Time, grace time.Duration) error {
	for _, bar := range r.b.expire(now, grace) {
		if err := r.write(ctx, bar); err != nil {
			return err
		}
	}
	r.m.openBars.Set(float64(len(r.b.open)))
	return r.commitWritten()
}

func (r *recorder) write(ctx context.Context, bar secondBar) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := r.db.Exec(ctx, upsertSQL, bar.Symbol, bar.Sec, bar.O, bar.H, bar.L, bar.C, bar.Vol, bar.NTicks); err != nil {
		r.m.failures.Inc()
		return fmt.Errorf("upsert %s@%d: %w", bar.Symbol, bar.Sec, err)
	}
	r.m.barsOut.Inc()
	r.m.barLat.Observe(time.Since(time.Unix(bar.Sec+1, 0)).Seconds())
	return nil
}

// commitWritten commits the longest queue prefix whose seconds are written,
// one commit per partition at the highest offset.
func (r *recorder) commitWritten() error {
	last := map[int]*shared.Message{}
	n := 0
	for _, q := range r.queue {
		if cur := r.b.open[q.sym]; cur != nil && cur.Sec <= q.sec {
			break
		}
		last[q.msg.Partition] = q.msg
		n++
	}
	if n == 0 {
		return nil
	}
	r.queue = r.queue[n:]
	for _, msg := range last {
		if err := shared.CommitSingle(r.consumer, msg); err != nil {
			return fmt.Errorf("commit offset %d: %w", msg.Offset, err)
		}
	}
	return nil
}

func main() {
	_ = godotenv.Load() // best-effort
	logger := shared.NewLogger("bars1s")
	cfg, err := shared.Load[Config]("")
	if err != nil {
		logger.Fatalf("config: %v", err)
	}
	cfg.Kafka.GroupID = cfg.Group
	ms := shared.NewMetricsServer(cfg.Metrics.Port)
	ms.Start()

	ctx, stopSig := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stopSig()

	consumer, err := shared.NewConsumer(cfg.Kafka, cfg.InTopic, false)
	if err != nil {
		logger.Fatalf("consumer init: %v", err)
	}
	defer consumer.Close()

	db, err := shared.NewPgxPool(ctx, cfg.PG)
	if err != nil {
		logger.Fatalf("db init: %v", err)
	}
	defer db.Close()

	if err := run(ctx, newRecorder(consumer, db, newMetrics(nil), logger), cfg.Grace); err != nil {
		logger.Printf("[bars1s] stopping: %v", err)
	}
}

func run(ctx context.Context, r *recorder, grace time.Duration) error {
	msgs := make(chan *shared.Message, 4096)
	go func() {
		defer close(msgs)
		for {
			msg, err := r.consumer.Poll(ctx)
			if err != nil {
				if ctx.Err() != nil || errors.Is(err, context.Canceled) {
					return
				}
				r.log.Printf("[bars1s] poll: %v", err)
				select {
				case <-ctx.Done():
					return
				case <-time.After(time.Second):
				}
				continue
			}
			select {
			case msgs <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	r.log.Printf("recording -> bars_1s")

	for {
		select {
		case msg, ok := <-msgs:
			if !ok {
				return r.flush(ctx, time.Now().Add(24*time.Hour), 0)
			}
			if err := r.handle(ctx, msg); err != nil {
				return err
			}
		case now := <-ticker.C:
			if err := r.flush(ctx, now, grace); err != nil {
				return err
			}
		}
	}
}
