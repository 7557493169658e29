package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"live-trader/go/pkg/broker"
	"live-trader/go/pkg/shared"
)

// Config for the tick bridge.
type Config struct {
	Kafka       shared.KafkaConfig
	Metrics     shared.MetricsConfig
	Kite        shared.KiteConfig
	Broker      shared.BrokerConfig
	Instrument  string        `envconfig:"INSTRUMENT" default:"NSE:INFY"`
	FlushEvery  time.Duration `envconfig:"BATCH_FLUSH" default:"200ms"`
	MaxBatch    int           `envconfig:"MAX_BATCH" default:"256"`
	Resubscribe time.Duration `envconfig:"RESUBSCRIBE_AFTER" default:"5s"`
}

type bridgeMetrics struct {
	ticksOut prometheus.Counter
	dropped  prometheus.Counter
	batchSz  prometheus.Histogram
	latency  prometheus.Histogram
	resubs   prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) bridgeMetrics {
	return bridgeMetrics{
		ticksOut: shared.NewCounter(reg, prometheus.CounterOpts{Name: "bridge_ticks_total", Help: "Ticks published"}),
		dropped:  shared.NewCounter(reg, prometheus.CounterOpts{Name: "bridge_ticks_dropped_total", Help: "Ticks that failed to publish"}),
		batchSz:  shared.NewHist(reg, prometheus.HistogramOpts{Name: "bridge_batch_size", Help: "Batch size", Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500}}),
		latency:  shared.NewHist(reg, prometheus.HistogramOpts{Name: "bridge_latency_seconds", Help: "Event to publish latency", Buckets: []float64{0.01, 0.05, 0.1, 0.2, 0.5, 1, 2, 5}}),
		resubs:   shared.NewCounter(reg, prometheus.CounterOpts{Name: "bridge_resubscribes_total", Help: "Feed resubscriptions after a dropped stream"}),
	}
}

func main() {
	_ = godotenv.Load() // best-effort
	logger := shared.NewLogger("tick_bridge")
	cfg, err := shared.Load[Config]("")
	if err != nil {
		logger.Fatalf("config: %v", err)
	}
	metrics := newMetrics(nil)
	ms := shared.NewMetricsServer(cfg.Metrics.Port)
	ms.Start()

	ctx, stopSig := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stopSig()

	feed, err := buildFeed(cfg, logger)
	if err != nil {
		logger.Fatalf("build feed: %v", err)
	}
	producer := shared.NewProducer(cfg.Kafka)
	defer producer.Close()

	ticks := make(chan shared.Tick, 20000)
	go pump(ctx, feed, cfg, logger, metrics, ticks)

	logger.Printf("running tick bridge %s -> topic=%s broker=%s", cfg.Instrument, cfg.Broker.TickTopic, cfg.Broker.Broker)
	publish(ctx, producer, cfg, logger, metrics, ticks)
	logger.Printf("tick bridge shutdown")
}

func buildFeed(cfg Config, logger shared.Logger) (broker.Feed, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Broker.Broker)) {
	case "", "sim":
		return broker.NewSim(broker.SimConfig{BasePrice: cfg.Broker.SimBasePrice, TickEvery: cfg.Broker.SimTickEvery}), nil
	case "kite":
		if cfg.Kite.APIKey == "" {
			return nil, errors.New("KITE_API_KEY required for live websocket")
		}
		access := cfg.Kite.AccessToken
		if access == "" {
			var err error
			if access, err = broker.LoadAccessToken(cfg.Kite.TokenJSON); err != nil {
				return nil, err
			}
		}
		return broker.NewKiteFeed(cfg.Kite.APIKey, access, cfg.Kite.InstrumentToken, logger), nil
	default:
		return nil, fmt.Errorf("unknown BROKER %q", cfg.Broker.Broker)
	}
}

// pump keeps one subscription open, resubscribing after a pause whenever the
// stream drops, and closes out when ctx ends.
func pump(ctx context.Context, feed broker.Feed, cfg Config, logger shared.Logger, m bridgeMetrics, out chan<- shared.Tick) {
	defer close(out)
	for ctx.Err() == nil {
		stream, err := feed.Subscribe(ctx, cfg.Instrument)
		if err != nil {
			logger.Printf("[bridge] subscribe %s: %v", cfg.Instrument, err)
		} else {
			for {
				tk, err := stream.Next(ctx)
				if err != nil {
					if ctx.Err() == nil {
						logger.Printf("[bridge] stream %s: %v", cfg.Instrument, err)
					}
					break
				}
				select {
				case out <- tk:
				default:
					m.dropped.Inc()
				}
			}
			if err := stream.Close(); err != nil {
				logger.Printf("[bridge] unsubscribe %s: %v", cfg.Instrument, err)
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(cfg.Resubscribe):
			m.resubs.Inc()
		}
	}
}

func publish(ctx context.Context, p shared.Producer, cfg Config, logger shared.Logger, m bridgeMetrics, in <-chan shared.Tick) {
	maxBatch := max(cfg.MaxBatch, 1)
	flushEvery := cfg.FlushEvery
	if flushEvery <= 0 {
		flushEvery = 50 * time.Millisecond
	}
	batch := make([]shared.Tick, 0, maxBatch)
	timer := time.NewTimer(flushEvery)
	defer timer.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		m.batchSz.Observe(float64(len(batch)))
		records := make([]shared.Record, 0, len(batch))
		for _, tk := range batch {
			raw, err := json.Marshal(tk)
			if err != nil {
				m.dropped.Inc()
				continue
			}
			records = append(records, shared.Record{Key: []byte(tk.Symbol), Value: raw, Time: time.Now().UTC()})
		}
		// the final flush runs after ctx is cancelled
		writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 3*time.Second)
		err := p.ProduceBatch(writeCtx, cfg.Broker.TickTopic, records)
		cancel()
		if err != nil {
			m.dropped.Add(float64(len(records)))
			logger.Printf("[bridge] batch write failed: %v", err)
		} else {
			for _, tk := range batch {
				m.latency.Observe(time.Since(tk.EventTime()).Seconds())
			}
			m.ticksOut.Add(float64(len(records)))
		}
		batch = batch[:0]
	}

	for {
		select {
		case tk, ok := <-in:
			if !ok {
				flush()
				return
			}
			batch = append(batch, tk)
			if len(batch) >= maxBatch {
				flush()
			}
		case <-timer.C:
			flush()
			timer.Reset(flushEvery)
		}
	}
}
