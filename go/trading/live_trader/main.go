package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"live-trader/go/pkg/broker"
	"live-trader/go/pkg/journal"
	"live-trader/go/pkg/session"
	"live-trader/go/pkg/shared"
	"live-trader/go/pkg/strategy"
)

// Config for one live trading session.
type Config struct {
	Session  shared.SessionConfig
	Strategy shared.StrategyConfig
	Broker   shared.BrokerConfig
	Kite     shared.KiteConfig
	Journal  shared.JournalConfig
	Kafka    shared.KafkaConfig
	Postgres shared.PostgresConfig
	Metrics  shared.MetricsConfig
}

func main() {
	_ = godotenv.Load() // best-effort
	logger := shared.NewLogger("live_trader")
	cfg, err := shared.Load[Config]("")
	if err != nil {
		logger.Fatalf("config: %v", err)
	}
	if err := run(cfg, logger); err != nil {
		logger.Fatalf("%v", err)
	}
}

func run(cfg Config, logger shared.Logger) error {
	strat, err := strategy.Build(cfg.Strategy)
	if err != nil {
		return err
	}

	ms := shared.NewMetricsServer(cfg.Metrics.Port)
	ms.Start()

	ctx, stopSig := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stopSig()

	venue, closeVenue, err := buildBroker(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("build broker: %w", err)
	}
	defer closeVenue()

	sink, err := buildJournal(ctx, cfg)
	if err != nil {
		return fmt.Errorf("build journal: %w", err)
	}
	defer sink.Close()

	sup, err := session.New(cfg.Session, session.Deps{
		Broker:   venue,
		Strategy: strat,
		Journal:  sink,
		Log:      logger,
	})
	if err != nil {
		return err
	}

	rep := sup.Run(ctx)
	sup.Ledger().Report(os.Stdout)
	logger.Printf("session %s %s: attempts=%d orders=%d position=%s pnl=%.5f",
		rep.SessionID, rep.Status, rep.Attempts, rep.Orders, rep.Position, rep.Cumulative)
	if rep.Err != nil {
		return fmt.Errorf("session %s: %w", rep.SessionID, rep.Err)
	}
	return nil
}

// buildBroker picks the venue and lets the feed and history come from Kafka
// and Postgres instead when configured.
func buildBroker(ctx context.Context, cfg Config, logger shared.Logger) (broker.Broker, func(), error) {
	var base broker.Broker
	switch strings.ToLower(strings.TrimSpace(cfg.Broker.Broker)) {
	case "", "sim":
		base = broker.NewSim(broker.SimConfig{
			BasePrice: cfg.Broker.SimBasePrice,
			TickEvery: cfg.Broker.SimTickEvery,
		})
	case "kite":
		k, err := broker.NewKite(cfg.Kite, logger)
		if err != nil {
			return nil, nil, err
		}
		base = k
	default:
		return nil, nil, fmt.Errorf("unknown BROKER %q", cfg.Broker.Broker)
	}

	venue := &broker.Venue{HistoryProvider: base, Feed: base, Executor: base}
	var closers []func()

	switch strings.ToLower(cfg.Broker.FeedSource) {
	case "":
	case "kafka":
		venue.Feed = broker.NewKafkaFeed(cfg.Kafka, cfg.Broker.TickTopic, logger)
	default:
		return nil, nil, fmt.Errorf("unknown FEED_SOURCE %q", cfg.Broker.FeedSource)
	}

	switch strings.ToLower(cfg.Broker.HistorySource) {
	case "":
	case "postgres":
		db, err := shared.NewPgxPool(ctx, cfg.Postgres)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres history: %w", err)
		}
		venue.HistoryProvider = broker.NewPostgresHistory(db, "")
		closers = append(closers, db.Close)
	default:
		return nil, nil, fmt.Errorf("unknown HISTORY_SOURCE %q", cfg.Broker.HistorySource)
	}

	return venue, func() {
		for _, c := range closers {
			c()
		}
	}, nil
}

func buildJournal(ctx context.Context, cfg Config) (journal.Sink, error) {
	var sinks journal.Multi
	if cfg.Journal.Kafka {
		sinks = append(sinks, journal.NewKafka(shared.NewProducer(cfg.Kafka), cfg.Journal.BarTopic, cfg.Journal.FillTopic))
	}
	if cfg.Journal.Postgres {
		db, err := shared.NewPgxPool(ctx, cfg.Postgres)
		if err != nil {
			sinks.Close()
			return nil, fmt.Errorf("postgres journal: %w", err)
		}
		sinks = append(sinks, journal.NewPostgres(db))
	}
	if len(sinks) == 0 {
		return journal.Nop{}, nil
	}
	return sinks, nil
}
