package shared

import (
	"errors"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// KafkaConfig holds broker and topic details.
type KafkaConfig struct {
	Brokers      string `envconfig:"KAFKA_BROKER" default:"localhost:9092"`
	GroupID      string `envconfig:"KAFKA_GROUP" default:"live-trader"`
	ProducerAcks string `envconfig:"KAFKA_ACKS" default:"all"`
	LingerMS     int    `envconfig:"KAFKA_LINGER_MS" default:"5"`
	BatchBytes   int    `envconfig:"KAFKA_BATCH_BYTES" default:"1048576"` // 1MB
}

func (k KafkaConfig) BrokerList() []string {
	parts := strings.Split(k.Brokers, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"localhost:9092"}
	}
	return out
}

// PostgresConfig holds DB connection details.
type PostgresConfig struct {
	Host     string `envconfig:"POSTGRES_HOST" default:"localhost"`
	Port     int    `envconfig:"POSTGRES_PORT" default:"5432"`
	Database string `envconfig:"POSTGRES_DB" default:"trading"`
	User     string `envconfig:"POSTGRES_USER" default:"trader"`
	Password string `envconfig:"POSTGRES_PASSWORD" default:"trader"`
	PoolMax  int    `envconfig:"PG_POOL_MAX" default:"4"`
}

// MetricsConfig controls Prometheus listener.
type MetricsConfig struct {
	Port int `envconfig:"METRICS_PORT" default:"9000"`
}

// SessionConfig describes one trading session. Every field is fixed at construction.
type SessionConfig struct {
	Instrument    string        `envconfig:"INSTRUMENT" default:"NSE:INFY"`
	BarLength     time.Duration `envconfig:"BAR_LENGTH" default:"1m"`
	Units         int64         `envconfig:"UNITS" default:"1"`
	Duration      time.Duration `envconfig:"SESSION_DURATION" default:"60m"`
	Lookback      time.Duration `envconfig:"HISTORY_LOOKBACK" default:"120h"`
	Granularity   time.Duration `envconfig:"HISTORY_GRANULARITY" default:"5s"`
	MaxAttempts   int           `envconfig:"MAX_ATTEMPTS" default:"0"` // 0 retries forever
	SleepPeriod   time.Duration `envconfig:"RETRY_SLEEP" default:"15s"`
	SleepIncrease time.Duration `envconfig:"RETRY_SLEEP_INCREASE" default:"0s"`
}

// Validate rejects configurations the session cannot run with.
func (c SessionConfig) Validate() error {
	switch {
	case strings.TrimSpace(c.Instrument) == "":
		return errors.New("instrument required")
	case c.BarLength <= 0:
		return errors.New("bar length must be positive")
	case c.Units <= 0:
		return errors.New("units must be positive")
	case c.Duration <= 0:
		return errors.New("session duration must be positive")
	case c.Lookback < c.BarLength:
		return errors.New("history lookback shorter than one bar")
	case c.MaxAttempts < 0:
		return errors.New("max attempts cannot be negative")
	case c.SleepPeriod < 0 || c.SleepIncrease < 0:
		return errors.New("retry sleep cannot be negative")
	}
	return nil
}

// StrategyConfig selects the signal implementation and its knobs.
type StrategyConfig struct {
	Mode          string  `envconfig:"STRATEGY" default:"sma"`
	FastMA        int     `envconfig:"STRATEGY_FAST_MA" default:"50"`
	SlowMA        int     `envconfig:"STRATEGY_SLOW_MA" default:"200"`
	SignalMA      int     `envconfig:"STRATEGY_SIGNAL_MA" default:"9"`
	Window        int     `envconfig:"STRATEGY_WINDOW" default:"14"`
	BuyThreshold  float64 `envconfig:"STRATEGY_BUY_THRESHOLD" default:"70"`
	SellThreshold float64 `envconfig:"STRATEGY_SELL_THRESHOLD" default:"30"`
	Deviations    float64 `envconfig:"STRATEGY_DEVIATIONS" default:"2"`
	Constant      int     `envconfig:"STRATEGY_CONSTANT" default:"0"`
}

// KiteConfig carries Zerodha credentials and the traded contract.
type KiteConfig struct {
	APIKey          string        `envconfig:"KITE_API_KEY"`
	AccessToken     string        `envconfig:"KITE_ACCESS_TOKEN"` // optional override
	TokenJSON       string        `envconfig:"ZERODHA_TOKEN_FILE" default:"ingestion/auth/token.json"`
	InstrumentToken uint32        `envconfig:"KITE_INSTRUMENT_TOKEN"`
	Product         string        `envconfig:"KITE_PRODUCT" default:"MIS"`
	FillTimeout     time.Duration `envconfig:"KITE_FILL_TIMEOUT" default:"10s"`
}

// BrokerConfig chooses the collaborator implementations.
type BrokerConfig struct {
	Broker        string        `envconfig:"BROKER" default:"sim"`
	FeedSource    string        `envconfig:"FEED_SOURCE"`
	HistorySource string        `envconfig:"HISTORY_SOURCE"`
	TickTopic     string        `envconfig:"TICKS_TOPIC" default:"ticks"`
	SimTickEvery  time.Duration `envconfig:"SIM_TICK_EVERY" default:"1s"`
	SimBasePrice  float64       `envconfig:"SIM_BASE_PRICE" default:"2500.0"`
}

// JournalConfig toggles the write-only audit sinks.
type JournalConfig struct {
	Kafka     bool   `envconfig:"JOURNAL_KAFKA" default:"false"`
	Postgres  bool   `envconfig:"JOURNAL_POSTGRES" default:"false"`
	BarTopic  string `envconfig:"JOURNAL_BAR_TOPIC" default:"bars.live"`
	FillTopic string `envconfig:"JOURNAL_FILL_TOPIC" default:"fills.live"`
}

// Load fills the given struct from environment.
func Load[T any](prefix string) (T, error) {
	var cfg T
	err := envconfig.Process(prefix, &cfg)
	return cfg, err
}
