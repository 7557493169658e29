package shared

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validSession() SessionConfig {
	return SessionConfig{
		Instrument:  "NSE:INFY",
		BarLength:   time.Minute,
		Units:       10,
		Duration:    time.Hour,
		Lookback:    24 * time.Hour,
		Granularity: 5 * time.Second,
		SleepPeriod: 15 * time.Second,
	}
}

func TestSessionConfigValidate(t *testing.T) {
	require.NoError(t, validSession().Validate())

	cases := map[string]func(*SessionConfig){
		"empty instrument": func(c *SessionConfig) { c.Instrument = " " },
		"zero bar":         func(c *SessionConfig) { c.BarLength = 0 },
		"zero units":       func(c *SessionConfig) { c.Units = 0 },
		"zero duration":    func(c *SessionConfig) { c.Duration = 0 },
		"short lookback":   func(c *SessionConfig) { c.Lookback = time.Second },
		"negative retries": func(c *SessionConfig) { c.MaxAttempts = -1 },
		"negative sleep":   func(c *SessionConfig) { c.SleepIncrease = -time.Second },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := validSession()
			mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadSessionFromEnv(t *testing.T) {
	t.Setenv("INSTRUMENT", "NSE:TCS")
	t.Setenv("BAR_LENGTH", "5m")
	t.Setenv("MAX_ATTEMPTS", "3")

	cfg, err := Load[SessionConfig]("")
	require.NoError(t, err)
	assert.Equal(t, "NSE:TCS", cfg.Instrument)
	assert.Equal(t, 5*time.Minute, cfg.BarLength)
	assert.Equal(t, 3, cfg.MaxAttempts)
	assert.Equal(t, int64(1), cfg.Units)
	assert.Equal(t, 15*time.Second, cfg.SleepPeriod)
}

func TestBrokerList(t *testing.T) {
	assert.Equal(t, []string{"a:1", "b:2"}, KafkaConfig{Brokers: " a:1, ,b:2 "}.BrokerList())
	assert.Equal(t, []string{"localhost:9092"}, KafkaConfig{}.BrokerList())
}

func TestTickMid(t *testing.T) {
	assert.Equal(t, 101.0, Tick{Bid: 100, Ask: 102}.Mid())
	assert.Equal(t, 100.0, Tick{Bid: 100}.Mid())
	assert.Equal(t, 99.5, Tick{LTP: 99.5}.Mid())
}
