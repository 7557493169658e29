package strategy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"live-trader/go/pkg/bars"
	"live-trader/go/pkg/position"
	"live-trader/go/pkg/shared"
)

func history(closes ...float64) bars.View {
	start := time.Date(2024, 3, 4, 9, 15, 0, 0, time.UTC)
	bs := make([]shared.Bar, len(closes))
	for i, c := range closes {
		bs[i] = shared.Bar{CloseTime: start.Add(time.Duration(i+1) * time.Minute), O: c, H: c, L: c, C: c}
	}
	return bars.NewView(bs)
}

func ramp(n int, from, step float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = from + float64(i)*step
	}
	return out
}

func TestBuildSelectsMode(t *testing.T) {
	cases := map[string]string{
		"":           "SMACrossover(50,200)",
		"sma":        "SMACrossover(50,200)",
		"MACD":       "MACD(12,26,9)",
		"rsi":        "RSI(14,70,30)",
		"bollinger":  "Bollinger(14,2.0)",
		"contrarian": "Contrarian(14)",
		"constant":   "Constant(LONG)",
	}
	for mode, want := range cases {
		cfg := shared.StrategyConfig{Mode: mode, FastMA: 50, SlowMA: 200, SignalMA: 9, Window: 14, BuyThreshold: 70, SellThreshold: 30, Deviations: 2, Constant: 1}
		if mode == "MACD" {
			cfg.FastMA, cfg.SlowMA = 12, 26
		}
		s, err := Build(cfg)
		require.NoError(t, err, mode)
		assert.Equal(t, want, s.Name(), mode)
	}
}

func TestBuildRejectsUnknownMode(t *testing.T) {
	_, err := Build(shared.StrategyConfig{Mode: "smaa"})
	assert.ErrorContains(t, err, `"smaa"`)
}

func TestFuncAndConstant(t *testing.T) {
	f := Func(func(h bars.View) position.Side {
		if h.Len() > 1 {
			return position.Short
		}
		return position.Flat
	})
	assert.Equal(t, position.Short, f.Signal(history(1, 2)))
	assert.Equal(t, position.Long, Constant(position.Long).Signal(history()))
}

func TestSMACrossover(t *testing.T) {
	s := NewSMACrossover(3, 6)
	assert.Equal(t, position.Flat, s.Signal(history(ramp(5, 100, 1)...)))
	assert.Equal(t, position.Long, s.Signal(history(ramp(20, 100, 1)...)))
	assert.Equal(t, position.Short, s.Signal(history(ramp(20, 100, -1)...)))
}

func TestMACD(t *testing.T) {
	m := NewMACD(3, 6, 3)
	assert.Equal(t, position.Flat, m.Signal(history(ramp(5, 100, 1)...)))
	// accelerating rally keeps MACD above its signal line
	up := make([]float64, 40)
	for i := range up {
		up[i] = 100 + float64(i*i)*0.1
	}
	assert.Equal(t, position.Long, m.Signal(history(up...)))
	down := make([]float64, 40)
	for i := range down {
		down[i] = 500 - float64(i*i)*0.1
	}
	assert.Equal(t, position.Short, m.Signal(history(down...)))
}

func TestRSIHoldsLastSide(t *testing.T) {
	r := NewRSI(5, 70, 30)
	assert.Equal(t, position.Flat, r.Signal(history(ramp(5, 100, 1)...)))
	assert.Equal(t, position.Long, r.Signal(history(ramp(20, 100, 1)...)))
	assert.Equal(t, position.Short, r.Signal(history(ramp(20, 100, -1)...)))
}

func TestBollinger(t *testing.T) {
	b := NewBollinger(5, 1)
	flat := []float64{100, 100.5, 99.5, 100, 100.5, 99.5, 100}
	assert.Equal(t, position.Long, b.Signal(history(append(flat, 90)...)))
	assert.Equal(t, position.Short, b.Signal(history(append(flat, 110)...)))
	assert.Equal(t, position.Flat, b.Signal(history(1, 2)))
}

func TestContrarian(t *testing.T) {
	c := NewContrarian(3)
	assert.Equal(t, position.Short, c.Signal(history(ramp(10, 100, 1)...)))
	assert.Equal(t, position.Long, c.Signal(history(ramp(10, 100, -1)...)))
	assert.Equal(t, position.Flat, c.Signal(history(100, 100, 100, 100, 100)))
}

func TestDeterministic(t *testing.T) {
	h := history(ramp(60, 100, 0.5)...)
	for _, s := range []Strategy{NewSMACrossover(5, 20), NewMACD(12, 26, 9), NewRSI(14, 70, 30), NewBollinger(20, 2), NewContrarian(3)} {
		assert.Equal(t, s.Signal(h), s.Signal(h), s.Name())
	}
}
