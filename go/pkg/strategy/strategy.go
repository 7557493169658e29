// Package strategy holds the signal functions a session can be driven by.
package strategy

import (
	"fmt"
	"strings"

	"live-trader/go/pkg/bars"
	"live-trader/go/pkg/position"
	"live-trader/go/pkg/shared"
)

// Strategy maps sealed bar history to the desired position for its latest bar.
// Implementations must be deterministic for identical history and must not
// retain the view beyond the call.
type Strategy interface {
	Name() string
	Signal(history bars.View) position.Side
}

// Func adapts a plain function to Strategy.
type Func func(history bars.View) position.Side

func (f Func) Name() string { return "func" }

func (f Func) Signal(history bars.View) position.Side { return f(history) }

// Constant always asks for the same side.
type Constant position.Side

func (c Constant) Name() string { return "Constant(" + position.Side(c).String() + ")" }

func (c Constant) Signal(bars.View) position.Side { return position.Side(c) }

// Build returns a strategy implementation matching the configured mode.
func Build(cfg shared.StrategyConfig) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Mode)) {
	case "", "sma":
		return NewSMACrossover(cfg.FastMA, cfg.SlowMA), nil
	case "macd":
		return NewMACD(cfg.FastMA, cfg.SlowMA, cfg.SignalMA), nil
	case "rsi":
		return NewRSI(cfg.Window, cfg.BuyThreshold, cfg.SellThreshold), nil
	case "bollinger", "bb":
		return NewBollinger(cfg.Window, cfg.Deviations), nil
	case "contrarian":
		return NewContrarian(cfg.Window), nil
	case "constant":
		return Constant(clampSide(cfg.Constant)), nil
	default:
		return nil, fmt.Errorf("unknown STRATEGY %q", cfg.Mode)
	}
}

func clampSide(v int) position.Side {
	switch {
	case v > 0:
		return position.Long
	case v < 0:
		return position.Short
	default:
		return position.Flat
	}
}
