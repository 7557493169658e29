package strategy

import (
	"fmt"
	"math"

	talib "github.com/markcheno/go-talib"

	"live-trader/go/pkg/bars"
	"live-trader/go/pkg/position"
)

// SMACrossover is long while the fast SMA is above the slow one and short otherwise.
type SMACrossover struct {
	fast, slow int
}

func NewSMACrossover(fast, slow int) *SMACrossover {
	if fast <= 0 {
		fast = 50
	}
	if slow <= fast {
		slow = fast * 4
	}
	return &SMACrossover{fast: fast, slow: slow}
}

func (s *SMACrossover) Name() string { return fmt.Sprintf("SMACrossover(%d,%d)", s.fast, s.slow) }

func (s *SMACrossover) Signal(history bars.View) position.Side {
	if history.Len() < s.slow {
		return position.Flat
	}
	closes := history.Closes()
	fast := talib.Sma(closes, s.fast)
	slow := talib.Sma(closes, s.slow)
	if last(fast) > last(slow) {
		return position.Long
	}
	return position.Short
}

// MACD follows the MACD line crossing its signal line.
type MACD struct {
	fast, slow, signal int
}

func NewMACD(fast, slow, signal int) *MACD {
	if fast <= 0 {
		fast = 12
	}
	if slow <= fast {
		slow = 26
	}
	if signal <= 0 {
		signal = 9
	}
	return &MACD{fast: fast, slow: slow, signal: signal}
}

func (m *MACD) Name() string { return fmt.Sprintf("MACD(%d,%d,%d)", m.fast, m.slow, m.signal) }

func (m *MACD) Signal(history bars.View) position.Side {
	if history.Len() < m.slow+m.signal {
		return position.Flat
	}
	macd, sig, _ := talib.Macd(history.Closes(), m.fast, m.slow, m.signal)
	switch d := last(macd) - last(sig); {
	case d > 0:
		return position.Long
	case d < 0:
		return position.Short
	default:
		return position.Flat
	}
}

// RSI goes long above the buy threshold, short below the sell threshold and
// otherwise keeps the last side it took over the history.
type RSI struct {
	window    int
	buy, sell float64
}

func NewRSI(window int, buy, sell float64) *RSI {
	if window <= 0 {
		window = 14
	}
	if buy <= 0 || buy > 100 {
		buy = 70
	}
	if sell <= 0 || sell >= buy {
		sell = 30
	}
	return &RSI{window: window, buy: buy, sell: sell}
}

func (r *RSI) Name() string { return fmt.Sprintf("RSI(%d,%.0f,%.0f)", r.window, r.buy, r.sell) }

func (r *RSI) Signal(history bars.View) position.Side {
	if history.Len() <= r.window {
		return position.Flat
	}
	rsi := talib.Rsi(history.Closes(), r.window)
	side := position.Flat
	for _, v := range rsi[r.window:] {
		switch {
		case v > r.buy:
			side = position.Long
		case v < r.sell:
			side = position.Short
		}
	}
	return side
}

// Bollinger trades mean reversion: long under the lower band, short over the
// upper band, flat when price crosses the middle band, otherwise hold.
type Bollinger struct {
	window int
	dev    float64
}

func NewBollinger(window int, dev float64) *Bollinger {
	if window <= 1 {
		window = 20
	}
	if dev <= 0 {
		dev = 2
	}
	return &Bollinger{window: window, dev: dev}
}

func (b *Bollinger) Name() string { return fmt.Sprintf("Bollinger(%d,%.1f)", b.window, b.dev) }

func (b *Bollinger) Signal(history bars.View) position.Side {
	if history.Len() < b.window {
		return position.Flat
	}
	closes := history.Closes()
	upper, middle, lower := talib.BBands(closes, b.window, b.dev, b.dev, talib.SMA)
	side := position.Flat
	prevDist := 0.0
	for i := b.window - 1; i < len(closes); i++ {
		dist := closes[i] - middle[i]
		switch {
		case closes[i] < lower[i]:
			side = position.Long
		case closes[i] > upper[i]:
			side = position.Short
		case dist*prevDist < 0:
			side = position.Flat
		}
		prevDist = dist
	}
	return side
}

// Contrarian bets against the sign of the mean log return over the window.
type Contrarian struct {
	window int
}

func NewContrarian(window int) *Contrarian {
	if window <= 0 {
		window = 3
	}
	return &Contrarian{window: window}
}

func (c *Contrarian) Name() string { return fmt.Sprintf("Contrarian(%d)", c.window) }

func (c *Contrarian) Signal(history bars.View) position.Side {
	if history.Len() <= c.window {
		return position.Flat
	}
	closes := history.Closes()
	returns := make([]float64, len(closes)-1)
	for i := 1; i < len(closes); i++ {
		if closes[i-1] > 0 && closes[i] > 0 {
			returns[i-1] = math.Log(closes[i] / closes[i-1])
		}
	}
	switch mean := last(talib.Sma(returns, c.window)); {
	case mean > 0:
		return position.Short
	case mean < 0:
		return position.Long
	default:
		return position.Flat
	}
}

func last(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	return xs[len(xs)-1]
}
