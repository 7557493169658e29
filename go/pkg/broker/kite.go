package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	kiteconnect "github.com/zerodha/gokiteconnect/v4"

	"live-trader/go/pkg/shared"
)

const (
	defaultExchange = "NSE"
	statusComplete  = "COMPLETE"
	statusRejected  = "REJECTED"
	statusCancelled = "CANCELLED"
)

// kiteAPI is the slice of the Kite Connect REST client the adapter uses.
type kiteAPI interface {
	GetHistoricalData(instrumentToken int, interval string, fromDate time.Time, toDate time.Time, continuous bool, OI bool) ([]kiteconnect.HistoricalData, error)
	PlaceOrder(variety string, orderParams kiteconnect.OrderParams) (kiteconnect.OrderResponse, error)
	GetOrderHistory(orderID string) ([]kiteconnect.Order, error)
}

// Kite trades one instrument through Zerodha Kite Connect. Realized P&L is
// derived locally because the order API does not report it.
type Kite struct {
	*KiteFeed
	api         kiteAPI
	token       uint32
	product     string
	fillTimeout time.Duration
	pollEvery   time.Duration
	book        *Accountant
}

func NewKite(cfg shared.KiteConfig, log shared.Logger) (*Kite, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("KITE_API_KEY required for live trading")
	}
	if cfg.InstrumentToken == 0 {
		return nil, errors.New("KITE_INSTRUMENT_TOKEN required for live trading")
	}
	access := cfg.AccessToken
	if access == "" {
		var err error
		access, err = LoadAccessToken(cfg.TokenJSON)
		if err != nil {
			return nil, err
		}
	}
	client := kiteconnect.New(cfg.APIKey)
	client.SetAccessToken(access)
	return newKite(client, NewKiteFeed(cfg.APIKey, access, cfg.InstrumentToken, log), cfg), nil
}

func newKite(api kiteAPI, feed *KiteFeed, cfg shared.KiteConfig) *Kite {
	product := cfg.Product
	if product == "" {
		product = kiteconnect.ProductMIS
	}
	timeout := cfg.FillTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Kite{
		KiteFeed:    feed,
		api:         api,
		token:       cfg.InstrumentToken,
		product:     product,
		fillTimeout: timeout,
		pollEvery:   250 * time.Millisecond,
		book:        NewAccountant(),
	}
}

// History returns candle closes stamped at candle start.
func (k *Kite) History(ctx context.Context, instrument string, start, end time.Time, granularity time.Duration) ([]shared.PricePoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	candles, err := k.api.GetHistoricalData(int(k.token), kiteInterval(granularity), start, end, false, false)
	if err != nil {
		return nil, kiteError("historical data", 0, err)
	}
	out := make([]shared.PricePoint, 0, len(candles))
	for _, c := range candles {
		out = append(out, shared.PricePoint{Time: c.Date.Time.UTC(), Price: c.Close})
	}
	return out, nil
}

// SubmitOrder places a market order and waits for the exchange to complete it.
func (k *Kite) SubmitOrder(ctx context.Context, instrument string, units int64) (shared.Order, error) {
	if units == 0 {
		return shared.Order{}, &OrderExecutionError{Units: units, Reason: "zero quantity"}
	}
	exchange, symbol := SplitInstrument(instrument, defaultExchange)
	side := kiteconnect.TransactionTypeBuy
	qty := units
	if units < 0 {
		side = kiteconnect.TransactionTypeSell
		qty = -units
	}
	resp, err := k.api.PlaceOrder(kiteconnect.VarietyRegular, kiteconnect.OrderParams{
		Exchange:        exchange,
		Tradingsymbol:   symbol,
		Validity:        kiteconnect.ValidityDay,
		Product:         k.product,
		OrderType:       kiteconnect.OrderTypeMarket,
		TransactionType: side,
		Quantity:        int(qty),
		Tag:             "livetrader",
	})
	if err != nil {
		return shared.Order{}, kiteError("place order", units, err)
	}

	fill, err := k.awaitFill(ctx, resp.OrderID, units)
	if err != nil {
		return shared.Order{}, err
	}
	fill.Symbol = instrument
	fill.RealizedPnL = k.book.Fill(instrument, units, fill.Price)
	return fill, nil
}

func (k *Kite) awaitFill(ctx context.Context, orderID string, units int64) (shared.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, k.fillTimeout)
	defer cancel()
	ticker := time.NewTicker(k.pollEvery)
	defer ticker.Stop()

	for {
		history, err := k.api.GetOrderHistory(orderID)
		if err != nil {
			return shared.Order{}, kiteError("order history", units, err)
		}
		if n := len(history); n > 0 {
			o := history[n-1]
			switch o.Status {
			case statusComplete:
				ts := o.ExchangeTimestamp.Time
				if ts.IsZero() {
					ts = time.Now()
				}
				if filled := int64(o.FilledQuantity); filled != abs(units) {
					return shared.Order{}, &OrderExecutionError{Units: units, Reason: fmt.Sprintf("order %s filled %d of %d", orderID, filled, abs(units))}
				}
				return shared.Order{ID: orderID, Time: ts.UTC(), Units: units, Price: o.AveragePrice}, nil
			case statusRejected, statusCancelled:
				return shared.Order{}, &OrderExecutionError{Units: units, Reason: fmt.Sprintf("order %s %s: %s", orderID, o.Status, o.StatusMessage)}
			}
		}
		select {
		case <-ctx.Done():
			return shared.Order{}, &OrderExecutionError{Units: units, Reason: "fill not confirmed", Err: ctx.Err()}
		case <-ticker.C:
		}
	}
}

// kiteError separates transport failures from venue rejections.
func kiteError(op string, units int64, err error) error {
	var kerr kiteconnect.Error
	if errors.As(err, &kerr) && kerr.ErrorType != kiteconnect.NetworkError {
		if units != 0 {
			return &OrderExecutionError{Units: units, Reason: op, Err: err}
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	return &ConnectivityError{Op: op, Err: err}
}

func kiteInterval(granularity time.Duration) string {
	switch {
	case granularity <= time.Minute:
		return "minute"
	case granularity <= 3*time.Minute:
		return "3minute"
	case granularity <= 5*time.Minute:
		return "5minute"
	case granularity <= 10*time.Minute:
		return "10minute"
	case granularity <= 15*time.Minute:
		return "15minute"
	case granularity <= 30*time.Minute:
		return "30minute"
	case granularity <= time.Hour:
		return "60minute"
	default:
		return "day"
	}
}

// LoadAccessToken reads the access_token field written by the login helper.
func LoadAccessToken(path string) (string, error) {
	if path == "" {
		return "", errors.New("token path empty")
	}
	if !filepath.IsAbs(path) {
		if abs, err := filepath.Abs(path); err == nil {
			path = abs
		}
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	var doc map[string]any
	if err := json.Unmarshal(b, &doc); err != nil {
		return "", err
	}
	if tok, ok := doc["access_token"].(string); ok && tok != "" {
		return tok, nil
	}
	return "", errors.New("access_token missing in token file")
}
