package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	kitemodels "github.com/zerodha/gokiteconnect/v4/models"
	kiteticker "github.com/zerodha/gokiteconnect/v4/ticker"

	"live-trader/go/pkg/shared"
)

// KiteFeed streams quotes for one instrument token over the Kite websocket.
// Reconnection is left to the caller: the ticker's own reconnect loop is off and
// a dropped socket surfaces as a ConnectivityError from Next.
type KiteFeed struct {
	apiKey      string
	accessToken string
	token       uint32
	log         shared.Logger
	buffer      int
}

func NewKiteFeed(apiKey, accessToken string, token uint32, log shared.Logger) *KiteFeed {
	return &KiteFeed{apiKey: apiKey, accessToken: accessToken, token: token, log: log, buffer: 4096}
}

type feedEvent struct {
	tick shared.Tick
	err  error
}

func (k *KiteFeed) Subscribe(ctx context.Context, instrument string) (Stream, error) {
	if k.token == 0 {
		return nil, errors.New("no instrument token to subscribe")
	}
	t := kiteticker.New(k.apiKey, k.accessToken)
	t.SetAutoReconnect(false)

	serveCtx, cancel := context.WithCancel(context.Background())
	st := &kiteStream{
		events: make(chan feedEvent, k.buffer),
		cancel: cancel,
		ticker: t,
	}
	connected := make(chan struct{})
	var once sync.Once

	t.OnError(func(err error) {
		k.log.Printf("[ws] error: %v", err)
		st.push(feedEvent{err: &ConnectivityError{Op: "kite ticker", Err: err}})
	})
	t.OnClose(func(code int, reason string) {
		k.log.Printf("[ws] closed %d %s", code, reason)
		st.push(feedEvent{err: &ConnectivityError{Op: "kite ticker", Err: fmt.Errorf("closed %d %s", code, reason)}})
	})
	t.OnConnect(func() {
		k.log.Printf("[ws] connected; subscribing token %d", k.token)
		tokens := []uint32{k.token}
		if err := t.Subscribe(tokens); err != nil {
			st.push(feedEvent{err: &ConnectivityError{Op: "subscribe", Err: err}})
		} else if err := t.SetMode(kiteticker.ModeFull, tokens); err != nil {
			k.log.Printf("[ws] set mode failed: %v", err)
		}
		once.Do(func() { close(connected) })
	})
	t.OnTick(func(tk kitemodels.Tick) {
		if tk.InstrumentToken != k.token {
			return
		}
		st.push(feedEvent{tick: kiteTick(instrument, tk)})
	})

	go t.ServeWithContext(serveCtx)

	select {
	case <-connected:
		return st, nil
	case ev := <-st.events:
		st.Close()
		if ev.err != nil {
			return nil, ev.err
		}
		return nil, &ConnectivityError{Op: "subscribe", Err: errors.New("tick before connect")}
	case <-ctx.Done():
		st.Close()
		return nil, ctx.Err()
	case <-time.After(30 * time.Second):
		st.Close()
		return nil, &ConnectivityError{Op: "subscribe", Err: errors.New("connect timeout")}
	}
}

// kiteTick maps a full-mode tick to bid/ask from the top of the depth.
func kiteTick(symbol string, tk kitemodels.Tick) shared.Tick {
	ts := tk.Timestamp.Time
	if ts.IsZero() {
		ts = tk.LastTradeTime.Time
	}
	if ts.IsZero() {
		ts = time.Now()
	}
	return shared.Tick{
		Symbol:  symbol,
		EventTS: ts.UnixNano(),
		LTP:     tk.LastPrice,
		Vol:     int64(tk.VolumeTraded),
		Bid:     tk.Depth.Buy[0].Price,
		Ask:     tk.Depth.Sell[0].Price,
	}
}

type kiteStream struct {
	events  chan feedEvent
	cancel  context.CancelFunc
	ticker  *kiteticker.Ticker
	mu      sync.Mutex
	closed  bool
	dropped int64
}

// push never blocks the websocket goroutine; a full buffer drops the tick.
func (s *kiteStream) push(ev feedEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.events <- ev:
	default:
		s.dropped++
	}
}

func (s *kiteStream) Next(ctx context.Context) (shared.Tick, error) {
	select {
	case <-ctx.Done():
		return shared.Tick{}, ctx.Err()
	case ev := <-s.events:
		return ev.tick, ev.err
	}
}

func (s *kiteStream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	s.ticker.Stop()
	return nil
}
