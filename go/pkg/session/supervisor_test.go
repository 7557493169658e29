package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"live-trader/go/pkg/bars"
	"live-trader/go/pkg/broker"
	"live-trader/go/pkg/position"
	"live-trader/go/pkg/shared"
	"live-trader/go/pkg/strategy"
)

var t0 = time.Date(2024, 1, 2, 9, 30, 0, 0, time.UTC)

type memLog struct {
	mu    sync.Mutex
	lines []string
}

func (l *memLog) Printf(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, fmt.Sprintf(format, args...))
}

func (l *memLog) Fatalf(format string, args ...any) { l.Printf(format, args...) }

func (l *memLog) contains(sub string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, line := range l.lines {
		if strings.Contains(line, sub) {
			return true
		}
	}
	return false
}

type fakeStream struct {
	ticks    []shared.Tick
	onEmpty  func(ctx context.Context) error
	closeErr error
	closed   int
}

func (s *fakeStream) Next(ctx context.Context) (shared.Tick, error) {
	if len(s.ticks) == 0 {
		if s.onEmpty != nil {
			return shared.Tick{}, s.onEmpty(ctx)
		}
		return shared.Tick{}, broker.ErrStreamEnded
	}
	tk := s.ticks[0]
	s.ticks = s.ticks[1:]
	return tk, nil
}

func (s *fakeStream) Close() error {
	s.closed++
	return s.closeErr
}

// fakeBroker serves flat history at 100, hands out one scripted stream per
// Subscribe and fills orders at the next scripted price.
type fakeBroker struct {
	historyErr error
	staleFirst int // number of History calls answered with stale data
	starts     []time.Time

	streams    []*fakeStream
	subscribed int

	prices  []float64
	failAt  map[int]error
	partial bool
	orders  []int64
	book    *broker.Accountant
}

func newFakeBroker(streams ...*fakeStream) *fakeBroker {
	return &fakeBroker{streams: streams, failAt: map[int]error{}, book: broker.NewAccountant()}
}

func (b *fakeBroker) History(_ context.Context, _ string, start, end time.Time, granularity time.Duration) ([]shared.PricePoint, error) {
	b.starts = append(b.starts, start)
	if b.historyErr != nil {
		return nil, b.historyErr
	}
	if len(b.starts) <= b.staleFirst {
		end = end.Add(-10 * time.Minute)
	}
	var pts []shared.PricePoint
	for ts := start; !ts.After(end); ts = ts.Add(granularity) {
		pts = append(pts, shared.PricePoint{Time: ts, Price: 100})
	}
	return pts, nil
}

func (b *fakeBroker) Subscribe(context.Context, string) (broker.Stream, error) {
	if b.subscribed >= len(b.streams) {
		return nil, &broker.ConnectivityError{Op: "subscribe", Err: errors.New("no stream scripted")}
	}
	s := b.streams[b.subscribed]
	b.subscribed++
	return s, nil
}

func (b *fakeBroker) SubmitOrder(ctx context.Context, instrument string, units int64) (shared.Order, error) {
	n := len(b.orders)
	b.orders = append(b.orders, units)
	if err := ctx.Err(); err != nil {
		return shared.Order{}, err
	}
	if err, ok := b.failAt[n]; ok {
		return shared.Order{}, err
	}
	px := 100.0
	if n < len(b.prices) {
		px = b.prices[n]
	}
	filled := units
	if b.partial {
		filled = units / 2
	}
	return shared.Order{
		ID:          fmt.Sprintf("o-%d", n),
		Symbol:      instrument,
		Time:        t0,
		Units:       filled,
		Price:       px,
		RealizedPnL: b.book.Fill(instrument, filled, px),
	}, nil
}

func tickAt(d time.Duration, px float64) shared.Tick {
	return shared.Tick{Symbol: "NSE:INFY", EventTS: t0.Add(d).UnixNano(), LTP: px}
}

func testConfig() shared.SessionConfig {
	return shared.SessionConfig{
		Instrument:  "NSE:INFY",
		BarLength:   time.Minute,
		Units:       100,
		Duration:    10 * time.Minute,
		Lookback:    time.Hour,
		Granularity: 5 * time.Second,
		MaxAttempts: 3,
		SleepPeriod: 15 * time.Second,
	}
}

type harness struct {
	sup    *Supervisor
	broker *fakeBroker
	log    *memLog
	sleeps []time.Duration
	// orders already submitted when each sleep began
	ordersAtSleep []int
}

func newHarness(t *testing.T, cfg shared.SessionConfig, strat strategy.Strategy, b *fakeBroker) *harness {
	t.Helper()
	h := &harness{broker: b, log: &memLog{}}
	sup, err := New(cfg, Deps{
		Broker:    b,
		Strategy:  strat,
		Log:       h.log,
		Registry:  prometheus.NewRegistry(),
		Now:       func() time.Time { return t0 },
		SessionID: "test-session",
		Sleep: func(ctx context.Context, d time.Duration) error {
			h.sleeps = append(h.sleeps, d)
			h.ordersAtSleep = append(h.ordersAtSleep, len(b.orders))
			return nil
		},
	})
	require.NoError(t, err)
	h.sup = sup
	return h
}

func TestSessionBuysThenFlattensAtEnd(t *testing.T) {
	stream := &fakeStream{ticks: []shared.Tick{
		tickAt(10*time.Second, 100),
		tickAt(65*time.Second, 100.5),
		tickAt(2*time.Minute, 101),
		tickAt(2*time.Minute+time.Second, 101),
	}}
	b := newFakeBroker(stream)
	b.prices = []float64{100, 101}
	cfg := testConfig()
	cfg.Duration = 2 * time.Minute
	h := newHarness(t, cfg, strategy.Constant(position.Long), b)

	rep := h.sup.Run(context.Background())

	require.NoError(t, rep.Err)
	assert.Equal(t, "test-session", rep.SessionID)
	assert.Equal(t, Ended, rep.Status)
	assert.Equal(t, 1, rep.Attempts)
	assert.False(t, rep.MaxAttemptsReached)
	assert.Equal(t, position.Flat, rep.Position)
	assert.Equal(t, []int64{100, -100}, b.orders)
	assert.Equal(t, 2, rep.Orders)
	assert.InDelta(t, 100.0, rep.Cumulative, 1e-9)
	assert.Equal(t, 1, stream.closed)
	assert.Equal(t, t0.Add(2*time.Minute), rep.End)
	assert.True(t, h.log.contains("GOING LONG"))
	assert.True(t, h.log.contains("STAYING LONG"))
	assert.True(t, h.log.contains("GOING NEUTRAL"))
	assert.True(t, h.log.contains("SESSION OVER"))
	assert.Empty(t, h.sleeps)
}

func TestEverySealedBarIsEvaluatedOnce(t *testing.T) {
	var lens []int
	var filled []bool
	strat := strategy.Func(func(v bars.View) position.Side {
		last, _ := v.Last()
		lens = append(lens, v.Len())
		filled = append(filled, last.Filled)
		return position.Flat
	})
	stream := &fakeStream{ticks: []shared.Tick{
		tickAt(10*time.Second, 100),
		tickAt(3*time.Minute+5*time.Second, 102),
		tickAt(10*time.Minute, 102),
	}}
	h := newHarness(t, testConfig(), strat, newFakeBroker(stream))

	rep := h.sup.Run(context.Background())

	require.NoError(t, rep.Err)
	// seeded tail, the traded 09:31 bar, then two forward-filled bars
	assert.Equal(t, []int{60, 61, 62, 63}, lens)
	assert.Equal(t, []bool{false, false, true, true}, filled)
	assert.Equal(t, 63, h.sup.Bars().Len())
	assert.Empty(t, h.broker.orders)
}

func TestStatusIsStreamingWhileTrading(t *testing.T) {
	var seen []Status
	var sup *Supervisor
	strat := strategy.Func(func(bars.View) position.Side {
		seen = append(seen, sup.Status())
		return position.Flat
	})
	stream := &fakeStream{ticks: []shared.Tick{tickAt(10*time.Second, 100), tickAt(10*time.Minute, 100)}}
	h := newHarness(t, testConfig(), strat, newFakeBroker(stream))
	sup = h.sup
	assert.Equal(t, Bootstrapping, sup.Status())

	sup.Run(context.Background())

	assert.Equal(t, []Status{Streaming}, seen)
	assert.Equal(t, Ended, sup.Status())
}

func TestRetriesAreBoundedWithLinearBackoff(t *testing.T) {
	cfg := testConfig()
	cfg.SleepIncrease = time.Second
	b := newFakeBroker()
	b.historyErr = &broker.ConnectivityError{Op: "history", Err: errors.New("timeout")}
	h := newHarness(t, cfg, strategy.Constant(position.Long), b)

	rep := h.sup.Run(context.Background())

	assert.Len(t, b.starts, 3)
	assert.Equal(t, []time.Duration{15 * time.Second, 16 * time.Second, 17 * time.Second}, h.sleeps)
	assert.True(t, rep.MaxAttemptsReached)
	assert.Equal(t, 3, rep.Attempts)
	assert.Equal(t, Ended, rep.Status)
	var ce *broker.ConnectivityError
	assert.ErrorAs(t, rep.Err, &ce)
	assert.True(t, h.log.contains("MAX ATTEMPTS REACHED"))
	assert.True(t, h.log.contains("TOO MANY ERRORS - SESSION TERMINATED"))
	assert.Empty(t, b.orders)
}

func TestStreamEndIsRetried(t *testing.T) {
	cfg := testConfig()
	cfg.MaxAttempts = 2
	first, second := &fakeStream{}, &fakeStream{}
	b := newFakeBroker(first, second)
	h := newHarness(t, cfg, strategy.Constant(position.Flat), b)

	rep := h.sup.Run(context.Background())

	assert.Equal(t, 2, b.subscribed)
	assert.Equal(t, 1, first.closed)
	assert.Equal(t, 1, second.closed)
	assert.Equal(t, []time.Duration{15 * time.Second, 15 * time.Second}, h.sleeps)
	assert.ErrorIs(t, rep.Err, broker.ErrStreamEnded)
	var ce *broker.ConnectivityError
	assert.ErrorAs(t, rep.Err, &ce)
}

func TestMaxAttemptsFlattensOpenPosition(t *testing.T) {
	cfg := testConfig()
	cfg.MaxAttempts = 2
	first := &fakeStream{ticks: []shared.Tick{tickAt(10*time.Second, 100)}}
	second := &fakeStream{ticks: []shared.Tick{tickAt(20*time.Second, 100)}}
	b := newFakeBroker(first, second)
	b.prices = []float64{100, 99}
	h := newHarness(t, cfg, strategy.Constant(position.Long), b)

	rep := h.sup.Run(context.Background())

	assert.True(t, rep.MaxAttemptsReached)
	assert.Equal(t, 2, rep.Attempts)
	assert.ErrorIs(t, rep.Err, broker.ErrStreamEnded)
	assert.Equal(t, []int64{100, -100}, b.orders, "reconnect must not buy again")
	assert.Equal(t, []int{1, 1}, h.ordersAtSleep, "flatten comes after the final sleep")
	assert.Equal(t, 2, rep.Orders)
	assert.Equal(t, 2, h.sup.Ledger().Len())
	assert.InDelta(t, -100.0, rep.Cumulative, 1e-9)
	assert.Equal(t, position.Flat, rep.Position)
	assert.Equal(t, Ended, rep.Status)
	assert.True(t, h.log.contains("STAYING LONG"))
	assert.True(t, h.log.contains("TOO MANY ERRORS - SESSION TERMINATED"))
}

func TestSilentFeedStillEndsOnTime(t *testing.T) {
	cfg := testConfig()
	cfg.Duration = 50 * time.Millisecond
	stream := &fakeStream{onEmpty: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}}
	h := newHarness(t, cfg, strategy.Constant(position.Long), newFakeBroker(stream))

	rep := h.sup.Run(context.Background())

	require.NoError(t, rep.Err)
	assert.Equal(t, 1, rep.Attempts)
	assert.Equal(t, Ended, rep.Status)
	assert.Equal(t, 1, stream.closed)
	assert.Empty(t, h.sleeps)
	assert.True(t, h.log.contains("SESSION OVER"))
}

func TestFailedOrderLeavesPositionUnchanged(t *testing.T) {
	cfg := testConfig()
	cfg.MaxAttempts = 1
	stream := &fakeStream{ticks: []shared.Tick{tickAt(10*time.Second, 100)}}
	b := newFakeBroker(stream)
	b.failAt[0] = &broker.OrderExecutionError{Units: 100, Reason: "REJECTED"}
	h := newHarness(t, cfg, strategy.Constant(position.Long), b)

	rep := h.sup.Run(context.Background())

	var oe *broker.OrderExecutionError
	require.ErrorAs(t, rep.Err, &oe)
	assert.Equal(t, position.Flat, rep.Position)
	assert.Equal(t, []int64{100}, b.orders, "nothing to flatten after a failed entry")
	assert.Zero(t, rep.Orders)
	assert.Equal(t, 1, stream.closed)
	assert.Equal(t, Ended, rep.Status)
}

func TestPartialFillIsAnExecutionError(t *testing.T) {
	cfg := testConfig()
	cfg.MaxAttempts = 1
	b := newFakeBroker(&fakeStream{ticks: []shared.Tick{tickAt(10*time.Second, 100)}})
	b.partial = true
	h := newHarness(t, cfg, strategy.Constant(position.Short), b)

	rep := h.sup.Run(context.Background())

	var oe *broker.OrderExecutionError
	require.ErrorAs(t, rep.Err, &oe)
	assert.Equal(t, int64(-100), oe.Units)
	assert.Equal(t, position.Flat, rep.Position)
	assert.Zero(t, rep.Orders)
}

func TestCancellationIsFatalButStillFlattens(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stream := &fakeStream{
		ticks: []shared.Tick{tickAt(10*time.Second, 100)},
		onEmpty: func(ctx context.Context) error {
			cancel()
			return ctx.Err()
		},
	}
	b := newFakeBroker(stream)
	h := newHarness(t, testConfig(), strategy.Constant(position.Long), b)

	rep := h.sup.Run(ctx)

	assert.ErrorIs(t, rep.Err, context.Canceled)
	assert.Equal(t, 1, rep.Attempts)
	assert.Empty(t, h.sleeps)
	assert.Equal(t, []int64{100, -100}, b.orders)
	assert.Equal(t, position.Flat, rep.Position)
	assert.Equal(t, 2, rep.Orders)
	assert.Equal(t, Ended, rep.Status)
}

func TestInvalidSignalIsFatal(t *testing.T) {
	b := newFakeBroker(&fakeStream{ticks: []shared.Tick{tickAt(10*time.Second, 100)}})
	h := newHarness(t, testConfig(), strategy.Constant(position.Side(3)), b)

	rep := h.sup.Run(context.Background())

	assert.ErrorIs(t, rep.Err, ErrInvalidSignal)
	assert.Equal(t, 1, rep.Attempts)
	assert.Empty(t, h.sleeps)
	assert.Empty(t, b.orders)
	assert.Equal(t, Ended, rep.Status)
}

func TestFlattenFailureStillEndsSession(t *testing.T) {
	b := newFakeBroker(&fakeStream{ticks: []shared.Tick{
		tickAt(10*time.Second, 100),
		tickAt(10*time.Minute, 100),
	}})
	b.failAt[1] = &broker.ConnectivityError{Op: "order", Err: errors.New("reset")}
	h := newHarness(t, testConfig(), strategy.Constant(position.Long), b)

	rep := h.sup.Run(context.Background())

	assert.NoError(t, rep.Err)
	assert.Equal(t, Ended, rep.Status)
	assert.Equal(t, position.Long, rep.Position)
	assert.Equal(t, 1, rep.Orders)
	assert.True(t, h.log.contains("COULD NOT TERMINATE SESSION"))
}

func TestUnsubscribeErrorIsLogged(t *testing.T) {
	stream := &fakeStream{
		ticks:    []shared.Tick{tickAt(10*time.Minute, 100)},
		closeErr: errors.New("socket already closed"),
	}
	h := newHarness(t, testConfig(), strategy.Constant(position.Flat), newFakeBroker(stream))

	rep := h.sup.Run(context.Background())

	assert.NoError(t, rep.Err)
	assert.Equal(t, Ended, rep.Status)
	assert.True(t, h.log.contains("socket already closed"))
}

func TestStaleHistoryWidensLookbackOnce(t *testing.T) {
	b := newFakeBroker(&fakeStream{ticks: []shared.Tick{tickAt(10*time.Minute, 100)}})
	b.staleFirst = 1
	h := newHarness(t, testConfig(), strategy.Constant(position.Flat), b)

	rep := h.sup.Run(context.Background())

	require.NoError(t, rep.Err)
	assert.Equal(t, []time.Time{t0.Add(-time.Hour), t0.Add(-2 * time.Hour)}, b.starts)
	assert.True(t, h.log.contains("VERIFY THAT BOT IS RUNNING DURING TRADING HOURS"))
	assert.Equal(t, 1, rep.Attempts)
}

func TestPersistentlyStaleHistoryIsRetryable(t *testing.T) {
	cfg := testConfig()
	cfg.MaxAttempts = 1
	b := newFakeBroker()
	b.staleFirst = 100
	h := newHarness(t, cfg, strategy.Constant(position.Flat), b)

	rep := h.sup.Run(context.Background())

	var ih *bars.InsufficientHistoryError
	require.ErrorAs(t, rep.Err, &ih)
	assert.Len(t, b.starts, 2)
	assert.True(t, rep.MaxAttemptsReached)
	assert.Zero(t, b.subscribed)
}

func TestInterruptedBackoffTerminates(t *testing.T) {
	cfg := testConfig()
	cfg.MaxAttempts = 0
	b := newFakeBroker()
	b.historyErr = errors.New("boom")
	log := &memLog{}
	sup, err := New(cfg, Deps{
		Broker:   b,
		Strategy: strategy.Constant(position.Flat),
		Log:      log,
		Registry: prometheus.NewRegistry(),
		Now:      func() time.Time { return t0 },
		Sleep:    func(context.Context, time.Duration) error { return context.Canceled },
	})
	require.NoError(t, err)

	rep := sup.Run(context.Background())

	assert.ErrorIs(t, rep.Err, context.Canceled)
	assert.Equal(t, 1, rep.Attempts)
	assert.Equal(t, Ended, rep.Status)
	assert.NotEmpty(t, rep.SessionID)
}

func TestSessionPastItsEndDoesNothing(t *testing.T) {
	clock := t0
	b := newFakeBroker()
	sup, err := New(testConfig(), Deps{
		Broker:   b,
		Strategy: strategy.Constant(position.Long),
		Registry: prometheus.NewRegistry(),
		Now:      func() time.Time { return clock },
	})
	require.NoError(t, err)
	clock = t0.Add(time.Hour)

	rep := sup.Run(context.Background())

	assert.NoError(t, rep.Err)
	assert.Zero(t, rep.Attempts)
	assert.Empty(t, b.starts)
	assert.Equal(t, Ended, rep.Status)
}

func TestNewRejectsBadInput(t *testing.T) {
	cfg := testConfig()
	cfg.Units = 0
	_, err := New(cfg, Deps{Broker: newFakeBroker(), Strategy: strategy.Constant(position.Flat)})
	assert.Error(t, err)

	_, err = New(testConfig(), Deps{Broker: newFakeBroker()})
	assert.Error(t, err)
}

func TestStatusTransitions(t *testing.T) {
	assert.True(t, canMove(Bootstrapping, Streaming))
	assert.True(t, canMove(Streaming, Bootstrapping))
	assert.True(t, canMove(Bootstrapping, Terminating))
	assert.True(t, canMove(Terminating, Ended))
	assert.False(t, canMove(Ended, Bootstrapping))
	assert.False(t, canMove(Streaming, Ended))
	assert.False(t, canMove(Terminating, Streaming))
	assert.Equal(t, "TERMINATING", Terminating.String())
}
