// Package session runs one supervised live trading session: backfill, stream,
// trade on sealed bars, and flatten at the scheduled end.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"live-trader/go/pkg/bars"
	"live-trader/go/pkg/broker"
	"live-trader/go/pkg/journal"
	"live-trader/go/pkg/ledger"
	"live-trader/go/pkg/position"
	"live-trader/go/pkg/shared"
	"live-trader/go/pkg/strategy"
)

const shutdownTimeout = 30 * time.Second

// ErrInvalidSignal is fatal: the strategy produced something other than -1, 0 or 1.
var ErrInvalidSignal = errors.New("strategy returned invalid signal")

// Deps are the collaborators of a session. Only Broker and Strategy are required.
type Deps struct {
	Broker   broker.Broker
	Strategy strategy.Strategy
	Journal  journal.Sink
	Log      shared.Logger
	Registry prometheus.Registerer
	Now      func() time.Time
	Sleep    func(ctx context.Context, d time.Duration) error
	// SessionID defaults to a random UUID.
	SessionID string
}

// Report summarises a finished session.
type Report struct {
	SessionID          string
	Start, End         time.Time
	Attempts           int
	Status             Status
	Position           position.Side
	MaxAttemptsReached bool
	Err                error
	Orders             int
	Cumulative         float64
}

// Supervisor owns the session state. Everything except Status is touched only
// from the goroutine running Run.
type Supervisor struct {
	cfg      shared.SessionConfig
	id       string
	broker   broker.Broker
	strategy strategy.Strategy
	journal  journal.Sink
	log      shared.Logger
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
	m        metrics

	start, end time.Time
	status     atomic.Int32
	attempts   int
	agg        *bars.Aggregator
	pos        *position.Manager
	ledger     *ledger.Ledger
	stream     broker.Stream
	stop       bool
}

func New(cfg shared.SessionConfig, deps Deps) (*Supervisor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("session config: %w", err)
	}
	if deps.Broker == nil || deps.Strategy == nil {
		return nil, errors.New("session needs a broker and a strategy")
	}
	if cfg.Granularity <= 0 {
		cfg.Granularity = 5 * time.Second
	}
	s := &Supervisor{
		cfg:      cfg,
		id:       deps.SessionID,
		broker:   deps.Broker,
		strategy: deps.Strategy,
		journal:  deps.Journal,
		log:      deps.Log,
		now:      deps.Now,
		sleep:    deps.Sleep,
		m:        newMetrics(deps.Registry),
		agg:      bars.NewAggregator(cfg.Instrument, cfg.BarLength),
		pos:      position.NewManager(cfg.Units),
		ledger:   ledger.New(),
	}
	if s.id == "" {
		s.id = uuid.NewString()
	}
	if s.journal == nil {
		s.journal = journal.Nop{}
	}
	if s.log == nil {
		s.log = shared.NopLogger()
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.sleep == nil {
		s.sleep = sleepCtx
	}
	s.start = s.now().UTC()
	s.end = s.start.Add(cfg.Duration)
	return s, nil
}

func (s *Supervisor) ID() string { return s.id }

func (s *Supervisor) Status() Status { return Status(s.status.Load()) }

func (s *Supervisor) End() time.Time { return s.end }

func (s *Supervisor) Ledger() *ledger.Ledger { return s.ledger }

func (s *Supervisor) Position() position.Side { return s.pos.Side() }

func (s *Supervisor) Bars() bars.View { return s.agg.Series() }

// Run retries bootstrap+stream with linear backoff until the session ends on
// time, a fatal error occurs or MaxAttempts is exhausted. It always leaves the
// session ENDED and never returns an error; failures are in the report.
func (s *Supervisor) Run(ctx context.Context) Report {
	s.log.Printf("session %s %s bar=%s units=%d strategy=%s ends=%s",
		s.id, s.cfg.Instrument, s.cfg.BarLength, s.cfg.Units, s.strategy.Name(), s.end.Format(time.RFC3339))
	wait := s.cfg.SleepPeriod
	for {
		if !s.now().Before(s.end) {
			s.terminate(ctx, "SESSION OVER")
			return s.report(nil, false)
		}

		out := s.attempt(ctx)
		s.attempts++
		s.m.attempts.Inc()
		s.log.Printf("Attempt: %d (%s)", s.attempts, out)

		switch out.Kind {
		case Completed:
			return s.report(nil, false)
		case Fatal:
			s.terminate(ctx, "FATAL ERROR - SESSION TERMINATED")
			return s.report(out.Err, false)
		}

		if s.cfg.MaxAttempts > 0 && s.attempts >= s.cfg.MaxAttempts {
			s.log.Printf("MAX ATTEMPTS REACHED")
			_ = s.sleep(ctx, wait)
			s.terminate(ctx, "TOO MANY ERRORS - SESSION TERMINATED")
			return s.report(fmt.Errorf("gave up after %d attempts: %w", s.attempts, out.Err), true)
		}
		if err := s.sleep(ctx, wait); err != nil {
			s.terminate(ctx, "INTERRUPTED - SESSION TERMINATED")
			return s.report(err, false)
		}
		wait += s.cfg.SleepIncrease
		s.agg.Reset()
	}
}

// attempt is one bootstrap followed by streaming until the end time or a failure.
func (s *Supervisor) attempt(ctx context.Context) Outcome {
	s.advance(Bootstrapping)
	if err := s.bootstrap(ctx); err != nil {
		return s.classify(ctx, fmt.Errorf("bootstrap: %w", err))
	}

	stream, err := s.broker.Subscribe(ctx, s.cfg.Instrument)
	if err != nil {
		return s.classify(ctx, fmt.Errorf("subscribe: %w", err))
	}
	s.stream = stream
	s.stop = false
	s.advance(Streaming)

	for !s.stop {
		tk, over, err := s.next(ctx, stream)
		if over {
			break
		}
		if err != nil {
			if errors.Is(err, broker.ErrStreamEnded) {
				err = &broker.ConnectivityError{Op: "stream", Err: err}
			}
			s.unsubscribe()
			return s.classify(ctx, fmt.Errorf("stream: %w", err))
		}
		if err := s.onTick(ctx, tk); err != nil {
			s.unsubscribe()
			return s.classify(ctx, err)
		}
	}
	s.terminate(ctx, "SESSION OVER")
	return Outcome{Kind: Completed}
}

// next waits for a tick no longer than the session has left, so a silent feed
// still ends the session on time.
func (s *Supervisor) next(ctx context.Context, stream broker.Stream) (shared.Tick, bool, error) {
	wait, cancel := context.WithTimeout(ctx, s.end.Sub(s.now()))
	defer cancel()
	tk, err := stream.Next(wait)
	if err != nil && ctx.Err() == nil && errors.Is(wait.Err(), context.DeadlineExceeded) {
		return shared.Tick{}, true, nil
	}
	return tk, false, err
}

func (s *Supervisor) classify(ctx context.Context, err error) Outcome {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, ErrInvalidSignal) {
		return Outcome{Kind: Fatal, Err: err}
	}
	return Outcome{Kind: Retryable, Err: err}
}

// bootstrap seeds the bar series, widening the window once when the freshest
// bar is stale.
func (s *Supervisor) bootstrap(ctx context.Context) error {
	lookback := s.cfg.Lookback
	for retried := false; ; retried = true {
		now := s.now().UTC()
		pts, err := s.broker.History(ctx, s.cfg.Instrument, now.Add(-lookback), now, s.cfg.Granularity)
		if err != nil {
			return err
		}
		seeded, err := bars.Seed(s.cfg.Instrument, pts, s.cfg.BarLength, now)
		var short *bars.InsufficientHistoryError
		if errors.As(err, &short) && !retried {
			s.log.Printf("VERIFY THAT BOT IS RUNNING DURING TRADING HOURS: %v", err)
			lookback *= 2
			continue
		}
		if err != nil {
			return err
		}
		s.agg.Load(seeded)
		last, _ := s.agg.Series().Last()
		s.log.Printf("SUCCESSFULLY MERGED %d bars, last close %s", len(seeded), last.CloseTime.Format(time.RFC3339))
		return nil
	}
}

// onTick runs on the single tick path. Reaching the end time sets the stop flag
// the stream loop checks before the next delivery.
func (s *Supervisor) onTick(ctx context.Context, tk shared.Tick) error {
	s.m.ticks.Inc()
	if !tk.EventTime().Before(s.end) {
		s.stop = true
		return nil
	}
	if !s.agg.Ingest(tk) {
		return nil
	}
	for view, ok := s.agg.Next(); ok; view, ok = s.agg.Next() {
		if err := s.evaluate(ctx, view); err != nil {
			return err
		}
	}
	return nil
}

func (s *Supervisor) evaluate(ctx context.Context, view bars.View) error {
	bar, _ := view.Last()
	kind := "traded"
	if bar.Filled {
		kind = "filled"
	}
	s.m.bars.WithLabelValues(kind).Inc()
	if err := s.journal.OnBar(ctx, s.id, bar); err != nil {
		s.log.Printf("journal bar %s: %v", bar.CloseTime.Format(time.RFC3339), err)
	}

	desired := s.strategy.Signal(view)
	units, err := s.pos.Apply(desired)
	if err != nil {
		return fmt.Errorf("%w: %s gave %d", ErrInvalidSignal, s.strategy.Name(), desired)
	}
	if units == 0 {
		s.log.Printf("STAYING %s", desired)
		return nil
	}
	return s.execute(ctx, desired, units)
}

// execute submits units and, only once the fill is confirmed, moves the
// position and records the trade.
func (s *Supervisor) execute(ctx context.Context, desired position.Side, units int64) error {
	going := "GOING " + desired.String()
	began := time.Now()
	order, err := s.broker.SubmitOrder(ctx, s.cfg.Instrument, units)
	s.m.orderLatency.Observe(time.Since(began).Seconds())
	if err == nil && order.Units != units {
		err = &broker.OrderExecutionError{Units: units, Reason: fmt.Sprintf("venue reported %d units", order.Units)}
	}
	if err != nil {
		s.m.orderFailures.Inc()
		return fmt.Errorf("%s: %w", going, err)
	}

	s.pos.Commit(desired)
	cum, err := s.ledger.Record(order)
	if err != nil {
		return err
	}
	side := "buy"
	if units < 0 {
		side = "sell"
	}
	s.m.orders.WithLabelValues(side).Inc()
	s.m.pnl.Set(cum)
	s.log.Printf("%s | %s | Cumulative P&L = %.5f", going, order, cum)
	if err := s.journal.OnFill(ctx, s.id, order); err != nil {
		s.log.Printf("journal fill %s: %v", order.ID, err)
	}
	return nil
}

// terminate unsubscribes and flattens on a detached context. Failures are
// logged; the session reaches ENDED regardless.
func (s *Supervisor) terminate(ctx context.Context, cause string) {
	if s.Status() == Ended {
		return
	}
	s.advance(Terminating)
	s.stop = true
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	s.unsubscribe()
	if units := s.pos.Flatten(); units != 0 {
		if err := s.execute(ctx, position.Flat, units); err != nil {
			s.log.Printf("COULD NOT TERMINATE SESSION: %v", err)
		}
	}
	s.log.Printf("%s", cause)
	s.advance(Ended)
}

func (s *Supervisor) unsubscribe() {
	if s.stream == nil {
		return
	}
	if err := s.stream.Close(); err != nil {
		s.log.Printf("unsubscribe %s: %v", s.cfg.Instrument, err)
	}
	s.stream = nil
}

func (s *Supervisor) advance(to Status) {
	from := s.Status()
	if from == to && to != Bootstrapping {
		return
	}
	if !canMove(from, to) {
		s.log.Printf("ignoring status change %s -> %s", from, to)
		return
	}
	s.status.Store(int32(to))
	s.m.status.Set(float64(to))
	if from != to {
		s.log.Printf("status %s -> %s", from, to)
	}
}

func (s *Supervisor) report(err error, maxed bool) Report {
	return Report{
		SessionID:          s.id,
		Start:              s.start,
		End:                s.end,
		Attempts:           s.attempts,
		Status:             s.Status(),
		Position:           s.pos.Side(),
		MaxAttemptsReached: maxed,
		Err:                err,
		Orders:             s.ledger.Len(),
		Cumulative:         s.ledger.Cumulative(),
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
