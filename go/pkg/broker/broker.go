// Package broker defines the market-data and execution collaborator a session
// trades through, and the adapters implementing it.
package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"live-trader/go/pkg/shared"
)

// HistoryProvider answers bulk historical price queries.
type HistoryProvider interface {
	History(ctx context.Context, instrument string, start, end time.Time, granularity time.Duration) ([]shared.PricePoint, error)
}

// Feed opens live tick subscriptions.
type Feed interface {
	Subscribe(ctx context.Context, instrument string) (Stream, error)
}

// Stream delivers ticks one at a time. Close unsubscribes.
type Stream interface {
	Next(ctx context.Context) (shared.Tick, error)
	Close() error
}

// Executor submits market orders. A nil error means the order filled completely.
type Executor interface {
	SubmitOrder(ctx context.Context, instrument string, units int64) (shared.Order, error)
}

// Broker is a venue providing all three capabilities.
type Broker interface {
	HistoryProvider
	Feed
	Executor
}

// ErrStreamEnded is returned by Next once a feed has no more ticks.
var ErrStreamEnded = errors.New("tick stream ended")

// ConnectivityError means the feed or execution endpoint could not be reached.
type ConnectivityError struct {
	Op  string
	Err error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("connectivity: %s: %v", e.Op, e.Err)
}

func (e *ConnectivityError) Unwrap() error { return e.Err }

// OrderExecutionError means an order was rejected or never confirmed.
type OrderExecutionError struct {
	Units  int64
	Reason string
	Err    error
}

func (e *OrderExecutionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("order %+d not filled: %s: %v", e.Units, e.Reason, e.Err)
	}
	return fmt.Sprintf("order %+d not filled: %s", e.Units, e.Reason)
}

func (e *OrderExecutionError) Unwrap() error { return e.Err }

// SplitInstrument splits "EXCHANGE:SYMBOL"; a bare symbol gets defaultExchange.
func SplitInstrument(instrument, defaultExchange string) (exchange, symbol string) {
	instrument = strings.ToUpper(strings.TrimSpace(instrument))
	if i := strings.IndexByte(instrument, ':'); i >= 0 {
		return instrument[:i], instrument[i+1:]
	}
	return defaultExchange, instrument
}
