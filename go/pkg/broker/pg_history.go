package broker

import (
	"context"
	"fmt"
	"time"

	"live-trader/go/pkg/shared"
)

const historySQL = `
SELECT ts, c
FROM %s
WHERE symbol = $1 AND ts >= $2 AND ts < $3
ORDER BY ts;
`

// PostgresHistory backfills from the 1s bar table the bar builder maintains.
type PostgresHistory struct {
	db    shared.DB
	table string
}

func NewPostgresHistory(db shared.DB, table string) *PostgresHistory {
	if table == "" {
		table = "bars_1s"
	}
	return &PostgresHistory{db: db, table: table}
}

func (h *PostgresHistory) History(ctx context.Context, instrument string, start, end time.Time, granularity time.Duration) ([]shared.PricePoint, error) {
	_, symbol := SplitInstrument(instrument, "")
	rows, err := h.db.Query(ctx, fmt.Sprintf(historySQL, h.table), symbol, start.UTC(), end.UTC())
	if err != nil {
		return nil, &ConnectivityError{Op: "history query", Err: err}
	}
	defer rows.Close()

	out := make([]shared.PricePoint, 0, 1024)
	for rows.Next() {
		var p shared.PricePoint
		if err := rows.Scan(&p.Time, &p.Price); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		p.Time = p.Time.UTC()
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, &ConnectivityError{Op: "history query", Err: err}
	}
	return out, nil
}

// Venue combines independently chosen collaborators into one Broker.
type Venue struct {
	HistoryProvider
	Feed
	Executor
}
