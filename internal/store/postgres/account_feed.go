package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quantegy/exitd/internal/domain"
)

// AccountFeed derives account-level aggregates from closed positions. It is
// the durable source of truth the circuit breaker reconciles against, so a
// restart never forgets losses already taken today.
type AccountFeed struct {
	pool   *pgxpool.Pool
	wallet string
}

var _ domain.AccountFeed = (*AccountFeed)(nil)

// NewAccountFeed creates an AccountFeed scoped to one wallet.
func NewAccountFeed(pool *pgxpool.Pool, wallet string) *AccountFeed {
	return &AccountFeed{pool: pool, wallet: wallet}
}

// AccountState returns realized P&L for the current UTC day and the run of
// consecutive losing closes, newest first.
func (f *AccountFeed) AccountState(ctx context.Context) (domain.AccountState, error) {
	now := time.Now().UTC()
	dayStart := now.Truncate(24 * time.Hour)

	var dailyPnL float64
	err := f.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(realized_pnl), 0)
		FROM positions
		WHERE wallet = $1 AND status = 'closed' AND closed_at >= $2`,
		f.wallet, dayStart,
	).Scan(&dailyPnL)
	if err != nil {
		return domain.AccountState{}, fmt.Errorf("postgres: daily pnl: %w", err)
	}

	// Walk recent closes newest-first and count losses until the first win.
	rows, err := f.pool.Query(ctx, `
		SELECT realized_pnl
		FROM positions
		WHERE wallet = $1 AND status = 'closed'
		ORDER BY closed_at DESC
		LIMIT 100`, f.wallet)
	if err != nil {
		return domain.AccountState{}, fmt.Errorf("postgres: recent closes: %w", err)
	}
	defer rows.Close()

	losses := 0
	for rows.Next() {
		var pnl float64
		if err := rows.Scan(&pnl); err != nil {
			return domain.AccountState{}, fmt.Errorf("postgres: scan recent close: %w", err)
		}
		if pnl >= 0 {
			break
		}
		losses++
	}
	if err := rows.Err(); err != nil {
		return domain.AccountState{}, fmt.Errorf("postgres: recent closes rows: %w", err)
	}

	return domain.AccountState{
		DailyPnL:          dailyPnL,
		ConsecutiveLosses: losses,
		ObservedAt:        now,
	}, nil
}
