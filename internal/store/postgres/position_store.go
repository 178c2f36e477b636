package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quantegy/exitd/internal/domain"
)

// uniqueViolation is the Postgres error code for a duplicate primary key.
const uniqueViolation = "23505"

// PositionStore implements domain.PositionStore using PostgreSQL.
type PositionStore struct {
	pool *pgxpool.Pool
}

var _ domain.PositionStore = (*PositionStore)(nil)

// NewPositionStore creates a new PositionStore backed by the given connection pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

const positionSelectCols = `id, market_id, token_id, wallet, direction,
	quantity, entry_price, cost_basis, confidence, status,
	trailing_active, trailing_peak, trailing_stop, consumed_stages,
	realized_pnl, exit_price, opened_at, settlement_at, closed_at`

func scanPosition(row pgx.Row) (domain.Position, error) {
	var p domain.Position
	var direction, confidence, status string
	var stagesJSON []byte

	err := row.Scan(
		&p.ID, &p.MarketID, &p.TokenID, &p.Wallet, &direction,
		&p.Quantity, &p.EntryPrice, &p.CostBasis, &confidence, &status,
		&p.Trailing.Active, &p.Trailing.PeakPrice, &p.Trailing.StopPrice, &stagesJSON,
		&p.RealizedPnL, &p.ExitPrice, &p.OpenedAt, &p.SettlementAt, &p.ClosedAt,
	)
	if err != nil {
		return domain.Position{}, err
	}
	p.Direction = domain.OrderSide(direction)
	p.Confidence = domain.Confidence(confidence)
	p.Status = domain.PositionStatus(status)
	if len(stagesJSON) > 0 {
		if err := json.Unmarshal(stagesJSON, &p.ConsumedStages); err != nil {
			return domain.Position{}, fmt.Errorf("decode consumed_stages: %w", err)
		}
	}
	return p, nil
}

func scanPositions(rows pgx.Rows) ([]domain.Position, error) {
	var positions []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

func stagesJSON(p domain.Position) ([]byte, error) {
	stages := p.ConsumedStages
	if stages == nil {
		stages = map[string]bool{}
	}
	return json.Marshal(stages)
}

// Create inserts a new position.
func (s *PositionStore) Create(ctx context.Context, p domain.Position) error {
	stages, err := stagesJSON(p)
	if err != nil {
		return fmt.Errorf("postgres: encode consumed_stages for %s: %w", p.ID, err)
	}

	const query = `
		INSERT INTO positions (
			id, market_id, token_id, wallet, direction,
			quantity, entry_price, cost_basis, confidence, status,
			trailing_active, trailing_peak, trailing_stop, consumed_stages,
			realized_pnl, exit_price, opened_at, settlement_at, closed_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10,
			$11, $12, $13, $14,
			$15, $16, $17, $18, $19, NOW()
		)`

	_, err = s.pool.Exec(ctx, query,
		p.ID, p.MarketID, p.TokenID, p.Wallet, string(p.Direction),
		p.Quantity, p.EntryPrice, p.CostBasis, string(p.Confidence), string(p.Status),
		p.Trailing.Active, p.Trailing.PeakPrice, p.Trailing.StopPrice, stages,
		p.RealizedPnL, p.ExitPrice, p.OpenedAt, p.SettlementAt, p.ClosedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("postgres: create position %s: %w", p.ID, domain.ErrAlreadyExists)
		}
		return fmt.Errorf("postgres: create position %s: %w", p.ID, err)
	}
	return nil
}

// Update replaces all mutable fields of a position.
func (s *PositionStore) Update(ctx context.Context, p domain.Position) error {
	stages, err := stagesJSON(p)
	if err != nil {
		return fmt.Errorf("postgres: encode consumed_stages for %s: %w", p.ID, err)
	}

	const query = `
		UPDATE positions SET
			quantity        = $2,
			confidence      = $3,
			status          = $4,
			trailing_active = $5,
			trailing_peak   = $6,
			trailing_stop   = $7,
			consumed_stages = $8,
			realized_pnl    = $9,
			exit_price      = $10,
			settlement_at   = $11,
			closed_at       = $12,
			updated_at      = NOW()
		WHERE id = $1`

	tag, err := s.pool.Exec(ctx, query,
		p.ID,
		p.Quantity, string(p.Confidence), string(p.Status),
		p.Trailing.Active, p.Trailing.PeakPrice, p.Trailing.StopPrice, stages,
		p.RealizedPnL, p.ExitPrice, p.SettlementAt, p.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: update position %s: %w", p.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// Close marks a position as closed, recording the exit price and the realized
// P&L of the final fill. Only open or closing positions transition.
func (s *PositionStore) Close(ctx context.Context, id string, exitPrice, realizedPnL float64) error {
	const query = `
		UPDATE positions SET
			status       = 'closed',
			quantity     = 0,
			exit_price   = $2,
			realized_pnl = realized_pnl + $3,
			closed_at    = NOW(),
			updated_at   = NOW()
		WHERE id = $1 AND status IN ('open', 'closing')`

	tag, err := s.pool.Exec(ctx, query, id, exitPrice, realizedPnL)
	if err != nil {
		return fmt.Errorf("postgres: close position %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// GetByID retrieves a single position by its ID.
func (s *PositionStore) GetByID(ctx context.Context, id string) (domain.Position, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+positionSelectCols+` FROM positions WHERE id = $1`, id)

	p, err := scanPosition(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Position{}, domain.ErrNotFound
		}
		return domain.Position{}, fmt.Errorf("postgres: get position %s: %w", id, err)
	}
	return p, nil
}

// GetOpen returns all open and closing positions for the given wallet.
// Closing rows belong to positions whose exit was interrupted mid-flight;
// their supervisors resume escalation after restart.
func (s *PositionStore) GetOpen(ctx context.Context, wallet string) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionSelectCols+` FROM positions
		 WHERE wallet = $1 AND status IN ('open', 'closing')
		 ORDER BY opened_at DESC`, wallet)
	if err != nil {
		return nil, fmt.Errorf("postgres: get open positions: %w", err)
	}
	defer rows.Close()

	positions, err := scanPositions(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan open positions: %w", err)
	}
	return positions, nil
}

// ListHistory returns positions for the given wallet with pagination and
// optional time filtering.
func (s *PositionStore) ListHistory(ctx context.Context, wallet string, opts domain.ListOpts) ([]domain.Position, error) {
	query := `SELECT ` + positionSelectCols + ` FROM positions WHERE wallet = $1`
	args := []any{wallet}
	argIdx := 2

	if opts.Since != nil {
		query += fmt.Sprintf(" AND opened_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND opened_at <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY opened_at DESC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list position history: %w", err)
	}
	defer rows.Close()

	positions, err := scanPositions(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan position history: %w", err)
	}
	return positions, nil
}
