package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/rovshanmuradov/solana-trader/internal/domain"
	"github.com/rovshanmuradov/solana-trader/internal/storage"
)

const positionColumns = `
	id, owner_id, token_address, amount, initial_amount, token_decimals,
	buy_price, buy_timestamp, buy_signature, status,
	take_profit_price, stop_loss_price, sell_price, sell_timestamp, close_reason,
	pnl, pnl_percentage, pnl_unknown, trailing_stop_pct, highest_price,
	pending_sell, updated_at`

// InsertPosition adds a position. Returns ErrDuplicateKey if the id or the
// buy signature already exists.
func (s *Store) InsertPosition(ctx context.Context, p *domain.Position) error {
	query := `INSERT INTO positions (` + positionColumns + `) VALUES (
		$1, $2, $3, $4, $5, $6,
		$7, $8, $9, $10,
		$11, $12, $13, $14, $15,
		$16, $17, $18, $19, $20,
		$21, $22)`

	_, err := s.pool.Exec(ctx, query, positionArgs(p)...)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("insert position: %w", err)
	}
	return nil
}

// UpdatePosition overwrites every mutable column of the position.
func (s *Store) UpdatePosition(ctx context.Context, p *domain.Position) error {
	return updatePosition(ctx, s.pool, p)
}

// execer is satisfied by both the pool and a transaction.
type execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

func updatePosition(ctx context.Context, db execer, p *domain.Position) error {
	query := `
		UPDATE positions SET
			amount = $2, initial_amount = $3, token_decimals = $4,
			status = $5, take_profit_price = $6, stop_loss_price = $7,
			sell_price = $8, sell_timestamp = $9, close_reason = $10,
			pnl = $11, pnl_percentage = $12, pnl_unknown = $13,
			trailing_stop_pct = $14, highest_price = $15, pending_sell = $16,
			updated_at = $17
		WHERE id = $1`

	tag, err := db.Exec(ctx, query,
		p.ID, p.Amount, p.InitialAmount, p.TokenDecimals,
		p.Status, p.TakeProfitPrice, p.StopLossPrice,
		p.SellPrice, p.SellTimestamp, p.CloseReason,
		p.PnL, p.PnLPercentage, p.PnLUnknown,
		p.TrailingStopPct, p.HighestPrice, p.PendingSell,
		p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update position: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) GetPosition(ctx context.Context, id string) (*domain.Position, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+positionColumns+` FROM positions WHERE id = $1`, id)
	p, err := scanPosition(row)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get position: %w", err)
	}
	return p, nil
}

func (s *Store) GetPositionByBuySignature(ctx context.Context, signature string) (*domain.Position, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+positionColumns+` FROM positions WHERE buy_signature = $1`, signature)
	p, err := scanPosition(row)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get position by buy signature: %w", err)
	}
	return p, nil
}

func (s *Store) ListPositions(ctx context.Context, filter storage.PositionFilter) ([]*domain.Position, error) {
	var (
		where []string
		args  []any
	)
	if filter.OwnerID != "" {
		args = append(args, filter.OwnerID)
		where = append(where, fmt.Sprintf("owner_id = $%d", len(args)))
	}
	if filter.TokenAddress != "" {
		args = append(args, filter.TokenAddress)
		where = append(where, fmt.Sprintf("token_address = $%d", len(args)))
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			statuses[i] = string(st)
		}
		args = append(args, statuses)
		where = append(where, fmt.Sprintf("status = ANY($%d)", len(args)))
	}
	if !filter.OpenedBefore.IsZero() {
		args = append(args, filter.OpenedBefore)
		where = append(where, fmt.Sprintf("buy_timestamp < $%d", len(args)))
	}

	query := `SELECT ` + positionColumns + ` FROM positions`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY buy_timestamp ASC, id ASC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list positions: %w", err)
	}
	defer rows.Close()

	var out []*domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("scan position row: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate position rows: %w", err)
	}
	return out, nil
}

// RecordSell inserts the sell record and updates the position in one
// transaction. A replayed signature fails with ErrDuplicateKey and leaves the
// position untouched.
func (s *Store) RecordSell(ctx context.Context, rec *domain.SellRecord, updated *domain.Position) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	_, err = tx.Exec(ctx,
		`INSERT INTO sell_records (signature, position_id, price, amount, sold_at) VALUES ($1, $2, $3, $4, $5)`,
		rec.Signature, rec.PositionID, rec.Price, rec.Amount, rec.Timestamp)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("insert sell record: %w", err)
	}

	if err := updatePosition(ctx, tx, updated); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *Store) GetSellRecord(ctx context.Context, signature string) (*domain.SellRecord, error) {
	var r domain.SellRecord
	err := s.pool.QueryRow(ctx,
		`SELECT signature, position_id, price, amount, sold_at FROM sell_records WHERE signature = $1`,
		signature).Scan(&r.Signature, &r.PositionID, &r.Price, &r.Amount, &r.Timestamp)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get sell record: %w", err)
	}
	return &r, nil
}

func positionArgs(p *domain.Position) []any {
	return []any{
		p.ID, p.OwnerID, p.TokenAddress, p.Amount, p.InitialAmount, p.TokenDecimals,
		p.BuyPrice, p.BuyTimestamp, p.BuySignature, p.Status,
		p.TakeProfitPrice, p.StopLossPrice, p.SellPrice, p.SellTimestamp, p.CloseReason,
		p.PnL, p.PnLPercentage, p.PnLUnknown, p.TrailingStopPct, p.HighestPrice,
		p.PendingSell, p.UpdatedAt,
	}
}

func scanPosition(row pgx.Row) (*domain.Position, error) {
	var p domain.Position
	err := row.Scan(
		&p.ID, &p.OwnerID, &p.TokenAddress, &p.Amount, &p.InitialAmount, &p.TokenDecimals,
		&p.BuyPrice, &p.BuyTimestamp, &p.BuySignature, &p.Status,
		&p.TakeProfitPrice, &p.StopLossPrice, &p.SellPrice, &p.SellTimestamp, &p.CloseReason,
		&p.PnL, &p.PnLPercentage, &p.PnLUnknown, &p.TrailingStopPct, &p.HighestPrice,
		&p.PendingSell, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}
