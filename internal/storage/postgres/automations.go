package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/rovshanmuradov/solana-trader/internal/domain"
	"github.com/rovshanmuradov/solana-trader/internal/storage"
)

// InsertTrade adds an audit record. Returns ErrDuplicateKey if the id exists.
func (s *Store) InsertTrade(ctx context.Context, t *domain.TradeRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO trade_records (
			id, owner_id, kind, source, token_address, sol_amount, token_amount,
			signature, status, error, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		t.ID, t.OwnerID, t.Kind, t.Source, t.TokenAddress, t.SolAmount, t.TokenAmount,
		t.Signature, t.Status, t.Error, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("insert trade record: %w", err)
	}
	return nil
}

func (s *Store) UpdateTrade(ctx context.Context, t *domain.TradeRecord) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE trade_records SET
			sol_amount = $2, token_amount = $3, signature = $4, status = $5, error = $6, updated_at = $7
		WHERE id = $1`,
		t.ID, t.SolAmount, t.TokenAmount, t.Signature, t.Status, t.Error, t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update trade record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) ListTrades(ctx context.Context, ownerID string, since time.Time) ([]*domain.TradeRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, owner_id, kind, source, token_address, sol_amount, token_amount,
			signature, status, error, created_at, updated_at
		FROM trade_records
		WHERE ($1 = '' OR owner_id = $1) AND created_at >= $2
		ORDER BY created_at ASC, id ASC`, ownerID, since)
	if err != nil {
		return nil, fmt.Errorf("list trade records: %w", err)
	}
	defer rows.Close()

	var out []*domain.TradeRecord
	for rows.Next() {
		var t domain.TradeRecord
		if err := rows.Scan(&t.ID, &t.OwnerID, &t.Kind, &t.Source, &t.TokenAddress, &t.SolAmount,
			&t.TokenAmount, &t.Signature, &t.Status, &t.Error, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan trade record row: %w", err)
		}
		out = append(out, &t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate trade record rows: %w", err)
	}
	return out, nil
}

// DeleteTradesBefore prunes old audit records of one status.
func (s *Store) DeleteTradesBefore(ctx context.Context, before time.Time, status domain.TradeStatus) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM trade_records WHERE status = $1 AND created_at < $2`, status, before)
	if err != nil {
		return 0, fmt.Errorf("delete trade records: %w", err)
	}
	return tag.RowsAffected(), nil
}

// SaveSubscription upserts a subscription including its statistics.
func (s *Store) SaveSubscription(ctx context.Context, sub *domain.CopyTradeSubscription) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO copytrade_subscriptions (
			id, owner_id, target_wallet, copy_ratio, max_amount, delay_seconds,
			only_buys, only_sells, min_trade_amount, is_active,
			total_copied, successful_copies, total_pnl, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO UPDATE SET
			copy_ratio = EXCLUDED.copy_ratio, max_amount = EXCLUDED.max_amount,
			delay_seconds = EXCLUDED.delay_seconds, only_buys = EXCLUDED.only_buys,
			only_sells = EXCLUDED.only_sells, min_trade_amount = EXCLUDED.min_trade_amount,
			is_active = EXCLUDED.is_active, total_copied = EXCLUDED.total_copied,
			successful_copies = EXCLUDED.successful_copies, total_pnl = EXCLUDED.total_pnl`,
		sub.ID, sub.OwnerID, sub.TargetWallet, sub.CopyRatio, sub.MaxAmount, sub.DelaySeconds,
		sub.OnlyBuys, sub.OnlySells, sub.MinTradeAmount, sub.IsActive,
		sub.Stats.TotalCopied, sub.Stats.SuccessfulCopies, sub.Stats.TotalPnL, sub.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("save subscription: %w", err)
	}
	return nil
}

const subscriptionColumns = `id, owner_id, target_wallet, copy_ratio, max_amount, delay_seconds,
	only_buys, only_sells, min_trade_amount, is_active,
	total_copied, successful_copies, total_pnl, created_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanSubscription(row scanner) (*domain.CopyTradeSubscription, error) {
	var sub domain.CopyTradeSubscription
	err := row.Scan(&sub.ID, &sub.OwnerID, &sub.TargetWallet, &sub.CopyRatio, &sub.MaxAmount,
		&sub.DelaySeconds, &sub.OnlyBuys, &sub.OnlySells, &sub.MinTradeAmount, &sub.IsActive,
		&sub.Stats.TotalCopied, &sub.Stats.SuccessfulCopies, &sub.Stats.TotalPnL, &sub.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (s *Store) GetSubscription(ctx context.Context, id string) (*domain.CopyTradeSubscription, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+subscriptionColumns+` FROM copytrade_subscriptions WHERE id = $1`, id)
	sub, err := scanSubscription(row)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get subscription: %w", err)
	}
	return sub, nil
}

func (s *Store) ListSubscriptions(ctx context.Context, activeOnly bool) ([]*domain.CopyTradeSubscription, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+subscriptionColumns+`
		FROM copytrade_subscriptions WHERE (NOT $1 OR is_active) ORDER BY id`, activeOnly)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	defer rows.Close()

	var out []*domain.CopyTradeSubscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("scan subscription row: %w", err)
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

func (s *Store) SaveCriteria(ctx context.Context, c *domain.SnipeCriteria) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO snipe_criteria (
			id, owner_id, buy_amount, max_slippage, min_liquidity, max_market_cap,
			min_holders, max_supply, blacklist, whitelist, is_active
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			buy_amount = EXCLUDED.buy_amount, max_slippage = EXCLUDED.max_slippage,
			min_liquidity = EXCLUDED.min_liquidity, max_market_cap = EXCLUDED.max_market_cap,
			min_holders = EXCLUDED.min_holders, max_supply = EXCLUDED.max_supply,
			blacklist = EXCLUDED.blacklist, whitelist = EXCLUDED.whitelist,
			is_active = EXCLUDED.is_active`,
		c.ID, c.OwnerID, c.BuyAmount, c.MaxSlippage, c.MinLiquidity, c.MaxMarketCap,
		c.MinHolders, c.MaxSupply, domain.ListSet(c.Blacklist), domain.ListSet(c.Whitelist), c.IsActive,
	)
	if err != nil {
		return fmt.Errorf("save snipe criteria: %w", err)
	}
	return nil
}

func (s *Store) ListCriteria(ctx context.Context, activeOnly bool) ([]*domain.SnipeCriteria, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, owner_id, buy_amount, max_slippage, min_liquidity, max_market_cap,
			min_holders, max_supply, blacklist, whitelist, is_active
		FROM snipe_criteria WHERE (NOT $1 OR is_active) ORDER BY id`, activeOnly)
	if err != nil {
		return nil, fmt.Errorf("list snipe criteria: %w", err)
	}
	defer rows.Close()

	var out []*domain.SnipeCriteria
	for rows.Next() {
		var (
			c                    domain.SnipeCriteria
			blacklist, whitelist []string
		)
		if err := rows.Scan(&c.ID, &c.OwnerID, &c.BuyAmount, &c.MaxSlippage, &c.MinLiquidity,
			&c.MaxMarketCap, &c.MinHolders, &c.MaxSupply, &blacklist, &whitelist, &c.IsActive); err != nil {
			return nil, fmt.Errorf("scan snipe criteria row: %w", err)
		}
		c.Blacklist = domain.SetList(blacklist)
		c.Whitelist = domain.SetList(whitelist)
		out = append(out, &c)
	}
	return out, rows.Err()
}

func (s *Store) SaveAlert(ctx context.Context, a *domain.PriceAlert) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO price_alerts (id, owner_id, token_address, target_price, condition, triggered, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET triggered = EXCLUDED.triggered`,
		a.ID, a.OwnerID, a.TokenAddress, a.TargetPrice, a.Condition, a.Triggered, a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("save alert: %w", err)
	}
	return nil
}

func (s *Store) ListAlerts(ctx context.Context, pendingOnly bool) ([]*domain.PriceAlert, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, owner_id, token_address, target_price, condition, triggered, created_at
		FROM price_alerts WHERE (NOT $1 OR NOT triggered) ORDER BY id`, pendingOnly)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	defer rows.Close()

	var out []*domain.PriceAlert
	for rows.Next() {
		var a domain.PriceAlert
		if err := rows.Scan(&a.ID, &a.OwnerID, &a.TokenAddress, &a.TargetPrice, &a.Condition,
			&a.Triggered, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan alert row: %w", err)
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

func (s *Store) GetSettings(ctx context.Context, ownerID string) (*domain.UserSettings, error) {
	var st domain.UserSettings
	err := s.pool.QueryRow(ctx, `
		SELECT owner_id, slippage, take_profit_pct, stop_loss_pct, trailing_stop_pct,
			max_positions, default_buy_amount, auto_sell
		FROM user_settings WHERE owner_id = $1`, ownerID).Scan(
		&st.OwnerID, &st.Slippage, &st.TakeProfitPct, &st.StopLossPct, &st.TrailingStopPct,
		&st.MaxPositions, &st.DefaultBuyAmount, &st.AutoSell)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get settings: %w", err)
	}
	return &st, nil
}

func (s *Store) SaveSettings(ctx context.Context, st *domain.UserSettings) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO user_settings (
			owner_id, slippage, take_profit_pct, stop_loss_pct, trailing_stop_pct,
			max_positions, default_buy_amount, auto_sell
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (owner_id) DO UPDATE SET
			slippage = EXCLUDED.slippage, take_profit_pct = EXCLUDED.take_profit_pct,
			stop_loss_pct = EXCLUDED.stop_loss_pct, trailing_stop_pct = EXCLUDED.trailing_stop_pct,
			max_positions = EXCLUDED.max_positions, default_buy_amount = EXCLUDED.default_buy_amount,
			auto_sell = EXCLUDED.auto_sell`,
		st.OwnerID, st.Slippage, st.TakeProfitPct, st.StopLossPct, st.TrailingStopPct,
		st.MaxPositions, st.DefaultBuyAmount, st.AutoSell,
	)
	if err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	return nil
}
