package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const tradeColumns = `id, asset, buy_order_id, sell_order_id, buyer_id, seller_id, taker_order_id,
	price::text, quantity::text, status, COALESCE(failure_reason, ''), needs_reconciliation,
	COALESCE(base_reference, ''), COALESCE(quote_reference, ''), executed_at, settled_at`

// CreateTrade records a pending trade before any external settlement is
// attempted, so a crash mid-settlement always leaves an auditable row.
func (s *Store) CreateTrade(ctx context.Context, trade Trade) (*Trade, error) {
	if trade.ID == uuid.Nil {
		trade.ID = uuid.New()
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO trades (id, asset, buy_order_id, sell_order_id, buyer_id, seller_id, taker_order_id, price, quantity, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING `+tradeColumns+`
	`, trade.ID, normalizeSymbol(trade.Asset), trade.BuyOrderID, trade.SellOrderID,
		trade.BuyerID, trade.SellerID, trade.TakerOrderID,
		trade.Price.String(), trade.Quantity.String(), TradeStatusPending)

	stored, err := scanTradeRow(row)
	if err != nil {
		if isCheckViolation(err) {
			return nil, fmt.Errorf("trade rejected by constraint: %w", err)
		}
		return nil, err
	}
	return stored, nil
}

func (s *Store) GetTrade(ctx context.Context, tradeID uuid.UUID) (*Trade, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+tradeColumns+` FROM trades WHERE id = $1`, tradeID)
	trade, err := scanTradeRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return trade, nil
}

// MarkTradeFailed records a settlement failure. needsReconciliation is set
// when the failure left the external custody ledger in a state that an
// operator must inspect (a leg moved but its compensation did not).
func (s *Store) MarkTradeFailed(ctx context.Context, tradeID uuid.UUID, reason string, needsReconciliation bool) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE trades
		SET status = $2, failure_reason = $3, needs_reconciliation = $4
		WHERE id = $1 AND status = $5
	`, tradeID, TradeStatusFailed, reason, needsReconciliation, TradeStatusPending)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: trade %s not pending", ErrNotFound, tradeID)
	}
	return nil
}

// ListTrades returns trades where the user was buyer or seller, most recent
// first.
func (s *Store) ListTrades(ctx context.Context, userID uuid.UUID, filter TradeFilter) ([]Trade, error) {
	limit := clampLimit(filter.Limit)

	query := `SELECT ` + tradeColumns + ` FROM trades WHERE (buyer_id = $1 OR seller_id = $1)`
	args := []any{userID}
	idx := 2

	if filter.Asset != "" {
		query += fmt.Sprintf(" AND asset = $%d", idx)
		args = append(args, normalizeSymbol(filter.Asset))
		idx++
	}
	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", idx)
		args = append(args, filter.Status)
		idx++
	}
	query += fmt.Sprintf(" ORDER BY executed_at DESC, id DESC LIMIT $%d", idx)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []Trade
	for rows.Next() {
		trade, err := scanTradeRow(rows)
		if err != nil {
			return nil, err
		}
		trades = append(trades, *trade)
	}
	return trades, rows.Err()
}

// ListReconciliationQueue returns failed trades flagged for operator review.
func (s *Store) ListReconciliationQueue(ctx context.Context, limit int) ([]Trade, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+tradeColumns+`
		FROM trades
		WHERE needs_reconciliation = true
		ORDER BY executed_at ASC
		LIMIT $1
	`, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []Trade
	for rows.Next() {
		trade, err := scanTradeRow(rows)
		if err != nil {
			return nil, err
		}
		trades = append(trades, *trade)
	}
	return trades, rows.Err()
}

func scanTradeRow(row pgx.Row) (*Trade, error) {
	var trade Trade
	var priceStr, qtyStr string
	var settledAt *time.Time
	if err := row.Scan(&trade.ID, &trade.Asset, &trade.BuyOrderID, &trade.SellOrderID,
		&trade.BuyerID, &trade.SellerID, &trade.TakerOrderID,
		&priceStr, &qtyStr, &trade.Status, &trade.FailureReason, &trade.NeedsReconciliation,
		&trade.BaseReference, &trade.QuoteReference, &trade.ExecutedAt, &settledAt); err != nil {
		return nil, err
	}

	var err error
	trade.Price, err = parseDecimal(priceStr, "trade price")
	if err != nil {
		return nil, err
	}
	trade.Quantity, err = parseDecimal(qtyStr, "trade quantity")
	if err != nil {
		return nil, err
	}
	trade.SettledAt = settledAt
	return &trade, nil
}
