package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

// ApplySettledTrade commits a confirmed settlement to durable state in one
// transaction: leg markers for idempotency, fill progress on both orders,
// and the ledger moves for both parties. Either every effect lands or none
// does; re-applying the same trade is a no-op.
//
// The returned applied flag is false when both leg markers already existed,
// meaning a previous call committed this trade.
func (s *Store) ApplySettledTrade(ctx context.Context, trade *Trade, refs SettlementRefs) (applied bool, err error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	// Leg markers double as the idempotency guard: the composite primary
	// key (trade_id, leg) makes a second apply insert zero rows.
	var inserted int64
	for _, leg := range []struct {
		name string
		ref  string
	}{{LegBase, refs.Base}, {LegQuote, refs.Quote}} {
		tag, execErr := tx.Exec(ctx, `
			INSERT INTO trade_settlements (trade_id, leg, reference)
			VALUES ($1, $2, $3)
			ON CONFLICT (trade_id, leg) DO NOTHING
		`, trade.ID, leg.name, leg.ref)
		if execErr != nil {
			return false, execErr
		}
		inserted += tag.RowsAffected()
	}
	if inserted == 0 {
		// Already applied; nothing further to do.
		return false, tx.Commit(ctx)
	}
	if inserted != 2 {
		return false, fmt.Errorf("%w: trade %s has partial settlement markers", ErrInvariantViolation, trade.ID)
	}

	// Lock both orders in a fixed order to avoid deadlock between
	// concurrent settlements touching the same resting order.
	first, second := trade.BuyOrderID, trade.SellOrderID
	if second.String() < first.String() {
		first, second = second, first
	}
	var buyOrder, sellOrder *Order
	for _, id := range []uuid.UUID{first, second} {
		row := tx.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, id)
		order, scanErr := scanOrderRow(row)
		if scanErr != nil {
			if errors.Is(scanErr, pgx.ErrNoRows) {
				return false, fmt.Errorf("%w: order for trade %s", ErrNotFound, trade.ID)
			}
			return false, scanErr
		}
		if order.ID == trade.BuyOrderID {
			buyOrder = order
		} else {
			sellOrder = order
		}
	}

	if buyOrder.Remaining.LessThan(trade.Quantity) || sellOrder.Remaining.LessThan(trade.Quantity) {
		return false, fmt.Errorf("%w: trade %s quantity exceeds order remaining", ErrInvariantViolation, trade.ID)
	}

	now := time.Now().UTC()
	for _, order := range []*Order{buyOrder, sellOrder} {
		newRemaining := order.Remaining.Sub(trade.Quantity)
		newStatus := OrderStatusPartiallyFilled
		if newRemaining.IsZero() {
			newStatus = OrderStatusFilled
		}
		if _, err = tx.Exec(ctx, `
			UPDATE orders SET remaining = $2, status = $3, updated_at = $4 WHERE id = $1
		`, order.ID, newRemaining.String(), newStatus, now); err != nil {
			return false, err
		}
	}

	// Base leg: seller's reserved shares become the buyer's available.
	if err = debitReserved(ctx, tx, trade.SellerID, trade.Asset, trade.Quantity); err != nil {
		return false, err
	}
	if err = creditAvailable(ctx, tx, trade.BuyerID, trade.Asset, trade.Quantity); err != nil {
		return false, err
	}

	// Quote leg: buyer pays the execution notional out of reservation and
	// any price improvement against their limit goes back to available.
	execNotional := trade.Notional()
	if err = debitReserved(ctx, tx, trade.BuyerID, QuoteAsset, execNotional); err != nil {
		return false, err
	}
	if improvement := buyOrder.Price.Sub(trade.Price).Mul(trade.Quantity); improvement.GreaterThan(decimal.Zero) {
		if err = releaseReservedTx(ctx, tx, trade.BuyerID, QuoteAsset, improvement); err != nil {
			return false, err
		}
	}
	if err = creditAvailable(ctx, tx, trade.SellerID, QuoteAsset, execNotional); err != nil {
		return false, err
	}

	if _, err = tx.Exec(ctx, `
		UPDATE trades
		SET status = $2, base_reference = $3, quote_reference = $4, settled_at = $5
		WHERE id = $1
	`, trade.ID, TradeStatusSettled, refs.Base, refs.Quote, now); err != nil {
		return false, err
	}

	// The last trade price becomes the instrument's reference price.
	if _, err = tx.Exec(ctx, `
		UPDATE assets SET reference_price = $2, updated_at = $3 WHERE symbol = $1
	`, trade.Asset, trade.Price.String(), now); err != nil {
		return false, err
	}

	if err = tx.Commit(ctx); err != nil {
		return false, err
	}
	committed = true
	return true, nil
}
