package storage

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

const orderColumns = `id, user_id, asset, side, price::text, quantity::text, remaining::text, status, created_at, updated_at`

// CreateOpenOrder persists a freshly admitted order. The caller has already
// reserved the backing balance; admission enforces that ordering.
func (s *Store) CreateOpenOrder(ctx context.Context, order Order) (*Order, error) {
	if order.ID == uuid.Nil {
		order.ID = uuid.New()
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO orders (id, user_id, asset, side, price, quantity, remaining, status)
		VALUES ($1, $2, $3, $4, $5, $6, $6, $7)
		RETURNING `+orderColumns+`
	`, order.ID, order.UserID, normalizeSymbol(order.Asset), order.Side, order.Price.String(), order.Quantity.String(), OrderStatusOpen)

	stored, err := scanOrderRow(row)
	if err != nil {
		return nil, err
	}
	return stored, nil
}

func (s *Store) GetOrder(ctx context.Context, orderID uuid.UUID) (*Order, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, orderID)
	order, err := scanOrderRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return order, nil
}

// CancelOrder transitions an order to cancelled and releases its remaining
// reservation in the same transaction, so the release happens exactly once.
func (s *Store) CancelOrder(ctx context.Context, orderID, userID uuid.UUID) (*Order, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	row := tx.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, orderID)
	order, err := scanOrderRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if order.UserID != userID {
		return nil, ErrNotOwner
	}
	if !order.Cancellable() {
		return nil, ErrNotCancellable
	}

	now := time.Now().UTC()
	if _, err := tx.Exec(ctx, `
		UPDATE orders SET status = $1, updated_at = $2 WHERE id = $3
	`, OrderStatusCancelled, now, orderID); err != nil {
		return nil, err
	}

	asset, amount := reservationFor(order, order.Remaining)
	if err := releaseReservedTx(ctx, tx, order.UserID, asset, amount); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	committed = true

	order.Status = OrderStatusCancelled
	order.UpdatedAt = now
	return order, nil
}

// FindMatchCandidates returns the resting opposite-side orders eligible to
// match an incoming order, best price first, oldest first within a level,
// order id as the final tie-break. Each call re-queries durable state; there
// is no cached cursor, so cancellations between calls are honored.
func (s *Store) FindMatchCandidates(ctx context.Context, asset, side string, limitPrice decimal.Decimal, excludeUser uuid.UUID, limit int) ([]Order, error) {
	asset = normalizeSymbol(asset)
	if limit <= 0 {
		limit = 1
	}

	var query string
	switch side {
	case SideBuy:
		// Incoming buy matches resting sells at or below the limit.
		query = `
			SELECT ` + orderColumns + `
			FROM orders
			WHERE asset = $1 AND side = 'sell'
			  AND status IN ('open', 'partially_filled')
			  AND remaining > 0
			  AND price <= $2
			  AND user_id <> $3
			ORDER BY price ASC, created_at ASC, id ASC
			LIMIT $4
		`
	case SideSell:
		query = `
			SELECT ` + orderColumns + `
			FROM orders
			WHERE asset = $1 AND side = 'buy'
			  AND status IN ('open', 'partially_filled')
			  AND remaining > 0
			  AND price >= $2
			  AND user_id <> $3
			ORDER BY price DESC, created_at ASC, id ASC
			LIMIT $4
		`
	default:
		return nil, fmt.Errorf("invalid side %q", side)
	}

	rows, err := s.pool.Query(ctx, query, asset, limitPrice.String(), excludeUser, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []Order
	for rows.Next() {
		order, err := scanOrderRow(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *order)
	}
	return orders, rows.Err()
}

func (s *Store) ListOrders(ctx context.Context, userID uuid.UUID, filter OrderFilter) ([]Order, string, error) {
	limit := clampLimit(filter.Limit)

	query := `SELECT ` + orderColumns + ` FROM orders WHERE user_id = $1`
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
	if filter.OpenOnly {
		query += " AND status IN ('open', 'partially_filled')"
	}
	if filter.Cursor != "" {
		ts, id, err := decodeCursor(filter.Cursor)
		if err != nil {
			return nil, "", ErrInvalidCursor
		}
		query += fmt.Sprintf(" AND (created_at, id) > ($%d, $%d)", idx, idx+1)
		args = append(args, ts, id)
		idx += 2
	}

	query += fmt.Sprintf(" ORDER BY created_at, id LIMIT $%d", idx)
	args = append(args, limit+1)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()

	orders := make([]Order, 0, limit)
	for rows.Next() {
		order, err := scanOrderRow(rows)
		if err != nil {
			return nil, "", err
		}
		orders = append(orders, *order)
	}
	if rows.Err() != nil {
		return nil, "", rows.Err()
	}

	var nextCursor string
	if len(orders) > limit {
		last := orders[limit]
		orders = orders[:limit]
		nextCursor = encodeCursor(last.CreatedAt, last.ID)
	}

	return orders, nextCursor, nil
}

// Snapshot aggregates open quantity per price level per side, for display
// only; matching always goes back to the order rows.
func (s *Store) Snapshot(ctx context.Context, asset string) (*BookSnapshot, error) {
	asset = normalizeSymbol(asset)
	rows, err := s.pool.Query(ctx, `
		SELECT side, price::text, SUM(remaining)::text, COUNT(*)
		FROM orders
		WHERE asset = $1 AND status IN ('open', 'partially_filled') AND remaining > 0
		GROUP BY side, price
		ORDER BY side, price
	`, asset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	snap := &BookSnapshot{Asset: asset, FetchedAt: time.Now().UTC()}
	for rows.Next() {
		var side, priceStr, qtyStr string
		var count int
		if err := rows.Scan(&side, &priceStr, &qtyStr, &count); err != nil {
			return nil, err
		}
		price, err := parseDecimal(priceStr, "level price")
		if err != nil {
			return nil, err
		}
		qty, err := parseDecimal(qtyStr, "level quantity")
		if err != nil {
			return nil, err
		}
		level := PriceLevel{Price: price, Quantity: qty, Orders: count}
		if side == SideBuy {
			snap.Bids = append(snap.Bids, level)
		} else {
			snap.Asks = append(snap.Asks, level)
		}
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}

	// Bids best-first means highest price first.
	for i, j := 0, len(snap.Bids)-1; i < j; i, j = i+1, j-1 {
		snap.Bids[i], snap.Bids[j] = snap.Bids[j], snap.Bids[i]
	}
	return snap, nil
}

// reservationFor maps an order slice to the (asset, amount) its reservation
// holds: sells reserve the base quantity, buys reserve the quote notional at
// the order's own limit price.
func reservationFor(order *Order, quantity decimal.Decimal) (string, decimal.Decimal) {
	if order.Side == SideSell {
		return order.Asset, quantity
	}
	return QuoteAsset, order.Price.Mul(quantity)
}

func scanOrderRow(row pgx.Row) (*Order, error) {
	var order Order
	var priceStr, qtyStr, remainingStr string
	if err := row.Scan(&order.ID, &order.UserID, &order.Asset, &order.Side, &priceStr, &qtyStr, &remainingStr, &order.Status, &order.CreatedAt, &order.UpdatedAt); err != nil {
		return nil, err
	}

	var err error
	order.Price, err = parseDecimal(priceStr, "price")
	if err != nil {
		return nil, err
	}
	order.Quantity, err = parseDecimal(qtyStr, "quantity")
	if err != nil {
		return nil, err
	}
	order.Remaining, err = parseDecimal(remainingStr, "remaining")
	if err != nil {
		return nil, err
	}
	return &order, nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 100 {
		return 100
	}
	return limit
}

func encodeCursor(ts time.Time, id uuid.UUID) string {
	payload := fmt.Sprintf("%s|%s", ts.UTC().Format(time.RFC3339Nano), id.String())
	return base64.StdEncoding.EncodeToString([]byte(payload))
}

func decodeCursor(cursor string) (time.Time, uuid.UUID, error) {
	decoded, err := base64.StdEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, uuid.Nil, ErrInvalidCursor
	}
	parts := strings.SplitN(string(decoded), "|", 2)
	if len(parts) != 2 {
		return time.Time{}, uuid.Nil, ErrInvalidCursor
	}
	ts, err := time.Parse(time.RFC3339Nano, parts[0])
	if err != nil {
		return time.Time{}, uuid.Nil, ErrInvalidCursor
	}
	id, err := uuid.Parse(parts[1])
	if err != nil {
		return time.Time{}, uuid.Nil, ErrInvalidCursor
	}
	return ts, id, nil
}
