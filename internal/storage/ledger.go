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

// Reserve moves quantity from available to reserved for (user, asset). The
// funds check and the move are one conditional UPDATE, so concurrent
// reservations on the same pair can never drive available negative.
func (s *Store) Reserve(ctx context.Context, userID uuid.UUID, asset string, quantity decimal.Decimal) error {
	asset = normalizeSymbol(asset)
	if asset == "" {
		return fmt.Errorf("asset is required")
	}
	if quantity.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("quantity must be positive")
	}

	if _, err := s.pool.Exec(ctx, `
		INSERT INTO balances (user_id, asset, available, reserved)
		VALUES ($1, $2, 0, 0)
		ON CONFLICT (user_id, asset) DO NOTHING
	`, userID, asset); err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE balances
		SET available = available - $3, reserved = reserved + $3, updated_at = now()
		WHERE user_id = $1 AND asset = $2 AND available >= $3
	`, userID, asset, quantity.String())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrInsufficientFunds
	}
	return nil
}

// Release moves quantity from reserved back to available, used on
// cancellation and on reservation remainders after a fill. Releasing more
// than is reserved means the ledger and the order book disagree.
func (s *Store) Release(ctx context.Context, userID uuid.UUID, asset string, quantity decimal.Decimal) error {
	asset = normalizeSymbol(asset)
	if quantity.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("quantity must be positive")
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE balances
		SET available = available + $3, reserved = reserved - $3, updated_at = now()
		WHERE user_id = $1 AND asset = $2 AND reserved >= $3
	`, userID, asset, quantity.String())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: release %s %s for user %s", ErrInvariantViolation, quantity.String(), asset, userID)
	}
	return nil
}

func (s *Store) GetBalance(ctx context.Context, userID uuid.UUID, asset string) (Balance, error) {
	asset = normalizeSymbol(asset)
	row := s.pool.QueryRow(ctx, `
		SELECT user_id, asset, available::text, reserved::text, updated_at
		FROM balances
		WHERE user_id = $1 AND asset = $2
	`, userID, asset)

	bal, err := scanBalance(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Balance{
				UserID:    userID,
				Asset:     asset,
				Available: decimal.Zero,
				Reserved:  decimal.Zero,
			}, nil
		}
		return Balance{}, err
	}
	return bal, nil
}

func (s *Store) ListBalances(ctx context.Context, userID uuid.UUID) ([]Balance, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT user_id, asset, available::text, reserved::text, updated_at
		FROM balances
		WHERE user_id = $1
		ORDER BY asset
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var balances []Balance
	for rows.Next() {
		bal, err := scanBalance(rows)
		if err != nil {
			return nil, err
		}
		balances = append(balances, bal)
	}
	return balances, rows.Err()
}

// debitReserved and creditAvailable are the two halves of a settlement
// commit; they only run inside the ApplySettledTrade transaction.
func debitReserved(ctx context.Context, tx pgx.Tx, userID uuid.UUID, asset string, quantity decimal.Decimal) error {
	if quantity.LessThanOrEqual(decimal.Zero) {
		return nil
	}
	tag, err := tx.Exec(ctx, `
		UPDATE balances
		SET reserved = reserved - $3, updated_at = now()
		WHERE user_id = $1 AND asset = $2 AND reserved >= $3
	`, userID, asset, quantity.String())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: debit reserved %s %s for user %s", ErrInvariantViolation, quantity.String(), asset, userID)
	}
	return nil
}

func creditAvailable(ctx context.Context, tx pgx.Tx, userID uuid.UUID, asset string, quantity decimal.Decimal) error {
	if quantity.LessThanOrEqual(decimal.Zero) {
		return nil
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO balances (user_id, asset, available, reserved, updated_at)
		VALUES ($1, $2, $3, 0, now())
		ON CONFLICT (user_id, asset)
		DO UPDATE SET available = balances.available + EXCLUDED.available, updated_at = now()
	`, userID, asset, quantity.String())
	return err
}

func releaseReservedTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID, asset string, quantity decimal.Decimal) error {
	if quantity.LessThanOrEqual(decimal.Zero) {
		return nil
	}
	tag, err := tx.Exec(ctx, `
		UPDATE balances
		SET available = available + $3, reserved = reserved - $3, updated_at = now()
		WHERE user_id = $1 AND asset = $2 AND reserved >= $3
	`, userID, asset, quantity.String())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: release %s %s for user %s", ErrInvariantViolation, quantity.String(), asset, userID)
	}
	return nil
}

type balanceRow interface {
	Scan(dest ...any) error
}

func scanBalance(row balanceRow) (Balance, error) {
	var bal Balance
	var availableStr, reservedStr string
	var updatedAt time.Time
	if err := row.Scan(&bal.UserID, &bal.Asset, &availableStr, &reservedStr, &updatedAt); err != nil {
		return Balance{}, err
	}
	var err error
	bal.Available, err = parseDecimal(availableStr, "available balance")
	if err != nil {
		return Balance{}, err
	}
	bal.Reserved, err = parseDecimal(reservedStr, "reserved balance")
	if err != nil {
		return Balance{}, err
	}
	bal.UpdatedAt = updatedAt
	return bal, nil
}
