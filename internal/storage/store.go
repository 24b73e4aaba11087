package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrNotOwner           = errors.New("not order owner")
	ErrNotCancellable     = errors.New("order not cancellable")
	ErrInsufficientFunds  = errors.New("insufficient funds")
	ErrInvalidCursor      = errors.New("invalid cursor")
	ErrUnknownAsset       = errors.New("unknown asset")
	// ErrInvariantViolation marks a ledger/order desynchronization. It is a
	// bug, not a user error: the caller must halt the affected matching
	// scope instead of retrying.
	ErrInvariantViolation = errors.New("invariant violation")
)

// Store is the durable home of orders, trades and balances. Balance rows are
// mutated only through the reservation operations and the settlement apply;
// the matching engine never writes balances directly.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func New(pool *pgxpool.Pool, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{pool: pool, logger: logger}
}

// GetCustodyAddress resolves a user's deposit address in the custody vault.
func (s *Store) GetCustodyAddress(ctx context.Context, userID uuid.UUID) (common.Address, error) {
	var raw string
	row := s.pool.QueryRow(ctx, `SELECT custody_address FROM users WHERE id = $1`, userID)
	if err := row.Scan(&raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return common.Address{}, fmt.Errorf("%w: user %s", ErrNotFound, userID)
		}
		return common.Address{}, err
	}
	if !common.IsHexAddress(raw) {
		return common.Address{}, fmt.Errorf("malformed custody address for user %s", userID)
	}
	return common.HexToAddress(raw), nil
}

func normalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

func parseDecimal(raw, field string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse %s: %w", field, err)
	}
	return d, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func isCheckViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23514"
	}
	return false
}
