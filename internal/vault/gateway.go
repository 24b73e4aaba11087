package vault

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	// ErrRejected means the custody vault refused the movement outright
	// (unknown account, frozen asset, malformed request). The movement did
	// not happen and will not happen on retry with the same key.
	ErrRejected = errors.New("vault rejected movement")
	// ErrTimeout means the request did not complete in time. The movement
	// may or may not have happened; callers must treat it as unknown and
	// use CheckMovement before assuming either way.
	ErrTimeout = errors.New("vault request timed out")
)

// MoveRequest describes one asset movement between two custody accounts.
// IdempotencyKey makes retried submissions safe: the vault executes at most
// one movement per key.
type MoveRequest struct {
	IdempotencyKey uuid.UUID       `json:"idempotency_key"`
	Asset          string          `json:"asset"`
	From           common.Address  `json:"from"`
	To             common.Address  `json:"to"`
	Quantity       decimal.Decimal `json:"quantity"`
}

// Movement is the vault's confirmation of an executed transfer. Reference
// is the vault's own ledger entry id and is recorded on the trade.
type Movement struct {
	Reference  string    `json:"reference"`
	ExecutedAt time.Time `json:"executed_at"`
}

// Gateway is the boundary to the external custody ledger. MoveAsset blocks
// until the vault confirms or rejects; it never returns a fabricated
// reference.
type Gateway interface {
	MoveAsset(ctx context.Context, req MoveRequest) (Movement, error)
	CheckMovement(ctx context.Context, idempotencyKey uuid.UUID) (Movement, bool, error)
}

type HTTPGateway struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

func NewHTTPGateway(baseURL string, timeout time.Duration, logger *slog.Logger) *HTTPGateway {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPGateway{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

func (g *HTTPGateway) MoveAsset(ctx context.Context, req MoveRequest) (Movement, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Movement{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/v1/movements", bytes.NewReader(body))
	if err != nil {
		return Movement{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isClientTimeout(err) {
			return Movement{}, fmt.Errorf("%w: move %s", ErrTimeout, req.IdempotencyKey)
		}
		return Movement{}, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
		var movement Movement
		if err := json.NewDecoder(resp.Body).Decode(&movement); err != nil {
			return Movement{}, fmt.Errorf("decode vault response: %w", err)
		}
		if movement.Reference == "" {
			return Movement{}, fmt.Errorf("vault confirmed movement %s without a reference", req.IdempotencyKey)
		}
		return movement, nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Movement{}, fmt.Errorf("%w: %s", ErrRejected, string(detail))
	default:
		return Movement{}, fmt.Errorf("vault returned status %d", resp.StatusCode)
	}
}

func (g *HTTPGateway) CheckMovement(ctx context.Context, idempotencyKey uuid.UUID) (Movement, bool, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+"/v1/movements/"+idempotencyKey.String(), nil)
	if err != nil {
		return Movement{}, false, err
	}

	resp, err := g.client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isClientTimeout(err) {
			return Movement{}, false, fmt.Errorf("%w: check %s", ErrTimeout, idempotencyKey)
		}
		return Movement{}, false, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var movement Movement
		if err := json.NewDecoder(resp.Body).Decode(&movement); err != nil {
			return Movement{}, false, fmt.Errorf("decode vault response: %w", err)
		}
		return movement, true, nil
	case http.StatusNotFound:
		return Movement{}, false, nil
	default:
		return Movement{}, false, fmt.Errorf("vault returned status %d", resp.StatusCode)
	}
}

func isClientTimeout(err error) bool {
	var netErr interface{ Timeout() bool }
	return errors.As(err, &netErr) && netErr.Timeout()
}
