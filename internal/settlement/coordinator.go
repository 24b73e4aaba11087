package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/alass1205/financial-platform-sub000/internal/storage"
	"github.com/alass1205/financial-platform-sub000/internal/vault"
)

// AddressResolver maps a user to their custody vault account.
type AddressResolver interface {
	GetCustodyAddress(ctx context.Context, userID uuid.UUID) (common.Address, error)
}

// Outcome reports what happened to a trade's external settlement. A settled
// outcome always carries both leg references; a failed outcome carries the
// reason and whether an operator must reconcile the custody ledger.
type Outcome struct {
	Settled             bool
	Refs                storage.SettlementRefs
	Reason              string
	NeedsReconciliation bool
}

// Coordinator executes the two legs of a trade against the custody vault:
// base first (seller delivers the instrument), then quote (buyer pays). If
// the quote leg fails after the base leg executed, it submits a compensating
// movement to return the instrument; if that also fails, the trade is
// flagged for reconciliation.
type Coordinator struct {
	gateway  vault.Gateway
	resolver AddressResolver
	logger   *slog.Logger
	metrics  *Metrics
}

func NewCoordinator(gateway vault.Gateway, resolver AddressResolver, logger *slog.Logger, metrics *Metrics) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = NewNopMetrics()
	}
	return &Coordinator{
		gateway:  gateway,
		resolver: resolver,
		logger:   logger,
		metrics:  metrics,
	}
}

// legKey derives a stable idempotency key for one leg of one trade, so a
// retried settlement reuses the same key and the vault executes at most one
// movement per leg.
func legKey(tradeID uuid.UUID, leg string) uuid.UUID {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(tradeID.String()+":"+leg))
}

func (c *Coordinator) Settle(ctx context.Context, trade *storage.Trade) Outcome {
	start := time.Now()
	outcome := c.settle(ctx, trade)
	c.metrics.SettlementLatency.Observe(time.Since(start).Seconds())

	if outcome.Settled {
		c.metrics.Settlements.WithLabelValues("settled").Inc()
	} else {
		c.metrics.Settlements.WithLabelValues("failed").Inc()
		if outcome.NeedsReconciliation {
			c.metrics.ReconciliationFlag.Inc()
		}
	}
	return outcome
}

func (c *Coordinator) settle(ctx context.Context, trade *storage.Trade) Outcome {
	buyerAddr, err := c.resolver.GetCustodyAddress(ctx, trade.BuyerID)
	if err != nil {
		return Outcome{Reason: fmt.Sprintf("resolve buyer custody address: %v", err)}
	}
	sellerAddr, err := c.resolver.GetCustodyAddress(ctx, trade.SellerID)
	if err != nil {
		return Outcome{Reason: fmt.Sprintf("resolve seller custody address: %v", err)}
	}

	baseReq := vault.MoveRequest{
		IdempotencyKey: legKey(trade.ID, storage.LegBase),
		Asset:          trade.Asset,
		From:           sellerAddr,
		To:             buyerAddr,
		Quantity:       trade.Quantity,
	}
	baseMove, err := c.moveWithRecovery(ctx, baseReq)
	if err != nil {
		c.logger.Warn("base leg failed",
			slog.String("trade_id", trade.ID.String()),
			slog.String("asset", trade.Asset),
			slog.String("error", err.Error()))
		return Outcome{Reason: fmt.Sprintf("base leg: %v", err)}
	}

	quoteReq := vault.MoveRequest{
		IdempotencyKey: legKey(trade.ID, storage.LegQuote),
		Asset:          storage.QuoteAsset,
		From:           buyerAddr,
		To:             sellerAddr,
		Quantity:       trade.Notional(),
	}
	quoteMove, err := c.moveWithRecovery(ctx, quoteReq)
	if err == nil {
		return Outcome{
			Settled: true,
			Refs: storage.SettlementRefs{
				Base:  baseMove.Reference,
				Quote: quoteMove.Reference,
			},
		}
	}

	c.logger.Warn("quote leg failed, compensating base leg",
		slog.String("trade_id", trade.ID.String()),
		slog.String("error", err.Error()))

	// Return the instrument to the seller. A fresh key: this is a new
	// movement, not a replay of the base leg.
	compReq := vault.MoveRequest{
		IdempotencyKey: legKey(trade.ID, "compensate-base"),
		Asset:          trade.Asset,
		From:           buyerAddr,
		To:             sellerAddr,
		Quantity:       trade.Quantity,
	}
	if _, compErr := c.moveWithRecovery(ctx, compReq); compErr != nil {
		c.metrics.Compensations.WithLabelValues("failed").Inc()
		c.logger.Error("compensation failed, trade needs reconciliation",
			slog.String("trade_id", trade.ID.String()),
			slog.String("error", compErr.Error()))
		return Outcome{
			Reason:              fmt.Sprintf("quote leg: %v; compensation: %v", err, compErr),
			NeedsReconciliation: true,
		}
	}

	c.metrics.Compensations.WithLabelValues("ok").Inc()
	return Outcome{Reason: fmt.Sprintf("quote leg: %v (base leg compensated)", err)}
}

// moveWithRecovery submits a movement; on timeout it queries the vault by
// idempotency key to learn whether the movement actually executed before
// reporting failure.
func (c *Coordinator) moveWithRecovery(ctx context.Context, req vault.MoveRequest) (vault.Movement, error) {
	movement, err := c.gateway.MoveAsset(ctx, req)
	if err == nil {
		return movement, nil
	}
	if !errors.Is(err, vault.ErrTimeout) {
		return vault.Movement{}, err
	}

	movement, found, checkErr := c.gateway.CheckMovement(ctx, req.IdempotencyKey)
	if checkErr != nil {
		return vault.Movement{}, fmt.Errorf("%w (status check also failed: %v)", err, checkErr)
	}
	if found {
		return movement, nil
	}
	return vault.Movement{}, err
}
