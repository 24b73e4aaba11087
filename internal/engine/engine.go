package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alass1205/financial-platform-sub000/internal/settlement"
	"github.com/alass1205/financial-platform-sub000/internal/storage"
	"github.com/alass1205/financial-platform-sub000/libs/kafka"
)

// ErrAssetHalted means matching for the asset was stopped after an
// invariant violation and needs operator intervention to resume.
var ErrAssetHalted = errors.New("matching halted for asset")

// Store is the slice of durable state the engine drives. There is no
// in-memory book: every pass re-queries open orders, so the database row is
// the only source of truth for what can match.
type Store interface {
	GetOrder(ctx context.Context, orderID uuid.UUID) (*storage.Order, error)
	FindMatchCandidates(ctx context.Context, asset, side string, limitPrice decimal.Decimal, excludeUser uuid.UUID, limit int) ([]storage.Order, error)
	CreateTrade(ctx context.Context, trade storage.Trade) (*storage.Trade, error)
	ApplySettledTrade(ctx context.Context, trade *storage.Trade, refs storage.SettlementRefs) (bool, error)
	MarkTradeFailed(ctx context.Context, tradeID uuid.UUID, reason string, needsReconciliation bool) error
}

// Settler confirms a trade against the external custody ledger.
type Settler interface {
	Settle(ctx context.Context, trade *storage.Trade) settlement.Outcome
}

// Engine runs price-time priority matching, one fill at a time: each fill is
// settled externally and committed before the next candidate is considered,
// so resting quantity never reflects unconfirmed settlement.
type Engine struct {
	store   Store
	settler Settler
	logger  *slog.Logger
	metrics *Metrics

	producer     kafka.Publisher
	settledTopic string
	failedTopic  string

	mu     sync.Mutex
	locks  map[string]*sync.Mutex
	halted map[string]bool
}

func New(store Store, settler Settler, producer kafka.Publisher, logger *slog.Logger, metrics *Metrics) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = NewNopMetrics()
	}
	return &Engine{
		store:        store,
		settler:      settler,
		producer:     producer,
		settledTopic: "trades.settled",
		failedTopic:  "trades.settlement_failed",
		logger:       logger,
		metrics:      metrics,
		locks:        make(map[string]*sync.Mutex),
		halted:       make(map[string]bool),
	}
}

// SetTopics overrides the default event topics.
func (e *Engine) SetTopics(settled, failed string) {
	if strings.TrimSpace(settled) != "" {
		e.settledTopic = settled
	}
	if strings.TrimSpace(failed) != "" {
		e.failedTopic = failed
	}
}

// MatchOrder runs a matching pass for a newly admitted order. Passes for the
// same asset are serialized; passes for different assets run concurrently.
// It returns the number of fills committed.
func (e *Engine) MatchOrder(ctx context.Context, orderID uuid.UUID, asset, correlationID string) (int, error) {
	asset = strings.ToUpper(strings.TrimSpace(asset))
	lock := e.assetLock(asset)
	lock.Lock()
	defer lock.Unlock()

	if e.isHalted(asset) {
		return 0, fmt.Errorf("%w: %s", ErrAssetHalted, asset)
	}

	start := time.Now()
	fills, err := e.matchPass(ctx, orderID, asset, correlationID)
	e.metrics.MatchDuration.WithLabelValues(asset).Observe(time.Since(start).Seconds())

	switch {
	case errors.Is(err, storage.ErrInvariantViolation):
		e.haltAsset(asset, err)
		e.metrics.MatchPasses.WithLabelValues("halted").Inc()
	case err != nil:
		e.metrics.MatchPasses.WithLabelValues("error").Inc()
	case fills > 0:
		e.metrics.MatchPasses.WithLabelValues("filled").Inc()
	default:
		e.metrics.MatchPasses.WithLabelValues("rested").Inc()
	}
	return fills, err
}

func (e *Engine) matchPass(ctx context.Context, orderID uuid.UUID, asset, correlationID string) (int, error) {
	fills := 0
	for {
		if err := ctx.Err(); err != nil {
			return fills, err
		}

		// Re-read the taker each iteration: the previous fill may have
		// completed it, and durable state is the only book there is.
		taker, err := e.store.GetOrder(ctx, orderID)
		if err != nil {
			return fills, err
		}
		if !taker.Cancellable() || taker.Remaining.LessThanOrEqual(decimal.Zero) {
			return fills, nil
		}

		candidates, err := e.store.FindMatchCandidates(ctx, asset, taker.Side, taker.Price, taker.UserID, 1)
		if err != nil {
			return fills, err
		}
		if len(candidates) == 0 {
			return fills, nil
		}
		maker := candidates[0]

		quantity := decimal.Min(taker.Remaining, maker.Remaining)
		trade := storage.Trade{
			Asset:        asset,
			TakerOrderID: taker.ID,
			// Execution always happens at the resting order's price.
			Price:    maker.Price,
			Quantity: quantity,
		}
		if taker.Side == storage.SideBuy {
			trade.BuyOrderID, trade.BuyerID = taker.ID, taker.UserID
			trade.SellOrderID, trade.SellerID = maker.ID, maker.UserID
		} else {
			trade.BuyOrderID, trade.BuyerID = maker.ID, maker.UserID
			trade.SellOrderID, trade.SellerID = taker.ID, taker.UserID
		}

		created, err := e.store.CreateTrade(ctx, trade)
		if err != nil {
			return fills, err
		}

		outcome := e.settler.Settle(ctx, created)
		if !outcome.Settled {
			e.metrics.Fills.WithLabelValues(asset, "failed").Inc()
			if err := e.store.MarkTradeFailed(ctx, created.ID, outcome.Reason, outcome.NeedsReconciliation); err != nil {
				return fills, err
			}
			e.publishSettlementFailed(ctx, created, outcome, correlationID)
			// The fill never happened; both orders keep their remaining
			// quantity and the taker rests. No further candidates this
			// pass: retrying the same best candidate would loop.
			return fills, nil
		}

		if _, err := e.store.ApplySettledTrade(ctx, created, outcome.Refs); err != nil {
			// Both custody legs executed but the fill could not be
			// committed. Custody and exchange state have diverged, so the
			// trade must reach the reconciliation queue, never stay
			// pending.
			failed := settlement.Outcome{
				Reason:              fmt.Sprintf("settled but commit failed: %v", err),
				NeedsReconciliation: true,
			}
			if markErr := e.store.MarkTradeFailed(ctx, created.ID, failed.Reason, true); markErr != nil {
				e.logger.Error("flag trade for reconciliation",
					slog.String("trade_id", created.ID.String()),
					slog.String("error", markErr.Error()))
			}
			e.publishSettlementFailed(ctx, created, failed, correlationID)
			return fills, err
		}
		e.metrics.Fills.WithLabelValues(asset, "settled").Inc()
		fills++
		e.publishTradeSettled(ctx, created, outcome.Refs, correlationID)
	}
}

// WithAssetLock runs fn while holding the asset's matching lock. Order
// cancellation goes through here so a cancel takes effect either before a
// matching pass selects the order or after the pass has fully committed,
// never between a fill's settlement and its commit.
func (e *Engine) WithAssetLock(asset string, fn func() error) error {
	asset = strings.ToUpper(strings.TrimSpace(asset))
	lock := e.assetLock(asset)
	lock.Lock()
	defer lock.Unlock()
	return fn()
}

func (e *Engine) assetLock(asset string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	lock, ok := e.locks[asset]
	if !ok {
		lock = &sync.Mutex{}
		e.locks[asset] = lock
	}
	return lock
}

func (e *Engine) isHalted(asset string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.halted[asset]
}

func (e *Engine) haltAsset(asset string, cause error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.halted[asset] {
		e.halted[asset] = true
		e.metrics.HaltedAssets.Set(float64(len(e.halted)))
	}
	e.logger.Error("matching halted",
		slog.String("asset", asset),
		slog.String("cause", cause.Error()))
}

// ResumeAsset clears a halt after operator intervention.
func (e *Engine) ResumeAsset(asset string) {
	asset = strings.ToUpper(strings.TrimSpace(asset))
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.halted[asset] {
		delete(e.halted, asset)
		e.metrics.HaltedAssets.Set(float64(len(e.halted)))
	}
}

// HaltedAssets lists assets currently halted.
func (e *Engine) HaltedAssets() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	assets := make([]string, 0, len(e.halted))
	for asset := range e.halted {
		assets = append(assets, asset)
	}
	return assets
}

type TradeSettledEvent struct {
	kafka.Envelope
	TradeID        string `json:"trade_id"`
	Asset          string `json:"asset"`
	BuyOrderID     string `json:"buy_order_id"`
	SellOrderID    string `json:"sell_order_id"`
	Price          string `json:"price"`
	Quantity       string `json:"quantity"`
	BaseReference  string `json:"base_reference"`
	QuoteReference string `json:"quote_reference"`
	ExecutedAt     string `json:"executed_at"`
}

type SettlementFailedEvent struct {
	kafka.Envelope
	TradeID             string `json:"trade_id"`
	Asset               string `json:"asset"`
	Reason              string `json:"reason"`
	NeedsReconciliation bool   `json:"needs_reconciliation"`
}

func (e *Engine) publishTradeSettled(ctx context.Context, trade *storage.Trade, refs storage.SettlementRefs, correlationID string) {
	if e.producer == nil {
		return
	}
	env, err := kafka.NewEnvelopeWithID(trade.ID.String(), kafka.EventTradeSettled, 1, correlationID)
	if err != nil {
		e.logger.Error("build settled event", "trade_id", trade.ID, "error", err)
		return
	}
	payload := TradeSettledEvent{
		Envelope:       env,
		TradeID:        trade.ID.String(),
		Asset:          trade.Asset,
		BuyOrderID:     trade.BuyOrderID.String(),
		SellOrderID:    trade.SellOrderID.String(),
		Price:          trade.Price.String(),
		Quantity:       trade.Quantity.String(),
		BaseReference:  refs.Base,
		QuoteReference: refs.Quote,
		ExecutedAt:     trade.ExecutedAt.UTC().Format(time.RFC3339),
	}
	if _, _, err := e.producer.PublishJSON(ctx, e.settledTopic, trade.Asset, payload); err != nil {
		e.logger.Error("publish settled event", "trade_id", trade.ID, "error", err)
	}
}

func (e *Engine) publishSettlementFailed(ctx context.Context, trade *storage.Trade, outcome settlement.Outcome, correlationID string) {
	if e.producer == nil {
		return
	}
	env, err := kafka.NewEnvelopeWithID(trade.ID.String(), kafka.EventSettlementFailed, 1, correlationID)
	if err != nil {
		e.logger.Error("build settlement failed event", "trade_id", trade.ID, "error", err)
		return
	}
	payload := SettlementFailedEvent{
		Envelope:            env,
		TradeID:             trade.ID.String(),
		Asset:               trade.Asset,
		Reason:              outcome.Reason,
		NeedsReconciliation: outcome.NeedsReconciliation,
	}
	if _, _, err := e.producer.PublishJSON(ctx, e.failedTopic, trade.Asset, payload); err != nil {
		e.logger.Error("publish settlement failed event", "trade_id", trade.ID, "error", err)
	}
}
