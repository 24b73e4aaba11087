package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"log/slog"

	"github.com/alass1205/financial-platform-sub000/internal/assets"
	"github.com/alass1205/financial-platform-sub000/internal/storage"
	"github.com/alass1205/financial-platform-sub000/libs/kafka"
)

const (
	statusAccepted = "accepted"
	statusRejected = "rejected"

	bookCacheTTL = 2 * time.Second
)

var (
	ErrInvalidSide      = errors.New("side must be buy or sell")
	ErrInvalidPrice     = errors.New("price must be positive")
	ErrInvalidQuantity  = errors.New("quantity must be positive")
	ErrAssetNotTradable = errors.New("asset not tradable")
)

type Topics struct {
	OrdersAccepted  string
	OrdersCancelled string
}

type ExchangeStore interface {
	Reserve(ctx context.Context, userID uuid.UUID, asset string, quantity decimal.Decimal) error
	Release(ctx context.Context, userID uuid.UUID, asset string, quantity decimal.Decimal) error
	CreateOpenOrder(ctx context.Context, order storage.Order) (*storage.Order, error)
	GetOrder(ctx context.Context, orderID uuid.UUID) (*storage.Order, error)
	CancelOrder(ctx context.Context, orderID, userID uuid.UUID) (*storage.Order, error)
	ListOrders(ctx context.Context, userID uuid.UUID, filter storage.OrderFilter) ([]storage.Order, string, error)
	ListTrades(ctx context.Context, userID uuid.UUID, filter storage.TradeFilter) ([]storage.Trade, error)
	ListBalances(ctx context.Context, userID uuid.UUID) ([]storage.Balance, error)
	Snapshot(ctx context.Context, asset string) (*storage.BookSnapshot, error)
}

// Matcher runs a matching pass for an admitted order. WithAssetLock scopes
// other state changes, cancellation in particular, to the same per-asset
// serialization the matching pass runs under.
type Matcher interface {
	MatchOrder(ctx context.Context, orderID uuid.UUID, asset, correlationID string) (int, error)
	WithAssetLock(asset string, fn func() error) error
}

// ExchangeService validates and admits orders, then hands them to the
// matching engine synchronously: by the time SubmitOrder returns, every fill
// that could happen has settled or failed.
type ExchangeService struct {
	store    ExchangeStore
	registry *assets.Registry
	matcher  Matcher
	producer kafka.Publisher
	cache    redis.UniversalClient
	logger   *slog.Logger
	metrics  *Metrics
	topics   Topics
}

type SubmitOrderInput struct {
	UserID        uuid.UUID
	Asset         string
	Side          string
	Price         decimal.Decimal
	Quantity      decimal.Decimal
	CorrelationID string
}

type SubmitOrderResult struct {
	Order  *storage.Order
	Status string
	Fills  int
}

type CancelOrderInput struct {
	UserID        uuid.UUID
	OrderID       uuid.UUID
	CorrelationID string
}

func NewExchangeService(store ExchangeStore, registry *assets.Registry, matcher Matcher, producer kafka.Publisher, cache redis.UniversalClient, logger *slog.Logger, metrics *Metrics, topics Topics) *ExchangeService {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = NewNopMetrics()
	}
	if topics.OrdersAccepted == "" {
		topics.OrdersAccepted = kafka.EventOrderAccepted
	}
	if topics.OrdersCancelled == "" {
		topics.OrdersCancelled = kafka.EventOrderCancelled
	}
	return &ExchangeService{
		store:    store,
		registry: registry,
		matcher:  matcher,
		producer: producer,
		cache:    cache,
		logger:   logger,
		metrics:  metrics,
		topics:   topics,
	}
}

func (s *ExchangeService) SubmitOrder(ctx context.Context, input SubmitOrderInput) (*SubmitOrderResult, error) {
	start := time.Now()

	order, err := s.validate(input)
	if err != nil {
		s.observeSubmission(statusRejected, start)
		return nil, err
	}

	// Reserve before the order exists, so an admitted order is always
	// fully funded for its worst case.
	reserveAsset, reserveAmount := reservationFor(order)
	if err := s.store.Reserve(ctx, input.UserID, reserveAsset, reserveAmount); err != nil {
		if errors.Is(err, storage.ErrInsufficientFunds) {
			s.observeSubmission(statusRejected, start)
		} else {
			s.observeSubmission("error", start)
		}
		return nil, err
	}

	stored, err := s.store.CreateOpenOrder(ctx, *order)
	if err != nil {
		if releaseErr := s.store.Release(ctx, input.UserID, reserveAsset, reserveAmount); releaseErr != nil {
			s.logger.Error("release after failed admission",
				"order_id", order.ID, "error", releaseErr)
		}
		s.observeSubmission("error", start)
		return nil, err
	}

	s.publishOrderAccepted(ctx, input.CorrelationID, stored)
	s.invalidateBookCache(ctx, stored.Asset)

	fills, err := s.matcher.MatchOrder(ctx, stored.ID, stored.Asset, input.CorrelationID)
	if err != nil {
		// Fills already committed stand; the order itself was admitted,
		// so the caller gets it back along with the error.
		s.observeSubmission("error", start)
		final, fetchErr := s.store.GetOrder(ctx, stored.ID)
		if fetchErr == nil {
			stored = final
		}
		return &SubmitOrderResult{Order: stored, Status: statusAccepted, Fills: fills}, err
	}
	if fills > 0 {
		s.invalidateBookCache(ctx, stored.Asset)
	}

	final, err := s.store.GetOrder(ctx, stored.ID)
	if err != nil {
		return nil, err
	}

	s.observeSubmission(statusAccepted, start)
	return &SubmitOrderResult{Order: final, Status: statusAccepted, Fills: fills}, nil
}

func (s *ExchangeService) validate(input SubmitOrderInput) (*storage.Order, error) {
	symbol := strings.ToUpper(strings.TrimSpace(input.Asset))
	if s.registry != nil && !s.registry.Tradable(symbol) {
		return nil, fmt.Errorf("%w: %s", ErrAssetNotTradable, input.Asset)
	}

	side := strings.ToLower(strings.TrimSpace(input.Side))
	if side != storage.SideBuy && side != storage.SideSell {
		return nil, ErrInvalidSide
	}
	if input.Price.LessThanOrEqual(decimal.Zero) {
		return nil, ErrInvalidPrice
	}
	if input.Quantity.LessThanOrEqual(decimal.Zero) {
		return nil, ErrInvalidQuantity
	}
	if s.registry != nil {
		// Compare against the truncated value, not the exponent: "1.50"
		// has one decimal place regardless of how it was written.
		if asset, ok := s.registry.Get(symbol); ok {
			if !input.Quantity.Equal(input.Quantity.Truncate(int32(asset.Decimals))) {
				return nil, fmt.Errorf("%w: at most %d decimal places", ErrInvalidQuantity, asset.Decimals)
			}
		}
		if quote, ok := s.registry.Get(storage.QuoteAsset); ok {
			if !input.Price.Equal(input.Price.Truncate(int32(quote.Decimals))) {
				return nil, fmt.Errorf("%w: at most %d decimal places", ErrInvalidPrice, quote.Decimals)
			}
		}
	}

	return &storage.Order{
		ID:       uuid.New(),
		UserID:   input.UserID,
		Asset:    symbol,
		Side:     side,
		Price:    input.Price,
		Quantity: input.Quantity,
	}, nil
}

func (s *ExchangeService) CancelOrder(ctx context.Context, input CancelOrderInput) (*storage.Order, error) {
	// Resolve the asset first: the cancel must run under that asset's
	// matching lock, or it could release a reservation between a fill's
	// settlement and its commit. Ownership is enforced inside the cancel
	// transaction itself.
	existing, err := s.store.GetOrder(ctx, input.OrderID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.metrics.OrderCancellations.WithLabelValues("not_found").Inc()
		} else {
			s.metrics.OrderCancellations.WithLabelValues("error").Inc()
		}
		return nil, err
	}

	var order *storage.Order
	cancel := func() error {
		var cancelErr error
		order, cancelErr = s.store.CancelOrder(ctx, input.OrderID, input.UserID)
		return cancelErr
	}
	if s.matcher != nil {
		err = s.matcher.WithAssetLock(existing.Asset, cancel)
	} else {
		err = cancel()
	}
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound), errors.Is(err, storage.ErrNotOwner):
			s.metrics.OrderCancellations.WithLabelValues("not_found").Inc()
		case errors.Is(err, storage.ErrNotCancellable):
			s.metrics.OrderCancellations.WithLabelValues("conflict").Inc()
		default:
			s.metrics.OrderCancellations.WithLabelValues("error").Inc()
		}
		return nil, err
	}

	s.metrics.OrderCancellations.WithLabelValues("success").Inc()
	s.publishOrderCancelled(ctx, input.CorrelationID, order)
	s.invalidateBookCache(ctx, order.Asset)
	return order, nil
}

func (s *ExchangeService) ListOrders(ctx context.Context, userID uuid.UUID, filter storage.OrderFilter) ([]storage.Order, string, error) {
	return s.store.ListOrders(ctx, userID, filter)
}

func (s *ExchangeService) GetOrder(ctx context.Context, userID, orderID uuid.UUID) (*storage.Order, error) {
	order, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.UserID != userID {
		return nil, storage.ErrNotFound
	}
	return order, nil
}

func (s *ExchangeService) TradeHistory(ctx context.Context, userID uuid.UUID, filter storage.TradeFilter) ([]storage.Trade, error) {
	return s.store.ListTrades(ctx, userID, filter)
}

func (s *ExchangeService) GetBalances(ctx context.Context, userID uuid.UUID) ([]storage.Balance, error) {
	return s.store.ListBalances(ctx, userID)
}

// BookSnapshot serves the aggregated book, cached briefly in redis since
// snapshots are read far more often than the book changes shape.
func (s *ExchangeService) BookSnapshot(ctx context.Context, asset string) (*storage.BookSnapshot, error) {
	symbol := strings.ToUpper(strings.TrimSpace(asset))
	if s.registry != nil {
		if _, ok := s.registry.Get(symbol); !ok {
			return nil, fmt.Errorf("%w: %s", storage.ErrUnknownAsset, asset)
		}
	}

	key := bookCacheKey(symbol)
	if s.cache != nil {
		raw, err := s.cache.Get(ctx, key).Bytes()
		if err == nil {
			var snap storage.BookSnapshot
			if jsonErr := json.Unmarshal(raw, &snap); jsonErr == nil {
				s.metrics.BookCacheHits.WithLabelValues("hit").Inc()
				return &snap, nil
			}
		} else if !errors.Is(err, redis.Nil) {
			s.logger.Warn("book cache read failed", "asset", symbol, "error", err)
		}
		s.metrics.BookCacheHits.WithLabelValues("miss").Inc()
	}

	snap, err := s.store.Snapshot(ctx, symbol)
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		if raw, jsonErr := json.Marshal(snap); jsonErr == nil {
			if err := s.cache.Set(ctx, key, raw, bookCacheTTL).Err(); err != nil {
				s.logger.Warn("book cache write failed", "asset", symbol, "error", err)
			}
		}
	}
	return snap, nil
}

func (s *ExchangeService) invalidateBookCache(ctx context.Context, asset string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Del(ctx, bookCacheKey(asset)).Err(); err != nil {
		s.logger.Warn("book cache invalidation failed", "asset", asset, "error", err)
	}
}

func bookCacheKey(asset string) string {
	return "book:" + asset
}

// reservationFor returns the asset and amount an order must reserve: sells
// hold the base quantity, buys hold the quote notional at the limit price.
func reservationFor(order *storage.Order) (string, decimal.Decimal) {
	if order.Side == storage.SideSell {
		return order.Asset, order.Quantity
	}
	return storage.QuoteAsset, order.Price.Mul(order.Quantity)
}

func (s *ExchangeService) observeSubmission(result string, start time.Time) {
	s.metrics.OrderSubmissions.WithLabelValues(result).Inc()
	s.metrics.OrderSubmissionLatency.WithLabelValues(result).Observe(time.Since(start).Seconds())
}

func (s *ExchangeService) publishOrderAccepted(ctx context.Context, correlationID string, order *storage.Order) {
	if s.producer == nil || order == nil {
		return
	}
	eventID := kafka.DeterministicEventID(kafka.EventOrderAccepted, order.ID.String())
	env, err := kafka.NewEnvelopeWithID(eventID, kafka.EventOrderAccepted, 1, correlationID)
	if err != nil {
		s.logger.Error("build order accepted envelope failed", "error", err)
		return
	}
	payload := OrderAcceptedEvent{
		Envelope:  env,
		OrderID:   order.ID.String(),
		UserID:    order.UserID.String(),
		Asset:     order.Asset,
		Side:      order.Side,
		Price:     order.Price.String(),
		Quantity:  order.Quantity.String(),
		Status:    order.Status,
		CreatedAt: order.CreatedAt.UTC().Format(time.RFC3339),
	}
	if _, _, err := s.producer.PublishJSON(ctx, s.topics.OrdersAccepted, order.Asset, payload); err != nil {
		s.logger.Error("publish order accepted failed", "error", err)
	}
}

func (s *ExchangeService) publishOrderCancelled(ctx context.Context, correlationID string, order *storage.Order) {
	if s.producer == nil || order == nil {
		return
	}
	eventID := kafka.DeterministicEventID(kafka.EventOrderCancelled, order.ID.String())
	env, err := kafka.NewEnvelopeWithID(eventID, kafka.EventOrderCancelled, 1, correlationID)
	if err != nil {
		s.logger.Error("build order cancelled envelope failed", "error", err)
		return
	}
	payload := OrderCancelledEvent{
		Envelope:    env,
		OrderID:     order.ID.String(),
		UserID:      order.UserID.String(),
		Asset:       order.Asset,
		Status:      order.Status,
		CancelledAt: order.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if _, _, err := s.producer.PublishJSON(ctx, s.topics.OrdersCancelled, order.Asset, payload); err != nil {
		s.logger.Error("publish order cancelled failed", "error", err)
	}
}

// Event payloads

type OrderAcceptedEvent struct {
	kafka.Envelope
	OrderID   string `json:"order_id"`
	UserID    string `json:"user_id"`
	Asset     string `json:"asset"`
	Side      string `json:"side"`
	Price     string `json:"price"`
	Quantity  string `json:"quantity"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at"`
}

type OrderCancelledEvent struct {
	kafka.Envelope
	OrderID     string `json:"order_id"`
	UserID      string `json:"user_id"`
	Asset       string `json:"asset"`
	Status      string `json:"status"`
	CancelledAt string `json:"cancelled_at"`
}
