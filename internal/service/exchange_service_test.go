package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/alass1205/financial-platform-sub000/internal/assets"
	"github.com/alass1205/financial-platform-sub000/internal/storage"
)

type fakeStore struct {
	reserveErr   error
	createErr    error
	reserved     []string
	released     []string
	orders       map[uuid.UUID]*storage.Order
	cancelResult *storage.Order
	cancelErr    error
	snapshots    int
	log          []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{orders: make(map[uuid.UUID]*storage.Order)}
}

func (f *fakeStore) Reserve(ctx context.Context, userID uuid.UUID, asset string, quantity decimal.Decimal) error {
	if f.reserveErr != nil {
		return f.reserveErr
	}
	f.reserved = append(f.reserved, asset+":"+quantity.String())
	return nil
}

func (f *fakeStore) Release(ctx context.Context, userID uuid.UUID, asset string, quantity decimal.Decimal) error {
	f.released = append(f.released, asset+":"+quantity.String())
	return nil
}

func (f *fakeStore) CreateOpenOrder(ctx context.Context, order storage.Order) (*storage.Order, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	order.Remaining = order.Quantity
	order.Status = storage.OrderStatusOpen
	order.CreatedAt = time.Now().UTC()
	order.UpdatedAt = order.CreatedAt
	cp := order
	f.orders[order.ID] = &cp
	out := order
	return &out, nil
}

func (f *fakeStore) GetOrder(ctx context.Context, orderID uuid.UUID) (*storage.Order, error) {
	order, ok := f.orders[orderID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *order
	return &cp, nil
}

func (f *fakeStore) CancelOrder(ctx context.Context, orderID, userID uuid.UUID) (*storage.Order, error) {
	f.log = append(f.log, "cancel")
	if f.cancelErr != nil {
		return nil, f.cancelErr
	}
	return f.cancelResult, nil
}

func (f *fakeStore) ListOrders(ctx context.Context, userID uuid.UUID, filter storage.OrderFilter) ([]storage.Order, string, error) {
	return nil, "", nil
}

func (f *fakeStore) ListTrades(ctx context.Context, userID uuid.UUID, filter storage.TradeFilter) ([]storage.Trade, error) {
	return nil, nil
}

func (f *fakeStore) ListBalances(ctx context.Context, userID uuid.UUID) ([]storage.Balance, error) {
	return nil, nil
}

func (f *fakeStore) Snapshot(ctx context.Context, asset string) (*storage.BookSnapshot, error) {
	f.snapshots++
	return &storage.BookSnapshot{
		Asset:     asset,
		Bids:      []storage.PriceLevel{{Price: decimal.NewFromInt(99), Quantity: decimal.NewFromInt(3), Orders: 1}},
		FetchedAt: time.Now().UTC(),
	}, nil
}

type fakeMatcher struct {
	fills  int
	err    error
	calls  int
	store  *fakeStore
	locked []string
}

func (f *fakeMatcher) MatchOrder(ctx context.Context, orderID uuid.UUID, asset, correlationID string) (int, error) {
	f.calls++
	return f.fills, f.err
}

func (f *fakeMatcher) WithAssetLock(asset string, fn func() error) error {
	f.locked = append(f.locked, asset)
	if f.store != nil {
		f.store.log = append(f.store.log, "lock "+asset)
	}
	err := fn()
	if f.store != nil {
		f.store.log = append(f.store.log, "unlock "+asset)
	}
	return err
}

type assetLister struct{ list []storage.Asset }

func (l assetLister) ListAssets(ctx context.Context) ([]storage.Asset, error) {
	return l.list, nil
}

func testRegistry(t *testing.T) *assets.Registry {
	t.Helper()
	registry := assets.NewRegistry()
	err := registry.Load(context.Background(), assetLister{list: []storage.Asset{
		{Symbol: "USDS", Category: storage.AssetCategoryStable, Decimals: 2},
		{Symbol: "GOLD", Category: storage.AssetCategoryShare, Decimals: 4},
	}})
	if err != nil {
		t.Fatalf("load registry: %v", err)
	}
	return registry
}

func newTestService(t *testing.T, store ExchangeStore, matcher Matcher, cache redis.UniversalClient) *ExchangeService {
	t.Helper()
	return NewExchangeService(store, testRegistry(t), matcher, nil, cache, nil, NewNopMetrics(), Topics{})
}

func TestSubmitOrderReservesBuyNotional(t *testing.T) {
	store := newFakeStore()
	matcher := &fakeMatcher{}
	svc := newTestService(t, store, matcher, nil)

	result, err := svc.SubmitOrder(context.Background(), SubmitOrderInput{
		UserID:   uuid.New(),
		Asset:    "gold",
		Side:     "BUY",
		Price:    decimal.NewFromInt(100),
		Quantity: decimal.NewFromInt(3),
	})
	if err != nil {
		t.Fatalf("SubmitOrder: %v", err)
	}
	if result.Status != statusAccepted {
		t.Fatalf("expected accepted, got %s", result.Status)
	}
	if len(store.reserved) != 1 || store.reserved[0] != "USDS:300" {
		t.Fatalf("expected quote notional reserved, got %v", store.reserved)
	}
	if matcher.calls != 1 {
		t.Fatalf("matching must run synchronously")
	}
	if result.Order.Asset != "GOLD" || result.Order.Side != "buy" {
		t.Fatalf("inputs not normalized: %+v", result.Order)
	}
}

func TestSubmitOrderReservesSellQuantity(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(t, store, &fakeMatcher{}, nil)

	_, err := svc.SubmitOrder(context.Background(), SubmitOrderInput{
		UserID:   uuid.New(),
		Asset:    "GOLD",
		Side:     "sell",
		Price:    decimal.NewFromInt(100),
		Quantity: decimal.NewFromInt(3),
	})
	if err != nil {
		t.Fatalf("SubmitOrder: %v", err)
	}
	if len(store.reserved) != 1 || store.reserved[0] != "GOLD:3" {
		t.Fatalf("expected base quantity reserved, got %v", store.reserved)
	}
}

func TestSubmitOrderValidation(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(t, store, &fakeMatcher{}, nil)
	ctx := context.Background()
	userID := uuid.New()

	cases := []struct {
		name  string
		input SubmitOrderInput
		want  error
	}{
		{"unknown asset", SubmitOrderInput{UserID: userID, Asset: "SILVER", Side: "buy", Price: decimal.NewFromInt(1), Quantity: decimal.NewFromInt(1)}, ErrAssetNotTradable},
		{"quote asset not tradable", SubmitOrderInput{UserID: userID, Asset: "USDS", Side: "buy", Price: decimal.NewFromInt(1), Quantity: decimal.NewFromInt(1)}, ErrAssetNotTradable},
		{"bad side", SubmitOrderInput{UserID: userID, Asset: "GOLD", Side: "hold", Price: decimal.NewFromInt(1), Quantity: decimal.NewFromInt(1)}, ErrInvalidSide},
		{"zero price", SubmitOrderInput{UserID: userID, Asset: "GOLD", Side: "buy", Price: decimal.Zero, Quantity: decimal.NewFromInt(1)}, ErrInvalidPrice},
		{"negative quantity", SubmitOrderInput{UserID: userID, Asset: "GOLD", Side: "buy", Price: decimal.NewFromInt(1), Quantity: decimal.NewFromInt(-1)}, ErrInvalidQuantity},
		{"too many decimals", SubmitOrderInput{UserID: userID, Asset: "GOLD", Side: "buy", Price: decimal.NewFromInt(1), Quantity: decimal.RequireFromString("0.00001")}, ErrInvalidQuantity},
		{"price beyond quote precision", SubmitOrderInput{UserID: userID, Asset: "GOLD", Side: "buy", Price: decimal.RequireFromString("100.125"), Quantity: decimal.NewFromInt(1)}, ErrInvalidPrice},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.SubmitOrder(ctx, tc.input)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}

	if len(store.reserved) != 0 {
		t.Fatalf("rejected orders must not reserve, got %v", store.reserved)
	}

	// Trailing zeros do not count against precision.
	result, err := svc.SubmitOrder(ctx, SubmitOrderInput{
		UserID:   userID,
		Asset:    "GOLD",
		Side:     "buy",
		Price:    decimal.RequireFromString("100.50"),
		Quantity: decimal.RequireFromString("2.50000"),
	})
	if err != nil {
		t.Fatalf("trailing zeros must be accepted: %v", err)
	}
	if result.Status != statusAccepted {
		t.Fatalf("expected accepted, got %s", result.Status)
	}
}

func TestSubmitOrderInsufficientFunds(t *testing.T) {
	store := newFakeStore()
	store.reserveErr = storage.ErrInsufficientFunds
	matcher := &fakeMatcher{}
	svc := newTestService(t, store, matcher, nil)

	_, err := svc.SubmitOrder(context.Background(), SubmitOrderInput{
		UserID:   uuid.New(),
		Asset:    "GOLD",
		Side:     "buy",
		Price:    decimal.NewFromInt(100),
		Quantity: decimal.NewFromInt(3),
	})
	if !errors.Is(err, storage.ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}
	if matcher.calls != 0 {
		t.Fatalf("unfunded order must not reach matching")
	}
}

func TestSubmitOrderReleasesOnAdmissionFailure(t *testing.T) {
	store := newFakeStore()
	store.createErr = errors.New("insert failed")
	svc := newTestService(t, store, &fakeMatcher{}, nil)

	_, err := svc.SubmitOrder(context.Background(), SubmitOrderInput{
		UserID:   uuid.New(),
		Asset:    "GOLD",
		Side:     "sell",
		Price:    decimal.NewFromInt(100),
		Quantity: decimal.NewFromInt(3),
	})
	if err == nil {
		t.Fatalf("expected error")
	}
	if len(store.released) != 1 || store.released[0] != "GOLD:3" {
		t.Fatalf("reservation must be released when admission fails, got %v", store.released)
	}
}

func TestCancelOrderErrorMapping(t *testing.T) {
	store := newFakeStore()
	owner := uuid.New()
	order := &storage.Order{ID: uuid.New(), UserID: owner, Asset: "GOLD", Status: storage.OrderStatusFilled}
	store.orders[order.ID] = order
	store.cancelErr = storage.ErrNotCancellable
	svc := newTestService(t, store, &fakeMatcher{}, nil)

	_, err := svc.CancelOrder(context.Background(), CancelOrderInput{UserID: owner, OrderID: order.ID})
	if !errors.Is(err, storage.ErrNotCancellable) {
		t.Fatalf("expected ErrNotCancellable, got %v", err)
	}

	_, err = svc.CancelOrder(context.Background(), CancelOrderInput{UserID: owner, OrderID: uuid.New()})
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCancelOrderRunsUnderAssetLock(t *testing.T) {
	store := newFakeStore()
	owner := uuid.New()
	order := &storage.Order{ID: uuid.New(), UserID: owner, Asset: "GOLD", Status: storage.OrderStatusOpen}
	store.orders[order.ID] = order
	store.cancelResult = &storage.Order{ID: order.ID, UserID: owner, Asset: "GOLD", Status: storage.OrderStatusCancelled}
	matcher := &fakeMatcher{store: store}
	svc := newTestService(t, store, matcher, nil)

	cancelled, err := svc.CancelOrder(context.Background(), CancelOrderInput{UserID: owner, OrderID: order.ID})
	if err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}
	if cancelled.Status != storage.OrderStatusCancelled {
		t.Fatalf("expected cancelled order, got %s", cancelled.Status)
	}
	if len(matcher.locked) != 1 || matcher.locked[0] != "GOLD" {
		t.Fatalf("cancel must hold the asset's matching lock, locked=%v", matcher.locked)
	}
	want := []string{"lock GOLD", "cancel", "unlock GOLD"}
	if len(store.log) != len(want) {
		t.Fatalf("unexpected call sequence %v", store.log)
	}
	for i := range want {
		if store.log[i] != want[i] {
			t.Fatalf("call %d: got %q want %q", i, store.log[i], want[i])
		}
	}
}

func TestGetOrderHidesForeignOrders(t *testing.T) {
	store := newFakeStore()
	owner := uuid.New()
	order := &storage.Order{ID: uuid.New(), UserID: owner, Asset: "GOLD"}
	store.orders[order.ID] = order

	svc := newTestService(t, store, &fakeMatcher{}, nil)

	if _, err := svc.GetOrder(context.Background(), owner, order.ID); err != nil {
		t.Fatalf("owner lookup: %v", err)
	}
	if _, err := svc.GetOrder(context.Background(), uuid.New(), order.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("foreign lookup must report not found, got %v", err)
	}
}

func TestBookSnapshotCaching(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	store := newFakeStore()
	svc := newTestService(t, store, &fakeMatcher{}, client)
	ctx := context.Background()

	first, err := svc.BookSnapshot(ctx, "GOLD")
	if err != nil {
		t.Fatalf("BookSnapshot: %v", err)
	}
	second, err := svc.BookSnapshot(ctx, "GOLD")
	if err != nil {
		t.Fatalf("BookSnapshot cached: %v", err)
	}
	if store.snapshots != 1 {
		t.Fatalf("expected single store read, got %d", store.snapshots)
	}
	if len(first.Bids) != len(second.Bids) {
		t.Fatalf("cached snapshot differs")
	}

	mr.FastForward(bookCacheTTL + time.Second)
	if _, err := svc.BookSnapshot(ctx, "GOLD"); err != nil {
		t.Fatalf("BookSnapshot after expiry: %v", err)
	}
	if store.snapshots != 2 {
		t.Fatalf("expected reload after ttl, got %d reads", store.snapshots)
	}
}

func TestBookSnapshotUnknownAsset(t *testing.T) {
	svc := newTestService(t, newFakeStore(), &fakeMatcher{}, nil)
	if _, err := svc.BookSnapshot(context.Background(), "SILVER"); !errors.Is(err, storage.ErrUnknownAsset) {
		t.Fatalf("expected unknown asset, got %v", err)
	}
}
