package engine

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"pgregory.net/rapid"

	"github.com/alass1205/financial-platform-sub000/internal/storage"
)

// propOpen admits an order into the store the way the service layer would:
// reserve first, reject when funds are short. Returns false on rejection.
func propOpen(store *memStore, userID uuid.UUID, asset, side string, price, quantity decimal.Decimal) (*storage.Order, bool) {
	store.mu.Lock()
	defer store.mu.Unlock()

	reserveAsset, reserveAmount := asset, quantity
	if side == storage.SideBuy {
		reserveAsset, reserveAmount = storage.QuoteAsset, price.Mul(quantity)
	}
	bal := store.balance(userID, reserveAsset)
	if bal.Available.LessThan(reserveAmount) {
		return nil, false
	}
	bal.Available = bal.Available.Sub(reserveAmount)
	bal.Reserved = bal.Reserved.Add(reserveAmount)

	now := store.tick()
	order := &storage.Order{
		ID:        uuid.New(),
		UserID:    userID,
		Asset:     asset,
		Side:      side,
		Price:     price,
		Quantity:  quantity,
		Remaining: quantity,
		Status:    storage.OrderStatusOpen,
		CreatedAt: now,
		UpdatedAt: now,
	}
	store.orders[order.ID] = order
	return order, true
}

func TestMatchEngineProperties(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		f := newFixture(t)
		ctx := context.Background()

		users := []uuid.UUID{f.alice, f.bob, f.carol}
		goldSeed := decimal.NewFromInt(1_000)
		usdsSeed := decimal.NewFromInt(500_000)
		for _, userID := range users {
			f.store.fund(userID, "GOLD", goldSeed.String())
			f.store.fund(userID, storage.QuoteAsset, usdsSeed.String())
		}

		userGen := rapid.SampledFrom(users)
		sideGen := rapid.SampledFrom([]string{storage.SideBuy, storage.SideSell})
		priceGen := rapid.Int64Range(90, 110)
		qtyGen := rapid.Int64Range(1, 20)
		count := rapid.IntRange(1, 40).Draw(rt, "orders")

		for i := 0; i < count; i++ {
			userID := userGen.Draw(rt, "user")
			side := sideGen.Draw(rt, "side")
			price := decimal.NewFromInt(priceGen.Draw(rt, "price"))
			quantity := decimal.NewFromInt(qtyGen.Draw(rt, "qty"))

			order, ok := propOpen(f.store, userID, "GOLD", side, price, quantity)
			if !ok {
				continue
			}
			if _, err := f.engine.MatchOrder(ctx, order.ID, "GOLD", ""); err != nil {
				rt.Fatalf("MatchOrder: %v", err)
			}
		}

		f.store.mu.Lock()
		defer f.store.mu.Unlock()

		// No balance may go negative, and per-asset totals are conserved:
		// matching only moves value between the three accounts.
		totals := map[string]decimal.Decimal{
			"GOLD":             decimal.Zero,
			storage.QuoteAsset: decimal.Zero,
		}
		for _, bal := range f.store.balances {
			if bal.Available.IsNegative() || bal.Reserved.IsNegative() {
				rt.Fatalf("negative balance for %s %s: %s/%s", bal.UserID, bal.Asset, bal.Available, bal.Reserved)
			}
			totals[bal.Asset] = totals[bal.Asset].Add(bal.Available).Add(bal.Reserved)
		}
		if want := goldSeed.Mul(decimal.NewFromInt(3)); !totals["GOLD"].Equal(want) {
			rt.Fatalf("GOLD not conserved: have %s want %s", totals["GOLD"], want)
		}
		if want := usdsSeed.Mul(decimal.NewFromInt(3)); !totals[storage.QuoteAsset].Equal(want) {
			rt.Fatalf("%s not conserved: have %s want %s", storage.QuoteAsset, totals[storage.QuoteAsset], want)
		}

		// After every taker has been fully matched the book cannot stay
		// crossed between distinct users.
		var resting []*storage.Order
		for _, order := range f.store.orders {
			if order.Cancellable() && order.Remaining.IsPositive() {
				resting = append(resting, order)
			}
		}
		for _, bid := range resting {
			if bid.Side != storage.SideBuy {
				continue
			}
			for _, ask := range resting {
				if ask.Side != storage.SideSell || ask.UserID == bid.UserID {
					continue
				}
				if bid.Price.GreaterThanOrEqual(ask.Price) {
					rt.Fatalf("crossed book: bid %s >= ask %s between distinct users", bid.Price, ask.Price)
				}
			}
		}

		// Reserved funds exactly back the resting remainders.
		reservedWant := make(map[string]decimal.Decimal)
		for _, order := range resting {
			asset, amount := order.Asset, order.Remaining
			if order.Side == storage.SideBuy {
				asset, amount = storage.QuoteAsset, order.Price.Mul(order.Remaining)
			}
			key := balanceKey(order.UserID, asset)
			reservedWant[key] = reservedWant[key].Add(amount)
		}
		for key, bal := range f.store.balances {
			want := reservedWant[key]
			if !bal.Reserved.Equal(want) {
				rt.Fatalf("reserved mismatch for %s: have %s want %s", key, bal.Reserved, want)
			}
		}

		// The simulated custody ledger never fails, so no trade may be
		// left pending or failed.
		for _, trade := range f.store.trades {
			if trade.Status != storage.TradeStatusSettled {
				rt.Fatalf("trade %s ended %s", trade.ID, trade.Status)
			}
		}
	})
}
