package storage

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// QuoteAsset is the single quote currency every instrument trades against.
const QuoteAsset = "USDS"

const (
	SideBuy  = "buy"
	SideSell = "sell"

	OrderStatusOpen            = "open"
	OrderStatusPartiallyFilled = "partially_filled"
	OrderStatusFilled          = "filled"
	OrderStatusCancelled       = "cancelled"

	TradeStatusPending = "pending"
	TradeStatusSettled = "settled"
	TradeStatusFailed  = "failed"

	LegBase  = "base"
	LegQuote = "quote"

	AssetCategoryStable = "stable"
	AssetCategoryShare  = "share"
	AssetCategoryBond   = "bond"
)

type Asset struct {
	Symbol         string
	Name           string
	Category       string
	Decimals       int
	ReferencePrice decimal.Decimal
	UpdatedAt      time.Time
}

type Balance struct {
	UserID    uuid.UUID
	Asset     string
	Available decimal.Decimal
	Reserved  decimal.Decimal
	UpdatedAt time.Time
}

func (b Balance) Total() decimal.Decimal {
	return b.Available.Add(b.Reserved)
}

type Order struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	Asset     string
	Side      string
	Price     decimal.Decimal
	Quantity  decimal.Decimal
	Remaining decimal.Decimal
	Status    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (o *Order) Filled() decimal.Decimal {
	return o.Quantity.Sub(o.Remaining)
}

func (o *Order) Cancellable() bool {
	return o.Status == OrderStatusOpen || o.Status == OrderStatusPartiallyFilled
}

type Trade struct {
	ID                  uuid.UUID
	Asset               string
	BuyOrderID          uuid.UUID
	SellOrderID         uuid.UUID
	BuyerID             uuid.UUID
	SellerID            uuid.UUID
	TakerOrderID        uuid.UUID
	Price               decimal.Decimal
	Quantity            decimal.Decimal
	Status              string
	FailureReason       string
	NeedsReconciliation bool
	BaseReference       string
	QuoteReference      string
	ExecutedAt          time.Time
	SettledAt           *time.Time
}

// Notional is the quote-asset value of the trade at its execution price.
func (t Trade) Notional() decimal.Decimal {
	return t.Price.Mul(t.Quantity)
}

// SettlementRefs carries the custody ledger references confirmed for each
// leg of a settled trade.
type SettlementRefs struct {
	Base  string
	Quote string
}

type PriceLevel struct {
	Price    decimal.Decimal
	Quantity decimal.Decimal
	Orders   int
}

// BookSnapshot is a display-only aggregation of the resting book. It is
// never consulted by the matching path.
type BookSnapshot struct {
	Asset     string
	Bids      []PriceLevel
	Asks      []PriceLevel
	FetchedAt time.Time
}

type OrderFilter struct {
	Asset    string
	Status   string
	OpenOnly bool
	Limit    int
	Cursor   string
}

type TradeFilter struct {
	Asset  string
	Status string
	Limit  int
}
