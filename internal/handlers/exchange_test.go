package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alass1205/financial-platform-sub000/internal/service"
	"github.com/alass1205/financial-platform-sub000/internal/storage"
	"github.com/alass1205/financial-platform-sub000/internal/testutil"
)

var testSecret = []byte("test-secret")

type stubService struct {
	submitResult *service.SubmitOrderResult
	submitErr    error
	cancelResult *storage.Order
	cancelErr    error
	orders       []storage.Order
	trades       []storage.Trade
	balances     []storage.Balance
	snapshot     *storage.BookSnapshot
	snapshotErr  error
}

func (s *stubService) SubmitOrder(ctx context.Context, input service.SubmitOrderInput) (*service.SubmitOrderResult, error) {
	return s.submitResult, s.submitErr
}

func (s *stubService) CancelOrder(ctx context.Context, input service.CancelOrderInput) (*storage.Order, error) {
	return s.cancelResult, s.cancelErr
}

func (s *stubService) ListOrders(ctx context.Context, userID uuid.UUID, filter storage.OrderFilter) ([]storage.Order, string, error) {
	return s.orders, "", nil
}

func (s *stubService) GetOrder(ctx context.Context, userID, orderID uuid.UUID) (*storage.Order, error) {
	if len(s.orders) == 0 {
		return nil, storage.ErrNotFound
	}
	return &s.orders[0], nil
}

func (s *stubService) TradeHistory(ctx context.Context, userID uuid.UUID, filter storage.TradeFilter) ([]storage.Trade, error) {
	return s.trades, nil
}

func (s *stubService) GetBalances(ctx context.Context, userID uuid.UUID) ([]storage.Balance, error) {
	return s.balances, nil
}

func (s *stubService) BookSnapshot(ctx context.Context, asset string) (*storage.BookSnapshot, error) {
	return s.snapshot, s.snapshotErr
}

func newTestRouter(t *testing.T, svc ExchangeService) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	router := gin.New()
	New(svc, nil).Register(router, testSecret)
	return router
}

func authedRequest(t *testing.T, method, path string, body []byte) *http.Request {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	token, err := testutil.GenerateJWT(uuid.New(), testSecret, time.Hour, time.Now())
	if err != nil {
		t.Fatalf("generate jwt: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	return req
}

func sampleOrder() *storage.Order {
	now := time.Now().UTC()
	return &storage.Order{
		ID:        uuid.New(),
		UserID:    uuid.New(),
		Asset:     "GOLD",
		Side:      storage.SideBuy,
		Price:     decimal.NewFromInt(100),
		Quantity:  decimal.NewFromInt(5),
		Remaining: decimal.NewFromInt(5),
		Status:    storage.OrderStatusOpen,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestCreateOrderRequiresAuth(t *testing.T) {
	router := newTestRouter(t, &stubService{})
	req := httptest.NewRequest(http.MethodPost, "/orders", bytes.NewReader([]byte(`{}`)))
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.Code)
	}
}

func TestCreateOrderSuccess(t *testing.T) {
	order := sampleOrder()
	svc := &stubService{submitResult: &service.SubmitOrderResult{Order: order, Status: "accepted", Fills: 1}}
	router := newTestRouter(t, svc)

	body := []byte(`{"asset":"GOLD","side":"buy","price":"100","quantity":"5"}`)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, authedRequest(t, http.MethodPost, "/orders", body))

	if resp.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", resp.Code, resp.Body.String())
	}
	var out struct {
		OrderID string `json:"order_id"`
		Fills   int    `json:"fills"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.OrderID != order.ID.String() || out.Fills != 1 {
		t.Fatalf("unexpected response %+v", out)
	}
}

func TestCreateOrderBadPrice(t *testing.T) {
	router := newTestRouter(t, &stubService{})
	body := []byte(`{"asset":"GOLD","side":"buy","price":"abc","quantity":"5"}`)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, authedRequest(t, http.MethodPost, "/orders", body))
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.Code)
	}
}

func TestCreateOrderErrorCodes(t *testing.T) {
	cases := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"insufficient funds", storage.ErrInsufficientFunds, http.StatusBadRequest, "INSUFFICIENT_FUNDS"},
		{"unknown asset", service.ErrAssetNotTradable, http.StatusBadRequest, "UNKNOWN_ASSET"},
		{"invalid side", service.ErrInvalidSide, http.StatusBadRequest, "INVALID_REQUEST"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			router := newTestRouter(t, &stubService{submitErr: tc.err})
			body := []byte(`{"asset":"GOLD","side":"buy","price":"100","quantity":"5"}`)
			resp := httptest.NewRecorder()
			router.ServeHTTP(resp, authedRequest(t, http.MethodPost, "/orders", body))

			if resp.Code != tc.wantStatus {
				t.Fatalf("expected %d, got %d", tc.wantStatus, resp.Code)
			}
			var errResp struct {
				Code string `json:"code"`
			}
			if err := json.Unmarshal(resp.Body.Bytes(), &errResp); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if errResp.Code != tc.wantCode {
				t.Fatalf("expected code %s, got %s", tc.wantCode, errResp.Code)
			}
		})
	}
}

func TestCancelOrderStatuses(t *testing.T) {
	order := sampleOrder()
	order.Status = storage.OrderStatusCancelled

	cases := []struct {
		name       string
		svc        *stubService
		wantStatus int
	}{
		{"success", &stubService{cancelResult: order}, http.StatusOK},
		{"not found", &stubService{cancelErr: storage.ErrNotFound}, http.StatusNotFound},
		{"not owner", &stubService{cancelErr: storage.ErrNotOwner}, http.StatusNotFound},
		{"not cancellable", &stubService{cancelErr: storage.ErrNotCancellable}, http.StatusConflict},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			router := newTestRouter(t, tc.svc)
			resp := httptest.NewRecorder()
			router.ServeHTTP(resp, authedRequest(t, http.MethodDelete, "/orders/"+uuid.NewString(), nil))
			if resp.Code != tc.wantStatus {
				t.Fatalf("expected %d, got %d: %s", tc.wantStatus, resp.Code, resp.Body.String())
			}
		})
	}
}

func TestCancelOrderInvalidID(t *testing.T) {
	router := newTestRouter(t, &stubService{})
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, authedRequest(t, http.MethodDelete, "/orders/not-a-uuid", nil))
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.Code)
	}
}

func TestListBalances(t *testing.T) {
	svc := &stubService{balances: []storage.Balance{
		{Asset: "USDS", Available: decimal.NewFromInt(900), Reserved: decimal.NewFromInt(100)},
	}}
	router := newTestRouter(t, svc)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, authedRequest(t, http.MethodGet, "/balances", nil))

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	var out struct {
		Balances []struct {
			Asset string `json:"asset"`
			Total string `json:"total"`
		} `json:"balances"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Balances) != 1 || out.Balances[0].Total != "1000" {
		t.Fatalf("unexpected balances %+v", out.Balances)
	}
}

func TestGetBook(t *testing.T) {
	svc := &stubService{snapshot: &storage.BookSnapshot{
		Asset: "GOLD",
		Bids:  []storage.PriceLevel{{Price: decimal.NewFromInt(99), Quantity: decimal.NewFromInt(3), Orders: 2}},
		Asks:  []storage.PriceLevel{{Price: decimal.NewFromInt(101), Quantity: decimal.NewFromInt(1), Orders: 1}},
	}}
	router := newTestRouter(t, svc)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, authedRequest(t, http.MethodGet, "/book/GOLD", nil))

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	var out struct {
		Bids []struct {
			Price string `json:"price"`
		} `json:"bids"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Bids) != 1 || out.Bids[0].Price != "99" {
		t.Fatalf("unexpected book %+v", out)
	}
}

func TestGetBookUnknownAsset(t *testing.T) {
	router := newTestRouter(t, &stubService{snapshotErr: storage.ErrUnknownAsset})
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, authedRequest(t, http.MethodGet, "/book/SILVER", nil))
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.Code)
	}
}
