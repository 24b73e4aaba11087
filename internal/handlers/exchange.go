package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"log/slog"

	"github.com/alass1205/financial-platform-sub000/internal/service"
	"github.com/alass1205/financial-platform-sub000/internal/storage"
	"github.com/alass1205/financial-platform-sub000/libs/auth"
)

type ExchangeService interface {
	SubmitOrder(ctx context.Context, input service.SubmitOrderInput) (*service.SubmitOrderResult, error)
	CancelOrder(ctx context.Context, input service.CancelOrderInput) (*storage.Order, error)
	ListOrders(ctx context.Context, userID uuid.UUID, filter storage.OrderFilter) ([]storage.Order, string, error)
	GetOrder(ctx context.Context, userID, orderID uuid.UUID) (*storage.Order, error)
	TradeHistory(ctx context.Context, userID uuid.UUID, filter storage.TradeFilter) ([]storage.Trade, error)
	GetBalances(ctx context.Context, userID uuid.UUID) ([]storage.Balance, error)
	BookSnapshot(ctx context.Context, asset string) (*storage.BookSnapshot, error)
}

type Handler struct {
	Service ExchangeService
	Logger  *slog.Logger
}

func New(service ExchangeService, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{Service: service, Logger: logger}
}

func (h *Handler) Register(r *gin.Engine, jwtSecret []byte) {
	group := r.Group("/", auth.Middleware(jwtSecret))
	group.POST("/orders", h.CreateOrder)
	group.GET("/orders", h.ListOrders)
	group.GET("/orders/:id", h.GetOrder)
	group.DELETE("/orders/:id", h.CancelOrder)
	group.GET("/trades", h.ListTrades)
	group.GET("/balances", h.ListBalances)
	group.GET("/book/:symbol", h.GetBook)
}

type createOrderRequest struct {
	Asset    string `json:"asset"`
	Side     string `json:"side"`
	Price    string `json:"price"`
	Quantity string `json:"quantity"`
}

type createOrderResponse struct {
	OrderID   string `json:"order_id"`
	Status    string `json:"status"`
	Remaining string `json:"remaining"`
	Fills     int    `json:"fills"`
	CreatedAt string `json:"created_at"`
}

type orderItem struct {
	OrderID   string `json:"order_id"`
	Asset     string `json:"asset"`
	Side      string `json:"side"`
	Price     string `json:"price"`
	Quantity  string `json:"quantity"`
	Remaining string `json:"remaining"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

type listOrdersResponse struct {
	Orders     []orderItem `json:"orders"`
	NextCursor string      `json:"next_cursor,omitempty"`
}

type tradeItem struct {
	TradeID    string `json:"trade_id"`
	Asset      string `json:"asset"`
	Price      string `json:"price"`
	Quantity   string `json:"quantity"`
	Status     string `json:"status"`
	ExecutedAt string `json:"executed_at"`
	SettledAt  string `json:"settled_at,omitempty"`
}

type balanceItem struct {
	Asset     string `json:"asset"`
	Available string `json:"available"`
	Reserved  string `json:"reserved"`
	Total     string `json:"total"`
}

type bookLevel struct {
	Price    string `json:"price"`
	Quantity string `json:"quantity"`
	Orders   int    `json:"orders"`
}

type bookResponse struct {
	Asset     string      `json:"asset"`
	Bids      []bookLevel `json:"bids"`
	Asks      []bookLevel `json:"asks"`
	FetchedAt string      `json:"fetched_at"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (h *Handler) CreateOrder(c *gin.Context) {
	userID, ok := auth.UserIDFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing user")
		return
	}

	var req createOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid payload")
		return
	}

	price, err := decimal.NewFromString(strings.TrimSpace(req.Price))
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid price")
		return
	}
	quantity, err := decimal.NewFromString(strings.TrimSpace(req.Quantity))
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid quantity")
		return
	}

	input := service.SubmitOrderInput{
		UserID:        userID,
		Asset:         req.Asset,
		Side:          req.Side,
		Price:         price,
		Quantity:      quantity,
		CorrelationID: requestIDFromContext(c),
	}

	result, err := h.Service.SubmitOrder(c.Request.Context(), input)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrInsufficientFunds):
			writeError(c, http.StatusBadRequest, "INSUFFICIENT_FUNDS", "insufficient funds to back the order")
		case errors.Is(err, service.ErrAssetNotTradable):
			writeError(c, http.StatusBadRequest, "UNKNOWN_ASSET", "asset not tradable")
		case errors.Is(err, service.ErrInvalidSide),
			errors.Is(err, service.ErrInvalidPrice),
			errors.Is(err, service.ErrInvalidQuantity):
			writeError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		default:
			// Matching may fail after admission; the order stands either
			// way, but the caller should not mistake this for success.
			h.Logger.Error("submit order failed", "error", err)
			writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error")
		}
		return
	}

	resp := createOrderResponse{
		OrderID:   result.Order.ID.String(),
		Status:    result.Order.Status,
		Remaining: result.Order.Remaining.String(),
		Fills:     result.Fills,
		CreatedAt: result.Order.CreatedAt.UTC().Format(time.RFC3339),
	}
	c.JSON(http.StatusCreated, resp)
}

func (h *Handler) ListOrders(c *gin.Context) {
	userID, ok := auth.UserIDFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing user")
		return
	}

	filter := storage.OrderFilter{
		Asset:    strings.TrimSpace(c.Query("asset")),
		Status:   strings.ToLower(strings.TrimSpace(c.Query("status"))),
		OpenOnly: c.Query("open") == "true",
		Cursor:   strings.TrimSpace(c.Query("cursor")),
	}
	if limitStr := strings.TrimSpace(c.Query("limit")); limitStr != "" {
		n, err := strconv.Atoi(limitStr)
		if err != nil {
			writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid limit")
			return
		}
		filter.Limit = n
	}

	orders, nextCursor, err := h.Service.ListOrders(c.Request.Context(), userID, filter)
	if err != nil {
		if errors.Is(err, storage.ErrInvalidCursor) {
			writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid cursor")
			return
		}
		h.Logger.Error("list orders failed", "error", err)
		writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error")
		return
	}

	items := make([]orderItem, 0, len(orders))
	for _, order := range orders {
		items = append(items, orderToItem(order))
	}
	c.JSON(http.StatusOK, listOrdersResponse{Orders: items, NextCursor: nextCursor})
}

func (h *Handler) GetOrder(c *gin.Context) {
	userID, ok := auth.UserIDFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing user")
		return
	}

	orderID, err := parseUUIDParam(c.Param("id"))
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid order_id")
		return
	}

	order, err := h.Service.GetOrder(c.Request.Context(), userID, orderID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(c, http.StatusNotFound, "ORDER_NOT_FOUND", "order not found")
			return
		}
		h.Logger.Error("get order failed", "error", err)
		writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error")
		return
	}
	c.JSON(http.StatusOK, orderToItem(*order))
}

func (h *Handler) CancelOrder(c *gin.Context) {
	userID, ok := auth.UserIDFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing user")
		return
	}

	orderID, err := parseUUIDParam(c.Param("id"))
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid order_id")
		return
	}

	order, err := h.Service.CancelOrder(c.Request.Context(), service.CancelOrderInput{
		UserID:        userID,
		OrderID:       orderID,
		CorrelationID: requestIDFromContext(c),
	})
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound), errors.Is(err, storage.ErrNotOwner):
			// Not revealing whether the order exists under another user.
			writeError(c, http.StatusNotFound, "ORDER_NOT_FOUND", "order not found")
		case errors.Is(err, storage.ErrNotCancellable):
			writeError(c, http.StatusConflict, "NOT_CANCELLABLE", "order already filled or cancelled")
		default:
			h.Logger.Error("cancel order failed", "error", err)
			writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error")
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"order_id":   order.ID.String(),
		"status":     order.Status,
		"updated_at": order.UpdatedAt.UTC().Format(time.RFC3339),
	})
}

func (h *Handler) ListTrades(c *gin.Context) {
	userID, ok := auth.UserIDFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing user")
		return
	}

	filter := storage.TradeFilter{
		Asset:  strings.TrimSpace(c.Query("asset")),
		Status: strings.ToLower(strings.TrimSpace(c.Query("status"))),
	}
	if limitStr := strings.TrimSpace(c.Query("limit")); limitStr != "" {
		n, err := strconv.Atoi(limitStr)
		if err != nil {
			writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid limit")
			return
		}
		filter.Limit = n
	}

	trades, err := h.Service.TradeHistory(c.Request.Context(), userID, filter)
	if err != nil {
		h.Logger.Error("list trades failed", "error", err)
		writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error")
		return
	}

	items := make([]tradeItem, 0, len(trades))
	for _, trade := range trades {
		item := tradeItem{
			TradeID:    trade.ID.String(),
			Asset:      trade.Asset,
			Price:      trade.Price.String(),
			Quantity:   trade.Quantity.String(),
			Status:     trade.Status,
			ExecutedAt: trade.ExecutedAt.UTC().Format(time.RFC3339),
		}
		if trade.SettledAt != nil {
			item.SettledAt = trade.SettledAt.UTC().Format(time.RFC3339)
		}
		items = append(items, item)
	}
	c.JSON(http.StatusOK, gin.H{"trades": items})
}

func (h *Handler) ListBalances(c *gin.Context) {
	userID, ok := auth.UserIDFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing user")
		return
	}

	balances, err := h.Service.GetBalances(c.Request.Context(), userID)
	if err != nil {
		h.Logger.Error("list balances failed", "error", err)
		writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error")
		return
	}

	items := make([]balanceItem, 0, len(balances))
	for _, bal := range balances {
		items = append(items, balanceItem{
			Asset:     bal.Asset,
			Available: bal.Available.String(),
			Reserved:  bal.Reserved.String(),
			Total:     bal.Total().String(),
		})
	}
	c.JSON(http.StatusOK, gin.H{"balances": items})
}

func (h *Handler) GetBook(c *gin.Context) {
	if _, ok := auth.UserIDFromContext(c); !ok {
		writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing user")
		return
	}

	snap, err := h.Service.BookSnapshot(c.Request.Context(), c.Param("symbol"))
	if err != nil {
		if errors.Is(err, storage.ErrUnknownAsset) {
			writeError(c, http.StatusNotFound, "UNKNOWN_ASSET", "unknown asset")
			return
		}
		h.Logger.Error("book snapshot failed", "error", err)
		writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error")
		return
	}

	resp := bookResponse{
		Asset:     snap.Asset,
		Bids:      levelsToItems(snap.Bids),
		Asks:      levelsToItems(snap.Asks),
		FetchedAt: snap.FetchedAt.UTC().Format(time.RFC3339),
	}
	c.JSON(http.StatusOK, resp)
}

func levelsToItems(levels []storage.PriceLevel) []bookLevel {
	items := make([]bookLevel, 0, len(levels))
	for _, level := range levels {
		items = append(items, bookLevel{
			Price:    level.Price.String(),
			Quantity: level.Quantity.String(),
			Orders:   level.Orders,
		})
	}
	return items
}

func orderToItem(order storage.Order) orderItem {
	return orderItem{
		OrderID:   order.ID.String(),
		Asset:     order.Asset,
		Side:      order.Side,
		Price:     order.Price.String(),
		Quantity:  order.Quantity.String(),
		Remaining: order.Remaining.String(),
		Status:    order.Status,
		CreatedAt: order.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt: order.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func parseUUIDParam(value string) (uuid.UUID, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return uuid.Nil, errors.New("missing id")
	}
	return uuid.Parse(trimmed)
}

func writeError(c *gin.Context, status int, code, message string) {
	c.JSON(status, errorResponse{Code: code, Message: message})
}

func requestIDFromContext(c *gin.Context) string {
	if val, ok := c.Get("X-Request-ID"); ok {
		if s, ok := val.(string); ok {
			return s
		}
	}
	return ""
}
