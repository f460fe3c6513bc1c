package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/xtrntr/spotexchange/internal/auth"
	"github.com/xtrntr/spotexchange/internal/exchange"
	"github.com/xtrntr/spotexchange/internal/models"
	"github.com/xtrntr/spotexchange/internal/notify"
	"go.uber.org/zap"
)

type contextKey struct{}

var userIDKey = contextKey{}

// UserIDFromContext returns the authenticated user set by JWTAuthMiddleware
func UserIDFromContext(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(userIDKey).(int64)
	return id, ok
}

// Handler contains dependencies for HTTP handlers
type Handler struct {
	Exchange    *exchange.Exchange
	AuthService *auth.AuthService
	Hub         *notify.Hub
	logger      *zap.Logger
}

// NewHandler creates a new handler
func NewHandler(ex *exchange.Exchange, authService *auth.AuthService, hub *notify.Hub, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{Exchange: ex, AuthService: authService, Hub: hub, logger: logger}
}

// Routes mounts every endpoint on r
func (h *Handler) Routes(r chi.Router) {
	r.Post("/auth/register", h.Register)
	r.Post("/auth/login", h.Login)
	r.Get("/ws", h.WebSocket)

	// Protected endpoints (require JWT)
	r.Group(func(r chi.Router) {
		r.Use(h.JWTAuthMiddleware)
		r.Get("/profile", h.GetProfile)
		r.Get("/orderbook", h.GetOrderBook)
		r.Get("/orders", h.GetUserOrders)
		r.Post("/orders", h.PlaceOrder)
		r.Post("/orders/{id}/cancel", h.CancelOrder)
		r.Delete("/orders/{id}", h.CancelOrder)
		r.Get("/trades", h.GetUserTrades)
	})
}

type credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Register handles user registration
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req credentials
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	user, err := h.AuthService.Register(r.Context(), req.Username, req.Password)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"id":       user.ID,
		"username": user.Username,
	})
}

// Login handles user login
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req credentials
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	token, err := h.AuthService.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func bearerToken(r *http.Request) string {
	token := r.Header.Get("Authorization")
	// Remove "Bearer " prefix if present
	if len(token) > 7 && strings.EqualFold(token[:7], "Bearer ") {
		token = token[7:]
	}
	return token
}

// JWTAuthMiddleware verifies JWT tokens
func (h *Handler) JWTAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := bearerToken(r)
		if tokenString == "" {
			writeError(w, http.StatusUnauthorized, "Authorization header required")
			return
		}

		userID, err := h.AuthService.GetUserFromToken(tokenString)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "Invalid or expired token")
			return
		}

		ctx := context.WithValue(r.Context(), userIDKey, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type placeOrderRequest struct {
	Symbol string      `json:"symbol"`
	Side   models.Side `json:"side"`
	Price  json.Number `json:"price"`
	Amount json.Number `json:"amount"`
}

// PlaceOrder reserves, persists and tries to match a limit order
func (h *Handler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	var req placeOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	price, err := models.ParseAmount(req.Price.String())
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid price: "+err.Error())
		return
	}
	amount, err := models.ParseAmount(req.Amount.String())
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid amount: "+err.Error())
		return
	}

	order, err := h.Exchange.SubmitOrder(r.Context(), userID, exchange.OrderRequest{
		Symbol: req.Symbol,
		Side:   models.Side(strings.ToLower(string(req.Side))),
		Price:  price,
		Amount: amount,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"message":  "Order placed",
		"order_id": order.ID,
		"order":    order,
	})
}

// CancelOrder cancels an open order and releases its reservation
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	orderID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || orderID <= 0 {
		writeError(w, http.StatusBadRequest, "Invalid order ID")
		return
	}

	order, err := h.Exchange.CancelOrder(r.Context(), userID, orderID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "Order cancelled",
		"order":   order,
	})
}

// GetUserOrders retrieves a user's orders
func (h *Handler) GetUserOrders(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	orders, err := h.Exchange.UserOrders(r.Context(), userID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if orders == nil {
		orders = []models.Order{}
	}
	writeJSON(w, http.StatusOK, orders)
}

// GetUserTrades retrieves a user's trade history
func (h *Handler) GetUserTrades(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	trades, err := h.Exchange.UserTrades(r.Context(), userID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if trades == nil {
		trades = []models.Trade{}
	}
	writeJSON(w, http.StatusOK, trades)
}

// GetOrderBook retrieves the open orders of ?symbol=, BTC when omitted
func (h *Handler) GetOrderBook(w http.ResponseWriter, r *http.Request) {
	symbol := r.URL.Query().Get("symbol")
	if symbol == "" {
		symbol = h.Exchange.Symbols()[0]
	}
	book, err := h.Exchange.Orderbook(r.Context(), symbol)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, book)
}

type assetView struct {
	Symbol    string          `json:"symbol"`
	Available decimal.Decimal `json:"available"`
	Locked    decimal.Decimal `json:"locked"`
	Total     decimal.Decimal `json:"total"`
}

// GetProfile returns the caller's balance and holdings
func (h *Handler) GetProfile(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	profile, err := h.Exchange.Profile(r.Context(), userID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	assets := make([]assetView, 0, len(profile.Assets))
	for _, a := range profile.Assets {
		assets = append(assets, assetView{
			Symbol:    a.Symbol,
			Available: a.Available,
			Locked:    a.Locked,
			Total:     a.Total(),
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":       profile.User.ID,
		"username": profile.User.Username,
		"balance":  profile.User.Balance,
		"assets":   assets,
	})
}

// Orderbooks snapshots every symbol's book
func (h *Handler) Orderbooks(ctx context.Context) ([]*exchange.Orderbook, error) {
	var books []*exchange.Orderbook
	for _, symbol := range h.Exchange.Symbols() {
		book, err := h.Exchange.Orderbook(ctx, symbol)
		if err != nil {
			return nil, err
		}
		books = append(books, book)
	}
	return books, nil
}

// BroadcastOrderbooks pushes a snapshot of every book to all websocket clients
func (h *Handler) BroadcastOrderbooks(ctx context.Context) {
	books, err := h.Orderbooks(ctx)
	if err != nil {
		h.logger.Warn("failed to snapshot order books", zap.Error(err))
		return
	}
	if err := h.Hub.Broadcast(notify.MessageOrderbook, books); err != nil {
		h.logger.Warn("failed to broadcast order books", zap.Error(err))
	}
}

// WebSocket streams the caller's trade events and order book snapshots.
// Browsers cannot set headers on the upgrade, so ?token= is accepted too.
func (h *Handler) WebSocket(w http.ResponseWriter, r *http.Request) {
	tokenString := r.URL.Query().Get("token")
	if tokenString == "" {
		tokenString = bearerToken(r)
	}
	userID, err := h.AuthService.GetUserFromToken(tokenString)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "Invalid or expired token")
		return
	}

	books, err := h.Orderbooks(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.Hub.ServeWS(w, r, userID, &notify.Message{Type: notify.MessageOrderbook, Data: books})
}
