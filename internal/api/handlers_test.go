package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xtrntr/spotexchange/internal/auth"
	"github.com/xtrntr/spotexchange/internal/exchange"
	"github.com/xtrntr/spotexchange/internal/memstore"
	"github.com/xtrntr/spotexchange/internal/models"
	"github.com/xtrntr/spotexchange/internal/notify"
)

type testEnv struct {
	store  *memstore.Store
	auth   *auth.AuthService
	ex     *exchange.Exchange
	hub    *notify.Hub
	router *chi.Mux
}

func setup(t *testing.T) *testEnv {
	t.Helper()
	st := memstore.New(memstore.WithLockTimeout(time.Second))
	hub := notify.NewHub(nil)
	relay := notify.NewRelay(st, []notify.Publisher{hub})
	ex := exchange.NewExchange(st, exchange.WithNotifier(relay))
	authService := auth.NewAuthService(st, "test-secret", time.Hour)

	router := chi.NewRouter()
	NewHandler(ex, authService, hub, nil).Routes(router)
	return &testEnv{store: st, auth: authService, ex: ex, hub: hub, router: router}
}

// user registers username and returns its id and a bearer token
func (e *testEnv) user(t *testing.T, username, usd string, assets map[string]string) (int64, string) {
	t.Helper()
	ctx := context.Background()
	u, err := e.auth.Register(ctx, username, "testpass")
	require.NoError(t, err)
	if usd != "" {
		require.NoError(t, e.store.CreditBalance(ctx, u.ID, decimal.RequireFromString(usd)))
	}
	for symbol, amount := range assets {
		require.NoError(t, e.store.CreditAsset(ctx, u.ID, symbol, decimal.RequireFromString(amount)))
	}
	token, err := e.auth.Login(ctx, username, "testpass")
	require.NoError(t, err)
	return u.ID, token
}

func (e *testEnv) do(t *testing.T, method, path, token string, body interface{}) (int, map[string]interface{}) {
	t.Helper()
	var reader *bytes.Reader
	if s, ok := body.(string); ok {
		reader = bytes.NewReader([]byte(s))
	} else {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)

	var response map[string]interface{}
	if strings.HasPrefix(strings.TrimSpace(w.Body.String()), "{") {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	}
	return w.Code, response
}

func TestHandler_Register(t *testing.T) {
	e := setup(t)

	tests := []struct {
		name           string
		requestBody    interface{}
		expectedStatus int
		expectedBody   map[string]interface{}
	}{
		{
			name:           "Success",
			requestBody:    map[string]interface{}{"username": "testuser", "password": "testpass"},
			expectedStatus: http.StatusCreated,
			expectedBody:   map[string]interface{}{"id": float64(1), "username": "testuser"},
		},
		{
			name:           "Duplicate",
			requestBody:    map[string]interface{}{"username": "testuser", "password": "other"},
			expectedStatus: http.StatusConflict,
		},
		{
			name:           "Missing Password",
			requestBody:    map[string]interface{}{"username": "testuser2"},
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "Malformed Body",
			requestBody:    "{not json",
			expectedStatus: http.StatusBadRequest,
			expectedBody:   map[string]interface{}{"error": "Invalid request body"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, response := e.do(t, http.MethodPost, "/auth/register", "", tt.requestBody)
			assert.Equal(t, tt.expectedStatus, status)
			if tt.expectedBody != nil {
				assert.Equal(t, tt.expectedBody, response)
			} else if status >= 400 {
				assert.Contains(t, response, "error")
			}
		})
	}
}

func TestHandler_Login(t *testing.T) {
	e := setup(t)
	_, err := e.auth.Register(context.Background(), "testuser", "testpass")
	require.NoError(t, err)

	tests := []struct {
		name           string
		requestBody    map[string]interface{}
		expectedStatus int
		expectToken    bool
	}{
		{
			name:           "Success",
			requestBody:    map[string]interface{}{"username": "testuser", "password": "testpass"},
			expectedStatus: http.StatusOK,
			expectToken:    true,
		},
		{
			name:           "Invalid Credentials",
			requestBody:    map[string]interface{}{"username": "testuser", "password": "wrongpass"},
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:           "Unknown User",
			requestBody:    map[string]interface{}{"username": "nobody", "password": "testpass"},
			expectedStatus: http.StatusUnauthorized,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, response := e.do(t, http.MethodPost, "/auth/login", "", tt.requestBody)
			assert.Equal(t, tt.expectedStatus, status)
			if tt.expectToken {
				assert.NotEmpty(t, response["token"])
			} else {
				assert.Contains(t, response, "error")
			}
		})
	}
}

func TestHandler_RequiresToken(t *testing.T) {
	e := setup(t)

	for _, path := range []string{"/profile", "/orders", "/trades", "/orderbook"} {
		status, response := e.do(t, http.MethodGet, path, "", nil)
		assert.Equal(t, http.StatusUnauthorized, status, path)
		assert.Equal(t, "Authorization header required", response["error"])

		status, _ = e.do(t, http.MethodGet, path, "garbage", nil)
		assert.Equal(t, http.StatusUnauthorized, status, path)
	}
}

func TestHandler_PlaceOrder(t *testing.T) {
	e := setup(t)
	_, token := e.user(t, "testuser", "1000", map[string]string{"BTC": "1"})

	tests := []struct {
		name           string
		requestBody    interface{}
		expectedStatus int
		expectedError  string
	}{
		{
			name:           "Success - Buy Order",
			requestBody:    map[string]interface{}{"symbol": "BTC", "side": "buy", "price": "100", "amount": "1"},
			expectedStatus: http.StatusCreated,
		},
		{
			name:           "Success - Numeric Fields",
			requestBody:    `{"symbol": "btc", "side": "SELL", "price": 150.5, "amount": 0.5}`,
			expectedStatus: http.StatusCreated,
		},
		{
			name:           "Invalid Side",
			requestBody:    map[string]interface{}{"symbol": "BTC", "side": "hold", "price": "100", "amount": "1"},
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "Unknown Symbol",
			requestBody:    map[string]interface{}{"symbol": "DOGE", "side": "buy", "price": "1", "amount": "1"},
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "Too Many Decimals",
			requestBody:    map[string]interface{}{"symbol": "BTC", "side": "buy", "price": "1", "amount": "0.000000001"},
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "Price Out Of Range",
			requestBody:    map[string]interface{}{"symbol": "BTC", "side": "sell", "price": "1e13", "amount": "1"},
			expectedStatus: http.StatusBadRequest,
			expectedError:  "invalid order",
		},
		{
			name:           "Missing Price",
			requestBody:    map[string]interface{}{"symbol": "BTC", "side": "buy", "amount": "1"},
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "Insufficient Balance",
			requestBody:    map[string]interface{}{"symbol": "BTC", "side": "buy", "price": "1000", "amount": "1"},
			expectedStatus: http.StatusBadRequest,
			expectedError:  "insufficient balance",
		},
		{
			name:           "Insufficient Asset",
			requestBody:    map[string]interface{}{"symbol": "ETH", "side": "sell", "price": "1", "amount": "1"},
			expectedStatus: http.StatusBadRequest,
			expectedError:  "insufficient asset",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, response := e.do(t, http.MethodPost, "/orders", token, tt.requestBody)
			assert.Equal(t, tt.expectedStatus, status)
			if status == http.StatusCreated {
				assert.Equal(t, "Order placed", response["message"])
				order := response["order"].(map[string]interface{})
				assert.Equal(t, "open", order["status"])
				assert.Equal(t, "BTC", order["symbol"])
				return
			}
			require.Contains(t, response, "error")
			if tt.expectedError != "" {
				assert.Contains(t, response["error"], tt.expectedError)
			}
		})
	}
}

func TestHandler_MatchAndHistory(t *testing.T) {
	e := setup(t)
	_, alice := e.user(t, "alice", "100000", nil)
	_, bob := e.user(t, "bob", "50000", map[string]string{"BTC": "5"})

	status, _ := e.do(t, http.MethodPost, "/orders", bob, map[string]interface{}{
		"symbol": "BTC", "side": "sell", "price": "20000", "amount": "1",
	})
	require.Equal(t, http.StatusCreated, status)
	status, response := e.do(t, http.MethodPost, "/orders", alice, map[string]interface{}{
		"symbol": "BTC", "side": "buy", "price": "21000", "amount": "1",
	})
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, "filled", response["order"].(map[string]interface{})["status"])

	status, profile := e.do(t, http.MethodGet, "/profile", bob, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "69700", profile["balance"])
	assets := profile["assets"].([]interface{})
	require.Len(t, assets, 1)
	btc := assets[0].(map[string]interface{})
	assert.Equal(t, "4", btc["available"])
	assert.Equal(t, "4", btc["total"])

	req := httptest.NewRequest(http.MethodGet, "/trades", nil)
	req.Header.Set("Authorization", "Bearer "+alice)
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	var trades []models.Trade
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &trades))
	require.Len(t, trades, 1)
	assert.Equal(t, "20000", trades[0].Price.String())
	assert.Equal(t, "300", trades[0].Commission.String())

	req = httptest.NewRequest(http.MethodGet, "/orders", nil)
	req.Header.Set("Authorization", "Bearer "+alice)
	w = httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	var orders []models.Order
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &orders))
	require.Len(t, orders, 1)
	assert.Equal(t, models.StatusFilled, orders[0].Status)
}

func TestHandler_GetOrderBook(t *testing.T) {
	e := setup(t)
	_, token := e.user(t, "testuser", "1000", map[string]string{"ETH": "2"})

	for _, body := range []map[string]interface{}{
		{"symbol": "ETH", "side": "buy", "price": "100", "amount": "1"},
		{"symbol": "ETH", "side": "sell", "price": "110", "amount": "1"},
	} {
		status, _ := e.do(t, http.MethodPost, "/orders", token, body)
		require.Equal(t, http.StatusCreated, status)
	}

	status, response := e.do(t, http.MethodGet, "/orderbook?symbol=eth", token, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ETH", response["symbol"])
	assert.Len(t, response["buys"], 1)
	assert.Len(t, response["sells"], 1)

	status, response = e.do(t, http.MethodGet, "/orderbook", token, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "BTC", response["symbol"])
	assert.Empty(t, response["buys"])

	status, _ = e.do(t, http.MethodGet, "/orderbook?symbol=XRP", token, nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestHandler_CancelOrder(t *testing.T) {
	e := setup(t)
	_, alice := e.user(t, "alice", "1000", nil)
	_, bob := e.user(t, "bob", "1000", nil)

	status, response := e.do(t, http.MethodPost, "/orders", alice, map[string]interface{}{
		"symbol": "BTC", "side": "buy", "price": "100", "amount": "1",
	})
	require.Equal(t, http.StatusCreated, status)
	orderID := int64(response["order_id"].(float64))

	tests := []struct {
		name           string
		method         string
		path           string
		token          string
		expectedStatus int
	}{
		{name: "Invalid ID", method: http.MethodDelete, path: "/orders/abc", token: alice, expectedStatus: http.StatusBadRequest},
		{name: "Not Found", method: http.MethodDelete, path: "/orders/999", token: alice, expectedStatus: http.StatusNotFound},
		{name: "Other User", method: http.MethodDelete, path: fmt.Sprintf("/orders/%d", orderID), token: bob, expectedStatus: http.StatusForbidden},
		{name: "Success", method: http.MethodPost, path: fmt.Sprintf("/orders/%d/cancel", orderID), token: alice, expectedStatus: http.StatusOK},
		{name: "Already Cancelled", method: http.MethodDelete, path: fmt.Sprintf("/orders/%d", orderID), token: alice, expectedStatus: http.StatusConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, response := e.do(t, tt.method, tt.path, tt.token, nil)
			assert.Equal(t, tt.expectedStatus, status)
			if status == http.StatusOK {
				assert.Equal(t, "Order cancelled", response["message"])
			}
		})
	}

	status, profile := e.do(t, http.MethodGet, "/profile", alice, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "1000", profile["balance"])
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("wrapped: %w", models.ErrInsufficientBalance), http.StatusBadRequest},
		{models.ErrUnauthorizedCancellation, http.StatusForbidden},
		{models.ErrOrderNotFound, http.StatusNotFound},
		{models.ErrInvalidOrderStatus, http.StatusConflict},
		{fmt.Errorf("%w: deadlock", models.ErrTransient), http.StatusServiceUnavailable},
		{auth.ErrInvalidCredentials, http.StatusUnauthorized},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}

func TestHandler_WebSocket(t *testing.T) {
	e := setup(t)
	_, alice := e.user(t, "alice", "100000", nil)
	_, bob := e.user(t, "bob", "", map[string]string{"BTC": "1"})

	srv := httptest.NewServer(e.router)
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?token="

	_, resp, err := websocket.DefaultDialer.Dial(wsURL+"bogus", nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL+alice, nil)
	require.NoError(t, err)
	defer conn.Close()

	var snapshot notify.Message
	require.NoError(t, conn.ReadJSON(&snapshot))
	assert.Equal(t, notify.MessageOrderbook, snapshot.Type)
	require.Eventually(t, func() bool { return e.hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	status, _ := e.do(t, http.MethodPost, "/orders", bob, map[string]interface{}{
		"symbol": "BTC", "side": "sell", "price": "20000", "amount": "1",
	})
	require.Equal(t, http.StatusCreated, status)
	status, _ = e.do(t, http.MethodPost, "/orders", alice, map[string]interface{}{
		"symbol": "BTC", "side": "buy", "price": "20000", "amount": "1",
	})
	require.Equal(t, http.StatusCreated, status)

	// the relay is not running; drain it by hand
	relay := notify.NewRelay(e.store, []notify.Publisher{e.hub})
	n, err := relay.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	var msg struct {
		Type string            `json:"type"`
		Data models.TradeEvent `json:"data"`
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, models.EventTradeExecuted, msg.Type)
	assert.Equal(t, "20000", msg.Data.Trade.Volume.String())
}
