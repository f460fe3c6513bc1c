package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Valid reports whether s is buy or sell
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// Opposite returns the side a counter-order must have
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderStatus is the lifecycle state of an order. The numeric values are
// what the orders.status column stores.
type OrderStatus int16

const (
	StatusOpen      OrderStatus = 1
	StatusFilled    OrderStatus = 2
	StatusCancelled OrderStatus = 3
)

func (s OrderStatus) String() string {
	switch s {
	case StatusOpen:
		return "open"
	case StatusFilled:
		return "filled"
	case StatusCancelled:
		return "cancelled"
	}
	return fmt.Sprintf("status(%d)", int16(s))
}

// MarshalText renders the status by name in JSON responses
func (s OrderStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a status name
func (s *OrderStatus) UnmarshalText(b []byte) error {
	switch string(b) {
	case "open":
		*s = StatusOpen
	case "filled":
		*s = StatusFilled
	case "cancelled":
		*s = StatusCancelled
	default:
		return fmt.Errorf("unknown order status %q", string(b))
	}
	return nil
}

// User represents a registered user and their quote-currency balance
type User struct {
	ID           int64           `json:"id"`
	Username     string          `json:"username"`
	PasswordHash string          `json:"-"`
	Balance      decimal.Decimal `json:"balance"`
	CreatedAt    time.Time       `json:"created_at"`
}

// Asset is a user's holding of one symbol. Available can be used by new
// sell orders; Locked is reserved by resting sell orders.
type Asset struct {
	ID        int64           `json:"-"`
	UserID    int64           `json:"user_id"`
	Symbol    string          `json:"symbol"`
	Available decimal.Decimal `json:"available"`
	Locked    decimal.Decimal `json:"locked"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Total is available plus locked
func (a Asset) Total() decimal.Decimal {
	return a.Available.Add(a.Locked)
}

// Order represents a buy or sell limit order
type Order struct {
	ID        int64           `json:"id"`
	UserID    int64           `json:"user_id"`
	Symbol    string          `json:"symbol"`
	Side      Side            `json:"side"`
	Price     decimal.Decimal `json:"price"`  // Price in USD
	Amount    decimal.Decimal `json:"amount"` // Amount of the asset
	Status    OrderStatus     `json:"status"`
	CreatedAt time.Time       `json:"created_at"` // Used for time priority
}

// Notional is price × amount, the quote amount a buy order reserves
func (o Order) Notional() decimal.Decimal {
	return Mul(o.Price, o.Amount)
}

// IsOpen reports whether the order can still be matched or cancelled
func (o Order) IsOpen() bool {
	return o.Status == StatusOpen
}

// Trade represents an executed match between a buy and a sell order
type Trade struct {
	ID          int64           `json:"id"`
	BuyOrderID  int64           `json:"buy_order_id"`
	SellOrderID int64           `json:"sell_order_id"`
	BuyerID     int64           `json:"buyer_id"`
	SellerID    int64           `json:"seller_id"`
	Symbol      string          `json:"symbol"`
	Price       decimal.Decimal `json:"price"`
	Amount      decimal.Decimal `json:"amount"`
	Volume      decimal.Decimal `json:"volume"`
	Commission  decimal.Decimal `json:"commission"`
	CreatedAt   time.Time       `json:"created_at"`
}
