// Package store defines the persistence contract the exchange runs on.
// internal/db implements it on PostgreSQL, internal/memstore in process.
package store

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/xtrntr/spotexchange/internal/models"
)

// Tx is one atomic unit of work. Lock* methods take an exclusive row lock
// held until the transaction ends; a lock wait that cannot be granted
// fails with models.ErrTransient.
type Tx interface {
	// LockUser locks the user row. Returns models.ErrUserNotFound.
	LockUser(ctx context.Context, userID int64) (*models.User, error)
	SaveUserBalance(ctx context.Context, user *models.User) error

	// LockAsset locks the (user, symbol) holding, creating it empty first
	// if it does not exist yet.
	LockAsset(ctx context.Context, userID int64, symbol string) (*models.Asset, error)
	SaveAsset(ctx context.Context, asset *models.Asset) error

	// InsertOrder persists order and fills in ID and CreatedAt. The new
	// row is locked by this transaction.
	InsertOrder(ctx context.Context, order *models.Order) error
	// LockOrder locks the order row. Returns models.ErrOrderNotFound.
	LockOrder(ctx context.Context, orderID int64) (*models.Order, error)
	// MatchCandidates returns, without locking, the committed open orders
	// on the opposite side of taker with the same symbol and amount and a
	// compatible price, best price first then oldest first.
	MatchCandidates(ctx context.Context, taker *models.Order) ([]models.Order, error)
	// TransitionOrder moves a locked order from one status to another and
	// fails with models.ErrInvalidOrderStatus if it is not in from.
	TransitionOrder(ctx context.Context, orderID int64, from, to models.OrderStatus) error

	// InsertTrade persists trade and fills in ID and CreatedAt
	InsertTrade(ctx context.Context, trade *models.Trade) error
	// EnqueueEvent writes event to the outbox
	EnqueueEvent(ctx context.Context, event *models.TradeEvent) error
}

// Store runs transactions and serves read-only queries
type Store interface {
	// WithTx runs fn in a transaction, committing when fn returns nil and
	// rolling back otherwise. fn's error is returned unchanged.
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	GetUser(ctx context.Context, userID int64) (*models.User, error)
	GetUserAssets(ctx context.Context, userID int64) ([]models.Asset, error)
	// GetOpenOrders returns open orders of symbol, buys by price desc and
	// sells by price asc, each side oldest first within a price.
	GetOpenOrders(ctx context.Context, symbol string) (buys, sells []models.Order, err error)
	GetUserOrders(ctx context.Context, userID int64) ([]models.Order, error)
	GetUserTrades(ctx context.Context, userID int64) ([]models.Trade, error)

	EventStore
}

// EventStore is the outbox side of the store
type EventStore interface {
	// PendingEvents returns up to limit undelivered events, oldest first
	PendingEvents(ctx context.Context, limit int) ([]models.TradeEvent, error)
	MarkEventsDelivered(ctx context.Context, ids []uuid.UUID) error
}

// UserStore backs registration and login
type UserStore interface {
	CreateUser(ctx context.Context, username, passwordHash string) (*models.User, error)
	GetUserByUsername(ctx context.Context, username string) (*models.User, error)
}

// Seeder funds accounts outside of trading. Used by cmd/seed and tests.
type Seeder interface {
	CreditBalance(ctx context.Context, userID int64, amount decimal.Decimal) error
	CreditAsset(ctx context.Context, userID int64, symbol string, amount decimal.Decimal) error
}
