// Package memstore is an in-process implementation of store.Store. Row
// locks come from a lock table keyed by entity; writes are staged per
// transaction and applied together on commit.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/xtrntr/spotexchange/internal/models"
	"github.com/xtrntr/spotexchange/internal/store"
)

var (
	_ store.Store     = (*Store)(nil)
	_ store.UserStore = (*Store)(nil)
	_ store.Seeder    = (*Store)(nil)
)

// DefaultLockTimeout bounds every lock wait
const DefaultLockTimeout = 5 * time.Second

type assetKey struct {
	userID int64
	symbol string
}

type outboxEntry struct {
	event     models.TradeEvent
	delivered bool
}

// Store keeps committed state in maps guarded by mu. Transactions read it
// under mu and keep their own writes until commit.
type Store struct {
	mu      sync.RWMutex
	users   map[int64]models.User
	byName  map[string]int64
	assets  map[assetKey]models.Asset
	orders  map[int64]models.Order
	books   map[bookKey]*book
	trades  []models.Trade
	outbox  []outboxEntry
	eventAt map[uuid.UUID]int

	userSeq, assetSeq, orderSeq, tradeSeq atomic.Int64

	locks       *lockTable
	lockTimeout time.Duration
	now         func() time.Time
}

// Option configures a Store
type Option func(*Store)

// WithLockTimeout sets how long a transaction waits for a row lock
func WithLockTimeout(d time.Duration) Option {
	return func(s *Store) { s.lockTimeout = d }
}

// New creates an empty store
func New(opts ...Option) *Store {
	s := &Store{
		users:       make(map[int64]models.User),
		byName:      make(map[string]int64),
		assets:      make(map[assetKey]models.Asset),
		orders:      make(map[int64]models.Order),
		books:       make(map[bookKey]*book),
		eventAt:     make(map[uuid.UUID]int),
		locks:       newLockTable(),
		lockTimeout: DefaultLockTimeout,
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// WithTx runs fn in a transaction
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	t := s.begin()
	defer func() {
		if p := recover(); p != nil {
			t.rollback()
			panic(p)
		}
	}()

	if err := fn(ctx, t); err != nil {
		t.rollback()
		return err
	}
	t.commit()
	return nil
}

func (s *Store) book(symbol string, side models.Side) *book {
	k := bookKey{symbol: symbol, side: side}
	b, ok := s.books[k]
	if !ok {
		b = newBook(side)
		s.books[k] = b
	}
	return b
}

// applyOrder stores o and keeps the books in step. Caller holds mu.
func (s *Store) applyOrder(o models.Order) {
	b := s.book(o.Symbol, o.Side)
	if prev, ok := s.orders[o.ID]; ok && prev.IsOpen() {
		b.remove(prev)
	}
	if o.IsOpen() {
		b.add(o)
	}
	s.orders[o.ID] = o
}

// CreateUser inserts a new user with a zero balance
func (s *Store) CreateUser(ctx context.Context, username, passwordHash string) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byName[username]; ok {
		return nil, fmt.Errorf("failed to create user: %w", models.ErrUserExists)
	}
	u := models.User{
		ID:           s.userSeq.Add(1),
		Username:     username,
		PasswordHash: passwordHash,
		Balance:      decimal.Zero,
		CreatedAt:    s.now(),
	}
	s.users[u.ID] = u
	s.byName[username] = u.ID
	return &u, nil
}

// GetUserByUsername retrieves a user by username
func (s *Store) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byName[username]
	if !ok {
		return nil, fmt.Errorf("failed to get user: %w", models.ErrUserNotFound)
	}
	u := s.users[id]
	return &u, nil
}

// GetUser retrieves a user by id
func (s *Store) GetUser(ctx context.Context, userID int64) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[userID]
	if !ok {
		return nil, fmt.Errorf("failed to get user: %w", models.ErrUserNotFound)
	}
	return &u, nil
}

// GetUserAssets returns a user's holdings ordered by symbol
func (s *Store) GetUserAssets(ctx context.Context, userID int64) ([]models.Asset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var assets []models.Asset
	for k, a := range s.assets {
		if k.userID == userID {
			assets = append(assets, a)
		}
	}
	sort.Slice(assets, func(i, j int) bool { return assets[i].Symbol < assets[j].Symbol })
	return assets, nil
}

// GetOpenOrders returns both sides of symbol's book
func (s *Store) GetOpenOrders(ctx context.Context, symbol string) ([]models.Order, []models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.book(symbol, models.SideBuy).list(), s.book(symbol, models.SideSell).list(), nil
}

// GetUserOrders returns all orders of a user, newest first
func (s *Store) GetUserOrders(ctx context.Context, userID int64) ([]models.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var orders []models.Order
	for _, o := range s.orders {
		if o.UserID == userID {
			orders = append(orders, o)
		}
	}
	sort.Slice(orders, func(i, j int) bool { return orders[i].ID > orders[j].ID })
	return orders, nil
}

// GetUserTrades returns trades where the user bought or sold, newest first
func (s *Store) GetUserTrades(ctx context.Context, userID int64) ([]models.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var trades []models.Trade
	for i := len(s.trades) - 1; i >= 0; i-- {
		t := s.trades[i]
		if t.BuyerID == userID || t.SellerID == userID {
			trades = append(trades, t)
		}
	}
	return trades, nil
}

// PendingEvents returns undelivered outbox events, oldest first
func (s *Store) PendingEvents(ctx context.Context, limit int) ([]models.TradeEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var events []models.TradeEvent
	for _, e := range s.outbox {
		if len(events) >= limit {
			break
		}
		if !e.delivered {
			events = append(events, e.event)
		}
	}
	return events, nil
}

// MarkEventsDelivered flags events so they are not handed out again
func (s *Store) MarkEventsDelivered(ctx context.Context, ids []uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		if i, ok := s.eventAt[id]; ok {
			s.outbox[i].delivered = true
		}
	}
	return nil
}

// CreditBalance adds amount to a user's balance
func (s *Store) CreditBalance(ctx context.Context, userID int64, amount decimal.Decimal) error {
	return s.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		u, err := tx.LockUser(ctx, userID)
		if err != nil {
			return err
		}
		u.Balance = u.Balance.Add(amount)
		return tx.SaveUserBalance(ctx, u)
	})
}

// CreditAsset adds amount to a user's available holding of symbol
func (s *Store) CreditAsset(ctx context.Context, userID int64, symbol string, amount decimal.Decimal) error {
	return s.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		a, err := tx.LockAsset(ctx, userID, symbol)
		if err != nil {
			return err
		}
		a.Available = a.Available.Add(amount)
		return tx.SaveAsset(ctx, a)
	})
}
