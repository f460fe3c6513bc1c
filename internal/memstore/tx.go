package memstore

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/xtrntr/spotexchange/internal/models"
)

// tx stages writes on rows it has locked. Rows it has not locked are read
// from committed state.
type tx struct {
	s      *Store
	held   []string
	holds  map[string]struct{}
	users  map[int64]*models.User
	assets map[assetKey]*models.Asset
	orders map[int64]*models.Order
	trades []models.Trade
	events []models.TradeEvent
}

func (s *Store) begin() *tx {
	return &tx{
		s:      s,
		holds:  make(map[string]struct{}),
		users:  make(map[int64]*models.User),
		assets: make(map[assetKey]*models.Asset),
		orders: make(map[int64]*models.Order),
	}
}

func userLock(id int64) string    { return fmt.Sprintf("user:%d", id) }
func assetLock(k assetKey) string { return fmt.Sprintf("asset:%d:%s", k.userID, k.symbol) }
func orderLock(id int64) string   { return fmt.Sprintf("order:%d", id) }

// lock is reentrant within the transaction
func (t *tx) lock(ctx context.Context, key string) error {
	if _, ok := t.holds[key]; ok {
		return nil
	}
	if err := t.s.locks.acquire(ctx, key, t.s.lockTimeout); err != nil {
		return err
	}
	t.holds[key] = struct{}{}
	t.held = append(t.held, key)
	return nil
}

func (t *tx) requireLock(key string) error {
	if _, ok := t.holds[key]; !ok {
		return fmt.Errorf("write to %s without holding its lock", key)
	}
	return nil
}

func (t *tx) LockUser(ctx context.Context, userID int64) (*models.User, error) {
	if err := t.lock(ctx, userLock(userID)); err != nil {
		return nil, err
	}
	if u, ok := t.users[userID]; ok {
		cp := *u
		return &cp, nil
	}

	t.s.mu.RLock()
	u, ok := t.s.users[userID]
	t.s.mu.RUnlock()
	if !ok {
		return nil, models.ErrUserNotFound
	}
	t.users[userID] = &u
	cp := u
	return &cp, nil
}

func (t *tx) SaveUserBalance(ctx context.Context, user *models.User) error {
	if err := t.requireLock(userLock(user.ID)); err != nil {
		return err
	}
	staged := t.users[user.ID]
	staged.Balance = user.Balance
	return nil
}

func (t *tx) LockAsset(ctx context.Context, userID int64, symbol string) (*models.Asset, error) {
	k := assetKey{userID: userID, symbol: symbol}
	if err := t.lock(ctx, assetLock(k)); err != nil {
		return nil, err
	}
	if a, ok := t.assets[k]; ok {
		cp := *a
		return &cp, nil
	}

	t.s.mu.RLock()
	a, ok := t.s.assets[k]
	_, userExists := t.s.users[userID]
	t.s.mu.RUnlock()
	if !ok {
		if !userExists {
			return nil, models.ErrUserNotFound
		}
		a = models.Asset{
			ID:        t.s.assetSeq.Add(1),
			UserID:    userID,
			Symbol:    symbol,
			Available: decimal.Zero,
			Locked:    decimal.Zero,
			UpdatedAt: t.s.now(),
		}
	}
	t.assets[k] = &a
	cp := a
	return &cp, nil
}

func (t *tx) SaveAsset(ctx context.Context, asset *models.Asset) error {
	k := assetKey{userID: asset.UserID, symbol: asset.Symbol}
	if err := t.requireLock(assetLock(k)); err != nil {
		return err
	}
	staged := t.assets[k]
	staged.Available = asset.Available
	staged.Locked = asset.Locked
	staged.UpdatedAt = t.s.now()
	return nil
}

func (t *tx) InsertOrder(ctx context.Context, order *models.Order) error {
	order.ID = t.s.orderSeq.Add(1)
	order.CreatedAt = t.s.now()
	if err := t.lock(ctx, orderLock(order.ID)); err != nil {
		return err
	}
	cp := *order
	t.orders[order.ID] = &cp
	return nil
}

func (t *tx) LockOrder(ctx context.Context, orderID int64) (*models.Order, error) {
	if err := t.lock(ctx, orderLock(orderID)); err != nil {
		return nil, err
	}
	if o, ok := t.orders[orderID]; ok {
		cp := *o
		return &cp, nil
	}

	t.s.mu.RLock()
	o, ok := t.s.orders[orderID]
	t.s.mu.RUnlock()
	if !ok {
		return nil, models.ErrOrderNotFound
	}
	t.orders[orderID] = &o
	cp := o
	return &cp, nil
}

func (t *tx) MatchCandidates(ctx context.Context, taker *models.Order) ([]models.Order, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()

	var out []models.Order
	t.s.book(taker.Symbol, taker.Side.Opposite()).each(func(o models.Order) bool {
		if taker.Side == models.SideBuy && o.Price.GreaterThan(taker.Price) {
			return false
		}
		if taker.Side == models.SideSell && o.Price.LessThan(taker.Price) {
			return false
		}
		if o.Amount.Equal(taker.Amount) {
			out = append(out, o)
		}
		return true
	})
	return out, nil
}

func (t *tx) TransitionOrder(ctx context.Context, orderID int64, from, to models.OrderStatus) error {
	if err := t.requireLock(orderLock(orderID)); err != nil {
		return err
	}
	o, ok := t.orders[orderID]
	if !ok {
		return models.ErrOrderNotFound
	}
	if o.Status != from {
		return fmt.Errorf("%w: order %d is %s", models.ErrInvalidOrderStatus, orderID, o.Status)
	}
	o.Status = to
	return nil
}

func (t *tx) InsertTrade(ctx context.Context, trade *models.Trade) error {
	trade.ID = t.s.tradeSeq.Add(1)
	trade.CreatedAt = t.s.now()
	t.trades = append(t.trades, *trade)
	return nil
}

func (t *tx) EnqueueEvent(ctx context.Context, event *models.TradeEvent) error {
	t.events = append(t.events, *event)
	return nil
}

func (t *tx) commit() {
	s := t.s
	s.mu.Lock()
	for id, u := range t.users {
		s.users[id] = *u
	}
	for k, a := range t.assets {
		s.assets[k] = *a
	}
	for _, o := range t.orders {
		s.applyOrder(*o)
	}
	s.trades = append(s.trades, t.trades...)
	for _, e := range t.events {
		s.eventAt[e.ID] = len(s.outbox)
		s.outbox = append(s.outbox, outboxEntry{event: e})
	}
	s.mu.Unlock()
	t.releaseAll()
}

func (t *tx) rollback() {
	t.releaseAll()
}

func (t *tx) releaseAll() {
	for i := len(t.held) - 1; i >= 0; i-- {
		t.s.locks.release(t.held[i])
	}
	t.held = nil
	t.holds = nil
}
