package exchange

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/xtrntr/spotexchange/internal/models"
	"github.com/xtrntr/spotexchange/internal/store"
	"go.uber.org/zap"
)

// DefaultSymbols are the tradable assets when none are configured
var DefaultSymbols = []string{"BTC", "ETH"}

// Notifier is told after a trade commits so queued events go out promptly
type Notifier interface {
	Notify()
}

// Exchange manages the order lifecycle: reservation, matching, settlement
// and cancellation. It holds no book of its own; every operation runs as a
// single store transaction, so any number of them may run concurrently.
type Exchange struct {
	store    store.Store
	symbols  map[string]struct{}
	logger   *zap.Logger
	notifier Notifier
}

// Option configures an Exchange
type Option func(*Exchange)

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Exchange) { e.logger = logger }
}

// WithNotifier sets who is told about committed trades
func WithNotifier(n Notifier) Option {
	return func(e *Exchange) { e.notifier = n }
}

// WithSymbols replaces the tradable symbol set
func WithSymbols(symbols ...string) Option {
	return func(e *Exchange) {
		e.symbols = make(map[string]struct{}, len(symbols))
		for _, s := range symbols {
			e.symbols[strings.ToUpper(strings.TrimSpace(s))] = struct{}{}
		}
	}
}

// NewExchange creates a new exchange on top of st
func NewExchange(st store.Store, opts ...Option) *Exchange {
	e := &Exchange{
		store:  st,
		logger: zap.NewNop(),
	}
	WithSymbols(DefaultSymbols...)(e)
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// OrderRequest is a limit order submission
type OrderRequest struct {
	Symbol string
	Side   models.Side
	Price  decimal.Decimal
	Amount decimal.Decimal
}

// Orderbook lists the open orders of one symbol
type Orderbook struct {
	Symbol string         `json:"symbol"`
	Buys   []models.Order `json:"buys"`
	Sells  []models.Order `json:"sells"`
}

// Profile is a user's balance and holdings
type Profile struct {
	User   *models.User   `json:"user"`
	Assets []models.Asset `json:"assets"`
}

// normalizeSymbol upper-cases symbol and checks it is tradable
func (e *Exchange) normalizeSymbol(symbol string) (string, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if _, ok := e.symbols[symbol]; !ok {
		return "", fmt.Errorf("%w: %q", models.ErrUnknownSymbol, symbol)
	}
	return symbol, nil
}

func (e *Exchange) newOrder(userID int64, req OrderRequest) (*models.Order, error) {
	symbol, err := e.normalizeSymbol(req.Symbol)
	if err != nil {
		return nil, err
	}
	if !req.Side.Valid() {
		return nil, fmt.Errorf("%w: side must be 'buy' or 'sell'", models.ErrInvalidOrder)
	}
	if !req.Price.IsPositive() || !req.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: price and amount must be positive", models.ErrInvalidOrder)
	}
	if !models.HasScale(req.Price) || !models.HasScale(req.Amount) {
		return nil, fmt.Errorf("%w: at most %d decimal places", models.ErrInvalidOrder, models.Scale)
	}
	if !models.InRange(req.Price) || !models.InRange(req.Amount) {
		return nil, fmt.Errorf("%w: price and amount must be below %s", models.ErrInvalidOrder, models.MaxAmount)
	}
	return &models.Order{
		UserID: userID,
		Symbol: symbol,
		Side:   req.Side,
		Price:  req.Price,
		Amount: req.Amount,
		Status: models.StatusOpen,
	}, nil
}

// SubmitOrder reserves the funds or asset the order needs, persists it as
// open and tries to fill it against one resting counter-order of the same
// amount. The order is returned open if it rests, filled if it matched.
//
// Locks are taken in one order: the counter-order first, then balances by
// ascending user id, then holdings by ascending user id.
func (e *Exchange) SubmitOrder(ctx context.Context, userID int64, req OrderRequest) (*models.Order, error) {
	if _, err := e.newOrder(userID, req); err != nil {
		return nil, err
	}

	var (
		order *models.Order
		trade *models.Trade
	)
	err := e.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		// a fresh copy per attempt so a failed transaction leaves no trace
		order, err = e.newOrder(userID, req)
		if err != nil {
			return err
		}

		maker, err := e.findCounterOrder(ctx, tx, order)
		if err != nil {
			return err
		}
		rows, err := lockLedgerRows(ctx, tx, order, maker)
		if err != nil {
			return err
		}
		if err := reserve(order, rows); err != nil {
			return err
		}
		if err := tx.InsertOrder(ctx, order); err != nil {
			return fmt.Errorf("failed to create order: %w", err)
		}

		if maker != nil {
			if trade, err = e.settle(ctx, tx, order, maker, rows); err != nil {
				return err
			}
		}
		return rows.save(ctx, tx)
	})
	if err != nil {
		return nil, err
	}

	if trade != nil {
		e.logger.Info("Trade executed",
			zap.Int64("trade_id", trade.ID),
			zap.Int64("buyer_id", trade.BuyerID),
			zap.Int64("seller_id", trade.SellerID),
			zap.String("symbol", trade.Symbol),
			zap.Stringer("price", trade.Price),
			zap.Stringer("amount", trade.Amount),
			zap.Stringer("volume", trade.Volume),
			zap.Stringer("commission", trade.Commission),
		)
		if e.notifier != nil {
			e.notifier.Notify()
		}
	}
	return order, nil
}

// reserve takes the order's cost out of circulation: quote balance for a
// buy, asset moved to locked for a sell.
func reserve(order *models.Order, rows *ledgerRows) error {
	if order.Side == models.SideBuy {
		return reserveForBuy(rows.users[order.UserID], order.Notional())
	}
	return reserveForSell(rows.assets[order.UserID], order.Amount)
}

// CancelOrder cancels an open order owned by userID and gives back what
// it reserved.
func (e *Exchange) CancelOrder(ctx context.Context, userID, orderID int64) (*models.Order, error) {
	var cancelled *models.Order
	err := e.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		order, err := tx.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if order.UserID != userID {
			return models.ErrUnauthorizedCancellation
		}
		if !order.IsOpen() {
			return fmt.Errorf("%w: order %d is %s", models.ErrInvalidOrderStatus, order.ID, order.Status)
		}

		if order.Side == models.SideBuy {
			user, err := tx.LockUser(ctx, order.UserID)
			if err != nil {
				return fmt.Errorf("failed to lock user %d: %w", order.UserID, err)
			}
			refundToBalance(user, order.Notional())
			if err := tx.SaveUserBalance(ctx, user); err != nil {
				return err
			}
		} else {
			asset, err := tx.LockAsset(ctx, order.UserID, order.Symbol)
			if err != nil {
				return fmt.Errorf("failed to lock %s holding of user %d: %w", order.Symbol, order.UserID, err)
			}
			if err := releaseLockedToAvailable(asset, order.Amount); err != nil {
				return err
			}
			if err := tx.SaveAsset(ctx, asset); err != nil {
				return err
			}
		}

		if err := tx.TransitionOrder(ctx, order.ID, models.StatusOpen, models.StatusCancelled); err != nil {
			return err
		}
		order.Status = models.StatusCancelled
		cancelled = order
		return nil
	})
	if err != nil {
		return nil, err
	}
	return cancelled, nil
}

// Orderbook returns the open orders of symbol, best prices first
func (e *Exchange) Orderbook(ctx context.Context, symbol string) (*Orderbook, error) {
	symbol, err := e.normalizeSymbol(symbol)
	if err != nil {
		return nil, err
	}
	buys, sells, err := e.store.GetOpenOrders(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("failed to get order book: %w", err)
	}
	if buys == nil {
		buys = []models.Order{}
	}
	if sells == nil {
		sells = []models.Order{}
	}
	return &Orderbook{Symbol: symbol, Buys: buys, Sells: sells}, nil
}

// Symbols returns the tradable symbols in alphabetical order
func (e *Exchange) Symbols() []string {
	out := make([]string, 0, len(e.symbols))
	for s := range e.symbols {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// UserOrders returns all orders of a user, newest first
func (e *Exchange) UserOrders(ctx context.Context, userID int64) ([]models.Order, error) {
	return e.store.GetUserOrders(ctx, userID)
}

// UserTrades returns the trades a user took part in, newest first
func (e *Exchange) UserTrades(ctx context.Context, userID int64) ([]models.Trade, error) {
	return e.store.GetUserTrades(ctx, userID)
}

// Profile returns a user's balance and asset holdings
func (e *Exchange) Profile(ctx context.Context, userID int64) (*Profile, error) {
	user, err := e.store.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	assets, err := e.store.GetUserAssets(ctx, userID)
	if err != nil {
		return nil, err
	}
	if assets == nil {
		assets = []models.Asset{}
	}
	return &Profile{User: user, Assets: assets}, nil
}

func zapOrder(key string, o *models.Order) zap.Field {
	return zap.Int64(key+"_order_id", o.ID)
}
