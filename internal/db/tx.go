package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/xtrntr/spotexchange/internal/models"
)

// pgTx implements store.Tx with SELECT ... FOR NO KEY UPDATE row locks.
// Unlike FOR UPDATE they do not block the key-share locks taken by foreign
// key checks, so inserting an order or holding for a user never waits on
// another transaction's lock of that user.
type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) LockUser(ctx context.Context, userID int64) (*models.User, error) {
	user, err := scanUser(t.tx.QueryRow(ctx,
		"SELECT "+userColumns+" FROM users WHERE id = $1 FOR NO KEY UPDATE", userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrUserNotFound
	}
	return user, err
}

func (t *pgTx) SaveUserBalance(ctx context.Context, user *models.User) error {
	_, err := t.tx.Exec(ctx, "UPDATE users SET balance = $1 WHERE id = $2",
		user.Balance.String(), user.ID)
	return err
}

func (t *pgTx) LockAsset(ctx context.Context, userID int64, symbol string) (*models.Asset, error) {
	// Create the holding on first reference, then lock it. A concurrent
	// creator makes ON CONFLICT wait for it rather than fail.
	_, err := t.tx.Exec(ctx,
		"INSERT INTO assets (user_id, symbol) VALUES ($1, $2) ON CONFLICT (user_id, symbol) DO NOTHING",
		userID, symbol)
	if err != nil {
		if hasCode(err, codeForeignKeyViolation) {
			return nil, models.ErrUserNotFound
		}
		return nil, err
	}
	return scanAsset(t.tx.QueryRow(ctx,
		"SELECT "+assetColumns+" FROM assets WHERE user_id = $1 AND symbol = $2 FOR UPDATE",
		userID, symbol))
}

func (t *pgTx) SaveAsset(ctx context.Context, asset *models.Asset) error {
	_, err := t.tx.Exec(ctx,
		"UPDATE assets SET available = $1, locked = $2, updated_at = now() WHERE id = $3",
		asset.Available.String(), asset.Locked.String(), asset.ID)
	return err
}

func (t *pgTx) InsertOrder(ctx context.Context, order *models.Order) error {
	return t.tx.QueryRow(ctx, `
		INSERT INTO orders (user_id, symbol, side, price, amount, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at
	`, order.UserID, order.Symbol, string(order.Side), order.Price.String(), order.Amount.String(),
		int16(order.Status)).Scan(&order.ID, &order.CreatedAt)
}

func (t *pgTx) LockOrder(ctx context.Context, orderID int64) (*models.Order, error) {
	order, err := scanOrder(t.tx.QueryRow(ctx,
		"SELECT "+orderColumns+" FROM orders WHERE id = $1 FOR NO KEY UPDATE", orderID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrOrderNotFound
	}
	return order, err
}

func (t *pgTx) MatchCandidates(ctx context.Context, taker *models.Order) ([]models.Order, error) {
	sql := `
		SELECT ` + orderColumns + `
		FROM orders
		WHERE symbol = $1 AND side = 'sell' AND status = $2 AND amount = $3 AND price <= $4
		ORDER BY price ASC, created_at ASC, id ASC
	`
	if taker.Side == models.SideSell {
		sql = `
			SELECT ` + orderColumns + `
			FROM orders
			WHERE symbol = $1 AND side = 'buy' AND status = $2 AND amount = $3 AND price >= $4
			ORDER BY price DESC, created_at ASC, id ASC
		`
	}
	rows, err := t.tx.Query(ctx, sql, taker.Symbol, int16(models.StatusOpen),
		taker.Amount.String(), taker.Price.String())
	if err != nil {
		return nil, err
	}
	return collectOrders(rows)
}

func (t *pgTx) TransitionOrder(ctx context.Context, orderID int64, from, to models.OrderStatus) error {
	tag, err := t.tx.Exec(ctx,
		"UPDATE orders SET status = $1, updated_at = clock_timestamp() WHERE id = $2 AND status = $3",
		int16(to), orderID, int16(from))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: order %d is not %s", models.ErrInvalidOrderStatus, orderID, from)
	}
	return nil
}

func (t *pgTx) InsertTrade(ctx context.Context, trade *models.Trade) error {
	return t.tx.QueryRow(ctx, `
		INSERT INTO trades (buy_order_id, sell_order_id, buyer_id, seller_id, symbol, price, amount, volume, commission)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, created_at
	`, trade.BuyOrderID, trade.SellOrderID, trade.BuyerID, trade.SellerID, trade.Symbol,
		trade.Price.String(), trade.Amount.String(), trade.Volume.String(), trade.Commission.String(),
	).Scan(&trade.ID, &trade.CreatedAt)
}

func (t *pgTx) EnqueueEvent(ctx context.Context, event *models.TradeEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	_, err = t.tx.Exec(ctx,
		"INSERT INTO trade_events (id, trade_id, payload, created_at) VALUES ($1, $2, $3, $4)",
		event.ID.String(), event.Trade.ID, string(payload), event.CreatedAt)
	return err
}
