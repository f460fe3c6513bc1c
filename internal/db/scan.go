package db

import (
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"github.com/xtrntr/spotexchange/internal/models"
)

// NUMERIC columns are read as text and parsed into exact decimals.
const (
	userColumns  = "id, username, password_hash, balance::text, created_at"
	assetColumns = "id, user_id, symbol, available::text, locked::text, updated_at"
	orderColumns = "id, user_id, symbol, side, price::text, amount::text, status, created_at"
	tradeColumns = "id, buy_order_id, sell_order_id, buyer_id, seller_id, symbol, " +
		"price::text, amount::text, volume::text, commission::text, created_at"
)

func parseDecimals(pairs ...any) error {
	for i := 0; i < len(pairs); i += 2 {
		dst := pairs[i].(*decimal.Decimal)
		src := pairs[i+1].(string)
		d, err := decimal.NewFromString(src)
		if err != nil {
			return fmt.Errorf("invalid numeric %q: %w", src, err)
		}
		*dst = d
	}
	return nil
}

func scanUser(row pgx.Row) (*models.User, error) {
	var u models.User
	var balance string
	if err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &balance, &u.CreatedAt); err != nil {
		return nil, err
	}
	if err := parseDecimals(&u.Balance, balance); err != nil {
		return nil, err
	}
	return &u, nil
}

func scanAsset(row pgx.Row) (*models.Asset, error) {
	var a models.Asset
	var available, locked string
	if err := row.Scan(&a.ID, &a.UserID, &a.Symbol, &available, &locked, &a.UpdatedAt); err != nil {
		return nil, err
	}
	if err := parseDecimals(&a.Available, available, &a.Locked, locked); err != nil {
		return nil, err
	}
	return &a, nil
}

func scanOrder(row pgx.Row) (*models.Order, error) {
	var o models.Order
	var side, price, amount string
	var status int16
	if err := row.Scan(&o.ID, &o.UserID, &o.Symbol, &side, &price, &amount, &status, &o.CreatedAt); err != nil {
		return nil, err
	}
	o.Side = models.Side(side)
	o.Status = models.OrderStatus(status)
	if err := parseDecimals(&o.Price, price, &o.Amount, amount); err != nil {
		return nil, err
	}
	return &o, nil
}

func scanTrade(row pgx.Row) (*models.Trade, error) {
	var t models.Trade
	var price, amount, volume, commission string
	if err := row.Scan(&t.ID, &t.BuyOrderID, &t.SellOrderID, &t.BuyerID, &t.SellerID, &t.Symbol,
		&price, &amount, &volume, &commission, &t.CreatedAt); err != nil {
		return nil, err
	}
	if err := parseDecimals(&t.Price, price, &t.Amount, amount, &t.Volume, volume, &t.Commission, commission); err != nil {
		return nil, err
	}
	return &t, nil
}

func collectOrders(rows pgx.Rows) ([]models.Order, error) {
	defer rows.Close()

	var orders []models.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, *order)
	}
	return orders, rows.Err()
}
