package db

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/xtrntr/spotexchange/internal/models"
	"github.com/xtrntr/spotexchange/internal/store"
	"github.com/xtrntr/spotexchange/migrations"
)

var (
	_ store.Store     = (*DB)(nil)
	_ store.UserStore = (*DB)(nil)
	_ store.Seeder    = (*DB)(nil)
)

// SQLSTATE codes
const (
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeLockNotAvailable     = "55P03"
	codeUniqueViolation      = "23505"
	codeForeignKeyViolation  = "23503"
	codeNumericOverflow      = "22003"
)

// DB wraps a PostgreSQL connection pool
type DB struct {
	Pool        *pgxpool.Pool
	lockTimeout time.Duration
}

// Option configures a DB
type Option func(*DB)

// WithLockTimeout bounds how long a transaction waits for a row lock
func WithLockTimeout(d time.Duration) Option {
	return func(db *DB) { db.lockTimeout = d }
}

// NewDB initializes a new database connection pool
func NewDB(ctx context.Context, connString string, opts ...Option) (*DB, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return New(pool, opts...), nil
}

// New wraps an existing pool
func New(pool *pgxpool.Pool, opts ...Option) *DB {
	db := &DB{Pool: pool, lockTimeout: 5 * time.Second}
	for _, opt := range opts {
		opt(db)
	}
	return db
}

// Close closes the database connection pool
func (db *DB) Close(ctx context.Context) error {
	db.Pool.Close()
	return nil
}

// Migrate applies the embedded schema. Every statement is idempotent.
func (db *DB) Migrate(ctx context.Context) error {
	files, err := fs.Glob(migrations.FS, "*.sql")
	if err != nil {
		return err
	}
	sort.Strings(files)
	for _, name := range files {
		sql, err := fs.ReadFile(migrations.FS, name)
		if err != nil {
			return fmt.Errorf("failed to read migration %s: %w", name, err)
		}
		if _, err := db.Pool.Exec(ctx, string(sql)); err != nil {
			return fmt.Errorf("failed to apply migration %s: %w", name, err)
		}
	}
	return nil
}

// WithTx runs fn in a transaction. Row locks taken through the Tx wait at
// most the configured lock timeout.
func (db *DB) WithTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return classify(fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback(ctx)

	if db.lockTimeout > 0 {
		timeout := fmt.Sprintf("%dms", db.lockTimeout.Milliseconds())
		if _, err := tx.Exec(ctx, "SELECT set_config('lock_timeout', $1, true)", timeout); err != nil {
			return classify(fmt.Errorf("failed to set lock timeout: %w", err))
		}
	}

	if err := fn(ctx, &pgTx{tx: tx}); err != nil {
		return classify(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return classify(fmt.Errorf("failed to commit transaction: %w", err))
	}
	return nil
}

// classify marks lock and serialization conflicts as models.ErrTransient
// and values too large for a NUMERIC column as models.ErrInvalidOrder
func classify(err error) error {
	if err == nil || models.IsTransient(err) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeSerializationFailure, codeDeadlockDetected, codeLockNotAvailable:
			return fmt.Errorf("%w: %w", models.ErrTransient, err)
		case codeNumericOverflow:
			return fmt.Errorf("%w: value out of range: %w", models.ErrInvalidOrder, err)
		}
	}
	return err
}

func hasCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == code
}

// CreateUser inserts a new user
func (db *DB) CreateUser(ctx context.Context, username, passwordHash string) (*models.User, error) {
	user, err := scanUser(db.Pool.QueryRow(ctx,
		"INSERT INTO users (username, password_hash) VALUES ($1, $2) RETURNING "+userColumns,
		username, passwordHash))
	if err != nil {
		if hasCode(err, codeUniqueViolation) {
			return nil, fmt.Errorf("failed to create user: %w", models.ErrUserExists)
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return user, nil
}

// GetUserByUsername retrieves a user by username
func (db *DB) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	user, err := scanUser(db.Pool.QueryRow(ctx,
		"SELECT "+userColumns+" FROM users WHERE username = $1", username))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("failed to get user: %w", models.ErrUserNotFound)
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return user, nil
}

// GetUser retrieves a user by id
func (db *DB) GetUser(ctx context.Context, userID int64) (*models.User, error) {
	user, err := scanUser(db.Pool.QueryRow(ctx,
		"SELECT "+userColumns+" FROM users WHERE id = $1", userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("failed to get user: %w", models.ErrUserNotFound)
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return user, nil
}

// GetUserAssets retrieves a user's holdings ordered by symbol
func (db *DB) GetUserAssets(ctx context.Context, userID int64) ([]models.Asset, error) {
	rows, err := db.Pool.Query(ctx,
		"SELECT "+assetColumns+" FROM assets WHERE user_id = $1 ORDER BY symbol", userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get user assets: %w", err)
	}
	defer rows.Close()

	var assets []models.Asset
	for rows.Next() {
		asset, err := scanAsset(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan asset: %w", err)
		}
		assets = append(assets, *asset)
	}
	return assets, rows.Err()
}

// GetOpenOrders retrieves the open orders of symbol in price-time priority
func (db *DB) GetOpenOrders(ctx context.Context, symbol string) ([]models.Order, []models.Order, error) {
	buys, err := db.queryOrders(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE symbol = $1 AND side = 'buy' AND status = $2
		ORDER BY price DESC, created_at ASC, id ASC
	`, symbol, int16(models.StatusOpen))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get buy orders: %w", err)
	}
	sells, err := db.queryOrders(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE symbol = $1 AND side = 'sell' AND status = $2
		ORDER BY price ASC, created_at ASC, id ASC
	`, symbol, int16(models.StatusOpen))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get sell orders: %w", err)
	}
	return buys, sells, nil
}

// GetUserOrders retrieves all orders for a user, newest first
func (db *DB) GetUserOrders(ctx context.Context, userID int64) ([]models.Order, error) {
	orders, err := db.queryOrders(ctx,
		"SELECT "+orderColumns+" FROM orders WHERE user_id = $1 ORDER BY created_at DESC, id DESC",
		userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get user orders: %w", err)
	}
	return orders, nil
}

func (db *DB) queryOrders(ctx context.Context, sql string, args ...any) ([]models.Order, error) {
	rows, err := db.Pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	return collectOrders(rows)
}

// GetUserTrades retrieves all trades for a user, newest first
func (db *DB) GetUserTrades(ctx context.Context, userID int64) ([]models.Trade, error) {
	rows, err := db.Pool.Query(ctx,
		"SELECT "+tradeColumns+" FROM trades WHERE buyer_id = $1 OR seller_id = $1 ORDER BY created_at DESC, id DESC",
		userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get user trades: %w", err)
	}
	defer rows.Close()

	var trades []models.Trade
	for rows.Next() {
		trade, err := scanTrade(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		trades = append(trades, *trade)
	}
	return trades, rows.Err()
}

// CreditBalance adds amount to a user's balance
func (db *DB) CreditBalance(ctx context.Context, userID int64, amount decimal.Decimal) error {
	tag, err := db.Pool.Exec(ctx,
		"UPDATE users SET balance = balance + $1 WHERE id = $2", amount.String(), userID)
	if err != nil {
		return fmt.Errorf("failed to credit balance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrUserNotFound
	}
	return nil
}

// CreditAsset adds amount to a user's available holding of symbol
func (db *DB) CreditAsset(ctx context.Context, userID int64, symbol string, amount decimal.Decimal) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO assets (user_id, symbol, available) VALUES ($1, $2, $3)
		ON CONFLICT (user_id, symbol)
		DO UPDATE SET available = assets.available + EXCLUDED.available, updated_at = now()
	`, userID, symbol, amount.String())
	if err != nil {
		if hasCode(err, codeForeignKeyViolation) {
			return models.ErrUserNotFound
		}
		return fmt.Errorf("failed to credit asset: %w", err)
	}
	return nil
}
