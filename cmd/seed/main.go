package main

import (
	"context"
	"errors"
	"log"

	"github.com/shopspring/decimal"
	"github.com/xtrntr/spotexchange/internal/auth"
	"github.com/xtrntr/spotexchange/internal/config"
	"github.com/xtrntr/spotexchange/internal/db"
	"github.com/xtrntr/spotexchange/internal/logger"
	"github.com/xtrntr/spotexchange/internal/models"
	"go.uber.org/zap"
)

const seedPassword = "password"

type account struct {
	username string
	balance  string
	assets   map[string]string
}

var accounts = []account{
	{username: "alice", balance: "100000"},
	{username: "bob", balance: "50000", assets: map[string]string{"BTC": "5", "ETH": "100"}},
}

// Seed the database with two funded traders. Accounts that already exist
// are left alone so the command can be rerun.
func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logg, err := logger.New(cfg.App.LogLevel)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logg.Sync()

	ctx := context.Background()
	database, err := db.NewDB(ctx, cfg.Postgres.URL)
	if err != nil {
		logg.Fatal("failed to connect to database", zap.Error(err))
	}
	defer database.Close(ctx)

	if err := database.Migrate(ctx); err != nil {
		logg.Fatal("failed to migrate", zap.Error(err))
	}

	authService := auth.NewAuthService(database, cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	for _, a := range accounts {
		user, err := authService.Register(ctx, a.username, seedPassword)
		if errors.Is(err, models.ErrUserExists) {
			logg.Info("user already exists, skipping", zap.String("username", a.username))
			continue
		}
		if err != nil {
			logg.Fatal("failed to create user", zap.String("username", a.username), zap.Error(err))
		}

		if err := database.CreditBalance(ctx, user.ID, decimal.RequireFromString(a.balance)); err != nil {
			logg.Fatal("failed to credit balance", zap.Int64("user_id", user.ID), zap.Error(err))
		}
		for symbol, amount := range a.assets {
			if err := database.CreditAsset(ctx, user.ID, symbol, decimal.RequireFromString(amount)); err != nil {
				logg.Fatal("failed to credit asset", zap.Int64("user_id", user.ID), zap.String("symbol", symbol), zap.Error(err))
			}
		}
		logg.Info("seeded user",
			zap.String("username", a.username),
			zap.Int64("user_id", user.ID),
			zap.String("balance", a.balance),
		)
	}
}
