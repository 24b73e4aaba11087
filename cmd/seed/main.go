package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alass1205/financial-platform-sub000/internal/config"
	"github.com/alass1205/financial-platform-sub000/libs/logging"
)

type seedAsset struct {
	symbol   string
	name     string
	category string
	decimals int
	refPrice string
}

type seedUser struct {
	email   string
	address string
	usds    string
}

var seedAssets = []seedAsset{
	{"USDS", "Stable Dollar", "stable", 2, "1"},
	{"GOLD", "Gold Mining Corp", "share", 4, "120"},
	{"TECH", "Tech Holdings", "share", 4, "45.50"},
	{"BND1", "Treasury Bond Series 1", "bond", 2, "98.75"},
}

var seedUsers = []seedUser{
	{"alice@example.com", "0x1111111111111111111111111111111111111111", "100000"},
	{"bob@example.com", "0x2222222222222222222222222222222222222222", "100000"},
	{"carol@example.com", "0x3333333333333333333333333333333333333333", "50000"},
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}
	if cfg.App.Env == "prod" {
		fmt.Fprintln(os.Stderr, "refusing to seed a prod environment")
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg.App.LogLevel, "exchange-seed", cfg.App.Env)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DB.DSN())
	if err != nil {
		logger.Error("db connection failed", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	for _, asset := range seedAssets {
		if _, err := pool.Exec(ctx, `
			INSERT INTO assets (symbol, name, category, decimals, reference_price)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (symbol) DO NOTHING
		`, asset.symbol, asset.name, asset.category, asset.decimals, asset.refPrice); err != nil {
			logger.Error("seed asset failed", "symbol", asset.symbol, "error", err)
			os.Exit(1)
		}
	}
	logger.Info("assets seeded", "count", len(seedAssets))

	for _, user := range seedUsers {
		userID := uuid.NewSHA1(uuid.NameSpaceOID, []byte(user.email))
		if _, err := pool.Exec(ctx, `
			INSERT INTO users (id, email, custody_address)
			VALUES ($1, $2, $3)
			ON CONFLICT (id) DO NOTHING
		`, userID, user.email, user.address); err != nil {
			logger.Error("seed user failed", "email", user.email, "error", err)
			os.Exit(1)
		}
		if _, err := pool.Exec(ctx, `
			INSERT INTO balances (user_id, asset, available, reserved)
			VALUES ($1, 'USDS', $2, 0)
			ON CONFLICT (user_id, asset) DO NOTHING
		`, userID, user.usds); err != nil {
			logger.Error("seed balance failed", "email", user.email, "error", err)
			os.Exit(1)
		}
		logger.Info("user seeded", "email", user.email, "user_id", userID.String())
	}
}
