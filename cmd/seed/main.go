package main

import (
	"context"
	"errors"
	"os"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/xtrntr/settlement/internal/auth"
	"github.com/xtrntr/settlement/internal/config"
	"github.com/xtrntr/settlement/internal/db"
	"github.com/xtrntr/settlement/internal/ledger"
	"github.com/xtrntr/settlement/internal/logging"
	"github.com/xtrntr/settlement/internal/models"
)

const seedPassword = "password"

type demoAccount struct {
	username string
	cash     int64
	assets   map[models.Symbol]int64
}

var demoAccounts = []demoAccount{
	{username: "trader1", cash: 100000, assets: map[models.Symbol]int64{models.BTC: 10, models.ETH: 100}},
	{username: "trader2", cash: 200000, assets: map[models.Symbol]int64{models.BTC: 20, models.ETH: 200}},
	{username: "trader3", cash: 300000, assets: map[models.Symbol]int64{models.BTC: 30, models.ETH: 300}},
}

// Seed the database with funded demo accounts. Accounts that already exist are left alone.
func main() {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}
	log := logging.New(cfg.LogLevel, os.Stdout)

	database, err := db.NewDB(ctx, cfg.DatabaseURL)
	if err != nil {
		log.WithError(err).Fatal("Failed to connect to database")
	}
	defer database.Close()
	if err := database.Migrate(ctx); err != nil {
		log.WithError(err).Fatal("Failed to apply migrations")
	}

	authService := auth.NewAuthService(database, cfg.JWTSecret)
	for _, demo := range demoAccounts {
		entry := log.WithField("username", demo.username)

		account, err := authService.Register(ctx, demo.username, seedPassword)
		if errors.Is(err, auth.ErrUsernameTaken) {
			entry.Info("Account exists, skipping")
			continue
		}
		if err != nil {
			entry.WithError(err).Fatal("Failed to create account")
		}

		if err := fund(ctx, database, account.ID, demo); err != nil {
			entry.WithError(err).Fatal("Failed to fund account")
		}
		entry.WithFields(logrus.Fields{
			"account_id": account.ID,
			"event":      logging.EventAccountFunded,
		}).Info("Seeded account")
	}
}

func fund(ctx context.Context, store db.Store, accountID int64, demo demoAccount) error {
	rows := ledger.Rows{Accounts: []int64{accountID}}
	for symbol := range demo.assets {
		rows.Holdings = append(rows.Holdings, ledger.HoldingLock{
			Key:    models.HoldingKey{AccountID: accountID, Symbol: symbol},
			Create: true,
		})
	}

	return store.WithTx(ctx, func(ctx context.Context, tx db.Tx) error {
		l, err := ledger.Acquire(ctx, tx, rows)
		if err != nil {
			return err
		}
		if err := l.CreditCash(ctx, accountID, decimal.NewFromInt(demo.cash)); err != nil {
			return err
		}
		for symbol, amount := range demo.assets {
			key := models.HoldingKey{AccountID: accountID, Symbol: symbol}
			if err := l.CreditAsset(ctx, key, decimal.NewFromInt(amount)); err != nil {
				return err
			}
		}
		return nil
	})
}
