package main

import (
	"context"
	"net/http"

	"pos-core/internal/api"
	"pos-core/internal/config"
	"pos-core/internal/core"
	"pos-core/internal/db"
	"pos-core/internal/notify"

	"go.uber.org/zap"
)

func main() {
	log, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("config", zap.Error(err))
	}

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal("database", zap.Error(err))
	}
	defer pool.Close()

	publisher, err := notify.New(cfg.AMQPURL, log)
	if err != nil {
		log.Fatal("broker", zap.Error(err))
	}
	defer publisher.Close()

	var notifier core.Notifier
	if publisher != nil {
		notifier = publisher
	} else {
		log.Info("AMQP_URL not set, notifications disabled")
	}

	ledger := core.NewStockLedger(pool)
	reservations := core.NewReservationEngine(pool, ledger)
	transfers := core.NewTransferEngine(pool, ledger)
	audit := core.NewAuditLog(pool, log)
	orders := core.NewOrderService(pool, ledger, audit, notifier)
	drafts := core.NewDraftService(pool, reservations, audit, notifier)

	handler := api.NewHandler(pool, ledger, reservations, transfers, orders, drafts, log)

	log.Info("server starting", zap.String("port", cfg.ServerPort))
	if err := http.ListenAndServe(":"+cfg.ServerPort, handler); err != nil {
		log.Fatal("server", zap.Error(err))
	}
}
