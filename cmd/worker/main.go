package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ariefcatur/go-order-fulfillment/internal/config"
	kafkax "github.com/ariefcatur/go-order-fulfillment/internal/kafka"
	"github.com/ariefcatur/go-order-fulfillment/internal/orders"
	"github.com/ariefcatur/go-order-fulfillment/internal/payments"
	"github.com/ariefcatur/go-order-fulfillment/internal/postgres"
	"github.com/ariefcatur/go-order-fulfillment/internal/redisx"
	"github.com/ariefcatur/go-order-fulfillment/internal/telemetry"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func main() {
	_ = godotenv.Load()
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	service := cfg.ServiceName + "-payments"
	log, err := telemetry.NewLogger(service, cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg, service, log); err != nil {
		log.Fatal("worker stopped", zap.Error(err))
	}
}

func run(cfg config.Config, service string, log *zap.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownOtel, err := telemetry.Setup(ctx, service, cfg.OTLPEndpoint)
	if err != nil {
		return err
	}
	defer func() {
		sctx, c := context.WithTimeout(context.Background(), 5*time.Second)
		defer c()
		_ = shutdownOtel(sctx)
	}()

	// The worker shares the database with the API; it never runs on the memory store.
	db, err := postgres.Connect(ctx, cfg.PostgresDSN, postgres.PoolOptions{MaxConns: int32(cfg.WorkerCount) + 2})
	if err != nil {
		return err
	}
	defer db.Close()
	store := postgres.New(db)

	opts := []orders.Option{
		orders.WithLogger(log),
		orders.WithCurrency(cfg.Currency),
		orders.WithTaxRate(cfg.TaxRate),
		orders.WithProducerName(service),
	}
	prod := kafkax.NewProducer(cfg.KafkaBrokers, 1024, log)
	defer prod.Close()
	opts = append(opts, orders.WithEventPublisher(prod))
	svc := orders.NewService(store, store, opts...)

	h := &payments.Handler{Orders: svc, Log: log}
	if cfg.RedisAddr != "" {
		rdb := redisx.New(cfg.RedisAddr)
		defer rdb.Close()
		h.Dedup = redisx.NewDedup(rdb, service)
		h.Cache = redisx.NewStatusCache(rdb)
	}

	cons := kafkax.NewConsumer(cfg.KafkaBrokers, cfg.WorkerGroup, cfg.PaymentTopic, cfg.WorkerCount, log)
	errCh := make(chan error, 1)
	go func() {
		log.Info("payment consumer started",
			zap.String("group", cfg.WorkerGroup),
			zap.String("topic", cfg.PaymentTopic),
			zap.Int("workers", cfg.WorkerCount),
		)
		errCh <- cons.Start(ctx, h.HandlePaymentResult)
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sig:
		log.Info("shutting down consumer")
		cancel()
		return <-errCh
	case err := <-errCh:
		return err
	}
}
