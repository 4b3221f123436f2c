package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ariefcatur/go-order-fulfillment/internal/config"
	"github.com/ariefcatur/go-order-fulfillment/internal/httpx"
	kafkax "github.com/ariefcatur/go-order-fulfillment/internal/kafka"
	"github.com/ariefcatur/go-order-fulfillment/internal/memstore"
	"github.com/ariefcatur/go-order-fulfillment/internal/orders"
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
	log, err := telemetry.NewLogger(cfg.ServiceName, cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Fatal("order api stopped", zap.Error(err))
	}
}

func run(cfg config.Config, log *zap.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownOtel, err := telemetry.Setup(ctx, cfg.ServiceName, cfg.OTLPEndpoint)
	if err != nil {
		return err
	}
	defer func() {
		sctx, c := context.WithTimeout(context.Background(), 5*time.Second)
		defer c()
		if err := shutdownOtel(sctx); err != nil {
			log.Warn("otel shutdown", zap.Error(err))
		}
	}()

	store, catalog, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	opts := []orders.Option{
		orders.WithLogger(log),
		orders.WithCurrency(cfg.Currency),
		orders.WithTaxRate(cfg.TaxRate),
		orders.WithProducerName(cfg.ServiceName),
	}
	if len(cfg.KafkaBrokers) > 0 {
		prod := kafkax.NewProducer(cfg.KafkaBrokers, 1024, log)
		defer prod.Close() // flush queued events
		opts = append(opts, orders.WithEventPublisher(prod))
	} else {
		log.Warn("KAFKA_BROKERS not set, domain events are not published")
	}
	svc := orders.NewService(store, catalog, opts...)

	oh := &httpx.OrdersHandler{Orders: svc, Log: log}
	if cfg.RedisAddr != "" {
		rdb := redisx.New(cfg.RedisAddr)
		defer rdb.Close()
		if err := redisx.Ping(ctx, rdb); err != nil {
			return err
		}
		oh.Limiter = redisx.NewRateLimiter(rdb, cfg.CheckoutRateLimit, time.Minute)
		oh.Idem = redisx.NewIdempotencyCache(rdb)
		oh.Status = redisx.NewStatusCache(rdb)
	} else {
		log.Warn("REDIS_ADDR not set, rate limiting and caches disabled")
	}

	router := httpx.NewRouter(log)
	oh.Register(router)
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("http listening", zap.String("addr", cfg.HTTPAddr), zap.String("store", cfg.Store))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sig:
	case err := <-errCh:
		return err
	}
	log.Info("shutting down")

	sctx, scancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer scancel()
	return srv.Shutdown(sctx)
}

func openStore(ctx context.Context, cfg config.Config, log *zap.Logger) (orders.Store, orders.Catalog, func(), error) {
	if cfg.Store == config.StoreMemory {
		st := memstore.New()
		products, err := memstore.ParseSeed(cfg.SeedProducts)
		if err != nil {
			return nil, nil, nil, err
		}
		for _, p := range products {
			st.PutProduct(p)
		}
		log.Info("using in-memory store", zap.Int("products", len(products)))
		return st, st, func() {}, nil
	}

	db, err := postgres.Connect(ctx, cfg.PostgresDSN, postgres.PoolOptions{})
	if err != nil {
		return nil, nil, nil, err
	}
	if err := postgres.Migrate(ctx, db); err != nil {
		db.Close()
		return nil, nil, nil, err
	}
	st := postgres.New(db)
	if cfg.SeedProducts != "" {
		products, err := memstore.ParseSeed(cfg.SeedProducts)
		if err != nil {
			db.Close()
			return nil, nil, nil, err
		}
		for _, p := range products {
			if err := st.UpsertProduct(ctx, p); err != nil {
				db.Close()
				return nil, nil, nil, err
			}
		}
	}
	return st, st, db.Close, nil
}
