package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/go-sql-driver/mysql"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/rl1809/basket-checkout/internal/adapter/event"
	"github.com/rl1809/basket-checkout/internal/adapter/handler"
	"github.com/rl1809/basket-checkout/internal/adapter/handler/inventorypb"
	"github.com/rl1809/basket-checkout/internal/adapter/storage"
	"github.com/rl1809/basket-checkout/internal/config"
	"github.com/rl1809/basket-checkout/internal/core/domain"
	"github.com/rl1809/basket-checkout/internal/core/service"
	"github.com/rl1809/basket-checkout/internal/logger"
	"github.com/rl1809/basket-checkout/internal/metrics"
	"github.com/rl1809/basket-checkout/internal/port"
)

// backends holds the adapters chosen by configuration and the connections
// they own.
type backends struct {
	inventory port.InventoryRepository
	ledger    port.OrderLedger
	store     port.KeyValueStore
	lock      port.CheckoutLock
	closers   []func() error
}

func (b *backends) close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			logger.Warnw("backend_close_failed", "error", err)
		}
	}
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Errorw("config_load_failed", "error", err)
		os.Exit(1)
	}
	logger.Init(cfg.Server.Mode, cfg.Log.ToLoggerOptions())
	defer logger.Sync()

	if err := run(cfg); err != nil {
		logger.Errorw("server_exited", "error", err)
		logger.Sync()
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b, err := openBackends(ctx, cfg)
	if err != nil {
		return err
	}
	defer b.close()

	for sku, stock := range cfg.Inventory.InitialStock {
		if err := b.inventory.Seed(ctx, sku, stock); err != nil {
			if errors.Is(err, errors.ErrUnsupported) {
				logger.Warnw("initial_stock_skipped", "backend", cfg.Inventory.Backend)
				break
			}
			return fmt.Errorf("seed %s: %w", sku, err)
		}
		logger.Infow("initial_stock_set", "sku", sku, "stock", stock)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	checkoutMetrics := metrics.NewCheckoutMetrics(reg)

	compensator := service.NewCompensator(b.inventory,
		cfg.Compensation.QueueSize, cfg.Compensation.MaxAttempts, cfg.Compensation.Backoff(), checkoutMetrics)
	compensator.Start(cfg.Compensation.Workers)

	bus := event.NewBus()
	failures, unsubscribe := bus.Subscribe(0)
	go auditCheckoutFailures(failures)
	publisher := event.Multi{event.NewLogPublisher(logger.Z()), bus}

	opts := []service.CheckoutOption{
		service.WithOptions(service.CheckoutOptions{
			ReserveAttempts: cfg.Checkout.ReserveAttempts,
			ReserveBackoff:  cfg.Checkout.ReserveBackoff(),
			LedgerAttempts:  cfg.Checkout.LedgerAttempts,
			LedgerBackoff:   cfg.Checkout.LedgerBackoff(),
			PersistTimeout:  cfg.Checkout.PersistTimeout(),
			ReleaseTimeout:  cfg.Checkout.ReleaseTimeout(),
		}),
		service.WithCompensator(compensator),
		service.WithMetrics(checkoutMetrics),
	}
	if b.lock != nil {
		opts = append(opts, service.WithCheckoutLock(b.lock))
	}
	sessions := service.NewSessionManager(b.store, b.inventory, b.ledger, publisher, opts...)
	sessions.SetLimits(cfg.Session.IdleTTL(), cfg.Session.MaxSessions)

	// the inventory service is only exposed when this process owns the stock
	var grpcServer *grpc.Server
	if cfg.Inventory.Backend != "grpc" {
		grpcServer = grpc.NewServer()
		inventorypb.RegisterInventoryServiceServer(grpcServer, handler.NewGRPCHandler(b.inventory))
		lis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
		if err != nil {
			return fmt.Errorf("listen grpc: %w", err)
		}
		go func() {
			logger.Infow("grpc_server_listening", "addr", cfg.Server.GRPCAddr)
			if err := grpcServer.Serve(lis); err != nil {
				logger.Errorw("grpc_server_error", "error", err)
			}
		}()
	}

	if !strings.EqualFold(cfg.Server.Mode, "debug") {
		gin.SetMode(gin.ReleaseMode)
	}
	httpServer := &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           handler.NewRouter(handler.NewHTTPHandler(sessions), reg),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Infow("http_server_listening", "addr", cfg.Server.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorw("http_server_error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Infow("shutting_down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warnw("http_shutdown_failed", "error", err)
	}
	logger.Infow("http_server_stopped")

	if grpcServer != nil {
		grpcServer.GracefulStop()
		logger.Infow("grpc_server_stopped")
	}

	// drain pending releases before the inventory connection goes away
	compensator.Close()
	logger.Infow("compensation_workers_stopped")

	unsubscribe()
	bus.Close()
	return nil
}

func openBackends(ctx context.Context, cfg *config.Config) (*backends, error) {
	b := &backends{}
	fail := func(err error) (*backends, error) {
		b.close()
		return nil, err
	}

	var rdb *redis.Client
	redisClient := func() (*redis.Client, error) {
		if rdb != nil {
			return rdb, nil
		}
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		logger.Infow("redis_connected", "addr", cfg.Redis.Addr)
		b.closers = append(b.closers, client.Close)
		rdb = client
		return rdb, nil
	}
	redisAdapter := func() (*storage.RedisAdapter, error) {
		client, err := redisClient()
		if err != nil {
			return nil, err
		}
		return storage.NewRedisAdapter(client,
			storage.WithKeyPrefix(cfg.Redis.Prefix),
			storage.WithSeedStock(cfg.Inventory.SeedStock),
			storage.WithLockTTL(cfg.Session.LockTTL()),
			storage.WithReservationTTL(cfg.Inventory.ReservationTTL()),
		), nil
	}

	var mysqlDB *storage.MySQLAdapter
	mysqlAdapter := func() (*storage.MySQLAdapter, error) {
		if mysqlDB != nil {
			return mysqlDB, nil
		}
		db, err := sql.Open("mysql", cfg.MySQL.DSN)
		if err != nil {
			return nil, fmt.Errorf("open mysql: %w", err)
		}
		db.SetMaxOpenConns(cfg.MySQL.MaxOpenConns)
		db.SetMaxIdleConns(cfg.MySQL.MaxIdleConns)
		db.SetConnMaxLifetime(time.Duration(cfg.MySQL.ConnMaxLifetimeSeconds) * time.Second)
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("ping mysql: %w", err)
		}
		logger.Infow("mysql_connected")
		b.closers = append(b.closers, db.Close)

		mysqlDB = storage.NewMySQLAdapter(db, cfg.Inventory.SeedStock)
		if err := mysqlDB.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("migrate mysql: %w", err)
		}
		return mysqlDB, nil
	}

	switch cfg.Inventory.Backend {
	case "", "memory":
		b.inventory = storage.NewMemoryInventory(cfg.Inventory.SeedStock)
	case "redis":
		r, err := redisAdapter()
		if err != nil {
			return fail(err)
		}
		b.inventory = r
	case "mysql":
		m, err := mysqlAdapter()
		if err != nil {
			return fail(err)
		}
		b.inventory = m
	case "grpc":
		conn, err := grpc.NewClient(cfg.Inventory.GRPCTarget, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return fail(fmt.Errorf("dial inventory: %w", err))
		}
		b.closers = append(b.closers, conn.Close)
		b.inventory = storage.NewGRPCInventory(conn, cfg.Inventory.GRPCTimeout())
	default:
		return fail(fmt.Errorf("unsupported inventory backend: %s", cfg.Inventory.Backend))
	}
	logger.Infow("inventory_backend", "backend", cfg.Inventory.Backend)

	switch cfg.Ledger.Driver {
	case "", "memory":
		b.ledger = storage.NewMemoryLedger()
	case "mysql":
		m, err := mysqlAdapter()
		if err != nil {
			return fail(err)
		}
		b.ledger = m
	default:
		if cfg.Ledger.Driver == "sqlite" {
			if dir := filepath.Dir(cfg.Ledger.DSN); dir != "." {
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return fail(fmt.Errorf("create ledger dir: %w", err))
				}
			}
		}
		db, err := storage.OpenGorm(cfg.Ledger.Driver, cfg.Ledger.DSN)
		if err != nil {
			return fail(fmt.Errorf("open ledger: %w", err))
		}
		if sqlDB, err := db.DB(); err == nil {
			b.closers = append(b.closers, sqlDB.Close)
		}
		ledger := storage.NewGormLedger(db)
		if err := ledger.Migrate(); err != nil {
			return fail(fmt.Errorf("migrate ledger: %w", err))
		}
		b.ledger = ledger
	}
	logger.Infow("ledger_backend", "driver", cfg.Ledger.Driver)

	switch cfg.Session.Store {
	case "", "memory":
		kv := storage.NewMemoryKV()
		b.store = kv
		if cfg.Session.DistributedLock {
			b.lock = kv
		}
	case "redis":
		r, err := redisAdapter()
		if err != nil {
			return fail(err)
		}
		b.store = r
		if cfg.Session.DistributedLock {
			b.lock = r
		}
	default:
		return fail(fmt.Errorf("unsupported session store: %s", cfg.Session.Store))
	}
	logger.Infow("session_store", "store", cfg.Session.Store, "distributed_lock", cfg.Session.DistributedLock)

	return b, nil
}

// auditCheckoutFailures records every failed checkout with its reason.
func auditCheckoutFailures(events <-chan domain.Event) {
	for ev := range events {
		if ev.Kind != domain.EventCheckoutResult || ev.Checkout == nil {
			continue
		}
		if ev.Checkout.Outcome == domain.CheckoutFailed {
			logger.Warnw("checkout_failed",
				"session_id", ev.SessionID, "reason", ev.Checkout.Reason, "sku", ev.Checkout.SKU)
		}
	}
}
