package app

import (
	"context"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"github.com/go-faster/sdk/zctx"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/kart-discounts/internal/cache"
	"github.com/xenking/kart-discounts/internal/domain/discount"
	"github.com/xenking/kart-discounts/internal/domain/order"
	"github.com/xenking/kart-discounts/internal/handler"
	"github.com/xenking/kart-discounts/internal/repository"
	"github.com/xenking/kart-discounts/internal/sweeper"
	"github.com/xenking/kart-discounts/pkg/health"
	"github.com/xenking/kart-discounts/pkg/httpmiddleware"
)

// Run creates all dependencies, starts the HTTP server and the expiry sweeper,
// and handles graceful shutdown. It is the single wiring point for the
// application.
func Run(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config) error {
	lg.Info("Initializing", zap.String("addr", cfg.Addr))

	// PostgreSQL pool + migrations.
	pool, err := repository.NewPool(ctx, cfg.DatabaseURL, cfg.MaxConns)
	if err != nil {
		return errors.Wrap(err, "create db pool")
	}
	defer pool.Close()

	if err := repository.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	// Redis is optional: it backs the catalog cache and the sweeper lock.
	var rdb redis.UniversalClient
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer func() { _ = client.Close() }()
		rdb = client
		lg.Info("Redis enabled", zap.String("addr", cfg.Redis.Addr), zap.Duration("cache_ttl", cfg.Redis.CacheTTL))
	}

	st, err := newStack(ctx, m, pool, rdb, cfg)
	if err != nil {
		return err
	}

	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		Addr:              cfg.Addr,
		Handler:           st.handler,
	}

	st.health.Start(ctx, 10*time.Second)
	st.health.SetReady(true)

	g, gctx := errgroup.WithContext(ctx)
	if cfg.Sweeper.Enabled {
		sw := sweeper.New(st.discounts, st.invalidator, st.locker, lg.Named("sweeper"),
			sweeper.WithLockTTL(cfg.Sweeper.LockTTL),
		)
		g.Go(func() error {
			return sw.Run(gctx, cfg.Sweeper.Schedule)
		})
	}

	// Graceful shutdown: wait for cancellation, drain, then stop.
	g.Go(func() error {
		<-gctx.Done()
		st.health.SetReady(false)
		lg.Info("Readiness set to false, draining", zap.Duration("delay", cfg.Graceful.ReadinessDelay))
		time.Sleep(cfg.Graceful.ReadinessDelay)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Graceful.ShutdownTimeout)
		defer cancel()

		lg.Info("Shutting down server", zap.Duration("timeout", cfg.Graceful.ShutdownTimeout))
		if err := server.Shutdown(shutdownCtx); err != nil {
			lg.Error("Server shutdown error", zap.Error(err))
		}
		st.health.Stop()
		return nil
	})

	g.Go(func() error {
		lg.Info("Server listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "server")
		}
		return nil
	})
	return g.Wait()
}

// stack is the assembled HTTP surface plus the pieces the sweeper needs.
type stack struct {
	handler     http.Handler
	health      *health.Health
	discounts   *repository.DiscountRepository
	invalidator handler.Invalidator
	locker      sweeper.Locker
}

// newStack wires repositories, domain services and the middleware chain.
// rdb may be nil.
func newStack(
	ctx context.Context,
	tel httpmiddleware.Telemetry,
	pool *pgxpool.Pool,
	rdb redis.UniversalClient,
	cfg *Config,
) (*stack, error) {
	// Health check service.
	healthSvc := health.New()
	healthSvc.AddReadinessCheck("postgres", 5*time.Second, health.PingCheck(pool))
	healthSvc.AddLivenessCheck("goroutines", time.Second, health.GoroutineCountCheck(10000))

	// Repositories.
	productRepo := repository.NewProductRepository(pool)
	discountRepo := repository.NewDiscountRepository(pool)
	customerRepo := repository.NewCustomerRepository(pool)
	orderRepo := repository.NewOrderRepository(pool)
	apikeyRepo := repository.NewAPIKeyRepository(pool)
	redemptionRepo := repository.NewRedemptionRepository(pool, cfg.Redemption.Attempts)

	var (
		catalog     discount.Catalog = discountRepo
		redemptions discount.RedemptionStore = redemptionRepo
		invalidator handler.Invalidator
		locker      sweeper.Locker = sweeper.LocalLocker{}
	)
	if rdb != nil {
		cached := cache.NewCatalog(discountRepo, cache.NewRedisStore(rdb), cfg.Redis.CacheTTL)
		catalog, invalidator = cached, cached
		redemptions = cached.Redemptions(redemptionRepo)
		locker = sweeper.NewRedisLocker(rdb)
	}

	// Domain services.
	engine := discount.NewEngine(catalog, discount.DefaultRegistry())
	recorder := discount.NewRecorder(redemptions)
	orderService, err := order.NewService(productRepo, engine, recorder, customerRepo, orderRepo,
		order.WithTracerProvider(tel.TracerProvider()),
		order.WithMeterProvider(tel.MeterProvider()),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create order service")
	}

	// HTTP handlers.
	h := handler.New(
		handler.Config{ImageBaseURL: cfg.ImageBaseURL, Pepper: []byte(cfg.APIKeyPepper)},
		productRepo,
		orderService,
		discountRepo,
		recorder,
		apikeyRepo,
		invalidator,
	)

	// Router: health endpoints + API routes on one server.
	router := h.Router()
	router.Get("/livez", healthSvc.LiveEndpoint)
	router.Get("/readyz", healthSvc.ReadyEndpoint)
	routeFinder := handler.RouteFinder(router)

	return &stack{
		handler: httpmiddleware.Wrap(router,
			httpmiddleware.Recovery(),
			httpmiddleware.CORS(httpmiddleware.CORSConfig{
				AllowOrigins:     cfg.CORS.Origins,
				AllowHeaders:     []string{"Content-Type", "Authorization", handler.APIKeyHeader},
				AllowCredentials: cfg.CORS.AllowCredentials,
				MaxAge:           86400,
			}),
			httpmiddleware.RateLimitWithCleanup(ctx, httpmiddleware.RateLimitConfig{
				Max:     cfg.RateLimit.Max,
				Window:  cfg.RateLimit.Window,
				KeyFunc: httpmiddleware.APIKeyOrIP(handler.APIKeyHeader),
			}),
			httpmiddleware.RequestID(),
			httpmiddleware.InjectLogger(zctx.From(ctx)),
			httpmiddleware.Instrument("kart-api", routeFinder, tel),
			httpmiddleware.LogRequests(routeFinder),
			httpmiddleware.Labeler(routeFinder),
		),
		health:      healthSvc,
		discounts:   discountRepo,
		invalidator: invalidator,
		locker:      locker,
	}, nil
}
