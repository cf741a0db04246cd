// @title Storefront API
// @version 1.0
// @description Catalog, cart and order fulfillment backend
// @BasePath /api/v1
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"storefront/internal/auth"
	"storefront/internal/cache"
	"storefront/internal/config"
	httpapi "storefront/internal/http"
	"storefront/internal/logging"
	"storefront/internal/metrics"
	"storefront/internal/ratelimit"
	"storefront/internal/repository"
	"storefront/internal/service"

	_ "storefront/docs"
)

type stores struct {
	products repository.ProductRepository
	carts    repository.CartRepository
	orders   repository.OrderRepository
	tx       repository.TxManager
	db       *sqlx.DB
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("config")
	}
	log := logging.New(cfg.Log)
	gin.SetMode(cfg.HTTP.GinMode)

	st, err := openStores(cfg.Store, log)
	if err != nil {
		log.WithError(err).Fatal("store")
	}

	var rdb redis.UniversalClient
	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			log.WithError(err).Fatal("redis url")
		}
		rdb = redis.NewClient(opts)
	} else {
		log.Warn("REDIS_URL not set: cache and rate limiting disabled")
	}

	m := metrics.New()
	c := cache.New(rdb, log, cache.WithCounter(m.CacheOps))

	var limiter *ratelimit.Limiter
	if cfg.RateLimit.Enabled && rdb != nil {
		policies, err := ratelimit.LoadPolicies(cfg.RateLimit.PoliciesFile)
		if err != nil {
			log.WithError(err).Fatal("rate limit policies")
		}
		limiter = ratelimit.New(rdb, policies,
			ratelimit.FailClosed(cfg.RateLimit.FailClosed),
			ratelimit.WithLogger(log),
			ratelimit.WithCounter(m.RateLimitDecisions),
		)
	}

	ttl := service.CacheTTL{
		Catalog:   cfg.Cache.CatalogTTL,
		Product:   cfg.Cache.ProductTTL,
		CartCount: cfg.Cache.CartCountTTL,
	}
	productsSvc := service.NewProductService(st.products, st.tx, c, ttl, log)
	cartSvc := service.NewCartService(st.products, st.carts, c, ttl, log)
	ordersSvc := service.NewOrderService(st.products, st.carts, st.orders, st.tx, c, log, service.WithOrderCounter(m.Orders))

	srv := httpapi.NewServer(httpapi.Deps{
		Products: productsSvc,
		Cart:     cartSvc,
		Orders:   ordersSvc,
		Auth:     auth.NewJWTResolver(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.TokenTTL),
		Limiter:  limiter,
		Metrics:  m,
		Log:      log,
		Health:   healthCheck(st.db, rdb),
	})

	httpServer := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      srv.Engine(),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	go func() {
		log.WithField("addr", httpServer.Addr).WithField("store", cfg.Store.Driver).Info("HTTP server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	ctx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.WithError(err).Error("shutdown error")
	}
	if rdb != nil {
		_ = rdb.Close()
	}
	if st.db != nil {
		_ = st.db.Close()
	}
	log.Info("stopped")
}

func openStores(cfg config.StoreConfig, log logrus.FieldLogger) (stores, error) {
	if cfg.Driver != config.DriverPostgres {
		store := repository.NewMemoryStore()
		return stores{
			products: store,
			carts:    repository.NewMemoryCarts(store),
			orders:   repository.NewMemoryOrders(store),
			tx:       repository.NewMemoryTx(store).WithTimeout(cfg.TxTimeout),
		}, nil
	}

	db, err := sqlx.Open("postgres", cfg.DSN)
	if err != nil {
		return stores{}, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return stores{}, fmt.Errorf("ping postgres: %w", err)
	}
	if cfg.AutoMigrate {
		if err := repository.Migrate(db.DB); err != nil {
			_ = db.Close()
			return stores{}, err
		}
		log.Info("migrations applied")
	}
	store := repository.NewPostgresStore(db)
	return stores{
		products: store,
		carts:    repository.NewPostgresCarts(store),
		orders:   repository.NewPostgresOrders(store),
		tx:       repository.NewPostgresTx(db, cfg.TxTimeout),
		db:       db,
	}, nil
}

func healthCheck(db *sqlx.DB, rdb redis.UniversalClient) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		if db != nil {
			if err := db.PingContext(ctx); err != nil {
				return fmt.Errorf("postgres: %w", err)
			}
		}
		if rdb != nil {
			if err := rdb.Ping(ctx).Err(); err != nil {
				return fmt.Errorf("redis: %w", err)
			}
		}
		return nil
	}
}
