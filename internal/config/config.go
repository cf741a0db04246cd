package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
)

const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
)

type Config struct {
	HTTP      HTTPConfig
	Store     StoreConfig
	Redis     RedisConfig
	Auth      AuthConfig
	Log       LogConfig
	RateLimit RateLimitConfig
	Cache     CacheConfig
}

type HTTPConfig struct {
	Addr            string        `env:"HTTP_ADDR,default=:9091"`
	ReadTimeout     time.Duration `env:"HTTP_READ_TIMEOUT,default=10s"`
	WriteTimeout    time.Duration `env:"HTTP_WRITE_TIMEOUT,default=15s"`
	ShutdownTimeout time.Duration `env:"HTTP_SHUTDOWN_TIMEOUT,default=5s"`
	GinMode         string        `env:"GIN_MODE,default=release"`
}

type StoreConfig struct {
	Driver       string        `env:"STORE_DRIVER,default=memory"`
	DSN          string        `env:"DATABASE_URL"`
	AutoMigrate  bool          `env:"DB_AUTO_MIGRATE,default=true"`
	MaxOpenConns int           `env:"DB_MAX_OPEN_CONNS,default=20"`
	MaxIdleConns int           `env:"DB_MAX_IDLE_CONNS,default=10"`
	TxTimeout    time.Duration `env:"DB_TX_TIMEOUT,default=10s"`
}

// RedisConfig пустой URL отключает кэш и лимитер
type RedisConfig struct {
	URL string `env:"REDIS_URL"`
}

type AuthConfig struct {
	JWTSecret string        `env:"JWT_SECRET"`
	Issuer    string        `env:"JWT_ISSUER,default=storefront"`
	TokenTTL  time.Duration `env:"JWT_TTL,default=24h"`
}

type LogConfig struct {
	Level  string `env:"LOG_LEVEL,default=info"`
	Format string `env:"LOG_FORMAT,default=json"`
}

type RateLimitConfig struct {
	Enabled      bool   `env:"RATE_LIMIT_ENABLED,default=true"`
	FailClosed   bool   `env:"RATE_LIMIT_FAIL_CLOSED,default=false"`
	PoliciesFile string `env:"RATE_LIMIT_POLICIES_FILE"`
}

type CacheConfig struct {
	CatalogTTL   time.Duration `env:"CACHE_CATALOG_TTL,default=5m"`
	ProductTTL   time.Duration `env:"CACHE_PRODUCT_TTL,default=10m"`
	CartCountTTL time.Duration `env:"CACHE_CART_COUNT_TTL,default=30s"`
}

// Load читает необязательные .env файлы (по умолчанию ".env"), затем окружение.
// Уже заданные переменные окружения не перезаписываются.
func Load(files ...string) (Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return Config{}, fmt.Errorf("load %s: %w", f, err)
		}
	}

	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, fmt.Errorf("decode env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.Store.Driver {
	case DriverMemory:
	case DriverPostgres:
		if c.Store.DSN == "" {
			return errors.New("config: DATABASE_URL is required for the postgres driver")
		}
	default:
		return fmt.Errorf("config: unknown STORE_DRIVER %q", c.Store.Driver)
	}
	if c.Auth.JWTSecret == "" {
		return errors.New("config: JWT_SECRET is required")
	}
	if c.Store.TxTimeout <= 0 || c.HTTP.ShutdownTimeout <= 0 {
		return errors.New("config: timeouts must be positive")
	}
	if c.Cache.CatalogTTL <= 0 || c.Cache.ProductTTL <= 0 || c.Cache.CartCountTTL <= 0 {
		return errors.New("config: cache TTLs must be positive")
	}
	return nil
}
