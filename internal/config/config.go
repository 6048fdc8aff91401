package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Config holds the whole service configuration
type Config struct {
	Port          string `validate:"required,numeric"`
	LogLevel      string `validate:"oneof=debug info warn error"`
	EnableMetrics bool

	DB      DBConfig
	Cache   CacheConfig
	Auth    AuthConfig
	Oracle  OracleConfig
	ETA     ETAConfig
	Ingest  IngestConfig
	Routing RoutingConfig
	NATS    NATSConfig
}

// DBConfig selects and configures the durable store
type DBConfig struct {
	Driver     string `validate:"oneof=postgres sqlite"`
	Host       string `validate:"required_if=Driver postgres"`
	Port       int    `validate:"min=1,max=65535"`
	Name       string `validate:"required_if=Driver postgres"`
	User       string
	Password   string
	SSLMode    string `validate:"oneof=disable allow prefer require verify-ca verify-full"`
	MinConns   int32  `validate:"min=0"`
	MaxConns   int32  `validate:"min=1,gtefield=MinConns"`
	SQLitePath string `validate:"required_if=Driver sqlite"`
}

// CacheConfig selects and configures the positional cache
type CacheConfig struct {
	Backend       string `validate:"oneof=redis memory"`
	RedisHost     string `validate:"required_if=Backend redis"`
	RedisPort     int    `validate:"min=1,max=65535"`
	RedisPassword string
	RedisDB       int `validate:"min=0"`
	RedisTLS      bool
	MemorySize    int           `validate:"min=0"` // 0 means unbounded
	SweepInterval time.Duration `validate:"min=1s"`
}

// AuthConfig configures device credential resolution
type AuthConfig struct {
	SharedSecret   string
	DeviceKeysFile string `validate:"omitempty,file"`
}

// OracleConfig configures the travel-time oracle client
type OracleConfig struct {
	APIKey     string
	BaseURL    string        `validate:"required,url"`
	Timeout    time.Duration `validate:"min=100ms"`
	RatePerSec float64       `validate:"min=0"`
}

// ETAConfig tunes the arrival estimate pipeline
type ETAConfig struct {
	CacheTTL          time.Duration `validate:"min=1s"`
	StaleWindow       time.Duration `validate:"min=0"`
	SafetyBuffer      time.Duration `validate:"min=0"`
	ApproachThreshold time.Duration `validate:"min=0"`
}

// IngestConfig tunes the GPS ingest path
type IngestConfig struct {
	DedupWindow time.Duration `validate:"min=0"`
	RatePerSec  int           `validate:"min=0"`
}

// RoutingConfig tunes the route mapping resolver
type RoutingConfig struct {
	ToleranceMeters float64       `validate:"gt=0"`
	RefreshInterval time.Duration `validate:"min=0"`
}

// NATSConfig enables cross-instance fan-out when URL is set
type NATSConfig struct {
	URL string `validate:"omitempty,url"`
}

// Load reads an optional .env file, then builds and validates the configuration
func Load() (*Config, error) {
	// .env is optional; real environment variables take precedence
	_ = godotenv.Load()
	return FromEnv()
}

// FromEnv builds the configuration from the process environment
func FromEnv() (*Config, error) {
	p := &envParser{}

	cfg := &Config{
		Port:          p.str("API_PORT", "8080"),
		LogLevel:      strings.ToLower(p.str("LOG_LEVEL", "info")),
		EnableMetrics: p.boolean("ENABLE_METRICS", true),
		DB: DBConfig{
			Driver:     p.str("DB_DRIVER", "postgres"),
			Host:       p.str("DB_HOST", "localhost"),
			Port:       p.integer("DB_PORT", 5432),
			Name:       p.str("DB_NAME", "transit_tracker"),
			User:       p.str("DB_USER", "postgres"),
			Password:   p.str("DB_PASSWORD", ""),
			SSLMode:    p.str("DB_SSLMODE", "disable"),
			MinConns:   int32(p.integer("DB_MIN_CONNS", 2)),
			MaxConns:   int32(p.integer("DB_MAX_CONNS", 20)),
			SQLitePath: p.str("SQLITE_PATH", "tracker.db"),
		},
		Cache: CacheConfig{
			Backend:       p.str("CACHE_BACKEND", "redis"),
			RedisHost:     p.str("REDIS_HOST", "localhost"),
			RedisPort:     p.integer("REDIS_PORT", 6379),
			RedisPassword: p.str("REDIS_PASSWORD", ""),
			RedisDB:       p.integer("REDIS_DB", 0),
			RedisTLS:      p.boolean("REDIS_TLS_ENABLED", false),
			MemorySize:    p.integer("CACHE_MEMORY_SIZE", 0),
			SweepInterval: p.duration("CACHE_SWEEP_INTERVAL", time.Minute),
		},
		Auth: AuthConfig{
			SharedSecret:   p.str("API_KEY_SECRET", ""),
			DeviceKeysFile: p.str("DEVICE_KEYS_FILE", ""),
		},
		Oracle: OracleConfig{
			APIKey:     p.str("GOOGLE_API_KEY", ""),
			BaseURL:    p.str("ORACLE_URL", "https://maps.googleapis.com/maps/api/directions/json"),
			Timeout:    p.duration("ORACLE_TIMEOUT", 5*time.Second),
			RatePerSec: p.float("ORACLE_RATE_PER_SEC", 10),
		},
		ETA: ETAConfig{
			CacheTTL:          time.Duration(p.integer("ETA_CACHE_TTL_SECONDS", 30)) * time.Second,
			StaleWindow:       p.duration("ETA_STALE_WINDOW", 10*time.Minute),
			SafetyBuffer:      time.Duration(p.float("ETA_SAFETY_BUFFER_MINUTES", 1) * float64(time.Minute)),
			ApproachThreshold: time.Duration(p.float("ETA_APPROACH_MINUTES", 2) * float64(time.Minute)),
		},
		Ingest: IngestConfig{
			DedupWindow: p.duration("INGEST_DEDUP_WINDOW", time.Second),
			RatePerSec:  p.integer("INGEST_RATE_PER_SEC", 5),
		},
		Routing: RoutingConfig{
			ToleranceMeters: p.float("ROUTE_TOLERANCE_METERS", 50),
			RefreshInterval: p.duration("ROUTE_REFRESH_INTERVAL", 10*time.Minute),
		},
		NATS: NATSConfig{
			URL: p.str("NATS_URL", ""),
		},
	}

	if len(p.errs) > 0 {
		return nil, errors.Join(p.errs...)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration against its struct constraints
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value()))
			}
			return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// envParser reads typed environment variables and collects parse errors
type envParser struct {
	errs []error
}

func (p *envParser) str(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func (p *envParser) integer(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: invalid integer %q", key, v))
		return def
	}
	return n
}

func (p *envParser) float(key string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: invalid number %q", key, v))
		return def
	}
	return f
}

func (p *envParser) boolean(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: invalid boolean %q", key, v))
		return def
	}
	return b
}

func (p *envParser) duration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: invalid duration %q", key, v))
		return def
	}
	return d
}
