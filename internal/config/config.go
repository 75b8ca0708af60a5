package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	AuditModeAsync = "async"
	AuditModeSync  = "sync"
)

type Config struct {
	Role        string
	APIPort     int
	DatabaseURL string
	RedisURL    string
	AdminToken  string

	LogLevel  string
	LogFormat string

	OutboundTimeout          time.Duration
	ConnectTimeout           time.Duration
	MaxBodyBytes             int64
	VerifyTLS                bool
	BlockPrivateDestinations bool

	AuditMode    string
	AuditTimeout time.Duration

	RouteCacheTTL  time.Duration
	RateLimitRPS   float64
	RateLimitBurst int

	BreakerEnabled      bool
	BreakerFailureRatio float64
	BreakerMinRequests  uint32
	BreakerCooldown     time.Duration

	RetentionDays   int
	ShutdownTimeout time.Duration
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// Parse reads the configuration from the environment.
func Parse() (*Config, error) {
	var p parser
	cfg := &Config{
		Role:       getenv("ROLE", "api"),
		APIPort:    p.int("API_PORT", 8080),
		RedisURL:   os.Getenv("REDIS_URL"),
		AdminToken: getenv("ADMIN_TOKEN", ""),

		LogLevel:  getenv("LOG_LEVEL", "info"),
		LogFormat: getenv("LOG_FORMAT", "json"),

		OutboundTimeout:          p.duration("OUTBOUND_TIMEOUT", 30*time.Second),
		ConnectTimeout:           p.duration("CONNECT_TIMEOUT", 5*time.Second),
		MaxBodyBytes:             int64(p.int("MAX_BODY_BYTES", 10<<20)),
		VerifyTLS:                p.bool("VERIFY_TLS", true),
		BlockPrivateDestinations: p.bool("BLOCK_PRIVATE_DESTINATIONS", false),

		AuditMode:    strings.ToLower(getenv("AUDIT_MODE", AuditModeAsync)),
		AuditTimeout: p.duration("AUDIT_TIMEOUT", 10*time.Second),

		RouteCacheTTL:  p.duration("ROUTE_CACHE_TTL", 0),
		RateLimitRPS:   p.float("RATE_LIMIT_RPS", 0),
		RateLimitBurst: p.int("RATE_LIMIT_BURST", 20),

		BreakerEnabled:      p.bool("BREAKER_ENABLED", false),
		BreakerFailureRatio: p.float("BREAKER_FAILURE_RATIO", 0.5),
		BreakerMinRequests:  uint32(p.int("BREAKER_MIN_REQUESTS", 10)),
		BreakerCooldown:     p.duration("BREAKER_COOLDOWN", 30*time.Second),

		RetentionDays:   p.int("RETENTION_DAYS", 30),
		ShutdownTimeout: p.duration("SHUTDOWN_TIMEOUT", 15*time.Second),
	}
	if p.err != nil {
		return nil, p.err
	}

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if _, err := url.Parse(dbURL); err != nil {
		return nil, fmt.Errorf("invalid DATABASE_URL: %w", err)
	}
	cfg.DatabaseURL = dbURL

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	switch c.Role {
	case "api", "worker", "migrate":
	default:
		return fmt.Errorf("invalid ROLE %q", c.Role)
	}
	if c.APIPort <= 0 || c.APIPort > 65535 {
		return fmt.Errorf("invalid API_PORT: %d", c.APIPort)
	}
	if c.AuditMode != AuditModeAsync && c.AuditMode != AuditModeSync {
		return fmt.Errorf("invalid AUDIT_MODE %q", c.AuditMode)
	}
	if c.OutboundTimeout <= 0 {
		return fmt.Errorf("OUTBOUND_TIMEOUT must be positive")
	}
	if c.MaxBodyBytes <= 0 {
		return fmt.Errorf("MAX_BODY_BYTES must be positive")
	}
	if c.BreakerFailureRatio <= 0 || c.BreakerFailureRatio > 1 {
		return fmt.Errorf("BREAKER_FAILURE_RATIO must be in (0, 1]")
	}
	if c.RedisURL == "" {
		if c.RouteCacheTTL > 0 {
			return fmt.Errorf("ROUTE_CACHE_TTL requires REDIS_URL")
		}
		if c.RateLimitRPS > 0 {
			return fmt.Errorf("RATE_LIMIT_RPS requires REDIS_URL")
		}
	}
	if c.RateLimitRPS > 0 && c.RateLimitBurst < 1 {
		return fmt.Errorf("RATE_LIMIT_BURST must be at least 1")
	}
	return nil
}

// parser keeps the first conversion error so Parse can report it once.
type parser struct {
	err error
}

func (p *parser) fail(key string, err error) {
	if p.err == nil {
		p.err = fmt.Errorf("invalid %s: %w", key, err)
	}
}

func (p *parser) int(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.fail(key, err)
		return def
	}
	return n
}

func (p *parser) float(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		p.fail(key, err)
		return def
	}
	return f
}

func (p *parser) bool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.fail(key, err)
		return def
	}
	return b
}

func (p *parser) duration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.fail(key, err)
		return def
	}
	return d
}
