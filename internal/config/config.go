// Package config loads service settings.
//
// Sources are applied in order, later ones winning: built-in defaults, an
// optional YAML file, a .env file (values already present in the process
// environment are not replaced), then AUTHCORE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"prodtrack.io/authcore/internal/auth"
)

const envPrefix = "AUTHCORE_"

type Config struct {
	HTTP      HTTPConfig      `yaml:"http"`
	GRPC      GRPCConfig      `yaml:"grpc"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	Redis     RedisConfig     `yaml:"redis"`
	Auth      AuthConfig      `yaml:"auth"`
	Cookie    CookieConfig    `yaml:"cookie"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	Log       LogConfig       `yaml:"log"`
}

type HTTPConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
	CORSOrigins     []string      `yaml:"cors_origins"`
}

// GRPCConfig enables the gRPC listener when Addr is set.
type GRPCConfig struct {
	Addr string `yaml:"addr"`
}

// PostgresConfig selects the PostgreSQL store. An empty DSN runs the service
// on the in-memory store.
type PostgresConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

type RedisConfig struct {
	URL           string        `yaml:"url"`
	OpTimeout     time.Duration `yaml:"op_timeout"`
	LookupTimeout time.Duration `yaml:"lookup_timeout"`
}

type AuthConfig struct {
	Secret           string        `yaml:"secret"`
	Issuer           string        `yaml:"issuer"`
	AccessTTL        time.Duration `yaml:"access_ttl"`
	RefreshTTL       time.Duration `yaml:"refresh_ttl"`
	DegradePolicy    string        `yaml:"degrade_policy"`
	DisabledFeatures []string      `yaml:"disabled_features"`
}

type CookieConfig struct {
	Name     string `yaml:"name"`
	Domain   string `yaml:"domain"`
	Secure   bool   `yaml:"secure"`
	SameSite string `yaml:"same_site"`
}

// RateLimitConfig bounds login attempts per client address. X-Forwarded-For
// is only honoured when the direct peer is listed in TrustedProxies.
type RateLimitConfig struct {
	LoginRPS       float64  `yaml:"login_rps"`
	LoginBurst     int      `yaml:"login_burst"`
	TrustedProxies []string `yaml:"trusted_proxies"`
}

// Proxies parses TrustedProxies. Entries are CIDR prefixes or single addresses.
func (c RateLimitConfig) Proxies() ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(c.TrustedProxies))
	for _, raw := range c.TrustedProxies {
		raw = strings.TrimSpace(raw)
		if strings.Contains(raw, "/") {
			pfx, err := netip.ParsePrefix(raw)
			if err != nil {
				return nil, fmt.Errorf("rate_limit.trusted_proxies: %w", err)
			}
			out = append(out, pfx.Masked())
			continue
		}
		addr, err := netip.ParseAddr(raw)
		if err != nil {
			return nil, fmt.Errorf("rate_limit.trusted_proxies: %w", err)
		}
		addr = addr.Unmap()
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}

// KafkaConfig enables the audit event stream when Brokers is non-empty.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Addr:            ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			MaxBodyBytes:    1 << 20,
		},
		Postgres: PostgresConfig{
			MaxOpenConns:    50,
			MaxIdleConns:    25,
			ConnMaxLifetime: 15 * time.Minute,
			ConnMaxIdleTime: 5 * time.Minute,
		},
		Redis: RedisConfig{
			URL:           "redis://localhost:6379/0",
			OpTimeout:     time.Second,
			LookupTimeout: 500 * time.Millisecond,
		},
		Auth: AuthConfig{
			Issuer:        "authcore",
			AccessTTL:     auth.DefaultAccessTTL,
			RefreshTTL:    auth.DefaultRefreshTTL,
			DegradePolicy: auth.DegradeOpen.String(),
		},
		Cookie: CookieConfig{
			Name:     "access_token",
			Secure:   true,
			SameSite: "lax",
		},
		RateLimit: RateLimitConfig{
			LoginRPS:   1,
			LoginBurst: 5,
		},
		Kafka: KafkaConfig{Topic: "authcore.audit"},
		Log:   LogConfig{Level: "info", Format: "json"},
	}
}

// Load builds the configuration. path may be empty to skip the YAML file.
// envFiles defaults to ".env"; missing env files are ignored.
func Load(path string, envFiles ...string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("loading %s: %w", f, err)
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(envPrefix + key); ok {
			*dst = strings.TrimSpace(v)
		}
	}
	list := func(key string, dst *[]string) {
		if v, ok := os.LookupEnv(envPrefix + key); ok {
			*dst = splitList(v)
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v, ok := os.LookupEnv(envPrefix + key); ok {
			d, err := time.ParseDuration(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, key, err))
				return
			}
			*dst = d
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := os.LookupEnv(envPrefix + key); ok {
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, key, err))
				return
			}
			*dst = b
		}
	}

	str("HTTP_ADDR", &cfg.HTTP.Addr)
	list("CORS_ORIGINS", &cfg.HTTP.CORSOrigins)
	str("GRPC_ADDR", &cfg.GRPC.Addr)
	str("PG_DSN", &cfg.Postgres.DSN)
	str("REDIS_URL", &cfg.Redis.URL)
	dur("REDIS_OP_TIMEOUT", &cfg.Redis.OpTimeout)
	dur("SESSION_LOOKUP_TIMEOUT", &cfg.Redis.LookupTimeout)
	str("SECRET", &cfg.Auth.Secret)
	str("ISSUER", &cfg.Auth.Issuer)
	dur("ACCESS_TTL", &cfg.Auth.AccessTTL)
	dur("REFRESH_TTL", &cfg.Auth.RefreshTTL)
	str("DEGRADE_POLICY", &cfg.Auth.DegradePolicy)
	list("DISABLED_FEATURES", &cfg.Auth.DisabledFeatures)
	str("COOKIE_NAME", &cfg.Cookie.Name)
	str("COOKIE_DOMAIN", &cfg.Cookie.Domain)
	boolean("COOKIE_SECURE", &cfg.Cookie.Secure)
	str("COOKIE_SAMESITE", &cfg.Cookie.SameSite)
	list("KAFKA_BROKERS", &cfg.Kafka.Brokers)
	list("TRUSTED_PROXIES", &cfg.RateLimit.TrustedProxies)
	str("KAFKA_TOPIC", &cfg.Kafka.Topic)
	str("LOG_LEVEL", &cfg.Log.Level)
	str("LOG_FORMAT", &cfg.Log.Format)

	return errors.Join(errs...)
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate checks the configuration for values the service cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if len(c.Auth.Secret) < auth.MinSecretLength {
		errs = append(errs, fmt.Errorf("auth.secret must be at least %d characters", auth.MinSecretLength))
	}
	if c.Auth.AccessTTL <= 0 {
		errs = append(errs, errors.New("auth.access_ttl must be positive"))
	}
	if c.Auth.RefreshTTL <= 0 {
		errs = append(errs, errors.New("auth.refresh_ttl must be positive"))
	}
	if _, err := auth.ParseDegradePolicy(c.Auth.DegradePolicy); err != nil {
		errs = append(errs, err)
	}
	if c.Redis.LookupTimeout <= 0 {
		errs = append(errs, errors.New("redis.lookup_timeout must be positive"))
	}
	if c.HTTP.Addr == "" {
		errs = append(errs, errors.New("http.addr is required"))
	}
	switch strings.ToLower(c.Cookie.SameSite) {
	case "lax", "strict":
	case "none":
		if !c.Cookie.Secure {
			errs = append(errs, errors.New("cookie.same_site=none requires cookie.secure"))
		}
	default:
		errs = append(errs, fmt.Errorf("cookie.same_site %q must be lax, strict or none", c.Cookie.SameSite))
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("log.format %q must be json or console", c.Log.Format))
	}
	if c.RateLimit.LoginRPS < 0 || c.RateLimit.LoginBurst < 0 {
		errs = append(errs, errors.New("rate_limit values must not be negative"))
	}
	if _, err := c.RateLimit.Proxies(); err != nil {
		errs = append(errs, err)
	}
	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		errs = append(errs, errors.New("kafka.topic is required when brokers are set"))
	}
	return errors.Join(errs...)
}

// Policy returns the parsed degrade policy. Call after Validate.
func (c AuthConfig) Policy() auth.DegradePolicy {
	p, _ := auth.ParseDegradePolicy(c.DegradePolicy)
	return p
}

// Features returns the feature gate described by DisabledFeatures.
func (c AuthConfig) Features() auth.FeatureGate {
	if len(c.DisabledFeatures) == 0 {
		return auth.AllFeatures
	}
	return auth.DisabledFeatures(c.DisabledFeatures...)
}

func (c CookieConfig) SameSiteMode() http.SameSite {
	switch strings.ToLower(c.SameSite) {
	case "strict":
		return http.SameSiteStrictMode
	case "none":
		return http.SameSiteNoneMode
	default:
		return http.SameSiteLaxMode
	}
}
