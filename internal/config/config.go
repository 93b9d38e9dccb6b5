package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/netip"
	"os"
	"strconv"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/roniherschmann/visitgate/internal/clientip"
)

type Config struct {
	Port     int    `yaml:"port" env:"PORT"`
	Env      string `yaml:"env" env:"APP_ENV"`
	LogLevel string `yaml:"log_level" env:"LOG_LEVEL"`

	Admin AdminConfig `yaml:"admin"`
	Store StoreConfig `yaml:"store"`
	Login LoginConfig `yaml:"login"`
	Visit VisitConfig `yaml:"visit"`

	// Host-only origins allowed to POST to the admin routes cross-site.
	TrustedOrigins []string `yaml:"trusted_origins" env:"TRUSTED_ORIGINS" envSeparator:","`

	// Peers whose forwarding headers are believed, as CIDRs or addresses.
	TrustedProxies []string `yaml:"trusted_proxies" env:"TRUSTED_PROXIES" envSeparator:","`
	// Single-value header set by the edge (e.g. CF-Connecting-IP). Empty
	// means the right-most untrusted X-Forwarded-For hop.
	ClientIPHeader string `yaml:"client_ip_header" env:"CLIENT_IP_HEADER"`

	location *time.Location
	proxies  []netip.Prefix
}

type AdminConfig struct {
	Username      string        `yaml:"username" env:"ADMIN_USERNAME"`
	Password      string        `yaml:"password" env:"ADMIN_PASSWORD"`
	PasswordHash  string        `yaml:"password_hash" env:"ADMIN_PASSWORD_HASH"`
	SessionSecret string        `yaml:"session_secret" env:"SESSION_SECRET"`
	SessionTTL    time.Duration `yaml:"session_ttl" env:"SESSION_TTL"`
	CookieName    string        `yaml:"cookie_name" env:"COOKIE_NAME"`
	// CookieSecure is "true", "false" or empty for "only in production".
	CookieSecure string `yaml:"cookie_secure" env:"COOKIE_SECURE"`
}

type StoreConfig struct {
	Backend   string        `yaml:"backend" env:"STORE_BACKEND"` // file or sqlite
	Path      string        `yaml:"path" env:"STORE_PATH"`
	DBDSN     string        `yaml:"db_dsn" env:"DB_DSN"`
	Timeout   time.Duration `yaml:"timeout" env:"STORE_TIMEOUT"`
	QueueSize int           `yaml:"queue_size" env:"VISIT_QUEUE_SIZE"`
	Salt      string        `yaml:"ip_hash_salt" env:"IP_HASH_SALT"`
	Timezone  string        `yaml:"timezone" env:"ANALYTICS_TIMEZONE"`
	GeoIPPath string        `yaml:"geoip_db_path" env:"GEOIP_DB_PATH"`
}

type LoginConfig struct {
	MaxAttempts int           `yaml:"max_attempts" env:"LOGIN_MAX_ATTEMPTS"`
	Window      time.Duration `yaml:"window" env:"LOGIN_WINDOW"`
	Lockout     time.Duration `yaml:"lockout" env:"LOGIN_LOCKOUT"`
	CacheMB     int           `yaml:"cache_mb" env:"LOGIN_CACHE_MB"`
}

// VisitConfig throttles the public record-visit call per address.
// RateRPS <= 0 disables the throttle.
type VisitConfig struct {
	RateRPS   float64 `yaml:"rate_rps" env:"VISIT_RATE_RPS"`
	RateBurst int     `yaml:"rate_burst" env:"VISIT_RATE_BURST"`
}

func Default() *Config {
	return &Config{
		Port:     8080,
		Env:      "development",
		LogLevel: "info",
		Admin: AdminConfig{
			SessionTTL: time.Hour,
			CookieName: "admin-session",
		},
		Store: StoreConfig{
			Backend:   "file",
			Path:      "data/analytics.json",
			DBDSN:     "file:data/visitgate.db?_busy_timeout=5000",
			Timeout:   5 * time.Second,
			QueueSize: 1024,
			Timezone:  "UTC",
		},
		Login: LoginConfig{
			MaxAttempts: 5,
			Window:      10 * time.Minute,
			Lockout:     10 * time.Minute,
			CacheMB:     8,
		},
		Visit: VisitConfig{
			RateRPS:   2,
			RateBurst: 20,
		},
		TrustedProxies: append([]string(nil), clientip.DefaultTrusted...),
	}
}

// Load layers defaults, the optional YAML file at path, a .env file in the
// working directory, and finally the process environment.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

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
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Store.Backend {
	case "file", "sqlite":
	default:
		return fmt.Errorf("STORE_BACKEND must be file or sqlite, got %q", c.Store.Backend)
	}
	// cookie Max-Age has whole-second resolution; zero would mean no bound
	if c.Admin.SessionTTL < time.Second {
		return fmt.Errorf("SESSION_TTL must be at least 1s")
	}
	if c.Store.Timeout <= 0 {
		return fmt.Errorf("STORE_TIMEOUT must be positive")
	}
	if c.Admin.CookieName == "" {
		return fmt.Errorf("COOKIE_NAME must not be empty")
	}
	if c.Admin.CookieSecure != "" {
		if _, err := strconv.ParseBool(c.Admin.CookieSecure); err != nil {
			return fmt.Errorf("COOKIE_SECURE: %w", err)
		}
	}
	loc, err := time.LoadLocation(c.Store.Timezone)
	if err != nil {
		return fmt.Errorf("ANALYTICS_TIMEZONE: %w", err)
	}
	c.location = loc

	proxies, err := clientip.ParsePrefixes(c.TrustedProxies)
	if err != nil {
		return fmt.Errorf("TRUSTED_PROXIES: %w", err)
	}
	c.proxies = proxies
	return nil
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func (c *Config) Location() *time.Location {
	if c.location == nil {
		return time.UTC
	}
	return c.location
}

// Proxies returns the parsed trusted proxy networks.
func (c *Config) Proxies() []netip.Prefix {
	if c.proxies == nil {
		p, _ := clientip.ParsePrefixes(c.TrustedProxies)
		return p
	}
	return c.proxies
}

func (c *Config) SecureCookies() bool {
	if v, err := strconv.ParseBool(c.Admin.CookieSecure); err == nil {
		return v
	}
	return c.IsProduction()
}

func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// Missing lists required options that are unset. Missing options do not stop
// the service; the endpoints that need them refuse requests instead.
func (c *Config) Missing() []string {
	var out []string
	if c.Admin.Username == "" {
		out = append(out, "ADMIN_USERNAME")
	}
	if c.Admin.Password == "" && c.Admin.PasswordHash == "" {
		out = append(out, "ADMIN_PASSWORD")
	}
	if c.Admin.SessionSecret == "" {
		out = append(out, "SESSION_SECRET")
	}
	if c.Store.Salt == "" {
		out = append(out, "IP_HASH_SALT")
	}
	return out
}
