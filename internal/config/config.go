// Package config loads daemon settings from an optional YAML file, an
// optional .env file and the process environment, in increasing precedence.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/solaceapp/solace-sync/internal/tier"
)

const (
	BillingRevenueCat = "revenuecat"
	BillingStripe     = "stripe"
	BillingStatic     = "static"

	ProfileSQLite   = "sqlite"
	ProfileSupabase = "supabase"
	ProfilePostgres = "postgres"

	DefaultListenAddr    = "127.0.0.1:8787"
	DefaultDataDir       = "./data"
	DefaultEnvFile       = ".env"
	DefaultPeriodicSpec  = "@every 10m"
	DefaultRevenueCatURL = "https://api.revenuecat.com"
)

// SyncConfig tunes the reconciliation engine. Zero durations use the
// engine defaults.
type SyncConfig struct {
	Debounce        time.Duration `yaml:"debounce"`
	MinSyncInterval time.Duration `yaml:"min_sync_interval"`
	CacheTTL        time.Duration `yaml:"cache_ttl"`
	BillingTimeout  time.Duration `yaml:"billing_timeout"`
	ProfileTimeout  time.Duration `yaml:"profile_timeout"`
	PeriodicSpec    string        `yaml:"periodic_spec"`
}

type RevenueCatConfig struct {
	BaseURL       string `yaml:"base_url"`
	APIKey        string `yaml:"api_key"`
	Entitlement   string `yaml:"entitlement"`
	WebhookSecret string `yaml:"webhook_secret"`
}

type StripeConfig struct {
	APIKey        string `yaml:"api_key"`
	WebhookSecret string `yaml:"webhook_secret"`
}

type SupabaseConfig struct {
	URL    string `yaml:"url"`
	APIKey string `yaml:"api_key"`
}

// Config holds all daemon settings.
type Config struct {
	ListenAddr     string   `yaml:"listen_addr"`
	DataDir        string   `yaml:"data_dir"`
	EnvFile        string   `yaml:"env_file"`
	LogLevel       string   `yaml:"log_level"`
	LogFormat      string   `yaml:"log_format"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	// UserID, when set, is signed in at startup.
	UserID string `yaml:"user_id"`

	HTTPTimeout  time.Duration `yaml:"http_timeout"`
	DNSCacheTTL  time.Duration `yaml:"dns_cache_ttl"`
	RefreshRate  float64       `yaml:"refresh_rate"`
	RefreshBurst int           `yaml:"refresh_burst"`
	// TrustProxy keys rate limits on X-Forwarded-For. Enable it only behind
	// a reverse proxy that overwrites the header.
	TrustProxy bool `yaml:"trust_proxy"`

	Sync SyncConfig `yaml:"sync"`

	BillingProvider string           `yaml:"billing_provider"`
	StaticTier      string           `yaml:"static_tier"`
	RevenueCat      RevenueCatConfig `yaml:"revenuecat"`
	Stripe          StripeConfig     `yaml:"stripe"`

	ProfileStore string         `yaml:"profile_store"`
	Supabase     SupabaseConfig `yaml:"supabase"`
	DatabaseURL  string         `yaml:"database_url"`

	// FilePath is the YAML file Load read, if any.
	FilePath string `yaml:"-"`
}

// Default returns a config that runs locally with no external services.
func Default() *Config {
	return &Config{
		ListenAddr: DefaultListenAddr,
		DataDir:    DefaultDataDir,
		EnvFile:    DefaultEnvFile,
		LogLevel:   "info",
		LogFormat:  "auto",
		Sync: SyncConfig{
			PeriodicSpec: DefaultPeriodicSpec,
		},
		BillingProvider: BillingStatic,
		StaticTier:      string(tier.Free),
		RevenueCat: RevenueCatConfig{
			BaseURL: DefaultRevenueCatURL,
		},
		ProfileStore: ProfileSQLite,
	}
}

// Load assembles the config from SOLACE_CONFIG_FILE (optional YAML), the
// .env file (optional) and the environment, then validates it.
func Load() (*Config, error) {
	cfg := Default()

	if path := strings.TrimSpace(os.Getenv("SOLACE_CONFIG_FILE")); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
		cfg.FilePath = path
	}

	if envFile := strings.TrimSpace(os.Getenv("SOLACE_ENV_FILE")); envFile != "" {
		cfg.EnvFile = envFile
	}
	dotenv, err := godotenv.Read(cfg.EnvFile)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn().Err(err).Str("path", cfg.EnvFile).Msg("Failed to read env file, ignoring it")
		}
		dotenv = map[string]string{}
	}

	lookup := func(key string) string {
		if v, ok := os.LookupEnv(key); ok {
			return strings.TrimSpace(v)
		}
		return strings.TrimSpace(dotenv[key])
	}
	if err := cfg.applyEnv(lookup); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	log.Info().Str("path", path).Msg("Loaded configuration file")
	return nil
}

func (c *Config) applyEnv(lookup func(string) string) error {
	setString(lookup, "SOLACE_LISTEN_ADDR", &c.ListenAddr)
	setString(lookup, "SOLACE_DATA_DIR", &c.DataDir)
	setString(lookup, "SOLACE_LOG_LEVEL", &c.LogLevel)
	setString(lookup, "SOLACE_LOG_FORMAT", &c.LogFormat)
	if v := lookup("SOLACE_ALLOWED_ORIGINS"); v != "" {
		c.AllowedOrigins = splitList(v)
	}
	setString(lookup, "SOLACE_USER_ID", &c.UserID)
	setString(lookup, "SOLACE_PERIODIC_SPEC", &c.Sync.PeriodicSpec)

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"SOLACE_HTTP_TIMEOUT", &c.HTTPTimeout},
		{"SOLACE_DNS_CACHE_TTL", &c.DNSCacheTTL},
		{"SOLACE_SYNC_DEBOUNCE", &c.Sync.Debounce},
		{"SOLACE_SYNC_MIN_INTERVAL", &c.Sync.MinSyncInterval},
		{"SOLACE_SYNC_CACHE_TTL", &c.Sync.CacheTTL},
		{"SOLACE_BILLING_TIMEOUT", &c.Sync.BillingTimeout},
		{"SOLACE_PROFILE_TIMEOUT", &c.Sync.ProfileTimeout},
	}
	for _, d := range durations {
		if err := setDuration(lookup, d.key, d.dst); err != nil {
			return err
		}
	}

	if v := lookup("SOLACE_REFRESH_RATE"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("SOLACE_REFRESH_RATE must be a number: %w", err)
		}
		c.RefreshRate = f
	}
	if v := lookup("SOLACE_REFRESH_BURST"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("SOLACE_REFRESH_BURST must be a valid integer: %w", err)
		}
		c.RefreshBurst = n
	}
	if v := lookup("SOLACE_TRUST_PROXY"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("SOLACE_TRUST_PROXY must be a boolean: %w", err)
		}
		c.TrustProxy = b
	}

	setString(lookup, "BILLING_PROVIDER", &c.BillingProvider)
	setString(lookup, "SOLACE_STATIC_TIER", &c.StaticTier)
	setString(lookup, "REVENUECAT_BASE_URL", &c.RevenueCat.BaseURL)
	setString(lookup, "REVENUECAT_API_KEY", &c.RevenueCat.APIKey)
	setString(lookup, "REVENUECAT_ENTITLEMENT", &c.RevenueCat.Entitlement)
	setString(lookup, "REVENUECAT_WEBHOOK_SECRET", &c.RevenueCat.WebhookSecret)
	setString(lookup, "STRIPE_API_KEY", &c.Stripe.APIKey)
	setString(lookup, "STRIPE_WEBHOOK_SECRET", &c.Stripe.WebhookSecret)

	setString(lookup, "PROFILE_STORE", &c.ProfileStore)
	setString(lookup, "SUPABASE_URL", &c.Supabase.URL)
	setString(lookup, "SUPABASE_API_KEY", &c.Supabase.APIKey)
	setString(lookup, "DATABASE_URL", &c.DatabaseURL)

	c.BillingProvider = strings.ToLower(c.BillingProvider)
	c.ProfileStore = strings.ToLower(c.ProfileStore)
	return nil
}

func (c *Config) validate() error {
	var missing []string
	require := func(value, name string) {
		if strings.TrimSpace(value) == "" {
			missing = append(missing, name)
		}
	}

	require(c.ListenAddr, "SOLACE_LISTEN_ADDR")
	require(c.DataDir, "SOLACE_DATA_DIR")

	switch c.BillingProvider {
	case BillingRevenueCat:
		require(c.RevenueCat.APIKey, "REVENUECAT_API_KEY")
		if err := validateBaseURL("REVENUECAT_BASE_URL", c.RevenueCat.BaseURL); err != nil {
			return err
		}
	case BillingStripe:
		require(c.Stripe.APIKey, "STRIPE_API_KEY")
	case BillingStatic:
		if _, err := tier.ParseTier(c.StaticTier); err != nil {
			return fmt.Errorf("SOLACE_STATIC_TIER: %w", err)
		}
	default:
		return fmt.Errorf("BILLING_PROVIDER must be one of %s, %s, %s; got %q",
			BillingRevenueCat, BillingStripe, BillingStatic, c.BillingProvider)
	}

	switch c.ProfileStore {
	case ProfileSQLite:
	case ProfileSupabase:
		require(c.Supabase.URL, "SUPABASE_URL")
		require(c.Supabase.APIKey, "SUPABASE_API_KEY")
		if c.Supabase.URL != "" {
			if err := validateBaseURL("SUPABASE_URL", c.Supabase.URL); err != nil {
				return err
			}
		}
	case ProfilePostgres:
		require(c.DatabaseURL, "DATABASE_URL")
	default:
		return fmt.Errorf("PROFILE_STORE must be one of %s, %s, %s; got %q",
			ProfileSQLite, ProfileSupabase, ProfilePostgres, c.ProfileStore)
	}

	if len(missing) > 0 {
		return fmt.Errorf("missing required settings: %s", strings.Join(missing, ", "))
	}

	for name, d := range map[string]time.Duration{
		"SOLACE_HTTP_TIMEOUT":      c.HTTPTimeout,
		"SOLACE_DNS_CACHE_TTL":     c.DNSCacheTTL,
		"SOLACE_SYNC_DEBOUNCE":     c.Sync.Debounce,
		"SOLACE_SYNC_MIN_INTERVAL": c.Sync.MinSyncInterval,
		"SOLACE_SYNC_CACHE_TTL":    c.Sync.CacheTTL,
		"SOLACE_BILLING_TIMEOUT":   c.Sync.BillingTimeout,
		"SOLACE_PROFILE_TIMEOUT":   c.Sync.ProfileTimeout,
	} {
		if d < 0 {
			return fmt.Errorf("%s must not be negative, got %s", name, d)
		}
	}
	if c.RefreshRate < 0 {
		return fmt.Errorf("SOLACE_REFRESH_RATE must not be negative, got %v", c.RefreshRate)
	}
	if c.RefreshBurst < 0 {
		return fmt.Errorf("SOLACE_REFRESH_BURST must not be negative, got %d", c.RefreshBurst)
	}
	return nil
}

func validateBaseURL(name, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s must be a valid URL: %w", name, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%s must use http or https scheme", name)
	}
	if u.Host == "" {
		return fmt.Errorf("%s must include a host", name)
	}
	return nil
}

func setString(lookup func(string) string, key string, dst *string) {
	if v := lookup(key); v != "" {
		*dst = v
	}
}

func setDuration(lookup func(string) string, key string, dst *time.Duration) error {
	v := lookup(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s must be a duration such as 30s: %w", key, err)
	}
	*dst = d
	return nil
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
