// Package config loads and validates all runtime configuration for the proxy.
//
// Configuration is read from environment variables (preferred for containers)
// or from a config.yaml file in the working directory. Environment variables
// take precedence over the YAML file.
//
// Naming convention: env vars use UPPER_SNAKE_CASE; the YAML file uses the
// same names in lower_snake_case. For example STORE_MODE becomes store_mode
// in YAML.
//
// Nothing is strictly required for the proxy to start: with an empty
// environment it listens on :8080 with a SQLite store under ./data and an
// empty credential pool. Provider keys can be seeded from the environment
// (OPENAI_API_KEY etc.) or written into the store at runtime.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// DefaultKeySecret is the development fallback for KEY_SECRET. Keys minted
// with it verify on any instance running the same default, so production
// deployments must override it; main logs a warning when it is in effect.
const DefaultKeySecret = "modelmux-dev-secret"

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port the HTTP server listens on. Default: 8080.
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	// Default: info.
	LogLevel string

	// MachineID is the machine served when a request carries no machine
	// prefix and no parseable key. Default: "default".
	MachineID string

	// KeySecret is the HMAC secret used to sign and verify API key
	// checksums. Default: DefaultKeySecret (development only).
	KeySecret string

	// RequireAPIKey is the bootstrap default for new machines: when true,
	// requests without a valid key are rejected with 401. Existing machines
	// keep whatever their stored settings say. Default: false.
	RequireAPIKey bool

	// Store selects and configures the machine document store.
	Store StoreConfig

	// Observability controls the async request-detail recorder.
	Observability ObservabilityConfig

	// Estimate tunes token estimation for upstreams that omit usage.
	Estimate EstimateConfig

	// StickyRoundRobinLimit is how many consecutive requests a connection
	// serves before the round-robin strategy advances. Machines can override
	// it in their settings. Default: 3.
	StickyRoundRobinLimit int

	// CORSOrigins is the list of allowed CORS origins.
	// Use ["*"] to allow any origin (default). Set to specific origins in prod.
	CORSOrigins []string

	// Seed lists credentials found in the environment. When the store holds
	// no machine for MachineID at startup, these become its connections.
	Seed []SeedCredential
}

// StoreConfig selects the machine store backend.
type StoreConfig struct {
	// Mode selects the backend:
	//   "sqlite" — single-file store under DataDir. Default; no external deps.
	//   "redis"  — Redis-backed store (requires REDIS_URL). Use for multi-replica.
	//   "memory" — In-process store. Nothing survives a restart.
	Mode string

	// DataDir is where the SQLite databases live. Default: "./data".
	DataDir string

	// RedisURL is a redis:// or rediss:// URL. Required when Mode is "redis".
	RedisURL string
}

// ObservabilityConfig controls the request-detail recorder.
type ObservabilityConfig struct {
	// Enabled turns recording on. Default: true.
	Enabled bool

	// Sink selects where request details go:
	//   "sqlite"     — ring table under DataDir, capped at MaxRecords. Default.
	//   "clickhouse" — batch inserts into ClickHouse (requires CLICKHOUSE_URL).
	//   "log"        — one slog line per request.
	//   "none"       — recorder disabled regardless of Enabled.
	Sink string

	// MaxRecords caps the SQLite ring; oldest rows are deleted past it.
	// Default: 1000.
	MaxRecords int

	// BatchSize triggers a flush when that many records are queued. Default: 20.
	BatchSize int

	// FlushInterval flushes whatever accumulated. Default: 5s.
	FlushInterval time.Duration

	// MaxBodyKB caps captured upstream error bodies, in kilobytes.
	// Default: 1024.
	MaxBodyKB int

	// ClickHouseURL is a clickhouse:// DSN. Required when Sink is "clickhouse".
	ClickHouseURL string
}

// EstimateConfig tunes the chars→tokens fallback estimator.
type EstimateConfig struct {
	// CharsPerToken divides character counts into tokens. Default: 4.
	CharsPerToken int

	// TokenPad is added to every estimate to cover structural overhead.
	// Default: 10.
	TokenPad int
}

// SeedCredential is one environment-supplied provider credential.
type SeedCredential struct {
	// Provider is the catalogue provider ID, e.g. "openai".
	Provider string
	// APIKey is the raw key. Empty for keyless providers (ollama).
	APIKey string
	// BaseURL overrides the provider's default endpoint. Optional.
	BaseURL string
}

// seedEnvVars maps environment variables to catalogue provider IDs. OAuth
// providers (gemini-cli, antigravity, kiro, copilot) are absent: their
// credentials carry refresh state and arrive through the store, not env.
var seedEnvVars = []struct {
	EnvKey   string
	Provider string
}{
	{"OPENAI_API_KEY", "openai"},
	{"ANTHROPIC_API_KEY", "anthropic"},
	{"GEMINI_API_KEY", "gemini"},
	{"GOOGLE_API_KEY", "gemini"},
	{"DEEPSEEK_API_KEY", "deepseek"},
	{"GROQ_API_KEY", "groq"},
	{"XAI_API_KEY", "xai"},
	{"MISTRAL_API_KEY", "mistral"},
	{"PERPLEXITY_API_KEY", "perplexity"},
	{"TOGETHER_API_KEY", "together"},
	{"FIREWORKS_API_KEY", "fireworks"},
	{"CEREBRAS_API_KEY", "cerebras"},
	{"COHERE_API_KEY", "cohere"},
	{"NEBIUS_API_KEY", "nebius"},
	{"SILICONFLOW_API_KEY", "siliconflow"},
	{"HYPERBOLIC_API_KEY", "hyperbolic"},
	{"CHUTES_API_KEY", "chutes"},
	{"NVIDIA_API_KEY", "nvidia"},
	{"OPENROUTER_API_KEY", "openrouter"},
}

// Load reads configuration from environment variables and (optionally) from
// config.yaml in the current working directory.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// ── Defaults ──────────────────────────────────────────────────────────────
	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("MACHINE_ID", "default")
	v.SetDefault("KEY_SECRET", DefaultKeySecret)
	v.SetDefault("REQUIRE_API_KEY", false)

	// Store defaults.
	v.SetDefault("STORE_MODE", "sqlite")
	v.SetDefault("DATA_DIR", "./data")

	// Observability defaults.
	v.SetDefault("OBSERVABILITY_ENABLED", true)
	v.SetDefault("OBSERVABILITY_SINK", "sqlite")
	v.SetDefault("OBSERVABILITY_MAX_RECORDS", 1000)
	v.SetDefault("OBSERVABILITY_BATCH_SIZE", 20)
	v.SetDefault("OBSERVABILITY_FLUSH_INTERVAL_MS", 5000)
	v.SetDefault("OBSERVABILITY_MAX_JSON_SIZE", 1024)

	// Usage estimation defaults.
	v.SetDefault("ESTIMATE_CHARS_PER_TOKEN", 4)
	v.SetDefault("ESTIMATE_TOKEN_PAD", 10)

	v.SetDefault("STICKY_ROUND_ROBIN_LIMIT", 3)
	v.SetDefault("CORS_ORIGINS", []string{"*"})

	// ── Build config ──────────────────────────────────────────────────────────
	cfg := &Config{
		Port:     v.GetInt("PORT"),
		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),

		MachineID:     v.GetString("MACHINE_ID"),
		KeySecret:     v.GetString("KEY_SECRET"),
		RequireAPIKey: v.GetBool("REQUIRE_API_KEY"),

		Store: StoreConfig{
			Mode:     strings.ToLower(v.GetString("STORE_MODE")),
			DataDir:  v.GetString("DATA_DIR"),
			RedisURL: v.GetString("REDIS_URL"),
		},

		Observability: ObservabilityConfig{
			Enabled:       v.GetBool("OBSERVABILITY_ENABLED"),
			Sink:          strings.ToLower(v.GetString("OBSERVABILITY_SINK")),
			MaxRecords:    v.GetInt("OBSERVABILITY_MAX_RECORDS"),
			BatchSize:     v.GetInt("OBSERVABILITY_BATCH_SIZE"),
			FlushInterval: time.Duration(v.GetInt("OBSERVABILITY_FLUSH_INTERVAL_MS")) * time.Millisecond,
			MaxBodyKB:     v.GetInt("OBSERVABILITY_MAX_JSON_SIZE"),
			ClickHouseURL: v.GetString("CLICKHOUSE_URL"),
		},

		Estimate: EstimateConfig{
			CharsPerToken: v.GetInt("ESTIMATE_CHARS_PER_TOKEN"),
			TokenPad:      v.GetInt("ESTIMATE_TOKEN_PAD"),
		},

		StickyRoundRobinLimit: v.GetInt("STICKY_ROUND_ROBIN_LIMIT"),
		CORSOrigins:           v.GetStringSlice("CORS_ORIGINS"),
	}

	// Seed credentials from the environment. GOOGLE_API_KEY is an alias for
	// GEMINI_API_KEY; whichever appears first wins for the same provider.
	seen := make(map[string]bool, len(seedEnvVars))
	for _, s := range seedEnvVars {
		key := strings.TrimSpace(v.GetString(s.EnvKey))
		if key == "" || seen[s.Provider] {
			continue
		}
		seen[s.Provider] = true
		cfg.Seed = append(cfg.Seed, SeedCredential{
			Provider: s.Provider,
			APIKey:   key,
			BaseURL:  v.GetString(strings.TrimSuffix(s.EnvKey, "_API_KEY") + "_BASE_URL"),
		})
	}
	if base := strings.TrimSpace(v.GetString("OLLAMA_BASE_URL")); base != "" {
		cfg.Seed = append(cfg.Seed, SeedCredential{Provider: "ollama", BaseURL: base})
	}

	// ── Validation ────────────────────────────────────────────────────────────
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	switch c.Store.Mode {
	case "sqlite", "redis", "memory":
	default:
		return fmt.Errorf(
			"config: invalid STORE_MODE %q; must be one of: sqlite, redis, memory",
			c.Store.Mode,
		)
	}

	if c.Store.Mode == "redis" && c.Store.RedisURL == "" {
		return fmt.Errorf(
			"config: REDIS_URL is required when STORE_MODE=redis; " +
				"set STORE_MODE=sqlite to use the built-in single-file store",
		)
	}

	if c.Store.Mode == "sqlite" && c.Store.DataDir == "" {
		return fmt.Errorf("config: DATA_DIR must not be empty when STORE_MODE=sqlite")
	}

	switch c.Observability.Sink {
	case "sqlite", "clickhouse", "log", "none":
	default:
		return fmt.Errorf(
			"config: invalid OBSERVABILITY_SINK %q; must be one of: sqlite, clickhouse, log, none",
			c.Observability.Sink,
		)
	}

	if c.Observability.Enabled && c.Observability.Sink == "clickhouse" && c.Observability.ClickHouseURL == "" {
		return fmt.Errorf(
			"config: CLICKHOUSE_URL is required when OBSERVABILITY_SINK=clickhouse",
		)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf(
			"config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error",
			c.LogLevel,
		)
	}

	if c.KeySecret == "" {
		return fmt.Errorf("config: KEY_SECRET must not be empty")
	}

	if c.Estimate.CharsPerToken < 1 {
		return fmt.Errorf("config: ESTIMATE_CHARS_PER_TOKEN must be ≥ 1, got %d", c.Estimate.CharsPerToken)
	}
	if c.Estimate.TokenPad < 0 {
		return fmt.Errorf("config: ESTIMATE_TOKEN_PAD must be ≥ 0, got %d", c.Estimate.TokenPad)
	}
	if c.StickyRoundRobinLimit < 1 {
		return fmt.Errorf("config: STICKY_ROUND_ROBIN_LIMIT must be ≥ 1, got %d", c.StickyRoundRobinLimit)
	}
	if c.Observability.BatchSize < 1 {
		return fmt.Errorf("config: OBSERVABILITY_BATCH_SIZE must be ≥ 1, got %d", c.Observability.BatchSize)
	}

	return nil
}

// KeySecretIsDefault reports whether the development secret is in effect.
func (c *Config) KeySecretIsDefault() bool {
	return c.KeySecret == DefaultKeySecret
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
