package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds environment-driven settings for the execution core.
// Secrets and deployment knobs come from the environment; trading
// parameters live in the YAML file (see Trading).
type Config struct {
	Port string

	// OKX credentials
	OKXAPIKey     string
	OKXAPISecret  string
	OKXPassphrase string
	OKXSimulated  bool

	// Signal webhook shared secret
	WebhookSecret string

	// Admin control plane
	AdminPasswordHash string // bcrypt hash; plaintext fallback via ADMIN_SECRET
	AdminSecret       string
	JWTSecret         string

	// Database (audit trail; core correctness does not depend on it)
	DBPath    string
	DisableDB bool

	// Trading parameter file
	TradingConfigPath string
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	return &Config{
		Port:              getEnv("PORT", "8080"),
		OKXAPIKey:         os.Getenv("OKX_API_KEY"),
		OKXAPISecret:      os.Getenv("OKX_API_SECRET"),
		OKXPassphrase:     os.Getenv("OKX_PASSPHRASE"),
		OKXSimulated:      getEnv("OKX_SIMULATED", "false") == "true",
		WebhookSecret:     os.Getenv("WEBHOOK_SECRET"),
		AdminPasswordHash: os.Getenv("ADMIN_PASSWORD_HASH"),
		AdminSecret:       os.Getenv("ADMIN_SECRET"),
		JWTSecret:         getEnv("JWT_SECRET", "dev-secret"),
		DBPath:            getEnv("DB_PATH", "./data/execution.db"),
		DisableDB:         getEnv("DISABLE_DB", "false") == "true",
		TradingConfigPath: getEnv("TRADING_CONFIG", "config.yaml"),
	}, nil
}

// Trading holds the trading parameters loaded from YAML.
type Trading struct {
	Trade struct {
		Symbols    []string           `yaml:"symbols"`
		Leverage   int                `yaml:"leverage"`
		MarginMode string             `yaml:"margin_mode"` // cross or isolated
		QtyMode    string             `yaml:"qty_mode"`    // base or quote
		QtyBase    map[string]float64 `yaml:"qty_base"`
		QtyQuote   map[string]float64 `yaml:"qty_quote"`
	} `yaml:"trade"`

	TrailingStop struct {
		Enabled                 bool    `yaml:"enabled"`
		InitialTrailPct         float64 `yaml:"initial_trail_pct"`          // e.g. 3.0
		TightenedTrailPct       float64 `yaml:"tightened_trail_pct"`        // e.g. 0.1
		TightenTriggerProfitPct float64 `yaml:"tighten_trigger_profit_pct"` // e.g. 1.0
	} `yaml:"trailing_stop"`

	App struct {
		PollIntervalSec      int `yaml:"poll_interval_sec"`      // trailing-stop period
		ReconcileIntervalSec int `yaml:"reconcile_interval_sec"` // reconciliation period
	} `yaml:"app"`

	Confirm struct {
		MaxPolls          int     `yaml:"max_polls"`
		InitialIntervalMs int     `yaml:"initial_interval_ms"`
		BackoffFactor     float64 `yaml:"backoff_factor"`
		MaxIntervalMs     int     `yaml:"max_interval_ms"`
	} `yaml:"confirm"`

	Reconcile struct {
		QtyTolerance float64 `yaml:"qty_tolerance"`
	} `yaml:"reconcile"`

	Runtime struct {
		DedupSameBar bool `yaml:"dedup_same_bar"`
	} `yaml:"runtime"`
}

// LoadTrading reads trading parameters from a YAML file and applies defaults.
func LoadTrading(path string) (*Trading, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read trading config: %w", err)
	}

	var t Trading
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parse trading config: %w", err)
	}
	t.applyDefaults()

	if len(t.Trade.Symbols) == 0 {
		return nil, fmt.Errorf("trading config: no symbols configured")
	}
	return &t, nil
}

// DefaultTrading returns a Trading config with all defaults applied and a
// single placeholder symbol. Used by tests and dry starts without a file.
func DefaultTrading(symbols ...string) *Trading {
	t := &Trading{}
	t.Trade.Symbols = symbols
	t.applyDefaults()
	return t
}

func (t *Trading) applyDefaults() {
	if t.Trade.Leverage == 0 {
		t.Trade.Leverage = 3
	}
	if t.Trade.MarginMode == "" {
		t.Trade.MarginMode = "cross"
	}
	if t.Trade.QtyMode == "" {
		t.Trade.QtyMode = "base"
	}
	if t.TrailingStop.InitialTrailPct == 0 {
		t.TrailingStop.Enabled = true
		t.TrailingStop.InitialTrailPct = 3.0
	}
	if t.TrailingStop.TightenedTrailPct == 0 {
		t.TrailingStop.TightenedTrailPct = 0.1
	}
	if t.TrailingStop.TightenTriggerProfitPct == 0 {
		t.TrailingStop.TightenTriggerProfitPct = 1.0
	}
	if t.App.PollIntervalSec == 0 {
		t.App.PollIntervalSec = 300
	}
	if t.App.ReconcileIntervalSec == 0 {
		t.App.ReconcileIntervalSec = 600
	}
	if t.Confirm.MaxPolls == 0 {
		t.Confirm.MaxPolls = 24
	}
	if t.Confirm.InitialIntervalMs == 0 {
		t.Confirm.InitialIntervalMs = 500
	}
	if t.Confirm.BackoffFactor == 0 {
		t.Confirm.BackoffFactor = 1.5
	}
	if t.Confirm.MaxIntervalMs == 0 {
		t.Confirm.MaxIntervalMs = 3000
	}
	if t.Reconcile.QtyTolerance == 0 {
		t.Reconcile.QtyTolerance = 1e-4
	}
}

// PollInterval returns the trailing-stop evaluation period.
func (t *Trading) PollInterval() time.Duration {
	return time.Duration(t.App.PollIntervalSec) * time.Second
}

// ReconcileInterval returns the reconciliation period.
func (t *Trading) ReconcileInterval() time.Duration {
	return time.Duration(t.App.ReconcileIntervalSec) * time.Second
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}
