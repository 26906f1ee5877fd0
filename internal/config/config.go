// Package config defines the top-level configuration for the trading engine
// and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by TRADEBOT_* environment variables.
type Config struct {
	Postgres  PostgresConfig  `toml:"postgres"`
	Redis     RedisConfig     `toml:"redis"`
	S3        S3Config        `toml:"s3"`
	Feed      FeedConfig      `toml:"feed"`
	Risk      RiskConfig      `toml:"risk"`
	Arbitrage ArbitrageConfig `toml:"arbitrage"`
	Grid      GridConfig      `toml:"grid"`
	Notify    NotifyConfig    `toml:"notify"`
	Venues    []VenueConfig   `toml:"venue"`
	Mode      string          `toml:"mode"`
	LogLevel  string          `toml:"log_level"`

	// SecretPassword decrypts venue api_secret_file blobs. Environment only,
	// never read from TOML.
	SecretPassword string `toml:"-"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr         string   `toml:"addr"`
	Password     string   `toml:"password"`
	DB           int      `toml:"db"`
	PoolSize     int      `toml:"pool_size"`
	MaxRetries   int      `toml:"max_retries"`
	TLSEnabled   bool     `toml:"tls_enabled"`
	CacheTimeout duration `toml:"cache_timeout"`
}

// S3Config holds S3-compatible object storage parameters for the risk
// state archive.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// FeedConfig holds market-data feed parameters.
type FeedConfig struct {
	WsURL             string   `toml:"ws_url"`
	Venues            []string `toml:"venues"`
	Pairs             []string `toml:"pairs"`
	ReconnectInterval duration `toml:"reconnect_interval"`
	PingInterval      duration `toml:"ping_interval"`
}

// RiskConfig holds risk limits and monitor cadence.
type RiskConfig struct {
	MonitoringEnabled  bool     `toml:"monitoring_enabled"`
	MetricsHistory     int      `toml:"metrics_history"`
	MaxPositionSizeBps float64  `toml:"max_position_size_bps"`
	MinPositionSizeBps float64  `toml:"min_position_size_bps"`
	MaxDrawdown        float64  `toml:"max_drawdown"`
	EmergencyThreshold float64  `toml:"emergency_threshold"`
	MaxConcentration   float64  `toml:"max_concentration"`
	CorrelationLimit   float64  `toml:"correlation_limit"`
	VaRConfidence      float64  `toml:"var_confidence"`
	RiskScoreThreshold float64  `toml:"risk_score_threshold"`
	UpdateInterval     duration `toml:"update_interval"`
	PersistInterval    duration `toml:"persist_interval"`
	Timeframes         []string `toml:"timeframes"`
	SnapshotRetention  duration `toml:"snapshot_retention"`
	// StateFile is a local fallback archive used when the S3 archive is
	// disabled. Empty disables it.
	StateFile string `toml:"state_file"`

	ImpactCoefficient    float64 `toml:"impact_coefficient"`
	VolatilityAdjustment float64 `toml:"volatility_adjustment"`
	LiquidityFactor      float64 `toml:"liquidity_factor"`
}

// ArbitrageConfig holds detector and executor parameters.
type ArbitrageConfig struct {
	Enabled          bool     `toml:"enabled"`
	MinSpreadBps     float64  `toml:"min_spread_bps"`
	MinLiquidityUSDC float64  `toml:"min_liquidity_usdc"`
	MaxImpact        float64  `toml:"max_impact"`
	ScanInterval     duration `toml:"scan_interval"`

	MinProfitBps   float64  `toml:"min_profit_bps"`
	MaxSlippageBps float64  `toml:"max_slippage_bps"`
	MaxAttempts    int      `toml:"max_attempts"`
	AttemptTimeout duration `toml:"attempt_timeout"`
}

// GridConfig holds grid strategy parameters.
type GridConfig struct {
	Enabled            bool     `toml:"enabled"`
	Pairs              []string `toml:"pairs"`
	BaseLevels         int      `toml:"base_levels"`
	MinLevels          int      `toml:"min_levels"`
	MaxLevels          int      `toml:"max_levels"`
	MinSpacing         float64  `toml:"min_spacing"`
	MaxSpacing         float64  `toml:"max_spacing"`
	ProfitTarget       float64  `toml:"profit_target"`
	VolatilityWindow   int      `toml:"volatility_window"`
	RiskAdjustment     float64  `toml:"risk_adjustment"`
	ImpactThreshold    float64  `toml:"impact_threshold"`
	SizePerLevel       float64  `toml:"size_per_level"`
	UpdateInterval     duration `toml:"update_interval"`
	HealthInterval     duration `toml:"health_interval"`
	RebalanceThreshold float64  `toml:"rebalance_threshold"`
}

// VenueConfig holds per-venue order API connectivity and credentials.
// Declared as [[venue]] blocks in the TOML file. The API secret may be given
// inline or as a path to an encrypted secret file; the decryption password
// comes from SecretPassword (usually injected via environment).
type VenueConfig struct {
	Name          string `toml:"name"`
	APIURL        string `toml:"api_url"`
	WSURL         string `toml:"ws_url"`
	APIKey        string `toml:"api_key"`
	APISecret     string `toml:"api_secret"`
	APISecretFile string `toml:"api_secret_file"`
	Passphrase    string `toml:"passphrase"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "tradebot",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:         "localhost:6379",
			DB:           0,
			PoolSize:     20,
			MaxRetries:   3,
			CacheTimeout: duration{5 * time.Minute},
		},
		S3: S3Config{
			Enabled:        false,
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "tradebot-risk-archive",
			UseSSL:         false,
			ForcePathStyle: true,
		},
		Feed: FeedConfig{
			WsURL:             "wss://stream.example.com/ws",
			Venues:            []string{"binance", "coinbase"},
			Pairs:             []string{"BTC-USDC", "ETH-USDC"},
			ReconnectInterval: duration{5 * time.Second},
			PingInterval:      duration{30 * time.Second},
		},
		Risk: RiskConfig{
			MonitoringEnabled:    true,
			MetricsHistory:       1000,
			MaxPositionSizeBps:   5000,
			MinPositionSizeBps:   100,
			MaxDrawdown:          0.15,
			EmergencyThreshold:   0.25,
			MaxConcentration:     0.25,
			CorrelationLimit:     0.7,
			VaRConfidence:        0.95,
			RiskScoreThreshold:   0.8,
			UpdateInterval:       duration{5 * time.Second},
			PersistInterval:      duration{60 * time.Second},
			Timeframes:           []string{"1m", "5m", "15m", "1h"},
			SnapshotRetention:    duration{90 * 24 * time.Hour},
			StateFile:            "data/risk_state.json",
			ImpactCoefficient:    0.1,
			VolatilityAdjustment: 1.5,
			LiquidityFactor:      0.8,
		},
		Arbitrage: ArbitrageConfig{
			Enabled:          true,
			MinSpreadBps:     20,
			MinLiquidityUSDC: 1000,
			MaxImpact:        0.01,
			ScanInterval:     duration{time.Second},
			MinProfitBps:     15,
			MaxSlippageBps:   50,
			MaxAttempts:      3,
			AttemptTimeout:   duration{500 * time.Millisecond},
		},
		Grid: GridConfig{
			Enabled:            true,
			Pairs:              []string{"BTC-USDC"},
			BaseLevels:         11,
			MinLevels:          3,
			MaxLevels:          20,
			MinSpacing:         0.001,
			MaxSpacing:         0.05,
			ProfitTarget:       0.002,
			VolatilityWindow:   24,
			RiskAdjustment:     0.8,
			ImpactThreshold:    0.01,
			SizePerLevel:       0.1,
			UpdateInterval:     duration{5 * time.Minute},
			HealthInterval:     duration{time.Minute},
			RebalanceThreshold: 0.02,
		},
		Notify: NotifyConfig{
			Events: []string{"risk.CRITICAL", "risk.EMERGENCY", "emergency_stop", "arb_executed", "error"},
		},
		Venues: []VenueConfig{
			{Name: "binance", APIURL: "https://api.binance.example", WSURL: "wss://stream.binance.example/ws"},
			{Name: "coinbase", APIURL: "https://api.coinbase.example", WSURL: "wss://stream.coinbase.example/ws"},
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"arbitrage": true,
	"grid":      true,
	"monitor":   true,
	"full":      true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns
// a combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: arbitrage, grid, monitor, full)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Postgres
	if strings.TrimSpace(c.Postgres.DSN) == "" {
		if c.Postgres.Host == "" {
			errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
		}
		if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
			errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
		}
		if c.Postgres.Database == "" {
			errs = append(errs, "postgres: database must not be empty")
		}
	}
	if c.Postgres.PoolMaxConns < 1 {
		errs = append(errs, "postgres: pool_max_conns must be >= 1")
	}
	if c.Postgres.PoolMinConns < 0 {
		errs = append(errs, "postgres: pool_min_conns must be >= 0")
	}
	if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
		errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
	}

	// Redis
	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	// S3
	if c.S3.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty when enabled")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when enabled")
		}
	}

	// Feed
	if c.Feed.WsURL == "" {
		errs = append(errs, "feed: ws_url must not be empty")
	}
	if len(c.Feed.Venues) < 1 {
		errs = append(errs, "feed: at least one venue is required")
	}
	if len(c.Feed.Pairs) < 1 {
		errs = append(errs, "feed: at least one pair is required")
	}

	// Risk
	if c.Risk.MaxDrawdown <= 0 || c.Risk.MaxDrawdown >= 1 {
		errs = append(errs, fmt.Sprintf("risk: max_drawdown must be in (0, 1), got %v", c.Risk.MaxDrawdown))
	}
	if c.Risk.EmergencyThreshold <= c.Risk.MaxDrawdown {
		errs = append(errs, "risk: emergency_threshold must exceed max_drawdown")
	}
	if c.Risk.MaxConcentration <= 0 || c.Risk.MaxConcentration > 1 {
		errs = append(errs, fmt.Sprintf("risk: max_concentration must be in (0, 1], got %v", c.Risk.MaxConcentration))
	}
	if c.Risk.MinPositionSizeBps <= 0 || c.Risk.MinPositionSizeBps >= c.Risk.MaxPositionSizeBps {
		errs = append(errs, "risk: min_position_size_bps must be positive and below max_position_size_bps")
	}
	if c.Risk.UpdateInterval.Duration <= 0 {
		errs = append(errs, "risk: update_interval must be > 0")
	}
	if c.Risk.PersistInterval.Duration <= 0 {
		errs = append(errs, "risk: persist_interval must be > 0")
	}
	if len(c.Risk.Timeframes) == 0 {
		errs = append(errs, "risk: at least one timeframe is required")
	}

	// Arbitrage
	if c.Arbitrage.Enabled {
		if c.Arbitrage.MinSpreadBps <= 0 {
			errs = append(errs, "arbitrage: min_spread_bps must be > 0 when enabled")
		}
		if c.Arbitrage.MinLiquidityUSDC <= 0 {
			errs = append(errs, "arbitrage: min_liquidity_usdc must be > 0 when enabled")
		}
		if c.Arbitrage.MaxAttempts < 1 {
			errs = append(errs, "arbitrage: max_attempts must be >= 1")
		}
		if c.Arbitrage.AttemptTimeout.Duration <= 0 {
			errs = append(errs, "arbitrage: attempt_timeout must be > 0")
		}
	}

	// Venues
	if len(c.Venues) == 0 {
		errs = append(errs, "venue: at least one [[venue]] block is required")
	}
	for i, v := range c.Venues {
		if v.Name == "" {
			errs = append(errs, fmt.Sprintf("venue[%d]: name must not be empty", i))
		}
		if v.APIURL == "" {
			errs = append(errs, fmt.Sprintf("venue[%d] %s: api_url must not be empty", i, v.Name))
		}
		if v.APISecretFile != "" && c.SecretPassword == "" {
			errs = append(errs, fmt.Sprintf("venue[%d] %s: api_secret_file requires TRADEBOT_SECRET_PASSWORD", i, v.Name))
		}
	}

	// Grid
	if c.Grid.Enabled {
		if c.Grid.MinLevels < 1 || c.Grid.MaxLevels < c.Grid.MinLevels {
			errs = append(errs, "grid: min_levels must be >= 1 and max_levels >= min_levels")
		}
		if c.Grid.BaseLevels < c.Grid.MinLevels || c.Grid.BaseLevels > c.Grid.MaxLevels {
			errs = append(errs, fmt.Sprintf("grid: base_levels must be within [%d, %d], got %d",
				c.Grid.MinLevels, c.Grid.MaxLevels, c.Grid.BaseLevels))
		}
		if c.Grid.MinSpacing <= 0 || c.Grid.MaxSpacing < c.Grid.MinSpacing {
			errs = append(errs, "grid: min_spacing must be > 0 and max_spacing >= min_spacing")
		}
		if c.Grid.SizePerLevel <= 0 {
			errs = append(errs, "grid: size_per_level must be > 0")
		}
		if len(c.Grid.Pairs) == 0 {
			errs = append(errs, "grid: at least one pair is required when enabled")
		}
		if c.Grid.RebalanceThreshold <= 0 {
			errs = append(errs, "grid: rebalance_threshold must be > 0")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
