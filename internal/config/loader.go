package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies TRADEBOT_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known TRADEBOT_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "TRADEBOT_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "TRADEBOT_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "TRADEBOT_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "TRADEBOT_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "TRADEBOT_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "TRADEBOT_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "TRADEBOT_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "TRADEBOT_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "TRADEBOT_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "TRADEBOT_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "TRADEBOT_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "TRADEBOT_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "TRADEBOT_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "TRADEBOT_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "TRADEBOT_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "TRADEBOT_REDIS_TLS_ENABLED")
	setDuration(&cfg.Redis.CacheTimeout, "TRADEBOT_REDIS_CACHE_TIMEOUT")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "TRADEBOT_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "TRADEBOT_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "TRADEBOT_S3_REGION")
	setStr(&cfg.S3.Bucket, "TRADEBOT_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "TRADEBOT_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "TRADEBOT_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "TRADEBOT_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "TRADEBOT_S3_FORCE_PATH_STYLE")

	// ── Feed ──
	setStr(&cfg.Feed.WsURL, "TRADEBOT_FEED_WS_URL")
	setStringSlice(&cfg.Feed.Venues, "TRADEBOT_FEED_VENUES")
	setStringSlice(&cfg.Feed.Pairs, "TRADEBOT_FEED_PAIRS")
	setDuration(&cfg.Feed.ReconnectInterval, "TRADEBOT_FEED_RECONNECT_INTERVAL")
	setDuration(&cfg.Feed.PingInterval, "TRADEBOT_FEED_PING_INTERVAL")

	// ── Risk ──
	setBool(&cfg.Risk.MonitoringEnabled, "TRADEBOT_RISK_MONITORING_ENABLED")
	setInt(&cfg.Risk.MetricsHistory, "TRADEBOT_RISK_METRICS_HISTORY")
	setFloat64(&cfg.Risk.MaxPositionSizeBps, "TRADEBOT_RISK_MAX_POSITION_SIZE_BPS")
	setFloat64(&cfg.Risk.MinPositionSizeBps, "TRADEBOT_RISK_MIN_POSITION_SIZE_BPS")
	setFloat64(&cfg.Risk.MaxDrawdown, "TRADEBOT_RISK_MAX_DRAWDOWN")
	setFloat64(&cfg.Risk.EmergencyThreshold, "TRADEBOT_RISK_EMERGENCY_THRESHOLD")
	setFloat64(&cfg.Risk.MaxConcentration, "TRADEBOT_RISK_MAX_CONCENTRATION")
	setFloat64(&cfg.Risk.CorrelationLimit, "TRADEBOT_RISK_CORRELATION_LIMIT")
	setFloat64(&cfg.Risk.VaRConfidence, "TRADEBOT_RISK_VAR_CONFIDENCE")
	setFloat64(&cfg.Risk.RiskScoreThreshold, "TRADEBOT_RISK_RISK_SCORE_THRESHOLD")
	setDuration(&cfg.Risk.UpdateInterval, "TRADEBOT_RISK_UPDATE_INTERVAL")
	setDuration(&cfg.Risk.PersistInterval, "TRADEBOT_RISK_PERSIST_INTERVAL")
	setStr(&cfg.Risk.StateFile, "TRADEBOT_RISK_STATE_FILE")
	setStringSlice(&cfg.Risk.Timeframes, "TRADEBOT_RISK_TIMEFRAMES")
	setDuration(&cfg.Risk.SnapshotRetention, "TRADEBOT_RISK_SNAPSHOT_RETENTION")
	setFloat64(&cfg.Risk.ImpactCoefficient, "TRADEBOT_RISK_IMPACT_COEFFICIENT")
	setFloat64(&cfg.Risk.VolatilityAdjustment, "TRADEBOT_RISK_VOLATILITY_ADJUSTMENT")
	setFloat64(&cfg.Risk.LiquidityFactor, "TRADEBOT_RISK_LIQUIDITY_FACTOR")

	// ── Arbitrage ──
	setBool(&cfg.Arbitrage.Enabled, "TRADEBOT_ARBITRAGE_ENABLED")
	setFloat64(&cfg.Arbitrage.MinSpreadBps, "TRADEBOT_ARBITRAGE_MIN_SPREAD_BPS")
	setFloat64(&cfg.Arbitrage.MinLiquidityUSDC, "TRADEBOT_ARBITRAGE_MIN_LIQUIDITY_USDC")
	setFloat64(&cfg.Arbitrage.MaxImpact, "TRADEBOT_ARBITRAGE_MAX_IMPACT")
	setDuration(&cfg.Arbitrage.ScanInterval, "TRADEBOT_ARBITRAGE_SCAN_INTERVAL")
	setFloat64(&cfg.Arbitrage.MinProfitBps, "TRADEBOT_ARBITRAGE_MIN_PROFIT_BPS")
	setFloat64(&cfg.Arbitrage.MaxSlippageBps, "TRADEBOT_ARBITRAGE_MAX_SLIPPAGE_BPS")
	setInt(&cfg.Arbitrage.MaxAttempts, "TRADEBOT_ARBITRAGE_MAX_ATTEMPTS")
	setDuration(&cfg.Arbitrage.AttemptTimeout, "TRADEBOT_ARBITRAGE_ATTEMPT_TIMEOUT")

	// ── Grid ──
	setBool(&cfg.Grid.Enabled, "TRADEBOT_GRID_ENABLED")
	setStringSlice(&cfg.Grid.Pairs, "TRADEBOT_GRID_PAIRS")
	setInt(&cfg.Grid.BaseLevels, "TRADEBOT_GRID_BASE_LEVELS")
	setInt(&cfg.Grid.MinLevels, "TRADEBOT_GRID_MIN_LEVELS")
	setInt(&cfg.Grid.MaxLevels, "TRADEBOT_GRID_MAX_LEVELS")
	setFloat64(&cfg.Grid.MinSpacing, "TRADEBOT_GRID_MIN_SPACING")
	setFloat64(&cfg.Grid.MaxSpacing, "TRADEBOT_GRID_MAX_SPACING")
	setFloat64(&cfg.Grid.ProfitTarget, "TRADEBOT_GRID_PROFIT_TARGET")
	setInt(&cfg.Grid.VolatilityWindow, "TRADEBOT_GRID_VOLATILITY_WINDOW")
	setFloat64(&cfg.Grid.RiskAdjustment, "TRADEBOT_GRID_RISK_ADJUSTMENT")
	setFloat64(&cfg.Grid.ImpactThreshold, "TRADEBOT_GRID_IMPACT_THRESHOLD")
	setFloat64(&cfg.Grid.SizePerLevel, "TRADEBOT_GRID_SIZE_PER_LEVEL")
	setDuration(&cfg.Grid.UpdateInterval, "TRADEBOT_GRID_UPDATE_INTERVAL")
	setDuration(&cfg.Grid.HealthInterval, "TRADEBOT_GRID_HEALTH_INTERVAL")
	setFloat64(&cfg.Grid.RebalanceThreshold, "TRADEBOT_GRID_REBALANCE_THRESHOLD")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "TRADEBOT_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "TRADEBOT_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "TRADEBOT_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "TRADEBOT_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "TRADEBOT_MODE")
	setStr(&cfg.LogLevel, "TRADEBOT_LOG_LEVEL")
	setStr(&cfg.SecretPassword, "TRADEBOT_SECRET_PASSWORD")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
