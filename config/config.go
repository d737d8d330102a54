package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	ExchangeConfig    ExchangeConfig    `json:"exchange"`
	TradingConfig     TradingConfig     `json:"trading"`
	MarketConfig      MarketConfig      `json:"market"`
	StructureConfig   StructureConfig   `json:"structure"`
	OrdersConfig      OrdersConfig      `json:"orders"`
	PositionsConfig   PositionsConfig   `json:"positions"`
	RiskConfig        RiskConfig        `json:"risk"`
	PermissionsConfig PermissionsConfig `json:"permissions"`
	DatabaseConfig    DatabaseConfig    `json:"database"`
	RedisConfig       RedisConfig       `json:"redis"`
	EventBusConfig    EventBusConfig    `json:"event_bus"`
	LoggingConfig     LoggingConfig     `json:"logging"`
}

// ExchangeConfig holds exchange connectivity settings.
type ExchangeConfig struct {
	APIKey    string `json:"api_key"`
	SecretKey string `json:"secret_key"`
	StreamURL string `json:"stream_url"` // execution-report WebSocket endpoint
	TestNet   bool   `json:"testnet"`
}

type TradingConfig struct {
	DryRun bool `json:"dry_run"` // mock exchange, no real orders
}

// MarketConfig holds the candle pipeline settings.
type MarketConfig struct {
	Symbols            []string `json:"symbols"`
	Timeframes         []string `json:"timeframes"`
	MaxCandles         int      `json:"max_candles"`        // per (symbol, timeframe) series
	OutlierThreshold   float64  `json:"outlier_threshold"`  // max relative close-to-close move
	MonitoringEnabled  bool     `json:"monitoring_enabled"` // periodic resource monitor
	MonitoringInterval int      `json:"monitoring_interval"` // seconds
	MemoryBudgetMB     float64  `json:"memory_budget_mb"`
}

// StructureConfig holds the analysis pipeline settings.
type StructureConfig struct {
	MaxWindow int     `json:"max_window"` // per-lane candle window
	SeedLimit int     `json:"seed_limit"` // warm-start history pull
	PipSize   float64 `json:"pip_size"`   // distance unit for sweeps and breaks
}

type OrdersConfig struct {
	MaxRetries     int   `json:"max_retries"`
	RetryDelaysMs  []int `json:"retry_delays_ms"`
	MaxHistorySize int   `json:"max_history_size"`
	TrackerHistory int   `json:"tracker_history"`
}

type PositionsConfig struct {
	MaxHistorySize     int     `json:"max_history_size"`
	PriceChangeEpsilon float64 `json:"price_change_epsilon"` // relative move below which updates stay silent
	SyncInterval       int     `json:"sync_interval"`        // seconds between exchange reconciliations
	MismatchTolerance  float64 `json:"mismatch_tolerance"`   // relative drift treated as equal
}

// PartialTarget is one rung of the take-profit ladder.
type PartialTarget struct {
	RRMultiple float64 `json:"rr_multiple"`
	SharePct   float64 `json:"share_pct"`
}

type RiskConfig struct {
	MinRiskRewardRatio    float64         `json:"min_risk_reward_ratio"`
	Partials              []PartialTarget `json:"partials"`
	MinDistancePct        float64         `json:"min_distance_pct"`
	MaxDistancePct        float64         `json:"max_distance_pct"`
	LiquiditySnapPct      float64         `json:"liquidity_snap_pct"`
	PricePrecision        int             `json:"price_precision"`
	TrailingPct           float64         `json:"trailing_pct"`
	TrailingActivationPct float64         `json:"trailing_activation_pct"`
}

type PermissionsConfig struct {
	CacheTTL             time.Duration `json:"cache_ttl"`
	CheckInterval        time.Duration `json:"check_interval"`
	MaxConsecutiveErrors int           `json:"max_consecutive_errors"`
}

// DatabaseConfig holds PostgreSQL settings. Disabled means positions live
// only in memory and Redis snapshots.
type DatabaseConfig struct {
	Enabled  bool   `json:"enabled"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
	SSLMode  string `json:"ssl_mode"`
}

// RedisConfig holds Redis settings for open-position snapshots.
type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

type EventBusConfig struct {
	MaxQueueSize int           `json:"max_queue_size"`
	IdleSleep    time.Duration `json:"idle_sleep"`
}

type LoggingConfig struct {
	Level       string `json:"level"`        // DEBUG, INFO, WARN, ERROR
	Output      string `json:"output"`       // stdout, stderr, or file path
	JSONFormat  bool   `json:"json_format"`  // output as JSON
	IncludeFile bool   `json:"include_file"` // include file and line number
}

func Load() (*Config, error) {
	// First try to load base config from file
	cfg, err := loadFromFile("config.json")
	if err != nil {
		// If no config file, start with empty config
		cfg = &Config{}
	}

	// Apply environment variable overrides (these take precedence)
	applyEnvOverrides(cfg)

	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides to the config.
func applyEnvOverrides(cfg *Config) {
	// Exchange config
	cfg.ExchangeConfig.APIKey = getEnvOrDefault("EXCHANGE_API_KEY", cfg.ExchangeConfig.APIKey)
	cfg.ExchangeConfig.SecretKey = getEnvOrDefault("EXCHANGE_SECRET_KEY", cfg.ExchangeConfig.SecretKey)
	cfg.ExchangeConfig.StreamURL = getEnvOrDefault("EXCHANGE_STREAM_URL", cfg.ExchangeConfig.StreamURL)
	cfg.ExchangeConfig.TestNet = getEnvOrDefault("EXCHANGE_TESTNET", "false") == "true"

	// Trading config
	cfg.TradingConfig.DryRun = getEnvOrDefault("TRADING_DRY_RUN", boolDefault(cfg.TradingConfig.DryRun)) == "true"

	// Market config
	if symbols := getEnvOrDefault("MARKET_SYMBOLS", ""); symbols != "" {
		cfg.MarketConfig.Symbols = splitList(symbols)
	}
	if len(cfg.MarketConfig.Symbols) == 0 {
		cfg.MarketConfig.Symbols = []string{"BTCUSDT"}
	}
	if tfs := getEnvOrDefault("MARKET_TIMEFRAMES", ""); tfs != "" {
		cfg.MarketConfig.Timeframes = splitList(tfs)
	}
	if len(cfg.MarketConfig.Timeframes) == 0 {
		cfg.MarketConfig.Timeframes = []string{"1m", "15m", "1h"}
	}
	cfg.MarketConfig.MaxCandles = getEnvIntOrDefault("MARKET_MAX_CANDLES", intOr(cfg.MarketConfig.MaxCandles, 1000))
	cfg.MarketConfig.OutlierThreshold = getEnvFloatOrDefault("MARKET_OUTLIER_THRESHOLD", floatOr(cfg.MarketConfig.OutlierThreshold, 0.10))
	cfg.MarketConfig.MonitoringEnabled = getEnvOrDefault("MARKET_MONITORING_ENABLED", "true") == "true"
	cfg.MarketConfig.MonitoringInterval = getEnvIntOrDefault("MARKET_MONITORING_INTERVAL", intOr(cfg.MarketConfig.MonitoringInterval, 30))
	cfg.MarketConfig.MemoryBudgetMB = getEnvFloatOrDefault("MARKET_MEMORY_BUDGET_MB", floatOr(cfg.MarketConfig.MemoryBudgetMB, 512))

	// Structure config
	cfg.StructureConfig.MaxWindow = getEnvIntOrDefault("STRUCTURE_MAX_WINDOW", intOr(cfg.StructureConfig.MaxWindow, 600))
	cfg.StructureConfig.SeedLimit = getEnvIntOrDefault("STRUCTURE_SEED_LIMIT", intOr(cfg.StructureConfig.SeedLimit, 300))
	cfg.StructureConfig.PipSize = getEnvFloatOrDefault("STRUCTURE_PIP_SIZE", floatOr(cfg.StructureConfig.PipSize, 0.1))

	// Orders config
	cfg.OrdersConfig.MaxRetries = getEnvIntOrDefault("ORDERS_MAX_RETRIES", intOr(cfg.OrdersConfig.MaxRetries, 3))
	if len(cfg.OrdersConfig.RetryDelaysMs) == 0 {
		cfg.OrdersConfig.RetryDelaysMs = []int{1000, 2000, 5000}
	}
	cfg.OrdersConfig.MaxHistorySize = getEnvIntOrDefault("ORDERS_MAX_HISTORY", intOr(cfg.OrdersConfig.MaxHistorySize, 500))
	cfg.OrdersConfig.TrackerHistory = getEnvIntOrDefault("ORDERS_TRACKER_HISTORY", intOr(cfg.OrdersConfig.TrackerHistory, 200))

	// Positions config
	cfg.PositionsConfig.MaxHistorySize = getEnvIntOrDefault("POSITIONS_MAX_HISTORY", intOr(cfg.PositionsConfig.MaxHistorySize, 200))
	cfg.PositionsConfig.PriceChangeEpsilon = getEnvFloatOrDefault("POSITIONS_PRICE_EPSILON", floatOr(cfg.PositionsConfig.PriceChangeEpsilon, 0.001))
	cfg.PositionsConfig.SyncInterval = getEnvIntOrDefault("POSITIONS_SYNC_INTERVAL", intOr(cfg.PositionsConfig.SyncInterval, 30))
	cfg.PositionsConfig.MismatchTolerance = getEnvFloatOrDefault("POSITIONS_MISMATCH_TOLERANCE", floatOr(cfg.PositionsConfig.MismatchTolerance, 0.01))

	// Risk config
	cfg.RiskConfig.MinRiskRewardRatio = getEnvFloatOrDefault("RISK_MIN_RR", floatOr(cfg.RiskConfig.MinRiskRewardRatio, 1.5))
	if len(cfg.RiskConfig.Partials) == 0 {
		cfg.RiskConfig.Partials = []PartialTarget{
			{RRMultiple: 1.5, SharePct: 50},
			{RRMultiple: 2.5, SharePct: 50},
		}
	}
	cfg.RiskConfig.MinDistancePct = getEnvFloatOrDefault("RISK_MIN_DISTANCE_PCT", floatOr(cfg.RiskConfig.MinDistancePct, 0.5))
	cfg.RiskConfig.MaxDistancePct = getEnvFloatOrDefault("RISK_MAX_DISTANCE_PCT", floatOr(cfg.RiskConfig.MaxDistancePct, 10))
	cfg.RiskConfig.LiquiditySnapPct = getEnvFloatOrDefault("RISK_LIQUIDITY_SNAP_PCT", floatOr(cfg.RiskConfig.LiquiditySnapPct, 1.0))
	cfg.RiskConfig.PricePrecision = getEnvIntOrDefault("RISK_PRICE_PRECISION", intOr(cfg.RiskConfig.PricePrecision, 2))
	cfg.RiskConfig.TrailingPct = getEnvFloatOrDefault("RISK_TRAILING_PCT", floatOr(cfg.RiskConfig.TrailingPct, 1.0))
	cfg.RiskConfig.TrailingActivationPct = getEnvFloatOrDefault("RISK_TRAILING_ACTIVATION_PCT", floatOr(cfg.RiskConfig.TrailingActivationPct, 0.5))

	// Permissions config
	cfg.PermissionsConfig.CacheTTL = getEnvDurationOrDefault("PERMISSIONS_CACHE_TTL", durationOr(cfg.PermissionsConfig.CacheTTL, time.Hour))
	cfg.PermissionsConfig.CheckInterval = getEnvDurationOrDefault("PERMISSIONS_CHECK_INTERVAL", durationOr(cfg.PermissionsConfig.CheckInterval, time.Hour))
	cfg.PermissionsConfig.MaxConsecutiveErrors = getEnvIntOrDefault("PERMISSIONS_MAX_ERRORS", intOr(cfg.PermissionsConfig.MaxConsecutiveErrors, 3))

	// Database config
	cfg.DatabaseConfig.Enabled = getEnvOrDefault("DATABASE_ENABLED", boolDefault(cfg.DatabaseConfig.Enabled)) == "true"
	cfg.DatabaseConfig.Host = getEnvOrDefault("DATABASE_HOST", stringOr(cfg.DatabaseConfig.Host, "localhost"))
	cfg.DatabaseConfig.Port = getEnvIntOrDefault("DATABASE_PORT", intOr(cfg.DatabaseConfig.Port, 5432))
	cfg.DatabaseConfig.User = getEnvOrDefault("DATABASE_USER", stringOr(cfg.DatabaseConfig.User, "postgres"))
	cfg.DatabaseConfig.Password = getEnvOrDefault("DATABASE_PASSWORD", cfg.DatabaseConfig.Password)
	cfg.DatabaseConfig.Database = getEnvOrDefault("DATABASE_NAME", stringOr(cfg.DatabaseConfig.Database, "futures_bot"))
	cfg.DatabaseConfig.SSLMode = getEnvOrDefault("DATABASE_SSL_MODE", stringOr(cfg.DatabaseConfig.SSLMode, "disable"))

	// Redis config
	cfg.RedisConfig.Enabled = getEnvOrDefault("REDIS_ENABLED", boolDefault(cfg.RedisConfig.Enabled)) == "true"
	cfg.RedisConfig.Address = getEnvOrDefault("REDIS_ADDRESS", stringOr(cfg.RedisConfig.Address, "localhost:6379"))
	cfg.RedisConfig.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.RedisConfig.Password)
	cfg.RedisConfig.DB = getEnvIntOrDefault("REDIS_DB", cfg.RedisConfig.DB)
	cfg.RedisConfig.PoolSize = getEnvIntOrDefault("REDIS_POOL_SIZE", intOr(cfg.RedisConfig.PoolSize, 10))

	// Event bus config
	cfg.EventBusConfig.MaxQueueSize = getEnvIntOrDefault("EVENT_BUS_MAX_QUEUE", intOr(cfg.EventBusConfig.MaxQueueSize, 10000))
	cfg.EventBusConfig.IdleSleep = getEnvDurationOrDefault("EVENT_BUS_IDLE_SLEEP", durationOr(cfg.EventBusConfig.IdleSleep, time.Millisecond))

	// Logging config
	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", stringOr(cfg.LoggingConfig.Level, "INFO"))
	cfg.LoggingConfig.Output = getEnvOrDefault("LOG_OUTPUT", stringOr(cfg.LoggingConfig.Output, "stdout"))
	cfg.LoggingConfig.JSONFormat = getEnvOrDefault("LOG_JSON", "true") == "true"
	cfg.LoggingConfig.IncludeFile = getEnvOrDefault("LOG_INCLUDE_FILE", "false") == "true"
}

func loadFromFile(filename string) (*Config, error) {
	file, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var config Config
	if err := json.Unmarshal(file, &config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return &config, nil
}

func splitList(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func boolDefault(v bool) string {
	if v {
		return "true"
	}
	return "false"
}

func stringOr(v, fallback string) string {
	if v != "" {
		return v
	}
	return fallback
}

func intOr(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}

func floatOr(v, fallback float64) float64 {
	if v > 0 {
		return v
	}
	return fallback
}

func durationOr(v, fallback time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return fallback
}

// GenerateSampleConfig creates a sample configuration file.
func GenerateSampleConfig(filename string) error {
	config := Config{
		ExchangeConfig: ExchangeConfig{
			APIKey:    "your_api_key_here",
			SecretKey: "your_secret_key_here",
			StreamURL: "wss://fstream.example.com/ws",
			TestNet:   true,
		},
		TradingConfig: TradingConfig{DryRun: true},
		MarketConfig: MarketConfig{
			Symbols:            []string{"BTCUSDT", "ETHUSDT"},
			Timeframes:         []string{"1m", "15m", "1h"},
			MaxCandles:         1000,
			OutlierThreshold:   0.10,
			MonitoringEnabled:  true,
			MonitoringInterval: 30,
			MemoryBudgetMB:     512,
		},
		StructureConfig: StructureConfig{
			MaxWindow: 600,
			SeedLimit: 300,
			PipSize:   0.1,
		},
		OrdersConfig: OrdersConfig{
			MaxRetries:     3,
			RetryDelaysMs:  []int{1000, 2000, 5000},
			MaxHistorySize: 500,
			TrackerHistory: 200,
		},
		PositionsConfig: PositionsConfig{
			MaxHistorySize:     200,
			PriceChangeEpsilon: 0.001,
			SyncInterval:       30,
			MismatchTolerance:  0.01,
		},
		RiskConfig: RiskConfig{
			MinRiskRewardRatio: 1.5,
			Partials: []PartialTarget{
				{RRMultiple: 1.5, SharePct: 50},
				{RRMultiple: 2.5, SharePct: 50},
			},
			MinDistancePct:        0.5,
			MaxDistancePct:        10,
			LiquiditySnapPct:      1.0,
			PricePrecision:        2,
			TrailingPct:           1.0,
			TrailingActivationPct: 0.5,
		},
		PermissionsConfig: PermissionsConfig{
			CacheTTL:             time.Hour,
			CheckInterval:        time.Hour,
			MaxConsecutiveErrors: 3,
		},
		DatabaseConfig: DatabaseConfig{
			Enabled:  false,
			Host:     "localhost",
			Port:     5432,
			User:     "postgres",
			Database: "futures_bot",
			SSLMode:  "disable",
		},
		RedisConfig: RedisConfig{
			Enabled:  false,
			Address:  "localhost:6379",
			PoolSize: 10,
		},
		EventBusConfig: EventBusConfig{
			MaxQueueSize: 10000,
			IdleSleep:    time.Millisecond,
		},
		LoggingConfig: LoggingConfig{
			Level:      "INFO",
			Output:     "stdout",
			JSONFormat: true,
		},
	}

	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(filename, data, 0644)
}
