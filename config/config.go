package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"cryptoPositionEngine/internal/adapters/logger"
)

// Config holds all application configuration.
type Config struct {
	// Binance API
	APIKey    string
	SecretKey string
	IsTestnet bool

	// Position Parameters
	MaxPositionSize  decimal.Decimal // base-asset units, zero disables the check
	MaxOpenPositions int             // distinct symbols held at once
	MaxDailyTrades   int
	MaxDailyLoss     decimal.Decimal // quote currency, zero disables the check
	StopLossPct      decimal.Decimal // fallback stop distance, e.g. 0.0025 for 0.25%
	TP1ExitFraction  decimal.Decimal // share of initial size closed at TP1
	TP2ExitFraction  decimal.Decimal // share of initial size closed at TP2
	BreakEvenMinExit decimal.Decimal // exited fraction required before break-even
	TrailingATRMult  decimal.Decimal // trailing stop distance in ATR multiples

	// Safety Timings
	ReconcileInterval  time.Duration
	ProtectionInterval time.Duration
	ExitCheckInterval  time.Duration
	ExitRecheckAfter   time.Duration
	ExitEscalateAfter  time.Duration
	ExitKillAfter      time.Duration
	StopConfirmTimeout time.Duration
	StopPollInterval   time.Duration

	// Database
	DBPath string

	// Logging
	LogLevel logger.LogLevel

	// Metrics
	MetricsAddr string

	// Registry
	ClosedHistorySize int
}

// LoadConfig loads configuration from environment variables (.env file).
func LoadConfig() (*Config, error) {
	// Load .env file, but don't fail if it doesn't exist (allow pure env vars)
	_ = godotenv.Load()

	cfg := &Config{}
	var err error
	var errs []string

	// Binance API
	cfg.APIKey = getEnv("BINANCE_API_KEY", "")
	cfg.SecretKey = getEnv("BINANCE_API_SECRET", "")
	cfg.IsTestnet = getEnvAsBool("IS_TESTNET", true) // Default to testnet for safety

	if cfg.APIKey == "" {
		errs = append(errs, "BINANCE_API_KEY must be set")
	}
	if cfg.SecretKey == "" {
		errs = append(errs, "BINANCE_API_SECRET must be set")
	}

	// Position Parameters
	cfg.MaxPositionSize, err = getEnvAsDecimal("MAX_POSITION_SIZE", "0")
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid MAX_POSITION_SIZE: %v", err))
	} else if cfg.MaxPositionSize.IsNegative() {
		errs = append(errs, "MAX_POSITION_SIZE cannot be negative")
	}

	cfg.MaxOpenPositions = getEnvAsInt("MAX_OPEN_POSITIONS", 3)
	if cfg.MaxOpenPositions <= 0 {
		errs = append(errs, "MAX_OPEN_POSITIONS must be positive")
	}

	cfg.MaxDailyTrades = getEnvAsInt("MAX_DAILY_TRADES", 20)
	if cfg.MaxDailyTrades <= 0 {
		errs = append(errs, "MAX_DAILY_TRADES must be positive")
	}

	cfg.MaxDailyLoss, err = getEnvAsDecimal("MAX_DAILY_LOSS", "0")
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid MAX_DAILY_LOSS: %v", err))
	} else if cfg.MaxDailyLoss.IsNegative() {
		errs = append(errs, "MAX_DAILY_LOSS cannot be negative")
	}

	cfg.StopLossPct, err = getEnvAsDecimal("STOP_LOSS_PCT", "0.0025")
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid STOP_LOSS_PCT: %v", err))
	} else if !cfg.StopLossPct.IsPositive() || cfg.StopLossPct.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		errs = append(errs, "STOP_LOSS_PCT must be between 0.0 and 1.0 (exclusive)")
	}

	cfg.TP1ExitFraction, err = getEnvAsDecimal("TP1_EXIT_FRACTION", "0.4")
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid TP1_EXIT_FRACTION: %v", err))
	}
	cfg.TP2ExitFraction, err = getEnvAsDecimal("TP2_EXIT_FRACTION", "0.3")
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid TP2_EXIT_FRACTION: %v", err))
	}
	if !cfg.TP1ExitFraction.IsPositive() || !cfg.TP2ExitFraction.IsPositive() ||
		cfg.TP1ExitFraction.Add(cfg.TP2ExitFraction).GreaterThanOrEqual(decimal.NewFromInt(1)) {
		errs = append(errs, "TP1_EXIT_FRACTION and TP2_EXIT_FRACTION must be positive and sum below 1.0")
	}

	cfg.BreakEvenMinExit, err = getEnvAsDecimal("BREAK_EVEN_MIN_EXIT", "0.3")
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid BREAK_EVEN_MIN_EXIT: %v", err))
	} else if cfg.BreakEvenMinExit.IsNegative() || cfg.BreakEvenMinExit.GreaterThan(decimal.NewFromInt(1)) {
		errs = append(errs, "BREAK_EVEN_MIN_EXIT must be between 0.0 and 1.0")
	}

	cfg.TrailingATRMult, err = getEnvAsDecimal("TRAILING_ATR_MULT", "2")
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid TRAILING_ATR_MULT: %v", err))
	} else if cfg.TrailingATRMult.IsNegative() {
		errs = append(errs, "TRAILING_ATR_MULT cannot be negative")
	}

	// Safety Timings
	cfg.ReconcileInterval = getEnvAsDuration("RECONCILE_INTERVAL", 30*time.Second, &errs)
	cfg.ProtectionInterval = getEnvAsDuration("PROTECTION_INTERVAL", 15*time.Second, &errs)
	cfg.ExitCheckInterval = getEnvAsDuration("EXIT_CHECK_INTERVAL", 5*time.Second, &errs)
	cfg.ExitRecheckAfter = getEnvAsDuration("EXIT_RECHECK_AFTER", 30*time.Second, &errs)
	cfg.ExitEscalateAfter = getEnvAsDuration("EXIT_ESCALATE_AFTER", 2*time.Minute, &errs)
	cfg.ExitKillAfter = getEnvAsDuration("EXIT_KILL_AFTER", 5*time.Minute, &errs)
	cfg.StopConfirmTimeout = getEnvAsDuration("STOP_CONFIRM_TIMEOUT", 10*time.Second, &errs)
	cfg.StopPollInterval = getEnvAsDuration("STOP_POLL_INTERVAL", 500*time.Millisecond, &errs)

	if cfg.ExitRecheckAfter >= cfg.ExitEscalateAfter || cfg.ExitEscalateAfter >= cfg.ExitKillAfter {
		errs = append(errs, "exit ladder must satisfy EXIT_RECHECK_AFTER < EXIT_ESCALATE_AFTER < EXIT_KILL_AFTER")
	}

	// Database
	cfg.DBPath = getEnv("DB_PATH", "./data/position_engine.db")
	if cfg.DBPath == "" {
		errs = append(errs, "DB_PATH must be set")
	}

	// Logging
	cfg.LogLevel = logger.ParseLevel(getEnv("LOG_LEVEL", "INFO"))

	// Metrics
	cfg.MetricsAddr = getEnv("METRICS_ADDR", ":9090")

	// Registry
	cfg.ClosedHistorySize = getEnvAsInt("CLOSED_HISTORY_SIZE", 256)
	if cfg.ClosedHistorySize <= 0 {
		errs = append(errs, "CLOSED_HISTORY_SIZE must be positive")
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}

	return cfg, nil
}

// --- Env Var Helpers ---

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDecimal(key, defaultValue string) (decimal.Decimal, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		valueStr = defaultValue
	}
	value, err := decimal.NewFromString(valueStr)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid decimal value '%s' for key %s: %w", valueStr, key, err)
	}
	return value, nil
}

func getEnvAsDuration(key string, defaultValue time.Duration, errs *[]string) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("invalid duration '%s' for key %s", valueStr, key))
		return defaultValue
	}
	if value <= 0 {
		*errs = append(*errs, fmt.Sprintf("%s must be positive", key))
		return defaultValue
	}
	return value
}
