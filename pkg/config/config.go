package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config holds environment-driven settings for the trading desk.
type Config struct {
	Port     string
	GRPCAddr string
	LogLevel string

	// Database
	DBPath string

	// Strategies
	StrategiesFile string
	StopTimeout    time.Duration
	AutoStart      bool // start every configured strategy at boot

	// State
	MarkInterval time.Duration

	// Order pipeline
	OrderMaxRetries      int
	OrderBackoffMin      time.Duration
	OrderBackoffMax      time.Duration
	OrderDispatchTimeout time.Duration // bounds broker dispatch once a basket is accepted

	// Pre-trade risk limits for ENTRY baskets; zero disables a limit
	RiskMaxLegQty           decimal.Decimal
	RiskMaxOrderNotional    decimal.Decimal
	RiskMaxPositionNotional decimal.Decimal
	RiskMaxTotalExposure    decimal.Decimal
	RiskMaxDailyBaskets     int

	// Mock market data
	MockSymbols    []string
	MockStartPrice decimal.Decimal
	MockStep       decimal.Decimal
	MockInterval   time.Duration

	// Paper broker
	PaperFailRate    float64 // probability of a transient failure per placement
	PaperPartialRate float64 // probability that a MARKET leg fills partially
	PaperMaxNotional decimal.Decimal
	PaperSlippageBps float64

	// Broker call pacing; 0 disables
	BrokerRateLimit float64
	BrokerRateBurst int

	// Auth; empty disables bearer token checks
	JWTSecret string
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	return &Config{
		Port:             getEnv("PORT", "8080"),
		GRPCAddr:         getEnv("GRPC_ADDR", ":9090"),
		LogLevel:         getEnv("LOG_LEVEL", "info"),
		DBPath:           getEnv("DB_PATH", "./data/desk.db"),
		StrategiesFile:   getEnv("STRATEGIES_FILE", "strategies.yaml"),
		StopTimeout:      getEnvDuration("STOP_TIMEOUT", 2*time.Second),
		AutoStart:        getEnv("AUTO_START", "false") == "true",
		MarkInterval:     getEnvDuration("MARK_INTERVAL", time.Second),
		OrderMaxRetries:  getEnvInt("ORDER_MAX_RETRIES", 3),
		OrderBackoffMin:  getEnvDuration("ORDER_BACKOFF_MIN", 100*time.Millisecond),
		OrderBackoffMax:  getEnvDuration("ORDER_BACKOFF_MAX", 2*time.Second),

		OrderDispatchTimeout: getEnvDuration("ORDER_DISPATCH_TIMEOUT", 30*time.Second),

		RiskMaxLegQty:           getEnvDecimal("RISK_MAX_LEG_QTY", decimal.Zero),
		RiskMaxOrderNotional:    getEnvDecimal("RISK_MAX_ORDER_NOTIONAL", decimal.Zero),
		RiskMaxPositionNotional: getEnvDecimal("RISK_MAX_POSITION_NOTIONAL", decimal.Zero),
		RiskMaxTotalExposure:    getEnvDecimal("RISK_MAX_TOTAL_EXPOSURE", decimal.Zero),
		RiskMaxDailyBaskets:     getEnvInt("RISK_MAX_DAILY_BASKETS", 0),

		MockSymbols:      splitAndTrim(getEnv("MOCK_SYMBOLS", "SYM,NIFTY,BANKNIFTY")),
		MockStartPrice:   getEnvDecimal("MOCK_START_PRICE", decimal.NewFromInt(100)),
		MockStep:         getEnvDecimal("MOCK_STEP", decimal.RequireFromString("0.5")),
		MockInterval:     getEnvDuration("MOCK_INTERVAL", time.Second),
		PaperFailRate:    getEnvFloat("PAPER_FAIL_RATE", 0),
		PaperPartialRate: getEnvFloat("PAPER_PARTIAL_RATE", 0),
		PaperMaxNotional: getEnvDecimal("PAPER_MAX_NOTIONAL", decimal.NewFromInt(1_000_000)),
		PaperSlippageBps: getEnvFloat("PAPER_SLIPPAGE_BPS", 0),
		BrokerRateLimit:  getEnvFloat("BROKER_RATE_LIMIT", 20),
		BrokerRateBurst:  getEnvInt("BROKER_RATE_BURST", 10),
		JWTSecret:        os.Getenv("JWT_SECRET"),
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
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

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getEnvDecimal(key string, def decimal.Decimal) decimal.Decimal {
	if v := os.Getenv(key); v != "" {
		if d, err := decimal.NewFromString(v); err == nil {
			return d
		}
	}
	return def
}
