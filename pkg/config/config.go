package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds environment-driven settings for the trading backend.
type Config struct {
	Port     string
	GRPCPort string

	// Instruments
	InstrumentsFile string
	DefaultULIndex  string

	// Broker: paper simulator unless a live adapter is configured
	PaperTrading       bool
	PaperMargin        float64
	PaperSlippageBps   float64
	PaperLatencyMinMs  int
	PaperLatencyMaxMs  int
	BrokerRateLimit    float64 // calls per second
	BrokerBurst        int
	UseMockFeed        bool
	MockFeedIntervalMs int
	MockPrices         map[string]float64 // MOCK_PRICES=NIFTY=25000,BANKNIFTY=52000

	// Order engine
	Workers           int
	ConfirmAttempts   int
	ConfirmIntervalMs int
	MarginBuffer      float64
	MaxCloseFailures  int

	// Loops
	DispatcherQuantumMs int
	PnLIntervalMs       int
	ReconcileInterval   time.Duration

	// Square-off timer
	SquareOffTimerEnabled bool
	SquareOffWindowStart  string
	SquareOffWindowEnd    string
	SquareOffAt           string
	MarketClose           string
	Timezone              string

	// Persistence
	DBPath          string
	JournalDir      string
	BatchSize       int
	FlushIntervalMs int

	// Auth / alerts
	JWTSecret        string
	AlertMinPriority int

	// Localization
	Language string
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	return &Config{
		Port:                  getEnv("PORT", "8080"),
		GRPCPort:              getEnv("GRPC_PORT", "9090"),
		InstrumentsFile:       getEnv("INSTRUMENTS_FILE", "./instruments.yaml"),
		DefaultULIndex:        strings.ToUpper(getEnv("UL_INDEX", "NIFTY")),
		PaperTrading:          getEnvBool("PAPER_TRADING", true),
		PaperMargin:           getEnvFloat("PAPER_MARGIN", 500000),
		PaperSlippageBps:      getEnvFloat("PAPER_SLIPPAGE_BPS", 2),
		PaperLatencyMinMs:     getEnvInt("PAPER_LATENCY_MIN_MS", 0),
		PaperLatencyMaxMs:     getEnvInt("PAPER_LATENCY_MAX_MS", 0),
		BrokerRateLimit:       getEnvFloat("BROKER_RATE_LIMIT", 10),
		BrokerBurst:           getEnvInt("BROKER_BURST", 20),
		UseMockFeed:           getEnvBool("USE_MOCK_FEED", true),
		MockFeedIntervalMs:    getEnvInt("MOCK_FEED_INTERVAL_MS", 1000),
		MockPrices:            parsePrices(getEnv("MOCK_PRICES", "NIFTY=25000,BANKNIFTY=52000,NIFTYBEES=280")),
		Workers:               getEnvInt("ORDER_WORKERS", 10),
		ConfirmAttempts:       getEnvInt("CONFIRM_ATTEMPTS", 10),
		ConfirmIntervalMs:     getEnvInt("CONFIRM_INTERVAL_MS", 300),
		MarginBuffer:          getEnvFloat("MARGIN_BUFFER", 1.02),
		MaxCloseFailures:      getEnvInt("MAX_CLOSE_FAILURES", 2),
		DispatcherQuantumMs:   getEnvInt("DISPATCHER_QUANTUM_MS", 10),
		PnLIntervalMs:         getEnvInt("PNL_INTERVAL_MS", 1000),
		ReconcileInterval:     getEnvDuration("RECONCILE_INTERVAL", time.Minute),
		SquareOffTimerEnabled: getEnvBool("SQUAREOFF_TIMER_ENABLED", true),
		SquareOffWindowStart:  getEnv("SQUAREOFF_WINDOW_START", "15:00"),
		SquareOffWindowEnd:    getEnv("SQUAREOFF_WINDOW_END", "15:30"),
		SquareOffAt:           getEnv("SQUAREOFF_AT", "15:20"),
		MarketClose:           getEnv("MARKET_CLOSE", "15:30"),
		Timezone:              getEnv("TIMEZONE", "Asia/Kolkata"),
		DBPath:                getEnv("DB_PATH", "./data/tez.db"),
		JournalDir:            getEnv("JOURNAL_DIR", "./data/journal"),
		BatchSize:             getEnvInt("BATCH_SIZE", 50),
		FlushIntervalMs:       getEnvInt("FLUSH_INTERVAL_MS", 500),
		JWTSecret:             getEnv("JWT_SECRET", "dev-secret"),
		AlertMinPriority:      getEnvInt("ALERT_MIN_PRIORITY", 3),
		Language:              getEnv("LANGUAGE", "en"),
	}, nil
}

// Location resolves Timezone, falling back to the local zone.
func (c *Config) Location() *time.Location {
	if loc, err := time.LoadLocation(c.Timezone); err == nil {
		return loc
	}
	return time.Local
}

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

// ConfirmInterval is the pause between order history polls.
func (c *Config) ConfirmInterval() time.Duration { return ms(c.ConfirmIntervalMs) }

// DispatcherQuantum is the command loop sleep.
func (c *Config) DispatcherQuantum() time.Duration { return ms(c.DispatcherQuantumMs) }

// PnLInterval is the P&L monitor period.
func (c *Config) PnLInterval() time.Duration { return ms(c.PnLIntervalMs) }

// FlushInterval is the batch writer period.
func (c *Config) FlushInterval() time.Duration { return ms(c.FlushIntervalMs) }

// MockFeedInterval is the synthetic tick period.
func (c *Config) MockFeedInterval() time.Duration { return ms(c.MockFeedIntervalMs) }

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
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

// parsePrices reads "SYM=price" pairs. Malformed pairs are skipped.
func parsePrices(v string) map[string]float64 {
	out := make(map[string]float64)
	for _, pair := range strings.Split(v, ",") {
		k, p, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok {
			continue
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil || f <= 0 {
			continue
		}
		out[strings.ToUpper(strings.TrimSpace(k))] = f
	}
	return out
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
