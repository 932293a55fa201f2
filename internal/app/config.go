package app

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/lukasbauer/intake/internal/decision"
	"github.com/lukasbauer/intake/internal/store"
)

type Config struct {
	HTTPAddr    string
	LogLevel    string
	Environment string
	SentryDSN   string

	// Storage
	StoreDriver string // postgres, sqlite or memory
	DatabaseURL string
	SQLitePath  string
	StagesFile  string // optional stage catalog seeded when the store has none

	// Decision engine
	MaxFollowUps     int
	DecisionProvider string // openai or gemini
	DecisionAPIKey   string
	DecisionBaseURL  string
	DecisionModel    string
	DecisionTimeout  time.Duration

	// Transcription (Deepgram Flux)
	DeepgramAPIKey  string
	STTSampleRate   int
	STTEOTThreshold float64
	STTStallTimeout time.Duration
	ReorderWindow   int

	// Session lifecycle
	PersistTimeout time.Duration
	SessionIdleTTL time.Duration
	SweepInterval  time.Duration

	DiscordWebhookURL string
}

func LoadConfigFromEnv() Config {
	return Config{
		HTTPAddr:    getenv("HTTP_ADDR", ":8080"),
		LogLevel:    getenv("LOG_LEVEL", "info"),
		Environment: getenv("ENVIRONMENT", "development"),
		SentryDSN:   getenv("SENTRY_DSN", ""),

		StoreDriver: strings.ToLower(getenv("STORE_DRIVER", store.DriverPostgres)),
		DatabaseURL: getenv("DATABASE_URL", ""),
		SQLitePath:  getenv("SQLITE_PATH", "./data/intake.db"),
		StagesFile:  getenv("STAGES_FILE", ""),

		MaxFollowUps:     getenvIntClamped("MAX_FOLLOW_UPS", 3, 1, 10),
		DecisionProvider: strings.ToLower(getenv("DECISION_PROVIDER", decision.ProviderOpenAI)),
		DecisionAPIKey:   getenv("DECISION_API_KEY", ""),
		DecisionBaseURL:  getenv("DECISION_BASE_URL", ""),
		DecisionModel:    getenv("DECISION_MODEL", ""),
		DecisionTimeout:  getenvDurationClamped("DECISION_TIMEOUT", 15*time.Second, time.Second, 2*time.Minute),

		DeepgramAPIKey:  getenv("DEEPGRAM_API_KEY", ""),
		STTSampleRate:   getenvIntClamped("STT_SAMPLE_RATE", 16000, 8000, 48000),
		STTEOTThreshold: getenvFloatClamped("STT_EOT_THRESHOLD", 0, 0, 1),
		STTStallTimeout: getenvDurationClamped("STT_STALL_TIMEOUT", 20*time.Second, time.Second, 5*time.Minute),
		ReorderWindow:   getenvIntClamped("REORDER_WINDOW", 64, 1, 4096),

		PersistTimeout: getenvDurationClamped("PERSIST_TIMEOUT", 5*time.Second, 100*time.Millisecond, time.Minute),
		SessionIdleTTL: getenvDurationClamped("SESSION_IDLE_TTL", 30*time.Minute, time.Minute, 24*time.Hour),
		SweepInterval:  getenvDurationClamped("SWEEP_INTERVAL", time.Minute, time.Second, time.Hour),

		DiscordWebhookURL: getenv("DISCORD_WEBHOOK_URL", ""),
	}
}

// Validate checks that the selected backends have what they need.
func (c Config) Validate() error {
	if c.HTTPAddr == "" {
		return fmt.Errorf("HTTP_ADDR cannot be empty")
	}
	switch c.StoreDriver {
	case store.DriverPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for the postgres store")
		}
	case store.DriverSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required for the sqlite store")
		}
	case store.DriverMemory:
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q (want postgres, sqlite or memory)", c.StoreDriver)
	}
	switch c.DecisionProvider {
	case decision.ProviderOpenAI, decision.ProviderGemini:
	default:
		return fmt.Errorf("unknown DECISION_PROVIDER %q (want openai or gemini)", c.DecisionProvider)
	}
	if c.DecisionAPIKey == "" {
		return fmt.Errorf("DECISION_API_KEY is required")
	}
	return nil
}

// NewLogger builds the root logger at the configured level.
func NewLogger(level string) *log.Logger {
	logger := log.NewWithOptions(os.Stdout, log.Options{
		ReportTimestamp: true,
		TimeFormat:      time.DateTime,
	})
	lvl, err := log.ParseLevel(level)
	if err != nil {
		logger.Warn("unknown LOG_LEVEL, using info", "level", level)
		lvl = log.InfoLevel
	}
	logger.SetLevel(lvl)
	return logger
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getenvIntClamped(k string, def, min, max int) int {
	v, err := strconv.Atoi(strings.TrimSpace(os.Getenv(k)))
	if err != nil {
		return def
	}
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

func getenvFloatClamped(k string, def, min, max float64) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(os.Getenv(k)), 64)
	if err != nil {
		return def
	}
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

func getenvDurationClamped(k string, def, min, max time.Duration) time.Duration {
	v, err := time.ParseDuration(strings.TrimSpace(os.Getenv(k)))
	if err != nil {
		return def
	}
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
