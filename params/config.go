package params

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type API struct {
	Addr        string
	CORSOrigins []string
	IntakeLog   string // JSON-lines audit of accepted orders; empty disables
}

type Log struct {
	Level string
	File  string
}

type Storage struct {
	DataDir     string // Pebble directory for jobs and, without Postgres, order records
	DatabaseURL string // Postgres DSN for the shared order store
}

type Queue struct {
	Concurrency int
	MaxAttempts int
	Backoff     time.Duration
	MaxBackoff  time.Duration
}

type Execution struct {
	SlippageBps    int
	RetrySlippage  bool
	RoutingPolicy  string // "highest" or "side-aware"
	QuoteTimeout   time.Duration
	ExecuteTimeout time.Duration
	SimLatency     bool // simulated venues sleep like real ones
}

type P2P struct {
	Enabled   bool
	Listen    string
	Bootstrap []string
	Topic     string
}

type Config struct {
	API       API
	Log       Log
	Storage   Storage
	Queue     Queue
	Execution Execution
	P2P       P2P
}

func Default() Config {
	return Config{
		API: API{
			Addr:        ":3000",
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:3001"},
		},
		Log:     Log{Level: "info"},
		Storage: Storage{DataDir: "data/orderflow"},
		Queue: Queue{
			Concurrency: 10,
			MaxAttempts: 3,
			Backoff:     time.Second,
			MaxBackoff:  time.Minute,
		},
		Execution: Execution{
			SlippageBps:    50,
			RetrySlippage:  true,
			RoutingPolicy:  "highest",
			QuoteTimeout:   5 * time.Second,
			ExecuteTimeout: 30 * time.Second,
			SimLatency:     true,
		},
		P2P: P2P{
			Listen: "/ip4/0.0.0.0/tcp/9000",
			Topic:  "order-events",
		},
	}
}

// LoadFromEnv loads configuration from .env file (if exists) and environment variables
// Priority: ENV > .env file > defaults
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	// Try to load .env file (optional - won't fail if not exists)
	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	cfg.API.Addr = getEnv("API_ADDR", cfg.API.Addr)
	cfg.API.CORSOrigins = getList("CORS_ORIGINS", cfg.API.CORSOrigins)
	cfg.API.IntakeLog = getEnv("INTAKE_LOG", cfg.API.IntakeLog)

	cfg.Log.Level = getEnv("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.File = getEnv("LOG_FILE", cfg.Log.File)

	cfg.Storage.DataDir = getEnv("DATA_DIR", cfg.Storage.DataDir)
	cfg.Storage.DatabaseURL = getEnv("DATABASE_URL", cfg.Storage.DatabaseURL)

	cfg.Queue.Concurrency = getInt("QUEUE_CONCURRENCY", cfg.Queue.Concurrency)
	cfg.Queue.MaxAttempts = getInt("QUEUE_MAX_ATTEMPTS", cfg.Queue.MaxAttempts)
	cfg.Queue.Backoff = getMillis("QUEUE_BACKOFF_MS", cfg.Queue.Backoff)
	cfg.Queue.MaxBackoff = getMillis("QUEUE_MAX_BACKOFF_MS", cfg.Queue.MaxBackoff)

	cfg.Execution.SlippageBps = getInt("SLIPPAGE_BPS", cfg.Execution.SlippageBps)
	cfg.Execution.RetrySlippage = getBool("RETRY_SLIPPAGE", cfg.Execution.RetrySlippage)
	cfg.Execution.RoutingPolicy = getEnv("ROUTING_POLICY", cfg.Execution.RoutingPolicy)
	cfg.Execution.QuoteTimeout = getMillis("QUOTE_TIMEOUT_MS", cfg.Execution.QuoteTimeout)
	cfg.Execution.ExecuteTimeout = getMillis("EXECUTE_TIMEOUT_MS", cfg.Execution.ExecuteTimeout)
	cfg.Execution.SimLatency = getBool("SIM_LATENCY", cfg.Execution.SimLatency)

	cfg.P2P.Enabled = getBool("P2P_ENABLED", cfg.P2P.Enabled)
	cfg.P2P.Listen = getEnv("P2P_LISTEN", cfg.P2P.Listen)
	cfg.P2P.Bootstrap = getList("P2P_BOOTSTRAP", cfg.P2P.Bootstrap)
	cfg.P2P.Topic = getEnv("P2P_TOPIC", cfg.P2P.Topic)

	return cfg
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return v
	}
	return defaultValue
}

func getBool(key string, defaultValue bool) bool {
	if v, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		return v
	}
	return defaultValue
}

func getMillis(key string, defaultValue time.Duration) time.Duration {
	if ms, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return defaultValue
}

// getList splits a comma-separated variable, dropping empty entries
func getList(key string, defaultValue []string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	var out []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
