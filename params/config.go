package params

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendPebble = "pebble"

	DriverKafka  = "kafka"
	DriverSarama = "sarama"
	DriverLog    = "log"
)

type Node struct {
	APIAddr        string
	LogFile        string // empty logs to stdout only
	LogLevel       string
	AllowedOrigins []string
}

type Store struct {
	Backend    string
	RedisURL   string
	PebblePath string
	// SeedBooks loads SeedFile (or the built-in books) at startup.
	SeedBooks bool
	SeedFile  string
}

type Notifier struct {
	Driver          string
	Brokers         []string
	Queue           string
	ConnectAttempts int
	ConnectDelay    time.Duration
}

type Book struct {
	DefaultDepth int
	MaxDepth     int
}

type Config struct {
	Node     Node
	Store    Store
	Notifier Notifier
	Book     Book
}

func Default() Config {
	return Config{
		Node: Node{
			APIAddr:        ":8080",
			LogLevel:       "info",
			AllowedOrigins: []string{"*"},
		},
		Store: Store{
			Backend:    BackendMemory,
			RedisURL:   "redis://localhost:6379",
			PebblePath: "data/book",
			SeedBooks:  true,
		},
		Notifier: Notifier{
			Driver:          DriverKafka,
			Brokers:         []string{"localhost:9092"},
			Queue:           "tradeQueue",
			ConnectAttempts: 5,
			ConnectDelay:    5 * time.Second,
		},
		Book: Book{
			DefaultDepth: 5,
			MaxDepth:     100,
		},
	}
}

// LoadFromEnv loads configuration from .env file (if exists) and environment variables
// Priority: ENV > .env file > defaults
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	cfg.Node.APIAddr = getEnv("API_ADDR", cfg.Node.APIAddr)
	cfg.Node.LogFile = getEnv("LOG_FILE", cfg.Node.LogFile)
	cfg.Node.LogLevel = getEnv("LOG_LEVEL", cfg.Node.LogLevel)
	if origins := os.Getenv("CORS_ORIGINS"); origins != "" {
		cfg.Node.AllowedOrigins = splitList(origins)
	}

	if os.Getenv("USE_REDIS") == "true" {
		cfg.Store.Backend = BackendRedis
	}
	cfg.Store.Backend = strings.ToLower(getEnv("STORE_BACKEND", cfg.Store.Backend))
	cfg.Store.RedisURL = getEnv("REDIS_URL", cfg.Store.RedisURL)
	cfg.Store.PebblePath = getEnv("PEBBLE_PATH", cfg.Store.PebblePath)
	cfg.Store.SeedFile = getEnv("SEED_FILE", cfg.Store.SeedFile)
	// persistent backends keep their books across restarts, so seeding is opt-in there
	cfg.Store.SeedBooks = cfg.Store.Backend == BackendMemory
	if v := os.Getenv("SEED_BOOKS"); v != "" {
		cfg.Store.SeedBooks = v == "true"
	}

	cfg.Notifier.Driver = strings.ToLower(getEnv("NOTIFIER_DRIVER", cfg.Notifier.Driver))
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.Notifier.Brokers = splitList(brokers)
	}
	cfg.Notifier.Queue = getEnv("TRADE_QUEUE", cfg.Notifier.Queue)
	cfg.Notifier.ConnectAttempts = getInt("NOTIFIER_CONNECT_ATTEMPTS", cfg.Notifier.ConnectAttempts)
	if ms := os.Getenv("NOTIFIER_CONNECT_DELAY_MS"); ms != "" {
		if n, err := strconv.Atoi(ms); err == nil {
			cfg.Notifier.ConnectDelay = time.Duration(n) * time.Millisecond
		}
	}

	cfg.Book.DefaultDepth = getInt("BOOK_DEFAULT_DEPTH", cfg.Book.DefaultDepth)
	cfg.Book.MaxDepth = getInt("BOOK_MAX_DEPTH", cfg.Book.MaxDepth)

	return cfg
}

// Validate reports the first setting the node cannot start with.
func (c Config) Validate() error {
	switch c.Store.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.Store.RedisURL == "" {
			return fmt.Errorf("store: REDIS_URL is required for the redis backend")
		}
	case BackendPebble:
		if c.Store.PebblePath == "" {
			return fmt.Errorf("store: PEBBLE_PATH is required for the pebble backend")
		}
	default:
		return fmt.Errorf("store: unknown backend %q", c.Store.Backend)
	}

	switch c.Notifier.Driver {
	case DriverKafka, DriverSarama:
		if len(c.Notifier.Brokers) == 0 {
			return fmt.Errorf("notifier: KAFKA_BROKERS is required for driver %s", c.Notifier.Driver)
		}
	case DriverLog:
	default:
		return fmt.Errorf("notifier: unknown driver %q", c.Notifier.Driver)
	}
	if c.Notifier.Queue == "" {
		return fmt.Errorf("notifier: TRADE_QUEUE must not be empty")
	}
	if c.Notifier.ConnectAttempts < 1 {
		return fmt.Errorf("notifier: connect attempts must be at least 1")
	}

	if c.Book.DefaultDepth < 1 || c.Book.MaxDepth < c.Book.DefaultDepth {
		return fmt.Errorf("book: need 1 <= default depth (%d) <= max depth (%d)", c.Book.DefaultDepth, c.Book.MaxDepth)
	}
	return nil
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
