package config

import (
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Config holds all configuration for the inferq server.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Backend   BackendConfig
	Scheduler SchedulerConfig
	RateLimit RateLimitConfig
}

type ServerConfig struct {
	Port int
	Env  string
	// BootstrapAdminKey is stored as an admin key when no keys exist yet.
	BootstrapAdminKey string
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL string
}

type BackendConfig struct {
	Provider        string
	GenerateTimeout time.Duration
	Ollama          OllamaConfig
}

type OllamaConfig struct {
	BaseURL      string
	DefaultModel string
	KeepAlive    time.Duration
	Think        bool
}

// SchedulerConfig tunes the worker loop and the reaper.
type SchedulerConfig struct {
	PollInterval          time.Duration
	FlushInterval         time.Duration
	DefaultMaxWaitSeconds int
	StaleAfter            time.Duration
	ReaperSchedule        string
	AllowedModels         []string
}

type RateLimitConfig struct {
	RequestsPerMinute int
}

// Bootstrap keys follow the shape of generated keys so the auth lookup prefix
// stays meaningful.
const (
	bootstrapKeyPrefix = "iq_"
	minBootstrapKeyLen = 32
)

var validProviders = map[string]bool{
	"ollama": true,
	"mock":   true,
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port: envInt("INFERQ_PORT", 8080),
			Env:  envString("INFERQ_ENV", "development"),

			BootstrapAdminKey: os.Getenv("INFERQ_BOOTSTRAP_ADMIN_KEY"),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Backend: BackendConfig{
			Provider:        envString("BACKEND_PROVIDER", "ollama"),
			GenerateTimeout: envDurationSecs("BACKEND_GENERATE_TIMEOUT_SECS", 900*time.Second),
			Ollama: OllamaConfig{
				BaseURL:      envString("OLLAMA_BASE_URL", "http://localhost:11434"),
				DefaultModel: envString("OLLAMA_DEFAULT_MODEL", "llama3"),
				KeepAlive:    envDuration("OLLAMA_KEEP_ALIVE", 30*time.Minute),
				Think:        envBool("OLLAMA_THINK", false),
			},
		},
		Scheduler: SchedulerConfig{
			PollInterval:          envDuration("SCHEDULER_POLL_INTERVAL", time.Second),
			FlushInterval:         envDuration("SCHEDULER_FLUSH_INTERVAL", 250*time.Millisecond),
			DefaultMaxWaitSeconds: envInt("SCHEDULER_DEFAULT_MAX_WAIT_SECS", 120),
			StaleAfter:            envDuration("SCHEDULER_STALE_AFTER", 10*time.Minute),
			ReaperSchedule:        envString("SCHEDULER_REAPER_SCHEDULE", "@every 1m"),
			AllowedModels:         envList("SCHEDULER_ALLOWED_MODELS"),
		},
		RateLimit: RateLimitConfig{
			RequestsPerMinute: envInt("RATE_LIMIT_PER_MIN", 60),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if k := c.Server.BootstrapAdminKey; k != "" {
		if !strings.HasPrefix(k, bootstrapKeyPrefix) || len(k) < minBootstrapKeyLen {
			return fmt.Errorf("INFERQ_BOOTSTRAP_ADMIN_KEY must start with %q and be at least %d characters",
				bootstrapKeyPrefix, minBootstrapKeyLen)
		}
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if !validProviders[c.Backend.Provider] {
		return fmt.Errorf("BACKEND_PROVIDER must be one of ollama, mock; got %q", c.Backend.Provider)
	}
	if c.Backend.Provider == "ollama" {
		u := c.Backend.Ollama.BaseURL
		if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
			return fmt.Errorf("OLLAMA_BASE_URL must start with http:// or https://, got %q", u)
		}
	}
	if c.Backend.Ollama.DefaultModel == "" {
		return fmt.Errorf("OLLAMA_DEFAULT_MODEL is required")
	}
	if c.Backend.GenerateTimeout <= 0 {
		return fmt.Errorf("BACKEND_GENERATE_TIMEOUT_SECS must be positive")
	}

	s := c.Scheduler
	if s.PollInterval <= 0 {
		return fmt.Errorf("SCHEDULER_POLL_INTERVAL must be positive")
	}
	if s.DefaultMaxWaitSeconds < 1 || s.DefaultMaxWaitSeconds > 86400 {
		return fmt.Errorf("SCHEDULER_DEFAULT_MAX_WAIT_SECS must be between 1 and 86400, got %d", s.DefaultMaxWaitSeconds)
	}
	if s.PollInterval >= time.Duration(s.DefaultMaxWaitSeconds)*time.Second {
		return fmt.Errorf("SCHEDULER_POLL_INTERVAL (%s) must be shorter than SCHEDULER_DEFAULT_MAX_WAIT_SECS (%ds)",
			s.PollInterval, s.DefaultMaxWaitSeconds)
	}
	if s.FlushInterval < 0 {
		return fmt.Errorf("SCHEDULER_FLUSH_INTERVAL must not be negative")
	}
	if s.StaleAfter <= s.FlushInterval {
		return fmt.Errorf("SCHEDULER_STALE_AFTER (%s) must exceed SCHEDULER_FLUSH_INTERVAL (%s)", s.StaleAfter, s.FlushInterval)
	}
	if _, err := cron.ParseStandard(s.ReaperSchedule); err != nil {
		return fmt.Errorf("SCHEDULER_REAPER_SCHEDULE is invalid: %w", err)
	}
	if len(s.AllowedModels) > 0 && !slices.Contains(s.AllowedModels, c.Backend.Ollama.DefaultModel) {
		return fmt.Errorf("OLLAMA_DEFAULT_MODEL %q is not in SCHEDULER_ALLOWED_MODELS", c.Backend.Ollama.DefaultModel)
	}

	if c.RateLimit.RequestsPerMinute <= 0 {
		return fmt.Errorf("RATE_LIMIT_PER_MIN must be positive")
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

func envDurationSecs(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	secs, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return time.Duration(secs) * time.Second
}

// envList splits a comma-separated value, dropping blanks.
func envList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
