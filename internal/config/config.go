// Package config loads and validates the chat server's runtime configuration.
package config

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// LogLevel is the minimum severity the process logger emits.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// LogFormat selects the logger's output encoding.
type LogFormat string

const (
	LogFormatJSON   LogFormat = "json"
	LogFormatPretty LogFormat = "pretty"
)

// Config holds every recognized option from the external interface
// configuration table, plus the ambient server/logging settings a running
// process needs.
type Config struct {
	Addr string `env:"CHAT_ADDR" envDefault:":8080"`

	// History Store retention (spec §6, §4.A)
	HistoryRetentionTTL        time.Duration `env:"CHAT_HISTORY_RETENTION_TTL" envDefault:"24h"`
	HistoryRetentionPerRoomCap int           `env:"CHAT_HISTORY_RETENTION_PER_ROOM_CAP" envDefault:"500"`
	InitialHistoryLimit        int           `env:"CHAT_INITIAL_HISTORY_LIMIT" envDefault:"100"`
	SweepInterval              time.Duration `env:"CHAT_SWEEP_INTERVAL" envDefault:"60s"`
	DatabasePath               string        `env:"CHAT_DATABASE_PATH" envDefault:"./chat.db"`

	// Admission Controller (spec §4.B)
	RateLimitCapacity         float64 `env:"CHAT_RATE_LIMIT_CAPACITY" envDefault:"10"`
	RateLimitRefillPerSecond  float64 `env:"CHAT_RATE_LIMIT_REFILL_PER_SECOND" envDefault:"3"`

	// Protocol constraints (spec §4.D)
	TypingIdleTimeout    time.Duration `env:"CHAT_TYPING_IDLE_TIMEOUT" envDefault:"3s"`
	MessageMaxChars      int           `env:"CHAT_MESSAGE_MAX_CHARS" envDefault:"2000"`
	DisplayNameMaxChars  int           `env:"CHAT_DISPLAY_NAME_MAX_CHARS" envDefault:"50"`

	// Upgrade-time authentication (spec §6)
	OriginAllowList string `env:"CHAT_ORIGIN_ALLOW_LIST" envDefault:"http://localhost:8080"`
	JWTSecret       string `env:"CHAT_JWT_SECRET" envDefault:"development-secret-change-me"`
	AuthBudget      time.Duration `env:"CHAT_AUTH_BUDGET" envDefault:"5s"`

	// Connection-level DoS guard (ambient, §DOMAIN STACK)
	ConnRateLimitIPBurst     int           `env:"CHAT_CONN_RATE_IP_BURST" envDefault:"10"`
	ConnRateLimitIPPerSec    float64       `env:"CHAT_CONN_RATE_IP_PER_SEC" envDefault:"1.0"`
	ConnRateLimitIPTTL       time.Duration `env:"CHAT_CONN_RATE_IP_TTL" envDefault:"5m"`
	ConnRateLimitGlobalBurst int           `env:"CHAT_CONN_RATE_GLOBAL_BURST" envDefault:"300"`
	ConnRateLimitGlobalPerSec float64      `env:"CHAT_CONN_RATE_GLOBAL_PER_SEC" envDefault:"50"`

	// Outbound backpressure bound (spec §5)
	OutboundQueueFrames int `env:"CHAT_OUTBOUND_QUEUE_FRAMES" envDefault:"256"`
	OutboundQueueBytes  int `env:"CHAT_OUTBOUND_QUEUE_BYTES" envDefault:"1048576"`

	ShutdownGracePeriod time.Duration `env:"CHAT_SHUTDOWN_GRACE_PERIOD" envDefault:"30s"`

	// Ambient logging
	LogLevel  LogLevel  `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat LogFormat `env:"LOG_FORMAT" envDefault:"json"`
}

// Load reads .env (best effort) then environment variables into a validated Config.
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("no .env file found, using environment variables only")
		}
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// Validate enforces the range and enum invariants a misconfigured process
// should fail fast on, rather than discover at run time.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("CHAT_ADDR is required")
	}
	if c.HistoryRetentionPerRoomCap < 1 {
		return fmt.Errorf("CHAT_HISTORY_RETENTION_PER_ROOM_CAP must be > 0")
	}
	if c.InitialHistoryLimit < 1 {
		return fmt.Errorf("CHAT_INITIAL_HISTORY_LIMIT must be > 0")
	}
	if c.RateLimitCapacity <= 0 || c.RateLimitRefillPerSecond <= 0 {
		return fmt.Errorf("rate limit capacity and refill rate must be > 0")
	}
	if c.MessageMaxChars < 1 {
		return fmt.Errorf("CHAT_MESSAGE_MAX_CHARS must be > 0")
	}
	if c.DisplayNameMaxChars < 1 {
		return fmt.Errorf("CHAT_DISPLAY_NAME_MAX_CHARS must be > 0")
	}
	if len(c.OriginAllowListValues()) == 0 {
		return fmt.Errorf("CHAT_ORIGIN_ALLOW_LIST must name at least one origin")
	}

	switch c.LogLevel {
	case LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError:
	default:
		return fmt.Errorf("LOG_LEVEL must be one of debug, info, warn, error (got %q)", c.LogLevel)
	}

	switch c.LogFormat {
	case LogFormatJSON, LogFormatPretty:
	default:
		return fmt.Errorf("LOG_FORMAT must be one of json, pretty (got %q)", c.LogFormat)
	}

	return nil
}

// OriginAllowListValues splits the comma-separated allow-list into exact-match origins.
func (c *Config) OriginAllowListValues() []string {
	var out []string
	for _, o := range strings.Split(c.OriginAllowList, ",") {
		o = strings.TrimSpace(o)
		if o != "" {
			out = append(out, o)
		}
	}
	return out
}

// LogConfig emits one structured startup line describing the loaded config.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("addr", c.Addr).
		Dur("history_retention_ttl", c.HistoryRetentionTTL).
		Int("history_retention_per_room_cap", c.HistoryRetentionPerRoomCap).
		Int("initial_history_limit", c.InitialHistoryLimit).
		Dur("sweep_interval", c.SweepInterval).
		Str("database_path", c.DatabasePath).
		Float64("rate_limit_capacity", c.RateLimitCapacity).
		Float64("rate_limit_refill_per_second", c.RateLimitRefillPerSecond).
		Dur("typing_idle_timeout", c.TypingIdleTimeout).
		Int("message_max_chars", c.MessageMaxChars).
		Int("display_name_max_chars", c.DisplayNameMaxChars).
		Strs("origin_allow_list", c.OriginAllowListValues()).
		Str("log_level", string(c.LogLevel)).
		Str("log_format", string(c.LogFormat)).
		Msg("configuration loaded")
}

// Stats tracks process-wide counters surfaced via /metrics and structured logs.
type Stats struct {
	Mu sync.RWMutex

	TotalConnections   int64
	CurrentConnections int64
	MessagesSent       int64
	MessagesReceived   int64
	RateLimitedTotal   int64
	SupersededTotal    int64
	StartTime          time.Time

	DisconnectsMu       sync.RWMutex
	DisconnectsByReason map[string]int64
}

// NewStats returns a Stats value ready for use.
func NewStats() *Stats {
	return &Stats{
		StartTime:           time.Now(),
		DisconnectsByReason: make(map[string]int64),
	}
}

// RecordDisconnect increments the counter for a disconnect reason.
func (s *Stats) RecordDisconnect(reason string) {
	s.DisconnectsMu.Lock()
	defer s.DisconnectsMu.Unlock()
	s.DisconnectsByReason[reason]++
}
