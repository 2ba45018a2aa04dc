package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// EnvPrefix is prepended to every environment variable name
const EnvPrefix = "ROOMCHAT_"

// Limiter backends
const (
	LimiterBackendMemory = "memory"
	LimiterBackendRedis  = "redis"
	LimiterBackendRemote = "remote"
)

// ARCHITECTURAL DISCOVERY: Configuration layer serves as system-wide settings coordinator
// Clean separation between configuration management and business logic
type Config struct {
	HTTP      *HTTPConfig      `json:"http" envPrefix:"HTTP_"`
	WebSocket *WebSocketConfig `json:"websocket" envPrefix:"WEBSOCKET_"`
	Database  *DatabaseConfig  `json:"database" envPrefix:"DATABASE_"`
	RateLimit *RateLimitConfig `json:"rate_limit" envPrefix:"RATE_LIMIT_"`
	Redis     *RedisConfig     `json:"redis" envPrefix:"REDIS_"`
	Room      *RoomConfig      `json:"room" envPrefix:"ROOM_"`
	Log       *LogConfig       `json:"log" envPrefix:"LOG_"`
	Throttle  *ThrottleConfig  `json:"throttle" envPrefix:"THROTTLE_"`
}

type HTTPConfig struct {
	Host            string        `json:"host" env:"HOST"`
	Port            int           `json:"port" env:"PORT"`
	ReadTimeout     time.Duration `json:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `json:"write_timeout" env:"WRITE_TIMEOUT"`
	IdleTimeout     time.Duration `json:"idle_timeout" env:"IDLE_TIMEOUT"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	AllowedOrigins  []string      `json:"allowed_origins" env:"ALLOWED_ORIGINS" envSeparator:","`
}

// FUNCTIONAL DISCOVERY: WebSocket heartbeat must fire well inside ReadTimeout
// or idle but healthy clients get dropped
type WebSocketConfig struct {
	PingInterval time.Duration `json:"ping_interval" env:"PING_INTERVAL"`
	ReadTimeout  time.Duration `json:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout time.Duration `json:"write_timeout" env:"WRITE_TIMEOUT"`
	BufferSize   int           `json:"buffer_size" env:"BUFFER_SIZE"`
	MaxFrameSize int64         `json:"max_frame_size" env:"MAX_FRAME_SIZE"`
}

type DatabaseConfig struct {
	Path           string `json:"path" env:"PATH"`
	MaxConnections int    `json:"max_connections" env:"MAX_CONNECTIONS"`
}

// RateLimitConfig selects and tunes the per-client message limiter
type RateLimitConfig struct {
	Backend         string        `json:"backend" env:"BACKEND"`
	Increment       time.Duration `json:"increment" env:"INCREMENT"`
	Burst           time.Duration `json:"burst" env:"BURST"`
	CallTimeout     time.Duration `json:"call_timeout" env:"CALL_TIMEOUT"`
	RemoteURL       string        `json:"remote_url" env:"REMOTE_URL"`
	JanitorInterval time.Duration `json:"janitor_interval" env:"JANITOR_INTERVAL"`
	// Serve exposes this process's limiter under /limiter for remote clients
	Serve bool `json:"serve" env:"SERVE"`
}

type RedisConfig struct {
	Addr     string `json:"addr" env:"ADDR"`
	Password string `json:"password" env:"PASSWORD"`
	DB       int    `json:"db" env:"DB"`
	Prefix   string `json:"prefix" env:"PREFIX"`
}

type RoomConfig struct {
	IdleTTL           time.Duration `json:"idle_ttl" env:"IDLE_TTL"`
	MaxBacklog        int           `json:"max_backlog" env:"MAX_BACKLOG"`
	EventBuffer       int           `json:"event_buffer" env:"EVENT_BUFFER"`
	NotifyRateLimited bool          `json:"notify_rate_limited" env:"NOTIFY_RATE_LIMITED"`
}

type LogConfig struct {
	Level       string `json:"level" env:"LEVEL"`
	Development bool   `json:"development" env:"DEVELOPMENT"`
}

// ThrottleConfig bounds how fast one client may mint rooms or open sockets
type ThrottleConfig struct {
	RequestsPerSecond float64       `json:"requests_per_second" env:"RPS"`
	Burst             int           `json:"burst" env:"BURST"`
	TTL               time.Duration `json:"ttl" env:"TTL"`
}

// FUNCTIONAL DISCOVERY: Production-ready defaults; the limiter numbers are the
// chat wire contract (5s per message, 20s of burst)
func DefaultConfig() *Config {
	return &Config{
		HTTP: &HTTPConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			IdleTimeout:     120 * time.Second,
			ShutdownTimeout: 15 * time.Second,
			AllowedOrigins:  []string{"*"},
		},
		WebSocket: &WebSocketConfig{
			PingInterval: 30 * time.Second,
			ReadTimeout:  60 * time.Second,
			WriteTimeout: 10 * time.Second,
			BufferSize:   100,
			MaxFrameSize: 16 * 1024,
		},
		Database: &DatabaseConfig{
			Path:           "./data/roomchat.db",
			MaxConnections: 10,
		},
		RateLimit: &RateLimitConfig{
			Backend:         LimiterBackendMemory,
			Increment:       5 * time.Second,
			Burst:           20 * time.Second,
			CallTimeout:     5 * time.Second,
			JanitorInterval: time.Minute,
		},
		Redis: &RedisConfig{
			Addr:   "localhost:6379",
			Prefix: "roomchat:limiter:",
		},
		Room: &RoomConfig{
			IdleTTL:     5 * time.Minute,
			MaxBacklog:  1000,
			EventBuffer: 256,
		},
		Log: &LogConfig{
			Level: "info",
		},
		Throttle: &ThrottleConfig{
			RequestsPerSecond: 2,
			Burst:             10,
			TTL:               10 * time.Minute,
		},
	}
}

// Validate rejects configurations that would fail at runtime
func (c *Config) Validate() error {
	if c.HTTP == nil || c.WebSocket == nil || c.Database == nil || c.RateLimit == nil ||
		c.Redis == nil || c.Room == nil || c.Log == nil || c.Throttle == nil {
		return fmt.Errorf("all configuration sections are required")
	}

	// port 0 asks the kernel for a free port
	if c.HTTP.Port < 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("HTTP port must be between 0 and 65535")
	}
	if c.HTTP.Host == "" {
		return fmt.Errorf("HTTP host cannot be empty")
	}
	if c.HTTP.ReadTimeout <= 0 || c.HTTP.WriteTimeout <= 0 {
		return fmt.Errorf("HTTP timeouts must be positive")
	}

	if c.WebSocket.PingInterval <= 0 {
		return fmt.Errorf("WebSocket ping interval must be positive")
	}
	if c.WebSocket.ReadTimeout <= c.WebSocket.PingInterval {
		return fmt.Errorf("WebSocket read timeout must exceed ping interval")
	}
	if c.WebSocket.WriteTimeout <= 0 {
		return fmt.Errorf("WebSocket write timeout must be positive")
	}
	if c.WebSocket.BufferSize <= 0 {
		return fmt.Errorf("WebSocket buffer size must be positive")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database path cannot be empty")
	}
	if c.Database.MaxConnections <= 0 {
		return fmt.Errorf("database max connections must be positive")
	}

	switch c.RateLimit.Backend {
	case LimiterBackendMemory:
	case LimiterBackendRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis address is required for the redis limiter backend")
		}
	case LimiterBackendRemote:
		if c.RateLimit.RemoteURL == "" {
			return fmt.Errorf("remote URL is required for the remote limiter backend")
		}
	default:
		return fmt.Errorf("unknown rate limit backend %q", c.RateLimit.Backend)
	}
	if c.RateLimit.Increment <= 0 {
		return fmt.Errorf("rate limit increment must be positive")
	}
	if c.RateLimit.Burst < 0 {
		return fmt.Errorf("rate limit burst cannot be negative")
	}
	if c.RateLimit.CallTimeout <= 0 {
		return fmt.Errorf("rate limit call timeout must be positive")
	}

	if c.Room.IdleTTL < 0 || c.Room.MaxBacklog < 0 || c.Room.EventBuffer < 0 {
		return fmt.Errorf("room settings cannot be negative")
	}

	if c.Throttle.RequestsPerSecond <= 0 || c.Throttle.Burst <= 0 {
		return fmt.Errorf("throttle rate and burst must be positive")
	}

	return nil
}

// Addr returns the HTTP listen address
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.HTTP.Host, c.HTTP.Port)
}

// LoadFromEnv overlays ROOMCHAT_* environment variables on the defaults.
// A .env file in the working directory is loaded first when present.
func LoadFromEnv() (*Config, error) {
	_ = godotenv.Load()

	config := DefaultConfig()
	if err := applyEnv(config); err != nil {
		return nil, err
	}
	return config, nil
}

func applyEnv(config *Config) error {
	if err := env.ParseWithOptions(config, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// ConfigFile represents the JSON structure for file-based configuration
// FUNCTIONAL DISCOVERY: Separate struct for JSON parsing to handle duration strings;
// zero values mean "not set"
type ConfigFile struct {
	HTTP *struct {
		Host            string   `json:"host"`
		Port            int      `json:"port"`
		ReadTimeout     string   `json:"read_timeout"`
		WriteTimeout    string   `json:"write_timeout"`
		IdleTimeout     string   `json:"idle_timeout"`
		ShutdownTimeout string   `json:"shutdown_timeout"`
		AllowedOrigins  []string `json:"allowed_origins"`
	} `json:"http"`
	WebSocket *struct {
		PingInterval string `json:"ping_interval"`
		ReadTimeout  string `json:"read_timeout"`
		WriteTimeout string `json:"write_timeout"`
		BufferSize   int    `json:"buffer_size"`
		MaxFrameSize int64  `json:"max_frame_size"`
	} `json:"websocket"`
	Database *struct {
		Path           string `json:"path"`
		MaxConnections int    `json:"max_connections"`
	} `json:"database"`
	RateLimit *struct {
		Backend         string `json:"backend"`
		Increment       string `json:"increment"`
		Burst           string `json:"burst"`
		CallTimeout     string `json:"call_timeout"`
		RemoteURL       string `json:"remote_url"`
		JanitorInterval string `json:"janitor_interval"`
		Serve           *bool  `json:"serve"`
	} `json:"rate_limit"`
	Redis *struct {
		Addr     string `json:"addr"`
		Password string `json:"password"`
		DB       *int   `json:"db"`
		Prefix   string `json:"prefix"`
	} `json:"redis"`
	Room *struct {
		IdleTTL           string `json:"idle_ttl"`
		MaxBacklog        *int   `json:"max_backlog"`
		EventBuffer       int    `json:"event_buffer"`
		NotifyRateLimited *bool  `json:"notify_rate_limited"`
	} `json:"room"`
	Log *struct {
		Level       string `json:"level"`
		Development *bool  `json:"development"`
	} `json:"log"`
	Throttle *struct {
		RequestsPerSecond float64 `json:"requests_per_second"`
		Burst             int     `json:"burst"`
		TTL               string  `json:"ttl"`
	} `json:"throttle"`
}

// LoadFromFile reads a JSON config file over the defaults
func LoadFromFile(path string) (*Config, error) {
	config := DefaultConfig()
	if err := applyFile(config, path); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", path, err)
	}
	return config, nil
}

// LoadConfigWithPrecedence resolves file > environment > defaults.
// An empty path skips the file layer.
func LoadConfigWithPrecedence(path string) (*Config, error) {
	config, err := LoadFromEnv()
	if err != nil {
		return nil, err
	}

	if path != "" {
		if err := applyFile(config, path); err != nil {
			return nil, err
		}
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}

func applyFile(config *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var file ConfigFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	p := durationParser{path: path}

	if f := file.HTTP; f != nil {
		setString(&config.HTTP.Host, f.Host)
		setInt(&config.HTTP.Port, f.Port)
		p.parse(&config.HTTP.ReadTimeout, "http.read_timeout", f.ReadTimeout)
		p.parse(&config.HTTP.WriteTimeout, "http.write_timeout", f.WriteTimeout)
		p.parse(&config.HTTP.IdleTimeout, "http.idle_timeout", f.IdleTimeout)
		p.parse(&config.HTTP.ShutdownTimeout, "http.shutdown_timeout", f.ShutdownTimeout)
		if len(f.AllowedOrigins) > 0 {
			config.HTTP.AllowedOrigins = f.AllowedOrigins
		}
	}

	if f := file.WebSocket; f != nil {
		p.parse(&config.WebSocket.PingInterval, "websocket.ping_interval", f.PingInterval)
		p.parse(&config.WebSocket.ReadTimeout, "websocket.read_timeout", f.ReadTimeout)
		p.parse(&config.WebSocket.WriteTimeout, "websocket.write_timeout", f.WriteTimeout)
		setInt(&config.WebSocket.BufferSize, f.BufferSize)
		if f.MaxFrameSize > 0 {
			config.WebSocket.MaxFrameSize = f.MaxFrameSize
		}
	}

	if f := file.Database; f != nil {
		setString(&config.Database.Path, f.Path)
		setInt(&config.Database.MaxConnections, f.MaxConnections)
	}

	if f := file.RateLimit; f != nil {
		setString(&config.RateLimit.Backend, f.Backend)
		p.parse(&config.RateLimit.Increment, "rate_limit.increment", f.Increment)
		p.parse(&config.RateLimit.Burst, "rate_limit.burst", f.Burst)
		p.parse(&config.RateLimit.CallTimeout, "rate_limit.call_timeout", f.CallTimeout)
		setString(&config.RateLimit.RemoteURL, f.RemoteURL)
		p.parse(&config.RateLimit.JanitorInterval, "rate_limit.janitor_interval", f.JanitorInterval)
		if f.Serve != nil {
			config.RateLimit.Serve = *f.Serve
		}
	}

	if f := file.Redis; f != nil {
		setString(&config.Redis.Addr, f.Addr)
		setString(&config.Redis.Password, f.Password)
		setString(&config.Redis.Prefix, f.Prefix)
		if f.DB != nil {
			config.Redis.DB = *f.DB
		}
	}

	if f := file.Room; f != nil {
		p.parse(&config.Room.IdleTTL, "room.idle_ttl", f.IdleTTL)
		setInt(&config.Room.EventBuffer, f.EventBuffer)
		if f.MaxBacklog != nil {
			config.Room.MaxBacklog = *f.MaxBacklog
		}
		if f.NotifyRateLimited != nil {
			config.Room.NotifyRateLimited = *f.NotifyRateLimited
		}
	}

	if f := file.Log; f != nil {
		setString(&config.Log.Level, f.Level)
		if f.Development != nil {
			config.Log.Development = *f.Development
		}
	}

	if f := file.Throttle; f != nil {
		if f.RequestsPerSecond > 0 {
			config.Throttle.RequestsPerSecond = f.RequestsPerSecond
		}
		setInt(&config.Throttle.Burst, f.Burst)
		p.parse(&config.Throttle.TTL, "throttle.ttl", f.TTL)
	}

	return p.err
}

// durationParser keeps the first parse failure so applyFile reads linearly
type durationParser struct {
	path string
	err  error
}

func (p *durationParser) parse(dst *time.Duration, field, value string) {
	if value == "" || p.err != nil {
		return
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		p.err = fmt.Errorf("invalid %s in %s: %w", field, p.path, err)
		return
	}
	*dst = d
}

func setString(dst *string, value string) {
	if value != "" {
		*dst = value
	}
}

func setInt(dst *int, value int) {
	if value > 0 {
		*dst = value
	}
}
