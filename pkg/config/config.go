package config

import (
	"fmt"
	"time"

	"callsignal-backend/pkg/constants"
	"callsignal-backend/pkg/env"
)

// Config holds all configuration for the application
type Config struct {
	Server    ServerConfig
	Redis     RedisConfig
	JWT       JWTConfig
	Log       LogConfig
	Call      CallConfig
	WebSocket WebSocketConfig
	RateLimit RateLimitConfig
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port           int
	Environment    string // development, staging, production
	ServiceName    string
	TrustedProxies []string
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
	PoolSize int
	Timeout  time.Duration
}

// JWTConfig holds JWT configuration
type JWTConfig struct {
	Secret   string
	Audience string
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level    string // debug, info, warn, error
	Format   string // json, text
	Output   string // stdout, file
	FilePath string
}

// CallConfig holds the timers and limits of the call state machine
type CallConfig struct {
	RingTimeout           time.Duration
	DisconnectGrace       time.Duration
	NegotiationBufferSize int
	ProtocolErrorLimit    int
	RetainTerminal        time.Duration
}

// WebSocketConfig holds signaling socket limits
type WebSocketConfig struct {
	MaxConnections int
	AllowedOrigins []string
}

// RateLimitConfig holds per-user request limits for the REST and socket endpoints
type RateLimitConfig struct {
	RequestsPerWindow int
	Window            time.Duration
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:           env.GetInt("PORT", 8083),
			Environment:    env.GetString("ENV", "development"),
			ServiceName:    env.GetString("SERVICE_NAME", "signaling-service"),
			TrustedProxies: env.GetSlice("TRUSTED_PROXIES", []string{"127.0.0.1"}),
		},
		Redis: RedisConfig{
			Host:     env.GetString("REDIS_HOST", "localhost"),
			Port:     env.GetInt("REDIS_PORT", 6379),
			Password: env.GetStringFromFile("REDIS_PASSWORD", ""),
			DB:       env.GetInt("REDIS_DB", 0),
			PoolSize: env.GetInt("REDIS_POOL_SIZE", 10),
			Timeout:  env.GetSeconds("REDIS_TIMEOUT", 5*time.Second),
		},
		JWT: JWTConfig{
			Secret:   env.GetStringFromFile("JWT_SECRET", ""),
			Audience: env.GetString("JWT_AUDIENCE", "callsignal-api"),
		},
		Log: LogConfig{
			Level:    env.GetString("LOG_LEVEL", "info"),
			Format:   env.GetString("LOG_FORMAT", "json"),
			Output:   env.GetString("LOG_OUTPUT", "stdout"),
			FilePath: env.GetString("LOG_FILE_PATH", "/logs/app.log"),
		},
		Call: DefaultCallConfig(),
		WebSocket: WebSocketConfig{
			MaxConnections: env.GetInt("WS_MAX_SIGNALING_CONNECTIONS", constants.DefaultMaxSignalingConnections),
			AllowedOrigins: env.GetSlice("CORS_ALLOWED_ORIGINS", []string{
				"http://localhost:3000",
				"http://127.0.0.1:3000",
			}),
		},
		RateLimit: RateLimitConfig{
			RequestsPerWindow: env.GetInt("RATE_LIMIT_REQUESTS", 120),
			Window:            env.GetSeconds("RATE_LIMIT_WINDOW_SECONDS", time.Minute),
		},
	}

	cfg.Call.RingTimeout = env.GetSeconds("CALL_RING_TIMEOUT_SECONDS", cfg.Call.RingTimeout)
	cfg.Call.DisconnectGrace = env.GetSeconds("CALL_DISCONNECT_GRACE_SECONDS", cfg.Call.DisconnectGrace)
	cfg.Call.NegotiationBufferSize = env.GetInt("CALL_NEGOTIATION_BUFFER_SIZE", cfg.Call.NegotiationBufferSize)
	cfg.Call.ProtocolErrorLimit = env.GetInt("CALL_PROTOCOL_ERROR_LIMIT", cfg.Call.ProtocolErrorLimit)
	cfg.Call.RetainTerminal = env.GetSeconds("CALL_RETAIN_TERMINAL_SECONDS", cfg.Call.RetainTerminal)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// DefaultCallConfig returns the call timers used when nothing is configured
func DefaultCallConfig() CallConfig {
	return CallConfig{
		RingTimeout:           constants.DefaultRingTimeout,
		DisconnectGrace:       constants.DefaultDisconnectGrace,
		NegotiationBufferSize: constants.DefaultNegotiationBufferSize,
		ProtocolErrorLimit:    constants.DefaultProtocolErrorLimit,
		RetainTerminal:        constants.DefaultRetainTerminal,
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Environment == "production" {
		if c.JWT.Secret == "" {
			return fmt.Errorf("JWT_SECRET must be set in production")
		}
		if len(c.JWT.Secret) < 32 {
			return fmt.Errorf("JWT_SECRET must be at least 32 characters in production")
		}
	}

	if c.WebSocket.MaxConnections <= 0 {
		return fmt.Errorf("WS_MAX_SIGNALING_CONNECTIONS must be positive")
	}

	if c.RateLimit.RequestsPerWindow <= 0 || c.RateLimit.Window <= 0 {
		return fmt.Errorf("RATE_LIMIT_REQUESTS and RATE_LIMIT_WINDOW_SECONDS must be positive")
	}

	return c.Call.Validate()
}

// Validate checks that every call timer and limit is usable
func (c CallConfig) Validate() error {
	if c.RingTimeout <= 0 {
		return fmt.Errorf("CALL_RING_TIMEOUT_SECONDS must be positive")
	}
	if c.DisconnectGrace <= 0 {
		return fmt.Errorf("CALL_DISCONNECT_GRACE_SECONDS must be positive")
	}
	if c.NegotiationBufferSize <= 0 {
		return fmt.Errorf("CALL_NEGOTIATION_BUFFER_SIZE must be positive")
	}
	if c.ProtocolErrorLimit <= 0 {
		return fmt.Errorf("CALL_PROTOCOL_ERROR_LIMIT must be positive")
	}
	if c.RetainTerminal < 0 {
		return fmt.Errorf("CALL_RETAIN_TERMINAL_SECONDS must not be negative")
	}
	return nil
}
