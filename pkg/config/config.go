package config

import (
	"encoding/json"
	"fmt"
	"time"

	"supportwidget-backend/internal/domain"
	"supportwidget-backend/pkg/constants"
	"supportwidget-backend/pkg/env"
)

// Config holds all configuration for the widget gateway
type Config struct {
	Server    ServerConfig
	Redis     RedisConfig
	Realtime  RealtimeConfig
	Session   SessionConfig
	WebSocket WebSocketConfig
	Widget    domain.WidgetSettings
	Log       LogConfig
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port        int
	Environment string // development, staging, production
	ServiceName string
	// AdminToken guards the operator API. Empty disables it.
	AdminToken string
	// ConnectRateLimit is the widget socket connects allowed per visitor per minute
	ConnectRateLimit int
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

// Addr returns host:port
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// RealtimeConfig holds the realtime service credentials and tuning.
// AppID, Region and AuthKey are all required for the service to work;
// a partial set leaves every operation failing with NOT_CONFIGURED.
type RealtimeConfig struct {
	AppID           string
	Region          string
	AuthKey         string
	TokenSecret     string
	AuthTokenExpiry time.Duration
	CallTokenExpiry time.Duration
	RingTimeout     time.Duration
	CallTimeout     time.Duration
}

// Configured reports whether all credentials are present
func (r RealtimeConfig) Configured() bool {
	return len(r.Missing()) == 0
}

// Missing lists the credential variables that are not set
func (r RealtimeConfig) Missing() []string {
	var missing []string
	if r.AppID == "" {
		missing = append(missing, "REALTIME_APP_ID")
	}
	if r.Region == "" {
		missing = append(missing, "REALTIME_REGION")
	}
	if r.AuthKey == "" {
		missing = append(missing, "REALTIME_AUTH_KEY")
	}
	return missing
}

// SessionConfig tunes the per-visitor session core
type SessionConfig struct {
	PageSize       int
	TombstoneTTL   time.Duration
	DefaultPeerUID string // peer used when the visitor has no conversation yet
	CredentialTTL  time.Duration
}

// WebSocketConfig holds widget socket configuration
type WebSocketConfig struct {
	MaxConnections int
	AllowedOrigins []string
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level    string // debug, info, warn, error
	Format   string // json, text
	Output   string // stdout, file
	FilePath string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	authKey := env.GetStringFromFile("REALTIME_AUTH_KEY", "")

	cfg := &Config{
		Server: ServerConfig{
			Port:        env.GetInt("PORT", 8080),
			Environment: env.GetString("ENV", "development"),
			ServiceName: env.GetString("SERVICE_NAME", "widget-gateway"),
			AdminToken:  env.GetStringFromFile("ADMIN_TOKEN", ""),

			ConnectRateLimit: env.GetInt("WS_CONNECT_RATE_LIMIT", 30),
		},
		Redis: RedisConfig{
			Host:     env.GetString("REDIS_HOST", "localhost"),
			Port:     env.GetInt("REDIS_PORT", 6379),
			Password: env.GetStringFromFile("REDIS_PASSWORD", ""),
			DB:       env.GetInt("REDIS_DB", 0),
			PoolSize: env.GetInt("REDIS_POOL_SIZE", 10),
			Timeout:  env.GetDuration("REDIS_TIMEOUT", 5*time.Second),
		},
		Realtime: RealtimeConfig{
			AppID:           env.GetString("REALTIME_APP_ID", ""),
			Region:          env.GetString("REALTIME_REGION", ""),
			AuthKey:         authKey,
			TokenSecret:     env.GetStringFromFile("REALTIME_TOKEN_SECRET", authKey),
			AuthTokenExpiry: env.GetDuration("REALTIME_AUTH_TOKEN_EXPIRY", constants.AuthTokenExpiry),
			CallTokenExpiry: env.GetDuration("REALTIME_CALL_TOKEN_EXPIRY", constants.CallTokenExpiry),
			RingTimeout:     env.GetDuration("REALTIME_RING_TIMEOUT", constants.RingTimeout),
			CallTimeout:     env.GetDuration("REALTIME_CALL_TIMEOUT", constants.DefaultTimeout),
		},
		Session: SessionConfig{
			PageSize:       env.GetInt("SESSION_PAGE_SIZE", constants.MessagePageSize),
			TombstoneTTL:   env.GetDuration("SESSION_TOMBSTONE_TTL", constants.TombstoneTTL),
			DefaultPeerUID: env.GetString("SESSION_DEFAULT_PEER_UID", ""),
			CredentialTTL:  env.GetDuration("SESSION_CREDENTIAL_TTL", constants.CredentialExpiry),
		},
		WebSocket: WebSocketConfig{
			MaxConnections: env.GetInt("WS_MAX_CONNECTIONS", 1000),
			AllowedOrigins: env.GetStringSlice("WS_ALLOWED_ORIGINS", nil),
		},
		Log: LogConfig{
			Level:    env.GetString("LOG_LEVEL", "info"),
			Format:   env.GetString("LOG_FORMAT", "json"),
			Output:   env.GetString("LOG_OUTPUT", "stdout"),
			FilePath: env.GetString("LOG_FILE_PATH", "/logs/widget.log"),
		},
	}

	if raw := env.GetString("WIDGET_SETTINGS", ""); raw != "" {
		settings, err := ParseWidgetSettings([]byte(raw))
		if err != nil {
			return nil, err
		}
		cfg.Widget = settings
	}

	// Validate critical configuration
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ParseWidgetSettings decodes the settings document served to the widget
func ParseWidgetSettings(raw []byte) (domain.WidgetSettings, error) {
	var s domain.WidgetSettings
	if err := json.Unmarshal(raw, &s); err != nil {
		return domain.WidgetSettings{}, fmt.Errorf("invalid WIDGET_SETTINGS: %w", err)
	}
	switch s.ChatPriority {
	case "", domain.PriorityAI, domain.PriorityHuman:
	default:
		return domain.WidgetSettings{}, fmt.Errorf("invalid chat_priority %q", s.ChatPriority)
	}
	return s, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Session.PageSize <= 0 {
		return fmt.Errorf("SESSION_PAGE_SIZE must be positive")
	}
	if c.Realtime.RingTimeout <= 0 {
		return fmt.Errorf("REALTIME_RING_TIMEOUT must be positive")
	}

	if c.Server.Environment == "production" {
		if missing := c.Realtime.Missing(); len(missing) > 0 {
			return fmt.Errorf("realtime credentials must be set in production: %v", missing)
		}
		if len(c.Realtime.TokenSecret) < 32 {
			return fmt.Errorf("REALTIME_TOKEN_SECRET must be at least 32 characters in production")
		}
		if len(c.WebSocket.AllowedOrigins) == 0 {
			return fmt.Errorf("WS_ALLOWED_ORIGINS must be set in production")
		}
	}

	return nil
}
