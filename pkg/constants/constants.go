// Package constants defines application-wide constants for timeouts, limits, and durations.
package constants

import "time"

// Time-related constants
const (
	// DefaultTimeout is the default timeout for a single realtime service call
	DefaultTimeout = 10 * time.Second

	// WebSocketPingInterval is the interval for WebSocket ping/pong
	WebSocketPingInterval = 54 * time.Second

	// WebSocketPongWait is how long a widget socket may stay silent
	WebSocketPongWait = 60 * time.Second

	// WebSocketWriteWait bounds a single frame write
	WebSocketWriteWait = 10 * time.Second

	// GracefulShutdownTimeout is the timeout for graceful server shutdown
	GracefulShutdownTimeout = 30 * time.Second
)

// Token-related constants
const (
	// AuthTokenExpiry is the lifetime of a cached realtime auth token
	AuthTokenExpiry = 7 * 24 * time.Hour

	// CallTokenExpiry is the lifetime of a call UI join token
	CallTokenExpiry = 10 * time.Minute

	// CredentialExpiry is how long a visitor's persisted auth state is kept
	CredentialExpiry = 30 * 24 * time.Hour
)

// Session-related constants
const (
	// MessagePageSize is the number of messages hydrated on startup
	MessagePageSize = 30

	// RecentConversationLimit is how many recent conversations startup looks at
	RecentConversationLimit = 1

	// TombstoneTTL is how long a terminated call session id is remembered
	TombstoneTTL = 10 * time.Minute

	// MaxTombstones bounds the number of remembered terminated sessions
	MaxTombstones = 1024

	// RingTimeout is how long an unanswered call rings before it is cancelled
	RingTimeout = 45 * time.Second

	// RingSweepInterval is how often unanswered calls are checked
	RingSweepInterval = time.Second
)

// Persisted visitor state keys
const (
	// AuthTokenKey stores the cached realtime auth token
	AuthTokenKey = "widget_auth_token"

	// UserIDKey stores the uid the token was issued for
	UserIDKey = "widget_user_id"
)

// Presence constants
const (
	// PresenceTTL is how long a participant stays online without a heartbeat
	PresenceTTL = 2 * time.Minute

	// UserStatusOnline indicates a user is currently online
	UserStatusOnline = "online"

	// UserStatusOffline indicates a user is currently offline
	UserStatusOffline = "offline"
)

// Message constants
const (
	// MaxMessageLength is the maximum allowed message length
	MaxMessageLength = 10000

	// MaxFetchLimit caps a single message or conversation page
	MaxFetchLimit = 100
)
