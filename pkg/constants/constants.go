// Package constants defines application-wide constants for timeouts, limits, and durations.
package constants

import "time"

// Time-related constants
const (
	// DefaultTimeout is the default timeout for most operations
	DefaultTimeout = 30 * time.Second

	// WebSocketPongWait is how long a signaling connection may stay silent before it is dropped
	WebSocketPongWait = 60 * time.Second

	// WebSocketPingInterval must be shorter than WebSocketPongWait
	WebSocketPingInterval = (WebSocketPongWait * 9) / 10

	// WebSocketWriteWait is the deadline for a single frame write
	WebSocketWriteWait = 10 * time.Second

	// GracefulShutdownTimeout is the timeout for graceful server shutdown
	GracefulShutdownTimeout = 30 * time.Second

	// RedisHealthCheckInterval is the interval between Redis pings
	RedisHealthCheckInterval = 10 * time.Second
)

// Presence constants
const (
	// PresenceTTL is how long an online mark survives without a refresh
	PresenceTTL = 5 * time.Minute
)

// Call-related defaults. Each one can be overridden through config.
const (
	// DefaultRingTimeout bounds how long a call may stay unanswered
	DefaultRingTimeout = 40 * time.Second

	// DefaultDisconnectGrace is how long a dropped signaling connection may take to come back
	// before a negotiating or connected call is given up
	DefaultDisconnectGrace = 5 * time.Second

	// DefaultNegotiationBufferSize is the per-destination cap on parked negotiation events
	DefaultNegotiationBufferSize = 32

	// DefaultProtocolErrorLimit is the number of protocol errors a call tolerates before it fails
	DefaultProtocolErrorLimit = 8

	// DefaultRetainTerminal is how long an ended call stays queryable
	DefaultRetainTerminal = 60 * time.Second
)

// WebSocket limits
const (
	// DefaultMaxSignalingConnections caps concurrent signaling sockets per process
	DefaultMaxSignalingConnections = 1000

	// SignalingSendQueueSize is the per-connection outbound queue length
	SignalingSendQueueSize = 256

	// MaxSignalingMessageSize bounds an inbound frame, SDP blobs included
	MaxSignalingMessageSize = 64 * 1024
)
