// Package constants defines application-wide constants for timeouts, limits, and durations.
package constants

import "time"

// Time-related constants
const (
	// DefaultTimeout is the default timeout for most operations
	DefaultTimeout = 30 * time.Second

	// WebSocketPingInterval is the interval for WebSocket ping/pong
	WebSocketPingInterval = 25 * time.Second

	// WebSocketPongWait is how long the signaling client waits for a pong before dropping the link
	WebSocketPongWait = 60 * time.Second

	// WebSocketWriteWait is the deadline for a single frame write
	WebSocketWriteWait = 10 * time.Second

	// GracefulShutdownTimeout is the timeout for graceful server shutdown
	GracefulShutdownTimeout = 30 * time.Second
)

// Call lifecycle timers
const (
	// ConnectionTimeout bounds CONNECTING; teardown fires if no consumer is established
	ConnectionTimeout = 10 * time.Second

	// RingTimeout bounds an unanswered INCOMING_RINGING
	RingTimeout = 30 * time.Second

	// AlertPollInterval is how often the ringing alert re-checks for a remote stream
	AlertPollInterval = 1 * time.Second

	// HeartbeatInterval refreshes busy and transport freshness during a call
	HeartbeatInterval = 5 * time.Second
)

// Staleness thresholds
const (
	// CallRecordMaxAge is the age after which a persisted call record is discarded
	CallRecordMaxAge = 4 * time.Hour

	// TransportSetMaxAge is the age after which in-flight transport data is discarded
	TransportSetMaxAge = 5 * time.Minute

	// BusyStaleAfter is the age after which a busy flag no longer blocks admission
	BusyStaleAfter = 60 * time.Second
)

// Presence constants
const (
	// PresenceCacheTTL bounds how long peer presence reads are served locally
	PresenceCacheTTL = 30 * time.Second

	// PresenceCacheSize is the maximum number of cached peer reads
	PresenceCacheSize = 256

	// ExpirySweepSpec is the cron spec for the silence/DND expiry sweep
	ExpirySweepSpec = "@every 60s"
)

// Retry constants
const (
	// BusyResetAttempts is the number of attempts for busy flag writes
	BusyResetAttempts = 3

	// BusyResetBackoff is the wait between busy flag write attempts
	BusyResetBackoff = 1 * time.Second

	// MaxConnectionAttempts is the number of signaling reconnect attempts
	MaxConnectionAttempts = 3
)

// Knock constants
const (
	// KnockInterval is the minimum spacing between knocks to the same friend
	KnockInterval = 1 * time.Second
)

// Persisted keys
const (
	// CallStateKey holds the serialized CallRecord
	CallStateKey = "@call_state"

	// ActiveCallDataKey holds the serialized ActiveTransportSet
	ActiveCallDataKey = "@active_call_data"
)
