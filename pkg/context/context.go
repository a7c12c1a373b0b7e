package context

import (
	"context"
	"time"
)

// Timeouts for the blocking calls a call agent makes
const (
	// MediumTimeout is for media engine and negotiation steps
	MediumTimeout = 10 * time.Second

	// AckTimeout bounds a signaling request awaiting acknowledgement
	AckTimeout = 10 * time.Second

	// PresenceTimeout bounds a single presence registry read or write
	PresenceTimeout = 5 * time.Second

	// StoreTimeout bounds a local persisted-state read or write
	StoreTimeout = 3 * time.Second
)

// WithMediumTimeout creates a context with a medium timeout
func WithMediumTimeout(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, MediumTimeout)
}

// WithAckTimeout creates a context for a signaling round-trip
func WithAckTimeout(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, AckTimeout)
}

// WithPresenceTimeout creates a context for a presence registry call
func WithPresenceTimeout(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, PresenceTimeout)
}

// WithStoreTimeout creates a context for a persisted-state call
func WithStoreTimeout(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, StoreTimeout)
}
