// Package media defines the real-time media collaborator the call core drives.
// Parameter blobs are opaque and forwarded verbatim to and from the relay.
package media

import (
	"context"
)

// Engine acquires local capture and builds devices for a room
type Engine interface {
	// AcquireMicrophone opens the capture device
	AcquireMicrophone(ctx context.Context) (Track, error)
	// Load prepares a device for the router capabilities returned by joinRoom
	Load(ctx context.Context, routerRTPCapabilities []byte) (Device, error)
}

// Device creates transports against one router
type Device interface {
	RTPCapabilities() []byte
	CreateSendTransport(params []byte, h SendHandler) (SendTransport, error)
	CreateRecvTransport(params []byte, h RecvHandler) (RecvTransport, error)
}

// SendHandler is called by a send transport when it needs the relay
type SendHandler interface {
	// OnConnect fires once, on first produce, with local DTLS parameters
	OnConnect(ctx context.Context, transportID string, dtlsParameters []byte) error
	// OnProduce registers the producer with the relay and returns its id
	OnProduce(ctx context.Context, transportID, kind string, rtpParameters, appData []byte) (string, error)
}

// RecvHandler is called by a receive transport when it needs the relay
type RecvHandler interface {
	OnConnect(ctx context.Context, transportID string, dtlsParameters []byte) error
}

// SendTransport carries local media to the relay
type SendTransport interface {
	ID() string
	Produce(ctx context.Context, track Track) (Producer, error)
	Close() error
}

// ConsumerOptions describes a consumer created by the relay
type ConsumerOptions struct {
	ID            string
	ProducerID    string
	Kind          string
	RTPParameters []byte
}

// RecvTransport carries remote media from the relay
type RecvTransport interface {
	ID() string
	Consume(ctx context.Context, opts ConsumerOptions) (Consumer, error)
	Close() error
}

// Producer is the local outgoing stream
type Producer interface {
	ID() string
	Close() error
}

// Consumer is a remote incoming stream
type Consumer interface {
	ID() string
	ProducerID() string
	Close() error
}

// Track is the local capture track
type Track interface {
	Enabled() bool
	SetEnabled(enabled bool)
	Stop()
}

// Alerter plays the continuous incoming-call alert
type Alerter interface {
	Start()
	Stop()
}
