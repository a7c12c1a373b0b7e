package media

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"knockknock-core/pkg/logger"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// HeadlessEngine negotiates transports without capturing or rendering audio.
// The call agent uses it when the embedding shell owns the media pipeline and
// only needs the signaling and state side driven.
type HeadlessEngine struct{}

// NewHeadlessEngine creates a new HeadlessEngine
func NewHeadlessEngine() *HeadlessEngine {
	return &HeadlessEngine{}
}

func (e *HeadlessEngine) AcquireMicrophone(ctx context.Context) (Track, error) {
	t := &headlessTrack{}
	t.enabled.Store(true)
	return t, nil
}

func (e *HeadlessEngine) Load(ctx context.Context, caps []byte) (Device, error) {
	if len(caps) == 0 {
		return nil, fmt.Errorf("router capabilities missing")
	}
	return &headlessDevice{caps: append([]byte{}, caps...)}, nil
}

type headlessDevice struct {
	caps []byte
}

func (d *headlessDevice) RTPCapabilities() []byte { return d.caps }

func (d *headlessDevice) CreateSendTransport(params []byte, h SendHandler) (SendTransport, error) {
	id, err := transportID(params)
	if err != nil {
		return nil, err
	}
	return &headlessSendTransport{id: id, handler: h}, nil
}

func (d *headlessDevice) CreateRecvTransport(params []byte, h RecvHandler) (RecvTransport, error) {
	id, err := transportID(params)
	if err != nil {
		return nil, err
	}
	return &headlessRecvTransport{id: id, handler: h}, nil
}

type headlessSendTransport struct {
	id        string
	handler   SendHandler
	connectMu sync.Mutex
	connected bool
}

func (t *headlessSendTransport) ID() string { return t.id }

func (t *headlessSendTransport) Produce(ctx context.Context, track Track) (Producer, error) {
	t.connectMu.Lock()
	if !t.connected {
		if err := t.handler.OnConnect(ctx, t.id, []byte(`{"role":"auto","fingerprints":[]}`)); err != nil {
			t.connectMu.Unlock()
			return nil, err
		}
		t.connected = true
	}
	t.connectMu.Unlock()

	id, err := t.handler.OnProduce(ctx, t.id, "audio", []byte(`{"codecs":[],"encodings":[]}`), []byte(`{"source":"mic"}`))
	if err != nil {
		return nil, err
	}
	return &handle{id: id}, nil
}

func (t *headlessSendTransport) Close() error { return nil }

type headlessRecvTransport struct {
	id        string
	handler   RecvHandler
	connectMu sync.Mutex
	connected bool
}

func (t *headlessRecvTransport) ID() string { return t.id }

func (t *headlessRecvTransport) Consume(ctx context.Context, opts ConsumerOptions) (Consumer, error) {
	t.connectMu.Lock()
	defer t.connectMu.Unlock()
	if !t.connected {
		if err := t.handler.OnConnect(ctx, t.id, []byte(`{"role":"auto","fingerprints":[]}`)); err != nil {
			return nil, err
		}
		t.connected = true
	}
	return &handle{id: opts.ID, producerID: opts.ProducerID}, nil
}

func (t *headlessRecvTransport) Close() error { return nil }

type handle struct {
	id         string
	producerID string
}

func (h *handle) ID() string         { return h.id }
func (h *handle) ProducerID() string { return h.producerID }
func (h *handle) Close() error       { return nil }

type headlessTrack struct {
	enabled atomic.Bool
}

func (t *headlessTrack) Enabled() bool     { return t.enabled.Load() }
func (t *headlessTrack) SetEnabled(v bool) { t.enabled.Store(v) }
func (t *headlessTrack) Stop()             { t.enabled.Store(false) }

// LogAlerter records alert start and stop in the log
type LogAlerter struct{}

func (LogAlerter) Start() { logger.Info("Incoming call alert started", zap.String("pattern", "vibrate")) }
func (LogAlerter) Stop()  { logger.Info("Incoming call alert stopped") }

func transportID(params []byte) (string, error) {
	var head struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(params, &head); err != nil {
		return "", fmt.Errorf("invalid transport parameters: %w", err)
	}
	if head.ID == "" {
		return "", fmt.Errorf("transport parameters have no id")
	}
	return head.ID, nil
}
