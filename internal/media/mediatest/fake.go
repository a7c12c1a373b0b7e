// Package mediatest provides in-memory media collaborators for tests.
package mediatest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	jsoniter "github.com/json-iterator/go"

	"knockknock-core/internal/media"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Engine is a fake media.Engine that records what it handed out
type Engine struct {
	mu      sync.Mutex
	micErr  error
	loadErr error
	tracks  []*Track
	devices []*Device
}

// NewEngine creates a new fake Engine
func NewEngine() *Engine {
	return &Engine{}
}

var _ media.Engine = (*Engine)(nil)

// FailMicrophone makes every AcquireMicrophone fail with err; nil restores it
func (e *Engine) FailMicrophone(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.micErr = err
}

// FailLoad makes every Load fail with err; nil restores it
func (e *Engine) FailLoad(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.loadErr = err
}

func (e *Engine) AcquireMicrophone(ctx context.Context) (media.Track, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.micErr != nil {
		return nil, e.micErr
	}
	t := &Track{}
	t.enabled.Store(true)
	e.tracks = append(e.tracks, t)
	return t, nil
}

func (e *Engine) Load(ctx context.Context, caps []byte) (media.Device, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.loadErr != nil {
		return nil, e.loadErr
	}
	d := &Device{caps: caps}
	e.devices = append(e.devices, d)
	return d, nil
}

// Tracks returns every track acquired so far
func (e *Engine) Tracks() []*Track {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*Track{}, e.tracks...)
}

// LastTrack returns the most recently acquired track, or nil
func (e *Engine) LastTrack() *Track {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.tracks) == 0 {
		return nil
	}
	return e.tracks[len(e.tracks)-1]
}

// OpenHandles counts transports, producers and consumers not yet closed
func (e *Engine) OpenHandles() int {
	e.mu.Lock()
	devices := append([]*Device{}, e.devices...)
	e.mu.Unlock()

	open := 0
	for _, d := range devices {
		open += d.openHandles()
	}
	return open
}

// Device is a fake media.Device
type Device struct {
	mu      sync.Mutex
	caps    []byte
	handles []*Handle
}

func (d *Device) RTPCapabilities() []byte { return d.caps }

func (d *Device) CreateSendTransport(params []byte, h media.SendHandler) (media.SendTransport, error) {
	id, err := paramsID(params)
	if err != nil {
		return nil, err
	}
	t := &SendTransport{Handle: d.track(id), device: d, handler: h}
	return t, nil
}

func (d *Device) CreateRecvTransport(params []byte, h media.RecvHandler) (media.RecvTransport, error) {
	id, err := paramsID(params)
	if err != nil {
		return nil, err
	}
	t := &RecvTransport{Handle: d.track(id), device: d, handler: h}
	return t, nil
}

func (d *Device) track(id string) *Handle {
	d.mu.Lock()
	defer d.mu.Unlock()
	h := &Handle{id: id}
	d.handles = append(d.handles, h)
	return h
}

func (d *Device) openHandles() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	open := 0
	for _, h := range d.handles {
		if !h.Closed() {
			open++
		}
	}
	return open
}

// Handle is a closable media object
type Handle struct {
	id         string
	producerID string
	closed     atomic.Bool
}

func (h *Handle) ID() string         { return h.id }
func (h *Handle) ProducerID() string { return h.producerID }

// Closed reports whether Close was called
func (h *Handle) Closed() bool { return h.closed.Load() }

func (h *Handle) Close() error {
	h.closed.Store(true)
	return nil
}

// SendTransport is a fake media.SendTransport
type SendTransport struct {
	*Handle
	device    *Device
	handler   media.SendHandler
	connected atomic.Bool
}

func (t *SendTransport) Produce(ctx context.Context, track media.Track) (media.Producer, error) {
	if t.Closed() {
		return nil, fmt.Errorf("transport %s closed", t.id)
	}
	if t.connected.CompareAndSwap(false, true) {
		if err := t.handler.OnConnect(ctx, t.id, []byte(`{"role":"client"}`)); err != nil {
			t.connected.Store(false)
			return nil, err
		}
	}
	id, err := t.handler.OnProduce(ctx, t.id, "audio", []byte(`{"codecs":[]}`), []byte(`{}`))
	if err != nil {
		return nil, err
	}
	return t.device.track(id), nil
}

// RecvTransport is a fake media.RecvTransport
type RecvTransport struct {
	*Handle
	device    *Device
	handler   media.RecvHandler
	connected atomic.Bool
}

func (t *RecvTransport) Consume(ctx context.Context, opts media.ConsumerOptions) (media.Consumer, error) {
	if t.Closed() {
		return nil, fmt.Errorf("transport %s closed", t.id)
	}
	if t.connected.CompareAndSwap(false, true) {
		if err := t.handler.OnConnect(ctx, t.id, []byte(`{"role":"server"}`)); err != nil {
			t.connected.Store(false)
			return nil, err
		}
	}
	h := t.device.track(opts.ID)
	h.producerID = opts.ProducerID
	return h, nil
}

// Track is a fake capture track
type Track struct {
	enabled atomic.Bool
	stopped atomic.Bool
}

func (t *Track) Enabled() bool     { return t.enabled.Load() }
func (t *Track) SetEnabled(v bool) { t.enabled.Store(v) }
func (t *Track) Stop()             { t.stopped.Store(true) }

// Stopped reports whether Stop was called
func (t *Track) Stopped() bool { return t.stopped.Load() }

// Alerter is a fake media.Alerter
type Alerter struct {
	active atomic.Bool
	starts atomic.Int32
}

var _ media.Alerter = (*Alerter)(nil)

func (a *Alerter) Start() {
	a.active.Store(true)
	a.starts.Add(1)
}

func (a *Alerter) Stop() { a.active.Store(false) }

// Active reports whether the alert is playing
func (a *Alerter) Active() bool { return a.active.Load() }

// Starts returns how many times the alert was started
func (a *Alerter) Starts() int { return int(a.starts.Load()) }

func paramsID(params []byte) (string, error) {
	var head struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(params, &head); err != nil || head.ID == "" {
		return "", fmt.Errorf("transport parameters have no id")
	}
	return head.ID, nil
}
