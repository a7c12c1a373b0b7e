// Package signalingtest provides an in-memory relay that behaves like the
// signaling server for two or more devices.
package signalingtest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	jsoniter "github.com/json-iterator/go"
	"github.com/samber/lo"

	"knockknock-core/internal/signaling"
	apperrors "knockknock-core/pkg/errors"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// RTPCapabilities is what the relay reports for every room
var RTPCapabilities = signaling.RawMessage(`{"codecs":[{"kind":"audio","mimeType":"audio/opus","clockRate":48000,"channels":2}]}`)

// Frame is one event a device sent to the relay
type Frame struct {
	From  string
	Event string
	Data  []byte
}

// Decode unmarshals the frame payload into v
func (f Frame) Decode(v any) error {
	return json.Unmarshal(f.Data, v)
}

type room struct {
	members   map[*Endpoint]bool
	producers map[string]*Endpoint
}

// Relay routes events between endpoints the way the signaling server does
type Relay struct {
	mu        sync.Mutex
	endpoints map[string]*Endpoint
	devices   map[string]*Endpoint
	rooms     map[string]*room
	seq       int
	failures  map[string]string
	swallowed map[string]bool
	frames    []Frame
}

// NewRelay creates an empty relay
func NewRelay() *Relay {
	return &Relay{
		endpoints: make(map[string]*Endpoint),
		devices:   make(map[string]*Endpoint),
		rooms:     make(map[string]*room),
		failures:  make(map[string]string),
		swallowed: make(map[string]bool),
	}
}

// Endpoint returns the named device connection, creating it on first use
func (r *Relay) Endpoint(name string) *Endpoint {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ep, ok := r.endpoints[name]; ok {
		return ep
	}
	ep := &Endpoint{
		relay:      r,
		name:       name,
		dispatcher: signaling.NewDispatcher(nil),
		inbox:      make(chan delivery, 256),
		stop:       make(chan struct{}),
	}
	go ep.run()
	r.endpoints[name] = ep
	return ep
}

// FailNext makes the next request for event acknowledge with an error
func (r *Relay) FailNext(event, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures[event] = message
}

// Swallow makes every request for event go unacknowledged
func (r *Relay) Swallow(event string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.swallowed[event] = true
}

// Frames returns every frame sent for event, oldest first
func (r *Relay) Frames(event string) []Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	return lo.Filter(r.frames, func(f Frame, _ int) bool { return f.Event == event })
}

// Count returns how many frames were sent for event
func (r *Relay) Count(event string) int {
	return len(r.Frames(event))
}

// CountFrom returns how many frames the named endpoint sent for event
func (r *Relay) CountFrom(name, event string) int {
	return len(lo.Filter(r.Frames(event), func(f Frame, _ int) bool { return f.From == name }))
}

// Close stops every endpoint
func (r *Relay) Close() {
	r.mu.Lock()
	eps := lo.Values(r.endpoints)
	r.mu.Unlock()
	for _, ep := range eps {
		ep.stopOnce.Do(func() { close(ep.stop) })
	}
}

func (r *Relay) nextID(prefix string) string {
	r.seq++
	return fmt.Sprintf("%s-%d", prefix, r.seq)
}

// handle applies one frame and returns the acknowledgement payload
func (r *Relay) handle(from *Endpoint, event string, data []byte) (any, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.frames = append(r.frames, Frame{From: from.name, Event: event, Data: data})

	if r.swallowed[event] {
		return nil, false
	}
	if msg, ok := r.failures[event]; ok {
		delete(r.failures, event)
		return map[string]string{"error": msg}, true
	}

	switch event {
	case signaling.EventRegisterUser:
		var p signaling.RegisterUser
		if json.Unmarshal(data, &p) == nil && p.DeviceID != "" {
			from.deviceID.Store(p.DeviceID)
			r.devices[p.DeviceID] = from
		}

	case signaling.EventStartCall:
		var p signaling.StartCall
		if json.Unmarshal(data, &p) == nil {
			if target, ok := r.devices[p.TargetDeviceID]; ok {
				target.deliver(signaling.EventCallStarted, signaling.CallStarted{
					RoomName:       p.RoomName,
					CallerSocketID: from.name,
					CallerDeviceID: from.DeviceID(),
					CallerName:     p.CallerName,
				})
			}
		}

	case signaling.EventEndCall:
		var p signaling.EndCall
		if json.Unmarshal(data, &p) == nil {
			r.leave(from, p.RoomName)
			if target, ok := r.devices[p.TargetDeviceID]; ok {
				target.deliver(signaling.EventCallEnded, signaling.CallEnded{RoomName: p.RoomName, Reason: p.Reason})
			}
		}

	case signaling.EventGhostCall:
		var p signaling.GhostCallRequest
		if json.Unmarshal(data, &p) == nil {
			if target, ok := r.devices[p.TargetDeviceID]; ok {
				target.deliver(signaling.EventGhostCall, struct{}{})
			}
		}

	case signaling.EventJoinRoom:
		var p signaling.JoinRoom
		if err := json.Unmarshal(data, &p); err != nil || p.RoomName == "" {
			return signaling.JoinRoomAck{Error: "roomName required"}, true
		}
		rm := r.room(p.RoomName)
		rm.members[from] = true
		from.room = p.RoomName
		return signaling.JoinRoomAck{
			RTPCapabilities: RTPCapabilities,
			ProducersExist:  len(r.remoteProducers(rm, from)) > 0,
		}, true

	case signaling.EventGetProducers:
		rm, ok := r.rooms[from.room]
		if !ok {
			return signaling.GetProducersAck{ProducerIDs: []string{}}, true
		}
		return signaling.GetProducersAck{ProducerIDs: r.remoteProducers(rm, from)}, true

	case signaling.EventCreateTransport:
		params := fmt.Sprintf(`{"id":%q,"iceParameters":{},"iceCandidates":[],"dtlsParameters":{}}`, r.nextID("transport"))
		return signaling.CreateTransportAck{Params: signaling.RawMessage(params)}, true

	case signaling.EventTransportConnect, signaling.EventTransportRecvConnect:
		return struct{}{}, true

	case signaling.EventTransportProduce:
		rm, ok := r.rooms[from.room]
		if !ok {
			return signaling.ProduceAck{Error: "not in a room"}, true
		}
		id := r.nextID("producer")
		rm.producers[id] = from
		for member := range rm.members {
			if member != from {
				member.deliver(signaling.EventNewProducer, signaling.NewProducer{ProducerID: id})
			}
		}
		return signaling.ProduceAck{ID: id}, true

	case signaling.EventConsume:
		var p signaling.Consume
		if err := json.Unmarshal(data, &p); err != nil {
			return signaling.ConsumeAck{Error: err.Error()}, true
		}
		rm, ok := r.rooms[from.room]
		if !ok || rm.producers[p.RemoteProducerID] == nil {
			return signaling.ConsumeAck{Error: "producer not found"}, true
		}
		return signaling.ConsumeAck{Params: &signaling.ConsumeParams{
			ID:               r.nextID("consumer"),
			ProducerID:       p.RemoteProducerID,
			Kind:             "audio",
			RTPParameters:    signaling.RawMessage(`{}`),
			ServerConsumerID: r.nextID("server-consumer"),
		}}, true

	case signaling.EventPTTStateChange:
		var p signaling.PTTState
		if json.Unmarshal(data, &p) == nil {
			if rm, ok := r.rooms[p.RoomName]; ok {
				for member := range rm.members {
					if member != from {
						member.deliver(signaling.EventPTTStateChange, signaling.PTTStateChange{DeviceID: p.DeviceID, IsPressed: p.IsPressed})
					}
				}
			}
		}
	}

	return struct{}{}, true
}

// CloseProducer removes a producer and tells the rest of its room
func (r *Relay) CloseProducer(producerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, rm := range r.rooms {
		owner, ok := rm.producers[producerID]
		if !ok {
			continue
		}
		delete(rm.producers, producerID)
		for member := range rm.members {
			if member != owner {
				member.deliver(signaling.EventProducerClosed, signaling.ProducerClosed{RemoteProducerID: producerID})
			}
		}
	}
}

// Producers returns the producer ids owned by the named endpoint in room
func (r *Relay) Producers(roomName, name string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[roomName]
	if !ok {
		return nil
	}
	var ids []string
	for id, ep := range rm.producers {
		if ep.name == name {
			ids = append(ids, id)
		}
	}
	return ids
}

func (r *Relay) room(name string) *room {
	rm, ok := r.rooms[name]
	if !ok {
		rm = &room{members: make(map[*Endpoint]bool), producers: make(map[string]*Endpoint)}
		r.rooms[name] = rm
	}
	return rm
}

func (r *Relay) remoteProducers(rm *room, self *Endpoint) []string {
	ids := []string{}
	for id, ep := range rm.producers {
		if ep != self {
			ids = append(ids, id)
		}
	}
	return ids
}

func (r *Relay) leave(ep *Endpoint, roomName string) {
	rm, ok := r.rooms[roomName]
	if !ok {
		return
	}
	delete(rm.members, ep)
	for id, owner := range rm.producers {
		if owner == ep {
			delete(rm.producers, id)
		}
	}
	if ep.room == roomName {
		ep.room = ""
	}
}

type delivery struct {
	event string
	data  []byte
}

// Endpoint is one device's Channel into the relay
type Endpoint struct {
	relay      *Relay
	name       string
	dispatcher *signaling.Dispatcher
	connected  atomic.Bool
	connects   atomic.Int32
	deviceID   atomic.Value
	room       string // guarded by relay.mu

	inbox    chan delivery
	stop     chan struct{}
	stopOnce sync.Once
}

var _ signaling.Channel = (*Endpoint)(nil)

// DeviceID returns the device id this endpoint registered with
func (e *Endpoint) DeviceID() string {
	id, _ := e.deviceID.Load().(string)
	return id
}

// Connects returns how many times Connect succeeded
func (e *Endpoint) Connects() int {
	return int(e.connects.Load())
}

func (e *Endpoint) run() {
	for {
		select {
		case d := <-e.inbox:
			e.dispatcher.Dispatch(d.event, d.data)
		case <-e.stop:
			return
		}
	}
}

// deliver queues an event for this endpoint; dropped while disconnected
func (e *Endpoint) deliver(event string, payload any) {
	if !e.connected.Load() {
		return
	}
	data, _ := json.Marshal(payload)
	e.inbox <- delivery{event: event, data: data}
}

// Inject delivers an event to this endpoint as if the relay sent it
func (e *Endpoint) Inject(event string, payload any) {
	data, _ := json.Marshal(payload)
	e.InjectRaw(event, data)
}

// InjectRaw delivers a raw payload to this endpoint
func (e *Endpoint) InjectRaw(event string, data []byte) {
	e.inbox <- delivery{event: event, data: data}
}

// Disconnect simulates a dropped socket
func (e *Endpoint) Disconnect() {
	e.connected.Store(false)
}

func (e *Endpoint) Connect(ctx context.Context) error {
	if e.connected.Load() {
		return nil
	}
	e.connected.Store(true)
	e.connects.Add(1)
	e.dispatcher.Connected()
	return nil
}

func (e *Endpoint) Connected() bool {
	return e.connected.Load()
}

func (e *Endpoint) Emit(ctx context.Context, event string, payload any) error {
	if !e.connected.Load() {
		return apperrors.SignalingUnavailableError()
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	e.relay.handle(e, event, data)
	return nil
}

func (e *Endpoint) Request(ctx context.Context, event string, payload any, reply any) error {
	if !e.connected.Load() {
		return apperrors.SignalingUnavailableError()
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	ack, ok := e.relay.handle(e, event, data)
	if !ok {
		<-ctx.Done()
		return fmt.Errorf("%s ack: %w", event, ctx.Err())
	}
	if reply == nil {
		reply = &signaling.AckStatus{}
	}
	raw, err := json.Marshal(ack)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, reply); err != nil {
		return err
	}
	return signaling.CheckAck(event, reply)
}

func (e *Endpoint) Subscribe(h signaling.Handler) func() {
	return e.dispatcher.Subscribe(h)
}

func (e *Endpoint) OnConnect(fn func()) {
	e.dispatcher.OnConnect(fn)
}

func (e *Endpoint) Close() error {
	e.connected.Store(false)
	return nil
}
