// Package negotiation drives the relay's transport handshake for one room:
// a send transport carrying the local track and one receive transport per
// remote producer.
package negotiation

import (
	"context"
	"fmt"
	"sync"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"knockknock-core/internal/domain"
	"knockknock-core/internal/media"
	"knockknock-core/internal/signaling"
	pkgctx "knockknock-core/pkg/context"
	apperrors "knockknock-core/pkg/errors"
	"knockknock-core/pkg/logger"
	"knockknock-core/pkg/metrics"
)

// Listener receives negotiation milestones. Every call carries the session
// it belongs to; the receiver drops sessions it no longer cares about.
type Listener interface {
	// OnJoined fires when the room handshake returned router capabilities
	OnJoined(session uint64)
	// OnConsumerReady fires for every established inbound consumer
	OnConsumerReady(session uint64, producerID string)
	OnNegotiationFailed(session uint64, err error)
	// OnSoleProducerClosed fires when the last remote stream went away
	OnSoleProducerClosed(session uint64)
}

// TransportStore persists the active transport set
type TransportStore interface {
	SaveTransportSet(ctx context.Context, set *domain.ActiveTransportSet) error
}

// Options configures a Coordinator
type Options struct {
	Channel  signaling.Channel
	Engine   media.Engine
	Store    TransportStore
	Listener Listener
	Clock    clock.Clock
	Metrics  *metrics.Metrics
}

type recvPair struct {
	transport media.RecvTransport
	consumer  media.Consumer
}

// Coordinator owns the transport handles of the current room
type Coordinator struct {
	channel  signaling.Channel
	engine   media.Engine
	store    TransportStore
	listener Listener
	clock    clock.Clock
	metrics  *metrics.Metrics

	mu        sync.Mutex
	session   uint64
	active    bool
	ctx       context.Context
	cancel    context.CancelFunc
	room      string
	device    media.Device
	send      media.SendTransport
	producer  media.Producer
	recvs     map[string]*recvPair
	consuming map[string]bool
	queued    []string
	set       *domain.ActiveTransportSet
}

// NewCoordinator creates a new Coordinator
func NewCoordinator(opts Options) *Coordinator {
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	return &Coordinator{
		channel:  opts.Channel,
		engine:   opts.Engine,
		store:    opts.Store,
		listener: opts.Listener,
		clock:    clk,
		metrics:  opts.Metrics,
	}
}

// Join starts negotiating room in the background, superseding any previous
// session, and returns the new session id
func (c *Coordinator) Join(room string, track media.Track) uint64 {
	c.Close()

	ctx, cancel := context.WithCancel(context.Background())

	c.mu.Lock()
	c.session++
	session := c.session
	c.active = true
	c.ctx, c.cancel = ctx, cancel
	c.room = room
	c.recvs = make(map[string]*recvPair)
	c.consuming = make(map[string]bool)
	c.queued = nil
	c.set = domain.NewActiveTransportSet(room, c.clock.Now())
	c.mu.Unlock()

	go c.run(ctx, session, room, track)
	return session
}

func (c *Coordinator) run(ctx context.Context, session uint64, room string, track media.Track) {
	start := c.clock.Now()
	log := logger.With(zap.String("room", room), zap.Uint64("session", session))

	var joined signaling.JoinRoomAck
	if err := c.request(ctx, signaling.EventJoinRoom, signaling.JoinRoom{RoomName: room}, &joined); err != nil {
		c.fail(session, "join_room", err)
		return
	}
	if !c.current(session) {
		return
	}
	c.listener.OnJoined(session)

	device, err := c.engine.Load(ctx, []byte(joined.RTPCapabilities))
	if err != nil {
		c.fail(session, "load_device", err)
		return
	}

	c.mu.Lock()
	if !c.isCurrent(session) {
		c.mu.Unlock()
		return
	}
	c.device = device
	queued := c.queued
	c.queued = nil
	c.mu.Unlock()

	err = c.produce(ctx, session, device, track)
	c.metrics.RecordNegotiation("send", c.clock.Since(start), err)
	if err != nil {
		c.fail(session, "produce", err)
		return
	}
	if !c.current(session) {
		return
	}
	log.Debug("Send transport ready")

	if joined.ProducersExist {
		var existing signaling.GetProducersAck
		if err := c.request(ctx, signaling.EventGetProducers, struct{}{}, &existing); err != nil {
			c.fail(session, "get_producers", err)
			return
		}
		queued = append(queued, existing.ProducerIDs...)
	}

	for _, id := range queued {
		c.consume(ctx, session, id)
	}
}

func (c *Coordinator) produce(ctx context.Context, session uint64, device media.Device, track media.Track) error {
	var created signaling.CreateTransportAck
	if err := c.request(ctx, signaling.EventCreateTransport, signaling.CreateTransport{Consumer: false}, &created); err != nil {
		return err
	}
	transportID, err := created.TransportID()
	if err != nil {
		return err
	}

	send, err := device.CreateSendTransport([]byte(created.Params), &sendHandler{c: c})
	if err != nil {
		return fmt.Errorf("create send transport: %w", err)
	}
	if !c.adopt(session, func() {
		c.send = send
		c.set.AddTransport(transportID)
	}) {
		send.Close()
		return nil
	}

	producer, err := send.Produce(ctx, track)
	if err != nil {
		return err
	}
	if !c.adopt(session, func() {
		c.producer = producer
		id := producer.ID()
		c.set.ProducerID = &id
	}) {
		producer.Close()
		return nil
	}

	c.persist(session)
	return nil
}

// HandleNewProducer consumes a remote producer announced by the relay.
// Producers already consumed or in flight are ignored.
func (c *Coordinator) HandleNewProducer(producerID string) {
	c.mu.Lock()
	if !c.active {
		c.mu.Unlock()
		return
	}
	if c.device == nil {
		c.queued = append(c.queued, producerID)
		c.mu.Unlock()
		return
	}
	ctx, session := c.ctx, c.session
	c.mu.Unlock()

	go c.consume(ctx, session, producerID)
}

func (c *Coordinator) consume(ctx context.Context, session uint64, producerID string) {
	c.mu.Lock()
	if !c.isCurrent(session) {
		c.mu.Unlock()
		return
	}
	if c.consuming[producerID] {
		c.mu.Unlock()
		c.metrics.RecordDuplicate(signaling.EventNewProducer)
		logger.Debug("Producer already consumed", zap.String("producer_id", producerID))
		return
	}
	c.consuming[producerID] = true
	device := c.device
	c.mu.Unlock()

	start := c.clock.Now()
	err := c.receive(ctx, session, device, producerID)
	c.metrics.RecordNegotiation("receive", c.clock.Since(start), err)
	if err != nil {
		c.fail(session, "consume", err)
		return
	}
}

func (c *Coordinator) receive(ctx context.Context, session uint64, device media.Device, producerID string) error {
	var created signaling.CreateTransportAck
	if err := c.request(ctx, signaling.EventCreateTransport, signaling.CreateTransport{Consumer: true}, &created); err != nil {
		return err
	}
	transportID, err := created.TransportID()
	if err != nil {
		return err
	}

	recv, err := device.CreateRecvTransport([]byte(created.Params), &recvHandler{c: c})
	if err != nil {
		return fmt.Errorf("create receive transport: %w", err)
	}

	var consumed signaling.ConsumeAck
	err = c.request(ctx, signaling.EventConsume, signaling.Consume{
		RTPCapabilities:           signaling.RawMessage(device.RTPCapabilities()),
		RemoteProducerID:          producerID,
		ServerConsumerTransportID: transportID,
	}, &consumed)
	if err != nil {
		recv.Close()
		return err
	}
	if consumed.Params == nil {
		recv.Close()
		return fmt.Errorf("consume ack carried no parameters")
	}

	consumer, err := recv.Consume(ctx, media.ConsumerOptions{
		ID:            consumed.Params.ID,
		ProducerID:    consumed.Params.ProducerID,
		Kind:          consumed.Params.Kind,
		RTPParameters: []byte(consumed.Params.RTPParameters),
	})
	if err != nil {
		recv.Close()
		return err
	}

	emitCtx, cancel := pkgctx.WithAckTimeout(ctx)
	defer cancel()
	if err := c.channel.Emit(emitCtx, signaling.EventConsumerResume, signaling.ConsumerResume{ServerConsumerID: consumed.Params.ServerConsumerID}); err != nil {
		consumer.Close()
		recv.Close()
		return err
	}

	if !c.adopt(session, func() {
		c.recvs[producerID] = &recvPair{transport: recv, consumer: consumer}
		c.set.AddTransport(transportID)
		c.set.AddConsumer(consumer.ID())
	}) {
		consumer.Close()
		recv.Close()
		return nil
	}
	c.persist(session)

	c.listener.OnConsumerReady(session, producerID)
	return nil
}

// HandleProducerClosed closes the consumer of a remote producer. Closing the
// last remote stream reports OnSoleProducerClosed.
func (c *Coordinator) HandleProducerClosed(producerID string) {
	c.mu.Lock()
	if !c.active {
		c.mu.Unlock()
		return
	}
	pair, ok := c.recvs[producerID]
	if !ok {
		c.mu.Unlock()
		logger.Debug("Ignoring close of untracked producer", zap.String("producer_id", producerID))
		return
	}
	delete(c.recvs, producerID)
	delete(c.consuming, producerID)
	c.set.RemoveConsumer(pair.consumer.ID())
	c.set.RemoveTransport(pair.transport.ID())
	sole := len(c.recvs) == 0
	session := c.session
	c.mu.Unlock()

	pair.consumer.Close()
	pair.transport.Close()
	c.persist(session)

	if sole {
		c.listener.OnSoleProducerClosed(session)
	}
}

// Touch refreshes the persisted transport set timestamp
func (c *Coordinator) Touch() {
	c.mu.Lock()
	if !c.active || c.set == nil {
		c.mu.Unlock()
		return
	}
	c.set.Timestamp = c.clock.Now()
	session := c.session
	c.mu.Unlock()

	c.persist(session)
}

// Close releases every handle of the current session. Completions still in
// flight for it are discarded.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if !c.active {
		c.mu.Unlock()
		return
	}
	c.session++
	c.active = false
	if c.cancel != nil {
		c.cancel()
		c.ctx, c.cancel = nil, nil
	}
	recvs, send, producer := c.recvs, c.send, c.producer
	c.recvs, c.send, c.producer, c.device = nil, nil, nil, nil
	c.consuming, c.queued, c.set = nil, nil, nil
	room := c.room
	c.room = ""
	c.mu.Unlock()

	for _, pair := range recvs {
		pair.consumer.Close()
		pair.transport.Close()
	}
	if producer != nil {
		producer.Close()
	}
	if send != nil {
		send.Close()
	}
	logger.Debug("Transports closed", zap.String("room", room))
}

// Snapshot returns a copy of the active transport set, or nil
func (c *Coordinator) Snapshot() *domain.ActiveTransportSet {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.set == nil {
		return nil
	}
	return c.set.Clone()
}

// RemoteStreams returns how many remote producers are consumed
func (c *Coordinator) RemoteStreams() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.recvs)
}

func (c *Coordinator) current(session uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isCurrent(session)
}

func (c *Coordinator) isCurrent(session uint64) bool {
	return c.active && c.session == session
}

// adopt applies fn under the lock if session is still current
func (c *Coordinator) adopt(session uint64, fn func()) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.isCurrent(session) {
		return false
	}
	fn()
	return true
}

func (c *Coordinator) persist(session uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.isCurrent(session) || c.set == nil || c.store == nil {
		return
	}

	ctx, cancel := pkgctx.WithStoreTimeout(context.Background())
	defer cancel()
	if err := c.store.SaveTransportSet(ctx, c.set.Clone()); err != nil {
		logger.Warn("Failed to persist transport set",
			zap.String("room", c.room),
			zap.Error(err))
	}
}

func (c *Coordinator) fail(session uint64, step string, err error) {
	if !c.current(session) {
		logger.Debug("Discarding failure of superseded session",
			zap.Uint64("session", session),
			zap.String("step", step),
			zap.Error(err))
		return
	}
	logger.Warn("Negotiation failed", zap.String("step", step), zap.Error(err))
	c.listener.OnNegotiationFailed(session, apperrors.NegotiationError(step, err))
}

func (c *Coordinator) request(ctx context.Context, event string, payload, reply any) error {
	ctx, cancel := pkgctx.WithAckTimeout(ctx)
	defer cancel()
	return c.channel.Request(ctx, event, payload, reply)
}

type sendHandler struct {
	c *Coordinator
}

func (h *sendHandler) OnConnect(ctx context.Context, transportID string, dtls []byte) error {
	return h.c.request(ctx, signaling.EventTransportConnect, signaling.TransportConnect{
		TransportID:    transportID,
		DTLSParameters: signaling.RawMessage(dtls),
	}, nil)
}

func (h *sendHandler) OnProduce(ctx context.Context, transportID, kind string, rtp, appData []byte) (string, error) {
	var ack signaling.ProduceAck
	err := h.c.request(ctx, signaling.EventTransportProduce, signaling.TransportProduce{
		TransportID:   transportID,
		Kind:          kind,
		RTPParameters: signaling.RawMessage(rtp),
		AppData:       signaling.RawMessage(appData),
	}, &ack)
	if err != nil {
		return "", err
	}
	if ack.ID == "" {
		return "", fmt.Errorf("produce ack carried no producer id")
	}
	return ack.ID, nil
}

type recvHandler struct {
	c *Coordinator
}

func (h *recvHandler) OnConnect(ctx context.Context, transportID string, dtls []byte) error {
	return h.c.request(ctx, signaling.EventTransportRecvConnect, signaling.TransportRecvConnect{
		TransportID:               transportID,
		DTLSParameters:            signaling.RawMessage(dtls),
		ServerConsumerTransportID: transportID,
	}, nil)
}
