package signaling

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "knockknock-core/pkg/errors"
)

// fakeRelay is a websocket server that answers requests through respond
type fakeRelay struct {
	t       *testing.T
	server  *httptest.Server
	respond func(f frame) (any, bool)

	mu     sync.Mutex
	conn   *websocket.Conn
	frames []frame
}

func newFakeRelay(t *testing.T, respond func(f frame) (any, bool)) *fakeRelay {
	r := &fakeRelay{t: t, respond: respond}
	upgrader := websocket.Upgrader{}
	r.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		r.mu.Lock()
		r.conn = conn
		r.mu.Unlock()

		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var f frame
			if err := json.Unmarshal(msg, &f); err != nil {
				t.Errorf("bad frame: %v", err)
				return
			}
			r.mu.Lock()
			r.frames = append(r.frames, f)
			r.mu.Unlock()

			if f.AckID == 0 || r.respond == nil {
				continue
			}
			reply, ok := r.respond(f)
			if !ok {
				continue
			}
			data, _ := json.Marshal(reply)
			out, _ := json.Marshal(frame{Ack: f.AckID, Data: data})
			r.mu.Lock()
			conn.WriteMessage(websocket.TextMessage, out)
			r.mu.Unlock()
		}
	}))
	t.Cleanup(r.server.Close)
	return r
}

func (r *fakeRelay) url() string {
	return "ws" + strings.TrimPrefix(r.server.URL, "http")
}

func (r *fakeRelay) push(event string, payload string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out, _ := json.Marshal(frame{Event: event, Data: RawMessage(payload)})
	require.NoError(r.t, r.conn.WriteMessage(websocket.TextMessage, out))
}

func (r *fakeRelay) drop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conn.Close()
}

func (r *fakeRelay) received(event string) []frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []frame
	for _, f := range r.frames {
		if f.Event == event {
			out = append(out, f)
		}
	}
	return out
}

func connectClient(t *testing.T, r *fakeRelay) *Client {
	t.Helper()
	c := NewClient(ClientConfig{URL: r.url()}, nil)
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(func() { c.Close() })
	return c
}

func TestClientEmitAndConnectHook(t *testing.T) {
	relay := newFakeRelay(t, nil)
	c := NewClient(ClientConfig{URL: relay.url()}, nil)

	hooked := make(chan struct{}, 1)
	c.OnConnect(func() {
		hooked <- struct{}{}
		c.Emit(context.Background(), EventRegisterUser, RegisterUser{DeviceID: "dev-x", FCMToken: "tok"})
	})

	require.NoError(t, c.Connect(context.Background()))
	defer c.Close()
	<-hooked
	assert.True(t, c.Connected())

	// second connect is a no-op
	require.NoError(t, c.Connect(context.Background()))

	require.Eventually(t, func() bool { return len(relay.received(EventRegisterUser)) == 1 }, 2*time.Second, 10*time.Millisecond)
	var got RegisterUser
	require.NoError(t, json.Unmarshal(relay.received(EventRegisterUser)[0].Data, &got))
	assert.Equal(t, "dev-x", got.DeviceID)
}

func TestClientRequestAck(t *testing.T) {
	relay := newFakeRelay(t, func(f frame) (any, bool) {
		switch f.Event {
		case EventJoinRoom:
			return JoinRoomAck{RTPCapabilities: RawMessage(`{"codecs":[]}`), ProducersExist: true}, true
		case EventConsume:
			return ConsumeAck{Error: "producer not found"}, true
		case EventTransportConnect:
			return map[string]string{"error": "dtls failed"}, true
		}
		return nil, false
	})
	c := connectClient(t, relay)
	ctx := context.Background()

	var join JoinRoomAck
	require.NoError(t, c.Request(ctx, EventJoinRoom, JoinRoom{RoomName: "room-1"}, &join))
	assert.True(t, join.ProducersExist)
	assert.JSONEq(t, `{"codecs":[]}`, string(join.RTPCapabilities))

	var consume ConsumeAck
	err := c.Request(ctx, EventConsume, Consume{RemoteProducerID: "p1"}, &consume)
	var ackErr *AckError
	require.ErrorAs(t, err, &ackErr)

	err = c.Request(ctx, EventTransportConnect, TransportConnect{TransportID: "t1"}, nil)
	require.ErrorAs(t, err, &ackErr)
	assert.Equal(t, "dtls failed", ackErr.Message)
}

func TestClientRequestTimeout(t *testing.T) {
	relay := newFakeRelay(t, func(f frame) (any, bool) { return nil, false })
	c := connectClient(t, relay)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := c.Request(ctx, EventGetProducers, struct{}{}, &GetProducersAck{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClientDispatchesInboundEvents(t *testing.T) {
	relay := newFakeRelay(t, nil)
	c := connectClient(t, relay)

	events := make(chan Event, 4)
	c.Subscribe(func(ev Event) { events <- ev })

	require.Eventually(t, func() bool {
		relay.mu.Lock()
		defer relay.mu.Unlock()
		return relay.conn != nil
	}, 2*time.Second, 10*time.Millisecond)

	relay.push(EventNewProducer, `{}`)
	relay.push(EventNewProducer, `{"producerId":"p9"}`)

	select {
	case ev := <-events:
		assert.Equal(t, NewProducer{ProducerID: "p9"}, ev)
	case <-time.After(2 * time.Second):
		t.Fatal("no event delivered")
	}
	assert.Empty(t, events)
}

func TestClientDisconnectFailsPending(t *testing.T) {
	relay := newFakeRelay(t, func(f frame) (any, bool) { return nil, false })
	c := connectClient(t, relay)

	errCh := make(chan error, 1)
	go func() {
		errCh <- c.Request(context.Background(), EventGetProducers, struct{}{}, &GetProducersAck{})
	}()

	require.Eventually(t, func() bool { return len(relay.received(EventGetProducers)) == 1 }, 2*time.Second, 10*time.Millisecond)
	relay.drop()

	select {
	case err := <-errCh:
		assert.True(t, apperrors.Is(err, apperrors.ErrCodeSignalingUnavailable))
	case <-time.After(2 * time.Second):
		t.Fatal("pending request not failed")
	}
	require.Eventually(t, func() bool { return !c.Connected() }, 2*time.Second, 10*time.Millisecond)

	err := c.Emit(context.Background(), EventRegisterUser, RegisterUser{})
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeSignalingUnavailable))

	// reconnect
	require.NoError(t, c.Connect(context.Background()))
	assert.True(t, c.Connected())
}
