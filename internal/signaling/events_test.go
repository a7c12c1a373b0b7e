package signaling

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "knockknock-core/pkg/errors"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name    string
		event   string
		data    string
		want    Event
		wantErr apperrors.ErrorCode
	}{
		{
			name:  "call started",
			event: EventCallStarted,
			data:  `{"roomName":"room-1","callerSocketId":"s1","callerDeviceId":"dev-x","callerName":"Xavier"}`,
			want:  CallStarted{RoomName: "room-1", CallerSocketID: "s1", CallerDeviceID: "dev-x", CallerName: "Xavier"},
		},
		{
			name:  "call started without caller decodes; the machine rejects it",
			event: EventCallStarted,
			data:  `{"roomName":"room-1"}`,
			want:  CallStarted{RoomName: "room-1"},
		},
		{
			name:    "call started without room",
			event:   EventCallStarted,
			data:    `{"callerDeviceId":"dev-x"}`,
			wantErr: apperrors.ErrCodeMalformedEvent,
		},
		{
			name:  "call ended with reason",
			event: EventCallEnded,
			data:  `{"roomName":"room-1","reason":"ghosted"}`,
			want:  CallEnded{RoomName: "room-1", Reason: "ghosted"},
		},
		{
			name:  "call ended without payload",
			event: EventCallEnded,
			data:  ``,
			want:  CallEnded{},
		},
		{
			name:  "call rejected",
			event: EventCallRejected,
			data:  `{"roomName":"room-1","reason":"busy"}`,
			want:  CallRejected{RoomName: "room-1", Reason: "busy"},
		},
		{
			name:  "call error",
			event: EventCallError,
			data:  `{"error":"router gone","roomName":"room-1"}`,
			want:  CallError{Error: "router gone", RoomName: "room-1"},
		},
		{
			name:  "ptt",
			event: EventPTTStateChange,
			data:  `{"deviceId":"dev-y","isPressed":true}`,
			want:  PTTStateChange{DeviceID: "dev-y", IsPressed: true},
		},
		{
			name:    "ptt without device",
			event:   EventPTTStateChange,
			data:    `{"isPressed":true}`,
			wantErr: apperrors.ErrCodeMalformedEvent,
		},
		{
			name:  "new producer",
			event: EventNewProducer,
			data:  `{"producerId":"p1"}`,
			want:  NewProducer{ProducerID: "p1"},
		},
		{
			name:    "new producer with wrong type",
			event:   EventNewProducer,
			data:    `{"producerId":42}`,
			wantErr: apperrors.ErrCodeMalformedEvent,
		},
		{
			name:  "producer closed",
			event: EventProducerClosed,
			data:  `{"remoteProducerId":"p1"}`,
			want:  ProducerClosed{RemoteProducerID: "p1"},
		},
		{
			name:  "ghost",
			event: EventGhostCall,
			data:  `{}`,
			want:  GhostCall{},
		},
		{
			name:  "mutual viewing",
			event: EventMutualViewing,
			data:  `{"friendDeviceId":"dev-z"}`,
			want:  MutualViewing{FriendDeviceID: "dev-z"},
		},
		{
			name:    "mutual viewing ended without friend",
			event:   EventMutualViewingEnded,
			data:    `{}`,
			wantErr: apperrors.ErrCodeMalformedEvent,
		},
		{
			name:    "garbage",
			event:   EventCallEnded,
			data:    `{"roomName":`,
			wantErr: apperrors.ErrCodeMalformedEvent,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode(tt.event, []byte(tt.data))
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.True(t, apperrors.Is(err, tt.wantErr), "got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.event, got.Name())
		})
	}
}

func TestDecodeUnknownEvent(t *testing.T) {
	_, err := Decode("room-stats", []byte(`{}`))
	assert.ErrorIs(t, err, ErrUnknownEvent)
	assert.False(t, apperrors.Is(err, apperrors.ErrCodeMalformedEvent))
}

func TestTransportID(t *testing.T) {
	id, err := CreateTransportAck{Params: RawMessage(`{"id":"t-1","dtlsParameters":{}}`)}.TransportID()
	require.NoError(t, err)
	assert.Equal(t, "t-1", id)

	_, err = CreateTransportAck{}.TransportID()
	assert.Error(t, err)

	_, err = CreateTransportAck{Params: RawMessage(`{"dtlsParameters":{}}`)}.TransportID()
	assert.Error(t, err)
}

func TestCheckAck(t *testing.T) {
	assert.NoError(t, CheckAck(EventJoinRoom, &JoinRoomAck{}))

	err := CheckAck(EventConsume, &ConsumeAck{Error: "producer not found"})
	var ackErr *AckError
	require.ErrorAs(t, err, &ackErr)
	assert.Equal(t, EventConsume, ackErr.Event)
	assert.Contains(t, err.Error(), "producer not found")

	assert.Error(t, CheckAck(EventTransportConnect, &AckStatus{Error: "dtls"}))
}

func TestDispatcherDropsMalformed(t *testing.T) {
	d := NewDispatcher(nil)

	var got []Event
	unsubscribe := d.Subscribe(func(ev Event) { got = append(got, ev) })

	d.Dispatch(EventNewProducer, []byte(`{}`))
	d.Dispatch("unheard-of", []byte(`{}`))
	d.Dispatch(EventNewProducer, []byte(`{"producerId":"p1"}`))
	require.Len(t, got, 1)
	assert.Equal(t, NewProducer{ProducerID: "p1"}, got[0])

	unsubscribe()
	d.Dispatch(EventNewProducer, []byte(`{"producerId":"p2"}`))
	assert.Len(t, got, 1)
}
