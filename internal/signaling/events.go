package signaling

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"

	apperrors "knockknock-core/pkg/errors"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Inbound event names
const (
	EventCallStarted        = "call-started"
	EventCallEnded          = "call-ended"
	EventCallRejected       = "call-rejected"
	EventCallError          = "call-error"
	EventPTTStateChange     = "ptt-state-change"
	EventNewProducer        = "new-producer"
	EventProducerClosed     = "producer-closed"
	EventGhostCall          = "ghost-call"
	EventMutualViewing      = "mutual-viewing"
	EventMutualViewingEnded = "mutual-viewing-ended"
)

// Outbound event names
const (
	EventRegisterUser         = "registerUser"
	EventStartCall            = "startCall"
	EventEndCall              = "endCall"
	EventJoinRoom             = "joinRoom"
	EventGetProducers         = "getProducers"
	EventCreateTransport      = "createWebRtcTransport"
	EventTransportConnect     = "transport-connect"
	EventTransportProduce     = "transport-produce"
	EventTransportRecvConnect = "transport-recv-connect"
	EventConsume              = "consume"
	EventConsumerResume       = "consumer-resume"
	EventSendKnock            = "send-knock"
)

// ErrUnknownEvent is returned by Decode for event names this client does not handle
var ErrUnknownEvent = fmt.Errorf("unknown signaling event")

// Event is a decoded inbound signaling event. The set of implementations is closed.
type Event interface {
	Name() string
	isEvent()
}

// CallStarted announces an incoming call. CallerDeviceID may be empty; the
// call machine rejects such events as unidentified.
type CallStarted struct {
	RoomName       string `json:"roomName"`
	CallerSocketID string `json:"callerSocketId"`
	CallerDeviceID string `json:"callerDeviceId"`
	CallerName     string `json:"callerName,omitempty"`
}

// CallEnded reports that the peer ended the call. An empty RoomName means the current room.
type CallEnded struct {
	RoomName string `json:"roomName"`
	Reason   string `json:"reason,omitempty"`
}

// CallRejected reports that the callee refused the call
type CallRejected struct {
	RoomName string `json:"roomName"`
	Reason   string `json:"reason,omitempty"`
}

// CallError reports a relay-side failure for a room
type CallError struct {
	Error    string `json:"error"`
	RoomName string `json:"roomName"`
}

// PTTStateChange reflects a device's microphone state
type PTTStateChange struct {
	DeviceID  string `json:"deviceId"`
	IsPressed bool   `json:"isPressed"`
}

// NewProducer announces a remote producer in the room
type NewProducer struct {
	ProducerID string `json:"producerId"`
}

// ProducerClosed reports that a remote producer went away
type ProducerClosed struct {
	RemoteProducerID string `json:"remoteProducerId"`
}

// GhostCall reports that the peer abandoned the call
type GhostCall struct{}

// MutualViewing reports that a friend has this user's profile open
type MutualViewing struct {
	FriendDeviceID string `json:"friendDeviceId"`
}

// MutualViewingEnded reports that a friend closed this user's profile
type MutualViewingEnded struct {
	FriendDeviceID string `json:"friendDeviceId"`
}

func (CallStarted) Name() string        { return EventCallStarted }
func (CallEnded) Name() string          { return EventCallEnded }
func (CallRejected) Name() string       { return EventCallRejected }
func (CallError) Name() string          { return EventCallError }
func (PTTStateChange) Name() string     { return EventPTTStateChange }
func (NewProducer) Name() string        { return EventNewProducer }
func (ProducerClosed) Name() string     { return EventProducerClosed }
func (GhostCall) Name() string          { return EventGhostCall }
func (MutualViewing) Name() string      { return EventMutualViewing }
func (MutualViewingEnded) Name() string { return EventMutualViewingEnded }

func (CallStarted) isEvent()        {}
func (CallEnded) isEvent()          {}
func (CallRejected) isEvent()       {}
func (CallError) isEvent()          {}
func (PTTStateChange) isEvent()     {}
func (NewProducer) isEvent()        {}
func (ProducerClosed) isEvent()     {}
func (GhostCall) isEvent()          {}
func (MutualViewing) isEvent()      {}
func (MutualViewingEnded) isEvent() {}

// Decode turns a raw payload into its typed event. Payloads that fail to
// parse or lack a required field yield a MALFORMED_EVENT error.
func Decode(name string, data []byte) (Event, error) {
	switch name {
	case EventCallStarted:
		var ev CallStarted
		if err := unmarshal(name, data, &ev); err != nil {
			return nil, err
		}
		if ev.RoomName == "" {
			return nil, missing(name, "roomName")
		}
		return ev, nil

	case EventCallEnded:
		var ev CallEnded
		if err := unmarshal(name, data, &ev); err != nil {
			return nil, err
		}
		return ev, nil

	case EventCallRejected:
		var ev CallRejected
		if err := unmarshal(name, data, &ev); err != nil {
			return nil, err
		}
		return ev, nil

	case EventCallError:
		var ev CallError
		if err := unmarshal(name, data, &ev); err != nil {
			return nil, err
		}
		return ev, nil

	case EventPTTStateChange:
		var ev PTTStateChange
		if err := unmarshal(name, data, &ev); err != nil {
			return nil, err
		}
		if ev.DeviceID == "" {
			return nil, missing(name, "deviceId")
		}
		return ev, nil

	case EventNewProducer:
		var ev NewProducer
		if err := unmarshal(name, data, &ev); err != nil {
			return nil, err
		}
		if ev.ProducerID == "" {
			return nil, missing(name, "producerId")
		}
		return ev, nil

	case EventProducerClosed:
		var ev ProducerClosed
		if err := unmarshal(name, data, &ev); err != nil {
			return nil, err
		}
		if ev.RemoteProducerID == "" {
			return nil, missing(name, "remoteProducerId")
		}
		return ev, nil

	case EventGhostCall:
		return GhostCall{}, nil

	case EventMutualViewing:
		var ev MutualViewing
		if err := unmarshal(name, data, &ev); err != nil {
			return nil, err
		}
		if ev.FriendDeviceID == "" {
			return nil, missing(name, "friendDeviceId")
		}
		return ev, nil

	case EventMutualViewingEnded:
		var ev MutualViewingEnded
		if err := unmarshal(name, data, &ev); err != nil {
			return nil, err
		}
		if ev.FriendDeviceID == "" {
			return nil, missing(name, "friendDeviceId")
		}
		return ev, nil
	}

	return nil, fmt.Errorf("%w: %s", ErrUnknownEvent, name)
}

func unmarshal(name string, data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return apperrors.MalformedEventError(name, err)
	}
	return nil
}

func missing(name, field string) error {
	return apperrors.MalformedEventError(name, fmt.Errorf("missing %s", field))
}
