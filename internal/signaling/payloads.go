package signaling

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"
)

// RawMessage is an opaque parameter blob forwarded verbatim between the
// relay and the media engine
type RawMessage = jsoniter.RawMessage

// RegisterUser binds this socket to a device
type RegisterUser struct {
	DeviceID string `json:"deviceId"`
	FCMToken string `json:"fcmToken"`
}

// StartCall asks the relay to ring the target device
type StartCall struct {
	RoomName       string `json:"roomName"`
	TargetDeviceID string `json:"targetDeviceId"`
	FCMToken       string `json:"fcmToken"`
	CallerName     string `json:"callerName"`
	TargetUserID   string `json:"targetUserId"`
}

// EndCall tells the peer the call is over
type EndCall struct {
	TargetDeviceID string `json:"targetDeviceId"`
	RoomName       string `json:"roomName"`
	FCMToken       string `json:"fcmToken"`
	CallerName     string `json:"callerName"`
	Reason         string `json:"reason,omitempty"`
}

// GhostCallRequest abandons the call on the peer's side
type GhostCallRequest struct {
	TargetDeviceID string `json:"targetDeviceId"`
	RoomName       string `json:"roomName"`
	FCMToken       string `json:"fcmToken"`
}

// SendKnock pings a friend
type SendKnock struct {
	TargetDeviceID string `json:"targetDeviceId"`
	TargetUserID   string `json:"targetUserId"`
	FCMToken       string `json:"fcmToken"`
	SenderDeviceID string `json:"senderDeviceId"`
	SenderName     string `json:"senderName"`
}

// PTTState broadcasts the local microphone state
type PTTState struct {
	DeviceID  string `json:"deviceId"`
	IsPressed bool   `json:"isPressed"`
	RoomName  string `json:"roomName"`
}

// JoinRoom joins the negotiation room
type JoinRoom struct {
	RoomName string `json:"roomName"`
}

// JoinRoomAck carries the router capabilities of the room
type JoinRoomAck struct {
	RTPCapabilities RawMessage `json:"rtpCapabilities"`
	ProducersExist  bool       `json:"producersExist"`
	Error           string     `json:"error,omitempty"`
}

// GetProducersAck lists the producers already in the room
type GetProducersAck struct {
	ProducerIDs []string `json:"producerIds"`
	Error       string   `json:"error,omitempty"`
}

// CreateTransport requests server-side transport parameters
type CreateTransport struct {
	Consumer bool `json:"consumer"`
}

// CreateTransportAck carries transport parameters
type CreateTransportAck struct {
	Params RawMessage `json:"params"`
	Error  string     `json:"error,omitempty"`
}

// TransportID extracts the transport id from the opaque parameters
func (a CreateTransportAck) TransportID() (string, error) {
	var head struct {
		ID string `json:"id"`
	}
	if len(a.Params) == 0 {
		return "", fmt.Errorf("transport parameters missing")
	}
	if err := json.Unmarshal(a.Params, &head); err != nil {
		return "", fmt.Errorf("invalid transport parameters: %w", err)
	}
	if head.ID == "" {
		return "", fmt.Errorf("transport parameters have no id")
	}
	return head.ID, nil
}

// TransportConnect forwards send transport DTLS parameters
type TransportConnect struct {
	TransportID    string     `json:"transportId"`
	DTLSParameters RawMessage `json:"dtlsParameters"`
}

// TransportProduce registers a local producer
type TransportProduce struct {
	TransportID   string     `json:"transportId"`
	Kind          string     `json:"kind"`
	RTPParameters RawMessage `json:"rtpParameters"`
	AppData       RawMessage `json:"appData,omitempty"`
}

// ProduceAck carries the server-assigned producer id
type ProduceAck struct {
	ID    string `json:"id"`
	Error string `json:"error,omitempty"`
}

// TransportRecvConnect forwards receive transport DTLS parameters
type TransportRecvConnect struct {
	TransportID               string     `json:"transportId"`
	DTLSParameters            RawMessage `json:"dtlsParameters"`
	ServerConsumerTransportID string     `json:"serverConsumerTransportId"`
}

// Consume asks to receive a remote producer
type Consume struct {
	RTPCapabilities           RawMessage `json:"rtpCapabilities"`
	RemoteProducerID          string     `json:"remoteProducerId"`
	ServerConsumerTransportID string     `json:"serverConsumerTransportId"`
}

// ConsumeParams describes the consumer created by the relay
type ConsumeParams struct {
	ID               string     `json:"id"`
	ProducerID       string     `json:"producerId"`
	Kind             string     `json:"kind"`
	RTPParameters    RawMessage `json:"rtpParameters"`
	ServerConsumerID string     `json:"serverConsumerId"`
}

// ConsumeAck carries consumer parameters
type ConsumeAck struct {
	Params *ConsumeParams `json:"params"`
	Error  string         `json:"error,omitempty"`
}

// ConsumerResume starts media flow on a server consumer
type ConsumerResume struct {
	ServerConsumerID string `json:"serverConsumerId"`
}

// AckStatus is the ack of requests that carry nothing but an optional error
type AckStatus struct {
	Error string `json:"error,omitempty"`
}

// AckError is returned when an acknowledgement carries an error field
type AckError struct {
	Event   string
	Message string
}

func (e *AckError) Error() string {
	return fmt.Sprintf("%s rejected: %s", e.Event, e.Message)
}

// ackErr converts an ack's error field into an error
func ackErr(event, msg string) error {
	if msg == "" {
		return nil
	}
	return &AckError{Event: event, Message: msg}
}

// CheckAck reports the error carried by a typed ack, if any
func CheckAck(event string, ack any) error {
	switch a := ack.(type) {
	case *AckStatus:
		return ackErr(event, a.Error)
	case *JoinRoomAck:
		return ackErr(event, a.Error)
	case *GetProducersAck:
		return ackErr(event, a.Error)
	case *CreateTransportAck:
		return ackErr(event, a.Error)
	case *ProduceAck:
		return ackErr(event, a.Error)
	case *ConsumeAck:
		return ackErr(event, a.Error)
	}
	return nil
}
