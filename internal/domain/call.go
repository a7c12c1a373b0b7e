package domain

import (
	"time"

	"github.com/samber/lo"
)

// CallState is the lifecycle state of the device's single call
type CallState string

const (
	StateIdle            CallState = "IDLE"
	StateOutgoingRinging CallState = "OUTGOING_RINGING"
	StateIncomingRinging CallState = "INCOMING_RINGING"
	StateConnecting      CallState = "CONNECTING"
	StateConnected       CallState = "CONNECTED"
	StateEnding          CallState = "ENDING"
)

// Ringing reports whether the state is one of the two ringing states
func (s CallState) Ringing() bool {
	return s == StateOutgoingRinging || s == StateIncomingRinging
}

// Active reports whether a call exists in this state, i.e. busy must be true
func (s CallState) Active() bool {
	return s.Ringing() || s == StateConnecting || s == StateConnected
}

// CallRecord is the durable representation of the active or last call.
// It is always written whole.
type CallRecord struct {
	State        CallState `json:"state"`
	RoomName     string    `json:"roomName"`
	PeerDeviceID string    `json:"peerDeviceId"`
	PeerUserID   string    `json:"peerUserId,omitempty"`
	PeerName     string    `json:"peerName,omitempty"`
	PeerFCMToken string    `json:"peerFcmToken,omitempty"`
	IsInitiator  bool      `json:"isInitiator"`
	Timestamp    time.Time `json:"timestamp"`
}

// Stale reports whether the record is older than maxAge at now
func (r *CallRecord) Stale(now time.Time, maxAge time.Duration) bool {
	return now.Sub(r.Timestamp) > maxAge
}

// ActiveTransportSet tracks the transport handles negotiated for the current room
type ActiveTransportSet struct {
	RoomName     string    `json:"roomName"`
	ProducerID   *string   `json:"producerId"`
	ConsumerIDs  []string  `json:"consumerIds"`
	TransportIDs []string  `json:"transportIds"`
	Timestamp    time.Time `json:"timestamp"`
}

// NewActiveTransportSet creates an empty set for room
func NewActiveTransportSet(room string, now time.Time) *ActiveTransportSet {
	return &ActiveTransportSet{
		RoomName:     room,
		ConsumerIDs:  []string{},
		TransportIDs: []string{},
		Timestamp:    now,
	}
}

// Stale reports whether the set is older than maxAge at now
func (s *ActiveTransportSet) Stale(now time.Time, maxAge time.Duration) bool {
	return now.Sub(s.Timestamp) > maxAge
}

// Clone returns a deep copy
func (s *ActiveTransportSet) Clone() *ActiveTransportSet {
	out := *s
	if s.ProducerID != nil {
		id := *s.ProducerID
		out.ProducerID = &id
	}
	out.ConsumerIDs = append([]string{}, s.ConsumerIDs...)
	out.TransportIDs = append([]string{}, s.TransportIDs...)
	return &out
}

// AddTransport records a transport id once
func (s *ActiveTransportSet) AddTransport(id string) {
	s.TransportIDs = lo.Uniq(append(s.TransportIDs, id))
}

// RemoveTransport forgets a transport id
func (s *ActiveTransportSet) RemoveTransport(id string) {
	s.TransportIDs = lo.Without(s.TransportIDs, id)
}

// AddConsumer records a consumer id once
func (s *ActiveTransportSet) AddConsumer(id string) {
	s.ConsumerIDs = lo.Uniq(append(s.ConsumerIDs, id))
}

// RemoveConsumer forgets a consumer id
func (s *ActiveTransportSet) RemoveConsumer(id string) {
	s.ConsumerIDs = lo.Without(s.ConsumerIDs, id)
}

// EndReason tags why a call was torn down
type EndReason string

const (
	ReasonHangup            EndReason = "hangup"
	ReasonGhosted           EndReason = "ghosted"
	ReasonSilenceMode       EndReason = "silence_mode"
	ReasonDND               EndReason = "dnd"
	ReasonBusy              EndReason = "busy"
	ReasonRejected          EndReason = "rejected"
	ReasonDeclined          EndReason = "declined"
	ReasonTimeout           EndReason = "timeout"
	ReasonNegotiationFailed EndReason = "negotiation_failed"
	ReasonMediaFailed       EndReason = "media_failed"
	ReasonCallError         EndReason = "call_error"
	ReasonRemoteEnded       EndReason = "remote_ended"
	ReasonProducerClosed    EndReason = "producer_closed"
	ReasonStale             EndReason = "stale"
)

// RemoteInitiated reports whether the peer already knows the call is over
func (r EndReason) RemoteInitiated() bool {
	switch r {
	case ReasonGhosted, ReasonRemoteEnded, ReasonRejected, ReasonSilenceMode,
		ReasonDND, ReasonBusy, ReasonCallError, ReasonProducerClosed:
		return true
	}
	return false
}

// Message returns the user-facing text for a call that ended for this reason
func (r EndReason) Message() string {
	switch r {
	case ReasonGhosted:
		return "The person you called has ghosted the call"
	case ReasonSilenceMode:
		return "User has silence mode enabled"
	case ReasonDND:
		return "User has do not disturb enabled for you"
	case ReasonBusy:
		return "User is on another call"
	case ReasonRejected:
		return "Call was rejected"
	case ReasonRemoteEnded, ReasonProducerClosed:
		return "Call ended by the other person"
	case ReasonTimeout, ReasonNegotiationFailed, ReasonCallError:
		return "Connection failed"
	case ReasonMediaFailed:
		return "Microphone unavailable"
	default:
		return "Call ended"
	}
}

// Peer identifies the other party of a call
type Peer struct {
	DeviceID string `json:"deviceId"`
	UserID   string `json:"userId,omitempty"`
	Name     string `json:"name,omitempty"`
	FCMToken string `json:"-"`
}

// Knock is the last attention ping received from a friend
type Knock struct {
	FromDeviceID string    `json:"fromDeviceId"`
	FromName     string    `json:"fromName"`
	ReceivedAt   time.Time `json:"receivedAt"`
}

// Status is the UI-facing snapshot of the call machine
type Status struct {
	State               CallState `json:"state"`
	RoomName            string    `json:"roomName,omitempty"`
	Peer                *Peer     `json:"peer,omitempty"`
	IsInitiator         bool      `json:"isInitiator"`
	IsInCall            bool      `json:"isInCall"`
	IsLocalAudioEnabled bool      `json:"isLocalAudioEnabled"`
	RemoteAudioActive   bool      `json:"remoteAudioActive"`
	Alerting            bool      `json:"alerting"`
	MutualViewers       []string  `json:"mutualViewers"`
	LastReason          EndReason `json:"lastReason,omitempty"`
	LastMessage         string    `json:"lastMessage,omitempty"`
	LastKnock           *Knock    `json:"lastKnock,omitempty"`
}
