package push

import (
	"context"
	"fmt"
	"sync"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"knockknock-core/pkg/logger"
	"knockknock-core/pkg/metrics"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Provider defines interface for sending push notifications
type Provider interface {
	Send(ctx context.Context, notification *Notification, tokens []string) (*SendResult, error)
}

// SendResult contains the result of a push notification send operation
type SendResult struct {
	SuccessCount  int
	FailureCount  int
	InvalidTokens []string
	Errors        []error
}

// Notification represents a push notification
type Notification struct {
	Title    string            `json:"title"`
	Body     string            `json:"body"`
	Data     map[string]string `json:"data,omitempty"`
	Priority string            `json:"priority,omitempty"` // high, normal
	Sound    string            `json:"sound,omitempty"`
	Category string            `json:"category,omitempty"`
	// VoIP marks call pushes that must wake a killed app on iOS.
	VoIP bool `json:"voip,omitempty"`
}

// Type is the value of the "type" field in a call push payload
type Type string

const (
	TypeIncomingCall Type = "incoming_call"
	TypeEndCall      Type = "end_call"
	TypeKnock        Type = "knock"
)

// Payload is the data carried by a call-related push
type Payload struct {
	Type           Type   `json:"type"`
	RoomName       string `json:"roomName,omitempty"`
	CallerSocketID string `json:"callerSocketId,omitempty"`
	CallerDeviceID string `json:"callerDeviceId,omitempty"`
	CallerName     string `json:"callerName,omitempty"`
	Reason         string `json:"reason,omitempty"`
}

// ParseData decodes a payload from the flat string map push providers deliver
func ParseData(data map[string]string) (*Payload, error) {
	p := &Payload{
		Type:           Type(data["type"]),
		RoomName:       data["roomName"],
		CallerSocketID: data["callerSocketId"],
		CallerDeviceID: data["callerDeviceId"],
		CallerName:     data["callerName"],
		Reason:         data["reason"],
	}
	return p, p.Validate()
}

// Decode decodes a payload from its JSON form
func Decode(raw []byte) (*Payload, error) {
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("failed to decode push payload: %w", err)
	}
	return &p, p.Validate()
}

// Validate checks that the payload type is known and carries the fields it needs
func (p *Payload) Validate() error {
	switch p.Type {
	case TypeIncomingCall, TypeEndCall:
		if p.RoomName == "" {
			return fmt.Errorf("push %s missing roomName", p.Type)
		}
	case TypeKnock:
	default:
		return fmt.Errorf("unknown push type %q", p.Type)
	}
	return nil
}

// Data flattens the payload into a provider data map
func (p *Payload) Data() map[string]string {
	data := map[string]string{"type": string(p.Type)}
	set := func(k, v string) {
		if v != "" {
			data[k] = v
		}
	}
	set("roomName", p.RoomName)
	set("callerSocketId", p.CallerSocketID)
	set("callerDeviceId", p.CallerDeviceID)
	set("callerName", p.CallerName)
	set("reason", p.Reason)
	return data
}

// Sender builds call-related notifications and hands them to a provider
type Sender struct {
	provider Provider
	metrics  *metrics.Metrics
}

// NewSender creates a new push sender. m may be nil.
func NewSender(provider Provider, m *metrics.Metrics) *Sender {
	return &Sender{provider: provider, metrics: m}
}

// SendKnock notifies a friend that someone is knocking
func (s *Sender) SendKnock(ctx context.Context, token, senderDeviceID, senderName string) error {
	n := &Notification{
		Title:    "Knock knock",
		Body:     fmt.Sprintf("%s is knocking", senderName),
		Priority: "high",
		Sound:    "default",
		Category: "KNOCK",
		Data: (&Payload{
			Type:           TypeKnock,
			CallerDeviceID: senderDeviceID,
			CallerName:     senderName,
		}).Data(),
	}
	return s.send(ctx, n, token)
}

// SendCallEnded tells a peer's device to tear down a call it may still be holding
func (s *Sender) SendCallEnded(ctx context.Context, token, roomName, callerName, reason string) error {
	n := &Notification{
		Title:    "Call ended",
		Body:     fmt.Sprintf("Call with %s ended", callerName),
		Priority: "high",
		VoIP:     true,
		Data: (&Payload{
			Type:       TypeEndCall,
			RoomName:   roomName,
			CallerName: callerName,
			Reason:     reason,
		}).Data(),
	}
	return s.send(ctx, n, token)
}

func (s *Sender) send(ctx context.Context, n *Notification, token string) error {
	if token == "" {
		return fmt.Errorf("no push token for %s notification", n.Data["type"])
	}

	result, err := s.provider.Send(ctx, n, []string{token})
	if err != nil {
		s.metrics.RecordPushNotificationFailure(n.Data["type"], providerName(s.provider))
		return fmt.Errorf("failed to send %s notification: %w", n.Data["type"], err)
	}
	if result.SuccessCount == 0 {
		s.metrics.RecordPushNotificationFailure(n.Data["type"], providerName(s.provider))
		if len(result.Errors) > 0 {
			return fmt.Errorf("%s notification rejected: %w", n.Data["type"], result.Errors[0])
		}
		return fmt.Errorf("%s notification rejected", n.Data["type"])
	}

	s.metrics.RecordPushNotification(n.Data["type"], "out")
	logger.Debug("Push notification sent",
		zap.String("type", n.Data["type"]),
		zap.String("token_prefix", maskPushToken(token)))
	return nil
}

func providerName(p Provider) string {
	switch p.(type) {
	case *FCMProvider:
		return string(ProviderTypeFCM)
	case *APNsProvider:
		return string(ProviderTypeAPNs)
	default:
		return string(ProviderTypeMock)
	}
}

// MockProvider is a mock implementation for development/testing
type MockProvider struct {
	mu   sync.Mutex
	sent []*Notification
	// Err, when set, fails every send
	Err error
}

// Send implements Provider interface
func (m *MockProvider) Send(ctx context.Context, notification *Notification, tokens []string) (*SendResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.Err != nil {
		return nil, m.Err
	}
	m.sent = append(m.sent, notification)

	logger.Debug("MockProvider: Sending notification",
		zap.String("title", notification.Title),
		zap.String("body", notification.Body),
		zap.Int("token_count", len(tokens)))

	return &SendResult{
		SuccessCount: len(tokens),
	}, nil
}

// Sent returns a copy of every notification sent so far
func (m *MockProvider) Sent() []*Notification {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Notification, len(m.sent))
	copy(out, m.sent)
	return out
}

// maskPushToken returns a safe masked version of a push token for logging
// Shows only first 8 and last 8 characters, with middle masked
func maskPushToken(token string) string {
	if len(token) <= 16 {
		return "********"
	}
	return token[:8] + "..." + token[len(token)-8:]
}
