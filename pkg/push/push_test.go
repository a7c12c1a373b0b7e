package push

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"knockknock-core/pkg/metrics"
)

func TestParseData(t *testing.T) {
	p, err := ParseData(map[string]string{
		"type":           "incoming_call",
		"roomName":       "room-1",
		"callerSocketId": "sock-1",
		"callerDeviceId": "dev-x",
		"callerName":     "Xavier",
	})
	require.NoError(t, err)
	assert.Equal(t, TypeIncomingCall, p.Type)
	assert.Equal(t, "room-1", p.RoomName)
	assert.Equal(t, "dev-x", p.CallerDeviceID)
	assert.Equal(t, "Xavier", p.CallerName)
}

func TestParseData_Invalid(t *testing.T) {
	_, err := ParseData(map[string]string{"type": "incoming_call"})
	assert.Error(t, err)

	_, err = ParseData(map[string]string{"type": "chat_message"})
	assert.Error(t, err)

	_, err = ParseData(map[string]string{"type": "knock"})
	assert.NoError(t, err)
}

func TestDecode(t *testing.T) {
	p, err := Decode([]byte(`{"type":"end_call","roomName":"room-9","reason":"ghosted"}`))
	require.NoError(t, err)
	assert.Equal(t, TypeEndCall, p.Type)
	assert.Equal(t, "ghosted", p.Reason)

	_, err = Decode([]byte(`{"type":`))
	assert.Error(t, err)
}

func TestPayloadDataOmitsEmpty(t *testing.T) {
	data := (&Payload{Type: TypeKnock, CallerName: "Y"}).Data()
	assert.Equal(t, map[string]string{"type": "knock", "callerName": "Y"}, data)
}

func TestSender(t *testing.T) {
	mock := &MockProvider{}
	s := NewSender(mock, nil)
	ctx := context.Background()

	require.NoError(t, s.SendKnock(ctx, "token-abc", "dev-x", "Xavier"))
	require.NoError(t, s.SendCallEnded(ctx, "token-abc", "room-1", "Xavier", "ghosted"))

	sent := mock.Sent()
	require.Len(t, sent, 2)
	assert.Equal(t, "knock", sent[0].Data["type"])
	assert.Equal(t, "dev-x", sent[0].Data["callerDeviceId"])
	assert.Equal(t, "end_call", sent[1].Data["type"])
	assert.Equal(t, "room-1", sent[1].Data["roomName"])
	assert.Equal(t, "ghosted", sent[1].Data["reason"])
}

func TestSender_Errors(t *testing.T) {
	mock := &MockProvider{}
	s := NewSender(mock, nil)

	assert.Error(t, s.SendKnock(context.Background(), "", "dev-x", "Xavier"))
	assert.Empty(t, mock.Sent())

	mock.Err = errors.New("provider down")
	assert.Error(t, s.SendCallEnded(context.Background(), "token", "room-1", "X", ""))
}

func TestSender_RecordsMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	mock := &MockProvider{}
	s := NewSender(mock, metrics.NewMetrics("push-handler", reg))

	require.NoError(t, s.SendKnock(context.Background(), "token-abc", "dev-x", "Xavier"))
	mock.Err = errors.New("provider down")
	require.Error(t, s.SendKnock(context.Background(), "token-abc", "dev-x", "Xavier"))

	expected := `
# HELP push_notifications_failed_total Total number of failed push notifications
# TYPE push_notifications_failed_total counter
push_notifications_failed_total{provider="mock",service="push-handler",type="knock"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "push_notifications_failed_total"))
}

func TestNewProvider_DefaultsToMock(t *testing.T) {
	p, err := NewProvider(context.Background(), FactoryConfig{})
	require.NoError(t, err)
	assert.IsType(t, &MockProvider{}, p)

	_, err = NewProvider(context.Background(), FactoryConfig{Provider: ProviderTypeFCM})
	assert.Error(t, err)
}

func TestMaskPushToken(t *testing.T) {
	assert.Equal(t, "********", maskPushToken("short"))
	assert.Equal(t, "abcdefgh...stuvwxyz", maskPushToken("abcdefghijklmnopqrstuvwxyz"))
}
