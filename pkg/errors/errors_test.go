package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKinds(t *testing.T) {
	assert.Equal(t, KindAdmission, SilenceModeError().Kind())
	assert.Equal(t, KindAdmission, DNDError().Kind())
	assert.Equal(t, KindAdmission, PeerBusyError().Kind())
	assert.Equal(t, KindResource, MediaAcquisitionError(stderrors.New("denied")).Kind())
	assert.Equal(t, KindNegotiation, NegotiationError("consume", nil).Kind())
	assert.Equal(t, KindDuplicate, CallInProgressError().Kind())
	assert.Equal(t, KindInternal, InternalError("boom").Kind())
}

func TestIsThroughWrapping(t *testing.T) {
	err := fmt.Errorf("start call: %w", PeerBusyError())
	assert.True(t, Is(err, ErrCodePeerBusy))
	assert.False(t, Is(err, ErrCodeDND))
	assert.Equal(t, KindAdmission, KindOf(err))
	assert.True(t, IsAppError(err))
	assert.Equal(t, KindInternal, KindOf(stderrors.New("plain")))
}

func TestUserMessage(t *testing.T) {
	assert.Equal(t, "User has silence mode enabled", UserMessage(SilenceModeError()))
	assert.Equal(t, "User is on another call", UserMessage(PeerBusyError()))
	assert.Equal(t, "Connection failed", UserMessage(NegotiationError("produce", stderrors.New("ack timeout"))))
	assert.Equal(t, "Microphone unavailable", UserMessage(MediaAcquisitionError(nil)))
	assert.Equal(t, "", UserMessage(nil))
}

func TestGetAppError(t *testing.T) {
	appErr := GetAppError(stderrors.New("disk full"))
	assert.Equal(t, ErrCodeInternal, appErr.Code)
	assert.Equal(t, http.StatusInternalServerError, appErr.StatusCode)

	wrapped := StorageError(stderrors.New("locked"))
	assert.Contains(t, wrapped.Error(), "caused by: locked")
	assert.Same(t, wrapped, GetAppError(fmt.Errorf("save: %w", wrapped)))
}

func TestWrappingConstructors(t *testing.T) {
	cause := stderrors.New("connection refused")

	tests := []struct {
		name   string
		err    *AppError
		code   ErrorCode
		status int
	}{
		{"malformed event", MalformedEventError("call-ended", cause), ErrCodeMalformedEvent, http.StatusBadRequest},
		{"media acquisition", MediaAcquisitionError(cause), ErrCodeMediaAcquisition, http.StatusFailedDependency},
		{"negotiation", NegotiationError("consume", cause), ErrCodeNegotiation, http.StatusBadGateway},
		{"storage", StorageError(cause), ErrCodeStorage, http.StatusInternalServerError},
		{"presence", PresenceError(cause), ErrCodePresence, http.StatusBadGateway},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			appErr := GetAppError(fmt.Errorf("outer: %w", tt.err))
			assert.Equal(t, tt.code, appErr.Code)
			assert.Equal(t, tt.status, appErr.StatusCode)
			assert.ErrorIs(t, tt.err, cause)
		})
	}
}
