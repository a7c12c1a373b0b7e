package call

import (
	"context"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"knockknock-core/internal/domain"
	apperrors "knockknock-core/pkg/errors"
	"knockknock-core/pkg/logger"
	"knockknock-core/pkg/response"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// CallService is the call machine surface the control API drives
type CallService interface {
	StartCall(ctx context.Context, friendUserID string) error
	Accept(ctx context.Context) error
	Decline(ctx context.Context) error
	HangUp(ctx context.Context) error
	Ghost(ctx context.Context) error
	ToggleMute(ctx context.Context) (bool, error)
	Knock(ctx context.Context, friendUserID string) error
	Status() domain.Status
}

// PresenceService owns the local user's presence flags
type PresenceService interface {
	ToggleSilenceMode(ctx context.Context, minutes int) (domain.SilenceMode, error)
	ToggleDND(ctx context.Context, peerID string, minutes int) (domain.DNDEntry, error)
	SelectPeer(ctx context.Context, peerID string) error
	Deselect()
}

// Lifecycle receives process-level events from the UI shell
type Lifecycle interface {
	OnForeground(ctx context.Context) error
	HandlePush(ctx context.Context, data map[string]string) error
	HandlePushJSON(ctx context.Context, raw []byte) error
}

// Handler handles local control API requests
type Handler struct {
	calls     CallService
	presence  PresenceService
	lifecycle Lifecycle
}

// NewHandler creates a new control API handler
func NewHandler(calls CallService, presence PresenceService, lifecycle Lifecycle) *Handler {
	return &Handler{
		calls:     calls,
		presence:  presence,
		lifecycle: lifecycle,
	}
}

// Register mounts the control routes on r
func (h *Handler) Register(r gin.IRouter) {
	v1 := r.Group("/v1")
	{
		calls := v1.Group("/call")
		calls.POST("/start", h.StartCall)
		calls.POST("/accept", h.Accept)
		calls.POST("/decline", h.Decline)
		calls.POST("/hangup", h.HangUp)
		calls.POST("/ghost", h.Ghost)
		calls.POST("/mute", h.ToggleMute)
		calls.GET("/state", h.State)

		presence := v1.Group("/presence")
		presence.POST("/silence", h.ToggleSilence)
		presence.POST("/dnd", h.ToggleDND)
		presence.POST("/select", h.SelectPeer)

		v1.POST("/knock", h.Knock)
		v1.POST("/push", h.Push)
		v1.POST("/lifecycle/foreground", h.Foreground)
	}
}

// FriendRequest names the friend an action targets
type FriendRequest struct {
	FriendUserID string `json:"friendUserId" binding:"required"`
}

// StartCall rings a friend
// POST /v1/call/start
func (h *Handler) StartCall(c *gin.Context) {
	var req FriendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	if err := h.calls.StartCall(c.Request.Context(), req.FriendUserID); err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, http.StatusAccepted, h.calls.Status())
}

// Accept answers a ringing call
// POST /v1/call/accept
func (h *Handler) Accept(c *gin.Context) {
	h.act(c, h.calls.Accept)
}

// Decline rejects a ringing call
// POST /v1/call/decline
func (h *Handler) Decline(c *gin.Context) {
	h.act(c, h.calls.Decline)
}

// HangUp ends the current call
// POST /v1/call/hangup
func (h *Handler) HangUp(c *gin.Context) {
	h.act(c, h.calls.HangUp)
}

// Ghost abandons the current call without a rejection
// POST /v1/call/ghost
func (h *Handler) Ghost(c *gin.Context) {
	h.act(c, h.calls.Ghost)
}

func (h *Handler) act(c *gin.Context, fn func(ctx context.Context) error) {
	if err := fn(c.Request.Context()); err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, http.StatusOK, h.calls.Status())
}

// ToggleMute flips the microphone
// POST /v1/call/mute
func (h *Handler) ToggleMute(c *gin.Context) {
	enabled, err := h.calls.ToggleMute(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"isLocalAudioEnabled": enabled})
}

// State returns the call status snapshot
// GET /v1/call/state
func (h *Handler) State(c *gin.Context) {
	response.Success(c, http.StatusOK, h.calls.Status())
}

// SilenceRequest toggles silence mode
type SilenceRequest struct {
	DurationMinutes int `json:"durationMinutes" binding:"min=0"`
}

// ToggleSilence flips silence mode
// POST /v1/presence/silence
func (h *Handler) ToggleSilence(c *gin.Context) {
	var req SilenceRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	mode, err := h.presence.ToggleSilenceMode(c.Request.Context(), req.DurationMinutes)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, http.StatusOK, mode)
}

// DNDRequest toggles do-not-disturb for one peer
type DNDRequest struct {
	PeerUserID      string `json:"peerUserId" binding:"required"`
	DurationMinutes int    `json:"durationMinutes" binding:"min=0"`
}

// ToggleDND flips do-not-disturb for a peer
// POST /v1/presence/dnd
func (h *Handler) ToggleDND(c *gin.Context) {
	var req DNDRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	entry, err := h.presence.ToggleDND(c.Request.Context(), req.PeerUserID, req.DurationMinutes)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, http.StatusOK, entry)
}

// SelectRequest picks the peer whose presence is watched live. An empty
// peer clears the selection.
type SelectRequest struct {
	PeerUserID string `json:"peerUserId"`
}

// SelectPeer starts or stops the live presence view
// POST /v1/presence/select
func (h *Handler) SelectPeer(c *gin.Context) {
	var req SelectRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	if req.PeerUserID == "" {
		h.presence.Deselect()
		response.Success(c, http.StatusOK, gin.H{"selected": ""})
		return
	}
	if err := h.presence.SelectPeer(c.Request.Context(), req.PeerUserID); err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"selected": req.PeerUserID})
}

// Knock pings a friend
// POST /v1/knock
func (h *Handler) Knock(c *gin.Context) {
	var req FriendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	if err := h.calls.Knock(c.Request.Context(), req.FriendUserID); err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"message": "Knock sent"})
}

// Push accepts a push payload forwarded by the platform shell, either as
// the provider's flat data map or as the JSON payload itself
// POST /v1/push
func (h *Handler) Push(c *gin.Context) {
	raw, err := io.ReadAll(c.Request.Body)
	if err != nil || len(raw) == 0 {
		response.ValidationError(c, "Push payload is required")
		return
	}

	var envelope struct {
		Data map[string]string `json:"data"`
	}
	if json.Unmarshal(raw, &envelope) == nil && len(envelope.Data) > 0 {
		err = h.lifecycle.HandlePush(c.Request.Context(), envelope.Data)
	} else {
		err = h.lifecycle.HandlePushJSON(c.Request.Context(), raw)
	}
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, http.StatusAccepted, gin.H{"message": "Push handled"})
}

// Foreground tells the process the app returned to the foreground
// POST /v1/lifecycle/foreground
func (h *Handler) Foreground(c *gin.Context) {
	if err := h.lifecycle.OnForeground(c.Request.Context()); err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, http.StatusOK, h.calls.Status())
}

// writeError renders err with its status code. Negotiation and media
// failures are shown with their generic message.
func writeError(c *gin.Context, err error) {
	appErr := apperrors.GetAppError(err)
	message := appErr.Message
	switch appErr.Kind() {
	case apperrors.KindNegotiation, apperrors.KindResource:
		message = apperrors.UserMessage(err)
	}

	log := logger.FromContext(c.Request.Context())
	if appErr.StatusCode >= http.StatusInternalServerError {
		log.Error("Control request failed",
			zap.String("path", c.FullPath()),
			zap.String("code", string(appErr.Code)),
			zap.Error(err))
	} else {
		log.Debug("Control request refused",
			zap.String("path", c.FullPath()),
			zap.String("code", string(appErr.Code)))
	}
	response.Error(c, appErr.StatusCode, string(appErr.Code), message)
}

// bindOptionalJSON binds a JSON body when one is present
func bindOptionalJSON(c *gin.Context, v any) error {
	if c.Request.ContentLength == 0 {
		return nil
	}
	return c.ShouldBindJSON(v)
}
