package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorCode represents application-specific error codes
type ErrorCode string

const (
	// Admission errors
	ErrCodeSilenceMode ErrorCode = "SILENCE_MODE_BLOCKED"
	ErrCodeDND         ErrorCode = "DND_BLOCKED"
	ErrCodePeerBusy    ErrorCode = "PEER_BUSY"

	// Inbound event errors
	ErrCodeCallerUnidentified ErrorCode = "CALLER_UNIDENTIFIED"
	ErrCodeMalformedEvent     ErrorCode = "MALFORMED_EVENT"

	// Resource errors
	ErrCodeMediaAcquisition ErrorCode = "MEDIA_ACQUISITION_FAILED"

	// Negotiation errors
	ErrCodeNegotiation          ErrorCode = "NEGOTIATION_FAILED"
	ErrCodeSignalingUnavailable ErrorCode = "SIGNALING_UNAVAILABLE"

	// Duplicate / state errors
	ErrCodeCallInProgress    ErrorCode = "CALL_IN_PROGRESS"
	ErrCodeInvalidTransition ErrorCode = "INVALID_TRANSITION"
	ErrCodeNoActiveCall      ErrorCode = "NO_ACTIVE_CALL"
	ErrCodeStaleState        ErrorCode = "STALE_STATE"

	// Lookup errors
	ErrCodePeerNotFound ErrorCode = "PEER_NOT_FOUND"

	// Validation errors
	ErrCodeValidation        ErrorCode = "VALIDATION_ERROR"
	ErrCodeRateLimitExceeded ErrorCode = "RATE_LIMIT_EXCEEDED"

	// Internal errors
	ErrCodeInternal ErrorCode = "INTERNAL_ERROR"
	ErrCodeStorage  ErrorCode = "STORAGE_ERROR"
	ErrCodePresence ErrorCode = "PRESENCE_ERROR"
)

// Kind groups error codes by how the call machine reacts to them
type Kind string

const (
	KindAdmission   Kind = "admission"
	KindNegotiation Kind = "negotiation"
	KindResource    Kind = "resource"
	KindStaleness   Kind = "staleness"
	KindDuplicate   Kind = "duplicate"
	KindInternal    Kind = "internal"
)

var codeKinds = map[ErrorCode]Kind{
	ErrCodeSilenceMode:          KindAdmission,
	ErrCodeDND:                  KindAdmission,
	ErrCodePeerBusy:             KindAdmission,
	ErrCodeMediaAcquisition:     KindResource,
	ErrCodeNegotiation:          KindNegotiation,
	ErrCodeSignalingUnavailable: KindNegotiation,
	ErrCodeStaleState:           KindStaleness,
	ErrCodeCallInProgress:       KindDuplicate,
	ErrCodeCallerUnidentified:   KindDuplicate,
}

// AppError represents a structured application error with code, message, and HTTP status
type AppError struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	StatusCode int       `json:"-"`
	Details    any       `json:"details,omitempty"`
	Err        error     `json:"-"`
}

// Error implements the error interface, returning a formatted error message
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Err
}

// Kind reports the error's category
func (e *AppError) Kind() Kind {
	if k, ok := codeKinds[e.Code]; ok {
		return k
	}
	return KindInternal
}

// New creates a new AppError with the given code and message
// The status code defaults to 500 Internal Server Error
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: http.StatusInternalServerError,
	}
}

// NewWithStatus creates a new AppError with a specific HTTP status code
func NewWithStatus(code ErrorCode, message string, statusCode int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
	}
}

// Wrap wraps an existing error with an AppError, preserving the original error
// The status code defaults to 500 Internal Server Error
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: http.StatusInternalServerError,
		Err:        err,
	}
}

// WrapWithStatus wraps an existing error with an AppError and a specific HTTP status code
func WrapWithStatus(code ErrorCode, message string, statusCode int, err error) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
		Err:        err,
	}
}

// Admission errors
func SilenceModeError() *AppError {
	return NewWithStatus(ErrCodeSilenceMode, "User has silence mode enabled", http.StatusConflict)
}

func DNDError() *AppError {
	return NewWithStatus(ErrCodeDND, "User has do not disturb enabled for you", http.StatusConflict)
}

func PeerBusyError() *AppError {
	return NewWithStatus(ErrCodePeerBusy, "User is on another call", http.StatusConflict)
}

// Inbound event errors
func CallerUnidentifiedError() *AppError {
	return NewWithStatus(ErrCodeCallerUnidentified, "Incoming call has no caller device", http.StatusBadRequest)
}

func MalformedEventError(event string, err error) *AppError {
	return WrapWithStatus(ErrCodeMalformedEvent, fmt.Sprintf("Malformed %s payload", event), http.StatusBadRequest, err)
}

// Resource errors
func MediaAcquisitionError(err error) *AppError {
	return WrapWithStatus(ErrCodeMediaAcquisition, "Microphone unavailable", http.StatusFailedDependency, err)
}

// Negotiation errors
func NegotiationError(step string, err error) *AppError {
	return WrapWithStatus(ErrCodeNegotiation, fmt.Sprintf("Negotiation failed at %s", step), http.StatusBadGateway, err)
}

func SignalingUnavailableError() *AppError {
	return NewWithStatus(ErrCodeSignalingUnavailable, "Signaling channel is not connected", http.StatusServiceUnavailable)
}

// State errors
func CallInProgressError() *AppError {
	return NewWithStatus(ErrCodeCallInProgress, "Another call is already being handled", http.StatusConflict)
}

func InvalidTransitionError(event, state string) *AppError {
	return NewWithStatus(ErrCodeInvalidTransition, fmt.Sprintf("Cannot %s while %s", event, state), http.StatusConflict)
}

func NoActiveCallError() *AppError {
	return NewWithStatus(ErrCodeNoActiveCall, "No active call", http.StatusConflict)
}

func StaleStateError(what string) *AppError {
	return NewWithStatus(ErrCodeStaleState, fmt.Sprintf("%s is stale", what), http.StatusGone)
}

// Lookup errors
func PeerNotFoundError(id string) *AppError {
	return NewWithStatus(ErrCodePeerNotFound, fmt.Sprintf("Friend %s not found", id), http.StatusNotFound)
}

// Validation errors
func ValidationError(message string) *AppError {
	return NewWithStatus(ErrCodeValidation, message, http.StatusBadRequest)
}

func RateLimitExceededError() *AppError {
	return NewWithStatus(ErrCodeRateLimitExceeded, "Rate limit exceeded", http.StatusTooManyRequests)
}

// Internal errors
func InternalError(message string) *AppError {
	return NewWithStatus(ErrCodeInternal, message, http.StatusInternalServerError)
}

func StorageError(err error) *AppError {
	return WrapWithStatus(ErrCodeStorage, "Storage error", http.StatusInternalServerError, err)
}

func PresenceError(err error) *AppError {
	return WrapWithStatus(ErrCodePresence, "Presence registry error", http.StatusBadGateway, err)
}

// IsAppError checks if an error is an AppError type
func IsAppError(err error) bool {
	var appErr *AppError
	return stderrors.As(err, &appErr)
}

// GetAppError extracts AppError from an error, wrapping non-AppErrors as InternalError
func GetAppError(err error) *AppError {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr
	}
	return Wrap(ErrCodeInternal, "Internal error", err)
}

// Is reports whether err carries the given code anywhere in its chain
func Is(err error, code ErrorCode) bool {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// KindOf returns the category of err, or KindInternal for foreign errors
func KindOf(err error) Kind {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Kind()
	}
	return KindInternal
}

// UserMessage returns the text shown to the user for err.
// Admission failures keep their specific reason; everything else collapses
// to a generic message for its category.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	switch KindOf(err) {
	case KindAdmission:
		return GetAppError(err).Message
	case KindResource:
		return "Microphone unavailable"
	case KindNegotiation:
		return "Connection failed"
	default:
		return "Something went wrong"
	}
}
