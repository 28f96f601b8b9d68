package orchestrator

import (
	"context"
	"errors"
	"net/http"

	"github.com/zhouzirui/persona-relay/backend/internal/service/chat"
	"github.com/zhouzirui/persona-relay/backend/internal/service/executor"
)

var (
	// ErrTurnInProgress rejects a second concurrent turn on the same session.
	ErrTurnInProgress = errors.New("a turn is already in progress for this session")
	// ErrServiceMisconfigured wraps the registry's fatal configuration errors.
	ErrServiceMisconfigured = errors.New("service misconfigured")
	// ErrEmptyMessage rejects blank user input.
	ErrEmptyMessage = errors.New("message is empty")
)

// Reason is the caller-facing error code carried by the terminal error event.
type Reason string

const (
	ReasonProviderUnavailable Reason = "provider_unavailable"
	ReasonTimeout             Reason = "timeout"
	ReasonServiceUnavailable  Reason = "service_unavailable"
	ReasonSessionNotFound     Reason = "session_not_found"
	ReasonTurnInProgress      Reason = "turn_in_progress"
	ReasonInvalidRequest      Reason = "invalid_request"
	ReasonCancelled           Reason = "cancelled"
	ReasonInternal            Reason = "internal"
)

// Message is a short human readable text for the reason. Raw error text never reaches callers.
func (r Reason) Message() string {
	switch r {
	case ReasonProviderUnavailable:
		return "The assistant is temporarily unavailable. Please try again."
	case ReasonTimeout:
		return "The assistant took too long to respond."
	case ReasonServiceUnavailable:
		return "The service is not available right now."
	case ReasonSessionNotFound:
		return "Session not found."
	case ReasonTurnInProgress:
		return "Please wait for the current reply to finish."
	case ReasonInvalidRequest:
		return "The message is empty."
	case ReasonCancelled:
		return "The reply was cancelled."
	default:
		return "Something went wrong."
	}
}

// HTTPStatus maps the reason to a status for errors raised before streaming starts.
func (r Reason) HTTPStatus() int {
	switch r {
	case ReasonSessionNotFound:
		return http.StatusNotFound
	case ReasonTurnInProgress:
		return http.StatusConflict
	case ReasonInvalidRequest:
		return http.StatusBadRequest
	case ReasonServiceUnavailable:
		return http.StatusServiceUnavailable
	case ReasonProviderUnavailable:
		return http.StatusBadGateway
	case ReasonTimeout:
		return http.StatusGatewayTimeout
	case ReasonCancelled:
		return 499
	default:
		return http.StatusInternalServerError
	}
}

// Classify turns a pipeline error into its Reason.
func Classify(err error) Reason {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrTurnInProgress):
		return ReasonTurnInProgress
	case errors.Is(err, ErrServiceMisconfigured):
		return ReasonServiceUnavailable
	case errors.Is(err, ErrEmptyMessage):
		return ReasonInvalidRequest
	case errors.Is(err, chat.ErrSessionNotFound):
		return ReasonSessionNotFound
	case errors.Is(err, executor.ErrStreamTimeout), errors.Is(err, context.DeadlineExceeded):
		return ReasonTimeout
	case errors.Is(err, executor.ErrProviderFailed):
		return ReasonProviderUnavailable
	case errors.Is(err, executor.ErrStreamAborted), errors.Is(err, context.Canceled):
		return ReasonCancelled
	default:
		return ReasonInternal
	}
}
