package stream

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/zhouzirui/persona-relay/backend/internal/logging"
	"github.com/zhouzirui/persona-relay/backend/internal/service/orchestrator"
	"github.com/zhouzirui/persona-relay/backend/pkg/utils"
)

// Runner executes one turn.
type Runner interface {
	Run(ctx context.Context, req orchestrator.Request, sink orchestrator.Sink) (orchestrator.Result, error)
}

// Handler relays turns to callers over Server-Sent Events
type Handler struct {
	runner Runner
	logger *zap.Logger
}

// New creates a new stream handler
func New(runner Runner, logger *zap.Logger) *Handler {
	return &Handler{
		runner: runner,
		logger: logging.OrNop(logger).Named("stream"),
	}
}

// RegisterRoutes 注册流式路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/stream/{sessionID}", h.handleStream)
	r.Post("/stream/{sessionID}", h.handleStream)
}

// Event payloads shared by the SSE and websocket transports.
type (
	chunkPayload struct {
		Text string `json:"text"`
	}
	handoffPayload struct {
		// PersonaID 为 null 表示persona未变
		PersonaID *string `json:"personaId"`
	}
	errorPayload struct {
		Reason  string `json:"reason"`
		Message string `json:"message"`
	}
)

func newHandoffPayload(personaID string) handoffPayload {
	if personaID == "" {
		return handoffPayload{}
	}
	return handoffPayload{PersonaID: &personaID}
}

func newErrorPayload(reason orchestrator.Reason) errorPayload {
	return errorPayload{Reason: string(reason), Message: reason.Message()}
}

// handleStream 处理一次流式对话。消息来自 ?message= 或 JSON body {"message": "..."}
func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	flusher, ok := w.(http.Flusher)
	if !ok {
		_ = utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	message, err := readMessage(r)
	if err != nil {
		_ = utils.RespondErrorCode(w, http.StatusBadRequest, string(orchestrator.ReasonInvalidRequest), err.Error())
		return
	}

	sink := &sseSink{w: w, flusher: flusher}
	result, err := h.runner.Run(r.Context(), orchestrator.Request{SessionID: sessionID, Message: message}, sink)
	if err != nil {
		return
	}
	h.logger.Debug("stream completed",
		zap.String("session_id", sessionID),
		zap.String("persona_id", result.PersonaID),
		zap.Bool("handoff", result.Handoff != nil))
}

func readMessage(r *http.Request) (string, error) {
	if r.Method == http.MethodGet {
		message := r.URL.Query().Get("message")
		if strings.TrimSpace(message) == "" {
			return "", errors.New("message query parameter is required")
		}
		return message, nil
	}

	var payload struct {
		Message string `json:"message"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, 64*1024)).Decode(&payload); err != nil {
		return "", errors.New("invalid request body")
	}
	if strings.TrimSpace(payload.Message) == "" {
		return "", errors.New("message is required")
	}
	return payload.Message, nil
}

// sseSink writes turn events as SSE. Headers are sent with the first event, so errors that
// happen before anything was streamed still get a proper HTTP status.
type sseSink struct {
	w       http.ResponseWriter
	flusher http.Flusher
	started bool
}

func (s *sseSink) begin() {
	if s.started {
		return
	}
	s.started = true
	utils.SetupSSEHeaders(s.w)
	s.w.WriteHeader(http.StatusOK)
}

func (s *sseSink) Chunk(text string) error {
	s.begin()
	return utils.SendSSEEvent(s.w, s.flusher, "chunk", chunkPayload{Text: text})
}

func (s *sseSink) Handoff(personaID string) error {
	s.begin()
	return utils.SendSSEEvent(s.w, s.flusher, "handoff", newHandoffPayload(personaID))
}

func (s *sseSink) Done(result orchestrator.Result) error {
	s.begin()
	return utils.SendSSEEvent(s.w, s.flusher, "done", result)
}

func (s *sseSink) Error(reason orchestrator.Reason) error {
	if !s.started {
		s.started = true
		return utils.RespondErrorCode(s.w, reason.HTTPStatus(), string(reason), reason.Message())
	}
	return utils.SendSSEEvent(s.w, s.flusher, "error", newErrorPayload(reason))
}
