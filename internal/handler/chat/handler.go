package chat

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/zhouzirui/persona-relay/backend/internal/logging"
	"github.com/zhouzirui/persona-relay/backend/internal/model/persona"
	chatService "github.com/zhouzirui/persona-relay/backend/internal/service/chat"
	"github.com/zhouzirui/persona-relay/backend/pkg/utils"
)

// Personas 是会话创建时需要的persona查询能力
type Personas interface {
	Default() (persona.Persona, error)
	IsEligibleTarget(id string) bool
}

// Handler 会话服务的HTTP处理器
type Handler struct {
	store    chatService.Store
	personas Personas
	logger   *zap.Logger
}

// New 创建会话处理器
func New(store chatService.Store, personas Personas, logger *zap.Logger) *Handler {
	return &Handler{
		store:    store,
		personas: personas,
		logger:   logging.OrNop(logger).Named("session.handler"),
	}
}

// RegisterRoutes 注册会话相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/session", h.handleCreateSession)
	r.Get("/session/{sessionID}", h.handleGetSession)
	r.Get("/session/{sessionID}/turns", h.handleListTurns)
	r.Get("/session/{sessionID}/handoffs", h.handleListHandoffs)
}

// handleCreateSession 创建会话。正式部署中会话由外部身份服务签发，这里是其替身。
func (h *Handler) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		SubjectID string `json:"subjectId"`
		PersonaID string `json:"personaId"`
	}

	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		_ = utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	payload.SubjectID = strings.TrimSpace(payload.SubjectID)
	if payload.SubjectID == "" {
		_ = utils.RespondError(w, http.StatusBadRequest, "subjectId is required")
		return
	}

	personaID := strings.TrimSpace(payload.PersonaID)
	if personaID == "" {
		def, err := h.personas.Default()
		if err != nil {
			h.logger.Error("no default persona for new session", zap.Error(err))
			_ = utils.RespondErrorCode(w, http.StatusServiceUnavailable, "service_unavailable", "no persona available")
			return
		}
		personaID = def.ID
	} else if !h.personas.IsEligibleTarget(personaID) {
		_ = utils.RespondError(w, http.StatusBadRequest, "persona not found")
		return
	}

	session, err := h.store.CreateSession(r.Context(), payload.SubjectID, personaID)
	if err != nil {
		h.logger.Error("create session failed", zap.String("subject_id", payload.SubjectID), zap.Error(err))
		_ = utils.RespondError(w, http.StatusInternalServerError, "could not create session")
		return
	}

	h.logger.Info("session created",
		zap.String("session_id", session.ID),
		zap.String("subject_id", session.SubjectID),
		zap.String("persona_id", session.CurrentPersonaID))
	_ = utils.RespondJSON(w, http.StatusCreated, session)
}

func (h *Handler) handleGetSession(w http.ResponseWriter, r *http.Request) {
	session, err := h.store.GetSession(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		h.respondStoreError(w, err)
		return
	}
	_ = utils.RespondJSON(w, http.StatusOK, session)
}

// handleListTurns 返回会话记录，limit 可选，取最近的若干条
func (h *Handler) handleListTurns(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			_ = utils.RespondError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = parsed
	}

	turns, err := h.store.RecentTurns(r.Context(), chi.URLParam(r, "sessionID"), limit)
	if err != nil {
		h.respondStoreError(w, err)
		return
	}
	_ = utils.RespondJSON(w, http.StatusOK, map[string]any{"turns": turns})
}

func (h *Handler) handleListHandoffs(w http.ResponseWriter, r *http.Request) {
	events, err := h.store.Handoffs(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		h.respondStoreError(w, err)
		return
	}
	_ = utils.RespondJSON(w, http.StatusOK, map[string]any{"handoffs": events})
}

func (h *Handler) respondStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, chatService.ErrSessionNotFound) {
		_ = utils.RespondError(w, http.StatusNotFound, "session not found")
		return
	}
	h.logger.Error("session store failed", zap.Error(err))
	_ = utils.RespondError(w, http.StatusInternalServerError, "session store unavailable")
}
