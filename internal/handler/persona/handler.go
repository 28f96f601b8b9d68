package persona

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/zhouzirui/persona-relay/backend/internal/logging"
	"github.com/zhouzirui/persona-relay/backend/internal/model/persona"
	personaservice "github.com/zhouzirui/persona-relay/backend/internal/service/persona"
	"github.com/zhouzirui/persona-relay/backend/pkg/utils"
)

// Registry 是处理器需要的persona注册表能力
type Registry interface {
	Load(ctx context.Context) error
	Get(id string) (persona.Persona, error)
	ListActive() []persona.Persona
	Default() (persona.Persona, error)
	LoadedAt() time.Time
}

// Handler persona服务的HTTP处理器
type Handler struct {
	registry Registry
	logger   *zap.Logger
}

// New 创建persona处理器
func New(registry Registry, logger *zap.Logger) *Handler {
	return &Handler{
		registry: registry,
		logger:   logging.OrNop(logger).Named("persona.handler"),
	}
}

// RegisterRoutes 注册persona相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/personas", h.handleListPersonas)
	r.Get("/personas/{personaID}", h.handleGetPersona)
	r.Post("/personas/reload", h.handleReload)
}

type listResponse struct {
	Personas  []persona.Persona `json:"personas"`
	DefaultID string            `json:"defaultId,omitempty"`
	LoadedAt  time.Time         `json:"loadedAt"`
}

// handleListPersonas 列出当前可用的persona
func (h *Handler) handleListPersonas(w http.ResponseWriter, r *http.Request) {
	resp := listResponse{
		Personas: h.registry.ListActive(),
		LoadedAt: h.registry.LoadedAt(),
	}
	if def, err := h.registry.Default(); err == nil {
		resp.DefaultID = def.ID
	}
	_ = utils.RespondJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleGetPersona(w http.ResponseWriter, r *http.Request) {
	p, err := h.registry.Get(chi.URLParam(r, "personaID"))
	if errors.Is(err, personaservice.ErrPersonaNotFound) {
		_ = utils.RespondError(w, http.StatusNotFound, "persona not found")
		return
	}
	if err != nil {
		_ = utils.RespondError(w, http.StatusInternalServerError, "persona lookup failed")
		return
	}
	_ = utils.RespondJSON(w, http.StatusOK, p)
}

// handleReload 重新加载persona定义；失败时保留旧快照
func (h *Handler) handleReload(w http.ResponseWriter, r *http.Request) {
	if err := h.registry.Load(r.Context()); err != nil {
		h.logger.Warn("persona reload rejected", zap.Error(err))
		_ = utils.RespondErrorCode(w, http.StatusUnprocessableEntity, "reload_failed", "persona reload failed, previous set kept")
		return
	}
	active := h.registry.ListActive()
	h.logger.Info("persona reload via api", zap.Int("active", len(active)))
	_ = utils.RespondJSON(w, http.StatusOK, map[string]any{
		"active":   len(active),
		"loadedAt": h.registry.LoadedAt(),
	})
}
