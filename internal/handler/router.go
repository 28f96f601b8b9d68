package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/zhouzirui/persona-relay/backend/internal/handler/chat"
	"github.com/zhouzirui/persona-relay/backend/internal/handler/persona"
	"github.com/zhouzirui/persona-relay/backend/internal/handler/stream"
	"github.com/zhouzirui/persona-relay/backend/internal/logging"
	middlewarePkg "github.com/zhouzirui/persona-relay/backend/internal/middleware"
	chatService "github.com/zhouzirui/persona-relay/backend/internal/service/chat"
	personaService "github.com/zhouzirui/persona-relay/backend/internal/service/persona"
	"github.com/zhouzirui/persona-relay/backend/pkg/utils"
)

// Deps are the services exposed over HTTP.
type Deps struct {
	Registry *personaService.Registry
	Store    chatService.Store
	Runner   stream.Runner
	CORS     middlewarePkg.CORSConfig
	Logger   *zap.Logger
}

// NewRouter wires HTTP routes to core services.
func NewRouter(deps Deps) http.Handler {
	logger := logging.OrNop(deps.Logger)
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middlewarePkg.RequestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.NewCORS(deps.CORS))

	r.Get("/healthz", healthHandler(deps.Registry))

	personaHandler := persona.New(deps.Registry, logger)
	chatHandler := chat.New(deps.Store, deps.Registry, logger)
	streamHandler := stream.New(deps.Runner, logger)
	wsHandler := stream.NewWebSocketHandler(deps.Runner, deps.Store, originChecker(deps.CORS), logger)

	r.Route("/api", func(api chi.Router) {
		personaHandler.RegisterRoutes(api)
		chatHandler.RegisterRoutes(api)
		streamHandler.RegisterRoutes(api)
		wsHandler.RegisterRoutes(api)
	})

	return r
}

// healthHandler reports the fatal-config condition so orchestrators can stop routing traffic.
func healthHandler(registry *personaService.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body := map[string]any{
			"personas": len(registry.ListActive()),
			"loadedAt": registry.LoadedAt().Format(time.RFC3339),
		}
		if err := registry.Healthy(); err != nil {
			body["status"] = "unavailable"
			_ = utils.RespondJSON(w, http.StatusServiceUnavailable, body)
			return
		}
		body["status"] = "ok"
		_ = utils.RespondJSON(w, http.StatusOK, body)
	}
}

// originChecker applies the CORS origin list to websocket upgrades.
func originChecker(cfg middlewarePkg.CORSConfig) func(r *http.Request) bool {
	if len(cfg.AllowedOrigins) == 0 {
		return nil
	}
	allowed := make(map[string]bool, len(cfg.AllowedOrigins))
	for _, o := range cfg.AllowedOrigins {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		allowed[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || allowed[origin]
	}
}
