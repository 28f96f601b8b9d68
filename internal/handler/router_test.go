package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/persona-relay/backend/internal/llmtest"
	chatmodel "github.com/zhouzirui/persona-relay/backend/internal/model/chat"
	personamodel "github.com/zhouzirui/persona-relay/backend/internal/model/persona"
	"github.com/zhouzirui/persona-relay/backend/internal/service/assembler"
	chatService "github.com/zhouzirui/persona-relay/backend/internal/service/chat"
	"github.com/zhouzirui/persona-relay/backend/internal/service/executor"
	"github.com/zhouzirui/persona-relay/backend/internal/service/handoff"
	"github.com/zhouzirui/persona-relay/backend/internal/service/memory"
	"github.com/zhouzirui/persona-relay/backend/internal/service/orchestrator"
	personaService "github.com/zhouzirui/persona-relay/backend/internal/service/persona"
	"github.com/zhouzirui/persona-relay/backend/pkg/utils"
)

func newStack(t *testing.T, personas []personamodel.Persona, scripts ...llmtest.Script) (*httptest.Server, *personaService.Registry) {
	t.Helper()
	registry := personaService.NewRegistry(personaService.StaticSource(personas), personaService.Options{DefaultID: "advisor"})
	_ = registry.Load(context.Background())

	store := chatService.NewMemoryStore()
	m := llmtest.New(scripts...)
	t.Cleanup(m.Wait)

	runner := orchestrator.New(orchestrator.Deps{
		Registry:  registry,
		Store:     store,
		Assembler: assembler.New(memory.Noop{}, store, registry, assembler.Options{}),
		Executor:  executor.New(m, executor.Options{}),
		Resolver:  handoff.NewResolver(registry, nil, handoff.Options{}),
	}, orchestrator.Options{})

	srv := httptest.NewServer(NewRouter(Deps{Registry: registry, Store: store, Runner: runner}))
	t.Cleanup(srv.Close)
	return srv, registry
}

func TestHealthz(t *testing.T) {
	srv, _ := newStack(t, personamodel.Seed())

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
}

func TestHealthzReportsEmptyCatalogue(t *testing.T) {
	srv, _ := newStack(t, nil)

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestTurnOverHTTP(t *testing.T) {
	srv, _ := newStack(t, personamodel.Seed(), llmtest.Script{
		Fragments: []string{"That sounds heavy. ", `{"agent": "emotional`, `_support"}`},
	})

	resp, err := http.Post(srv.URL+"/api/session", "application/json", strings.NewReader(`{"subjectId":"alice"}`))
	require.NoError(t, err)
	var session chatmodel.Session
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&session))
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.Equal(t, "advisor", session.CurrentPersonaID)

	resp, err = http.Post(srv.URL+"/api/stream/"+session.ID, "application/json", strings.NewReader(`{"message":"I feel overwhelmed"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	var kinds []string
	var relayed strings.Builder
	var done orchestrator.Result
	require.NoError(t, utils.ReadSSE(resp.Body, func(ev utils.SSEEvent) error {
		kinds = append(kinds, ev.Event)
		switch ev.Event {
		case "chunk":
			var p struct{ Text string }
			require.NoError(t, json.Unmarshal([]byte(ev.Data), &p))
			relayed.WriteString(p.Text)
		case "done":
			require.NoError(t, json.Unmarshal([]byte(ev.Data), &done))
		}
		return nil
	}))

	assert.Equal(t, "handoff", kinds[len(kinds)-2])
	assert.Equal(t, "done", kinds[len(kinds)-1])
	assert.NotContains(t, relayed.String(), "agent")
	assert.Equal(t, "emotional_support", done.PersonaID)
	assert.Equal(t, "advisor", done.RespondedBy)

	resp, err = http.Get(srv.URL + "/api/session/" + session.ID + "/handoffs")
	require.NoError(t, err)
	defer resp.Body.Close()
	var handoffs struct {
		Handoffs []chatmodel.HandoffEvent `json:"handoffs"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&handoffs))
	require.Len(t, handoffs.Handoffs, 1)
	assert.Equal(t, chatmodel.TriggerEmbedded, handoffs.Handoffs[0].Trigger)
}

func TestTurnOnUnknownSessionIsHTTPError(t *testing.T) {
	srv, _ := newStack(t, personamodel.Seed())

	resp, err := http.Post(srv.URL+"/api/stream/missing", "application/json", strings.NewReader(`{"message":"hi"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	var body utils.ErrorBody
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "session_not_found", body.Code)
}
