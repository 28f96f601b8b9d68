package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	chatmodel "github.com/zhouzirui/persona-relay/backend/internal/model/chat"
	"github.com/zhouzirui/persona-relay/backend/internal/model/persona"
	"github.com/zhouzirui/persona-relay/backend/pkg/utils"
)

func fakeRelay(t *testing.T) *httptest.Server {
	t.Helper()
	r := chi.NewRouter()
	r.Get("/api/personas", func(w http.ResponseWriter, _ *http.Request) {
		_ = utils.RespondJSON(w, http.StatusOK, map[string]any{
			"personas": []persona.Persona{
				{ID: "advisor", DisplayName: "Advisor", Description: "general guidance"},
				{ID: "coach", DisplayName: "Coach"},
			},
			"defaultId": "advisor",
		})
	})
	r.Post("/api/session", func(w http.ResponseWriter, r *http.Request) {
		var in map[string]string
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in["subjectId"] == "" {
			_ = utils.RespondErrorCode(w, http.StatusBadRequest, "invalid_request", "subjectId is required")
			return
		}
		_ = utils.RespondJSON(w, http.StatusCreated, chatmodel.Session{ID: "s-1", SubjectID: in["subjectId"], CurrentPersonaID: "advisor"})
	})
	r.Post("/api/stream/{sessionID}", func(w http.ResponseWriter, r *http.Request) {
		if chi.URLParam(r, "sessionID") == "busy" {
			_ = utils.RespondErrorCode(w, http.StatusConflict, "turn_in_progress", "a turn is already running")
			return
		}
		flusher := w.(http.Flusher)
		utils.SetupSSEHeaders(w)
		_ = utils.SendSSEEvent(w, flusher, "chunk", map[string]string{"text": "Let me bring in "})
		_ = utils.SendSSEEvent(w, flusher, "chunk", map[string]string{"text": "our coach."})
		_ = utils.SendSSEEvent(w, flusher, "handoff", map[string]string{"personaId": "coach"})
		_ = utils.SendSSEEvent(w, flusher, "done", map[string]any{"personaId": "coach"})
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestPersonasMarksDefault(t *testing.T) {
	srv := fakeRelay(t)

	out, err := runCLI(t, "--server", srv.URL, "personas")
	require.NoError(t, err)
	assert.Contains(t, out, "* advisor")
	assert.Contains(t, out, "  coach")
}

func TestSessionCreate(t *testing.T) {
	srv := fakeRelay(t)

	out, err := runCLI(t, "--server", srv.URL, "session", "create", "--subject", "alice")
	require.NoError(t, err)
	assert.Equal(t, "s-1\tadvisor\n", out)
}

func TestSendStreamsEvents(t *testing.T) {
	srv := fakeRelay(t)

	out, err := runCLI(t, "--server", srv.URL, "send", "s-1", "I", "want", "a", "plan")
	require.NoError(t, err)
	assert.Equal(t, "Let me bring in our coach.\n--> handed over to coach\n\n[coach]\n", out)
}

func TestSendSurfacesPreStreamError(t *testing.T) {
	srv := fakeRelay(t)

	_, err := runCLI(t, "--server", srv.URL, "send", "busy", "hello")
	var apiErr *apiError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusConflict, apiErr.Status)
	assert.Equal(t, "turn_in_progress", apiErr.Body.Code)
}

func TestRenderEvent(t *testing.T) {
	line, err := renderEvent(utils.SSEEvent{Event: "handoff", Data: `{"personaId":null}`})
	require.NoError(t, err)
	assert.Empty(t, line)

	line, err = renderEvent(utils.SSEEvent{Event: "error", Data: `{"reason":"timeout","message":"the assistant took too long to answer"}`})
	require.NoError(t, err)
	assert.Contains(t, line, "timeout")

	_, err = renderEvent(utils.SSEEvent{Event: "chunk", Data: `not json`})
	require.Error(t, err)
}
