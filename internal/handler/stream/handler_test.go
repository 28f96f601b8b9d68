package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/persona-relay/backend/internal/service/orchestrator"
	"github.com/zhouzirui/persona-relay/backend/pkg/utils"
)

// scriptedRunner replays a fixed event sequence through the sink.
type scriptedRunner struct {
	run  func(ctx context.Context, req orchestrator.Request, sink orchestrator.Sink) error
	reqs chan orchestrator.Request
}

func (s *scriptedRunner) Run(ctx context.Context, req orchestrator.Request, sink orchestrator.Sink) (orchestrator.Result, error) {
	if s.reqs != nil {
		s.reqs <- req
	}
	if err := s.run(ctx, req, sink); err != nil {
		_ = sink.Error(orchestrator.Classify(err))
		return orchestrator.Result{}, err
	}
	return orchestrator.Result{SessionID: req.SessionID}, nil
}

func completedTurn(_ context.Context, req orchestrator.Request, sink orchestrator.Sink) error {
	_ = sink.Chunk("Let's plan ")
	_ = sink.Chunk("this.")
	_ = sink.Handoff("solution_finder")
	_ = sink.Done(orchestrator.Result{SessionID: req.SessionID, PersonaID: "solution_finder", RespondedBy: "advisor", Text: "Let's plan this."})
	return nil
}

func setupStreamRouter(runner Runner) *chi.Mux {
	r := chi.NewRouter()
	New(runner, nil).RegisterRoutes(r)
	return r
}

func TestStreamRelaysTurnEvents(t *testing.T) {
	reqs := make(chan orchestrator.Request, 1)
	r := setupStreamRouter(&scriptedRunner{run: completedTurn, reqs: reqs})

	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/stream/s-1?message=hello", nil))

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	if ct := resp.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}
	if got := <-reqs; got.SessionID != "s-1" || got.Message != "hello" {
		t.Fatalf("unexpected request %+v", got)
	}

	events := utils.ParseSSE(resp.Body.String())
	kinds := make([]string, 0, len(events))
	for _, ev := range events {
		kinds = append(kinds, ev.Event)
	}
	if strings.Join(kinds, ",") != "chunk,chunk,handoff,done" {
		t.Fatalf("unexpected event sequence %v", kinds)
	}

	var handoff struct {
		PersonaID *string `json:"personaId"`
	}
	if err := json.Unmarshal([]byte(events[2].Data), &handoff); err != nil {
		t.Fatalf("decode handoff: %v", err)
	}
	if handoff.PersonaID == nil || *handoff.PersonaID != "solution_finder" {
		t.Fatalf("unexpected handoff payload %s", events[2].Data)
	}

	var done orchestrator.Result
	if err := json.Unmarshal([]byte(events[3].Data), &done); err != nil {
		t.Fatalf("decode done: %v", err)
	}
	if done.Text != "Let's plan this." || done.PersonaID != "solution_finder" {
		t.Fatalf("unexpected done payload %+v", done)
	}
}

func TestStreamUnchangedPersonaSendsNullHandoff(t *testing.T) {
	r := setupStreamRouter(&scriptedRunner{run: func(_ context.Context, req orchestrator.Request, sink orchestrator.Sink) error {
		_ = sink.Chunk("ok")
		_ = sink.Handoff("")
		_ = sink.Done(orchestrator.Result{SessionID: req.SessionID})
		return nil
	}})

	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/stream/s-1?message=hi", nil))

	events := utils.ParseSSE(resp.Body.String())
	if len(events) != 3 || events[1].Event != "handoff" {
		t.Fatalf("unexpected events %+v", events)
	}
	if events[1].Data != `{"personaId":null}` {
		t.Fatalf("expected null persona, got %s", events[1].Data)
	}
}

func TestStreamErrorBeforeFirstEventUsesHTTPStatus(t *testing.T) {
	cases := map[error]int{
		orchestrator.ErrServiceMisconfigured: http.StatusServiceUnavailable,
		orchestrator.ErrTurnInProgress:       http.StatusConflict,
	}
	for failure, status := range cases {
		r := setupStreamRouter(&scriptedRunner{run: func(context.Context, orchestrator.Request, orchestrator.Sink) error {
			return failure
		}})

		resp := httptest.NewRecorder()
		r.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/stream/s-1?message=hi", nil))

		if resp.Code != status {
			t.Fatalf("%v: expected %d, got %d", failure, status, resp.Code)
		}
		var body utils.ErrorBody
		if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
			t.Fatalf("decode err: %v", err)
		}
		if body.Code != string(orchestrator.Classify(failure)) {
			t.Fatalf("unexpected code %q", body.Code)
		}
		if strings.Contains(body.Error, failure.Error()) {
			t.Fatalf("raw error text leaked: %q", body.Error)
		}
	}
}

func TestStreamErrorAfterChunksIsTerminalEvent(t *testing.T) {
	r := setupStreamRouter(&scriptedRunner{run: func(_ context.Context, _ orchestrator.Request, sink orchestrator.Sink) error {
		_ = sink.Chunk("partial")
		return context.DeadlineExceeded
	}})

	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/stream/s-1?message=hi", nil))

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	events := utils.ParseSSE(resp.Body.String())
	if len(events) != 2 || events[1].Event != "error" {
		t.Fatalf("unexpected events %+v", events)
	}
	if !strings.Contains(events[1].Data, `"reason":"timeout"`) {
		t.Fatalf("unexpected error payload %s", events[1].Data)
	}
	if strings.Contains(events[1].Data, "deadline") {
		t.Fatalf("raw error text leaked: %s", events[1].Data)
	}
}

func TestStreamPostBody(t *testing.T) {
	reqs := make(chan orchestrator.Request, 1)
	r := setupStreamRouter(&scriptedRunner{run: completedTurn, reqs: reqs})

	req := httptest.NewRequest(http.MethodPost, "/stream/s-2", strings.NewReader(`{"message":"I need to vent"}`))
	req.Header.Set("Content-Type", "application/json")
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	if got := <-reqs; got.Message != "I need to vent" {
		t.Fatalf("unexpected message %q", got.Message)
	}
}

func TestStreamRequiresMessage(t *testing.T) {
	r := setupStreamRouter(&scriptedRunner{run: completedTurn})

	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/stream/s-1", nil))
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.Code)
	}

	resp = httptest.NewRecorder()
	r.ServeHTTP(resp, httptest.NewRequest(http.MethodPost, "/stream/s-1", strings.NewReader(`{"message":"  "}`)))
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.Code)
	}
}
