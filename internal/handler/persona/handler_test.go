package persona

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/persona-relay/backend/internal/model/persona"
	personaservice "github.com/zhouzirui/persona-relay/backend/internal/service/persona"
)

type switchableSource struct {
	items []persona.Persona
	err   error
}

func (s *switchableSource) Load(context.Context) ([]persona.Persona, error) {
	return s.items, s.err
}

func setupRouter(t *testing.T) (*chi.Mux, *switchableSource) {
	t.Helper()
	source := &switchableSource{items: persona.Seed()}
	registry := personaservice.NewRegistry(source, personaservice.Options{DefaultID: "advisor"})
	if err := registry.Load(context.Background()); err != nil {
		t.Fatalf("Load err: %v", err)
	}

	r := chi.NewRouter()
	New(registry, nil).RegisterRoutes(r)
	return r, source
}

func TestListPersonas(t *testing.T) {
	r, _ := setupRouter(t)

	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/personas", nil))

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	var body listResponse
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode err: %v", err)
	}
	if len(body.Personas) != len(persona.Seed()) {
		t.Fatalf("expected %d personas, got %d", len(persona.Seed()), len(body.Personas))
	}
	if body.DefaultID != "advisor" {
		t.Fatalf("unexpected default %q", body.DefaultID)
	}
}

func TestGetPersonaNotFound(t *testing.T) {
	r, _ := setupRouter(t)

	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/personas/therapist", nil))

	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.Code)
	}
}

func TestReloadKeepsPreviousSetOnFailure(t *testing.T) {
	r, source := setupRouter(t)
	source.err = errors.New("db offline")

	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, httptest.NewRequest(http.MethodPost, "/personas/reload", nil))
	if resp.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", resp.Code)
	}

	resp = httptest.NewRecorder()
	r.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/personas/advisor", nil))
	if resp.Code != http.StatusOK {
		t.Fatalf("expected advisor to survive failed reload, got %d", resp.Code)
	}
}

func TestReloadPublishesNewSet(t *testing.T) {
	r, source := setupRouter(t)
	source.items = []persona.Persona{{ID: "advisor", Active: true}, {ID: "solution_finder", Active: true}}

	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, httptest.NewRequest(http.MethodPost, "/personas/reload", nil))
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}

	var body map[string]any
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode err: %v", err)
	}
	if body["active"] != float64(2) {
		t.Fatalf("expected 2 active personas, got %v", body["active"])
	}
}
