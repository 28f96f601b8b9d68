package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	chatmodel "github.com/zhouzirui/persona-relay/backend/internal/model/chat"
	"github.com/zhouzirui/persona-relay/backend/internal/model/persona"
	"github.com/zhouzirui/persona-relay/backend/pkg/utils"
)

// client talks to a running relay over its HTTP API.
type client struct {
	base string
	http *http.Client
}

func newClient(base string, hc *http.Client) *client {
	if hc == nil {
		hc = http.DefaultClient
	}
	return &client{base: strings.TrimRight(base, "/"), http: hc}
}

type personaList struct {
	Personas  []persona.Persona `json:"personas"`
	DefaultID string            `json:"defaultId"`
}

// apiError is a non-2xx answer decoded from the relay's error body.
type apiError struct {
	Status int
	Body   utils.ErrorBody
}

func (e *apiError) Error() string {
	if e.Body.Code != "" {
		return fmt.Sprintf("%d %s: %s", e.Status, e.Body.Code, e.Body.Error)
	}
	return fmt.Sprintf("%d: %s", e.Status, e.Body.Error)
}

func (c *client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func decodeError(resp *http.Response) error {
	apiErr := &apiError{Status: resp.StatusCode}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err := json.Unmarshal(raw, &apiErr.Body); err != nil || apiErr.Body.Error == "" {
		apiErr.Body.Error = strings.TrimSpace(string(raw))
	}
	return apiErr
}

func (c *client) personas(ctx context.Context) (personaList, error) {
	var out personaList
	err := c.do(ctx, http.MethodGet, "/api/personas", nil, &out)
	return out, err
}

func (c *client) createSession(ctx context.Context, subjectID, personaID string) (chatmodel.Session, error) {
	in := map[string]string{"subjectId": subjectID}
	if personaID != "" {
		in["personaId"] = personaID
	}
	var out chatmodel.Session
	err := c.do(ctx, http.MethodPost, "/api/session", in, &out)
	return out, err
}

func (c *client) transcript(ctx context.Context, sessionID string, limit int) ([]chatmodel.Turn, error) {
	path := "/api/session/" + url.PathEscape(sessionID) + "/turns"
	if limit > 0 {
		path += fmt.Sprintf("?limit=%d", limit)
	}
	var out struct {
		Turns []chatmodel.Turn `json:"turns"`
	}
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out.Turns, err
}

// send posts one message and hands every SSE event to fn as it arrives.
func (c *client) send(ctx context.Context, sessionID, message string, fn func(utils.SSEEvent) error) error {
	raw, err := json.Marshal(map[string]string{"message": message})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/api/stream/"+url.PathEscape(sessionID), bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decodeError(resp)
	}
	return utils.ReadSSE(resp.Body, fn)
}
