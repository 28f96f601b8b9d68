package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/zhouzirui/persona-relay/backend/internal/logging"
	"github.com/zhouzirui/persona-relay/backend/internal/model/chat"
)

const maxGraphResponseBytes = 4 << 20

// GraphOptions configures the graph/fact service client.
type GraphOptions struct {
	BaseURL string
	APIKey  string
	// Client defaults to an otel-instrumented client without its own timeout; every
	// request is bounded by the caller's context (search budget or write budget).
	Client *http.Client
	Logger *zap.Logger
}

// Graph talks to a fact-graph memory service. The service answers a search with one
// natural-language context blob that keeps growing as the subject talks more, so the
// snippets it produces are always marked Unbounded.
type Graph struct {
	baseURL string
	apiKey  string
	client  *http.Client
	logger  *zap.Logger
}

type graphSearchRequest struct {
	SubjectID string `json:"subject_id"`
	Query     string `json:"query"`
}

type graphSearchResponse struct {
	Context string `json:"context"`
}

type graphMessage struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	PersonaID string    `json:"persona_id,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type graphAddRequest struct {
	SubjectID string         `json:"subject_id"`
	Messages  []graphMessage `json:"messages"`
}

// NewGraph creates the client. BaseURL is required.
func NewGraph(opts GraphOptions) (*Graph, error) {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		return nil, errors.New("graph memory: base url required")
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	return &Graph{
		baseURL: base,
		apiKey:  opts.APIKey,
		client:  client,
		logger:  logging.OrNop(opts.Logger).Named("memory.graph"),
	}, nil
}

func (g *Graph) Name() string { return "graph" }

// Search fetches the context blob and splits it into paragraph snippets in document order.
func (g *Graph) Search(ctx context.Context, query, subjectID string) ([]Snippet, error) {
	if subjectID == "" {
		return nil, ErrSubjectRequired
	}

	var resp graphSearchResponse
	if err := g.post(ctx, "/search", graphSearchRequest{SubjectID: subjectID, Query: query}, &resp); err != nil {
		return nil, err
	}
	return splitContextBlob(resp.Context, g.Name()), nil
}

// Add sends the turns to the fact service.
func (g *Graph) Add(ctx context.Context, turns []chat.Turn, subjectID string) error {
	if subjectID == "" {
		return ErrSubjectRequired
	}

	req := graphAddRequest{SubjectID: subjectID, Messages: make([]graphMessage, 0, len(turns))}
	for _, turn := range turns {
		req.Messages = append(req.Messages, graphMessage{
			Role:      string(turn.Role),
			Content:   turn.Content,
			PersonaID: turn.PersonaID,
			SessionID: turn.SessionID,
			CreatedAt: turn.CreatedAt,
		})
	}
	return g.post(ctx, "/add", req, nil)
}

func (g *Graph) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("graph %s: encode: %w", path, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("graph %s: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if g.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.apiKey)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("graph %s: %w", path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxGraphResponseBytes))
	if err != nil {
		return fmt.Errorf("graph %s: read: %w", path, err)
	}
	if resp.StatusCode/100 != 2 {
		g.logger.Debug("graph service error body", zap.String("path", path), zap.ByteString("body", truncateBytes(raw, 512)))
		return fmt.Errorf("graph %s: status %d", path, resp.StatusCode)
	}
	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("graph %s: decode: %w", path, err)
	}
	return nil
}

// splitContextBlob cuts the blob at blank lines. Earlier paragraphs rank higher.
func splitContextBlob(blob, source string) []Snippet {
	blob = strings.ReplaceAll(blob, "\r\n", "\n")
	var snippets []Snippet
	for _, para := range strings.Split(blob, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		rank := len(snippets)
		snippets = append(snippets, Snippet{
			ID:        fmt.Sprintf("%s-%d", source, rank),
			Content:   para,
			Score:     1 / float64(rank+1),
			Source:    source,
			Unbounded: true,
		})
	}
	return snippets
}

func truncateBytes(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}
