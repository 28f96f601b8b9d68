// Package memory provides long-term recall for a subject behind one Search/Add capability.
// Adapters: Noop (raw history only), Episodic (bleve full-text index of past turns),
// Graph (remote fact service returning a context blob) and Cached (search cache decorator).
package memory

import (
	"context"
	"errors"

	"github.com/zhouzirui/persona-relay/backend/internal/model/chat"
)

// ErrSubjectRequired is returned when a call has no subject to scope it.
var ErrSubjectRequired = errors.New("memory: subject id required")

// Snippet is one recalled piece of context.
type Snippet struct {
	ID      string  `json:"id"`
	Content string  `json:"content"`
	Score   float64 `json:"score"`
	Source  string  `json:"source"`
	// Unbounded 表示来源不保证结果规模，组装时必须参与预算裁剪
	Unbounded bool `json:"unbounded,omitempty"`
}

// Provider is the capability the turn pipeline requires from a memory backend.
// Search returns snippets best-first and must only ever return the given subject's data.
type Provider interface {
	Name() string
	Search(ctx context.Context, query, subjectID string) ([]Snippet, error)
	Add(ctx context.Context, turns []chat.Turn, subjectID string) error
}

// Noop recalls nothing; the prompt then carries raw history only.
type Noop struct{}

func (Noop) Name() string { return "none" }

func (Noop) Search(context.Context, string, string) ([]Snippet, error) { return nil, nil }

func (Noop) Add(context.Context, []chat.Turn, string) error { return nil }
