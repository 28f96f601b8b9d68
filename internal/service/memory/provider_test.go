package memory

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/persona-relay/backend/internal/model/chat"
)

func exchange(sessionID, user, assistant string) []chat.Turn {
	now := time.Now().UTC()
	return []chat.Turn{
		{ID: sessionID + "-u-" + user[:3], SessionID: sessionID, Role: chat.RoleUser, Content: user, CreatedAt: now},
		{ID: sessionID + "-a-" + user[:3], SessionID: sessionID, Role: chat.RoleAssistant, Content: assistant, CreatedAt: now},
	}
}

func TestEpisodicSearchIsSubjectScoped(t *testing.T) {
	e, err := NewEpisodic(EpisodicOptions{})
	require.NoError(t, err)
	defer e.Close()
	ctx := context.Background()

	require.NoError(t, e.Add(ctx, exchange("s1", "my partner forgot our anniversary", "That sounds painful."), "alice"))
	require.NoError(t, e.Add(ctx, exchange("s2", "my partner forgot to call me", "Did you tell them?"), "bob"))

	got, err := e.Search(ctx, "partner forgot", "alice")
	require.NoError(t, err)
	require.NotEmpty(t, got)
	for _, s := range got {
		assert.NotContains(t, s.Content, "call me")
		assert.Equal(t, "episodic", s.Source)
	}
	assert.Contains(t, got[0].Content, "anniversary")

	got, err = e.Search(ctx, "anniversary", "bob")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestEpisodicConcurrentSubjectsNeverMix(t *testing.T) {
	e, err := NewEpisodic(EpisodicOptions{Limit: 20})
	require.NoError(t, err)
	defer e.Close()
	ctx := context.Background()

	subjects := []string{"alice", "bob", "carol"}
	for _, subject := range subjects {
		for i := 0; i < 5; i++ {
			sid := subject + "-" + string(rune('a'+i))
			require.NoError(t, e.Add(ctx, exchange(sid, "we argue about money "+subject, "ok "+subject), subject))
		}
	}

	var wg sync.WaitGroup
	for _, subject := range subjects {
		wg.Add(1)
		go func(subject string) {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				got, err := e.Search(ctx, "argue money", subject)
				if err != nil {
					t.Error(err)
					return
				}
				for _, s := range got {
					if !strings.HasSuffix(s.Content, subject) {
						t.Errorf("subject %s received foreign snippet %q", subject, s.Content)
					}
				}
			}
		}(subject)
	}
	wg.Wait()
}

func TestEpisodicEdgeCases(t *testing.T) {
	e, err := NewEpisodic(EpisodicOptions{})
	require.NoError(t, err)
	defer e.Close()
	ctx := context.Background()

	_, err = e.Search(ctx, "x", "")
	assert.ErrorIs(t, err, ErrSubjectRequired)
	assert.ErrorIs(t, e.Add(ctx, nil, ""), ErrSubjectRequired)

	got, err := e.Search(ctx, "   ", "alice")
	require.NoError(t, err)
	assert.Empty(t, got)

	require.NoError(t, e.Add(ctx, []chat.Turn{{Role: chat.RoleUser, Content: "  "}}, "alice"))
}

func TestEpisodicOnDiskReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "episodic.bleve")
	ctx := context.Background()

	e, err := NewEpisodic(EpisodicOptions{Path: path})
	require.NoError(t, err)
	require.NoError(t, e.Add(ctx, exchange("s1", "jealousy keeps coming up", "Let's look at it."), "alice"))
	require.NoError(t, e.Close())

	e, err = NewEpisodic(EpisodicOptions{Path: path})
	require.NoError(t, err)
	defer e.Close()
	got, err := e.Search(ctx, "jealousy", "alice")
	require.NoError(t, err)
	require.NotEmpty(t, got)
	assert.Equal(t, "user: jealousy keeps coming up", got[0].Content)
}

func TestGraphSearchSplitsBlob(t *testing.T) {
	var gotAuth string
	var gotReq graphSearchRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		require.Equal(t, "/search", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		_ = json.NewEncoder(w).Encode(graphSearchResponse{
			Context: "FACTS:\n- Alice is married to Sam.\r\n\r\n- They argue about chores.\n\n\n  \n- Alice wants more quality time.",
		})
	}))
	defer srv.Close()

	g, err := NewGraph(GraphOptions{BaseURL: srv.URL + "/", APIKey: "k"})
	require.NoError(t, err)

	got, err := g.Search(context.Background(), "chores", "alice")
	require.NoError(t, err)
	assert.Equal(t, "Bearer k", gotAuth)
	assert.Equal(t, graphSearchRequest{SubjectID: "alice", Query: "chores"}, gotReq)

	require.Len(t, got, 3)
	assert.Equal(t, "FACTS:\n- Alice is married to Sam.", got[0].Content)
	assert.Equal(t, "- Alice wants more quality time.", got[2].Content)
	for i, s := range got {
		assert.True(t, s.Unbounded)
		if i > 0 {
			assert.Less(t, s.Score, got[i-1].Score)
		}
	}
}

func TestGraphAddAndErrors(t *testing.T) {
	var added graphAddRequest
	var fail atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			http.Error(w, "internal trace that must not leak", http.StatusBadGateway)
			return
		}
		require.Equal(t, "/add", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&added))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	g, err := NewGraph(GraphOptions{BaseURL: srv.URL})
	require.NoError(t, err)

	require.NoError(t, g.Add(context.Background(), exchange("s1", "hello there", "hi"), "alice"))
	assert.Equal(t, "alice", added.SubjectID)
	require.Len(t, added.Messages, 2)
	assert.Equal(t, "assistant", added.Messages[1].Role)

	fail.Store(true)
	_, err = g.Search(context.Background(), "q", "alice")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 502")

	_, err = NewGraph(GraphOptions{})
	require.Error(t, err)
}

func TestGraphWriteBudgetIsNotCappedBySearchBudget(t *testing.T) {
	var adds atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(300 * time.Millisecond):
		case <-r.Context().Done():
			return
		}
		if r.URL.Path == "/add" {
			adds.Add(1)
			w.WriteHeader(http.StatusNoContent)
			return
		}
		_ = json.NewEncoder(w).Encode(graphSearchResponse{Context: "- late fact"})
	}))
	defer srv.Close()

	p, closer, err := New(Config{Backend: BackendGraph, GraphURL: srv.URL}, nil)
	require.NoError(t, err)
	defer closer.Close()

	searchCtx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = p.Search(searchCtx, "q", "alice")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	w := NewWriter(p, WriterOptions{Workers: 1, Timeout: 2 * time.Second})
	require.NoError(t, w.Enqueue("s1", "alice", exchange("s1", "hello there", "hi")))
	require.NoError(t, w.Close(context.Background()))

	stats := w.Stats()
	assert.EqualValues(t, 1, stats.Written)
	assert.EqualValues(t, 0, stats.Failed)
	assert.EqualValues(t, 1, adds.Load())
}

type countingProvider struct {
	mu       sync.Mutex
	searches int
	err      error
	// when set, every search announces itself on entered and waits for gate
	entered chan struct{}
	gate    chan struct{}
}

func (p *countingProvider) Name() string { return "counting" }

func (p *countingProvider) Search(_ context.Context, q, subject string) ([]Snippet, error) {
	p.mu.Lock()
	p.searches++
	entered, gate := p.entered, p.gate
	p.mu.Unlock()
	if gate != nil {
		entered <- struct{}{}
		<-gate
	}
	if p.err != nil {
		return nil, p.err
	}
	return []Snippet{{ID: subject, Content: q}}, nil
}

func (p *countingProvider) searchCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.searches
}

func (p *countingProvider) Add(context.Context, []chat.Turn, string) error { return nil }

func TestCachedServesRepeatsAndPurgesOnAdd(t *testing.T) {
	inner := &countingProvider{}
	c := NewCached(inner, 16, time.Minute)
	ctx := context.Background()

	_, err := c.Search(ctx, "I need to Vent", "alice")
	require.NoError(t, err)
	_, err = c.Search(ctx, "  i need to vent ", "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, inner.searches)

	_, err = c.Search(ctx, "i need to vent", "bob")
	require.NoError(t, err)
	assert.Equal(t, 2, inner.searches)

	require.NoError(t, c.Add(ctx, nil, "alice"))
	_, err = c.Search(ctx, "i need to vent", "alice")
	require.NoError(t, err)
	_, err = c.Search(ctx, "i need to vent", "bob")
	require.NoError(t, err)
	assert.Equal(t, 3, inner.searches)
}

func TestCachedDoesNotCacheErrors(t *testing.T) {
	inner := &countingProvider{err: errors.New("timeout")}
	c := NewCached(inner, 16, time.Minute)

	_, err := c.Search(context.Background(), "q", "alice")
	require.Error(t, err)
	_, err = c.Search(context.Background(), "q", "alice")
	require.Error(t, err)
	assert.Equal(t, 2, inner.searches)
}

func TestCachedDropsSearchThatRacedAnAdd(t *testing.T) {
	inner := &countingProvider{entered: make(chan struct{}, 1), gate: make(chan struct{})}
	c := NewCached(inner, 16, time.Minute)
	ctx := context.Background()

	searched := make(chan error, 1)
	go func() {
		_, err := c.Search(ctx, "dog", "alice")
		searched <- err
	}()
	<-inner.entered

	require.NoError(t, c.Add(ctx, exchange("s1", "my dog is Biscuit", "noted"), "alice"))
	close(inner.gate)
	require.NoError(t, <-searched)

	// the stale result was not cached, so the next search reaches the backend
	_, err := c.Search(ctx, "dog", "alice")
	require.NoError(t, err)
	assert.Equal(t, 2, inner.searchCount())

	// with no Add in between the result is cached as usual
	_, err = c.Search(ctx, "dog", "alice")
	require.NoError(t, err)
	assert.Equal(t, 2, inner.searchCount())
}

func TestNewSelectsBackend(t *testing.T) {
	p, closer, err := New(Config{}, nil)
	require.NoError(t, err)
	assert.Equal(t, "none", p.Name())
	require.NoError(t, closer.Close())

	p, closer, err = New(Config{Backend: BackendEpisodic, Mode: ModeCacheFirst}, nil)
	require.NoError(t, err)
	_, cached := p.(*Cached)
	assert.True(t, cached)
	assert.Equal(t, "episodic", p.Name())
	require.NoError(t, closer.Close())

	_, _, err = New(Config{Backend: BackendGraph}, nil)
	require.Error(t, err)

	_, _, err = New(Config{Backend: "vector"}, nil)
	require.Error(t, err)

	_, _, err = New(Config{Mode: "write_behind"}, nil)
	require.Error(t, err)
}
