package chat

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zhouzirui/persona-relay/backend/internal/model/chat"
)

// MemoryStore keeps conversation state in process memory.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]chat.Session
	turns    map[string][]chat.Turn
	handoffs map[string][]chat.HandoffEvent
	now      func() time.Time
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore bootstraps the in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]chat.Session),
		turns:    make(map[string][]chat.Turn),
		handoffs: make(map[string][]chat.HandoffEvent),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// CreateSession provisions a session bound to a subject and its starting persona.
func (s *MemoryStore) CreateSession(_ context.Context, subjectID, personaID string) (chat.Session, error) {
	if subjectID == "" {
		return chat.Session{}, ErrSubjectRequired
	}
	if personaID == "" {
		return chat.Session{}, ErrPersonaRequired
	}

	now := s.now()
	session := chat.Session{
		ID:               uuid.NewString(),
		SubjectID:        subjectID,
		CurrentPersonaID: personaID,
		CreatedAt:        now,
		LastActiveAt:     now,
	}

	s.mu.Lock()
	s.sessions[session.ID] = session
	s.turns[session.ID] = make([]chat.Turn, 0, 16)
	s.mu.Unlock()

	return session, nil
}

// GetSession retrieves a session by identifier.
func (s *MemoryStore) GetSession(_ context.Context, sessionID string) (chat.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return chat.Session{}, ErrSessionNotFound
	}
	return session, nil
}

// AppendTurn appends a turn to the session history.
func (s *MemoryStore) AppendTurn(_ context.Context, turn chat.Turn) (chat.Turn, error) {
	if err := validateTurn(turn); err != nil {
		return chat.Turn{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLocked(turn)
}

func (s *MemoryStore) appendLocked(turn chat.Turn) (chat.Turn, error) {
	session, ok := s.sessions[turn.SessionID]
	if !ok {
		return chat.Turn{}, ErrSessionNotFound
	}

	history := s.turns[turn.SessionID]
	var last time.Time
	if len(history) > 0 {
		last = history[len(history)-1].CreatedAt
	}

	turn.ID = uuid.NewString()
	turn.SubjectID = session.SubjectID
	turn.CreatedAt = nextTurnTime(s.now(), last)

	s.turns[turn.SessionID] = append(history, turn)
	session.LastActiveAt = turn.CreatedAt
	s.sessions[turn.SessionID] = session
	return turn, nil
}

// RecentTurns returns the latest limit turns, oldest first.
func (s *MemoryStore) RecentTurns(_ context.Context, sessionID string, limit int) ([]chat.Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	turns, ok := s.turns[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	start := 0
	if limit > 0 && len(turns) > limit {
		start = len(turns) - limit
	}
	copied := make([]chat.Turn, len(turns)-start)
	copy(copied, turns[start:])
	return copied, nil
}

// Transcript returns every stored turn of the session.
func (s *MemoryStore) Transcript(ctx context.Context, sessionID string) ([]chat.Turn, error) {
	return s.RecentTurns(ctx, sessionID, 0)
}

// Handoffs returns the session's persona switch log.
func (s *MemoryStore) Handoffs(_ context.Context, sessionID string) ([]chat.HandoffEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.sessions[sessionID]; !ok {
		return nil, ErrSessionNotFound
	}
	events := s.handoffs[sessionID]
	copied := make([]chat.HandoffEvent, len(events))
	copy(copied, events)
	return copied, nil
}

// CommitTurn applies the end-of-turn writes under one lock.
func (s *MemoryStore) CommitTurn(_ context.Context, c Commit) (CommitResult, error) {
	assistant := c.Assistant
	assistant.SessionID = c.SessionID
	assistant.Role = chat.RoleAssistant
	if err := validateTurn(assistant); err != nil {
		return CommitResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored, err := s.appendLocked(assistant)
	if err != nil {
		return CommitResult{}, err
	}

	session := s.sessions[c.SessionID]
	result := CommitResult{Assistant: stored}
	if c.TargetPersonaID != "" && c.TargetPersonaID != session.CurrentPersonaID {
		event := chat.HandoffEvent{
			ID:            uuid.NewString(),
			SessionID:     c.SessionID,
			FromPersonaID: session.CurrentPersonaID,
			ToPersonaID:   c.TargetPersonaID,
			Trigger:       c.Trigger,
			CreatedAt:     stored.CreatedAt,
		}
		s.handoffs[c.SessionID] = append(s.handoffs[c.SessionID], event)
		session.CurrentPersonaID = c.TargetPersonaID
		s.sessions[c.SessionID] = session
		result.Handoff = &event
	}
	result.Session = session
	return result, nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }
