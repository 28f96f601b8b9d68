package chat

import (
	"context"
	"errors"
	"time"

	"github.com/zhouzirui/persona-relay/backend/internal/model/chat"
)

var (
	ErrPersonaRequired = errors.New("persona id is required")
	ErrSubjectRequired = errors.New("subject id is required")
	ErrSessionNotFound = errors.New("session not found")
	ErrInvalidTurn     = errors.New("invalid turn")
)

// Commit is everything that becomes durable once a turn has fully completed.
type Commit struct {
	SessionID string
	// Assistant is the cleaned assistant text, attributed to the persona that produced it.
	Assistant chat.Turn
	// TargetPersonaID is the persona that owns the session after this turn.
	TargetPersonaID string
	// Trigger explains the switch when TargetPersonaID differs from the current persona.
	Trigger chat.Trigger
}

// CommitResult reports what CommitTurn wrote.
type CommitResult struct {
	Session   chat.Session
	Assistant chat.Turn
	// Handoff is nil when the persona did not change.
	Handoff *chat.HandoffEvent
}

// Store persists sessions, turns and the handoff audit log. Nothing is ever deleted.
type Store interface {
	CreateSession(ctx context.Context, subjectID, personaID string) (chat.Session, error)
	GetSession(ctx context.Context, sessionID string) (chat.Session, error)
	// AppendTurn stores a turn strictly after the session's latest turn.
	AppendTurn(ctx context.Context, turn chat.Turn) (chat.Turn, error)
	// RecentTurns returns up to limit latest turns, oldest first.
	RecentTurns(ctx context.Context, sessionID string, limit int) ([]chat.Turn, error)
	Transcript(ctx context.Context, sessionID string) ([]chat.Turn, error)
	Handoffs(ctx context.Context, sessionID string) ([]chat.HandoffEvent, error)
	// CommitTurn atomically appends the assistant turn and, if the target differs from
	// the current persona, records a HandoffEvent and moves the session to it.
	CommitTurn(ctx context.Context, c Commit) (CommitResult, error)
	Close() error
}

// nextTurnTime keeps turns strictly ordered even when the clock does not advance.
func nextTurnTime(now, last time.Time) time.Time {
	if !now.After(last) {
		return last.Add(time.Microsecond)
	}
	return now
}

func validateTurn(turn chat.Turn) error {
	if turn.SessionID == "" {
		return ErrSessionNotFound
	}
	if turn.Role != chat.RoleUser && turn.Role != chat.RoleAssistant {
		return ErrInvalidTurn
	}
	return nil
}
