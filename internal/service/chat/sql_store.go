package chat

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/zhouzirui/persona-relay/backend/internal/model/chat"
)

const sqlSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	id                 TEXT PRIMARY KEY,
	subject_id         TEXT NOT NULL,
	current_persona_id TEXT NOT NULL,
	created_at         INTEGER NOT NULL,
	last_active_at     INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS turns (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	id         TEXT NOT NULL UNIQUE,
	session_id TEXT NOT NULL REFERENCES sessions(id),
	subject_id TEXT NOT NULL,
	persona_id TEXT NOT NULL,
	role       TEXT NOT NULL,
	content    TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_turns_session ON turns(session_id, seq);
CREATE TABLE IF NOT EXISTS handoffs (
	seq             INTEGER PRIMARY KEY AUTOINCREMENT,
	id              TEXT NOT NULL UNIQUE,
	session_id      TEXT NOT NULL REFERENCES sessions(id),
	from_persona_id TEXT NOT NULL,
	to_persona_id   TEXT NOT NULL,
	trigger_kind    TEXT NOT NULL,
	created_at      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_handoffs_session ON handoffs(session_id, seq);
`

// SQLStore persists conversation state in SQLite.
type SQLStore struct {
	db     *sql.DB
	ownsDB bool
	now    func() time.Time
}

var _ Store = (*SQLStore)(nil)

// OpenSQLStore opens dsn with the pure-Go sqlite driver and migrates the schema.
func OpenSQLStore(ctx context.Context, dsn string) (*SQLStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open session db: %w", err)
	}
	// sqlite 只允许单写者
	db.SetMaxOpenConns(1)

	store, err := NewSQLStore(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	store.ownsDB = true
	return store, nil
}

// NewSQLStore migrates the schema on an existing handle. The caller keeps ownership of db.
func NewSQLStore(ctx context.Context, db *sql.DB) (*SQLStore, error) {
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqlSchema); err != nil {
		return nil, fmt.Errorf("migrate session schema: %w", err)
	}
	return &SQLStore{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}, nil
}

// CreateSession inserts a new session row.
func (s *SQLStore) CreateSession(ctx context.Context, subjectID, personaID string) (chat.Session, error) {
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
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, subject_id, current_persona_id, created_at, last_active_at) VALUES (?, ?, ?, ?, ?)`,
		session.ID, session.SubjectID, session.CurrentPersonaID, now.UnixNano(), now.UnixNano())
	if err != nil {
		return chat.Session{}, fmt.Errorf("insert session: %w", err)
	}
	return session, nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// GetSession loads one session row.
func (s *SQLStore) GetSession(ctx context.Context, sessionID string) (chat.Session, error) {
	return getSession(ctx, s.db, sessionID)
}

func getSession(ctx context.Context, q queryer, sessionID string) (chat.Session, error) {
	var session chat.Session
	var createdAt, lastActiveAt int64
	err := q.QueryRowContext(ctx,
		`SELECT id, subject_id, current_persona_id, created_at, last_active_at FROM sessions WHERE id = ?`,
		sessionID).Scan(&session.ID, &session.SubjectID, &session.CurrentPersonaID, &createdAt, &lastActiveAt)
	if errors.Is(err, sql.ErrNoRows) {
		return chat.Session{}, ErrSessionNotFound
	}
	if err != nil {
		return chat.Session{}, fmt.Errorf("select session: %w", err)
	}
	session.CreatedAt = fromNanos(createdAt)
	session.LastActiveAt = fromNanos(lastActiveAt)
	return session, nil
}

// AppendTurn inserts a turn inside its own transaction.
func (s *SQLStore) AppendTurn(ctx context.Context, turn chat.Turn) (chat.Turn, error) {
	if err := validateTurn(turn); err != nil {
		return chat.Turn{}, err
	}

	var stored chat.Turn
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		session, err := getSession(ctx, tx, turn.SessionID)
		if err != nil {
			return err
		}
		stored, err = s.insertTurn(ctx, tx, session, turn)
		return err
	})
	if err != nil {
		return chat.Turn{}, err
	}
	return stored, nil
}

func (s *SQLStore) insertTurn(ctx context.Context, tx *sql.Tx, session chat.Session, turn chat.Turn) (chat.Turn, error) {
	var last sql.NullInt64
	if err := tx.QueryRowContext(ctx,
		`SELECT MAX(created_at) FROM turns WHERE session_id = ?`, session.ID).Scan(&last); err != nil {
		return chat.Turn{}, fmt.Errorf("select latest turn: %w", err)
	}
	var lastAt time.Time
	if last.Valid {
		lastAt = fromNanos(last.Int64)
	}

	turn.ID = uuid.NewString()
	turn.SubjectID = session.SubjectID
	turn.CreatedAt = nextTurnTime(s.now(), lastAt)

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO turns (id, session_id, subject_id, persona_id, role, content, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		turn.ID, turn.SessionID, turn.SubjectID, turn.PersonaID, string(turn.Role), turn.Content, turn.CreatedAt.UnixNano()); err != nil {
		return chat.Turn{}, fmt.Errorf("insert turn: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE sessions SET last_active_at = ? WHERE id = ?`, turn.CreatedAt.UnixNano(), session.ID); err != nil {
		return chat.Turn{}, fmt.Errorf("touch session: %w", err)
	}
	return turn, nil
}

// RecentTurns returns the latest limit turns, oldest first.
func (s *SQLStore) RecentTurns(ctx context.Context, sessionID string, limit int) ([]chat.Turn, error) {
	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, subject_id, persona_id, role, content, created_at FROM (
			SELECT seq, id, session_id, subject_id, persona_id, role, content, created_at
			FROM turns WHERE session_id = ? ORDER BY seq DESC LIMIT ?
		) ORDER BY seq ASC`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("select turns: %w", err)
	}
	defer rows.Close()

	turns := make([]chat.Turn, 0)
	for rows.Next() {
		var turn chat.Turn
		var role string
		var createdAt int64
		if err := rows.Scan(&turn.ID, &turn.SessionID, &turn.SubjectID, &turn.PersonaID, &role, &turn.Content, &createdAt); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		turn.Role = chat.Role(role)
		turn.CreatedAt = fromNanos(createdAt)
		turns = append(turns, turn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate turns: %w", err)
	}
	return turns, nil
}

// Transcript returns every stored turn of the session.
func (s *SQLStore) Transcript(ctx context.Context, sessionID string) ([]chat.Turn, error) {
	return s.RecentTurns(ctx, sessionID, 0)
}

// Handoffs returns the session's persona switch log.
func (s *SQLStore) Handoffs(ctx context.Context, sessionID string) ([]chat.HandoffEvent, error) {
	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, from_persona_id, to_persona_id, trigger_kind, created_at
		FROM handoffs WHERE session_id = ? ORDER BY seq ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("select handoffs: %w", err)
	}
	defer rows.Close()

	events := make([]chat.HandoffEvent, 0)
	for rows.Next() {
		var event chat.HandoffEvent
		var trigger string
		var createdAt int64
		if err := rows.Scan(&event.ID, &event.SessionID, &event.FromPersonaID, &event.ToPersonaID, &trigger, &createdAt); err != nil {
			return nil, fmt.Errorf("scan handoff: %w", err)
		}
		event.Trigger = chat.Trigger(trigger)
		event.CreatedAt = fromNanos(createdAt)
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate handoffs: %w", err)
	}
	return events, nil
}

// CommitTurn writes the assistant turn and any handoff in one transaction.
func (s *SQLStore) CommitTurn(ctx context.Context, c Commit) (CommitResult, error) {
	assistant := c.Assistant
	assistant.SessionID = c.SessionID
	assistant.Role = chat.RoleAssistant
	if err := validateTurn(assistant); err != nil {
		return CommitResult{}, err
	}

	var result CommitResult
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		session, err := getSession(ctx, tx, c.SessionID)
		if err != nil {
			return err
		}
		stored, err := s.insertTurn(ctx, tx, session, assistant)
		if err != nil {
			return err
		}
		session.LastActiveAt = stored.CreatedAt
		result = CommitResult{Session: session, Assistant: stored}

		if c.TargetPersonaID == "" || c.TargetPersonaID == session.CurrentPersonaID {
			return nil
		}
		event := chat.HandoffEvent{
			ID:            uuid.NewString(),
			SessionID:     c.SessionID,
			FromPersonaID: session.CurrentPersonaID,
			ToPersonaID:   c.TargetPersonaID,
			Trigger:       c.Trigger,
			CreatedAt:     stored.CreatedAt,
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO handoffs (id, session_id, from_persona_id, to_persona_id, trigger_kind, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
			event.ID, event.SessionID, event.FromPersonaID, event.ToPersonaID, string(event.Trigger), event.CreatedAt.UnixNano()); err != nil {
			return fmt.Errorf("insert handoff: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE sessions SET current_persona_id = ? WHERE id = ?`, event.ToPersonaID, c.SessionID); err != nil {
			return fmt.Errorf("switch session persona: %w", err)
		}
		result.Session.CurrentPersonaID = event.ToPersonaID
		result.Handoff = &event
		return nil
	})
	if err != nil {
		return CommitResult{}, err
	}
	return result, nil
}

// Close releases the database when the store opened it.
func (s *SQLStore) Close() error {
	if !s.ownsDB {
		return nil
	}
	return s.db.Close()
}

func (s *SQLStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}
