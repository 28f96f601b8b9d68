package chat

import "time"

// Role identifies who produced a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn persists one message of a conversation. Turns are append-only.
type Turn struct {
	ID        string    `json:"id"`
	SessionID string    `json:"sessionId"`
	SubjectID string    `json:"subjectId"`
	PersonaID string    `json:"personaId"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}
