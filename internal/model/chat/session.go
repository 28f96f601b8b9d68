package chat

import "time"

// Session tracks which persona currently owns a conversation.
type Session struct {
	ID               string    `json:"id"`
	SubjectID        string    `json:"subjectId"`
	CurrentPersonaID string    `json:"currentPersonaId"`
	CreatedAt        time.Time `json:"createdAt"`
	LastActiveAt     time.Time `json:"lastActiveAt"`
}

// Trigger 描述一次角色切换的来源。
type Trigger string

const (
	// TriggerEmbedded means the assistant text carried a {"agent": "..."} directive.
	TriggerEmbedded Trigger = "embedded"
	// TriggerInferred means the fallback classification call chose the target.
	TriggerInferred Trigger = "inferred"
)

// HandoffEvent is one entry of a session's persona switch audit log.
type HandoffEvent struct {
	ID            string    `json:"id"`
	SessionID     string    `json:"sessionId"`
	FromPersonaID string    `json:"fromPersonaId"`
	ToPersonaID   string    `json:"toPersonaId"`
	Trigger       Trigger   `json:"trigger"`
	CreatedAt     time.Time `json:"createdAt"`
}
