package memory

import (
	"context"
	"time"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// TurnRecord stores a single user or assistant fragment of a conversation turn.
type TurnRecord struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	SessionID   string    `json:"session_id"`
	Role        string    `json:"role"`
	Content     string    `json:"content"`
	PIIRedacted bool      `json:"pii_redacted,omitempty"`
	CreatedAt   time.Time `json:"timestamp"`
}

// Valid reports whether the record carries the fields a restored history needs.
func (r TurnRecord) Valid() bool {
	if r.Role != RoleUser && r.Role != RoleAssistant {
		return false
	}
	return r.Content != "" && !r.CreatedAt.IsZero()
}

// Store persists and retrieves conversation history.
type Store interface {
	SaveTurn(ctx context.Context, record TurnRecord) error
	// RecentContext returns up to limit records for userID, oldest first.
	RecentContext(ctx context.Context, userID string, limit int) ([]TurnRecord, error)
	Close() error
}
