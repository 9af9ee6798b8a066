package llm

import (
	"context"
	"fmt"
	"strings"
)

// MockBackend provides deterministic local replies when no model is configured.
type MockBackend struct{}

func NewMockBackend() *MockBackend { return &MockBackend{} }

func (b *MockBackend) Complete(ctx context.Context, req Request) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}

	var users []string
	for _, m := range req.Messages {
		if m.Role == RoleUser && strings.TrimSpace(m.Content) != "" {
			users = append(users, strings.TrimSpace(m.Content))
		}
	}
	if len(users) == 0 {
		input := strings.TrimSpace(req.Prompt)
		if input == "" {
			input = "nothing yet"
		}
		return fmt.Sprintf("I heard you: %s", input), nil
	}

	input := users[len(users)-1]
	if len(users) == 1 {
		return fmt.Sprintf("I heard you: %s", input), nil
	}
	return fmt.Sprintf("I heard you: %s\nI also remember: %s", input, users[len(users)-2]), nil
}
