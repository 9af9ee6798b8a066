package voice

import (
	"context"
	"sync"
)

// MockSpeaker records utterances instead of playing them. It is the fallback
// when no TTS program is installed.
type MockSpeaker struct {
	mu     sync.Mutex
	spoken []string
}

func NewMockSpeaker() *MockSpeaker { return &MockSpeaker{} }

func (m *MockSpeaker) Speak(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.spoken = append(m.spoken, text)
	return nil
}

func (m *MockSpeaker) Spoken() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.spoken...)
}
