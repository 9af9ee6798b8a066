package resolver

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/pai/internal/llm"
	"github.com/ent0n29/pai/internal/memory"
)

// DefaultStopMarker terminates every assistant segment of the prompt.
const DefaultStopMarker = "</s>"

// Persona is rendered into the system segment of the prompt.
type Persona struct {
	Name   string
	Traits []string
}

func (p Persona) SystemPrompt() string {
	name := strings.TrimSpace(p.Name)
	if name == "" {
		name = "PAI"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s, a personal voice assistant", name)
	if len(p.Traits) > 0 {
		fmt.Fprintf(&b, " who is %s", joinTraits(p.Traits))
	}
	b.WriteString(". Your replies are spoken aloud, so keep them short and conversational.")
	return b.String()
}

func joinTraits(traits []string) string {
	switch len(traits) {
	case 1:
		return traits[0]
	case 2:
		return traits[0] + " and " + traits[1]
	default:
		return strings.Join(traits[:len(traits)-1], ", ") + " and " + traits[len(traits)-1]
	}
}

// ModelConfig configures the model fallback.
type ModelConfig struct {
	Persona     Persona
	PromptTurns int
	MaxTokens   int
	Timeout     time.Duration
	StopMarker  string
}

// ModelResolver asks the language model. It is always the last resolver.
type ModelResolver struct {
	backend llm.Backend
	cfg     ModelConfig
	logger  *zap.Logger
}

func NewModelResolver(backend llm.Backend, cfg ModelConfig, logger *zap.Logger) *ModelResolver {
	if cfg.PromptTurns < 0 {
		cfg.PromptTurns = 0
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 150
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.StopMarker == "" {
		cfg.StopMarker = DefaultStopMarker
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ModelResolver{backend: backend, cfg: cfg, logger: logger}
}

func (m *ModelResolver) Name() string { return "model" }

// Answer returns the completion, or an apology together with the cause.
func (m *ModelResolver) Answer(ctx context.Context, req Request) (string, error) {
	text, err := m.Generate(ctx, req.Command, req.History)
	if err != nil {
		return apology(err), err
	}
	return text, nil
}

// Generate runs one bounded completion without converting failures.
func (m *ModelResolver) Generate(ctx context.Context, command string, history []memory.TurnRecord) (string, error) {
	if m.backend == nil {
		return "", errors.New("no language model configured")
	}
	ctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()

	if n := m.cfg.PromptTurns; len(history) > n {
		history = history[len(history)-n:]
	}
	req := BuildPrompt(m.cfg.Persona.SystemPrompt(), history, command, m.cfg.StopMarker)
	req.MaxTokens = m.cfg.MaxTokens

	start := time.Now()
	out, err := m.backend.Complete(ctx, req)
	if err != nil {
		return "", err
	}
	text := StripStop(out, m.cfg.StopMarker)
	if text == "" {
		return "", llm.ErrEmptyCompletion
	}
	m.logger.Debug("model completion",
		zap.Duration("latency", time.Since(start)),
		zap.Int("history_turns", len(history)),
		zap.Int("chars", len(text)),
	)
	return text, nil
}

// BuildPrompt renders the instruction template and the equivalent message list:
//
//	<system>\n\n[INST] u1 [/INST] a1</s>[INST] u2 [/INST] a2</s>[INST] command [/INST]
func BuildPrompt(system string, history []memory.TurnRecord, command, stop string) llm.Request {
	var b strings.Builder
	msgs := make([]llm.Message, 0, len(history)+2)
	if system = strings.TrimSpace(system); system != "" {
		b.WriteString(system)
		b.WriteString("\n\n")
		msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: system})
	}
	for _, rec := range history {
		switch rec.Role {
		case memory.RoleUser:
			fmt.Fprintf(&b, "[INST] %s [/INST]", rec.Content)
			msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: rec.Content})
		case memory.RoleAssistant:
			fmt.Fprintf(&b, " %s%s", rec.Content, stop)
			msgs = append(msgs, llm.Message{Role: llm.RoleAssistant, Content: rec.Content})
		}
	}
	fmt.Fprintf(&b, "[INST] %s [/INST]", command)
	msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: command})

	return llm.Request{
		Prompt:   b.String(),
		Messages: msgs,
		Stop:     []string{stop},
	}
}

// StripStop cuts the completion at the stop marker and trims whitespace.
func StripStop(out, stop string) string {
	if stop != "" {
		out, _, _ = strings.Cut(out, stop)
	}
	return strings.TrimSpace(out)
}

func apology(err error) string {
	reason := "unknown error"
	switch {
	case err == nil:
	case errors.Is(err, context.DeadlineExceeded):
		reason = "the request timed out"
	case errors.Is(err, llm.ErrEmptyCompletion):
		reason = "it returned an empty answer"
	default:
		reason = err.Error()
	}
	return "Sorry, I couldn't reach the language model: " + reason
}
