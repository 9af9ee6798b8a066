package resolver

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/pai/internal/llm"
	"github.com/ent0n29/pai/internal/memory"
)

type stubResolver struct {
	name   string
	source Source
	text   string
	ok     bool
	err    error
	panics bool
	calls  atomic.Int32
}

func (s *stubResolver) Name() string   { return s.name }
func (s *stubResolver) Source() Source { return s.source }

func (s *stubResolver) Resolve(context.Context, Request) (string, bool, error) {
	s.calls.Add(1)
	if s.panics {
		panic("boom")
	}
	return s.text, s.ok, s.err
}

type stubBackend struct {
	reply string
	err   error
	delay time.Duration
	calls atomic.Int32
	last  llm.Request
}

func (b *stubBackend) Complete(ctx context.Context, req llm.Request) (string, error) {
	b.calls.Add(1)
	b.last = req
	if b.delay > 0 {
		select {
		case <-time.After(b.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return b.reply, b.err
}

func newTestModel(b llm.Backend) *ModelResolver {
	return NewModelResolver(b, ModelConfig{PromptTurns: 10, Timeout: time.Second}, nil)
}

func TestChainScriptedWinsAndSkipsModel(t *testing.T) {
	scripted := NewScriptedResolver("", map[string]string{"hello": "Hi there!"}, nil)
	plugin := &stubResolver{name: "p", source: SourcePlugin, text: "plugin", ok: true}
	backend := &stubBackend{reply: "model"}
	chain := NewChain(newTestModel(backend), nil, nil, scripted, plugin)

	res := chain.Resolve(context.Background(), NewRequest("s1", "  Hello ", nil))
	assert.Equal(t, "Hi there!", res.Text)
	assert.Equal(t, SourceScripted, res.ResolvedBy)
	assert.Zero(t, plugin.calls.Load())
	assert.Zero(t, backend.calls.Load())
}

func TestChainPluginBeforeModel(t *testing.T) {
	first := &stubResolver{name: "first", source: SourcePlugin}
	second := &stubResolver{name: "second", source: SourcePlugin, text: "from second", ok: true}
	backend := &stubBackend{reply: "model"}
	chain := NewChain(newTestModel(backend), nil, nil, first, second)

	res := chain.Resolve(context.Background(), NewRequest("s1", "do a thing", nil))
	assert.Equal(t, "from second", res.Text)
	assert.Equal(t, SourcePlugin, res.ResolvedBy)
	assert.Equal(t, "second", res.Resolver)
	assert.EqualValues(t, 1, first.calls.Load())
	assert.Zero(t, backend.calls.Load())
}

func TestChainSkipsFaultyResolvers(t *testing.T) {
	failing := &stubResolver{name: "failing", source: SourcePlugin, err: errors.New("broken")}
	panicking := &stubResolver{name: "panicking", source: SourcePlugin, panics: true}
	blank := &stubResolver{name: "blank", source: SourcePlugin, text: "   ", ok: true}
	backend := &stubBackend{reply: "from the model</s> trailing"}
	chain := NewChain(newTestModel(backend), nil, nil, failing, panicking, blank)

	res := chain.Resolve(context.Background(), NewRequest("s1", "anything", nil))
	assert.Equal(t, "from the model", res.Text)
	assert.Equal(t, SourceModel, res.ResolvedBy)
	assert.NoError(t, res.Err)
	assert.EqualValues(t, 1, backend.calls.Load())
}

func TestChainModelFailureIsTaggedError(t *testing.T) {
	backend := &stubBackend{err: errors.New("connection refused")}
	chain := NewChain(newTestModel(backend), nil, nil)

	res := chain.Resolve(context.Background(), NewRequest("s1", "tell me a joke", nil))
	assert.Equal(t, SourceError, res.ResolvedBy)
	assert.Error(t, res.Err)
	assert.Contains(t, res.Text, "connection refused")
}

func TestChainModelTimeout(t *testing.T) {
	backend := &stubBackend{reply: "late", delay: time.Second}
	model := NewModelResolver(backend, ModelConfig{Timeout: 20 * time.Millisecond}, nil)
	chain := NewChain(model, nil, nil)

	res := chain.Resolve(context.Background(), NewRequest("s1", "slow question", nil))
	assert.Equal(t, SourceError, res.ResolvedBy)
	assert.ErrorIs(t, res.Err, context.DeadlineExceeded)
	assert.Contains(t, res.Text, "timed out")
}

func TestChainEmptyCompletionIsError(t *testing.T) {
	chain := NewChain(newTestModel(&stubBackend{reply: "  </s>"}), nil, nil)

	res := chain.Resolve(context.Background(), NewRequest("s1", "hm", nil))
	assert.Equal(t, SourceError, res.ResolvedBy)
	assert.ErrorIs(t, res.Err, llm.ErrEmptyCompletion)
}

func TestChainWithoutFallback(t *testing.T) {
	chain := NewChain(nil, nil, nil)
	res := chain.Resolve(context.Background(), NewRequest("s1", "hi", nil))
	assert.Equal(t, SourceError, res.ResolvedBy)
	assert.NotEmpty(t, res.Text)
}

type historyMutator struct{}

func (historyMutator) Name() string   { return "mutator" }
func (historyMutator) Source() Source { return SourcePlugin }

func (historyMutator) Resolve(_ context.Context, req Request) (string, bool, error) {
	for i := range req.History {
		req.History[i].Content = "tampered"
	}
	return "", false, nil
}

func TestChainResolversCannotMutateHistory(t *testing.T) {
	history := []memory.TurnRecord{{Role: memory.RoleUser, Content: "original"}}
	backend := &stubBackend{reply: "ok"}
	chain := NewChain(newTestModel(backend), nil, nil, historyMutator{})

	chain.Resolve(context.Background(), NewRequest("s1", "hi", history))
	require.Len(t, history, 1)
	assert.Equal(t, "original", history[0].Content)
	require.Len(t, backend.last.Messages, 3)
	assert.Equal(t, "original", backend.last.Messages[1].Content)
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "what time is it", Normalize("  What   TIME is\tit "))
	assert.Equal(t, "", Normalize("   "))
}
