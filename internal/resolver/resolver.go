package resolver

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/pai/internal/memory"
	"github.com/ent0n29/pai/internal/observability"
)

// Source tags which kind of resolver produced a turn's response.
type Source string

const (
	SourceScripted Source = "scripted"
	SourcePlugin   Source = "plugin"
	SourceModel    Source = "model"
	SourceError    Source = "error"
)

// Request is what every resolver sees for one command.
type Request struct {
	// Command keeps the user's casing; Normalized is trimmed and lower-cased.
	Command    string
	Normalized string
	// History is a private copy; changes never reach the conversation.
	History   []memory.TurnRecord
	SessionID string
}

func NewRequest(sessionID, command string, history []memory.TurnRecord) Request {
	command = strings.TrimSpace(command)
	return Request{
		Command:    command,
		Normalized: Normalize(command),
		History:    history,
		SessionID:  sessionID,
	}
}

// Normalize is the matching form of a command.
func Normalize(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

func (r Request) clone() Request {
	if r.History != nil {
		h := make([]memory.TurnRecord, len(r.History))
		copy(h, r.History)
		r.History = h
	}
	return r
}

// Resolver may answer a command. ok reports whether it did.
type Resolver interface {
	Name() string
	Source() Source
	Resolve(ctx context.Context, req Request) (text string, ok bool, err error)
}

// Fallback always answers. A non-nil error means text is an apology for a
// failed backend call.
type Fallback interface {
	Name() string
	Answer(ctx context.Context, req Request) (string, error)
}

// Result is the chain's answer for one command.
type Result struct {
	Text       string
	ResolvedBy Source
	Resolver   string
	Latency    time.Duration
	Err        error
}

// Chain tries resolvers in order and falls back to the model.
type Chain struct {
	resolvers []Resolver
	fallback  Fallback
	logger    *zap.Logger
	metrics   *observability.Metrics
}

func NewChain(fallback Fallback, logger *zap.Logger, metrics *observability.Metrics, resolvers ...Resolver) *Chain {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Chain{
		resolvers: resolvers,
		fallback:  fallback,
		logger:    logger,
		metrics:   metrics,
	}
}

// Resolve never fails: faults degrade to the next resolver and finally to an
// error-tagged apology.
func (c *Chain) Resolve(ctx context.Context, req Request) Result {
	start := time.Now()
	res := c.resolve(ctx, req)
	res.Latency = time.Since(start)
	c.metrics.ObserveResolution(string(res.ResolvedBy), res.Latency)
	return res
}

func (c *Chain) resolve(ctx context.Context, req Request) Result {
	for _, r := range c.resolvers {
		text, ok, err := safeResolve(ctx, r, req.clone())
		if err != nil {
			c.logger.Warn("resolver fault, skipping",
				zap.String("resolver", r.Name()),
				zap.Error(err),
			)
			c.metrics.ObserveResolverFault(r.Name())
			continue
		}
		if ok && strings.TrimSpace(text) != "" {
			return Result{Text: text, ResolvedBy: r.Source(), Resolver: r.Name()}
		}
	}

	if c.fallback == nil {
		return Result{Text: apology(fmt.Errorf("no language model configured")), ResolvedBy: SourceError, Resolver: "none"}
	}
	text, err := safeAnswer(ctx, c.fallback, req.clone())
	if err != nil {
		c.logger.Warn("model fallback failed", zap.String("resolver", c.fallback.Name()), zap.Error(err))
		if strings.TrimSpace(text) == "" {
			text = apology(err)
		}
		return Result{Text: text, ResolvedBy: SourceError, Resolver: c.fallback.Name(), Err: err}
	}
	return Result{Text: text, ResolvedBy: SourceModel, Resolver: c.fallback.Name()}
}

func safeResolve(ctx context.Context, r Resolver, req Request) (text string, ok bool, err error) {
	defer func() {
		if p := recover(); p != nil {
			text, ok, err = "", false, fmt.Errorf("panic: %v", p)
		}
	}()
	return r.Resolve(ctx, req)
}

func safeAnswer(ctx context.Context, f Fallback, req Request) (text string, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
			text = apology(err)
		}
	}()
	return f.Answer(ctx, req)
}
