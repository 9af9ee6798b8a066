package voice

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ent0n29/pai/internal/memory"
	"github.com/ent0n29/pai/internal/observability"
	"github.com/ent0n29/pai/internal/resolver"
)

var (
	ErrBusy             = errors.New("a command is already being dispatched")
	ErrTurnDiscarded    = errors.New("turn discarded because the conversation ended")
	ErrControllerClosed = errors.New("turn controller closed")
	ErrEmptyCommand     = errors.New("empty command")
)

const defaultInputQueue = 64

type InputSource string

const (
	SourceVoice InputSource = "voice"
	SourceText  InputSource = "text"
)

type InputKind string

const (
	InputWake    InputKind = "wake"
	InputCommand InputKind = "command"
	InputEnded   InputKind = "ended"
	InputDisarm  InputKind = "disarm"
	// InputText is raw typed text; the controller recognizes wake, end and
	// admin forms itself.
	InputText InputKind = "text"
)

// Input is one event for the controller from any producer.
type Input struct {
	Source InputSource
	Kind   InputKind
	Text   string

	reply chan askResult
}

type State string

const (
	StateListening   State = "LISTENING"
	StateCapturing   State = "CAPTURING"
	StateDispatching State = "DISPATCHING"
	StateSpeaking    State = "SPEAKING"
)

// Turn is one user command paired with its response.
type Turn struct {
	ID           string          `json:"id"`
	Source       InputSource     `json:"source"`
	UserText     string          `json:"user_text"`
	ResponseText string          `json:"response_text"`
	ResolvedBy   resolver.Source `json:"resolved_by"`
	Resolver     string          `json:"resolver"`
	Timestamp    time.Time       `json:"timestamp"`
	Latency      time.Duration   `json:"latency_ns"`
}

type OutcomeKind string

const (
	OutcomeTurn   OutcomeKind = "turn"
	OutcomeWake   OutcomeKind = "wake"
	OutcomeEnded  OutcomeKind = "ended"
	OutcomeNotice OutcomeKind = "notice"
)

// Outcome is what Ask reports back for a piece of text input.
type Outcome struct {
	Kind OutcomeKind `json:"kind"`
	Turn *Turn       `json:"turn,omitempty"`
	Text string      `json:"text,omitempty"`
}

type askResult struct {
	outcome Outcome
	err     error
}

// TurnResolver answers one command. It must not fail.
type TurnResolver interface {
	Resolve(ctx context.Context, req resolver.Request) resolver.Result
}

// PluginAdmin executes plugin management commands.
type PluginAdmin interface {
	Admin(args string) string
}

type ControllerConfig struct {
	SessionID   string
	WakePhrase  string
	EndPhrase   string
	AdminPrefix string
	Resolver    TurnResolver
	Plugins     PluginAdmin
	History     *memory.History
	Sinks       *SinkSet
	Logger      *zap.Logger
	Metrics     *observability.Metrics
	QueueSize   int
	Now         func() time.Time
}

type dispatchResult struct {
	turn   Turn
	res    resolver.Result
	epoch  uint64
	source InputSource
	reply  chan askResult
}

// Controller is the turn state machine of one session. Run owns all state;
// producers talk to it through Submit and Ask.
type Controller struct {
	cfg     ControllerConfig
	phrases Phrases
	logger  *zap.Logger
	metrics *observability.Metrics

	inputs  chan Input
	results chan dispatchResult
	done    chan struct{}
	running atomic.Bool
	state   atomic.Value

	hooksMu sync.Mutex
	hooks   []func()

	inflight sync.WaitGroup

	// Owned by the Run goroutine.
	dispatching bool
	epoch       uint64
}

func NewController(cfg ControllerConfig) (*Controller, error) {
	if cfg.Resolver == nil {
		return nil, errors.New("turn controller requires a resolver")
	}
	if cfg.History == nil {
		return nil, errors.New("turn controller requires a history")
	}
	phrases, err := NewPhrases(cfg.WakePhrase, cfg.EndPhrase)
	if err != nil {
		return nil, err
	}
	if cfg.Sinks == nil {
		cfg.Sinks = NewSinkSet(cfg.Logger)
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultInputQueue
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	cfg.AdminPrefix = strings.ToLower(strings.TrimSpace(cfg.AdminPrefix))

	c := &Controller{
		cfg:     cfg,
		phrases: phrases,
		logger:  cfg.Logger.With(zap.String("session_id", cfg.SessionID)),
		metrics: cfg.Metrics,
		inputs:  make(chan Input, cfg.QueueSize),
		results: make(chan dispatchResult, 1),
		done:    make(chan struct{}),
	}
	c.state.Store(StateListening)
	return c, nil
}

func (c *Controller) History() *memory.History { return c.cfg.History }
func (c *Controller) Sinks() *SinkSet          { return c.cfg.Sinks }
func (c *Controller) SessionID() string        { return c.cfg.SessionID }

// State reports the controller state. SPEAKING is only reported while speech
// drains and nothing else is going on.
func (c *Controller) State() State {
	s := c.state.Load().(State)
	if s == StateListening && c.cfg.Sinks.Speaking() {
		return StateSpeaking
	}
	return s
}

// Idle reports whether nothing is queued or in flight. Only CAPTURING and
// LISTENING count as idle.
func (c *Controller) Idle() bool {
	if len(c.inputs) > 0 || len(c.results) > 0 {
		return false
	}
	switch c.State() {
	case StateDispatching, StateSpeaking:
		return false
	default:
		return true
	}
}

// OnBoundary registers fn to run on the controller goroutine whenever the
// conversation is ended by a non-voice source.
func (c *Controller) OnBoundary(fn func()) {
	c.hooksMu.Lock()
	defer c.hooksMu.Unlock()
	c.hooks = append(c.hooks, fn)
}

// Submit queues an input without waiting for its outcome.
func (c *Controller) Submit(ctx context.Context, in Input) error {
	select {
	case <-c.done:
		return ErrControllerClosed
	default:
	}
	select {
	case c.inputs <- in:
		return nil
	case <-c.done:
		return ErrControllerClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Disarm returns a capturing controller to listening after a silent timeout.
func (c *Controller) Disarm(ctx context.Context) error {
	return c.Submit(ctx, Input{Source: SourceVoice, Kind: InputDisarm})
}

// Ask submits text and waits for the outcome. It fails with ErrBusy when a
// dispatch is already running and with ErrTurnDiscarded when the conversation
// ended before the answer arrived.
func (c *Controller) Ask(ctx context.Context, source InputSource, text string) (Outcome, error) {
	reply := make(chan askResult, 1)
	if err := c.Submit(ctx, Input{Source: source, Kind: InputText, Text: text, reply: reply}); err != nil {
		return Outcome{}, err
	}
	select {
	case r := <-reply:
		return r.outcome, r.err
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	case <-c.done:
		return Outcome{}, ErrControllerClosed
	}
}

// Run processes inputs until ctx is done. An in-flight dispatch is allowed to
// finish before Run returns; its result is dropped.
func (c *Controller) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return errors.New("turn controller already running")
	}
	defer c.shutdown()

	for {
		select {
		case <-ctx.Done():
			return nil
		case in := <-c.inputs:
			c.handle(ctx, in)
		case r := <-c.results:
			c.complete(ctx, r)
		}
	}
}

func (c *Controller) shutdown() {
	close(c.done)
	c.inflight.Wait()
	for {
		select {
		case r := <-c.results:
			respond(r.reply, Outcome{}, ErrControllerClosed)
		case in := <-c.inputs:
			respond(in.reply, Outcome{}, ErrControllerClosed)
		default:
			return
		}
	}
}

func (c *Controller) handle(ctx context.Context, in Input) {
	switch in.Kind {
	case InputText:
		c.handleText(ctx, in)
	case InputWake:
		c.onWake(in)
	case InputCommand:
		c.onCommand(ctx, in, strings.TrimSpace(in.Text))
	case InputEnded:
		c.onConversationEnded(in)
	case InputDisarm:
		if !c.dispatching {
			c.setState(StateListening)
		}
	default:
		c.logger.Warn("unknown controller input", zap.String("kind", string(in.Kind)))
	}
}

func (c *Controller) handleText(ctx context.Context, in Input) {
	text := strings.TrimSpace(in.Text)
	if text == "" {
		respond(in.reply, Outcome{}, ErrEmptyCommand)
		return
	}
	if args, ok := c.adminArgs(text); ok {
		c.onAdmin(in, args)
		return
	}
	if c.phrases.IsEnd(text) {
		c.onConversationEnded(in)
		return
	}
	if c.phrases.ContainsWake(text) {
		text = c.phrases.StripWake(text)
		switch {
		case text == "":
			c.onWake(in)
			return
		case c.phrases.IsEnd(text):
			c.onConversationEnded(in)
			return
		}
	}
	c.onCommand(ctx, in, text)
}

func (c *Controller) adminArgs(text string) (string, bool) {
	if c.cfg.AdminPrefix == "" {
		return "", false
	}
	lower := strings.ToLower(text)
	if lower == c.cfg.AdminPrefix {
		return "", true
	}
	if strings.HasPrefix(lower, c.cfg.AdminPrefix+" ") {
		return strings.TrimSpace(text[len(c.cfg.AdminPrefix):]), true
	}
	return "", false
}

func (c *Controller) onAdmin(in Input, args string) {
	reply := "No plugins are registered."
	if c.cfg.Plugins != nil {
		reply = c.cfg.Plugins.Admin(args)
	}
	c.logger.Info("plugin admin command", zap.String("args", args), zap.String("reply", reply))
	c.emit(Output{Type: OutputNotice, Source: in.Source, Text: reply})
	respond(in.reply, Outcome{Kind: OutcomeNotice, Text: reply}, nil)
}

func (c *Controller) onWake(in Input) {
	if c.dispatching {
		c.drop(in, InputWake)
		return
	}
	c.setState(StateCapturing)
	c.logger.Info("wake phrase detected", zap.String("source", string(in.Source)))
	c.emit(Output{Type: OutputWakeDetected, Source: in.Source})
	respond(in.reply, Outcome{Kind: OutcomeWake}, nil)
}

func (c *Controller) onConversationEnded(in Input) {
	c.cfg.History.Clear()
	c.epoch++
	if !c.dispatching {
		c.setState(StateListening)
	}
	c.logger.Info("conversation ended",
		zap.String("source", string(in.Source)),
		zap.Bool("dispatch_in_flight", c.dispatching),
	)
	c.emit(Output{Type: OutputConversationEnded, Source: in.Source})
	if in.Source != SourceVoice {
		// The segmenter already reset itself for spoken end phrases.
		c.runHooks()
	}
	respond(in.reply, Outcome{Kind: OutcomeEnded}, nil)
}

func (c *Controller) onCommand(ctx context.Context, in Input, text string) {
	if text == "" {
		respond(in.reply, Outcome{}, ErrEmptyCommand)
		return
	}
	if c.dispatching {
		c.drop(in, InputCommand)
		return
	}

	history := c.cfg.History.Snapshot()
	c.cfg.History.Append(ctx, memory.RoleUser, text)
	turn := Turn{
		ID:        uuid.NewString(),
		Source:    in.Source,
		UserText:  text,
		Timestamp: c.cfg.Now(),
	}
	req := resolver.NewRequest(c.cfg.SessionID, text, history)

	c.dispatching = true
	c.setState(StateDispatching)
	epoch := c.epoch
	c.logger.Debug("dispatching command", zap.String("turn_id", turn.ID), zap.String("source", string(in.Source)))

	// The dispatch outlives ctx; the resolver applies its own timeouts.
	dctx := context.WithoutCancel(ctx)
	c.inflight.Add(1)
	go func() {
		defer c.inflight.Done()
		res := c.resolve(dctx, req)
		c.results <- dispatchResult{turn: turn, res: res, epoch: epoch, source: in.Source, reply: in.reply}
	}()
}

func (c *Controller) resolve(ctx context.Context, req resolver.Request) (res resolver.Result) {
	defer func() {
		if p := recover(); p != nil {
			c.logger.Error("resolver panicked", zap.Any("panic", p))
			res = resolver.Result{
				Text:       "Sorry, something went wrong while answering.",
				ResolvedBy: resolver.SourceError,
				Resolver:   "controller",
				Err:        fmt.Errorf("panic: %v", p),
			}
		}
	}()
	return c.cfg.Resolver.Resolve(ctx, req)
}

func (c *Controller) complete(ctx context.Context, r dispatchResult) {
	c.dispatching = false

	if r.epoch != c.epoch {
		c.logger.Info("discarding result of a turn from an ended conversation",
			zap.String("turn_id", r.turn.ID),
			zap.String("resolved_by", string(r.res.ResolvedBy)),
		)
		c.metrics.ObserveDiscarded()
		c.setState(StateListening)
		respond(r.reply, Outcome{}, ErrTurnDiscarded)
		return
	}

	turn := r.turn
	turn.ResponseText = r.res.Text
	turn.ResolvedBy = r.res.ResolvedBy
	turn.Resolver = r.res.Resolver
	turn.Latency = r.res.Latency
	c.cfg.History.Append(ctx, memory.RoleAssistant, turn.ResponseText)

	c.metrics.ObserveTurn(string(turn.ResolvedBy), string(turn.Source))
	c.logger.Info("turn completed",
		zap.String("turn_id", turn.ID),
		zap.String("resolved_by", string(turn.ResolvedBy)),
		zap.String("resolver", turn.Resolver),
		zap.Duration("latency", turn.Latency),
	)
	c.emit(Output{Type: OutputAssistantResponse, Source: turn.Source, Text: turn.ResponseText, Turn: &turn})
	c.setState(StateListening)
	respond(r.reply, Outcome{Kind: OutcomeTurn, Turn: &turn}, nil)
}

func (c *Controller) drop(in Input, kind InputKind) {
	c.logger.Info("dispatch in progress, dropping input",
		zap.String("source", string(in.Source)),
		zap.String("kind", string(kind)),
		zap.String("text", in.Text),
	)
	c.metrics.ObserveDropped(string(kind), string(in.Source))
	c.emit(Output{Type: OutputLog, Source: in.Source, Text: fmt.Sprintf("busy, dropped %s input", kind)})
	respond(in.reply, Outcome{}, ErrBusy)
}

func (c *Controller) emit(out Output) {
	out.SessionID = c.cfg.SessionID
	if out.At.IsZero() {
		out.At = c.cfg.Now()
	}
	c.cfg.Sinks.Emit(out)
}

func (c *Controller) runHooks() {
	c.hooksMu.Lock()
	hooks := append([]func(){}, c.hooks...)
	c.hooksMu.Unlock()
	for _, fn := range hooks {
		fn()
	}
}

func (c *Controller) setState(s State) { c.state.Store(s) }

func respond(reply chan askResult, o Outcome, err error) {
	if reply == nil {
		return
	}
	select {
	case reply <- askResult{outcome: o, err: err}:
	default:
	}
}
