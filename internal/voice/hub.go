package voice

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ent0n29/pai/internal/memory"
	"github.com/ent0n29/pai/internal/observability"
)

const transcriptQueue = 64

type HubConfig struct {
	WakePhrase  string
	EndPhrase   string
	AdminPrefix string
	ArmTimeout  time.Duration
	Resolver    TurnResolver
	Plugins     PluginAdmin
	// NewHistory builds the history of a new session. Nil means in-memory.
	NewHistory      func(ctx context.Context, sessionID string) *memory.History
	Speaker         Speaker
	SpeechQueueSize int
	Logger          *zap.Logger
	Metrics         *observability.Metrics
}

// Runtime is everything that belongs to one session: its controller, the
// recognition listener, the sinks and the history.
type Runtime struct {
	SessionID  string
	Controller *Controller
	Sinks      *SinkSet
	History    *memory.History

	transcripts chan STTEvent
	ctx         context.Context
	cancel      context.CancelFunc
	group       *errgroup.Group
	logger      *zap.Logger
}

// PushTranscript hands a recognition event from a remote client to the
// listener. It reports false when the listener is backed up.
func (r *Runtime) PushTranscript(evt STTEvent) bool {
	select {
	case r.transcripts <- evt:
		return true
	case <-r.ctx.Done():
		return false
	default:
		return false
	}
}

// Attach starts rec and pipes its events into the listener until either the
// runtime closes or the recognizer stops. The returned channel is closed when
// forwarding ends.
func (r *Runtime) Attach(rec Recognizer) (<-chan struct{}, error) {
	events, err := rec.Start(r.ctx)
	if err != nil {
		return nil, err
	}
	stopped := make(chan struct{})
	r.group.Go(func() error {
		defer close(stopped)
		for {
			select {
			case <-r.ctx.Done():
				return nil
			case evt, ok := <-events:
				if !ok {
					r.logger.Info("recognizer stopped")
					return nil
				}
				select {
				case r.transcripts <- evt:
				case <-r.ctx.Done():
					return nil
				}
			}
		}
	})
	return stopped, nil
}

// Settled reports whether no transcript, input or dispatch is pending and no
// speech is queued.
func (r *Runtime) Settled() bool {
	return len(r.transcripts) == 0 && r.Controller.Idle()
}

// Done is closed once the runtime starts shutting down.
func (r *Runtime) Done() <-chan struct{} { return r.ctx.Done() }

func (r *Runtime) close() error {
	r.cancel()
	return r.group.Wait()
}

// Hub owns one runtime per session.
type Hub struct {
	cfg    HubConfig
	logger *zap.Logger

	mu       sync.Mutex
	runtimes map[string]*Runtime
	closed   bool
}

func NewHub(cfg HubConfig) (*Hub, error) {
	if cfg.Resolver == nil {
		return nil, errors.New("hub requires a resolver")
	}
	if _, err := NewPhrases(cfg.WakePhrase, cfg.EndPhrase); err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Hub{
		cfg:      cfg,
		logger:   cfg.Logger.Named("hub"),
		runtimes: make(map[string]*Runtime),
	}, nil
}

// Open returns the runtime of sessionID, starting it on first use.
func (h *Hub) Open(ctx context.Context, sessionID string) (*Runtime, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrControllerClosed
	}
	if rt, ok := h.runtimes[sessionID]; ok {
		return rt, nil
	}
	rt, err := h.start(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	h.runtimes[sessionID] = rt
	h.cfg.Metrics.ObserveSession("runtime_started", len(h.runtimes))
	return rt, nil
}

func (h *Hub) start(ctx context.Context, sessionID string) (*Runtime, error) {
	logger := h.cfg.Logger.With(zap.String("session_id", sessionID))

	var history *memory.History
	if h.cfg.NewHistory != nil {
		history = h.cfg.NewHistory(ctx, sessionID)
	}
	if history == nil {
		history = memory.NewHistory(nil, memory.HistoryConfig{UserID: sessionID}, logger)
	}

	sinks := NewSinkSet(logger, NewLogSink(logger.Named("transcript")))
	var speech *SpeechSink
	if h.cfg.Speaker != nil {
		speech = NewSpeechSink(h.cfg.Speaker, h.cfg.SpeechQueueSize, logger.Named("speech"), h.cfg.Metrics)
		sinks.Add(speech)
	}

	seg, err := NewSegmenter(SegmenterConfig{
		WakePhrase: h.cfg.WakePhrase,
		EndPhrase:  h.cfg.EndPhrase,
		ArmTimeout: h.cfg.ArmTimeout,
	})
	if err != nil {
		return nil, err
	}
	ctrl, err := NewController(ControllerConfig{
		SessionID:   sessionID,
		WakePhrase:  h.cfg.WakePhrase,
		EndPhrase:   h.cfg.EndPhrase,
		AdminPrefix: h.cfg.AdminPrefix,
		Resolver:    h.cfg.Resolver,
		Plugins:     h.cfg.Plugins,
		History:     history,
		Sinks:       sinks,
		Logger:      logger.Named("controller"),
		Metrics:     h.cfg.Metrics,
	})
	if err != nil {
		return nil, err
	}
	listener := NewListener(seg, ctrl, logger.Named("listener"), h.cfg.Metrics)

	// Runtimes outlive the request that opened them.
	rctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	group, gctx := errgroup.WithContext(rctx)
	rt := &Runtime{
		SessionID:   sessionID,
		Controller:  ctrl,
		Sinks:       sinks,
		History:     history,
		transcripts: make(chan STTEvent, transcriptQueue),
		ctx:         gctx,
		cancel:      cancel,
		group:       group,
		logger:      logger,
	}
	group.Go(func() error { return ctrl.Run(gctx) })
	group.Go(func() error { return listener.Run(gctx, rt.transcripts) })
	if speech != nil {
		group.Go(func() error { return speech.Run(gctx) })
	}
	logger.Info("session runtime started")
	return rt, nil
}

func (h *Hub) Get(sessionID string) (*Runtime, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	rt, ok := h.runtimes[sessionID]
	return rt, ok
}

func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.runtimes)
}

// Close stops the runtime of sessionID and waits for it to finish.
func (h *Hub) Close(sessionID string) error {
	h.mu.Lock()
	rt, ok := h.runtimes[sessionID]
	delete(h.runtimes, sessionID)
	remaining := len(h.runtimes)
	h.mu.Unlock()
	if !ok {
		return nil
	}
	h.cfg.Metrics.ObserveSession("runtime_stopped", remaining)
	err := rt.close()
	h.logger.Info("session runtime stopped", zap.String("session_id", sessionID))
	return err
}

// CloseAll stops every runtime and rejects new ones.
func (h *Hub) CloseAll() error {
	h.mu.Lock()
	h.closed = true
	runtimes := h.runtimes
	h.runtimes = make(map[string]*Runtime)
	h.mu.Unlock()

	var errs []error
	for _, rt := range runtimes {
		errs = append(errs, rt.close())
	}
	h.cfg.Metrics.ObserveSession("runtime_stopped", 0)
	return errors.Join(errs...)
}
