package voice

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/pai/internal/observability"
)

const expiryTick = 200 * time.Millisecond

// Listener is the recognition read loop: it feeds the segmenter and forwards
// segment events to the controller without ever waiting on a dispatch.
type Listener struct {
	seg     *Segmenter
	ctrl    *Controller
	logger  *zap.Logger
	metrics *observability.Metrics
	resets  chan struct{}
}

func NewListener(seg *Segmenter, ctrl *Controller, logger *zap.Logger, metrics *observability.Metrics) *Listener {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Listener{
		seg:     seg,
		ctrl:    ctrl,
		logger:  logger,
		metrics: metrics,
		resets:  make(chan struct{}, 1),
	}
	ctrl.OnBoundary(l.requestReset)
	return l
}

// Run consumes events until ctx is done or the channel closes.
func (l *Listener) Run(ctx context.Context, events <-chan STTEvent) error {
	ticker := time.NewTicker(expiryTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-events:
			if !ok {
				return nil
			}
			l.handle(ctx, evt)
		case <-l.resets:
			l.seg.Reset()
		case <-ticker.C:
			l.expire(ctx)
		}
	}
}

func (l *Listener) handle(ctx context.Context, evt STTEvent) {
	if evt.Type == STTEventError {
		l.logger.Warn("recognition error, skipping",
			zap.String("source", evt.Source),
			zap.String("detail", evt.Detail),
		)
		return
	}
	for _, se := range l.seg.Feed(evt) {
		l.metrics.ObserveSegmentEvent(string(se.Type))
		in := Input{Source: SourceVoice, Text: se.Text}
		switch se.Type {
		case SegmentWakeDetected:
			in.Kind = InputWake
		case SegmentCommandReady:
			in.Kind = InputCommand
		case SegmentConversationEnded:
			in.Kind = InputEnded
		}
		l.submit(ctx, in)
	}
}

func (l *Listener) expire(ctx context.Context) {
	if !l.seg.Expire(l.seg.now()) {
		return
	}
	l.logger.Debug("arm window elapsed without a command")
	l.metrics.ObserveSegmentEvent("arm_expired")
	l.submit(ctx, Input{Source: SourceVoice, Kind: InputDisarm})
}

func (l *Listener) submit(ctx context.Context, in Input) {
	if err := l.ctrl.Submit(ctx, in); err != nil && !errors.Is(err, context.Canceled) {
		l.logger.Debug("controller rejected voice input", zap.String("kind", string(in.Kind)), zap.Error(err))
	}
}

// requestReset runs on the controller goroutine, so it only signals.
func (l *Listener) requestReset() {
	select {
	case l.resets <- struct{}{}:
	default:
	}
}
