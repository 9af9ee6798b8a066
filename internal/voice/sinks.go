package voice

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

type OutputType string

const (
	OutputWakeDetected      OutputType = "wake_detected"
	OutputAssistantResponse OutputType = "assistant_response"
	OutputConversationEnded OutputType = "conversation_ended"
	OutputNotice            OutputType = "notice"
	// OutputLog carries diagnostic lines such as dropped inputs.
	OutputLog               OutputType = "log"
)

// Output is one event fanned out to every sink.
type Output struct {
	Type      OutputType
	SessionID string
	Source    InputSource
	Text      string
	Turn      *Turn
	At        time.Time
}

// Sink receives outputs. Emit must return promptly; slow work belongs on the
// sink's own goroutine.
type Sink interface {
	Name() string
	Emit(out Output)
}

// SinkSet fans outputs out to a runtime-mutable set of sinks.
type SinkSet struct {
	logger *zap.Logger

	mu     sync.RWMutex
	nextID uint64
	sinks  map[uint64]Sink
	order  []uint64
}

func NewSinkSet(logger *zap.Logger, sinks ...Sink) *SinkSet {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &SinkSet{logger: logger, sinks: make(map[uint64]Sink)}
	for _, sink := range sinks {
		s.Add(sink)
	}
	return s
}

// Add registers a sink and returns a func that removes it again.
func (s *SinkSet) Add(sink Sink) (remove func()) {
	if sink == nil {
		return func() {}
	}
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.sinks[id] = sink
	s.order = append(s.order, id)
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { s.remove(id) })
	}
}

func (s *SinkSet) remove(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sinks, id)
	for i, v := range s.order {
		if v == id {
			s.order = append(s.order[:i:i], s.order[i+1:]...)
			break
		}
	}
}

func (s *SinkSet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sinks)
}

func (s *SinkSet) Emit(out Output) {
	if out.At.IsZero() {
		out.At = time.Now().UTC()
	}
	for _, sink := range s.snapshot() {
		s.emitOne(sink, out)
	}
}

func (s *SinkSet) emitOne(sink Sink, out Output) {
	defer func() {
		if p := recover(); p != nil {
			s.logger.Warn("sink panicked", zap.String("sink", sink.Name()), zap.Any("panic", p))
		}
	}()
	sink.Emit(out)
}

// Speaking reports whether any sink still has speech queued or playing.
func (s *SinkSet) Speaking() bool {
	for _, sink := range s.snapshot() {
		if p, ok := sink.(interface{ Pending() int }); ok && p.Pending() > 0 {
			return true
		}
	}
	return false
}

func (s *SinkSet) snapshot() []Sink {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Sink, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.sinks[id])
	}
	return out
}

// ChannelSink forwards outputs to a channel, dropping when the reader lags.
type ChannelSink struct {
	name    string
	ch      chan<- Output
	dropped atomic.Int64
}

func NewChannelSink(name string, ch chan<- Output) *ChannelSink {
	return &ChannelSink{name: name, ch: ch}
}

func (c *ChannelSink) Name() string { return c.name }

func (c *ChannelSink) Emit(out Output) {
	select {
	case c.ch <- out:
	default:
		c.dropped.Add(1)
	}
}

func (c *ChannelSink) Dropped() int64 { return c.dropped.Load() }

// LogSink writes every output as a structured log line.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

func (l *LogSink) Name() string { return "log" }

func (l *LogSink) Emit(out Output) {
	fields := []zap.Field{
		zap.String("type", string(out.Type)),
		zap.String("session_id", out.SessionID),
	}
	if out.Source != "" {
		fields = append(fields, zap.String("source", string(out.Source)))
	}
	if t := out.Turn; t != nil {
		fields = append(fields,
			zap.String("turn_id", t.ID),
			zap.String("user_text", t.UserText),
			zap.String("response", t.ResponseText),
			zap.String("resolved_by", string(t.ResolvedBy)),
			zap.String("resolver", t.Resolver),
			zap.Duration("latency", t.Latency),
		)
	} else if out.Text != "" {
		fields = append(fields, zap.String("text", out.Text))
	}
	l.logger.Info("assistant output", fields...)
}
