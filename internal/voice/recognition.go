package voice

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"
)

var ErrRecognitionParse = errors.New("malformed recognition payload")

type recognitionPayload struct {
	Partial *string `json:"partial"`
	Text    *string `json:"text"`
	Final   *string `json:"final"`
}

// ParseRecognition decodes one recognizer line. JSON lines follow the Vosk
// shape ({"partial": ...} or {"text": ...}); anything else is a final result.
// ok is false when the line carries no text, which is routine silence.
func ParseRecognition(line string) (evt STTEvent, ok bool, err error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return STTEvent{}, false, nil
	}
	if !strings.HasPrefix(line, "{") {
		return STTEvent{Type: STTEventFinal, Text: line}, true, nil
	}

	var p recognitionPayload
	if err := json.Unmarshal([]byte(line), &p); err != nil {
		return STTEvent{}, false, fmt.Errorf("%w: %v", ErrRecognitionParse, err)
	}
	switch {
	case p.Partial != nil:
		evt = STTEvent{Type: STTEventPartial, Text: strings.TrimSpace(*p.Partial)}
	case p.Text != nil:
		evt = STTEvent{Type: STTEventFinal, Text: strings.TrimSpace(*p.Text)}
	case p.Final != nil:
		evt = STTEvent{Type: STTEventFinal, Text: strings.TrimSpace(*p.Final)}
	default:
		return STTEvent{}, false, fmt.Errorf("%w: no partial or text field", ErrRecognitionParse)
	}
	if evt.Text == "" {
		return STTEvent{}, false, nil
	}
	return evt, true, nil
}

// LineRecognizer reads recognition results line by line from r, for example
// stdin or a pipe from an external recognizer.
type LineRecognizer struct {
	r      io.Reader
	source string
	logger *zap.Logger
}

func NewLineRecognizer(r io.Reader, source string, logger *zap.Logger) *LineRecognizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if source == "" {
		source = "lines"
	}
	return &LineRecognizer{r: r, source: source, logger: logger}
}

func (l *LineRecognizer) Start(ctx context.Context) (<-chan STTEvent, error) {
	out := make(chan STTEvent, 64)
	go func() {
		defer close(out)
		if err := scanRecognition(ctx, l.r, l.source, out, l.logger); err != nil {
			emitEvent(ctx, out, STTEvent{Type: STTEventError, Source: l.source, Detail: err.Error(), Timestamp: time.Now().UnixMilli()})
		}
	}()
	return out, nil
}

// CommandRecognizer runs an external speech-to-text command and consumes its
// stdout as recognition lines.
type CommandRecognizer struct {
	command string
	logger  *zap.Logger
}

func NewCommandRecognizer(command string, logger *zap.Logger) *CommandRecognizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CommandRecognizer{command: strings.TrimSpace(command), logger: logger}
}

func (c *CommandRecognizer) Start(ctx context.Context) (<-chan STTEvent, error) {
	fields := strings.Fields(c.command)
	if len(fields) == 0 {
		return nil, errors.New("stt command is empty")
	}
	cmd := exec.CommandContext(ctx, fields[0], fields[1:]...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stt stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start stt command %q: %w", fields[0], err)
	}
	c.logger.Info("stt command started", zap.String("command", fields[0]), zap.Int("pid", cmd.Process.Pid))

	out := make(chan STTEvent, 64)
	go func() {
		defer close(out)
		scanErr := scanRecognition(ctx, stdout, fields[0], out, c.logger)
		waitErr := cmd.Wait()
		if ctx.Err() != nil {
			return
		}
		if err := errors.Join(scanErr, waitErr); err != nil {
			emitEvent(ctx, out, STTEvent{Type: STTEventError, Source: fields[0], Detail: err.Error(), Timestamp: time.Now().UnixMilli()})
		}
	}()
	return out, nil
}

func scanRecognition(ctx context.Context, r io.Reader, source string, out chan<- STTEvent, logger *zap.Logger) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		evt, ok, err := ParseRecognition(scanner.Text())
		if err != nil {
			logger.Debug("ignoring recognition line", zap.String("source", source), zap.Error(err))
			continue
		}
		if !ok {
			continue
		}
		evt.Source = source
		evt.Timestamp = time.Now().UnixMilli()
		if !emitEvent(ctx, out, evt) {
			return nil
		}
	}
	return scanner.Err()
}

func emitEvent(ctx context.Context, out chan<- STTEvent, evt STTEvent) bool {
	select {
	case out <- evt:
		return true
	case <-ctx.Done():
		return false
	}
}
