package voice

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"sync/atomic"
	"unicode"

	"go.uber.org/zap"

	"github.com/ent0n29/pai/internal/observability"
)

var (
	speechURLPattern          = regexp.MustCompile(`https?://\S+`)
	speechFencedCodePattern   = regexp.MustCompile("(?s)```.*?```")
	speechInlineCodePattern   = regexp.MustCompile("`[^`]*`")
	speechMarkdownLinkPattern = regexp.MustCompile(`\[(.*?)\]\((.*?)\)`)
	speechPromptTagPattern    = regexp.MustCompile(`\[/?INST\]|</?s>`)
)

// sanitizeSpeechText removes markup and symbol noise so TTS sounds conversational.
func sanitizeSpeechText(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}

	raw = speechPromptTagPattern.ReplaceAllString(raw, " ")
	raw = speechFencedCodePattern.ReplaceAllString(raw, " ")
	raw = speechInlineCodePattern.ReplaceAllString(raw, " ")
	raw = speechMarkdownLinkPattern.ReplaceAllString(raw, "$1")
	raw = speechURLPattern.ReplaceAllString(raw, " ")
	raw = strings.NewReplacer(
		"*", " ", "_", " ", "\\", " ", "/", " ", "|", " ",
		"#", " ", "~", " ", "<", " ", ">", " ",
	).Replace(raw)

	var b strings.Builder
	b.Grow(len(raw))
	prevSpace := true
	for _, r := range raw {
		switch {
		case r == '\u200d' || r == '\ufe0f' || r == '\u20e3':
			continue
		case unicode.IsSpace(r):
			if !prevSpace {
				b.WriteByte(' ')
				prevSpace = true
			}
		case unicode.IsControl(r):
			continue
		case r == '°' || r == '%':
			// Weather and diagnostics replies read these aloud.
			b.WriteRune(r)
			prevSpace = false
		case unicode.In(r, unicode.So, unicode.Sm, unicode.Sk):
			continue
		case isSpeechSafePunctuation(r):
			b.WriteRune(r)
			prevSpace = false
		case unicode.IsPunct(r):
			if !prevSpace {
				b.WriteByte(' ')
				prevSpace = true
			}
		default:
			b.WriteRune(r)
			prevSpace = false
		}
	}
	return strings.TrimSpace(b.String())
}

func isSpeechSafePunctuation(r rune) bool {
	switch r {
	case '.', ',', '!', '?', ':', ';', '\'', '"', '-', '(', ')':
		return true
	default:
		return false
	}
}

// SpeechSink speaks assistant responses on its own goroutine through a
// bounded queue so the controller never waits for playback.
type SpeechSink struct {
	speaker Speaker
	queue   chan string
	logger  *zap.Logger
	metrics *observability.Metrics
	playing atomic.Bool
}

func NewSpeechSink(speaker Speaker, queueSize int, logger *zap.Logger, metrics *observability.Metrics) *SpeechSink {
	if queueSize <= 0 {
		queueSize = 8
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SpeechSink{
		speaker: speaker,
		queue:   make(chan string, queueSize),
		logger:  logger,
		metrics: metrics,
	}
}

func (s *SpeechSink) Name() string { return "speech" }

func (s *SpeechSink) Emit(out Output) {
	if out.Type != OutputAssistantResponse {
		return
	}
	text := sanitizeSpeechText(out.Text)
	if text == "" {
		return
	}
	select {
	case s.queue <- text:
	default:
		s.metrics.ObserveSpeechDropped()
		s.logger.Warn("speech queue full, dropping utterance", zap.Int("chars", len(text)))
	}
}

// Pending counts queued utterances plus the one being played.
func (s *SpeechSink) Pending() int {
	n := len(s.queue)
	if s.playing.Load() {
		n++
	}
	return n
}

// Run plays queued utterances until ctx is done. Cancelling ctx interrupts
// the current utterance.
func (s *SpeechSink) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case text := <-s.queue:
			s.playing.Store(true)
			err := s.speaker.Speak(ctx, text)
			s.playing.Store(false)
			if err != nil && ctx.Err() == nil {
				s.logger.Warn("speech failed", zap.Error(err))
			}
		}
	}
}

// CommandSpeaker runs an external TTS program with the text as its last argument.
type CommandSpeaker struct {
	bin  string
	args []string
}

// NewEspeakSpeaker speaks through espeak (or espeak-ng) with an optional voice.
func NewEspeakSpeaker(bin, voiceName string) *CommandSpeaker {
	if bin == "" {
		bin = "espeak"
	}
	var args []string
	if v := strings.TrimSpace(voiceName); v != "" {
		args = append(args, "-v", v)
	}
	return &CommandSpeaker{bin: bin, args: args}
}

// NewCommandSpeaker parses a command line such as "say -v Samantha".
func NewCommandSpeaker(command string) (*CommandSpeaker, error) {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return nil, errors.New("tts command is empty")
	}
	return &CommandSpeaker{bin: fields[0], args: fields[1:]}, nil
}

func (c *CommandSpeaker) Speak(ctx context.Context, text string) error {
	args := append(append([]string(nil), c.args...), text)
	out, err := exec.CommandContext(ctx, c.bin, args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s: %w: %s", c.bin, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// NewSpeaker picks a speaker for provider "auto", "espeak", "command" or "mock".
// It also returns the provider actually chosen.
func NewSpeaker(provider, command, voiceName string) (Speaker, string, error) {
	switch strings.ToLower(strings.TrimSpace(provider)) {
	case "", "auto":
		if strings.TrimSpace(command) != "" {
			sp, err := NewCommandSpeaker(command)
			return sp, "command", err
		}
		for _, bin := range []string{"espeak-ng", "espeak"} {
			if path, err := exec.LookPath(bin); err == nil {
				return NewEspeakSpeaker(path, voiceName), "espeak", nil
			}
		}
		return NewMockSpeaker(), "mock", nil
	case "espeak":
		return NewEspeakSpeaker("", voiceName), "espeak", nil
	case "command":
		sp, err := NewCommandSpeaker(command)
		return sp, "command", err
	case "mock":
		return NewMockSpeaker(), "mock", nil
	default:
		return nil, "", fmt.Errorf("unsupported tts provider %q", provider)
	}
}
