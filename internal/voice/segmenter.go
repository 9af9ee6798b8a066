package voice

import (
	"errors"
	"regexp"
	"strings"
	"time"
	"unicode"
)

// DefaultArmTimeout is how long an armed segmenter waits for a command.
const DefaultArmTimeout = 8 * time.Second

type SegmenterState int

const (
	SegmenterIdle SegmenterState = iota
	SegmenterArmed
	SegmenterCapturing
)

func (s SegmenterState) String() string {
	switch s {
	case SegmenterArmed:
		return "armed"
	case SegmenterCapturing:
		return "capturing"
	default:
		return "idle"
	}
}

type SegmentEventType string

const (
	SegmentWakeDetected      SegmentEventType = "wake_detected"
	SegmentCommandReady      SegmentEventType = "command_ready"
	SegmentConversationEnded SegmentEventType = "conversation_ended"
)

type SegmentEvent struct {
	Type SegmentEventType
	// Text is the command for SegmentCommandReady and empty otherwise.
	Text string
}

type SegmenterConfig struct {
	WakePhrase string
	EndPhrase  string
	// ArmTimeout of zero disables the silence timeout.
	ArmTimeout time.Duration
	Now        func() time.Time
}

// Segmenter turns a continuous recognition stream into discrete commands.
// It is not safe for concurrent use; the Listener owns it.
type Segmenter struct {
	phrases Phrases
	timeout time.Duration
	now     func() time.Time

	state    SegmenterState
	buffer   string
	deadline time.Time
}

func NewSegmenter(cfg SegmenterConfig) (*Segmenter, error) {
	phrases, err := NewPhrases(cfg.WakePhrase, cfg.EndPhrase)
	if err != nil {
		return nil, err
	}
	if cfg.ArmTimeout < 0 {
		cfg.ArmTimeout = 0
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Segmenter{phrases: phrases, timeout: cfg.ArmTimeout, now: cfg.Now}, nil
}

func (s *Segmenter) State() SegmenterState { return s.state }

// Deadline is when an armed segmenter gives up; zero when not armed or disabled.
func (s *Segmenter) Deadline() time.Time { return s.deadline }

// Feed consumes one recognition event and returns the resulting segment events.
func (s *Segmenter) Feed(evt STTEvent) []SegmentEvent {
	if evt.Type != STTEventPartial && evt.Type != STTEventFinal {
		return nil
	}
	text := strings.TrimSpace(evt.Text)
	if text == "" {
		return nil
	}

	switch s.state {
	case SegmenterIdle:
		if !s.phrases.ContainsWake(text) {
			return nil
		}
		s.arm()
		events := []SegmentEvent{{Type: SegmentWakeDetected}}
		if evt.Type == STTEventFinal {
			events = append(events, s.armedFinal(text, false)...)
		}
		return events
	case SegmenterArmed:
		if evt.Type == STTEventPartial {
			// Only a final result moves the arm deadline.
			return nil
		}
		return s.armedFinal(text, true)
	default:
		return nil
	}
}

func (s *Segmenter) armedFinal(text string, reemitWake bool) []SegmentEvent {
	remainder := s.phrases.StripWake(text)
	if remainder == "" {
		s.refresh()
		if reemitWake {
			return []SegmentEvent{{Type: SegmentWakeDetected}}
		}
		return nil
	}
	if s.phrases.IsEnd(remainder) {
		s.Reset()
		return []SegmentEvent{{Type: SegmentConversationEnded}}
	}

	s.state = SegmenterCapturing
	s.buffer = remainder
	cmd := s.buffer
	s.Reset()
	return []SegmentEvent{{Type: SegmentCommandReady, Text: cmd}}
}

// Expire returns the segmenter to idle when the arm window elapsed. It reports
// whether that happened.
func (s *Segmenter) Expire(now time.Time) bool {
	if s.state != SegmenterArmed || s.deadline.IsZero() || now.Before(s.deadline) {
		return false
	}
	s.Reset()
	return true
}

func (s *Segmenter) Reset() {
	s.state = SegmenterIdle
	s.buffer = ""
	s.deadline = time.Time{}
}

func (s *Segmenter) arm() {
	s.state = SegmenterArmed
	s.buffer = ""
	s.refresh()
}

func (s *Segmenter) refresh() {
	if s.timeout > 0 {
		s.deadline = s.now().Add(s.timeout)
	}
}

// Phrases matches the configured wake and end phrases in free text.
type Phrases struct {
	wake *regexp.Regexp
	end  string
}

func NewPhrases(wakePhrase, endPhrase string) (Phrases, error) {
	words := strings.Fields(wakePhrase)
	if len(words) == 0 {
		return Phrases{}, errors.New("wake phrase is required")
	}
	quoted := make([]string, len(words))
	for i, w := range words {
		quoted[i] = regexp.QuoteMeta(w)
	}
	re, err := regexp.Compile(`(?i)` + strings.Join(quoted, `[\s,.!?-]+`))
	if err != nil {
		return Phrases{}, err
	}
	return Phrases{wake: re, end: foldPhrase(endPhrase)}, nil
}

func (p Phrases) ContainsWake(text string) bool {
	return p.wake.MatchString(text)
}

// StripWake removes every wake phrase occurrence and the punctuation left
// around it. The result is empty when nothing but the wake phrase was said.
func (p Phrases) StripWake(text string) string {
	out := p.wake.ReplaceAllString(text, " ")
	out = strings.Join(strings.Fields(out), " ")
	out = strings.TrimLeftFunc(out, isFiller)
	if strings.TrimFunc(out, isFiller) == "" {
		return ""
	}
	return out
}

// IsEnd reports whether text is exactly the end phrase, ignoring case and
// trailing punctuation.
func (p Phrases) IsEnd(text string) bool {
	return p.end != "" && foldPhrase(text) == p.end
}

func foldPhrase(s string) string {
	s = strings.TrimFunc(s, isFiller)
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

func isFiller(r rune) bool {
	return unicode.IsSpace(r) || unicode.IsPunct(r)
}
