package voice

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestSegmenter(t *testing.T, timeout time.Duration, clock *fakeClock) *Segmenter {
	t.Helper()
	cfg := SegmenterConfig{WakePhrase: "hey computer", EndPhrase: "over", ArmTimeout: timeout}
	if clock != nil {
		cfg.Now = clock.Now
	}
	seg, err := NewSegmenter(cfg)
	require.NoError(t, err)
	return seg
}

func final(text string) STTEvent   { return STTEvent{Type: STTEventFinal, Text: text} }
func partial(text string) STTEvent { return STTEvent{Type: STTEventPartial, Text: text} }

func feedAll(seg *Segmenter, events ...STTEvent) []SegmentEvent {
	var out []SegmentEvent
	for _, evt := range events {
		out = append(out, seg.Feed(evt)...)
	}
	return out
}

func TestSegmenterTransitions(t *testing.T) {
	wake := SegmentEvent{Type: SegmentWakeDetected}
	ended := SegmentEvent{Type: SegmentConversationEnded}
	command := func(text string) SegmentEvent { return SegmentEvent{Type: SegmentCommandReady, Text: text} }

	cases := []struct {
		name   string
		events []STTEvent
		want   []SegmentEvent
		state  SegmenterState
	}{
		{
			name:   "ignores speech before the wake phrase",
			events: []STTEvent{final("what's the weather"), partial("turn on the lights")},
			want:   nil,
			state:  SegmenterIdle,
		},
		{
			name:   "wake then command in a later final",
			events: []STTEvent{final("hey computer"), final("what time is it")},
			want:   []SegmentEvent{wake, command("what time is it")},
			state:  SegmenterIdle,
		},
		{
			name:   "wake and command in one breath",
			events: []STTEvent{final("Hey, Computer! what's the weather")},
			want:   []SegmentEvent{wake, command("what's the weather")},
			state:  SegmenterIdle,
		},
		{
			name:   "partial arms early but never produces a command",
			events: []STTEvent{partial("hey computer what"), partial("hey computer what time")},
			want:   []SegmentEvent{wake},
			state:  SegmenterArmed,
		},
		{
			name:   "repeated bare wake phrase stays armed",
			events: []STTEvent{final("hey computer"), final("hey computer.")},
			want:   []SegmentEvent{wake, wake},
			state:  SegmenterArmed,
		},
		{
			name:   "end phrase ends the conversation",
			events: []STTEvent{final("hey computer"), final("Over.")},
			want:   []SegmentEvent{wake, ended},
			state:  SegmenterIdle,
		},
		{
			name:   "end phrase without wake is ignored",
			events: []STTEvent{final("over")},
			want:   nil,
			state:  SegmenterIdle,
		},
		{
			name:   "each wake arms exactly one command",
			events: []STTEvent{final("hey computer hello"), final("and another thing")},
			want:   []SegmentEvent{wake, command("hello")},
			state:  SegmenterIdle,
		},
		{
			name:   "scenario A stream",
			events: []STTEvent{final("..."), final("hey computer"), final("hey computer what's the weather")},
			want:   []SegmentEvent{wake, command("what's the weather")},
			state:  SegmenterIdle,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			seg := newTestSegmenter(t, DefaultArmTimeout, nil)
			assert.Equal(t, tc.want, feedAll(seg, tc.events...))
			assert.Equal(t, tc.state, seg.State())
		})
	}
}

func TestSegmenterIgnoresErrorsAndBlankResults(t *testing.T) {
	seg := newTestSegmenter(t, DefaultArmTimeout, nil)
	require.Len(t, seg.Feed(final("hey computer")), 1)

	assert.Empty(t, seg.Feed(STTEvent{Type: STTEventError, Detail: "device unplugged"}))
	assert.Empty(t, seg.Feed(final("   ")))
	assert.Equal(t, SegmenterArmed, seg.State())
}

func TestSegmenterArmTimeout(t *testing.T) {
	clock := newFakeClock()
	seg := newTestSegmenter(t, 5*time.Second, clock)

	seg.Feed(final("hey computer"))
	assert.Equal(t, clock.Now().Add(5*time.Second), seg.Deadline())

	clock.Advance(4 * time.Second)
	assert.False(t, seg.Expire(clock.Now()))

	// A bare repeated wake phrase re-arms.
	seg.Feed(final("hey computer"))
	clock.Advance(4 * time.Second)
	assert.False(t, seg.Expire(clock.Now()))

	clock.Advance(2 * time.Second)
	assert.True(t, seg.Expire(clock.Now()))
	assert.Equal(t, SegmenterIdle, seg.State())
	assert.True(t, seg.Deadline().IsZero())

	assert.Empty(t, seg.Feed(final("what time is it")), "stale speech must not become a command")
}

func TestSegmenterPartialsDoNotExtendArmWindow(t *testing.T) {
	clock := newFakeClock()
	seg := newTestSegmenter(t, 8*time.Second, clock)

	seg.Feed(final("hey computer"))
	armedAt := clock.Now()
	expired := false
	for i := 0; i < 10 && !expired; i++ {
		clock.Advance(5 * time.Second)
		assert.Empty(t, seg.Feed(partial("unrelated chatter")))
		expired = seg.Expire(clock.Now())
	}
	require.True(t, expired, "ongoing partials kept the segmenter armed")
	assert.Equal(t, armedAt.Add(10*time.Second), clock.Now())
	assert.Equal(t, SegmenterIdle, seg.State())
}

func TestSegmenterArmTimeoutDisabled(t *testing.T) {
	clock := newFakeClock()
	seg := newTestSegmenter(t, 0, clock)

	seg.Feed(final("hey computer"))
	clock.Advance(time.Hour)
	assert.False(t, seg.Expire(clock.Now()))
	assert.Equal(t, SegmenterArmed, seg.State())
}

// A command is emitted iff a wake occurrence is followed by text that is
// neither the wake phrase nor the end phrase.
func TestSegmenterCommandIffWakeFollowedByText(t *testing.T) {
	utterances := []string{"hey computer", "over", "hello", "hey computer hello", "hey computer over", "lights on"}
	for _, a := range utterances {
		for _, b := range utterances {
			seg := newTestSegmenter(t, 0, nil)
			events := feedAll(seg, final(a), final(b))

			var commands int
			for _, e := range events {
				if e.Type == SegmentCommandReady {
					commands++
				}
			}

			var want int
			switch {
			case a == "hey computer hello":
				want = 1
			case a == "hey computer" && (b == "hello" || b == "lights on" || b == "hey computer hello"):
				want = 1
			case a != "hey computer" && b == "hey computer hello":
				want = 1
			}
			if a == "hey computer hello" && b == "hey computer hello" {
				want = 2
			}
			assert.Equal(t, want, commands, "%q then %q", a, b)
		}
	}
}

func TestNewSegmenterRequiresWakePhrase(t *testing.T) {
	_, err := NewSegmenter(SegmenterConfig{WakePhrase: "  "})
	assert.Error(t, err)
}

func TestPhrasesStripWake(t *testing.T) {
	p, err := NewPhrases("hey computer", "over")
	require.NoError(t, err)

	assert.Equal(t, "", p.StripWake("hey computer"))
	assert.Equal(t, "", p.StripWake("Hey computer... "))
	assert.Equal(t, "what's up?", p.StripWake("hey computer, what's up?"))
	assert.Equal(t, "lights please", p.StripWake("hey computer lights hey computer please"))
	assert.True(t, p.IsEnd(" OVER! "))
	assert.False(t, p.IsEnd("over and out"))
}
