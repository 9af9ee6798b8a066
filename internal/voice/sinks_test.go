package voice

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ent0n29/pai/internal/resolver"
)

type recordingSink struct {
	name string
	mu   sync.Mutex
	got  []Output
}

func (r *recordingSink) Name() string { return r.name }

func (r *recordingSink) Emit(out Output) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, out)
}

func (r *recordingSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.got)
}

type panickySink struct{}

func (panickySink) Name() string { return "panicky" }
func (panickySink) Emit(Output)  { panic("sink exploded") }

func TestSinkSetFanOutAndRemove(t *testing.T) {
	a := &recordingSink{name: "a"}
	b := &recordingSink{name: "b"}
	set := NewSinkSet(nil, a, panickySink{})
	removeB := set.Add(b)

	set.Emit(Output{Type: OutputNotice, Text: "one"})
	assert.Equal(t, 1, a.count())
	assert.Equal(t, 1, b.count())
	assert.False(t, a.got[0].At.IsZero())

	removeB()
	removeB()
	set.Emit(Output{Type: OutputNotice, Text: "two"})
	assert.Equal(t, 2, a.count())
	assert.Equal(t, 1, b.count())
	assert.Equal(t, 2, set.Len())
}

func TestChannelSinkDropsWhenFull(t *testing.T) {
	ch := make(chan Output, 1)
	sink := NewChannelSink("ws", ch)
	sink.Emit(Output{Text: "first"})
	sink.Emit(Output{Text: "second"})

	assert.Equal(t, "first", (<-ch).Text)
	assert.EqualValues(t, 1, sink.Dropped())
}

type blockingSpeaker struct {
	release chan struct{}
	spoken  chan string
}

func (b *blockingSpeaker) Speak(ctx context.Context, text string) error {
	b.spoken <- text
	select {
	case <-b.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestSpeechSinkQueuesWithoutBlocking(t *testing.T) {
	defer goleak.VerifyNone(t)

	speaker := &blockingSpeaker{release: make(chan struct{}), spoken: make(chan string, 4)}
	sink := NewSpeechSink(speaker, 1, nil, nil)
	set := NewSinkSet(nil, sink)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sink.Run(ctx) }()

	set.Emit(Output{Type: OutputWakeDetected})
	set.Emit(Output{Type: OutputAssistantResponse, Text: "**First** answer"})
	assert.Equal(t, "First answer", <-speaker.spoken)
	assert.True(t, set.Speaking())

	start := time.Now()
	set.Emit(Output{Type: OutputAssistantResponse, Text: "queued"})
	set.Emit(Output{Type: OutputAssistantResponse, Text: "dropped"})
	assert.Less(t, time.Since(start), 100*time.Millisecond)
	assert.Equal(t, 2, sink.Pending())

	// Shutdown interrupts the utterance in progress.
	cancel()
	require.NoError(t, <-done)
}

func TestSpeechSinkPlaysInOrder(t *testing.T) {
	speaker := NewMockSpeaker()
	sink := NewSpeechSink(speaker, 4, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sink.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	sink.Emit(Output{Type: OutputAssistantResponse, Text: "one"})
	sink.Emit(Output{Type: OutputAssistantResponse, Text: "two </s>"})
	sink.Emit(Output{Type: OutputNotice, Text: "not spoken"})

	assert.Eventually(t, func() bool { return len(speaker.Spoken()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"one", "two"}, speaker.Spoken())
}

func TestTerminalSink(t *testing.T) {
	prev := color.NoColor
	color.NoColor = true
	defer func() { color.NoColor = prev }()

	var buf bytes.Buffer
	sink := NewTerminalSink(&buf, "PAI")
	sink.Emit(Output{Type: OutputWakeDetected})
	sink.Emit(Output{Type: OutputAssistantResponse, Text: "Hi there!", Turn: &Turn{ResolvedBy: resolver.SourceScripted}})
	sink.Emit(Output{Type: OutputConversationEnded})

	assert.Equal(t, "* listening\nPAI: Hi there!  (scripted)\n* conversation ended\n", buf.String())
}

func TestSanitizeSpeechText(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{name: "drops emoji and markdown markers", in: "Sure 😊 **let's** do this / now.", want: "Sure let's do this now."},
		{name: "keeps markdown link label and removes url", in: "Read [the docs](https://example.com/docs) first.", want: "Read the docs first."},
		{name: "removes code blocks and inline code", in: "```bash\nnpm run dev\n```\nThen run `make test` ✅", want: "Then run"},
		{name: "removes prompt markers", in: "Sure thing</s>[INST] next", want: "Sure thing next"},
		{name: "keeps units", in: "Weather in Paris: clear sky, 21°C", want: "Weather in Paris: clear sky, 21°C"},
		{name: "keeps percentages", in: "[Diagnostics] CPU: 12.3% | RAM: 40.0%", want: "Diagnostics CPU: 12.3% RAM: 40.0%"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, sanitizeSpeechText(tc.in))
		})
	}
}

func TestNewSpeaker(t *testing.T) {
	sp, provider, err := NewSpeaker("mock", "", "")
	require.NoError(t, err)
	assert.Equal(t, "mock", provider)
	assert.IsType(t, &MockSpeaker{}, sp)

	sp, provider, err = NewSpeaker("auto", "say -v Alex", "")
	require.NoError(t, err)
	assert.Equal(t, "command", provider)
	assert.Equal(t, &CommandSpeaker{bin: "say", args: []string{"-v", "Alex"}}, sp)

	_, _, err = NewSpeaker("command", "", "")
	assert.Error(t, err)

	_, _, err = NewSpeaker("polly", "", "")
	assert.Error(t, err)
}

func TestCommandSpeakerReportsFailure(t *testing.T) {
	sp := &CommandSpeaker{bin: "pai-no-such-tts-binary"}
	err := sp.Speak(context.Background(), "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pai-no-such-tts-binary")
}
