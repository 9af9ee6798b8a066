package voice

import (
	"fmt"
	"io"
	"sync"

	"github.com/fatih/color"
)

// TerminalSink prints a colored transcript for the interactive commands.
type TerminalSink struct {
	mu        sync.Mutex
	w         io.Writer
	assistant string

	wake   *color.Color
	reply  *color.Color
	tag    *color.Color
	notice *color.Color
}

func NewTerminalSink(w io.Writer, assistantName string) *TerminalSink {
	if assistantName == "" {
		assistantName = "PAI"
	}
	return &TerminalSink{
		w:         w,
		assistant: assistantName,
		wake:      color.New(color.FgYellow),
		reply:     color.New(color.FgCyan, color.Bold),
		tag:       color.New(color.Faint),
		notice:    color.New(color.FgMagenta),
	}
}

func (t *TerminalSink) Name() string { return "terminal" }

func (t *TerminalSink) Emit(out Output) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch out.Type {
	case OutputWakeDetected:
		t.wake.Fprintln(t.w, "* listening")
	case OutputConversationEnded:
		t.wake.Fprintln(t.w, "* conversation ended")
	case OutputNotice:
		t.notice.Fprintln(t.w, out.Text)
	case OutputLog:
		t.tag.Fprintln(t.w, out.Text)
	case OutputAssistantResponse:
		t.reply.Fprintf(t.w, "%s: ", t.assistant)
		fmt.Fprint(t.w, out.Text)
		if out.Turn != nil {
			t.tag.Fprintf(t.w, "  (%s)", out.Turn.ResolvedBy)
		}
		fmt.Fprintln(t.w)
	}
}
