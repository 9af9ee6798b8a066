package voice

import "context"

type STTEventType string

const (
	STTEventPartial STTEventType = "partial"
	STTEventFinal   STTEventType = "final"
	STTEventError   STTEventType = "error"
)

// STTEvent is one recognition result. Error events carry the cause in Detail
// and never change segmenter state.
type STTEvent struct {
	Type      STTEventType
	Text      string
	Source    string
	Detail    string
	Timestamp int64
}

// Recognizer produces a stream of recognition events until ctx is done or the
// underlying source is exhausted, then closes the channel.
type Recognizer interface {
	Start(ctx context.Context) (<-chan STTEvent, error)
}

// Speaker synthesizes one utterance and returns when it has been played.
type Speaker interface {
	Speak(ctx context.Context, text string) error
}
