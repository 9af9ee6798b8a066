package logging

import "testing"

func TestNewAcceptsKnownFormats(t *testing.T) {
	for _, format := range []string{"console", "json", ""} {
		logger, err := New("debug", format)
		if err != nil {
			t.Fatalf("New(debug, %q) error = %v", format, err)
		}
		if !logger.Core().Enabled(-1) {
			t.Fatalf("New(debug, %q) should enable debug level", format)
		}
		_ = logger.Sync()
	}
}

func TestNewRejectsUnknownInput(t *testing.T) {
	if _, err := New("loud", "console"); err == nil {
		t.Fatalf("New(loud) error = nil, want error")
	}
	if _, err := New("info", "xml"); err == nil {
		t.Fatalf("New(info, xml) error = nil, want error")
	}
}
