package observability

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestLatencyWindowSnapshot(t *testing.T) {
	w := newLatencyWindow(4)
	for _, v := range []float64{500, 700, 900} {
		w.Observe("resolve_model", v)
	}
	w.ObserveIndicator("dropped_command")
	w.ObserveIndicator("dropped_command")

	snap := w.Snapshot()
	if len(snap.Stages) != 1 {
		t.Fatalf("len(Stages) = %d, want 1", len(snap.Stages))
	}
	s := snap.Stages[0]
	if s.Samples != 3 || s.LastMS != 900 || s.P50MS != 700 || s.MaxMS != 900 {
		t.Fatalf("unexpected stats: %+v", s)
	}
	if snap.Indicators["dropped_command"] != 2 {
		t.Fatalf("dropped_command = %d, want 2", snap.Indicators["dropped_command"])
	}
}

func TestLatencyWindowWrapsAround(t *testing.T) {
	w := newLatencyWindow(2)
	w.Observe("resolve_scripted", 1)
	w.Observe("resolve_scripted", 2)
	w.Observe("resolve_scripted", 30)

	s := w.Snapshot().Stages[0]
	if s.Samples != 2 {
		t.Fatalf("Samples = %d, want 2", s.Samples)
	}
	if s.AvgMS != 16 {
		t.Fatalf("AvgMS = %.2f, want 16", s.AvgMS)
	}
}

func TestMetricsHandlerExposesTurns(t *testing.T) {
	m := NewMetrics("pai_test")
	m.ObserveTurn("scripted", "voice")
	m.ObserveResolution("scripted", 3*time.Millisecond)
	m.ObserveDropped("command", "text")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	for _, want := range []string{
		`pai_test_turns_total{resolved_by="scripted",source="voice"} 1`,
		`pai_test_dispatch_dropped_total{kind="command",source="text"} 1`,
		`pai_test_resolution_latency_ms_count{resolved_by="scripted"} 1`,
	} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("metrics output missing %q", want)
		}
	}
}

func TestNilMetricsAreNoops(t *testing.T) {
	var m *Metrics
	m.ObserveTurn("model", "text")
	m.ObserveResolution("model", time.Second)
	m.ObserveDropped("wake", "voice")
	m.ObserveSession("created", 1)
	if got := m.SnapshotLatency(); len(got.Stages) != 0 {
		t.Fatalf("nil SnapshotLatency() stages = %d, want 0", len(got.Stages))
	}
}
