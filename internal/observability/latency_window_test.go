package observability

import (
	"testing"
	"time"
)

func TestLatencyWindowSnapshot(t *testing.T) {
	w := NewLatencyWindow(8)
	w.Observe("task_invoke", 500*time.Millisecond)
	w.Observe("task_invoke", 700*time.Millisecond)
	w.Observe("task_invoke", 900*time.Millisecond)
	w.ObserveIndicator("run_finished")
	w.ObserveIndicator("run_finished")

	snap := w.Snapshot()
	if snap.WindowSize != 8 {
		t.Fatalf("WindowSize = %d, want 8", snap.WindowSize)
	}
	if len(snap.Stages) != 1 {
		t.Fatalf("len(Stages) = %d, want 1", len(snap.Stages))
	}
	s := snap.Stages[0]
	if s.Stage != "task_invoke" {
		t.Fatalf("Stage = %q, want %q", s.Stage, "task_invoke")
	}
	if s.Samples != 3 {
		t.Fatalf("Samples = %d, want 3", s.Samples)
	}
	if s.LastMS != 900 {
		t.Fatalf("LastMS = %.2f, want 900", s.LastMS)
	}
	if s.P50MS != 700 {
		t.Fatalf("P50MS = %.2f, want 700", s.P50MS)
	}
	if s.P95MS <= 700 || s.P95MS > 900 {
		t.Fatalf("P95MS = %.2f, want (700,900]", s.P95MS)
	}
	if len(snap.Indicators) != 1 {
		t.Fatalf("len(Indicators) = %d, want 1", len(snap.Indicators))
	}
	if snap.Indicators[0].Name != "run_finished" {
		t.Fatalf("Indicators[0].Name = %q, want %q", snap.Indicators[0].Name, "run_finished")
	}
	if snap.Indicators[0].Count != 2 {
		t.Fatalf("Indicators[0].Count = %d, want %d", snap.Indicators[0].Count, 2)
	}
}

func TestLatencyWindowWrapsRing(t *testing.T) {
	w := NewLatencyWindow(4)
	for i := 1; i <= 10; i++ {
		w.Observe("run_total", time.Duration(i)*time.Millisecond)
	}
	snap := w.Snapshot()
	if len(snap.Stages) != 1 {
		t.Fatalf("len(Stages) = %d, want 1", len(snap.Stages))
	}
	s := snap.Stages[0]
	if s.Samples != 4 {
		t.Fatalf("Samples = %d, want window size 4", s.Samples)
	}
	if s.LastMS != 10 {
		t.Fatalf("LastMS = %.2f, want 10", s.LastMS)
	}
	// Only the last four samples (7..10) survive.
	if s.AvgMS != 8.5 {
		t.Fatalf("AvgMS = %.2f, want 8.5", s.AvgMS)
	}
}

func TestLatencyWindowReset(t *testing.T) {
	w := NewLatencyWindow(4)
	w.Observe("run_total", time.Millisecond)
	w.ObserveIndicator("run_halted")
	w.Reset()

	snap := w.Snapshot()
	if len(snap.Stages) != 0 || len(snap.Indicators) != 0 {
		t.Fatalf("snapshot after reset = %+v, want empty", snap)
	}
}

func TestLatencyWindowIgnoresBadInput(t *testing.T) {
	w := NewLatencyWindow(4)
	w.Observe("", time.Second)
	w.Observe("run_total", -time.Second)
	w.ObserveIndicator("   ")

	snap := w.Snapshot()
	if len(snap.Stages) != 0 || len(snap.Indicators) != 0 {
		t.Fatalf("snapshot = %+v, want empty", snap)
	}
}
