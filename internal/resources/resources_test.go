package resources

import "testing"

func TestMonitorEnterTracksInFlight(t *testing.T) {
	m := New()
	if m.InFlight() != 0 {
		t.Fatalf("got %d, want 0", m.InFlight())
	}

	done1 := m.Enter()
	done2 := m.Enter()
	if got := m.InFlight(); got != 2 {
		t.Fatalf("got %d in flight, want 2", got)
	}

	done1()
	if got := m.InFlight(); got != 1 {
		t.Fatalf("got %d in flight after one done, want 1", got)
	}

	// Calling done again must not double-decrement.
	done1()
	if got := m.InFlight(); got != 1 {
		t.Fatalf("got %d in flight after duplicate done, want 1", got)
	}

	done2()
	if got := m.InFlight(); got != 0 {
		t.Fatalf("got %d in flight, want 0", got)
	}
}

func TestMonitorSample(t *testing.T) {
	m := New()
	defer m.Enter()()
	snap := m.Sample()
	if snap.InFlight != 1 {
		t.Fatalf("got InFlight %d, want 1", snap.InFlight)
	}
	if snap.Goroutines <= 0 {
		t.Fatal("expected at least one goroutine reported")
	}
}
