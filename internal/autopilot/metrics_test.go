package autopilot

import (
	"sync"
	"testing"
	"time"
)

func TestMetrics_Snapshot(t *testing.T) {
	m := NewMetrics()
	m.RecordCycle()
	m.RecordDispatch()
	m.RecordMerge()
	m.RecordMerge()
	m.RecordError("dispatcher")
	m.SetQueueDepth(4)
	m.SetActiveSessions(1)
	m.RecordSessionEnd(SessionCompleted, false, 10*time.Minute)
	m.RecordSessionEnd(SessionFailed, false, 20*time.Minute)
	m.RecordSessionEnd(SessionRunning, true, 30*time.Minute)

	snap := m.Snapshot()
	if snap.Cycles != 1 || snap.Dispatches != 1 || snap.Merges != 2 {
		t.Errorf("counters = %+v", snap)
	}
	if snap.SessionsCompleted != 1 || snap.SessionsFailed != 1 || snap.SessionsStuck != 1 {
		t.Errorf("sessions = %d/%d/%d, want 1/1/1", snap.SessionsCompleted, snap.SessionsFailed, snap.SessionsStuck)
	}
	if snap.AvgSessionDuration != 20*time.Minute {
		t.Errorf("AvgSessionDuration = %v, want 20m", snap.AvgSessionDuration)
	}
	if snap.QueueDepth != 4 || snap.ActiveSessions != 1 {
		t.Errorf("gauges = %d/%d", snap.QueueDepth, snap.ActiveSessions)
	}
	if snap.LastCycleAt.IsZero() {
		t.Error("LastCycleAt not set")
	}

	// snapshot maps are copies
	snap.Errors["dispatcher"] = 99
	if got := m.Snapshot().Errors["dispatcher"]; got != 1 {
		t.Errorf("Errors[dispatcher] = %d, want 1", got)
	}
}

func TestMetrics_SessionSamplesBounded(t *testing.T) {
	m := NewMetrics()
	for i := 0; i < 600; i++ {
		m.RecordSessionEnd(SessionCompleted, false, time.Duration(i)*time.Second)
	}
	samples := m.SessionDurationSamples()
	if len(samples) != 500 {
		t.Fatalf("samples = %d, want 500", len(samples))
	}
	if samples[0] != 100*time.Second {
		t.Errorf("oldest sample = %v, want 100s", samples[0])
	}
}

func TestMetrics_Concurrent(t *testing.T) {
	m := NewMetrics()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.RecordCycle()
			m.RecordConflict()
			_ = m.Snapshot()
		}()
	}
	wg.Wait()

	snap := m.Snapshot()
	if snap.Cycles != 50 || snap.Conflicts != 50 {
		t.Errorf("cycles/conflicts = %d/%d, want 50/50", snap.Cycles, snap.Conflicts)
	}
}
