package autopilot

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func TestTaskReference(t *testing.T) {
	tests := []struct {
		name   string
		pr     PullRequest
		want   int
		wantOK bool
	}{
		{"resolves in body", PullRequest{Body: "Resolves #42"}, 42, true},
		{"closes lowercase", PullRequest{Body: "This closes #7."}, 7, true},
		{"fixes mid text", PullRequest{Body: "Refactor.\n\nFixes #310 and more"}, 310, true},
		{"agent branch", PullRequest{HeadRef: "agent/task-9"}, 9, true},
		{"body wins over branch", PullRequest{Body: "Resolves #1", HeadRef: "agent/task-2"}, 1, true},
		{"plain mention", PullRequest{Body: "See #5"}, 0, false},
		{"other branch", PullRequest{HeadRef: "feature/task-9"}, 0, false},
		{"empty", PullRequest{}, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := TaskReference(&tt.pr)
			if got != tt.want || ok != tt.wantOK {
				t.Errorf("TaskReference = (%d, %v), want (%d, %v)", got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

type recordingTracker struct {
	mu    sync.Mutex
	calls []int
	err   error
}

func (r *recordingTracker) MarkDone(_ context.Context, task *Task, _ int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, task.Number)
	return r.err
}

func newReconcilerFixture(t *testing.T) (*fakeStore, *StateStore, *Reconciler, *recordingTracker, *[]int) {
	t.Helper()
	cfg := DefaultConfig()
	store := newFakeStore(cfg.AgentLabel)
	ledger := newTestStateStore(t)
	tracker := &recordingTracker{}
	rec := NewReconciler(store, ledger, tracker, cfg, NewMetrics())
	var cycles []int
	rec.SetNextCycle(func(_ context.Context, exclude ...int) error {
		cycles = append(cycles, exclude...)
		return nil
	})
	return store, ledger, rec, tracker, &cycles
}

func TestReconciler_ExactlyOnce(t *testing.T) {
	store, _, rec, tracker, cycles := newReconcilerFixture(t)
	store.addTask(5, 0, "agent-task", "in-progress")
	pr := &PullRequest{Number: 11, Body: "Resolves #5", State: PRMerged, URL: "https://github.test/pull/11"}

	for i := 0; i < 3; i++ {
		if err := rec.Reconcile(context.Background(), pr); err != nil {
			t.Fatalf("Reconcile #%d: %v", i, err)
		}
	}

	task := store.task(5)
	if task.State != TaskClosed {
		t.Errorf("task state = %s, want closed", task.State)
	}
	if len(task.Labels) != 0 {
		t.Errorf("task labels = %v, want none", task.Labels)
	}
	if len(*cycles) != 1 || (*cycles)[0] != 11 {
		t.Errorf("next cycle calls = %v, want [11]", *cycles)
	}
	if len(tracker.calls) != 1 {
		t.Errorf("tracker calls = %d, want 1", len(tracker.calls))
	}
	if n := store.countComments(5, "Completed"); n != 1 {
		t.Errorf("completion comments = %d, want 1", n)
	}
}

func TestReconciler_PrefersLedgerLink(t *testing.T) {
	store, ledger, rec, _, _ := newReconcilerFixture(t)
	store.addTask(5, 0)
	store.addTask(6, 0)
	if err := ledger.TrackPR(11, 6, "agent/task-6"); err != nil {
		t.Fatalf("TrackPR: %v", err)
	}

	pr := &PullRequest{Number: 11, Body: "Resolves #5", State: PRMerged}
	if err := rec.Reconcile(context.Background(), pr); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if store.task(6).State != TaskClosed {
		t.Error("ledger-linked task not closed")
	}
	if store.task(5).State != TaskOpen {
		t.Error("text-referenced task closed despite ledger link")
	}
}

func TestReconciler_NoTaskReference(t *testing.T) {
	_, _, rec, tracker, cycles := newReconcilerFixture(t)
	pr := &PullRequest{Number: 11, Body: "no reference", State: PRMerged}

	err := rec.Reconcile(context.Background(), pr)
	if !errors.Is(err, ErrNoTaskReference) {
		t.Fatalf("err = %v, want ErrNoTaskReference", err)
	}
	if len(*cycles) != 1 {
		t.Errorf("next cycle calls = %d, want 1", len(*cycles))
	}
	if len(tracker.calls) != 0 {
		t.Error("tracker updated without a task")
	}
}

func TestReconciler_TrackerFailureIsNotFatal(t *testing.T) {
	store, _, rec, tracker, cycles := newReconcilerFixture(t)
	store.addTask(5, 0)
	tracker.err = errors.New("disk full")

	pr := &PullRequest{Number: 11, Body: "Resolves #5", State: PRMerged}
	if err := rec.Reconcile(context.Background(), pr); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if len(*cycles) != 1 {
		t.Errorf("next cycle calls = %d, want 1", len(*cycles))
	}
}

func TestReconciler_RejectsUnmerged(t *testing.T) {
	store, _, rec, _, cycles := newReconcilerFixture(t)
	store.addTask(5, 0)

	pr := &PullRequest{Number: 11, Body: "Resolves #5", State: PROpen}
	if err := rec.Reconcile(context.Background(), pr); err == nil {
		t.Fatal("expected error for open PR")
	}
	if store.task(5).State != TaskOpen {
		t.Error("task closed for unmerged PR")
	}
	if len(*cycles) != 0 {
		t.Error("next cycle started for unmerged PR")
	}
}

func TestReconciler_AbandonParksTaskOnce(t *testing.T) {
	store, _, rec, tracker, cycles := newReconcilerFixture(t)
	store.addTask(5, 0, "agent-task", "in-progress")
	pr := &PullRequest{Number: 11, Body: "Resolves #5", State: PRClosed}

	for i := 0; i < 3; i++ {
		if err := rec.Abandon(context.Background(), pr); err != nil {
			t.Fatalf("Abandon #%d: %v", i, err)
		}
	}

	task := store.task(5)
	if task.State != TaskOpen {
		t.Errorf("task state = %s, want open", task.State)
	}
	if !task.HasLabel("blocked") || task.HasLabel("in-progress") || task.HasLabel("agent-task") {
		t.Errorf("task labels = %v, want blocked only", task.Labels)
	}
	if n := store.countComments(5, "closed without merging"); n != 1 {
		t.Errorf("abandon comments = %d, want 1", n)
	}
	if len(*cycles) != 1 || (*cycles)[0] != 11 {
		t.Errorf("next cycle calls = %v, want [11]", *cycles)
	}
	if len(tracker.calls) != 0 {
		t.Error("tracker updated for an unmerged PR")
	}
}

func TestReconciler_AbandonLeavesEscalatedTask(t *testing.T) {
	store, _, rec, _, cycles := newReconcilerFixture(t)
	store.addTask(5, 0, "blocked")
	pr := &PullRequest{Number: 11, Body: "Resolves #5", State: PRClosed}

	if err := rec.Abandon(context.Background(), pr); err != nil {
		t.Fatalf("Abandon: %v", err)
	}
	if len(store.commentsOn(5)) != 0 {
		t.Errorf("comments = %q, want none", store.commentsOn(5))
	}
	if len(*cycles) != 0 {
		t.Errorf("next cycle calls = %v, want none", *cycles)
	}
}

func TestReconciler_AbandonRejectsMerged(t *testing.T) {
	store, _, rec, _, _ := newReconcilerFixture(t)
	store.addTask(5, 0, "in-progress")

	pr := &PullRequest{Number: 11, Body: "Resolves #5", State: PRMerged}
	if err := rec.Abandon(context.Background(), pr); err == nil {
		t.Fatal("expected error for merged PR")
	}
	if !store.task(5).HasLabel("in-progress") {
		t.Error("merged PR's task was parked")
	}
}
