package autopilot

import (
	"context"
	"net/http"
	"strings"
	"testing"

	"github.com/alekspetrov/conveyor/internal/adapters/github"
)

type mergerFixture struct {
	cfg    *Config
	store  *fakeStore
	ci     *fakeCI
	ledger *StateStore
	merger *Merger
	cycles []int
}

func newMergerFixture(t *testing.T) *mergerFixture {
	t.Helper()
	cfg := DefaultConfig()
	f := &mergerFixture{
		cfg:    cfg,
		store:  newFakeStore(cfg.AgentLabel),
		ci:     newFakeCI(),
		ledger: newTestStateStore(t),
	}
	f.store.addTask(12, 0, cfg.WorkLabel, cfg.InProgressLabel)
	f.store.addPR(&PullRequest{
		Number:    20,
		Title:     "Fix flaky parser",
		Body:      "Resolves #12",
		HeadRef:   "agent/task-12",
		HeadSHA:   "sha1",
		BaseRef:   "main",
		Labels:    []string{cfg.AgentLabel},
		Mergeable: boolPtr(true),
	})

	metrics := NewMetrics()
	rec := NewReconciler(f.store, f.ledger, nil, cfg, metrics)
	rec.SetNextCycle(func(_ context.Context, exclude ...int) error {
		f.cycles = append(f.cycles, exclude...)
		return nil
	})
	f.merger = NewMerger(f.store, f.ci, f.ledger, rec, cfg, metrics)
	return f
}

func TestMerger_ReportsEveryFailingCheck(t *testing.T) {
	f := newMergerFixture(t)
	f.ci.set("sha1", fail("C", "lint errors"), pass("B"), fail("A", "2 tests failed"))

	d, err := f.merger.Evaluate(context.Background(), 20)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if d.Outcome != MergeChecksFailed {
		t.Fatalf("outcome = %s, want checks-failed", d.Outcome)
	}
	if len(d.Failing) != 2 || d.Failing[0].Name != "A" || d.Failing[1].Name != "C" {
		t.Errorf("failing = %+v, want A then C", d.Failing)
	}
	if len(f.store.merges) != 0 {
		t.Errorf("merges = %v, want none", f.store.merges)
	}

	comments := f.store.commentsOn(20)
	if len(comments) != 1 {
		t.Fatalf("comments = %d, want 1", len(comments))
	}
	report := comments[0]
	if !strings.Contains(report, "| A | 2 tests failed |") || !strings.Contains(report, "| C | lint errors |") {
		t.Errorf("report missing failing checks:\n%s", report)
	}
	if strings.Contains(report, "| B |") {
		t.Errorf("report lists passing check:\n%s", report)
	}
	if strings.Index(report, "| A |") > strings.Index(report, "| C |") {
		t.Errorf("report not sorted by name:\n%s", report)
	}
}

func TestMerger_FailureReportedOncePerCommit(t *testing.T) {
	f := newMergerFixture(t)
	f.ci.set("sha1", fail("tests", ""))

	for i := 0; i < 3; i++ {
		if _, err := f.merger.Evaluate(context.Background(), 20); err != nil {
			t.Fatalf("Evaluate #%d: %v", i, err)
		}
	}
	if n := f.store.countComments(20, "CI checks failed"); n != 1 {
		t.Errorf("failure reports = %d, want 1", n)
	}

	f.store.push(20, "sha2")
	f.ci.set("sha2", fail("tests", ""))
	d, err := f.merger.Evaluate(context.Background(), 20)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if d.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", d.Attempts)
	}
	if n := f.store.countComments(20, "CI checks failed"); n != 2 {
		t.Errorf("failure reports = %d, want 2 after new commit", n)
	}
}

func TestMerger_RecoversAfterFix(t *testing.T) {
	f := newMergerFixture(t)
	f.ci.set("sha1", fail("tests", "boom"))
	if d, _ := f.merger.Evaluate(context.Background(), 20); d.Outcome != MergeChecksFailed {
		t.Fatalf("outcome = %s, want checks-failed", d.Outcome)
	}

	f.store.push(20, "sha2")
	f.ci.set("sha2", pass("tests"))
	d, err := f.merger.Evaluate(context.Background(), 20)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if d.Outcome != MergeMerged {
		t.Fatalf("outcome = %s, want merged", d.Outcome)
	}
	if got := f.store.pr(20).State; got != PRMerged {
		t.Errorf("PR state = %s, want merged", got)
	}
	if got := f.store.task(12).State; got != TaskClosed {
		t.Errorf("task state = %s, want closed", got)
	}
	if len(f.cycles) != 1 || f.cycles[0] != 20 {
		t.Errorf("next cycle calls = %v, want [20]", f.cycles)
	}
}

func TestMerger_Conflict(t *testing.T) {
	f := newMergerFixture(t)
	f.store.setMergeable(20, boolPtr(false))
	f.ci.set("sha1", pass("tests"))

	for i := 0; i < 2; i++ {
		d, err := f.merger.Evaluate(context.Background(), 20)
		if err != nil {
			t.Fatalf("Evaluate: %v", err)
		}
		if d.Outcome != MergeConflict {
			t.Fatalf("outcome = %s, want conflict", d.Outcome)
		}
	}
	if n := f.store.countComments(20, "Merge conflict, please rebase"); n != 1 {
		t.Errorf("conflict notices = %d, want 1", n)
	}
	if n := f.store.countComments(20, "CI checks failed"); n != 0 {
		t.Errorf("conflict reported as CI failure")
	}
	if len(f.store.merges) != 0 {
		t.Error("conflicting PR merged")
	}
}

func TestMerger_Pending(t *testing.T) {
	tests := []struct {
		name      string
		checks    []CheckResult
		mergeable *bool
	}{
		{"no checks reported", nil, boolPtr(true)},
		{"check still running", []CheckResult{pass("build"), pending("tests")}, boolPtr(true)},
		{"mergeability unknown", []CheckResult{pass("build")}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newMergerFixture(t)
			f.store.setMergeable(20, tt.mergeable)
			f.ci.set("sha1", tt.checks...)

			d, err := f.merger.Evaluate(context.Background(), 20)
			if err != nil {
				t.Fatalf("Evaluate: %v", err)
			}
			if d.Outcome != MergePending {
				t.Errorf("outcome = %s, want pending", d.Outcome)
			}
			if len(f.store.commentsOn(20)) != 0 {
				t.Error("pending evaluation commented")
			}
		})
	}
}

func TestMerger_HeadMovedDuringMerge(t *testing.T) {
	f := newMergerFixture(t)
	f.ci.set("sha1", pass("tests"))
	f.store.mergeErr = &github.APIError{StatusCode: http.StatusConflict, Body: "Head branch was modified"}

	d, err := f.merger.Evaluate(context.Background(), 20)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if d.Outcome != MergePending {
		t.Errorf("outcome = %s, want pending", d.Outcome)
	}
	if len(f.cycles) != 0 {
		t.Error("next cycle started without a merge")
	}
}

func TestMerger_MergeErrorPropagates(t *testing.T) {
	f := newMergerFixture(t)
	f.ci.set("sha1", pass("tests"))
	f.store.mergeErr = &github.APIError{StatusCode: http.StatusInternalServerError}

	if _, err := f.merger.Evaluate(context.Background(), 20); err == nil {
		t.Fatal("expected error")
	}
}

func TestMerger_SkipsForeignPullRequests(t *testing.T) {
	f := newMergerFixture(t)
	f.store.addPR(&PullRequest{Number: 30, HeadSHA: "x", Mergeable: boolPtr(true)})
	f.ci.set("x", pass("tests"))

	d, err := f.merger.Evaluate(context.Background(), 30)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if d.Outcome != MergeSkipped {
		t.Errorf("outcome = %s, want skipped", d.Outcome)
	}
	if len(f.store.merges) != 0 {
		t.Error("human PR merged")
	}
}

func TestMerger_EscalatesAfterRepeatedFailures(t *testing.T) {
	f := newMergerFixture(t)

	var d *MergeDecision
	for i, sha := range []string{"sha1", "sha2", "sha3"} {
		f.store.push(20, sha)
		f.ci.set(sha, fail("tests", "still broken"))
		var err error
		d, err = f.merger.Evaluate(context.Background(), 20)
		if err != nil {
			t.Fatalf("Evaluate %d: %v", i, err)
		}
	}
	if d.Outcome != MergeEscalated {
		t.Fatalf("outcome = %s, want escalated", d.Outcome)
	}
	if got := f.store.pr(20).State; got != PRClosed {
		t.Errorf("PR state = %s, want closed", got)
	}
	task := f.store.task(12)
	if !task.HasLabel(f.cfg.BlockedLabel) {
		t.Errorf("task labels = %v, want blocked", task.Labels)
	}
	if task.HasLabel(f.cfg.WorkLabel) || task.HasLabel(f.cfg.InProgressLabel) {
		t.Errorf("task labels = %v, work labels should be removed", task.Labels)
	}
	if n := f.store.countComments(12, "Escalated to a human"); n != 1 {
		t.Errorf("task escalation notices = %d, want 1", n)
	}
	if n := f.store.countComments(20, "CI checks failed"); n != 2 {
		t.Errorf("failure reports = %d, want 2 before escalation", n)
	}
}
