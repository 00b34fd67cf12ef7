package autopilot

import (
	"context"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"
)

// openAgentPR drives task n through dispatch and session completion and
// returns the PR the monitor opened.
func (l *testLoop) openAgentPR(t *testing.T, taskNumber int) *PullRequest {
	t.Helper()
	ctx := context.Background()

	res, err := l.ctrl.RunCycle(ctx)
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if res.Outcome != CycleDispatched || res.Task.Number != taskNumber {
		t.Fatalf("cycle = %s for %v, want dispatch of #%d", res.Outcome, res.Task, taskNumber)
	}
	l.agent.complete(res.Session.ID, "agent/task-"+itoa(taskNumber))

	results, err := l.ctrl.PollSessions(ctx)
	if err != nil {
		t.Fatalf("PollSessions: %v", err)
	}
	for _, r := range results {
		if r.Outcome == MonitorPROpened && r.Session.TaskNumber == taskNumber {
			return l.store.pr(r.PR.Number)
		}
	}
	t.Fatalf("no PR opened for #%d", taskNumber)
	return nil
}

func TestController_EmptyQueue(t *testing.T) {
	l := newTestLoop(t)
	l.store.addTask(1, 0, "bug")

	res, err := l.ctrl.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if res.Outcome != CycleEmpty {
		t.Errorf("outcome = %s, want empty", res.Outcome)
	}
	if l.agent.createdCount() != 0 || len(l.store.commentsOn(1)) != 0 {
		t.Error("empty cycle had side effects")
	}
}

func TestController_BusyQueue(t *testing.T) {
	l := newTestLoop(t)
	l.store.addTask(2, 0, l.cfg.WorkLabel)
	l.store.addPR(&PullRequest{Number: 10, HeadSHA: "abc", Labels: []string{l.cfg.AgentLabel}})

	for i := 0; i < 2; i++ {
		res, err := l.ctrl.RunCycle(context.Background())
		if err != nil {
			t.Fatalf("RunCycle: %v", err)
		}
		if res.Outcome != CycleQueued || res.Gate.BlockingPR == nil || res.Gate.BlockingPR.Number != 10 {
			t.Fatalf("cycle = %+v, want queued behind #10", res)
		}
	}

	if l.agent.createdCount() != 0 {
		t.Errorf("sessions = %d, want 0", l.agent.createdCount())
	}
	comments := l.store.commentsOn(2)
	if len(comments) != 1 || !strings.Contains(comments[0], "#10") {
		t.Errorf("comments = %q, want one queued notice naming #10", comments)
	}
	if !l.store.task(2).HasLabel(l.cfg.QueuedLabel) {
		t.Error("queued label missing")
	}
}

func TestController_FIFO(t *testing.T) {
	l := newTestLoop(t)
	l.store.addTask(3, 2*time.Hour, l.cfg.WorkLabel)
	l.store.addTask(7, 0, l.cfg.WorkLabel)
	l.store.addTask(1, time.Hour, l.cfg.WorkLabel)

	res, err := l.ctrl.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if res.Task.Number != 7 {
		t.Errorf("dispatched #%d, want oldest #7", res.Task.Number)
	}
}

func TestController_HappyPath(t *testing.T) {
	l := newTestLoop(t)
	sink := &recordingSink{}
	l.ctrl.SetEventSink(sink)
	ctx := context.Background()

	l.store.addTask(5, 0, l.cfg.WorkLabel)
	l.store.addTask(6, time.Hour, l.cfg.WorkLabel)

	pr := l.openAgentPR(t, 5)
	if pr.Number != 11 || !pr.HasLabel(l.cfg.AgentLabel) {
		t.Fatalf("PR = %+v, want agent-labeled #11", pr)
	}

	// #6 waits while #11 is open.
	res, err := l.ctrl.RunCycle(ctx)
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if res.Outcome != CycleQueued || res.Task.Number != 6 {
		t.Fatalf("cycle = %s for #%d, want #6 queued", res.Outcome, res.Task.Number)
	}

	l.ci.set(pr.HeadSHA, pass("build"), pass("tests"))
	if err := l.ctrl.OnChecksCompleted(ctx, pr.HeadSHA, nil); err != nil {
		t.Fatalf("OnChecksCompleted: %v", err)
	}

	if got := l.store.pr(11).State; got != PRMerged {
		t.Fatalf("PR state = %s, want merged", got)
	}
	if got := l.store.task(5).State; got != TaskClosed {
		t.Errorf("task #5 state = %s, want closed", got)
	}
	if n := l.store.countComments(5, "Completed"); n != 1 {
		t.Errorf("completion comments on #5 = %d, want 1", n)
	}

	// The merge advanced the queue.
	if l.agent.createdCount() != 2 {
		t.Fatalf("sessions = %d, want 2", l.agent.createdCount())
	}
	task6 := l.store.task(6)
	if !task6.HasLabel(l.cfg.InProgressLabel) || task6.HasLabel(l.cfg.QueuedLabel) {
		t.Errorf("task #6 labels = %v, want in-progress only", task6.Labels)
	}

	types := sink.types()
	for _, want := range []string{"dispatched", "pr-opened", "queued", "merged"} {
		if !slices.Contains(types, want) {
			t.Errorf("events %v missing %q", types, want)
		}
	}
	if l.store.maxOpenAgentPRs > 1 {
		t.Errorf("max open agent PRs = %d, want <= 1", l.store.maxOpenAgentPRs)
	}
}

func TestController_CIFailureThenRecovery(t *testing.T) {
	l := newTestLoop(t)
	ctx := context.Background()
	l.store.addTask(12, 0, l.cfg.WorkLabel)

	pr := l.openAgentPR(t, 12)
	l.ci.set(pr.HeadSHA, pass("build"), fail("tests", "TestParse failed"))

	d, err := l.ctrl.EvaluatePR(ctx, pr.Number)
	if err != nil {
		t.Fatalf("EvaluatePR: %v", err)
	}
	if d.Outcome != MergeChecksFailed {
		t.Fatalf("outcome = %s, want checks-failed", d.Outcome)
	}
	if n := l.store.countComments(pr.Number, "TestParse failed"); n != 1 {
		t.Errorf("failure reports = %d, want 1", n)
	}

	l.store.push(pr.Number, "sha2")
	l.ci.set("sha2", pass("build"), pass("tests"))
	if err := l.ctrl.OnChecksCompleted(ctx, "sha2", []int{pr.Number}); err != nil {
		t.Fatalf("OnChecksCompleted: %v", err)
	}

	if got := l.store.pr(pr.Number).State; got != PRMerged {
		t.Errorf("PR state = %s, want merged", got)
	}
	if got := l.store.task(12).State; got != TaskClosed {
		t.Errorf("task state = %s, want closed", got)
	}
	if l.agent.createdCount() != 1 {
		t.Errorf("sessions = %d, want 1", l.agent.createdCount())
	}
}

func TestController_EscalationAdvancesQueue(t *testing.T) {
	l := newTestLoop(t)
	ctx := context.Background()
	l.store.addTask(5, 0, l.cfg.WorkLabel)
	l.store.addTask(6, time.Hour, l.cfg.WorkLabel)

	pr := l.openAgentPR(t, 5)
	for _, sha := range []string{pr.HeadSHA, "sha2", "sha3"} {
		l.store.push(pr.Number, sha)
		l.ci.set(sha, fail("tests", ""))
		if _, err := l.ctrl.EvaluatePR(ctx, pr.Number); err != nil {
			t.Fatalf("EvaluatePR: %v", err)
		}
	}

	if got := l.store.pr(pr.Number).State; got != PRClosed {
		t.Errorf("PR state = %s, want closed", got)
	}
	if !l.store.task(5).HasLabel(l.cfg.BlockedLabel) {
		t.Error("task #5 not blocked")
	}
	if l.agent.createdCount() != 2 || !l.store.task(6).HasLabel(l.cfg.InProgressLabel) {
		t.Errorf("task #6 not dispatched after escalation")
	}

	st, err := l.ctrl.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if len(st.Blocked) != 1 || st.Blocked[0].Number != 5 {
		t.Errorf("blocked = %+v, want #5", st.Blocked)
	}
}

func TestController_ConcurrentCycles(t *testing.T) {
	l := newTestLoop(t)
	for i := 1; i <= 5; i++ {
		l.store.addTask(i, time.Duration(i)*time.Minute, l.cfg.WorkLabel)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	outcomes := map[CycleOutcome]int{}
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := l.ctrl.RunCycle(context.Background())
			if err != nil {
				t.Errorf("RunCycle: %v", err)
				return
			}
			mu.Lock()
			outcomes[res.Outcome]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	if l.agent.createdCount() != 1 {
		t.Errorf("sessions = %d, want 1", l.agent.createdCount())
	}
	if outcomes[CycleDispatched] != 1 {
		t.Errorf("outcomes = %v, want exactly one dispatch", outcomes)
	}
	sessions, err := l.ledger.ActiveSessions()
	if err != nil {
		t.Fatalf("ActiveSessions: %v", err)
	}
	if len(sessions) != 1 || sessions[0].TaskNumber != 1 {
		t.Errorf("active sessions = %+v, want one for #1", sessions)
	}
}

func TestController_LoopClosesOnce(t *testing.T) {
	l := newTestLoop(t)
	ctx := context.Background()
	l.store.addTask(5, 0, l.cfg.WorkLabel)
	pr := l.openAgentPR(t, 5)

	// Merged outside the loop, then the event arrives several times.
	if err := l.store.MergePullRequest(ctx, pr.Number, "squash", "", ""); err != nil {
		t.Fatal(err)
	}
	l.store.addTask(6, time.Hour, l.cfg.WorkLabel)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := l.ctrl.OnMerged(ctx, pr.Number); err != nil {
				t.Errorf("OnMerged: %v", err)
			}
		}()
	}
	wg.Wait()

	if n := l.store.countComments(5, "Completed"); n != 1 {
		t.Errorf("completion comments = %d, want 1", n)
	}
	if got := l.ctrl.Metrics().Snapshot().Reconciles; got != 1 {
		t.Errorf("reconciles = %d, want 1", got)
	}
	if l.agent.createdCount() != 2 {
		t.Errorf("sessions = %d, want 2 (one follow-up cycle)", l.agent.createdCount())
	}
}

func TestController_SweepCatchesMissedMerge(t *testing.T) {
	l := newTestLoop(t)
	ctx := context.Background()
	l.store.addTask(5, 0, l.cfg.WorkLabel)
	pr := l.openAgentPR(t, 5)

	if err := l.store.MergePullRequest(ctx, pr.Number, "squash", "", ""); err != nil {
		t.Fatal(err)
	}
	if err := l.ctrl.SweepPullRequests(ctx); err != nil {
		t.Fatalf("SweepPullRequests: %v", err)
	}
	if got := l.store.task(5).State; got != TaskClosed {
		t.Errorf("task state = %s, want closed", got)
	}

	pending, err := l.ledger.UnreconciledPRs()
	if err != nil {
		t.Fatalf("UnreconciledPRs: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("unreconciled = %v, want none", pending)
	}
}

func TestController_ClosedPRFreesQueue(t *testing.T) {
	l := newTestLoop(t)
	ctx := context.Background()
	l.store.addTask(5, 0, l.cfg.WorkLabel)
	l.store.addTask(6, time.Hour, l.cfg.WorkLabel)

	pr := l.openAgentPR(t, 5)
	if err := l.store.ClosePullRequest(ctx, pr.Number); err != nil {
		t.Fatal(err)
	}
	if err := l.ctrl.SweepPullRequests(ctx); err != nil {
		t.Fatalf("SweepPullRequests: %v", err)
	}

	task5 := l.store.task(5)
	if task5.HasLabel(l.cfg.InProgressLabel) || !task5.HasLabel(l.cfg.BlockedLabel) {
		t.Errorf("task #5 labels = %v, want blocked without in-progress", task5.Labels)
	}
	if l.agent.createdCount() != 2 || !l.store.task(6).HasLabel(l.cfg.InProgressLabel) {
		t.Fatalf("task #6 not dispatched after the close (sessions = %d)", l.agent.createdCount())
	}

	// A later sweep and cycle neither re-park #5 nor start a third session.
	if err := l.ctrl.SweepPullRequests(ctx); err != nil {
		t.Fatalf("second SweepPullRequests: %v", err)
	}
	res, err := l.ctrl.RunCycle(ctx)
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if res.Outcome != CycleEmpty || l.agent.createdCount() != 2 {
		t.Errorf("cycle = %s with %d sessions, want empty with 2", res.Outcome, l.agent.createdCount())
	}
	if n := l.store.countComments(5, "closed without merging"); n != 1 {
		t.Errorf("abandon comments on #5 = %d, want 1", n)
	}
}

func TestController_SweepEvaluatesOpenPRs(t *testing.T) {
	l := newTestLoop(t)
	ctx := context.Background()
	l.store.addTask(5, 0, l.cfg.WorkLabel)
	pr := l.openAgentPR(t, 5)
	l.ci.set(pr.HeadSHA, pass("build"))

	if err := l.ctrl.SweepPullRequests(ctx); err != nil {
		t.Fatalf("SweepPullRequests: %v", err)
	}
	if got := l.store.pr(pr.Number).State; got != PRMerged {
		t.Errorf("PR state = %s, want merged", got)
	}
}

func TestController_OnMergedIgnoresForeignPR(t *testing.T) {
	l := newTestLoop(t)
	l.store.addTask(5, 0, l.cfg.WorkLabel)
	l.store.addPR(&PullRequest{Number: 40, Body: "Resolves #5", State: PRMerged})

	if err := l.ctrl.OnMerged(context.Background(), 40); err != nil {
		t.Fatalf("OnMerged: %v", err)
	}
	if got := l.store.task(5).State; got != TaskOpen {
		t.Errorf("task closed by a human PR")
	}
	if l.agent.createdCount() != 0 {
		t.Error("cycle started by a human PR")
	}
}

func TestController_Status(t *testing.T) {
	l := newTestLoop(t)
	ctx := context.Background()
	l.store.addTask(5, 0, l.cfg.WorkLabel)
	l.store.addTask(6, time.Hour, l.cfg.WorkLabel)

	if _, err := l.ctrl.RunCycle(ctx); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if _, err := l.ctrl.RunCycle(ctx); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	st, err := l.ctrl.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if !st.Busy || st.Blocker != "#5" {
		t.Errorf("busy = %v blocker = %q, want busy on #5", st.Busy, st.Blocker)
	}
	if len(st.Active) != 1 || st.Active[0].Number != 5 || st.Active[0].Stage != StageSessionRunning {
		t.Errorf("active = %+v", st.Active)
	}
	if st.Active[0].Session != "sess-1" {
		t.Errorf("active session = %q, want sess-1", st.Active[0].Session)
	}
	if len(st.Queue) != 1 || st.Queue[0].Number != 6 || st.Queue[0].Stage != StageQueued {
		t.Errorf("queue = %+v", st.Queue)
	}
	if st.Metrics.Dispatches != 1 {
		t.Errorf("dispatches = %d, want 1", st.Metrics.Dispatches)
	}
}

func TestController_WatchAfterDispatch(t *testing.T) {
	l := newTestLoop(t)
	l.cfg.WatchAfterDispatch = true
	l.cfg.SessionPollInterval = 5 * time.Millisecond
	sink := &recordingSink{}
	l.ctrl.SetEventSink(sink)
	l.store.addTask(5, 0, l.cfg.WorkLabel)

	res, err := l.ctrl.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	l.agent.complete(res.Session.ID, "agent/task-5")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if slices.Contains(sink.types(), "pr-opened") {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Errorf("events = %v, want pr-opened from watcher", sink.types())
}
