package autopilot

import (
	"context"
	"fmt"
	"slices"
)

// GateResult is the busy/idle verdict of the concurrency gate.
type GateResult struct {
	Busy         bool
	BlockingPR   *PullRequest
	BlockingTask *Task // in-progress task without a PR yet
}

// Blocker renders the blocking resource, e.g. "#10".
func (r *GateResult) Blocker() string {
	switch {
	case r.BlockingPR != nil:
		return fmt.Sprintf("#%d", r.BlockingPR.Number)
	case r.BlockingTask != nil:
		return fmt.Sprintf("#%d", r.BlockingTask.Number)
	}
	return ""
}

func (r *GateResult) blockerKey() string {
	switch {
	case r.BlockingPR != nil:
		return fmt.Sprintf("pr-%d", r.BlockingPR.Number)
	case r.BlockingTask != nil:
		return fmt.Sprintf("task-%d", r.BlockingTask.Number)
	}
	return "none"
}

// Gate derives "is a worker active" from the Task Store on every call.
type Gate struct {
	store   TaskStore
	notices *noticeBoard
	cfg     *Config
}

// NewGate creates a concurrency gate.
func NewGate(store TaskStore, ledger *StateStore, cfg *Config) *Gate {
	return &Gate{store: store, notices: &noticeBoard{store: store, ledger: ledger}, cfg: cfg}
}

// Check reports busy when an open PR carries the agent label, or when another
// open task is in progress. PR numbers in exclude are ignored.
func (g *Gate) Check(ctx context.Context, candidate *Task, exclude ...int) (*GateResult, error) {
	prs, err := g.store.ListOpenPullRequests(ctx)
	if err != nil {
		return nil, fmt.Errorf("concurrency gate: %w", err)
	}
	for _, pr := range prs {
		if pr.State != PROpen || !pr.HasLabel(g.cfg.AgentLabel) || slices.Contains(exclude, pr.Number) {
			continue
		}
		return &GateResult{Busy: true, BlockingPR: pr}, nil
	}

	active, err := g.store.ListOpenTasks(ctx, g.cfg.InProgressLabel)
	if err != nil {
		return nil, fmt.Errorf("concurrency gate: %w", err)
	}
	for _, t := range active {
		if candidate != nil && t.Number == candidate.Number {
			continue
		}
		if t.State == TaskOpen && t.HasLabel(g.cfg.InProgressLabel) {
			return &GateResult{Busy: true, BlockingTask: t}, nil
		}
	}

	return &GateResult{}, nil
}

// NotifyQueued posts the one-time queued comment on task, referencing the
// blocker, and renders the queued label. It returns true when a comment was posted.
func (g *Gate) NotifyQueued(ctx context.Context, task *Task, res *GateResult) (bool, error) {
	if !res.Busy {
		return false, nil
	}
	if !task.HasLabel(g.cfg.QueuedLabel) {
		if err := g.store.AddLabels(ctx, task.Number, g.cfg.QueuedLabel); err != nil {
			return false, fmt.Errorf("add queued label to #%d: %w", task.Number, err)
		}
	}
	key := fmt.Sprintf("queued:%d:%s", task.Number, res.blockerKey())
	return g.notices.postOnce(ctx, key, task.Number, queuedNotice(res))
}
