package autopilot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"

	"github.com/alekspetrov/conveyor/internal/logging"
)

// ErrNoTaskReference is returned when a merged PR cannot be traced to a task.
var ErrNoTaskReference = errors.New("pull request references no task")

var (
	resolvesPattern = regexp.MustCompile(`(?i)\b(?:resolves|closes|fixes)\s+#(\d+)\b`)
	branchPattern   = regexp.MustCompile(`^agent/task-(\d+)$`)
)

// TaskReference extracts the originating task from PR text: "Resolves #N"
// in the body, then an agent/task-N head branch.
func TaskReference(pr *PullRequest) (int, bool) {
	if m := resolvesPattern.FindStringSubmatch(pr.Body); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil {
			return n, true
		}
	}
	if m := branchPattern.FindStringSubmatch(pr.HeadRef); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil {
			return n, true
		}
	}
	return 0, false
}

// resolveTaskNumber prefers the ledger link over PR text.
func resolveTaskNumber(ledger *StateStore, pr *PullRequest) (int, bool) {
	if t, err := ledger.GetPRTracking(pr.Number); err == nil && t != nil && t.TaskNumber > 0 {
		return t.TaskNumber, true
	}
	if pr.TaskNumber > 0 {
		return pr.TaskNumber, true
	}
	return TaskReference(pr)
}

// NextCycleFunc starts the next dispatch cycle, ignoring the given PRs in the gate.
type NextCycleFunc func(ctx context.Context, excludePRs ...int) error

// Reconciler closes the loop after a merge.
type Reconciler struct {
	store   TaskStore
	ledger  *StateStore
	notices *noticeBoard
	tracker TrackingDoc
	cfg     *Config
	metrics *Metrics
	next    NextCycleFunc
}

// NewReconciler creates a post-merge reconciler. tracker may be nil.
func NewReconciler(store TaskStore, ledger *StateStore, tracker TrackingDoc, cfg *Config, metrics *Metrics) *Reconciler {
	return &Reconciler{
		store:   store,
		ledger:  ledger,
		notices: &noticeBoard{store: store, ledger: ledger},
		tracker: tracker,
		cfg:     cfg,
		metrics: metrics,
	}
}

// SetNextCycle wires the callback invoked once per merged PR.
func (r *Reconciler) SetNextCycle(fn NextCycleFunc) {
	r.next = fn
}

// Reconcile closes the task of a merged PR and starts the next cycle exactly
// once per PR, however many merged events arrive.
func (r *Reconciler) Reconcile(ctx context.Context, pr *PullRequest) error {
	ctx = logging.ContextWithPR(ctx, pr.Number)
	log := logging.WithContext(ctx)

	if pr.State != PRMerged {
		return fmt.Errorf("pull request #%d is %s, not merged", pr.Number, pr.State)
	}

	taskNumber, ok := resolveTaskNumber(r.ledger, pr)
	if ok {
		ctx = logging.ContextWithTask(ctx, taskNumber)
		if err := r.closeTask(ctx, taskNumber, pr); err != nil {
			return err
		}
	} else {
		log.Warn("Merged pull request has no task reference")
	}

	first, err := r.ledger.MarkReconciled(pr.Number, taskNumber)
	if err != nil {
		return fmt.Errorf("mark #%d reconciled: %w", pr.Number, err)
	}
	if !first {
		log.Debug("Already reconciled")
		return nil
	}
	r.metrics.RecordReconcile()

	if ok && r.tracker != nil {
		task := &Task{Number: taskNumber, Title: pr.Title}
		if err := r.tracker.MarkDone(ctx, task, pr.Number); err != nil {
			log.Warn("Tracking document update failed", slog.Any("error", err))
		}
	}

	log.Info("Task reconciled, advancing queue")
	if r.next != nil {
		if err := r.next(ctx, pr.Number); err != nil {
			return fmt.Errorf("next cycle after #%d: %w", pr.Number, err)
		}
	}
	if !ok {
		return ErrNoTaskReference
	}
	return nil
}

// Abandon handles an agent PR closed without merging. The task is parked as
// blocked so the in-progress label no longer holds the gate, and the next
// cycle starts once per PR. Tasks already blocked (escalation) are left as is.
func (r *Reconciler) Abandon(ctx context.Context, pr *PullRequest) error {
	ctx = logging.ContextWithPR(ctx, pr.Number)
	log := logging.WithContext(ctx)

	if pr.State != PRClosed {
		return fmt.Errorf("pull request #%d is %s, not closed", pr.Number, pr.State)
	}

	advance := false
	taskNumber, ok := resolveTaskNumber(r.ledger, pr)
	if ok {
		ctx = logging.ContextWithTask(ctx, taskNumber)
		task, err := r.store.GetTask(ctx, taskNumber)
		if err != nil {
			return fmt.Errorf("get task #%d: %w", taskNumber, err)
		}
		if task.State == TaskOpen && !task.HasLabel(r.cfg.BlockedLabel) {
			if err := r.parkTask(ctx, taskNumber, pr); err != nil {
				return err
			}
			advance = true
		}
	}

	first, err := r.ledger.MarkReconciled(pr.Number, taskNumber)
	if err != nil {
		return fmt.Errorf("mark #%d reconciled: %w", pr.Number, err)
	}
	if !first || !advance {
		return nil
	}

	log.Info("Pull request closed without merge, task blocked")
	if r.next != nil {
		if err := r.next(ctx, pr.Number); err != nil {
			return fmt.Errorf("next cycle after #%d: %w", pr.Number, err)
		}
	}
	return nil
}

func (r *Reconciler) parkTask(ctx context.Context, taskNumber int, pr *PullRequest) error {
	if _, err := r.notices.postOnce(ctx, fmt.Sprintf("abandoned:%d:%d", taskNumber, pr.Number),
		taskNumber, abandonedNotice(pr)); err != nil {
		return err
	}
	if err := r.store.AddLabels(ctx, taskNumber, r.cfg.BlockedLabel); err != nil {
		return fmt.Errorf("add blocked label to #%d: %w", taskNumber, err)
	}
	for _, label := range []string{r.cfg.InProgressLabel, r.cfg.QueuedLabel, r.cfg.WorkLabel} {
		if err := r.store.RemoveLabel(ctx, taskNumber, label); err != nil {
			return fmt.Errorf("remove %s label from #%d: %w", label, taskNumber, err)
		}
	}
	return nil
}

func (r *Reconciler) closeTask(ctx context.Context, taskNumber int, pr *PullRequest) error {
	if _, err := r.notices.postOnce(ctx, fmt.Sprintf("closed:%d:%d", taskNumber, pr.Number),
		taskNumber, taskClosedNotice(pr)); err != nil {
		return err
	}
	if err := r.store.CloseTask(ctx, taskNumber); err != nil {
		return fmt.Errorf("close task #%d: %w", taskNumber, err)
	}
	for _, label := range []string{r.cfg.InProgressLabel, r.cfg.QueuedLabel, r.cfg.WorkLabel} {
		if err := r.store.RemoveLabel(ctx, taskNumber, label); err != nil {
			return fmt.Errorf("remove %s label from #%d: %w", label, taskNumber, err)
		}
	}
	return nil
}
