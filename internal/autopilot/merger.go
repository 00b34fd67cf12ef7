package autopilot

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/alekspetrov/conveyor/internal/adapters/github"
	"github.com/alekspetrov/conveyor/internal/logging"
)

// MergeOutcome is the result category of one evaluation.
type MergeOutcome string

const (
	MergeSkipped      MergeOutcome = "skipped"
	MergePending      MergeOutcome = "pending"
	MergeConflict     MergeOutcome = "conflict"
	MergeChecksFailed MergeOutcome = "checks-failed"
	MergeEscalated    MergeOutcome = "escalated"
	MergeMerged       MergeOutcome = "merged"
)

// MergeDecision reports what Evaluate decided for a pull request.
type MergeDecision struct {
	Outcome  MergeOutcome
	PR       *PullRequest
	Failing  []CheckResult
	Pending  []string
	Attempts int
}

// Merger evaluates agent-authored pull requests and merges them when green.
// Each evaluation starts from scratch; the only memory is the ledger's
// per-commit notice keys and failure count.
type Merger struct {
	store      TaskStore
	ci         CIValidator
	ledger     *StateStore
	notices    *noticeBoard
	reconciler *Reconciler
	cfg        *Config
	metrics    *Metrics
}

// NewMerger creates a merge controller that hands merged PRs to reconciler.
func NewMerger(store TaskStore, ci CIValidator, ledger *StateStore, reconciler *Reconciler, cfg *Config, metrics *Metrics) *Merger {
	return &Merger{
		store:      store,
		ci:         ci,
		ledger:     ledger,
		notices:    &noticeBoard{store: store, ledger: ledger},
		reconciler: reconciler,
		cfg:        cfg,
		metrics:    metrics,
	}
}

// Evaluate decides the fate of one pull request.
func (m *Merger) Evaluate(ctx context.Context, prNumber int) (*MergeDecision, error) {
	ctx = logging.ContextWithPR(ctx, prNumber)
	log := logging.WithContext(ctx)

	pr, err := m.store.GetPullRequest(ctx, prNumber)
	if err != nil {
		return nil, err
	}
	if pr.State != PROpen || !pr.HasLabel(m.cfg.AgentLabel) {
		return &MergeDecision{Outcome: MergeSkipped, PR: pr}, nil
	}
	if n, ok := resolveTaskNumber(m.ledger, pr); ok {
		pr.TaskNumber = n
	}

	if pr.Mergeable != nil && !*pr.Mergeable {
		key := fmt.Sprintf("conflict:%d:%s", pr.Number, pr.HeadSHA)
		posted, err := m.notices.postOnce(ctx, key, pr.Number, conflictNotice(pr))
		if err != nil {
			return nil, err
		}
		if posted {
			m.metrics.RecordConflict()
			log.Info("Merge conflict reported", slog.String("sha", ShortSHA(pr.HeadSHA)))
		}
		return &MergeDecision{Outcome: MergeConflict, PR: pr}, nil
	}

	rollup, err := m.ci.Rollup(ctx, pr)
	if err != nil {
		return nil, err
	}
	if !rollup.Decided() {
		return &MergeDecision{Outcome: MergePending, PR: pr, Pending: rollup.Pending()}, nil
	}

	if failing := rollup.Failing(); len(failing) > 0 {
		return m.reportFailure(ctx, pr, failing)
	}

	if pr.Mergeable == nil {
		// Task Store still computing mergeability; the next trigger re-evaluates.
		return &MergeDecision{Outcome: MergePending, PR: pr}, nil
	}
	return m.merge(ctx, pr)
}

func (m *Merger) reportFailure(ctx context.Context, pr *PullRequest, failing []CheckResult) (*MergeDecision, error) {
	log := logging.WithContext(ctx)

	attempts, err := m.ledger.RecordFailedSHA(pr.Number, pr.HeadSHA)
	if err != nil {
		return nil, fmt.Errorf("record failure for #%d: %w", pr.Number, err)
	}
	decision := &MergeDecision{Outcome: MergeChecksFailed, PR: pr, Failing: failing, Attempts: attempts}

	if m.cfg.MaxFailedAttempts > 0 && attempts >= m.cfg.MaxFailedAttempts {
		if err := m.escalate(ctx, pr, attempts, failing); err != nil {
			return nil, err
		}
		decision.Outcome = MergeEscalated
		return decision, nil
	}

	key := fmt.Sprintf("checks-failed:%d:%s", pr.Number, pr.HeadSHA)
	posted, err := m.notices.postOnce(ctx, key, pr.Number, checksFailedReport(pr, failing))
	if err != nil {
		return nil, err
	}
	if posted {
		m.metrics.RecordCheckFailure()
		log.Info("CI failure reported", slog.String("sha", ShortSHA(pr.HeadSHA)),
			slog.Int("failing", len(failing)), slog.Int("attempt", attempts))
	}
	return decision, nil
}

// escalate closes the PR and parks the task as blocked so the queue advances.
func (m *Merger) escalate(ctx context.Context, pr *PullRequest, attempts int, failing []CheckResult) error {
	body := escalationNotice(pr, attempts, failing)
	if _, err := m.notices.postOnce(ctx, fmt.Sprintf("escalated:%d", pr.Number), pr.Number, body); err != nil {
		return err
	}
	if err := m.store.ClosePullRequest(ctx, pr.Number); err != nil {
		return fmt.Errorf("close pull request #%d: %w", pr.Number, err)
	}
	if pr.TaskNumber > 0 {
		if _, err := m.notices.postOnce(ctx, fmt.Sprintf("escalated-task:%d", pr.TaskNumber), pr.TaskNumber, body); err != nil {
			return err
		}
		if err := m.store.AddLabels(ctx, pr.TaskNumber, m.cfg.BlockedLabel); err != nil {
			return fmt.Errorf("add blocked label to #%d: %w", pr.TaskNumber, err)
		}
		for _, label := range []string{m.cfg.InProgressLabel, m.cfg.WorkLabel} {
			if err := m.store.RemoveLabel(ctx, pr.TaskNumber, label); err != nil {
				return fmt.Errorf("remove %s label from #%d: %w", label, pr.TaskNumber, err)
			}
		}
	}
	m.metrics.RecordEscalation()
	logging.WithContext(ctx).Warn("Pull request escalated", slog.Int("attempts", attempts), slog.Int("task", pr.TaskNumber))
	return nil
}

func (m *Merger) merge(ctx context.Context, pr *PullRequest) (*MergeDecision, error) {
	title := fmt.Sprintf("%s (#%d)", pr.Title, pr.Number)
	if err := m.store.MergePullRequest(ctx, pr.Number, m.cfg.MergeMethod, title, pr.HeadSHA); err != nil {
		// 405: not mergeable right now; 409: head moved since evaluation.
		if github.IsStatus(err, http.StatusMethodNotAllowed) || github.IsStatus(err, http.StatusConflict) {
			logging.WithContext(ctx).Info("Merge refused, waiting for next evaluation", slog.Any("error", err))
			return &MergeDecision{Outcome: MergePending, PR: pr}, nil
		}
		return nil, fmt.Errorf("merge #%d: %w", pr.Number, err)
	}
	pr.State = PRMerged
	m.metrics.RecordMerge()
	logging.WithContext(ctx).Info("Pull request merged", slog.String("method", m.cfg.MergeMethod))

	if _, err := m.notices.postOnce(ctx, fmt.Sprintf("merged:%d", pr.Number), pr.Number, mergedNotice(pr, m.cfg.MergeMethod)); err != nil {
		logging.WithContext(ctx).Warn("Failed to post merge comment", slog.Any("error", err))
	}

	decision := &MergeDecision{Outcome: MergeMerged, PR: pr}
	if m.reconciler != nil {
		if err := m.reconciler.Reconcile(ctx, pr); err != nil {
			return decision, err
		}
	}
	return decision, nil
}
