package autopilot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alekspetrov/conveyor/internal/agent"
	"github.com/alekspetrov/conveyor/internal/logging"
)

// MonitorOutcome is the result of one session poll.
type MonitorOutcome string

const (
	MonitorPending  MonitorOutcome = "pending"
	MonitorPROpened MonitorOutcome = "pr-opened"
	MonitorFailed   MonitorOutcome = "failed"
	MonitorStuck    MonitorOutcome = "stuck"
)

// MonitorResult reports what a poll observed and did.
type MonitorResult struct {
	Outcome MonitorOutcome
	Session *Session
	PR      *PullRequest
}

// Monitor observes agent sessions and turns completed ones into pull requests.
type Monitor struct {
	store   TaskStore
	agent   AgentAPI
	ledger  *StateStore
	notices *noticeBoard
	cfg     *Config
	metrics *Metrics
	now     func() time.Time
}

// NewMonitor creates a session monitor.
func NewMonitor(store TaskStore, api AgentAPI, ledger *StateStore, cfg *Config, metrics *Metrics) *Monitor {
	return &Monitor{
		store:   store,
		agent:   api,
		ledger:  ledger,
		notices: &noticeBoard{store: store, ledger: ledger},
		cfg:     cfg,
		metrics: metrics,
		now:     time.Now,
	}
}

// Check polls the agent once for sess and acts on a terminal status.
func (m *Monitor) Check(ctx context.Context, sess *Session) (*MonitorResult, error) {
	switch sess.Status {
	case SessionCompleted:
		return &MonitorResult{Outcome: MonitorPROpened, Session: sess}, nil
	case SessionFailed:
		return &MonitorResult{Outcome: MonitorFailed, Session: sess}, nil
	}

	info, err := m.agent.GetSession(ctx, sess.ID)
	if err != nil {
		if errors.Is(err, agent.ErrMissingCredentials) {
			return nil, err
		}
		// A persistent outage must not keep a session pending forever.
		if m.stuck(sess) {
			return m.markStuck(ctx, sess)
		}
		return nil, fmt.Errorf("poll session %s: %w", sess.ID, err)
	}

	switch info.Status {
	case agent.StatusCompleted:
		if info.ResultBranch == "" {
			sess.Error = "session completed without a result branch"
			return m.fail(ctx, sess, false)
		}
		sess.ResultBranch = info.ResultBranch
		return m.openPullRequest(ctx, sess)
	case agent.StatusFailed:
		sess.Error = info.Error
		return m.fail(ctx, sess, false)
	}

	if m.stuck(sess) {
		return m.markStuck(ctx, sess)
	}

	if status := SessionStatus(info.Status); status != sess.Status && (status == SessionPending || status == SessionRunning) {
		sess.Status = status
		if err := m.ledger.UpdateSession(sess); err != nil {
			return nil, fmt.Errorf("update session %s: %w", sess.ID, err)
		}
	}
	return &MonitorResult{Outcome: MonitorPending, Session: sess}, nil
}

func (m *Monitor) stuck(sess *Session) bool {
	return m.cfg.SessionTimeout > 0 && m.now().Sub(sess.CreatedAt) > m.cfg.SessionTimeout
}

func (m *Monitor) markStuck(ctx context.Context, sess *Session) (*MonitorResult, error) {
	sess.Error = fmt.Sprintf("no terminal status after %s", m.cfg.SessionTimeout)
	return m.fail(ctx, sess, true)
}

// openPullRequest opens (or reuses) the PR for a completed session.
func (m *Monitor) openPullRequest(ctx context.Context, sess *Session) (*MonitorResult, error) {
	log := logging.WithContext(logging.ContextWithTask(ctx, sess.TaskNumber))

	task, err := m.store.GetTask(ctx, sess.TaskNumber)
	if err != nil {
		return nil, err
	}

	pr, err := m.store.FindPullRequestByHead(ctx, sess.ResultBranch)
	if err != nil {
		return nil, fmt.Errorf("find pull request for %s: %w", sess.ResultBranch, err)
	}
	if pr == nil {
		body := fmt.Sprintf("Resolves #%d\n\nAgent session: `%s`", task.Number, sess.ID)
		if sess.URL != "" {
			body += "\n" + sess.URL
		}
		pr, err = m.store.CreatePullRequest(ctx, task.Title, body, sess.ResultBranch, m.cfg.BaseBranch)
		if err != nil {
			return nil, err
		}
		m.metrics.RecordPROpened()
		log.Info("Pull request opened", slog.Int("pr", pr.Number), slog.String("branch", sess.ResultBranch))
	}
	pr.TaskNumber = task.Number

	if !pr.HasLabel(m.cfg.AgentLabel) {
		if err := m.store.AddLabels(ctx, pr.Number, m.cfg.AgentLabel); err != nil {
			return nil, fmt.Errorf("label pull request #%d: %w", pr.Number, err)
		}
		pr.Labels = append(pr.Labels, m.cfg.AgentLabel)
	}
	if err := m.ledger.TrackPR(pr.Number, task.Number, sess.ResultBranch); err != nil {
		return nil, fmt.Errorf("track pull request #%d: %w", pr.Number, err)
	}

	if _, err := m.notices.postOnce(ctx, fmt.Sprintf("pr-opened:%d:%d", task.Number, pr.Number),
		task.Number, prOpenedTaskNotice(pr)); err != nil {
		return nil, err
	}
	if _, err := m.notices.postOnce(ctx, fmt.Sprintf("pr-linked:%d", pr.Number),
		pr.Number, prOpenedPRNotice(task, sess)); err != nil {
		return nil, err
	}

	sess.Status = SessionCompleted
	if err := m.ledger.UpdateSession(sess); err != nil {
		return nil, fmt.Errorf("update session %s: %w", sess.ID, err)
	}
	m.metrics.RecordSessionEnd(SessionCompleted, false, m.now().Sub(sess.CreatedAt))

	return &MonitorResult{Outcome: MonitorPROpened, Session: sess, PR: pr}, nil
}

// fail reports a failed or stuck session and returns the task to humans.
func (m *Monitor) fail(ctx context.Context, sess *Session, stuck bool) (*MonitorResult, error) {
	log := logging.WithContext(logging.ContextWithTask(ctx, sess.TaskNumber))

	body := sessionFailedNotice(sess)
	outcome := MonitorFailed
	if stuck {
		body = sessionStuckNotice(sess, m.cfg.SessionTimeout.String())
		outcome = MonitorStuck
	}
	if _, err := m.notices.postOnce(ctx, "session-failed:"+sess.ID, sess.TaskNumber, body); err != nil {
		return nil, err
	}
	for _, label := range []string{m.cfg.InProgressLabel, m.cfg.QueuedLabel, m.cfg.WorkLabel} {
		if err := m.store.RemoveLabel(ctx, sess.TaskNumber, label); err != nil {
			return nil, fmt.Errorf("remove %s label from #%d: %w", label, sess.TaskNumber, err)
		}
	}

	sess.Status = SessionFailed
	if err := m.ledger.UpdateSession(sess); err != nil {
		return nil, fmt.Errorf("update session %s: %w", sess.ID, err)
	}
	m.metrics.RecordSessionEnd(SessionFailed, stuck, m.now().Sub(sess.CreatedAt))
	log.Warn("Session failed", slog.String("session", sess.ID), slog.Bool("stuck", stuck), slog.String("error", sess.Error))

	return &MonitorResult{Outcome: outcome, Session: sess}, nil
}

// PollActive checks every non-terminal session in the ledger.
func (m *Monitor) PollActive(ctx context.Context) ([]*MonitorResult, error) {
	sessions, err := m.ledger.ActiveSessions()
	if err != nil {
		return nil, fmt.Errorf("list active sessions: %w", err)
	}
	m.metrics.SetActiveSessions(len(sessions))

	var results []*MonitorResult
	var errs []error
	for _, sess := range sessions {
		res, err := m.Check(ctx, sess)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		results = append(results, res)
	}
	return results, errors.Join(errs...)
}

// Watch polls sess at SessionPollInterval until it leaves the pending state,
// ctx is done, or the session is declared stuck.
func (m *Monitor) Watch(ctx context.Context, sess *Session) (*MonitorResult, error) {
	interval := m.cfg.SessionPollInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log := logging.WithContext(logging.ContextWithTask(ctx, sess.TaskNumber))
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
			res, err := m.Check(ctx, sess)
			if err != nil {
				log.Warn("Session poll failed", slog.String("session", sess.ID), slog.Any("error", err))
				continue
			}
			if res.Outcome != MonitorPending {
				return res, nil
			}
		}
	}
}
