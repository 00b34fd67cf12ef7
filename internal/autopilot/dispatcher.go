package autopilot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alekspetrov/conveyor/internal/agent"
	"github.com/alekspetrov/conveyor/internal/logging"
)

// ErrMissingCredentials is returned when the agent API key is not configured.
var ErrMissingCredentials = agent.ErrMissingCredentials

// AgentAPI is the coding-agent surface the loop consumes.
type AgentAPI interface {
	HasCredentials() bool
	CreateSession(ctx context.Context, req agent.SessionRequest) (*agent.SessionInfo, error)
	GetSession(ctx context.Context, id string) (*agent.SessionInfo, error)
}

// DispatchOutcome is the result category of a dispatch attempt.
type DispatchOutcome string

const (
	OutcomeDispatched    DispatchOutcome = "dispatched"
	OutcomeAlreadyActive DispatchOutcome = "already-active"
)

// DispatchResult reports what Dispatch did.
type DispatchResult struct {
	Outcome DispatchOutcome
	Session *Session
}

// Dispatcher starts agent sessions for selected tasks.
type Dispatcher struct {
	store   TaskStore
	agent   AgentAPI
	ledger  *StateStore
	notices *noticeBoard
	cfg     *Config
	metrics *Metrics
}

// NewDispatcher creates a session dispatcher.
func NewDispatcher(store TaskStore, api AgentAPI, ledger *StateStore, cfg *Config, metrics *Metrics) *Dispatcher {
	return &Dispatcher{
		store:   store,
		agent:   api,
		ledger:  ledger,
		notices: &noticeBoard{store: store, ledger: ledger},
		cfg:     cfg,
		metrics: metrics,
	}
}

// Dispatch starts a session for task unless one is already active. Missing
// credentials produce one comment and ErrMissingCredentials; transient errors
// are returned for the next trigger to retry.
func (d *Dispatcher) Dispatch(ctx context.Context, task *Task) (*DispatchResult, error) {
	log := logging.WithContext(logging.ContextWithTask(ctx, task.Number))

	existing, err := d.ledger.ActiveSession(task.Number)
	if err != nil {
		return nil, fmt.Errorf("ledger lookup for #%d: %w", task.Number, err)
	}
	if existing != nil {
		log.Info("Session already active", slog.String("session", existing.ID))
		// Repairs labels or the tracking comment if a previous attempt stopped halfway.
		if err := d.announce(ctx, task, existing); err != nil {
			return nil, err
		}
		return &DispatchResult{Outcome: OutcomeAlreadyActive, Session: existing}, nil
	}

	if !d.agent.HasCredentials() {
		return nil, d.reportMissingCredentials(ctx, task)
	}

	previous, err := d.ledger.SessionsForTask(task.Number)
	if err != nil {
		return nil, fmt.Errorf("ledger lookup for #%d: %w", task.Number, err)
	}

	info, err := d.agent.CreateSession(ctx, agent.SessionRequest{
		Prompt:         BuildPrompt(task),
		Title:          task.Title,
		Repository:     d.cfg.Repository,
		SourceBranch:   d.cfg.BaseBranch,
		IdempotencyKey: sessionKey(d.cfg.Repository, task.Number, len(previous)+1),
	})
	if errors.Is(err, agent.ErrMissingCredentials) {
		return nil, d.reportMissingCredentials(ctx, task)
	}
	if err != nil {
		return nil, fmt.Errorf("dispatch #%d: %w", task.Number, err)
	}

	sess := &Session{
		TaskNumber: task.Number,
		ID:         info.ID,
		Status:     SessionRunning,
		URL:        info.URL,
	}
	if info.Status == agent.StatusPending {
		sess.Status = SessionPending
	}
	if err := d.ledger.CreateSession(sess); err != nil {
		if errors.Is(err, ErrSessionExists) {
			active, lerr := d.ledger.ActiveSession(task.Number)
			if lerr != nil {
				return nil, fmt.Errorf("ledger lookup for #%d: %w", task.Number, lerr)
			}
			log.Warn("Concurrent dispatch detected, keeping existing session", slog.String("orphan", info.ID))
			return &DispatchResult{Outcome: OutcomeAlreadyActive, Session: active}, nil
		}
		return nil, fmt.Errorf("record session %s: %w", info.ID, err)
	}

	d.metrics.RecordDispatch()
	log.Info("Session dispatched", slog.String("session", sess.ID), slog.String("status", string(sess.Status)))

	if err := d.announce(ctx, task, sess); err != nil {
		return &DispatchResult{Outcome: OutcomeDispatched, Session: sess}, err
	}
	return &DispatchResult{Outcome: OutcomeDispatched, Session: sess}, nil
}

// announce renders the dispatched stage: queued → in-progress and one tracking comment per session.
func (d *Dispatcher) announce(ctx context.Context, task *Task, sess *Session) error {
	if !task.HasLabel(d.cfg.InProgressLabel) {
		if err := d.store.AddLabels(ctx, task.Number, d.cfg.InProgressLabel); err != nil {
			return fmt.Errorf("add in-progress label to #%d: %w", task.Number, err)
		}
		task.Labels = append(task.Labels, d.cfg.InProgressLabel)
	}
	if task.HasLabel(d.cfg.QueuedLabel) {
		if err := d.store.RemoveLabel(ctx, task.Number, d.cfg.QueuedLabel); err != nil {
			return fmt.Errorf("remove queued label from #%d: %w", task.Number, err)
		}
	}
	_, err := d.notices.postOnce(ctx, "dispatched:"+sess.ID, task.Number, dispatchedNotice(sess))
	return err
}

func (d *Dispatcher) reportMissingCredentials(ctx context.Context, task *Task) error {
	key := fmt.Sprintf("config:%d:credentials", task.Number)
	if _, err := d.notices.postOnce(ctx, key, task.Number, missingCredentialsNotice()); err != nil {
		return errors.Join(ErrMissingCredentials, err)
	}
	return fmt.Errorf("dispatch #%d: %w", task.Number, ErrMissingCredentials)
}

// sessionKey identifies one dispatch attempt of a task. A create retried by
// the next trigger reuses the key until a session is recorded.
func sessionKey(repo string, taskNumber, attempt int) string {
	return fmt.Sprintf("%s#%d/%d", repo, taskNumber, attempt)
}

// BuildPrompt turns a task into the agent prompt.
func BuildPrompt(task *Task) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task #%d: %s\n", task.Number, strings.TrimSpace(task.Title))
	if body := strings.TrimSpace(task.Body); body != "" {
		b.WriteString("\n")
		b.WriteString(body)
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "\nWhen done, push your work to a branch named agent/task-%d.\n", task.Number)
	return b.String()
}
