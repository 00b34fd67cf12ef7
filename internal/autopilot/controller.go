package autopilot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alekspetrov/conveyor/internal/logging"
)

// CycleOutcome is the result category of one dispatch cycle.
type CycleOutcome string

const (
	CycleEmpty         CycleOutcome = "empty"
	CycleQueued        CycleOutcome = "queued"
	CycleDispatched    CycleOutcome = "dispatched"
	CycleAlreadyActive CycleOutcome = "already-active"
)

// CycleResult reports what RunCycle did.
type CycleResult struct {
	Outcome CycleOutcome
	Task    *Task
	Gate    *GateResult
	Session *Session
}

// Controller wires the loop components to the trigger surface:
// label/timer → RunCycle, timer → PollSessions, check-suite → OnChecksCompleted,
// merged → OnMerged.
type Controller struct {
	cfg     *Config
	store   TaskStore
	ledger  *StateStore
	locker  Locker
	metrics *Metrics
	log     *slog.Logger

	selector   *Selector
	gate       *Gate
	dispatcher *Dispatcher
	monitor    *Monitor
	merger     *Merger
	reconciler *Reconciler

	sinkMu sync.RWMutex
	sink   EventSink

	bg       context.Context
	stop     context.CancelFunc
	watchers sync.WaitGroup
}

// NewController assembles the loop. tracker may be nil.
func NewController(cfg *Config, store TaskStore, api AgentAPI, ci CIValidator, ledger *StateStore, locker Locker, tracker TrackingDoc) *Controller {
	if locker == nil {
		locker = NewLocalLocker()
	}
	metrics := NewMetrics()
	bg, stop := context.WithCancel(context.Background())

	c := &Controller{
		cfg:     cfg,
		store:   store,
		ledger:  ledger,
		locker:  locker,
		metrics: metrics,
		log:     logging.WithComponent("autopilot"),
		bg:      bg,
		stop:    stop,
	}
	c.selector = NewSelector(store, cfg)
	c.gate = NewGate(store, ledger, cfg)
	c.dispatcher = NewDispatcher(store, api, ledger, cfg, metrics)
	c.monitor = NewMonitor(store, api, ledger, cfg, metrics)
	c.reconciler = NewReconciler(store, ledger, tracker, cfg, metrics)
	c.merger = NewMerger(store, ci, ledger, c.reconciler, cfg, metrics)

	c.reconciler.SetNextCycle(func(ctx context.Context, excludePRs ...int) error {
		_, err := c.RunCycle(ctx, excludePRs...)
		return err
	})
	return c
}

// SetEventSink sets the receiver of loop events. Optional.
func (c *Controller) SetEventSink(sink EventSink) {
	c.sinkMu.Lock()
	defer c.sinkMu.Unlock()
	c.sink = sink
}

// Metrics returns the controller's metrics.
func (c *Controller) Metrics() *Metrics {
	return c.metrics
}

// Ledger returns the session ledger.
func (c *Controller) Ledger() *StateStore {
	return c.ledger
}

// Close stops on-demand watchers and waits for them to exit.
func (c *Controller) Close() {
	c.stop()
	c.watchers.Wait()
}

func (c *Controller) emit(eventType string, task, pr int, msg string) {
	c.sinkMu.RLock()
	sink := c.sink
	c.sinkMu.RUnlock()
	if sink == nil {
		return
	}
	sink.Publish(Event{Type: eventType, Task: task, PR: pr, Message: msg, Time: time.Now()})
}

// traced attaches a correlation id and component to ctx when missing.
func traced(ctx context.Context, component string) context.Context {
	if logging.CorrelationID(ctx) == "" {
		ctx = logging.ContextWithCorrelationID(ctx, uuid.NewString())
	}
	return logging.ContextWithComponent(ctx, component)
}

// RunCycle runs select → gate → dispatch under the dispatch lock. PR numbers
// in excludePRs are ignored by the gate (used right after a merge).
func (c *Controller) RunCycle(ctx context.Context, excludePRs ...int) (*CycleResult, error) {
	ctx = traced(ctx, "cycle")
	log := logging.WithContext(ctx)

	unlock, err := c.locker.Acquire(ctx, DispatchLockName)
	if err != nil {
		return nil, err
	}
	defer unlock()

	c.metrics.RecordCycle()

	queue, err := c.selector.Queue(ctx)
	if err != nil {
		c.metrics.RecordError("selector")
		return nil, err
	}
	c.metrics.SetQueueDepth(len(queue))
	if len(queue) == 0 {
		log.Debug("Queue empty")
		return &CycleResult{Outcome: CycleEmpty}, nil
	}
	task := queue[0]
	ctx = logging.ContextWithTask(ctx, task.Number)

	gate, err := c.gate.Check(ctx, task, excludePRs...)
	if err != nil {
		c.metrics.RecordError("gate")
		return nil, err
	}
	if gate.Busy {
		posted, err := c.gate.NotifyQueued(ctx, task, gate)
		if err != nil {
			c.metrics.RecordError("gate")
			return nil, err
		}
		if posted {
			c.metrics.RecordQueuedNotice()
			c.emit(EventQueued, task.Number, 0, "blocked by "+gate.Blocker())
		}
		log.Info("Gate busy, task queued", slog.String("blocker", gate.Blocker()))
		return &CycleResult{Outcome: CycleQueued, Task: task, Gate: gate}, nil
	}

	res, err := c.dispatcher.Dispatch(ctx, task)
	if err != nil {
		c.metrics.RecordError("dispatcher")
		return nil, err
	}

	result := &CycleResult{Outcome: CycleDispatched, Task: task, Gate: gate, Session: res.Session}
	if res.Outcome == OutcomeAlreadyActive {
		result.Outcome = CycleAlreadyActive
		return result, nil
	}

	c.emit(EventDispatched, task.Number, 0, res.Session.ID)
	if c.cfg.WatchAfterDispatch {
		c.watch(ctx, res.Session)
	}
	return result, nil
}

// watch follows a freshly dispatched session in the background.
func (c *Controller) watch(ctx context.Context, sess *Session) {
	limit := c.cfg.SessionTimeout + c.cfg.SessionPollInterval
	wctx, cancel := context.WithTimeout(c.bg, limit)
	wctx = logging.ContextWithCorrelationID(wctx, logging.CorrelationID(ctx))
	wctx = logging.ContextWithTask(wctx, sess.TaskNumber)

	c.watchers.Add(1)
	go func() {
		defer c.watchers.Done()
		defer cancel()
		res, err := c.monitor.Watch(wctx, sess)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				logging.WithContext(wctx).Warn("Session watch ended", slog.Any("error", err))
			}
			return
		}
		c.emitMonitor(res)
	}()
}

func (c *Controller) emitMonitor(res *MonitorResult) {
	switch res.Outcome {
	case MonitorPROpened:
		pr := 0
		if res.PR != nil {
			pr = res.PR.Number
		}
		c.emit(EventPROpened, res.Session.TaskNumber, pr, res.Session.ID)
	case MonitorFailed:
		c.emit(EventSessionFailed, res.Session.TaskNumber, 0, res.Session.Error)
	case MonitorStuck:
		c.emit(EventSessionStuck, res.Session.TaskNumber, 0, res.Session.Error)
	}
}

// PollSessions checks every active session once.
func (c *Controller) PollSessions(ctx context.Context) ([]*MonitorResult, error) {
	ctx = traced(ctx, "monitor")
	results, err := c.monitor.PollActive(ctx)
	if err != nil {
		c.metrics.RecordError("monitor")
	}
	for _, res := range results {
		c.emitMonitor(res)
	}
	return results, err
}

// EvaluatePR runs the merge controller for one PR under its lock. An
// escalation frees the queue, so the next cycle starts right away.
func (c *Controller) EvaluatePR(ctx context.Context, prNumber int) (*MergeDecision, error) {
	ctx = traced(ctx, "merger")

	unlock, err := c.locker.Acquire(ctx, PRLockName(prNumber))
	if err != nil {
		return nil, err
	}
	decision, err := c.merger.Evaluate(ctx, prNumber)
	unlock()
	if err != nil {
		c.metrics.RecordError("merger")
		if decision == nil {
			return nil, err
		}
	}

	switch decision.Outcome {
	case MergeMerged:
		c.emit(EventMerged, decision.PR.TaskNumber, prNumber, "")
	case MergeChecksFailed:
		c.emit(EventChecksFailed, decision.PR.TaskNumber, prNumber, fmt.Sprintf("%d failing", len(decision.Failing)))
	case MergeConflict:
		c.emit(EventConflict, decision.PR.TaskNumber, prNumber, "")
	case MergeEscalated:
		c.emit(EventEscalated, decision.PR.TaskNumber, prNumber, "")
		if _, cerr := c.RunCycle(ctx, prNumber); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}
	return decision, err
}

// OnChecksCompleted evaluates the PRs of a finished check suite. When the
// event carries no PR numbers, open agent PRs whose head is sha are used.
func (c *Controller) OnChecksCompleted(ctx context.Context, sha string, prNumbers []int) error {
	ctx = traced(ctx, "merger")

	if len(prNumbers) == 0 {
		prs, err := c.store.ListOpenPullRequests(ctx)
		if err != nil {
			return err
		}
		for _, pr := range prs {
			if pr.HeadSHA == sha && pr.HasLabel(c.cfg.AgentLabel) {
				prNumbers = append(prNumbers, pr.Number)
			}
		}
	}

	var errs []error
	for _, n := range prNumbers {
		if _, err := c.EvaluatePR(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SweepPullRequests is the timer fallback for missed check-suite and merged
// events: it evaluates every open agent PR and reconciles tracked PRs that
// were merged without a reconcile.
func (c *Controller) SweepPullRequests(ctx context.Context) error {
	ctx = traced(ctx, "sweep")

	prs, err := c.store.ListOpenPullRequests(ctx)
	if err != nil {
		return err
	}
	var errs []error
	var open []int
	for _, pr := range prs {
		if !pr.HasLabel(c.cfg.AgentLabel) {
			continue
		}
		open = append(open, pr.Number)
		if _, err := c.EvaluatePR(ctx, pr.Number); err != nil {
			errs = append(errs, err)
		}
	}

	pending, err := c.ledger.UnreconciledPRs()
	if err != nil {
		return errors.Join(append(errs, err)...)
	}
	for _, n := range pending {
		if slices.Contains(open, n) {
			continue
		}
		if err := c.OnMerged(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// OnMerged reconciles a merged PR, or parks the task of an agent PR closed
// without merging. Duplicate events are absorbed by the ledger.
func (c *Controller) OnMerged(ctx context.Context, prNumber int) error {
	ctx = traced(ctx, "reconciler")

	unlock, err := c.locker.Acquire(ctx, PRLockName(prNumber))
	if err != nil {
		return err
	}
	defer unlock()

	pr, err := c.store.GetPullRequest(ctx, prNumber)
	if err != nil {
		return err
	}
	if pr.State == PROpen {
		return nil
	}
	tracked, err := c.ledger.GetPRTracking(prNumber)
	if err != nil {
		return err
	}
	if tracked == nil && !pr.HasLabel(c.cfg.AgentLabel) {
		return nil
	}
	if pr.State == PRClosed {
		if err := c.reconciler.Abandon(ctx, pr); err != nil {
			c.metrics.RecordError("reconciler")
			return err
		}
		return nil
	}
	if err := c.reconciler.Reconcile(ctx, pr); err != nil {
		c.metrics.RecordError("reconciler")
		return err
	}
	return nil
}

// Reconcile runs the post-merge reconciler for prNumber (CLI one-shot).
func (c *Controller) Reconcile(ctx context.Context, prNumber int) error {
	return c.OnMerged(ctx, prNumber)
}

// TaskStatus is one row of the status view.
type TaskStatus struct {
	Number  int       `json:"number"`
	Title   string    `json:"title"`
	Stage   TaskStage `json:"stage"`
	PR      int       `json:"pr,omitempty"`
	Session string    `json:"session,omitempty"`
	Created time.Time `json:"created_at"`
}

// Status is a read-only snapshot of the loop.
type Status struct {
	Busy    bool            `json:"busy"`
	Blocker string          `json:"blocker,omitempty"`
	Active  []TaskStatus    `json:"active"`
	Queue   []TaskStatus    `json:"queue"`
	Blocked []TaskStatus    `json:"blocked"`
	Metrics MetricsSnapshot `json:"metrics"`
}

// Status derives the current view from the Task Store and ledger.
func (c *Controller) Status(ctx context.Context) (*Status, error) {
	queue, err := c.selector.Queue(ctx)
	if err != nil {
		return nil, err
	}
	c.metrics.SetQueueDepth(len(queue))

	gate, err := c.gate.Check(ctx, nil)
	if err != nil {
		return nil, err
	}
	st := &Status{Busy: gate.Busy, Blocker: gate.Blocker()}

	prByTask := map[int]*PullRequest{}
	prs, err := c.store.ListOpenPullRequests(ctx)
	if err != nil {
		return nil, err
	}
	for _, pr := range prs {
		if !pr.HasLabel(c.cfg.AgentLabel) {
			continue
		}
		if n, ok := resolveTaskNumber(c.ledger, pr); ok {
			prByTask[n] = pr
		}
	}

	active, err := c.store.ListOpenTasks(ctx, c.cfg.InProgressLabel)
	if err != nil {
		return nil, err
	}
	for _, t := range active {
		st.Active = append(st.Active, c.describeActive(t, prByTask[t.Number]))
	}

	for _, t := range queue {
		stage := StageLabeled
		if t.HasLabel(c.cfg.QueuedLabel) {
			stage = StageQueued
		}
		st.Queue = append(st.Queue, TaskStatus{Number: t.Number, Title: t.Title, Stage: stage, Created: t.CreatedAt})
	}

	blocked, err := c.store.ListOpenTasks(ctx, c.cfg.BlockedLabel)
	if err != nil {
		return nil, err
	}
	for _, t := range blocked {
		st.Blocked = append(st.Blocked, TaskStatus{Number: t.Number, Title: t.Title, Stage: StageBlocked, Created: t.CreatedAt})
	}

	sessions, err := c.ledger.ActiveSessions()
	if err == nil {
		c.metrics.SetActiveSessions(len(sessions))
	}
	st.Metrics = c.metrics.Snapshot()
	return st, nil
}

func (c *Controller) describeActive(t *Task, pr *PullRequest) TaskStatus {
	ts := TaskStatus{Number: t.Number, Title: t.Title, Stage: StageDispatched, Created: t.CreatedAt}
	if pr != nil {
		ts.PR = pr.Number
		ts.Stage = StagePROpen
		if tr, err := c.ledger.GetPRTracking(pr.Number); err == nil && tr != nil && tr.LastFailedSHA == pr.HeadSHA && pr.HeadSHA != "" {
			ts.Stage = StageChecksFailing
		}
		return ts
	}
	if sess, err := c.ledger.ActiveSession(t.Number); err == nil && sess != nil {
		ts.Session = sess.ID
		if sess.Status == SessionRunning {
			ts.Stage = StageSessionRunning
		}
	}
	return ts
}
