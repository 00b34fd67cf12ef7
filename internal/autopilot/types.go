package autopilot

import (
	"sort"
	"strings"
	"time"
)

// Config holds the orchestration loop configuration.
type Config struct {
	// Repository is "owner/name" of the Task Store repository, passed to the agent.
	Repository string `yaml:"repository" toml:"repository"`
	// BaseBranch is the integration branch sessions start from and PRs target.
	BaseBranch string `yaml:"base_branch" toml:"base_branch"`

	// Labels rendering the task and PR stages.
	WorkLabel       string `yaml:"work_label" toml:"work_label"`
	AgentLabel      string `yaml:"agent_label" toml:"agent_label"`
	QueuedLabel     string `yaml:"queued_label" toml:"queued_label"`
	InProgressLabel string `yaml:"in_progress_label" toml:"in_progress_label"`
	BlockedLabel    string `yaml:"blocked_label" toml:"blocked_label"`

	// SessionPollInterval is the on-demand watch interval.
	SessionPollInterval time.Duration `yaml:"session_poll_interval" toml:"session_poll_interval"`
	// SessionTimeout bounds how long a session may stay non-terminal before it is stuck.
	SessionTimeout time.Duration `yaml:"session_timeout" toml:"session_timeout"`
	// WatchAfterDispatch starts an on-demand watch right after a dispatch.
	WatchAfterDispatch bool `yaml:"watch_after_dispatch" toml:"watch_after_dispatch"`

	// MergeMethod is merge, squash, or rebase.
	MergeMethod string `yaml:"merge_method" toml:"merge_method"`
	// RequiredChecks must be reported; a missing one counts as pending.
	RequiredChecks []string `yaml:"required_checks" toml:"required_checks"`
	// ExcludeChecks are glob patterns of check names to ignore.
	ExcludeChecks []string `yaml:"exclude_checks" toml:"exclude_checks"`
	// MaxFailedAttempts is the number of distinct failing head commits before escalation.
	MaxFailedAttempts int `yaml:"max_failed_attempts" toml:"max_failed_attempts"`

	// TrackingDoc is a markdown checklist updated after each merge. Empty disables it.
	TrackingDoc string `yaml:"tracking_doc" toml:"tracking_doc"`
}

// DefaultConfig returns sensible defaults for the loop.
func DefaultConfig() *Config {
	return &Config{
		BaseBranch:          "main",
		WorkLabel:           "agent-task",
		AgentLabel:          "agent-authored",
		QueuedLabel:         "queued",
		InProgressLabel:     "in-progress",
		BlockedLabel:        "blocked",
		SessionPollInterval: 5 * time.Minute,
		SessionTimeout:      2 * time.Hour,
		WatchAfterDispatch:  false,
		MergeMethod:         "squash",
		MaxFailedAttempts:   3,
	}
}

// TaskState is the open/closed flag of a task.
type TaskState string

const (
	TaskOpen   TaskState = "open"
	TaskClosed TaskState = "closed"
)

// Task is a unit of requested work held in the Task Store.
type Task struct {
	Number    int
	Title     string
	Body      string
	URL       string
	Labels    []string
	State     TaskState
	CreatedAt time.Time
}

// HasLabel reports whether the task carries name (case-insensitive).
func (t *Task) HasLabel(name string) bool {
	return containsFold(t.Labels, name)
}

// SessionStatus is the lifecycle of one agent session.
type SessionStatus string

const (
	SessionPending   SessionStatus = "pending"
	SessionRunning   SessionStatus = "running"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
)

// IsTerminal reports whether no further transitions are possible.
func (s SessionStatus) IsTerminal() bool {
	return s == SessionCompleted || s == SessionFailed
}

// Session is one execution attempt by the coding agent against a single task.
type Session struct {
	TaskNumber   int
	ID           string
	Status       SessionStatus
	ResultBranch string
	URL          string
	Error        string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// PRState is the lifecycle of a pull request.
type PRState string

const (
	PROpen   PRState = "open"
	PRMerged PRState = "merged"
	PRClosed PRState = "closed"
)

// PullRequest is the Task Store's view of a pull request.
type PullRequest struct {
	Number     int
	TaskNumber int // 0 when unknown
	Title      string
	Body       string
	URL        string
	HeadRef    string
	HeadSHA    string
	BaseRef    string
	Labels     []string
	Mergeable  *bool // nil while the Task Store is still computing it
	State      PRState
	CreatedAt  time.Time
}

// HasLabel reports whether the PR carries name (case-insensitive).
func (p *PullRequest) HasLabel(name string) bool {
	return containsFold(p.Labels, name)
}

// CheckOutcome is the resolved state of a single CI check.
type CheckOutcome string

const (
	CheckPass    CheckOutcome = "pass"
	CheckFail    CheckOutcome = "fail"
	CheckPending CheckOutcome = "pending"
)

// CheckResult is one entry of a check rollup.
type CheckResult struct {
	Name       string
	Outcome    CheckOutcome
	Summary    string
	DetailsURL string
}

// Rollup is the aggregated check state of a pull request head.
type Rollup struct {
	Checks    []CheckResult
	Mergeable *bool
}

// Decided reports whether every check resolved to pass or fail.
// A rollup with no checks is not decided: CI has not reported yet.
func (r *Rollup) Decided() bool {
	if len(r.Checks) == 0 {
		return false
	}
	for _, c := range r.Checks {
		if c.Outcome == CheckPending {
			return false
		}
	}
	return true
}

// Failing returns failed checks sorted by name.
func (r *Rollup) Failing() []CheckResult {
	var out []CheckResult
	for _, c := range r.Checks {
		if c.Outcome == CheckFail {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Pending returns the names of unresolved checks, sorted.
func (r *Rollup) Pending() []string {
	var out []string
	for _, c := range r.Checks {
		if c.Outcome == CheckPending {
			out = append(out, c.Name)
		}
	}
	sort.Strings(out)
	return out
}

// AllPassed reports whether the rollup is decided with no failures.
func (r *Rollup) AllPassed() bool {
	return r.Decided() && len(r.Failing()) == 0
}

// TaskStage is the per-task state machine. Labels and comments render it.
type TaskStage string

const (
	StageOpen           TaskStage = "open"
	StageLabeled        TaskStage = "labeled"
	StageQueued         TaskStage = "queued"
	StageDispatched     TaskStage = "dispatched"
	StageSessionRunning TaskStage = "session-running"
	StagePROpen         TaskStage = "pr-open"
	StageChecksFailing  TaskStage = "checks-failing"
	StageMerged         TaskStage = "merged"
	StageClosed         TaskStage = "closed"
	StageBlocked        TaskStage = "blocked"
)

// Event is a loop transition published to observers.
type Event struct {
	Type    string    `json:"type"`
	Task    int       `json:"task,omitempty"`
	PR      int       `json:"pr,omitempty"`
	Message string    `json:"message,omitempty"`
	Time    time.Time `json:"time"`
}

// Event types.
const (
	EventQueued        = "queued"
	EventDispatched    = "dispatched"
	EventPROpened      = "pr-opened"
	EventSessionFailed = "session-failed"
	EventSessionStuck  = "session-stuck"
	EventChecksFailed  = "checks-failed"
	EventConflict      = "conflict"
	EventEscalated     = "escalated"
	EventMerged        = "merged"
)

// EventTypes lists every event the loop publishes.
func EventTypes() []string {
	return []string{
		EventQueued, EventDispatched, EventPROpened, EventSessionFailed, EventSessionStuck,
		EventChecksFailed, EventConflict, EventEscalated, EventMerged,
	}
}

// EventSink receives loop events. Publish must not block.
type EventSink interface {
	Publish(Event)
}

// Sinks fans one event out to several sinks.
type Sinks []EventSink

// Publish implements EventSink.
func (s Sinks) Publish(e Event) {
	for _, sink := range s {
		if sink != nil {
			sink.Publish(e)
		}
	}
}

// ShortSHA returns the first 7 characters of a commit SHA.
func ShortSHA(sha string) string {
	if len(sha) > 7 {
		return sha[:7]
	}
	return sha
}

func containsFold(labels []string, name string) bool {
	for _, l := range labels {
		if strings.EqualFold(l, name) {
			return true
		}
	}
	return false
}
