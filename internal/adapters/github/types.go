package github

import "time"

// Config holds GitHub adapter configuration
type Config struct {
	Token         string `yaml:"token" toml:"token"`
	Repo          string `yaml:"repo" toml:"repo"` // owner/name
	WebhookSecret string `yaml:"webhook_secret" toml:"webhook_secret"`
	BaseURL       string `yaml:"base_url" toml:"base_url"` // empty = api.github.com
}

// DefaultConfig returns default GitHub configuration
func DefaultConfig() *Config {
	return &Config{BaseURL: githubAPIURL}
}

// Issue and pull request states
const (
	StateOpen   = "open"
	StateClosed = "closed"
	StateAll    = "all"
)

// Merge methods accepted by the merge endpoint
const (
	MergeMethodMerge  = "merge"
	MergeMethodSquash = "squash"
	MergeMethodRebase = "rebase"
)

// Check run statuses
const (
	CheckRunQueued     = "queued"
	CheckRunInProgress = "in_progress"
	CheckRunCompleted  = "completed"
)

// Check run conclusions
const (
	ConclusionSuccess        = "success"
	ConclusionFailure        = "failure"
	ConclusionNeutral        = "neutral"
	ConclusionCancelled      = "cancelled"
	ConclusionSkipped        = "skipped"
	ConclusionTimedOut       = "timed_out"
	ConclusionActionRequired = "action_required"
	ConclusionStale          = "stale"
)

// Issue represents a GitHub issue
type Issue struct {
	ID          int64        `json:"id"`
	Number      int          `json:"number"`
	Title       string       `json:"title"`
	Body        string       `json:"body"`
	State       string       `json:"state"`
	Labels      []Label      `json:"labels"`
	User        User         `json:"user"`
	HTMLURL     string       `json:"html_url"`
	PullRequest *IssuePRLink `json:"pull_request,omitempty"` // set when the "issue" is a PR
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
	ClosedAt    *time.Time   `json:"closed_at,omitempty"`
}

// IssuePRLink marks issues-API entries that are really pull requests.
type IssuePRLink struct {
	URL string `json:"url"`
}

// Label represents a GitHub label
type Label struct {
	ID    int64  `json:"id,omitempty"`
	Name  string `json:"name"`
	Color string `json:"color,omitempty"`
}

// User represents a GitHub user
type User struct {
	ID    int64  `json:"id,omitempty"`
	Login string `json:"login"`
}

// Repository represents a GitHub repository
type Repository struct {
	ID            int64  `json:"id,omitempty"`
	Name          string `json:"name"`
	FullName      string `json:"full_name"`
	Owner         User   `json:"owner"`
	HTMLURL       string `json:"html_url,omitempty"`
	DefaultBranch string `json:"default_branch,omitempty"`
}

// Comment represents a GitHub issue comment
type Comment struct {
	ID        int64     `json:"id"`
	Body      string    `json:"body"`
	User      User      `json:"user"`
	HTMLURL   string    `json:"html_url,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// PRRef is the head or base side of a pull request.
type PRRef struct {
	Ref string `json:"ref"`
	SHA string `json:"sha"`
}

// PullRequest represents a GitHub pull request
type PullRequest struct {
	ID             int64      `json:"id,omitempty"`
	Number         int        `json:"number"`
	Title          string     `json:"title"`
	Body           string     `json:"body"`
	State          string     `json:"state"`
	Merged         bool       `json:"merged"`
	Mergeable      *bool      `json:"mergeable"`
	MergeableState string     `json:"mergeable_state,omitempty"`
	Labels         []Label    `json:"labels"`
	Head           PRRef      `json:"head"`
	Base           PRRef      `json:"base"`
	HTMLURL        string     `json:"html_url"`
	MergeCommitSHA string     `json:"merge_commit_sha,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	MergedAt       *time.Time `json:"merged_at,omitempty"`
}

// PullRequestInput is the body for creating a pull request
type PullRequestInput struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	Head  string `json:"head"`
	Base  string `json:"base"`
	Draft bool   `json:"draft,omitempty"`
}

// CheckRunOutput carries the human-readable summary of a check run.
type CheckRunOutput struct {
	Title   string `json:"title,omitempty"`
	Summary string `json:"summary,omitempty"`
}

// CheckRun represents a GitHub Actions (or other app) check run
type CheckRun struct {
	ID         int64          `json:"id,omitempty"`
	Name       string         `json:"name"`
	Status     string         `json:"status"`
	Conclusion string         `json:"conclusion"`
	HeadSHA    string         `json:"head_sha,omitempty"`
	HTMLURL    string         `json:"html_url,omitempty"`
	DetailsURL string         `json:"details_url,omitempty"`
	Output     CheckRunOutput `json:"output"`
}

// CheckRunsResponse is the list envelope returned by the check-runs endpoint
type CheckRunsResponse struct {
	TotalCount int        `json:"total_count"`
	CheckRuns  []CheckRun `json:"check_runs"`
}

// ListIssuesOptions filters ListIssues
type ListIssuesOptions struct {
	State     string
	Labels    []string
	Sort      string // created, updated, comments
	Direction string // asc, desc
}
