package github

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alekspetrov/conveyor/internal/logging"
)

// WebhookEventType is "<event>.<action>" as delivered in X-GitHub-Event plus the payload action.
type WebhookEventType string

const (
	EventIssuesOpened        WebhookEventType = "issues.opened"
	EventIssuesLabeled       WebhookEventType = "issues.labeled"
	EventCheckSuiteCompleted WebhookEventType = "check_suite.completed"
	EventCheckRunCompleted   WebhookEventType = "check_run.completed"
	EventPullRequestClosed   WebhookEventType = "pull_request.closed"
)

// PRNumberRef is the minimal pull request reference embedded in check payloads.
type PRNumberRef struct {
	Number int `json:"number"`
}

// CheckSuite is the check_suite object of a check_suite event.
type CheckSuite struct {
	HeadSHA      string        `json:"head_sha"`
	HeadBranch   string        `json:"head_branch"`
	Status       string        `json:"status"`
	Conclusion   string        `json:"conclusion"`
	PullRequests []PRNumberRef `json:"pull_requests"`
}

// CheckRunEvent is the check_run object of a check_run event.
type CheckRunEvent struct {
	Name         string        `json:"name"`
	HeadSHA      string        `json:"head_sha"`
	Status       string        `json:"status"`
	Conclusion   string        `json:"conclusion"`
	PullRequests []PRNumberRef `json:"pull_requests"`
}

// WebhookPayload is the union of the fields conveyor reads from webhook bodies.
type WebhookPayload struct {
	Action      string         `json:"action"`
	Issue       *Issue         `json:"issue,omitempty"`
	Label       *Label         `json:"label,omitempty"`
	PullRequest *PullRequest   `json:"pull_request,omitempty"`
	CheckSuite  *CheckSuite    `json:"check_suite,omitempty"`
	CheckRun    *CheckRunEvent `json:"check_run,omitempty"`
	Repository  *Repository    `json:"repository,omitempty"`
	Sender      *User          `json:"sender,omitempty"`
}

// WebhookHandler routes GitHub webhook deliveries to loop triggers.
type WebhookHandler struct {
	webhookSecret string
	workLabel     string
	repo          string

	onTaskLabeled     func(ctx context.Context, issueNumber int) error
	onChecksCompleted func(ctx context.Context, sha string, prNumbers []int) error
	onMerged          func(ctx context.Context, prNumber int) error
}

// NewWebhookHandler creates a handler. repo, when set, drops deliveries for other repositories.
func NewWebhookHandler(webhookSecret, workLabel, repo string) *WebhookHandler {
	return &WebhookHandler{
		webhookSecret: webhookSecret,
		workLabel:     workLabel,
		repo:          repo,
	}
}

// OnTaskLabeled sets the callback for a work-labeled issue.
func (h *WebhookHandler) OnTaskLabeled(fn func(ctx context.Context, issueNumber int) error) {
	h.onTaskLabeled = fn
}

// OnChecksCompleted sets the callback for finished check suites and runs.
func (h *WebhookHandler) OnChecksCompleted(fn func(ctx context.Context, sha string, prNumbers []int) error) {
	h.onChecksCompleted = fn
}

// OnMerged sets the callback for merged pull requests.
func (h *WebhookHandler) OnMerged(fn func(ctx context.Context, prNumber int) error) {
	h.onMerged = fn
}

// VerifySignature verifies the delivery signature against the configured secret.
func (h *WebhookHandler) VerifySignature(payload []byte, signature string) bool {
	return VerifyWebhookSignature(payload, signature, h.webhookSecret)
}

// VerifyWebhookSignature checks an X-Hub-Signature-256 header. An empty
// secret disables verification (development mode).
func VerifyWebhookSignature(payload []byte, signature, secret string) bool {
	if secret == "" {
		return true
	}

	expected, ok := strings.CutPrefix(signature, "sha256=")
	if !ok {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	actual := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(expected), []byte(actual))
}

// SignPayload returns the X-Hub-Signature-256 value for payload.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// ParsePayload decodes a webhook body.
func ParsePayload(body []byte) (*WebhookPayload, error) {
	var p WebhookPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("failed to parse webhook payload: %w", err)
	}
	return &p, nil
}

// Handle dispatches one delivery. Events conveyor does not act on are ignored.
func (h *WebhookHandler) Handle(ctx context.Context, eventType string, payload *WebhookPayload) error {
	log := logging.WithComponent("github")
	log.Debug("GitHub webhook", slog.String("event", eventType), slog.String("action", payload.Action))

	if h.repo != "" && payload.Repository != nil && !strings.EqualFold(payload.Repository.FullName, h.repo) {
		log.Debug("Webhook for another repository, skipping", slog.String("repo", payload.Repository.FullName))
		return nil
	}

	switch WebhookEventType(eventType + "." + payload.Action) {
	case EventIssuesLabeled:
		if payload.Label == nil || !strings.EqualFold(payload.Label.Name, h.workLabel) {
			return nil
		}
		return h.taskLabeled(ctx, payload)
	case EventIssuesOpened:
		if payload.Issue == nil || !HasLabel(payload.Issue.Labels, h.workLabel) {
			return nil
		}
		return h.taskLabeled(ctx, payload)
	case EventCheckSuiteCompleted:
		if payload.CheckSuite == nil {
			return nil
		}
		return h.checksCompleted(ctx, payload.CheckSuite.HeadSHA, payload.CheckSuite.PullRequests)
	case EventCheckRunCompleted:
		if payload.CheckRun == nil {
			return nil
		}
		return h.checksCompleted(ctx, payload.CheckRun.HeadSHA, payload.CheckRun.PullRequests)
	case EventPullRequestClosed:
		if payload.PullRequest == nil || !payload.PullRequest.Merged || h.onMerged == nil {
			return nil
		}
		log.Info("Pull request merged", slog.Int("pr", payload.PullRequest.Number))
		return h.onMerged(ctx, payload.PullRequest.Number)
	}

	return nil
}

func (h *WebhookHandler) taskLabeled(ctx context.Context, payload *WebhookPayload) error {
	if payload.Issue == nil || payload.Issue.PullRequest != nil || h.onTaskLabeled == nil {
		return nil
	}
	logging.WithComponent("github").Info("Work label observed",
		slog.Int("task", payload.Issue.Number),
		slog.String("title", payload.Issue.Title))
	return h.onTaskLabeled(ctx, payload.Issue.Number)
}

func (h *WebhookHandler) checksCompleted(ctx context.Context, sha string, refs []PRNumberRef) error {
	if h.onChecksCompleted == nil || sha == "" {
		return nil
	}
	numbers := make([]int, 0, len(refs))
	for _, r := range refs {
		numbers = append(numbers, r.Number)
	}
	return h.onChecksCompleted(ctx, sha, numbers)
}
