package github

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	githubAPIURL = "https://api.github.com"

	// DefaultTimeout bounds every Task Store call.
	DefaultTimeout = 10 * time.Second

	perPage  = 100
	maxPages = 10
)

// ErrPageLimit is returned when a listing has more pages than the client
// follows. A truncated list is never returned as if it were complete.
var ErrPageLimit = errors.New("listing exceeds page limit")

// APIError is a non-2xx response from the GitHub API.
type APIError struct {
	StatusCode int
	Body       string
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (status %d): %s", e.StatusCode, e.Body)
}

// IsNotFound reports whether err is a 404 from the API.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// IsStatus reports whether err is an API error with the given status code.
func IsStatus(err error, status int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == status
}

// Client is a GitHub API client scoped to one repository.
type Client struct {
	token      string
	owner      string
	repo       string
	httpClient *http.Client
	baseURL    string
	retry      RetryOptions
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithBaseURL points the client at a different API root (GHES or tests).
func WithBaseURL(baseURL string) ClientOption {
	return func(c *Client) {
		if baseURL != "" {
			c.baseURL = strings.TrimRight(baseURL, "/")
		}
	}
}

// WithTimeout overrides the per-request timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.httpClient.Timeout = d
		}
	}
}

// WithRetryOptions overrides the retry policy.
func WithRetryOptions(opts RetryOptions) ClientOption {
	return func(c *Client) {
		c.retry = opts
	}
}

// NewClient creates a client for repo given as "owner/name".
func NewClient(token, repo string, opts ...ClientOption) (*Client, error) {
	owner, name, ok := strings.Cut(repo, "/")
	if !ok || owner == "" || name == "" || strings.Contains(name, "/") {
		return nil, fmt.Errorf("invalid repo format, expected owner/repo: %q", repo)
	}

	c := &Client{
		token:      token,
		owner:      owner,
		repo:       name,
		baseURL:    githubAPIURL,
		httpClient: &http.Client{Timeout: DefaultTimeout},
		retry:      DefaultRetryOptions(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Repo returns "owner/name".
func (c *Client) Repo() string {
	return c.owner + "/" + c.repo
}

func (c *Client) repoPath(format string, args ...any) string {
	return fmt.Sprintf("/repos/%s/%s", c.owner, c.repo) + fmt.Sprintf(format, args...)
}

// doRequest performs an HTTP request to the GitHub API
func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, result interface{}) error {
	var bodyReader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
		if s := resp.Header.Get("Retry-After"); s != "" {
			if secs, err := strconv.Atoi(s); err == nil {
				apiErr.RetryAfter = time.Duration(secs) * time.Second
			}
		}
		return apiErr
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}
	}

	return nil
}

// GetIssue fetches an issue by number
func (c *Client) GetIssue(ctx context.Context, number int) (*Issue, error) {
	return WithRetry(ctx, func() (*Issue, error) {
		var issue Issue
		if err := c.doRequest(ctx, http.MethodGet, c.repoPath("/issues/%d", number), nil, &issue); err != nil {
			return nil, err
		}
		return &issue, nil
	}, c.retry)
}

// ListIssues lists issues, following pagination. Pull requests returned by the
// issues endpoint are dropped. Labels are sent to the API to narrow the
// listing and checked again client-side, case-insensitively.
func (c *Client) ListIssues(ctx context.Context, opts *ListIssuesOptions) ([]*Issue, error) {
	if opts == nil {
		opts = &ListIssuesOptions{}
	}

	q := url.Values{}
	if opts.State != "" {
		q.Set("state", opts.State)
	}
	if len(opts.Labels) > 0 {
		q.Set("labels", strings.Join(opts.Labels, ","))
	}
	if opts.Sort != "" {
		q.Set("sort", opts.Sort)
	}
	if opts.Direction != "" {
		q.Set("direction", opts.Direction)
	}
	q.Set("per_page", strconv.Itoa(perPage))

	var all []*Issue
	err := paginate(func(page int) (int, error) {
		q.Set("page", strconv.Itoa(page))
		path := c.repoPath("/issues?%s", q.Encode())

		batch, err := WithRetry(ctx, func() ([]*Issue, error) {
			var issues []*Issue
			if err := c.doRequest(ctx, http.MethodGet, path, nil, &issues); err != nil {
				return nil, err
			}
			return issues, nil
		}, c.retry)
		if err != nil {
			return 0, err
		}
		for _, issue := range batch {
			if issue.PullRequest != nil || !hasAllLabels(issue.Labels, opts.Labels) {
				continue
			}
			all = append(all, issue)
		}
		return len(batch), nil
	})
	if err != nil {
		return nil, err
	}
	return all, nil
}

// paginate calls fetch for pages 1..maxPages until a short page. After a
// full last page one more page is fetched; if it is not empty the listing is
// too long and ErrPageLimit is returned.
func paginate(fetch func(page int) (int, error)) error {
	for page := 1; page <= maxPages; page++ {
		n, err := fetch(page)
		if err != nil {
			return err
		}
		if n < perPage {
			return nil
		}
	}
	n, err := fetch(maxPages + 1)
	if err != nil {
		return err
	}
	if n > 0 {
		return fmt.Errorf("%w (%d pages of %d)", ErrPageLimit, maxPages, perPage)
	}
	return nil
}

// AddComment adds a comment to an issue or pull request
func (c *Client) AddComment(ctx context.Context, number int, body string) (*Comment, error) {
	return WithRetry(ctx, func() (*Comment, error) {
		var comment Comment
		reqBody := map[string]string{"body": body}
		if err := c.doRequest(ctx, http.MethodPost, c.repoPath("/issues/%d/comments", number), reqBody, &comment); err != nil {
			return nil, err
		}
		return &comment, nil
	}, c.retry)
}

// AddLabels adds labels to an issue or pull request
func (c *Client) AddLabels(ctx context.Context, number int, labels []string) error {
	return WithRetryVoid(ctx, func() error {
		reqBody := map[string][]string{"labels": labels}
		return c.doRequest(ctx, http.MethodPost, c.repoPath("/issues/%d/labels", number), reqBody, nil)
	}, c.retry)
}

// RemoveLabel removes a label. A label that is not present is not an error.
func (c *Client) RemoveLabel(ctx context.Context, number int, label string) error {
	return WithRetryVoid(ctx, func() error {
		err := c.doRequest(ctx, http.MethodDelete, c.repoPath("/issues/%d/labels/%s", number, url.PathEscape(label)), nil, nil)
		if IsNotFound(err) {
			return nil
		}
		return err
	}, c.retry)
}

// UpdateIssueState updates an issue's state (open/closed)
func (c *Client) UpdateIssueState(ctx context.Context, number int, state string) error {
	return WithRetryVoid(ctx, func() error {
		reqBody := map[string]string{"state": state}
		if state == StateClosed {
			reqBody["state_reason"] = "completed"
		}
		return c.doRequest(ctx, http.MethodPatch, c.repoPath("/issues/%d", number), reqBody, nil)
	}, c.retry)
}

// ListPullRequests lists pull requests in the given state, following pagination.
func (c *Client) ListPullRequests(ctx context.Context, state string) ([]*PullRequest, error) {
	var all []*PullRequest
	err := paginate(func(page int) (int, error) {
		path := c.repoPath("/pulls?state=%s&per_page=%d&page=%d", url.QueryEscape(state), perPage, page)
		batch, err := WithRetry(ctx, func() ([]*PullRequest, error) {
			var prs []*PullRequest
			if err := c.doRequest(ctx, http.MethodGet, path, nil, &prs); err != nil {
				return nil, err
			}
			return prs, nil
		}, c.retry)
		if err != nil {
			return 0, err
		}
		all = append(all, batch...)
		return len(batch), nil
	})
	if err != nil {
		return nil, err
	}
	return all, nil
}

// GetPullRequest fetches a pull request by number
func (c *Client) GetPullRequest(ctx context.Context, number int) (*PullRequest, error) {
	return WithRetry(ctx, func() (*PullRequest, error) {
		var pr PullRequest
		if err := c.doRequest(ctx, http.MethodGet, c.repoPath("/pulls/%d", number), nil, &pr); err != nil {
			return nil, err
		}
		return &pr, nil
	}, c.retry)
}

// FindPullRequestByHead returns the open PR whose head is branch, or nil.
func (c *Client) FindPullRequestByHead(ctx context.Context, branch string) (*PullRequest, error) {
	path := c.repoPath("/pulls?state=open&head=%s", url.QueryEscape(c.owner+":"+branch))
	prs, err := WithRetry(ctx, func() ([]*PullRequest, error) {
		var prs []*PullRequest
		if err := c.doRequest(ctx, http.MethodGet, path, nil, &prs); err != nil {
			return nil, err
		}
		return prs, nil
	}, c.retry)
	if err != nil {
		return nil, err
	}
	for _, pr := range prs {
		if pr.Head.Ref == branch {
			return pr, nil
		}
	}
	return nil, nil
}

// CreatePullRequest opens a new pull request
func (c *Client) CreatePullRequest(ctx context.Context, input *PullRequestInput) (*PullRequest, error) {
	return WithRetry(ctx, func() (*PullRequest, error) {
		var pr PullRequest
		if err := c.doRequest(ctx, http.MethodPost, c.repoPath("/pulls"), input, &pr); err != nil {
			return nil, err
		}
		return &pr, nil
	}, c.retry)
}

// ClosePullRequest closes a pull request without merging.
func (c *Client) ClosePullRequest(ctx context.Context, number int) error {
	return WithRetryVoid(ctx, func() error {
		payload := map[string]string{"state": StateClosed}
		return c.doRequest(ctx, http.MethodPatch, c.repoPath("/pulls/%d", number), payload, nil)
	}, c.retry)
}

// MergePullRequest merges a pull request. sha, when set, makes the merge fail
// if the head moved since the caller evaluated it.
func (c *Client) MergePullRequest(ctx context.Context, number int, method, commitTitle, sha string) error {
	return WithRetryVoid(ctx, func() error {
		body := map[string]string{"merge_method": method}
		if commitTitle != "" {
			body["commit_title"] = commitTitle
		}
		if sha != "" {
			body["sha"] = sha
		}
		return c.doRequest(ctx, http.MethodPut, c.repoPath("/pulls/%d/merge", number), body, nil)
	}, c.retry)
}

// ListCheckRuns lists every check run for a commit SHA or ref, following
// pagination until total_count runs are collected.
func (c *Client) ListCheckRuns(ctx context.Context, ref string) (*CheckRunsResponse, error) {
	result := &CheckRunsResponse{}
	err := paginate(func(page int) (int, error) {
		if page > 1 && len(result.CheckRuns) >= result.TotalCount {
			return 0, nil
		}
		path := c.repoPath("/commits/%s/check-runs?per_page=%d&page=%d", url.PathEscape(ref), perPage, page)
		batch, err := WithRetry(ctx, func() (*CheckRunsResponse, error) {
			var resp CheckRunsResponse
			if err := c.doRequest(ctx, http.MethodGet, path, nil, &resp); err != nil {
				return nil, err
			}
			return &resp, nil
		}, c.retry)
		if err != nil {
			return 0, err
		}
		result.TotalCount = batch.TotalCount
		result.CheckRuns = append(result.CheckRuns, batch.CheckRuns...)
		return len(batch.CheckRuns), nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// HasLabel checks if a label set contains name (case-insensitive)
func HasLabel(labels []Label, name string) bool {
	for _, label := range labels {
		if strings.EqualFold(label.Name, name) {
			return true
		}
	}
	return false
}

func hasAllLabels(labels []Label, want []string) bool {
	for _, w := range want {
		if !HasLabel(labels, w) {
			return false
		}
	}
	return true
}

// LabelNames flattens a label set.
func LabelNames(labels []Label) []string {
	names := make([]string, 0, len(labels))
	for _, l := range labels {
		names = append(names, l.Name)
	}
	return names
}
