package autopilot

import (
	"context"
	"fmt"

	"github.com/alekspetrov/conveyor/internal/adapters/github"
)

// TaskStore is the external system of record: tasks, labels, comments and
// pull requests. All loop state is derived from it.
type TaskStore interface {
	ListOpenTasks(ctx context.Context, label string) ([]*Task, error)
	GetTask(ctx context.Context, number int) (*Task, error)
	AddLabels(ctx context.Context, number int, labels ...string) error
	RemoveLabel(ctx context.Context, number int, label string) error
	Comment(ctx context.Context, number int, body string) error
	CloseTask(ctx context.Context, number int) error

	ListOpenPullRequests(ctx context.Context) ([]*PullRequest, error)
	GetPullRequest(ctx context.Context, number int) (*PullRequest, error)
	FindPullRequestByHead(ctx context.Context, branch string) (*PullRequest, error)
	CreatePullRequest(ctx context.Context, title, body, head, base string) (*PullRequest, error)
	ClosePullRequest(ctx context.Context, number int) error
	MergePullRequest(ctx context.Context, number int, method, commitTitle, sha string) error
}

// GitHubTaskStore implements TaskStore on the GitHub REST API.
type GitHubTaskStore struct {
	client *github.Client
}

// NewGitHubTaskStore wraps a repository-scoped GitHub client.
func NewGitHubTaskStore(client *github.Client) *GitHubTaskStore {
	return &GitHubTaskStore{client: client}
}

func (s *GitHubTaskStore) ListOpenTasks(ctx context.Context, label string) ([]*Task, error) {
	opts := &github.ListIssuesOptions{
		State:     github.StateOpen,
		Sort:      "created",
		Direction: "asc",
	}
	if label != "" {
		opts.Labels = []string{label}
	}
	issues, err := s.client.ListIssues(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("list open tasks: %w", err)
	}
	tasks := make([]*Task, 0, len(issues))
	for _, issue := range issues {
		tasks = append(tasks, taskFromIssue(issue))
	}
	return tasks, nil
}

func (s *GitHubTaskStore) GetTask(ctx context.Context, number int) (*Task, error) {
	issue, err := s.client.GetIssue(ctx, number)
	if err != nil {
		return nil, fmt.Errorf("get task #%d: %w", number, err)
	}
	return taskFromIssue(issue), nil
}

func (s *GitHubTaskStore) AddLabels(ctx context.Context, number int, labels ...string) error {
	return s.client.AddLabels(ctx, number, labels)
}

func (s *GitHubTaskStore) RemoveLabel(ctx context.Context, number int, label string) error {
	return s.client.RemoveLabel(ctx, number, label)
}

func (s *GitHubTaskStore) Comment(ctx context.Context, number int, body string) error {
	_, err := s.client.AddComment(ctx, number, body)
	return err
}

func (s *GitHubTaskStore) CloseTask(ctx context.Context, number int) error {
	return s.client.UpdateIssueState(ctx, number, github.StateClosed)
}

func (s *GitHubTaskStore) ListOpenPullRequests(ctx context.Context) ([]*PullRequest, error) {
	prs, err := s.client.ListPullRequests(ctx, github.StateOpen)
	if err != nil {
		return nil, fmt.Errorf("list open pull requests: %w", err)
	}
	out := make([]*PullRequest, 0, len(prs))
	for _, pr := range prs {
		out = append(out, pullRequestFromGitHub(pr))
	}
	return out, nil
}

func (s *GitHubTaskStore) GetPullRequest(ctx context.Context, number int) (*PullRequest, error) {
	pr, err := s.client.GetPullRequest(ctx, number)
	if err != nil {
		return nil, fmt.Errorf("get pull request #%d: %w", number, err)
	}
	return pullRequestFromGitHub(pr), nil
}

func (s *GitHubTaskStore) FindPullRequestByHead(ctx context.Context, branch string) (*PullRequest, error) {
	pr, err := s.client.FindPullRequestByHead(ctx, branch)
	if err != nil || pr == nil {
		return nil, err
	}
	return pullRequestFromGitHub(pr), nil
}

func (s *GitHubTaskStore) CreatePullRequest(ctx context.Context, title, body, head, base string) (*PullRequest, error) {
	pr, err := s.client.CreatePullRequest(ctx, &github.PullRequestInput{
		Title: title,
		Body:  body,
		Head:  head,
		Base:  base,
	})
	if err != nil {
		return nil, fmt.Errorf("create pull request from %s: %w", head, err)
	}
	return pullRequestFromGitHub(pr), nil
}

func (s *GitHubTaskStore) ClosePullRequest(ctx context.Context, number int) error {
	return s.client.ClosePullRequest(ctx, number)
}

func (s *GitHubTaskStore) MergePullRequest(ctx context.Context, number int, method, commitTitle, sha string) error {
	return s.client.MergePullRequest(ctx, number, method, commitTitle, sha)
}

func taskFromIssue(issue *github.Issue) *Task {
	state := TaskOpen
	if issue.State == github.StateClosed {
		state = TaskClosed
	}
	return &Task{
		Number:    issue.Number,
		Title:     issue.Title,
		Body:      issue.Body,
		URL:       issue.HTMLURL,
		Labels:    github.LabelNames(issue.Labels),
		State:     state,
		CreatedAt: issue.CreatedAt,
	}
}

func pullRequestFromGitHub(pr *github.PullRequest) *PullRequest {
	state := PROpen
	switch {
	case pr.Merged || pr.MergedAt != nil:
		state = PRMerged
	case pr.State == github.StateClosed:
		state = PRClosed
	}
	out := &PullRequest{
		Number:    pr.Number,
		Title:     pr.Title,
		Body:      pr.Body,
		URL:       pr.HTMLURL,
		HeadRef:   pr.Head.Ref,
		HeadSHA:   pr.Head.SHA,
		BaseRef:   pr.Base.Ref,
		Labels:    github.LabelNames(pr.Labels),
		Mergeable: pr.Mergeable,
		State:     state,
		CreatedAt: pr.CreatedAt,
	}
	if n, ok := TaskReference(out); ok {
		out.TaskNumber = n
	}
	return out
}
