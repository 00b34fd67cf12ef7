package autopilot

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/alekspetrov/conveyor/internal/adapters/github"
)

// CIValidator exposes the per-check rollup of a pull request head.
type CIValidator interface {
	Rollup(ctx context.Context, pr *PullRequest) (*Rollup, error)
}

// CheckRunLister is the slice of the GitHub client the validator needs.
type CheckRunLister interface {
	ListCheckRuns(ctx context.Context, ref string) (*github.CheckRunsResponse, error)
}

// GitHubCIValidator builds rollups from GitHub check runs.
type GitHubCIValidator struct {
	client   CheckRunLister
	required []string
	exclude  []string
}

// NewGitHubCIValidator creates a validator. Required checks missing from the
// head commit count as pending; checks matching an exclude glob are ignored.
func NewGitHubCIValidator(client CheckRunLister, required, exclude []string) *GitHubCIValidator {
	return &GitHubCIValidator{client: client, required: required, exclude: exclude}
}

// Rollup implements CIValidator.
func (v *GitHubCIValidator) Rollup(ctx context.Context, pr *PullRequest) (*Rollup, error) {
	if pr.HeadSHA == "" {
		return nil, fmt.Errorf("pull request #%d has no head SHA", pr.Number)
	}
	runs, err := v.client.ListCheckRuns(ctx, pr.HeadSHA)
	if err != nil {
		return nil, fmt.Errorf("list check runs for %s: %w", ShortSHA(pr.HeadSHA), err)
	}

	// Re-runs report the same name more than once; the newest run wins.
	latest := make(map[string]github.CheckRun)
	var order []string
	for _, run := range runs.CheckRuns {
		if v.excluded(run.Name) {
			continue
		}
		prev, seen := latest[run.Name]
		if !seen {
			order = append(order, run.Name)
		}
		if !seen || run.ID > prev.ID {
			latest[run.Name] = run
		}
	}

	rollup := &Rollup{Mergeable: pr.Mergeable}
	for _, name := range order {
		run := latest[name]
		rollup.Checks = append(rollup.Checks, CheckResult{
			Name:       run.Name,
			Outcome:    mapCheckRun(run),
			Summary:    checkSummary(run),
			DetailsURL: firstNonEmpty(run.DetailsURL, run.HTMLURL),
		})
	}
	for _, name := range v.required {
		if _, ok := latest[name]; !ok {
			rollup.Checks = append(rollup.Checks, CheckResult{Name: name, Outcome: CheckPending, Summary: "not reported yet"})
		}
	}
	return rollup, nil
}

func (v *GitHubCIValidator) excluded(name string) bool {
	for _, pattern := range v.exclude {
		if ok, _ := path.Match(pattern, name); ok {
			return true
		}
	}
	return false
}

// mapCheckRun maps a GitHub check run onto pass/fail/pending.
func mapCheckRun(run github.CheckRun) CheckOutcome {
	if run.Status != github.CheckRunCompleted {
		return CheckPending
	}
	switch run.Conclusion {
	case github.ConclusionSuccess, github.ConclusionSkipped, github.ConclusionNeutral:
		return CheckPass
	case github.ConclusionFailure, github.ConclusionCancelled, github.ConclusionTimedOut,
		github.ConclusionActionRequired, github.ConclusionStale:
		return CheckFail
	}
	return CheckPending
}

func checkSummary(run github.CheckRun) string {
	s := firstNonEmpty(run.Output.Title, run.Output.Summary)
	if s == "" && run.Conclusion != "" && run.Conclusion != github.ConclusionSuccess {
		s = strings.ReplaceAll(run.Conclusion, "_", " ")
	}
	return s
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
