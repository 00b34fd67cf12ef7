package autopilot

import (
	"context"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alekspetrov/conveyor/internal/adapters/github"
	"github.com/alekspetrov/conveyor/internal/agent"
)

// fakeStore is an in-memory Task Store.
type fakeStore struct {
	mu         sync.Mutex
	agentLabel string
	tasks      map[int]*Task
	prs        map[int]*PullRequest
	comments   map[int][]string
	nextPR     int
	listErr    error
	mergeErr   error

	maxOpenAgentPRs int
	merges          []int
}

func newFakeStore(agentLabel string) *fakeStore {
	return &fakeStore{
		agentLabel: agentLabel,
		tasks:      map[int]*Task{},
		prs:        map[int]*PullRequest{},
		comments:   map[int][]string{},
		nextPR:     10,
	}
}

var baseTime = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func (s *fakeStore) addTask(number int, age time.Duration, labels ...string) *Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &Task{
		Number:    number,
		Title:     fmt.Sprintf("Task %d", number),
		Body:      fmt.Sprintf("Do thing %d", number),
		Labels:    labels,
		State:     TaskOpen,
		CreatedAt: baseTime.Add(age),
	}
	s.tasks[number] = t
	return copyTask(t)
}

func (s *fakeStore) addPR(pr *PullRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pr.State == "" {
		pr.State = PROpen
	}
	s.prs[pr.Number] = pr
	s.trackInvariant()
}

func (s *fakeStore) push(prNumber int, sha string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prs[prNumber].HeadSHA = sha
}

func (s *fakeStore) setMergeable(prNumber int, v *bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prs[prNumber].Mergeable = v
}

func (s *fakeStore) task(n int) *Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyTask(s.tasks[n])
}

func (s *fakeStore) pr(n int) *PullRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.prs[n]; ok {
		return copyPR(p)
	}
	return nil
}

func (s *fakeStore) commentsOn(n int) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.comments[n])
}

func (s *fakeStore) countComments(n int, substr string) int {
	count := 0
	for _, c := range s.commentsOn(n) {
		if strings.Contains(c, substr) {
			count++
		}
	}
	return count
}

func (s *fakeStore) openAgentPRs() int {
	n := 0
	for _, pr := range s.prs {
		if pr.State == PROpen && pr.HasLabel(s.agentLabel) {
			n++
		}
	}
	return n
}

// trackInvariant must be called with mu held.
func (s *fakeStore) trackInvariant() {
	if n := s.openAgentPRs(); n > s.maxOpenAgentPRs {
		s.maxOpenAgentPRs = n
	}
}

func (s *fakeStore) ListOpenTasks(_ context.Context, label string) ([]*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	var out []*Task
	for _, t := range s.tasks {
		if t.State == TaskOpen && (label == "" || t.HasLabel(label)) {
			out = append(out, copyTask(t))
		}
	}
	// Map order is random; callers must sort.
	return out, nil
}

func (s *fakeStore) GetTask(_ context.Context, number int) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[number]
	if !ok {
		return nil, &github.APIError{StatusCode: http.StatusNotFound}
	}
	return copyTask(t), nil
}

func (s *fakeStore) AddLabels(_ context.Context, number int, labels ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pr, ok := s.prs[number]; ok {
		for _, l := range labels {
			if !pr.HasLabel(l) {
				pr.Labels = append(pr.Labels, l)
			}
		}
		s.trackInvariant()
		return nil
	}
	t, ok := s.tasks[number]
	if !ok {
		return &github.APIError{StatusCode: http.StatusNotFound}
	}
	for _, l := range labels {
		if !t.HasLabel(l) {
			t.Labels = append(t.Labels, l)
		}
	}
	return nil
}

func (s *fakeStore) RemoveLabel(_ context.Context, number int, label string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	drop := func(labels []string) []string {
		return slices.DeleteFunc(labels, func(l string) bool { return strings.EqualFold(l, label) })
	}
	if pr, ok := s.prs[number]; ok {
		pr.Labels = drop(pr.Labels)
		return nil
	}
	if t, ok := s.tasks[number]; ok {
		t.Labels = drop(t.Labels)
	}
	return nil
}

func (s *fakeStore) Comment(_ context.Context, number int, body string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.comments[number] = append(s.comments[number], body)
	return nil
}

func (s *fakeStore) CloseTask(_ context.Context, number int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tasks[number]; ok {
		t.State = TaskClosed
	}
	return nil
}

func (s *fakeStore) ListOpenPullRequests(_ context.Context) ([]*PullRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	var out []*PullRequest
	for _, pr := range s.prs {
		if pr.State == PROpen {
			out = append(out, copyPR(pr))
		}
	}
	return out, nil
}

func (s *fakeStore) GetPullRequest(_ context.Context, number int) (*PullRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pr, ok := s.prs[number]
	if !ok {
		return nil, &github.APIError{StatusCode: http.StatusNotFound}
	}
	return copyPR(pr), nil
}

func (s *fakeStore) FindPullRequestByHead(_ context.Context, branch string) (*PullRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, pr := range s.prs {
		if pr.State == PROpen && pr.HeadRef == branch {
			return copyPR(pr), nil
		}
	}
	return nil, nil
}

func (s *fakeStore) CreatePullRequest(_ context.Context, title, body, head, base string) (*PullRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextPR++
	mergeable := true
	pr := &PullRequest{
		Number:    s.nextPR,
		Title:     title,
		Body:      body,
		URL:       fmt.Sprintf("https://github.test/org/repo/pull/%d", s.nextPR),
		HeadRef:   head,
		HeadSHA:   "sha-" + head + "-1",
		BaseRef:   base,
		Mergeable: &mergeable,
		State:     PROpen,
	}
	s.prs[pr.Number] = pr
	return copyPR(pr), nil
}

func (s *fakeStore) ClosePullRequest(_ context.Context, number int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pr, ok := s.prs[number]; ok {
		pr.State = PRClosed
	}
	return nil
}

func (s *fakeStore) MergePullRequest(_ context.Context, number int, _ string, _ string, sha string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mergeErr != nil {
		return s.mergeErr
	}
	pr, ok := s.prs[number]
	if !ok || pr.State != PROpen {
		return &github.APIError{StatusCode: http.StatusMethodNotAllowed}
	}
	if sha != "" && sha != pr.HeadSHA {
		return &github.APIError{StatusCode: http.StatusConflict}
	}
	pr.State = PRMerged
	s.merges = append(s.merges, number)
	return nil
}

func copyTask(t *Task) *Task {
	if t == nil {
		return nil
	}
	c := *t
	c.Labels = slices.Clone(t.Labels)
	return &c
}

func copyPR(p *PullRequest) *PullRequest {
	c := *p
	c.Labels = slices.Clone(p.Labels)
	if n, ok := TaskReference(&c); ok {
		c.TaskNumber = n
	}
	return &c
}

// fakeAgent is an in-memory coding-agent API.
type fakeAgent struct {
	mu        sync.Mutex
	noCreds   bool
	created   int
	sessions  map[string]*agent.SessionInfo
	createErr error
	getErr    error
	keys      []string
}

func newFakeAgent() *fakeAgent {
	return &fakeAgent{sessions: map[string]*agent.SessionInfo{}}
}

func (a *fakeAgent) HasCredentials() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return !a.noCreds
}

func (a *fakeAgent) CreateSession(_ context.Context, req agent.SessionRequest) (*agent.SessionInfo, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.noCreds {
		return nil, agent.ErrMissingCredentials
	}
	a.keys = append(a.keys, req.IdempotencyKey)
	if a.createErr != nil {
		return nil, a.createErr
	}
	a.created++
	info := &agent.SessionInfo{ID: fmt.Sprintf("sess-%d", a.created), Status: agent.StatusRunning}
	a.sessions[info.ID] = info
	c := *info
	return &c, nil
}

func (a *fakeAgent) GetSession(_ context.Context, id string) (*agent.SessionInfo, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.getErr != nil {
		return nil, a.getErr
	}
	info, ok := a.sessions[id]
	if !ok {
		return nil, &github.APIError{StatusCode: http.StatusNotFound}
	}
	c := *info
	return &c, nil
}

func (a *fakeAgent) complete(id, branch string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sessions[id].Status = agent.StatusCompleted
	a.sessions[id].ResultBranch = branch
}

func (a *fakeAgent) fail(id, reason string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sessions[id].Status = agent.StatusFailed
	a.sessions[id].Error = reason
}

func (a *fakeAgent) createdCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.created
}

// fakeCI serves rollups keyed by head SHA.
type fakeCI struct {
	mu     sync.Mutex
	checks map[string][]CheckResult
}

func newFakeCI() *fakeCI {
	return &fakeCI{checks: map[string][]CheckResult{}}
}

func (c *fakeCI) set(sha string, checks ...CheckResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[sha] = checks
}

func (c *fakeCI) Rollup(_ context.Context, pr *PullRequest) (*Rollup, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return &Rollup{Checks: slices.Clone(c.checks[pr.HeadSHA]), Mergeable: pr.Mergeable}, nil
}

func pass(name string) CheckResult {
	return CheckResult{Name: name, Outcome: CheckPass}
}

func fail(name, summary string) CheckResult {
	return CheckResult{Name: name, Outcome: CheckFail, Summary: summary, DetailsURL: "https://ci.test/" + name}
}

func pending(name string) CheckResult {
	return CheckResult{Name: name, Outcome: CheckPending}
}

func boolPtr(b bool) *bool { return &b }

// testLoop bundles a controller with its fakes.
type testLoop struct {
	cfg    *Config
	store  *fakeStore
	agent  *fakeAgent
	ci     *fakeCI
	ledger *StateStore
	ctrl   *Controller
}

func newTestLoop(t *testing.T) *testLoop {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Repository = "org/repo"
	store := newFakeStore(cfg.AgentLabel)
	api := newFakeAgent()
	ci := newFakeCI()
	ledger := newTestStateStore(t)
	ctrl := NewController(cfg, store, api, ci, ledger, NewLocalLocker(), nil)
	t.Cleanup(ctrl.Close)
	return &testLoop{cfg: cfg, store: store, agent: api, ci: ci, ledger: ledger, ctrl: ctrl}
}

func newTestStateStore(t *testing.T) *StateStore {
	t.Helper()
	store, err := NewStateStoreFromPath(":memory:")
	if err != nil {
		t.Fatalf("failed to create test state store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// recordingSink collects published events.
type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (r *recordingSink) Publish(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordingSink) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

func itoa(n int) string { return fmt.Sprint(n) }
