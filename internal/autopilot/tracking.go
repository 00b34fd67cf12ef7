package autopilot

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
)

// TrackingDoc records task completion in human-maintained documentation.
type TrackingDoc interface {
	MarkDone(ctx context.Context, task *Task, prNumber int) error
}

// MarkdownTracker ticks "- [ ] #N ..." checklist lines in a markdown file.
type MarkdownTracker struct {
	path string
	mu   sync.Mutex
}

// NewMarkdownTracker creates a tracker for the file at path.
func NewMarkdownTracker(path string) *MarkdownTracker {
	return &MarkdownTracker{path: path}
}

// MarkDone rewrites the task's checklist line as done, or appends one.
func (t *MarkdownTracker) MarkDone(_ context.Context, task *Task, prNumber int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	data, err := os.ReadFile(t.path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("read tracking doc: %w", err)
	}

	open := regexp.MustCompile(fmt.Sprintf(`^(\s*)- \[ \] #%d\b(.*)$`, task.Number))
	done := regexp.MustCompile(fmt.Sprintf(`^\s*- \[[xX]\] #%d\b`, task.Number))
	suffix := fmt.Sprintf(" (PR #%d)", prNumber)

	lines := strings.Split(string(data), "\n")
	found := false
	for i, line := range lines {
		if done.MatchString(line) {
			return nil
		}
		if m := open.FindStringSubmatch(line); m != nil {
			lines[i] = fmt.Sprintf("%s- [x] #%d%s%s", m[1], task.Number, strings.TrimRight(m[2], " "), suffix)
			found = true
			break
		}
	}
	if !found {
		entry := fmt.Sprintf("- [x] #%d %s%s", task.Number, task.Title, suffix)
		if len(data) == 0 {
			lines = []string{"# Task tracking", "", entry, ""}
		} else {
			if lines[len(lines)-1] == "" {
				lines = lines[:len(lines)-1]
			}
			lines = append(lines, entry, "")
		}
	}

	return writeFileAtomic(t.path, []byte(strings.Join(lines, "\n")))
}

func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create tracking doc directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tracking-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("write tracking doc: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
