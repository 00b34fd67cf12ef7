package autopilot

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestMarkdownTracker_TicksExistingLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "TASKS.md")
	initial := "# Backlog\n\n- [ ] #4 Add retries\n- [ ] #5 Fix parser  \n- [ ] #50 Unrelated\n"
	if err := os.WriteFile(path, []byte(initial), 0644); err != nil {
		t.Fatal(err)
	}

	tr := NewMarkdownTracker(path)
	if err := tr.MarkDone(context.Background(), &Task{Number: 5, Title: "Fix parser"}, 11); err != nil {
		t.Fatalf("MarkDone: %v", err)
	}

	data, _ := os.ReadFile(path)
	got := string(data)
	if !strings.Contains(got, "- [x] #5 Fix parser (PR #11)\n") {
		t.Errorf("line not ticked:\n%s", got)
	}
	if !strings.Contains(got, "- [ ] #4 Add retries") || !strings.Contains(got, "- [ ] #50 Unrelated") {
		t.Errorf("other lines changed:\n%s", got)
	}
}

func TestMarkdownTracker_AppendsMissingTask(t *testing.T) {
	path := filepath.Join(t.TempDir(), "docs", "TASKS.md")
	tr := NewMarkdownTracker(path)

	if err := tr.MarkDone(context.Background(), &Task{Number: 7, Title: "New thing"}, 12); err != nil {
		t.Fatalf("MarkDone: %v", err)
	}
	if err := tr.MarkDone(context.Background(), &Task{Number: 8, Title: "Other thing"}, 13); err != nil {
		t.Fatalf("MarkDone: %v", err)
	}

	data, _ := os.ReadFile(path)
	want := "# Task tracking\n\n- [x] #7 New thing (PR #12)\n- [x] #8 Other thing (PR #13)\n"
	if string(data) != want {
		t.Errorf("doc = %q, want %q", data, want)
	}
}

func TestMarkdownTracker_AlreadyDone(t *testing.T) {
	path := filepath.Join(t.TempDir(), "TASKS.md")
	initial := "- [x] #5 Fix parser (PR #11)\n"
	if err := os.WriteFile(path, []byte(initial), 0644); err != nil {
		t.Fatal(err)
	}

	tr := NewMarkdownTracker(path)
	if err := tr.MarkDone(context.Background(), &Task{Number: 5}, 11); err != nil {
		t.Fatalf("MarkDone: %v", err)
	}
	data, _ := os.ReadFile(path)
	if string(data) != initial {
		t.Errorf("doc rewritten: %q", data)
	}
}
