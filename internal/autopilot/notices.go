package autopilot

import (
	"context"
	"fmt"
	"strings"
)

// noticeBoard posts comments at most once per dedupe key.
type noticeBoard struct {
	store  TaskStore
	ledger *StateStore
}

// postOnce comments on number unless key was already posted. The key is
// recorded only after the comment succeeds.
func (n *noticeBoard) postOnce(ctx context.Context, key string, number int, body string) (bool, error) {
	posted, err := n.ledger.HasNotice(key)
	if err != nil {
		return false, fmt.Errorf("notice lookup %s: %w", key, err)
	}
	if posted {
		return false, nil
	}
	if err := n.store.Comment(ctx, number, body); err != nil {
		return false, fmt.Errorf("comment on #%d: %w", number, err)
	}
	if err := n.ledger.RecordNotice(key); err != nil {
		return true, fmt.Errorf("record notice %s: %w", key, err)
	}
	return true, nil
}

// Comment bodies posted to tasks and pull requests. The comment stream is the
// loop's audit trail; nothing here is parsed back.

func queuedNotice(res *GateResult) string {
	return fmt.Sprintf("⏳ **Queued, waiting for current work**\n\n"+
		"This task is next in line once %s is finished. It will be picked up automatically.", res.Blocker())
}

func dispatchedNotice(sess *Session) string {
	var b strings.Builder
	b.WriteString("🤖 **Agent session started**\n\n")
	fmt.Fprintf(&b, "Session: `%s`\n", sess.ID)
	fmt.Fprintf(&b, "Status: %s\n", sess.Status)
	if sess.URL != "" {
		fmt.Fprintf(&b, "\n%s\n", sess.URL)
	}
	b.WriteString("\n_A pull request will be opened when the session completes._")
	return b.String()
}

func missingCredentialsNotice() string {
	return "⚠️ **Cannot start an agent session**\n\n" +
		"The coding-agent API key is not configured. Set `agent.api_key` and relabel this task to retry."
}

func prOpenedTaskNotice(pr *PullRequest) string {
	return fmt.Sprintf("🔗 **Pull Request Created**: #%d\n\n%s\n\n_This task will be closed when the PR is merged._", pr.Number, pr.URL)
}

func prOpenedPRNotice(task *Task, sess *Session) string {
	return fmt.Sprintf("🤖 Opened from agent session `%s` for task #%d.", sess.ID, task.Number)
}

func sessionFailedNotice(sess *Session) string {
	reason := sess.Error
	if reason == "" {
		reason = "the agent reported a failure without details"
	}
	return fmt.Sprintf("❌ **Agent session failed**\n\nSession: `%s`\n**Reason**: %s\n\n"+
		"_The work label was removed. Relabel this task to start a new session._", sess.ID, reason)
}

func sessionStuckNotice(sess *Session, limit string) string {
	return fmt.Sprintf("⌛ **Agent session timed out**\n\nSession `%s` did not finish within %s and was marked failed.\n\n"+
		"_The work label was removed. Relabel this task to start a new session._", sess.ID, limit)
}

// checksFailedReport lists every failing check, sorted by name, with a short
// summary and a details link.
func checksFailedReport(pr *PullRequest, failing []CheckResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "❌ **CI checks failed** on `%s`\n\n", ShortSHA(pr.HeadSHA))
	b.WriteString("| Check | Summary | Details |\n|---|---|---|\n")
	for _, c := range failing {
		summary := c.Summary
		if summary == "" {
			summary = "failed"
		}
		details := "-"
		if c.DetailsURL != "" {
			details = fmt.Sprintf("[logs](%s)", c.DetailsURL)
		}
		fmt.Fprintf(&b, "| %s | %s | %s |\n", c.Name, escapeCell(summary), details)
	}
	b.WriteString("\n_Push a fix to this branch; checks will be re-evaluated automatically._")
	return b.String()
}

func conflictNotice(pr *PullRequest) string {
	return fmt.Sprintf("🔀 **Merge conflict, please rebase**\n\n"+
		"`%s` cannot be merged into `%s` cleanly. Rebase onto the latest `%s` and push.",
		pr.HeadRef, pr.BaseRef, pr.BaseRef)
}

func escalationNotice(pr *PullRequest, attempts int, failing []CheckResult) string {
	names := make([]string, 0, len(failing))
	for _, c := range failing {
		names = append(names, "`"+c.Name+"`")
	}
	return fmt.Sprintf("🛑 **Escalated to a human**\n\nChecks failed on %d different commits of #%d (last: %s). "+
		"The pull request was closed and the task labeled blocked so the queue can advance.",
		attempts, pr.Number, strings.Join(names, ", "))
}

func mergedNotice(pr *PullRequest, method string) string {
	return fmt.Sprintf("✅ **Merged** (%s) at `%s`.", method, ShortSHA(pr.HeadSHA))
}

func taskClosedNotice(pr *PullRequest) string {
	return fmt.Sprintf("✅ **Completed** via #%d.\n\n%s", pr.Number, pr.URL)
}

func abandonedNotice(pr *PullRequest) string {
	return fmt.Sprintf("🚫 **Pull request #%d was closed without merging**\n\n"+
		"This task is labeled blocked so the queue can advance. Relabel it to try again.", pr.Number)
}

func escapeCell(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "|", "\\|")
	if r := []rune(s); len(r) > 200 {
		s = string(r[:197]) + "..."
	}
	return s
}
