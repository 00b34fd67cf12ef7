package autopilot

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// ErrSessionExists is returned when a task already has a non-terminal session.
var ErrSessionExists = errors.New("task already has an active session")

// StateStore is the SQLite ledger mirroring agent sessions, PR evaluations and
// posted notices. Queue and busy/idle state are never read from it.
type StateStore struct {
	db *sql.DB
}

// NewStateStore creates a StateStore using an existing *sql.DB connection.
// It runs migrations to create the required tables if they don't exist.
func NewStateStore(db *sql.DB) (*StateStore, error) {
	s := &StateStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("ledger migration failed: %w", err)
	}
	return s, nil
}

// NewStateStoreFromPath opens a SQLite database at path (":memory:" for tests).
func NewStateStoreFromPath(path string) (*StateStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection keeps ":memory:" databases shared and serializes writers.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set database pragmas: %w", err)
	}
	return NewStateStore(db)
}

// Close closes the underlying database.
func (s *StateStore) Close() error {
	return s.db.Close()
}

func (s *StateStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			task_number INTEGER NOT NULL,
			status TEXT NOT NULL,
			result_branch TEXT NOT NULL DEFAULT '',
			url TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		// At most one non-terminal session per task.
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_active_task
			ON sessions(task_number) WHERE status IN ('pending', 'running')`,
		`CREATE TABLE IF NOT EXISTS pr_tracking (
			pr_number INTEGER PRIMARY KEY,
			task_number INTEGER NOT NULL DEFAULT 0,
			head_ref TEXT NOT NULL DEFAULT '',
			failure_count INTEGER NOT NULL DEFAULT 0,
			last_failed_sha TEXT NOT NULL DEFAULT '',
			reconciled_at DATETIME,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS pr_failures (
			pr_number INTEGER NOT NULL,
			head_sha TEXT NOT NULL,
			failed_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (pr_number, head_sha)
		)`,
		`CREATE TABLE IF NOT EXISTS notices (
			key TEXT PRIMARY KEY,
			posted_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// --- sessions ---

// CreateSession inserts a new session. It returns ErrSessionExists when the
// task already has a pending or running session.
func (s *StateStore) CreateSession(sess *Session) error {
	now := time.Now().UTC()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	sess.UpdatedAt = now

	_, err := s.db.Exec(`
		INSERT INTO sessions (id, task_number, status, result_branch, url, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, sess.ID, sess.TaskNumber, string(sess.Status), sess.ResultBranch, sess.URL, sess.Error,
		sess.CreatedAt.UTC(), sess.UpdatedAt)
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return ErrSessionExists
	}
	return err
}

// UpdateSession persists status, result branch and error of sess.
func (s *StateStore) UpdateSession(sess *Session) error {
	sess.UpdatedAt = time.Now().UTC()
	res, err := s.db.Exec(`
		UPDATE sessions SET status = ?, result_branch = ?, url = ?, error = ?, updated_at = ?
		WHERE id = ?
	`, string(sess.Status), sess.ResultBranch, sess.URL, sess.Error, sess.UpdatedAt, sess.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("session %s not found", sess.ID)
	}
	return nil
}

// ActiveSession returns the non-terminal session for a task, or nil.
func (s *StateStore) ActiveSession(taskNumber int) (*Session, error) {
	row := s.db.QueryRow(`
		SELECT id, task_number, status, result_branch, url, error, created_at, updated_at
		FROM sessions WHERE task_number = ? AND status IN ('pending', 'running')
	`, taskNumber)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return sess, err
}

// GetSession returns a session by id, or nil.
func (s *StateStore) GetSession(id string) (*Session, error) {
	row := s.db.QueryRow(`
		SELECT id, task_number, status, result_branch, url, error, created_at, updated_at
		FROM sessions WHERE id = ?
	`, id)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return sess, err
}

// ActiveSessions returns all non-terminal sessions, oldest first.
func (s *StateStore) ActiveSessions() ([]*Session, error) {
	return s.querySessions(`
		SELECT id, task_number, status, result_branch, url, error, created_at, updated_at
		FROM sessions WHERE status IN ('pending', 'running') ORDER BY created_at ASC
	`)
}

// SessionsForTask returns every session recorded for a task, oldest first.
func (s *StateStore) SessionsForTask(taskNumber int) ([]*Session, error) {
	return s.querySessions(`
		SELECT id, task_number, status, result_branch, url, error, created_at, updated_at
		FROM sessions WHERE task_number = ? ORDER BY created_at ASC
	`, taskNumber)
}

func (s *StateStore) querySessions(query string, args ...any) ([]*Session, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var sess Session
	var status string
	var createdAt, updatedAt sql.NullTime
	if err := row.Scan(&sess.ID, &sess.TaskNumber, &status, &sess.ResultBranch, &sess.URL,
		&sess.Error, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	sess.Status = SessionStatus(status)
	if createdAt.Valid {
		sess.CreatedAt = createdAt.Time
	}
	if updatedAt.Valid {
		sess.UpdatedAt = updatedAt.Time
	}
	return &sess, nil
}

// --- pull request tracking ---

// PRTracking links an agent-authored PR to its task.
type PRTracking struct {
	PRNumber      int
	TaskNumber    int
	HeadRef       string
	FailureCount  int
	LastFailedSHA string
	ReconciledAt  time.Time
}

// Reconciled reports whether post-merge reconciliation already ran.
func (t *PRTracking) Reconciled() bool {
	return !t.ReconciledAt.IsZero()
}

// TrackPR records the PR ↔ task link (upsert).
func (s *StateStore) TrackPR(prNumber, taskNumber int, headRef string) error {
	_, err := s.db.Exec(`
		INSERT INTO pr_tracking (pr_number, task_number, head_ref)
		VALUES (?, ?, ?)
		ON CONFLICT(pr_number) DO UPDATE SET
			task_number = excluded.task_number,
			head_ref = excluded.head_ref
	`, prNumber, taskNumber, headRef)
	return err
}

// GetPRTracking returns the tracking row for a PR, or nil.
func (s *StateStore) GetPRTracking(prNumber int) (*PRTracking, error) {
	var t PRTracking
	var reconciledAt sql.NullTime
	err := s.db.QueryRow(`
		SELECT pr_number, task_number, head_ref, failure_count, last_failed_sha, reconciled_at
		FROM pr_tracking WHERE pr_number = ?
	`, prNumber).Scan(&t.PRNumber, &t.TaskNumber, &t.HeadRef, &t.FailureCount, &t.LastFailedSHA, &reconciledAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if reconciledAt.Valid {
		t.ReconciledAt = reconciledAt.Time
	}
	return &t, nil
}

// UnreconciledPRs returns tracked PRs that have not been reconciled yet.
func (s *StateStore) UnreconciledPRs() ([]int, error) {
	rows, err := s.db.Query(`SELECT pr_number FROM pr_tracking WHERE reconciled_at IS NULL ORDER BY pr_number`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []int
	for rows.Next() {
		var n int
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// RecordFailedSHA records a failing evaluation of headSHA and returns the
// number of distinct failing commits seen for the PR.
func (s *StateStore) RecordFailedSHA(prNumber int, headSHA string) (int, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`INSERT OR IGNORE INTO pr_failures (pr_number, head_sha) VALUES (?, ?)`, prNumber, headSHA); err != nil {
		return 0, err
	}
	var count int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM pr_failures WHERE pr_number = ?`, prNumber).Scan(&count); err != nil {
		return 0, err
	}
	if _, err := tx.Exec(`
		INSERT INTO pr_tracking (pr_number, failure_count, last_failed_sha)
		VALUES (?, ?, ?)
		ON CONFLICT(pr_number) DO UPDATE SET
			failure_count = excluded.failure_count,
			last_failed_sha = excluded.last_failed_sha
	`, prNumber, count, headSHA); err != nil {
		return 0, err
	}
	return count, tx.Commit()
}

// MarkReconciled flags a PR as reconciled. It returns true only for the
// first caller; later calls for the same PR return false.
func (s *StateStore) MarkReconciled(prNumber, taskNumber int) (bool, error) {
	res, err := s.db.Exec(`
		INSERT INTO pr_tracking (pr_number, task_number, reconciled_at)
		VALUES (?, ?, ?)
		ON CONFLICT(pr_number) DO UPDATE SET
			reconciled_at = excluded.reconciled_at
		WHERE pr_tracking.reconciled_at IS NULL
	`, prNumber, taskNumber, time.Now().UTC())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// --- notices ---

// HasNotice reports whether a notice with key was already posted.
func (s *StateStore) HasNotice(key string) (bool, error) {
	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM notices WHERE key = ?`, key).Scan(&count); err != nil {
		return false, err
	}
	return count > 0, nil
}

// RecordNotice marks a notice as posted.
func (s *StateStore) RecordNotice(key string) error {
	_, err := s.db.Exec(`INSERT OR IGNORE INTO notices (key) VALUES (?)`, key)
	return err
}

// PurgeNotices removes notices older than the given duration.
func (s *StateStore) PurgeNotices(olderThan time.Duration) (int64, error) {
	modifier := fmt.Sprintf("-%d seconds", int64(olderThan.Seconds()))
	res, err := s.db.Exec(`DELETE FROM notices WHERE posted_at < datetime('now', ?)`, modifier)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
