package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
)

const (
	defaultMaxSize    = 50 * 1024 * 1024
	defaultMaxAge     = 7 * 24 * time.Hour
	defaultMaxBackups = 3
)

// rotatingWriter is an io.Writer that rolls the log file over once it
// reaches maxSize and prunes backups by age and count.
type rotatingWriter struct {
	filename   string
	maxSize    int64
	maxAge     time.Duration
	maxBackups int

	mu   sync.Mutex
	file *os.File
	size int64
}

func newRotatingWriter(filename string, cfg *RotationConfig) (io.Writer, error) {
	w := &rotatingWriter{
		filename:   filename,
		maxSize:    defaultMaxSize,
		maxAge:     defaultMaxAge,
		maxBackups: defaultMaxBackups,
	}

	if cfg != nil {
		if cfg.MaxSize != "" {
			size, err := parseSize(cfg.MaxSize)
			if err != nil {
				return nil, fmt.Errorf("invalid max_size %q: %w", cfg.MaxSize, err)
			}
			w.maxSize = size
		}
		if cfg.MaxAge != "" {
			age, err := parseAge(cfg.MaxAge)
			if err != nil {
				return nil, fmt.Errorf("invalid max_age %q: %w", cfg.MaxAge, err)
			}
			w.maxAge = age
		}
		if cfg.MaxBackups > 0 {
			w.maxBackups = cfg.MaxBackups
		}
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	if err := w.open(); err != nil {
		return nil, err
	}
	w.prune()

	return w, nil
}

// Write implements io.Writer.
func (w *rotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		if err := w.open(); err != nil {
			return 0, err
		}
	}
	if w.size > 0 && w.size+int64(len(p)) > w.maxSize {
		if err := w.rotate(); err != nil {
			return 0, err
		}
	}

	n, err := w.file.Write(p)
	w.size += int64(n)
	return n, err
}

// Close closes the underlying file.
func (w *rotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}

func (w *rotatingWriter) open() error {
	f, err := os.OpenFile(w.filename, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to stat log file: %w", err)
	}
	w.file = f
	w.size = info.Size()
	return nil
}

func (w *rotatingWriter) rotate() error {
	if w.file != nil {
		_ = w.file.Close()
		w.file = nil
	}

	if err := os.Rename(w.filename, w.backupName(time.Now())); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to rotate log file: %w", err)
	}
	if err := w.open(); err != nil {
		return err
	}

	go w.prune()
	return nil
}

func (w *rotatingWriter) backupName(t time.Time) string {
	ext := filepath.Ext(w.filename)
	return fmt.Sprintf("%s.%s%s", strings.TrimSuffix(w.filename, ext), t.Format("20060102-150405.000"), ext)
}

// prune deletes backups older than maxAge, then the oldest until at most
// maxBackups remain.
func (w *rotatingWriter) prune() {
	ext := filepath.Ext(w.filename)
	matches, err := filepath.Glob(strings.TrimSuffix(w.filename, ext) + ".*" + ext)
	if err != nil {
		return
	}

	type backup struct {
		path    string
		modTime time.Time
	}
	var kept []backup
	for _, m := range matches {
		if m == w.filename {
			continue
		}
		info, err := os.Stat(m)
		if err != nil {
			continue
		}
		if time.Since(info.ModTime()) > w.maxAge {
			_ = os.Remove(m)
			continue
		}
		kept = append(kept, backup{path: m, modTime: info.ModTime()})
	}

	sort.Slice(kept, func(i, j int) bool { return kept[i].modTime.Before(kept[j].modTime) })
	for len(kept) > w.maxBackups {
		_ = os.Remove(kept[0].path)
		kept = kept[1:]
	}
}

// parseSize accepts humanized sizes ("50MB", "1 GiB", "1024").
// Decimal suffixes are read as binary to match what operators usually mean.
func parseSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	upper := strings.ToUpper(s)
	for _, suffix := range []string{"KB", "MB", "GB"} {
		if strings.HasSuffix(upper, suffix) {
			s = s[:len(s)-2] + suffix[:1] + "iB"
			break
		}
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, err
	}
	return int64(n), nil
}

// parseAge extends time.ParseDuration with day ("7d") and week ("2w") units.
func parseAge(s string) (time.Duration, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	unit := time.Duration(0)
	switch {
	case strings.HasSuffix(s, "d"):
		unit = 24 * time.Hour
	case strings.HasSuffix(s, "w"):
		unit = 7 * 24 * time.Hour
	default:
		return time.ParseDuration(s)
	}
	n, err := strconv.Atoi(strings.TrimSuffix(strings.TrimSuffix(s, "d"), "w"))
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * unit, nil
}
