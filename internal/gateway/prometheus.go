package gateway

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/alekspetrov/conveyor/internal/autopilot"
)

// PrometheusExporter formats metrics for Prometheus scraping.
type PrometheusExporter struct {
	metricsSource MetricsSource
}

// MetricsSource provides metrics data for the exporter.
type MetricsSource interface {
	Snapshot() autopilot.MetricsSnapshot
	SessionDurationSamples() []time.Duration
}

// NewPrometheusExporter creates a new Prometheus exporter.
func NewPrometheusExporter(source MetricsSource) *PrometheusExporter {
	return &PrometheusExporter{metricsSource: source}
}

// WritePrometheus writes metrics in Prometheus text format to the writer.
func (e *PrometheusExporter) WritePrometheus(w io.Writer) error {
	snap := e.metricsSource.Snapshot()

	// --- Counters ---

	counters := []struct {
		name  string
		help  string
		value int64
	}{
		{"conveyor_cycles_total", "Dispatch cycles run", snap.Cycles},
		{"conveyor_dispatches_total", "Agent sessions started", snap.Dispatches},
		{"conveyor_queued_notices_total", "Queued notices posted", snap.QueuedNotices},
		{"conveyor_prs_opened_total", "Pull requests opened from completed sessions", snap.PRsOpened},
		{"conveyor_check_failures_total", "CI failure reports posted", snap.CheckFailures},
		{"conveyor_conflicts_total", "Merge conflict notices posted", snap.Conflicts},
		{"conveyor_escalations_total", "Pull requests escalated to a human", snap.Escalations},
		{"conveyor_merges_total", "Pull requests merged", snap.Merges},
		{"conveyor_reconciles_total", "Merged pull requests reconciled", snap.Reconciles},
	}
	for _, c := range counters {
		writeHelp(w, c.name, c.help)
		writeType(w, c.name, "counter")
		writeCounter(w, c.name, c.value)
	}

	// conveyor_sessions_total
	writeHelp(w, "conveyor_sessions_total", "Agent sessions finished by outcome")
	writeType(w, "conveyor_sessions_total", "counter")
	writeCounter(w, "conveyor_sessions_total", snap.SessionsCompleted, "outcome", "completed")
	writeCounter(w, "conveyor_sessions_total", snap.SessionsFailed, "outcome", "failed")
	writeCounter(w, "conveyor_sessions_total", snap.SessionsStuck, "outcome", "stuck")

	// conveyor_errors_total
	writeHelp(w, "conveyor_errors_total", "Errors by component")
	writeType(w, "conveyor_errors_total", "counter")
	components := make([]string, 0, len(snap.Errors))
	for c := range snap.Errors {
		components = append(components, c)
	}
	sort.Strings(components)
	for _, c := range components {
		writeCounter(w, "conveyor_errors_total", snap.Errors[c], "component", c)
	}

	// --- Gauges ---

	writeHelp(w, "conveyor_queue_depth", "Tasks waiting in the queue")
	writeType(w, "conveyor_queue_depth", "gauge")
	writeGauge(w, "conveyor_queue_depth", float64(snap.QueueDepth))

	writeHelp(w, "conveyor_active_sessions", "Non-terminal agent sessions")
	writeType(w, "conveyor_active_sessions", "gauge")
	writeGauge(w, "conveyor_active_sessions", float64(snap.ActiveSessions))

	if !snap.LastCycleAt.IsZero() {
		writeHelp(w, "conveyor_last_cycle_timestamp_seconds", "Unix time of the last dispatch cycle")
		writeType(w, "conveyor_last_cycle_timestamp_seconds", "gauge")
		writeGauge(w, "conveyor_last_cycle_timestamp_seconds", float64(snap.LastCycleAt.Unix()))
	}

	// --- Histograms ---

	writeHistogram(w, "conveyor_session_duration_seconds",
		"Agent session duration from dispatch to terminal status",
		e.metricsSource.SessionDurationSamples(),
		[]float64{300, 600, 1200, 1800, 3600, 7200, 14400}) // 5m, 10m, 20m, 30m, 1h, 2h, 4h

	return nil
}

// writeHelp writes a HELP line for a metric.
func writeHelp(w io.Writer, name, help string) {
	_, _ = fmt.Fprintf(w, "# HELP %s %s\n", name, help)
}

// writeType writes a TYPE line for a metric.
func writeType(w io.Writer, name, metricType string) {
	_, _ = fmt.Fprintf(w, "# TYPE %s %s\n", name, metricType)
}

// writeCounter writes a counter metric line.
func writeCounter(w io.Writer, name string, value int64, labelPairs ...string) {
	if len(labelPairs) == 0 {
		_, _ = fmt.Fprintf(w, "%s %d\n", name, value)
		return
	}
	_, _ = fmt.Fprintf(w, "%s{%s} %d\n", name, formatLabels(labelPairs), value)
}

// writeGauge writes a gauge metric line.
func writeGauge(w io.Writer, name string, value float64) {
	_, _ = fmt.Fprintf(w, "%s %g\n", name, value)
}

// writeHistogram writes a histogram metric with buckets.
func writeHistogram(w io.Writer, name, help string, samples []time.Duration, buckets []float64) {
	writeHelp(w, name, help)
	writeType(w, name, "histogram")

	seconds := make([]float64, len(samples))
	var sum float64
	for i, d := range samples {
		seconds[i] = d.Seconds()
		sum += seconds[i]
	}
	sort.Float64s(seconds)

	count := len(seconds)
	for _, bucket := range buckets {
		n := sort.Search(count, func(i int) bool { return seconds[i] > bucket })
		_, _ = fmt.Fprintf(w, "%s_bucket{le=\"%g\"} %d\n", name, bucket, n)
	}
	_, _ = fmt.Fprintf(w, "%s_bucket{le=\"+Inf\"} %d\n", name, count)
	_, _ = fmt.Fprintf(w, "%s_sum %g\n", name, sum)
	_, _ = fmt.Fprintf(w, "%s_count %d\n", name, count)
}

// formatLabels formats label key-value pairs for Prometheus output.
func formatLabels(pairs []string) string {
	var b strings.Builder
	for i := 0; i+1 < len(pairs); i += 2 {
		if i > 0 {
			b.WriteString(",")
		}
		fmt.Fprintf(&b, "%s=\"%s\"", pairs[i], escapeLabel(pairs[i+1]))
	}
	return b.String()
}

var labelEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`)

// escapeLabel escapes special characters in label values.
func escapeLabel(s string) string {
	return labelEscaper.Replace(s)
}
