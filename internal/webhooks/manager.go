package webhooks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alekspetrov/conveyor/internal/adapters/github"
	"github.com/alekspetrov/conveyor/internal/autopilot"
	"github.com/alekspetrov/conveyor/internal/logging"
)

// Payload is the JSON body POSTed to endpoints.
type Payload struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	Repository string    `json:"repository,omitempty"`
	Task       int       `json:"task,omitempty"`
	PR         int       `json:"pr,omitempty"`
	Message    string    `json:"message,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// DeliveryResult represents the result of delivering one event to one endpoint.
type DeliveryResult struct {
	Endpoint   string
	Success    bool
	StatusCode int
	Attempts   int
	Error      error
	Duration   time.Duration
}

// Stats are cumulative delivery counters.
type Stats struct {
	Deliveries     int64
	Failures       int64
	Retries        int64
	Dropped        int64
	LastDeliveryAt time.Time
}

// Manager queues loop events and delivers them to the configured endpoints.
// It implements autopilot.EventSink.
type Manager struct {
	config     *Config
	repo       string
	httpClient *http.Client
	log        *slog.Logger

	queue chan autopilot.Event
	wg    sync.WaitGroup

	mu      sync.Mutex
	closed  bool
	started bool
	stats   Stats
}

// NewManager creates a manager. repo is stamped on every payload.
func NewManager(config *Config, repo string) *Manager {
	if config == nil {
		config = DefaultConfig()
	}
	size := config.QueueSize
	if size <= 0 {
		size = DefaultConfig().QueueSize
	}
	return &Manager{
		config:     config,
		repo:       repo,
		httpClient: &http.Client{},
		log:        logging.WithComponent("webhooks"),
		queue:      make(chan autopilot.Event, size),
	}
}

// Start launches the delivery worker. Deliveries stop early once ctx is done.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started || m.closed || !m.config.Enabled {
		return
	}
	m.started = true

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for ev := range m.queue {
			m.Dispatch(ctx, ev)
		}
	}()
}

// Publish enqueues ev without blocking. A full queue drops the event.
func (m *Manager) Publish(ev autopilot.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || !m.config.Enabled {
		return
	}
	select {
	case m.queue <- ev:
	default:
		m.stats.Dropped++
		m.log.Warn("Webhook queue full, event dropped", slog.String("event", ev.Type))
	}
}

// Close stops accepting events and waits for queued deliveries.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	close(m.queue)
	m.mu.Unlock()

	m.wg.Wait()
}

// Dispatch delivers ev to every subscribed endpoint and returns one result each.
func (m *Manager) Dispatch(ctx context.Context, ev autopilot.Event) []DeliveryResult {
	if !m.config.Enabled {
		return nil
	}

	ts := ev.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	p := Payload{
		ID:         uuid.NewString(),
		Type:       ev.Type,
		Repository: m.repo,
		Task:       ev.Task,
		PR:         ev.PR,
		Message:    ev.Message,
		Timestamp:  ts.UTC(),
	}
	body, err := json.Marshal(p)
	if err != nil {
		return []DeliveryResult{{Error: fmt.Errorf("failed to marshal event: %w", err)}}
	}

	var (
		mu      sync.Mutex
		results []DeliveryResult
		wg      sync.WaitGroup
	)
	for _, ep := range m.config.Endpoints {
		if !ep.SubscribesTo(ev.Type) {
			continue
		}
		wg.Add(1)
		go func(ep *Endpoint) {
			defer wg.Done()
			r := m.deliver(ctx, ep, &p, body)
			mu.Lock()
			results = append(results, r)
			mu.Unlock()
		}(ep)
	}
	wg.Wait()
	return results
}

// deliver POSTs body to one endpoint with retry.
func (m *Manager) deliver(ctx context.Context, ep *Endpoint, p *Payload, body []byte) DeliveryResult {
	start := time.Now()
	retry := m.config.retry()
	log := m.log.With(slog.String("endpoint", ep.Name), slog.String("event", p.Type))

	result := DeliveryResult{Endpoint: ep.Name}
	delay := retry.InitialDelay
	for attempt := 1; attempt <= retry.MaxAttempts; attempt++ {
		result.Attempts = attempt

		status, err := m.post(ctx, ep, p, body)
		result.StatusCode = status
		if err == nil {
			result.Success = true
			result.Error = nil
			result.Duration = time.Since(start)
			m.record(func(s *Stats) {
				s.Deliveries++
				s.LastDeliveryAt = time.Now()
			})
			log.Debug("Webhook delivered", slog.Int("status", status))
			return result
		}
		result.Error = err
		log.Warn("Webhook delivery failed", slog.Int("attempt", attempt), slog.Any("error", err))

		// 4xx other than 429 will not get better
		if status >= 400 && status < 500 && status != http.StatusTooManyRequests {
			break
		}
		if attempt >= retry.MaxAttempts {
			break
		}

		m.record(func(s *Stats) { s.Retries++ })
		select {
		case <-ctx.Done():
			result.Error = ctx.Err()
			result.Duration = time.Since(start)
			m.record(func(s *Stats) { s.Failures++ })
			return result
		case <-time.After(delay):
		}
		delay = time.Duration(float64(delay) * retry.Multiplier)
		if retry.MaxDelay > 0 && delay > retry.MaxDelay {
			delay = retry.MaxDelay
		}
	}

	result.Duration = time.Since(start)
	m.record(func(s *Stats) { s.Failures++ })
	log.Error("Webhook delivery gave up", slog.Int("attempts", result.Attempts), slog.Any("error", result.Error))
	return result
}

func (m *Manager) post(ctx context.Context, ep *Endpoint, p *Payload, body []byte) (int, error) {
	timeout := m.config.Timeout
	if timeout <= 0 {
		timeout = DefaultConfig().Timeout
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, ep.URL, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Conveyor-Webhooks/1.0")
	req.Header.Set("X-Conveyor-Event", p.Type)
	req.Header.Set("X-Conveyor-Delivery", p.ID)
	if ep.Secret != "" {
		req.Header.Set("X-Conveyor-Signature", github.SignPayload(body, ep.Secret))
	}
	for k, v := range ep.Headers {
		req.Header.Set(k, v)
	}

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	return resp.StatusCode, nil
}

func (m *Manager) record(fn func(*Stats)) {
	m.mu.Lock()
	fn(&m.stats)
	m.mu.Unlock()
}

// Stats returns a copy of the delivery counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}
