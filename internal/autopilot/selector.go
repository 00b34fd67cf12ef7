package autopilot

import (
	"context"
	"fmt"
	"sort"
)

// Selector ranks the work queue. It keeps no state between calls: every
// call re-reads and re-sorts the Task Store.
type Selector struct {
	store TaskStore
	cfg   *Config
}

// NewSelector creates a queue selector.
func NewSelector(store TaskStore, cfg *Config) *Selector {
	return &Selector{store: store, cfg: cfg}
}

// Queue returns open tasks bearing the work label that are not already in
// flight, oldest first with ties broken by number.
func (s *Selector) Queue(ctx context.Context) ([]*Task, error) {
	tasks, err := s.store.ListOpenTasks(ctx, s.cfg.WorkLabel)
	if err != nil {
		return nil, fmt.Errorf("queue selector: %w", err)
	}

	queue := make([]*Task, 0, len(tasks))
	for _, t := range tasks {
		if t.State != TaskOpen || !t.HasLabel(s.cfg.WorkLabel) {
			continue
		}
		if t.HasLabel(s.cfg.InProgressLabel) || t.HasLabel(s.cfg.BlockedLabel) {
			continue
		}
		queue = append(queue, t)
	}

	sort.SliceStable(queue, func(i, j int) bool {
		if !queue[i].CreatedAt.Equal(queue[j].CreatedAt) {
			return queue[i].CreatedAt.Before(queue[j].CreatedAt)
		}
		return queue[i].Number < queue[j].Number
	})
	return queue, nil
}

// Next returns the oldest eligible task, or nil when the queue is empty.
// A Task Store failure is returned as an error, never as an empty queue.
func (s *Selector) Next(ctx context.Context) (*Task, error) {
	queue, err := s.Queue(ctx)
	if err != nil {
		return nil, err
	}
	if len(queue) == 0 {
		return nil, nil
	}
	return queue[0], nil
}
