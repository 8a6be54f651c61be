package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"workshop_rt/server/common/apperr"
	"workshop_rt/server/notification/domain"
)

type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]domain.Notification
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: map[string]domain.Notification{}}
}

func (s *MemoryStore) Create(_ context.Context, n domain.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[n.ID]; ok {
		return fmt.Errorf("notification %s already exists", n.ID)
	}
	s.items[n.ID] = n.Clone()
	return nil
}

// Update replaces a notification that is not final yet. A final one is
// left untouched and domain.ErrFinal is returned.
func (s *MemoryStore) Update(_ context.Context, n domain.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.items[n.ID]
	if !ok {
		return apperr.ErrNotFound
	}
	if cur.Status.Terminal() {
		return domain.ErrFinal
	}
	s.items[n.ID] = n.Clone()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (domain.Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.items[id]
	if !ok {
		return domain.Notification{}, apperr.ErrNotFound
	}
	return n.Clone(), nil
}

// ClaimDue moves scheduled notifications due at now to processing and
// returns them, highest priority first and oldest schedule first within a
// priority.
func (s *MemoryStore) ClaimDue(_ context.Context, now time.Time, limit int) ([]domain.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Notification, 0)
	for _, n := range s.items {
		if n.Status != domain.StatusScheduled || n.ScheduledFor == nil || n.ScheduledFor.After(now) {
			continue
		}
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].ScheduledFor.Before(*out[j].ScheduledFor)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	for i := range out {
		out[i].Status = domain.StatusProcessing
		out[i].UpdatedAt = now
		s.items[out[i].ID] = out[i].Clone()
		out[i] = out[i].Clone()
	}
	return out, nil
}

// RequeueStale schedules processing notifications untouched since cutoff
// for now and reports how many there were.
func (s *MemoryStore) RequeueStale(_ context.Context, cutoff, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for id, n := range s.items {
		if n.Status != domain.StatusProcessing || !n.UpdatedAt.Before(cutoff) {
			continue
		}
		at := now
		n.Status = domain.StatusScheduled
		n.ScheduledFor = &at
		n.UpdatedAt = now
		s.items[id] = n
		count++
	}
	return count, nil
}
