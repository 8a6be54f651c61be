package service

import (
	"bytes"
	"sync"
	"time"

	"workshop_rt/server/eventbus/domain"
)

// history is a ring bounded by both entry count and age. Events pushed out
// by the count cap are parked in overflow until the next retention sweep
// collects them, so nothing leaves history without passing through the
// sweep.
type history struct {
	mu       sync.RWMutex
	buf      []domain.Event
	start    int
	size     int
	maxAge   time.Duration
	overflow []domain.Event
	dropped  int64
}

func newHistory(maxCount int, maxAge time.Duration) *history {
	if maxCount <= 0 {
		maxCount = 10000
	}
	return &history{buf: make([]domain.Event, maxCount), maxAge: maxAge}
}

func (h *history) append(evt domain.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	capacity := len(h.buf)
	if h.size == capacity {
		oldest := h.buf[h.start]
		if len(h.overflow) < capacity {
			h.overflow = append(h.overflow, oldest)
		} else {
			h.dropped++
		}
		h.buf[h.start] = evt
		h.start = (h.start + 1) % capacity
		return
	}
	h.buf[(h.start+h.size)%capacity] = evt
	h.size++
}

// sweep removes events older than maxAge and returns them together with
// any count-evicted events, oldest first.
func (h *history) sweep(now time.Time) []domain.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := h.overflow
	h.overflow = nil
	if h.maxAge <= 0 {
		return out
	}
	cutoff := now.Add(-h.maxAge)
	capacity := len(h.buf)
	for h.size > 0 {
		oldest := h.buf[h.start]
		if !oldest.Timestamp.Before(cutoff) {
			break
		}
		out = append(out, oldest)
		h.buf[h.start] = domain.Event{}
		h.start = (h.start + 1) % capacity
		h.size--
	}
	return out
}

// query walks newest to oldest.
func (h *history) query(filter domain.HistoryFilter, limit int) []domain.Event {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if limit <= 0 || limit > h.size {
		limit = h.size
	}
	out := make([]domain.Event, 0, limit)
	capacity := len(h.buf)
	for i := h.size - 1; i >= 0 && len(out) < limit; i-- {
		evt := h.buf[(h.start+i)%capacity]
		if !filter.Match(evt) {
			continue
		}
		evt.Payload = bytes.Clone(evt.Payload)
		out = append(out, evt)
	}
	return out
}

func (h *history) stats() (size int, dropped int64) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.size, h.dropped
}
