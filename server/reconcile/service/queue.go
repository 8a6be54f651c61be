package service

import (
	"sync"

	"workshop_rt/server/common/priority"
)

type queued struct {
	id   string
	prio priority.Level
}

// opQueue orders operation ids by priority tier, FIFO within a tier.
type opQueue struct {
	mu    sync.Mutex
	tiers map[priority.Level][]queued
	size  int
}

func newOpQueue() *opQueue {
	return &opQueue{tiers: map[priority.Level][]queued{}}
}

func (q *opQueue) push(id string, prio priority.Level) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tiers[prio] = append(q.tiers[prio], queued{id: id, prio: prio})
	q.size++
}

// pushFront puts items back ahead of their tiers in the given order.
func (q *opQueue) pushFront(items []queued) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := len(items) - 1; i >= 0; i-- {
		it := items[i]
		q.tiers[it.prio] = append([]queued{it}, q.tiers[it.prio]...)
		q.size++
	}
}

func (q *opQueue) pop(limit int) []queued {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]queued, 0, min(limit, q.size))
	for _, tier := range priority.Tiers() {
		items := q.tiers[tier]
		for len(items) > 0 && len(out) < limit {
			out = append(out, items[0])
			items[0] = queued{}
			items = items[1:]
		}
		if len(items) == 0 {
			delete(q.tiers, tier)
		} else {
			q.tiers[tier] = items
		}
		if len(out) == limit {
			break
		}
	}
	q.size -= len(out)
	return out
}

func (q *opQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}
