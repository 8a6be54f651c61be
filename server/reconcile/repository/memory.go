package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"workshop_rt/server/common/apperr"
	"workshop_rt/server/reconcile/domain"
)

type docKey struct {
	entityType string
	entityID   string
}

// MemoryDocuments keeps server documents in process. Writes are checked
// against the caller's expected checksum.
type MemoryDocuments struct {
	mu   sync.RWMutex
	docs map[docKey]domain.Document
	now  func() time.Time
}

func NewMemoryDocuments(now func() time.Time) *MemoryDocuments {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &MemoryDocuments{docs: map[docKey]domain.Document{}, now: now}
}

// Put stores doc as is, computing the checksum when missing.
func (s *MemoryDocuments) Put(doc domain.Document) (domain.Document, error) {
	if doc.Checksum == "" {
		sum, err := domain.Checksum(doc.Body)
		if err != nil {
			return domain.Document{}, err
		}
		doc.Checksum = sum
	}
	if doc.LastModified.IsZero() {
		doc.LastModified = s.now()
	}
	s.mu.Lock()
	s.docs[docKey{doc.EntityType, doc.EntityID}] = doc.Clone()
	s.mu.Unlock()
	return doc, nil
}

func (s *MemoryDocuments) Get(_ context.Context, entityType, entityID string) (domain.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[docKey{entityType, entityID}]
	if !ok {
		return domain.Document{}, apperr.ErrNotFound
	}
	return doc.Clone(), nil
}

func (s *MemoryDocuments) Exists(_ context.Context, entityType, entityID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.docs[docKey{entityType, entityID}]
	return ok, nil
}

func (s *MemoryDocuments) Create(_ context.Context, entityType, entityID string, body json.RawMessage, actor string) (domain.Document, error) {
	sum, err := domain.Checksum(body)
	if err != nil {
		return domain.Document{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := docKey{entityType, entityID}
	if _, ok := s.docs[key]; ok {
		return domain.Document{}, fmt.Errorf("%s/%s exists: %w", entityType, entityID, apperr.ErrConflictDetected)
	}
	doc := domain.Document{
		EntityType:   entityType,
		EntityID:     entityID,
		Body:         append(json.RawMessage(nil), body...),
		Checksum:     sum,
		LastModified: s.now(),
		ModifiedBy:   actor,
	}
	s.docs[key] = doc
	return doc.Clone(), nil
}

func (s *MemoryDocuments) Update(_ context.Context, entityType, entityID string, body json.RawMessage, expectedChecksum, actor string) (domain.Document, error) {
	sum, err := domain.Checksum(body)
	if err != nil {
		return domain.Document{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := docKey{entityType, entityID}
	cur, ok := s.docs[key]
	if !ok {
		return domain.Document{}, apperr.ErrNotFound
	}
	if expectedChecksum != "" && cur.Checksum != expectedChecksum {
		return domain.Document{}, fmt.Errorf("%s/%s changed: %w", entityType, entityID, apperr.ErrConflictDetected)
	}
	cur.Body = append(json.RawMessage(nil), body...)
	cur.Checksum = sum
	cur.LastModified = s.now()
	cur.ModifiedBy = actor
	s.docs[key] = cur
	return cur.Clone(), nil
}

func (s *MemoryDocuments) Delete(_ context.Context, entityType, entityID, expectedChecksum string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := docKey{entityType, entityID}
	cur, ok := s.docs[key]
	if !ok {
		return apperr.ErrNotFound
	}
	if expectedChecksum != "" && cur.Checksum != expectedChecksum {
		return fmt.Errorf("%s/%s changed: %w", entityType, entityID, apperr.ErrConflictDetected)
	}
	delete(s.docs, key)
	return nil
}

func (s *MemoryDocuments) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.docs)
}

// MemoryOperations stores sync operations and conflicts in process.
type MemoryOperations struct {
	mu        sync.RWMutex
	ops       map[string]domain.SyncOperation
	conflicts map[string]domain.Conflict
}

func NewMemoryOperations() *MemoryOperations {
	return &MemoryOperations{
		ops:       map[string]domain.SyncOperation{},
		conflicts: map[string]domain.Conflict{},
	}
}

func (s *MemoryOperations) SaveOperation(_ context.Context, op domain.SyncOperation) error {
	s.mu.Lock()
	s.ops[op.ID] = op.Clone()
	s.mu.Unlock()
	return nil
}

func (s *MemoryOperations) GetOperation(_ context.Context, id string) (domain.SyncOperation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	op, ok := s.ops[id]
	if !ok {
		return domain.SyncOperation{}, apperr.ErrNotFound
	}
	return op.Clone(), nil
}

func (s *MemoryOperations) FindByContentHash(_ context.Context, hash string) ([]domain.SyncOperation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.SyncOperation, 0)
	for _, op := range s.ops {
		if op.ContentHash == hash {
			out = append(out, op.Clone())
		}
	}
	sortBySeq(out)
	return out, nil
}

// ListOperations returns operations in any of the given statuses ordered
// by enqueue sequence. No statuses means all.
func (s *MemoryOperations) ListOperations(_ context.Context, statuses ...domain.OpStatus) ([]domain.SyncOperation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.SyncOperation, 0)
	for _, op := range s.ops {
		if len(statuses) == 0 || slices.Contains(statuses, op.Status) {
			out = append(out, op.Clone())
		}
	}
	sortBySeq(out)
	return out, nil
}

func (s *MemoryOperations) SaveConflict(_ context.Context, c domain.Conflict) error {
	s.mu.Lock()
	s.conflicts[c.ID] = c.Clone()
	s.mu.Unlock()
	return nil
}

func (s *MemoryOperations) GetConflict(_ context.Context, id string) (domain.Conflict, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conflicts[id]
	if !ok {
		return domain.Conflict{}, apperr.ErrNotFound
	}
	return c.Clone(), nil
}

func (s *MemoryOperations) ListConflicts(_ context.Context, statuses ...domain.ConflictStatus) ([]domain.Conflict, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Conflict, 0)
	for _, c := range s.conflicts {
		if len(statuses) == 0 || slices.Contains(statuses, c.Status) {
			out = append(out, c.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DetectedAt.Before(out[j].DetectedAt) })
	return out, nil
}

// MarkResolved stores c only if the stored conflict is not resolved yet.
func (s *MemoryOperations) MarkResolved(_ context.Context, c domain.Conflict) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.conflicts[c.ID]
	if !ok {
		return apperr.ErrNotFound
	}
	if cur.Status == domain.ConflictResolved {
		return apperr.ErrAlreadyResolved
	}
	s.conflicts[c.ID] = c.Clone()
	return nil
}

func sortBySeq(ops []domain.SyncOperation) {
	sort.Slice(ops, func(i, j int) bool { return ops[i].Seq < ops[j].Seq })
}
