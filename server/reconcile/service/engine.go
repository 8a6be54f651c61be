package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"workshop_rt/server/common/apperr"
	"workshop_rt/server/common/async"
	"workshop_rt/server/common/log"
	"workshop_rt/server/common/metrics"
	"workshop_rt/server/common/priority"
	evdomain "workshop_rt/server/eventbus/domain"
	"workshop_rt/server/reconcile/domain"
)

// DocumentStore is the server copy of the entities clients edit offline.
// Update and Delete fail with apperr.ErrConflictDetected when the stored
// checksum no longer matches a non-empty expected checksum.
type DocumentStore interface {
	Exists(ctx context.Context, entityType, entityID string) (bool, error)
	Get(ctx context.Context, entityType, entityID string) (domain.Document, error)
	Create(ctx context.Context, entityType, entityID string, body json.RawMessage, actor string) (domain.Document, error)
	Update(ctx context.Context, entityType, entityID string, body json.RawMessage, expectedChecksum, actor string) (domain.Document, error)
	Delete(ctx context.Context, entityType, entityID, expectedChecksum string) error
}

type OperationStore interface {
	SaveOperation(ctx context.Context, op domain.SyncOperation) error
	GetOperation(ctx context.Context, id string) (domain.SyncOperation, error)
	FindByContentHash(ctx context.Context, hash string) ([]domain.SyncOperation, error)
	ListOperations(ctx context.Context, statuses ...domain.OpStatus) ([]domain.SyncOperation, error)
	SaveConflict(ctx context.Context, c domain.Conflict) error
	GetConflict(ctx context.Context, id string) (domain.Conflict, error)
	ListConflicts(ctx context.Context, statuses ...domain.ConflictStatus) ([]domain.Conflict, error)
	// MarkResolved fails with apperr.ErrAlreadyResolved if the stored
	// conflict is resolved already.
	MarkResolved(ctx context.Context, c domain.Conflict) error
}

type EventPublisher interface {
	Publish(ctx context.Context, req evdomain.PublishRequest) (string, error)
}

const engineActor = "sync-engine"

// EntityGroup is the broadcast group for clients watching one entity. It
// nests under the workshop group so only that workshop's sessions may join;
// changes without a workshop go to an unscoped group.
func EntityGroup(workshopID, entityType, entityID string) string {
	group := "entity:" + entityType + ":" + entityID
	if workshopID == "" {
		return group
	}
	return "workshop:" + workshopID + ":" + group
}

type Config struct {
	MaxRetries   int
	BatchSize    int
	PollInterval time.Duration
	StaleAfter   time.Duration
	// MaxQueued caps queued operations; Enqueue beyond it fails with
	// apperr.ErrCapacityExceeded.
	MaxQueued int
	// Backoff paces the run loop while the document store is unavailable.
	Backoff async.Backoff
}

func (c Config) withDefaults() Config {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 24 * time.Hour
	}
	if c.MaxQueued <= 0 {
		c.MaxQueued = 10000
	}
	if c.Backoff.Base <= 0 {
		c.Backoff.Base = time.Second
	}
	if c.Backoff.Max <= 0 {
		c.Backoff.Max = time.Minute
	}
	return c
}

type Engine struct {
	cfg        Config
	docs       DocumentStore
	ops        OperationStore
	strategies *StrategyRegistry
	events     EventPublisher
	guard      IdempotencyGuard
	logger     log.Logger
	metrics    *metrics.Metrics
	now        func() time.Time

	queue *opQueue
	wake  chan struct{}

	enqueueMu sync.Mutex
	seq       int64

	processMu sync.Mutex
	resolveMu sync.Mutex
}

type Option func(*Engine)

func WithLogger(l log.Logger) Option {
	return func(e *Engine) { e.logger = log.OrNop(l) }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithEvents(p EventPublisher) Option {
	return func(e *Engine) { e.events = p }
}

func WithGuard(g IdempotencyGuard) Option {
	return func(e *Engine) { e.guard = g }
}

func WithStrategies(r *StrategyRegistry) Option {
	return func(e *Engine) { e.strategies = r }
}

func NewEngine(cfg Config, docs DocumentStore, ops OperationStore, opts ...Option) *Engine {
	e := &Engine{
		cfg:    cfg.withDefaults(),
		docs:   docs,
		ops:    ops,
		logger: log.Nop(),
		now:    func() time.Time { return time.Now().UTC() },
		queue:  newOpQueue(),
		wake:   make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.strategies == nil {
		e.strategies = NewStrategyRegistry(DefaultMergers())
	}
	return e
}

// Enqueue records a client change and queues it. Re-enqueuing a change
// that is already queued, applied or in conflict returns the existing id.
// A full queue is reported as apperr.ErrCapacityExceeded.
func (e *Engine) Enqueue(ctx context.Context, req domain.EnqueueRequest) (string, error) {
	req.EntityType = strings.TrimSpace(req.EntityType)
	req.EntityID = strings.TrimSpace(req.EntityID)
	req.OriginActor = strings.TrimSpace(req.OriginActor)
	req.WorkshopID = strings.TrimSpace(req.WorkshopID)
	prio, err := validateEnqueue(req)
	if err != nil {
		return "", err
	}
	hash, err := domain.ContentHash(req.Kind, req.EntityType, req.EntityID, req.Checksum, req.Payload)
	if err != nil {
		return "", apperr.Invalid("payload", err.Error())
	}

	e.enqueueMu.Lock()
	defer e.enqueueMu.Unlock()

	existing, err := e.ops.FindByContentHash(ctx, hash)
	if err != nil {
		return "", err
	}
	for _, op := range existing {
		if op.Status != domain.OpFailed {
			e.logger.Infof("event=sync_enqueue action=dedupe id=%s status=%s", op.ID, op.Status)
			return op.ID, nil
		}
	}
	if depth := e.queue.len(); depth >= e.cfg.MaxQueued {
		e.metrics.IncSyncOperation("rejected")
		e.logger.Warnf("event=sync_enqueue action=queue status=saturated depth=%d max=%d actor=%s", depth, e.cfg.MaxQueued, req.OriginActor)
		return "", apperr.ErrCapacityExceeded
	}

	now := e.now()
	op := domain.SyncOperation{
		ID:          uuid.NewString(),
		Kind:        req.Kind,
		EntityType:  req.EntityType,
		EntityID:    req.EntityID,
		Payload:     append(json.RawMessage(nil), req.Payload...),
		OriginActor: req.OriginActor,
		WorkshopID:  req.WorkshopID,
		Checksum:    req.Checksum,
		ContentHash: hash,
		Priority:    prio,
		Status:      domain.OpPending,
		EnqueuedAt:  now,
		UpdatedAt:   now,
	}
	if req.OfflineSince != nil {
		t := req.OfflineSince.UTC()
		op.OfflineSince = &t
	}

	if e.guard != nil {
		if owner, ok := e.claim(ctx, hash, op.ID); !ok {
			return owner, nil
		}
	}

	e.seq++
	op.Seq = e.seq
	if err := e.ops.SaveOperation(ctx, op); err != nil {
		return "", err
	}
	e.queue.push(op.ID, op.Priority)
	e.metrics.IncSyncOperation(string(domain.OpPending))
	e.metrics.SetSyncQueueDepth(e.queue.len())
	e.logger.Infof("event=sync_enqueue action=queue id=%s kind=%s entity=%s/%s priority=%d actor=%s",
		op.ID, op.Kind, op.EntityType, op.EntityID, op.Priority, op.OriginActor)

	select {
	case e.wake <- struct{}{}:
	default:
	}
	return op.ID, nil
}

// claim consults the shared guard. It reports false with the owner id when
// another live operation already carries the same content hash.
func (e *Engine) claim(ctx context.Context, hash, opID string) (string, bool) {
	owner, err := e.guard.Claim(ctx, hash, opID)
	if err != nil {
		e.logger.Warnf("event=sync_enqueue action=guard status=failed error=%v", err)
		return "", true
	}
	if owner == opID {
		return "", true
	}
	prev, err := e.ops.GetOperation(ctx, owner)
	if err == nil && prev.Status != domain.OpFailed {
		e.logger.Infof("event=sync_enqueue action=dedupe id=%s status=%s source=guard", prev.ID, prev.Status)
		return prev.ID, false
	}
	if err := e.guard.Reclaim(ctx, hash, opID); err != nil {
		e.logger.Warnf("event=sync_enqueue action=guard_reclaim status=failed error=%v", err)
	}
	return "", true
}

func validateEnqueue(req domain.EnqueueRequest) (priority.Level, error) {
	if !req.Kind.Valid() {
		return 0, apperr.Invalid("kind", "must be create, update or delete")
	}
	if req.EntityType == "" {
		return 0, apperr.Invalid("entity_type", "is required")
	}
	if req.EntityID == "" {
		return 0, apperr.Invalid("entity_id", "is required")
	}
	if req.OriginActor == "" {
		return 0, apperr.Invalid("origin_actor", "is required")
	}
	if req.Kind != domain.KindDelete && len(req.Payload) == 0 {
		return 0, apperr.Invalid("payload", "is required for "+string(req.Kind))
	}
	if len(req.Payload) > 0 && !json.Valid(req.Payload) {
		return 0, apperr.Invalid("payload", "must be valid JSON")
	}
	if req.Kind != domain.KindCreate && req.Checksum == "" {
		return 0, apperr.Invalid("checksum", "is required for "+string(req.Kind))
	}
	prio := req.Priority.OrDefault()
	if !prio.Valid() {
		return 0, apperr.Invalid("priority", "must be between 1 and 5")
	}
	return prio, nil
}

// ProcessBatch takes up to limit operations off the queue in priority
// order and settles each one. A document store outage stops the batch,
// puts the untouched operations back at the head of the queue and is
// returned as apperr.ErrUnavailable.
func (e *Engine) ProcessBatch(ctx context.Context, limit int) (domain.BatchResult, error) {
	e.processMu.Lock()
	defer e.processMu.Unlock()

	started := time.Now()
	if limit <= 0 {
		limit = e.cfg.BatchSize
	}
	var result domain.BatchResult
	items := e.queue.pop(limit)
	defer func() {
		result.Remaining = e.queue.len()
		e.metrics.SetSyncQueueDepth(result.Remaining)
		if len(items) > 0 {
			e.metrics.ObserveBatch(time.Since(started).Seconds())
		}
	}()

	for i, it := range items {
		if err := ctx.Err(); err != nil {
			e.queue.pushFront(items[i:])
			result.Deferred += len(items) - i
			return result, err
		}
		op, err := e.ops.GetOperation(ctx, it.id)
		if err != nil {
			if errors.Is(err, apperr.ErrNotFound) {
				e.logger.Warnf("event=sync_process action=load status=missing id=%s", it.id)
				continue
			}
			e.queue.pushFront(items[i:])
			result.Deferred += len(items) - i
			return result, err
		}
		if op.Status != domain.OpPending {
			continue
		}

		op.Status = domain.OpInProgress
		op.UpdatedAt = e.now()
		if err := e.ops.SaveOperation(ctx, op); err != nil {
			e.queue.pushFront(items[i:])
			result.Deferred += len(items) - i
			return result, err
		}

		err = e.process(ctx, &op)
		if errors.Is(err, apperr.ErrUnavailable) {
			op.Status = domain.OpPending
			op.UpdatedAt = e.now()
			if serr := e.ops.SaveOperation(ctx, op); serr != nil {
				e.logger.Warnf("event=sync_process action=requeue status=save_failed id=%s error=%v", op.ID, serr)
			}
			e.queue.pushFront(items[i:])
			result.Deferred += len(items) - i
			e.logger.Warnf("event=sync_process action=batch status=store_unavailable id=%s deferred=%d error=%v", op.ID, len(items)-i, err)
			return result, err
		}
		if err != nil {
			e.logger.Errorf("event=sync_process action=settle status=failed id=%s error=%v", op.ID, err)
			_ = e.retryOrFail(ctx, &op, err)
		}
		result.Processed++
		switch op.Status {
		case domain.OpCompleted:
			result.Completed++
		case domain.OpConflicted:
			result.Conflicted++
		case domain.OpPending:
			result.Retried++
		case domain.OpFailed:
			result.Failed++
		}
	}
	return result, nil
}

// process runs detection and apply for one in-progress operation and
// leaves op in its next state. An error means op was left in progress:
// either the store is unavailable or recording the outcome failed.
func (e *Engine) process(ctx context.Context, op *domain.SyncOperation) error {
	if op.Kind != domain.KindCreate {
		flags, current, err := e.detect(ctx, *op)
		if err != nil {
			if errors.Is(err, apperr.ErrUnavailable) {
				return err
			}
			return e.retryOrFail(ctx, op, err)
		}
		if len(flags) > 0 {
			return e.raiseConflict(ctx, op, flags, current)
		}
	}

	doc, err := e.apply(ctx, *op)
	switch {
	case err == nil:
	case errors.Is(err, apperr.ErrUnavailable):
		return err
	case errors.Is(err, apperr.ErrConflictDetected):
		// changed between detection and apply
		current, gerr := e.docs.Get(ctx, op.EntityType, op.EntityID)
		if gerr != nil && errors.Is(gerr, apperr.ErrUnavailable) {
			return gerr
		}
		var cur *domain.Document
		if gerr == nil {
			cur = &current
		}
		return e.raiseConflict(ctx, op, []domain.ConflictKind{domain.ConflictConcurrentModification}, cur)
	case errors.Is(err, apperr.ErrNotFound):
		return e.raiseConflict(ctx, op, []domain.ConflictKind{domain.ConflictMissingTarget}, nil)
	default:
		return e.retryOrFail(ctx, op, err)
	}

	op.Status = domain.OpCompleted
	op.UpdatedAt = e.now()
	e.save(ctx, *op)
	e.metrics.IncSyncOperation(string(domain.OpCompleted))
	e.logger.Infof("event=sync_process action=apply status=completed id=%s kind=%s entity=%s/%s", op.ID, op.Kind, op.EntityType, op.EntityID)
	e.announceApplied(ctx, op.Kind, *op, doc)
	return nil
}

// detect checks, in order, for a missing target, a server change newer
// than the client's offline point, and a checksum mismatch. A missing
// target is reported alone.
func (e *Engine) detect(ctx context.Context, op domain.SyncOperation) ([]domain.ConflictKind, *domain.Document, error) {
	exists, err := e.docs.Exists(ctx, op.EntityType, op.EntityID)
	if err != nil {
		return nil, nil, err
	}
	if !exists {
		return []domain.ConflictKind{domain.ConflictMissingTarget}, nil, nil
	}
	doc, err := e.docs.Get(ctx, op.EntityType, op.EntityID)
	if errors.Is(err, apperr.ErrNotFound) {
		return []domain.ConflictKind{domain.ConflictMissingTarget}, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	var flags []domain.ConflictKind
	if op.OfflineSince != nil && doc.LastModified.After(*op.OfflineSince) {
		flags = append(flags, domain.ConflictConcurrentModification)
	}
	if op.Checksum != "" && op.Checksum != doc.Checksum {
		flags = append(flags, domain.ConflictChecksumMismatch)
	}
	return flags, &doc, nil
}

func (e *Engine) apply(ctx context.Context, op domain.SyncOperation) (*domain.Document, error) {
	switch op.Kind {
	case domain.KindCreate:
		doc, err := e.docs.Create(ctx, op.EntityType, op.EntityID, op.Payload, op.OriginActor)
		return &doc, err
	case domain.KindUpdate:
		doc, err := e.docs.Update(ctx, op.EntityType, op.EntityID, op.Payload, op.Checksum, op.OriginActor)
		return &doc, err
	case domain.KindDelete:
		return nil, e.docs.Delete(ctx, op.EntityType, op.EntityID, op.Checksum)
	default:
		return nil, fmt.Errorf("unknown operation kind %q", op.Kind)
	}
}

func (e *Engine) retryOrFail(ctx context.Context, op *domain.SyncOperation, cause error) error {
	op.RetryCount++
	op.ErrorLog = append(op.ErrorLog, fmt.Sprintf("%s attempt %d: %v", e.now().Format(time.RFC3339), op.RetryCount, cause))
	op.UpdatedAt = e.now()
	if op.RetryCount < e.cfg.MaxRetries {
		op.Status = domain.OpPending
		e.save(ctx, *op)
		e.queue.push(op.ID, op.Priority)
		e.metrics.IncSyncOperation("retried")
		e.logger.Warnf("event=sync_process action=apply status=retry id=%s retries=%d/%d error=%v", op.ID, op.RetryCount, e.cfg.MaxRetries, cause)
		return nil
	}
	op.Status = domain.OpFailed
	e.save(ctx, *op)
	e.metrics.IncSyncOperation(string(domain.OpFailed))
	e.logger.Errorf("event=sync_process action=apply status=failed id=%s retries=%d error=%v", op.ID, op.RetryCount, cause)
	e.publish(ctx, evdomain.PublishRequest{
		Type:        evdomain.EventOperationFailed,
		Priority:    priority.High,
		OriginActor: op.OriginActor,
		Payload: map[string]any{
			"operation_id": op.ID,
			"entity_type":  op.EntityType,
			"entity_id":    op.EntityID,
			"kind":         op.Kind,
			"retries":      op.RetryCount,
			"error":        cause.Error(),
		},
	})
	return nil
}

func (e *Engine) raiseConflict(ctx context.Context, op *domain.SyncOperation, flags []domain.ConflictKind, current *domain.Document) error {
	c := domain.Conflict{
		ID:            uuid.NewString(),
		OperationID:   op.ID,
		EntityType:    op.EntityType,
		EntityID:      op.EntityID,
		OriginActor:   op.OriginActor,
		WorkshopID:    op.WorkshopID,
		Kind:          flags[0],
		Flags:         flags,
		Status:        domain.ConflictOpen,
		ClientPayload: op.Payload,
		DetectedAt:    e.now(),
	}
	if current != nil {
		c.ServerChecksum = current.Checksum
		c.ServerDocument = current.Body
	}
	if err := e.ops.SaveConflict(ctx, c); err != nil {
		return err
	}
	op.Status = domain.OpConflicted
	op.ConflictID = c.ID
	op.UpdatedAt = e.now()
	e.save(ctx, *op)
	e.metrics.IncSyncOperation(string(domain.OpConflicted))
	for _, f := range flags {
		e.metrics.IncConflict(string(f), "detected")
	}
	e.logger.Warnf("event=sync_conflict action=detect id=%s operation=%s entity=%s/%s flags=%v", c.ID, op.ID, op.EntityType, op.EntityID, flags)
	e.publish(ctx, evdomain.PublishRequest{
		Type:        evdomain.EventConflictDetected,
		Priority:    priority.High,
		OriginActor: op.OriginActor,
		TargetGroup: EntityGroup(op.WorkshopID, op.EntityType, op.EntityID),
		Payload: map[string]any{
			"conflict_id":  c.ID,
			"operation_id": op.ID,
			"entity_type":  op.EntityType,
			"entity_id":    op.EntityID,
			"kind":         c.Kind,
			"flags":        flags,
		},
	})
	return nil
}

// ResolveConflict settles an open or escalated conflict once. Escalated
// conflicts accept manual review only. Strategy validation errors leave
// the conflict open.
func (e *Engine) ResolveConflict(ctx context.Context, req domain.ResolveRequest) (domain.Resolution, error) {
	if strings.TrimSpace(req.ConflictID) == "" {
		return domain.Resolution{}, apperr.Invalid("conflict_id", "is required")
	}
	if !req.Strategy.Valid() {
		return domain.Resolution{}, apperr.Invalid("strategy", "unknown strategy "+string(req.Strategy))
	}

	e.resolveMu.Lock()
	defer e.resolveMu.Unlock()

	c, err := e.ops.GetConflict(ctx, req.ConflictID)
	if err != nil {
		return domain.Resolution{}, err
	}
	if c.Status == domain.ConflictResolved {
		return domain.Resolution{}, apperr.ErrAlreadyResolved
	}
	if c.Status == domain.ConflictEscalated && req.Strategy != domain.StrategyManualReview {
		return domain.Resolution{}, apperr.Invalid("strategy", "escalated conflicts require manual_review")
	}
	strategy, ok := e.strategies.Get(req.Strategy)
	if !ok {
		return domain.Resolution{}, apperr.Invalid("strategy", "strategy "+string(req.Strategy)+" is not registered")
	}
	op, err := e.ops.GetOperation(ctx, c.OperationID)
	if err != nil {
		return domain.Resolution{}, err
	}

	var current *domain.Document
	doc, err := e.docs.Get(ctx, c.EntityType, c.EntityID)
	switch {
	case err == nil:
		current = &doc
	case errors.Is(err, apperr.ErrNotFound):
	default:
		return domain.Resolution{}, err
	}

	plan, err := strategy.Plan(ResolveInput{Operation: op, Conflict: c, Current: current, ManualPayload: req.ManualPayload})
	if err != nil {
		return domain.Resolution{}, err
	}

	written, applyErr := e.execute(ctx, plan, op, current, req.ResolvedBy)
	if applyErr != nil && errors.Is(applyErr, apperr.ErrUnavailable) {
		return domain.Resolution{}, applyErr
	}

	now := e.now()
	c.Strategy = req.Strategy
	c.Outcome = plan.Outcome
	c.Status = domain.ConflictResolved
	c.ResolvedBy = strings.TrimSpace(req.ResolvedBy)
	c.ResolvedAt = &now
	op.Status = domain.OpCompleted
	if applyErr != nil {
		c.Outcome = domain.OutcomeFailed
		op.Status = domain.OpFailed
		op.ErrorLog = append(op.ErrorLog, fmt.Sprintf("%s resolve %s: %v", now.Format(time.RFC3339), req.Strategy, applyErr))
	}
	if err := e.ops.MarkResolved(ctx, c); err != nil {
		return domain.Resolution{}, err
	}
	op.UpdatedAt = now
	e.save(ctx, op)

	e.metrics.IncConflict(string(c.Kind), "resolved")
	e.metrics.IncSyncOperation(string(op.Status))
	e.logger.Infof("event=sync_conflict action=resolve id=%s strategy=%s outcome=%s operation=%s status=%s",
		c.ID, c.Strategy, c.Outcome, op.ID, op.Status)

	res := domain.Resolution{
		ConflictID:      c.ID,
		OperationID:     op.ID,
		Strategy:        c.Strategy,
		Outcome:         c.Outcome,
		OperationStatus: op.Status,
	}
	if written != nil {
		res.Document = written.Body
	} else if current != nil && plan.Action == ActionKeepServer {
		res.Document = current.Body
	}

	e.publish(ctx, evdomain.PublishRequest{
		Type:        evdomain.EventConflictResolved,
		Priority:    priority.Normal,
		OriginActor: op.OriginActor,
		TargetGroup: EntityGroup(c.WorkshopID, c.EntityType, c.EntityID),
		Payload: map[string]any{
			"conflict_id":  c.ID,
			"operation_id": op.ID,
			"entity_type":  c.EntityType,
			"entity_id":    c.EntityID,
			"strategy":     c.Strategy,
			"outcome":      c.Outcome,
			"resolved_by":  c.ResolvedBy,
		},
	})
	if applyErr == nil && plan.Action != ActionKeepServer {
		kind := domain.KindUpdate
		switch {
		case plan.Action == ActionDelete:
			kind = domain.KindDelete
		case current == nil:
			kind = domain.KindCreate
		}
		e.announceApplied(ctx, kind, op, written)
	}
	return res, nil
}

func (e *Engine) execute(ctx context.Context, plan Plan, op domain.SyncOperation, current *domain.Document, resolvedBy string) (*domain.Document, error) {
	actor := strings.TrimSpace(resolvedBy)
	if actor == "" {
		actor = op.OriginActor
	}
	switch plan.Action {
	case ActionKeepServer:
		return nil, nil
	case ActionDelete:
		if current == nil {
			return nil, nil
		}
		return nil, e.docs.Delete(ctx, op.EntityType, op.EntityID, current.Checksum)
	case ActionWrite:
		if current == nil {
			doc, err := e.docs.Create(ctx, op.EntityType, op.EntityID, plan.Body, actor)
			if err != nil {
				return nil, err
			}
			return &doc, nil
		}
		doc, err := e.docs.Update(ctx, op.EntityType, op.EntityID, plan.Body, current.Checksum, actor)
		if err != nil {
			return nil, err
		}
		return &doc, nil
	default:
		return nil, fmt.Errorf("unknown plan action %d", plan.Action)
	}
}

// EscalateStale marks conflicts left open longer than StaleAfter as
// escalated. From then on only manual review can resolve them.
func (e *Engine) EscalateStale(ctx context.Context) (int, error) {
	open, err := e.ops.ListConflicts(ctx, domain.ConflictOpen)
	if err != nil {
		return 0, err
	}
	now := e.now()
	cutoff := now.Add(-e.cfg.StaleAfter)
	n := 0
	for _, c := range open {
		if !c.DetectedAt.Before(cutoff) {
			continue
		}
		c.Status = domain.ConflictEscalated
		c.EscalatedAt = &now
		if err := e.ops.SaveConflict(ctx, c); err != nil {
			return n, err
		}
		n++
		e.metrics.IncConflict(string(c.Kind), "escalated")
		e.logger.Warnf("event=sync_conflict action=escalate id=%s entity=%s/%s detected_at=%s", c.ID, c.EntityType, c.EntityID, c.DetectedAt.Format(time.RFC3339))
		e.publish(ctx, evdomain.PublishRequest{
			Type:        evdomain.EventConflictEscalated,
			Priority:    priority.Critical,
			OriginActor: c.OriginActor,
			TargetGroup: EntityGroup(c.WorkshopID, c.EntityType, c.EntityID),
			Payload: map[string]any{
				"conflict_id": c.ID,
				"entity_type": c.EntityType,
				"entity_id":   c.EntityID,
				"kind":        c.Kind,
				"detected_at": c.DetectedAt.Format(time.RFC3339),
			},
		})
	}
	return n, nil
}

// Restore reloads unfinished operations from the store into the queue.
// Operations caught in progress by a crash go back to pending.
func (e *Engine) Restore(ctx context.Context) (int, error) {
	ops, err := e.ops.ListOperations(ctx, domain.OpPending, domain.OpInProgress)
	if err != nil {
		return 0, err
	}
	sort.SliceStable(ops, func(i, j int) bool { return ops[i].Seq < ops[j].Seq })

	e.enqueueMu.Lock()
	defer e.enqueueMu.Unlock()
	for _, op := range ops {
		if op.Status == domain.OpInProgress {
			op.Status = domain.OpPending
			op.UpdatedAt = e.now()
			if err := e.ops.SaveOperation(ctx, op); err != nil {
				return 0, err
			}
		}
		e.queue.push(op.ID, op.Priority.OrDefault())
	}
	all, err := e.ops.ListOperations(ctx)
	if err != nil {
		return 0, err
	}
	for _, op := range all {
		e.seq = max(e.seq, op.Seq)
	}
	e.metrics.SetSyncQueueDepth(e.queue.len())
	e.logger.Infof("event=sync_restore action=load count=%d", len(ops))
	return len(ops), nil
}

// Run drains the queue until ctx is done. It sleeps PollInterval when idle
// (or until the next Enqueue) and backs off while the store is unavailable.
func (e *Engine) Run(ctx context.Context) error {
	outage := 0
	for {
		result, err := e.ProcessBatch(ctx, e.cfg.BatchSize)
		var wait time.Duration
		switch {
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, apperr.ErrUnavailable):
			outage++
			wait = e.cfg.Backoff.Delay(outage)
			e.logger.Warnf("event=sync_run action=backoff attempt=%d wait=%s error=%v", outage, wait, err)
		case err != nil:
			outage = 0
			wait = e.cfg.PollInterval
			e.logger.Errorf("event=sync_run action=batch status=failed error=%v", err)
		case result.Remaining > 0:
			outage = 0
			continue
		default:
			outage = 0
			wait = e.cfg.PollInterval
		}

		// an Enqueue cuts the idle wait short but not an outage backoff
		wake := e.wake
		if outage > 0 {
			wake = nil
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (e *Engine) GetOperation(ctx context.Context, id string) (domain.SyncOperation, error) {
	return e.ops.GetOperation(ctx, id)
}

func (e *Engine) GetConflict(ctx context.Context, id string) (domain.Conflict, error) {
	return e.ops.GetConflict(ctx, id)
}

// Conflicts lists unresolved conflicts, oldest first.
func (e *Engine) Conflicts(ctx context.Context) ([]domain.Conflict, error) {
	return e.ops.ListConflicts(ctx, domain.ConflictOpen, domain.ConflictEscalated)
}

func (e *Engine) QueueDepth() int {
	return e.queue.len()
}

func (e *Engine) save(ctx context.Context, op domain.SyncOperation) {
	if err := e.ops.SaveOperation(ctx, op); err != nil {
		e.logger.Errorf("event=sync_process action=persist status=failed id=%s status=%s error=%v", op.ID, op.Status, err)
	}
}

func (e *Engine) announceApplied(ctx context.Context, kind domain.Kind, op domain.SyncOperation, doc *domain.Document) {
	evtType := evdomain.EventEntityUpdated
	switch kind {
	case domain.KindCreate:
		evtType = evdomain.EventEntityCreated
	case domain.KindDelete:
		evtType = evdomain.EventEntityDeleted
	}
	payload := map[string]any{
		"operation_id": op.ID,
		"entity_type":  op.EntityType,
		"entity_id":    op.EntityID,
	}
	if doc != nil {
		payload["checksum"] = doc.Checksum
		payload["document"] = doc.Body
	}
	e.publish(ctx, evdomain.PublishRequest{
		Type:        evtType,
		Priority:    op.Priority,
		OriginActor: op.OriginActor,
		TargetGroup: EntityGroup(op.WorkshopID, op.EntityType, op.EntityID),
		Payload:     payload,
	})
}

func (e *Engine) publish(ctx context.Context, req evdomain.PublishRequest) {
	if e.events == nil {
		return
	}
	if req.OriginActor == "" {
		req.OriginActor = engineActor
	}
	if _, err := e.events.Publish(ctx, req); err != nil {
		e.logger.Warnf("event=sync_announce action=publish status=failed type=%s error=%v", req.Type, err)
	}
}
