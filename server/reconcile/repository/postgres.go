package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"workshop_rt/server/common/apperr"
	"workshop_rt/server/common/infra/db"
	"workshop_rt/server/common/priority"
	"workshop_rt/server/reconcile/domain"
)

const DocumentSchema = `
CREATE TABLE IF NOT EXISTS entity_documents (
	entity_type   TEXT NOT NULL,
	entity_id     TEXT NOT NULL,
	body          JSONB NOT NULL,
	checksum      TEXT NOT NULL,
	last_modified TIMESTAMPTZ NOT NULL,
	modified_by   TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (entity_type, entity_id)
);
`

const OperationSchema = `
CREATE TABLE IF NOT EXISTS sync_operations (
	id            TEXT PRIMARY KEY,
	seq           BIGINT NOT NULL,
	kind          TEXT NOT NULL,
	entity_type   TEXT NOT NULL,
	entity_id     TEXT NOT NULL,
	payload       JSONB,
	origin_actor  TEXT NOT NULL,
	workshop_id   TEXT NOT NULL DEFAULT '',
	offline_since TIMESTAMPTZ,
	checksum      TEXT NOT NULL DEFAULT '',
	content_hash  TEXT NOT NULL,
	priority      SMALLINT NOT NULL,
	status        TEXT NOT NULL,
	retry_count   INT NOT NULL DEFAULT 0,
	error_log     JSONB NOT NULL DEFAULT '[]',
	conflict_id   TEXT NOT NULL DEFAULT '',
	enqueued_at   TIMESTAMPTZ NOT NULL,
	updated_at    TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS sync_operations_hash_idx ON sync_operations (content_hash);
CREATE INDEX IF NOT EXISTS sync_operations_status_idx ON sync_operations (status, seq);

CREATE TABLE IF NOT EXISTS sync_conflicts (
	id              TEXT PRIMARY KEY,
	operation_id    TEXT NOT NULL,
	entity_type     TEXT NOT NULL,
	entity_id       TEXT NOT NULL,
	origin_actor    TEXT NOT NULL,
	workshop_id     TEXT NOT NULL DEFAULT '',
	kind            TEXT NOT NULL,
	flags           JSONB NOT NULL,
	status          TEXT NOT NULL,
	server_checksum TEXT NOT NULL DEFAULT '',
	server_document JSONB,
	client_payload  JSONB,
	strategy        TEXT NOT NULL DEFAULT '',
	outcome         TEXT NOT NULL DEFAULT '',
	resolved_by     TEXT NOT NULL DEFAULT '',
	detected_at     TIMESTAMPTZ NOT NULL,
	escalated_at    TIMESTAMPTZ,
	resolved_at     TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS sync_conflicts_status_idx ON sync_conflicts (status, detected_at);
ALTER TABLE sync_operations ADD COLUMN IF NOT EXISTS workshop_id TEXT NOT NULL DEFAULT '';
ALTER TABLE sync_conflicts ADD COLUMN IF NOT EXISTS workshop_id TEXT NOT NULL DEFAULT '';
`

type PostgresDocuments struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

func NewPostgresDocuments(pool *pgxpool.Pool) *PostgresDocuments {
	return &PostgresDocuments{pool: pool, now: func() time.Time { return time.Now().UTC() }}
}

func (s *PostgresDocuments) Get(ctx context.Context, entityType, entityID string) (domain.Document, error) {
	doc := domain.Document{EntityType: entityType, EntityID: entityID}
	var body []byte
	err := s.pool.QueryRow(ctx, `
		SELECT body, checksum, last_modified, modified_by
		FROM entity_documents
		WHERE entity_type=$1 AND entity_id=$2
	`, entityType, entityID).Scan(&body, &doc.Checksum, &doc.LastModified, &doc.ModifiedBy)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Document{}, apperr.ErrNotFound
		}
		return domain.Document{}, db.Classify("document store", err)
	}
	doc.Body = body
	return doc, nil
}

func (s *PostgresDocuments) Exists(ctx context.Context, entityType, entityID string) (bool, error) {
	var ok bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS(SELECT 1 FROM entity_documents WHERE entity_type=$1 AND entity_id=$2)
	`, entityType, entityID).Scan(&ok)
	return ok, db.Classify("document store", err)
}

func (s *PostgresDocuments) Create(ctx context.Context, entityType, entityID string, body json.RawMessage, actor string) (domain.Document, error) {
	sum, err := domain.Checksum(body)
	if err != nil {
		return domain.Document{}, err
	}
	now := s.now()
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO entity_documents(entity_type, entity_id, body, checksum, last_modified, modified_by)
		VALUES($1, $2, $3::jsonb, $4, $5, $6)
		ON CONFLICT (entity_type, entity_id) DO NOTHING
	`, entityType, entityID, string(body), sum, now, actor)
	if err != nil {
		return domain.Document{}, db.Classify("document store", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.Document{}, fmt.Errorf("%s/%s exists: %w", entityType, entityID, apperr.ErrConflictDetected)
	}
	return domain.Document{
		EntityType:   entityType,
		EntityID:     entityID,
		Body:         body,
		Checksum:     sum,
		LastModified: now,
		ModifiedBy:   actor,
	}, nil
}

func (s *PostgresDocuments) Update(ctx context.Context, entityType, entityID string, body json.RawMessage, expectedChecksum, actor string) (domain.Document, error) {
	sum, err := domain.Checksum(body)
	if err != nil {
		return domain.Document{}, err
	}
	now := s.now()
	tag, err := s.pool.Exec(ctx, `
		UPDATE entity_documents
		SET body=$3::jsonb, checksum=$4, last_modified=$5, modified_by=$6
		WHERE entity_type=$1 AND entity_id=$2 AND ($7 = '' OR checksum=$7)
	`, entityType, entityID, string(body), sum, now, actor, expectedChecksum)
	if err != nil {
		return domain.Document{}, db.Classify("document store", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.Document{}, s.missOrChanged(ctx, entityType, entityID)
	}
	return domain.Document{
		EntityType:   entityType,
		EntityID:     entityID,
		Body:         body,
		Checksum:     sum,
		LastModified: now,
		ModifiedBy:   actor,
	}, nil
}

func (s *PostgresDocuments) Delete(ctx context.Context, entityType, entityID, expectedChecksum string) error {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM entity_documents
		WHERE entity_type=$1 AND entity_id=$2 AND ($3 = '' OR checksum=$3)
	`, entityType, entityID, expectedChecksum)
	if err != nil {
		return db.Classify("document store", err)
	}
	if tag.RowsAffected() == 0 {
		return s.missOrChanged(ctx, entityType, entityID)
	}
	return nil
}

func (s *PostgresDocuments) missOrChanged(ctx context.Context, entityType, entityID string) error {
	ok, err := s.Exists(ctx, entityType, entityID)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.ErrNotFound
	}
	return fmt.Errorf("%s/%s changed: %w", entityType, entityID, apperr.ErrConflictDetected)
}

type PostgresOperations struct {
	pool *pgxpool.Pool
}

func NewPostgresOperations(pool *pgxpool.Pool) *PostgresOperations {
	return &PostgresOperations{pool: pool}
}

func (s *PostgresOperations) SaveOperation(ctx context.Context, op domain.SyncOperation) error {
	errorLog, err := json.Marshal(nonNil(op.ErrorLog))
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO sync_operations(id, seq, kind, entity_type, entity_id, payload, origin_actor, offline_since,
			checksum, content_hash, priority, status, retry_count, error_log, conflict_id, enqueued_at, updated_at,
			workshop_id)
		VALUES($1, $2, $3, $4, $5, $6::jsonb, $7, $8, $9, $10, $11, $12, $13, $14::jsonb, $15, $16, $17, $18)
		ON CONFLICT (id) DO UPDATE
		SET status=EXCLUDED.status, retry_count=EXCLUDED.retry_count, error_log=EXCLUDED.error_log,
			conflict_id=EXCLUDED.conflict_id, updated_at=EXCLUDED.updated_at
	`, op.ID, op.Seq, string(op.Kind), op.EntityType, op.EntityID, nullableJSON(op.Payload), op.OriginActor,
		op.OfflineSince, op.Checksum, op.ContentHash, int(op.Priority), string(op.Status), op.RetryCount,
		string(errorLog), op.ConflictID, op.EnqueuedAt, op.UpdatedAt, op.WorkshopID)
	return db.Classify("operation store", err)
}

const operationColumns = `id, seq, kind, entity_type, entity_id, payload, origin_actor, offline_since,
	checksum, content_hash, priority, status, retry_count, error_log, conflict_id, enqueued_at, updated_at,
	workshop_id`

func (s *PostgresOperations) GetOperation(ctx context.Context, id string) (domain.SyncOperation, error) {
	op, err := scanOperation(s.pool.QueryRow(ctx, `SELECT `+operationColumns+` FROM sync_operations WHERE id=$1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.SyncOperation{}, apperr.ErrNotFound
		}
		return domain.SyncOperation{}, db.Classify("operation store", err)
	}
	return op, nil
}

func (s *PostgresOperations) FindByContentHash(ctx context.Context, hash string) ([]domain.SyncOperation, error) {
	return s.queryOperations(ctx, `SELECT `+operationColumns+` FROM sync_operations WHERE content_hash=$1 ORDER BY seq`, hash)
}

func (s *PostgresOperations) ListOperations(ctx context.Context, statuses ...domain.OpStatus) ([]domain.SyncOperation, error) {
	if len(statuses) == 0 {
		return s.queryOperations(ctx, `SELECT `+operationColumns+` FROM sync_operations ORDER BY seq`)
	}
	names := make([]string, 0, len(statuses))
	for _, st := range statuses {
		names = append(names, string(st))
	}
	return s.queryOperations(ctx, `SELECT `+operationColumns+` FROM sync_operations WHERE status = ANY($1) ORDER BY seq`, names)
}

func (s *PostgresOperations) queryOperations(ctx context.Context, query string, args ...any) ([]domain.SyncOperation, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, db.Classify("operation store", err)
	}
	defer rows.Close()
	out := make([]domain.SyncOperation, 0)
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, op)
	}
	return out, db.Classify("operation store", rows.Err())
}

func scanOperation(row pgx.Row) (domain.SyncOperation, error) {
	var op domain.SyncOperation
	var payload, errorLog []byte
	var kind, status string
	var prio int
	err := row.Scan(
		&op.ID,
		&op.Seq,
		&kind,
		&op.EntityType,
		&op.EntityID,
		&payload,
		&op.OriginActor,
		&op.OfflineSince,
		&op.Checksum,
		&op.ContentHash,
		&prio,
		&status,
		&op.RetryCount,
		&errorLog,
		&op.ConflictID,
		&op.EnqueuedAt,
		&op.UpdatedAt,
		&op.WorkshopID,
	)
	if err != nil {
		return domain.SyncOperation{}, err
	}
	op.Kind = domain.Kind(kind)
	op.Status = domain.OpStatus(status)
	op.Priority = priority.Level(prio)
	if len(payload) > 0 {
		op.Payload = payload
	}
	if err := json.Unmarshal(errorLog, &op.ErrorLog); err != nil {
		return domain.SyncOperation{}, err
	}
	return op, nil
}

func (s *PostgresOperations) SaveConflict(ctx context.Context, c domain.Conflict) error {
	flags, err := json.Marshal(c.Flags)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO sync_conflicts(id, operation_id, entity_type, entity_id, origin_actor, kind, flags, status,
			server_checksum, server_document, client_payload, strategy, outcome, resolved_by, detected_at,
			escalated_at, resolved_at, workshop_id)
		VALUES($1, $2, $3, $4, $5, $6, $7::jsonb, $8, $9, $10::jsonb, $11::jsonb, $12, $13, $14, $15, $16, $17, $18)
		ON CONFLICT (id) DO UPDATE
		SET status=EXCLUDED.status, strategy=EXCLUDED.strategy, outcome=EXCLUDED.outcome,
			resolved_by=EXCLUDED.resolved_by, escalated_at=EXCLUDED.escalated_at, resolved_at=EXCLUDED.resolved_at
	`, c.ID, c.OperationID, c.EntityType, c.EntityID, c.OriginActor, string(c.Kind), string(flags), string(c.Status),
		c.ServerChecksum, nullableJSON(c.ServerDocument), nullableJSON(c.ClientPayload), string(c.Strategy),
		string(c.Outcome), c.ResolvedBy, c.DetectedAt, c.EscalatedAt, c.ResolvedAt, c.WorkshopID)
	return db.Classify("conflict store", err)
}

const conflictColumns = `id, operation_id, entity_type, entity_id, origin_actor, kind, flags, status,
	server_checksum, server_document, client_payload, strategy, outcome, resolved_by, detected_at,
	escalated_at, resolved_at, workshop_id`

func (s *PostgresOperations) GetConflict(ctx context.Context, id string) (domain.Conflict, error) {
	c, err := scanConflict(s.pool.QueryRow(ctx, `SELECT `+conflictColumns+` FROM sync_conflicts WHERE id=$1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Conflict{}, apperr.ErrNotFound
		}
		return domain.Conflict{}, db.Classify("conflict store", err)
	}
	return c, nil
}

func (s *PostgresOperations) ListConflicts(ctx context.Context, statuses ...domain.ConflictStatus) ([]domain.Conflict, error) {
	query := `SELECT ` + conflictColumns + ` FROM sync_conflicts ORDER BY detected_at`
	var args []any
	if len(statuses) > 0 {
		names := make([]string, 0, len(statuses))
		for _, st := range statuses {
			names = append(names, string(st))
		}
		query = `SELECT ` + conflictColumns + ` FROM sync_conflicts WHERE status = ANY($1) ORDER BY detected_at`
		args = append(args, names)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, db.Classify("conflict store", err)
	}
	defer rows.Close()
	out := make([]domain.Conflict, 0)
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, db.Classify("conflict store", rows.Err())
}

// MarkResolved is a conditional update, so two resolvers racing on different
// instances cannot both win.
func (s *PostgresOperations) MarkResolved(ctx context.Context, c domain.Conflict) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE sync_conflicts
		SET status=$2, strategy=$3, outcome=$4, resolved_by=$5, resolved_at=$6
		WHERE id=$1 AND status <> $7
	`, c.ID, string(c.Status), string(c.Strategy), string(c.Outcome), c.ResolvedBy, c.ResolvedAt,
		string(domain.ConflictResolved))
	if err != nil {
		return db.Classify("conflict store", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	if _, err := s.GetConflict(ctx, c.ID); err != nil {
		return err
	}
	return apperr.ErrAlreadyResolved
}

func scanConflict(row pgx.Row) (domain.Conflict, error) {
	var c domain.Conflict
	var kind, status, strategy, outcome string
	var flags, serverDoc, clientPayload []byte
	err := row.Scan(
		&c.ID,
		&c.OperationID,
		&c.EntityType,
		&c.EntityID,
		&c.OriginActor,
		&kind,
		&flags,
		&status,
		&c.ServerChecksum,
		&serverDoc,
		&clientPayload,
		&strategy,
		&outcome,
		&c.ResolvedBy,
		&c.DetectedAt,
		&c.EscalatedAt,
		&c.ResolvedAt,
		&c.WorkshopID,
	)
	if err != nil {
		return domain.Conflict{}, err
	}
	c.Kind = domain.ConflictKind(kind)
	c.Status = domain.ConflictStatus(status)
	c.Strategy = domain.Strategy(strategy)
	c.Outcome = domain.Outcome(outcome)
	if err := json.Unmarshal(flags, &c.Flags); err != nil {
		return domain.Conflict{}, err
	}
	if len(serverDoc) > 0 {
		c.ServerDocument = serverDoc
	}
	if len(clientPayload) > 0 {
		c.ClientPayload = clientPayload
	}
	return c, nil
}

func nullableJSON(b json.RawMessage) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
