package repository

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"workshop_rt/server/common/apperr"
	"workshop_rt/server/common/infra/db"
	"workshop_rt/server/common/priority"
	"workshop_rt/server/notification/domain"
)

const Schema = `
CREATE TABLE IF NOT EXISTS notifications (
	id            TEXT PRIMARY KEY,
	type          TEXT NOT NULL,
	recipient     TEXT NOT NULL,
	channels      JSONB NOT NULL,
	priority      SMALLINT NOT NULL,
	locale        TEXT NOT NULL,
	timezone      TEXT NOT NULL DEFAULT '',
	data          JSONB,
	content       JSONB NOT NULL,
	status        TEXT NOT NULL,
	attempts      INT NOT NULL DEFAULT 0,
	max_attempts  INT NOT NULL,
	outcomes      JSONB NOT NULL,
	scheduled_for TIMESTAMPTZ,
	created_at    TIMESTAMPTZ NOT NULL,
	updated_at    TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS notifications_due_idx ON notifications (status, scheduled_for);
CREATE INDEX IF NOT EXISTS notifications_stale_idx ON notifications (status, updated_at);
`

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

type encodedNotification struct {
	channels []byte
	data     []byte
	content  []byte
	outcomes []byte
}

func encode(n domain.Notification) (encodedNotification, error) {
	var out encodedNotification
	var err error
	if out.channels, err = json.Marshal(n.Channels); err != nil {
		return out, err
	}
	if n.Data != nil {
		if out.data, err = json.Marshal(n.Data); err != nil {
			return out, err
		}
	}
	if out.content, err = json.Marshal(n.Content); err != nil {
		return out, err
	}
	if out.outcomes, err = json.Marshal(n.Outcomes); err != nil {
		return out, err
	}
	return out, nil
}

func (s *PostgresStore) Create(ctx context.Context, n domain.Notification) error {
	enc, err := encode(n)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO notifications(id, type, recipient, channels, priority, locale, timezone, data, content,
			status, attempts, max_attempts, outcomes, scheduled_for, created_at, updated_at)
		VALUES($1, $2, $3, $4::jsonb, $5, $6, $7, $8::jsonb, $9::jsonb, $10, $11, $12, $13::jsonb, $14, $15, $16)
	`, n.ID, n.Type, n.Recipient, string(enc.channels), int(n.Priority), n.Locale, n.Timezone, nullableJSON(enc.data),
		string(enc.content), string(n.Status), n.Attempts, n.MaxAttempts, string(enc.outcomes), n.ScheduledFor, n.CreatedAt, n.UpdatedAt)
	return db.Classify("notification store", err)
}

// Update writes the mutable columns of a notification that is not final
// yet. A final row is left untouched and domain.ErrFinal is returned.
func (s *PostgresStore) Update(ctx context.Context, n domain.Notification) error {
	enc, err := encode(n)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE notifications
		SET content=$2::jsonb, status=$3, attempts=$4, outcomes=$5::jsonb, scheduled_for=$6, updated_at=$7
		WHERE id=$1 AND status NOT IN ($8, $9)
	`, n.ID, string(enc.content), string(n.Status), n.Attempts, string(enc.outcomes), n.ScheduledFor, n.UpdatedAt,
		string(domain.StatusDelivered), string(domain.StatusFailed))
	if err != nil {
		return db.Classify("notification store", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM notifications WHERE id=$1)`, n.ID).Scan(&exists); err != nil {
		return db.Classify("notification store", err)
	}
	if exists {
		return domain.ErrFinal
	}
	return apperr.ErrNotFound
}

const selectColumns = `id, type, recipient, channels, priority, locale, timezone, data, content,
	status, attempts, max_attempts, outcomes, scheduled_for, created_at, updated_at`

func (s *PostgresStore) Get(ctx context.Context, id string) (domain.Notification, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+selectColumns+` FROM notifications WHERE id=$1`, id)
	n, err := scanNotification(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Notification{}, apperr.ErrNotFound
		}
		return domain.Notification{}, db.Classify("notification store", err)
	}
	return n, nil
}

// ClaimDue moves due scheduled rows to processing in one statement.
// Rows locked by another instance's claim are skipped.
func (s *PostgresStore) ClaimDue(ctx context.Context, now time.Time, limit int) ([]domain.Notification, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		UPDATE notifications
		SET status=$1, updated_at=$2
		WHERE id IN (
			SELECT id FROM notifications
			WHERE status=$3 AND scheduled_for <= $2
			ORDER BY priority DESC, scheduled_for ASC
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+selectColumns,
		string(domain.StatusProcessing), now, string(domain.StatusScheduled), limit)
	if err != nil {
		return nil, db.Classify("notification store", err)
	}
	defer rows.Close()
	out := make([]domain.Notification, 0)
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, db.Classify("notification store", err)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].ScheduledFor.Before(*out[j].ScheduledFor)
	})
	return out, nil
}

func (s *PostgresStore) RequeueStale(ctx context.Context, cutoff, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE notifications
		SET status=$1, scheduled_for=$2, updated_at=$2
		WHERE status=$3 AND updated_at < $4
	`, string(domain.StatusScheduled), now, string(domain.StatusProcessing), cutoff)
	if err != nil {
		return 0, db.Classify("notification store", err)
	}
	return int(tag.RowsAffected()), nil
}

func scanNotification(row pgx.Row) (domain.Notification, error) {
	var n domain.Notification
	var channelsRaw, dataRaw, contentRaw, outcomesRaw []byte
	var prio int
	var status string
	err := row.Scan(
		&n.ID,
		&n.Type,
		&n.Recipient,
		&channelsRaw,
		&prio,
		&n.Locale,
		&n.Timezone,
		&dataRaw,
		&contentRaw,
		&status,
		&n.Attempts,
		&n.MaxAttempts,
		&outcomesRaw,
		&n.ScheduledFor,
		&n.CreatedAt,
		&n.UpdatedAt,
	)
	if err != nil {
		return domain.Notification{}, err
	}
	n.Priority = priority.Level(prio)
	n.Status = domain.Status(status)
	if err := json.Unmarshal(channelsRaw, &n.Channels); err != nil {
		return domain.Notification{}, err
	}
	if len(dataRaw) > 0 {
		if err := json.Unmarshal(dataRaw, &n.Data); err != nil {
			return domain.Notification{}, err
		}
	}
	if err := json.Unmarshal(contentRaw, &n.Content); err != nil {
		return domain.Notification{}, err
	}
	if err := json.Unmarshal(outcomesRaw, &n.Outcomes); err != nil {
		return domain.Notification{}, err
	}
	return n, nil
}

func nullableJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
