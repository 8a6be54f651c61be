package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"

	"workshop_rt/server/eventbus/domain"
)

// MinIOArchiver writes swept events as one NDJSON object per sweep under
// <prefix>/YYYY/MM/DD/.
type MinIOArchiver struct {
	client *minio.Client
	bucket string
	prefix string
}

func NewMinIOArchiver(client *minio.Client, bucket, prefix string) *MinIOArchiver {
	if prefix == "" {
		prefix = "events"
	}
	return &MinIOArchiver{client: client, bucket: bucket, prefix: prefix}
}

func (a *MinIOArchiver) Archive(ctx context.Context, events []domain.Event) error {
	if len(events) == 0 {
		return nil
	}
	body, err := EncodeNDJSON(events)
	if err != nil {
		return err
	}
	key := ArchiveKey(a.prefix, events[0])
	_, err = a.client.PutObject(ctx, a.bucket, key, bytes.NewReader(body), int64(len(body)), minio.PutObjectOptions{
		ContentType: "application/x-ndjson",
	})
	if err != nil {
		return fmt.Errorf("archive %d events to %s/%s: %w", len(events), a.bucket, key, err)
	}
	return nil
}

func ArchiveKey(prefix string, first domain.Event) string {
	ts := first.Timestamp.UTC()
	return fmt.Sprintf("%s/%s/%s-%s.ndjson", prefix, ts.Format("2006/01/02"), ts.Format("150405"), uuid.NewString())
}

func EncodeNDJSON(events []domain.Event) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, evt := range events {
		if err := enc.Encode(evt); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}
