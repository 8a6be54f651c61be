package domain

import (
	"encoding/json"
	"time"

	"workshop_rt/server/common/priority"
)

type Kind string

const (
	KindCreate Kind = "create"
	KindUpdate Kind = "update"
	KindDelete Kind = "delete"
)

func (k Kind) Valid() bool {
	switch k {
	case KindCreate, KindUpdate, KindDelete:
		return true
	}
	return false
}

type OpStatus string

const (
	OpPending    OpStatus = "pending"
	OpInProgress OpStatus = "in_progress"
	OpCompleted  OpStatus = "completed"
	OpFailed     OpStatus = "failed"
	OpConflicted OpStatus = "conflicted"
)

type ConflictKind string

const (
	ConflictMissingTarget          ConflictKind = "missing_target"
	ConflictConcurrentModification ConflictKind = "concurrent_modification"
	ConflictChecksumMismatch       ConflictKind = "checksum_mismatch"
)

type ConflictStatus string

const (
	ConflictOpen      ConflictStatus = "open"
	ConflictEscalated ConflictStatus = "escalated"
	ConflictResolved  ConflictStatus = "resolved"
)

type Strategy string

const (
	StrategyAuthoritativeWins Strategy = "authoritative_wins"
	StrategyActorWins         Strategy = "actor_wins"
	StrategyFieldMerge        Strategy = "field_merge"
	StrategyManualReview      Strategy = "manual_review"
)

func (s Strategy) Valid() bool {
	switch s {
	case StrategyAuthoritativeWins, StrategyActorWins, StrategyFieldMerge, StrategyManualReview:
		return true
	}
	return false
}

type Outcome string

const (
	OutcomeServerKept    Outcome = "server_kept"
	OutcomeClientApplied Outcome = "client_applied"
	OutcomeMerged        Outcome = "merged"
	OutcomeManual        Outcome = "manual"
	OutcomeFailed        Outcome = "failed"
)

type SyncOperation struct {
	ID           string          `json:"id"`
	Seq          int64           `json:"seq"`
	Kind         Kind            `json:"kind"`
	EntityType   string          `json:"entity_type"`
	EntityID     string          `json:"entity_id"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	OriginActor  string          `json:"origin_actor"`
	WorkshopID   string          `json:"workshop_id,omitempty"`
	OfflineSince *time.Time      `json:"offline_since,omitempty"`
	// Checksum is the client's view of the entity when it made the change.
	Checksum string `json:"checksum,omitempty"`
	// ContentHash identifies the request itself and drives enqueue dedupe.
	ContentHash string         `json:"content_hash"`
	Priority    priority.Level `json:"priority"`
	Status      OpStatus       `json:"status"`
	RetryCount  int            `json:"retry_count"`
	ErrorLog    []string       `json:"error_log,omitempty"`
	ConflictID  string         `json:"conflict_id,omitempty"`
	EnqueuedAt  time.Time      `json:"enqueued_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

type Conflict struct {
	ID             string          `json:"id"`
	OperationID    string          `json:"operation_id"`
	EntityType     string          `json:"entity_type"`
	EntityID       string          `json:"entity_id"`
	OriginActor    string          `json:"origin_actor"`
	WorkshopID     string          `json:"workshop_id,omitempty"`
	Kind           ConflictKind    `json:"kind"`
	Flags          []ConflictKind  `json:"flags"`
	Status         ConflictStatus  `json:"status"`
	ServerChecksum string          `json:"server_checksum,omitempty"`
	ServerDocument json.RawMessage `json:"server_document,omitempty"`
	ClientPayload  json.RawMessage `json:"client_payload,omitempty"`
	Strategy       Strategy        `json:"strategy,omitempty"`
	Outcome        Outcome         `json:"outcome,omitempty"`
	ResolvedBy     string          `json:"resolved_by,omitempty"`
	DetectedAt     time.Time       `json:"detected_at"`
	EscalatedAt    *time.Time      `json:"escalated_at,omitempty"`
	ResolvedAt     *time.Time      `json:"resolved_at,omitempty"`
}

// Document is the server copy of one entity.
type Document struct {
	EntityType   string          `json:"entity_type"`
	EntityID     string          `json:"entity_id"`
	Body         json.RawMessage `json:"body"`
	Checksum     string          `json:"checksum"`
	LastModified time.Time       `json:"last_modified"`
	ModifiedBy   string          `json:"modified_by"`
}

type EnqueueRequest struct {
	Kind         Kind            `json:"kind"`
	EntityType   string          `json:"entity_type"`
	EntityID     string          `json:"entity_id"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	OriginActor  string          `json:"origin_actor"`
	WorkshopID   string          `json:"workshop_id,omitempty"`
	OfflineSince *time.Time      `json:"offline_since,omitempty"`
	Checksum     string          `json:"checksum,omitempty"`
	Priority     priority.Level  `json:"priority,omitempty"`
}

type ResolveRequest struct {
	ConflictID    string          `json:"conflict_id"`
	Strategy      Strategy        `json:"strategy"`
	ManualPayload json.RawMessage `json:"manual_payload,omitempty"`
	ResolvedBy    string          `json:"resolved_by,omitempty"`
}

type Resolution struct {
	ConflictID      string          `json:"conflict_id"`
	OperationID     string          `json:"operation_id"`
	Strategy        Strategy        `json:"strategy"`
	Outcome         Outcome         `json:"outcome"`
	OperationStatus OpStatus        `json:"operation_status"`
	Document        json.RawMessage `json:"document,omitempty"`
}

type BatchResult struct {
	Processed  int `json:"processed"`
	Completed  int `json:"completed"`
	Conflicted int `json:"conflicted"`
	Retried    int `json:"retried"`
	Failed     int `json:"failed"`
	Deferred   int `json:"deferred"`
	Remaining  int `json:"remaining"`
}

func (o SyncOperation) Clone() SyncOperation {
	out := o
	out.Payload = cloneRaw(o.Payload)
	out.ErrorLog = append([]string(nil), o.ErrorLog...)
	if o.OfflineSince != nil {
		t := *o.OfflineSince
		out.OfflineSince = &t
	}
	return out
}

func (c Conflict) Clone() Conflict {
	out := c
	out.Flags = append([]ConflictKind(nil), c.Flags...)
	out.ServerDocument = cloneRaw(c.ServerDocument)
	out.ClientPayload = cloneRaw(c.ClientPayload)
	if c.EscalatedAt != nil {
		t := *c.EscalatedAt
		out.EscalatedAt = &t
	}
	if c.ResolvedAt != nil {
		t := *c.ResolvedAt
		out.ResolvedAt = &t
	}
	return out
}

func (d Document) Clone() Document {
	out := d
	out.Body = cloneRaw(d.Body)
	return out
}

func cloneRaw(b json.RawMessage) json.RawMessage {
	if b == nil {
		return nil
	}
	return append(json.RawMessage(nil), b...)
}
