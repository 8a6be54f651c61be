package domain

import (
	"encoding/json"
	"time"

	"workshop_rt/server/common/i18n"
	"workshop_rt/server/common/priority"
)

type EventType string

const (
	EventSessionConnected    EventType = "session.connected"
	EventSessionDisconnected EventType = "session.disconnected"

	EventEntityCreated     EventType = "sync.entity_created"
	EventEntityUpdated     EventType = "sync.entity_updated"
	EventEntityDeleted     EventType = "sync.entity_deleted"
	EventConflictDetected  EventType = "sync.conflict_detected"
	EventConflictResolved  EventType = "sync.conflict_resolved"
	EventConflictEscalated EventType = "sync.conflict_escalated"
	EventOperationFailed   EventType = "sync.operation_failed"

	EventNotificationDelivered EventType = "notification.delivered"
	EventNotificationFailed    EventType = "notification.failed"

	EventWorkOrderStatusChanged EventType = "work_order.status_changed"
	EventAppointmentReminder    EventType = "appointment.reminder"
	EventInventoryLow           EventType = "inventory.low_stock"
)

func (t EventType) Valid() bool {
	switch t {
	case EventSessionConnected, EventSessionDisconnected,
		EventEntityCreated, EventEntityUpdated, EventEntityDeleted,
		EventConflictDetected, EventConflictResolved, EventConflictEscalated, EventOperationFailed,
		EventNotificationDelivered, EventNotificationFailed,
		EventWorkOrderStatusChanged, EventAppointmentReminder, EventInventoryLow:
		return true
	}
	return false
}

func AllEventTypes() []EventType {
	return []EventType{
		EventSessionConnected, EventSessionDisconnected,
		EventEntityCreated, EventEntityUpdated, EventEntityDeleted,
		EventConflictDetected, EventConflictResolved, EventConflictEscalated, EventOperationFailed,
		EventNotificationDelivered, EventNotificationFailed,
		EventWorkOrderStatusChanged, EventAppointmentReminder, EventInventoryLow,
	}
}

// Event is immutable once published. Payload holds a private copy of the
// encoded payload; use Decode to read it.
type Event struct {
	ID          string          `json:"id"`
	Type        EventType       `json:"type"`
	Priority    priority.Level  `json:"priority"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	OriginActor string          `json:"origin_actor"`
	TargetGroup string          `json:"target_group,omitempty"`
	Locale      string          `json:"locale"`
	Timestamp   time.Time       `json:"timestamp"`
	Content     *i18n.Content   `json:"content,omitempty"`
}

func (e Event) Decode(v any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(e.Payload, v)
}

type PublishRequest struct {
	Type        EventType
	Payload     any
	Priority    priority.Level
	OriginActor string
	TargetGroup string
	Locale      string
	// Template, when set, is rendered once at publish time and cached on
	// the event as Content.
	Template string
	Vars     map[string]any
}

type HistoryFilter struct {
	Types       []EventType
	TargetGroup string
	OriginActor string
	MinPriority priority.Level
	Since       time.Time
}

func (f HistoryFilter) Match(e Event) bool {
	if len(f.Types) > 0 {
		found := false
		for _, t := range f.Types {
			if t == e.Type {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.TargetGroup != "" && f.TargetGroup != e.TargetGroup {
		return false
	}
	if f.OriginActor != "" && f.OriginActor != e.OriginActor {
		return false
	}
	if f.MinPriority > 0 && e.Priority < f.MinPriority {
		return false
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	return true
}

type Stats struct {
	HistorySize     int               `json:"history_size"`
	Published       int64             `json:"published"`
	ByType          map[EventType]int `json:"by_type"`
	HandlerFailures int64             `json:"handler_failures"`
	Subscribers     int               `json:"subscribers"`
	Archived        int64             `json:"archived"`
	ArchiveDropped  int64             `json:"archive_dropped"`
}
