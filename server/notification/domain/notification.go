package domain

import (
	"errors"
	"time"

	"workshop_rt/server/common/i18n"
	"workshop_rt/server/common/priority"
)

type Channel string

const (
	ChannelInApp Channel = "in_app"
	ChannelPush  Channel = "push"
	ChannelSMS   Channel = "sms"
	ChannelEmail Channel = "email"
	ChannelVoice Channel = "voice"
)

func (c Channel) Valid() bool {
	switch c {
	case ChannelInApp, ChannelPush, ChannelSMS, ChannelEmail, ChannelVoice:
		return true
	}
	return false
}

type Status string

// ErrFinal reports an update to a notification that is already delivered
// or failed.
var ErrFinal = errors.New("notification already final")

const (
	StatusPending    Status = "pending"
	StatusScheduled  Status = "scheduled"
	StatusProcessing Status = "processing"
	StatusDelivered  Status = "delivered"
	StatusFailed     Status = "failed"
)

func (s Status) Terminal() bool {
	return s == StatusDelivered || s == StatusFailed
}

type OutcomeStatus string

const (
	OutcomePending   OutcomeStatus = "pending"
	OutcomeDelivered OutcomeStatus = "delivered"
	OutcomeTransient OutcomeStatus = "transient_failure"
	OutcomePermanent OutcomeStatus = "permanent_failure"
)

// Retryable reports whether the channel should be attempted again.
func (o OutcomeStatus) Retryable() bool {
	return o == OutcomePending || o == OutcomeTransient
}

type ChannelOutcome struct {
	Status    OutcomeStatus `json:"status"`
	Attempts  int           `json:"attempts"`
	LastError string        `json:"last_error,omitempty"`
	UpdatedAt time.Time     `json:"updated_at"`
}

type Notification struct {
	ID           string                     `json:"id"`
	Type         string                     `json:"type"`
	Recipient    string                     `json:"recipient"`
	Channels     []Channel                  `json:"channels"`
	Priority     priority.Level             `json:"priority"`
	Locale       string                     `json:"locale"`
	Timezone     string                     `json:"timezone,omitempty"`
	Data         map[string]any             `json:"data,omitempty"`
	Content      i18n.Content               `json:"content"`
	Status       Status                     `json:"status"`
	Attempts     int                        `json:"attempts"`
	MaxAttempts  int                        `json:"max_attempts"`
	Outcomes     map[Channel]ChannelOutcome `json:"outcomes"`
	ScheduledFor *time.Time                 `json:"scheduled_for,omitempty"`
	CreatedAt    time.Time                  `json:"created_at"`
	UpdatedAt    time.Time                  `json:"updated_at"`
}

// Clone returns a copy that shares no maps or slices with n.
func (n Notification) Clone() Notification {
	out := n
	out.Channels = append([]Channel(nil), n.Channels...)
	if n.Data != nil {
		out.Data = make(map[string]any, len(n.Data))
		for k, v := range n.Data {
			out.Data[k] = v
		}
	}
	out.Outcomes = make(map[Channel]ChannelOutcome, len(n.Outcomes))
	for k, v := range n.Outcomes {
		out.Outcomes[k] = v
	}
	if n.ScheduledFor != nil {
		t := *n.ScheduledFor
		out.ScheduledFor = &t
	}
	return out
}

// Request asks for one notification. Type names the template.
type Request struct {
	Type          string         `json:"type"`
	Recipient     string         `json:"recipient"`
	Data          map[string]any `json:"data,omitempty"`
	Channels      []Channel      `json:"channels"`
	Priority      priority.Level `json:"priority"`
	Locale        string         `json:"locale"`
	Timezone      string         `json:"timezone,omitempty"`
	ScheduledTime *time.Time     `json:"scheduled_time,omitempty"`
}

type Receipt struct {
	NotificationID string `json:"notification_id"`
	Status         Status `json:"status"`
}

// Message is what a channel provider receives for one attempt.
type Message struct {
	NotificationID string         `json:"notification_id"`
	Type           string         `json:"type"`
	Recipient      string         `json:"recipient"`
	Channel        Channel        `json:"channel"`
	Priority       priority.Level `json:"priority"`
	Content        i18n.Content   `json:"content"`
	Data           map[string]any `json:"data,omitempty"`
	Attempt        int            `json:"attempt"`
}
