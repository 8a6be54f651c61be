package app

import (
	"context"
	"fmt"

	"workshop_rt/server/common/log"
	evdomain "workshop_rt/server/eventbus/domain"
	evservice "workshop_rt/server/eventbus/service"
	notifydomain "workshop_rt/server/notification/domain"
)

type notifier interface {
	Send(ctx context.Context, req notifydomain.Request) (notifydomain.Receipt, error)
}

type eventSubscriber interface {
	Subscribe(eventType evdomain.EventType, handler evservice.Handler) (evservice.Subscription, error)
}

// syncAlert turns one sync event into a notification. recipient returns ""
// when nobody should be told.
type syncAlert struct {
	eventType evdomain.EventType
	template  string
	recipient func(evt evdomain.Event) string
}

var alertChannels = []notifydomain.Channel{notifydomain.ChannelInApp, notifydomain.ChannelPush}

func syncAlerts(escalationRecipient string) []syncAlert {
	origin := func(evt evdomain.Event) string { return evt.OriginActor }
	return []syncAlert{
		{eventType: evdomain.EventConflictDetected, template: "sync_conflict_detected", recipient: origin},
		{eventType: evdomain.EventOperationFailed, template: "sync_operation_failed", recipient: origin},
		{
			eventType: evdomain.EventConflictEscalated,
			template:  "sync_conflict_escalated",
			recipient: func(evdomain.Event) string { return escalationRecipient },
		},
	}
}

// subscribeAlerts raises notifications for sync events that need a human.
func subscribeAlerts(bus eventSubscriber, notify notifier, escalationRecipient string, logger log.Logger) ([]evservice.Subscription, error) {
	logger = log.OrNop(logger)
	subs := make([]evservice.Subscription, 0, 3)
	for _, alert := range syncAlerts(escalationRecipient) {
		sub, err := bus.Subscribe(alert.eventType, func(ctx context.Context, evt evdomain.Event) error {
			recipient := alert.recipient(evt)
			if recipient == "" {
				return nil
			}
			data := map[string]any{}
			if err := evt.Decode(&data); err != nil {
				return fmt.Errorf("decode %s payload: %w", evt.Type, err)
			}
			data["event_id"] = evt.ID
			receipt, err := notify.Send(ctx, notifydomain.Request{
				Type:      alert.template,
				Recipient: recipient,
				Data:      data,
				Channels:  alertChannels,
				Priority:  evt.Priority,
				Locale:    evt.Locale,
			})
			if err != nil {
				return fmt.Errorf("notify %s: %w", recipient, err)
			}
			logger.Debugf("event=sync_alert action=notify type=%s recipient=%s notification_id=%s", evt.Type, recipient, receipt.NotificationID)
			return nil
		})
		if err != nil {
			return subs, err
		}
		subs = append(subs, sub)
	}
	return subs, nil
}
