package service

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"workshop_rt/server/common/apperr"
	"workshop_rt/server/common/infra/gateway"
	"workshop_rt/server/common/infra/mq"
	"workshop_rt/server/notification/domain"
)

// ChannelProvider delivers through one channel. Errors wrapping
// apperr.ErrPermanentDelivery stop that channel; anything else is retried.
type ChannelProvider interface {
	Channel() domain.Channel
	Send(ctx context.Context, msg domain.Message) error
}

// ActorBroadcaster reaches every live session of an actor.
type ActorBroadcaster interface {
	BroadcastActor(ctx context.Context, actorID, eventName string, payload any) int
}

const InAppEventName = "notification"

var errRecipientOffline = errors.New("recipient has no live session")

type InAppProvider struct {
	sessions ActorBroadcaster
}

func NewInAppProvider(sessions ActorBroadcaster) *InAppProvider {
	return &InAppProvider{sessions: sessions}
}

func (p *InAppProvider) Channel() domain.Channel { return domain.ChannelInApp }

func (p *InAppProvider) Send(ctx context.Context, msg domain.Message) error {
	if p.sessions.BroadcastActor(ctx, msg.Recipient, InAppEventName, msg) == 0 {
		return apperr.Transient(errRecipientOffline)
	}
	return nil
}

// GatewayProvider posts the message to an external delivery gateway
// (push, SMS, email or voice relay).
type GatewayProvider struct {
	channel domain.Channel
	client  *gateway.Client
	path    string
}

func NewGatewayProvider(channel domain.Channel, client *gateway.Client, path string) *GatewayProvider {
	if path == "" {
		path = "/v1/deliveries/" + string(channel)
	}
	return &GatewayProvider{channel: channel, client: client, path: path}
}

func (p *GatewayProvider) Channel() domain.Channel { return p.channel }

func (p *GatewayProvider) Send(ctx context.Context, msg domain.Message) error {
	return p.client.Post(ctx, p.path, msg, nil)
}

// AMQPOutboxProvider hands messages to a durable per-channel queue consumed
// by an external sender. While the broker link is down every send is a
// transient failure.
type AMQPOutboxProvider struct {
	channel domain.Channel
	link    *mq.Link
	queue   string
}

func OutboxQueue(channel domain.Channel) string {
	return "notifications." + string(channel)
}

func NewAMQPOutboxProvider(broker *mq.Broker, channel domain.Channel) (*AMQPOutboxProvider, error) {
	queue := OutboxQueue(channel)
	link, err := broker.Link("outbox_"+string(channel), func(ch *amqp.Channel) error {
		_, err := ch.QueueDeclare(queue, true, false, false, false, nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &AMQPOutboxProvider{channel: channel, link: link, queue: queue}, nil
}

func (p *AMQPOutboxProvider) Channel() domain.Channel { return p.channel }

func (p *AMQPOutboxProvider) Send(ctx context.Context, msg domain.Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return apperr.Permanent(err)
	}
	err = p.link.Publish(ctx, "", p.queue, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.NotificationID,
		Priority:     uint8(msg.Priority),
		Body:         body,
		Timestamp:    time.Now(),
	})
	if err != nil {
		return apperr.Transient(err)
	}
	return nil
}

func (p *AMQPOutboxProvider) Close() {
	p.link.Close()
}
