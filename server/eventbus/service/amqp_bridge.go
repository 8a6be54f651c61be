package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"workshop_rt/server/common/apperr"
	"workshop_rt/server/common/infra/mq"
	"workshop_rt/server/common/log"
	"workshop_rt/server/eventbus/domain"
)

const (
	DefaultEventExchange = "workshop.events"
	defaultForwardBuffer = 1024
	forwardTimeout       = 5 * time.Second
)

var errForwarderClosed = errors.New("forwarder is closed")

type amqpPublisher interface {
	Publish(ctx context.Context, exchange, key string, msg amqp.Publishing) error
	Close()
}

// AMQPForwarder publishes every event to a topic exchange. The routing key
// is "<group>.<type>", or "global.<type>" for events without a group.
// Forward only queues the event; a background worker publishes it, so a
// slow broker never holds up the publisher. A full queue drops the event.
type AMQPForwarder struct {
	link     amqpPublisher
	exchange string
	logger   log.Logger
	queue    chan domain.Event
	done     chan struct{}
	dropped  atomic.Int64

	mu     sync.RWMutex
	closed bool
}

func NewAMQPForwarder(broker *mq.Broker, exchange string, buffer int, logger log.Logger) (*AMQPForwarder, error) {
	if exchange == "" {
		exchange = DefaultEventExchange
	}
	link, err := broker.Link("event_forward", func(ch *amqp.Channel) error {
		return ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil)
	})
	if err != nil {
		return nil, err
	}
	return newAMQPForwarder(link, exchange, buffer, logger), nil
}

func newAMQPForwarder(link amqpPublisher, exchange string, buffer int, logger log.Logger) *AMQPForwarder {
	if buffer <= 0 {
		buffer = defaultForwardBuffer
	}
	f := &AMQPForwarder{
		link:     link,
		exchange: exchange,
		logger:   log.OrNop(logger),
		queue:    make(chan domain.Event, buffer),
		done:     make(chan struct{}),
	}
	go f.run()
	return f
}

func RoutingKey(evt domain.Event) string {
	scope := "global"
	if g := strings.TrimSpace(evt.TargetGroup); g != "" {
		scope = strings.NewReplacer(".", "_", "*", "_", "#", "_").Replace(g)
	}
	return scope + "." + string(evt.Type)
}

func (f *AMQPForwarder) Forward(_ context.Context, evt domain.Event) error {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return errForwarderClosed
	}
	select {
	case f.queue <- evt:
		return nil
	default:
		f.dropped.Add(1)
		return fmt.Errorf("forward queue full: %w", apperr.ErrCapacityExceeded)
	}
}

// Dropped is how many events were refused because the queue was full.
func (f *AMQPForwarder) Dropped() int64 {
	return f.dropped.Load()
}

func (f *AMQPForwarder) run() {
	defer close(f.done)
	for evt := range f.queue {
		if err := f.publish(evt); err != nil {
			f.logger.Warnf("event=event_forward action=publish status=failed type=%s event_id=%s error=%v", evt.Type, evt.ID, err)
		}
	}
}

func (f *AMQPForwarder) publish(evt domain.Event) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), forwardTimeout)
	defer cancel()
	return f.link.Publish(ctx, f.exchange, RoutingKey(evt), amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    evt.ID,
		Priority:     uint8(evt.Priority),
		Body:         body,
		Timestamp:    evt.Timestamp,
	})
}

// Close stops accepting events, publishes what is queued and closes the
// channel.
func (f *AMQPForwarder) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	close(f.queue)
	f.mu.Unlock()
	<-f.done
	f.link.Close()
}
