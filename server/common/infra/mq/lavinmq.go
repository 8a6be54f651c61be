package mq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"workshop_rt/server/common/apperr"
	"workshop_rt/server/common/async"
	"workshop_rt/server/common/log"
)

var errLinkDown = errors.New("channel is down")

var reconnectBackoff = async.Backoff{Base: 500 * time.Millisecond, Max: 30 * time.Second}

// Connect dials the broker, retrying with backoff up to attempts times.
func Connect(ctx context.Context, url string, attempts int, logger log.Logger) (*amqp.Connection, error) {
	logger = log.OrNop(logger)
	if attempts <= 0 {
		attempts = 1
	}
	backoff := async.Backoff{Base: 500 * time.Millisecond, Max: 10 * time.Second}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		conn, err := amqp.Dial(url)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		if attempt == attempts {
			break
		}
		wait := backoff.Delay(attempt)
		logger.Warnf("event=amqp_connect status=retry attempt=%d/%d wait=%s error=%v", attempt, attempts, wait, err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil, fmt.Errorf("amqp connect after %d attempts: %w", attempts, lastErr)
}

// Broker owns one connection and redials it with backoff whenever the
// broker drops it. Links opened from it reopen their channels on whatever
// connection is current.
type Broker struct {
	url    string
	logger log.Logger

	mu     sync.Mutex
	conn   *amqp.Connection
	closed bool
	stop   chan struct{}
}

func Dial(ctx context.Context, url string, attempts int, logger log.Logger) (*Broker, error) {
	logger = log.OrNop(logger)
	conn, err := Connect(ctx, url, attempts, logger)
	if err != nil {
		return nil, err
	}
	b := &Broker{url: url, logger: logger, conn: conn, stop: make(chan struct{})}
	go b.watch(conn)
	return b, nil
}

func (b *Broker) current() *amqp.Connection {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conn
}

func (b *Broker) watch(conn *amqp.Connection) {
	var cause *amqp.Error
	select {
	case <-b.stop:
		return
	case err, ok := <-conn.NotifyClose(make(chan *amqp.Error, 1)):
		if !ok {
			return
		}
		cause = err
	}
	b.logger.Warnf("event=amqp_connection status=lost error=%v", cause)
	for attempt := 1; ; attempt++ {
		select {
		case <-b.stop:
			return
		case <-time.After(reconnectBackoff.Delay(attempt)):
		}
		next, err := amqp.Dial(b.url)
		if err != nil {
			b.logger.Warnf("event=amqp_connection action=redial status=retry attempt=%d error=%v", attempt, err)
			continue
		}
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			_ = next.Close()
			return
		}
		b.conn = next
		b.mu.Unlock()
		b.logger.Infof("event=amqp_connection action=redial status=ok attempt=%d", attempt)
		go b.watch(next)
		return
	}
}

// Link opens a channel, runs setup on it and keeps it open across channel
// and connection loss. setup runs again on every new channel, so it must be
// idempotent (exchange and queue declarations are).
func (b *Broker) Link(name string, setup func(ch *amqp.Channel) error) (*Link, error) {
	l := &Link{name: name, broker: b, setup: setup, logger: b.logger, stop: make(chan struct{})}
	if err := l.open(b.current()); err != nil {
		return nil, err
	}
	return l, nil
}

func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.stop)
	if b.conn != nil {
		_ = b.conn.Close()
	}
}

// Link is a self-healing AMQP channel. Publish fails fast with
// apperr.ErrUnavailable while the channel is being restored.
type Link struct {
	name   string
	broker *Broker
	setup  func(ch *amqp.Channel) error
	logger log.Logger
	stop   chan struct{}

	mu     sync.Mutex
	ch     *amqp.Channel
	closed bool
}

func (l *Link) open(conn *amqp.Connection) error {
	if conn == nil || conn.IsClosed() {
		return errLinkDown
	}
	ch, err := conn.Channel()
	if err != nil {
		return err
	}
	if l.setup != nil {
		if err := l.setup(ch); err != nil {
			_ = ch.Close()
			return err
		}
	}
	closed := ch.NotifyClose(make(chan *amqp.Error, 1))
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		_ = ch.Close()
		return nil
	}
	l.ch = ch
	l.mu.Unlock()
	go l.watch(ch, closed)
	return nil
}

func (l *Link) watch(ch *amqp.Channel, closed <-chan *amqp.Error) {
	var cause *amqp.Error
	select {
	case <-l.stop:
		return
	case err, ok := <-closed:
		if !ok {
			return
		}
		cause = err
	}
	l.mu.Lock()
	if l.ch == ch {
		l.ch = nil
	}
	l.mu.Unlock()
	l.logger.Warnf("event=amqp_channel status=lost link=%s error=%v", l.name, cause)

	for attempt := 1; ; attempt++ {
		select {
		case <-l.stop:
			return
		case <-time.After(reconnectBackoff.Delay(attempt)):
		}
		if err := l.open(l.broker.current()); err != nil {
			l.logger.Debugf("event=amqp_channel action=reopen status=retry link=%s attempt=%d error=%v", l.name, attempt, err)
			continue
		}
		l.logger.Infof("event=amqp_channel action=reopen status=ok link=%s attempt=%d", l.name, attempt)
		return
	}
}

func (l *Link) Publish(ctx context.Context, exchange, key string, msg amqp.Publishing) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ch == nil {
		return apperr.Unavailable("amqp "+l.name, errLinkDown)
	}
	if err := l.ch.PublishWithContext(ctx, exchange, key, false, false, msg); err != nil {
		return apperr.Unavailable("amqp "+l.name, err)
	}
	return nil
}

func (l *Link) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	if l.stop != nil {
		close(l.stop)
	}
	if l.ch != nil {
		_ = l.ch.Close()
		l.ch = nil
	}
}
