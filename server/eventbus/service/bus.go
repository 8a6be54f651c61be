package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"workshop_rt/server/common/apperr"
	"workshop_rt/server/common/async"
	"workshop_rt/server/common/i18n"
	"workshop_rt/server/common/log"
	"workshop_rt/server/common/metrics"
	"workshop_rt/server/eventbus/domain"
)

// Handler reacts to one published event. Returned errors and panics are
// logged and counted; they never fail the publish.
type Handler func(ctx context.Context, evt domain.Event) error

// Subscription identifies one registered handler.
type Subscription struct {
	Type domain.EventType
	id   uint64
}

// Broadcaster delivers events with a target group to live sessions.
type Broadcaster interface {
	BroadcastGroup(ctx context.Context, groupID, eventName string, payload any) int
}

// Forwarder relays every published event to an external transport.
type Forwarder interface {
	Forward(ctx context.Context, evt domain.Event) error
}

// Archiver stores events leaving history.
type Archiver interface {
	Archive(ctx context.Context, events []domain.Event) error
}

var errInvalidJSON = errors.New("payload is not valid JSON")

type Config struct {
	HistoryMax    int
	HistoryMaxAge time.Duration
}

type subscriber struct {
	id      uint64
	handler Handler
}

type Bus struct {
	subMu    sync.RWMutex
	handlers map[domain.EventType][]subscriber
	nextID   atomic.Uint64

	history *history

	statsMu         sync.Mutex
	byType          map[domain.EventType]int
	published       int64
	handlerFailures int64
	archived        int64

	broadcaster Broadcaster
	forwarders  []Forwarder
	archiver    Archiver
	renderer    i18n.Renderer
	logger      log.Logger
	metrics     *metrics.Metrics
	now         func() time.Time
}

type Option func(*Bus)

func WithLogger(l log.Logger) Option {
	return func(b *Bus) { b.logger = log.OrNop(l) }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Bus) { b.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(b *Bus) { b.now = now }
}

func WithBroadcaster(br Broadcaster) Option {
	return func(b *Bus) { b.broadcaster = br }
}

func WithRenderer(r i18n.Renderer) Option {
	return func(b *Bus) { b.renderer = r }
}

func WithForwarder(f Forwarder) Option {
	return func(b *Bus) { b.forwarders = append(b.forwarders, f) }
}

func WithArchiver(a Archiver) Option {
	return func(b *Bus) { b.archiver = a }
}

func NewBus(cfg Config, opts ...Option) *Bus {
	b := &Bus{
		handlers: map[domain.EventType][]subscriber{},
		history:  newHistory(cfg.HistoryMax, cfg.HistoryMaxAge),
		byType:   map[domain.EventType]int{},
		logger:   log.Nop(),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Bus) Subscribe(eventType domain.EventType, handler Handler) (Subscription, error) {
	if !eventType.Valid() {
		return Subscription{}, apperr.Invalid("event_type", "unknown event type "+string(eventType))
	}
	if handler == nil {
		return Subscription{}, apperr.Invalid("handler", "is required")
	}
	id := b.nextID.Add(1)
	b.subMu.Lock()
	b.handlers[eventType] = append(b.handlers[eventType], subscriber{id: id, handler: handler})
	b.subMu.Unlock()
	return Subscription{Type: eventType, id: id}, nil
}

// Unsubscribe removes the handler behind sub. It reports false when the
// subscription was already gone.
func (b *Bus) Unsubscribe(sub Subscription) bool {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	subs := b.handlers[sub.Type]
	for i, s := range subs {
		if s.id != sub.id {
			continue
		}
		next := make([]subscriber, 0, len(subs)-1)
		next = append(next, subs[:i]...)
		next = append(next, subs[i+1:]...)
		if len(next) == 0 {
			delete(b.handlers, sub.Type)
		} else {
			b.handlers[sub.Type] = next
		}
		return true
	}
	return false
}

// Publish records the event, runs every handler registered for its type in
// registration order and then forwards it. Only a malformed request fails.
func (b *Bus) Publish(ctx context.Context, req domain.PublishRequest) (string, error) {
	evt, err := b.build(req)
	if err != nil {
		return "", err
	}

	b.history.append(evt)
	b.statsMu.Lock()
	b.published++
	b.byType[evt.Type]++
	b.statsMu.Unlock()
	b.metrics.IncEventPublished(string(evt.Type))
	size, _ := b.history.stats()
	b.metrics.SetHistorySize(size)

	b.subMu.RLock()
	subs := b.handlers[evt.Type]
	b.subMu.RUnlock()
	for _, s := range subs {
		handler := s.handler
		if err := async.Safely(func() error { return handler(ctx, evt) }); err != nil {
			b.statsMu.Lock()
			b.handlerFailures++
			b.statsMu.Unlock()
			b.metrics.IncHandlerFailure(string(evt.Type))
			b.logger.Errorf("event=event_bus action=handler status=failed type=%s event_id=%s subscription=%d error=%v", evt.Type, evt.ID, s.id, err)
		}
	}

	if evt.TargetGroup != "" && b.broadcaster != nil {
		n := b.broadcaster.BroadcastGroup(ctx, evt.TargetGroup, string(evt.Type), evt)
		b.logger.Debugf("event=event_bus action=broadcast type=%s group=%s fanout_count=%d", evt.Type, evt.TargetGroup, n)
	}
	for _, f := range b.forwarders {
		if err := f.Forward(ctx, evt); err != nil {
			b.logger.Warnf("event=event_bus action=forward status=failed type=%s event_id=%s error=%v", evt.Type, evt.ID, err)
		}
	}
	return evt.ID, nil
}

func (b *Bus) build(req domain.PublishRequest) (domain.Event, error) {
	if !req.Type.Valid() {
		return domain.Event{}, apperr.Invalid("type", "unknown event type "+string(req.Type))
	}
	prio := req.Priority.OrDefault()
	if !prio.Valid() {
		return domain.Event{}, apperr.Invalid("priority", "must be between 1 and 5")
	}
	origin := strings.TrimSpace(req.OriginActor)
	if origin == "" {
		return domain.Event{}, apperr.Invalid("origin_actor", "is required")
	}
	payload, err := encodePayload(req.Payload)
	if err != nil {
		return domain.Event{}, apperr.Invalid("payload", err.Error())
	}
	evt := domain.Event{
		ID:          uuid.NewString(),
		Type:        req.Type,
		Priority:    prio,
		Payload:     payload,
		OriginActor: origin,
		TargetGroup: strings.TrimSpace(req.TargetGroup),
		Locale:      i18n.Normalize(req.Locale),
		Timestamp:   b.now(),
	}
	if req.Template != "" && b.renderer != nil {
		content, err := b.renderer.Render(req.Template, evt.Locale, req.Vars)
		if err != nil {
			return domain.Event{}, apperr.Invalid("template", err.Error())
		}
		evt.Content = &content
	}
	return evt, nil
}

func encodePayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		if !json.Valid(p) {
			return nil, errInvalidJSON
		}
		return append(json.RawMessage(nil), p...), nil
	case []byte:
		if !json.Valid(p) {
			return nil, errInvalidJSON
		}
		return append(json.RawMessage(nil), p...), nil
	default:
		return json.Marshal(p)
	}
}

// History returns matching events, newest first, at most limit of them.
func (b *Bus) History(filter domain.HistoryFilter, limit int) []domain.Event {
	return b.history.query(filter, limit)
}

// SweepRetention drops expired events from history and hands them to the
// archiver. Archive failures are returned after the sweep; the events are
// already gone from history at that point.
func (b *Bus) SweepRetention(ctx context.Context) (int, error) {
	expired := b.history.sweep(b.now())
	size, _ := b.history.stats()
	b.metrics.SetHistorySize(size)
	if len(expired) == 0 {
		return 0, nil
	}
	if b.archiver != nil {
		if err := b.archiver.Archive(ctx, expired); err != nil {
			b.logger.Errorf("event=event_bus action=archive status=failed count=%d error=%v", len(expired), err)
			return len(expired), err
		}
		b.statsMu.Lock()
		b.archived += int64(len(expired))
		b.statsMu.Unlock()
	}
	b.logger.Infof("event=event_bus action=retention_sweep removed=%d history_size=%d", len(expired), size)
	return len(expired), nil
}

func (b *Bus) Stats() domain.Stats {
	size, dropped := b.history.stats()
	b.subMu.RLock()
	subscribers := 0
	for _, subs := range b.handlers {
		subscribers += len(subs)
	}
	b.subMu.RUnlock()

	b.statsMu.Lock()
	defer b.statsMu.Unlock()
	byType := make(map[domain.EventType]int, len(b.byType))
	for k, v := range b.byType {
		byType[k] = v
	}
	return domain.Stats{
		HistorySize:     size,
		Published:       b.published,
		ByType:          byType,
		HandlerFailures: b.handlerFailures,
		Subscribers:     subscribers,
		Archived:        b.archived,
		ArchiveDropped:  dropped,
	}
}
