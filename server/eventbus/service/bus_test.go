package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"workshop_rt/server/common/apperr"
	"workshop_rt/server/common/i18n"
	"workshop_rt/server/common/priority"
	"workshop_rt/server/eventbus/domain"
)

type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingBroadcaster struct {
	mu     sync.Mutex
	groups []string
}

func (r *recordingBroadcaster) BroadcastGroup(_ context.Context, groupID, _ string, _ any) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.groups = append(r.groups, groupID)
	return 1
}

type memoryArchiver struct {
	mu     sync.Mutex
	events []domain.Event
	err    error
}

func (m *memoryArchiver) Archive(_ context.Context, events []domain.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.events = append(m.events, events...)
	return nil
}

type failingForwarder struct{ calls int }

func (f *failingForwarder) Forward(context.Context, domain.Event) error {
	f.calls++
	return errors.New("broker down")
}

func publish(t *testing.T, b *Bus, typ domain.EventType, payload any) string {
	t.Helper()
	id, err := b.Publish(context.Background(), domain.PublishRequest{Type: typ, Payload: payload, OriginActor: "tech-1"})
	require.NoError(t, err)
	return id
}

func TestPublishSurvivesFailingHandler(t *testing.T) {
	t.Parallel()
	b := NewBus(Config{HistoryMax: 10})
	var calls []string
	for _, name := range []string{"first", "second", "third"} {
		name := name
		_, err := b.Subscribe(domain.EventEntityUpdated, func(context.Context, domain.Event) error {
			calls = append(calls, name)
			if name == "second" {
				return errors.New("handler exploded")
			}
			return nil
		})
		require.NoError(t, err)
	}

	id, err := b.Publish(context.Background(), domain.PublishRequest{Type: domain.EventEntityUpdated, OriginActor: "tech-1"})

	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Equal(t, []string{"first", "second", "third"}, calls)
	assert.Equal(t, int64(1), b.Stats().HandlerFailures)
}

func TestPublishRecoversHandlerPanic(t *testing.T) {
	t.Parallel()
	b := NewBus(Config{})
	ran := false
	_, err := b.Subscribe(domain.EventEntityCreated, func(context.Context, domain.Event) error { panic("boom") })
	require.NoError(t, err)
	_, err = b.Subscribe(domain.EventEntityCreated, func(context.Context, domain.Event) error {
		ran = true
		return nil
	})
	require.NoError(t, err)

	_, err = b.Publish(context.Background(), domain.PublishRequest{Type: domain.EventEntityCreated, OriginActor: "system"})

	require.NoError(t, err)
	assert.True(t, ran)
}

func TestPublishValidatesRequest(t *testing.T) {
	t.Parallel()
	b := NewBus(Config{})
	cases := []domain.PublishRequest{
		{Type: "made.up", OriginActor: "a"},
		{Type: domain.EventEntityUpdated, OriginActor: ""},
		{Type: domain.EventEntityUpdated, OriginActor: "a", Priority: 9},
		{Type: domain.EventEntityUpdated, OriginActor: "a", Payload: json.RawMessage("{broken")},
	}
	for _, req := range cases {
		_, err := b.Publish(context.Background(), req)
		assert.ErrorIs(t, err, apperr.ErrValidation)
	}
	assert.Empty(t, b.History(domain.HistoryFilter{}, 0))
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	t.Parallel()
	b := NewBus(Config{})
	count := 0
	sub, err := b.Subscribe(domain.EventEntityDeleted, func(context.Context, domain.Event) error {
		count++
		return nil
	})
	require.NoError(t, err)

	publish(t, b, domain.EventEntityDeleted, nil)
	assert.True(t, b.Unsubscribe(sub))
	assert.False(t, b.Unsubscribe(sub))
	publish(t, b, domain.EventEntityDeleted, nil)

	assert.Equal(t, 1, count)
}

func TestPublishForwardsToGroupAfterHandlers(t *testing.T) {
	t.Parallel()
	br := &recordingBroadcaster{}
	fwd := &failingForwarder{}
	b := NewBus(Config{}, WithBroadcaster(br), WithForwarder(fwd))

	_, err := b.Publish(context.Background(), domain.PublishRequest{Type: domain.EventWorkOrderStatusChanged, OriginActor: "tech-1", TargetGroup: "workshop:ws-1"})
	require.NoError(t, err)
	publish(t, b, domain.EventEntityUpdated, nil)

	assert.Equal(t, []string{"workshop:ws-1"}, br.groups)
	assert.Equal(t, 2, fwd.calls)
}

func TestEventPayloadIsImmutable(t *testing.T) {
	t.Parallel()
	b := NewBus(Config{})
	payload := map[string]any{"status": "scheduled"}
	publish(t, b, domain.EventEntityUpdated, payload)
	payload["status"] = "done"

	events := b.History(domain.HistoryFilter{}, 1)
	require.Len(t, events, 1)
	var got map[string]string
	require.NoError(t, events[0].Decode(&got))
	assert.Equal(t, "scheduled", got["status"])

	events[0].Payload[0] = 'x'
	again := b.History(domain.HistoryFilter{}, 1)
	assert.True(t, json.Valid(again[0].Payload))
}

func TestHistoryIsReverseChronologicalAndFiltered(t *testing.T) {
	t.Parallel()
	clock := &fixedClock{now: time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC)}
	b := NewBus(Config{HistoryMax: 100}, WithClock(clock.Now))
	for i := 0; i < 5; i++ {
		typ := domain.EventEntityUpdated
		if i%2 == 0 {
			typ = domain.EventEntityCreated
		}
		_, err := b.Publish(context.Background(), domain.PublishRequest{Type: typ, OriginActor: "tech-1", Priority: priority.Level(i + 1), Payload: map[string]int{"n": i}})
		require.NoError(t, err)
		clock.Advance(time.Second)
	}

	all := b.History(domain.HistoryFilter{}, 0)
	require.Len(t, all, 5)
	for i := 1; i < len(all); i++ {
		assert.True(t, all[i-1].Timestamp.After(all[i].Timestamp))
	}

	created := b.History(domain.HistoryFilter{Types: []domain.EventType{domain.EventEntityCreated}}, 2)
	require.Len(t, created, 2)
	var n map[string]int
	require.NoError(t, created[0].Decode(&n))
	assert.Equal(t, 4, n["n"])

	urgent := b.History(domain.HistoryFilter{MinPriority: priority.High}, 10)
	assert.Len(t, urgent, 2)
}

func TestHistoryCountCapParksOverflowForSweep(t *testing.T) {
	t.Parallel()
	archive := &memoryArchiver{}
	b := NewBus(Config{HistoryMax: 3, HistoryMaxAge: time.Hour}, WithArchiver(archive))
	ids := make([]string, 0, 5)
	for i := 0; i < 5; i++ {
		ids = append(ids, publish(t, b, domain.EventEntityUpdated, nil))
	}

	assert.Len(t, b.History(domain.HistoryFilter{}, 0), 3)
	removed, err := b.SweepRetention(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
	require.Len(t, archive.events, 2)
	assert.Equal(t, ids[0], archive.events[0].ID)
	assert.Equal(t, ids[1], archive.events[1].ID)
}

func TestSweepRetentionRemovesExpired(t *testing.T) {
	t.Parallel()
	clock := &fixedClock{now: time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC)}
	archive := &memoryArchiver{}
	b := NewBus(Config{HistoryMax: 10, HistoryMaxAge: 10 * time.Minute}, WithClock(clock.Now), WithArchiver(archive))
	publish(t, b, domain.EventEntityUpdated, nil)
	clock.Advance(8 * time.Minute)
	keep := publish(t, b, domain.EventEntityUpdated, nil)
	clock.Advance(5 * time.Minute)

	removed, err := b.SweepRetention(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	left := b.History(domain.HistoryFilter{}, 0)
	require.Len(t, left, 1)
	assert.Equal(t, keep, left[0].ID)
	assert.Equal(t, int64(1), b.Stats().Archived)
}

func TestPublishRendersTemplateOnce(t *testing.T) {
	t.Parallel()
	catalog, err := i18n.LoadCatalog("", 4)
	require.NoError(t, err)
	b := NewBus(Config{}, WithRenderer(catalog))

	_, err = b.Publish(context.Background(), domain.PublishRequest{
		Type:        domain.EventWorkOrderStatusChanged,
		OriginActor: "tech-1",
		Locale:      "de-DE",
		Template:    "work_order_status",
		Vars:        map[string]any{"work_order_id": "WO-1", "status": "fertig", "vehicle": "Golf"},
	})
	require.NoError(t, err)

	evt := b.History(domain.HistoryFilter{}, 1)[0]
	require.NotNil(t, evt.Content)
	assert.True(t, strings.HasPrefix(evt.Content.Title, "Auftrag WO-1"))

	_, err = b.Publish(context.Background(), domain.PublishRequest{Type: domain.EventWorkOrderStatusChanged, OriginActor: "tech-1", Template: "nope"})
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestRoutingKey(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "global.sync.entity_updated", RoutingKey(domain.Event{Type: domain.EventEntityUpdated}))
	assert.Equal(t, "workshop:ws_1.session.connected", RoutingKey(domain.Event{Type: domain.EventSessionConnected, TargetGroup: "workshop:ws.1"}))
}

func TestEncodeNDJSON(t *testing.T) {
	t.Parallel()
	body, err := EncodeNDJSON([]domain.Event{{ID: "a", Type: domain.EventEntityCreated}, {ID: "b", Type: domain.EventEntityDeleted}})
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(body)), "\n")
	assert.Len(t, lines, 2)
}
