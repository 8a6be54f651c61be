package app

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"workshop_rt/server/common/i18n"
	"workshop_rt/server/common/priority"
	evdomain "workshop_rt/server/eventbus/domain"
	evservice "workshop_rt/server/eventbus/service"
	notifydomain "workshop_rt/server/notification/domain"
	notifyrepo "workshop_rt/server/notification/repository"
	notifyservice "workshop_rt/server/notification/service"
	sessionservice "workshop_rt/server/session/service"
)

type fakeNotifier struct {
	mu   sync.Mutex
	reqs []notifydomain.Request
}

func (n *fakeNotifier) Send(_ context.Context, req notifydomain.Request) (notifydomain.Receipt, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.reqs = append(n.reqs, req)
	return notifydomain.Receipt{NotificationID: "n-1", Status: notifydomain.StatusProcessing}, nil
}

func TestSyncEventsRaiseNotifications(t *testing.T) {
	bus := evservice.NewBus(evservice.Config{HistoryMax: 10})
	notify := &fakeNotifier{}
	subs, err := subscribeAlerts(bus, notify, "mgr-1", nil)
	require.NoError(t, err)
	require.Len(t, subs, 3)

	ctx := context.Background()
	_, err = bus.Publish(ctx, evdomain.PublishRequest{
		Type:        evdomain.EventConflictDetected,
		Priority:    priority.High,
		OriginActor: "tech-1",
		Locale:      "de",
		Payload:     map[string]any{"entity_type": "work_order", "entity_id": "wo-1", "kind": "checksum_mismatch"},
	})
	require.NoError(t, err)
	_, err = bus.Publish(ctx, evdomain.PublishRequest{
		Type:        evdomain.EventConflictEscalated,
		Priority:    priority.Critical,
		OriginActor: "tech-1",
		Payload:     map[string]any{"conflict_id": "c-1"},
	})
	require.NoError(t, err)
	_, err = bus.Publish(ctx, evdomain.PublishRequest{Type: evdomain.EventOperationFailed, Priority: priority.High, OriginActor: "tech-2"})
	require.NoError(t, err)

	require.Len(t, notify.reqs, 3)
	detected := notify.reqs[0]
	assert.Equal(t, "sync_conflict_detected", detected.Type)
	assert.Equal(t, "tech-1", detected.Recipient)
	assert.Equal(t, "de", detected.Locale)
	assert.Equal(t, priority.High, detected.Priority)
	assert.Equal(t, "wo-1", detected.Data["entity_id"])
	assert.NotEmpty(t, detected.Data["event_id"])
	assert.Contains(t, detected.Channels, notifydomain.ChannelInApp)

	escalated := notify.reqs[1]
	assert.Equal(t, "sync_conflict_escalated", escalated.Type)
	assert.Equal(t, "mgr-1", escalated.Recipient)
	assert.Equal(t, priority.Critical, escalated.Priority)

	assert.Equal(t, "sync_operation_failed", notify.reqs[2].Type)
	assert.Equal(t, "tech-2", notify.reqs[2].Recipient)
}

func TestEscalationWithoutRecipientIsSilent(t *testing.T) {
	bus := evservice.NewBus(evservice.Config{HistoryMax: 10})
	notify := &fakeNotifier{}
	_, err := subscribeAlerts(bus, notify, "", nil)
	require.NoError(t, err)

	_, err = bus.Publish(context.Background(), evdomain.PublishRequest{
		Type:        evdomain.EventConflictEscalated,
		OriginActor: "sync-engine",
	})
	require.NoError(t, err)
	assert.Empty(t, notify.reqs)
}

type recordingStore struct {
	*notifyrepo.MemoryStore
	mu  sync.Mutex
	ids []string
}

func (s *recordingStore) Create(ctx context.Context, n notifydomain.Notification) error {
	s.mu.Lock()
	s.ids = append(s.ids, n.ID)
	s.mu.Unlock()
	return s.MemoryStore.Create(ctx, n)
}

func TestAlertsReachDispatcherWithDefaultProviders(t *testing.T) {
	s := &Server{registry: sessionservice.NewRegistry()}
	opts, err := s.providers()
	require.NoError(t, err)
	catalog, err := i18n.LoadCatalog("", 16)
	require.NoError(t, err)
	store := &recordingStore{MemoryStore: notifyrepo.NewMemoryStore()}
	dispatcher := notifyservice.NewDispatcher(notifyservice.Config{}, store, catalog, opts...)

	bus := evservice.NewBus(evservice.Config{HistoryMax: 10})
	_, err = subscribeAlerts(bus, dispatcher, "mgr-1", nil)
	require.NoError(t, err)

	_, err = bus.Publish(context.Background(), evdomain.PublishRequest{
		Type:        evdomain.EventConflictDetected,
		Priority:    priority.High,
		OriginActor: "tech-1",
		Payload:     map[string]any{"entity_type": "work_order", "entity_id": "wo-1", "kind": "checksum_mismatch"},
	})
	require.NoError(t, err)
	dispatcher.Wait()

	assert.Zero(t, bus.Stats().HandlerFailures)
	require.Len(t, store.ids, 1)
	n, err := dispatcher.Get(context.Background(), store.ids[0])
	require.NoError(t, err)
	assert.Equal(t, "tech-1", n.Recipient)
	assert.Equal(t, notifydomain.OutcomePermanent, n.Outcomes[notifydomain.ChannelPush].Status)
	assert.Equal(t, notifydomain.OutcomeTransient, n.Outcomes[notifydomain.ChannelInApp].Status, "recipient has no live session")
}
