package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"workshop_rt/server/common/apperr"
	"workshop_rt/server/common/async"
	"workshop_rt/server/common/i18n"
	"workshop_rt/server/common/infra/mq"
	"workshop_rt/server/common/priority"
	evdomain "workshop_rt/server/eventbus/domain"
	"workshop_rt/server/notification/domain"
	"workshop_rt/server/notification/repository"
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

type stubProvider struct {
	channel domain.Channel
	mu      sync.Mutex
	calls   int
	send    func(msg domain.Message) error
}

func (p *stubProvider) Channel() domain.Channel { return p.channel }

func (p *stubProvider) Send(_ context.Context, msg domain.Message) error {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()
	if p.send == nil {
		return nil
	}
	return p.send(msg)
}

func (p *stubProvider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []evdomain.PublishRequest
}

func (r *recordingPublisher) Publish(_ context.Context, req evdomain.PublishRequest) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, req)
	return "evt", nil
}

func newCatalog(t *testing.T) *i18n.Catalog {
	t.Helper()
	c, err := i18n.LoadCatalog("", 16)
	require.NoError(t, err)
	return c
}

func genericRequest(channels ...domain.Channel) domain.Request {
	return domain.Request{
		Type:      "generic",
		Recipient: "cust-1",
		Data:      map[string]any{"title": "Car ready", "body": "Pick up after 5pm"},
		Channels:  channels,
		Locale:    "en",
	}
}

func daytime() *fixedClock {
	return &fixedClock{now: time.Date(2026, 6, 3, 12, 0, 0, 0, time.UTC)}
}

func TestSendDeliveredWhenAnyChannelSucceeds(t *testing.T) {
	t.Parallel()
	clock := daytime()
	push := &stubProvider{channel: domain.ChannelPush, send: func(domain.Message) error {
		return apperr.Transient(errors.New("push gateway timeout"))
	}}
	sms := &stubProvider{channel: domain.ChannelSMS, send: func(domain.Message) error {
		return apperr.Permanent(errors.New("invalid phone number"))
	}}
	inApp := &stubProvider{channel: domain.ChannelInApp}
	d := NewDispatcher(Config{}, repository.NewMemoryStore(), newCatalog(t),
		WithClock(clock.Now), WithProvider(push), WithProvider(sms), WithProvider(inApp))

	receipt, err := d.Send(context.Background(), genericRequest(domain.ChannelPush, domain.ChannelSMS, domain.ChannelInApp))
	require.NoError(t, err)
	d.Wait()

	n, err := d.Get(context.Background(), receipt.NotificationID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDelivered, n.Status)
	assert.Equal(t, 1, n.Attempts)
	assert.Equal(t, domain.OutcomeTransient, n.Outcomes[domain.ChannelPush].Status)
	assert.Contains(t, n.Outcomes[domain.ChannelPush].LastError, "push gateway timeout")
	assert.Equal(t, domain.OutcomePermanent, n.Outcomes[domain.ChannelSMS].Status)
	assert.Equal(t, domain.OutcomeDelivered, n.Outcomes[domain.ChannelInApp].Status)
	assert.Equal(t, "Car ready", n.Content.Title)
}

func TestCriticalBypassesQuietWindow(t *testing.T) {
	t.Parallel()
	clock := &fixedClock{now: time.Date(2026, 6, 3, 23, 30, 0, 0, time.UTC)}
	providers := []*stubProvider{
		{channel: domain.ChannelPush},
		{channel: domain.ChannelSMS},
		{channel: domain.ChannelVoice},
	}
	opts := []Option{WithClock(clock.Now)}
	for _, p := range providers {
		opts = append(opts, WithProvider(p))
	}
	d := NewDispatcher(Config{Policy: DefaultTimingPolicy()}, repository.NewMemoryStore(), newCatalog(t), opts...)

	req := genericRequest(domain.ChannelPush, domain.ChannelSMS, domain.ChannelVoice)
	req.Priority = priority.Critical
	receipt, err := d.Send(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusProcessing, receipt.Status)
	d.Wait()

	for _, p := range providers {
		assert.Equal(t, 1, p.Calls(), string(p.channel))
	}
	n, err := d.Get(context.Background(), receipt.NotificationID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDelivered, n.Status)
}

func TestQuietWindowDefersNormalPriority(t *testing.T) {
	t.Parallel()
	clock := &fixedClock{now: time.Date(2026, 6, 3, 23, 30, 0, 0, time.UTC)}
	push := &stubProvider{channel: domain.ChannelPush}
	d := NewDispatcher(Config{Policy: DefaultTimingPolicy()}, repository.NewMemoryStore(), newCatalog(t),
		WithClock(clock.Now), WithProvider(push))

	receipt, err := d.Send(context.Background(), genericRequest(domain.ChannelPush))
	require.NoError(t, err)
	d.Wait()

	assert.Equal(t, domain.StatusScheduled, receipt.Status)
	assert.Equal(t, 0, push.Calls())
	n, err := d.Get(context.Background(), receipt.NotificationID)
	require.NoError(t, err)
	require.NotNil(t, n.ScheduledFor)
	assert.Equal(t, time.Date(2026, 6, 4, 7, 0, 0, 0, time.UTC), *n.ScheduledFor)

	assert.Equal(t, 0, d.ResolvePendingSchedule(context.Background()))
	clock.Advance(8 * time.Hour)
	assert.Equal(t, 1, d.ResolvePendingSchedule(context.Background()))
	d.Wait()
	assert.Equal(t, 1, push.Calls())
}

func TestAttemptsNeverExceedMax(t *testing.T) {
	t.Parallel()
	clock := daytime()
	push := &stubProvider{channel: domain.ChannelPush, send: func(domain.Message) error {
		return apperr.Transient(errors.New("unreachable"))
	}}
	d := NewDispatcher(Config{MaxAttempts: 3, Backoff: async.Backoff{Base: time.Minute, Max: time.Hour}},
		repository.NewMemoryStore(), newCatalog(t), WithClock(clock.Now), WithProvider(push))

	receipt, err := d.Send(context.Background(), genericRequest(domain.ChannelPush))
	require.NoError(t, err)
	d.Wait()

	n, err := d.Get(context.Background(), receipt.NotificationID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusScheduled, n.Status)
	assert.Equal(t, clock.Now().Add(time.Minute), *n.ScheduledFor)

	for i := 0; i < 5; i++ {
		clock.Advance(time.Hour)
		d.ResolvePendingSchedule(context.Background())
		d.Wait()
		n, err = d.Get(context.Background(), receipt.NotificationID)
		require.NoError(t, err)
		assert.LessOrEqual(t, n.Attempts, n.MaxAttempts)
	}

	assert.Equal(t, domain.StatusFailed, n.Status)
	assert.Equal(t, 3, n.Attempts)
	assert.Equal(t, 3, push.Calls())
	assert.Equal(t, 3, n.Outcomes[domain.ChannelPush].Attempts)
}

func TestRetryOnlyRetriesRetryableChannels(t *testing.T) {
	t.Parallel()
	clock := daytime()
	var mu sync.Mutex
	pushFails := true
	push := &stubProvider{channel: domain.ChannelPush, send: func(domain.Message) error {
		mu.Lock()
		defer mu.Unlock()
		if pushFails {
			return errors.New("flaky")
		}
		return nil
	}}
	email := &stubProvider{channel: domain.ChannelEmail, send: func(domain.Message) error {
		return apperr.Permanent(errors.New("mailbox does not exist"))
	}}
	d := NewDispatcher(Config{Backoff: async.Backoff{Base: time.Second}}, repository.NewMemoryStore(), newCatalog(t),
		WithClock(clock.Now), WithProvider(push), WithProvider(email))

	receipt, err := d.Send(context.Background(), genericRequest(domain.ChannelPush, domain.ChannelEmail))
	require.NoError(t, err)
	d.Wait()

	mu.Lock()
	pushFails = false
	mu.Unlock()
	clock.Advance(time.Minute)
	require.Equal(t, 1, d.ResolvePendingSchedule(context.Background()))
	d.Wait()

	n, err := d.Get(context.Background(), receipt.NotificationID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDelivered, n.Status)
	assert.Equal(t, 2, push.Calls())
	assert.Equal(t, 1, email.Calls())
}

func TestAllPermanentFailsImmediately(t *testing.T) {
	t.Parallel()
	sms := &stubProvider{channel: domain.ChannelSMS, send: func(domain.Message) error {
		return apperr.Permanent(errors.New("opted out"))
	}}
	pub := &recordingPublisher{}
	d := NewDispatcher(Config{}, repository.NewMemoryStore(), newCatalog(t),
		WithClock(daytime().Now), WithProvider(sms), WithEvents(pub))

	receipt, err := d.Send(context.Background(), genericRequest(domain.ChannelSMS))
	require.NoError(t, err)
	d.Wait()

	n, err := d.Get(context.Background(), receipt.NotificationID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, n.Status)
	assert.Equal(t, 1, n.Attempts)
	require.Len(t, pub.events, 1)
	assert.Equal(t, evdomain.EventNotificationFailed, pub.events[0].Type)
}

func TestProviderPanicIsTransient(t *testing.T) {
	t.Parallel()
	push := &stubProvider{channel: domain.ChannelPush, send: func(domain.Message) error { panic("nil pointer in sdk") }}
	inApp := &stubProvider{channel: domain.ChannelInApp}
	d := NewDispatcher(Config{}, repository.NewMemoryStore(), newCatalog(t),
		WithClock(daytime().Now), WithProvider(push), WithProvider(inApp))

	receipt, err := d.Send(context.Background(), genericRequest(domain.ChannelPush, domain.ChannelInApp))
	require.NoError(t, err)
	d.Wait()

	n, err := d.Get(context.Background(), receipt.NotificationID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDelivered, n.Status)
	assert.Equal(t, domain.OutcomeTransient, n.Outcomes[domain.ChannelPush].Status)
}

type countingStore struct {
	*repository.MemoryStore
	mu      sync.Mutex
	created int
}

func (s *countingStore) Create(ctx context.Context, n domain.Notification) error {
	s.mu.Lock()
	s.created++
	s.mu.Unlock()
	return s.MemoryStore.Create(ctx, n)
}

func TestSendReportsCapacityExceeded(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	push := &stubProvider{channel: domain.ChannelPush, send: func(domain.Message) error {
		started <- struct{}{}
		<-release
		return nil
	}}
	store := &countingStore{MemoryStore: repository.NewMemoryStore()}
	d := NewDispatcher(Config{Workers: 1}, store, newCatalog(t), WithClock(daytime().Now), WithProvider(push))

	_, err := d.Send(context.Background(), genericRequest(domain.ChannelPush))
	require.NoError(t, err)
	<-started

	_, err = d.Send(context.Background(), genericRequest(domain.ChannelPush))
	assert.ErrorIs(t, err, apperr.ErrCapacityExceeded)
	assert.Equal(t, 1, store.created)

	close(release)
	d.Wait()
}

func TestSendValidation(t *testing.T) {
	t.Parallel()
	d := NewDispatcher(Config{}, repository.NewMemoryStore(), newCatalog(t), WithProvider(&stubProvider{channel: domain.ChannelPush}))

	cases := map[string]domain.Request{
		"no recipient":     {Type: "generic", Channels: []domain.Channel{domain.ChannelPush}},
		"no channels":      {Type: "generic", Recipient: "r"},
		"unknown channel":  {Type: "generic", Recipient: "r", Channels: []domain.Channel{"pigeon"}},
		"no provider":      {Type: "generic", Recipient: "r", Channels: []domain.Channel{domain.ChannelSMS}},
		"unknown template": {Type: "nope", Recipient: "r", Channels: []domain.Channel{domain.ChannelPush}},
		"bad priority":     {Type: "generic", Recipient: "r", Channels: []domain.Channel{domain.ChannelPush}, Priority: 7},
	}
	for name, req := range cases {
		_, err := d.Send(context.Background(), req)
		assert.ErrorIs(t, err, apperr.ErrValidation, name)
	}
}

func TestChannelWithoutProviderFailsAlone(t *testing.T) {
	t.Parallel()
	inApp := &stubProvider{channel: domain.ChannelInApp}
	d := NewDispatcher(Config{}, repository.NewMemoryStore(), newCatalog(t), WithClock(daytime().Now), WithProvider(inApp))

	receipt, err := d.Send(context.Background(), genericRequest(domain.ChannelInApp, domain.ChannelPush))
	require.NoError(t, err)
	d.Wait()

	n, err := d.Get(context.Background(), receipt.NotificationID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDelivered, n.Status)
	assert.Equal(t, 1, inApp.Calls())
	assert.Equal(t, domain.OutcomeDelivered, n.Outcomes[domain.ChannelInApp].Status)
	push := n.Outcomes[domain.ChannelPush]
	assert.Equal(t, domain.OutcomePermanent, push.Status)
	assert.Equal(t, 0, push.Attempts)
	assert.NotEmpty(t, push.LastError)
}

func TestSweepRecoversNotificationStuckInProcessing(t *testing.T) {
	t.Parallel()
	clock := daytime()
	store := repository.NewMemoryStore()
	push := &stubProvider{channel: domain.ChannelPush}
	d := NewDispatcher(Config{StaleProcessing: time.Minute}, store, newCatalog(t), WithClock(clock.Now), WithProvider(push))

	stuck := domain.Notification{
		ID:          "stuck-1",
		Type:        "generic",
		Recipient:   "cust-1",
		Channels:    []domain.Channel{domain.ChannelPush},
		Priority:    priority.Normal,
		Status:      domain.StatusProcessing,
		MaxAttempts: 3,
		Outcomes:    map[domain.Channel]domain.ChannelOutcome{domain.ChannelPush: {Status: domain.OutcomePending}},
		CreatedAt:   clock.Now(),
		UpdatedAt:   clock.Now(),
	}
	require.NoError(t, store.Create(context.Background(), stuck))

	assert.Equal(t, 0, d.ResolvePendingSchedule(context.Background()))
	clock.Advance(2 * time.Minute)
	assert.Equal(t, 1, d.ResolvePendingSchedule(context.Background()))
	d.Wait()

	n, err := d.Get(context.Background(), "stuck-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDelivered, n.Status)
	assert.Equal(t, 1, push.Calls())
}

func TestSharedStoreDispatchesOnceAcrossDispatchers(t *testing.T) {
	t.Parallel()
	clock := daytime()
	store := repository.NewMemoryStore()
	push := &stubProvider{channel: domain.ChannelPush}
	first := NewDispatcher(Config{}, store, newCatalog(t), WithClock(clock.Now), WithProvider(push))
	second := NewDispatcher(Config{}, store, newCatalog(t), WithClock(clock.Now), WithProvider(push))

	at := clock.Now().Add(time.Hour)
	for i := 0; i < 5; i++ {
		req := genericRequest(domain.ChannelPush)
		req.ScheduledTime = &at
		_, err := first.Send(context.Background(), req)
		require.NoError(t, err)
	}
	clock.Advance(2 * time.Hour)

	var wg sync.WaitGroup
	counts := make([]int, 2)
	for i, d := range []*Dispatcher{first, second} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			counts[i] = d.ResolvePendingSchedule(context.Background())
		}()
	}
	wg.Wait()
	first.Wait()
	second.Wait()

	assert.Equal(t, 5, counts[0]+counts[1])
	assert.Equal(t, 5, push.Calls())
}

func TestExplicitScheduledTime(t *testing.T) {
	t.Parallel()
	clock := daytime()
	push := &stubProvider{channel: domain.ChannelPush}
	d := NewDispatcher(Config{}, repository.NewMemoryStore(), newCatalog(t), WithClock(clock.Now), WithProvider(push))

	at := clock.Now().Add(2 * time.Hour)
	req := genericRequest(domain.ChannelPush)
	req.ScheduledTime = &at
	receipt, err := d.Send(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, domain.StatusScheduled, receipt.Status)
	n, err := d.Get(context.Background(), receipt.NotificationID)
	require.NoError(t, err)
	assert.Equal(t, at, *n.ScheduledFor)
}

type stubSessions struct{ live int }

func (s stubSessions) BroadcastActor(context.Context, string, string, any) int { return s.live }

func TestInAppProviderOfflineIsTransient(t *testing.T) {
	t.Parallel()
	err := NewInAppProvider(stubSessions{}).Send(context.Background(), domain.Message{Recipient: "cust-1"})
	assert.ErrorIs(t, err, apperr.ErrTransientDelivery)
	assert.NoError(t, NewInAppProvider(stubSessions{live: 2}).Send(context.Background(), domain.Message{Recipient: "cust-1"}))
}

func TestOutboxSendWhileBrokerDownIsTransient(t *testing.T) {
	t.Parallel()
	p := &AMQPOutboxProvider{channel: domain.ChannelSMS, link: &mq.Link{}, queue: OutboxQueue(domain.ChannelSMS)}
	err := p.Send(context.Background(), domain.Message{NotificationID: "n-1", Recipient: "cust-1", Channel: domain.ChannelSMS})
	assert.ErrorIs(t, err, apperr.ErrTransientDelivery)
	assert.ErrorIs(t, err, apperr.ErrUnavailable)
	assert.False(t, apperr.IsPermanent(err))
}
