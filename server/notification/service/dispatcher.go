package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"workshop_rt/server/common/apperr"
	"workshop_rt/server/common/async"
	"workshop_rt/server/common/i18n"
	"workshop_rt/server/common/log"
	"workshop_rt/server/common/metrics"
	evdomain "workshop_rt/server/eventbus/domain"
	"workshop_rt/server/notification/domain"
)

// Store persists notifications. Update refuses to overwrite a final
// notification with domain.ErrFinal. ClaimDue must hand each due
// notification to one caller only, even across instances.
type Store interface {
	Create(ctx context.Context, n domain.Notification) error
	Update(ctx context.Context, n domain.Notification) error
	Get(ctx context.Context, id string) (domain.Notification, error)
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]domain.Notification, error)
	RequeueStale(ctx context.Context, cutoff, now time.Time) (int, error)
}

type EventPublisher interface {
	Publish(ctx context.Context, req evdomain.PublishRequest) (string, error)
}

const (
	dispatcherActor = "notification-dispatcher"
	errNoProvider   = "no provider registered for channel"
)

type Config struct {
	MaxAttempts    int
	Backoff        async.Backoff
	Workers        int
	ChannelTimeout time.Duration
	SweepBatch     int
	// StaleProcessing is how long a notification may sit in processing
	// before the sweep assumes its dispatcher died and schedules it again.
	StaleProcessing time.Duration
	Policy          TimingPolicy
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.Backoff.Base <= 0 {
		c.Backoff.Base = 30 * time.Second
	}
	if c.Backoff.Max <= 0 {
		c.Backoff.Max = 30 * time.Minute
	}
	if c.Workers <= 0 {
		c.Workers = 16
	}
	if c.ChannelTimeout <= 0 {
		c.ChannelTimeout = 10 * time.Second
	}
	if c.SweepBatch <= 0 {
		c.SweepBatch = 100
	}
	if c.StaleProcessing <= 0 {
		c.StaleProcessing = 5 * time.Minute
	}
	return c
}

// Dispatcher owns the notification lifecycle. Deliveries run on a bounded
// worker pool; channels of one attempt run concurrently.
type Dispatcher struct {
	cfg       Config
	store     Store
	renderer  i18n.Renderer
	providers map[domain.Channel]ChannelProvider
	pool      *async.Pool
	events    EventPublisher
	logger    log.Logger
	metrics   *metrics.Metrics
	now       func() time.Time

	mu       sync.Mutex
	inflight map[string]struct{}
}

type Option func(*Dispatcher)

func WithLogger(l log.Logger) Option {
	return func(d *Dispatcher) { d.logger = log.OrNop(l) }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

func WithEvents(p EventPublisher) Option {
	return func(d *Dispatcher) { d.events = p }
}

func WithProvider(p ChannelProvider) Option {
	return func(d *Dispatcher) { d.providers[p.Channel()] = p }
}

func NewDispatcher(cfg Config, store Store, renderer i18n.Renderer, opts ...Option) *Dispatcher {
	cfg = cfg.withDefaults()
	d := &Dispatcher{
		cfg:       cfg,
		store:     store,
		renderer:  renderer,
		providers: map[domain.Channel]ChannelProvider{},
		logger:    log.Nop(),
		now:       func() time.Time { return time.Now().UTC() },
		inflight:  map[string]struct{}{},
	}
	for _, opt := range opts {
		opt(d)
	}
	d.pool = async.NewPool("notification-dispatch", cfg.Workers, d.logger)
	return d
}

// Send validates and records a notification, then either schedules it or
// hands it to the worker pool. Requested channels without a provider are
// recorded as permanent failures; the request is rejected only when no
// channel has one. A saturated pool is reported as
// apperr.ErrCapacityExceeded before anything is stored.
func (d *Dispatcher) Send(ctx context.Context, req domain.Request) (domain.Receipt, error) {
	channels, err := d.validate(req)
	if err != nil {
		return domain.Receipt{}, err
	}
	res, err := d.pool.Reserve()
	if err != nil {
		d.metrics.IncNotification("rejected")
		return domain.Receipt{}, err
	}
	handedOff := false
	defer func() {
		if !handedOff {
			res.Release()
		}
	}()

	locale := i18n.Normalize(req.Locale)
	content, err := d.renderer.Render(req.Type, locale, req.Data)
	if err != nil {
		return domain.Receipt{}, apperr.Invalid("type", err.Error())
	}

	now := d.now()
	prio := req.Priority.OrDefault()
	n := domain.Notification{
		ID:          uuid.NewString(),
		Type:        req.Type,
		Recipient:   strings.TrimSpace(req.Recipient),
		Channels:    channels,
		Priority:    prio,
		Locale:      locale,
		Timezone:    strings.TrimSpace(req.Timezone),
		Data:        req.Data,
		Content:     content,
		Status:      domain.StatusProcessing,
		MaxAttempts: d.cfg.MaxAttempts,
		Outcomes:    make(map[domain.Channel]domain.ChannelOutcome, len(channels)),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	for _, ch := range channels {
		o := domain.ChannelOutcome{Status: domain.OutcomePending, UpdatedAt: now}
		if _, ok := d.providers[ch]; !ok {
			o.Status = domain.OutcomePermanent
			o.LastError = errNoProvider
		}
		n.Outcomes[ch] = o
	}

	notBefore := now
	if req.ScheduledTime != nil && req.ScheduledTime.After(now) {
		notBefore = req.ScheduledTime.UTC()
	}
	if when, deferred := d.cfg.Policy.NextAppropriate(notBefore, prio, locale, n.Timezone); deferred || notBefore.After(now) {
		n.Status = domain.StatusScheduled
		n.ScheduledFor = &when
	}

	if err := d.store.Create(ctx, n); err != nil {
		return domain.Receipt{}, err
	}
	d.metrics.IncNotification(string(n.Status))
	if n.Status == domain.StatusScheduled {
		d.logger.Infof("event=notification action=schedule id=%s recipient=%s priority=%d scheduled_for=%s", n.ID, n.Recipient, n.Priority, n.ScheduledFor.Format(time.RFC3339))
		return domain.Receipt{NotificationID: n.ID, Status: n.Status}, nil
	}

	handedOff = true
	id := n.ID
	dctx := context.WithoutCancel(ctx)
	res.Run(func() { d.dispatch(dctx, id) })
	return domain.Receipt{NotificationID: n.ID, Status: n.Status}, nil
}

func (d *Dispatcher) validate(req domain.Request) ([]domain.Channel, error) {
	if strings.TrimSpace(req.Type) == "" {
		return nil, apperr.Invalid("type", "is required")
	}
	if strings.TrimSpace(req.Recipient) == "" {
		return nil, apperr.Invalid("recipient", "is required")
	}
	if !req.Priority.OrDefault().Valid() {
		return nil, apperr.Invalid("priority", "must be between 1 and 5")
	}
	if len(req.Channels) == 0 {
		return nil, apperr.Invalid("channels", "at least one channel is required")
	}
	seen := map[domain.Channel]struct{}{}
	out := make([]domain.Channel, 0, len(req.Channels))
	for _, ch := range req.Channels {
		if !ch.Valid() {
			return nil, apperr.Invalid("channels", "unknown channel "+string(ch))
		}
		if _, dup := seen[ch]; dup {
			continue
		}
		seen[ch] = struct{}{}
		out = append(out, ch)
	}
	for _, ch := range out {
		if _, ok := d.providers[ch]; ok {
			return out, nil
		}
	}
	return nil, apperr.Invalid("channels", "no provider for any requested channel")
}

func (d *Dispatcher) Get(ctx context.Context, id string) (domain.Notification, error) {
	return d.store.Get(ctx, id)
}

// ResolvePendingSchedule claims every due scheduled notification, hands it
// to the worker pool and returns how many were dispatched. Notifications
// stuck in processing longer than StaleProcessing are scheduled again
// first. It stops early when the pool is saturated; unstarted claims go
// back to scheduled for the next sweep.
func (d *Dispatcher) ResolvePendingSchedule(ctx context.Context) int {
	now := d.now()
	if n, err := d.store.RequeueStale(ctx, now.Add(-d.cfg.StaleProcessing), now); err != nil {
		d.logger.Errorf("event=notification action=requeue_stale status=failed error=%v", err)
	} else if n > 0 {
		d.logger.Warnf("event=notification action=requeue_stale count=%d", n)
	}
	due, err := d.store.ClaimDue(ctx, now, d.cfg.SweepBatch)
	if err != nil {
		d.logger.Errorf("event=notification action=sweep status=failed error=%v", err)
		return 0
	}
	dispatched := 0
	for i, n := range due {
		if when, deferred := d.cfg.Policy.NextAppropriate(now, n.Priority, n.Locale, n.Timezone); deferred {
			n.Status = domain.StatusScheduled
			n.ScheduledFor = &when
			n.UpdatedAt = now
			if err := d.store.Update(ctx, n); err != nil {
				d.logger.Errorf("event=notification action=reschedule status=failed id=%s error=%v", n.ID, err)
			}
			continue
		}
		res, err := d.pool.Reserve()
		if err != nil {
			d.logger.Warnf("event=notification action=sweep status=saturated dispatched=%d remaining=%d", dispatched, len(due)-i)
			d.unclaimDue(ctx, due[i:], now)
			break
		}
		id := n.ID
		dctx := context.WithoutCancel(ctx)
		res.Run(func() { d.dispatch(dctx, id) })
		dispatched++
	}
	return dispatched
}

func (d *Dispatcher) unclaimDue(ctx context.Context, items []domain.Notification, now time.Time) {
	for _, n := range items {
		n.Status = domain.StatusScheduled
		n.UpdatedAt = now
		if err := d.store.Update(ctx, n); err != nil {
			d.logger.Errorf("event=notification action=unclaim status=failed id=%s error=%v", n.ID, err)
		}
	}
}

// Wait blocks until in-flight deliveries finish.
func (d *Dispatcher) Wait() {
	d.pool.Wait()
}

type attemptResult struct {
	channel domain.Channel
	status  domain.OutcomeStatus
	err     error
}

func (d *Dispatcher) dispatch(ctx context.Context, id string) {
	if !d.claim(id) {
		return
	}
	defer d.unclaim(id)

	n, err := d.store.Get(ctx, id)
	if err != nil {
		d.logger.Errorf("event=notification action=dispatch status=load_failed id=%s error=%v", id, err)
		return
	}
	if n.Status.Terminal() {
		return
	}
	if n.Attempts >= n.MaxAttempts {
		n.Status = domain.StatusFailed
		n.UpdatedAt = d.now()
		d.persist(ctx, n)
		return
	}

	n.Attempts++
	targets := make([]domain.Channel, 0, len(n.Channels))
	for _, ch := range n.Channels {
		if n.Outcomes[ch].Status.Retryable() {
			targets = append(targets, ch)
		}
	}
	results := make([]attemptResult, len(targets))
	var g errgroup.Group
	for i, ch := range targets {
		g.Go(func() error {
			results[i] = d.attempt(ctx, n, ch)
			return nil
		})
	}
	_ = g.Wait()

	now := d.now()
	for _, r := range results {
		o := n.Outcomes[r.channel]
		o.Attempts++
		o.Status = r.status
		o.LastError = ""
		if r.err != nil {
			o.LastError = r.err.Error()
		}
		o.UpdatedAt = now
		n.Outcomes[r.channel] = o
		d.metrics.IncChannelAttempt(string(r.channel), string(r.status))
	}
	d.settle(&n, now)
	d.persist(ctx, n)
}

func (d *Dispatcher) attempt(ctx context.Context, n domain.Notification, ch domain.Channel) attemptResult {
	provider, ok := d.providers[ch]
	if !ok {
		return attemptResult{channel: ch, status: domain.OutcomePermanent, err: apperr.Permanent(errors.New(errNoProvider))}
	}
	actx, cancel := context.WithTimeout(ctx, d.cfg.ChannelTimeout)
	defer cancel()
	msg := domain.Message{
		NotificationID: n.ID,
		Type:           n.Type,
		Recipient:      n.Recipient,
		Channel:        ch,
		Priority:       n.Priority,
		Content:        n.Content,
		Data:           n.Data,
		Attempt:        n.Attempts,
	}
	err := async.Safely(func() error { return provider.Send(actx, msg) })
	switch {
	case err == nil:
		return attemptResult{channel: ch, status: domain.OutcomeDelivered}
	case apperr.IsPermanent(err):
		d.logger.Warnf("event=notification action=channel_send status=permanent id=%s channel=%s error=%v", n.ID, ch, err)
		return attemptResult{channel: ch, status: domain.OutcomePermanent, err: err}
	default:
		d.logger.Warnf("event=notification action=channel_send status=transient id=%s channel=%s attempt=%d error=%v", n.ID, ch, n.Attempts, err)
		return attemptResult{channel: ch, status: domain.OutcomeTransient, err: err}
	}
}

// settle derives the overall status from the channel outcomes.
func (d *Dispatcher) settle(n *domain.Notification, now time.Time) {
	delivered, retryable := false, false
	for _, ch := range n.Channels {
		switch n.Outcomes[ch].Status {
		case domain.OutcomeDelivered:
			delivered = true
		case domain.OutcomePending, domain.OutcomeTransient:
			retryable = true
		case domain.OutcomePermanent:
		}
	}
	n.UpdatedAt = now
	switch {
	case delivered:
		n.Status = domain.StatusDelivered
		n.ScheduledFor = nil
	case retryable && n.Attempts < n.MaxAttempts:
		at := now.Add(d.cfg.Backoff.Delay(n.Attempts))
		n.Status = domain.StatusScheduled
		n.ScheduledFor = &at
	default:
		n.Status = domain.StatusFailed
		n.ScheduledFor = nil
	}
}

func (d *Dispatcher) persist(ctx context.Context, n domain.Notification) {
	if err := d.store.Update(ctx, n); err != nil {
		if errors.Is(err, domain.ErrFinal) {
			d.logger.Warnf("event=notification action=persist status=superseded id=%s", n.ID)
			return
		}
		d.logger.Errorf("event=notification action=persist status=failed id=%s error=%v", n.ID, err)
		return
	}
	d.metrics.IncNotification(string(n.Status))
	d.logger.Infof("event=notification action=dispatch id=%s status=%s attempts=%d/%d", n.ID, n.Status, n.Attempts, n.MaxAttempts)
	if !n.Status.Terminal() || d.events == nil {
		return
	}
	evtType := evdomain.EventNotificationDelivered
	if n.Status == domain.StatusFailed {
		evtType = evdomain.EventNotificationFailed
	}
	_, err := d.events.Publish(ctx, evdomain.PublishRequest{
		Type:        evtType,
		Priority:    n.Priority,
		OriginActor: dispatcherActor,
		Locale:      n.Locale,
		Payload: map[string]any{
			"notification_id": n.ID,
			"type":            n.Type,
			"recipient":       n.Recipient,
			"status":          n.Status,
			"outcomes":        n.Outcomes,
		},
	})
	if err != nil {
		d.logger.Warnf("event=notification action=announce status=failed id=%s error=%v", n.ID, err)
	}
}

func (d *Dispatcher) claim(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, busy := d.inflight[id]; busy {
		return false
	}
	d.inflight[id] = struct{}{}
	return true
}

func (d *Dispatcher) unclaim(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.inflight, id)
}
