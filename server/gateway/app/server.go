package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"workshop_rt/server/common/async"
	commonauth "workshop_rt/server/common/auth"
	"workshop_rt/server/common/i18n"
	"workshop_rt/server/common/infra/cache"
	"workshop_rt/server/common/infra/db"
	"workshop_rt/server/common/infra/gateway"
	"workshop_rt/server/common/infra/mq"
	"workshop_rt/server/common/infra/object"
	"workshop_rt/server/common/log"
	"workshop_rt/server/common/metrics"
	evservice "workshop_rt/server/eventbus/service"
	gatewayapi "workshop_rt/server/gateway/api"
	notifydomain "workshop_rt/server/notification/domain"
	notifyrepo "workshop_rt/server/notification/repository"
	notifyservice "workshop_rt/server/notification/service"
	syncrepo "workshop_rt/server/reconcile/repository"
	syncservice "workshop_rt/server/reconcile/service"
	sessionapi "workshop_rt/server/session/api"
	sessionservice "workshop_rt/server/session/service"
)

const connectAttempts = 5

type Server struct {
	HTTPServer *http.Server

	cfg        Config
	pg         *pgxpool.Pool
	redis      *redis.Client
	mq         *mq.Broker
	fanout     *sessionservice.RedisFanout
	forwarder  *evservice.AMQPForwarder
	outboxes   []*notifyservice.AMQPOutboxProvider
	registry   *sessionservice.Registry
	bus        *evservice.Bus
	dispatcher *notifyservice.Dispatcher
	engine     *syncservice.Engine
	supervisor *async.Supervisor
}

func NewServer(cfg Config) (*Server, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s := &Server{cfg: cfg}
	if err := s.connect(ctx); err != nil {
		s.closeInfra()
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.MustNewMetrics(reg)

	catalog, err := i18n.LoadCatalog(cfg.TemplatesPath, cfg.TemplateCacheSize)
	if err != nil {
		s.closeInfra()
		return nil, err
	}

	s.registry = sessionservice.NewRegistry(
		sessionservice.WithLogger(log.Component("session")),
		sessionservice.WithMetrics(m),
	)
	if s.redis != nil {
		s.fanout = sessionservice.NewRedisFanout(s.redis, cfg.FanoutChannel, log.Component("session_fanout"))
		if err := s.fanout.Start(context.Background(), s.registry); err != nil {
			s.closeInfra()
			return nil, fmt.Errorf("start session fanout: %w", err)
		}
	}

	busOpts := []evservice.Option{
		evservice.WithLogger(log.Component("event_bus")),
		evservice.WithMetrics(m),
		evservice.WithBroadcaster(s.registry),
		evservice.WithRenderer(catalog),
	}
	if s.mq != nil {
		s.forwarder, err = evservice.NewAMQPForwarder(s.mq, cfg.EventExchange, cfg.EventForwardBuffer, log.Component("event_forward"))
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("declare event exchange: %w", err)
		}
		busOpts = append(busOpts, evservice.WithForwarder(s.forwarder))
	}
	if cfg.UseMinIO {
		archiver, err := s.connectArchive(ctx)
		if err != nil {
			s.Close()
			return nil, err
		}
		busOpts = append(busOpts, evservice.WithArchiver(archiver))
	}
	s.bus = evservice.NewBus(evservice.Config{HistoryMax: cfg.EventHistoryMax, HistoryMaxAge: cfg.EventHistoryMaxAge}, busOpts...)

	dispatcherOpts, err := s.providers()
	if err != nil {
		s.Close()
		return nil, err
	}
	dispatcherOpts = append(dispatcherOpts,
		notifyservice.WithLogger(log.Component("notification")),
		notifyservice.WithMetrics(m),
		notifyservice.WithEvents(s.bus),
	)
	policy := notifyservice.DefaultTimingPolicy()
	policy.Quiet = notifyservice.QuietWindow{Start: cfg.QuietStart, End: cfg.QuietEnd}
	s.dispatcher = notifyservice.NewDispatcher(notifyservice.Config{
		MaxAttempts:     cfg.NotifyMaxAttempts,
		Backoff:         async.Backoff{Base: cfg.NotifyBackoffBase, Max: cfg.NotifyBackoffMax},
		Workers:         cfg.NotifyWorkers,
		Policy:          policy,
		StaleProcessing: cfg.NotifyStaleProcessing,
	}, s.notificationStore(), catalog, dispatcherOpts...)

	engineOpts := []syncservice.Option{
		syncservice.WithLogger(log.Component("sync")),
		syncservice.WithMetrics(m),
		syncservice.WithEvents(s.bus),
	}
	if s.redis != nil {
		engineOpts = append(engineOpts, syncservice.WithGuard(syncservice.NewRedisGuard(s.redis, cfg.SyncStaleAfter)))
	}
	docs, ops := s.syncStores()
	s.engine = syncservice.NewEngine(syncservice.Config{
		MaxRetries:   cfg.SyncMaxRetries,
		BatchSize:    cfg.SyncBatchSize,
		PollInterval: cfg.SyncPollInterval,
		StaleAfter:   cfg.SyncStaleAfter,
		MaxQueued:    cfg.SyncMaxQueued,
	}, docs, ops, engineOpts...)
	restored, err := s.engine.Restore(ctx)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("restore sync queue: %w", err)
	}
	log.Infof("event=server_start action=restore_sync_queue restored=%d", restored)

	if _, err := subscribeAlerts(s.bus, s.dispatcher, cfg.EscalationRecipient, log.Component("sync_alert")); err != nil {
		s.Close()
		return nil, err
	}
	s.startLoops()

	auth := commonauth.NewService(cfg.JWTSecret, cfg.JWTTTLMinutes)
	sessions := sessionapi.NewHandler(s.registry, s.bus, cfg.SessionSendBuffer, log.Component("session_ws"))
	handler := gatewayapi.NewHandler(s.engine, s.dispatcher, s.bus, s.registry, auth, reg, sessions)

	if cfg.Env != "dev" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.Default()
	handler.RegisterRoutes(r)

	s.HTTPServer = &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s, nil
}

func (s *Server) connect(ctx context.Context) error {
	var err error
	if s.cfg.UsePostgres {
		s.pg, err = db.NewPool(ctx, s.cfg.PostgresDSN, int32(s.cfg.PostgresMaxConns))
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
	}
	if s.cfg.UseRedis {
		s.redis, err = cache.Connect(ctx, cache.Config{Addr: s.cfg.RedisAddr, Password: s.cfg.RedisPassword, DB: s.cfg.RedisDB})
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
	}
	if s.cfg.UseMQ {
		s.mq, err = mq.Dial(ctx, s.cfg.LavinMQURL, connectAttempts, log.Component("mq"))
		if err != nil {
			return fmt.Errorf("connect lavinmq: %w", err)
		}
	}
	return nil
}

func (s *Server) connectArchive(ctx context.Context) (*evservice.MinIOArchiver, error) {
	client, err := object.Connect(ctx, object.Config{
		Endpoint:  s.cfg.MinIOEndpoint,
		AccessKey: s.cfg.MinIOAccessKey,
		SecretKey: s.cfg.MinIOSecretKey,
		UseSSL:    s.cfg.MinIOUseSSL,
		Bucket:    s.cfg.MinIOBucket,
	})
	if err != nil {
		return nil, fmt.Errorf("connect minio: %w", err)
	}
	if err := object.EnsureBucket(ctx, client, s.cfg.MinIOBucket); err != nil {
		return nil, fmt.Errorf("ensure archive bucket: %w", err)
	}
	return evservice.NewMinIOArchiver(client, s.cfg.MinIOBucket, s.cfg.ArchivePrefix), nil
}

// providers registers one provider per channel. In-app always goes through
// the session registry; the rest use the AMQP outbox when listed in
// OutboxChannels and the delivery gateway otherwise.
func (s *Server) providers() ([]notifyservice.Option, error) {
	opts := []notifyservice.Option{notifyservice.WithProvider(notifyservice.NewInAppProvider(s.registry))}
	outbox := map[notifydomain.Channel]bool{}
	for _, ch := range s.cfg.OutboxChannels {
		outbox[notifydomain.Channel(ch)] = true
	}
	var client *gateway.Client
	if len(s.cfg.DeliveryEndpoints) > 0 {
		client = gateway.NewClient(gateway.Options{Timeout: s.cfg.DeliveryTimeout, AuthToken: s.cfg.DeliveryToken}, s.cfg.DeliveryEndpoints...)
	}
	for _, ch := range []notifydomain.Channel{notifydomain.ChannelPush, notifydomain.ChannelSMS, notifydomain.ChannelEmail, notifydomain.ChannelVoice} {
		switch {
		case outbox[ch] && s.mq != nil:
			p, err := notifyservice.NewAMQPOutboxProvider(s.mq, ch)
			if err != nil {
				return nil, fmt.Errorf("declare %s outbox: %w", ch, err)
			}
			s.outboxes = append(s.outboxes, p)
			opts = append(opts, notifyservice.WithProvider(p))
		case client != nil:
			opts = append(opts, notifyservice.WithProvider(notifyservice.NewGatewayProvider(ch, client, "")))
		default:
			log.Warnf("event=server_start action=register_provider status=skipped channel=%s reason=no_transport", ch)
		}
	}
	return opts, nil
}

func (s *Server) notificationStore() notifyservice.Store {
	if s.pg != nil {
		return notifyrepo.NewPostgresStore(s.pg)
	}
	return notifyrepo.NewMemoryStore()
}

func (s *Server) syncStores() (syncservice.DocumentStore, syncservice.OperationStore) {
	if s.pg != nil {
		return syncrepo.NewPostgresDocuments(s.pg), syncrepo.NewPostgresOperations(s.pg)
	}
	return syncrepo.NewMemoryDocuments(nil), syncrepo.NewMemoryOperations()
}

func (s *Server) startLoops() {
	s.supervisor = async.NewSupervisor(context.Background(), log.Component("supervisor"))
	s.supervisor.Go("sync_engine", s.engine.Run)
	s.supervisor.Every("sync_escalation", s.cfg.EscalationInterval, func(ctx context.Context) error {
		_, err := s.engine.EscalateStale(ctx)
		return err
	})
	s.supervisor.Every("notification_schedule", s.cfg.ScheduleSweepInterval, func(ctx context.Context) error {
		s.dispatcher.ResolvePendingSchedule(ctx)
		return nil
	})
	s.supervisor.Every("event_retention", s.cfg.RetentionInterval, func(ctx context.Context) error {
		_, err := s.bus.SweepRetention(ctx)
		return err
	})
	s.supervisor.Every("session_idle", s.cfg.IdleSweepInterval, func(context.Context) error {
		s.registry.SweepIdle(s.cfg.SessionIdleAfter)
		return nil
	})
}

func (s *Server) Shutdown(ctx context.Context) error {
	err := s.HTTPServer.Shutdown(ctx)
	s.Close()
	return err
}

// Close stops background work and releases every connection.
func (s *Server) Close() {
	if s.supervisor != nil {
		s.supervisor.Stop()
	}
	if s.dispatcher != nil {
		s.dispatcher.Wait()
	}
	for _, p := range s.outboxes {
		p.Close()
	}
	if s.forwarder != nil {
		s.forwarder.Close()
	}
	if s.fanout != nil {
		s.fanout.Stop()
	}
	s.closeInfra()
}

func (s *Server) closeInfra() {
	if s.mq != nil {
		s.mq.Close()
	}
	if s.redis != nil {
		_ = s.redis.Close()
	}
	if s.pg != nil {
		s.pg.Close()
	}
}
