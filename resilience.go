// Package resilience is the embedding surface of the RabbitMQ resilience
// layer. An application declares its event types and process lists, hands
// them to New and gets back a service that owns the broker connection, the
// retry and dead-letter escalation, the inbox/outbox idempotency ledgers and
// the admin HTTP surface.
//
// Typical use:
//
//	cfg := config.MustLoad()
//	svc, err := resilience.New(cfg, []dispatch.EventConfig{
//		{EventType: "user.registered", Processes: []dispatch.Process{
//			{Name: "send-welcome-email", Handle: sendWelcomeEmail},
//			{Name: "provision-account", Handle: provisionAccount},
//		}},
//	})
//	if err != nil { ... }
//	svc.Start(ctx)
//	defer svc.Close()
//
//	r := gin.New()
//	svc.RegisterAdminRoutes(r)
package resilience

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/eventres/go-rabbitmq-resilience/internal/config"
	"github.com/eventres/go-rabbitmq-resilience/internal/dispatch"
	"github.com/eventres/go-rabbitmq-resilience/internal/engine"
	httpapi "github.com/eventres/go-rabbitmq-resilience/internal/http"
	"github.com/eventres/go-rabbitmq-resilience/internal/notify"
	"github.com/eventres/go-rabbitmq-resilience/internal/observability"
	"github.com/eventres/go-rabbitmq-resilience/internal/rabbit"
	"github.com/eventres/go-rabbitmq-resilience/internal/repo"
	"github.com/eventres/go-rabbitmq-resilience/internal/rotation"
	"github.com/eventres/go-rabbitmq-resilience/internal/services"
	"github.com/eventres/go-rabbitmq-resilience/internal/sysutil"
)

// Version identifies the library build in traces.
const Version = "1.0.0"

// Service bundles the running resilience layer.
type Service struct {
	cfg      config.Config
	db       *gorm.DB
	ledger   *services.LedgerService
	conn     *rabbit.Connector
	table    *dispatch.Table
	engine   *engine.Engine
	hub      *notify.Hub
	notifier notify.Notifier

	rotator      *rotation.Rotator
	otelShutdown func(context.Context) error
	cancelJobs   context.CancelFunc
}

// New validates the configuration, opens the ledger database, builds the
// dispatch table and wires the escalation engine to the broker connector.
// The broker is not touched yet; Start does that.
func New(cfg config.Config, eventConfigs []dispatch.EventConfig) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	sysutil.SetupLogger(cfg.LogLevel, cfg.LogPretty)

	table, err := dispatch.NewTable(eventConfigs)
	if err != nil {
		return nil, err
	}

	db, err := repo.OpenSQLite(cfg.DBPath)
	if err != nil {
		return nil, errors.Wrap(err, "open ledger database")
	}
	if err := repo.AutoMigrate(db); err != nil {
		return nil, errors.Wrap(err, "migrate ledger schema")
	}

	ledger := &services.LedgerService{DB: db}
	conn := rabbit.NewConnector(cfg.Broker, ledger, log.With().Str("component", "rabbit").Logger())

	hub := notify.NewHub()
	notifier := notify.Multi(
		notify.NewLogNotifier(log.With().Str("component", "status").Logger()),
		notify.NewPrometheusNotifier(),
		hub,
	)

	var alerter notify.Alerter
	if sa := notify.NewSlackAlerter(cfg.Alert.SlackWebhookURL, cfg.Alert.Channel); sa != nil {
		alerter = sa
	}

	eng := engine.NewEngine(
		cfg.Resilience,
		ledger,
		conn,
		notifier,
		alerter,
		cfg.Broker.DeadLetterQueue,
		log.With().Str("component", "engine").Logger(),
	)

	svc := &Service{
		cfg:      cfg,
		db:       db,
		ledger:   ledger,
		conn:     conn,
		table:    table,
		engine:   eng,
		hub:      hub,
		notifier: notifier,
		rotator:  rotation.NewRotator(db, cfg.Rotation, log.With().Str("component", "rotation").Logger()),
	}

	conn.SetDispatch(svc.dispatchDelivery)
	conn.SetProcessResolver(func(eventType, processName string) (func(context.Context, *rabbit.Envelope) error, bool) {
		p, ok := table.FindProcess(eventType, processName)
		if !ok {
			return nil, false
		}
		return p.Handle, true
	})

	return svc, nil
}

// dispatchDelivery routes one accepted message into the engine. Messages of
// a type nobody registered are discarded; the broker already acknowledged on
// our behalf by the time this returns.
func (s *Service) dispatchDelivery(ctx context.Context, ev *rabbit.Envelope) {
	procs, found := s.table.Resolve(ev.Properties.Type)
	if !found {
		log.Warn().
			Str("event_uuid", ev.Properties.MessageID).
			Str("event_type", ev.Properties.Type).
			Msg("no processes registered for event type, discarding")
		s.notifier.Notify(notify.StatusEvent{
			EventUUID: ev.Properties.MessageID,
			EventType: ev.Properties.Type,
			Status:    notify.StatusDiscarded,
			At:        time.Now().UTC(),
		})
		return
	}
	if err := s.engine.Execute(ctx, ev, procs); err != nil {
		log.Error().Err(err).
			Str("event_uuid", ev.Properties.MessageID).
			Msg("escalation publish failed")
	}
}

// Start connects to the broker, declares the topology, starts consuming and
// launches the background jobs (tracing, ledger rotation). Broker
// unavailability is not an error here: the connector keeps reconnecting and
// consumption begins as soon as it succeeds.
func (s *Service) Start(ctx context.Context) error {
	shutdown, err := observability.SetupOTel(ctx, s.cfg.OTEL, Version)
	if err != nil {
		return errors.Wrap(err, "setup tracing")
	}
	s.otelShutdown = shutdown

	jobCtx, cancel := context.WithCancel(context.Background())
	s.cancelJobs = cancel
	if s.cfg.Rotation.Retention > 0 {
		s.rotator.Start(jobCtx, 24*time.Hour)
	}

	s.conn.Connect()
	if s.conn.IsConnected() {
		if err := s.conn.DeclareTopology(); err != nil {
			return errors.Wrap(err, "declare topology")
		}
		if err := s.conn.Consume(); err != nil {
			return errors.Wrap(err, "start consumer")
		}
	}
	return nil
}

// RegisterAdminRoutes mounts the admin API, health and metrics endpoints on
// the given Gin engine.
func (s *Service) RegisterAdminRoutes(r *gin.Engine) {
	httpapi.RegisterRoutes(r, s.ledger, s.conn, s.hub, s.cfg)
}

// PublishEvent publishes to the main exchange with confirmation and outbox
// bookkeeping.
func (s *Service) PublishEvent(ctx context.Context, ev *rabbit.Envelope) error {
	return s.conn.PublishEvent(ctx, ev)
}

// PublishToExchange publishes fire-and-forget to an arbitrary exchange.
func (s *Service) PublishToExchange(ctx context.Context, ev *rabbit.Envelope, exchange, routingKey string) error {
	return s.conn.PublishToExchange(ctx, ev, exchange, routingKey)
}

// PublishToQueueWithConfirmation publishes to a queue through the default
// exchange, confirmed and outbox-recorded.
func (s *Service) PublishToQueueWithConfirmation(ctx context.Context, ev *rabbit.Envelope, queue string) error {
	return s.conn.PublishToQueueWithConfirmation(ctx, ev, queue)
}

// RepublishOutboxEvent re-publishes a stored outbox event.
func (s *Service) RepublishOutboxEvent(ctx context.Context, uuid string) error {
	return s.conn.RepublishOutboxEvent(ctx, uuid)
}

// ReprocessInboxEvent re-runs one process of a stored inbox event.
func (s *Service) ReprocessInboxEvent(ctx context.Context, uuid, processName string) error {
	return s.conn.ReprocessInboxEvent(ctx, uuid, processName)
}

// Status returns the live operational snapshot.
func (s *Service) Status() rabbit.Status {
	return s.conn.Snapshot()
}

// IsConnected reports broker connection state.
func (s *Service) IsConnected() bool { return s.conn.IsConnected() }

// IsConsuming reports consumer state.
func (s *Service) IsConsuming() bool { return s.conn.IsConsuming() }

// RotateLedgers runs one archival pass immediately.
func (s *Service) RotateLedgers(ctx context.Context) (rotation.Result, error) {
	return s.rotator.RotateOnce(ctx)
}

// Close stops background jobs, shuts tracing down and closes the broker
// connection. The database handle stays open for late ledger reads until the
// process exits.
func (s *Service) Close(ctx context.Context) error {
	if s.cancelJobs != nil {
		s.cancelJobs()
	}
	if s.otelShutdown != nil {
		if err := s.otelShutdown(ctx); err != nil {
			log.Warn().Err(err).Msg("tracing shutdown failed")
		}
	}
	return s.conn.Close()
}
