package main

import (
	"context"
	"fmt"
	"os"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/visionpath/screening/internal/config"
	"github.com/visionpath/screening/internal/domain/decision"
	"github.com/visionpath/screening/internal/domain/followup"
	"github.com/visionpath/screening/internal/domain/registration"
	"github.com/visionpath/screening/internal/domain/screening"
	"github.com/visionpath/screening/internal/platform/breaker"
	"github.com/visionpath/screening/internal/platform/db"
	"github.com/visionpath/screening/internal/platform/dispatch"
	"github.com/visionpath/screening/internal/platform/eventstream"
	"github.com/visionpath/screening/internal/platform/insight"
	"github.com/visionpath/screening/internal/platform/leader"
	"github.com/visionpath/screening/internal/platform/notification"
	"github.com/visionpath/screening/internal/platform/store"
	"github.com/visionpath/screening/internal/platform/telemetry"
	"github.com/visionpath/screening/internal/platform/websocket"
)

// app holds the long-lived components shared by the server and the
// one-shot commands.
type app struct {
	cfg         *config.Config
	logger      zerolog.Logger
	instance    string
	pool        *pgxpool.Pool
	redis       *redis.Client
	kafka       *eventstream.Handler
	store       store.Store
	metrics     *telemetry.Metrics
	hub         *websocket.Hub
	dispatcher  *dispatch.Dispatcher
	coordinator *screening.Coordinator
}

func newLogger(cfg *config.Config) zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return logger.Level(cfg.Level())
}

func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	a := &app{
		cfg:      cfg,
		logger:   logger,
		instance: instanceID(),
		metrics:  telemetry.NewMetrics("screening"),
		hub:      websocket.NewHub(logger),
	}

	switch cfg.StoreBackend {
	case "memory":
		logger.Warn().Msg("using the in-memory store: records are lost on restart")
		a.store = store.NewMemory()
	default:
		pool, err := db.NewPool(ctx, poolConfig(cfg))
		if err != nil {
			return nil, err
		}
		a.pool = pool
		a.store = store.NewPostgres(pool)
		logger.Info().Msg("connected to database")
	}

	if cfg.RedisURL != "" {
		client, err := leader.NewRedisClient(cfg.RedisURL)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.redis = client
	}
	if len(cfg.KafkaBrokers) > 0 {
		a.kafka = eventstream.NewHandler(eventstream.NewWriter(eventstream.Config{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.KafkaTopic,
		}))
	}

	a.dispatcher = dispatch.NewDispatcher(logger, a.eventHandlers(),
		dispatch.WithWorkers(cfg.DispatchWorkers),
		dispatch.WithQueueSize(cfg.DispatchQueueSize),
		dispatch.WithMaxAttempts(cfg.DispatchMaxAttempts),
		dispatch.WithBackoff(cfg.DispatchBackoffBase, cfg.DispatchBackoffMax),
		dispatch.WithHandlerTimeout(cfg.DispatchHandlerTimeout),
		dispatch.WithDeadLetters(dispatch.StoreSink{Store: a.store}),
		dispatch.WithMetrics(a.metrics),
	)

	coordinator, err := screening.NewCoordinator(a.store, a.dispatcher, coordinatorOptions(cfg), logger,
		screening.WithMetrics(a.metrics))
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("clinical configuration: %w", err)
	}
	a.coordinator = coordinator
	return a, nil
}

// eventHandlers lists the side effects fed by the dispatcher. Optional
// integrations are left out when they are not configured.
func (a *app) eventHandlers() []dispatch.Handler {
	cfg := a.cfg
	brk := breakerConfig(cfg)

	channels := []notification.Channel{notification.LogChannel{Logger: a.logger}}
	if cfg.LINEAccessToken != "" {
		channels = append(channels, notification.NewLINEChannel(cfg.LINEAPIURL, cfg.LINEAccessToken, cfg.NotifyTimeout))
	}
	if cfg.SMTPAddr != "" {
		channels = append(channels, notification.EmailChannel{Sender: notification.SMTPSender{
			Addr:     cfg.SMTPAddr,
			From:     cfg.SMTPFrom,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
		}})
	}
	notifier := notification.NewService(notification.NewTemplateEngine(), brk, a.logger, channels...)

	handlers := []dispatch.Handler{
		notification.NewEventHandler(notifier, a.logger),
		websocket.NewEventHandler(a.hub),
	}
	if cfg.InsightURL != "" {
		gen := insight.NewHTTPGenerator(cfg.InsightURL, cfg.InsightPath, cfg.InsightAPIKey, cfg.InsightTimeout)
		handlers = append(handlers, insight.NewEventHandler(gen, a.store, cfg.InsightRoles, brk, a.logger))
	}
	if a.kafka != nil {
		handlers = append(handlers, a.kafka)
	}
	return handlers
}

func coordinatorOptions(cfg *config.Config) screening.Options {
	return screening.Options{
		Thresholds: decision.Thresholds{
			AcuityReferral: cfg.AcuityReferral,
			CorrectionFrom: cfg.CorrectionFrom,
			ModerateFrom:   cfg.ModerateFrom,
			SevereFrom:     cfg.SevereFrom,
		},
		Offsets: followup.Offsets{
			PostFittingMonths: cfg.PostFittingMonths,
			PostNormalMonths:  cfg.PostNormalMonths,
		},
		Registration: registration.Policy{MaxCalibrationAge: cfg.MaxCalibrationAge},
		StaleAfter:   cfg.StaleAfter,
	}
}

func poolConfig(cfg *config.Config) db.PoolConfig {
	return db.PoolConfig{
		URL:             cfg.DatabaseURL,
		MaxConns:        cfg.DBMaxConns,
		MinConns:        cfg.DBMinConns,
		AppName:         "screening-server",
		ConnectAttempts: 5,
	}
}

func breakerConfig(cfg *config.Config) breaker.Config {
	return breaker.Config{
		ConsecutiveFailures: cfg.BreakerFailures,
		Cooldown:            cfg.BreakerCooldown,
	}
}

func leaderKey(cfg *config.Config, worker string) string {
	return cfg.LeaderKey + ":" + worker
}

// elector returns a Redis lease when Redis is configured. A single
// instance without Redis always leads.
func (a *app) elector(key string) leader.Elector {
	if a.redis == nil {
		return leader.Local{}
	}
	return leader.NewRedis(a.redis, key, a.instance, a.cfg.LeaderTTL)
}

func (a *app) sweeper(key string) *followup.Sweeper {
	return followup.NewSweeper(a.store, a.dispatcher, a.logger,
		followup.WithElector(a.elector(key)),
		followup.WithMetrics(a.metrics),
		followup.WithInterval(a.cfg.SweepInterval),
		followup.WithBatchSize(a.cfg.SweepBatchSize),
	)
}

func (a *app) Close() {
	if a.kafka != nil {
		if err := a.kafka.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("close kafka writer")
		}
	}
	if a.redis != nil {
		a.redis.Close()
	}
	if a.pool != nil {
		a.pool.Close()
	}
}

func instanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "screening"
	}
	return host + "-" + uuid.NewString()[:8]
}
