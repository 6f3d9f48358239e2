// Package app wires configuration into a running scheduling engine. Both the
// api-server and the completion-worker start from here.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/hackgods/clinic-scheduling/internal/appointment"
	"github.com/hackgods/clinic-scheduling/internal/cache"
	"github.com/hackgods/clinic-scheduling/internal/config"
	"github.com/hackgods/clinic-scheduling/internal/db"
	"github.com/hackgods/clinic-scheduling/internal/notify"
	"github.com/hackgods/clinic-scheduling/internal/observability/metrics"
	redisclient "github.com/hackgods/clinic-scheduling/internal/redis"
	"github.com/hackgods/clinic-scheduling/internal/slots"
)

type App struct {
	Service  *appointment.Service
	Pool     *pgxpool.Pool
	Redis    *redis.Client // nil when no backend uses redis
	Notifier *notify.Service
	logger   *zap.Logger
}

// New connects postgres (and redis when a backend needs it), applies the
// schema and builds the engine with its collaborators.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, reg prometheus.Registerer) (*App, error) {
	pgCtx, cancelPg := context.WithTimeout(ctx, 10*time.Second)
	pool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN)
	cancelPg()
	if err != nil {
		return nil, fmt.Errorf("postgres connection error: %w", err)
	}
	logger.Info("connected to Postgres")

	if err := db.EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	var rdb *redis.Client
	if cfg.NeedsRedis() {
		rdb, err = redisclient.NewRedisClient(cfg.RedisAddr, cfg.RedisUsername, cfg.RedisPassword)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("redis connection error: %w", err)
		}
		logger.Info("connected to Redis", zap.String("addr", cfg.RedisAddr))
	}

	var client redis.Cmdable
	if rdb != nil {
		client = rdb
	}

	locker, err := NewLocker(cfg, client)
	if err != nil {
		closeAll(pool, rdb)
		return nil, err
	}
	doctorCache, branchCache, err := NewCaches(cfg, client)
	if err != nil {
		closeAll(pool, rdb)
		return nil, err
	}

	notifier := notify.NewService(logger.Named("notify"), 10*time.Second,
		notify.NewEmailChannel(newEmailSender(cfg, logger), notify.NewPgContacts(pool), cfg.Location),
		notify.NewEventLog(pool),
	)

	svc := appointment.NewService(appointment.Dependencies{
		Repo:        appointment.NewPgRepository(pool),
		Locker:      locker,
		DoctorCache: doctorCache,
		BranchCache: branchCache,
		Directory:   appointment.NewPgDirectory(pool),
		Notifier:    notifier,
		Logger:      logger.Named("scheduling"),
		Metrics:     metrics.NewScheduling(reg),
	}, cfg)

	logger.Info("scheduling engine ready",
		zap.String("cache_backend", cfg.CacheBackend),
		zap.String("lock_backend", cfg.LockBackend),
		zap.Duration("appointment_duration", cfg.AppointmentDuration),
		zap.String("business_hours", cfg.BusinessHours.Start.String()+"-"+cfg.BusinessHours.End.String()),
	)

	return &App{
		Service:  svc,
		Pool:     pool,
		Redis:    rdb,
		Notifier: notifier,
		logger:   logger,
	}, nil
}

// Close drains pending notifications, then releases connections.
func (a *App) Close(ctx context.Context) {
	if err := a.Notifier.Close(ctx); err != nil {
		a.logger.Warn("pending notifications dropped", zap.Error(err))
	}
	closeAll(a.Pool, a.Redis)
}

func closeAll(pool *pgxpool.Pool, rdb *redis.Client) {
	if rdb != nil {
		_ = rdb.Close()
	}
	pool.Close()
}

var errRedisRequired = errors.New("redis client required")

// NewLocker picks the doctor-day lock implementation. The local locker only
// serializes within one process; the store still rejects overlaps across
// processes.
func NewLocker(cfg config.Config, client redis.Cmdable) (redisclient.Locker, error) {
	switch cfg.LockBackend {
	case config.LockBackendLocal:
		return redisclient.NewLocalLocker(cfg.LockWait), nil
	case config.LockBackendRedis:
		if client == nil {
			return nil, fmt.Errorf("lock backend %q: %w", cfg.LockBackend, errRedisRequired)
		}
		return redisclient.NewRedisLocker(client, cfg.LockTTL, cfg.LockWait), nil
	default:
		return nil, fmt.Errorf("unknown lock backend %q", cfg.LockBackend)
	}
}

func NewCaches(cfg config.Config, client redis.Cmdable) (cache.Cache[[]slots.TimeOfDay], cache.Cache[[]appointment.DoctorAvailability], error) {
	switch cfg.CacheBackend {
	case config.CacheBackendNone:
		return cache.Disabled[[]slots.TimeOfDay]{}, cache.Disabled[[]appointment.DoctorAvailability]{}, nil
	case config.CacheBackendMemory:
		return cache.NewMemory[[]slots.TimeOfDay](), cache.NewMemory[[]appointment.DoctorAvailability](), nil
	case config.CacheBackendRedis:
		if client == nil {
			return nil, nil, fmt.Errorf("cache backend %q: %w", cfg.CacheBackend, errRedisRequired)
		}
		return cache.NewRedis[[]slots.TimeOfDay](client), cache.NewRedis[[]appointment.DoctorAvailability](client), nil
	default:
		return nil, nil, fmt.Errorf("unknown cache backend %q", cfg.CacheBackend)
	}
}

func newEmailSender(cfg config.Config, logger *zap.Logger) notify.EmailSender {
	sg := notify.NewSendGridSender(notify.SendGridConfig{
		APIKey:    cfg.SendGridAPIKey,
		FromEmail: cfg.EmailFrom,
		FromName:  cfg.EmailFromName,
	}, logger)
	if sg == nil {
		logger.Warn("SENDGRID_API_KEY not set, emails will only be logged")
		return notify.NewStubEmailSender(logger)
	}
	return sg
}
