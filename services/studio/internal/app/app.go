package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/albinc92/grok-bud/internal/metrics"
	"github.com/albinc92/grok-bud/internal/session"
	"github.com/albinc92/grok-bud/internal/util"
	"github.com/albinc92/grok-bud/pkg/ai"
	"github.com/albinc92/grok-bud/pkg/cloudsync"
	"github.com/albinc92/grok-bud/pkg/domain"
	"github.com/albinc92/grok-bud/pkg/events"
	"github.com/albinc92/grok-bud/pkg/jobs"
	"github.com/albinc92/grok-bud/pkg/localstore"
	"github.com/albinc92/grok-bud/pkg/storage"
	"github.com/albinc92/grok-bud/pkg/store"
	"github.com/albinc92/grok-bud/pkg/usage"
)

// Config holds runtime configuration for the studio core. Injected
// collaborators win over the connection settings next to them.
type Config struct {
	KV            localstore.KV
	LocalBackend  string
	LocalPath     string
	RedisAddr     string
	RedisPassword string

	// Remote and DatabaseURL both empty means local-only operation.
	Remote      store.Store
	DatabaseURL string
	SyncTimeout time.Duration

	AI         *ai.Client
	XAIBaseURL string
	XAIAPIKey  string

	// TokenVerifier nil disables remote sign-in.
	TokenVerifier session.TokenVerifier

	Objects       storage.ObjectStore
	Minio         storage.MinioConfig
	PresignExpiry time.Duration

	Publisher    events.Publisher
	AMQPURL      string
	AMQPExchange string

	VideoModel    string
	PollInterval  time.Duration
	MaxAttempts   int
	MaxPollErrors int

	Metrics *metrics.Metrics
	Logger  *slog.Logger
	Now     func() time.Time
}

// App is the studio core: it owns the stores, the model API client, the
// video job manager and the sync engine, and exposes the operations the UI
// calls.
type App struct {
	local    *localstore.Store
	ai       *ai.Client
	sessions *session.Manager
	sync     *cloudsync.Engine
	jobs     *jobs.Manager
	archiver *storage.Archiver
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time

	defaultAPIKey string
	videoModel    string
	closers       []io.Closer
}

// New wires every component. Anything opened before a failure is closed.
func New(ctx context.Context, cfg Config) (_ *App, err error) {
	a := &App{
		metrics:       cfg.Metrics,
		logger:        cfg.Logger,
		now:           cfg.Now,
		defaultAPIKey: strings.TrimSpace(cfg.XAIAPIKey),
		videoModel:    strings.TrimSpace(cfg.VideoModel),
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}
	if a.now == nil {
		a.now = time.Now
	}
	if a.videoModel == "" {
		a.videoModel = domain.DefaultVideoModel
	}
	defer func() {
		if err != nil {
			_ = a.closeAll()
		}
	}()

	kv := cfg.KV
	if kv == nil {
		if kv, err = a.openLocalKV(cfg); err != nil {
			return nil, err
		}
	}
	a.local = localstore.New(kv)
	settings, err := a.local.Settings(ctx)
	if err != nil {
		return nil, fmt.Errorf("load local state: %w", err)
	}

	a.ai = cfg.AI
	if a.ai == nil {
		a.ai = ai.NewClient(cfg.XAIBaseURL, a.defaultAPIKey)
	}
	if settings.APIKey != "" {
		a.ai.SetAPIKey(settings.APIKey)
	}

	remote := cfg.Remote
	if remote == nil && cfg.DatabaseURL != "" {
		gs, err := store.NewGormStore(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("init postgres store: %w", err)
		}
		a.closers = append(a.closers, gs)
		remote = gs
	}

	a.sessions = session.NewManager(cfg.TokenVerifier)
	a.sync, err = cloudsync.New(cloudsync.Config{
		Local:    a.local,
		Remote:   remote,
		Sessions: a.sessions,
		Metrics:  a.metrics,
		Logger:   a.logger.With("component", "cloudsync"),
		Timeout:  cfg.SyncTimeout,
		Now:      a.now,
	})
	if err != nil {
		return nil, err
	}

	objects := cfg.Objects
	if objects == nil && cfg.Minio.Endpoint != "" {
		ms, err := storage.NewMinioStore(ctx, cfg.Minio)
		if err != nil {
			return nil, fmt.Errorf("init object storage: %w", err)
		}
		objects = ms
	}
	jobsCfg := jobs.Config{
		Generator:     a.ai,
		Store:         a.local,
		Attacher:      a.sync,
		Mirror:        a.sync,
		Metrics:       a.metrics,
		Logger:        a.logger.With("component", "jobs"),
		Model:         a.videoModel,
		Interval:      cfg.PollInterval,
		MaxAttempts:   cfg.MaxAttempts,
		MaxPollErrors: cfg.MaxPollErrors,
		Now:           a.now,
		NewID:         util.NewID,
	}
	if objects != nil {
		a.archiver = storage.NewArchiver(objects,
			storage.WithPresignExpiry(cfg.PresignExpiry),
			storage.WithLogger(a.logger.With("component", "archiver")),
		)
		jobsCfg.Archiver = a.archiver
	}
	if a.jobs, err = jobs.New(jobsCfg); err != nil {
		return nil, err
	}
	a.jobs.OnUpdate(a.recordVideoUsage)

	pub := cfg.Publisher
	if pub == nil && cfg.AMQPURL != "" {
		ap, err := events.NewAMQPPublisher(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			return nil, fmt.Errorf("init amqp publisher: %w", err)
		}
		pub = ap
	}
	if pub != nil {
		a.closers = append(a.closers, pub)
		a.jobs.OnUpdate(events.JobListener(pub, 5*time.Second, a.logger.With("component", "events")))
	}
	return a, nil
}

func (a *App) openLocalKV(cfg Config) (localstore.KV, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.LocalBackend)) {
	case "", "sqlite":
		kv, err := localstore.OpenSQLiteKV(cfg.LocalPath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite local store: %w", err)
		}
		a.closers = append(a.closers, kv)
		return kv, nil
	case "redis":
		if cfg.RedisAddr == "" {
			return nil, errors.New("redis local store requires redis addr")
		}
		kv := localstore.NewRedisKV(cfg.RedisAddr, cfg.RedisPassword, "")
		a.closers = append(a.closers, kv)
		return kv, nil
	case "memory":
		return localstore.NewMemoryKV(), nil
	default:
		return nil, fmt.Errorf("unknown local store backend %q", cfg.LocalBackend)
	}
}

// Start launches the video polling loop. Jobs left pending by a previous run
// resume immediately.
func (a *App) Start(ctx context.Context) {
	a.jobs.Start(ctx)
}

// Close stops polling and releases every connection.
func (a *App) Close() error {
	a.jobs.Stop()
	return a.closeAll()
}

func (a *App) closeAll() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// OnJobUpdate registers fn for terminal job transitions and returns its
// unsubscribe function.
func (a *App) OnJobUpdate(fn func(domain.VideoJob)) func() {
	return a.jobs.OnUpdate(fn)
}

func (a *App) recordVideoUsage(job domain.VideoJob) {
	if job.Status != domain.JobDone {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	a.recordUsage(ctx, usage.VideoRecord(a.videoModel, job.Duration, a.now()))
}

// recordUsage persists rec and mirrors the totals. Accounting failures never
// fail the call that produced them.
func (a *App) recordUsage(ctx context.Context, rec domain.UsageRecord) {
	if _, err := a.local.RecordUsage(ctx, rec); err != nil {
		a.logger.Error("record usage failed", "endpoint", rec.Endpoint, "model", rec.Model, "err", err)
		return
	}
	a.sync.PushUsage(ctx)
}
