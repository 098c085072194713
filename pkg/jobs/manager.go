// Package jobs drives asynchronous video generation requests from submission
// to a terminal status by polling the model API.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/albinc92/grok-bud/internal/metrics"
	"github.com/albinc92/grok-bud/pkg/ai"
	"github.com/albinc92/grok-bud/pkg/domain"
)

const (
	DefaultInterval      = 5 * time.Second
	DefaultMaxAttempts   = 120
	DefaultMaxPollErrors = 3
)

// Generator submits and polls video requests.
type Generator interface {
	StartVideo(ctx context.Context, req ai.VideoRequest) (string, error)
	VideoStatus(ctx context.Context, requestID string) (ai.VideoStatus, error)
}

// JobStore persists job records. SaveJob replaces any job for the same post
// and returns the replaced records.
type JobStore interface {
	SaveJob(ctx context.Context, job domain.VideoJob) ([]domain.VideoJob, error)
	UpdateJob(ctx context.Context, id string, fn func(*domain.VideoJob) error) (domain.VideoJob, error)
	Job(ctx context.Context, id string) (domain.VideoJob, bool, error)
	JobForPost(ctx context.Context, postID string) (domain.VideoJob, bool, error)
	PendingJobs(ctx context.Context) ([]domain.VideoJob, error)
	RemoveJob(ctx context.Context, id string) error
}

// VideoAttacher appends the finished video of a job to the job's post. The
// attach must only happen while the job is still pending; otherwise it fails
// with an error wrapping localstore.ErrJobNotPending.
type VideoAttacher interface {
	AttachJobVideo(ctx context.Context, jobID string, video domain.PostVideo) error
}

// JobMirror copies job records to the remote store. Implementations handle
// their own failures.
type JobMirror interface {
	PushVideoJob(ctx context.Context, job domain.VideoJob)
	DeleteVideoJob(ctx context.Context, jobID string)
}

// Archiver copies a finished video to durable storage and returns its key.
// Remove deletes an archived copy that ended up unused.
type Archiver interface {
	ArchiveVideo(ctx context.Context, postID, videoID, sourceURL string) (string, error)
	Remove(ctx context.Context, key string) error
}

type Config struct {
	Generator Generator
	Store     JobStore
	Attacher  VideoAttacher

	// Optional collaborators.
	Mirror   JobMirror
	Archiver Archiver
	Metrics  *metrics.Metrics
	Logger   *slog.Logger

	Model         string
	Interval      time.Duration
	MaxAttempts   int
	MaxPollErrors int

	Now   func() time.Time
	NewID func() string
}

type counters struct {
	attempts   int
	pollErrors int
}

// Manager owns the lifecycle of video jobs. Construct with New; call Start
// to run the polling loop and Stop to shut it down.
type Manager struct {
	gen      Generator
	store    JobStore
	attacher VideoAttacher
	mirror   JobMirror
	archiver Archiver
	metrics  *metrics.Metrics
	logger   *slog.Logger

	model         string
	interval      time.Duration
	maxAttempts   int
	maxPollErrors int
	now           func() time.Time
	newID         func() string

	mu       sync.Mutex
	counters map[string]*counters
	inFlight map[string]struct{}

	listenerMu   sync.RWMutex
	listeners    []listener
	nextListener uint64

	loopMu sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func New(cfg Config) (*Manager, error) {
	if cfg.Generator == nil || cfg.Store == nil || cfg.Attacher == nil {
		return nil, errors.New("jobs: generator, store and attacher are required")
	}
	m := &Manager{
		gen:           cfg.Generator,
		store:         cfg.Store,
		attacher:      cfg.Attacher,
		mirror:        cfg.Mirror,
		archiver:      cfg.Archiver,
		metrics:       cfg.Metrics,
		logger:        cfg.Logger,
		model:         strings.TrimSpace(cfg.Model),
		interval:      cfg.Interval,
		maxAttempts:   cfg.MaxAttempts,
		maxPollErrors: cfg.MaxPollErrors,
		now:           cfg.Now,
		newID:         cfg.NewID,
		counters:      make(map[string]*counters),
		inFlight:      make(map[string]struct{}),
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	if m.model == "" {
		m.model = domain.DefaultVideoModel
	}
	if m.interval <= 0 {
		m.interval = DefaultInterval
	}
	if m.maxAttempts <= 0 {
		m.maxAttempts = DefaultMaxAttempts
	}
	if m.maxPollErrors <= 0 {
		m.maxPollErrors = DefaultMaxPollErrors
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.newID == nil {
		m.newID = uuid.NewString
	}
	return m, nil
}

// StartJob submits a video request for postID. A submission failure leaves
// no trace. On success the pending job replaces any job for the post, is
// polled once immediately, and its freshest record is returned.
func (m *Manager) StartJob(ctx context.Context, postID, prompt, imageURL string, duration int) (domain.VideoJob, error) {
	postID = strings.TrimSpace(postID)
	if postID == "" {
		return domain.VideoJob{}, errors.New("post id required")
	}
	requestID, err := m.gen.StartVideo(ctx, ai.VideoRequest{
		Prompt:   prompt,
		ImageURL: imageURL,
		Duration: duration,
		Model:    m.model,
	})
	if err != nil {
		m.logger.Warn("video submission failed", "post_id", postID, "err", err)
		return domain.VideoJob{}, fmt.Errorf("start video: %w", err)
	}

	job := domain.VideoJob{
		ID:        requestID,
		PostID:    postID,
		Prompt:    prompt,
		Duration:  duration,
		Status:    domain.JobPending,
		StartedAt: m.now().UTC(),
	}
	superseded, err := m.store.SaveJob(ctx, job)
	if err != nil {
		return domain.VideoJob{}, fmt.Errorf("save video job: %w", err)
	}

	m.mu.Lock()
	for _, old := range superseded {
		delete(m.counters, old.ID)
	}
	m.counters[job.ID] = &counters{}
	m.mu.Unlock()

	for _, old := range superseded {
		m.logger.Info("video job superseded", "job_id", old.ID, "post_id", postID, "status", old.Status)
		if m.mirror != nil {
			m.mirror.DeleteVideoJob(ctx, old.ID)
		}
	}
	if m.mirror != nil {
		m.mirror.PushVideoJob(ctx, job)
	}
	m.metrics.JobStarted()
	m.logger.Info("video job started", "job_id", job.ID, "post_id", postID, "duration", duration)

	m.pollOne(ctx, job.ID)

	if fresh, ok, err := m.store.Job(ctx, job.ID); err == nil && ok {
		return fresh, nil
	}
	return job, nil
}

// Start runs the polling loop until Stop is called or ctx ends. Pending jobs
// left over from a previous run are polled right away.
func (m *Manager) Start(ctx context.Context) {
	m.loopMu.Lock()
	defer m.loopMu.Unlock()
	if m.cancel != nil {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	m.cancel, m.done = cancel, done

	go func() {
		defer close(done)
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		m.tickAndLog(loopCtx)
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				m.tickAndLog(loopCtx)
			}
		}
	}()
}

// Stop cancels the polling loop and waits for in-flight polls to return.
func (m *Manager) Stop() {
	m.loopMu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.loopMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (m *Manager) tickAndLog(ctx context.Context) {
	if err := m.Tick(ctx); err != nil && ctx.Err() == nil {
		m.logger.Error("video poll tick failed", "err", err)
	}
}

// Tick polls every pending job concurrently and returns once all polls
// have finished. With no pending jobs it does nothing.
func (m *Manager) Tick(ctx context.Context) error {
	pending, err := m.store.PendingJobs(ctx)
	if err != nil {
		return fmt.Errorf("load pending jobs: %w", err)
	}
	var g errgroup.Group
	for _, job := range pending {
		id := job.ID
		g.Go(func() error {
			m.pollOne(ctx, id)
			return nil
		})
	}
	return g.Wait()
}

// JobForPost returns the retained job for postID, if any.
func (m *Manager) JobForPost(ctx context.Context, postID string) (domain.VideoJob, bool, error) {
	return m.store.JobForPost(ctx, postID)
}

// DismissJob removes the retained job of postID, pending or not. A pending
// job stops being polled and a later result from the provider is ignored.
func (m *Manager) DismissJob(ctx context.Context, postID string) (domain.VideoJob, bool, error) {
	job, ok, err := m.store.JobForPost(ctx, postID)
	if err != nil || !ok {
		return domain.VideoJob{}, false, err
	}
	if err := m.store.RemoveJob(ctx, job.ID); err != nil {
		return domain.VideoJob{}, false, fmt.Errorf("remove video job: %w", err)
	}
	m.forget(job.ID)
	if m.mirror != nil {
		m.mirror.DeleteVideoJob(ctx, job.ID)
	}
	m.logger.Info("video job dismissed", "job_id", job.ID, "post_id", postID, "status", job.Status)
	return job, true, nil
}

// HasPendingJobs reports whether any job is still pending.
func (m *Manager) HasPendingJobs(ctx context.Context) (bool, error) {
	pending, err := m.store.PendingJobs(ctx)
	if err != nil {
		return false, err
	}
	return len(pending) > 0, nil
}
