package jobs

import (
	"context"
	"errors"
	"fmt"

	"github.com/albinc92/grok-bud/pkg/ai"
	"github.com/albinc92/grok-bud/pkg/domain"
	"github.com/albinc92/grok-bud/pkg/localstore"
)

var errAlreadyTerminal = errors.New("video job already terminal")

// pollOne performs one status poll. A job already being polled is skipped.
func (m *Manager) pollOne(ctx context.Context, id string) {
	if !m.acquire(id) {
		m.logger.Debug("video poll skipped, already in flight", "job_id", id)
		return
	}
	defer m.release(id)

	job, ok, err := m.store.Job(ctx, id)
	if err != nil {
		m.logger.Error("load video job failed", "job_id", id, "err", err)
		return
	}
	if !ok || job.Status.Terminal() {
		m.forget(id)
		return
	}

	status, err := m.gen.VideoStatus(ctx, id)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		m.metrics.JobPolled("error")
		n := m.bump(id, func(c *counters) int {
			c.pollErrors++
			return c.pollErrors
		})
		m.logger.Warn("video status poll failed", "job_id", id, "consecutive_errors", n, "err", err)
		if n >= m.maxPollErrors {
			m.fail(ctx, id, err.Error())
		}
		return
	}
	m.bump(id, func(c *counters) int {
		c.pollErrors = 0
		return 0
	})

	switch status.State {
	case ai.VideoDone:
		m.metrics.JobPolled("done")
		if status.URL == "" {
			m.fail(ctx, id, "video completed without a url")
			return
		}
		m.complete(ctx, job, status)
	case ai.VideoFailed:
		m.metrics.JobPolled("failed")
		msg := status.Message
		if msg == "" {
			msg = "video generation failed"
		}
		m.fail(ctx, id, msg)
	default:
		m.metrics.JobPolled("pending")
		n := m.bump(id, func(c *counters) int {
			c.attempts++
			return c.attempts
		})
		if n >= m.maxAttempts {
			m.fail(ctx, id, fmt.Sprintf("video generation timed out after %d status checks", n))
		}
	}
}

func (m *Manager) complete(ctx context.Context, job domain.VideoJob, status ai.VideoStatus) {
	// The post may have been deleted or the job superseded mid-poll.
	if _, ok, err := m.store.Job(ctx, job.ID); err != nil || !ok {
		m.forget(job.ID)
		m.logger.Info("video job dropped before completion", "job_id", job.ID, "post_id", job.PostID)
		return
	}

	now := m.now().UTC()
	duration := status.Duration
	if duration <= 0 {
		duration = job.Duration
	}
	video := domain.PostVideo{
		ID:        m.newID(),
		URL:       status.URL,
		Prompt:    job.Prompt,
		Duration:  duration,
		CreatedAt: now,
	}
	if m.archiver != nil {
		key, err := m.archiver.ArchiveVideo(ctx, job.PostID, video.ID, status.URL)
		if err != nil {
			m.logger.Warn("video archive failed", "job_id", job.ID, "post_id", job.PostID, "err", err)
		} else {
			video.ArchiveKey = key
		}
	}
	// Superseded or deleted while archiving: drop without attaching.
	if err := m.attacher.AttachJobVideo(ctx, job.ID, video); err != nil {
		m.removeArchive(ctx, job, video.ArchiveKey)
		if errors.Is(err, localstore.ErrJobNotPending) {
			m.forget(job.ID)
			m.logger.Info("video job dropped before completion", "job_id", job.ID, "post_id", job.PostID)
			return
		}
		m.logger.Warn("attach video failed", "job_id", job.ID, "post_id", job.PostID, "err", err)
	}

	m.finish(ctx, job.ID, func(j *domain.VideoJob) {
		j.Status = domain.JobDone
		j.VideoURL = status.URL
		j.ErrorMessage = ""
		j.CompletedAt = &now
	})
}

func (m *Manager) removeArchive(ctx context.Context, job domain.VideoJob, key string) {
	if key == "" || m.archiver == nil {
		return
	}
	if err := m.archiver.Remove(context.WithoutCancel(ctx), key); err != nil {
		m.logger.Warn("remove unused video archive failed", "job_id", job.ID, "key", key, "err", err)
	}
}

func (m *Manager) fail(ctx context.Context, id, message string) {
	now := m.now().UTC()
	m.finish(ctx, id, func(j *domain.VideoJob) {
		j.Status = domain.JobError
		j.ErrorMessage = message
		j.CompletedAt = &now
	})
}

// finish applies a terminal transition, then mirrors and announces it.
func (m *Manager) finish(ctx context.Context, id string, mutate func(*domain.VideoJob)) {
	updated, err := m.store.UpdateJob(ctx, id, func(j *domain.VideoJob) error {
		if j.Status.Terminal() {
			return errAlreadyTerminal
		}
		mutate(j)
		return nil
	})
	m.forget(id)
	if err != nil {
		m.logger.Info("video job not finalized", "job_id", id, "err", err)
		return
	}
	m.metrics.JobFinished(string(updated.Status))
	if updated.Status == domain.JobError {
		m.logger.Warn("video job failed", "job_id", id, "post_id", updated.PostID, "error", updated.ErrorMessage)
	} else {
		m.logger.Info("video job done", "job_id", id, "post_id", updated.PostID)
	}
	if m.mirror != nil {
		m.mirror.PushVideoJob(ctx, updated)
	}
	m.notify(updated)
}

func (m *Manager) acquire(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, busy := m.inFlight[id]; busy {
		return false
	}
	m.inFlight[id] = struct{}{}
	return true
}

func (m *Manager) release(id string) {
	m.mu.Lock()
	delete(m.inFlight, id)
	m.mu.Unlock()
}

// bump applies fn to the counters of id, creating them if needed.
func (m *Manager) bump(id string, fn func(*counters) int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.counters[id]
	if !ok {
		c = &counters{}
		m.counters[id] = c
	}
	return fn(c)
}

func (m *Manager) forget(id string) {
	m.mu.Lock()
	delete(m.counters, id)
	m.mu.Unlock()
}
