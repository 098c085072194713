// Package cloudsync keeps the local store and the remote store eventually
// consistent. Local writes always decide the outcome; remote mirroring is
// best-effort.
package cloudsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/albinc92/grok-bud/internal/metrics"
	"github.com/albinc92/grok-bud/pkg/domain"
	"github.com/albinc92/grok-bud/pkg/localstore"
	"github.com/albinc92/grok-bud/pkg/store"
)

const DefaultRemoteTimeout = 10 * time.Second

// SessionSource reports the signed-in remote user; "" means no session.
type SessionSource interface {
	UserID() string
}

type Config struct {
	Local *localstore.Store
	// Remote may be nil for local-only operation.
	Remote   store.Store
	Sessions SessionSource
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
	Timeout  time.Duration
	Now      func() time.Time
}

type Engine struct {
	local    *localstore.Store
	remote   store.Store
	sessions SessionSource
	metrics  *metrics.Metrics
	logger   *slog.Logger
	timeout  time.Duration
	now      func() time.Time
}

// Result summarizes one FullSync.
type Result struct {
	Skipped           bool `json:"skipped"`
	RemoteUnavailable bool `json:"remoteUnavailable"`
	Pulled            int  `json:"pulled"`
	Uploaded          int  `json:"uploaded"`
	Total             int  `json:"total"`
	SettingsApplied   bool `json:"settingsApplied"`
}

func New(cfg Config) (*Engine, error) {
	if cfg.Local == nil {
		return nil, errors.New("cloudsync: local store required")
	}
	e := &Engine{
		local:    cfg.Local,
		remote:   cfg.Remote,
		sessions: cfg.Sessions,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,
		timeout:  cfg.Timeout,
		now:      cfg.Now,
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.timeout <= 0 {
		e.timeout = DefaultRemoteTimeout
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e, nil
}

func (e *Engine) userID() string {
	if e.sessions == nil {
		return ""
	}
	return e.sessions.UserID()
}

// mirror runs fn against the remote store when a session is active. Errors
// are logged and counted, never returned.
func (e *Engine) mirror(ctx context.Context, op string, fn func(ctx context.Context, userID string) error) {
	if e.remote == nil {
		return
	}
	uid := e.userID()
	if uid == "" {
		return
	}
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.timeout)
	defer cancel()
	err := fn(rctx, uid)
	e.metrics.SyncResult(op, err)
	if err != nil {
		e.logger.Warn("remote mirror failed", "op", op, "user_id", uid, "err", err)
	}
}

// AddFavorite saves post locally and mirrors it.
func (e *Engine) AddFavorite(ctx context.Context, post domain.FavoritePost) error {
	if err := e.local.AddFavorite(ctx, post); err != nil {
		return err
	}
	e.mirror(ctx, "upsert_post", func(ctx context.Context, uid string) error {
		return e.remote.UpsertPost(ctx, uid, post)
	})
	return nil
}

// UpdateFavorite mutates a post locally and mirrors the full result. Chat
// posts get a fresh updatedAt.
func (e *Engine) UpdateFavorite(ctx context.Context, id string, fn func(*domain.FavoritePost) error) (domain.FavoritePost, error) {
	updated, err := e.local.UpdateFavorite(ctx, id, func(p *domain.FavoritePost) error {
		if err := fn(p); err != nil {
			return err
		}
		if p.Type == domain.PostChat {
			now := e.now().UTC()
			p.UpdatedAt = &now
		}
		return nil
	})
	if err != nil {
		return domain.FavoritePost{}, mapNotFound(err)
	}
	e.mirror(ctx, "upsert_post", func(ctx context.Context, uid string) error {
		return e.remote.UpsertPost(ctx, uid, updated)
	})
	return updated, nil
}

// RemoveFavorite deletes the post and its jobs locally, then remotely.
func (e *Engine) RemoveFavorite(ctx context.Context, id string) (bool, error) {
	found, err := e.local.RemoveFavorite(ctx, id)
	if err != nil {
		return false, err
	}
	e.mirror(ctx, "delete_post", func(ctx context.Context, uid string) error {
		return e.remote.DeletePost(ctx, uid, id)
	})
	return found, nil
}

// AttachJobVideo appends the finished video of jobID to its post while the
// job is still pending, then re-pushes the post's video list. A superseded
// or removed job yields localstore.ErrJobNotPending.
func (e *Engine) AttachJobVideo(ctx context.Context, jobID string, video domain.PostVideo) error {
	updated, err := e.local.AttachJobVideo(ctx, jobID, video)
	if err != nil {
		return mapNotFound(err)
	}
	e.mirror(ctx, "set_post_videos", func(ctx context.Context, uid string) error {
		return e.remote.SetPostVideos(ctx, uid, updated.ID, updated.Videos)
	})
	return nil
}

// RemoveVideo detaches one video and returns it.
func (e *Engine) RemoveVideo(ctx context.Context, postID, videoID string) (domain.PostVideo, error) {
	var removed domain.PostVideo
	_, err := e.updateVideos(ctx, postID, func(videos []domain.PostVideo) ([]domain.PostVideo, error) {
		for i, v := range videos {
			if v.ID == videoID {
				removed = v
				return append(videos[:i:i], videos[i+1:]...), nil
			}
		}
		return nil, fmt.Errorf("video %s: %w", videoID, ErrNotFound)
	})
	return removed, err
}

// ToggleVideoStar flips the starred flag of one video and returns it.
func (e *Engine) ToggleVideoStar(ctx context.Context, postID, videoID string) (domain.PostVideo, error) {
	var toggled domain.PostVideo
	_, err := e.updateVideos(ctx, postID, func(videos []domain.PostVideo) ([]domain.PostVideo, error) {
		for i := range videos {
			if videos[i].ID == videoID {
				videos[i].Starred = !videos[i].Starred
				toggled = videos[i]
				return videos, nil
			}
		}
		return nil, fmt.Errorf("video %s: %w", videoID, ErrNotFound)
	})
	return toggled, err
}

func (e *Engine) updateVideos(ctx context.Context, postID string, fn func([]domain.PostVideo) ([]domain.PostVideo, error)) (domain.FavoritePost, error) {
	updated, err := e.local.UpdateFavorite(ctx, postID, func(p *domain.FavoritePost) error {
		videos, err := fn(p.Videos)
		if err != nil {
			return err
		}
		p.Videos = videos
		return nil
	})
	if err != nil {
		return domain.FavoritePost{}, mapNotFound(err)
	}
	e.mirror(ctx, "set_post_videos", func(ctx context.Context, uid string) error {
		return e.remote.SetPostVideos(ctx, uid, postID, updated.Videos)
	})
	return updated, nil
}

// PushSettings mirrors the local settings, minus the API key.
func (e *Engine) PushSettings(ctx context.Context) {
	e.mirror(ctx, "upsert_settings", func(ctx context.Context, uid string) error {
		settings, err := e.local.Settings(ctx)
		if err != nil {
			return err
		}
		settings.APIKey = ""
		return e.remote.UpsertSettings(ctx, uid, settings)
	})
}

// PushUsage mirrors the local usage counters and history.
func (e *Engine) PushUsage(ctx context.Context) {
	e.mirror(ctx, "upsert_usage", func(ctx context.Context, uid string) error {
		stats, err := e.local.Usage(ctx)
		if err != nil {
			return err
		}
		return e.remote.UpsertUsage(ctx, uid, stats)
	})
}

// PushVideoJob mirrors one job record.
func (e *Engine) PushVideoJob(ctx context.Context, job domain.VideoJob) {
	e.mirror(ctx, "upsert_video_job", func(ctx context.Context, uid string) error {
		return e.remote.UpsertVideoJob(ctx, uid, job)
	})
}

func (e *Engine) DeleteVideoJob(ctx context.Context, jobID string) {
	e.mirror(ctx, "delete_video_job", func(ctx context.Context, uid string) error {
		return e.remote.DeleteVideoJob(ctx, uid, jobID)
	})
}

// FullSync reconciles favorites with the remote store and pulls remote
// settings. Without a session it does nothing. When remote posts cannot be
// fetched the local list is kept and the sync still succeeds.
func (e *Engine) FullSync(ctx context.Context) (Result, error) {
	uid := e.userID()
	if e.remote == nil || uid == "" {
		e.metrics.SyncSkipped("full_sync")
		return Result{Skipped: true}, nil
	}
	logger := e.logger.With("user_id", uid)

	rctx, cancel := context.WithTimeout(ctx, e.timeout)
	remotePosts, err := e.remote.ListPosts(rctx, uid)
	cancel()
	if err != nil {
		e.metrics.SyncResult("full_sync", err)
		logger.Warn("remote posts unavailable, keeping local favorites", "err", err)
		return Result{RemoteUnavailable: true}, nil
	}

	// Merge against the favorites current at write time so local writes
	// that landed during the fetch survive.
	var localOnly []domain.FavoritePost
	state, err := e.local.Update(ctx, func(st *domain.AppState) error {
		merged, lo := Merge(st.Favorites, remotePosts)
		st.Favorites = merged
		localOnly = lo
		return nil
	})
	if err != nil {
		e.metrics.SyncResult("full_sync", err)
		logger.Error("merge favorites failed", "err", err)
		return Result{}, fmt.Errorf("%w: %v", ErrSyncFailed, err)
	}
	res := Result{Pulled: len(remotePosts), Total: len(state.Favorites)}

	if len(localOnly) > 0 {
		uctx, cancel := context.WithTimeout(ctx, e.timeout)
		err := e.remote.UpsertPosts(uctx, uid, localOnly)
		cancel()
		e.metrics.SyncResult("upload_local_posts", err)
		if err != nil {
			logger.Warn("upload local-only posts failed", "count", len(localOnly), "err", err)
		} else {
			res.Uploaded = len(localOnly)
		}
	}

	sctx, cancel := context.WithTimeout(ctx, e.timeout)
	remote, ok, err := e.remote.GetSettings(sctx, uid)
	cancel()
	switch {
	case err != nil:
		logger.Warn("remote settings unavailable", "err", err)
	case ok:
		if _, err := e.local.Update(ctx, func(st *domain.AppState) error {
			applyRemoteSettings(&st.Settings, remote)
			return nil
		}); err != nil {
			e.metrics.SyncResult("full_sync", err)
			logger.Error("apply remote settings failed", "err", err)
			return res, fmt.Errorf("%w: %v", ErrSyncFailed, err)
		}
		res.SettingsApplied = true
	}

	e.metrics.SyncResult("full_sync", nil)
	logger.Info("full sync complete", "pulled", res.Pulled, "uploaded", res.Uploaded, "total", res.Total)
	return res, nil
}

func mapNotFound(err error) error {
	if errors.Is(err, localstore.ErrNotFound) && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return err
}
