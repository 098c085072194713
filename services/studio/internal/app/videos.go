package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/albinc92/grok-bud/pkg/domain"
	"github.com/albinc92/grok-bud/pkg/localstore"
)

const (
	DefaultVideoDuration = 6
	MaxVideoDuration     = 15
)

type VideoInput struct {
	Prompt   string `json:"prompt"`
	Duration int    `json:"duration"`
}

// StartVideo animates the image of postID. A job already running for the
// post is superseded.
func (a *App) StartVideo(ctx context.Context, postID string, in VideoInput) (domain.VideoJob, error) {
	post, err := a.Favorite(ctx, postID)
	if err != nil {
		return domain.VideoJob{}, err
	}
	if post.Type != domain.PostImage || post.ImageURL == "" {
		return domain.VideoJob{}, fmt.Errorf("%w: videos need an image favorite", ErrInvalidInput)
	}
	duration := in.Duration
	if duration == 0 {
		duration = DefaultVideoDuration
	}
	if duration < 1 || duration > MaxVideoDuration {
		return domain.VideoJob{}, fmt.Errorf("%w: duration must be between 1 and %d seconds", ErrInvalidInput, MaxVideoDuration)
	}
	prompt := strings.TrimSpace(in.Prompt)
	if prompt == "" {
		prompt = post.Prompt
	}
	if _, err := a.local.Patch(ctx, localstore.StatePatch{CurrentPostID: &postID}); err != nil {
		a.logger.Warn("set current post failed", "post_id", postID, "err", err)
	}
	return a.jobs.StartJob(ctx, postID, prompt, post.ImageURL, duration)
}

// Job returns the latest video job of a post.
func (a *App) Job(ctx context.Context, postID string) (domain.VideoJob, error) {
	job, ok, err := a.jobs.JobForPost(ctx, postID)
	if err != nil {
		return domain.VideoJob{}, err
	}
	if !ok {
		return domain.VideoJob{}, fmt.Errorf("job for post %s: %w", postID, ErrNotFound)
	}
	return job, nil
}

// DismissJob drops the video job of a post without touching its videos.
func (a *App) DismissJob(ctx context.Context, postID string) error {
	_, ok, err := a.jobs.DismissJob(ctx, postID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("job for post %s: %w", postID, ErrNotFound)
	}
	return nil
}

func (a *App) RemoveVideo(ctx context.Context, postID, videoID string) error {
	removed, err := a.sync.RemoveVideo(ctx, postID, videoID)
	if err != nil {
		return mapSyncErr(err)
	}
	a.removeArchive(ctx, removed)
	return nil
}

func (a *App) ToggleVideoStar(ctx context.Context, postID, videoID string) (domain.PostVideo, error) {
	v, err := a.sync.ToggleVideoStar(ctx, postID, videoID)
	return v, mapSyncErr(err)
}

// ArchivedVideoURL returns a short-lived URL of the archived copy of a video.
func (a *App) ArchivedVideoURL(ctx context.Context, postID, videoID string) (string, error) {
	if a.archiver == nil {
		return "", ErrArchiveDisabled
	}
	post, err := a.Favorite(ctx, postID)
	if err != nil {
		return "", err
	}
	for _, v := range post.Videos {
		if v.ID != videoID {
			continue
		}
		if v.ArchiveKey == "" {
			return "", fmt.Errorf("archive of video %s: %w", videoID, ErrNotFound)
		}
		return a.archiver.URL(ctx, v.ArchiveKey)
	}
	return "", fmt.Errorf("video %s: %w", videoID, ErrNotFound)
}
