package store

import (
	"context"
	"errors"

	"github.com/albinc92/grok-bud/pkg/domain"
)

var (
	// ErrNotOwned is returned when a write targets a row owned by another user.
	ErrNotOwned = errors.New("row owned by another user")
	ErrNotFound = errors.New("not found")
)

// Store is the hosted mirror of posts, settings, usage and video jobs. Every
// method is scoped to the owning user id.
type Store interface {
	// posts
	ListPosts(ctx context.Context, userID string) ([]domain.FavoritePost, error)
	UpsertPost(ctx context.Context, userID string, post domain.FavoritePost) error
	UpsertPosts(ctx context.Context, userID string, posts []domain.FavoritePost) error
	DeletePost(ctx context.Context, userID, postID string) error
	SetPostVideos(ctx context.Context, userID, postID string, videos []domain.PostVideo) error

	// one row per user
	GetSettings(ctx context.Context, userID string) (domain.Settings, bool, error)
	UpsertSettings(ctx context.Context, userID string, settings domain.Settings) error
	GetUsage(ctx context.Context, userID string) (domain.UsageStats, bool, error)
	UpsertUsage(ctx context.Context, userID string, stats domain.UsageStats) error

	// video jobs
	ListVideoJobs(ctx context.Context, userID string) ([]domain.VideoJob, error)
	UpsertVideoJob(ctx context.Context, userID string, job domain.VideoJob) error
	DeleteVideoJob(ctx context.Context, userID, jobID string) error
}

// remoteSettings strips fields that never leave the device.
func remoteSettings(s domain.Settings) domain.Settings {
	s.APIKey = ""
	return s
}
