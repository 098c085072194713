package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/albinc92/grok-bud/pkg/domain"
)

type ownedPost struct {
	userID string
	post   domain.FavoritePost
}

type ownedJob struct {
	userID string
	job    domain.VideoJob
}

// MemoryStore keeps rows in-process with the same ownership rules as
// GormStore. Used when no database is configured and in tests.
type MemoryStore struct {
	mu       sync.RWMutex
	posts    map[string]ownedPost
	jobs     map[string]ownedJob
	settings map[string]domain.Settings
	usage    map[string]domain.UsageStats
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		posts:    make(map[string]ownedPost),
		jobs:     make(map[string]ownedJob),
		settings: make(map[string]domain.Settings),
		usage:    make(map[string]domain.UsageStats),
	}
}

func (m *MemoryStore) ListPosts(_ context.Context, userID string) ([]domain.FavoritePost, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.FavoritePost, 0)
	for _, row := range m.posts {
		if row.userID == userID {
			out = append(out, row.post.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

func (m *MemoryStore) UpsertPost(_ context.Context, userID string, post domain.FavoritePost) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.upsertPostLocked(userID, post)
}

func (m *MemoryStore) upsertPostLocked(userID string, post domain.FavoritePost) error {
	if row, ok := m.posts[post.ID]; ok && row.userID != userID {
		return fmt.Errorf("upsert post %s: %w", post.ID, ErrNotOwned)
	}
	if prev, ok := m.posts[post.ID]; ok {
		// created_at is not in the update column set.
		post.CreatedAt = prev.post.CreatedAt
	}
	m.posts[post.ID] = ownedPost{userID: userID, post: post.Clone()}
	return nil
}

// UpsertPosts skips rows owned by other users, like the batched SQL upsert.
func (m *MemoryStore) UpsertPosts(_ context.Context, userID string, posts []domain.FavoritePost) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range posts {
		_ = m.upsertPostLocked(userID, p)
	}
	return nil
}

func (m *MemoryStore) DeletePost(_ context.Context, userID, postID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if row, ok := m.posts[postID]; ok && row.userID == userID {
		delete(m.posts, postID)
	}
	for id, row := range m.jobs {
		if row.userID == userID && row.job.PostID == postID {
			delete(m.jobs, id)
		}
	}
	return nil
}

func (m *MemoryStore) SetPostVideos(_ context.Context, userID, postID string, videos []domain.PostVideo) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.posts[postID]
	if !ok || row.userID != userID {
		return fmt.Errorf("post %s: %w", postID, ErrNotFound)
	}
	row.post.Videos = append([]domain.PostVideo(nil), videos...)
	m.posts[postID] = row
	return nil
}

func (m *MemoryStore) GetSettings(_ context.Context, userID string) (domain.Settings, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.settings[userID]
	return s, ok, nil
}

func (m *MemoryStore) UpsertSettings(_ context.Context, userID string, settings domain.Settings) error {
	m.mu.Lock()
	m.settings[userID] = remoteSettings(settings)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) GetUsage(_ context.Context, userID string) (domain.UsageStats, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.usage[userID]
	if !ok {
		return domain.UsageStats{}, false, nil
	}
	s.History = append([]domain.UsageRecord{}, s.History...)
	return s, true, nil
}

func (m *MemoryStore) UpsertUsage(_ context.Context, userID string, stats domain.UsageStats) error {
	m.mu.Lock()
	stats.History = append([]domain.UsageRecord{}, stats.History...)
	m.usage[userID] = stats
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) ListVideoJobs(_ context.Context, userID string) ([]domain.VideoJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.VideoJob, 0)
	for _, row := range m.jobs {
		if row.userID == userID {
			out = append(out, row.job)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out, nil
}

func (m *MemoryStore) UpsertVideoJob(_ context.Context, userID string, job domain.VideoJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if row, ok := m.jobs[job.ID]; ok && row.userID != userID {
		return fmt.Errorf("upsert video job %s: %w", job.ID, ErrNotOwned)
	}
	m.jobs[job.ID] = ownedJob{userID: userID, job: job}
	return nil
}

func (m *MemoryStore) DeleteVideoJob(_ context.Context, userID, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if row, ok := m.jobs[jobID]; ok && row.userID == userID {
		delete(m.jobs, jobID)
	}
	return nil
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*GormStore)(nil)
)
