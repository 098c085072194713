package localstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/albinc92/grok-bud/pkg/domain"
	"github.com/albinc92/grok-bud/pkg/usage"
)

const (
	StateKey    = "grok-bud:state"
	ImageGenKey = "grok-bud:imagegen"
)

var (
	// ErrCorruptState is returned when a persisted blob cannot be decoded.
	ErrCorruptState = errors.New("local state corrupt")
	ErrNotFound     = errors.New("not found")

	// ErrJobNotPending means a video job was superseded, removed or already
	// finished.
	ErrJobNotPending = errors.New("video job no longer pending")
)

// Store owns the AppState blob. Every mutation reads, merges and writes the
// whole blob while holding mu, so concurrent writers never lose updates.
type Store struct {
	kv KV
	mu sync.Mutex
}

func New(kv KV) *Store {
	if kv == nil {
		kv = NewMemoryKV()
	}
	return &Store{kv: kv}
}

// Load returns the persisted state, or the default state when none exists.
func (s *Store) Load(ctx context.Context) (domain.AppState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(ctx)
}

// Update applies fn to the current state and persists the result. Nothing is
// written when fn returns an error.
func (s *Store) Update(ctx context.Context, fn func(*domain.AppState) error) (domain.AppState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, err := s.load(ctx)
	if err != nil {
		return domain.AppState{}, err
	}
	if err := fn(&state); err != nil {
		return domain.AppState{}, err
	}
	if err := s.save(ctx, state); err != nil {
		return domain.AppState{}, err
	}
	return state, nil
}

func (s *Store) load(ctx context.Context) (domain.AppState, error) {
	raw, ok, err := s.kv.Get(ctx, StateKey)
	if err != nil {
		return domain.AppState{}, fmt.Errorf("load state: %w", err)
	}
	state := domain.DefaultAppState()
	if !ok || len(raw) == 0 {
		return state, nil
	}
	if err := json.Unmarshal(raw, &state); err != nil {
		return domain.AppState{}, fmt.Errorf("%w: %v", ErrCorruptState, err)
	}
	normalize(&state)
	return state, nil
}

func (s *Store) save(ctx context.Context, state domain.AppState) error {
	normalize(&state)
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	if err := s.kv.Set(ctx, StateKey, raw); err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	return nil
}

func normalize(state *domain.AppState) {
	if state.Favorites == nil {
		state.Favorites = []domain.FavoritePost{}
	}
	if state.VideoJobs == nil {
		state.VideoJobs = []domain.VideoJob{}
	}
	if state.Usage.History == nil {
		state.Usage.History = []domain.UsageRecord{}
	}
}

// StatePatch merges field by field into AppState; nil fields are untouched.
type StatePatch struct {
	APIKey           *string `json:"apiKey,omitempty"`
	SelectedModel    *string `json:"selectedModel,omitempty"`
	ImageCount       *int    `json:"imageCount,omitempty"`
	AspectRatio      *string `json:"aspectRatio,omitempty"`
	GalleryColumns   *int    `json:"galleryColumns,omitempty"`
	SidebarCollapsed *bool   `json:"sidebarCollapsed,omitempty"`
	CurrentChatID    *string `json:"currentChatId,omitempty"`
	CurrentPostID    *string `json:"currentPostId,omitempty"`
}

func (p StatePatch) apply(state *domain.AppState) {
	if p.APIKey != nil {
		state.APIKey = *p.APIKey
	}
	if p.SelectedModel != nil {
		state.SelectedModel = *p.SelectedModel
	}
	if p.ImageCount != nil {
		state.ImageCount = *p.ImageCount
	}
	if p.AspectRatio != nil {
		state.AspectRatio = *p.AspectRatio
	}
	if p.GalleryColumns != nil {
		state.GalleryColumns = *p.GalleryColumns
	}
	if p.SidebarCollapsed != nil {
		state.SidebarCollapsed = *p.SidebarCollapsed
	}
	if p.CurrentChatID != nil {
		state.CurrentChatID = *p.CurrentChatID
	}
	if p.CurrentPostID != nil {
		state.CurrentPostID = *p.CurrentPostID
	}
}

// Patch merges p into the persisted state.
func (s *Store) Patch(ctx context.Context, p StatePatch) (domain.AppState, error) {
	return s.Update(ctx, func(state *domain.AppState) error {
		p.apply(state)
		return nil
	})
}

func (s *Store) Settings(ctx context.Context) (domain.Settings, error) {
	state, err := s.Load(ctx)
	if err != nil {
		return domain.Settings{}, err
	}
	return state.Settings, nil
}

// Favorites returns the saved posts, newest first as stored.
func (s *Store) Favorites(ctx context.Context) ([]domain.FavoritePost, error) {
	state, err := s.Load(ctx)
	if err != nil {
		return nil, err
	}
	return state.Favorites, nil
}

func (s *Store) Favorite(ctx context.Context, id string) (domain.FavoritePost, bool, error) {
	state, err := s.Load(ctx)
	if err != nil {
		return domain.FavoritePost{}, false, err
	}
	if i := indexOfPost(state.Favorites, id); i >= 0 {
		return state.Favorites[i], true, nil
	}
	return domain.FavoritePost{}, false, nil
}

// AddFavorite prepends post; a post with the same id is replaced in place.
func (s *Store) AddFavorite(ctx context.Context, post domain.FavoritePost) error {
	if post.ID == "" {
		return fmt.Errorf("post id required")
	}
	_, err := s.Update(ctx, func(state *domain.AppState) error {
		if i := indexOfPost(state.Favorites, post.ID); i >= 0 {
			state.Favorites[i] = post
			return nil
		}
		state.Favorites = append([]domain.FavoritePost{post}, state.Favorites...)
		return nil
	})
	return err
}

// UpdateFavorite mutates one post in place and returns the result. id and
// type are restored after fn runs.
func (s *Store) UpdateFavorite(ctx context.Context, id string, fn func(*domain.FavoritePost) error) (domain.FavoritePost, error) {
	var out domain.FavoritePost
	_, err := s.Update(ctx, func(state *domain.AppState) error {
		i := indexOfPost(state.Favorites, id)
		if i < 0 {
			return fmt.Errorf("favorite %s: %w", id, ErrNotFound)
		}
		post := state.Favorites[i].Clone()
		if err := fn(&post); err != nil {
			return err
		}
		post.ID = state.Favorites[i].ID
		post.Type = state.Favorites[i].Type
		post.CreatedAt = state.Favorites[i].CreatedAt
		state.Favorites[i] = post
		out = post
		return nil
	})
	return out, err
}

// RemoveFavorite deletes the post and every job that references it. It
// reports whether the post existed.
func (s *Store) RemoveFavorite(ctx context.Context, id string) (bool, error) {
	found := false
	_, err := s.Update(ctx, func(state *domain.AppState) error {
		if i := indexOfPost(state.Favorites, id); i >= 0 {
			found = true
			state.Favorites = append(state.Favorites[:i:i], state.Favorites[i+1:]...)
		}
		jobs := state.VideoJobs[:0:0]
		for _, j := range state.VideoJobs {
			if j.PostID != id {
				jobs = append(jobs, j)
			}
		}
		state.VideoJobs = jobs
		if state.CurrentPostID == id {
			state.CurrentPostID = ""
		}
		if state.CurrentChatID == id {
			state.CurrentChatID = ""
		}
		return nil
	})
	return found, err
}

// AttachJobVideo appends video to the post of jobID, but only while that job
// is still pending. The check and the write happen under one lock.
func (s *Store) AttachJobVideo(ctx context.Context, jobID string, video domain.PostVideo) (domain.FavoritePost, error) {
	var out domain.FavoritePost
	_, err := s.Update(ctx, func(state *domain.AppState) error {
		j := indexOfJob(state.VideoJobs, jobID)
		if j < 0 || state.VideoJobs[j].Status != domain.JobPending {
			return fmt.Errorf("video job %s: %w", jobID, ErrJobNotPending)
		}
		postID := state.VideoJobs[j].PostID
		i := indexOfPost(state.Favorites, postID)
		if i < 0 {
			return fmt.Errorf("favorite %s: %w", postID, ErrNotFound)
		}
		post := state.Favorites[i].Clone()
		post.Videos = append(post.Videos, video)
		state.Favorites[i] = post
		out = post
		return nil
	})
	return out, err
}

func indexOfPost(posts []domain.FavoritePost, id string) int {
	for i := range posts {
		if posts[i].ID == id {
			return i
		}
	}
	return -1
}

// SaveJob stores job, dropping any other job for the same post. The dropped
// records are returned. At most domain.MaxJobRecords are kept, oldest first
// out.
func (s *Store) SaveJob(ctx context.Context, job domain.VideoJob) ([]domain.VideoJob, error) {
	if job.ID == "" || job.PostID == "" {
		return nil, fmt.Errorf("job id and post id required")
	}
	var superseded []domain.VideoJob
	_, err := s.Update(ctx, func(state *domain.AppState) error {
		kept := make([]domain.VideoJob, 0, len(state.VideoJobs)+1)
		for _, j := range state.VideoJobs {
			if j.ID == job.ID {
				continue
			}
			if j.PostID == job.PostID {
				superseded = append(superseded, j)
				continue
			}
			kept = append(kept, j)
		}
		kept = append(kept, job)
		if over := len(kept) - domain.MaxJobRecords; over > 0 {
			kept = kept[over:]
		}
		state.VideoJobs = kept
		return nil
	})
	if err != nil {
		return nil, err
	}
	return superseded, nil
}

// UpdateJob mutates the job with id in place.
func (s *Store) UpdateJob(ctx context.Context, id string, fn func(*domain.VideoJob) error) (domain.VideoJob, error) {
	var out domain.VideoJob
	_, err := s.Update(ctx, func(state *domain.AppState) error {
		i := indexOfJob(state.VideoJobs, id)
		if i < 0 {
			return fmt.Errorf("video job %s: %w", id, ErrNotFound)
		}
		job := state.VideoJobs[i]
		if err := fn(&job); err != nil {
			return err
		}
		job.ID = state.VideoJobs[i].ID
		job.PostID = state.VideoJobs[i].PostID
		state.VideoJobs[i] = job
		out = job
		return nil
	})
	return out, err
}

func (s *Store) Job(ctx context.Context, id string) (domain.VideoJob, bool, error) {
	state, err := s.Load(ctx)
	if err != nil {
		return domain.VideoJob{}, false, err
	}
	if i := indexOfJob(state.VideoJobs, id); i >= 0 {
		return state.VideoJobs[i], true, nil
	}
	return domain.VideoJob{}, false, nil
}

func (s *Store) JobForPost(ctx context.Context, postID string) (domain.VideoJob, bool, error) {
	state, err := s.Load(ctx)
	if err != nil {
		return domain.VideoJob{}, false, err
	}
	for _, j := range state.VideoJobs {
		if j.PostID == postID {
			return j, true, nil
		}
	}
	return domain.VideoJob{}, false, nil
}

func (s *Store) PendingJobs(ctx context.Context) ([]domain.VideoJob, error) {
	state, err := s.Load(ctx)
	if err != nil {
		return nil, err
	}
	var out []domain.VideoJob
	for _, j := range state.VideoJobs {
		if j.Status == domain.JobPending {
			out = append(out, j)
		}
	}
	return out, nil
}

func (s *Store) RemoveJob(ctx context.Context, id string) error {
	_, err := s.Update(ctx, func(state *domain.AppState) error {
		if i := indexOfJob(state.VideoJobs, id); i >= 0 {
			state.VideoJobs = append(state.VideoJobs[:i:i], state.VideoJobs[i+1:]...)
		}
		return nil
	})
	return err
}

func indexOfJob(jobs []domain.VideoJob, id string) int {
	for i := range jobs {
		if jobs[i].ID == id {
			return i
		}
	}
	return -1
}

func (s *Store) Usage(ctx context.Context) (domain.UsageStats, error) {
	state, err := s.Load(ctx)
	if err != nil {
		return domain.UsageStats{}, err
	}
	return state.Usage, nil
}

// RecordUsage folds rec into the persisted usage stats.
func (s *Store) RecordUsage(ctx context.Context, rec domain.UsageRecord) (domain.UsageStats, error) {
	state, err := s.Update(ctx, func(state *domain.AppState) error {
		state.Usage = usage.Apply(state.Usage, rec)
		return nil
	})
	if err != nil {
		return domain.UsageStats{}, err
	}
	return state.Usage, nil
}

func (s *Store) ResetUsage(ctx context.Context) error {
	_, err := s.Update(ctx, func(state *domain.AppState) error {
		state.Usage = usage.Reset()
		return nil
	})
	return err
}

// ImageGen returns the cached image generation view; empty when none.
func (s *Store) ImageGen(ctx context.Context) (domain.ImageGenState, error) {
	raw, ok, err := s.kv.Get(ctx, ImageGenKey)
	if err != nil {
		return domain.ImageGenState{}, fmt.Errorf("load image state: %w", err)
	}
	out := domain.ImageGenState{Results: []domain.GeneratedImage{}, SavedURLs: []string{}}
	if !ok || len(raw) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return domain.ImageGenState{}, fmt.Errorf("%w: %v", ErrCorruptState, err)
	}
	return out, nil
}

func (s *Store) SaveImageGen(ctx context.Context, st domain.ImageGenState) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode image state: %w", err)
	}
	if err := s.kv.Set(ctx, ImageGenKey, raw); err != nil {
		return fmt.Errorf("save image state: %w", err)
	}
	return nil
}
