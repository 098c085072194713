package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/albinc92/grok-bud/internal/util"
	"github.com/albinc92/grok-bud/pkg/cloudsync"
	"github.com/albinc92/grok-bud/pkg/domain"
	"github.com/albinc92/grok-bud/pkg/localstore"
)

// SaveInput creates a favorite. Chats need Messages; images need ImageURL.
type SaveInput struct {
	Type     domain.PostType      `json:"type"`
	Prompt   string               `json:"prompt"`
	Response string               `json:"response"`
	Messages []domain.ChatMessage `json:"messages"`
	ImageURL string               `json:"imageUrl"`
	Model    string               `json:"model"`
	Tags     []string             `json:"tags"`
}

func (a *App) SaveFavorite(ctx context.Context, in SaveInput) (domain.FavoritePost, error) {
	now := a.now().UTC()
	post := domain.FavoritePost{
		ID:        util.NewID(),
		Type:      in.Type,
		Prompt:    strings.TrimSpace(in.Prompt),
		Model:     strings.TrimSpace(in.Model),
		CreatedAt: now,
		Tags:      normalizeTags(in.Tags),
	}
	switch in.Type {
	case domain.PostChat:
		if len(in.Messages) == 0 {
			return domain.FavoritePost{}, fmt.Errorf("%w: chat favorites need messages", ErrInvalidInput)
		}
		for _, m := range in.Messages {
			if !validRole(m.Role) {
				return domain.FavoritePost{}, fmt.Errorf("%w: unknown message role %q", ErrInvalidInput, m.Role)
			}
		}
		post.Messages = append([]domain.ChatMessage(nil), in.Messages...)
		post.Response = in.Response
		if post.Prompt == "" {
			post.Prompt = firstUserMessage(in.Messages)
		}
		if post.Response == "" {
			post.Response = lastAssistantMessage(in.Messages)
		}
		post.UpdatedAt = &now
		if post.Model == "" {
			post.Model = domain.DefaultModel
		}
	case domain.PostImage:
		post.ImageURL = strings.TrimSpace(in.ImageURL)
		if post.ImageURL == "" {
			return domain.FavoritePost{}, fmt.Errorf("%w: image favorites need imageUrl", ErrInvalidInput)
		}
		if post.Model == "" {
			post.Model = domain.DefaultImageModel
		}
	default:
		return domain.FavoritePost{}, fmt.Errorf("%w: type must be image or chat", ErrInvalidInput)
	}

	if err := a.sync.AddFavorite(ctx, post); err != nil {
		return domain.FavoritePost{}, err
	}
	switch post.Type {
	case domain.PostImage:
		a.markImageSaved(ctx, post.ImageURL)
	case domain.PostChat:
		if _, err := a.local.Patch(ctx, localstore.StatePatch{CurrentChatID: &post.ID}); err != nil {
			a.logger.Warn("set current chat failed", "post_id", post.ID, "err", err)
		}
	}
	return post, nil
}

// FavoriteFilter narrows Favorites; zero fields match everything.
type FavoriteFilter struct {
	Type domain.PostType
	Tag  string
}

func (a *App) Favorites(ctx context.Context, f FavoriteFilter) ([]domain.FavoritePost, error) {
	all, err := a.local.Favorites(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]domain.FavoritePost, 0, len(all))
	for _, p := range all {
		if f.Type != "" && p.Type != f.Type {
			continue
		}
		if f.Tag != "" && !p.HasTag(f.Tag) {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func (a *App) Favorite(ctx context.Context, id string) (domain.FavoritePost, error) {
	post, ok, err := a.local.Favorite(ctx, id)
	if err != nil {
		return domain.FavoritePost{}, err
	}
	if !ok {
		return domain.FavoritePost{}, fmt.Errorf("favorite %s: %w", id, ErrNotFound)
	}
	return post, nil
}

// FavoritePatch edits the user-editable fields of a post.
type FavoritePatch struct {
	Prompt *string   `json:"prompt"`
	Tags   *[]string `json:"tags"`
}

func (a *App) UpdateFavorite(ctx context.Context, id string, patch FavoritePatch) (domain.FavoritePost, error) {
	if patch.Prompt != nil && strings.TrimSpace(*patch.Prompt) == "" {
		return domain.FavoritePost{}, fmt.Errorf("%w: prompt must not be empty", ErrInvalidInput)
	}
	updated, err := a.sync.UpdateFavorite(ctx, id, func(p *domain.FavoritePost) error {
		if patch.Prompt != nil {
			p.Prompt = strings.TrimSpace(*patch.Prompt)
		}
		if patch.Tags != nil {
			p.Tags = normalizeTags(*patch.Tags)
		}
		return nil
	})
	return updated, mapSyncErr(err)
}

// DeleteFavorite removes the post, its job and its archived videos.
func (a *App) DeleteFavorite(ctx context.Context, id string) error {
	post, ok, err := a.local.Favorite(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("favorite %s: %w", id, ErrNotFound)
	}
	if _, err := a.sync.RemoveFavorite(ctx, id); err != nil {
		return err
	}
	for _, v := range post.Videos {
		a.removeArchive(ctx, v)
	}
	return nil
}

func (a *App) removeArchive(ctx context.Context, v domain.PostVideo) {
	if a.archiver == nil || v.ArchiveKey == "" {
		return
	}
	if err := a.archiver.Remove(ctx, v.ArchiveKey); err != nil {
		a.logger.Warn("remove archived video failed", "video_id", v.ID, "key", v.ArchiveKey, "err", err)
	}
}

func normalizeTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func firstUserMessage(msgs []domain.ChatMessage) string {
	for _, m := range msgs {
		if m.Role == "user" {
			return m.Content
		}
	}
	return ""
}

func lastAssistantMessage(msgs []domain.ChatMessage) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == "assistant" {
			return msgs[i].Content
		}
	}
	return ""
}

func mapSyncErr(err error) error {
	if errors.Is(err, cloudsync.ErrNotFound) && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return err
}
