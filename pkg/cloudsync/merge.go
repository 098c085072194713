package cloudsync

import (
	"sort"

	"github.com/albinc92/grok-bud/pkg/domain"
)

// Merge unions local and remote favorites by id. Remote wins when an id is
// present on both sides. localOnly lists the posts the remote store lacks.
// The result is ordered by createdAt descending, id ascending on ties.
// Merge is pure and idempotent.
func Merge(local, remote []domain.FavoritePost) (merged, localOnly []domain.FavoritePost) {
	byID := make(map[string]domain.FavoritePost, len(local)+len(remote))
	for _, p := range remote {
		byID[p.ID] = p.Clone()
	}
	for _, p := range local {
		if _, ok := byID[p.ID]; ok {
			continue
		}
		byID[p.ID] = p.Clone()
		localOnly = append(localOnly, p.Clone())
	}
	merged = make([]domain.FavoritePost, 0, len(byID))
	for _, p := range byID {
		merged = append(merged, p)
	}
	sortNewestFirst(merged)
	sortNewestFirst(localOnly)
	return merged, localOnly
}

func sortNewestFirst(posts []domain.FavoritePost) {
	sort.Slice(posts, func(i, j int) bool {
		if !posts[i].CreatedAt.Equal(posts[j].CreatedAt) {
			return posts[i].CreatedAt.After(posts[j].CreatedAt)
		}
		return posts[i].ID < posts[j].ID
	})
}

// applyRemoteSettings copies synced preferences. The API key stays local.
func applyRemoteSettings(local *domain.Settings, remote domain.Settings) {
	if remote.SelectedModel != "" {
		local.SelectedModel = remote.SelectedModel
	}
	if remote.ImageCount > 0 {
		local.ImageCount = remote.ImageCount
	}
	if remote.AspectRatio != "" {
		local.AspectRatio = remote.AspectRatio
	}
	if remote.GalleryColumns > 0 {
		local.GalleryColumns = remote.GalleryColumns
	}
	local.SidebarCollapsed = remote.SidebarCollapsed
}
