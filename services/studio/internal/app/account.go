package app

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/albinc92/grok-bud/pkg/cloudsync"
	"github.com/albinc92/grok-bud/pkg/domain"
	"github.com/albinc92/grok-bud/pkg/localstore"
)

// Preferences is the settings view of the UI: synced settings plus the
// device-only selection state.
type Preferences struct {
	domain.Settings
	CurrentChatID string `json:"currentChatId,omitempty"`
	CurrentPostID string `json:"currentPostId,omitempty"`
	HasAPIKey     bool   `json:"hasApiKey"`
}

func (a *App) Preferences(ctx context.Context) (Preferences, error) {
	st, err := a.local.Load(ctx)
	if err != nil {
		return Preferences{}, err
	}
	return a.preferences(st), nil
}

func (a *App) preferences(st domain.AppState) Preferences {
	return Preferences{
		Settings:      st.Settings,
		CurrentChatID: st.CurrentChatID,
		CurrentPostID: st.CurrentPostID,
		HasAPIKey:     a.ai.HasAPIKey(),
	}
}

// UpdatePreferences merges patch into the local state, swaps the API key of
// the model client when it changed and mirrors the settings.
func (a *App) UpdatePreferences(ctx context.Context, patch localstore.StatePatch) (Preferences, error) {
	if err := validatePatch(patch); err != nil {
		return Preferences{}, err
	}
	st, err := a.local.Patch(ctx, patch)
	if err != nil {
		return Preferences{}, err
	}
	if patch.APIKey != nil {
		key := strings.TrimSpace(*patch.APIKey)
		if key == "" {
			key = a.defaultAPIKey
		}
		a.ai.SetAPIKey(key)
	}
	if patch.SelectedModel != nil || patch.ImageCount != nil || patch.AspectRatio != nil ||
		patch.GalleryColumns != nil || patch.SidebarCollapsed != nil {
		a.sync.PushSettings(ctx)
	}
	return a.preferences(st), nil
}

func validatePatch(p localstore.StatePatch) error {
	if p.SelectedModel != nil && strings.TrimSpace(*p.SelectedModel) == "" {
		return fmt.Errorf("%w: selectedModel must not be empty", ErrInvalidInput)
	}
	if p.ImageCount != nil && (*p.ImageCount < 1 || *p.ImageCount > maxImagesPerRequest) {
		return fmt.Errorf("%w: imageCount must be between 1 and %d", ErrInvalidInput, maxImagesPerRequest)
	}
	if p.AspectRatio != nil && !validAspectRatio(*p.AspectRatio) {
		return fmt.Errorf("%w: aspectRatio must look like W:H", ErrInvalidInput)
	}
	if p.GalleryColumns != nil && (*p.GalleryColumns < 1 || *p.GalleryColumns > 8) {
		return fmt.Errorf("%w: galleryColumns must be between 1 and 8", ErrInvalidInput)
	}
	return nil
}

func validAspectRatio(s string) bool {
	w, h, ok := strings.Cut(s, ":")
	if !ok {
		return false
	}
	wn, err1 := strconv.Atoi(w)
	hn, err2 := strconv.Atoi(h)
	return err1 == nil && err2 == nil && wn > 0 && hn > 0
}

func (a *App) Usage(ctx context.Context) (domain.UsageStats, error) {
	return a.local.Usage(ctx)
}

func (a *App) ResetUsage(ctx context.Context) error {
	if err := a.local.ResetUsage(ctx); err != nil {
		return err
	}
	a.sync.PushUsage(ctx)
	return nil
}

// SessionView is the signed-in identity without its token.
type SessionView struct {
	UserID    string    `json:"userId"`
	Email     string    `json:"email,omitempty"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type SignInResult struct {
	Session SessionView      `json:"session"`
	Sync    cloudsync.Result `json:"sync"`
}

// SignIn verifies token, makes it the current session and reconciles the
// local favorites with the remote store.
func (a *App) SignIn(ctx context.Context, token string) (SignInResult, error) {
	s, err := a.sessions.SignIn(ctx, token)
	if err != nil {
		return SignInResult{}, err
	}
	a.logger.Info("signed in", "user_id", s.UserID)
	res, err := a.sync.FullSync(ctx)
	out := SignInResult{
		Session: SessionView{UserID: s.UserID, Email: s.Email, ExpiresAt: s.ExpiresAt},
		Sync:    res,
	}
	return out, err
}

func (a *App) SignOut() {
	if uid := a.sessions.UserID(); uid != "" {
		a.logger.Info("signed out", "user_id", uid)
	}
	a.sessions.SignOut()
}

func (a *App) Session() (SessionView, bool) {
	s, ok := a.sessions.Current()
	if !ok {
		return SessionView{}, false
	}
	return SessionView{UserID: s.UserID, Email: s.Email, ExpiresAt: s.ExpiresAt}, true
}

// Sync runs a full reconciliation against the remote store.
func (a *App) Sync(ctx context.Context) (cloudsync.Result, error) {
	return a.sync.FullSync(ctx)
}
