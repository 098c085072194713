package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/albinc92/grok-bud/pkg/ai"
	"github.com/albinc92/grok-bud/pkg/domain"
	"github.com/albinc92/grok-bud/pkg/usage"
)

const maxImagesPerRequest = 10

type ImageInput struct {
	Prompt      string `json:"prompt"`
	Count       int    `json:"count"`
	AspectRatio string `json:"aspectRatio"`
	Model       string `json:"model"`
}

// GenerateImages runs one image generation and caches the results as the
// current image session. Zero fields fall back to the saved settings.
func (a *App) GenerateImages(ctx context.Context, in ImageInput) (domain.ImageGenState, error) {
	prompt := strings.TrimSpace(in.Prompt)
	if prompt == "" {
		return domain.ImageGenState{}, fmt.Errorf("%w: prompt is required", ErrInvalidInput)
	}
	settings, err := a.local.Settings(ctx)
	if err != nil {
		return domain.ImageGenState{}, err
	}
	count := in.Count
	if count == 0 {
		count = settings.ImageCount
	}
	if count < 1 || count > maxImagesPerRequest {
		return domain.ImageGenState{}, fmt.Errorf("%w: count must be between 1 and %d", ErrInvalidInput, maxImagesPerRequest)
	}
	aspect := strings.TrimSpace(in.AspectRatio)
	if aspect == "" {
		aspect = settings.AspectRatio
	}
	model := strings.TrimSpace(in.Model)
	if model == "" {
		model = domain.DefaultImageModel
	}

	images, err := a.ai.GenerateImages(ctx, ai.ImageRequest{
		Prompt:      prompt,
		Model:       model,
		Count:       count,
		AspectRatio: aspect,
	})
	if err != nil {
		return domain.ImageGenState{}, err
	}
	a.recordUsage(ctx, usage.ImageRecord(model, len(images), a.now()))

	state := domain.ImageGenState{Prompt: prompt, Results: images, SavedURLs: []string{}}
	if state.Results == nil {
		state.Results = []domain.GeneratedImage{}
	}
	if err := a.local.SaveImageGen(ctx, state); err != nil {
		a.logger.Warn("cache image session failed", "err", err)
	}
	return state, nil
}

// ImageSession returns the last generation with the URLs already saved.
func (a *App) ImageSession(ctx context.Context) (domain.ImageGenState, error) {
	return a.local.ImageGen(ctx)
}

func (a *App) markImageSaved(ctx context.Context, url string) {
	st, err := a.local.ImageGen(ctx)
	if err != nil {
		a.logger.Warn("load image session failed", "err", err)
		return
	}
	inResults := false
	for _, img := range st.Results {
		if img.URL == url {
			inResults = true
			break
		}
	}
	if !inResults {
		return
	}
	for _, saved := range st.SavedURLs {
		if saved == url {
			return
		}
	}
	st.SavedURLs = append(st.SavedURLs, url)
	if err := a.local.SaveImageGen(ctx, st); err != nil {
		a.logger.Warn("update image session failed", "err", err)
	}
}
