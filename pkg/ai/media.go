package ai

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/albinc92/grok-bud/pkg/domain"
)

type ImageRequest struct {
	Prompt      string
	Model       string
	Count       int
	AspectRatio string
}

// GenerateImages returns up to req.Count images; the API may return fewer.
func (c *Client) GenerateImages(ctx context.Context, req ImageRequest) ([]domain.GeneratedImage, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, fmt.Errorf("image prompt required")
	}
	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = domain.DefaultImageModel
	}
	n := req.Count
	if n <= 0 {
		n = 1
	}
	body := imageRequest{
		Model:          model,
		Prompt:         req.Prompt,
		N:              n,
		AspectRatio:    strings.TrimSpace(req.AspectRatio),
		ResponseFormat: "url",
	}
	var resp imageResponse
	if err := c.doJSON(ctx, http.MethodPost, "/images/generations", body, &resp); err != nil {
		return nil, err
	}
	out := make([]domain.GeneratedImage, 0, len(resp.Data))
	for _, d := range resp.Data {
		if strings.TrimSpace(d.URL) == "" {
			continue
		}
		out = append(out, domain.GeneratedImage{URL: d.URL, RevisedPrompt: d.RevisedPrompt})
	}
	return out, nil
}

type VideoRequest struct {
	Prompt   string
	ImageURL string
	Duration int
	Model    string
}

type VideoState string

const (
	VideoPending VideoState = "pending"
	VideoDone    VideoState = "done"
	VideoFailed  VideoState = "failed"
)

// VideoStatus is the remote state of a video request.
type VideoStatus struct {
	State    VideoState
	URL      string
	Duration int
	Message  string
}

// StartVideo submits an image-to-video request and returns its request id.
func (c *Client) StartVideo(ctx context.Context, req VideoRequest) (string, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return "", fmt.Errorf("video prompt required")
	}
	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = domain.DefaultVideoModel
	}
	body := videoRequest{Model: model, Prompt: req.Prompt, Duration: req.Duration}
	if strings.TrimSpace(req.ImageURL) != "" {
		body.Image = &videoImage{URL: req.ImageURL}
	}
	var resp struct {
		RequestID string `json:"request_id"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/videos/generations", body, &resp); err != nil {
		return "", err
	}
	id := strings.TrimSpace(resp.RequestID)
	if id == "" {
		return "", fmt.Errorf("video request id missing from xai response")
	}
	return id, nil
}

// VideoStatus fetches the state of a previously submitted request.
func (c *Client) VideoStatus(ctx context.Context, requestID string) (VideoStatus, error) {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return VideoStatus{}, fmt.Errorf("video request id required")
	}
	var resp videoStatusResponse
	if err := c.doJSON(ctx, http.MethodGet, "/videos/"+url.PathEscape(requestID), nil, &resp); err != nil {
		return VideoStatus{}, err
	}
	status := VideoStatus{Message: resp.Error}
	if resp.Video != nil {
		status.URL = strings.TrimSpace(resp.Video.URL)
		status.Duration = resp.Video.Duration
	}
	switch strings.ToLower(strings.TrimSpace(resp.Status)) {
	case "done", "completed", "succeeded":
		status.State = VideoDone
	case "failed", "error", "expired", "cancelled":
		status.State = VideoFailed
		if status.Message == "" {
			status.Message = "video generation " + strings.ToLower(resp.Status)
		}
	case "":
		// Finished responses omit status and carry the video payload.
		if status.URL != "" {
			status.State = VideoDone
		} else {
			status.State = VideoPending
		}
	default:
		status.State = VideoPending
	}
	return status, nil
}

type imageRequest struct {
	Model          string `json:"model"`
	Prompt         string `json:"prompt"`
	N              int    `json:"n"`
	AspectRatio    string `json:"aspect_ratio,omitempty"`
	ResponseFormat string `json:"response_format"`
}

type imageResponse struct {
	Data []struct {
		URL           string `json:"url"`
		RevisedPrompt string `json:"revised_prompt"`
	} `json:"data"`
}

type videoImage struct {
	URL string `json:"url"`
}

type videoRequest struct {
	Model    string      `json:"model"`
	Prompt   string      `json:"prompt"`
	Image    *videoImage `json:"image,omitempty"`
	Duration int         `json:"duration,omitempty"`
}

type videoStatusResponse struct {
	Status string `json:"status"`
	Error  string `json:"error"`
	Video  *struct {
		URL      string `json:"url"`
		Duration int    `json:"duration"`
	} `json:"video"`
}
