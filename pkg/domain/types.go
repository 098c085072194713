package domain

import "time"

type PostType string

const (
	PostImage PostType = "image"
	PostChat  PostType = "chat"
)

type JobStatus string

const (
	JobPending JobStatus = "pending"
	JobDone    JobStatus = "done"
	JobError   JobStatus = "error"
)

// Terminal reports whether no further transitions are possible.
func (s JobStatus) Terminal() bool {
	return s == JobDone || s == JobError
}

type Endpoint string

const (
	EndpointChat  Endpoint = "chat"
	EndpointImage Endpoint = "image"
	EndpointVideo Endpoint = "video"
)

const (
	// MaxUsageHistory caps UsageStats.History.
	MaxUsageHistory = 100
	// MaxJobRecords caps the number of VideoJob records kept locally.
	MaxJobRecords = 50
)

type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// FavoritePost is a saved chat transcript or generated image.
type FavoritePost struct {
	ID        string        `json:"id"`
	Type      PostType      `json:"type"`
	Prompt    string        `json:"prompt"`
	Response  string        `json:"response,omitempty"`
	Messages  []ChatMessage `json:"messages,omitempty"`
	ImageURL  string        `json:"imageUrl,omitempty"`
	Model     string        `json:"model"`
	CreatedAt time.Time     `json:"createdAt"`
	UpdatedAt *time.Time    `json:"updatedAt,omitempty"`
	Tags      []string      `json:"tags,omitempty"`
	Videos    []PostVideo   `json:"videos,omitempty"`
}

// HasTag reports whether the post carries tag.
func (p FavoritePost) HasTag(tag string) bool {
	for _, t := range p.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Clone returns a deep copy so callers can mutate slices freely.
func (p FavoritePost) Clone() FavoritePost {
	out := p
	if p.Messages != nil {
		out.Messages = append([]ChatMessage(nil), p.Messages...)
	}
	if p.Tags != nil {
		out.Tags = append([]string(nil), p.Tags...)
	}
	if p.Videos != nil {
		out.Videos = append([]PostVideo(nil), p.Videos...)
	}
	if p.UpdatedAt != nil {
		t := *p.UpdatedAt
		out.UpdatedAt = &t
	}
	return out
}

type PostVideo struct {
	ID         string    `json:"id"`
	URL        string    `json:"url"`
	Prompt     string    `json:"prompt"`
	Duration   int       `json:"duration"`
	CreatedAt  time.Time `json:"createdAt"`
	Starred    bool      `json:"starred"`
	ArchiveKey string    `json:"archiveKey,omitempty"`
}

// VideoJob tracks one asynchronous video-generation request. ID is the
// request identifier returned by the model API.
type VideoJob struct {
	ID           string     `json:"id"`
	PostID       string     `json:"postId"`
	Prompt       string     `json:"prompt"`
	Duration     int        `json:"duration"`
	Status       JobStatus  `json:"status"`
	VideoURL     string     `json:"videoUrl,omitempty"`
	ErrorMessage string     `json:"errorMessage,omitempty"`
	StartedAt    time.Time  `json:"startedAt"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
}

type UsageRecord struct {
	Timestamp        time.Time `json:"timestamp"`
	Endpoint         Endpoint  `json:"endpoint"`
	Model            string    `json:"model"`
	PromptTokens     int       `json:"promptTokens"`
	CompletionTokens int       `json:"completionTokens"`
	TotalTokens      int       `json:"totalTokens"`
	EstimatedCost    float64   `json:"estimatedCost"`
	ImageCount       int       `json:"imageCount,omitempty"`
}

type UsageStats struct {
	TotalTokens  int           `json:"totalTokens"`
	TotalCost    float64       `json:"totalCost"`
	ChatTokens   int           `json:"chatTokens"`
	ImageCount   int           `json:"imageCount"`
	RequestCount int           `json:"requestCount"`
	History      []UsageRecord `json:"history"`
}

// Settings are the user preferences persisted with AppState. APIKey stays on
// the device and is never mirrored remotely.
type Settings struct {
	APIKey           string `json:"apiKey"`
	SelectedModel    string `json:"selectedModel"`
	ImageCount       int    `json:"imageCount"`
	AspectRatio      string `json:"aspectRatio"`
	GalleryColumns   int    `json:"galleryColumns"`
	SidebarCollapsed bool   `json:"sidebarCollapsed"`
}

const (
	DefaultModel          = "grok-3-mini"
	DefaultImageModel     = "grok-2-image"
	DefaultVideoModel     = "grok-imagine-video"
	DefaultAspectRatio    = "1:1"
	DefaultGalleryColumns = 3
)

// DefaultSettings returns the settings of a fresh install.
func DefaultSettings() Settings {
	return Settings{
		SelectedModel:  DefaultModel,
		ImageCount:     1,
		AspectRatio:    DefaultAspectRatio,
		GalleryColumns: DefaultGalleryColumns,
	}
}

// AppState is the aggregate persisted as one blob on the device.
type AppState struct {
	Favorites []FavoritePost `json:"favorites"`
	Settings
	Usage         UsageStats `json:"usage"`
	CurrentChatID string     `json:"currentChatId,omitempty"`
	CurrentPostID string     `json:"currentPostId,omitempty"`
	VideoJobs     []VideoJob `json:"videoJobs"`
}

// DefaultAppState returns an empty state with default settings.
func DefaultAppState() AppState {
	return AppState{
		Favorites: []FavoritePost{},
		Settings:  DefaultSettings(),
		Usage:     UsageStats{History: []UsageRecord{}},
		VideoJobs: []VideoJob{},
	}
}

type GeneratedImage struct {
	URL           string `json:"url"`
	RevisedPrompt string `json:"revisedPrompt,omitempty"`
}

// ImageGenState is the cached in-progress image generation view.
type ImageGenState struct {
	Prompt    string           `json:"prompt"`
	Results   []GeneratedImage `json:"results"`
	SavedURLs []string         `json:"savedUrls"`
}
