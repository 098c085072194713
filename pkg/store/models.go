package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence.
type PostModel struct {
	ID        string         `gorm:"primaryKey"`
	UserID    string         `gorm:"not null;index"`
	Type      string         `gorm:"not null"`
	Prompt    string         `gorm:"type:text;not null"`
	Response  string         `gorm:"type:text"`
	Messages  datatypes.JSON `gorm:"type:jsonb"`
	ImageURL  string
	Model     string
	CreatedAt time.Time      `gorm:"not null;index"`
	EditedAt  *time.Time     `gorm:"column:updated_at"`
	Tags      datatypes.JSON `gorm:"type:jsonb"`
	Videos    datatypes.JSON `gorm:"type:jsonb"`
}

func (PostModel) TableName() string { return "posts" }

type SettingsModel struct {
	UserID           string `gorm:"primaryKey"`
	SelectedModel    string
	ImageCount       int
	AspectRatio      string
	GalleryColumns   int
	SidebarCollapsed bool
	UpdatedAt        time.Time `gorm:"not null"`
}

func (SettingsModel) TableName() string { return "settings" }

type UsageStatsModel struct {
	UserID       string `gorm:"primaryKey"`
	TotalTokens  int
	TotalCost    float64
	ChatTokens   int
	ImageCount   int
	RequestCount int
	History      datatypes.JSON `gorm:"type:jsonb"`
	UpdatedAt    time.Time      `gorm:"not null"`
}

func (UsageStatsModel) TableName() string { return "usage_stats" }

type VideoJobModel struct {
	ID           string `gorm:"primaryKey"`
	UserID       string `gorm:"not null;index"`
	PostID       string `gorm:"not null;index"`
	Prompt       string `gorm:"type:text"`
	Duration     int
	Status       string `gorm:"not null"`
	VideoURL     string
	ErrorMessage string
	StartedAt    time.Time `gorm:"not null"`
	CompletedAt  *time.Time
}

func (VideoJobModel) TableName() string { return "video_jobs" }
