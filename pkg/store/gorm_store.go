package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/albinc92/grok-bud/pkg/domain"
)

const migrateLockID int64 = 47716301

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations.
func NewGormStore(dsn string) (*GormStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("database dsn required")
	}
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(&PostModel{}, &SettingsModel{}, &UsageStatsModel{}, &VideoJobModel{}); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// ownedUpsert updates an existing row only when it belongs to the same user.
func ownedUpsert(table string, key string, columns []string) clause.OnConflict {
	return clause.OnConflict{
		Columns:   []clause.Column{{Name: key}},
		DoUpdates: clause.AssignmentColumns(columns),
		Where: clause.Where{Exprs: []clause.Expression{
			clause.Expr{SQL: table + ".user_id = excluded.user_id"},
		}},
	}
}

var postColumns = []string{"type", "prompt", "response", "messages", "image_url", "model", "updated_at", "tags", "videos"}

func (s *GormStore) ListPosts(ctx context.Context, userID string) ([]domain.FavoritePost, error) {
	var models []PostModel
	if err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC, id DESC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]domain.FavoritePost, 0, len(models))
	for _, m := range models {
		post, err := postFromModel(m)
		if err != nil {
			return nil, err
		}
		out = append(out, post)
	}
	return out, nil
}

func (s *GormStore) UpsertPost(ctx context.Context, userID string, post domain.FavoritePost) error {
	model, err := postToModel(userID, post)
	if err != nil {
		return err
	}
	res := s.db.WithContext(ctx).Clauses(ownedUpsert("posts", "id", postColumns)).Create(&model)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("upsert post %s: %w", post.ID, ErrNotOwned)
	}
	return nil
}

// UpsertPosts writes all posts in one statement. Rows owned by other users
// are skipped.
func (s *GormStore) UpsertPosts(ctx context.Context, userID string, posts []domain.FavoritePost) error {
	if len(posts) == 0 {
		return nil
	}
	models := make([]PostModel, 0, len(posts))
	for _, p := range posts {
		m, err := postToModel(userID, p)
		if err != nil {
			return err
		}
		models = append(models, m)
	}
	return s.db.WithContext(ctx).Clauses(ownedUpsert("posts", "id", postColumns)).Create(&models).Error
}

func (s *GormStore) DeletePost(ctx context.Context, userID, postID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("post_id = ? AND user_id = ?", postID, userID).Delete(&VideoJobModel{}).Error; err != nil {
			return err
		}
		return tx.Where("id = ? AND user_id = ?", postID, userID).Delete(&PostModel{}).Error
	})
}

func (s *GormStore) SetPostVideos(ctx context.Context, userID, postID string, videos []domain.PostVideo) error {
	raw, err := marshalJSON(nonNilVideos(videos))
	if err != nil {
		return err
	}
	res := s.db.WithContext(ctx).Model(&PostModel{}).
		Where("id = ? AND user_id = ?", postID, userID).
		Update("videos", raw)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("post %s: %w", postID, ErrNotFound)
	}
	return nil
}

func (s *GormStore) GetSettings(ctx context.Context, userID string) (domain.Settings, bool, error) {
	var m SettingsModel
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Settings{}, false, nil
		}
		return domain.Settings{}, false, err
	}
	return domain.Settings{
		SelectedModel:    m.SelectedModel,
		ImageCount:       m.ImageCount,
		AspectRatio:      m.AspectRatio,
		GalleryColumns:   m.GalleryColumns,
		SidebarCollapsed: m.SidebarCollapsed,
	}, true, nil
}

func (s *GormStore) UpsertSettings(ctx context.Context, userID string, settings domain.Settings) error {
	settings = remoteSettings(settings)
	m := SettingsModel{
		UserID:           userID,
		SelectedModel:    settings.SelectedModel,
		ImageCount:       settings.ImageCount,
		AspectRatio:      settings.AspectRatio,
		GalleryColumns:   settings.GalleryColumns,
		SidebarCollapsed: settings.SidebarCollapsed,
		UpdatedAt:        time.Now().UTC(),
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"selected_model", "image_count", "aspect_ratio", "gallery_columns", "sidebar_collapsed", "updated_at"}),
	}).Create(&m).Error
}

func (s *GormStore) GetUsage(ctx context.Context, userID string) (domain.UsageStats, bool, error) {
	var m UsageStatsModel
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.UsageStats{}, false, nil
		}
		return domain.UsageStats{}, false, err
	}
	stats := domain.UsageStats{
		TotalTokens:  m.TotalTokens,
		TotalCost:    m.TotalCost,
		ChatTokens:   m.ChatTokens,
		ImageCount:   m.ImageCount,
		RequestCount: m.RequestCount,
		History:      []domain.UsageRecord{},
	}
	if err := unmarshalJSON(m.History, &stats.History); err != nil {
		return domain.UsageStats{}, false, err
	}
	return stats, true, nil
}

func (s *GormStore) UpsertUsage(ctx context.Context, userID string, stats domain.UsageStats) error {
	history := stats.History
	if history == nil {
		history = []domain.UsageRecord{}
	}
	raw, err := marshalJSON(history)
	if err != nil {
		return err
	}
	m := UsageStatsModel{
		UserID:       userID,
		TotalTokens:  stats.TotalTokens,
		TotalCost:    stats.TotalCost,
		ChatTokens:   stats.ChatTokens,
		ImageCount:   stats.ImageCount,
		RequestCount: stats.RequestCount,
		History:      raw,
		UpdatedAt:    time.Now().UTC(),
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"total_tokens", "total_cost", "chat_tokens", "image_count", "request_count", "history", "updated_at"}),
	}).Create(&m).Error
}

func (s *GormStore) ListVideoJobs(ctx context.Context, userID string) ([]domain.VideoJob, error) {
	var models []VideoJobModel
	if err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("started_at ASC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]domain.VideoJob, 0, len(models))
	for _, m := range models {
		out = append(out, jobFromModel(m))
	}
	return out, nil
}

func (s *GormStore) UpsertVideoJob(ctx context.Context, userID string, job domain.VideoJob) error {
	model := jobToModel(userID, job)
	res := s.db.WithContext(ctx).Clauses(ownedUpsert("video_jobs", "id",
		[]string{"post_id", "prompt", "duration", "status", "video_url", "error_message", "started_at", "completed_at"},
	)).Create(&model)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("upsert video job %s: %w", job.ID, ErrNotOwned)
	}
	return nil
}

func (s *GormStore) DeleteVideoJob(ctx context.Context, userID, jobID string) error {
	return s.db.WithContext(ctx).Where("id = ? AND user_id = ?", jobID, userID).Delete(&VideoJobModel{}).Error
}

func postToModel(userID string, p domain.FavoritePost) (PostModel, error) {
	messages, err := marshalJSON(p.Messages)
	if err != nil {
		return PostModel{}, err
	}
	tags, err := marshalJSON(p.Tags)
	if err != nil {
		return PostModel{}, err
	}
	videos, err := marshalJSON(nonNilVideos(p.Videos))
	if err != nil {
		return PostModel{}, err
	}
	return PostModel{
		ID:        p.ID,
		UserID:    userID,
		Type:      string(p.Type),
		Prompt:    p.Prompt,
		Response:  p.Response,
		Messages:  messages,
		ImageURL:  p.ImageURL,
		Model:     p.Model,
		CreatedAt: p.CreatedAt,
		EditedAt:  p.UpdatedAt,
		Tags:      tags,
		Videos:    videos,
	}, nil
}

func postFromModel(m PostModel) (domain.FavoritePost, error) {
	p := domain.FavoritePost{
		ID:        m.ID,
		Type:      domain.PostType(m.Type),
		Prompt:    m.Prompt,
		Response:  m.Response,
		ImageURL:  m.ImageURL,
		Model:     m.Model,
		CreatedAt: m.CreatedAt.UTC(),
		UpdatedAt: m.EditedAt,
	}
	if err := unmarshalJSON(m.Messages, &p.Messages); err != nil {
		return domain.FavoritePost{}, err
	}
	if err := unmarshalJSON(m.Tags, &p.Tags); err != nil {
		return domain.FavoritePost{}, err
	}
	if err := unmarshalJSON(m.Videos, &p.Videos); err != nil {
		return domain.FavoritePost{}, err
	}
	if len(p.Videos) == 0 {
		p.Videos = nil
	}
	return p, nil
}

func jobToModel(userID string, j domain.VideoJob) VideoJobModel {
	return VideoJobModel{
		ID:           j.ID,
		UserID:       userID,
		PostID:       j.PostID,
		Prompt:       j.Prompt,
		Duration:     j.Duration,
		Status:       string(j.Status),
		VideoURL:     j.VideoURL,
		ErrorMessage: j.ErrorMessage,
		StartedAt:    j.StartedAt,
		CompletedAt:  j.CompletedAt,
	}
}

func jobFromModel(m VideoJobModel) domain.VideoJob {
	return domain.VideoJob{
		ID:           m.ID,
		PostID:       m.PostID,
		Prompt:       m.Prompt,
		Duration:     m.Duration,
		Status:       domain.JobStatus(m.Status),
		VideoURL:     m.VideoURL,
		ErrorMessage: m.ErrorMessage,
		StartedAt:    m.StartedAt.UTC(),
		CompletedAt:  m.CompletedAt,
	}
}

func nonNilVideos(v []domain.PostVideo) []domain.PostVideo {
	if v == nil {
		return []domain.PostVideo{}
	}
	return v
}

func marshalJSON(v any) (datatypes.JSON, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode json column: %w", err)
	}
	return datatypes.JSON(raw), nil
}

func unmarshalJSON(raw datatypes.JSON, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode json column: %w", err)
	}
	return nil
}
