package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/nofearsk/rtspserver/internal/models"
	"gorm.io/gorm"
)

// feedSortColumns whitelists the columns feeds may be sorted by.
var feedSortColumns = map[string]string{
	"name":       "name",
	"created_at": "created_at",
	"status":     "status",
}

// feedRepo implements FeedRepository using GORM.
type feedRepo struct {
	db *gorm.DB
}

// NewFeedRepository creates a new FeedRepository.
func NewFeedRepository(db *gorm.DB) *feedRepo {
	return &feedRepo{db: db}
}

// Create creates a new feed.
func (r *feedRepo) Create(ctx context.Context, feed *models.Feed) error {
	if err := r.db.WithContext(ctx).Create(feed).Error; err != nil {
		return fmt.Errorf("creating feed: %w", err)
	}
	return nil
}

// GetByID retrieves a feed by ID.
func (r *feedRepo) GetByID(ctx context.Context, id string) (*models.Feed, error) {
	var feed models.Feed
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&feed).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("getting feed by ID: %w", err)
	}
	return &feed, nil
}

// GetBySourceURL retrieves a feed by its source URL.
func (r *feedRepo) GetBySourceURL(ctx context.Context, url string) (*models.Feed, error) {
	var feed models.Feed
	if err := r.db.WithContext(ctx).Where("source_url = ?", url).First(&feed).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("getting feed by source URL: %w", err)
	}
	return &feed, nil
}

// GetAll retrieves all feeds ordered by name.
func (r *feedRepo) GetAll(ctx context.Context) ([]*models.Feed, error) {
	var feeds []*models.Feed
	if err := r.db.WithContext(ctx).Order("name ASC").Find(&feeds).Error; err != nil {
		return nil, fmt.Errorf("getting all feeds: %w", err)
	}
	return feeds, nil
}

// List retrieves feeds with pagination and returns the total count.
func (r *feedRepo) List(ctx context.Context, opts ListOptions) ([]*models.Feed, int64, error) {
	var total int64
	if err := r.db.WithContext(ctx).Model(&models.Feed{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("counting feeds: %w", err)
	}

	column, ok := feedSortColumns[opts.SortBy]
	if !ok {
		column = "created_at"
	}
	direction := "DESC"
	if opts.SortOrder == "asc" {
		direction = "ASC"
	}

	var feeds []*models.Feed
	query := r.db.WithContext(ctx).Order(column + " " + direction)
	if opts.Offset > 0 {
		query = query.Offset(opts.Offset)
	}
	if opts.Limit > 0 {
		query = query.Limit(opts.Limit)
	}
	if err := query.Find(&feeds).Error; err != nil {
		return nil, 0, fmt.Errorf("listing feeds: %w", err)
	}
	return feeds, total, nil
}

// ListByMode retrieves all feeds with the given mode.
func (r *feedRepo) ListByMode(ctx context.Context, mode models.FeedMode) ([]*models.Feed, error) {
	var feeds []*models.Feed
	if err := r.db.WithContext(ctx).Where("mode = ?", mode).Order("name ASC").Find(&feeds).Error; err != nil {
		return nil, fmt.Errorf("listing feeds by mode: %w", err)
	}
	return feeds, nil
}

// Update updates an existing feed.
func (r *feedRepo) Update(ctx context.Context, feed *models.Feed) error {
	if err := r.db.WithContext(ctx).Save(feed).Error; err != nil {
		return fmt.Errorf("updating feed: %w", err)
	}
	return nil
}

// UpdateStatus updates the persisted status, last error and PID of a feed.
func (r *feedRepo) UpdateStatus(ctx context.Context, id string, status models.FeedStatus, lastError string, pid int) error {
	updates := map[string]any{
		"status":     status,
		"last_error": lastError,
		"pid":        pid,
	}

	if err := r.db.WithContext(ctx).Model(&models.Feed{}).Where("id = ?", id).Updates(updates).Error; err != nil {
		return fmt.Errorf("updating feed status: %w", err)
	}
	return nil
}

// UpdateViewerCount updates the viewer count. A non-nil lastSeen also
// advances the last viewer timestamp.
func (r *feedRepo) UpdateViewerCount(ctx context.Context, id string, count int, lastSeen *time.Time) error {
	updates := map[string]any{
		"viewer_count": count,
	}
	if lastSeen != nil {
		updates["last_viewer_time"] = *lastSeen
	}

	if err := r.db.WithContext(ctx).Model(&models.Feed{}).Where("id = ?", id).Updates(updates).Error; err != nil {
		return fmt.Errorf("updating viewer count: %w", err)
	}
	return nil
}

// UpdateCodecInfo persists probe results onto a feed.
func (r *feedRepo) UpdateCodecInfo(ctx context.Context, id string, info CodecInfo) error {
	updates := map[string]any{
		"video_codec":   info.VideoCodec,
		"audio_codec":   info.AudioCodec,
		"resolution":    info.Resolution,
		"framerate":     info.Framerate,
		"bitrate":       info.Bitrate,
		"use_transcode": info.UseTranscode,
	}

	if err := r.db.WithContext(ctx).Model(&models.Feed{}).Where("id = ?", id).Updates(updates).Error; err != nil {
		return fmt.Errorf("updating codec info: %w", err)
	}
	return nil
}

// UpdateThumbnail updates the thumbnail data URL and capture time.
func (r *feedRepo) UpdateThumbnail(ctx context.Context, id string, dataURL string, at time.Time) error {
	updates := map[string]any{
		"thumbnail_url": dataURL,
		"thumbnail_at":  at,
	}

	if err := r.db.WithContext(ctx).Model(&models.Feed{}).Where("id = ?", id).Updates(updates).Error; err != nil {
		return fmt.Errorf("updating thumbnail: %w", err)
	}
	return nil
}

// ResetActiveStatuses marks feeds left in a live status by a previous run as
// stopped. Run at startup before the supervisor accepts work.
func (r *feedRepo) ResetActiveStatuses(ctx context.Context) (int64, error) {
	live := []models.FeedStatus{
		models.FeedStatusStarting,
		models.FeedStatusRunning,
		models.FeedStatusReconnecting,
	}
	updates := map[string]any{
		"status":       models.FeedStatusStopped,
		"pid":          0,
		"viewer_count": 0,
	}

	result := r.db.WithContext(ctx).Model(&models.Feed{}).Where("status IN ?", live).Updates(updates)
	if result.Error != nil {
		return 0, fmt.Errorf("resetting active statuses: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// Delete deletes a feed by ID.
func (r *feedRepo) Delete(ctx context.Context, id string) error {
	if err := r.db.WithContext(ctx).Where("id = ?", id).Delete(&models.Feed{}).Error; err != nil {
		return fmt.Errorf("deleting feed: %w", err)
	}
	return nil
}

// Count returns the total number of feeds.
func (r *feedRepo) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&models.Feed{}).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("counting feeds: %w", err)
	}
	return count, nil
}

// CountByStatus returns the number of feeds with the given status.
func (r *feedRepo) CountByStatus(ctx context.Context, status models.FeedStatus) (int64, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&models.Feed{}).Where("status = ?", status).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("counting feeds by status: %w", err)
	}
	return count, nil
}

// Ensure feedRepo implements FeedRepository at compile time.
var _ FeedRepository = (*feedRepo)(nil)
