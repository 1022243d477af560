// Package repository defines data access interfaces for rtspserver entities.
// All database access goes through these interfaces, enabling easy testing
// and database backend switching.
package repository

import (
	"context"
	"time"

	"github.com/nofearsk/rtspserver/internal/models"
)

// ListOptions controls pagination and ordering for feed listings.
type ListOptions struct {
	Offset    int
	Limit     int
	SortBy    string // name, created_at, status; defaults to created_at
	SortOrder string // asc or desc; defaults to desc
}

// CodecInfo holds the probe outcome persisted onto a feed.
type CodecInfo struct {
	VideoCodec   string
	AudioCodec   string
	Resolution   string
	Framerate    float64
	Bitrate      int64
	UseTranscode bool
}

// FeedRepository defines operations for feed persistence.
type FeedRepository interface {
	// Create creates a new feed.
	Create(ctx context.Context, feed *models.Feed) error
	// GetByID retrieves a feed by ID.
	GetByID(ctx context.Context, id string) (*models.Feed, error)
	// GetBySourceURL retrieves a feed by its source URL.
	GetBySourceURL(ctx context.Context, url string) (*models.Feed, error)
	// GetAll retrieves all feeds ordered by name.
	GetAll(ctx context.Context) ([]*models.Feed, error)
	// List retrieves feeds with pagination and returns the total count.
	List(ctx context.Context, opts ListOptions) ([]*models.Feed, int64, error)
	// ListByMode retrieves all feeds with the given mode.
	ListByMode(ctx context.Context, mode models.FeedMode) ([]*models.Feed, error)
	// Update updates an existing feed.
	Update(ctx context.Context, feed *models.Feed) error
	// UpdateStatus updates the persisted status, last error and PID of a feed.
	UpdateStatus(ctx context.Context, id string, status models.FeedStatus, lastError string, pid int) error
	// UpdateViewerCount updates the viewer count. A non-nil lastSeen also
	// advances the last viewer timestamp.
	UpdateViewerCount(ctx context.Context, id string, count int, lastSeen *time.Time) error
	// UpdateCodecInfo persists probe results onto a feed.
	UpdateCodecInfo(ctx context.Context, id string, info CodecInfo) error
	// UpdateThumbnail updates the thumbnail data URL and capture time.
	UpdateThumbnail(ctx context.Context, id string, dataURL string, at time.Time) error
	// ResetActiveStatuses marks feeds left in a live status by a previous run
	// as stopped. Returns the number of rows changed.
	ResetActiveStatuses(ctx context.Context) (int64, error)
	// Delete deletes a feed by ID.
	Delete(ctx context.Context, id string) error
	// Count returns the total number of feeds.
	Count(ctx context.Context) (int64, error)
	// CountByStatus returns the number of feeds with the given status.
	CountByStatus(ctx context.Context, status models.FeedStatus) (int64, error)
}

// SettingRepository defines operations for runtime setting persistence.
type SettingRepository interface {
	// Get retrieves a setting by key. Returns nil if the key is not set.
	Get(ctx context.Context, key string) (*models.Setting, error)
	// GetInt retrieves a setting as an integer, returning fallback when the
	// key is absent or not numeric.
	GetInt(ctx context.Context, key string, fallback int) (int, error)
	// Set creates or updates a setting.
	Set(ctx context.Context, key, value string) error
	// GetAll retrieves all settings.
	GetAll(ctx context.Context) ([]*models.Setting, error)
	// Delete removes a setting by key.
	Delete(ctx context.Context, key string) error
}
