// Package handlers provides HTTP API handlers for rtspserver.
package handlers

import (
	"encoding/json"
	"time"

	"github.com/nofearsk/rtspserver/internal/ffmpeg"
	"github.com/nofearsk/rtspserver/internal/models"
)

// Common response types

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// Pagination contains pagination parameters for list requests.
type Pagination struct {
	Page  int `query:"page" default:"1" minimum:"1" doc:"Page number (1-indexed)"`
	Limit int `query:"limit" default:"20" minimum:"1" maximum:"100" doc:"Items per page"`
}

// PaginationMeta contains pagination metadata in responses.
type PaginationMeta struct {
	CurrentPage int   `json:"current_page"`
	PageSize    int   `json:"page_size"`
	TotalItems  int64 `json:"total_items"`
	TotalPages  int64 `json:"total_pages"`
}

// Feed types

// FeedResponse represents a feed in API responses.
type FeedResponse struct {
	ID               string             `json:"id"`
	CreatedAt        time.Time          `json:"created_at"`
	UpdatedAt        time.Time          `json:"updated_at"`
	Name             string             `json:"name"`
	SourceURL        string             `json:"source_url"`
	Mode             models.FeedMode    `json:"mode"`
	Status           models.FeedStatus  `json:"status"`
	VideoCodec       string             `json:"video_codec,omitempty"`
	AudioCodec       string             `json:"audio_codec,omitempty"`
	Resolution       string             `json:"resolution,omitempty"`
	Framerate        float64            `json:"framerate,omitempty"`
	Bitrate          int64              `json:"bitrate,omitempty"`
	FFmpegOverrides  map[string]any     `json:"ffmpeg_overrides,omitempty"`
	UseTranscode     bool               `json:"use_transcode"`
	LatencyMode      models.LatencyMode `json:"latency_mode"`
	KeepAliveSeconds int                `json:"keep_alive_seconds"`
	ViewerCount      int                `json:"viewer_count"`
	LastViewerTime   *time.Time         `json:"last_viewer_time,omitempty"`
	LastError        string             `json:"last_error,omitempty"`
	ThumbnailURL     string             `json:"thumbnail_url,omitempty"`
	ThumbnailAt      *time.Time         `json:"thumbnail_at,omitempty"`
	HLSURL           string             `json:"hls_url,omitempty"`
	IsRunning        bool               `json:"is_running"`
}

// FeedFromModel converts a model to a response. The overrides column holds
// raw JSON; a value that fails to parse is omitted rather than erroring the
// whole response.
func FeedFromModel(f *models.Feed, isRunning bool) FeedResponse {
	var overrides map[string]any
	if f.FFmpegOverrides != "" {
		if err := json.Unmarshal([]byte(f.FFmpegOverrides), &overrides); err != nil {
			overrides = nil
		}
	}

	return FeedResponse{
		ID:               f.ID,
		CreatedAt:        f.CreatedAt,
		UpdatedAt:        f.UpdatedAt,
		Name:             f.Name,
		SourceURL:        f.SourceURL,
		Mode:             f.Mode,
		Status:           f.Status,
		VideoCodec:       f.VideoCodec,
		AudioCodec:       f.AudioCodec,
		Resolution:       f.Resolution,
		Framerate:        f.Framerate,
		Bitrate:          f.Bitrate,
		FFmpegOverrides:  overrides,
		UseTranscode:     f.UseTranscode,
		LatencyMode:      f.LatencyMode,
		KeepAliveSeconds: f.KeepAliveSeconds,
		ViewerCount:      f.ViewerCount,
		LastViewerTime:   f.LastViewerTime,
		LastError:        f.LastError,
		ThumbnailURL:     f.ThumbnailURL,
		ThumbnailAt:      f.ThumbnailAt,
		HLSURL:           "/hls/" + f.ID + "/stream.m3u8",
		IsRunning:        isRunning,
	}
}

// CreateFeedRequest is the request body for creating a feed.
type CreateFeedRequest struct {
	Name             string             `json:"name" doc:"User-friendly name for the feed" minLength:"1" maxLength:"100"`
	SourceURL        string             `json:"source_url" doc:"RTSP endpoint of the camera" minLength:"10" maxLength:"2048"`
	Mode             models.FeedMode    `json:"mode,omitempty" doc:"Run policy: always_on, on_demand or smart" enum:"always_on,on_demand,smart"`
	KeepAliveSeconds *int               `json:"keep_alive_seconds,omitempty" doc:"Idle window before an on-demand feed is stopped" minimum:"10" maximum:"3600"`
	UseTranscode     *bool              `json:"use_transcode,omitempty" doc:"Force re-encoding even when codecs are HLS-compatible"`
	LatencyMode      models.LatencyMode `json:"latency_mode,omitempty" doc:"Segmenting profile: low or stable" enum:"low,stable"`
	FFmpegOverrides  map[string]any     `json:"ffmpeg_overrides,omitempty" doc:"Planner overrides (rtsp_transport, preset, scale, ...)"`
}

// ToModel converts the request to a model.
func (r *CreateFeedRequest) ToModel() *models.Feed {
	feed := &models.Feed{
		Name:        r.Name,
		SourceURL:   r.SourceURL,
		Mode:        models.FeedModeOnDemand,
		Status:      models.FeedStatusStopped,
		LatencyMode: models.LatencyModeStable,
	}
	if r.Mode != "" {
		feed.Mode = r.Mode
	}
	if r.LatencyMode != "" {
		feed.LatencyMode = r.LatencyMode
	}
	if r.KeepAliveSeconds != nil {
		feed.KeepAliveSeconds = *r.KeepAliveSeconds
	}
	if r.UseTranscode != nil {
		feed.UseTranscode = *r.UseTranscode
	}
	if len(r.FFmpegOverrides) > 0 {
		if raw, err := json.Marshal(r.FFmpegOverrides); err == nil {
			feed.FFmpegOverrides = string(raw)
		}
	}
	return feed
}

// UpdateFeedRequest is the request body for updating a feed.
type UpdateFeedRequest struct {
	Name             *string             `json:"name,omitempty" doc:"User-friendly name for the feed" maxLength:"100"`
	SourceURL        *string             `json:"source_url,omitempty" doc:"RTSP endpoint of the camera" maxLength:"2048"`
	Mode             *models.FeedMode    `json:"mode,omitempty" doc:"Run policy: always_on, on_demand or smart" enum:"always_on,on_demand,smart"`
	KeepAliveSeconds *int                `json:"keep_alive_seconds,omitempty" doc:"Idle window before an on-demand feed is stopped" minimum:"10" maximum:"3600"`
	UseTranscode     *bool               `json:"use_transcode,omitempty" doc:"Force re-encoding even when codecs are HLS-compatible"`
	LatencyMode      *models.LatencyMode `json:"latency_mode,omitempty" doc:"Segmenting profile: low or stable" enum:"low,stable"`
	FFmpegOverrides  map[string]any      `json:"ffmpeg_overrides,omitempty" doc:"Planner overrides; replaces the stored set"`
}

// ApplyToModel applies the update request to an existing model. A source URL
// change invalidates the stored probe results since they describe the old
// stream.
func (r *UpdateFeedRequest) ApplyToModel(f *models.Feed) {
	if r.SourceURL != nil && *r.SourceURL != f.SourceURL {
		f.SourceURL = *r.SourceURL
		f.ClearCodecInfo()
	}
	if r.Name != nil {
		f.Name = *r.Name
	}
	if r.Mode != nil {
		f.Mode = *r.Mode
	}
	if r.KeepAliveSeconds != nil {
		f.KeepAliveSeconds = *r.KeepAliveSeconds
	}
	if r.UseTranscode != nil {
		f.UseTranscode = *r.UseTranscode
	}
	if r.FFmpegOverrides != nil {
		if len(r.FFmpegOverrides) == 0 {
			f.FFmpegOverrides = ""
		} else if raw, err := json.Marshal(r.FFmpegOverrides); err == nil {
			f.FFmpegOverrides = string(raw)
		}
	}
	if r.LatencyMode != nil {
		f.LatencyMode = *r.LatencyMode
	}
}

// FeedListResponse is the paginated response for feed listings.
type FeedListResponse struct {
	Pagination PaginationMeta   `json:"pagination"`
	Feeds      []FeedResponse   `json:"feeds"`
	Counts     map[string]int64 `json:"counts"`
}

// AnalyzeResponse carries source probe results plus derived recommendations.
type AnalyzeResponse struct {
	IsValid             bool           `json:"is_valid"`
	Error               string         `json:"error,omitempty"`
	VideoCodec          string         `json:"video_codec,omitempty"`
	VideoCodecName      string         `json:"video_codec_name,omitempty"`
	Resolution          string         `json:"resolution,omitempty"`
	Framerate           float64        `json:"framerate,omitempty"`
	VideoBitrate        int            `json:"video_bitrate,omitempty"`
	AudioCodec          string         `json:"audio_codec,omitempty"`
	AudioCodecName      string         `json:"audio_codec_name,omitempty"`
	SampleRate          int            `json:"sample_rate,omitempty"`
	Channels            int            `json:"channels,omitempty"`
	CanCopyVideo        bool           `json:"can_copy_video"`
	CanCopyAudio        bool           `json:"can_copy_audio"`
	NeedsTranscode      bool           `json:"needs_transcode"`
	TranscodeReason     string         `json:"transcode_reason,omitempty"`
	RecommendedSettings map[string]any `json:"recommended_settings"`
}

// TokenResponse carries a freshly minted playback token.
type TokenResponse struct {
	Token        string `json:"token"`
	ExpiresHours int    `json:"expires_hours"`
	HLSURL       string `json:"hls_url"`
}

// FeedStatusResponse is the live supervisor view of one feed. For feeds
// without a running session the status falls back to the catalog row.
type FeedStatusResponse struct {
	FeedID         string               `json:"feed_id"`
	Running        bool                 `json:"running"`
	Status         string               `json:"status"`
	RunID          string               `json:"run_id,omitempty"`
	ViewerCount    int                  `json:"viewer_count"`
	StartTime      *time.Time           `json:"start_time,omitempty"`
	PID            int                  `json:"pid,omitempty"`
	ReconnectCount int                  `json:"reconnect_count"`
	Resource       *ffmpeg.ProcessStats `json:"resource,omitempty"`
}

// Batch types

// BatchRequest names the feeds a batch operation applies to.
type BatchRequest struct {
	FeedIDs []string `json:"feed_ids" doc:"Feed IDs to operate on" minItems:"1" maxItems:"100"`
}

// BatchFailure describes one feed a batch operation could not process.
type BatchFailure struct {
	ID    string `json:"id"`
	Error string `json:"error"`
}

// BatchResponse summarizes a batch operation.
type BatchResponse struct {
	Success []string       `json:"success"`
	Failed  []BatchFailure `json:"failed"`
	Message string         `json:"message"`
}

// Health types

// CPUInfo describes host load relative to core count.
type CPUInfo struct {
	Cores              int     `json:"cores"`
	Load1Min           float64 `json:"load_1min"`
	Load5Min           float64 `json:"load_5min"`
	Load15Min          float64 `json:"load_15min"`
	LoadPercentage1Min float64 `json:"load_percentage_1min"`
}

// ProcessMemoryInfo describes this process and its transcoder children.
type ProcessMemoryInfo struct {
	MainProcessMB      float64 `json:"main_process_mb"`
	ChildProcessCount  int     `json:"child_process_count"`
	ChildProcessesMB   float64 `json:"child_processes_mb"`
	TotalProcessTreeMB float64 `json:"total_process_tree_mb"`
	PercentageOfSystem float64 `json:"percentage_of_system"`
}

// MemoryInfo describes system and process memory usage.
type MemoryInfo struct {
	TotalMemoryMB     float64           `json:"total_memory_mb"`
	UsedMemoryMB      float64           `json:"used_memory_mb"`
	FreeMemoryMB      float64           `json:"free_memory_mb"`
	AvailableMemoryMB float64           `json:"available_memory_mb"`
	SwapTotalMB       float64           `json:"swap_total_mb"`
	SwapUsedMB        float64           `json:"swap_used_mb"`
	ProcessMemory     ProcessMemoryInfo `json:"process_memory"`
}

// DatabaseHealth describes catalog connectivity and pool pressure.
type DatabaseHealth struct {
	Status                 string  `json:"status"`
	ConnectionPoolSize     int     `json:"connection_pool_size"`
	ActiveConnections      int     `json:"active_connections"`
	IdleConnections        int     `json:"idle_connections"`
	PoolUtilizationPercent float64 `json:"pool_utilization_percent"`
	ResponseTimeMS         float64 `json:"response_time_ms"`
	ResponseTimeStatus     string  `json:"response_time_status"`
}

// SupervisorHealth describes the live transcoder registry.
type SupervisorHealth struct {
	Status       string `json:"status"`
	RunningFeeds int    `json:"running_feeds"`
}

// HealthComponents groups per-subsystem health details.
type HealthComponents struct {
	Database   DatabaseHealth   `json:"database"`
	Supervisor SupervisorHealth `json:"supervisor"`
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status        string            `json:"status"`
	Timestamp     string            `json:"timestamp"`
	Version       string            `json:"version"`
	Uptime        string            `json:"uptime"`
	UptimeSeconds float64           `json:"uptime_seconds"`
	CPUInfo       CPUInfo           `json:"cpu_info"`
	Memory        MemoryInfo        `json:"memory"`
	Components    HealthComponents  `json:"components"`
	Checks        map[string]string `json:"checks,omitempty"`
}
