package models

import (
	"strings"
	"time"

	"gorm.io/gorm"
)

// FeedMode controls when the supervisor runs a feed's transcoder.
type FeedMode string

const (
	// FeedModeAlwaysOn keeps the transcoder running continuously; it is
	// started at boot and never reclaimed for idleness.
	FeedModeAlwaysOn FeedMode = "always_on"
	// FeedModeOnDemand starts the transcoder when a viewer asks for the
	// playlist and stops it after the keep-alive window expires with no
	// viewers.
	FeedModeOnDemand FeedMode = "on_demand"
	// FeedModeSmart starts lazily like on_demand but is never reclaimed by
	// the keep-alive watchdog. The adaptive stop policy it is named for is
	// not implemented.
	FeedModeSmart FeedMode = "smart"
)

// Valid reports whether the mode is a known value.
func (m FeedMode) Valid() bool {
	switch m {
	case FeedModeAlwaysOn, FeedModeOnDemand, FeedModeSmart:
		return true
	}
	return false
}

// IsAlwaysOn returns true for feeds that run continuously.
func (m FeedMode) IsAlwaysOn() bool {
	return m == FeedModeAlwaysOn
}

// IsOnDemand returns true for feeds that start lazily and expire when idle.
// Smart mode takes the on-demand path.
func (m FeedMode) IsOnDemand() bool {
	return m == FeedModeOnDemand || m == FeedModeSmart
}

// FeedStatus reflects the supervisor's last persisted intent for a feed.
// The in-memory registry, not this column, is authoritative for liveness.
type FeedStatus string

const (
	// FeedStatusStopped indicates no transcoder is intended to run.
	FeedStatusStopped FeedStatus = "stopped"
	// FeedStatusStarting indicates a start is in progress (probe, spawn).
	FeedStatusStarting FeedStatus = "starting"
	// FeedStatusRunning indicates the transcoder was launched successfully.
	FeedStatusRunning FeedStatus = "running"
	// FeedStatusReconnecting indicates the transcoder exited abnormally and
	// a capped restart is pending.
	FeedStatusReconnecting FeedStatus = "reconnecting"
	// FeedStatusError indicates the last start or reconnect cycle failed
	// terminally; LastError carries the classified cause.
	FeedStatusError FeedStatus = "error"
)

// Valid reports whether the status is a known value.
func (s FeedStatus) Valid() bool {
	switch s {
	case FeedStatusStopped, FeedStatusStarting, FeedStatusRunning,
		FeedStatusReconnecting, FeedStatusError:
		return true
	}
	return false
}

// LatencyMode selects the planner's segmenting profile.
type LatencyMode string

const (
	// LatencyModeLow trades startup robustness for glass-to-glass delay:
	// 1s segments, short playlist, no-buffer input flags.
	LatencyModeLow LatencyMode = "low"
	// LatencyModeStable is the default profile: 3s segments, longer
	// playlist, buffered input.
	LatencyModeStable LatencyMode = "stable"
)

// Valid reports whether the latency mode is a known value.
func (l LatencyMode) Valid() bool {
	return l == LatencyModeLow || l == LatencyModeStable
}

// Feed represents one RTSP camera source in the catalog.
type Feed struct {
	// ID is a stable url-safe identifier (16 characters), generated once at
	// creation and immutable afterwards.
	ID string `gorm:"primarykey;size:32" json:"id"`

	// Name is a user-friendly display name.
	Name string `gorm:"not null;size:100;index" json:"name"`

	// SourceURL is the camera's RTSP endpoint. May embed credentials; never
	// log it raw.
	SourceURL string `gorm:"uniqueIndex;not null;size:2048" json:"source_url"`

	// Mode controls when the transcoder runs.
	Mode FeedMode `gorm:"not null;default:'on_demand';size:20;index" json:"mode"`

	// Status is the last persisted supervisor intent.
	Status FeedStatus `gorm:"not null;default:'stopped';size:20;index" json:"status"`

	// Detected stream properties, populated by the probe. Empty until the
	// feed has been analyzed at least once.
	VideoCodec string  `gorm:"size:50" json:"video_codec,omitempty"`
	AudioCodec string  `gorm:"size:50" json:"audio_codec,omitempty"`
	Resolution string  `gorm:"size:20" json:"resolution,omitempty"`
	Framerate  float64 `json:"framerate,omitempty"`
	Bitrate    int64   `json:"bitrate,omitempty"`

	// FFmpegOverrides is an optional JSON bag of planner overrides
	// (scalar keys plus verbatim per-segment argument arrays).
	FFmpegOverrides string `gorm:"column:ffmpeg_overrides;size:4096" json:"ffmpeg_overrides,omitempty"`

	// UseTranscode forces re-encoding even when the detected codecs are
	// HLS-compatible.
	UseTranscode bool `gorm:"default:false" json:"use_transcode"`

	// LatencyMode selects the segmenting profile.
	LatencyMode LatencyMode `gorm:"not null;default:'stable';size:10" json:"latency_mode"`

	// KeepAliveSeconds is the per-feed idle window before an on-demand feed
	// is reclaimed. Zero means "use the runtime default".
	KeepAliveSeconds int `gorm:"default:60" json:"keep_alive_seconds"`

	// Runtime counters maintained by the supervisor.
	ViewerCount    int        `gorm:"default:0" json:"viewer_count"`
	LastViewerTime *time.Time `json:"last_viewer_time,omitempty"`
	LastError      string     `gorm:"size:4096" json:"last_error,omitempty"`
	PID            int        `gorm:"column:pid;default:0" json:"pid,omitempty"`

	// Thumbnail is a data:image/jpeg;base64 URL captured by the thumbnailer.
	ThumbnailURL string     `gorm:"type:text" json:"thumbnail_url,omitempty"`
	ThumbnailAt  *time.Time `json:"thumbnail_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName returns the table name for Feed.
func (Feed) TableName() string {
	return "feeds"
}

// BeforeCreate generates a feed ID if not already set.
func (f *Feed) BeforeCreate(tx *gorm.DB) error {
	if f.ID == "" {
		f.ID = NewFeedID()
	}
	return nil
}

// Validate checks the feed for structural errors.
func (f *Feed) Validate() error {
	if strings.TrimSpace(f.Name) == "" {
		return ErrNameRequired
	}
	if len(f.Name) > 100 {
		return ErrNameTooLong
	}
	if len(f.SourceURL) < 10 {
		return ErrSourceURLRequired
	}
	if !strings.HasPrefix(f.SourceURL, "rtsp://") && !strings.HasPrefix(f.SourceURL, "rtsps://") {
		return ErrInvalidSourceURL
	}
	if !f.Mode.Valid() {
		return ErrInvalidMode
	}
	if !f.LatencyMode.Valid() {
		return ErrInvalidLatencyMode
	}
	if f.KeepAliveSeconds != 0 && (f.KeepAliveSeconds < 10 || f.KeepAliveSeconds > 3600) {
		return ErrKeepAliveRange
	}
	return nil
}

// HasCodecInfo reports whether the feed has been probed.
func (f *Feed) HasCodecInfo() bool {
	return f.VideoCodec != ""
}

// ClearCodecInfo wipes detected stream properties. Called when the source
// URL changes, since the previous probe no longer describes the stream.
func (f *Feed) ClearCodecInfo() {
	f.VideoCodec = ""
	f.AudioCodec = ""
	f.Resolution = ""
	f.Framerate = 0
	f.Bitrate = 0
}

// MarkStarting sets the feed status to starting and clears the last error.
func (f *Feed) MarkStarting() {
	f.Status = FeedStatusStarting
	f.LastError = ""
}

// MarkRunning sets the feed status to running with the transcoder PID.
func (f *Feed) MarkRunning(pid int) {
	f.Status = FeedStatusRunning
	f.PID = pid
	f.LastError = ""
}

// MarkReconnecting sets the feed status to reconnecting with a progress message.
func (f *Feed) MarkReconnecting(msg string) {
	f.Status = FeedStatusReconnecting
	f.LastError = msg
}

// MarkError sets the feed status to error with the classified cause.
func (f *Feed) MarkError(cause string) {
	f.Status = FeedStatusError
	f.LastError = cause
	f.PID = 0
}

// MarkStopped sets the feed status to stopped.
func (f *Feed) MarkStopped() {
	f.Status = FeedStatusStopped
	f.PID = 0
}
