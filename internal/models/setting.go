package models

import "time"

// Setting is a persisted key/value pair for runtime-tunable server settings.
// Values are stored as strings and parsed by the settings repository.
type Setting struct {
	Key       string    `gorm:"primarykey;size:100" json:"key"`
	Value     string    `gorm:"not null;size:1024" json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName returns the table name for Setting.
func (Setting) TableName() string {
	return "settings"
}

// Runtime-tunable setting keys consumed by the supervisor and planner.
const (
	// SettingMaxConcurrentStreams caps how many transcoders run at once.
	SettingMaxConcurrentStreams = "max_concurrent_streams"
	// SettingKeepAliveSeconds is the default idle window for on-demand feeds.
	SettingKeepAliveSeconds = "keep_alive_seconds"
	// SettingSegmentMaxAgeMinutes is the segment retention window for GC.
	SettingSegmentMaxAgeMinutes = "segment_max_age_minutes"
	// SettingHLSTime is the stable-mode segment duration in seconds (1-10).
	SettingHLSTime = "hls_time"
	// SettingHLSListSize is the stable-mode playlist length (3-20).
	SettingHLSListSize = "hls_list_size"
)
