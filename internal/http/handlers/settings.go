package handlers

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/nofearsk/rtspserver/internal/config"
	"github.com/nofearsk/rtspserver/internal/models"
	"github.com/nofearsk/rtspserver/internal/observability"
	"github.com/nofearsk/rtspserver/internal/repository"
)

// settingRange bounds an integer setting. Values outside the range are
// rejected rather than clamped so misconfigured clients fail loudly.
type settingRange struct {
	Min int
	Max int
}

var settingRanges = map[string]settingRange{
	models.SettingMaxConcurrentStreams: {Min: 1, Max: 100},
	models.SettingKeepAliveSeconds:     {Min: 10, Max: 3600},
	models.SettingSegmentMaxAgeMinutes: {Min: 1, Max: 60},
	models.SettingHLSTime:              {Min: 1, Max: 10},
	models.SettingHLSListSize:          {Min: 3, Max: 20},
}

// SettingsHandler handles settings API endpoints. Integer settings are
// persisted so they survive restarts and are picked up by the stream
// supervisor on its next decision; log settings apply to the running
// process only.
type SettingsHandler struct {
	settings repository.SettingRepository
	cfg      *config.Config
}

// NewSettingsHandler creates a new settings handler.
func NewSettingsHandler(settings repository.SettingRepository, cfg *config.Config) *SettingsHandler {
	return &SettingsHandler{
		settings: settings,
		cfg:      cfg,
	}
}

// Register registers the settings routes with the API.
func (h *SettingsHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "getSettings",
		Method:      "GET",
		Path:        "/api/v1/settings",
		Summary:     "Get runtime settings",
		Description: "Returns current runtime settings, falling back to configured defaults for values never saved",
		Tags:        []string{"Settings"},
	}, h.GetSettings)

	huma.Register(api, huma.Operation{
		OperationID: "updateSettings",
		Method:      "PUT",
		Path:        "/api/v1/settings",
		Summary:     "Update runtime settings",
		Description: "Updates runtime settings configuration",
		Tags:        []string{"Settings"},
	}, h.UpdateSettings)

	huma.Register(api, huma.Operation{
		OperationID: "getSettingsInfo",
		Method:      "GET",
		Path:        "/api/v1/settings/info",
		Summary:     "Get settings metadata",
		Description: "Returns metadata about available settings",
		Tags:        []string{"Settings"},
	}, h.GetSettingsInfo)
}

// RuntimeSettings represents the runtime settings data.
type RuntimeSettings struct {
	MaxConcurrentStreams int    `json:"max_concurrent_streams"`
	KeepAliveSeconds     int    `json:"keep_alive_seconds"`
	SegmentMaxAgeMinutes int    `json:"segment_max_age_minutes"`
	HLSTime              int    `json:"hls_time"`
	HLSListSize          int    `json:"hls_list_size"`
	LogLevel             string `json:"log_level"`
	EnableRequestLogging bool   `json:"enable_request_logging"`
}

func (h *SettingsHandler) currentSettings(ctx context.Context) (RuntimeSettings, error) {
	s := RuntimeSettings{
		LogLevel:             observability.GetLogLevel(),
		EnableRequestLogging: observability.IsRequestLoggingEnabled(),
	}

	var err error
	if s.MaxConcurrentStreams, err = h.settings.GetInt(ctx, models.SettingMaxConcurrentStreams, h.cfg.Streams.MaxConcurrentStreams); err != nil {
		return s, err
	}
	if s.KeepAliveSeconds, err = h.settings.GetInt(ctx, models.SettingKeepAliveSeconds, h.cfg.Streams.KeepAliveSeconds); err != nil {
		return s, err
	}
	if s.SegmentMaxAgeMinutes, err = h.settings.GetInt(ctx, models.SettingSegmentMaxAgeMinutes, h.cfg.Cleanup.SegmentMaxAgeMinutes); err != nil {
		return s, err
	}
	if s.HLSTime, err = h.settings.GetInt(ctx, models.SettingHLSTime, h.cfg.Streams.HLSTime); err != nil {
		return s, err
	}
	if s.HLSListSize, err = h.settings.GetInt(ctx, models.SettingHLSListSize, h.cfg.Streams.HLSListSize); err != nil {
		return s, err
	}
	return s, nil
}

// GetSettingsInput is the input for getting settings.
type GetSettingsInput struct{}

// GetSettingsOutput is the output for getting settings.
type GetSettingsOutput struct {
	Body struct {
		Success        bool            `json:"success"`
		Message        string          `json:"message"`
		Settings       RuntimeSettings `json:"settings"`
		AppliedChanges []string        `json:"applied_changes"`
	}
}

// GetSettings returns current runtime settings.
func (h *SettingsHandler) GetSettings(ctx context.Context, input *GetSettingsInput) (*GetSettingsOutput, error) {
	settings, err := h.currentSettings(ctx)
	if err != nil {
		return nil, huma.Error500InternalServerError("failed to load settings", err)
	}

	resp := &GetSettingsOutput{}
	resp.Body.Success = true
	resp.Body.Message = "Settings retrieved"
	resp.Body.Settings = settings
	resp.Body.AppliedChanges = []string{}
	return resp, nil
}

// UpdateSettingsInput is the input for updating settings.
type UpdateSettingsInput struct {
	Body struct {
		MaxConcurrentStreams *int    `json:"max_concurrent_streams,omitempty"`
		KeepAliveSeconds     *int    `json:"keep_alive_seconds,omitempty"`
		SegmentMaxAgeMinutes *int    `json:"segment_max_age_minutes,omitempty"`
		HLSTime              *int    `json:"hls_time,omitempty"`
		HLSListSize          *int    `json:"hls_list_size,omitempty"`
		LogLevel             *string `json:"log_level,omitempty"`
		EnableRequestLogging *bool   `json:"enable_request_logging,omitempty"`
	}
}

// UpdateSettingsOutput is the output for updating settings.
type UpdateSettingsOutput struct {
	Body struct {
		Success        bool            `json:"success"`
		Message        string          `json:"message"`
		Settings       RuntimeSettings `json:"settings"`
		AppliedChanges []string        `json:"applied_changes"`
	}
}

// UpdateSettings updates runtime settings. Integer settings are validated
// against their allowed ranges, then persisted. Log level changes take
// effect immediately for all loggers using the shared level.
func (h *SettingsHandler) UpdateSettings(ctx context.Context, input *UpdateSettingsInput) (*UpdateSettingsOutput, error) {
	appliedChanges := []string{}

	persisted := map[string]*int{
		models.SettingMaxConcurrentStreams: input.Body.MaxConcurrentStreams,
		models.SettingKeepAliveSeconds:     input.Body.KeepAliveSeconds,
		models.SettingSegmentMaxAgeMinutes: input.Body.SegmentMaxAgeMinutes,
		models.SettingHLSTime:              input.Body.HLSTime,
		models.SettingHLSListSize:          input.Body.HLSListSize,
	}

	// Validate everything before saving anything so a bad request does not
	// leave a partial update behind.
	for key, value := range persisted {
		if value == nil {
			continue
		}
		r := settingRanges[key]
		if *value < r.Min || *value > r.Max {
			return nil, huma.Error400BadRequest(fmt.Sprintf("%s must be between %d and %d", key, r.Min, r.Max))
		}
	}

	for _, key := range []string{
		models.SettingMaxConcurrentStreams,
		models.SettingKeepAliveSeconds,
		models.SettingSegmentMaxAgeMinutes,
		models.SettingHLSTime,
		models.SettingHLSListSize,
	} {
		value := persisted[key]
		if value == nil {
			continue
		}
		if err := h.settings.Set(ctx, key, strconv.Itoa(*value)); err != nil {
			return nil, huma.Error500InternalServerError("failed to save setting", err)
		}
		appliedChanges = append(appliedChanges, key)
	}

	if input.Body.LogLevel != nil {
		observability.SetLogLevel(*input.Body.LogLevel)
		appliedChanges = append(appliedChanges, "log_level")
	}

	if input.Body.EnableRequestLogging != nil {
		observability.SetRequestLogging(*input.Body.EnableRequestLogging)
		appliedChanges = append(appliedChanges, "enable_request_logging")
	}

	settings, err := h.currentSettings(ctx)
	if err != nil {
		return nil, huma.Error500InternalServerError("failed to load settings", err)
	}

	resp := &UpdateSettingsOutput{}
	resp.Body.Success = true
	resp.Body.Message = "Settings updated successfully"
	resp.Body.Settings = settings
	resp.Body.AppliedChanges = appliedChanges
	return resp, nil
}

// GetSettingsInfoInput is the input for getting settings info.
type GetSettingsInfoInput struct{}

// SettingOption represents an option for a setting field.
type SettingOption struct {
	Value       string `json:"value"`
	Label       string `json:"label"`
	Description string `json:"description,omitempty"`
}

// SettingField represents metadata about a setting field.
type SettingField struct {
	Name        string          `json:"name"`
	Type        string          `json:"type"`
	Description string          `json:"description"`
	Default     interface{}     `json:"default"`
	Min         int             `json:"min,omitempty"`
	Max         int             `json:"max,omitempty"`
	Options     []SettingOption `json:"options,omitempty"`
}

// GetSettingsInfoOutput is the output for getting settings info.
type GetSettingsInfoOutput struct {
	Body struct {
		Fields    []SettingField `json:"fields"`
		Version   string         `json:"version"`
		Timestamp string         `json:"timestamp"`
	}
}

// GetSettingsInfo returns metadata about available settings.
func (h *SettingsHandler) GetSettingsInfo(ctx context.Context, input *GetSettingsInfoInput) (*GetSettingsInfoOutput, error) {
	resp := &GetSettingsInfoOutput{}
	resp.Body.Fields = []SettingField{
		{
			Name:        models.SettingMaxConcurrentStreams,
			Type:        "number",
			Description: "Maximum number of transcoders running at once",
			Default:     h.cfg.Streams.MaxConcurrentStreams,
			Min:         settingRanges[models.SettingMaxConcurrentStreams].Min,
			Max:         settingRanges[models.SettingMaxConcurrentStreams].Max,
		},
		{
			Name:        models.SettingKeepAliveSeconds,
			Type:        "number",
			Description: "Seconds without a viewer heartbeat before an on-demand feed stops",
			Default:     h.cfg.Streams.KeepAliveSeconds,
			Min:         settingRanges[models.SettingKeepAliveSeconds].Min,
			Max:         settingRanges[models.SettingKeepAliveSeconds].Max,
		},
		{
			Name:        models.SettingSegmentMaxAgeMinutes,
			Type:        "number",
			Description: "Age after which segments of stopped feeds are deleted",
			Default:     h.cfg.Cleanup.SegmentMaxAgeMinutes,
			Min:         settingRanges[models.SettingSegmentMaxAgeMinutes].Min,
			Max:         settingRanges[models.SettingSegmentMaxAgeMinutes].Max,
		},
		{
			Name:        models.SettingHLSTime,
			Type:        "number",
			Description: "Target HLS segment duration in seconds",
			Default:     h.cfg.Streams.HLSTime,
			Min:         settingRanges[models.SettingHLSTime].Min,
			Max:         settingRanges[models.SettingHLSTime].Max,
		},
		{
			Name:        models.SettingHLSListSize,
			Type:        "number",
			Description: "Number of segments kept in the live playlist",
			Default:     h.cfg.Streams.HLSListSize,
			Min:         settingRanges[models.SettingHLSListSize].Min,
			Max:         settingRanges[models.SettingHLSListSize].Max,
		},
		{
			Name:        "log_level",
			Type:        "select",
			Description: "Logging verbosity level",
			Default:     "info",
			Options: []SettingOption{
				{Value: "trace", Label: "Trace", Description: "Most verbose logging"},
				{Value: "debug", Label: "Debug", Description: "Debug level logging"},
				{Value: "info", Label: "Info", Description: "Standard logging"},
				{Value: "warn", Label: "Warning", Description: "Warnings and errors only"},
				{Value: "error", Label: "Error", Description: "Errors only"},
			},
		},
		{
			Name:        "enable_request_logging",
			Type:        "boolean",
			Description: "Enable logging of HTTP requests",
			Default:     false,
		},
	}
	resp.Body.Version = "1.0.0"
	resp.Body.Timestamp = time.Now().UTC().Format(time.RFC3339)
	return resp, nil
}
