package handlers

import (
	"context"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/nofearsk/rtspserver/internal/config"
	"github.com/nofearsk/rtspserver/internal/models"
	"github.com/nofearsk/rtspserver/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newSettingsFixture(t *testing.T) (*SettingsHandler, repository.SettingRepository) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.Setting{}))

	cfg := &config.Config{}
	cfg.Streams.MaxConcurrentStreams = 10
	cfg.Streams.KeepAliveSeconds = 60
	cfg.Streams.HLSTime = 2
	cfg.Streams.HLSListSize = 10
	cfg.Cleanup.SegmentMaxAgeMinutes = 5

	repo := repository.NewSettingRepository(db)
	return NewSettingsHandler(repo, cfg), repo
}

func TestSettingsHandler_GetSettings_FallsBackToConfig(t *testing.T) {
	h, _ := newSettingsFixture(t)

	out, err := h.GetSettings(context.Background(), &GetSettingsInput{})
	require.NoError(t, err)

	assert.True(t, out.Body.Success)
	assert.Equal(t, 10, out.Body.Settings.MaxConcurrentStreams)
	assert.Equal(t, 60, out.Body.Settings.KeepAliveSeconds)
	assert.Equal(t, 5, out.Body.Settings.SegmentMaxAgeMinutes)
	assert.Equal(t, 2, out.Body.Settings.HLSTime)
	assert.Equal(t, 10, out.Body.Settings.HLSListSize)
	assert.Empty(t, out.Body.AppliedChanges)
}

func TestSettingsHandler_UpdateSettings_Persists(t *testing.T) {
	h, repo := newSettingsFixture(t)
	ctx := context.Background()

	input := &UpdateSettingsInput{}
	maxStreams := 4
	keepAlive := 120
	input.Body.MaxConcurrentStreams = &maxStreams
	input.Body.KeepAliveSeconds = &keepAlive

	out, err := h.UpdateSettings(ctx, input)
	require.NoError(t, err)

	assert.True(t, out.Body.Success)
	assert.ElementsMatch(t, []string{
		models.SettingMaxConcurrentStreams,
		models.SettingKeepAliveSeconds,
	}, out.Body.AppliedChanges)
	assert.Equal(t, 4, out.Body.Settings.MaxConcurrentStreams)
	assert.Equal(t, 120, out.Body.Settings.KeepAliveSeconds)
	// Untouched keys still come from config.
	assert.Equal(t, 2, out.Body.Settings.HLSTime)

	row, err := repo.Get(ctx, models.SettingMaxConcurrentStreams)
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, "4", row.Value)

	// A fresh read reflects the persisted values.
	got, err := h.GetSettings(ctx, &GetSettingsInput{})
	require.NoError(t, err)
	assert.Equal(t, 4, got.Body.Settings.MaxConcurrentStreams)
	assert.Equal(t, 120, got.Body.Settings.KeepAliveSeconds)
}

func TestSettingsHandler_UpdateSettings_RejectsOutOfRange(t *testing.T) {
	cases := []struct {
		name  string
		apply func(input *UpdateSettingsInput, v int)
		value int
	}{
		{"max_concurrent_streams low", func(i *UpdateSettingsInput, v int) { i.Body.MaxConcurrentStreams = &v }, 0},
		{"max_concurrent_streams high", func(i *UpdateSettingsInput, v int) { i.Body.MaxConcurrentStreams = &v }, 101},
		{"keep_alive_seconds low", func(i *UpdateSettingsInput, v int) { i.Body.KeepAliveSeconds = &v }, 5},
		{"keep_alive_seconds high", func(i *UpdateSettingsInput, v int) { i.Body.KeepAliveSeconds = &v }, 3601},
		{"segment_max_age_minutes high", func(i *UpdateSettingsInput, v int) { i.Body.SegmentMaxAgeMinutes = &v }, 61},
		{"hls_time high", func(i *UpdateSettingsInput, v int) { i.Body.HLSTime = &v }, 11},
		{"hls_list_size low", func(i *UpdateSettingsInput, v int) { i.Body.HLSListSize = &v }, 2},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h, _ := newSettingsFixture(t)

			input := &UpdateSettingsInput{}
			tc.apply(input, tc.value)

			_, err := h.UpdateSettings(context.Background(), input)
			assert.Equal(t, 400, httpStatus(t, err))
		})
	}
}

func TestSettingsHandler_UpdateSettings_ValidatesBeforeSaving(t *testing.T) {
	h, repo := newSettingsFixture(t)
	ctx := context.Background()

	input := &UpdateSettingsInput{}
	good := 4
	bad := 999
	input.Body.MaxConcurrentStreams = &good
	input.Body.KeepAliveSeconds = &bad

	_, err := h.UpdateSettings(ctx, input)
	assert.Equal(t, 400, httpStatus(t, err))

	// The valid key must not have been saved alongside the rejected one.
	row, err := repo.Get(ctx, models.SettingMaxConcurrentStreams)
	require.NoError(t, err)
	assert.Nil(t, row)
}

func TestSettingsHandler_GetSettingsInfo(t *testing.T) {
	h, _ := newSettingsFixture(t)

	out, err := h.GetSettingsInfo(context.Background(), &GetSettingsInfoInput{})
	require.NoError(t, err)

	names := make(map[string]SettingField, len(out.Body.Fields))
	for _, field := range out.Body.Fields {
		names[field.Name] = field
	}

	require.Contains(t, names, models.SettingMaxConcurrentStreams)
	assert.Equal(t, 1, names[models.SettingMaxConcurrentStreams].Min)
	assert.Equal(t, 100, names[models.SettingMaxConcurrentStreams].Max)
	assert.Equal(t, 10, names[models.SettingMaxConcurrentStreams].Default)
	require.Contains(t, names, "log_level")
	assert.NotEmpty(t, names["log_level"].Options)
}
