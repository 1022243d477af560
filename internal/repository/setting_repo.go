package repository

import (
	"context"
	"fmt"
	"strconv"

	"github.com/nofearsk/rtspserver/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// settingRepo implements SettingRepository using GORM.
type settingRepo struct {
	db *gorm.DB
}

// NewSettingRepository creates a new SettingRepository.
func NewSettingRepository(db *gorm.DB) *settingRepo {
	return &settingRepo{db: db}
}

// Get retrieves a setting by key. Returns nil if the key is not set.
func (r *settingRepo) Get(ctx context.Context, key string) (*models.Setting, error) {
	var setting models.Setting
	if err := r.db.WithContext(ctx).Where("key = ?", key).First(&setting).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("getting setting %s: %w", key, err)
	}
	return &setting, nil
}

// GetInt retrieves a setting as an integer, returning fallback when the key
// is absent or not numeric.
func (r *settingRepo) GetInt(ctx context.Context, key string, fallback int) (int, error) {
	setting, err := r.Get(ctx, key)
	if err != nil {
		return fallback, err
	}
	if setting == nil {
		return fallback, nil
	}

	value, err := strconv.Atoi(setting.Value)
	if err != nil {
		return fallback, fmt.Errorf("setting %s is not numeric: %w", key, err)
	}
	return value, nil
}

// Set creates or updates a setting.
func (r *settingRepo) Set(ctx context.Context, key, value string) error {
	setting := models.Setting{Key: key, Value: value}
	if err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&setting).Error; err != nil {
		return fmt.Errorf("setting %s: %w", key, err)
	}
	return nil
}

// GetAll retrieves all settings.
func (r *settingRepo) GetAll(ctx context.Context) ([]*models.Setting, error) {
	var settings []*models.Setting
	if err := r.db.WithContext(ctx).Order("key ASC").Find(&settings).Error; err != nil {
		return nil, fmt.Errorf("getting all settings: %w", err)
	}
	return settings, nil
}

// Delete removes a setting by key.
func (r *settingRepo) Delete(ctx context.Context, key string) error {
	if err := r.db.WithContext(ctx).Where("key = ?", key).Delete(&models.Setting{}).Error; err != nil {
		return fmt.Errorf("deleting setting %s: %w", key, err)
	}
	return nil
}

// Ensure settingRepo implements SettingRepository at compile time.
var _ SettingRepository = (*settingRepo)(nil)
