package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/apk-analysis/apk-risk-go/internal/domain"
	"github.com/apk-analysis/apk-risk-go/internal/features"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// FeatureCacheRepository 以 sha256 为键持久化 FeatureSet，实现 features.Cache
type FeatureCacheRepository struct {
	db     *gorm.DB
	logger *logrus.Logger
}

var _ features.Cache = (*FeatureCacheRepository)(nil)

func NewFeatureCacheRepository(db *gorm.DB, logger *logrus.Logger) *FeatureCacheRepository {
	return &FeatureCacheRepository{
		db:     db,
		logger: logger,
	}
}

// Get 未命中或扫描版本不一致时返回 (nil, false, nil)
func (r *FeatureCacheRepository) Get(ctx context.Context, sha256, version string) (*features.FeatureSet, bool, error) {
	var entry domain.FeatureCacheEntry
	err := r.db.WithContext(ctx).First(&entry, "sha256 = ?", sha256).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if entry.ScanVersion != version {
		r.logger.WithFields(logrus.Fields{
			"sha256":        sha256,
			"entry_version": entry.ScanVersion,
		}).Debug("Feature cache entry from another scan version")
		return nil, false, nil
	}

	var fs features.FeatureSet
	if err := json.Unmarshal([]byte(entry.FeaturesJSON), &fs); err != nil {
		// 损坏的条目当作未命中，下一次 Put 会覆盖
		r.logger.WithError(err).WithField("sha256", sha256).Warn("Discarding corrupt feature cache entry")
		return nil, false, nil
	}
	return &fs, true, nil
}

// Put 插入或覆盖
func (r *FeatureCacheRepository) Put(ctx context.Context, sha256, version string, fs *features.FeatureSet) error {
	raw, err := json.Marshal(fs)
	if err != nil {
		return fmt.Errorf("failed to encode feature set: %w", err)
	}

	now := time.Now().UTC()
	entry := &domain.FeatureCacheEntry{
		SHA256:       sha256,
		ScanVersion:  version,
		FeaturesJSON: string(raw),
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "sha256"}},
			DoUpdates: clause.AssignmentColumns([]string{"scan_version", "features_json", "updated_at"}),
		}).
		Create(entry).Error
}

// PurgeStale 删除扫描版本不是 version 或早于 before 的条目；before 为零值时只按版本清理
func (r *FeatureCacheRepository) PurgeStale(ctx context.Context, version string, before time.Time) (int64, error) {
	q := r.db.WithContext(ctx).Where("scan_version <> ?", version)
	if !before.IsZero() {
		q = q.Or("updated_at < ?", before)
	}
	result := q.Delete(&domain.FeatureCacheEntry{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to purge feature cache: %w", result.Error)
	}
	return result.RowsAffected, nil
}
