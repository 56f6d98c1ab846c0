package repository

import (
	"context"
	"errors"
	"time"

	"github.com/apk-analysis/apk-risk-go/internal/domain"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// ListFilter 列表查询条件
type ListFilter struct {
	Page     int
	PageSize int
	Verdict  string
	Status   domain.AnalysisStatus
	Search   string // 包名或文件名模糊匹配
}

func (f *ListFilter) normalize() {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.PageSize < 1 {
		f.PageSize = 20
	}
	if f.PageSize > 200 {
		f.PageSize = 200
	}
}

type AnalysisRepository interface {
	Create(ctx context.Context, record *domain.AnalysisRecord) error
	Update(ctx context.Context, record *domain.AnalysisRecord) error
	FindByID(ctx context.Context, id string) (*domain.AnalysisRecord, error)
	// 同一文件的最近一次成功结果
	FindCompletedBySHA256(ctx context.Context, sha256 string) (*domain.AnalysisRecord, error)
	List(ctx context.Context, filter ListFilter) ([]*domain.AnalysisRecord, int64, error)
	// 获取指定状态的全部记录（不分页）
	ListByStatus(ctx context.Context, status domain.AnalysisStatus) ([]*domain.AnalysisRecord, error)
	// 各 verdict 的完成数量
	CountByVerdict(ctx context.Context) (map[string]int64, int64, error)
	// 各状态数量
	CountByStatus(ctx context.Context) (map[string]int64, error)
	// 原子地将 queued（或可重试失败）记录置为 analyzing，返回是否抢到
	MarkAnalyzing(ctx context.Context, id string) (bool, error)
	Delete(ctx context.Context, id string) error
}

type analysisRepo struct {
	db     *gorm.DB
	logger *logrus.Logger
}

func NewAnalysisRepository(db *gorm.DB, logger *logrus.Logger) AnalysisRepository {
	return &analysisRepo{
		db:     db,
		logger: logger,
	}
}

func (r *analysisRepo) Create(ctx context.Context, record *domain.AnalysisRecord) error {
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	if record.Status == "" {
		record.Status = domain.AnalysisStatusQueued
	}
	return r.db.WithContext(ctx).Create(record).Error
}

func (r *analysisRepo) Update(ctx context.Context, record *domain.AnalysisRecord) error {
	// Select 明确列出字段，零值（如 risk_score=0）也要写入
	err := r.db.WithContext(ctx).
		Model(record).
		Select("status", "package_name", "verdict", "risk_score", "hit_count", "scorer",
			"report_json", "failure_kind", "error_message", "duration_ms",
			"started_at", "completed_at").
		Updates(record).Error

	if err != nil {
		r.logger.WithError(err).WithField("analysis_id", record.ID).Error("Analysis record update failed")
	}
	return err
}

func (r *analysisRepo) FindByID(ctx context.Context, id string) (*domain.AnalysisRecord, error) {
	var record domain.AnalysisRecord
	err := r.db.WithContext(ctx).First(&record, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

func (r *analysisRepo) FindCompletedBySHA256(ctx context.Context, sha256 string) (*domain.AnalysisRecord, error) {
	var record domain.AnalysisRecord
	err := r.db.WithContext(ctx).
		Where("sha256 = ? AND status = ?", sha256, domain.AnalysisStatusCompleted).
		Order("completed_at DESC").
		First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

func (r *analysisRepo) List(ctx context.Context, filter ListFilter) ([]*domain.AnalysisRecord, int64, error) {
	filter.normalize()

	var records []*domain.AnalysisRecord
	var total int64

	// 构建基础查询
	query := r.db.WithContext(ctx).Model(&domain.AnalysisRecord{})
	if filter.Verdict != "" {
		query = query.Where("verdict = ?", filter.Verdict)
	}
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.Search != "" {
		like := "%" + filter.Search + "%"
		query = query.Where("package_name LIKE ? OR file_name LIKE ?", like, like)
	}

	if err := query.Session(&gorm.Session{}).Count(&total).Error; err != nil {
		return nil, 0, err
	}

	// 列表不加载完整报告
	err := query.
		Omit("report_json").
		Order("created_at DESC").
		Offset((filter.Page - 1) * filter.PageSize).
		Limit(filter.PageSize).
		Find(&records).Error
	if err != nil {
		return nil, 0, err
	}

	return records, total, nil
}

func (r *analysisRepo) ListByStatus(ctx context.Context, status domain.AnalysisStatus) ([]*domain.AnalysisRecord, error) {
	var records []*domain.AnalysisRecord
	err := r.db.WithContext(ctx).
		Where("status = ?", status).
		Order("created_at ASC").
		Find(&records).Error
	return records, err
}

func (r *analysisRepo) CountByVerdict(ctx context.Context) (map[string]int64, int64, error) {
	type verdictCount struct {
		Verdict string
		Count   int64
	}

	var results []verdictCount
	err := r.db.WithContext(ctx).
		Model(&domain.AnalysisRecord{}).
		Select("verdict, COUNT(*) as count").
		Where("status = ?", domain.AnalysisStatusCompleted).
		Group("verdict").
		Scan(&results).Error
	if err != nil {
		r.logger.WithError(err).Error("Failed to count verdicts")
		return nil, 0, err
	}

	counts := map[string]int64{
		"benign":     0,
		"suspicious": 0,
		"malicious":  0,
	}
	var total int64
	for _, c := range results {
		counts[c.Verdict] = c.Count
		total += c.Count
	}
	return counts, total, nil
}

func (r *analysisRepo) CountByStatus(ctx context.Context) (map[string]int64, error) {
	type statusCount struct {
		Status string
		Count  int64
	}

	var results []statusCount
	err := r.db.WithContext(ctx).
		Model(&domain.AnalysisRecord{}).
		Select("status, COUNT(*) as count").
		Group("status").
		Scan(&results).Error
	if err != nil {
		r.logger.WithError(err).Error("Failed to count statuses")
		return nil, err
	}

	counts := map[string]int64{
		string(domain.AnalysisStatusQueued):    0,
		string(domain.AnalysisStatusAnalyzing): 0,
		string(domain.AnalysisStatusCompleted): 0,
		string(domain.AnalysisStatusFailed):    0,
	}
	for _, c := range results {
		counts[c.Status] = c.Count
	}
	return counts, nil
}

func (r *analysisRepo) MarkAnalyzing(ctx context.Context, id string) (bool, error) {
	now := time.Now().UTC()
	result := r.db.WithContext(ctx).
		Model(&domain.AnalysisRecord{}).
		Where("id = ?", id).
		Where(r.db.Where("status = ?", domain.AnalysisStatusQueued).
			Or("status = ? AND failure_kind IN ?", domain.AnalysisStatusFailed,
				[]domain.FailureKind{domain.FailureKindTimeout, domain.FailureKindInternal})).
		Updates(map[string]interface{}{
			"status":        domain.AnalysisStatusAnalyzing,
			"started_at":    now,
			"failure_kind":  domain.FailureKindNone,
			"error_message": "",
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *analysisRepo) Delete(ctx context.Context, id string) error {
	result := r.db.WithContext(ctx).Delete(&domain.AnalysisRecord{}, "id = ?", id)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
