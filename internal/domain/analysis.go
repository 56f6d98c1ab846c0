package domain

import (
	"time"
)

type AnalysisStatus string

const (
	AnalysisStatusQueued    AnalysisStatus = "queued"
	AnalysisStatusAnalyzing AnalysisStatus = "analyzing"
	AnalysisStatusCompleted AnalysisStatus = "completed"
	AnalysisStatusFailed    AnalysisStatus = "failed"
)

// IsTerminal 已结束（完成或失败）
func (s AnalysisStatus) IsTerminal() bool {
	return s == AnalysisStatusCompleted || s == AnalysisStatusFailed
}

// FailureKind 失败类型
type FailureKind string

const (
	FailureKindNone       FailureKind = ""                 // 无失败（成功或进行中）
	FailureKindParse      FailureKind = "parse_error"      // 不是有效的 APK 容器
	FailureKindExtraction FailureKind = "extraction_error" // manifest 缺失或损坏
	FailureKindTimeout    FailureKind = "timeout"          // 分析超时或被取消
	FailureKindInternal   FailureKind = "internal"         // 程序内部错误
)

// GetDisplayName 获取失败类型的中文显示名称
func (k FailureKind) GetDisplayName() string {
	switch k {
	case FailureKindNone:
		return ""
	case FailureKindParse:
		return "无法解析"
	case FailureKindExtraction:
		return "清单无效"
	case FailureKindTimeout:
		return "分析超时"
	default:
		return "内部错误"
	}
}

// CanRetry 输入类错误重试无意义
func (k FailureKind) CanRetry() bool {
	return k == FailureKindTimeout || k == FailureKindInternal
}

// AnalysisRecord 分析记录表
type AnalysisRecord struct {
	ID           string         `gorm:"primaryKey;type:varchar(36)" json:"id"`
	FileName     string         `gorm:"type:varchar(255);not null" json:"file_name"`
	FilePath     string         `gorm:"type:varchar(1024)" json:"-"`
	SHA256       string         `gorm:"type:char(64);index:idx_sha256;not null" json:"sha256"`
	FileSize     int64          `json:"file_size"`
	Status       AnalysisStatus `gorm:"type:varchar(20);index:idx_status;not null;default:'queued'" json:"status"`
	PackageName  string         `gorm:"type:varchar(255)" json:"package_name,omitempty"`
	Verdict      string         `gorm:"type:varchar(20);index:idx_verdict" json:"verdict,omitempty"`
	RiskScore    float64        `json:"risk_score"`
	HitCount     int            `json:"hit_count"`
	Scorer       string         `gorm:"type:varchar(20)" json:"scorer,omitempty"`
	ReportJSON   string         `gorm:"type:mediumtext" json:"-"`
	FailureKind  FailureKind    `gorm:"type:varchar(30);default:''" json:"failure_kind,omitempty"`
	ErrorMessage string         `gorm:"type:text" json:"error_message,omitempty"`
	DurationMs   int64          `json:"duration_ms"`
	CreatedAt    time.Time      `gorm:"not null" json:"created_at"`
	StartedAt    *time.Time     `json:"started_at,omitempty"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
}

func (AnalysisRecord) TableName() string {
	return "analysis_records"
}

// FeatureCacheEntry 按 APK 摘要缓存的特征集
type FeatureCacheEntry struct {
	SHA256       string    `gorm:"primaryKey;type:char(64)" json:"sha256"`
	ScanVersion  string    `gorm:"type:char(64);index;not null;default:''" json:"scan_version"`
	FeaturesJSON string    `gorm:"type:mediumtext;not null" json:"features_json"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (FeatureCacheEntry) TableName() string {
	return "feature_cache"
}
