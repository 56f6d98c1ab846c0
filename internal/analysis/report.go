package analysis

import (
	"time"

	"github.com/apk-analysis/apk-risk-go/internal/apk"
	"github.com/apk-analysis/apk-risk-go/internal/features"
	"github.com/apk-analysis/apk-risk-go/internal/risk"
	"github.com/apk-analysis/apk-risk-go/internal/staticanalysis"
	"github.com/apk-analysis/apk-risk-go/internal/verdict"
)

// ParseError APK 容器无法读取
type ParseError = apk.ParseError

// ExtractionError manifest 缺失或无效
type ExtractionError = staticanalysis.ExtractionError

// Report 单个 APK 的分析报告，构造后不再修改
type Report struct {
	Verdict           verdict.Verdict      `json:"verdict"`
	RiskScore         float64              `json:"risk_score"`
	Features          *features.FeatureSet `json:"features"`
	Explain           string               `json:"explain"`
	Reasons           []string             `json:"reasons"`
	Hits              []risk.RuleHit       `json:"hits"`
	RecommendedAction string               `json:"recommended_action"`
	SHA256            string               `json:"sha256"`
	PackageName       string               `json:"package_name"`
	Scorer            string               `json:"scorer"`
	AnalyzedAt        time.Time            `json:"analyzed_at"`
}

// RuleIDs 命中的规则 id（按命中顺序）
func (r *Report) RuleIDs() []string {
	ids := make([]string, 0, len(r.Hits))
	for _, h := range r.Hits {
		ids = append(ids, h.RuleID)
	}
	return ids
}
