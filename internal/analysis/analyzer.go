package analysis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/apk-analysis/apk-risk-go/internal/apk"
	"github.com/apk-analysis/apk-risk-go/internal/explain"
	"github.com/apk-analysis/apk-risk-go/internal/features"
	"github.com/apk-analysis/apk-risk-go/internal/risk"
	"github.com/apk-analysis/apk-risk-go/internal/staticanalysis"
	"github.com/apk-analysis/apk-risk-go/internal/verdict"
	"github.com/sirupsen/logrus"
)

// Options 分析流水线的组成部分，nil 字段使用默认实现
type Options struct {
	Manifest   *staticanalysis.ManifestExtractor
	Scanner    *staticanalysis.CodeScanner
	Scorer     risk.Scorer
	Classifier *verdict.Classifier
	Cache      features.Cache
}

// Analyzer 提取 → 合并 → 评分 → 分级 → 说明
type Analyzer struct {
	manifest   *staticanalysis.ManifestExtractor
	scanner    *staticanalysis.CodeScanner
	scorer     risk.Scorer
	classifier *verdict.Classifier
	cache      features.Cache
	logger     *logrus.Logger
	now        func() time.Time
}

// NewAnalyzer 创建分析器
func NewAnalyzer(opts Options, logger *logrus.Logger) (*Analyzer, error) {
	a := &Analyzer{
		manifest:   opts.Manifest,
		scanner:    opts.Scanner,
		scorer:     opts.Scorer,
		classifier: opts.Classifier,
		cache:      opts.Cache,
		logger:     logger,
		now:        time.Now,
	}

	if a.manifest == nil {
		a.manifest = staticanalysis.NewManifestExtractor(logger)
	}
	if a.scanner == nil {
		scanner, err := staticanalysis.NewCodeScanner(nil, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create code scanner: %w", err)
		}
		a.scanner = scanner
	}
	if a.scorer == nil {
		scorer, err := risk.NewRuleScorer(nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create rule scorer: %w", err)
		}
		a.scorer = scorer
	}
	if a.classifier == nil {
		classifier, err := verdict.NewClassifier(verdict.DefaultThresholds())
		if err != nil {
			return nil, err
		}
		a.classifier = classifier
	}
	return a, nil
}

// ScorerName 当前评分器名称
func (a *Analyzer) ScorerName() string {
	return a.scorer.Name()
}

// ScanVersion 当前代码扫描配置的指纹，特征缓存按它区分
func (a *Analyzer) ScanVersion() string {
	return a.scanner.Version()
}

// Extract 提取并合并特征；命中同一扫描版本的缓存时跳过扫描
func (a *Analyzer) Extract(ctx context.Context, p *apk.ParsedApk) (*features.FeatureSet, error) {
	digest := p.SHA256()
	version := a.scanner.Version()

	// 1. 查缓存
	if a.cache != nil {
		fs, ok, err := a.cache.Get(ctx, digest, version)
		if err != nil {
			a.logger.WithError(err).WithField("sha256", digest).Warn("Feature cache lookup failed")
		} else if ok {
			a.logger.WithField("sha256", digest).Debug("Feature cache hit")
			return fs, nil
		}
	}

	// 2. manifest 失败时仍然扫描代码，便于日志和指标
	facts, manifestErr := a.manifest.Extract(p)
	signals := a.scanner.Scan(ctx, p)

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if manifestErr != nil {
		a.logger.WithFields(logrus.Fields{
			"sha256":    digest,
			"rule_hits": len(signals.Hits),
			"error":     manifestErr,
		}).Warn("Manifest extraction failed")
		return nil, manifestErr
	}

	fs := features.Merge(facts, signals)

	// 3. 写缓存
	if a.cache != nil {
		if err := a.cache.Put(ctx, digest, version, fs); err != nil {
			a.logger.WithError(err).WithField("sha256", digest).Warn("Feature cache store failed")
		}
	}
	return fs, nil
}

// Evaluate 对已有特征评分并生成报告
func (a *Analyzer) Evaluate(fs *features.FeatureSet, digest, packageName string) *Report {
	result := a.scorer.Score(fs)
	v := a.classifier.Classify(result.RiskScore)

	return &Report{
		Verdict:           v,
		RiskScore:         result.RiskScore,
		Features:          fs,
		Explain:           explain.Text(result.Hits),
		Reasons:           explain.Reasons(result.Hits),
		Hits:              result.Hits,
		RecommendedAction: verdict.RecommendedAction(v),
		SHA256:            digest,
		PackageName:       packageName,
		Scorer:            result.Scorer,
		AnalyzedAt:        a.now().UTC(),
	}
}

// Analyze 分析已解析的 APK，调用方负责 Close
func (a *Analyzer) Analyze(ctx context.Context, p *apk.ParsedApk) (*Report, error) {
	start := time.Now()

	fs, err := a.Extract(ctx, p)
	if err != nil {
		return nil, err
	}

	report := a.Evaluate(fs, p.SHA256(), p.PackageName())

	a.logger.WithFields(logrus.Fields{
		"sha256":      report.SHA256,
		"package":     report.PackageName,
		"verdict":     report.Verdict,
		"risk_score":  report.RiskScore,
		"hits":        len(report.Hits),
		"scorer":      report.Scorer,
		"duration_ms": time.Since(start).Milliseconds(),
	}).Info("APK analyzed")

	return report, nil
}

// AnalyzeBytes 解析并分析内存中的 APK
func (a *Analyzer) AnalyzeBytes(ctx context.Context, data []byte) (*Report, error) {
	p, err := apk.Parse(ctx, data)
	if err != nil {
		return nil, err
	}
	defer p.Close()

	return a.Analyze(ctx, p)
}

// AnalyzeFile 解析并分析磁盘上的 APK
func (a *Analyzer) AnalyzeFile(ctx context.Context, path string) (*Report, error) {
	p, err := apk.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	defer p.Close()

	return a.Analyze(ctx, p)
}

// FailureKind 错误分类，用于指标和持久化
func FailureKind(err error) string {
	var parseErr *ParseError
	var extErr *ExtractionError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &parseErr):
		return "parse_error"
	case errors.As(err, &extErr):
		return "extraction_error"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return "timeout"
	default:
		return "internal"
	}
}

// IsInputError 输入本身无效（重试无意义）
func IsInputError(err error) bool {
	switch FailureKind(err) {
	case "parse_error", "extraction_error":
		return true
	}
	return false
}
