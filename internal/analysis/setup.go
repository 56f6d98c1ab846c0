package analysis

import (
	"fmt"

	"github.com/apk-analysis/apk-risk-go/internal/config"
	"github.com/apk-analysis/apk-risk-go/internal/features"
	"github.com/apk-analysis/apk-risk-go/internal/risk"
	"github.com/apk-analysis/apk-risk-go/internal/risk/onnxmodel"
	"github.com/apk-analysis/apk-risk-go/internal/staticanalysis"
	"github.com/apk-analysis/apk-risk-go/internal/verdict"
	"github.com/sirupsen/logrus"
)

// NewFromConfig 按配置装配规则表、评分器和分级阈值；cache 可为 nil。
// 返回的 cleanup 释放模型资源，调用方退出前执行
func NewFromConfig(cfg *config.Config, cache features.Cache, logger *logrus.Logger) (*Analyzer, func(), error) {
	cleanup := func() {}

	var rules []risk.Rule
	if cfg.Risk.RulesFile != "" {
		loaded, err := risk.LoadRules(cfg.Risk.RulesFile)
		if err != nil {
			return nil, cleanup, fmt.Errorf("failed to load risk rules: %w", err)
		}
		rules = loaded
		logger.WithFields(logrus.Fields{
			"file":  cfg.Risk.RulesFile,
			"count": len(rules),
		}).Info("Risk rules loaded")
	}
	ruleScorer, err := risk.NewRuleScorer(rules)
	if err != nil {
		return nil, cleanup, fmt.Errorf("failed to create rule scorer: %w", err)
	}

	var codeRules []staticanalysis.CodeRule
	if cfg.Risk.CodeRulesFile != "" {
		loaded, err := staticanalysis.LoadCodeRules(cfg.Risk.CodeRulesFile)
		if err != nil {
			return nil, cleanup, fmt.Errorf("failed to load code rules: %w", err)
		}
		codeRules = loaded
		logger.WithFields(logrus.Fields{
			"file":  cfg.Risk.CodeRulesFile,
			"count": len(codeRules),
		}).Info("Code rules loaded")
	}
	scanner, err := staticanalysis.NewCodeScanner(codeRules, logger,
		staticanalysis.WithMaxEntryBytes(int64(cfg.Analysis.MaxEntryMB)<<20))
	if err != nil {
		return nil, cleanup, fmt.Errorf("failed to create code scanner: %w", err)
	}

	classifier, err := verdict.NewClassifier(verdict.Thresholds{
		Low:  cfg.Verdict.LowThreshold,
		High: cfg.Verdict.HighThreshold,
	})
	if err != nil {
		return nil, cleanup, err
	}

	var scorer risk.Scorer = ruleScorer
	if cfg.Model.Enabled {
		model, err := onnxmodel.Load(onnxmodel.Options{
			ModelPath:         cfg.Model.Path,
			SharedLibraryPath: cfg.Model.SharedLibraryPath,
			InputName:         cfg.Model.InputName,
			OutputName:        cfg.Model.OutputName,
			PositiveIndex:     cfg.Model.PositiveIndex,
		}, ruleScorer, logger)
		if err != nil {
			// 模型不可用时退回规则评分
			logger.WithError(err).Warn("Failed to load risk model, falling back to rule scorer")
		} else {
			scorer = model
			cleanup = func() {
				if err := model.Close(); err != nil {
					logger.WithError(err).Warn("Failed to release risk model")
				}
			}
			logger.WithField("model", cfg.Model.Path).Info("Risk model loaded")
		}
	}

	opts := Options{
		Manifest:   staticanalysis.NewManifestExtractor(logger),
		Scanner:    scanner,
		Scorer:     scorer,
		Classifier: classifier,
		Cache:      cache,
	}

	analyzer, err := NewAnalyzer(opts, logger)
	if err != nil {
		cleanup()
		return nil, func() {}, err
	}
	return analyzer, cleanup, nil
}
