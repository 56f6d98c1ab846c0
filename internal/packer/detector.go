package packer

import (
	"context"
	"path"
	"sort"
	"strings"

	"github.com/apk-analysis/apk-risk-go/internal/apk"
	"github.com/sirupsen/logrus"
)

// detectionThreshold 规则置信度达到该值即判定加壳
const detectionThreshold = 0.4

// Detector 壳检测器
type Detector struct {
	rules  []PackerRule
	logger *logrus.Logger
}

// NewDetector 创建壳检测器（使用内置规则）
func NewDetector(logger *logrus.Logger) *Detector {
	return NewDetectorWithRules(BuiltinRules(), logger)
}

// NewDetectorWithRules 使用自定义规则创建壳检测器
func NewDetectorWithRules(rules []PackerRule, logger *logrus.Logger) *Detector {
	sorted := make([]PackerRule, len(rules))
	copy(sorted, rules)
	// 按优先级降序，同优先级按名称保证顺序稳定
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Priority != sorted[j].Priority {
			return sorted[i].Priority > sorted[j].Priority
		}
		return sorted[i].Name < sorted[j].Name
	})

	return &Detector{
		rules:  sorted,
		logger: logger,
	}
}

// Rules 生效的规则（副本，按匹配顺序）
func (d *Detector) Rules() []PackerRule {
	out := make([]PackerRule, len(d.rules))
	copy(out, d.rules)
	return out
}

// Detect 根据条目列表判断 APK 是否加壳
func (d *Detector) Detect(ctx context.Context, entries []apk.Entry) *PackerInfo {
	result := &PackerInfo{Indicators: []string{}}

	stats := collectStats(entries)

	d.logger.WithFields(logrus.Fields{
		"native_libs": len(stats.nativeLibs),
		"dex_size":    stats.dexSize,
		"native_size": stats.nativeSize,
		"dex_count":   stats.dexCount,
		"asset_dex":   len(stats.assetDex),
	}).Debug("Archive stats collected")

	for _, rule := range d.rules {
		if ctx.Err() != nil {
			return result
		}

		confidence, indicators := matchRule(rule, stats)
		if confidence < detectionThreshold {
			continue
		}

		result.IsPacked = true
		result.PackerName = rule.Name
		result.PackerType = rule.Type
		result.Confidence = min(confidence, 1.0)
		result.Indicators = indicators

		d.logger.WithFields(logrus.Fields{
			"packer_name": result.PackerName,
			"packer_type": result.PackerType,
			"confidence":  result.Confidence,
			"indicators":  result.Indicators,
		}).Info("Packer detected")
		return result
	}

	return result
}

// collectStats 统计 Native 库、DEX 体积和可疑路径
func collectStats(entries []apk.Entry) *archiveStats {
	stats := &archiveStats{}

	for _, e := range entries {
		name := e.Name
		lower := strings.ToLower(name)
		stats.paths = append(stats.paths, lower)

		switch {
		case strings.HasPrefix(lower, "lib/") && strings.HasSuffix(lower, ".so"):
			stats.nativeLibs = append(stats.nativeLibs, path.Base(lower))
			stats.nativeSize += e.Size
		case !strings.Contains(name, "/") && strings.HasSuffix(lower, ".dex"):
			stats.dexSize += e.Size
			stats.dexCount++
		case strings.HasPrefix(lower, "assets/") && (strings.HasSuffix(lower, ".dex") || strings.HasSuffix(lower, ".jar")):
			stats.assetDex = append(stats.assetDex, name)
		}
	}

	return stats
}

// matchRule 计算单条规则的置信度
func matchRule(rule PackerRule, stats *archiveStats) (float64, []string) {
	confidence := 0.0
	indicators := []string{}

	// 1. 特征 Native 库
	for _, ruleLib := range rule.NativeLibs {
		for _, lib := range stats.nativeLibs {
			if matchLibName(strings.ToLower(ruleLib), lib) {
				confidence += 0.4
				indicators = append(indicators, "native_lib:"+lib)
			}
		}
	}

	// 2. 路径特征
	for _, marker := range rule.Markers {
		for _, p := range stats.paths {
			if strings.Contains(p, marker) {
				confidence += 0.2
				indicators = append(indicators, "marker:"+p)
			}
		}
	}

	// 3. 体积异常
	if rule.Size.DEXMaxKB > 0 && stats.dexCount > 0 && stats.dexSize/1024 < rule.Size.DEXMaxKB {
		confidence += 0.3
		indicators = append(indicators, "dex_size_anomaly")
	}
	if rule.Size.NativeMinMB > 0 && stats.nativeSize/(1024*1024) > rule.Size.NativeMinMB {
		confidence += 0.3
		indicators = append(indicators, "native_size_anomaly")
	}

	// 4. assets 下的 DEX/JAR 只计入通用规则
	if rule.Type == PackerTypeUnknown {
		for _, p := range stats.assetDex {
			confidence += 0.4
			indicators = append(indicators, "asset_dex:"+p)
		}
	}

	return confidence, indicators
}

// matchLibName 库名匹配，允许带版本号后缀（libshellx-2.10.3.4.so 匹配 libshellx.so）
func matchLibName(pattern, name string) bool {
	if pattern == name {
		return true
	}
	base := strings.TrimSuffix(pattern, ".so")
	nameBase := strings.TrimSuffix(name, ".so")
	return strings.HasPrefix(nameBase, base+"-") || strings.HasPrefix(nameBase, base+"_")
}

// Summary 单行检测摘要
func Summary(info *PackerInfo) string {
	if info == nil || !info.IsPacked {
		return "no packer detected"
	}
	return "packer detected: " + info.PackerName + " (" + info.PackerType + ")"
}
