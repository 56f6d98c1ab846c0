package staticanalysis

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"path"
	"sort"
	"strings"

	"github.com/apk-analysis/apk-risk-go/internal/apk"
	"github.com/apk-analysis/apk-risk-go/internal/features"
	"github.com/apk-analysis/apk-risk-go/internal/packer"
	"github.com/sirupsen/logrus"
)

// DefaultMaxEntryBytes 单个条目默认扫描上限
const DefaultMaxEntryBytes int64 = 64 << 20

var dexMagic = []byte("dex\n")

// scanFormat 扫描语义变化时递增，旧缓存随之失效
const scanFormat = 2

// 降级指标
const (
	IndicatorNoDex       = "no_dex_code"
	IndicatorInterrupted = "scan_interrupted"
)

// CodeScanner 代码信号扫描器
type CodeScanner struct {
	rules         []*compiledRule
	detector      *packer.Detector
	maxEntryBytes int64
	version       string
	logger        *logrus.Logger
}

// ScannerOption 扫描器选项
type ScannerOption func(*CodeScanner)

// WithMaxEntryBytes 设置单个条目扫描上限
func WithMaxEntryBytes(n int64) ScannerOption {
	return func(s *CodeScanner) {
		if n > 0 {
			s.maxEntryBytes = n
		}
	}
}

// NewCodeScanner 创建扫描器，rules 为空时使用内置规则
func NewCodeScanner(rules []CodeRule, logger *logrus.Logger, opts ...ScannerOption) (*CodeScanner, error) {
	if len(rules) == 0 {
		rules = BuiltinCodeRules()
	}
	compiled, err := compileRules(rules)
	if err != nil {
		return nil, err
	}

	s := &CodeScanner{
		rules:         compiled,
		maxEntryBytes: DefaultMaxEntryBytes,
		logger:        logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.detector = packer.NewDetector(logger)

	version, err := s.fingerprint()
	if err != nil {
		return nil, err
	}
	s.version = version
	return s, nil
}

// Version 规则表、条目上限和壳规则的指纹，用于区分特征缓存
func (s *CodeScanner) Version() string {
	return s.version
}

func (s *CodeScanner) fingerprint() (string, error) {
	raw, err := json.Marshal(struct {
		Format        int                 `json:"format"`
		Rules         []CodeRule          `json:"rules"`
		MaxEntryBytes int64               `json:"max_entry_bytes"`
		Packers       []packer.PackerRule `json:"packers"`
	}{scanFormat, s.Rules(), s.maxEntryBytes, s.detector.Rules()})
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// Rules 当前生效的规则（副本）
func (s *CodeScanner) Rules() []CodeRule {
	out := make([]CodeRule, 0, len(s.rules))
	for _, r := range s.rules {
		out = append(out, r.CodeRule)
	}
	return out
}

// Scan 扫描 DEX 与资源条目，统计规则命中；尽力而为，不返回错误
func (s *CodeScanner) Scan(ctx context.Context, p *apk.ParsedApk) features.CodeSignals {
	hits := make(map[string]int)
	evidence := make(map[string][]string)
	var indicators []string

	entries := p.Entries()
	dexSeen, dexScanned := 0, 0

	for _, e := range entries {
		// 条目之间检查取消
		if ctx.Err() != nil {
			indicators = append(indicators, IndicatorInterrupted)
			break
		}

		scope := classifyEntry(e.Name)
		if scope == "" {
			continue
		}
		if scope == ScopeDex {
			dexSeen++
		}

		rules := s.rulesFor(scope)
		if len(rules) == 0 {
			continue
		}

		if e.Size > s.maxEntryBytes {
			indicators = append(indicators, "oversized_entry:"+e.Name)
			continue
		}
		data, err := p.ReadEntry(e.Name, s.maxEntryBytes)
		if err != nil {
			s.logger.WithFields(logrus.Fields{
				"entry": e.Name,
				"error": err,
			}).Warn("Skipping unreadable entry")
			if scope == ScopeDex || errors.Is(err, apk.ErrEntryTooLarge) {
				indicators = append(indicators, "unreadable_entry:"+e.Name)
			}
			continue
		}

		var dex *dexIndex
		if scope == ScopeDex {
			if !bytes.HasPrefix(data, dexMagic) {
				indicators = append(indicators, "invalid_dex_header:"+e.Name)
				continue
			}
			dexScanned++

			// 方法表损坏时 API 规则不生效，字符串规则照常
			if dex, err = parseDexIndex(data); err != nil {
				s.logger.WithFields(logrus.Fields{
					"entry": e.Name,
					"error": err,
				}).Warn("Failed to index dex method table")
				indicators = append(indicators, "invalid_dex_tables:"+e.Name)
			}
		}

		for _, r := range rules {
			n, matched := r.match(data, dex)
			if n == 0 {
				continue
			}
			hits[r.ID] += n
			for _, m := range matched {
				if len(evidence[r.ID]) < maxEvidencePerRule && !containsString(evidence[r.ID], m) {
					evidence[r.ID] = append(evidence[r.ID], m)
				}
			}
		}
	}

	if dexSeen == 0 {
		indicators = append(indicators, IndicatorNoDex)
	}
	for _, ev := range evidence {
		sort.Strings(ev)
	}

	if info := s.detector.Detect(ctx, entries); info.IsPacked {
		indicators = append(indicators, "packer:"+info.PackerName)
		indicators = append(indicators, info.Indicators...)
	}

	s.logger.WithFields(logrus.Fields{
		"sha256":      p.SHA256(),
		"dex_files":   dexScanned,
		"rule_hits":   len(hits),
		"indicators":  len(indicators),
		"obfuscation": len(indicators) > 0,
	}).Debug("Code scan completed")

	return features.CodeSignals{
		Hits:                  hits,
		Evidence:              evidence,
		ObfuscationSuspected:  len(indicators) > 0,
		ObfuscationIndicators: indicators,
	}
}

func (s *CodeScanner) rulesFor(scope Scope) []*compiledRule {
	var out []*compiledRule
	for _, r := range s.rules {
		if r.appliesTo(scope) {
			out = append(out, r)
		}
	}
	return out
}

// classifyEntry 条目归类：顶层 classes*.dex / assets 与 res/raw / lib 下的 so
func classifyEntry(name string) Scope {
	lower := strings.ToLower(name)
	switch {
	case !strings.Contains(name, "/") && strings.HasPrefix(lower, "classes") && strings.HasSuffix(lower, ".dex"):
		return ScopeDex
	case strings.HasPrefix(lower, "assets/"), strings.HasPrefix(lower, "res/raw/"):
		return ScopeResources
	case strings.HasPrefix(lower, "lib/") && path.Ext(lower) == ".so":
		return ScopeNative
	}
	return ""
}
