package risk

import (
	"fmt"
	"math"
	"sort"

	"github.com/apk-analysis/apk-risk-go/internal/features"
)

// ScorerRules 规则求和评分器名称
const ScorerRules = "rules"

// RuleHit 命中的规则及其贡献
type RuleHit struct {
	RuleID      string   `json:"rule_id"`
	Category    string   `json:"category"`
	Description string   `json:"description"`
	Weight      float64  `json:"weight"`
	Evidence    []string `json:"evidence"`
	Occurrences int      `json:"occurrences"`
}

// ScoreResult 评分结果
type ScoreResult struct {
	RiskScore float64   `json:"risk_score"`
	RawScore  float64   `json:"raw_score"`
	Hits      []RuleHit `json:"hits"`
	Scorer    string    `json:"scorer"`
}

// Scorer 把 FeatureSet 映射为 [0,1] 风险分
type Scorer interface {
	Score(fs *features.FeatureSet) ScoreResult
	Name() string
}

// RuleScorer 声明式规则求和评分
type RuleScorer struct {
	rules []Rule
}

// NewRuleScorer 校验并按 id 排序规则，rules 为空时使用内置规则
func NewRuleScorer(rules []Rule) (*RuleScorer, error) {
	if len(rules) == 0 {
		rules = BuiltinRules()
	}

	sorted := make([]Rule, len(rules))
	copy(sorted, rules)
	seen := make(map[string]bool, len(sorted))
	for i := range sorted {
		if err := sorted[i].Validate(); err != nil {
			return nil, err
		}
		if seen[sorted[i].ID] {
			return nil, fmt.Errorf("duplicate rule id %q", sorted[i].ID)
		}
		seen[sorted[i].ID] = true
		sorted[i].Match = append([]string(nil), sorted[i].Match...)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	return &RuleScorer{rules: sorted}, nil
}

// Rules 生效的规则（副本，按 id 排序）
func (s *RuleScorer) Rules() []Rule {
	out := make([]Rule, len(s.rules))
	copy(out, s.rules)
	return out
}

// Name 评分器名称
func (s *RuleScorer) Name() string {
	return ScorerRules
}

// Evaluate 计算命中列表与未截断的总分
func (s *RuleScorer) Evaluate(fs *features.FeatureSet) ([]RuleHit, float64) {
	hits := []RuleHit{}
	raw := 0.0

	for _, r := range s.rules {
		evidence, n := evaluateRule(r, fs)
		if n == 0 || (!r.isSDKRule() && n < r.MinCount) {
			continue
		}

		contribution := r.Weight
		if r.PerHit > 0 && n > 1 {
			contribution += r.PerHit * float64(n-1)
		}
		if r.MaxWeight > 0 && contribution > r.MaxWeight {
			contribution = r.MaxWeight
		}
		contribution = roundWeight(contribution)

		raw += contribution
		hits = append(hits, RuleHit{
			RuleID:      r.ID,
			Category:    r.Category,
			Description: r.Description,
			Weight:      contribution,
			Evidence:    evidence,
			Occurrences: n,
		})
	}

	return hits, roundWeight(raw)
}

// Score 规则求和后截断到 [0,1]
func (s *RuleScorer) Score(fs *features.FeatureSet) ScoreResult {
	hits, raw := s.Evaluate(fs)
	return ScoreResult{
		RiskScore: Clamp(raw),
		RawScore:  raw,
		Hits:      hits,
		Scorer:    ScorerRules,
	}
}

func (r Rule) isSDKRule() bool {
	return r.Kind == KindMinSDKBelow || r.Kind == KindTargetSDKBelow
}

// evaluateRule 返回证据列表和计数 n
func evaluateRule(r Rule, fs *features.FeatureSet) ([]string, int) {
	var evidence []string
	n := 0

	switch r.Kind {
	case KindPermission:
		for _, m := range r.Match {
			if fs.HasPermission(m) {
				evidence = append(evidence, m)
			}
		}
		n = len(evidence)
	case KindIntentAction:
		for _, m := range r.Match {
			if fs.HasIntentAction(m) {
				evidence = append(evidence, m)
			}
		}
		n = len(evidence)
	case KindExportedComponent:
		kinds := make([]features.ComponentKind, 0, len(r.Match))
		for _, k := range r.Match {
			kinds = append(kinds, features.ComponentKind(k))
		}
		for _, c := range fs.ExportedOfKind(kinds...) {
			evidence = append(evidence, c.String())
		}
		n = len(evidence)
	case KindCodeSignal:
		// 有命中模式时以模式为证据，否则退回规则 id
		for _, id := range r.Match {
			c := fs.APIHitCount(id)
			if c == 0 {
				continue
			}
			n += c
			if matched := fs.APIEvidence(id); len(matched) > 0 {
				evidence = append(evidence, matched...)
			} else {
				evidence = append(evidence, id)
			}
		}
	case KindMinSDKBelow:
		if b, ok := fs.SDKBounds(); ok && b.Min < r.MinCount {
			evidence = append(evidence, fmt.Sprintf("minSdkVersion=%d", b.Min))
			n = 1
		}
	case KindTargetSDKBelow:
		if b, ok := fs.SDKBounds(); ok && b.Target < r.MinCount {
			evidence = append(evidence, fmt.Sprintf("targetSdkVersion=%d", b.Target))
			n = 1
		}
	case KindUnsigned:
		if _, ok := fs.CertFingerprint(); !ok {
			evidence = append(evidence, "no signing certificate")
			n = 1
		}
	case KindObfuscation:
		if fs.ObfuscationSuspected() {
			evidence = fs.ObfuscationIndicators()
			if len(evidence) == 0 {
				evidence = []string{"obfuscation suspected"}
			}
			n = 1
		}
	}

	return evidence, n
}

// Clamp 截断到 [0,1]，NaN 视为 0
func Clamp(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

// roundWeight 消除浮点累加误差（保留 6 位小数）
func roundWeight(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}
