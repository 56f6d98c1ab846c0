package verdict

import (
	"fmt"
	"math"
)

// Verdict 分级结论
type Verdict string

const (
	Benign     Verdict = "benign"
	Suspicious Verdict = "suspicious"
	Malicious  Verdict = "malicious"
)

// 默认阈值
const (
	DefaultLowThreshold  = 0.40
	DefaultHighThreshold = 0.70
)

// Valid 是否为已知结论
func (v Verdict) Valid() bool {
	switch v {
	case Benign, Suspicious, Malicious:
		return true
	}
	return false
}

// Parse 解析结论字符串
func Parse(s string) (Verdict, error) {
	v := Verdict(s)
	if !v.Valid() {
		return "", fmt.Errorf("unknown verdict %q", s)
	}
	return v, nil
}

// MarshalText 只允许输出已知结论
func (v Verdict) MarshalText() ([]byte, error) {
	if !v.Valid() {
		return nil, fmt.Errorf("unknown verdict %q", string(v))
	}
	return []byte(v), nil
}

// UnmarshalText 解析时校验
func (v *Verdict) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// RecommendedAction 面向分析人员的处置建议
func RecommendedAction(v Verdict) string {
	switch v {
	case Malicious:
		return "Malicious indicators - do not install"
	case Suspicious:
		return "Suspicious behaviour - manual review recommended"
	default:
		return "Safe to use"
	}
}

// Thresholds 分级阈值：score < Low 为 benign，Low <= score < High 为 suspicious，其余 malicious
type Thresholds struct {
	Low  float64
	High float64
}

// DefaultThresholds 默认阈值 0.40 / 0.70
func DefaultThresholds() Thresholds {
	return Thresholds{Low: DefaultLowThreshold, High: DefaultHighThreshold}
}

// Validate 要求 0 <= Low < High <= 1
func (t Thresholds) Validate() error {
	if math.IsNaN(t.Low) || math.IsNaN(t.High) {
		return fmt.Errorf("thresholds must be numbers")
	}
	if t.Low < 0 || t.High > 1 || t.Low >= t.High {
		return fmt.Errorf("invalid thresholds: require 0 <= low (%.2f) < high (%.2f) <= 1", t.Low, t.High)
	}
	return nil
}

// Classifier 分数到结论的映射
type Classifier struct {
	t Thresholds
}

// NewClassifier 校验阈值后创建分类器
func NewClassifier(t Thresholds) (*Classifier, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &Classifier{t: t}, nil
}

// Thresholds 当前阈值
func (c *Classifier) Thresholds() Thresholds {
	return c.t
}

// Classify 左闭右开区间分级
func (c *Classifier) Classify(score float64) Verdict {
	switch {
	case score >= c.t.High:
		return Malicious
	case score >= c.t.Low:
		return Suspicious
	default:
		return Benign
	}
}
