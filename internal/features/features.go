package features

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// ComponentKind 组件类型
type ComponentKind string

const (
	KindActivity ComponentKind = "activity"
	KindService  ComponentKind = "service"
	KindReceiver ComponentKind = "receiver"
	KindProvider ComponentKind = "provider"
)

// Valid 是否为已知组件类型
func (k ComponentKind) Valid() bool {
	switch k {
	case KindActivity, KindService, KindReceiver, KindProvider:
		return true
	}
	return false
}

// Component 导出组件
type Component struct {
	Kind ComponentKind `json:"kind"`
	Name string        `json:"name"`
}

func (c Component) String() string {
	return string(c.Kind) + ":" + c.Name
}

// SDKBounds minSdk / targetSdk
type SDKBounds struct {
	Min    int
	Target int
}

// ManifestFacts manifest 提取结果
type ManifestFacts struct {
	PackageName        string
	Permissions        []string
	ExportedComponents []Component
	IntentActions      []string
	SDK                *SDKBounds
	CertFingerprint    string // 空表示未签名或不可读
}

// CodeSignals 代码扫描结果
type CodeSignals struct {
	Hits                  map[string]int
	Evidence              map[string][]string // 规则 id → 命中的模式或文本
	ObfuscationSuspected  bool
	ObfuscationIndicators []string
}

// FeatureSet 单个 APK 的合并特征，构造后不可变
type FeatureSet struct {
	permissions   []string
	exported      []Component
	intentActions []string
	apiHits       map[string]int
	apiEvidence   map[string][]string
	sdk           *SDKBounds
	cert          string
	obfuscated    bool
	obfIndicators []string
}

// Merge 合并 manifest 与代码信号，输入会被复制并排序去重
func Merge(m ManifestFacts, c CodeSignals) *FeatureSet {
	fs := &FeatureSet{
		permissions:   normalizeStrings(m.Permissions),
		exported:      normalizeComponents(m.ExportedComponents),
		intentActions: normalizeStrings(m.IntentActions),
		apiHits:       make(map[string]int, len(c.Hits)),
		apiEvidence:   make(map[string][]string),
		cert:          strings.ToLower(strings.TrimSpace(m.CertFingerprint)),
		obfIndicators: normalizeStrings(c.ObfuscationIndicators),
	}
	for id, n := range c.Hits {
		if n > 0 && id != "" {
			fs.apiHits[id] = n
			if ev := normalizeStrings(c.Evidence[id]); len(ev) > 0 {
				fs.apiEvidence[id] = ev
			}
		}
	}
	if m.SDK != nil {
		b := *m.SDK
		fs.sdk = &b
	}
	fs.obfuscated = c.ObfuscationSuspected || len(fs.obfIndicators) > 0
	return fs
}

// Empty 没有任何特征的 FeatureSet
func Empty() *FeatureSet {
	return Merge(ManifestFacts{}, CodeSignals{})
}

// Permissions 已声明权限（排序）
func (fs *FeatureSet) Permissions() []string {
	return cloneStrings(fs.permissions)
}

// HasPermission 是否声明了权限
func (fs *FeatureSet) HasPermission(p string) bool {
	return containsSorted(fs.permissions, p)
}

// ExportedComponents 导出组件（按 kind、name 排序）
func (fs *FeatureSet) ExportedComponents() []Component {
	out := make([]Component, len(fs.exported))
	copy(out, fs.exported)
	return out
}

// ExportedOfKind 指定类型的导出组件，kinds 为空时返回全部
func (fs *FeatureSet) ExportedOfKind(kinds ...ComponentKind) []Component {
	if len(kinds) == 0 {
		return fs.ExportedComponents()
	}
	var out []Component
	for _, c := range fs.exported {
		for _, k := range kinds {
			if c.Kind == k {
				out = append(out, c)
				break
			}
		}
	}
	return out
}

// IntentActions intent-filter 中声明的 action（排序）
func (fs *FeatureSet) IntentActions() []string {
	return cloneStrings(fs.intentActions)
}

// HasIntentAction 是否声明了 action
func (fs *FeatureSet) HasIntentAction(a string) bool {
	return containsSorted(fs.intentActions, a)
}

// APIHits 代码规则命中次数副本
func (fs *FeatureSet) APIHits() map[string]int {
	out := make(map[string]int, len(fs.apiHits))
	for k, v := range fs.apiHits {
		out[k] = v
	}
	return out
}

// APIHitCount 单个代码规则的命中次数
func (fs *FeatureSet) APIHitCount(id string) int {
	return fs.apiHits[id]
}

// APIEvidence 代码规则命中的模式或文本（排序）
func (fs *FeatureSet) APIEvidence(id string) []string {
	return cloneStrings(fs.apiEvidence[id])
}

// SDKBounds SDK 版本范围，未知时第二个返回值为 false
func (fs *FeatureSet) SDKBounds() (SDKBounds, bool) {
	if fs.sdk == nil {
		return SDKBounds{}, false
	}
	return *fs.sdk, true
}

// CertFingerprint 签名证书指纹
func (fs *FeatureSet) CertFingerprint() (string, bool) {
	return fs.cert, fs.cert != ""
}

// ObfuscationSuspected 扫描是否降级（缺少/无法读取 DEX 或检测到壳）
func (fs *FeatureSet) ObfuscationSuspected() bool {
	return fs.obfuscated
}

// ObfuscationIndicators 降级原因
func (fs *FeatureSet) ObfuscationIndicators() []string {
	return cloneStrings(fs.obfIndicators)
}

// Equal 集合语义比较
func (fs *FeatureSet) Equal(other *FeatureSet) bool {
	if fs == nil || other == nil {
		return fs == other
	}
	if !equalStrings(fs.permissions, other.permissions) ||
		!equalStrings(fs.intentActions, other.intentActions) ||
		!equalStrings(fs.obfIndicators, other.obfIndicators) {
		return false
	}
	if len(fs.exported) != len(other.exported) {
		return false
	}
	for i := range fs.exported {
		if fs.exported[i] != other.exported[i] {
			return false
		}
	}
	if len(fs.apiHits) != len(other.apiHits) {
		return false
	}
	for k, v := range fs.apiHits {
		if other.apiHits[k] != v || !equalStrings(fs.apiEvidence[k], other.apiEvidence[k]) {
			return false
		}
	}
	a, aok := fs.SDKBounds()
	b, bok := other.SDKBounds()
	return aok == bok && a == b && fs.cert == other.cert && fs.obfuscated == other.obfuscated
}

type featureSetJSON struct {
	Permissions           []string            `json:"permissions"`
	ExportedComponents    []Component         `json:"exported_components"`
	IntentActions         []string            `json:"intent_actions"`
	SuspiciousAPIHits     map[string]int      `json:"suspicious_api_hits"`
	SuspiciousAPIEvidence map[string][]string `json:"suspicious_api_evidence"`
	SDKBounds             *[2]int             `json:"sdk_bounds"`
	CertFingerprint       *string             `json:"cert_fingerprint"`
	ObfuscationSuspected  bool                `json:"obfuscation_suspected"`
	ObfuscationIndicators []string            `json:"obfuscation_indicators"`
}

// MarshalJSON 数组按排序输出，未知值为 null
func (fs *FeatureSet) MarshalJSON() ([]byte, error) {
	out := featureSetJSON{
		Permissions:           nonNilStrings(fs.permissions),
		ExportedComponents:    fs.ExportedComponents(),
		IntentActions:         nonNilStrings(fs.intentActions),
		SuspiciousAPIHits:     fs.APIHits(),
		SuspiciousAPIEvidence: fs.evidenceCopy(),
		ObfuscationSuspected:  fs.obfuscated,
		ObfuscationIndicators: nonNilStrings(fs.obfIndicators),
	}
	if fs.sdk != nil {
		out.SDKBounds = &[2]int{fs.sdk.Min, fs.sdk.Target}
	}
	if fs.cert != "" {
		cert := fs.cert
		out.CertFingerprint = &cert
	}
	return json.Marshal(out)
}

// UnmarshalJSON 还原集合语义，重新走 Merge 的归一化
func (fs *FeatureSet) UnmarshalJSON(data []byte) error {
	var in featureSetJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	for _, c := range in.ExportedComponents {
		if !c.Kind.Valid() {
			return fmt.Errorf("unknown component kind %q", c.Kind)
		}
	}

	facts := ManifestFacts{
		Permissions:        in.Permissions,
		ExportedComponents: in.ExportedComponents,
		IntentActions:      in.IntentActions,
	}
	if in.SDKBounds != nil {
		facts.SDK = &SDKBounds{Min: in.SDKBounds[0], Target: in.SDKBounds[1]}
	}
	if in.CertFingerprint != nil {
		facts.CertFingerprint = *in.CertFingerprint
	}

	*fs = *Merge(facts, CodeSignals{
		Hits:                  in.SuspiciousAPIHits,
		Evidence:              in.SuspiciousAPIEvidence,
		ObfuscationSuspected:  in.ObfuscationSuspected,
		ObfuscationIndicators: in.ObfuscationIndicators,
	})
	return nil
}

func (fs *FeatureSet) evidenceCopy() map[string][]string {
	out := make(map[string][]string, len(fs.apiEvidence))
	for k, v := range fs.apiEvidence {
		out[k] = cloneStrings(v)
	}
	return out
}

func normalizeStrings(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func normalizeComponents(in []Component) []Component {
	seen := make(map[Component]struct{}, len(in))
	out := make([]Component, 0, len(in))
	for _, c := range in {
		c.Name = strings.TrimSpace(c.Name)
		if c.Name == "" {
			continue
		}
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].Name < out[j].Name
	})
	return out
}

func containsSorted(s []string, v string) bool {
	i := sort.SearchStrings(s, v)
	return i < len(s) && s[i] == v
}

func cloneStrings(s []string) []string {
	out := make([]string, len(s))
	copy(out, s)
	return out
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
