package risk

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// RuleKind 规则的特征来源
type RuleKind string

const (
	KindPermission        RuleKind = "permission"
	KindIntentAction      RuleKind = "intent_action"
	KindExportedComponent RuleKind = "exported_component"
	KindCodeSignal        RuleKind = "code_signal"
	KindMinSDKBelow       RuleKind = "min_sdk_below"
	KindTargetSDKBelow    RuleKind = "target_sdk_below"
	KindUnsigned          RuleKind = "unsigned"
	KindObfuscation       RuleKind = "obfuscation"
)

// Rule 评分规则
//
// 贡献值 = Weight + PerHit*(n-1)，MaxWeight > 0 时封顶。n 为匹配到的证据数量
// （code_signal 为命中次数之和）。SDK 类规则的阈值放在 MinCount 中。
type Rule struct {
	ID          string   `yaml:"id" json:"id"`
	Category    string   `yaml:"category" json:"category"`
	Description string   `yaml:"description" json:"description"`
	Kind        RuleKind `yaml:"kind" json:"kind"`
	Match       []string `yaml:"match" json:"match,omitempty"`
	MinCount    int      `yaml:"min_count" json:"min_count,omitempty"`
	Weight      float64  `yaml:"weight" json:"weight"`
	PerHit      float64  `yaml:"per_hit" json:"per_hit,omitempty"`
	MaxWeight   float64  `yaml:"max_weight" json:"max_weight,omitempty"`
}

type ruleFile struct {
	Rules []Rule `yaml:"rules"`
}

// Validate 检查单条规则；权重必须非负以保证单调性
func (r Rule) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return fmt.Errorf("rule without id")
	}
	if r.Weight < 0 || r.PerHit < 0 || r.MaxWeight < 0 {
		return fmt.Errorf("rule %q: weights must be non-negative", r.ID)
	}
	if r.MinCount < 0 {
		return fmt.Errorf("rule %q: min_count must be non-negative", r.ID)
	}

	switch r.Kind {
	case KindPermission, KindIntentAction, KindCodeSignal:
		if len(r.Match) == 0 {
			return fmt.Errorf("rule %q: kind %s requires match values", r.ID, r.Kind)
		}
	case KindMinSDKBelow, KindTargetSDKBelow:
		if r.MinCount <= 0 {
			return fmt.Errorf("rule %q: kind %s requires an API level in min_count", r.ID, r.Kind)
		}
	case KindExportedComponent:
		for _, k := range r.Match {
			switch k {
			case "activity", "service", "receiver", "provider":
			default:
				return fmt.Errorf("rule %q: unknown component kind %q", r.ID, k)
			}
		}
	case KindUnsigned, KindObfuscation:
	default:
		return fmt.Errorf("rule %q: unknown kind %q", r.ID, r.Kind)
	}
	return nil
}

// LoadRules 从 YAML 文件加载评分规则，替换内置规则
func LoadRules(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read risk rules: %w", err)
	}

	var file ruleFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse risk rules: %w", err)
	}
	if len(file.Rules) == 0 {
		return nil, fmt.Errorf("risk rules file %s contains no rules", path)
	}
	return file.Rules, nil
}

// DangerousPermissions 高危权限集合
var DangerousPermissions = []string{
	"android.permission.SEND_SMS",
	"android.permission.RECEIVE_SMS",
	"android.permission.READ_SMS",
	"android.permission.CALL_PHONE",
	"android.permission.READ_CONTACTS",
	"android.permission.WRITE_CONTACTS",
	"android.permission.READ_CALL_LOG",
	"android.permission.WRITE_CALL_LOG",
	"android.permission.RECEIVE_BOOT_COMPLETED",
	"android.permission.SYSTEM_ALERT_WINDOW",
	"android.permission.REQUEST_INSTALL_PACKAGES",
	"android.permission.WRITE_SETTINGS",
	"android.permission.READ_PHONE_STATE",
	"android.permission.RECORD_AUDIO",
	"android.permission.CAMERA",
}

// BuiltinRules 内置评分规则
//
// 空 FeatureSet 必须得 0 分，因此不含 unsigned 规则（可在 YAML 规则文件中启用）
func BuiltinRules() []Rule {
	return []Rule{
		// 权限
		{
			ID: "sms_permissions", Category: "sms", Description: "declares SMS permissions",
			Kind:   KindPermission,
			Match:  []string{"android.permission.SEND_SMS", "android.permission.RECEIVE_SMS", "android.permission.READ_SMS"},
			Weight: 0.30, PerHit: 0.05, MaxWeight: 0.40,
		},
		{
			ID: "call_permissions", Category: "telephony", Description: "declares call and call-log permissions",
			Kind:   KindPermission,
			Match:  []string{"android.permission.CALL_PHONE", "android.permission.READ_CALL_LOG", "android.permission.WRITE_CALL_LOG", "android.permission.PROCESS_OUTGOING_CALLS"},
			Weight: 0.15, PerHit: 0.05, MaxWeight: 0.25,
		},
		{
			ID: "contacts_permissions", Category: "privacy", Description: "declares contacts permissions",
			Kind:   KindPermission,
			Match:  []string{"android.permission.READ_CONTACTS", "android.permission.WRITE_CONTACTS"},
			Weight: 0.10, PerHit: 0.02, MaxWeight: 0.12,
		},
		{
			ID: "surveillance_permissions", Category: "privacy", Description: "declares microphone, camera or location permissions",
			Kind:   KindPermission,
			Match:  []string{"android.permission.RECORD_AUDIO", "android.permission.CAMERA", "android.permission.ACCESS_FINE_LOCATION", "android.permission.ACCESS_BACKGROUND_LOCATION"},
			Weight: 0.08, PerHit: 0.03, MaxWeight: 0.20,
		},
		{
			ID: "phone_state_permission", Category: "privacy", Description: "reads phone state",
			Kind:   KindPermission,
			Match:  []string{"android.permission.READ_PHONE_STATE"},
			Weight: 0.05,
		},
		{
			ID: "overlay_permission", Category: "ui_abuse", Description: "draws over other apps",
			Kind:   KindPermission,
			Match:  []string{"android.permission.SYSTEM_ALERT_WINDOW"},
			Weight: 0.15,
		},
		{
			ID: "install_packages_permission", Category: "dropper", Description: "requests to install other packages",
			Kind:   KindPermission,
			Match:  []string{"android.permission.REQUEST_INSTALL_PACKAGES"},
			Weight: 0.15,
		},
		{
			ID: "write_settings_permission", Category: "system", Description: "modifies system settings",
			Kind:   KindPermission,
			Match:  []string{"android.permission.WRITE_SETTINGS"},
			Weight: 0.05,
		},
		{
			ID: "privileged_bindings", Category: "privilege", Description: "binds device admin or accessibility services",
			Kind:   KindPermission,
			Match:  []string{"android.permission.BIND_DEVICE_ADMIN", "android.permission.BIND_ACCESSIBILITY_SERVICE"},
			Weight: 0.20, PerHit: 0.05, MaxWeight: 0.25,
		},
		{
			ID: "boot_permission", Category: "persistence", Description: "declares boot-completed permission",
			Kind:   KindPermission,
			Match:  []string{"android.permission.RECEIVE_BOOT_COMPLETED"},
			Weight: 0.05,
		},
		// intent action 与组件
		{
			ID: "boot_receiver", Category: "persistence", Description: "starts automatically on boot",
			Kind:   KindIntentAction,
			Match:  []string{"android.intent.action.BOOT_COMPLETED", "android.intent.action.LOCKED_BOOT_COMPLETED", "android.intent.action.QUICKBOOT_POWERON"},
			Weight: 0.10,
		},
		{
			ID: "sms_receiver", Category: "sms", Description: "intercepts incoming SMS",
			Kind:   KindIntentAction,
			Match:  []string{"android.provider.Telephony.SMS_RECEIVED", "android.provider.Telephony.SMS_DELIVER"},
			Weight: 0.15,
		},
		{
			ID: "exported_components", Category: "attack_surface", Description: "exports services, receivers or providers",
			Kind:   KindExportedComponent,
			Match:  []string{"service", "receiver", "provider"},
			Weight: 0.05, PerHit: 0.02, MaxWeight: 0.15,
		},
		// 代码信号
		{
			ID: "dynamic_code_loading", Category: "code_loading", Description: "loads code at runtime",
			Kind:   KindCodeSignal,
			Match:  []string{"dynamic_code_loading"},
			Weight: 0.30, PerHit: 0.05, MaxWeight: 0.40,
		},
		{
			ID: "reflection", Category: "code_loading", Description: "uses reflection",
			Kind:   KindCodeSignal,
			Match:  []string{"reflection"},
			Weight: 0.03, PerHit: 0.01, MaxWeight: 0.08,
		},
		{
			ID: "runtime_exec", Category: "execution", Description: "executes shell commands",
			Kind:   KindCodeSignal,
			Match:  []string{"runtime_exec"},
			Weight: 0.15, PerHit: 0.05, MaxWeight: 0.25,
		},
		{
			ID: "native_loading", Category: "execution", Description: "loads native libraries",
			Kind:   KindCodeSignal,
			Match:  []string{"native_loading"},
			Weight: 0.03,
		},
		{
			ID: "sms_send_api", Category: "sms", Description: "sends SMS from code",
			Kind:   KindCodeSignal,
			Match:  []string{"sms_send"},
			Weight: 0.25, PerHit: 0.05, MaxWeight: 0.35,
		},
		{
			ID: "telephony_identifiers", Category: "privacy", Description: "collects device identifiers",
			Kind:   KindCodeSignal,
			Match:  []string{"telephony_identifiers"},
			Weight: 0.10, PerHit: 0.02, MaxWeight: 0.15,
		},
		{
			ID: "crypto_cipher", Category: "crypto", Description: "uses symmetric encryption",
			Kind:   KindCodeSignal,
			Match:  []string{"crypto_cipher"},
			Weight: 0.05,
		},
		{
			ID: "device_admin_api", Category: "privilege", Description: "calls device administration APIs",
			Kind:   KindCodeSignal,
			Match:  []string{"device_admin_api"},
			Weight: 0.20, PerHit: 0.05, MaxWeight: 0.30,
		},
		{
			ID: "root_access", Category: "privilege", Description: "references root binaries",
			Kind:   KindCodeSignal,
			Match:  []string{"root_detection"},
			Weight: 0.10, PerHit: 0.02, MaxWeight: 0.15,
		},
		{
			ID: "ransom_note", Category: "ransomware", Description: "contains ransom note text",
			Kind:   KindCodeSignal,
			Match:  []string{"ransom_note"},
			Weight: 0.40, PerHit: 0.10, MaxWeight: 0.60,
		},
		{
			ID: "network_indicators", Category: "network", Description: "contains network endpoints",
			Kind:   KindCodeSignal,
			Match:  []string{"network_url", "hardcoded_ip", "network_api"},
			Weight: 0.02, PerHit: 0.002, MaxWeight: 0.08,
		},
		// 元数据
		{
			ID: "outdated_target_sdk", Category: "platform", Description: "targets an API level without runtime permissions",
			Kind:     KindTargetSDKBelow,
			MinCount: 23,
			Weight:   0.10,
		},
		{
			ID: "legacy_min_sdk", Category: "platform", Description: "installs on unsupported Android versions",
			Kind:     KindMinSDKBelow,
			MinCount: 16,
			Weight:   0.03,
		},
		{
			ID: "obfuscated_code", Category: "evasion", Description: "code appears packed or unreadable",
			Kind:   KindObfuscation,
			Weight: 0.15,
		},
	}
}
