package staticanalysis

import (
	"bytes"
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// MatcherKind 代码规则匹配方式
type MatcherKind string

const (
	// MatchString 原样子串
	MatchString MatcherKind = "string"
	// MatchAPI "Lpkg/Class;->method" 形式的方法引用，按 DEX method_ids 表精确匹配
	MatchAPI MatcherKind = "api"
	// MatchRegex 正则
	MatchRegex MatcherKind = "regex"
)

// Scope 规则作用的条目范围
type Scope string

const (
	ScopeDex       Scope = "dex"
	ScopeResources Scope = "resources"
	ScopeNative    Scope = "native"
	ScopeAll       Scope = "all"
)

// maxRegexMatches 单个条目单条正则的计数上限
const maxRegexMatches = 10000

// CodeRule 代码信号规则
type CodeRule struct {
	ID          string      `yaml:"id"`
	Category    string      `yaml:"category"`
	Description string      `yaml:"description"`
	Kind        MatcherKind `yaml:"kind"`
	Patterns    []string    `yaml:"patterns"`
	Scope       Scope       `yaml:"scope"`
	IgnoreCase  bool        `yaml:"ignore_case"`
}

type codeRuleFile struct {
	Rules []CodeRule `yaml:"rules"`
}

// BuiltinCodeRules 内置代码规则
func BuiltinCodeRules() []CodeRule {
	return []CodeRule{
		{
			ID:          "dynamic_code_loading",
			Category:    "code_loading",
			Description: "loads code at runtime through a class loader",
			Kind:        MatchAPI,
			Patterns: []string{
				"Ldalvik/system/DexClassLoader;-><init>",
				"Ldalvik/system/PathClassLoader;-><init>",
				"Ldalvik/system/InMemoryDexClassLoader;-><init>",
				"Ldalvik/system/DexFile;->loadDex",
			},
			Scope: ScopeDex,
		},
		{
			ID:          "reflection",
			Category:    "code_loading",
			Description: "invokes methods through reflection",
			Kind:        MatchAPI,
			Patterns: []string{
				"Ljava/lang/reflect/Method;->invoke",
				"Ljava/lang/Class;->forName",
			},
			Scope: ScopeDex,
		},
		{
			ID:          "runtime_exec",
			Category:    "execution",
			Description: "spawns shell commands",
			Kind:        MatchAPI,
			Patterns: []string{
				"Ljava/lang/Runtime;->exec",
				"Ljava/lang/ProcessBuilder;->start",
			},
			Scope: ScopeDex,
		},
		{
			ID:          "native_loading",
			Category:    "execution",
			Description: "loads native libraries",
			Kind:        MatchAPI,
			Patterns: []string{
				"Ljava/lang/System;->loadLibrary",
				"Ljava/lang/System;->load",
			},
			Scope: ScopeDex,
		},
		{
			ID:          "sms_send",
			Category:    "sms",
			Description: "sends SMS messages from code",
			Kind:        MatchAPI,
			Patterns: []string{
				"Landroid/telephony/SmsManager;->sendTextMessage",
				"Landroid/telephony/SmsManager;->sendMultipartTextMessage",
				"Landroid/telephony/SmsManager;->sendDataMessage",
			},
			Scope: ScopeDex,
		},
		{
			ID:          "telephony_identifiers",
			Category:    "privacy",
			Description: "reads device and subscriber identifiers",
			Kind:        MatchAPI,
			Patterns: []string{
				"Landroid/telephony/TelephonyManager;->getDeviceId",
				"Landroid/telephony/TelephonyManager;->getSubscriberId",
				"Landroid/telephony/TelephonyManager;->getSimSerialNumber",
				"Landroid/telephony/TelephonyManager;->getLine1Number",
				"Landroid/telephony/TelephonyManager;->getImei",
			},
			Scope: ScopeDex,
		},
		{
			ID:          "crypto_cipher",
			Category:    "crypto",
			Description: "initialises symmetric ciphers",
			Kind:        MatchAPI,
			Patterns:    []string{"Ljavax/crypto/Cipher;->init"},
			Scope:       ScopeDex,
		},
		{
			ID:          "device_admin_api",
			Category:    "privilege",
			Description: "calls device administration APIs",
			Kind:        MatchAPI,
			Patterns: []string{
				"Landroid/app/admin/DevicePolicyManager;->lockNow",
				"Landroid/app/admin/DevicePolicyManager;->resetPassword",
				"Landroid/app/admin/DevicePolicyManager;->wipeData",
			},
			Scope: ScopeDex,
		},
		{
			ID:          "network_api",
			Category:    "network",
			Description: "opens network connections",
			Kind:        MatchAPI,
			Patterns: []string{
				"Ljava/net/HttpURLConnection;->connect",
				"Ljava/net/URL;->openConnection",
				"Lokhttp3/OkHttpClient;->newCall",
				"Lorg/apache/http/client/HttpClient;->execute",
			},
			Scope: ScopeDex,
		},
		{
			ID:          "root_detection",
			Category:    "privilege",
			Description: "references su binaries or root managers",
			Kind:        MatchString,
			Patterns: []string{
				"/system/bin/su",
				"/system/xbin/su",
				"Superuser.apk",
				"eu.chainfire.supersu",
			},
			Scope: ScopeAll,
		},
		{
			ID:          "ransom_note",
			Category:    "ransomware",
			Description: "contains ransom note phrases",
			Kind:        MatchString,
			Patterns: []string{
				"your files have been encrypted",
				"your device has been locked",
				"pay the ransom",
				"decrypt your files",
			},
			Scope:      ScopeAll,
			IgnoreCase: true,
		},
		{
			ID:          "network_url",
			Category:    "network",
			Description: "embeds hardcoded URLs",
			Kind:        MatchRegex,
			Patterns:    []string{`https?://[^\s'"<>\x00]+`},
			Scope:       ScopeDex,
		},
		{
			ID:          "hardcoded_ip",
			Category:    "network",
			Description: "embeds hardcoded IPv4 addresses",
			Kind:        MatchRegex,
			Patterns:    []string{`\b(?:(?:25[0-5]|2[0-4]\d|1?\d?\d)\.){3}(?:25[0-5]|2[0-4]\d|1?\d?\d)\b`},
			Scope:       ScopeDex,
		},
	}
}

// LoadCodeRules 从 YAML 文件加载规则，替换内置规则
func LoadCodeRules(path string) ([]CodeRule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read code rules: %w", err)
	}

	var file codeRuleFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse code rules: %w", err)
	}
	if len(file.Rules) == 0 {
		return nil, fmt.Errorf("code rules file %s contains no rules", path)
	}
	return file.Rules, nil
}

// maxEvidencePerRule 单条规则保留的证据上限
const maxEvidencePerRule = 20

// maxEvidenceLen 正则命中文本截断长度
const maxEvidenceLen = 120

// compiledRule 预编译后的规则
type compiledRule struct {
	CodeRule
	literals []literalMatcher
	apis     []apiMatcher
	regexes  []regexMatcher
}

type literalMatcher struct {
	pattern string
	data    []byte
}

// regexMatcher reportMatch 为 true 时证据取命中文本，否则取模式本身
type regexMatcher struct {
	pattern     string
	re          *regexp.Regexp
	reportMatch bool
}

type apiMatcher struct {
	pattern string
	key     apiKey
}

func compileRules(rules []CodeRule) ([]*compiledRule, error) {
	seen := make(map[string]bool, len(rules))
	out := make([]*compiledRule, 0, len(rules))

	for _, r := range rules {
		if strings.TrimSpace(r.ID) == "" {
			return nil, fmt.Errorf("code rule without id")
		}
		if seen[r.ID] {
			return nil, fmt.Errorf("duplicate code rule id %q", r.ID)
		}
		seen[r.ID] = true
		if len(r.Patterns) == 0 {
			return nil, fmt.Errorf("code rule %q has no patterns", r.ID)
		}
		if r.Scope == "" {
			r.Scope = ScopeDex
		}
		switch r.Scope {
		case ScopeDex, ScopeResources, ScopeNative, ScopeAll:
		default:
			return nil, fmt.Errorf("code rule %q: unknown scope %q", r.ID, r.Scope)
		}

		cr := &compiledRule{CodeRule: r}
		for _, p := range r.Patterns {
			switch r.Kind {
			case MatchString:
				if r.IgnoreCase {
					cr.regexes = append(cr.regexes, regexMatcher{
						pattern: p,
						re:      regexp.MustCompile("(?i)" + regexp.QuoteMeta(p)),
					})
				} else {
					cr.literals = append(cr.literals, literalMatcher{pattern: p, data: []byte(p)})
				}
			case MatchAPI:
				key, err := parseAPIPattern(p)
				if err != nil {
					return nil, fmt.Errorf("code rule %q: %w", r.ID, err)
				}
				cr.apis = append(cr.apis, apiMatcher{pattern: p, key: key})
			case MatchRegex:
				expr := p
				if r.IgnoreCase {
					expr = "(?i)" + expr
				}
				re, err := regexp.Compile(expr)
				if err != nil {
					return nil, fmt.Errorf("code rule %q: invalid regex: %w", r.ID, err)
				}
				cr.regexes = append(cr.regexes, regexMatcher{pattern: p, re: re, reportMatch: true})
			default:
				return nil, fmt.Errorf("code rule %q: unknown matcher kind %q", r.ID, r.Kind)
			}
		}
		out = append(out, cr)
	}
	return out, nil
}

// parseAPIPattern 拆分 "Lpkg/Class;->method"，省略方法时匹配该类的任意方法引用
func parseAPIPattern(p string) (apiKey, error) {
	class, method, _ := strings.Cut(p, "->")
	if !strings.HasPrefix(class, "L") || !strings.HasSuffix(class, ";") {
		return apiKey{}, fmt.Errorf("api pattern %q must start with a class descriptor", p)
	}
	return apiKey{class: class, method: method}, nil
}

// match 统计规则在条目中的命中次数并收集证据。
// API 规则只查 dex 方法表，字符串和正则规则作用于原始字节
func (r *compiledRule) match(data []byte, dex *dexIndex) (int, []string) {
	n := 0
	var evidence []string
	add := func(e string) {
		if len(evidence) < maxEvidencePerRule && !containsString(evidence, e) {
			evidence = append(evidence, e)
		}
	}

	for _, lit := range r.literals {
		if c := bytes.Count(data, lit.data); c > 0 {
			n += c
			add(lit.pattern)
		}
	}
	for _, m := range r.regexes {
		locs := m.re.FindAllIndex(data, maxRegexMatches)
		if len(locs) == 0 {
			continue
		}
		n += len(locs)
		if !m.reportMatch {
			add(m.pattern)
			continue
		}
		for _, loc := range locs {
			text := data[loc[0]:loc[1]]
			if len(text) > maxEvidenceLen {
				text = text[:maxEvidenceLen]
			}
			add(string(text))
		}
	}
	for _, m := range r.apis {
		if c := dex.count(m.key); c > 0 {
			n += c
			add(m.pattern)
		}
	}
	return n, evidence
}

// appliesTo 规则是否作用于该范围
func (r *compiledRule) appliesTo(scope Scope) bool {
	if r.Kind == MatchAPI && scope != ScopeDex {
		return false
	}
	return r.Scope == ScopeAll || r.Scope == scope
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
