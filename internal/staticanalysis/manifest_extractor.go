package staticanalysis

import (
	"errors"
	"fmt"
	"strings"

	"github.com/apk-analysis/apk-risk-go/internal/apk"
	"github.com/apk-analysis/apk-risk-go/internal/features"
	"github.com/sirupsen/logrus"
)

// providerImplicitExportSDK targetSdk 低于此值时 provider 默认导出
const providerImplicitExportSDK = 17

// ExtractionError manifest 缺失或结构无效
type ExtractionError struct {
	Err error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("manifest extraction failed: %v", e.Err)
}

func (e *ExtractionError) Unwrap() error {
	return e.Err
}

// IsExtractionError 判断错误链中是否包含 ExtractionError
func IsExtractionError(err error) bool {
	var e *ExtractionError
	return errors.As(err, &e)
}

// ManifestExtractor manifest 事实提取器
type ManifestExtractor struct {
	logger *logrus.Logger
}

// NewManifestExtractor 创建 manifest 提取器
func NewManifestExtractor(logger *logrus.Logger) *ManifestExtractor {
	return &ManifestExtractor{logger: logger}
}

// Extract 从已解析 APK 提取权限、导出组件、intent action、SDK 范围和证书指纹
func (e *ManifestExtractor) Extract(p *apk.ParsedApk) (features.ManifestFacts, error) {
	m, err := p.Manifest()
	if err != nil {
		return features.ManifestFacts{}, &ExtractionError{Err: err}
	}

	facts := features.ManifestFacts{
		PackageName: m.Package,
	}

	// 1. 权限
	for _, up := range m.UsesPermissions {
		facts.Permissions = append(facts.Permissions, up.Name)
	}
	for _, up := range m.UsesPermissionsSDK23 {
		facts.Permissions = append(facts.Permissions, up.Name)
	}

	// 2. SDK 范围，按系统默认值补全：min 缺省为 1，target 缺省等于 min
	targetSDK, targetKnown := 0, false
	if m.UsesSDK != nil {
		facts.SDK = sdkBounds(m.UsesSDK)
		if facts.SDK != nil {
			targetSDK, targetKnown = facts.SDK.Target, true
		}
	}

	// 3. 组件与 intent-filter
	groups := []struct {
		kind       features.ComponentKind
		components []apk.Component
	}{
		{features.KindActivity, m.Application.Activities},
		{features.KindActivity, m.Application.ActivityAliases},
		{features.KindService, m.Application.Services},
		{features.KindReceiver, m.Application.Receivers},
		{features.KindProvider, m.Application.Providers},
	}
	for _, g := range groups {
		for _, c := range g.components {
			for _, f := range c.IntentFilters {
				for _, a := range f.Actions {
					facts.IntentActions = append(facts.IntentActions, a.Name)
				}
			}
			if c.Name != "" && isExported(c, g.kind, targetSDK, targetKnown) {
				facts.ExportedComponents = append(facts.ExportedComponents, features.Component{
					Kind: g.kind,
					Name: qualifyName(m.Package, c.Name),
				})
			}
		}
	}

	// 4. 签名证书
	if fp, ok := p.CertFingerprint(); ok {
		facts.CertFingerprint = fp
	}

	e.logger.WithFields(logrus.Fields{
		"package":     facts.PackageName,
		"permissions": len(facts.Permissions),
		"exported":    len(facts.ExportedComponents),
		"actions":     len(facts.IntentActions),
		"signed":      facts.CertFingerprint != "",
	}).Debug("Manifest facts extracted")

	return facts, nil
}

// isExported 显式 exported 优先；未声明时有 intent-filter 即导出
func isExported(c apk.Component, kind features.ComponentKind, targetSDK int, targetKnown bool) bool {
	if v, declared := apk.ParseBool(c.Exported); declared {
		return v
	}
	if len(c.IntentFilters) > 0 {
		return true
	}
	return kind == features.KindProvider && targetKnown && targetSDK < providerImplicitExportSDK
}

// minSDKDefault 未声明 minSdkVersion 时系统采用的值
const minSDKDefault = 1

// sdkBounds 两者都未声明时返回 nil
func sdkBounds(u *apk.UsesSDK) *features.SDKBounds {
	minSDK, minOK := apk.ParseInt(u.MinSDKVersion)
	targetSDK, targetOK := apk.ParseInt(u.TargetSDKVersion)
	switch {
	case !minOK && !targetOK:
		return nil
	case !minOK:
		minSDK = minSDKDefault
	case !targetOK:
		targetSDK = minSDK
	}
	return &features.SDKBounds{Min: minSDK, Target: targetSDK}
}

// qualifyName 相对类名（".Foo" 或不含点的 "Foo"）按包名补全
func qualifyName(pkg, name string) string {
	if pkg == "" || name == "" {
		return name
	}
	if name[0] == '.' {
		return pkg + name
	}
	if !strings.Contains(name, ".") {
		return pkg + "." + name
	}
	return name
}
