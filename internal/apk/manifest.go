package apk

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/shogo82148/androidbinary"
)

// AndroidNamespace android: 属性所在的 XML 命名空间
const AndroidNamespace = "http://schemas.android.com/apk/res/android"

// Manifest 解码后的 AndroidManifest.xml（只保留风险分析需要的字段）
type Manifest struct {
	XMLName              xml.Name         `xml:"manifest"`
	Package              string           `xml:"package,attr"`
	VersionCode          string           `xml:"http://schemas.android.com/apk/res/android versionCode,attr"`
	VersionName          string           `xml:"http://schemas.android.com/apk/res/android versionName,attr"`
	UsesSDK              *UsesSDK         `xml:"uses-sdk"`
	UsesPermissions      []UsesPermission `xml:"uses-permission"`
	UsesPermissionsSDK23 []UsesPermission `xml:"uses-permission-sdk-23"`
	Application          Application      `xml:"application"`
}

// UsesSDK <uses-sdk>
type UsesSDK struct {
	MinSDKVersion    string `xml:"http://schemas.android.com/apk/res/android minSdkVersion,attr"`
	TargetSDKVersion string `xml:"http://schemas.android.com/apk/res/android targetSdkVersion,attr"`
}

// UsesPermission <uses-permission>
type UsesPermission struct {
	Name string `xml:"http://schemas.android.com/apk/res/android name,attr"`
}

// Application <application>
type Application struct {
	Debuggable      string      `xml:"http://schemas.android.com/apk/res/android debuggable,attr"`
	AllowBackup     string      `xml:"http://schemas.android.com/apk/res/android allowBackup,attr"`
	Activities      []Component `xml:"activity"`
	ActivityAliases []Component `xml:"activity-alias"`
	Services        []Component `xml:"service"`
	Receivers       []Component `xml:"receiver"`
	Providers       []Component `xml:"provider"`
}

// Component activity / service / receiver / provider 的公共部分
type Component struct {
	Name          string         `xml:"http://schemas.android.com/apk/res/android name,attr"`
	Exported      string         `xml:"http://schemas.android.com/apk/res/android exported,attr"`
	Permission    string         `xml:"http://schemas.android.com/apk/res/android permission,attr"`
	IntentFilters []IntentFilter `xml:"intent-filter"`
}

// IntentFilter <intent-filter>
type IntentFilter struct {
	Actions    []NamedElement `xml:"action"`
	Categories []NamedElement `xml:"category"`
}

// NamedElement 只有 android:name 的子元素
type NamedElement struct {
	Name string `xml:"http://schemas.android.com/apk/res/android name,attr"`
}

// DecodeManifest 解码 manifest，支持二进制 AXML 和明文 XML
func DecodeManifest(data []byte) (*Manifest, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty manifest")
	}

	var r io.Reader
	trimmed := bytes.TrimLeft(data, " \t\r\n\ufeff")
	if len(trimmed) > 0 && trimmed[0] == '<' {
		r = bytes.NewReader(trimmed)
	} else {
		xf, err := androidbinary.NewXMLFile(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("failed to decode binary manifest: %w", err)
		}
		r = xf.Reader()
	}

	var m Manifest
	if err := xml.NewDecoder(r).Decode(&m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest xml: %w", err)
	}
	if strings.TrimSpace(m.Package) == "" {
		return nil, fmt.Errorf("manifest has no package attribute")
	}
	return &m, nil
}

// ParseInt 解析 manifest 中的整数属性（十进制或 0x 十六进制），资源引用视为未知
func ParseInt(v string) (int, bool) {
	v = strings.TrimSpace(v)
	if v == "" || strings.HasPrefix(v, "@") {
		return 0, false
	}
	n, err := strconv.ParseInt(v, 0, 32)
	if err != nil {
		return 0, false
	}
	return int(n), true
}

// ParseBool 解析布尔属性，第二个返回值表示是否显式声明
func ParseBool(v string) (value bool, declared bool) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true":
		return true, true
	case "false":
		return false, true
	}
	return false, false
}
