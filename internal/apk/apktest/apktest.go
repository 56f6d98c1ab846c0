// Package apktest builds small in-memory APK archives for tests.
package apktest

import (
	"archive/zip"
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"
	"strings"
	"testing"
)

// Component 测试 manifest 中的组件
type Component struct {
	Kind     string // activity | service | receiver | provider
	Name     string
	Exported string // "", "true", "false"
	Actions  []string
}

// Manifest 测试 manifest 描述
type Manifest struct {
	Package     string
	MinSDK      int
	TargetSDK   int
	Permissions []string
	Components  []Component
}

// XML 渲染为明文 AndroidManifest.xml
func (m Manifest) XML() []byte {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="utf-8"?>` + "\n")
	fmt.Fprintf(&b, `<manifest xmlns:android="http://schemas.android.com/apk/res/android" package="%s">`+"\n", m.Package)
	if m.MinSDK > 0 || m.TargetSDK > 0 {
		b.WriteString("  <uses-sdk")
		if m.MinSDK > 0 {
			fmt.Fprintf(&b, ` android:minSdkVersion="%d"`, m.MinSDK)
		}
		if m.TargetSDK > 0 {
			fmt.Fprintf(&b, ` android:targetSdkVersion="%d"`, m.TargetSDK)
		}
		b.WriteString("/>\n")
	}
	for _, p := range m.Permissions {
		fmt.Fprintf(&b, `  <uses-permission android:name="%s"/>`+"\n", p)
	}
	b.WriteString("  <application>\n")
	for _, c := range m.Components {
		fmt.Fprintf(&b, `    <%s android:name="%s"`, c.Kind, c.Name)
		if c.Exported != "" {
			fmt.Fprintf(&b, ` android:exported="%s"`, c.Exported)
		}
		if len(c.Actions) == 0 {
			b.WriteString("/>\n")
			continue
		}
		b.WriteString(">\n      <intent-filter>\n")
		for _, a := range c.Actions {
			fmt.Fprintf(&b, `        <action android:name="%s"/>`+"\n", a)
		}
		fmt.Fprintf(&b, "      </intent-filter>\n    </%s>\n", c.Kind)
	}
	b.WriteString("  </application>\n</manifest>\n")
	return []byte(b.String())
}

// Dex 生成最小可解析的 DEX。
// "Lpkg/Class;->name" 形式的条目写入 method_ids（类型入 type_ids），其余条目只写入字符串表
func Dex(items ...string) []byte {
	type method struct{ class, name string }

	strSet := map[string]bool{"V": true}
	typeSet := map[string]bool{"V": true}
	var methods []method
	for _, it := range items {
		if class, name, ok := strings.Cut(it, "->"); ok {
			methods = append(methods, method{class, name})
			strSet[class], strSet[name] = true, true
			typeSet[class] = true
			continue
		}
		strSet[it] = true
	}

	strs := sortedKeys(strSet)
	strIdx := make(map[string]uint32, len(strs))
	for i, s := range strs {
		strIdx[s] = uint32(i)
	}
	// type_ids 按描述符字符串索引排序
	types := sortedKeys(typeSet)
	typeIdx := make(map[string]uint32, len(types))
	for i, t := range types {
		typeIdx[t] = uint32(i)
	}
	sort.Slice(methods, func(i, j int) bool {
		if methods[i].class != methods[j].class {
			return typeIdx[methods[i].class] < typeIdx[methods[j].class]
		}
		return strIdx[methods[i].name] < strIdx[methods[j].name]
	})

	const headerSize = 0x70
	stringIDsOff := uint32(headerSize)
	typeIDsOff := stringIDsOff + 4*uint32(len(strs))
	protoIDsOff := typeIDsOff + 4*uint32(len(types))
	methodIDsOff := protoIDsOff + 12
	dataOff := methodIDsOff + 8*uint32(len(methods))

	var data bytes.Buffer
	stringOffsets := make([]uint32, len(strs))
	for i, s := range strs {
		stringOffsets[i] = dataOff + uint32(data.Len())
		data.Write(uleb128(uint32(len(s))))
		data.WriteString(s)
		data.WriteByte(0)
	}

	le := binary.LittleEndian
	out := make([]byte, dataOff, dataOff+uint32(data.Len()))
	copy(out, "dex\n035\x00")
	le.PutUint32(out[0x24:], headerSize)
	le.PutUint32(out[0x28:], 0x12345678)
	le.PutUint32(out[0x38:], uint32(len(strs)))
	le.PutUint32(out[0x3C:], stringIDsOff)
	le.PutUint32(out[0x40:], uint32(len(types)))
	le.PutUint32(out[0x44:], typeIDsOff)
	le.PutUint32(out[0x48:], 1)
	le.PutUint32(out[0x4C:], protoIDsOff)
	le.PutUint32(out[0x58:], uint32(len(methods)))
	le.PutUint32(out[0x5C:], methodIDsOff)
	le.PutUint32(out[0x68:], uint32(data.Len()))
	le.PutUint32(out[0x6C:], dataOff)

	for i, off := range stringOffsets {
		le.PutUint32(out[stringIDsOff+4*uint32(i):], off)
	}
	for i, t := range types {
		le.PutUint32(out[typeIDsOff+4*uint32(i):], strIdx[t])
	}
	// 唯一的 proto：()V
	le.PutUint32(out[protoIDsOff:], strIdx["V"])
	le.PutUint32(out[protoIDsOff+4:], typeIdx["V"])
	for i, m := range methods {
		item := out[methodIDsOff+8*uint32(i):]
		le.PutUint16(item[0:], uint16(typeIdx[m.class]))
		le.PutUint16(item[2:], 0)
		le.PutUint32(item[4:], strIdx[m.name])
	}

	out = append(out, data.Bytes()...)
	le.PutUint32(out[0x20:], uint32(len(out)))
	return out
}

func sortedKeys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Build 把文件打包成 zip（按名称排序写入，输出稳定）
func Build(t testing.TB, files map[string][]byte) []byte {
	t.Helper()

	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, name := range names {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("create zip entry %s: %v", name, err)
		}
		if _, err := w.Write(files[name]); err != nil {
			t.Fatalf("write zip entry %s: %v", name, err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close zip: %v", err)
	}
	return buf.Bytes()
}

// BuildAPK manifest + 单个 classes.dex 的常见组合，dexItems 规则同 Dex
func BuildAPK(t testing.TB, m Manifest, dexItems ...string) []byte {
	t.Helper()
	return Build(t, map[string][]byte{
		"AndroidManifest.xml": m.XML(),
		"classes.dex":         Dex(dexItems...),
	})
}

func uleb128(v uint32) []byte {
	var out []byte
	for {
		c := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			out = append(out, c|0x80)
			continue
		}
		return append(out, c)
	}
}
