package apk

import (
	"crypto/sha256"
	"encoding/hex"
	"path"
	"strings"

	"go.mozilla.org/pkcs7"
)

const maxSignatureBlockSize = 1 << 20

// CertFingerprint 第一个 v1 签名块中首个证书的 SHA-256 指纹
// 未签名或签名块无法解析时返回 false
func (p *ParsedApk) CertFingerprint() (string, bool) {
	for _, e := range p.Entries() {
		if !isSignatureBlock(e.Name) {
			continue
		}
		data, err := p.ReadEntry(e.Name, maxSignatureBlockSize)
		if err != nil {
			continue
		}
		p7, err := pkcs7.Parse(data)
		if err != nil || len(p7.Certificates) == 0 {
			continue
		}
		sum := sha256.Sum256(p7.Certificates[0].Raw)
		return hex.EncodeToString(sum[:]), true
	}
	return "", false
}

func isSignatureBlock(name string) bool {
	if path.Dir(name) != "META-INF" {
		return false
	}
	switch strings.ToUpper(path.Ext(name)) {
	case ".RSA", ".DSA", ".EC":
		return true
	}
	return false
}
