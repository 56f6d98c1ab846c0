package apk

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
)

const manifestEntry = "AndroidManifest.xml"

// maxManifestSize manifest 读取上限
const maxManifestSize = 16 << 20

// Entry 压缩包条目（名称 + 解压后大小）
type Entry struct {
	Name string
	Size int64
}

// ParsedApk 已解析的 APK 句柄，每次分析独立持有，用完必须 Close
type ParsedApk struct {
	mu     sync.Mutex
	closed bool

	zr     *zip.Reader
	closer io.Closer
	files  map[string]*zip.File
	names  []string

	size        int64
	sha256      string
	manifest    *Manifest
	manifestErr error
}

// Parse 从内存字节解析 APK
func Parse(ctx context.Context, data []byte) (*ParsedApk, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, newParseError("empty input", nil)
	}

	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, newParseError("not a valid zip container", err)
	}

	sum := sha256.Sum256(data)
	return newParsedApk(zr, nil, int64(len(data)), hex.EncodeToString(sum[:])), nil
}

// Open 从磁盘打开 APK，文件句柄在 Close 时释放
func Open(ctx context.Context, path string) (*ParsedApk, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open apk: %w", err)
	}

	// 1. 获取文件大小
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat apk: %w", err)
	}
	if info.Size() == 0 {
		f.Close()
		return nil, newParseError("empty file", nil)
	}

	// 2. 流式计算哈希
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to hash apk: %w", err)
	}

	// 3. 打开 zip 目录
	zr, err := zip.NewReader(f, info.Size())
	if err != nil {
		f.Close()
		return nil, newParseError("not a valid zip container", err)
	}

	return newParsedApk(zr, f, info.Size(), hex.EncodeToString(h.Sum(nil))), nil
}

func newParsedApk(zr *zip.Reader, closer io.Closer, size int64, digest string) *ParsedApk {
	p := &ParsedApk{
		zr:     zr,
		closer: closer,
		files:  make(map[string]*zip.File, len(zr.File)),
		size:   size,
		sha256: digest,
	}
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		// 重复条目以第一个为准，与 Android 安装器一致
		if _, dup := p.files[f.Name]; dup {
			continue
		}
		p.files[f.Name] = f
		p.names = append(p.names, f.Name)
	}
	sort.Strings(p.names)

	p.manifest, p.manifestErr = p.loadManifest()
	return p
}

func (p *ParsedApk) loadManifest() (*Manifest, error) {
	f, ok := p.files[manifestEntry]
	if !ok {
		return nil, ErrManifestMissing
	}
	data, err := readZipFile(f, maxManifestSize)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	return DecodeManifest(data)
}

// SHA256 内容哈希（十六进制小写）
func (p *ParsedApk) SHA256() string {
	return p.sha256
}

// Size 原始 APK 字节数
func (p *ParsedApk) Size() int64 {
	return p.size
}

// Manifest 返回解码后的 manifest；缺失或损坏时返回错误
func (p *ParsedApk) Manifest() (*Manifest, error) {
	if p.isClosed() {
		return nil, ErrClosed
	}
	return p.manifest, p.manifestErr
}

// PackageName manifest 声明的包名，不可用时为空
func (p *ParsedApk) PackageName() string {
	if p.manifest == nil {
		return ""
	}
	return strings.TrimSpace(p.manifest.Package)
}

// Entries 按名称排序的条目列表
func (p *ParsedApk) Entries() []Entry {
	if p.isClosed() {
		return nil
	}
	out := make([]Entry, 0, len(p.names))
	for _, name := range p.names {
		out = append(out, Entry{Name: name, Size: int64(p.files[name].UncompressedSize64)})
	}
	return out
}

// ReadEntry 读取单个条目，超过 limit 返回 ErrEntryTooLarge
func (p *ParsedApk) ReadEntry(name string, limit int64) ([]byte, error) {
	if p.isClosed() {
		return nil, ErrClosed
	}
	f, ok := p.files[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrEntryNotFound, name)
	}
	return readZipFile(f, limit)
}

// Close 释放底层文件句柄，可重复调用
func (p *ParsedApk) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	p.zr = nil
	p.files = nil
	if p.closer != nil {
		return p.closer.Close()
	}
	return nil
}

func (p *ParsedApk) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func readZipFile(f *zip.File, limit int64) ([]byte, error) {
	if limit > 0 && f.UncompressedSize64 > uint64(limit) {
		return nil, fmt.Errorf("%w: %s (%d bytes)", ErrEntryTooLarge, f.Name, f.UncompressedSize64)
	}

	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	// 头部声明的大小不可信，读取时再限制一次
	r := io.Reader(rc)
	if limit > 0 {
		r = io.LimitReader(rc, limit+1)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	if limit > 0 && int64(len(data)) > limit {
		return nil, fmt.Errorf("%w: %s", ErrEntryTooLarge, f.Name)
	}
	return data, nil
}
