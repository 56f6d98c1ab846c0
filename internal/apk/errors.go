package apk

import (
	"errors"
	"fmt"
)

var (
	// ErrManifestMissing 容器中没有 AndroidManifest.xml
	ErrManifestMissing = errors.New("AndroidManifest.xml not found in archive")
	// ErrClosed 句柄已关闭
	ErrClosed = errors.New("apk handle is closed")
	// ErrEntryTooLarge 条目超过读取上限
	ErrEntryTooLarge = errors.New("archive entry exceeds read limit")
	// ErrEntryNotFound 条目不存在
	ErrEntryNotFound = errors.New("archive entry not found")
)

// ParseError APK 容器无法读取（不是 zip、数据截断或为空）
type ParseError struct {
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("apk parse error: %s: %v", e.Reason, e.Err)
	}
	return "apk parse error: " + e.Reason
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

func newParseError(reason string, err error) *ParseError {
	return &ParseError{Reason: reason, Err: err}
}
