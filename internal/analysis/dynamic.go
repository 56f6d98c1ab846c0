package analysis

import (
	"context"
	"errors"

	"github.com/apk-analysis/apk-risk-go/internal/apk"
)

// ErrDynamicUnavailable 未配置动态分析后端
var ErrDynamicUnavailable = errors.New("dynamic analysis is not available")

// DynamicObservation 动态运行观察到的行为
type DynamicObservation struct {
	Syscalls       []string `json:"syscalls"`
	NetworkTargets []string `json:"network_targets"`
}

// DynamicAnalyzer 沙箱执行接口，结果不参与评分
type DynamicAnalyzer interface {
	Observe(ctx context.Context, p *apk.ParsedApk) (*DynamicObservation, error)
}

// NoopDynamic 占位实现
type NoopDynamic struct{}

// Observe 始终返回 ErrDynamicUnavailable
func (NoopDynamic) Observe(ctx context.Context, p *apk.ParsedApk) (*DynamicObservation, error) {
	return nil, ErrDynamicUnavailable
}
