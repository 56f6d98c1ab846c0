package features

import "context"

// Cache 按 APK 内容哈希缓存 FeatureSet。
// version 标识产生特征的扫描配置，版本不一致的条目视为未命中
type Cache interface {
	Get(ctx context.Context, sha256, version string) (*FeatureSet, bool, error)
	Put(ctx context.Context, sha256, version string, fs *FeatureSet) error
}
