package packer

// PackerInfo 壳检测结果
type PackerInfo struct {
	IsPacked   bool     `json:"is_packed"`
	PackerName string   `json:"packer_name,omitempty"`
	PackerType string   `json:"packer_type,omitempty"` // native / dex_encrypt / vmp / unknown
	Confidence float64  `json:"confidence"`
	Indicators []string `json:"indicators"`
}

// 壳类型
const (
	PackerTypeNative     = "native"      // 原生库加载加密 DEX
	PackerTypeDexEncrypt = "dex_encrypt" // DEX 加密 / 字符串加密
	PackerTypeVMP        = "vmp"         // 虚拟机保护
	PackerTypeUnknown    = "unknown"
)

// PackerRule 壳特征规则
type PackerRule struct {
	Name       string
	Type       string
	NativeLibs []string // lib/<abi>/ 下的特征库
	Markers    []string // 条目路径中的特征片段（小写比较）
	Size       SizeHint
	Priority   int // 越大越先匹配
}

// SizeHint 体积异常提示
type SizeHint struct {
	DEXMaxKB    int64 // DEX 总大小低于此值可疑
	NativeMinMB int64 // Native 库总大小高于此值可疑
}

// archiveStats 从条目列表统计的壳相关信息
type archiveStats struct {
	nativeLibs []string
	paths      []string
	dexSize    int64
	nativeSize int64
	dexCount   int
	assetDex   []string
}
