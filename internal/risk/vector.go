package risk

import (
	"strings"

	"github.com/apk-analysis/apk-risk-go/internal/features"
)

// VectorSize 模型输入维度
const VectorSize = 5

var (
	networkSignals = []string{"network_url", "hardcoded_ip", "network_api"}
	syscallSignals = []string{"runtime_exec", "root_detection", "native_loading"}
)

// Vector 模型输入向量：
// [高危权限数, 可疑 API 规则数, 网络指标数, 系统调用类指标数, 是否开机自启]
func Vector(fs *features.FeatureSet) []float32 {
	var dangerous, apis, network, syscalls, boot float32

	for _, p := range DangerousPermissions {
		if fs.HasPermission(p) {
			dangerous++
		}
	}

	for id := range fs.APIHits() {
		if !contains(networkSignals, id) {
			apis++
		}
	}
	for _, id := range networkSignals {
		network += float32(fs.APIHitCount(id))
	}
	for _, id := range syscallSignals {
		syscalls += float32(fs.APIHitCount(id))
	}

	for _, a := range fs.IntentActions() {
		if strings.Contains(a, "BOOT_COMPLETED") {
			boot = 1
			break
		}
	}

	return []float32{dangerous, apis, network, syscalls, boot}
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
