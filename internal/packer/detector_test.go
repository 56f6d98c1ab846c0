package packer

import (
	"context"
	"testing"

	"github.com/apk-analysis/apk-risk-go/internal/apk"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func newTestDetector() *Detector {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return NewDetector(logger)
}

func TestDetect_KnownNativeLib(t *testing.T) {
	d := newTestDetector()

	info := d.Detect(context.Background(), []apk.Entry{
		{Name: "AndroidManifest.xml", Size: 2048},
		{Name: "classes.dex", Size: 500 * 1024},
		{Name: "lib/arm64-v8a/libjiagu_a64.so", Size: 300 * 1024},
	})

	assert.True(t, info.IsPacked)
	assert.Equal(t, "Qihoo 360 Jiagu", info.PackerName)
	assert.Equal(t, PackerTypeNative, info.PackerType)
	assert.Contains(t, info.Indicators, "native_lib:libjiagu_a64.so")
	assert.LessOrEqual(t, info.Confidence, 1.0)
}

func TestDetect_VersionedLibName(t *testing.T) {
	d := newTestDetector()

	info := d.Detect(context.Background(), []apk.Entry{
		{Name: "classes.dex", Size: 500 * 1024},
		{Name: "lib/armeabi-v7a/libshellx-2.10.3.4.so", Size: 100 * 1024},
	})

	assert.True(t, info.IsPacked)
	assert.Equal(t, "Tencent Legu", info.PackerName)
}

func TestDetect_CleanApp(t *testing.T) {
	d := newTestDetector()

	info := d.Detect(context.Background(), []apk.Entry{
		{Name: "AndroidManifest.xml", Size: 2048},
		{Name: "classes.dex", Size: 4 * 1024 * 1024},
		{Name: "lib/arm64-v8a/libc++_shared.so", Size: 900 * 1024},
		{Name: "res/layout/main.xml", Size: 512},
	})

	assert.False(t, info.IsPacked)
	assert.Empty(t, info.Indicators)
	assert.Equal(t, "no packer detected", Summary(info))
}

func TestDetect_SmallDexAlone(t *testing.T) {
	d := newTestDetector()

	// 单纯 DEX 偏小不足以判定
	info := d.Detect(context.Background(), []apk.Entry{
		{Name: "classes.dex", Size: 10 * 1024},
	})
	assert.False(t, info.IsPacked)
}

func TestDetect_GenericAnomalies(t *testing.T) {
	d := newTestDetector()

	info := d.Detect(context.Background(), []apk.Entry{
		{Name: "classes.dex", Size: 10 * 1024},
		{Name: "lib/arm64-v8a/libpayload.so", Size: 20 * 1024 * 1024},
	})
	assert.True(t, info.IsPacked)
	assert.Equal(t, PackerTypeUnknown, info.PackerType)
	assert.ElementsMatch(t, []string{"dex_size_anomaly", "native_size_anomaly"}, info.Indicators)

	info = d.Detect(context.Background(), []apk.Entry{
		{Name: "classes.dex", Size: 2 * 1024 * 1024},
		{Name: "assets/payload.dex", Size: 300 * 1024},
	})
	assert.True(t, info.IsPacked)
	assert.Contains(t, info.Indicators, "asset_dex:assets/payload.dex")
}

func TestMatchLibName(t *testing.T) {
	assert.True(t, matchLibName("libjiagu.so", "libjiagu.so"))
	assert.True(t, matchLibName("libshellx.so", "libshellx-2.10.3.4.so"))
	assert.False(t, matchLibName("libcocklogic.so", "libc.so"))
	assert.False(t, matchLibName("libshell.so", "libshellx.so"))
}

func TestNewDetectorWithRules_PriorityOrder(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	d := NewDetectorWithRules([]PackerRule{
		{Name: "low", Type: PackerTypeNative, NativeLibs: []string{"libx.so"}, Priority: 1},
		{Name: "high", Type: PackerTypeNative, NativeLibs: []string{"libx.so"}, Priority: 50},
	}, logger)

	info := d.Detect(context.Background(), []apk.Entry{{Name: "lib/x86/libx.so", Size: 1}})
	assert.Equal(t, "high", info.PackerName)
}
