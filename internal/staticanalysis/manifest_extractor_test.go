package staticanalysis

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/apk-analysis/apk-risk-go/internal/apk"
	"github.com/apk-analysis/apk-risk-go/internal/apk/apktest"
	"github.com/apk-analysis/apk-risk-go/internal/features"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func parse(t *testing.T, data []byte) *apk.ParsedApk {
	t.Helper()
	p, err := apk.Parse(context.Background(), data)
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p
}

func TestExtract_Facts(t *testing.T) {
	p := parse(t, apktest.BuildAPK(t, apktest.Manifest{
		Package:     "com.example.sms",
		MinSDK:      16,
		TargetSDK:   22,
		Permissions: []string{"android.permission.SEND_SMS", "android.permission.RECEIVE_BOOT_COMPLETED"},
		Components: []apktest.Component{
			{Kind: "activity", Name: ".Main", Actions: []string{"android.intent.action.MAIN"}},
			{Kind: "activity", Name: ".Settings"},
			{Kind: "service", Name: "com.example.sms.Relay", Exported: "true"},
			{Kind: "receiver", Name: ".Boot", Exported: "false", Actions: []string{"android.intent.action.BOOT_COMPLETED"}},
			{Kind: "receiver", Name: ".SmsIn", Actions: []string{"android.provider.Telephony.SMS_RECEIVED"}},
			{Kind: "provider", Name: ".Data"},
		},
	}))

	facts, err := NewManifestExtractor(quietLogger()).Extract(p)
	require.NoError(t, err)

	assert.Equal(t, "com.example.sms", facts.PackageName)
	assert.ElementsMatch(t, []string{"android.permission.SEND_SMS", "android.permission.RECEIVE_BOOT_COMPLETED"}, facts.Permissions)
	assert.ElementsMatch(t, []string{
		"android.intent.action.MAIN",
		"android.intent.action.BOOT_COMPLETED",
		"android.provider.Telephony.SMS_RECEIVED",
	}, facts.IntentActions)
	assert.ElementsMatch(t, []features.Component{
		{Kind: features.KindActivity, Name: "com.example.sms.Main"},
		{Kind: features.KindService, Name: "com.example.sms.Relay"},
		{Kind: features.KindReceiver, Name: "com.example.sms.SmsIn"},
		// targetSdk 22 >= 17，provider 不再默认导出
	}, facts.ExportedComponents)
	require.NotNil(t, facts.SDK)
	assert.Equal(t, features.SDKBounds{Min: 16, Target: 22}, *facts.SDK)
	assert.Empty(t, facts.CertFingerprint)
}

func TestExtract_LegacyProviderExported(t *testing.T) {
	p := parse(t, apktest.BuildAPK(t, apktest.Manifest{
		Package:   "com.example.legacy",
		MinSDK:    8,
		TargetSDK: 10,
		Components: []apktest.Component{
			{Kind: "provider", Name: ".Contacts"},
		},
	}))

	facts, err := NewManifestExtractor(quietLogger()).Extract(p)
	require.NoError(t, err)
	assert.Equal(t, []features.Component{{Kind: features.KindProvider, Name: "com.example.legacy.Contacts"}}, facts.ExportedComponents)
}

func TestExtract_MinimalManifest(t *testing.T) {
	p := parse(t, apktest.BuildAPK(t, apktest.Manifest{Package: "com.example.min", TargetSDK: 30}))

	facts, err := NewManifestExtractor(quietLogger()).Extract(p)
	require.NoError(t, err)
	assert.Empty(t, facts.Permissions)
	assert.Empty(t, facts.ExportedComponents)
	assert.Empty(t, facts.IntentActions)
	// 只声明 target 时 min 取系统默认值
	require.NotNil(t, facts.SDK)
	assert.Equal(t, features.SDKBounds{Min: 1, Target: 30}, *facts.SDK)
}

func TestExtract_SDKDefaults(t *testing.T) {
	cases := []struct {
		name     string
		min, tgt int
		want     *features.SDKBounds
	}{
		{"both declared", 16, 22, &features.SDKBounds{Min: 16, Target: 22}},
		{"min only", 8, 0, &features.SDKBounds{Min: 8, Target: 8}},
		{"target only", 0, 30, &features.SDKBounds{Min: 1, Target: 30}},
		{"neither", 0, 0, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := parse(t, apktest.BuildAPK(t, apktest.Manifest{
				Package:   "com.example.sdk",
				MinSDK:    tc.min,
				TargetSDK: tc.tgt,
			}))

			facts, err := NewManifestExtractor(quietLogger()).Extract(p)
			require.NoError(t, err)
			assert.Equal(t, tc.want, facts.SDK)
		})
	}
}

func TestExtract_MinOnlyKeepsLegacyProviderExported(t *testing.T) {
	p := parse(t, apktest.BuildAPK(t, apktest.Manifest{
		Package: "com.example.old",
		MinSDK:  8,
		Components: []apktest.Component{
			{Kind: "provider", Name: "Store"},
		},
	}))

	facts, err := NewManifestExtractor(quietLogger()).Extract(p)
	require.NoError(t, err)
	// target 缺省等于 min(8) < 17
	assert.Equal(t, []features.Component{{Kind: features.KindProvider, Name: "com.example.old.Store"}}, facts.ExportedComponents)
}

func TestExtract_BinaryManifest(t *testing.T) {
	manifest, err := os.ReadFile(filepath.Join("..", "apk", "testdata", "AndroidManifest.bin"))
	require.NoError(t, err)
	p := parse(t, apktest.Build(t, map[string][]byte{
		"AndroidManifest.xml": manifest,
		"classes.dex":         apktest.Dex(),
	}))

	facts, err := NewManifestExtractor(quietLogger()).Extract(p)
	require.NoError(t, err)

	assert.Equal(t, "com.example.binary", facts.PackageName)
	assert.ElementsMatch(t, []string{"android.permission.INTERNET", "android.permission.READ_SMS"}, facts.Permissions)
	assert.ElementsMatch(t, []string{"android.intent.action.MAIN", "android.provider.Telephony.SMS_RECEIVED"}, facts.IntentActions)
	assert.ElementsMatch(t, []features.Component{
		{Kind: features.KindActivity, Name: "com.example.binary.MainActivity"},
		{Kind: features.KindReceiver, Name: "com.example.binary.SmsReceiver"},
	}, facts.ExportedComponents)
	require.NotNil(t, facts.SDK)
	assert.Equal(t, features.SDKBounds{Min: 19, Target: 28}, *facts.SDK)
}

func TestExtract_MissingManifest(t *testing.T) {
	p := parse(t, apktest.Build(t, map[string][]byte{"classes.dex": apktest.Dex()}))

	_, err := NewManifestExtractor(quietLogger()).Extract(p)
	require.Error(t, err)

	var extErr *ExtractionError
	require.True(t, errors.As(err, &extErr))
	assert.ErrorIs(t, err, apk.ErrManifestMissing)
	assert.True(t, IsExtractionError(err))
}

func TestExtract_InvalidManifest(t *testing.T) {
	p := parse(t, apktest.Build(t, map[string][]byte{
		"AndroidManifest.xml": []byte(`<manifest xmlns:android="http://schemas.android.com/apk/res/android"><application>`),
	}))

	_, err := NewManifestExtractor(quietLogger()).Extract(p)
	assert.True(t, IsExtractionError(err))
}

func TestQualifyName(t *testing.T) {
	assert.Equal(t, "com.a.Main", qualifyName("com.a", ".Main"))
	assert.Equal(t, "org.b.Main", qualifyName("com.a", "org.b.Main"))
	assert.Equal(t, "com.a.Main", qualifyName("com.a", "Main"))
	assert.Equal(t, "Main", qualifyName("", "Main"))
}
