package features

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleFacts() (ManifestFacts, CodeSignals) {
	return ManifestFacts{
			PackageName: "com.example.demo",
			Permissions: []string{"android.permission.SEND_SMS", "android.permission.INTERNET", "android.permission.SEND_SMS", " "},
			ExportedComponents: []Component{
				{Kind: KindService, Name: ".SyncService"},
				{Kind: KindActivity, Name: ".MainActivity"},
				{Kind: KindService, Name: ".SyncService"},
			},
			IntentActions:   []string{"android.intent.action.MAIN", "android.intent.action.BOOT_COMPLETED"},
			SDK:             &SDKBounds{Min: 19, Target: 28},
			CertFingerprint: "ABCDEF",
		}, CodeSignals{
			Hits: map[string]int{"dynamic_code_loading": 2, "reflection": 0},
		}
}

func TestMerge_NormalizesInputs(t *testing.T) {
	m, c := sampleFacts()
	fs := Merge(m, c)

	assert.Equal(t, []string{"android.permission.INTERNET", "android.permission.SEND_SMS"}, fs.Permissions())
	assert.Equal(t, []Component{
		{Kind: KindActivity, Name: ".MainActivity"},
		{Kind: KindService, Name: ".SyncService"},
	}, fs.ExportedComponents())
	assert.Equal(t, map[string]int{"dynamic_code_loading": 2}, fs.APIHits())
	assert.True(t, fs.HasPermission("android.permission.SEND_SMS"))
	assert.False(t, fs.HasPermission("android.permission.CAMERA"))
	assert.True(t, fs.HasIntentAction("android.intent.action.BOOT_COMPLETED"))

	b, ok := fs.SDKBounds()
	require.True(t, ok)
	assert.Equal(t, SDKBounds{Min: 19, Target: 28}, b)

	cert, ok := fs.CertFingerprint()
	assert.True(t, ok)
	assert.Equal(t, "abcdef", cert)
	assert.False(t, fs.ObfuscationSuspected())
}

func TestMerge_CopiesInputs(t *testing.T) {
	m, c := sampleFacts()
	fs := Merge(m, c)

	m.Permissions[0] = "mutated"
	m.SDK.Min = 1
	c.Hits["dynamic_code_loading"] = 99

	assert.True(t, fs.HasPermission("android.permission.SEND_SMS"))
	b, _ := fs.SDKBounds()
	assert.Equal(t, 19, b.Min)
	assert.Equal(t, 2, fs.APIHitCount("dynamic_code_loading"))

	perms := fs.Permissions()
	perms[0] = "mutated"
	assert.Equal(t, "android.permission.INTERNET", fs.Permissions()[0])
}

func TestMerge_Evidence(t *testing.T) {
	c := CodeSignals{
		Hits: map[string]int{"network_url": 2, "reflection": 0},
		Evidence: map[string][]string{
			"network_url": {"https://b.example", "http://a.example", "https://b.example"},
			"reflection":  {"Ljava/lang/reflect/Method;->invoke"},
		},
	}
	fs := Merge(ManifestFacts{}, c)

	assert.Equal(t, []string{"http://a.example", "https://b.example"}, fs.APIEvidence("network_url"))
	// 没有命中的规则不保留证据
	assert.Empty(t, fs.APIEvidence("reflection"))

	c.Evidence["network_url"][0] = "mutated"
	got := fs.APIEvidence("network_url")
	got[0] = "mutated"
	assert.Equal(t, []string{"http://a.example", "https://b.example"}, fs.APIEvidence("network_url"))

	data, err := json.Marshal(fs)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"suspicious_api_evidence":{"network_url":["http://a.example","https://b.example"]}`)

	var decoded FeatureSet
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.True(t, fs.Equal(&decoded))
}

func TestEmpty(t *testing.T) {
	fs := Empty()

	assert.Empty(t, fs.Permissions())
	assert.Empty(t, fs.ExportedComponents())
	assert.Empty(t, fs.APIHits())
	_, ok := fs.SDKBounds()
	assert.False(t, ok)
	_, ok = fs.CertFingerprint()
	assert.False(t, ok)
}

func TestExportedOfKind(t *testing.T) {
	m, c := sampleFacts()
	fs := Merge(m, c)

	assert.Len(t, fs.ExportedOfKind(), 2)
	assert.Equal(t, []Component{{Kind: KindService, Name: ".SyncService"}}, fs.ExportedOfKind(KindService, KindReceiver))
	assert.Empty(t, fs.ExportedOfKind(KindProvider))
}

func TestObfuscationIndicatorsImplyFlag(t *testing.T) {
	fs := Merge(ManifestFacts{}, CodeSignals{ObfuscationIndicators: []string{"no_dex_code"}})
	assert.True(t, fs.ObfuscationSuspected())
	assert.Equal(t, []string{"no_dex_code"}, fs.ObfuscationIndicators())
}

func TestJSONRoundTrip(t *testing.T) {
	m, c := sampleFacts()
	c.ObfuscationIndicators = []string{"packer:Tencent Legu"}
	fs := Merge(m, c)

	data, err := json.Marshal(fs)
	require.NoError(t, err)

	var decoded FeatureSet
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.True(t, fs.Equal(&decoded))
}

func TestJSONShape(t *testing.T) {
	data, err := json.Marshal(Empty())
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, []any{}, raw["permissions"])
	assert.Equal(t, []any{}, raw["exported_components"])
	assert.Nil(t, raw["sdk_bounds"])
	assert.Nil(t, raw["cert_fingerprint"])
	assert.Equal(t, false, raw["obfuscation_suspected"])

	m, c := sampleFacts()
	data, err = json.Marshal(Merge(m, c))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"sdk_bounds":[19,28]`)
	assert.Contains(t, string(data), `"permissions":["android.permission.INTERNET","android.permission.SEND_SMS"]`)
}

func TestUnmarshal_RejectsUnknownKind(t *testing.T) {
	var fs FeatureSet
	err := json.Unmarshal([]byte(`{"exported_components":[{"kind":"widget","name":"x"}]}`), &fs)
	assert.Error(t, err)
}

func TestEqual(t *testing.T) {
	m, c := sampleFacts()
	a := Merge(m, c)

	// 输入顺序不同，集合相同
	m2, c2 := sampleFacts()
	m2.Permissions = []string{"android.permission.INTERNET", "android.permission.SEND_SMS"}
	b := Merge(m2, c2)
	assert.True(t, a.Equal(b))

	m2.CertFingerprint = ""
	assert.False(t, a.Equal(Merge(m2, c2)))
	assert.False(t, a.Equal(nil))
}
