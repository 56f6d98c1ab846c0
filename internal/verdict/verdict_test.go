package verdict

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify_Boundaries(t *testing.T) {
	c, err := NewClassifier(DefaultThresholds())
	require.NoError(t, err)

	tests := []struct {
		score float64
		want  Verdict
	}{
		{0, Benign},
		{0.399999, Benign},
		{0.40, Suspicious},
		{0.55, Suspicious},
		{0.699999, Suspicious},
		{0.70, Malicious},
		{1, Malicious},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, c.Classify(tt.score), "score %v", tt.score)
	}
}

func TestClassify_CustomThresholds(t *testing.T) {
	c, err := NewClassifier(Thresholds{Low: 0.2, High: 0.5})
	require.NoError(t, err)

	assert.Equal(t, Benign, c.Classify(0.19))
	assert.Equal(t, Suspicious, c.Classify(0.2))
	assert.Equal(t, Malicious, c.Classify(0.5))
	assert.Equal(t, Thresholds{Low: 0.2, High: 0.5}, c.Thresholds())
}

func TestNewClassifier_InvalidThresholds(t *testing.T) {
	for _, th := range []Thresholds{
		{Low: 0.7, High: 0.4},
		{Low: 0.5, High: 0.5},
		{Low: -0.1, High: 0.5},
		{Low: 0.1, High: 1.5},
	} {
		_, err := NewClassifier(th)
		assert.Error(t, err, "%+v", th)
	}
}

func TestVerdictJSON(t *testing.T) {
	data, err := json.Marshal(struct {
		V Verdict `json:"verdict"`
	}{Suspicious})
	require.NoError(t, err)
	assert.JSONEq(t, `{"verdict":"suspicious"}`, string(data))

	var out struct {
		V Verdict `json:"verdict"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"verdict":"malicious"}`), &out))
	assert.Equal(t, Malicious, out.V)

	assert.Error(t, json.Unmarshal([]byte(`{"verdict":"clean"}`), &out))
	_, err = json.Marshal(struct{ V Verdict }{Verdict("clean")})
	assert.Error(t, err)
}

func TestRecommendedAction(t *testing.T) {
	assert.Equal(t, "Safe to use", RecommendedAction(Benign))
	assert.Equal(t, "Suspicious behaviour - manual review recommended", RecommendedAction(Suspicious))
	assert.Equal(t, "Malicious indicators - do not install", RecommendedAction(Malicious))
}

func TestParse(t *testing.T) {
	v, err := Parse("benign")
	require.NoError(t, err)
	assert.Equal(t, Benign, v)

	_, err = Parse("BENIGN")
	assert.Error(t, err)
}
