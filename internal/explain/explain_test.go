package explain

import (
	"testing"

	"github.com/apk-analysis/apk-risk-go/internal/risk"
	"github.com/stretchr/testify/assert"
)

func TestText_NoHits(t *testing.T) {
	assert.Equal(t, NoIndicators, Text(nil))
	assert.Empty(t, Reasons(nil))
}

func TestReason_Format(t *testing.T) {
	single := risk.RuleHit{
		RuleID: "send_sms", Category: "sms", Description: "declares SEND_SMS permission",
		Weight: 0.3, Evidence: []string{"android.permission.SEND_SMS"}, Occurrences: 1,
	}
	assert.Equal(t, "[sms] declares SEND_SMS permission: android.permission.SEND_SMS (+0.30)", Reason(single))

	repeated := risk.RuleHit{
		RuleID: "dynamic_code_loading", Category: "code_loading", Description: "loads code at runtime",
		Weight: 0.4, Evidence: []string{"dynamic_code_loading"}, Occurrences: 3,
	}
	assert.Equal(t, "[code_loading] loads code at runtime: dynamic_code_loading (3 occurrences, +0.40)", Reason(repeated))

	bare := risk.RuleHit{RuleID: "x", Category: "misc", Description: "flag set", Weight: 0.1, Occurrences: 1}
	assert.Equal(t, "[misc] flag set (+0.10)", Reason(bare))
}

func TestReason_TruncatesEvidence(t *testing.T) {
	h := risk.RuleHit{
		Category: "attack_surface", Description: "exports components", Weight: 0.15,
		Evidence:    []string{"a", "b", "c", "d", "e", "f", "g"},
		Occurrences: 7,
	}
	assert.Equal(t, "[attack_surface] exports components: a, b, c, d, e and 2 more (7 occurrences, +0.15)", Reason(h))
}

func TestText_PreservesHitOrder(t *testing.T) {
	hits := []risk.RuleHit{
		{RuleID: "a", Category: "c1", Description: "first", Weight: 0.1, Occurrences: 1},
		{RuleID: "b", Category: "c2", Description: "second", Weight: 0.2, Occurrences: 1},
	}
	assert.Equal(t, []string{"[c1] first (+0.10)", "[c2] second (+0.20)"}, Reasons(hits))
	assert.Equal(t, "[c1] first (+0.10); [c2] second (+0.20)", Text(hits))
}
