package explain

import (
	"fmt"
	"strings"

	"github.com/apk-analysis/apk-risk-go/internal/risk"
)

// NoIndicators 无命中时的说明
const NoIndicators = "no significant indicators found"

// maxEvidence 单条理由最多列出的证据数
const maxEvidence = 5

// Reason 单条命中的说明：
// "[category] description: evidence (n occurrences, +weight)"
func Reason(h risk.RuleHit) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", h.Category, h.Description)

	if len(h.Evidence) > 0 {
		b.WriteString(": ")
		shown := h.Evidence
		if len(shown) > maxEvidence {
			shown = shown[:maxEvidence]
		}
		b.WriteString(strings.Join(shown, ", "))
		if extra := len(h.Evidence) - len(shown); extra > 0 {
			fmt.Fprintf(&b, " and %d more", extra)
		}
	}

	if h.Occurrences > 1 {
		fmt.Fprintf(&b, " (%d occurrences, +%.2f)", h.Occurrences, h.Weight)
	} else {
		fmt.Fprintf(&b, " (+%.2f)", h.Weight)
	}
	return b.String()
}

// Reasons 按命中顺序生成理由列表
func Reasons(hits []risk.RuleHit) []string {
	out := make([]string, 0, len(hits))
	for _, h := range hits {
		out = append(out, Reason(h))
	}
	return out
}

// Text 合并为一段说明
func Text(hits []risk.RuleHit) string {
	if len(hits) == 0 {
		return NoIndicators
	}
	return strings.Join(Reasons(hits), "; ")
}
