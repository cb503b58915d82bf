package guardrails

import "regexp"

// piiPatterns is the US-centric regex set named in §4.8 — email, SSN, and
// an E.164-ish phone number — a deliberate divergence from the source
// framework's China-market defaults (ID card / bank card patterns), since
// this gateway targets US/OpenAI conventions.
var piiPatterns = []*regexp.Regexp{
	regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`),
	regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
	regexp.MustCompile(`\+?1?[-. ]?\(?\d{3}\)?[-. ]?\d{3}[-. ]?\d{4}\b`),
}

// maskPII scans text for the PII patterns and returns, for each index that
// matched, a masked copy. The action taxonomy (mask/reject/warn) carried
// over from the source detector collapses to mask-only here: §4.8's
// GuardrailsConfig only exposes an on/off DetectPII switch, not a
// per-action policy, so masking (the least disruptive option) is what
// "detect" means.
func maskPII(text []string) map[int]string {
	var out map[int]string
	for i, field := range text {
		masked := field
		matched := false
		for _, re := range piiPatterns {
			if re.MatchString(masked) {
				matched = true
				masked = re.ReplaceAllStringFunc(masked, maskMatch)
			}
		}
		if matched {
			if out == nil {
				out = make(map[int]string)
			}
			out[i] = masked
		}
	}
	return out
}

func maskMatch(s string) string {
	if len(s) <= 4 {
		return "****"
	}
	return s[:2] + "****" + s[len(s)-2:]
}
