package guardrails

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/dittosh/gateway/config"
	"github.com/dittosh/gateway/types"
)

// Request is the pre-flight input: enough of the parsed request to run
// every check without re-parsing the body at each stage.
type Request struct {
	Model    string
	Endpoint string // "chat.completions" | "completions" | "embeddings" | "responses" | "" (unrecognized)
	Text     []string
	Body     map[string]any
}

// Result is what a clean (non-rejecting) run produces: warnings to surface
// and, when the PII check masked anything, the masked text keyed by the
// Text slice's index.
type Result struct {
	Warnings   []string
	MaskedText map[int]string
}

// Run executes every check in §4.8's fixed order, stopping at the first
// rejection. A non-nil error is always a *types.Error with code
// ErrGuardrailBlocked; its Message names which check failed and why.
func Run(cfg config.GuardrailsConfig, req Request) (*Result, error) {
	if err := checkModel(cfg, req.Model); err != nil {
		return nil, err
	}
	if err := checkBannedContent(cfg, req.Text); err != nil {
		return nil, err
	}

	result := &Result{}
	if cfg.DetectPII {
		masked := maskPII(req.Text)
		if len(masked) > 0 {
			result.MaskedText = masked
			result.Warnings = append(result.Warnings, "request contains personally identifiable information; a masked copy is available for logging")
		}
	}

	if cfg.MaxInputTokens > 0 {
		if err := checkTokenCap(cfg, req.Model, req.Text); err != nil {
			return nil, err
		}
	}

	if cfg.ValidateSchemas {
		if err := validateSchema(req.Endpoint, req.Body); err != nil {
			return nil, err
		}
	}

	return result, nil
}

func blocked(format string, args ...any) *types.Error {
	return types.NewError(types.ErrGuardrailBlocked, fmt.Sprintf(format, args...))
}

func checkModel(cfg config.GuardrailsConfig, model string) error {
	if model == "" {
		return nil
	}
	for _, denied := range cfg.DeniedModels {
		if denied == model {
			return blocked("model %q is denied", model)
		}
	}
	if len(cfg.AllowedModels) == 0 {
		return nil
	}
	for _, allowed := range cfg.AllowedModels {
		if allowed == model {
			return nil
		}
	}
	return blocked("model %q is not in the allowed list", model)
}

func checkBannedContent(cfg config.GuardrailsConfig, text []string) error {
	if len(cfg.BannedPhrases) == 0 && len(cfg.BannedRegexes) == 0 {
		return nil
	}

	phrases := make([]string, len(cfg.BannedPhrases))
	for i, p := range cfg.BannedPhrases {
		phrases[i] = strings.ToLower(p)
	}

	regexes := make([]*regexp.Regexp, 0, len(cfg.BannedRegexes))
	for _, pattern := range cfg.BannedRegexes {
		re, err := regexp.Compile("(?i)" + pattern)
		if err != nil {
			continue // an unparseable operator-supplied pattern shouldn't take the hot path down
		}
		regexes = append(regexes, re)
	}

	for _, field := range text {
		lower := strings.ToLower(field)
		for _, phrase := range phrases {
			if phrase != "" && strings.Contains(lower, phrase) {
				return blocked("content contains a banned phrase")
			}
		}
		for _, re := range regexes {
			if re.MatchString(field) {
				return blocked("content matches a banned pattern")
			}
		}
	}
	return nil
}
