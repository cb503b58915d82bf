package guardrails

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/dittosh/gateway/config"
)

// modelEncodings mirrors the tiktoken encoding used per OpenAI model family.
// A model with no exact entry takes the encoding of a family prefix it starts
// with (when several prefixes match, which one is used follows map iteration
// order and is not fixed), else cl100k_base.
var modelEncodings = map[string]string{
	"gpt-4o":                 "o200k_base",
	"gpt-4o-mini":            "o200k_base",
	"gpt-4-turbo":            "cl100k_base",
	"gpt-4":                  "cl100k_base",
	"gpt-3.5-turbo":          "cl100k_base",
	"text-embedding-3-large": "cl100k_base",
	"text-embedding-3-small": "cl100k_base",
}

var (
	encodingCache   = map[string]*tiktoken.Tiktoken{}
	encodingCacheMu sync.Mutex
)

func encodingFor(model string) string {
	if enc, ok := modelEncodings[model]; ok {
		return enc
	}
	for prefix, enc := range modelEncodings {
		if strings.HasPrefix(model, prefix) {
			return enc
		}
	}
	return "cl100k_base"
}

func getEncoding(name string) (*tiktoken.Tiktoken, error) {
	encodingCacheMu.Lock()
	defer encodingCacheMu.Unlock()
	if enc, ok := encodingCache[name]; ok {
		return enc, nil
	}
	enc, err := tiktoken.GetEncoding(name)
	if err != nil {
		return nil, err
	}
	encodingCache[name] = enc
	return enc, nil
}

// countTokens counts text tokens via tiktoken's BPE, falling back to the
// CJK-aware character estimator when the encoding can't be loaded (for
// example, no network access to fetch its vocab file on first use).
func countTokens(model, text string) int {
	enc, err := getEncoding(encodingFor(model))
	if err == nil {
		return len(enc.Encode(text, nil, nil))
	}
	return estimateTokens(text)
}

// estimateTokens is the CJK-aware fallback: CJK runes cost roughly 1.5
// characters per token, everything else roughly 4.
func estimateTokens(text string) int {
	var cjk, total int
	for _, r := range text {
		total++
		if isCJK(r) {
			cjk++
		}
	}
	ascii := total - cjk
	return int(float64(cjk)/1.5 + float64(ascii)/4.0)
}

func isCJK(r rune) bool {
	switch {
	case r >= 0x4E00 && r <= 0x9FFF: // CJK Unified Ideographs
		return true
	case r >= 0x3400 && r <= 0x4DBF: // Extension A
		return true
	case r >= 0x20000 && r <= 0x2A6DF: // Extension B
		return true
	case r >= 0xF900 && r <= 0xFAFF: // Compatibility Ideographs
		return true
	case r >= 0x3000 && r <= 0x303F: // CJK Symbols and Punctuation
		return true
	case r >= 0xFF00 && r <= 0xFFEF: // Halfwidth and Fullwidth Forms
		return true
	default:
		return false
	}
}

func checkTokenCap(cfg config.GuardrailsConfig, model string, text []string) error {
	total := 0
	for _, field := range text {
		total += countTokens(model, field)
	}
	if total > cfg.MaxInputTokens {
		return blocked("input is %d tokens, exceeding the cap of %d", total, cfg.MaxInputTokens)
	}
	return nil
}
