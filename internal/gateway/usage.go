package gateway

import "encoding/json"

// usageBody is the OpenAI-style usage object this gateway knows how to
// read off a non-streaming JSON response, including the LiteLLM-style
// cached-token breakdown (§4.1 step 9).
type usageBody struct {
	Usage *struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
		PromptTokenDetails struct {
			CachedTokens int64 `json:"cached_tokens"`
		} `json:"prompt_tokens_details"`
	} `json:"usage"`
}

// parseUsage extracts token counts from a buffered JSON response body. The
// boolean reports whether a usage object was actually present and
// parseable — callers fall back to the pre-estimate charge when it's not.
func parseUsage(body []byte) (inputTokens, outputTokens, cacheReadTokens int64, ok bool) {
	var parsed usageBody
	if err := json.Unmarshal(body, &parsed); err != nil || parsed.Usage == nil {
		return 0, 0, 0, false
	}
	return parsed.Usage.PromptTokens, parsed.Usage.CompletionTokens, parsed.Usage.PromptTokenDetails.CachedTokens, true
}
