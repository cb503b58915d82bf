package gateway

import (
	"encoding/json"
	"strings"
)

// ParsedRequest is the handful of fields the pipeline needs out of a raw
// JSON request body, extracted once up front so guardrails, the token
// estimate, and routing never re-parse the body independently.
type ParsedRequest struct {
	Endpoint        string // "" when the path isn't one of the recognized endpoints
	Model           string
	Text            []string
	MaxOutputTokens int64
	Body            map[string]any
}

// endpointForPath maps a request path to the guardrails/pricing endpoint
// name it belongs to, or "" if the path isn't one this gateway recognizes
// for shape validation and text extraction.
func endpointForPath(path string) string {
	switch {
	case strings.HasSuffix(path, "/chat/completions"):
		return "chat.completions"
	case strings.HasSuffix(path, "/completions"):
		return "completions"
	case strings.HasSuffix(path, "/embeddings"):
		return "embeddings"
	case strings.HasSuffix(path, "/responses"):
		return "responses"
	default:
		return ""
	}
}

// parseRequest extracts ParsedRequest from path and a raw JSON body. An
// unparseable body (not JSON, or not a JSON object) yields a ParsedRequest
// with no model/text/body, which every downstream stage treats as "nothing
// to check" rather than a hard failure — body-shape rejection, when it
// applies, happens inside guardrails.Run's schema check.
func parseRequest(path string, rawBody []byte) ParsedRequest {
	endpoint := endpointForPath(path)
	out := ParsedRequest{Endpoint: endpoint}

	var body map[string]any
	if err := json.Unmarshal(rawBody, &body); err != nil {
		return out
	}
	out.Body = body

	if m, ok := body["model"].(string); ok {
		out.Model = m
	}
	if n, ok := firstNumber(body, "max_tokens", "max_completion_tokens"); ok {
		out.MaxOutputTokens = n
	}

	switch endpoint {
	case "chat.completions":
		out.Text = extractMessageText(body["messages"])
	case "responses":
		if s, ok := body["input"].(string); ok {
			out.Text = []string{s}
		} else {
			out.Text = extractMessageText(body["input"])
		}
	case "completions":
		out.Text = extractStringOrSlice(body["prompt"])
	case "embeddings":
		out.Text = extractStringOrSlice(body["input"])
	}

	return out
}

func firstNumber(body map[string]any, keys ...string) (int64, bool) {
	for _, k := range keys {
		if v, ok := body[k].(float64); ok {
			return int64(v), true
		}
	}
	return 0, false
}

func extractStringOrSlice(v any) []string {
	switch t := v.(type) {
	case string:
		return []string{t}
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// extractMessageText pulls the textual content out of an OpenAI-style
// messages array. A message's content is either a plain string, or an
// array of typed parts where only {"type":"text","text":"..."} parts
// carry text worth scanning.
func extractMessageText(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	var out []string
	for _, item := range items {
		msg, ok := item.(map[string]any)
		if !ok {
			continue
		}
		switch content := msg["content"].(type) {
		case string:
			out = append(out, content)
		case []any:
			for _, part := range content {
				p, ok := part.(map[string]any)
				if !ok {
					continue
				}
				if text, ok := p["text"].(string); ok {
					out = append(out, text)
				}
			}
		}
	}
	return out
}

// estimateInputTokens is the pipeline's charge-time estimate, independent
// of guardrails' own BPE-based cap check: a plain bytes/4 heuristic, per
// §4.1 step 3's documented fallback. It intentionally doesn't import
// guardrails' tokenizer — that package's encoding cache is a guardrails
// implementation detail, not a shared budgeting primitive.
func estimateInputTokens(body []byte) int64 {
	n := int64(len(body)) / 4
	if n < 1 {
		n = 1
	}
	return n
}
