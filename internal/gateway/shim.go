package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/dittosh/gateway/internal/backend"
	"github.com/dittosh/gateway/types"
)

// shimStatus reports whether a /v1/responses reply signals "this backend
// doesn't speak the Responses API natively" (§4.1's Responses shim clause).
func shimStatus(statusCode int) bool {
	return statusCode == 404 || statusCode == 405 || statusCode == 501
}

// responsesToChatBody translates a Responses-API request body into its
// Chat Completions equivalent: "input" becomes a single user message,
// everything else (model, temperature, max_tokens, ...) passes through
// unchanged since Chat Completions accepts the same tuning fields.
func responsesToChatBody(body map[string]any) ([]byte, error) {
	out := make(map[string]any, len(body)+1)
	for k, v := range body {
		out[k] = v
	}
	delete(out, "input")

	var text string
	switch v := body["input"].(type) {
	case string:
		text = v
	default:
		if parts := extractMessageText(v); len(parts) > 0 {
			text = strings.Join(parts, "\n")
		}
	}
	out["messages"] = []map[string]any{{"role": "user", "content": text}}
	return json.Marshal(out)
}

// chatToResponsesBody best-effort translates a Chat Completions response
// into a Responses-like shape: the first choice's message content becomes
// a single output_text item, and id/model/usage pass through unchanged.
func chatToResponsesBody(raw []byte) ([]byte, error) {
	var chat struct {
		ID      string `json:"id"`
		Model   string `json:"model"`
		Usage   any    `json:"usage"`
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(raw, &chat); err != nil {
		return nil, err
	}

	var text string
	if len(chat.Choices) > 0 {
		text = chat.Choices[0].Message.Content
	}

	out := map[string]any{
		"id":     chat.ID,
		"model":  chat.Model,
		"object": "response",
		"output": []map[string]any{
			{
				"type": "message",
				"role": "assistant",
				"content": []map[string]any{
					{"type": "output_text", "text": text},
				},
			},
		},
	}
	if chat.Usage != nil {
		out["usage"] = chat.Usage
	}
	return json.Marshal(out)
}

// shimMaxBodyBytes is the buffer cap applied when translating a
// non-streaming Responses-shim reply; exceeding it fails the request
// rather than risk translating a truncated JSON body.
func (p *Pipeline) shimMaxBodyBytes() int64 {
	if p.ShimMaxBodyBytes > 0 {
		return p.ShimMaxBodyBytes
	}
	return 8 << 20
}

// readAllCapped reads resp.Body up to limit+1 bytes, reporting whether the
// body fit within limit.
func readAllCapped(r io.Reader, limit int64) (data []byte, fit bool, err error) {
	data, err = io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, false, err
	}
	return data, int64(len(data)) <= limit, nil
}

// dispatchWithResponsesShim wraps dispatchLoop: when the original request
// targets /v1/responses and the chosen backend doesn't recognize it, it
// reissues the same candidates against /v1/chat/completions and translates
// the reply back to a Responses-like shape, tagging the response with
// x-ditto-shim. Only non-streaming replies are translated, since that needs
// the whole body in hand; a streaming reply is forwarded untranslated and
// still reported as shimmed.
func (p *Pipeline) dispatchWithResponsesShim(
	ctx context.Context,
	candidates []string,
	requestID string,
	parsed ParsedRequest,
	body []byte,
	r *http.Request,
) (resp *backend.Response, backendName string, shimmed bool, err error) {
	resp, backendName, err = p.dispatchLoop(ctx, candidates, requestID, parsed, body, r)
	if err != nil || parsed.Endpoint != "responses" || !shimStatus(resp.StatusCode) {
		return resp, backendName, false, err
	}
	_ = resp.Body.Close()

	chatBody, convErr := responsesToChatBody(parsed.Body)
	if convErr != nil {
		return nil, "", false, types.NewError(types.ErrUpstreamError, "responses shim: could not translate request body")
	}

	shimReq := r.Clone(ctx)
	shimReq.URL.Path = strings.TrimSuffix(r.URL.Path, "/responses") + "/chat/completions"

	resp, backendName, err = p.dispatchLoop(ctx, candidates, requestID, parsed, chatBody, shimReq)
	if err != nil {
		return nil, "", false, err
	}

	contentType := resp.Header.Get("Content-Type")
	if strings.HasPrefix(strings.ToLower(contentType), "text/event-stream") {
		// Streaming replies are forwarded as-is; only the endpoint tag
		// changes, since translating an event stream isn't supported.
		return resp, backendName, true, nil
	}

	raw, fit, readErr := readAllCapped(resp.Body, p.shimMaxBodyBytes())
	_ = resp.Body.Close()
	if readErr != nil {
		return nil, "", false, types.NewError(types.ErrUpstreamError, "responses shim: failed reading chat completions reply")
	}
	if !fit {
		return nil, "", false, types.NewError(types.ErrShimBufferExceeded, "responses shim: chat completions reply exceeded the shim buffer cap").WithProvider(backendName)
	}

	translated, convErr := chatToResponsesBody(raw)
	if convErr != nil {
		translated = raw
	}
	resp.Body = io.NopCloser(bytes.NewReader(translated))
	resp.Header.Set("Content-Type", "application/json")
	return resp, backendName, true, nil
}
