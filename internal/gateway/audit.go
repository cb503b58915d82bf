package gateway

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"
)

// auditPayload is the redacted, structured record appended to the
// hash-chained audit log for every request answered from the cache or from
// an upstream response. A request rejected or failed before that (auth,
// guardrails, rate limit, budget, routing or dispatch errors) gets no entry.
// It deliberately carries no request/response body — only the metadata
// needed to reconstruct what happened to whom.
type auditPayload struct {
	RequestID    string `json:"request_id"`
	Kind         string `json:"kind"`
	ScopeKey     string `json:"scope_key"`
	Model        string `json:"model"`
	Backend      string `json:"backend,omitempty"`
	StatusCode   int    `json:"status_code"`
	CacheOutcome string `json:"cache_outcome,omitempty"`
	InputTokens  int64  `json:"input_tokens"`
	OutputTokens int64  `json:"output_tokens"`
	USDMicros    int64  `json:"usd_micros,omitempty"`
	Shimmed      bool   `json:"shimmed,omitempty"`
}

// recordAudit appends one event to the audit chain. Failures are logged,
// not surfaced to the client — the audit log is observability, not a gate
// on the response already in flight.
func (p *Pipeline) recordAudit(ctx context.Context, ev auditPayload) {
	if p.Audit == nil {
		return
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if _, err := p.Audit.Append(ctx, string(raw)); err != nil && p.Logger != nil {
		p.Logger.Warn("audit append failed",
			zap.String("request_id", ev.RequestID),
			zap.Error(err),
		)
	}
}
