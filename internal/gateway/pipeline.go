package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/dittosh/gateway/config"
	"github.com/dittosh/gateway/internal/auth"
	"github.com/dittosh/gateway/internal/backend"
	"github.com/dittosh/gateway/internal/budget"
	dittocache "github.com/dittosh/gateway/internal/cache"
	"github.com/dittosh/gateway/internal/channel"
	"github.com/dittosh/gateway/internal/guardrails"
	"github.com/dittosh/gateway/internal/health"
	"github.com/dittosh/gateway/internal/metrics"
	"github.com/dittosh/gateway/internal/pool"
	"github.com/dittosh/gateway/internal/pricing"
	"github.com/dittosh/gateway/internal/ratelimit"
	"github.com/dittosh/gateway/internal/router"
	"github.com/dittosh/gateway/internal/store"
	"github.com/dittosh/gateway/types"
)

var tracer = otel.Tracer("ditto-gateway")

// retryableStatus is the default set of upstream status codes §4.1 step 8
// treats as worth retrying against the next candidate backend.
var retryableStatus = map[int]bool{429: true, 500: true, 502: true, 503: true, 504: true}

// hopByHopHeaders are never copied from the upstream response onto the
// client response, per RFC 7230 §6.1.
var hopByHopHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailers":            true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

// Pipeline is the single http.Handler implementing §4.1's end-to-end
// request algorithm.
type Pipeline struct {
	Keys       store.KeyStore
	Limiter    *ratelimit.Limiter
	Budget     *budget.Engine
	Pricing    *pricing.Table
	Cache      *dittocache.Cache
	Router     *router.Router
	Health     *health.Supervisor
	Dispatcher *backend.Dispatcher
	Audit      store.AuditStore
	Logger     *zap.Logger
	Metrics    *metrics.Collector

	RateLimitCfg     config.RateLimitConfig
	MaxBodyBytes     int64
	UsageCap         int64
	ShimMaxBodyBytes int64
	AuthRequired     bool

	inflight chan struct{}
}

// New builds a Pipeline. maxInFlight <= 0 means no global cap.
func New(maxInFlight int) *Pipeline {
	var ch chan struct{}
	if maxInFlight > 0 {
		ch = make(chan struct{}, maxInFlight)
	}
	return &Pipeline{inflight: ch}
}

// metricsResponseWriter tracks the status code and byte count written so
// ServeHTTP can record them after the handler returns, without threading an
// extra return value through every write site.
type metricsResponseWriter struct {
	http.ResponseWriter
	status  int
	written int64
}

func (m *metricsResponseWriter) WriteHeader(code int) {
	m.status = code
	m.ResponseWriter.WriteHeader(code)
}

func (m *metricsResponseWriter) Write(b []byte) (int, error) {
	n, err := m.ResponseWriter.Write(b)
	m.written += int64(n)
	return n, err
}

func (m *metricsResponseWriter) Flush() {
	if f, ok := m.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (p *Pipeline) acquireGlobal() bool {
	if p.inflight == nil {
		return true
	}
	select {
	case p.inflight <- struct{}{}:
		return true
	default:
		return false
	}
}

func (p *Pipeline) releaseGlobal() {
	if p.inflight != nil {
		<-p.inflight
	}
}

// ServeHTTP implements the whole proxy pipeline. Scope-level failures
// (auth, guardrails, rate limit, budget, routing) are written as an
// OpenAI-style error envelope; once a backend response is in hand, it is
// mirrored to the client as faithfully as possible.
func (p *Pipeline) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "ditto.pipeline.request")
	defer span.End()

	start := time.Now()
	mw := &metricsResponseWriter{ResponseWriter: w}
	w = mw
	if p.Metrics != nil {
		defer func() {
			status := mw.status
			if status == 0 {
				status = http.StatusOK
			}
			p.Metrics.RecordHTTPRequest(r.Method, r.URL.Path, status, time.Since(start), r.ContentLength, mw.written)
		}()
	}

	if !p.acquireGlobal() {
		p.writeError(w, "", types.NewError(types.ErrInflightGlobal, "gateway is at its global concurrency limit"))
		return
	}
	defer p.releaseGlobal()

	requestID := requestIDFor(r.Header)
	span.SetAttributes(attribute.String("request_id", requestID))

	body, err := readBody(w, r, p.maxBodyCap())
	if err != nil {
		p.writeError(w, requestID, types.NewError(types.ErrPayloadTooLarge, "request body exceeds the configured maximum"))
		return
	}

	identity, err := p.authenticate(ctx, r.Header, requestID)
	if err != nil {
		p.writeError(w, requestID, err)
		return
	}
	if p.AuthRequired {
		auth.StripCredentialHeaders(r.Header)
	}

	parsed := parseRequest(r.URL.Path, body)
	span.SetAttributes(attribute.String("model", parsed.Model))

	guardCfg := config.GuardrailsConfig{}
	if identity != nil && identity.Config.Guardrails != nil {
		guardCfg = *identity.Config.Guardrails
	}
	if _, err := guardrails.Run(guardCfg, guardrails.Request{
		Model:    parsed.Model,
		Endpoint: parsed.Endpoint,
		Text:     parsed.Text,
		Body:     parsed.Body,
	}); err != nil {
		p.writeError(w, requestID, err)
		return
	}

	estInput := estimateInputTokens(body)
	chargeTokens := estInput + parsed.MaxOutputTokens

	scopeKey, tenantKey := scopesFor(identity)
	rlScopes := p.rateLimitScopes(identity, scopeKey, tenantKey)
	if len(rlScopes) > 0 {
		if err := p.Limiter.Check(ctx, rlScopes, chargeTokens); err != nil {
			if p.Metrics != nil {
				p.Metrics.RecordRateLimitDenial(scopeKey)
			}
			p.writeError(w, requestID, err)
			return
		}
	}

	budgetScopes, err := p.budgetScopes(identity, scopeKey, tenantKey, parsed.Model, chargeTokens)
	if err != nil {
		p.writeError(w, requestID, err)
		return
	}
	reserved := len(budgetScopes) > 0
	if reserved {
		if _, err := p.Budget.ReserveAll(ctx, requestID, budgetScopes); err != nil {
			if p.Metrics != nil {
				p.Metrics.RecordBudgetDenial(scopeKey)
			}
			p.writeError(w, requestID, err)
			return
		}
	}
	settle := func(usage pricing.Usage, ok bool) {
		if !reserved {
			return
		}
		if !ok {
			_ = p.Budget.RollbackAll(context.Background(), requestID, budgetScopes)
			return
		}
		actualTokens := usage.InputTokens + usage.OutputTokens
		var actualMicros int64
		if needsCostMicros(budgetScopes) {
			if m, err := p.Pricing.ActualMicros(parsed.Model, usage); err == nil {
				actualMicros = m
			}
		}
		_ = p.Budget.CommitAll(context.Background(), requestID, budgetScopes, actualTokens, actualMicros)
	}

	authScope := authCacheScope(identity, r.Header)
	cacheKey := ""
	cacheEnabled := p.Cache != nil && !dittocache.Bypassed(r.Header) &&
		(r.Method == http.MethodGet || r.Method == http.MethodPost)
	if cacheEnabled {
		cacheKey = dittocache.KeyFor(r.Method, r.URL.Path, body, authScope)
		if result, hit := p.Cache.Get(ctx, cacheKey); hit {
			if env, err := decodeCacheEnvelope(result.Value); err == nil {
				if p.Metrics != nil {
					p.Metrics.RecordCacheHit(result.Source)
				}
				settle(pricing.Usage{}, false) // cache hit: roll back the reservation entirely, nothing was consumed
				w.Header().Set("Content-Type", env.ContentType)
				w.Header().Set("x-ditto-request-id", requestID)
				w.Header().Set("x-ditto-cache", "hit")
				w.Header().Set("x-ditto-cache-source", result.Source)
				w.WriteHeader(env.StatusCode)
				_, _ = w.Write(env.Body)
				p.recordAudit(context.Background(), auditPayload{
					RequestID: requestID, Kind: "cache_hit", ScopeKey: scopeKey,
					Model: parsed.Model, StatusCode: env.StatusCode, CacheOutcome: "hit",
				})
				return
			}
		}
		if p.Metrics != nil {
			p.Metrics.RecordCacheMiss("l1")
		}
	}

	result, err := p.Router.Select(router.Request{
		Model:         parsed.Model,
		RequestID:     requestID,
		ForcedBackend: forcedBackend(identity),
	})
	if err != nil {
		settle(pricing.Usage{}, false)
		p.writeError(w, requestID, err)
		return
	}

	candidates := append([]string{result.Primary}, result.Fallbacks...)
	dispatchStart := time.Now()
	resp, backendName, shimmed, dispatchErr := p.dispatchWithResponsesShim(ctx, candidates, requestID, parsed, body, r)
	if dispatchErr != nil {
		settle(pricing.Usage{}, false)
		p.writeError(w, requestID, dispatchErr)
		return
	}
	defer resp.Body.Close()

	p.writeResponse(ctx, w, r, resp, backendName, requestID, scopeKey, shimmed, cacheEnabled, cacheKey, parsed, estInput, dispatchStart, settle)
}

func (p *Pipeline) maxBodyCap() int64 {
	if p.MaxBodyBytes > 0 {
		return p.MaxBodyBytes
	}
	return 64 << 20
}

func readBody(w http.ResponseWriter, r *http.Request, cap int64) ([]byte, error) {
	limited := http.MaxBytesReader(w, r.Body, cap)
	return io.ReadAll(limited)
}

func (p *Pipeline) authenticate(ctx context.Context, h http.Header, requestID string) (*auth.Identity, error) {
	id, err := auth.Authenticate(ctx, p.Keys, h, p.AuthRequired)
	if err != nil {
		if e, ok := err.(*types.Error); ok {
			return nil, e.WithRequestID(requestID)
		}
		return nil, err
	}
	return id, nil
}

// scopesFor derives the rate-limit/budget scope keys for identity. An
// unauthenticated caller (empty registry) shares one "anonymous" scope.
func scopesFor(identity *auth.Identity) (key, tenant string) {
	if identity == nil {
		return "anonymous", ""
	}
	key = "vk:" + identity.ID
	if identity.TenantID != "" {
		tenant = "tenant:" + identity.TenantID
	}
	return key, tenant
}

func (p *Pipeline) rateLimitScopes(identity *auth.Identity, scopeKey, tenantKey string) []ratelimit.Scope {
	var scopes []ratelimit.Scope

	rpm, tpm := p.RateLimitCfg.DefaultRPM, p.RateLimitCfg.DefaultTPM
	if identity != nil && identity.Config.Limits != nil {
		rpm, tpm = identity.Config.Limits.RPM, identity.Config.Limits.TPM
	}
	if rpm > 0 || tpm > 0 {
		scopes = append(scopes, ratelimit.Scope{Key: scopeKey, RPMLimit: rpm, TPMLimit: tpm})
	}

	if tenantKey != "" && identity.Config.TenantLimits != nil {
		tl := identity.Config.TenantLimits
		if tl.RPM > 0 || tl.TPM > 0 {
			scopes = append(scopes, ratelimit.Scope{Key: tenantKey, RPMLimit: tl.RPM, TPMLimit: tl.TPM})
		}
	}
	return scopes
}

func (p *Pipeline) budgetScopes(identity *auth.Identity, scopeKey, tenantKey, model string, chargeTokens int64) ([]budget.ScopeAmount, error) {
	var scopes []budget.ScopeAmount

	var keyBudget *config.ScopeBudget
	if identity != nil {
		keyBudget = identity.Config.Budget
	}
	sc, err := p.scopeAmount(scopeKey, true, keyBudget, model, chargeTokens)
	if err != nil {
		return nil, err
	}
	if sc != nil {
		scopes = append(scopes, *sc)
	}

	if tenantKey != "" {
		sc, err := p.scopeAmount(tenantKey, false, identity.Config.TenantBudget, model, chargeTokens)
		if err != nil {
			return nil, err
		}
		if sc != nil {
			scopes = append(scopes, *sc)
		}
	}
	return scopes, nil
}

// scopeAmount builds a ScopeAmount for one scope. Tokens are always
// reserved (every scope gets token governance); USD micros are only
// computed, and only reserved, when that scope has a positive
// TotalUSDMicros cap configured — a scope with no cost budget never
// forces a pricing-table lookup.
func (p *Pipeline) scopeAmount(scope string, keyScope bool, b *config.ScopeBudget, model string, chargeTokens int64) (*budget.ScopeAmount, error) {
	if b == nil || (b.TotalTokens <= 0 && b.TotalUSDMicros <= 0) {
		if keyScope {
			return &budget.ScopeAmount{Scope: scope, KeyScope: true, Tokens: chargeTokens}, nil
		}
		return nil, nil
	}
	amt := budget.ScopeAmount{Scope: scope, KeyScope: keyScope, Tokens: chargeTokens}
	if b.TotalUSDMicros > 0 {
		micros, err := p.Pricing.EstimateMicros(model, chargeTokens)
		if err != nil {
			return nil, err
		}
		amt.USDMicros = micros
	}
	return &amt, nil
}

func needsCostMicros(scopes []budget.ScopeAmount) bool {
	for _, sc := range scopes {
		if sc.USDMicros > 0 {
			return true
		}
	}
	return false
}

func forcedBackend(identity *auth.Identity) string {
	if identity == nil {
		return ""
	}
	return identity.Config.Route
}

func authCacheScope(identity *auth.Identity, h http.Header) string {
	if identity != nil {
		return "vk:" + identity.ID
	}
	if v := h.Get("Authorization"); v != "" {
		return dittocache.KeyFor("auth", "", []byte(v), "")
	}
	if v := h.Get("x-api-key"); v != "" {
		return dittocache.KeyFor("x-api-key", "", []byte(v), "")
	}
	return "public"
}

// dispatchLoop tries candidates in order, recording every outcome with the
// health supervisor and moving on to the next candidate on a status in the
// fixed retryable set or on any error returned by Dispatch.
func (p *Pipeline) dispatchLoop(ctx context.Context, candidates []string, requestID string, parsed ParsedRequest, body []byte, r *http.Request) (*backend.Response, string, error) {
	ctx, span := tracer.Start(ctx, "ditto.pipeline.dispatch")
	defer span.End()

	header := r.Header.Clone()
	header.Set("x-ditto-request-id", requestID)

	var lastErr error
	for i, name := range candidates {
		resp, err := p.Dispatcher.Dispatch(ctx, name, backend.Request{
			Method: r.Method,
			Path:   r.URL.Path,
			Query:  r.URL.Query(),
			Header: header,
			Body:   body,
			Model:  parsed.Model,
		})
		if err != nil {
			p.Health.RecordOutcome(name, 0, err)
			lastErr = err
			continue
		}

		p.Health.RecordOutcome(name, resp.StatusCode, nil)
		if retryableStatus[resp.StatusCode] && i < len(candidates)-1 {
			_ = resp.Body.Close()
			lastErr = types.NewError(types.ErrUpstreamError, "backend returned a retryable status").WithProvider(name)
			continue
		}
		return resp, name, nil
	}
	if lastErr == nil {
		lastErr = types.NewError(types.ErrNoBackendAvailable, "no backend candidates available")
	}
	return nil, "", lastErr
}

// writeResponse mirrors the chosen backend's response to the client,
// settling budgets and populating the cache along the way.
func (p *Pipeline) writeResponse(
	ctx context.Context,
	w http.ResponseWriter,
	r *http.Request,
	resp *backend.Response,
	backendName, requestID, scopeKey string,
	shimmed bool,
	cacheEnabled bool,
	cacheKey string,
	parsed ParsedRequest,
	estInput int64,
	dispatchStart time.Time,
	settle func(pricing.Usage, bool),
) {
	for k, values := range resp.Header {
		if hopByHopHeaders[k] {
			continue
		}
		for _, v := range values {
			w.Header().Add(k, v)
		}
	}
	w.Header().Set("x-ditto-backend", backendName)
	w.Header().Set("x-ditto-request-id", requestID)
	if shimmed {
		w.Header().Set("x-ditto-shim", "responses_via_chat_completions")
	}

	contentType := resp.Header.Get("Content-Type")
	if strings.HasPrefix(strings.ToLower(contentType), "text/event-stream") {
		p.streamSSE(ctx, w, resp, parsed, estInput, settle)
		p.recordBackendMetrics(backendName, parsed.Model, resp.StatusCode, dispatchStart,
			pricing.Usage{InputTokens: estInput, OutputTokens: parsed.MaxOutputTokens})
		p.recordAudit(context.Background(), auditPayload{
			RequestID: requestID, Kind: "stream", ScopeKey: scopeKey,
			Model: parsed.Model, Backend: backendName, StatusCode: resp.StatusCode,
			InputTokens: estInput, OutputTokens: parsed.MaxOutputTokens, Shimmed: shimmed,
		})
		return
	}

	buf := pool.ByteBufferPool.Get()
	buf.Reset()
	defer pool.ByteBufferPool.Put(buf)

	limited := io.LimitReader(resp.Body, p.usageCap()+1)
	n, _ := io.Copy(buf, limited)
	if n > p.usageCap() {
		// Body exceeds the usage buffer cap: pass through the already-read
		// prefix plus whatever remains, and skip cache/usage parsing.
		if cacheEnabled {
			w.Header().Set("x-ditto-cache", "miss")
		}
		w.WriteHeader(resp.StatusCode)
		_, _ = w.Write(buf.Bytes())
		_, _ = io.Copy(w, resp.Body)
		settle(pricing.Usage{InputTokens: estInput, OutputTokens: parsed.MaxOutputTokens}, true)
		p.recordBackendMetrics(backendName, parsed.Model, resp.StatusCode, dispatchStart,
			pricing.Usage{InputTokens: estInput, OutputTokens: parsed.MaxOutputTokens})
		p.recordAudit(context.Background(), auditPayload{
			RequestID: requestID, Kind: "response_overflow", ScopeKey: scopeKey,
			Model: parsed.Model, Backend: backendName, StatusCode: resp.StatusCode,
			CacheOutcome: cacheOutcome(cacheEnabled, "miss"),
			InputTokens:  estInput, OutputTokens: parsed.MaxOutputTokens, Shimmed: shimmed,
		})
		return
	}

	bodyBytes := append([]byte(nil), buf.Bytes()...)
	inputTokens, outputTokens, cacheReadTokens, ok := parseUsage(bodyBytes)
	if !ok {
		inputTokens, outputTokens = estInput, parsed.MaxOutputTokens
	}
	settle(pricing.Usage{InputTokens: inputTokens, OutputTokens: outputTokens, CacheReadTokens: cacheReadTokens}, true)

	if cacheEnabled {
		if dittocache.Eligible(r.Method, resp.StatusCode, contentType, int64(len(bodyBytes)), 0) {
			if env, err := encodeCacheEnvelope(resp.StatusCode, contentType, bodyBytes); err == nil {
				_ = p.Cache.Set(ctx, cacheKey, env)
			}
		}
		w.Header().Set("x-ditto-cache", "miss")
	}

	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(bodyBytes)
	usage := pricing.Usage{InputTokens: inputTokens, OutputTokens: outputTokens, CacheReadTokens: cacheReadTokens}
	p.recordBackendMetrics(backendName, parsed.Model, resp.StatusCode, dispatchStart, usage)
	p.recordAudit(context.Background(), auditPayload{
		RequestID: requestID, Kind: "response", ScopeKey: scopeKey,
		Model: parsed.Model, Backend: backendName, StatusCode: resp.StatusCode,
		CacheOutcome: cacheOutcome(cacheEnabled, "miss"),
		InputTokens:  inputTokens, OutputTokens: outputTokens, Shimmed: shimmed,
	})
}

// recordBackendMetrics records one completed backend dispatch's Prometheus
// metrics, best-effort pricing the usage against the configured pricing
// table. A pricing lookup failure (unknown model) simply omits cost.
func (p *Pipeline) recordBackendMetrics(backendName, model string, statusCode int, start time.Time, usage pricing.Usage) {
	if p.Metrics == nil {
		return
	}
	var costUSD float64
	if micros, err := p.Pricing.ActualMicros(model, usage); err == nil {
		costUSD = float64(micros) / 1_000_000
	}
	p.Metrics.RecordBackendRequest(backendName, model, statusClassLabel(statusCode), time.Since(start),
		usage.InputTokens, usage.OutputTokens, usage.CacheReadTokens, costUSD)
}

// statusClassLabel reports "success" or "error" for a backend dispatch's
// status label, keeping backend_requests_total's cardinality low.
func statusClassLabel(statusCode int) string {
	if statusCode >= 200 && statusCode < 400 {
		return "success"
	}
	return "error"
}

// cacheOutcome reports the cache tag to attach to an audit event: empty
// when the cache isn't in play for this request, else the observed outcome.
func cacheOutcome(enabled bool, outcome string) string {
	if !enabled {
		return ""
	}
	return outcome
}

func (p *Pipeline) usageCap() int64 {
	if p.UsageCap > 0 {
		return p.UsageCap
	}
	return 1 << 20
}

// sseFrame is one read off the upstream body, or a terminal err (including
// io.EOF) marking the end of the stream. A plain closed-channel signal
// won't do here: TunableChannel.Close lets a pending Receive return a zero
// value instead of an error, which would be indistinguishable from an
// empty frame.
type sseFrame struct {
	data []byte
	err  error
}

// streamSSE forwards an event-stream response unbuffered, frame by frame,
// so the client sees each chunk as soon as it arrives. The upstream reader
// runs in its own goroutine, handing chunks to the client writer through a
// bounded channel (never resized here) so a slow client applies back-pressure to
// the reader instead of letting buffered frames grow without bound. Usage
// settles against the pre-estimate, since parsing a trailing usage object
// out of an SSE stream requires buffering every chunk — out of scope for
// the raw byte-passthrough this gateway does for streaming responses.
func (p *Pipeline) streamSSE(ctx context.Context, w http.ResponseWriter, resp *backend.Response, parsed ParsedRequest, estInput int64, settle func(pricing.Usage, bool)) {
	_, span := tracer.Start(ctx, "ditto.pipeline.stream")
	defer span.End()

	flusher, _ := w.(http.Flusher)
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(resp.StatusCode)
	if flusher != nil {
		flusher.Flush()
	}

	frameCfg := channel.DefaultTunableConfig()
	frameCfg.InitialSize = 256
	frames := channel.NewTunableChannel[sseFrame](frameCfg)
	defer frames.Close()

	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := resp.Body.Read(buf)
			if n > 0 {
				chunk := append([]byte(nil), buf[:n]...)
				if sendErr := frames.Send(ctx, sseFrame{data: chunk}); sendErr != nil {
					return
				}
			}
			if err != nil {
				_ = frames.Send(ctx, sseFrame{err: err})
				return
			}
		}
	}()

	for {
		f, err := frames.Receive(ctx)
		if err != nil || f.err != nil {
			break
		}
		_, _ = w.Write(f.data)
		if flusher != nil {
			flusher.Flush()
		}
	}

	settle(pricing.Usage{InputTokens: estInput, OutputTokens: parsed.MaxOutputTokens}, true)
}

func (p *Pipeline) writeError(w http.ResponseWriter, requestID string, err error) {
	e, ok := err.(*types.Error)
	if !ok {
		e = types.NewError(types.ErrInternal, err.Error())
	}
	if requestID != "" {
		e = e.WithRequestID(requestID)
	}
	status, envelope := e.ToEnvelope()
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("x-ditto-request-id", requestID)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope)
}
