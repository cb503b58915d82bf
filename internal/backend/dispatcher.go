package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/dittosh/gateway/config"
	"github.com/dittosh/gateway/internal/tlsutil"
	"github.com/dittosh/gateway/types"
)

const defaultTimeout = 300 * time.Second

// Request is one attempt's worth of proxied request, already past
// guardrails/rate-limit/budget/cache. Path is relative to the backend's
// BaseURL (e.g. "/chat/completions").
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Header http.Header
	Body   []byte
	Model  string
}

// Response is the raw upstream response, passed through byte-for-byte.
// Callers must close Body.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}

// entry is one backend's dispatch state: its own HTTP client (so a
// misbehaving backend's timeout doesn't affect others) and a
// concurrency permit sized to MaxInFlight.
type entry struct {
	cfg     config.Backend
	client  *http.Client
	permit  chan struct{} // nil means unlimited
	timeout time.Duration
}

// Dispatcher holds one entry per configured backend.
type Dispatcher struct {
	mu       sync.RWMutex
	backends map[string]*entry
}

// New builds a Dispatcher from the configured backend list.
func New(backends []config.Backend) *Dispatcher {
	d := &Dispatcher{backends: make(map[string]*entry, len(backends))}
	d.UpdateBackends(backends)
	return d
}

// UpdateBackends replaces the backend set, rebuilding clients and
// permits. Existing dispatches in flight against a removed backend are
// unaffected since they hold their own entry reference.
func (d *Dispatcher) UpdateBackends(backends []config.Backend) {
	next := make(map[string]*entry, len(backends))
	for _, b := range backends {
		next[b.Name] = newEntry(b)
	}
	d.mu.Lock()
	d.backends = next
	d.mu.Unlock()
}

func newEntry(cfg config.Backend) *entry {
	timeout := time.Duration(cfg.TimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	var permit chan struct{}
	if cfg.MaxInFlight > 0 {
		permit = make(chan struct{}, cfg.MaxInFlight)
	}
	return &entry{
		cfg:     cfg,
		client:  tlsutil.SecureHTTPClient(timeout),
		permit:  permit,
		timeout: timeout,
	}
}

func (d *Dispatcher) entry(name string) (*entry, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.backends[name]
	return e, ok
}

// Dispatch sends req to the named backend. The returned Response's Body,
// once closed, releases the concurrency permit acquired for this call —
// callers must always close it, even on a non-2xx status.
func (d *Dispatcher) Dispatch(ctx context.Context, name string, req Request) (*Response, error) {
	e, ok := d.entry(name)
	if !ok {
		return nil, types.NewError(types.ErrNoBackendAvailable, fmt.Sprintf("backend %q is not configured", name))
	}

	if e.permit != nil {
		select {
		case e.permit <- struct{}{}:
		default:
			return nil, types.NewError(types.ErrInflightBackend, fmt.Sprintf("backend %q is at its concurrency limit", name))
		}
	}
	release := func() {
		if e.permit != nil {
			<-e.permit
		}
	}

	body := rewriteModel(req.Body, req.Model, e.cfg.ModelMap)

	httpReq, err := buildRequest(ctx, e.cfg, req, body)
	if err != nil {
		release()
		return nil, err
	}

	resp, err := e.client.Do(httpReq)
	if err != nil {
		release()
		return nil, types.NewError(types.ErrUpstreamError, err.Error()).
			WithRetryable(true).WithProvider(name).WithCause(err)
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       &releasingBody{ReadCloser: resp.Body, release: release},
	}, nil
}

func buildRequest(ctx context.Context, cfg config.Backend, req Request, body []byte) (*http.Request, error) {
	u := strings.TrimRight(cfg.BaseURL, "/") + req.Path
	parsed, err := url.Parse(u)
	if err != nil {
		return nil, types.NewError(types.ErrUpstreamError, "invalid backend URL: "+err.Error())
	}

	query := parsed.Query()
	for k, v := range req.Query {
		query[k] = v
	}
	for k, v := range cfg.QueryParams {
		query.Set(k, v)
	}
	parsed.RawQuery = query.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, parsed.String(), bytes.NewReader(body))
	if err != nil {
		return nil, types.NewError(types.ErrUpstreamError, "failed to build upstream request: "+err.Error())
	}

	for k, values := range req.Header {
		for _, v := range values {
			httpReq.Header.Add(k, v)
		}
	}
	for k, v := range cfg.Headers {
		httpReq.Header.Set(k, v)
	}
	httpReq.ContentLength = int64(len(body))
	return httpReq, nil
}

// rewriteModel applies model_map ("*" wildcard allowed) to the JSON
// body's top-level "model" field. If the body isn't a JSON object, or
// has no mapping entry, it is passed through unchanged.
func rewriteModel(body []byte, model string, modelMap map[string]string) []byte {
	if len(modelMap) == 0 {
		return body
	}
	mapped, ok := modelMap[model]
	if !ok {
		mapped, ok = modelMap["*"]
	}
	if !ok || mapped == model {
		return body
	}

	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		return body
	}
	if _, has := payload["model"]; !has {
		return body
	}
	payload["model"] = mapped
	rewritten, err := json.Marshal(payload)
	if err != nil {
		return body
	}
	return rewritten
}

// releasingBody wraps an upstream response body so the concurrency
// permit is released exactly once, on Close, regardless of whether the
// caller drains the body first.
type releasingBody struct {
	io.ReadCloser
	release func()
	once    sync.Once
}

func (b *releasingBody) Close() error {
	err := b.ReadCloser.Close()
	b.once.Do(b.release)
	return err
}
