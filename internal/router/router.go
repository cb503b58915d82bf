package router

import (
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/dittosh/gateway/config"
	"github.com/dittosh/gateway/types"
)

// HealthProvider reports whether a backend is currently healthy. The
// supervisor that implements this lives outside the router so the router
// stays a pure selection function over whatever view of health it's given.
type HealthProvider interface {
	IsHealthy(backend string) bool
}

// alwaysHealthy is used when no HealthProvider is wired, so the router is
// usable standalone (e.g. in tests) without a health supervisor.
type alwaysHealthy struct{}

func (alwaysHealthy) IsHealthy(string) bool { return true }

// Request is the router's selection input.
type Request struct {
	Model     string
	RequestID string
	// ForcedBackend, when non-empty, bypasses rule matching and weighted
	// selection entirely — it's VirtualKey.Route (§3) taking effect.
	ForcedBackend string
}

// Result is the router's decision: Primary to try first, Fallbacks to try
// in order if Primary's dispatch fails.
type Result struct {
	Primary   string
	Fallbacks []string
	Reason    string
}

// Router selects a backend (and a deterministic fallback order) for a
// request's model, honoring forced routes and rule-based candidate sets.
type Router struct {
	mu       sync.RWMutex
	backends map[string]config.Backend
	rules    []config.RouteRule
	defaults []string
	health   HealthProvider
}

// New builds a Router from the static backend and router configuration.
// health may be nil, in which case every backend is treated as healthy.
func New(backends []config.Backend, routerCfg config.RouterConfig, health HealthProvider) *Router {
	m := make(map[string]config.Backend, len(backends))
	for _, b := range backends {
		m[b.Name] = b
	}
	defaults := routerCfg.DefaultBackends
	if len(defaults) == 0 && routerCfg.DefaultBackend != "" {
		defaults = []string{routerCfg.DefaultBackend}
	}
	if health == nil {
		health = alwaysHealthy{}
	}
	return &Router{
		backends: m,
		rules:    routerCfg.Rules,
		defaults: defaults,
		health:   health,
	}
}

// UpdateBackends replaces the candidate backend set, e.g. after a config
// reload. Existing in-flight Select calls finish against the old set.
func (r *Router) UpdateBackends(backends []config.Backend) {
	m := make(map[string]config.Backend, len(backends))
	for _, b := range backends {
		m[b.Name] = b
	}
	r.mu.Lock()
	r.backends = m
	r.mu.Unlock()
}

// Select returns the primary backend and a deterministic fallback order for
// req. It never consults math/rand: the same (candidate set, request id)
// always yields the same Result.
func (r *Router) Select(req Request) (*Result, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if req.ForcedBackend != "" {
		if _, ok := r.backends[req.ForcedBackend]; !ok {
			return nil, types.NewError(types.ErrNoBackendAvailable,
				fmt.Sprintf("forced backend %q is not configured", req.ForcedBackend))
		}
		if !r.health.IsHealthy(req.ForcedBackend) {
			return nil, types.NewError(types.ErrNoBackendAvailable,
				fmt.Sprintf("forced backend %q is unhealthy", req.ForcedBackend))
		}
		return &Result{Primary: req.ForcedBackend, Reason: "forced_route"}, nil
	}

	names := r.candidateNames(req.Model)
	if len(names) == 0 {
		return nil, types.NewError(types.ErrNoBackendAvailable, "no backend configured for model "+req.Model)
	}

	candidates := make([]weightedCandidate, 0, len(names))
	for _, n := range dedup(names) {
		b, ok := r.backends[n]
		if !ok || !r.health.IsHealthy(n) {
			continue
		}
		w := b.Weight
		if w <= 0 {
			w = 1
		}
		candidates = append(candidates, weightedCandidate{name: n, weight: w})
	}
	if len(candidates) == 0 {
		return nil, types.NewError(types.ErrNoBackendAvailable, "no healthy backend for model "+req.Model)
	}

	order := weightedPermutation(req.RequestID, candidates)
	return &Result{
		Primary:   order[0],
		Fallbacks: order[1:],
		Reason:    "weighted",
	}, nil
}

// candidateNames resolves the unordered candidate set for model by scanning
// rules in order (first prefix-or-exact match wins), falling back to the
// router's default backend list.
func (r *Router) candidateNames(model string) []string {
	for _, rule := range r.rules {
		if rule.Exact {
			if model == rule.ModelPrefix {
				return rule.Backends
			}
			continue
		}
		if rule.ModelPrefix != "" && hasPrefix(model, rule.ModelPrefix) {
			return rule.Backends
		}
	}
	return r.defaults
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

func dedup(names []string) []string {
	seen := make(map[string]bool, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		if seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out
}

type weightedCandidate struct {
	name   string
	weight int
}

// weightedPermutation builds a deterministic ordering of candidates by
// repeatedly hashing requestID with a round counter into [0, remainingTotal)
// and picking the candidate whose cumulative-weight interval contains it,
// then removing it and repeating over what's left. The same requestID and
// candidate set always produce the same order.
func weightedPermutation(requestID string, candidates []weightedCandidate) []string {
	remaining := append([]weightedCandidate(nil), candidates...)
	order := make([]string, 0, len(candidates))

	for round := 0; len(remaining) > 0; round++ {
		total := 0
		for _, c := range remaining {
			total += c.weight
		}
		if total <= 0 {
			for _, c := range remaining {
				order = append(order, c.name)
			}
			break
		}

		h := fnv1a64(fmt.Sprintf("%s#%d", requestID, round))
		target := h % uint64(total)

		idx := 0
		cumulative := uint64(0)
		for i, c := range remaining {
			cumulative += uint64(c.weight)
			if target < cumulative {
				idx = i
				break
			}
		}

		order = append(order, remaining[idx].name)
		remaining = append(remaining[:idx], remaining[idx+1:]...)
	}
	return order
}

func fnv1a64(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}
