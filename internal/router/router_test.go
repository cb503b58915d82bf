package router

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dittosh/gateway/config"
	"github.com/dittosh/gateway/types"
)

func testBackends() []config.Backend {
	return []config.Backend{
		{Name: "openai-primary", Weight: 8},
		{Name: "openai-secondary", Weight: 2},
		{Name: "anthropic-primary", Weight: 1},
	}
}

func TestRouter_DeterministicSelection(t *testing.T) {
	r := New(testBackends(), config.RouterConfig{DefaultBackends: []string{"openai-primary", "openai-secondary"}}, nil)

	res1, err := r.Select(Request{Model: "gpt-4o", RequestID: "req-123"})
	require.NoError(t, err)
	res2, err := r.Select(Request{Model: "gpt-4o", RequestID: "req-123"})
	require.NoError(t, err)

	require.Equal(t, res1.Primary, res2.Primary)
	require.Equal(t, res1.Fallbacks, res2.Fallbacks)
}

func TestRouter_DifferentRequestIDsCanDiffer(t *testing.T) {
	r := New(testBackends(), config.RouterConfig{DefaultBackends: []string{"openai-primary", "openai-secondary", "anthropic-primary"}}, nil)

	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		res, err := r.Select(Request{Model: "gpt-4o", RequestID: "req-" + string(rune('a'+i))})
		require.NoError(t, err)
		seen[res.Primary] = true
	}
	require.Greater(t, len(seen), 1, "weighted selection across many request ids should pick more than one backend")
}

func TestRouter_FallbackIsPermutationOfCandidates(t *testing.T) {
	r := New(testBackends(), config.RouterConfig{DefaultBackends: []string{"openai-primary", "openai-secondary", "anthropic-primary"}}, nil)

	res, err := r.Select(Request{Model: "gpt-4o", RequestID: "req-xyz"})
	require.NoError(t, err)

	all := append([]string{res.Primary}, res.Fallbacks...)
	require.ElementsMatch(t, []string{"openai-primary", "openai-secondary", "anthropic-primary"}, all)
}

func TestRouter_ForcedRouteBypassesSelection(t *testing.T) {
	r := New(testBackends(), config.RouterConfig{DefaultBackends: []string{"openai-primary"}}, nil)

	res, err := r.Select(Request{Model: "gpt-4o", RequestID: "req-1", ForcedBackend: "anthropic-primary"})
	require.NoError(t, err)
	require.Equal(t, "anthropic-primary", res.Primary)
	require.Empty(t, res.Fallbacks)
	require.Equal(t, "forced_route", res.Reason)
}

func TestRouter_ForcedRouteUnknownBackendErrors(t *testing.T) {
	r := New(testBackends(), config.RouterConfig{DefaultBackends: []string{"openai-primary"}}, nil)

	_, err := r.Select(Request{Model: "gpt-4o", RequestID: "req-1", ForcedBackend: "does-not-exist"})
	require.Error(t, err)
	require.Equal(t, types.ErrNoBackendAvailable, types.GetErrorCode(err))
}

func TestRouter_RulePrefixMatch(t *testing.T) {
	cfg := config.RouterConfig{
		Rules: []config.RouteRule{
			{ModelPrefix: "claude-", Backends: []string{"anthropic-primary"}},
		},
		DefaultBackends: []string{"openai-primary"},
	}
	r := New(testBackends(), cfg, nil)

	res, err := r.Select(Request{Model: "claude-3-5-sonnet", RequestID: "req-1"})
	require.NoError(t, err)
	require.Equal(t, "anthropic-primary", res.Primary)

	res, err = r.Select(Request{Model: "gpt-4o", RequestID: "req-1"})
	require.NoError(t, err)
	require.Equal(t, "openai-primary", res.Primary)
}

func TestRouter_RuleExactMatch(t *testing.T) {
	cfg := config.RouterConfig{
		Rules: []config.RouteRule{
			{ModelPrefix: "gpt-4o-preview", Exact: true, Backends: []string{"anthropic-primary"}},
		},
		DefaultBackends: []string{"openai-primary"},
	}
	r := New(testBackends(), cfg, nil)

	res, err := r.Select(Request{Model: "gpt-4o-preview", RequestID: "req-1"})
	require.NoError(t, err)
	require.Equal(t, "anthropic-primary", res.Primary)

	// A prefix match against an exact rule does not count.
	res, err = r.Select(Request{Model: "gpt-4o-preview-extended", RequestID: "req-1"})
	require.NoError(t, err)
	require.Equal(t, "openai-primary", res.Primary)
}

func TestRouter_NoCandidatesErrors(t *testing.T) {
	r := New(testBackends(), config.RouterConfig{}, nil)

	_, err := r.Select(Request{Model: "unmapped-model", RequestID: "req-1"})
	require.Error(t, err)
	require.Equal(t, types.ErrNoBackendAvailable, types.GetErrorCode(err))
}

type fakeHealth struct {
	unhealthy map[string]bool
}

func (f fakeHealth) IsHealthy(backend string) bool { return !f.unhealthy[backend] }

func TestRouter_UnhealthyBackendExcluded(t *testing.T) {
	health := fakeHealth{unhealthy: map[string]bool{"openai-primary": true}}
	r := New(testBackends(), config.RouterConfig{DefaultBackends: []string{"openai-primary", "openai-secondary"}}, health)

	for i := 0; i < 20; i++ {
		res, err := r.Select(Request{Model: "gpt-4o", RequestID: "req-" + string(rune('a'+i))})
		require.NoError(t, err)
		require.Equal(t, "openai-secondary", res.Primary)
		require.Empty(t, res.Fallbacks)
	}
}

func TestRouter_AllUnhealthyErrors(t *testing.T) {
	health := fakeHealth{unhealthy: map[string]bool{"openai-primary": true, "openai-secondary": true}}
	r := New(testBackends(), config.RouterConfig{DefaultBackends: []string{"openai-primary", "openai-secondary"}}, health)

	_, err := r.Select(Request{Model: "gpt-4o", RequestID: "req-1"})
	require.Error(t, err)
	require.Equal(t, types.ErrNoBackendAvailable, types.GetErrorCode(err))
}

func TestRouter_UpdateBackends(t *testing.T) {
	r := New(testBackends(), config.RouterConfig{DefaultBackends: []string{"openai-primary"}}, nil)

	r.UpdateBackends([]config.Backend{{Name: "new-backend", Weight: 1}})

	cfg := config.RouterConfig{DefaultBackends: []string{"new-backend"}}
	r2 := New([]config.Backend{{Name: "new-backend", Weight: 1}}, cfg, nil)
	res, err := r2.Select(Request{Model: "gpt-4o", RequestID: "req-1"})
	require.NoError(t, err)
	require.Equal(t, "new-backend", res.Primary)

	// The original router's backend map is untouched by r2's construction,
	// but UpdateBackends on r itself must swap in the new set.
	_, err = r.Select(Request{Model: "gpt-4o", RequestID: "req-1", ForcedBackend: "new-backend"})
	require.NoError(t, err)
}
