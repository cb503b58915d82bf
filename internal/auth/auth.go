package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/dittosh/gateway/config"
	"github.com/dittosh/gateway/internal/store"
	"github.com/dittosh/gateway/types"
)

// headerPrecedence is the fixed order §4.1 step 2 checks for a bearer
// token: Authorization wins, then the two ditto/litellm-flavored
// headers, then a bare x-api-key.
var headerPrecedence = []string{
	"Authorization",
	"x-ditto-virtual-key",
	"x-litellm-api-key",
	"x-api-key",
}

// VirtualKeyConfig is the scope-relevant slice of a VirtualKey's YAML
// configuration, round-tripped through the store's opaque ConfigJSON.
type VirtualKeyConfig struct {
	Limits       *config.ScopeLimits      `json:"limits,omitempty"`
	TenantLimits *config.ScopeLimits      `json:"tenant_limits,omitempty"`
	Budget       *config.ScopeBudget      `json:"budget,omitempty"`
	TenantBudget *config.ScopeBudget      `json:"tenant_budget,omitempty"`
	Guardrails   *config.GuardrailsConfig `json:"guardrails,omitempty"`
	Route        string                   `json:"route,omitempty"`
}

// Identity is the resolved caller: the virtual key record plus its
// decoded configuration.
type Identity struct {
	ID        string
	TenantID  string
	ProjectID string
	UserID    string
	Config    VirtualKeyConfig
}

// Seed loads the configured virtual keys into the store, so lookups at
// request time only ever hit the store, never config directly.
func Seed(ctx context.Context, keys store.KeyStore, vks []config.VirtualKey) error {
	for _, vk := range vks {
		cfg := VirtualKeyConfig{
			Limits:       vk.Limits,
			TenantLimits: vk.TenantLimits,
			Budget:       vk.Budget,
			TenantBudget: vk.TenantBudget,
			Guardrails:   vk.Guardrails,
			Route:        vk.Route,
		}
		payload, err := json.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("auth: marshal config for virtual key %q: %w", vk.ID, err)
		}
		rec := &store.VirtualKeyRecord{
			ID:         vk.ID,
			Token:      vk.Token,
			Enabled:    vk.Enabled,
			TenantID:   vk.TenantID,
			ProjectID:  vk.ProjectID,
			UserID:     vk.UserID,
			ConfigJSON: string(payload),
		}
		if err := keys.PutKey(ctx, rec); err != nil {
			return fmt.Errorf("auth: seed virtual key %q: %w", vk.ID, err)
		}
	}
	return nil
}

// Authenticate resolves header's bearer token to an Identity. required
// reflects whether the registry has any virtual keys configured at all
// (§4.1 step 2: "if the registry is empty, forward Authorization
// as-is") — computed once at boot from the configured key count, since
// KeyStore exposes no cheap way to ask "are there any keys" per request.
func Authenticate(ctx context.Context, keys store.KeyStore, header http.Header, required bool) (*Identity, error) {
	token := extractToken(header)
	if !required {
		return nil, nil
	}
	if token == "" {
		return nil, types.NewError(types.ErrMissingVirtualKey, "no virtual key credential present")
	}

	rec, err := keys.LookupByToken(ctx, token)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, types.NewError(types.ErrInvalidVirtualKey, "virtual key not recognized")
		}
		return nil, types.NewError(types.ErrInvalidVirtualKey, "virtual key lookup failed").WithCause(err)
	}
	if !rec.Enabled {
		return nil, types.NewError(types.ErrInvalidVirtualKey, "virtual key is disabled")
	}

	var cfg VirtualKeyConfig
	if rec.ConfigJSON != "" {
		if err := json.Unmarshal([]byte(rec.ConfigJSON), &cfg); err != nil {
			return nil, types.NewError(types.ErrInvalidVirtualKey, "virtual key configuration is corrupt").WithCause(err)
		}
	}

	return &Identity{
		ID:        rec.ID,
		TenantID:  rec.TenantID,
		ProjectID: rec.ProjectID,
		UserID:    rec.UserID,
		Config:    cfg,
	}, nil
}

// extractToken scans header in headerPrecedence order, stripping a
// "Bearer " prefix from Authorization if present.
func extractToken(header http.Header) string {
	for _, name := range headerPrecedence {
		v := header.Get(name)
		if v == "" {
			continue
		}
		if name == "Authorization" {
			const prefix = "Bearer "
			if len(v) > len(prefix) && v[:len(prefix)] == prefix {
				return v[len(prefix):]
			}
			return v
		}
		return v
	}
	return ""
}

// StripCredentialHeaders removes every header Authenticate reads from,
// so the forwarded upstream request never carries the caller's gateway
// credential (§4.1 step 2). Callers must only do this when the registry
// is non-empty — an empty registry forwards Authorization as-is, since
// in that mode it's the caller's own upstream credential, not ours.
func StripCredentialHeaders(header http.Header) {
	for _, name := range headerPrecedence {
		header.Del(name)
	}
}
