package auth

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dittosh/gateway/config"
	"github.com/dittosh/gateway/internal/store/memory"
	"github.com/dittosh/gateway/types"
)

func seeded(t *testing.T, vks ...config.VirtualKey) *memory.Store {
	t.Helper()
	s := memory.New()
	require.NoError(t, Seed(context.Background(), s, vks))
	return s
}

func TestAuthenticate_NotRequiredPassesThrough(t *testing.T) {
	s := seeded(t)
	id, err := Authenticate(context.Background(), s, http.Header{}, false)
	require.NoError(t, err)
	require.Nil(t, id)
}

func TestAuthenticate_BearerToken(t *testing.T) {
	s := seeded(t, config.VirtualKey{ID: "vk1", Token: "secret", Enabled: true, TenantID: "acme"})
	h := http.Header{}
	h.Set("Authorization", "Bearer secret")

	id, err := Authenticate(context.Background(), s, h, true)
	require.NoError(t, err)
	require.Equal(t, "vk1", id.ID)
	require.Equal(t, "acme", id.TenantID)
}

func TestAuthenticate_AlternateHeaders(t *testing.T) {
	s := seeded(t, config.VirtualKey{ID: "vk1", Token: "secret", Enabled: true})

	for _, name := range []string{"x-ditto-virtual-key", "x-litellm-api-key", "x-api-key"} {
		h := http.Header{}
		h.Set(name, "secret")
		id, err := Authenticate(context.Background(), s, h, true)
		require.NoError(t, err, name)
		require.Equal(t, "vk1", id.ID, name)
	}
}

func TestAuthenticate_MissingCredential(t *testing.T) {
	s := seeded(t, config.VirtualKey{ID: "vk1", Token: "secret", Enabled: true})
	_, err := Authenticate(context.Background(), s, http.Header{}, true)
	require.Error(t, err)
	require.Equal(t, types.ErrMissingVirtualKey, types.GetErrorCode(err))
}

func TestAuthenticate_UnknownToken(t *testing.T) {
	s := seeded(t, config.VirtualKey{ID: "vk1", Token: "secret", Enabled: true})
	h := http.Header{}
	h.Set("Authorization", "Bearer wrong")
	_, err := Authenticate(context.Background(), s, h, true)
	require.Error(t, err)
	require.Equal(t, types.ErrInvalidVirtualKey, types.GetErrorCode(err))
}

func TestAuthenticate_DisabledKey(t *testing.T) {
	s := seeded(t, config.VirtualKey{ID: "vk1", Token: "secret", Enabled: false})
	h := http.Header{}
	h.Set("Authorization", "Bearer secret")
	_, err := Authenticate(context.Background(), s, h, true)
	require.Error(t, err)
	require.Equal(t, types.ErrInvalidVirtualKey, types.GetErrorCode(err))
}

func TestAuthenticate_DecodesConfig(t *testing.T) {
	s := seeded(t, config.VirtualKey{
		ID: "vk1", Token: "secret", Enabled: true,
		Route:  "openai-primary",
		Limits: &config.ScopeLimits{RPM: 60, TPM: 10000},
		Budget: &config.ScopeBudget{TotalTokens: 1000},
	})
	h := http.Header{}
	h.Set("Authorization", "Bearer secret")

	id, err := Authenticate(context.Background(), s, h, true)
	require.NoError(t, err)
	require.Equal(t, "openai-primary", id.Config.Route)
	require.NotNil(t, id.Config.Limits)
	require.Equal(t, 60, id.Config.Limits.RPM)
	require.NotNil(t, id.Config.Budget)
	require.Equal(t, int64(1000), id.Config.Budget.TotalTokens)
}

func TestStripCredentialHeaders_RemovesAll(t *testing.T) {
	h := http.Header{}
	h.Set("Authorization", "Bearer x")
	h.Set("x-ditto-virtual-key", "y")
	h.Set("x-litellm-api-key", "z")
	h.Set("x-api-key", "w")

	StripCredentialHeaders(h)

	require.Empty(t, h.Get("Authorization"))
	require.Empty(t, h.Get("x-ditto-virtual-key"))
	require.Empty(t, h.Get("x-litellm-api-key"))
	require.Empty(t, h.Get("x-api-key"))
}
