package ctxkeys

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRequestID_RoundTrip(t *testing.T) {
	ctx := WithRequestID(context.Background(), "ditto-123-1")
	id, ok := RequestID(ctx)
	require.True(t, ok)
	require.Equal(t, "ditto-123-1", id)
}

func TestRequestID_MissingIsFalse(t *testing.T) {
	_, ok := RequestID(context.Background())
	require.False(t, ok)
}

func TestVirtualKeyID_RoundTrip(t *testing.T) {
	ctx := WithVirtualKeyID(context.Background(), "vk_abc")
	id, ok := VirtualKeyID(ctx)
	require.True(t, ok)
	require.Equal(t, "vk_abc", id)
}

func TestBackend_RoundTrip(t *testing.T) {
	ctx := WithBackend(context.Background(), "openai-primary")
	b, ok := Backend(ctx)
	require.True(t, ok)
	require.Equal(t, "openai-primary", b)
}

func TestModel_RoundTrip(t *testing.T) {
	ctx := WithModel(context.Background(), "gpt-4o")
	m, ok := Model(ctx)
	require.True(t, ok)
	require.Equal(t, "gpt-4o", m)
}

func TestKeysAreIndependent(t *testing.T) {
	ctx := context.Background()
	ctx = WithRequestID(ctx, "req-1")
	ctx = WithBackend(ctx, "backend-1")

	id, _ := RequestID(ctx)
	backend, _ := Backend(ctx)
	require.Equal(t, "req-1", id)
	require.Equal(t, "backend-1", backend)

	_, ok := VirtualKeyID(ctx)
	require.False(t, ok)
}
