package queue

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAbortRegistryRegisterAndCancel(t *testing.T) {
	registry := NewAbortRegistry()

	ctx, err := registry.Register(context.Background(), "J1")
	require.NoError(t, err)
	require.NotNil(t, ctx)
	assert.True(t, registry.Has("J1"))
	assert.Equal(t, 1, registry.Size())

	// Cancel fires the signal with an AbortError cause
	fired := registry.Cancel("J1", "user requested")
	assert.True(t, fired)

	<-ctx.Done()
	cause := context.Cause(ctx)
	require.Error(t, cause)
	assert.True(t, IsAbortError(cause))
	assert.Contains(t, cause.Error(), "user requested")
}

func TestAbortRegistryDuplicateRegister(t *testing.T) {
	registry := NewAbortRegistry()

	_, err := registry.Register(context.Background(), "J1")
	require.NoError(t, err)

	_, err = registry.Register(context.Background(), "J1")
	require.Error(t, err)
}

func TestAbortRegistryDrop(t *testing.T) {
	registry := NewAbortRegistry()

	_, err := registry.Register(context.Background(), "J1")
	require.NoError(t, err)

	registry.Drop("J1")
	assert.False(t, registry.Has("J1"))
	assert.Equal(t, 0, registry.Size())

	// Cancelling a dropped handle is a no-op
	assert.False(t, registry.Cancel("J1", "too late"))

	// The id is free for a new handle (job re-queued and re-claimed)
	_, err = registry.Register(context.Background(), "J1")
	require.NoError(t, err)
}

func TestAbortRegistryCancelUnknown(t *testing.T) {
	registry := NewAbortRegistry()
	assert.False(t, registry.Cancel("missing", "nobody home"))
}

func TestAbortRegistryParentCancellationPropagates(t *testing.T) {
	registry := NewAbortRegistry()

	parent, cancel := context.WithCancel(context.Background())
	ctx, err := registry.Register(parent, "J1")
	require.NoError(t, err)

	cancel()
	<-ctx.Done()
	assert.Error(t, ctx.Err())
}
