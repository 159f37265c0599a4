package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/conveyor/errors"
)

func TestErrorKindClassification(t *testing.T) {
	assert.Equal(t, "", ErrorKind(nil))
	assert.Equal(t, ErrorKindAbort, ErrorKind(NewAbortError("stop")))
	assert.Equal(t, ErrorKindRetryable, ErrorKind(Retryable(errors.New("x"), time.Now())))
	assert.Equal(t, ErrorKindPermanent, ErrorKind(Permanent(errors.New("x"))))
	assert.Equal(t, ErrorKindPermanent, ErrorKind(errors.New("anything else")))

	// Wrapped typed errors still classify
	wrapped := errors.Wrap(Retryable(errors.New("x"), time.Now()), "outer context")
	assert.Equal(t, ErrorKindRetryable, ErrorKind(wrapped))
}

func TestRetryableUnwraps(t *testing.T) {
	inner := errors.New("connection reset")
	err := Retryable(inner, time.Now())
	assert.True(t, errors.Is(err, inner))
	assert.Contains(t, err.Error(), "connection reset")
}

func TestCoerceAbortFromContextCause(t *testing.T) {
	ctx, cancel := context.WithCancelCause(context.Background())
	cancel(NewAbortError("user requested"))

	err := coerceAbort(ctx, ctx.Err())
	require.Error(t, err)
	assert.True(t, IsAbortError(err))
	assert.Contains(t, err.Error(), "user requested")
}

func TestCoerceAbortFromDeadline(t *testing.T) {
	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()
	<-ctx.Done()

	err := coerceAbort(ctx, ctx.Err())
	require.Error(t, err)
	assert.True(t, IsAbortError(err))
}

func TestCoerceAbortLeavesOtherErrors(t *testing.T) {
	ctx := context.Background()
	domainErr := Permanent(errors.New("bad model"))
	assert.Equal(t, domainErr, coerceAbort(ctx, domainErr))
	assert.NoError(t, coerceAbort(ctx, nil))
}
