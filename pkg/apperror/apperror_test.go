package apperror

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorMatchesSentinel(t *testing.T) {
	err := New("catalog.GetProject", KindNotFound, "42", "project missing")

	assert.True(t, errors.Is(err, ErrNotFound))
	assert.False(t, errors.Is(err, ErrConflict))
	assert.Contains(t, err.Error(), "catalog.GetProject")
	assert.Contains(t, err.Error(), "(42)")
	assert.Equal(t, KindNotFound, KindOf(err))
}

func TestWrapKeepsKind(t *testing.T) {
	inner := New("docstore.Get", KindNotFound, "g1", "")
	outer := Wrap("hybrid.GetGene", fmt.Errorf("fetch: %w", inner))

	require.Error(t, outer)
	assert.True(t, errors.Is(outer, ErrNotFound))
	assert.Equal(t, KindNotFound, KindOf(outer))

	var ae *Error
	require.True(t, errors.As(outer, &ae))
	assert.Equal(t, "hybrid.GetGene", ae.Op)
	assert.Equal(t, "g1", ae.ID)
}

func TestWrapClassifiesContextErrors(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 0)
	defer cancel()
	<-ctx.Done()

	err := FromContext("cache.Get", ctx)
	assert.True(t, errors.Is(err, ErrTimeout))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.True(t, Retryable(err))

	assert.NoError(t, FromContext("noop", context.Background()))
}

func TestWrapForeignErrorIsInternal(t *testing.T) {
	err := Wrap("x", errors.New("boom"))
	assert.True(t, errors.Is(err, ErrInternal))
	assert.False(t, Retryable(err))
	assert.Nil(t, Wrap("x", nil))
	assert.Nil(t, WrapID("x", "id", nil))
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		kind Kind
		want bool
	}{
		{KindInvalidArgument, false},
		{KindNotFound, false},
		{KindConflict, false},
		{KindTimeout, true},
		{KindUnavailable, true},
		{KindInternal, false},
	}
	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, Retryable(New("op", tt.kind, "", "")))
		})
	}
	assert.False(t, Retryable(nil))
}
