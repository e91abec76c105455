package logging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	logger, err := New("info", "json")
	require.NoError(t, err)
	require.NotNil(t, logger)

	_, err = New("verbose", "json")
	assert.Error(t, err)

	_, err = New("info", "xml")
	assert.Error(t, err)
}

func TestContextFields(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, ContextFields(ctx))

	ctx = WithReviewID(ctx, "rev-123")
	ctx = WithRequestID(ctx, "req-456")

	fields := ContextFields(ctx)
	require.Len(t, fields, 2)
	assert.Equal(t, "rev-123", ReviewIDFromContext(ctx))
	assert.Equal(t, "req-456", RequestIDFromContext(ctx))
}

func TestReviewIDFromContextMissing(t *testing.T) {
	assert.Equal(t, "", ReviewIDFromContext(context.Background()))
}
