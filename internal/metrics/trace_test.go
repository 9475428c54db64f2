package metrics

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWithTraceID_GeneratesWhenEmpty(t *testing.T) {
	ctx, id := WithTraceID(context.Background(), "")
	assert.NotEmpty(t, id)
	assert.Equal(t, id, TraceID(ctx))
}

func TestWithTraceID_PreservesProvidedID(t *testing.T) {
	ctx, id := WithTraceID(context.Background(), "req-123")
	assert.Equal(t, "req-123", id)
	assert.Equal(t, "req-123", TraceID(ctx))
}

func TestTraceID_EmptyWhenUnset(t *testing.T) {
	assert.Equal(t, "", TraceID(context.Background()))
}
