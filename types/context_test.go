package types

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSessionIDRoundTrip(t *testing.T) {
	ctx := context.Background()

	_, ok := SessionID(ctx)
	assert.False(t, ok)

	ctx = WithSessionID(ctx, "sess-123")
	got, ok := SessionID(ctx)
	assert.True(t, ok)
	assert.Equal(t, "sess-123", got)
}

func TestRequestIDRoundTrip(t *testing.T) {
	ctx := WithRequestID(context.Background(), "req-9")
	got, ok := RequestID(ctx)
	assert.True(t, ok)
	assert.Equal(t, "req-9", got)
}

func TestAgentIDEmptyValue(t *testing.T) {
	ctx := WithAgentID(context.Background(), "")
	_, ok := AgentID(ctx)
	assert.False(t, ok)
}
