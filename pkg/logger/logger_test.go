package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestNew_UnknownLevelFallsBackToInfo(t *testing.T) {
	l := New("not-a-level")
	assert.True(t, l.Core().Enabled(zap.InfoLevel))
	assert.False(t, l.Core().Enabled(zap.DebugLevel))
}

func TestContextLogger_AddsIDs(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	cl := NewContextLogger(zap.New(core))

	ctx := WithConnID(context.Background(), "conn_1")
	ctx = WithSessionID(ctx, "session_9")
	cl.LogInfo(ctx, "session established")

	entries := logs.All()
	assert.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "conn_1", fields["conn_id"])
	assert.Equal(t, "session_9", fields["session_id"])
	assert.NotContains(t, fields, "request_id")
}

func TestOrNop(t *testing.T) {
	assert.NotNil(t, OrNop(nil))
	s := zap.NewNop().Sugar()
	assert.Same(t, s, OrNop(s))
}
