package logging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewRejectsUnknownLevel(t *testing.T) {
	_, err := New("loud", false)
	assert.Error(t, err)

	l, err := New("warn", true)
	require.NoError(t, err)
	assert.False(t, l.Core().Enabled(zapcore.InfoLevel))
	assert.True(t, l.Core().Enabled(zapcore.WarnLevel))
}

func TestFromContext(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	reqLogger := zap.New(core).With(zap.String("request_id", "r-1"))

	ctx := WithContext(context.Background(), reqLogger)
	FromContext(ctx, zap.NewNop()).Info("hello")
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "r-1", logs.All()[0].ContextMap()["request_id"])

	assert.NotNil(t, FromContext(context.Background(), nil))
}
