package logsvc

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/trezcool/shule/core"
	"github.com/trezcool/shule/core/user"
)

func newObserved(t *testing.T) (*RollbarLogger, *observer.ObservedLogs) {
	t.Helper()

	obs, logs := observer.New(zap.DebugLevel)
	l := NewRollbarLogger(zap.New(obs), &core.Config{Env: "TEST"})
	l.Enable(false)
	return l, logs
}

func TestRollbarLogger_Fields(t *testing.T) {
	l, logs := newObserved(t)

	l.Warn("sync item failed", errors.New("boom"), map[string]interface{}{"table": "students"}, user.User{ID: "u1"})
	l.Debug("plain")

	entries := logs.AllUntimed()
	require.Len(t, entries, 2)
	assert.Equal(t, "sync item failed", entries[0].Message)
	ctx := entries[0].ContextMap()
	assert.Equal(t, "boom", ctx["error"])
	assert.Equal(t, "students", ctx["table"])
	assert.Equal(t, "u1", ctx["user_id"])
	assert.Equal(t, zap.DebugLevel, entries[1].Level)
}

func TestNewZap(t *testing.T) {
	tests := []struct {
		level string
		debug bool
		want  zap.AtomicLevel
	}{
		{level: "debug", debug: true, want: zap.NewAtomicLevelAt(zap.DebugLevel)},
		{level: "warn", want: zap.NewAtomicLevelAt(zap.WarnLevel)},
		{level: "nonsense", want: zap.NewAtomicLevelAt(zap.InfoLevel)},
	}
	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			zl, err := NewZap(tt.level, tt.debug)
			require.NoError(t, err)
			assert.True(t, zl.Core().Enabled(tt.want.Level()))
			assert.False(t, zl.Core().Enabled(tt.want.Level()-1))
		})
	}
}
