package logging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"defaults", NewDefaultConfig(), false},
		{"console debug", Config{Level: "debug", Format: "console", Stdout: true}, false},
		{"bad level", Config{Level: "verbose", Format: "json", Stdout: true}, true},
		{"bad format", Config{Level: "info", Format: "xml", Stdout: true}, true},
		{"no outputs", Config{Level: "info", Format: "json"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNewLogger(t *testing.T) {
	logger, err := NewLogger(NewDefaultConfig(), nil)
	require.NoError(t, err)
	require.NotNil(t, logger)
	assert.NoError(t, logger.Sync())
}

func TestNewLogger_InvalidConfig(t *testing.T) {
	_, err := NewLogger(Config{Level: "nope", Format: "json", Stdout: true}, nil)
	assert.Error(t, err)
}

func TestLogger_ContextFields(t *testing.T) {
	tl := NewTestLogger()

	ctx := WithProjectID(context.Background(), "proj-123")
	ctx = WithRequestID(ctx, "req-456")
	ctx = WithIteration(ctx, 2)

	tl.Info(ctx, "round started")

	entries := tl.All()
	require.Len(t, entries, 1)

	fields := entries[0].ContextMap()
	assert.Equal(t, "proj-123", fields["project_id"])
	assert.Equal(t, "req-456", fields["request_id"])
	assert.EqualValues(t, 2, fields["iteration"])
}

func TestLogger_NamedAndWith(t *testing.T) {
	tl := NewTestLogger()

	child := tl.Named("orchestrator").With()
	child.Warn(context.Background(), "budget nearly exhausted")

	tl.AssertLogged(t, zapcore.WarnLevel, "budget nearly exhausted")
}

func TestFromContext_Fallback(t *testing.T) {
	logger := FromContext(context.Background())
	require.NotNil(t, logger, "missing logger falls back to nop")
	logger.Info(context.Background(), "goes nowhere")
}

func TestFromContext_RoundTrip(t *testing.T) {
	tl := NewTestLogger()
	ctx := WithLogger(context.Background(), tl.Logger)

	FromContext(ctx).Info(ctx, "found it")
	tl.AssertLogged(t, zapcore.InfoLevel, "found it")
}
