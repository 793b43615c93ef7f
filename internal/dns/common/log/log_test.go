package log

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type testLogger struct {
	entries []string
}

func (l *testLogger) Info(_ map[string]any, msg string)  { l.entries = append(l.entries, "INFO:"+msg) }
func (l *testLogger) Error(_ map[string]any, msg string) { l.entries = append(l.entries, "ERROR:"+msg) }
func (l *testLogger) Debug(_ map[string]any, msg string) { l.entries = append(l.entries, "DEBUG:"+msg) }
func (l *testLogger) Warn(_ map[string]any, msg string)  { l.entries = append(l.entries, "WARN:"+msg) }
func (l *testLogger) Panic(_ map[string]any, msg string) {}
func (l *testLogger) Fatal(_ map[string]any, msg string) {}
func (l *testLogger) With(map[string]any) Logger         { return l }

func TestActualZapLogger(t *testing.T) {
	Debug(map[string]any{
		"key1": "value1",
		"key2": 42,
		"key3": true,
	}, "test debug")
	Info(nil, "test info")
	Warn(nil, "test warn")
	Error(nil, "test error")

	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected panic, but none occurred")
		}
	}()
	Panic(nil, "test panic")
}

func TestSetLoggerAndGlobalLogging(t *testing.T) {
	orig := GetLogger()
	defer SetLogger(orig)

	tlog := &testLogger{}
	SetLogger(tlog)

	Info(nil, "info msg")
	Error(nil, "error msg")
	Debug(nil, "debug msg")
	Warn(nil, "warn msg")

	assert.Equal(t, []string{
		"INFO:info msg",
		"ERROR:error msg",
		"DEBUG:debug msg",
		"WARN:warn msg",
	}, tlog.entries)
}

func TestConfigure(t *testing.T) {
	orig := GetLogger()
	defer SetLogger(orig)

	tests := []struct {
		name    string
		env     string
		level   string
		wantErr bool
	}{
		{name: "prod info", env: "prod", level: "info"},
		{name: "dev debug", env: "dev", level: "debug"},
		{name: "upper case level", env: "prod", level: "WARN"},
		{name: "invalid level", env: "prod", level: "chatty", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Configure(tt.env, tt.level)
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), "invalid log level")
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, GetLogger())
		})
	}
}

func TestNew_ObservedFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := New(zap.New(core))

	logger.With(map[string]any{"conn_id": uint64(7)}).Info(map[string]any{
		"timer": "idle",
		"error": errors.New("boom"),
	}, "timer fired")

	entries := logs.FilterMessage("timer fired").All()
	require.Len(t, entries, 1)
	ctx := entries[0].ContextMap()
	assert.Equal(t, uint64(7), ctx["conn_id"])
	assert.Equal(t, "idle", ctx["timer"])
	assert.Equal(t, "boom", ctx["error"])
}

func TestWith_EmptyFieldsReturnsSameLogger(t *testing.T) {
	core, _ := observer.New(zapcore.InfoLevel)
	logger := New(zap.New(core))
	assert.Same(t, logger, logger.With(nil))
}

func TestNoopLogger(t *testing.T) {
	l := NewNoopLogger()
	l.Info(nil, "info")
	l.Error(nil, "error")
	l.Debug(nil, "debug")
	l.Warn(nil, "warn")
	l.Panic(nil, "panic")
	l.Fatal(nil, "fatal")
	assert.Equal(t, l, l.With(map[string]any{"k": "v"}))
}
