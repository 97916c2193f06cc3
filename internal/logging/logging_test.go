package logging

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"windowd/internal/config"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected Level
		hasError bool
	}{
		{"debug", LevelDebug, false},
		{"DEBUG", LevelDebug, false},
		{"info", LevelInfo, false},
		{"warn", LevelWarn, false},
		{"warning", LevelWarn, false},
		{"error", LevelError, false},
		{"invalid", LevelInfo, true},
		{"", LevelInfo, true},
	}

	for _, test := range tests {
		t.Run(test.input, func(t *testing.T) {
			level, err := ParseLevel(test.input)
			if test.hasError && err == nil {
				t.Error("expected error, got nil")
			}
			if !test.hasError && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !test.hasError && level != test.expected {
				t.Errorf("expected %v, got %v", test.expected, level)
			}
		})
	}
}

func TestLevelString(t *testing.T) {
	for _, level := range []Level{LevelDebug, LevelInfo, LevelWarn, LevelError} {
		parsed, err := ParseLevel(LevelString(level))
		if err != nil || parsed != level {
			t.Errorf("level %v did not round trip: %v %v", level, parsed, err)
		}
	}
}

func TestFromSettings(t *testing.T) {
	s := config.DefaultConfig().Logging
	s.Level = "debug"
	s.Format = "json"
	s.Output = "file"
	s.FilePath = "/var/log/windowd.log"

	cfg, err := FromSettings(s)
	require.NoError(t, err)
	assert.Equal(t, LevelDebug, cfg.Level)
	assert.Equal(t, FormatJSON, cfg.Format)
	assert.Equal(t, "file", cfg.Output)
	assert.Equal(t, int64(50), cfg.MaxSize)
	assert.True(t, cfg.AddSource)

	s.Level = "loud"
	_, err = FromSettings(s)
	assert.Error(t, err)
}

func newBufferLogger(t *testing.T, format Format) (*Logger, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	cfg := DefaultConfig()
	cfg.Format = format
	cfg.Writer = &buf
	logger, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { logger.Close() })
	return logger, &buf
}

func TestJSONFormat(t *testing.T) {
	logger, buf := newBufferLogger(t, FormatJSON)

	logger.WithComponent("eventloop").WithSession(7).Info("session accepted", "pid", 42)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "session accepted", entry["msg"])
	assert.Equal(t, "eventloop", entry["component"])
	assert.Equal(t, float64(7), entry["session"])
	assert.Equal(t, float64(42), entry["pid"])
}

func TestSetLevelAffectsChildren(t *testing.T) {
	logger, buf := newBufferLogger(t, FormatText)
	child := logger.WithComponent("input")

	child.Debug("hidden")
	assert.Empty(t, buf.String())

	logger.SetLevel(LevelDebug)
	assert.Equal(t, LevelDebug, child.GetLevel())
	child.Debug("shown")
	assert.Contains(t, buf.String(), "shown")
}

func TestRedaction(t *testing.T) {
	logger, buf := newBufferLogger(t, FormatText)

	logger.Info("key event", "key", 30, "character", "a")
	logger.Info("clipboard set", "mime_type", "text/plain", "data", "hunter2")

	out := buf.String()
	assert.NotContains(t, out, "hunter2")
	assert.NotContains(t, out, "character=a")
	assert.Contains(t, out, "key=30")
	assert.Contains(t, out, "mime_type=text/plain")
	assert.Equal(t, 2, strings.Count(out, "[REDACTED]"))
}

func TestShouldRedact(t *testing.T) {
	for key, want := range map[string]bool{
		"character":      true,
		"clipboard_data": true,
		"payload":        true,
		"session":        false,
		"key":            false,
		"peer_uid":       false,
	} {
		if got := shouldRedact(key); got != want {
			t.Errorf("shouldRedact(%q) = %v, want %v", key, got, want)
		}
	}
}

func TestFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "windowd.log")
	cfg := DefaultConfig()
	cfg.Output = "file"
	cfg.FilePath = path

	logger, err := New(cfg)
	require.NoError(t, err)
	logger.Info("started")
	require.NoError(t, logger.Sync())
	require.NoError(t, logger.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "started")
}

func TestFileRotatorRequiresPath(t *testing.T) {
	_, err := NewFileRotator(&Config{})
	assert.Error(t, err)
}

func TestFileRotatorRotation(t *testing.T) {
	tmpDir := t.TempDir()
	logPath := filepath.Join(tmpDir, "test.log")

	cfg := &Config{
		FilePath:   logPath,
		MaxSize:    1,
		MaxBackups: 2,
		Compress:   false,
	}

	rotator, err := NewFileRotator(cfg)
	require.NoError(t, err)

	clock := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	rotator.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}

	chunk := bytes.Repeat([]byte("x"), 600*1024)
	for i := 0; i < 4; i++ {
		n, err := rotator.Write(chunk)
		require.NoError(t, err)
		require.Equal(t, len(chunk), n)
	}
	require.NoError(t, rotator.Close())

	files, err := rotator.LogFiles()
	require.NoError(t, err)
	assert.Equal(t, logPath, files[0])
	assert.Len(t, files, 3, "current file plus two retained backups")

	info, err := os.Stat(logPath)
	require.NoError(t, err)
	assert.Equal(t, int64(len(chunk)), info.Size())
}

func TestFileRotatorCompresses(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "test.log")
	rotator, err := NewFileRotator(&Config{FilePath: logPath, MaxSize: 1, MaxBackups: 5, Compress: true})
	require.NoError(t, err)

	first := bytes.Repeat([]byte("a"), 800*1024)
	_, err = rotator.Write(first)
	require.NoError(t, err)
	_, err = rotator.Write(bytes.Repeat([]byte("b"), 800*1024))
	require.NoError(t, err)
	require.NoError(t, rotator.Close())

	gzFiles, err := filepath.Glob(filepath.Join(filepath.Dir(logPath), "test-*.log.gz"))
	require.NoError(t, err)
	require.Len(t, gzFiles, 1)

	f, err := os.Open(gzFiles[0])
	require.NoError(t, err)
	defer f.Close()
	zr, err := gzip.NewReader(f)
	require.NoError(t, err)
	data, err := io.ReadAll(zr)
	require.NoError(t, err)
	assert.Equal(t, first, data)
}

func TestCrashHandlerRequiresDir(t *testing.T) {
	_, err := NewCrashHandler(&CrashHandlerConfig{})
	assert.Error(t, err)
}

func TestCrashHandlerRecovery(t *testing.T) {
	var seen []CrashReport
	handler, err := NewCrashHandler(&CrashHandlerConfig{
		CrashDir:  t.TempDir(),
		Version:   "1.0.0",
		Component: "test",
		OnCrash:   func(r CrashReport) { seen = append(seen, r) },
	})
	require.NoError(t, err)

	panicked := handler.Recover(func() {
		panic("intentional test panic")
	})
	assert.True(t, panicked)
	assert.False(t, handler.Recover(func() {}))

	reports, err := handler.Reports()
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.Equal(t, CrashPanic, reports[0].Kind)
	assert.Equal(t, "intentional test panic", reports[0].Message)
	assert.Equal(t, "1.0.0", reports[0].Version)
	assert.NotEmpty(t, reports[0].StackTrace)
	assert.Len(t, seen, 1)
}

func TestCrashHandlerReportFatal(t *testing.T) {
	handler, err := NewCrashHandler(&CrashHandlerConfig{CrashDir: t.TempDir()})
	require.NoError(t, err)

	path, err := handler.ReportFatal(errors.New("mouse: framing fault"), map[string]any{"source": "mouse"})
	require.NoError(t, err)
	assert.FileExists(t, path)

	reports, err := handler.Reports()
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.Equal(t, CrashFatal, reports[0].Kind)
	assert.Equal(t, "windowd", reports[0].Component)
	assert.Equal(t, "mouse", reports[0].Context["source"])
}

func TestCrashHandlerCleanupOld(t *testing.T) {
	handler, err := NewCrashHandler(&CrashHandlerConfig{CrashDir: t.TempDir()})
	require.NoError(t, err)

	old, err := handler.ReportFatal(errors.New("old"), nil)
	require.NoError(t, err)
	_, err = handler.ReportFatal(errors.New("new"), nil)
	require.NoError(t, err)

	past := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(old, past, past))

	require.NoError(t, handler.CleanupOld(24*time.Hour))

	reports, err := handler.Reports()
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.Equal(t, "new", reports[0].Message)
}
