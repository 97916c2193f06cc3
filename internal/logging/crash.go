package logging

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"sync"
	"time"
)

// Crash kinds.
const (
	CrashPanic = "panic"
	CrashFatal = "fatal"
)

// CrashReport describes a panic or a fatal loop error.
type CrashReport struct {
	Timestamp    time.Time      `json:"timestamp"`
	Kind         string         `json:"kind"`
	Version      string         `json:"version"`
	GoVersion    string         `json:"go_version"`
	GOOS         string         `json:"goos"`
	GOARCH       string         `json:"goarch"`
	NumGoroutine int            `json:"num_goroutine"`
	Message      string         `json:"message"`
	StackTrace   string         `json:"stack_trace,omitempty"`
	Component    string         `json:"component,omitempty"`
	Context      map[string]any `json:"context,omitempty"`
}

// CrashHandler writes crash reports as JSON files.
type CrashHandler struct {
	mu        sync.Mutex
	crashDir  string
	version   string
	component string
	logger    *slog.Logger
	onCrash   func(CrashReport)
	seq       int
}

// CrashHandlerConfig configures the crash handler.
type CrashHandlerConfig struct {
	// CrashDir is the directory to write crash dumps.
	CrashDir string

	// Version is the daemon version.
	Version string

	// Component is the component name.
	Component string

	// Logger receives a summary of every report.
	Logger *slog.Logger

	// OnCrash is called after a report is written.
	OnCrash func(CrashReport)
}

// NewCrashHandler creates a new CrashHandler.
func NewCrashHandler(cfg *CrashHandlerConfig) (*CrashHandler, error) {
	if cfg == nil || cfg.CrashDir == "" {
		return nil, fmt.Errorf("crash directory is required")
	}
	if err := os.MkdirAll(cfg.CrashDir, 0750); err != nil {
		return nil, fmt.Errorf("create crash directory: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	component := cfg.Component
	if component == "" {
		component = "windowd"
	}
	return &CrashHandler{
		crashDir:  cfg.CrashDir,
		version:   cfg.Version,
		component: component,
		logger:    logger,
		onCrash:   cfg.OnCrash,
	}, nil
}

// Dir returns the crash report directory.
func (h *CrashHandler) Dir() string { return h.crashDir }

// Recover runs fn and turns a panic into a crash report. It reports
// whether fn panicked.
func (h *CrashHandler) Recover(fn func()) (panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			panicked = true
			h.HandlePanic(r, nil)
		}
	}()
	fn()
	return false
}

// HandlePanic records a recovered panic value with the current stack.
func (h *CrashHandler) HandlePanic(v any, contextInfo map[string]any) (string, error) {
	report := h.newReport(CrashPanic, fmt.Sprint(v), contextInfo)
	report.StackTrace = string(debug.Stack())
	return h.write(report)
}

// ReportFatal records an error that ended the event loop.
func (h *CrashHandler) ReportFatal(err error, contextInfo map[string]any) (string, error) {
	return h.write(h.newReport(CrashFatal, err.Error(), contextInfo))
}

func (h *CrashHandler) newReport(kind, msg string, contextInfo map[string]any) CrashReport {
	return CrashReport{
		Timestamp:    time.Now().UTC(),
		Kind:         kind,
		Version:      h.version,
		GoVersion:    runtime.Version(),
		GOOS:         runtime.GOOS,
		GOARCH:       runtime.GOARCH,
		NumGoroutine: runtime.NumGoroutine(),
		Message:      msg,
		Component:    h.component,
		Context:      contextInfo,
	}
}

func (h *CrashHandler) write(report CrashReport) (string, error) {
	h.mu.Lock()
	h.seq++
	name := fmt.Sprintf("crash-%s-%s-%d.json",
		report.Component, report.Timestamp.Format("20060102-150405"), h.seq)
	h.mu.Unlock()

	path := filepath.Join(h.crashDir, name)
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal crash report: %w", err)
	}
	if err := os.WriteFile(path, data, 0640); err != nil {
		return "", fmt.Errorf("write crash report: %w", err)
	}

	h.logger.Error("crash report written",
		"kind", report.Kind,
		"message", report.Message,
		"path", path)

	if h.onCrash != nil {
		h.onCrash(report)
	}
	return path, nil
}

// Reports returns all crash reports in the directory.
func (h *CrashHandler) Reports() ([]CrashReport, error) {
	files, err := filepath.Glob(filepath.Join(h.crashDir, "crash-*.json"))
	if err != nil {
		return nil, err
	}

	reports := make([]CrashReport, 0, len(files))
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			continue
		}
		var report CrashReport
		if err := json.Unmarshal(data, &report); err != nil {
			continue
		}
		reports = append(reports, report)
	}
	return reports, nil
}

// CleanupOld removes crash reports older than maxAge.
func (h *CrashHandler) CleanupOld(maxAge time.Duration) error {
	files, err := filepath.Glob(filepath.Join(h.crashDir, "crash-*.json"))
	if err != nil {
		return err
	}

	cutoff := time.Now().Add(-maxAge)
	for _, file := range files {
		info, err := os.Stat(file)
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			os.Remove(file)
		}
	}
	return nil
}
