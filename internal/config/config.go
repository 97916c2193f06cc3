// Package config handles configuration loading, validation, and hot reload
// for windowd.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"sync"
)

// Version is the current configuration schema version.
const Version = 1

// Config holds the complete daemon configuration.
type Config struct {
	// Version is the configuration schema version.
	Version int `toml:"version" json:"version" yaml:"version"`

	// Input device configuration.
	Input InputConfig `toml:"input" json:"input" yaml:"input"`

	// IPC configuration for the client socket.
	IPC IPCConfig `toml:"ipc" json:"ipc" yaml:"ipc"`

	// Screen geometry for the cursor model.
	Screen ScreenConfig `toml:"screen" json:"screen" yaml:"screen"`

	// Clipboard service configuration.
	Clipboard ClipboardConfig `toml:"clipboard" json:"clipboard" yaml:"clipboard"`

	// Storage configuration for the session journal.
	Storage StorageConfig `toml:"storage" json:"storage" yaml:"storage"`

	// Logging configuration.
	Logging LoggingConfig `toml:"logging" json:"logging" yaml:"logging"`

	// Metrics endpoint configuration.
	Metrics MetricsConfig `toml:"metrics" json:"metrics" yaml:"metrics"`

	// mu protects concurrent access to the config.
	mu sync.RWMutex `toml:"-" json:"-" yaml:"-"`
}

// InputConfig holds the two input devices.
type InputConfig struct {
	Mouse    DeviceConfig `toml:"mouse" json:"mouse" yaml:"mouse"`
	Keyboard DeviceConfig `toml:"keyboard" json:"keyboard" yaml:"keyboard"`
}

// DeviceConfig identifies one input device.
type DeviceConfig struct {
	// Path is the device node, or "auto" to discover it by capability.
	Path string `toml:"path" json:"path" yaml:"path"`

	// Format is the record framing: "packet" or "evdev".
	Format string `toml:"format" json:"format" yaml:"format"`
}

// IPCConfig holds the client socket configuration.
type IPCConfig struct {
	// SocketPath is where the listening socket is bound.
	SocketPath string `toml:"socket_path" json:"socket_path" yaml:"socket_path"`

	// TakeOver adopts a listening socket passed by the supervisor
	// (LISTEN_FDS) instead of binding SocketPath.
	TakeOver bool `toml:"take_over" json:"take_over" yaml:"take_over"`

	// Backlog is the listen backlog.
	Backlog int `toml:"backlog" json:"backlog" yaml:"backlog"`

	// MaxMessageSize bounds a single message payload in bytes.
	MaxMessageSize int `toml:"max_message_size" json:"max_message_size" yaml:"max_message_size"`

	// MaxSessions is the maximum number of concurrent clients.
	MaxSessions int `toml:"max_sessions" json:"max_sessions" yaml:"max_sessions"`
}

// ScreenConfig holds the screen geometry.
type ScreenConfig struct {
	Width  int `toml:"width" json:"width" yaml:"width"`
	Height int `toml:"height" json:"height" yaml:"height"`
}

// ClipboardConfig holds the clipboard service configuration.
type ClipboardConfig struct {
	// DBus exports the clipboard on the session bus.
	DBus bool `toml:"dbus" json:"dbus" yaml:"dbus"`

	// BusName is the well-known name to claim.
	BusName string `toml:"bus_name" json:"bus_name" yaml:"bus_name"`
}

// StorageConfig holds persistence configuration.
type StorageConfig struct {
	// JournalPath is the SQLite session journal. Empty disables it.
	JournalPath string `toml:"journal_path" json:"journal_path" yaml:"journal_path"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `toml:"level" json:"level" yaml:"level"`

	// Format is the log format: "text" or "json".
	Format string `toml:"format" json:"format" yaml:"format"`

	// Output is the log output: "stdout", "stderr", "file" or "both".
	Output string `toml:"output" json:"output" yaml:"output"`

	// FilePath is the path to the log file (when Output is "file" or "both").
	FilePath string `toml:"file_path" json:"file_path" yaml:"file_path"`

	// MaxSizeMB is the maximum log file size before rotation.
	MaxSizeMB int `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`

	// MaxBackups is the number of old log files to keep.
	MaxBackups int `toml:"max_backups" json:"max_backups" yaml:"max_backups"`

	// MaxAgeDays is the maximum age of log files in days.
	MaxAgeDays int `toml:"max_age_days" json:"max_age_days" yaml:"max_age_days"`

	// Compress determines whether to compress rotated logs.
	Compress bool `toml:"compress" json:"compress" yaml:"compress"`

	// CrashDir is where crash reports are written.
	CrashDir string `toml:"crash_dir" json:"crash_dir" yaml:"crash_dir"`
}

// MetricsConfig holds the metrics endpoint configuration.
type MetricsConfig struct {
	// ListenAddr serves Prometheus metrics over HTTP, e.g. "127.0.0.1:9464".
	// Empty disables the endpoint.
	ListenAddr string `toml:"listen_addr" json:"listen_addr" yaml:"listen_addr"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	dir := DataDir()

	return &Config{
		Version: Version,
		Input: InputConfig{
			Mouse:    DeviceConfig{Path: "auto", Format: "evdev"},
			Keyboard: DeviceConfig{Path: "auto", Format: "evdev"},
		},
		IPC: IPCConfig{
			SocketPath:     DefaultSocketPath(),
			TakeOver:       false,
			Backlog:        16,
			MaxMessageSize: 1 << 20,
			MaxSessions:    64,
		},
		Screen: ScreenConfig{
			Width:  1920,
			Height: 1080,
		},
		Clipboard: ClipboardConfig{
			DBus:    false,
			BusName: "org.windowd.Clipboard",
		},
		Storage: StorageConfig{
			JournalPath: filepath.Join(dir, "journal.db"),
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stderr",
			FilePath:   filepath.Join(dir, "windowd.log"),
			MaxSizeMB:  50,
			MaxBackups: 5,
			MaxAgeDays: 30,
			Compress:   true,
			CrashDir:   filepath.Join(dir, "crashes"),
		},
	}
}

// ConfigPath returns the default configuration file path.
func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.toml")
}

// Load reads configuration from the specified path.
// If the file doesn't exist, returns default configuration.
// Supports TOML, JSON, and YAML formats based on file extension.
func Load(path string) (*Config, error) {
	if path == "" {
		path = ConfigPath()
	}
	cfg, err := loadConfigFromFile(path)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnvOverrides()
	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	return ValidateConfig(c)
}

// EnsureDirectories creates the directories the daemon writes to.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		filepath.Dir(c.Storage.JournalPath),
		c.Logging.CrashDir,
	}
	if c.Logging.Output == "file" || c.Logging.Output == "both" {
		dirs = append(dirs, filepath.Dir(c.Logging.FilePath))
	}
	if !c.IPC.TakeOver {
		dirs = append(dirs, filepath.Dir(c.IPC.SocketPath))
	}

	for _, dir := range dirs {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0700); err != nil {
			return err
		}
	}
	return nil
}

// ApplyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables are prefixed with WINDOWD_ and use underscores.
func (c *Config) ApplyEnvOverrides() {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Input overrides
	if v := os.Getenv("WINDOWD_MOUSE_PATH"); v != "" {
		c.Input.Mouse.Path = v
	}
	if v := os.Getenv("WINDOWD_MOUSE_FORMAT"); v != "" {
		c.Input.Mouse.Format = v
	}
	if v := os.Getenv("WINDOWD_KEYBOARD_PATH"); v != "" {
		c.Input.Keyboard.Path = v
	}
	if v := os.Getenv("WINDOWD_KEYBOARD_FORMAT"); v != "" {
		c.Input.Keyboard.Format = v
	}

	// IPC overrides
	if v := os.Getenv("WINDOWD_SOCKET_PATH"); v != "" {
		c.IPC.SocketPath = v
	}
	if v := os.Getenv("WINDOWD_TAKE_OVER"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.IPC.TakeOver = b
		}
	}

	// Screen overrides
	if v := os.Getenv("WINDOWD_SCREEN_WIDTH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Screen.Width = n
		}
	}
	if v := os.Getenv("WINDOWD_SCREEN_HEIGHT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Screen.Height = n
		}
	}

	// Storage overrides
	if v, ok := os.LookupEnv("WINDOWD_JOURNAL_PATH"); ok {
		c.Storage.JournalPath = v
	}

	// Logging overrides
	if v := os.Getenv("WINDOWD_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("WINDOWD_LOG_PATH"); v != "" {
		c.Logging.FilePath = v
	}

	// Metrics overrides
	if v, ok := os.LookupEnv("WINDOWD_METRICS_ADDR"); ok {
		c.Metrics.ListenAddr = v
	}
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return &Config{
		Version:   c.Version,
		Input:     c.Input,
		IPC:       c.IPC,
		Screen:    c.Screen,
		Clipboard: c.Clipboard,
		Storage:   c.Storage,
		Logging:   c.Logging,
		Metrics:   c.Metrics,
	}
}
