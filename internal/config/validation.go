package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
)

// ErrInvalidConfig is returned when validation fails.
var ErrInvalidConfig = errors.New("invalid configuration")

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Is lets errors.Is(err, ErrInvalidConfig) match any validation failure.
func (e ValidationErrors) Is(target error) bool {
	return target == ErrInvalidConfig
}

// ValidateConfig performs comprehensive validation of the configuration.
func ValidateConfig(c *Config) error {
	var errs ValidationErrors

	if c.Version < 1 || c.Version > Version {
		errs = append(errs, ValidationError{
			Field:   "version",
			Message: fmt.Sprintf("unsupported version %d (current: %d)", c.Version, Version),
		})
	}

	errs = append(errs, validateDevice("input.mouse", &c.Input.Mouse)...)
	errs = append(errs, validateDevice("input.keyboard", &c.Input.Keyboard)...)
	errs = append(errs, validateIPC(&c.IPC)...)
	errs = append(errs, validateScreen(&c.Screen)...)
	errs = append(errs, validateClipboard(&c.Clipboard)...)
	errs = append(errs, validateLogging(&c.Logging)...)

	if c.Metrics.ListenAddr != "" {
		if _, _, err := net.SplitHostPort(c.Metrics.ListenAddr); err != nil {
			errs = append(errs, ValidationError{
				Field:   "metrics.listen_addr",
				Message: fmt.Sprintf("invalid address: %v", err),
			})
		}
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validateDevice(prefix string, d *DeviceConfig) ValidationErrors {
	var errs ValidationErrors

	if d.Path == "" {
		errs = append(errs, *RequiredFieldError(prefix + ".path"))
	}

	switch d.Format {
	case "packet", "evdev":
		// Valid formats
	default:
		errs = append(errs, ValidationError{
			Field:   prefix + ".format",
			Message: fmt.Sprintf("invalid device format: %s (valid: packet, evdev)", d.Format),
		})
	}

	if d.Path == "auto" && d.Format == "packet" {
		errs = append(errs, ValidationError{
			Field:   prefix + ".path",
			Message: "auto discovery requires the evdev format",
		})
	}

	return errs
}

func validateIPC(i *IPCConfig) ValidationErrors {
	var errs ValidationErrors

	if !i.TakeOver && i.SocketPath == "" {
		errs = append(errs, ValidationError{
			Field:   "ipc.socket_path",
			Message: "socket path is required unless take_over is set",
		})
	}
	if len(i.SocketPath) > 107 {
		errs = append(errs, ValidationError{
			Field:   "ipc.socket_path",
			Message: "socket path exceeds the 107 byte unix socket limit",
		})
	}

	if i.Backlog < 1 {
		errs = append(errs, ValidationError{
			Field:   "ipc.backlog",
			Message: "backlog must be at least 1",
		})
	}

	if i.MaxMessageSize < 1024 || i.MaxMessageSize > 64<<20 {
		errs = append(errs, *RangeError("ipc.max_message_size", 1024, 64<<20))
	}

	if i.MaxSessions < 1 {
		errs = append(errs, ValidationError{
			Field:   "ipc.max_sessions",
			Message: "max sessions must be at least 1",
		})
	}

	return errs
}

func validateScreen(s *ScreenConfig) ValidationErrors {
	var errs ValidationErrors
	if s.Width < 1 || s.Width > 32768 {
		errs = append(errs, *RangeError("screen.width", 1, 32768))
	}
	if s.Height < 1 || s.Height > 32768 {
		errs = append(errs, *RangeError("screen.height", 1, 32768))
	}
	return errs
}

func validateClipboard(c *ClipboardConfig) ValidationErrors {
	var errs ValidationErrors
	if !c.DBus {
		return errs
	}
	if c.BusName == "" || !strings.Contains(c.BusName, ".") || strings.HasPrefix(c.BusName, ".") {
		errs = append(errs, ValidationError{
			Field:   "clipboard.bus_name",
			Message: fmt.Sprintf("invalid bus name: %q", c.BusName),
		})
	}
	return errs
}

func validateLogging(l *LoggingConfig) ValidationErrors {
	var errs ValidationErrors

	switch l.Level {
	case "debug", "info", "warn", "error":
		// Valid levels
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("invalid log level: %s (valid: debug, info, warn, error)", l.Level),
		})
	}

	switch l.Format {
	case "text", "json":
		// Valid formats
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.format",
			Message: fmt.Sprintf("invalid log format: %s (valid: text, json)", l.Format),
		})
	}

	switch l.Output {
	case "stdout", "stderr":
	case "file", "both":
		if l.FilePath == "" {
			errs = append(errs, ValidationError{
				Field:   "logging.file_path",
				Message: "file path is required when output is 'file' or 'both'",
			})
		}
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.output",
			Message: fmt.Sprintf("invalid log output: %s (valid: stdout, stderr, file, both)", l.Output),
		})
	}

	if l.MaxSizeMB < 1 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_size_mb",
			Message: "max size must be at least 1 MB",
		})
	}

	if l.MaxBackups < 0 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_backups",
			Message: "max backups cannot be negative",
		})
	}

	if l.MaxAgeDays < 0 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_age_days",
			Message: "max age cannot be negative",
		})
	}

	return errs
}

// HasErrors returns true if there are any validation errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// RequiredFieldError creates a validation error for a required field.
func RequiredFieldError(field string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: "required field is missing",
	}
}

// RangeError creates a validation error for an out-of-range value.
func RangeError(field string, min, max interface{}) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: fmt.Sprintf("value must be between %v and %v", min, max),
	}
}
