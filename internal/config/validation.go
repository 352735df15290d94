package config

import (
	"fmt"
	"net"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"ibusd/internal/hotkey"
)

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

// ValidateConfig performs comprehensive validation of the configuration.
func ValidateConfig(c *Config) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var errs ValidationErrors

	if c.Version < 1 || c.Version > Version {
		errs = append(errs, ValidationError{
			Field:   "version",
			Message: fmt.Sprintf("unsupported version %d (current: %d)", c.Version, Version),
		})
	}

	errs = append(errs, validateBus(&c.Bus)...)
	errs = append(errs, validateRegistry(&c.Registry)...)
	errs = append(errs, validateProcess(&c.Process)...)
	errs = append(errs, validateHotkey(&c.Hotkey)...)
	errs = append(errs, validateLogging(&c.Logging)...)
	errs = append(errs, validateStore(&c.Store)...)
	errs = append(errs, validateMetrics(&c.Metrics)...)

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validateBus(b *BusConfig) ValidationErrors {
	var errs ValidationErrors

	if b.Address != "" && !strings.Contains(b.Address, ":") {
		errs = append(errs, ValidationError{
			Field:   "bus.address",
			Message: fmt.Sprintf("%q is not a bus address (expected transport:key=value)", b.Address),
		})
	}
	if b.CallTimeoutMs <= 0 {
		errs = append(errs, ValidationError{
			Field:   "bus.call_timeout_ms",
			Message: "must be positive",
		})
	}
	return errs
}

func validateRegistry(r *RegistryConfig) ValidationErrors {
	var errs ValidationErrors

	for field, dir := range map[string]string{
		"registry.system_dir": r.SystemDir,
		"registry.user_dir":   r.UserDir,
	} {
		if dir != "" && !filepath.IsAbs(dir) {
			errs = append(errs, ValidationError{Field: field, Message: "must be an absolute path"})
		}
	}
	if r.SystemDir == "" && r.UserDir == "" {
		errs = append(errs, ValidationError{
			Field:   "registry",
			Message: "at least one of system_dir and user_dir is required",
		})
	}
	if r.CachePath != "" && !filepath.IsAbs(r.CachePath) {
		errs = append(errs, ValidationError{Field: "registry.cache_path", Message: "must be an absolute path"})
	}
	if r.ManifestPattern == "" {
		errs = append(errs, ValidationError{Field: "registry.manifest_pattern", Message: "is required"})
	} else if !doublestar.ValidatePattern(r.ManifestPattern) {
		errs = append(errs, ValidationError{
			Field:   "registry.manifest_pattern",
			Message: fmt.Sprintf("invalid glob %q", r.ManifestPattern),
		})
	} else if strings.Contains(r.ManifestPattern, "/") {
		errs = append(errs, ValidationError{
			Field:   "registry.manifest_pattern",
			Message: "matches file names only and must not contain a separator",
		})
	}
	if r.Watch && r.DebounceMs < 0 {
		errs = append(errs, ValidationError{Field: "registry.debounce_ms", Message: "must not be negative"})
	}
	return errs
}

func validateProcess(p *ProcessConfig) ValidationErrors {
	var errs ValidationErrors

	if p.AttachRetries < 0 {
		errs = append(errs, ValidationError{Field: "process.attach_retries", Message: "must not be negative"})
	}
	if p.AttachIntervalUs < 0 {
		errs = append(errs, ValidationError{Field: "process.attach_interval_us", Message: "must not be negative"})
	}
	if p.StopTimeoutMs <= 0 {
		errs = append(errs, ValidationError{Field: "process.stop_timeout_ms", Message: "must be positive"})
	}
	return errs
}

func validateHotkey(h *HotkeyConfig) ValidationErrors {
	var errs ValidationErrors

	check := func(field string, keys []string) {
		for i, k := range keys {
			if _, err := hotkey.Parse(k); err != nil {
				errs = append(errs, ValidationError{
					Field:   fmt.Sprintf("%s[%d]", field, i),
					Message: err.Error(),
				})
			}
		}
	}
	check("hotkey.trigger", h.Trigger)
	check("hotkey.next_engine", h.NextEngine)
	check("hotkey.prev_engine", h.PrevEngine)
	return errs
}

func validateLogging(l *LoggingConfig) ValidationErrors {
	var errs ValidationErrors

	switch strings.ToLower(l.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("invalid level %q", l.Level),
		})
	}

	switch l.Format {
	case "text", "json":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.format",
			Message: fmt.Sprintf("invalid format %q (valid: text, json)", l.Format),
		})
	}

	switch l.Output {
	case "stdout", "stderr":
	case "file", "both":
		if l.FilePath == "" {
			errs = append(errs, ValidationError{
				Field:   "logging.file_path",
				Message: "required when output writes to a file",
			})
		}
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.output",
			Message: fmt.Sprintf("invalid output %q (valid: stdout, stderr, file, both)", l.Output),
		})
	}

	if l.MaxSizeMB < 0 || l.MaxBackups < 0 || l.MaxAgeDays < 0 {
		errs = append(errs, ValidationError{
			Field:   "logging",
			Message: "rotation limits must not be negative",
		})
	}
	return errs
}

func validateStore(s *StoreConfig) ValidationErrors {
	if s.Enabled && s.Path == "" {
		return ValidationErrors{{Field: "store.path", Message: "required when the store is enabled"}}
	}
	return nil
}

func validateMetrics(m *MetricsConfig) ValidationErrors {
	if !m.Enabled {
		return nil
	}
	if _, _, err := net.SplitHostPort(m.Addr); err != nil {
		return ValidationErrors{{Field: "metrics.addr", Message: err.Error()}}
	}
	return nil
}
