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

	"ibusd/internal/config"
)

// CrashReport is written to disk when a daemon goroutine panics.
type CrashReport struct {
	Timestamp    time.Time `json:"timestamp"`
	RunID        string    `json:"run_id,omitempty"`
	Goroutine    string    `json:"goroutine"`
	GoVersion    string    `json:"go_version"`
	NumGoroutine int       `json:"num_goroutine"`
	PanicValue   string    `json:"panic_value"`
	StackTrace   string    `json:"stack_trace"`
}

// CrashHandler records panics before letting them continue to unwind.
type CrashHandler struct {
	mu     sync.Mutex
	dir    string
	runID  string
	logger *slog.Logger
}

// DefaultCrashDir returns $XDG_STATE_HOME/ibus/crashes.
func DefaultCrashDir() string {
	return filepath.Join(config.PlatformStateDir(), "crashes")
}

// NewCrashHandler writes reports into dir. runID tags every report with
// the daemon run it came from.
func NewCrashHandler(dir, runID string, logger *slog.Logger) *CrashHandler {
	if dir == "" {
		dir = DefaultCrashDir()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CrashHandler{dir: dir, runID: runID, logger: logger}
}

// Guard runs fn. If fn panics the panic is recorded and then re-raised.
func (h *CrashHandler) Guard(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			path, err := h.record(name, r, debug.Stack())
			if err != nil {
				h.logger.Error("write crash report", "error", err)
			} else {
				h.logger.Error("goroutine panicked", "goroutine", name, "panic", fmt.Sprint(r), "report", path)
			}
			panic(r)
		}
	}()
	fn()
}

func (h *CrashHandler) record(name string, value any, stack []byte) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	report := CrashReport{
		Timestamp:    time.Now().UTC(),
		RunID:        h.runID,
		Goroutine:    name,
		GoVersion:    runtime.Version(),
		NumGoroutine: runtime.NumGoroutine(),
		PanicValue:   fmt.Sprint(value),
		StackTrace:   string(stack),
	}

	if err := os.MkdirAll(h.dir, 0750); err != nil {
		return "", fmt.Errorf("create crash dir: %w", err)
	}
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal crash report: %w", err)
	}

	path := filepath.Join(h.dir, fmt.Sprintf("crash-%s-%s.json", name, report.Timestamp.Format("20060102-150405.000000")))
	if err := os.WriteFile(path, data, 0640); err != nil {
		return "", fmt.Errorf("write crash report: %w", err)
	}
	return path, nil
}

// Reports loads every crash report in the directory.
func (h *CrashHandler) Reports() ([]CrashReport, error) {
	files, err := filepath.Glob(filepath.Join(h.dir, "crash-*.json"))
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
