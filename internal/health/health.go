// Package health tracks the health of the daemon's subsystems and serves
// liveness, readiness and metrics endpoints over HTTP.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"
)

// Status represents the health status of a probe.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
	StatusUnknown   Status = "unknown"
)

const defaultProbeTimeout = 2 * time.Second

// Result is the outcome of one probe run.
type Result struct {
	Status      Status         `json:"status"`
	Message     string         `json:"message,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
	Error       string         `json:"error,omitempty"`
	LastChecked time.Time      `json:"last_checked"`
	Duration    time.Duration  `json:"duration_ns"`
}

// ProbeFunc inspects one subsystem.
type ProbeFunc func(ctx context.Context) Result

// Probe is a named health check.
type Probe struct {
	Name     string
	Critical bool // failure makes the overall status unhealthy
	Run      ProbeFunc
	Timeout  time.Duration
}

// Checker runs probes and remembers their last results.
type Checker struct {
	mu      sync.RWMutex
	probes  map[string]*Probe
	results map[string]Result
	started time.Time
	ready   bool
}

// NewChecker creates an empty, not-ready Checker.
func NewChecker() *Checker {
	return &Checker{
		probes:  make(map[string]*Probe),
		results: make(map[string]Result),
		started: time.Now(),
	}
}

// Register adds or replaces a probe.
func (c *Checker) Register(p *Probe) {
	if p.Timeout <= 0 {
		p.Timeout = defaultProbeTimeout
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.probes[p.Name] = p
	c.results[p.Name] = Result{Status: StatusUnknown}
}

// RegisterFunc adds a probe with the default timeout.
func (c *Checker) RegisterFunc(name string, critical bool, fn ProbeFunc) {
	c.Register(&Probe{Name: name, Critical: critical, Run: fn})
}

// Unregister removes a probe.
func (c *Checker) Unregister(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.probes, name)
	delete(c.results, name)
}

// SetReady flips the readiness flag. The daemon sets it once it owns the
// bus name and clears it on shutdown.
func (c *Checker) SetReady(ready bool) {
	c.mu.Lock()
	c.ready = ready
	c.mu.Unlock()
}

// IsReady reports the readiness flag.
func (c *Checker) IsReady() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ready
}

// Check runs every probe concurrently and returns the fresh results.
func (c *Checker) Check(ctx context.Context) map[string]Result {
	c.mu.RLock()
	probes := make([]*Probe, 0, len(c.probes))
	for _, p := range c.probes {
		probes = append(probes, p)
	}
	c.mu.RUnlock()

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		out = make(map[string]Result, len(probes))
	)
	for _, p := range probes {
		wg.Add(1)
		go func(p *Probe) {
			defer wg.Done()
			r := runProbe(ctx, p)
			mu.Lock()
			out[p.Name] = r
			mu.Unlock()
		}(p)
	}
	wg.Wait()

	c.mu.Lock()
	for name, r := range out {
		if _, ok := c.probes[name]; ok {
			c.results[name] = r
		}
	}
	c.mu.Unlock()
	return out
}

// CheckOne runs a single probe by name.
func (c *Checker) CheckOne(ctx context.Context, name string) (Result, bool) {
	c.mu.RLock()
	p, ok := c.probes[name]
	c.mu.RUnlock()
	if !ok {
		return Result{}, false
	}

	r := runProbe(ctx, p)
	c.mu.Lock()
	c.results[name] = r
	c.mu.Unlock()
	return r, true
}

func runProbe(ctx context.Context, p *Probe) Result {
	ctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	start := time.Now()
	done := make(chan Result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- Result{Status: StatusUnhealthy, Message: "probe panicked", Error: fmt.Sprint(r)}
			}
		}()
		done <- p.Run(ctx)
	}()

	var r Result
	select {
	case r = <-done:
	case <-ctx.Done():
		r = Result{Status: StatusUnhealthy, Message: "probe timed out", Error: ctx.Err().Error()}
	}
	r.LastChecked = start
	r.Duration = time.Since(start)
	return r
}

// Results returns a copy of the last known results.
func (c *Checker) Results() map[string]Result {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]Result, len(c.results))
	for k, v := range c.results {
		out[k] = v
	}
	return out
}

// Overall folds the last results into one status. A failing critical probe
// makes the daemon unhealthy; any other failure only degrades it.
func (c *Checker) Overall() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make([]string, 0, len(c.results))
	for name := range c.results {
		names = append(names, name)
	}
	sort.Strings(names)

	status := StatusHealthy
	for _, name := range names {
		p := c.probes[name]
		if p == nil {
			continue
		}
		switch c.results[name].Status {
		case StatusUnhealthy:
			if p.Critical {
				return StatusUnhealthy
			}
			status = StatusDegraded
		case StatusDegraded:
			status = StatusDegraded
		case StatusUnknown:
			if p.Critical && status == StatusHealthy {
				status = StatusUnknown
			}
		}
	}
	return status
}

// Report is the body of the /health endpoint.
type Report struct {
	Status    Status            `json:"status"`
	Ready     bool              `json:"ready"`
	Uptime    string            `json:"uptime"`
	Probes    map[string]Result `json:"probes,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Report runs the probes when full is set and summarizes the daemon state.
func (c *Checker) Report(ctx context.Context, full bool) Report {
	var probes map[string]Result
	if full {
		probes = c.Check(ctx)
	}

	c.mu.RLock()
	ready := c.ready
	uptime := time.Since(c.started).Truncate(time.Second)
	c.mu.RUnlock()

	return Report{
		Status:    c.Overall(),
		Ready:     ready,
		Uptime:    uptime.String(),
		Probes:    probes,
		Timestamp: time.Now(),
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// LivenessHandler always answers 200 while the process can serve HTTP.
func (c *Checker) LivenessHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "alive", "timestamp": time.Now()})
	})
}

// ReadinessHandler answers 503 until SetReady(true) and while a critical
// probe is failing.
func (c *Checker) ReadinessHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !c.IsReady() {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not ready", "timestamp": time.Now()})
			return
		}
		status := c.Overall()
		code := http.StatusOK
		if status == StatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, map[string]any{"status": status, "ready": true, "timestamp": time.Now()})
	})
}

// HealthHandler serves a Report. ?full=true runs every probe first.
func (c *Checker) HealthHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rep := c.Report(r.Context(), r.URL.Query().Get("full") == "true")
		code := http.StatusOK
		if rep.Status == StatusUnhealthy || rep.Status == StatusUnknown {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, rep)
	})
}
