// Package health reports whether the daemon is live and able to serve.
//
// Components register checks; the HTTP handlers aggregate their results:
//   - /livez answers as long as the process runs
//   - /readyz fails until the event loop is running or when a critical check fails
//   - /healthz returns the aggregated status, with per-check detail on ?full=true
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// Status represents the health status of a component.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
	StatusUnknown   Status = "unknown"
)

// CheckResult represents the result of a health check.
type CheckResult struct {
	Status      Status         `json:"status"`
	Message     string         `json:"message,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
	LastChecked time.Time      `json:"last_checked"`
	Duration    time.Duration  `json:"duration_ns"`
	Error       string         `json:"error,omitempty"`
}

// Check is a function that performs a health check.
type Check func(ctx context.Context) CheckResult

type component struct {
	critical bool
	check    Check
	timeout  time.Duration
}

// DefaultTimeout bounds a single check.
const DefaultTimeout = 2 * time.Second

// Checker runs registered checks and remembers their last results.
type Checker struct {
	mu         sync.RWMutex
	components map[string]*component
	results    map[string]CheckResult
	started    time.Time
	ready      bool
}

// NewChecker creates a new Checker.
func NewChecker() *Checker {
	return &Checker{
		components: make(map[string]*component),
		results:    make(map[string]CheckResult),
		started:    time.Now(),
	}
}

// Register adds a check. A failing critical check makes the daemon
// unhealthy; a failing non-critical one only degrades it.
func (c *Checker) Register(name string, critical bool, check Check) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.components[name] = &component{critical: critical, check: check, timeout: DefaultTimeout}
	c.results[name] = CheckResult{Status: StatusUnknown}
}

// SetReady sets the readiness state.
func (c *Checker) SetReady(ready bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ready = ready
}

// IsReady returns the readiness state.
func (c *Checker) IsReady() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ready
}

// Check runs every registered check concurrently and records the results.
func (c *Checker) Check(ctx context.Context) map[string]CheckResult {
	c.mu.RLock()
	names := make([]string, 0, len(c.components))
	comps := make([]*component, 0, len(c.components))
	for name, comp := range c.components {
		names = append(names, name)
		comps = append(comps, comp)
	}
	c.mu.RUnlock()

	results := make(map[string]CheckResult, len(comps))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := range comps {
		wg.Add(1)
		go func(name string, comp *component) {
			defer wg.Done()
			result := run(ctx, comp)
			mu.Lock()
			results[name] = result
			mu.Unlock()
		}(names[i], comps[i])
	}
	wg.Wait()

	c.mu.Lock()
	for name, result := range results {
		if _, ok := c.components[name]; ok {
			c.results[name] = result
		}
	}
	c.mu.Unlock()
	return results
}

func run(ctx context.Context, comp *component) CheckResult {
	checkCtx, cancel := context.WithTimeout(ctx, comp.timeout)
	defer cancel()

	start := time.Now()
	done := make(chan CheckResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- CheckResult{Status: StatusUnhealthy, Message: "check panicked", Error: fmt.Sprint(r)}
			}
		}()
		done <- comp.check(checkCtx)
	}()

	var result CheckResult
	select {
	case result = <-done:
	case <-checkCtx.Done():
		result = CheckResult{Status: StatusUnhealthy, Message: "check timed out", Error: checkCtx.Err().Error()}
	}
	result.LastChecked = start
	result.Duration = time.Since(start)
	return result
}

// OverallStatus aggregates the last recorded results.
func (c *Checker) OverallStatus() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	unknown, degraded := false, false
	for name, result := range c.results {
		comp := c.components[name]
		switch result.Status {
		case StatusUnhealthy:
			if comp.critical {
				return StatusUnhealthy
			}
			degraded = true
		case StatusDegraded:
			degraded = true
		case StatusUnknown:
			if comp.critical {
				unknown = true
			}
		}
	}
	switch {
	case unknown:
		return StatusUnknown
	case degraded:
		return StatusDegraded
	}
	return StatusHealthy
}

// Response is the body of the /healthz endpoint.
type Response struct {
	Status     Status                 `json:"status"`
	Ready      bool                   `json:"ready"`
	Uptime     string                 `json:"uptime"`
	Components map[string]CheckResult `json:"components,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
}

// Names returns the registered check names in order.
func (c *Checker) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.components))
	for name := range c.components {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Mount registers the health handlers on mux.
func (c *Checker) Mount(mux *http.ServeMux) {
	mux.HandleFunc("/livez", c.serveLive)
	mux.HandleFunc("/readyz", c.serveReady)
	mux.HandleFunc("/healthz", c.serveHealth)
}

func (c *Checker) serveLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "alive", "timestamp": time.Now()})
}

func (c *Checker) serveReady(w http.ResponseWriter, r *http.Request) {
	if !c.IsReady() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not ready", "timestamp": time.Now()})
		return
	}
	c.Check(r.Context())
	status := c.OverallStatus()
	code := http.StatusOK
	if status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{"status": status, "ready": true, "timestamp": time.Now()})
}

func (c *Checker) serveHealth(w http.ResponseWriter, r *http.Request) {
	results := c.Check(r.Context())
	resp := Response{
		Status:    c.OverallStatus(),
		Ready:     c.IsReady(),
		Uptime:    time.Since(c.started).Round(time.Second).String(),
		Timestamp: time.Now(),
	}
	if r.URL.Query().Get("full") == "true" {
		resp.Components = results
	}
	code := http.StatusOK
	if resp.Status == StatusUnhealthy || resp.Status == StatusUnknown {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// PingCheck wraps a connectivity check such as (*sql.DB).PingContext.
func PingCheck(ping func(ctx context.Context) error) Check {
	return func(ctx context.Context) CheckResult {
		if err := ping(ctx); err != nil {
			return CheckResult{Status: StatusUnhealthy, Message: "ping failed", Error: err.Error()}
		}
		return CheckResult{Status: StatusHealthy}
	}
}

// CapacityCheck degrades when used reaches limit. A limit of 0 means
// unbounded.
func CapacityCheck(used func() int, limit int) Check {
	return func(ctx context.Context) CheckResult {
		n := used()
		details := map[string]any{"used": n, "limit": limit}
		if limit > 0 && n >= limit {
			return CheckResult{Status: StatusDegraded, Message: "at capacity", Details: details}
		}
		return CheckResult{Status: StatusHealthy, Details: details}
	}
}

// DiskSpaceCheck degrades when the filesystem holding path has less than
// minFree bytes available to unprivileged users.
func DiskSpaceCheck(path string, minFree uint64) Check {
	return func(ctx context.Context) CheckResult {
		var st unix.Statfs_t
		if err := unix.Statfs(path, &st); err != nil {
			return CheckResult{Status: StatusUnhealthy, Message: "statfs failed", Error: err.Error()}
		}
		free := st.Bavail * uint64(st.Bsize)
		details := map[string]any{"path": path, "free_bytes": free, "min_free_bytes": minFree}
		if free < minFree {
			return CheckResult{Status: StatusDegraded, Message: "low disk space", Details: details}
		}
		return CheckResult{Status: StatusHealthy, Details: details}
	}
}

// FuncCheck turns an error-returning function into a Check.
func FuncCheck(fn func() error) Check {
	return func(ctx context.Context) CheckResult {
		if err := fn(); err != nil {
			return CheckResult{Status: StatusUnhealthy, Error: err.Error()}
		}
		return CheckResult{Status: StatusHealthy}
	}
}
