package health

import (
	"context"
	"fmt"
	"runtime"
	"time"
)

// Prober reports whether a connection is usable. bus.Connection and the
// transports implement it.
type Prober interface {
	IsConnected() bool
}

type connectionChecker struct {
	name  string
	probe Prober
}

// ConnectionChecker is unhealthy while probe is disconnected
func ConnectionChecker(name string, probe Prober) Checker {
	return &connectionChecker{name: name, probe: probe}
}

func (c *connectionChecker) Name() string {
	return c.name
}

func (c *connectionChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Name: c.name, Status: StatusHealthy, Message: "connected"}

	if !c.probe.IsConnected() {
		result.Status = StatusUnhealthy
		result.Message = "not connected"
	}
	result.Duration = time.Since(start)
	return result
}

type goroutineChecker struct {
	warning  int
	critical int
}

// GoroutineChecker degrades above warning goroutines and fails above critical
func GoroutineChecker(warning, critical int) Checker {
	return &goroutineChecker{warning: warning, critical: critical}
}

func (c *goroutineChecker) Name() string {
	return "goroutines"
}

func (c *goroutineChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	n := runtime.NumGoroutine()

	result := CheckResult{
		Name: c.Name(),
		Details: map[string]interface{}{
			"goroutines": n,
			"heap_mb":    float64(m.HeapAlloc) / 1024 / 1024,
			"gc_runs":    m.NumGC,
		},
	}

	switch {
	case n > c.critical:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("too many goroutines: %d", n)
	case n > c.warning:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("high goroutine count: %d", n)
	default:
		result.Status = StatusHealthy
	}

	result.Duration = time.Since(start)
	return result
}
