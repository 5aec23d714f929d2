package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type probe struct {
	connected atomic.Bool
}

func (p *probe) IsConnected() bool { return p.connected.Load() }

func fixed(name string, status Status) Checker {
	return CheckerFunc(name, func(context.Context) CheckResult {
		return CheckResult{Status: status}
	})
}

func TestRegistry(t *testing.T) {
	ctx := context.Background()

	t.Run("Empty registry is healthy", func(t *testing.T) {
		report := NewRegistry().Check(ctx)
		assert.Equal(t, StatusHealthy, report.Status)
		assert.Empty(t, report.Checks)
	})

	t.Run("Worst status wins", func(t *testing.T) {
		tests := []struct {
			name     string
			statuses []Status
			want     Status
		}{
			{"all healthy", []Status{StatusHealthy, StatusHealthy}, StatusHealthy},
			{"one degraded", []Status{StatusHealthy, StatusDegraded}, StatusDegraded},
			{"one unhealthy", []Status{StatusDegraded, StatusUnhealthy, StatusHealthy}, StatusUnhealthy},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				r := NewRegistry()
				for i, s := range tt.statuses {
					r.Register(fixed(string(rune('a'+i)), s))
				}
				report := r.Check(ctx)
				assert.Equal(t, tt.want, report.Status)
				assert.Len(t, report.Checks, len(tt.statuses))
			})
		}
	})

	t.Run("Result names come from the checker", func(t *testing.T) {
		r := NewRegistry()
		r.Register(fixed("bus", StatusHealthy))
		assert.Equal(t, "bus", r.Check(ctx).Checks["bus"].Name)
	})

	t.Run("Register, unregister and metadata", func(t *testing.T) {
		r := NewRegistry()
		r.Register(fixed("b", StatusHealthy))
		r.Register(fixed("a", StatusHealthy))
		r.Register(fixed("a", StatusDegraded))
		assert.Equal(t, []string{"a", "b"}, r.Names())

		r.Unregister("b")
		assert.Equal(t, []string{"a"}, r.Names())

		r.SetMetadata("clientId", "svc-1")
		report := r.Check(ctx)
		assert.Equal(t, StatusDegraded, report.Status)
		assert.Equal(t, "svc-1", report.Metadata["clientId"])
	})

	t.Run("Slow checks time out", func(t *testing.T) {
		release := make(chan struct{})
		defer close(release)

		r := NewRegistry()
		r.Register(fixed("fast", StatusHealthy))
		r.Register(CheckerFunc("slow", func(context.Context) CheckResult {
			<-release
			return CheckResult{Status: StatusHealthy}
		}))

		cctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()
		report := r.Check(cctx)

		assert.Equal(t, StatusUnhealthy, report.Status)
		assert.Equal(t, StatusUnhealthy, report.Checks["slow"].Status)
		assert.Equal(t, "check timed out", report.Checks["slow"].Message)
		assert.Equal(t, StatusHealthy, report.Checks["fast"].Status)
	})
}

func TestCheckers(t *testing.T) {
	ctx := context.Background()

	t.Run("Connection", func(t *testing.T) {
		p := &probe{}
		checker := ConnectionChecker("bus", p)
		assert.Equal(t, "bus", checker.Name())
		assert.Equal(t, StatusUnhealthy, checker.Check(ctx).Status)

		p.connected.Store(true)
		assert.Equal(t, StatusHealthy, checker.Check(ctx).Status)
	})

	t.Run("Goroutines", func(t *testing.T) {
		result := GoroutineChecker(1_000_000, 2_000_000).Check(ctx)
		assert.Equal(t, StatusHealthy, result.Status)
		assert.Contains(t, result.Details, "goroutines")

		assert.Equal(t, StatusUnhealthy, GoroutineChecker(0, 0).Check(ctx).Status)
		assert.Equal(t, StatusDegraded, GoroutineChecker(0, 1_000_000).Check(ctx).Status)
	})
}

func TestHandlers(t *testing.T) {
	p := &probe{}
	registry := NewRegistry()
	registry.Register(ConnectionChecker("bus", p))

	mux := http.NewServeMux()
	Mount(mux, registry, time.Second)

	get := func(path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec
	}

	t.Run("Unhealthy", func(t *testing.T) {
		rec := get("/healthz")
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

		var report Report
		require.NoError(t, sonic.Unmarshal(rec.Body.Bytes(), &report))
		assert.Equal(t, StatusUnhealthy, report.Status)

		assert.Equal(t, http.StatusServiceUnavailable, get("/readyz").Code)
		assert.Equal(t, http.StatusOK, get("/livez").Code)
	})

	t.Run("Healthy", func(t *testing.T) {
		p.connected.Store(true)

		assert.Equal(t, http.StatusOK, get("/healthz").Code)
		rec := get("/readyz")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "ready", rec.Body.String())
	})

	t.Run("Only GET", func(t *testing.T) {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/healthz", nil))
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	})
}
