package health

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/WulfForge/Cursor-FailSafe-sub000/internal/domain"
	"github.com/WulfForge/Cursor-FailSafe-sub000/internal/infra"
)

type staticProbe struct {
	res domain.HealthCheckResult
}

func (p staticProbe) HealthCheck(context.Context) domain.HealthCheckResult { return p.res }

type panicProbe struct{}

func (panicProbe) HealthCheck(context.Context) domain.HealthCheckResult { panic("probe exploded") }

func newTestReporter(t *testing.T, cfg infra.HealthConfig) *Reporter {
	t.Helper()
	return NewReporter(cfg, "1.2.3", zaptest.NewLogger(t))
}

func findCheck(t *testing.T, resp domain.HealthResponse, name string) domain.HealthCheckResult {
	t.Helper()
	for _, c := range resp.Checks {
		if c.Name == name {
			return c
		}
	}
	t.Fatalf("check %q not found in %+v", name, resp.Checks)
	return domain.HealthCheckResult{}
}

func TestReporter_SimpleAlwaysOK(t *testing.T) {
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	r := NewReporter(infra.HealthConfig{}, "v", zaptest.NewLogger(t), WithClock(func() time.Time { return now }))
	r.AddCheck("broken", func(context.Context) error { return errors.New("down") })

	s := r.Simple()
	assert.Equal(t, "ok", s.Status)
	assert.Equal(t, "2025-03-10T12:00:00Z", s.Timestamp)
}

func TestReporter_DetailedHealthy(t *testing.T) {
	r := newTestReporter(t, infra.HealthConfig{})
	r.AddProbe(staticProbe{res: domain.HealthCheckResult{Name: "events", Status: domain.StatusHealthy}})
	r.AddCheck("custom", func(context.Context) error { return nil })

	resp := r.Detailed(context.Background())
	assert.True(t, resp.Healthy())
	assert.Equal(t, "1.2.3", resp.Version)
	require.Len(t, resp.Checks, 3)
	assert.Equal(t, "server", resp.Checks[0].Name)
	assert.Equal(t, "events", resp.Checks[1].Name)
	assert.Equal(t, "custom", resp.Checks[2].Name)
	assert.NotEmpty(t, resp.Timestamp)
	assert.GreaterOrEqual(t, resp.ResponseTime, 0.0)
	assert.Positive(t, resp.Server.Goroutines)
}

func TestReporter_FailingCheckMakesUnhealthy(t *testing.T) {
	r := newTestReporter(t, infra.HealthConfig{})
	r.AddCheck("custom", func(context.Context) error { return errors.New("disk full") })

	resp := r.Detailed(context.Background())
	assert.Equal(t, domain.StatusUnhealthy, resp.Status)
	c := findCheck(t, resp, "custom")
	assert.Equal(t, domain.StatusUnhealthy, c.Status)
	assert.Equal(t, map[string]any{"error": "disk full"}, c.Details)
	assert.Equal(t, domain.StatusHealthy, findCheck(t, resp, "server").Status)
}

func TestReporter_PanicsAreContained(t *testing.T) {
	r := newTestReporter(t, infra.HealthConfig{})
	r.AddCheck("custom", func(context.Context) error { panic("boom") })
	r.AddProbe(panicProbe{})

	var resp domain.HealthResponse
	require.NotPanics(t, func() { resp = r.Detailed(context.Background()) })
	assert.Equal(t, domain.StatusUnhealthy, resp.Status)

	c := findCheck(t, resp, "custom")
	assert.Contains(t, c.Details.(map[string]any)["error"], "boom")
	p := findCheck(t, resp, "health.panicProbe")
	assert.Equal(t, domain.StatusUnhealthy, p.Status)
}

func TestReporter_SlowCheckTimesOut(t *testing.T) {
	r := newTestReporter(t, infra.HealthConfig{CheckTimeout: 50 * time.Millisecond})
	r.AddCheck("slow", func(ctx context.Context) error {
		<-ctx.Done()
		time.Sleep(20 * time.Millisecond)
		return nil
	})

	start := time.Now()
	resp := r.Detailed(context.Background())
	assert.Less(t, time.Since(start), time.Second)
	c := findCheck(t, resp, "slow")
	assert.Equal(t, domain.StatusUnhealthy, c.Status)
	assert.Equal(t, map[string]any{"error": errCheckTimeout.Error()}, c.Details)
}

func TestReporter_ProbeWithoutStatusIsUnhealthy(t *testing.T) {
	r := newTestReporter(t, infra.HealthConfig{})
	r.AddProbe(staticProbe{res: domain.HealthCheckResult{Name: "blank"}})

	resp := r.Detailed(context.Background())
	assert.Equal(t, domain.StatusUnhealthy, findCheck(t, resp, "blank").Status)
}

func TestReporter_MemoryCheck(t *testing.T) {
	r := newTestReporter(t, infra.HealthConfig{MemoryThresholdMB: 1 << 20})
	resp := r.Detailed(context.Background())
	assert.Equal(t, domain.StatusHealthy, findCheck(t, resp, "memory").Status)
	assert.NoError(t, MemoryCheck(1<<20)(context.Background()))
}

func TestReporter_ConcurrentDetailedShareWork(t *testing.T) {
	r := newTestReporter(t, infra.HealthConfig{})
	var calls atomic.Int32
	release := make(chan struct{})
	r.AddCheck("gate", func(context.Context) error {
		calls.Add(1)
		<-release
		return nil
	})

	var wg sync.WaitGroup
	results := make([]domain.HealthResponse, 5)
	for i := range results {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = r.Detailed(context.Background())
		}()
	}
	require.Eventually(t, func() bool { return calls.Load() >= 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	for _, res := range results {
		assert.True(t, res.Healthy())
		require.Len(t, res.Checks, 2)
	}
}

func TestReporter_SummaryMirrorsDetailed(t *testing.T) {
	r := newTestReporter(t, infra.HealthConfig{})
	resp := r.Detailed(context.Background())
	sum := resp.Summary()
	assert.Equal(t, resp.Status, sum.Status)
	assert.Equal(t, resp.Checks, sum.Checks)
	assert.Equal(t, "1.2.3", sum.Version)
}
