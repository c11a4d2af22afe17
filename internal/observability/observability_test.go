package observability

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestNewLoggerLevels(t *testing.T) {
	l, err := NewLogger(false)
	require.NoError(t, err)
	require.False(t, l.Core().Enabled(zapcore.DebugLevel))

	l, err = NewLogger(true)
	require.NoError(t, err)
	require.True(t, l.Core().Enabled(zapcore.DebugLevel))
}

func counterValue(t *testing.T, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	metrics:
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if labels[lp.GetName()] != lp.GetValue() {
					continue metrics
				}
			}
			if c := m.GetCounter(); c != nil {
				return c.GetValue()
			}
			if g := m.GetGauge(); g != nil {
				return g.GetValue()
			}
		}
	}
	return 0
}

func TestRecorder(t *testing.T) {
	r := NewRecorder()
	before := counterValue(t, "mediaopt_controller_iterations_total", map[string]string{"outcome": "completed"})
	r.IterationFinished("completed", 90*time.Minute)
	r.Polled("running")
	r.TipsPlanned(map[string]int{"p50": 21, "p200": 1})
	r.CenterResponse(0.42)

	require.Equal(t, before+1, counterValue(t, "mediaopt_controller_iterations_total", map[string]string{"outcome": "completed"}))
	require.GreaterOrEqual(t, counterValue(t, "mediaopt_design_tips_planned_total", map[string]string{"class": "p50"}), 21.0)
	require.InDelta(t, 0.42, counterValue(t, "mediaopt_controller_center_growth_delta", nil), 1e-9)
}

func TestHandlerExposesMetrics(t *testing.T) {
	NewRecorder().Polled("pending")
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	require.True(t, strings.Contains(string(body), "mediaopt_workcell_polls_total"))
}

func TestServeMetricsStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ServeMetrics(ctx, "127.0.0.1:0", zap.NewNop()) }()
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatalf("ServeMetrics did not return after cancel")
	}
}
