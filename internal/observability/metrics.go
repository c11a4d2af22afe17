package observability

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var (
	registerOnce sync.Once

	iterations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mediaopt",
			Subsystem: "controller",
			Name:      "iterations_total",
			Help:      "Finished iterations by outcome.",
		},
		[]string{"outcome"},
	)
	iterationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "mediaopt",
			Subsystem: "controller",
			Name:      "iteration_duration_seconds",
			Help:      "Wall-clock duration of an iteration from design to update.",
			Buckets:   []float64{60, 300, 900, 1800, 3600, 5400, 7200, 10800},
		},
		[]string{"outcome"},
	)
	polls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mediaopt",
			Subsystem: "workcell",
			Name:      "polls_total",
			Help:      "Status polls by reported status.",
		},
		[]string{"status"},
	)
	tipsPlanned = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mediaopt",
			Subsystem: "design",
			Name:      "tips_planned_total",
			Help:      "Pipette tips planned per tip class.",
		},
		[]string{"class"},
	)
	centerResponse = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "mediaopt",
			Subsystem: "controller",
			Name:      "center_growth_delta",
			Help:      "Growth delta (OD600) of the most recent center well.",
		},
	)
)

// RegisterMetrics registers the collectors with the default registry once.
func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(iterations, iterationDuration, polls, tipsPlanned, centerResponse)
	})
}

// Recorder feeds controller events into the package collectors.
type Recorder struct{}

// NewRecorder registers the collectors and returns a Recorder.
func NewRecorder() Recorder {
	RegisterMetrics()
	return Recorder{}
}

func (Recorder) IterationFinished(outcome string, d time.Duration) {
	iterations.WithLabelValues(outcome).Inc()
	iterationDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

func (Recorder) Polled(status string) {
	polls.WithLabelValues(status).Inc()
}

func (Recorder) TipsPlanned(counts map[string]int) {
	for class, n := range counts {
		tipsPlanned.WithLabelValues(class).Add(float64(n))
	}
}

func (Recorder) CenterResponse(v float64) {
	centerResponse.Set(v)
}

// Handler exposes the default registry.
func Handler() http.Handler {
	RegisterMetrics()
	return promhttp.Handler()
}

// ServeMetrics serves /metrics on addr until ctx is done.
func ServeMetrics(ctx context.Context, addr string, logger *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("metrics listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
