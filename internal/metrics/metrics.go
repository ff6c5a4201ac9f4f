// Package metrics exposes scheduler events as prometheus metrics.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/DocSRV/docsrv/internal/service"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	OutcomeOK     = "ok"
	OutcomeFailed = "failed"
	OutcomeKilled = "killed"
)

type Metrics struct {
	registry *prometheus.Registry
	queue    prometheus.Gauge
	progress prometheus.Gauge
	finished *prometheus.CounterVec
	duration prometheus.Histogram
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		queue: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "docsrv_queue_length",
			Help: "Number of runs waiting in the queue, including the running one.",
		}),
		progress: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "docsrv_job_progress_percent",
			Help: "Progress of the running vina job.",
		}),
		finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "docsrv_jobs_finished_total",
			Help: "Finished vina runs by outcome.",
		}, []string{"outcome"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "docsrv_job_duration_seconds",
			Help:    "Wall time of finished vina runs.",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		}),
	}
	m.registry.MustRegister(
		m.queue,
		m.progress,
		m.finished,
		m.duration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	for _, outcome := range []string{OutcomeOK, OutcomeFailed, OutcomeKilled} {
		m.finished.WithLabelValues(outcome)
	}
	return m
}

// Observe is a service.Observer.
func (m *Metrics) Observe(ev service.Event) {
	m.queue.Set(float64(ev.Queued))
	switch ev.Kind {
	case service.EventStarted:
		m.progress.Set(0)
	case service.EventPercentage:
		m.progress.Set(float64(ev.Progress.Percentage))
	case service.EventAlert:
		if ev.Killed {
			m.progress.Set(0)
			m.finished.WithLabelValues(OutcomeKilled).Inc()
		}
	case service.EventFinished:
		outcome := OutcomeOK
		if ev.ExitCode != 0 {
			outcome = OutcomeFailed
		}
		m.finished.WithLabelValues(outcome).Inc()
		if ev.Duration > 0 {
			m.duration.Observe(ev.Duration.Seconds())
		}
	case service.EventAllDone:
		m.progress.Set(0)
	}
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errs := make(chan error, 1)
	go func() {
		slog.InfoContext(ctx, "serving metrics", "addr", addr)
		errs <- srv.ListenAndServe()
	}()

	select {
	case err := <-errs:
		return fmt.Errorf("serving metrics: %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errs; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
