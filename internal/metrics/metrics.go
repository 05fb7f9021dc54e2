// Package metrics exposes sync activity as Prometheus metrics.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/chmdznr/oss-volume-to-minio-sync/internal/notify"
)

const namespace = "vsync"

// Metrics holds the collectors of one process on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	sessionsTotal   *prometheus.CounterVec
	sessionDuration prometheus.Histogram
	classified      *prometheus.CounterVec
	transfers       *prometheus.CounterVec
	attempts        prometheus.Counter
	bytesSent       prometheus.Counter
	lastSessionEnd  prometheus.Gauge
}

// New registers the sync collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		sessionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Finished sync sessions by status",
		}, []string{"status"}),
		sessionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Sync session duration in seconds",
			Buckets:   []float64{1, 5, 15, 60, 300, 900, 1800, 3600, 7200},
		}),
		classified: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "files_classified_total",
			Help:      "Discovered files by change class",
		}, []string{"class"}),
		transfers: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transfers_total",
			Help:      "Settled transfers by terminal state",
		}, []string{"state"}),
		attempts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transfer_attempts_total",
			Help:      "Upload attempts across all transfers",
		}),
		bytesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_sent_total",
			Help:      "Bytes confirmed by the remote store",
		}),
		lastSessionEnd: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_session_end_timestamp_seconds",
			Help:      "Unix time the last session was finalized",
		}),
	}
}

// Handle implements notify.Handler.
func (m *Metrics) Handle(e notify.Event) {
	switch e.Kind {
	case notify.FileClassified:
		m.classified.WithLabelValues(string(e.Class)).Inc()
	case notify.TransferOutcome:
		m.transfers.WithLabelValues(e.State).Inc()
		m.attempts.Add(float64(e.Attempts))
		m.bytesSent.Add(float64(e.Bytes))
	case notify.SessionEnded:
		if e.Summary == nil {
			return
		}
		m.sessionsTotal.WithLabelValues(e.Summary.Status).Inc()
		m.sessionDuration.Observe(e.Summary.Duration.Seconds())
		if e.Summary.EndedAt != nil {
			m.lastSessionEnd.Set(float64(e.Summary.EndedAt.Unix()))
		}
	}
}

// Router serves /metrics and /healthz.
func (m *Metrics) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	return r
}

// Serve listens on addr until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           m.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		log.WithField("addr", addr).Info("serving metrics")
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
