package metrics

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// PaymentRequests counts payment request attempts by plan and outcome.
	PaymentRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vpnbot",
		Name:      "payment_requests_total",
		Help:      "Payment requests created through the gateway by plan and outcome.",
	}, []string{"plan", "outcome"})

	// Confirmations counts payment confirmations by outcome
	// (credited, already_credited, not_paid, no_pending, provisioning_error, ...).
	Confirmations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vpnbot",
		Name:      "payment_confirmations_total",
		Help:      "Payment confirmation attempts by outcome.",
	}, []string{"outcome"})

	Revocations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vpnbot",
		Name:      "sweep_revocations_total",
		Help:      "Expired subscriptions handled by the sweep by outcome.",
	}, []string{"outcome"})

	SweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "vpnbot",
		Name:      "sweep_duration_seconds",
		Help:      "Duration of one expiry sweep pass.",
		Buckets:   prometheus.DefBuckets,
	})

	LastSweep = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "vpnbot",
		Name:      "sweep_last_run_timestamp_seconds",
		Help:      "Unix time the last sweep pass finished.",
	})
)

// ObserveSweep records a finished sweep that started at start.
func ObserveSweep(start time.Time) {
	SweepDuration.Observe(time.Since(start).Seconds())
	LastSweep.SetToCurrentTime()
}

// Router serves /metrics and /healthz.
func Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok"))
	})
	return r
}
