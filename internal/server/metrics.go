package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	requestCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "citizenid_http_requests_total",
			Help: "Total HTTP requests by method, path and status code.",
		},
		[]string{"method", "path", "code"},
	)

	requestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "citizenid_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	challengeIssued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "citizenid_challenges_issued_total",
			Help: "Challenges issued, by ceremony.",
		},
		[]string{"ceremony"},
	)

	verificationCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "citizenid_verifications_total",
			Help: "Ceremony verifications, by ceremony and result.",
		},
		[]string{"ceremony", "result"},
	)

	rateLimitedCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "citizenid_rate_limited_total",
			Help: "Requests denied by a rate-limit policy, by scope.",
		},
		[]string{"scope"},
	)
)

func (h *Handler) metricsHandler(w http.ResponseWriter, r *http.Request) {
	promhttp.Handler().ServeHTTP(w, r)
}
