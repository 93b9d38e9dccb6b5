package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	VisitsRecorded = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "visits_recorded_total",
		Help: "Visits appended to the analytics store.",
	})
	VisitsDeduplicated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "visits_deduplicated_total",
		Help: "Repeat visits suppressed by same-day dedup.",
	})
	VisitsDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "visits_dropped_total",
		Help: "Visits dropped before being persisted.",
	}, []string{"reason"})
	VisitsThrottled = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "visits_throttled_total",
		Help: "Record-visit calls rejected by the per-address throttle.",
	})
	LoginAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "admin_login_attempts_total",
		Help: "Admin login attempts by outcome.",
	}, []string{"outcome"})
	GateRejections = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "admin_gate_rejections_total",
		Help: "Requests refused by the admin auth gate.",
	})
)

func init() {
	prometheus.MustRegister(VisitsRecorded, VisitsDeduplicated, VisitsDropped, VisitsThrottled, LoginAttempts, GateRejections)
}

// TrackLoginRecords exposes the number of addresses the login limiter holds.
func TrackLoginRecords(n func() int) {
	prometheus.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "admin_login_tracked_addresses",
		Help: "Addresses with a live failed-login record.",
	}, func() float64 { return float64(n()) }))
}

func Handler(w http.ResponseWriter, r *http.Request) {
	promhttp.Handler().ServeHTTP(w, r)
}
