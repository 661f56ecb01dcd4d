// Package metrics provides the Prometheus metrics of the offline proxy.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Fetch outcomes.
const (
	OutcomeHit         = "hit"
	OutcomeStored      = "stored"
	OutcomePassthrough = "passthrough"
	OutcomeBypass      = "bypass"
	OutcomeFallback    = "fallback"
	OutcomeFailed      = "failed"
	OutcomeIncomplete  = "incomplete"
)

// Metrics of the proxy. A nil *Metrics is valid and records nothing.
type Metrics struct {
	Fetches       *prometheus.CounterVec
	Precached     *prometheus.CounterVec
	CachesDeleted prometheus.Counter
	StatusCode    *prometheus.CounterVec
}

// NewMetrics creates a new metrics instance.
func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		Fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fetch",
			Name:      "total",
			Help:      "Intercepted requests by outcome.",
		}, []string{"outcome"}),
		Precached: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "install",
			Name:      "assets_total",
			Help:      "Pre-cache attempts by result.",
		}, []string{"version", "result"}),
		CachesDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "activate",
			Name:      "caches_deleted_total",
			Help:      "Superseded caches deleted on activation.",
		}),
		StatusCode: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "status_code",
			Help:      "Network responses by status code.",
		}, []string{"host", "method", "code"}),
	}
}

// Collectors returns all prometheus metrics as collectors for registration.
func (m *Metrics) Collectors() []prometheus.Collector {
	if m == nil {
		return nil
	}
	return []prometheus.Collector{
		m.Fetches,
		m.Precached,
		m.CachesDeleted,
		m.StatusCode,
	}
}

// Register registers all collectors with the registerer.
func (m *Metrics) Register(r prometheus.Registerer) error {
	for _, c := range m.Collectors() {
		if err := r.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (m *Metrics) Fetch(outcome string) {
	if m == nil {
		return
	}
	m.Fetches.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Precache(version string, ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "failed"
	}
	m.Precached.WithLabelValues(version, result).Inc()
}

func (m *Metrics) CacheDeleted() {
	if m == nil {
		return
	}
	m.CachesDeleted.Inc()
}

// OnResponse records the status code of a network response.
func (m *Metrics) OnResponse(req *http.Request, resp *http.Response) {
	if m == nil {
		return
	}
	var statusCode = 0
	if resp != nil {
		statusCode = resp.StatusCode
	}
	m.StatusCode.WithLabelValues(req.URL.Host, req.Method, strconv.Itoa(statusCode)).Inc()
}
