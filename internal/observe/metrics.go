package observe

import (
	"context"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts hops and redirects per connection kind.
type Metrics struct {
	Hops      *prometheus.CounterVec
	Duration  *prometheus.HistogramVec
	Errors    *prometheus.CounterVec
	Redirects *prometheus.CounterVec
	BodyBytes *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg, nothing
// is registered when reg is nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Hops: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dispatch_hops_total",
				Help: "Total request/response exchanges by connection kind, method and status",
			},
			[]string{"conn", "method", "status"},
		),
		Duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dispatch_hop_duration_seconds",
				Help:    "Time from opening the connection to reading the response head",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"conn"},
		),
		Errors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dispatch_hop_errors_total",
				Help: "Exchanges that ended without a response",
			},
			[]string{"conn"},
		),
		Redirects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dispatch_redirects_total",
				Help: "307 redirects followed",
			},
			[]string{"conn"},
		),
		BodyBytes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dispatch_body_bytes_total",
				Help: "Body bytes by direction",
			},
			[]string{"direction"},
		),
	}
	if reg != nil {
		reg.MustRegister(m.Hops, m.Duration, m.Errors, m.Redirects, m.BodyBytes)
	}
	return m
}

func (m *Metrics) HopStarted(ctx context.Context, _ Hop) context.Context { return ctx }

func (m *Metrics) HopFinished(_ context.Context, h Hop, status int, d time.Duration, err error) {
	m.Duration.WithLabelValues(h.Kind).Observe(d.Seconds())
	if err != nil && status == 0 {
		m.Errors.WithLabelValues(h.Kind).Inc()
		return
	}
	m.Hops.WithLabelValues(h.Kind, h.Method, strconv.Itoa(status)).Inc()
}

func (m *Metrics) Redirected(_ context.Context, h Hop, _ string) {
	m.Redirects.WithLabelValues(h.Kind).Inc()
}

func (m *Metrics) RequestBody(_ context.Context, _ Hop, body []byte) {
	m.BodyBytes.WithLabelValues("sent").Add(float64(len(body)))
}

func (m *Metrics) ResponseBody(_ context.Context, _ Hop, body []byte) {
	m.BodyBytes.WithLabelValues("received").Add(float64(len(body)))
}
