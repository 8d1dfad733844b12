package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus instruments for the payment path and the
// fleet.
type Metrics struct {
	PaymentsTotal  *prometheus.CounterVec
	CollectSeconds *prometheus.HistogramVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		PaymentsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "terminald",
			Name:      "payments_total",
			Help:      "Payment attempts by terminal and outcome.",
		}, []string{"terminal_id", "outcome"}),
		CollectSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "terminald",
			Name:      "collect_duration_seconds",
			Help:      "Card collection latency.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"terminal_id"}),
	}
}

// RegisterFleetGauge exposes the count of currently connected terminals
// as a gauge computed on scrape.
func RegisterFleetGauge(reg prometheus.Registerer, connected func() int) {
	promauto.With(reg).NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "terminald",
		Name:      "connected_terminals",
		Help:      "Terminals currently in the connected state.",
	}, func() float64 { return float64(connected()) })
}
