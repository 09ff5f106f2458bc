package link

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the link layer's counters.
type Metrics struct {
	LinksActive    prometheus.Gauge
	Bursts         prometheus.Counter
	Netsplits      prometheus.Counter
	NickCollisions prometheus.Counter
	DialFailures   *prometheus.CounterVec
	PeerFailures   *prometheus.GaugeVec
}

// NewMetrics creates the metrics and registers them with reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		LinksActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "meshcat_links_active",
			Help: "Number of established server links.",
		}),
		Bursts: f.NewCounter(prometheus.CounterOpts{
			Name: "meshcat_netburst_completions_total",
			Help: "Number of netbursts completed in both directions.",
		}),
		Netsplits: f.NewCounter(prometheus.CounterOpts{
			Name: "meshcat_netsplits_total",
			Help: "Number of times servers became unreachable.",
		}),
		NickCollisions: f.NewCounter(prometheus.CounterOpts{
			Name: "meshcat_nick_collisions_total",
			Help: "Number of nick collisions resolved.",
		}),
		DialFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "meshcat_link_dial_failures_total",
			Help: "Number of failed outbound link attempts.",
		}, []string{"peer"}),
		PeerFailures: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "meshcat_link_consecutive_failures",
			Help: "Consecutive failed outbound link attempts per peer.",
		}, []string{"peer"}),
	}
}
