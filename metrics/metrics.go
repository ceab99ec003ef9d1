// Package metrics exposes ledger activity as Prometheus metrics.
package metrics

import (
	"github.com/crowdfund/meta"
	"github.com/crowdfund/util"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "crowdfund"

type Collector struct {
	events     *prometheus.CounterVec
	rejections *prometheus.CounterVec
	raised     prometheus.Counter
	withdrawn  prometheus.Counter
	campaigns  prometheus.Gauge
}

// New creates the collector and registers it with reg.
func New(reg prometheus.Registerer) *Collector {
	c := &Collector{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Ledger events emitted, by event name.",
		}, []string{"name"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rejections_total",
			Help:      "Rejected ledger calls, by operation and error kind.",
		}, []string{"operation", "kind"}),
		raised: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "contributed_ether_total",
			Help:      "Ether contributed to campaigns (approximate).",
		}),
		withdrawn: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "withdrawn_ether_total",
			Help:      "Ether paid out to campaign creators (approximate).",
		}),
		campaigns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "campaigns",
			Help:      "Campaigns created so far.",
		}),
	}
	reg.MustRegister(c.events, c.rejections, c.raised, c.withdrawn, c.campaigns)
	return c
}

// SetCampaigns seeds the campaign gauge, e.g. from the store at startup.
func (c *Collector) SetCampaigns(n uint64) {
	c.campaigns.Set(float64(n))
}

// Publish implements event.Sink.
func (c *Collector) Publish(ev meta.Event) error {
	c.events.WithLabelValues(ev.Name).Inc()
	switch ev.Name {
	case meta.CampaignCreated:
		c.campaigns.Inc()
	case meta.ContributionMade:
		c.raised.Add(util.EtherFloat(ev.Amount))
	case meta.FundsWithdrawn:
		c.withdrawn.Add(util.EtherFloat(ev.Amount))
	}
	return nil
}

// Reject counts a failed call.
func (c *Collector) Reject(operation string, err error) {
	c.rejections.WithLabelValues(operation, meta.KindOf(err).String()).Inc()
}
