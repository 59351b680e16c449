// Package obsmetrics exposes Gateway.GetMetrics() as Prometheus
// collectors, the way the teacher's infrastructure/metrics wraps business
// counters for scraping.
package obsmetrics

import (
	"math/big"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/r3e-network/agent-gateway/internal/gateway"
)

// Collectors bundles the gauges/counters this package registers.
type Collectors struct {
	TotalCallsServed    prometheus.Gauge
	TotalRevenue        prometheus.Gauge
	ActiveSessions      prometheus.Gauge
	TotalSessions       prometheus.Gauge
	AvgLatencyMs        prometheus.Gauge
	TotalAttestations   prometheus.Gauge
	MarketplaceListed   prometheus.Gauge
	X402PaymentsSettled prometheus.Gauge
}

// NewCollectors builds and registers gauges under the agent_gateway
// namespace on reg. Pass prometheus.NewRegistry() for an isolated registry
// or prometheus.DefaultRegisterer to use the global one.
func NewCollectors(reg prometheus.Registerer) *Collectors {
	c := &Collectors{
		TotalCallsServed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "agent_gateway", Name: "calls_served_total", Help: "Total calls served across all sessions.",
		}),
		TotalRevenue: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "agent_gateway", Name: "revenue_total", Help: "Total revenue collected, in smallest token units (as a float; see audit log for exact big-int amounts).",
		}),
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "agent_gateway", Name: "active_sessions", Help: "Sessions currently pending, active, or paused.",
		}),
		TotalSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "agent_gateway", Name: "sessions_total", Help: "Total sessions ever opened.",
		}),
		AvgLatencyMs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "agent_gateway", Name: "avg_latency_ms", Help: "Gateway-wide upstream latency EMA, in milliseconds.",
		}),
		TotalAttestations: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "agent_gateway", Name: "attestations_total", Help: "Total attestations produced.",
		}),
		MarketplaceListed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "agent_gateway", Name: "marketplace_listings", Help: "Total (method, seller) listings currently registered.",
		}),
		X402PaymentsSettled: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "agent_gateway", Name: "x402_payments_settled_total", Help: "Total x402 settlements completed.",
		}),
	}

	reg.MustRegister(
		c.TotalCallsServed,
		c.TotalRevenue,
		c.ActiveSessions,
		c.TotalSessions,
		c.AvgLatencyMs,
		c.TotalAttestations,
		c.MarketplaceListed,
		c.X402PaymentsSettled,
	)
	return c
}

// Sample pulls a fresh Metrics snapshot from g and updates every gauge.
// Call on a scrape interval (e.g. from a cron job or before each
// /metrics handler invocation).
func (c *Collectors) Sample(g *gateway.Gateway) {
	m := g.GetMetrics()
	c.TotalCallsServed.Set(float64(m.TotalCallsServed))
	revenue, _ := new(big.Float).SetInt(m.TotalRevenue).Float64()
	c.TotalRevenue.Set(revenue)
	c.ActiveSessions.Set(float64(m.ActiveSessions))
	c.TotalSessions.Set(float64(m.TotalSessions))
	c.AvgLatencyMs.Set(m.AvgLatencyMs)
	c.TotalAttestations.Set(float64(m.TotalAttestations))
	c.MarketplaceListed.Set(float64(m.MarketplaceStats.TotalListings))
	c.X402PaymentsSettled.Set(float64(m.X402.PaymentsSettled))
}
