// ============================================================================
// Cuckoo-Mine Metrics - Prometheus Instrumentation
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
// Purpose: Collects and exposes mining client metrics for Prometheus.
//
// Metric categories:
//
//   1. Share counters (Counter) - cumulative, monotonic:
//      - shares_found_total: solutions reported by solver instances
//      - shares_submitted_total: shares handed to the node
//      - shares_accepted_total / shares_rejected_total: node verdicts
//      - shares_stale_total: shares dropped before submission (grace window)
//      - shares_lost_total: shares unanswered at disconnect
//
//   2. Session counters:
//      - reconnects_total: connection attempts after a failure
//      - protocol_errors_total: unparseable or uncorrelated messages
//      - plugin_reloads_total: errored-instance reloads
//
//   3. State gauges (Gauge) - instantaneous:
//      - hash_rate_gps{instance}: per-instance graphs/sec
//      - block_height / net_difficulty: current job parameters
//      - solver_instances: live instance count
//
//   4. Latency (Histogram):
//      - poll_cycle_seconds: duration of one coordinator poll sweep
//
// HTTP endpoint:
//   Exposed on /metrics via promhttp, scraped by Prometheus. Enabled and
//   ported through the metrics section of the config file.
//
// ============================================================================

package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector wraps the client's Prometheus metrics.
type Collector struct {
	sharesFound     prometheus.Counter
	sharesSubmitted prometheus.Counter
	sharesAccepted  prometheus.Counter
	sharesRejected  prometheus.Counter
	sharesStale     prometheus.Counter
	sharesLost      prometheus.Counter

	reconnects     prometheus.Counter
	protocolErrors prometheus.Counter
	pluginReloads  prometheus.Counter

	hashRate        *prometheus.GaugeVec
	blockHeight     prometheus.Gauge
	netDifficulty   prometheus.Gauge
	solverInstances prometheus.Gauge

	pollCycle prometheus.Histogram
}

// NewCollector creates and registers the client's metrics.
func NewCollector() *Collector {
	c := &Collector{
		sharesFound: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "miner_shares_found_total",
			Help: "Total number of solutions reported by solver instances",
		}),
		sharesSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "miner_shares_submitted_total",
			Help: "Total number of shares handed to the node for submission",
		}),
		sharesAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "miner_shares_accepted_total",
			Help: "Total number of shares accepted by the node",
		}),
		sharesRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "miner_shares_rejected_total",
			Help: "Total number of shares rejected by the node",
		}),
		sharesStale: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "miner_shares_stale_total",
			Help: "Total number of shares dropped before submission as stale",
		}),
		sharesLost: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "miner_shares_lost_total",
			Help: "Total number of shares unanswered at disconnect",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "miner_reconnects_total",
			Help: "Total number of reconnect attempts after a connection failure",
		}),
		protocolErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "miner_protocol_errors_total",
			Help: "Total number of unparseable or uncorrelated protocol messages",
		}),
		pluginReloads: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "miner_plugin_reloads_total",
			Help: "Total number of errored solver instance reloads",
		}),
		hashRate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "miner_hash_rate_gps",
			Help: "Current search rate in graphs per second",
		}, []string{"instance"}),
		blockHeight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "miner_block_height",
			Help: "Chain height of the current job",
		}),
		netDifficulty: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "miner_net_difficulty",
			Help: "Difficulty target of the current job",
		}),
		solverInstances: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "miner_solver_instances",
			Help: "Number of live solver instances",
		}),
		pollCycle: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "miner_poll_cycle_seconds",
			Help:    "Duration of one coordinator poll sweep over all instances",
			Buckets: prometheus.DefBuckets,
		}),
	}

	prometheus.MustRegister(c.sharesFound)
	prometheus.MustRegister(c.sharesSubmitted)
	prometheus.MustRegister(c.sharesAccepted)
	prometheus.MustRegister(c.sharesRejected)
	prometheus.MustRegister(c.sharesStale)
	prometheus.MustRegister(c.sharesLost)
	prometheus.MustRegister(c.reconnects)
	prometheus.MustRegister(c.protocolErrors)
	prometheus.MustRegister(c.pluginReloads)
	prometheus.MustRegister(c.hashRate)
	prometheus.MustRegister(c.blockHeight)
	prometheus.MustRegister(c.netDifficulty)
	prometheus.MustRegister(c.solverInstances)
	prometheus.MustRegister(c.pollCycle)

	return c
}

// RecordShareFound records a solution reported by an instance.
func (c *Collector) RecordShareFound() {
	c.sharesFound.Inc()
}

// RecordShareSubmitted records a share handed to the node.
func (c *Collector) RecordShareSubmitted() {
	c.sharesSubmitted.Inc()
}

// RecordShareAccepted records a node accept verdict.
func (c *Collector) RecordShareAccepted() {
	c.sharesAccepted.Inc()
}

// RecordShareRejected records a node reject verdict.
func (c *Collector) RecordShareRejected() {
	c.sharesRejected.Inc()
}

// RecordShareStale records a share dropped by the grace-window rule.
func (c *Collector) RecordShareStale() {
	c.sharesStale.Inc()
}

// RecordShareLost records a share unanswered at disconnect.
func (c *Collector) RecordShareLost() {
	c.sharesLost.Inc()
}

// RecordReconnect records one reconnect attempt.
func (c *Collector) RecordReconnect() {
	c.reconnects.Inc()
}

// RecordProtocolError records an unparseable or uncorrelated message.
func (c *Collector) RecordProtocolError() {
	c.protocolErrors.Inc()
}

// RecordPluginReload records one errored-instance reload.
func (c *Collector) RecordPluginReload() {
	c.pluginReloads.Inc()
}

// SetHashRate sets the current search rate for one instance.
func (c *Collector) SetHashRate(instance string, gps float64) {
	c.hashRate.WithLabelValues(instance).Set(gps)
}

// SetJob sets the current job's height and difficulty.
func (c *Collector) SetJob(height, difficulty uint64) {
	c.blockHeight.Set(float64(height))
	c.netDifficulty.Set(float64(difficulty))
}

// SetSolverInstances sets the live instance count.
func (c *Collector) SetSolverInstances(n int) {
	c.solverInstances.Set(float64(n))
}

// ObservePollCycle records the duration of one poll sweep.
func (c *Collector) ObservePollCycle(seconds float64) {
	c.pollCycle.Observe(seconds)
}

// StartServer starts the Prometheus metrics HTTP server on the given port.
func StartServer(port int) error {
	http.Handle("/metrics", promhttp.Handler())
	addr := fmt.Sprintf(":%d", port)
	return http.ListenAndServe(addr, nil)
}
