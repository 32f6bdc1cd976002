// Package telemetry exposes simulator metrics to Prometheus and runs health
// checks.
package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/3cpo-dev/fleetsim/internal/sim"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "fleetsim"

// StatsSource is read on every scrape.
type StatsSource interface {
	ClusterStats() sim.ClusterStats
}

// Metrics owns a private registry so tests and multiple simulators in one
// process do not collide on the default one.
type Metrics struct {
	registry          *prometheus.Registry
	events            *prometheus.CounterVec
	placementFailures prometheus.Counter
	requests          *prometheus.HistogramVec
}

func NewMetrics(src StatsSource) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "machine_events_total",
			Help:      "Machine lifecycle events by type.",
		}, []string{"type"}),
		placementFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "placement_failures_total",
			Help:      "Create requests no node had capacity for.",
		}),
		requests: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "API request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "code"}),
	}
	m.registry.MustRegister(
		m.events,
		m.placementFailures,
		m.requests,
		newClusterCollector(src),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Listener counts machine events by type.
func (m *Metrics) Listener() sim.Listener {
	return func(e sim.MachineEvent) {
		m.events.WithLabelValues(string(e.Type)).Inc()
	}
}

func (m *Metrics) PlacementFailed() { m.placementFailures.Inc() }

// PlacementFailureListener counts every create request the orchestrator
// could not place, from the API or any other caller.
func (m *Metrics) PlacementFailureListener() sim.PlacementFailureListener {
	return func(sim.CreateRequest) { m.PlacementFailed() }
}

func (m *Metrics) ObserveRequest(method, route string, code int, d time.Duration) {
	m.requests.WithLabelValues(method, route, strconv.Itoa(code)).Observe(d.Seconds())
}

// clusterCollector turns a ClusterStats snapshot into gauges at scrape time.
type clusterCollector struct {
	src         StatsSource
	nodes       *prometheus.Desc
	machines    *prometheus.Desc
	cpuTotal    *prometheus.Desc
	cpuUsed     *prometheus.Desc
	memoryTotal *prometheus.Desc
	memoryUsed  *prometheus.Desc
	cpuUsage    *prometheus.Desc
	memoryUsage *prometheus.Desc
}

func newClusterCollector(src StatsSource) *clusterCollector {
	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "cluster", name), help, labels, nil)
	}
	return &clusterCollector{
		src:         src,
		nodes:       desc("nodes", "Nodes by status.", "status"),
		machines:    desc("machines", "Machines by status.", "status"),
		cpuTotal:    desc("cpu_total_mhz", "Total CPU capacity."),
		cpuUsed:     desc("cpu_used_mhz", "Reserved CPU."),
		memoryTotal: desc("memory_total_mb", "Total memory capacity."),
		memoryUsed:  desc("memory_used_mb", "Reserved memory."),
		cpuUsage:    desc("cpu_usage_percent", "Reserved CPU as a percentage of capacity."),
		memoryUsage: desc("memory_usage_percent", "Reserved memory as a percentage of capacity."),
	}
}

func (c *clusterCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{c.nodes, c.machines, c.cpuTotal, c.cpuUsed, c.memoryTotal, c.memoryUsed, c.cpuUsage, c.memoryUsage} {
		ch <- d
	}
}

func (c *clusterCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.src.ClusterStats()
	for _, st := range []sim.NodeStatus{sim.NodeHealthy, sim.NodeLimited, sim.NodeExhausted, sim.NodeOffline} {
		ch <- prometheus.MustNewConstMetric(c.nodes, prometheus.GaugeValue, float64(s.NodesByStatus[st]), string(st))
	}
	for _, st := range sim.MachineStatuses {
		ch <- prometheus.MustNewConstMetric(c.machines, prometheus.GaugeValue, float64(s.ByStatus[st]), string(st))
	}
	ch <- prometheus.MustNewConstMetric(c.cpuTotal, prometheus.GaugeValue, float64(s.TotalCPU))
	ch <- prometheus.MustNewConstMetric(c.cpuUsed, prometheus.GaugeValue, float64(s.UsedCPU))
	ch <- prometheus.MustNewConstMetric(c.memoryTotal, prometheus.GaugeValue, float64(s.TotalMemory))
	ch <- prometheus.MustNewConstMetric(c.memoryUsed, prometheus.GaugeValue, float64(s.UsedMemory))
	ch <- prometheus.MustNewConstMetric(c.cpuUsage, prometheus.GaugeValue, s.CPUUsage)
	ch <- prometheus.MustNewConstMetric(c.memoryUsage, prometheus.GaugeValue, s.MemoryUsage)
}
