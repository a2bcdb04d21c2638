package metrics

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/yorozuya-cybersecurity/yorosec-analyzer/internal/schema"
)

// ScanLister exposes the scan records to report on
type ScanLister interface {
	List() []schema.ScanRecord
}

// Metrics owns a private registry with the analyzer's collectors
type Metrics struct {
	registry *prometheus.Registry

	toolRuns     *prometheus.CounterVec
	toolDuration *prometheus.HistogramVec
	alerts       *prometheus.CounterVec
	analyses     *prometheus.CounterVec
}

func New(scans ScanLister) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		toolRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "yoro_tool_runs_total",
				Help: "Static analysis tool invocations by outcome",
			},
			[]string{"tool", "outcome"},
		),
		toolDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "yoro_tool_duration_seconds",
				Help:    "Wall time of static analysis tool invocations",
				Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			},
			[]string{"tool"},
		),
		alerts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "yoro_dast_alerts_total",
				Help: "Alerts retrieved from dynamic scans by risk",
			},
			[]string{"risk"},
		),
		analyses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "yoro_analyses_total",
				Help: "Static analysis requests by kind and cache usage",
			},
			[]string{"kind", "full"},
		),
	}
	m.registry.MustRegister(m.toolRuns, m.toolDuration, m.alerts, m.analyses)
	if scans != nil {
		m.registry.MustRegister(&scanCollector{scans: scans})
	}
	return m
}

// ObserveTool matches scanners.Observer
func (m *Metrics) ObserveTool(tool, status string, elapsed time.Duration) {
	m.toolRuns.WithLabelValues(tool, Outcome(status)).Inc()
	m.toolDuration.WithLabelValues(tool).Observe(elapsed.Seconds())
}

// ObserveAlerts adds one dynamic scan's counts
func (m *Metrics) ObserveAlerts(c schema.RiskCounts) {
	m.alerts.WithLabelValues("high").Add(float64(c.High))
	m.alerts.WithLabelValues("medium").Add(float64(c.Medium))
	m.alerts.WithLabelValues("low").Add(float64(c.Low))
	m.alerts.WithLabelValues("info").Add(float64(c.Info))
}

// ObserveAnalysis counts one static analysis request
func (m *Metrics) ObserveAnalysis(kind string, full bool) {
	f := "false"
	if full {
		f = "true"
	}
	m.analyses.WithLabelValues(kind, f).Inc()
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry is exposed for tests
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Outcome folds a tool status string into a low-cardinality label
func Outcome(status string) string {
	switch {
	case strings.HasPrefix(status, "Found"):
		return "found"
	case status == "No issues found":
		return "clean"
	case strings.HasPrefix(status, "Timeout"):
		return "timeout"
	case status == "Command not found":
		return "not_found"
	case strings.HasPrefix(status, "Parser error"):
		return "parser_error"
	case status == "Cancelled":
		return "cancelled"
	default:
		return "error"
	}
}

var scanDesc = prometheus.NewDesc(
	"yoro_dast_scans",
	"Tracked dynamic scans by status",
	[]string{"status"}, nil,
)

var allStatuses = []schema.ScanStatus{
	schema.StatusStarting, schema.StatusSpidering, schema.StatusScanning,
	schema.StatusComplete, schema.StatusFailed, schema.StatusError, schema.StatusStopped,
}

// scanCollector reads the scan store at scrape time
type scanCollector struct {
	scans ScanLister
}

func (c *scanCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- scanDesc
}

func (c *scanCollector) Collect(ch chan<- prometheus.Metric) {
	counts := make(map[schema.ScanStatus]int, len(allStatuses))
	for _, rec := range c.scans.List() {
		counts[rec.Status]++
	}
	for _, st := range allStatuses {
		ch <- prometheus.MustNewConstMetric(scanDesc, prometheus.GaugeValue, float64(counts[st]), string(st))
	}
}
