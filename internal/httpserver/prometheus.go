package httpserver

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/skobkin/diskstat-web/internal/iostat"
	"github.com/skobkin/diskstat-web/internal/sampler"
)

const metricsNamespace = "diskstat"

type deviceMetricsCollector struct {
	sampler *sampler.Manager
	metrics []deviceMetric

	reportTimestamp *prometheus.Desc
	reportAge       *prometheus.Desc
	reportInterval  *prometheus.Desc
	reportDevices   *prometheus.Desc
}

type deviceMetric struct {
	desc    *prometheus.Desc
	extract func(stats iostat.Stats) float64
}

func newDeviceMetricsCollector(samplerManager *sampler.Manager) prometheus.Collector {
	if samplerManager == nil {
		return nil
	}

	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "device", name),
			help,
			[]string{"device"},
			nil,
		)
	}
	reportDesc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(metricsNamespace, "report", name), help, nil, nil)
	}

	return &deviceMetricsCollector{
		sampler: samplerManager,
		metrics: []deviceMetric{
			{desc("ios", "Read and write requests completed during the last interval."),
				func(s iostat.Stats) float64 { return s.NrIOs }},
			{desc("reads_per_second", "Read requests completed per second."),
				func(s iostat.Stats) float64 { return s.ReadS }},
			{desc("writes_per_second", "Write requests completed per second."),
				func(s iostat.Stats) float64 { return s.WriteS }},
			{desc("read_kilobytes_per_second", "Kilobytes read per second."),
				func(s iostat.Stats) float64 { return s.ReadKBs }},
			{desc("write_kilobytes_per_second", "Kilobytes written per second."),
				func(s iostat.Stats) float64 { return s.WriteKBs }},
			{desc("read_merges_per_second", "Read requests merged per second."),
				func(s iostat.Stats) float64 { return s.RrqmS }},
			{desc("write_merges_per_second", "Write requests merged per second."),
				func(s iostat.Stats) float64 { return s.WrqmS }},
			{desc("utilization_ratio", "Fraction of the interval the device was busy."),
				func(s iostat.Stats) float64 { return s.Util }},
			{desc("read_request_kilobytes", "Average size of read requests in kilobytes."),
				func(s iostat.Stats) float64 { return s.AvgReadKB }},
			{desc("write_request_kilobytes", "Average size of write requests in kilobytes."),
				func(s iostat.Stats) float64 { return s.AvgWriteKB }},
			{desc("request_size", "Average size of all requests."),
				func(s iostat.Stats) float64 { return s.AvgRequestSz }},
			{desc("read_await_milliseconds", "Average time spent per read request in milliseconds."),
				func(s iostat.Stats) float64 { return s.AvgReadRt }},
			{desc("write_await_milliseconds", "Average time spent per write request in milliseconds."),
				func(s iostat.Stats) float64 { return s.AvgWriteRt }},
			{desc("queue_size", "Average number of requests queued to the device."),
				func(s iostat.Stats) float64 { return s.AvgQueueSz }},
		},
		reportTimestamp: reportDesc("timestamp_seconds", "Unix timestamp of the latest report."),
		reportAge:       reportDesc("age_seconds", "Seconds elapsed since the latest report was produced."),
		reportInterval:  reportDesc("interval_seconds", "Length of the interval covered by the latest report."),
		reportDevices:   reportDesc("devices", "Number of devices in the latest report."),
	}
}

func (c *deviceMetricsCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, metric := range c.metrics {
		ch <- metric.desc
	}
	ch <- c.reportTimestamp
	ch <- c.reportAge
	ch <- c.reportInterval
	ch <- c.reportDevices
}

func (c *deviceMetricsCollector) Collect(ch chan<- prometheus.Metric) {
	report, ok := c.sampler.Latest()
	if !ok {
		return
	}

	age := time.Since(report.Timestamp).Seconds()
	if age < 0 {
		age = 0
	}
	ch <- prometheus.MustNewConstMetric(c.reportTimestamp, prometheus.GaugeValue, float64(report.Timestamp.Unix()))
	ch <- prometheus.MustNewConstMetric(c.reportAge, prometheus.GaugeValue, age)
	ch <- prometheus.MustNewConstMetric(c.reportInterval, prometheus.GaugeValue, report.IntervalSeconds)
	ch <- prometheus.MustNewConstMetric(c.reportDevices, prometheus.GaugeValue, float64(len(report.Devices)))

	for _, name := range report.DeviceNames() {
		stats := report.Devices[name]
		for _, metric := range c.metrics {
			ch <- prometheus.MustNewConstMetric(metric.desc, prometheus.GaugeValue, metric.extract(stats), name)
		}
	}
}

func (s *Server) prometheusCollectors() []prometheus.Collector {
	counter := func(subsystem, name, help string, value func() uint64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		}, func() float64 {
			return float64(value())
		})
	}

	collectors := []prometheus.Collector{
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "ws",
			Name:      "active_connections",
			Help:      "Current number of active WebSocket clients.",
		}, func() float64 {
			return float64(s.wsActive.Load())
		}),
		counter("ws", "connections_total", "Total WebSocket connections accepted since start.", s.wsTotal.Load),
		counter("ws", "rejected_total", "Total WebSocket connection attempts rejected due to capacity.", s.wsRejected.Load),
		counter("ws", "messages_sent_total", "Total WebSocket messages sent to clients.", s.wsSent.Load),
		counter("ws", "messages_dropped_total", "Total WebSocket messages dropped due to backpressure.", s.wsDropped.Load),
	}

	if s.sampler != nil {
		samplerCounter := func(name, help string, pick func(sampler.Counters) uint64) prometheus.Collector {
			return counter("sampler", name, help, func() uint64 { return pick(s.sampler.Counters()) })
		}
		collectors = append(collectors,
			samplerCounter("reports_total", "Intervals that produced a report.",
				func(c sampler.Counters) uint64 { return c.Reports }),
			samplerCounter("baseline_resets_total", "Intervals skipped because counters went backwards.",
				func(c sampler.Counters) uint64 { return c.BaselineResets }),
			samplerCounter("consistency_errors_total", "Intervals skipped because new devices appeared.",
				func(c sampler.Counters) uint64 { return c.ConsistencyErrors }),
			samplerCounter("read_errors_total", "Captures that could not be read.",
				func(c sampler.Counters) uint64 { return c.ReadErrors }),
			samplerCounter("unusable_captures_total", "Captures rejected by stats generation, such as malformed records.",
				func(c sampler.Counters) uint64 { return c.UnusableCaptures }),
			newDeviceMetricsCollector(s.sampler),
		)
	}

	if s.proc != nil && s.proc.Enabled() {
		collectors = append(collectors, prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "procscan",
			Name:      "processes_scanned",
			Help:      "Processes inspected by the latest process I/O scan.",
		}, func() float64 {
			snapshot, ok := s.proc.Latest()
			if !ok {
				return 0
			}
			return float64(snapshot.Scanned)
		}))
	}

	return collectors
}
