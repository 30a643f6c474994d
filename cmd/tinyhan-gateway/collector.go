package main

import (
	"github.com/prometheus/client_golang/prometheus"

	tinyhan "github.com/tinyhan/go-tinyhan"
)

// collector exposes the stack's atomic counters as Prometheus metrics.
type collector struct {
	metrics *tinyhan.Metrics

	framesIn        *prometheus.Desc
	framesOut       *prometheus.Desc
	framesDropped   *prometheus.Desc
	bytesIn         *prometheus.Desc
	bytesOut        *prometheus.Desc
	retries         *prometheus.Desc
	sendFailures    *prometheus.Desc
	deferredSends   *prometheus.Desc
	registrations   *prometheus.Desc
	deregistrations *prometheus.Desc
}

func newCollector(m *tinyhan.Metrics) *collector {
	return &collector{
		metrics: m,
		framesIn: prometheus.NewDesc("tinyhan_frames_in_total",
			"MAC frames accepted from the PHY", nil, nil),
		framesOut: prometheus.NewDesc("tinyhan_frames_out_total",
			"MAC frames handed to the PHY", nil, nil),
		framesDropped: prometheus.NewDesc("tinyhan_frames_dropped_total",
			"MAC frames discarded by filtering or as malformed", nil, nil),
		bytesIn: prometheus.NewDesc("tinyhan_bytes_in_total",
			"Bytes received", nil, nil),
		bytesOut: prometheus.NewDesc("tinyhan_bytes_out_total",
			"Bytes transmitted", nil, nil),
		retries: prometheus.NewDesc("tinyhan_retries_total",
			"Ack-timeout retransmissions", nil, nil),
		sendFailures: prometheus.NewDesc("tinyhan_send_failures_total",
			"Sends that failed asynchronously", nil, nil),
		deferredSends: prometheus.NewDesc("tinyhan_deferred_sends_total",
			"Packets parked for sleepy peers", nil, nil),
		registrations: prometheus.NewDesc("tinyhan_registrations_total",
			"Successful peer registrations", nil, nil),
		deregistrations: prometheus.NewDesc("tinyhan_deregistrations_total",
			"Peers removed for any reason", nil, nil),
	}
}

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.framesIn
	ch <- c.framesOut
	ch <- c.framesDropped
	ch <- c.bytesIn
	ch <- c.bytesOut
	ch <- c.retries
	ch <- c.sendFailures
	ch <- c.deferredSends
	ch <- c.registrations
	ch <- c.deregistrations
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
	snap := c.metrics.Snapshot()

	counter := func(desc *prometheus.Desc, v uint64) {
		ch <- prometheus.MustNewConstMetric(desc, prometheus.CounterValue, float64(v))
	}
	counter(c.framesIn, snap.FramesIn)
	counter(c.framesOut, snap.FramesOut)
	counter(c.framesDropped, snap.FramesDropped)
	counter(c.bytesIn, snap.BytesIn)
	counter(c.bytesOut, snap.BytesOut)
	counter(c.retries, snap.Retries)
	counter(c.sendFailures, snap.SendFailures)
	counter(c.deferredSends, snap.DeferredSends)
	counter(c.registrations, snap.Registrations)
	counter(c.deregistrations, snap.Deregistrations)
}
