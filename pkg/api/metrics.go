package api

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/psaab/vrhost/pkg/hostif"
)

// vrhostCollector implements prometheus.Collector, reading the driver
// counters on each scrape.
type vrhostCollector struct {
	srv *Server

	packetsTotal *prometheus.Desc
	bytesTotal   *prometheus.Desc
	framesTotal  *prometheus.Desc
	dropsTotal   *prometheus.Desc

	checksumTotal *prometheus.Desc
	splitsTotal   *prometheus.Desc
	splitFrames   *prometheus.Desc
	unsplitTotal  *prometheus.Desc
	xconnectTotal *prometheus.Desc

	interfaces  *prometheus.Desc
	passthrough *prometheus.Desc
	eventsTotal *prometheus.Desc
}

func newCollector(srv *Server) *vrhostCollector {
	return &vrhostCollector{
		srv: srv,

		packetsTotal: prometheus.NewDesc(
			"vrhost_packets_total",
			"Packets handed off, by path.",
			[]string{"path"}, nil,
		),
		bytesTotal: prometheus.NewDesc(
			"vrhost_bytes_total",
			"Bytes handed off.",
			nil, nil,
		),
		framesTotal: prometheus.NewDesc(
			"vrhost_frames_total",
			"Frames submitted to the fabric.",
			nil, nil,
		),
		dropsTotal: prometheus.NewDesc(
			"vrhost_drops_total",
			"Packets dropped, by reason.",
			[]string{"reason"}, nil,
		),
		checksumTotal: prometheus.NewDesc(
			"vrhost_checksum_total",
			"Checksum correction outcomes.",
			[]string{"result"}, nil,
		),
		splitsTotal: prometheus.NewDesc(
			"vrhost_splits_total",
			"Packets split to fit the interface MTU.",
			nil, nil,
		),
		splitFrames: prometheus.NewDesc(
			"vrhost_split_frames_total",
			"Frames produced by splitting.",
			nil, nil,
		),
		unsplitTotal: prometheus.NewDesc(
			"vrhost_oversize_unsplit_total",
			"Oversized packets sent without splitting, by reason.",
			[]string{"reason"}, nil,
		),
		xconnectTotal: prometheus.NewDesc(
			"vrhost_xconnect_packets_total",
			"Packets sent towards cross-connected interfaces.",
			nil, nil,
		),
		interfaces: prometheus.NewDesc(
			"vrhost_interfaces",
			"Registered interfaces, by kind.",
			[]string{"kind"}, nil,
		),
		passthrough: prometheus.NewDesc(
			"vrhost_passthrough",
			"1 when no physical interface is registered.",
			nil, nil,
		),
		eventsTotal: prometheus.NewDesc(
			"vrhost_events_total",
			"Pipeline events recorded.",
			nil, nil,
		),
	}
}

func (c *vrhostCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.packetsTotal
	ch <- c.bytesTotal
	ch <- c.framesTotal
	ch <- c.dropsTotal
	ch <- c.checksumTotal
	ch <- c.splitsTotal
	ch <- c.splitFrames
	ch <- c.unsplitTotal
	ch <- c.xconnectTotal
	ch <- c.interfaces
	ch <- c.passthrough
	ch <- c.eventsTotal
}

func (c *vrhostCollector) Collect(ch chan<- prometheus.Metric) {
	host := c.srv.host
	if host == nil {
		return
	}
	c.collectCounters(ch, host.Totals())
	c.collectRegistry(ch, host)
	if eb := c.srv.eventBuf; eb != nil {
		ch <- prometheus.MustNewConstMetric(c.eventsTotal, prometheus.CounterValue, float64(eb.Total()))
	}
}

func (c *vrhostCollector) collectCounters(ch chan<- prometheus.Metric, s hostif.Stats) {
	counter := func(d *prometheus.Desc, v uint64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), labels...)
	}

	counter(c.packetsTotal, s.TxPackets, "fabric")
	counter(c.packetsTotal, s.AgentPackets, "agent")
	counter(c.bytesTotal, s.TxBytes)
	counter(c.framesTotal, s.TxFrames)

	counter(c.dropsTotal, s.DropNoInterface, "no_interface")
	counter(c.dropsTotal, s.DropSplit, "split_exhausted")
	counter(c.dropsTotal, s.DropDF, "dont_fragment")
	counter(c.dropsTotal, s.DropSubmit, "submit_failed")
	counter(c.dropsTotal, s.DropAgent, "agent")

	counter(c.checksumTotal, s.CsumSoftware, "software")
	counter(c.checksumTotal, s.CsumFallback, "fallback")
	counter(c.checksumTotal, s.CsumErrors, "error")

	counter(c.splitsTotal, s.Split)
	counter(c.splitFrames, s.SplitFrames)
	counter(c.unsplitTotal, s.SplitSkipped, "unsupported")
	counter(c.xconnectTotal, s.XConnectPackets)
}

func (c *vrhostCollector) collectRegistry(ch chan<- prometheus.Metric, host *hostif.HostInterface) {
	byKind := make(map[string]int)
	for _, i := range host.Registry().List() {
		byKind[i.Kind().String()]++
	}
	for kind, n := range byKind {
		ch <- prometheus.MustNewConstMetric(c.interfaces, prometheus.GaugeValue, float64(n), kind)
	}

	v := 0.0
	if host.Registry().PassthroughEnabled() {
		v = 1
	}
	ch <- prometheus.MustNewConstMetric(c.passthrough, prometheus.GaugeValue, v)
}
