// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package rudp

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsRegisterer is the narrow slice of prometheus.Registerer this
// module needs; satisfied directly by *prometheus.Registry and the
// package-level DefaultRegisterer, per §6 **[ADDED]**.
type MetricsRegisterer interface {
	MustRegister(cs ...prometheus.Collector)
}

var (
	cwndDesc = prometheus.NewDesc(
		"rudp_channel_cwnd", "Current congestion window in segments.",
		[]string{"channel"}, nil)
	ssthreshDesc = prometheus.NewDesc(
		"rudp_channel_ssthresh", "Current slow-start threshold in segments.",
		[]string{"channel"}, nil)
	inFlightDesc = prometheus.NewDesc(
		"rudp_channel_in_flight", "Segments sent but not yet acked.",
		[]string{"channel"}, nil)
	smoothedRTTDesc = prometheus.NewDesc(
		"rudp_channel_smoothed_rtt_seconds", "Smoothed round-trip-time estimate.",
		[]string{"channel"}, nil)
	rttVarDesc = prometheus.NewDesc(
		"rudp_channel_rtt_var_seconds", "RTT variance estimate.",
		[]string{"channel"}, nil)
	retransmitsDesc = prometheus.NewDesc(
		"rudp_channel_retransmits_total", "Segments retransmitted, cumulative.",
		[]string{"channel"}, nil)
	bytesAckedDesc = prometheus.NewDesc(
		"rudp_channel_bytes_acked_total", "Payload bytes acked, cumulative.",
		[]string{"channel"}, nil)
	bytesReceivedDesc = prometheus.NewDesc(
		"rudp_channel_bytes_received_total", "Payload bytes received, cumulative.",
		[]string{"channel"}, nil)
	segsOutDesc = prometheus.NewDesc(
		"rudp_channel_segs_out_total", "Segments emitted, cumulative.",
		[]string{"channel"}, nil)
	segsInDesc = prometheus.NewDesc(
		"rudp_channel_segs_in_total", "Segments received, cumulative.",
		[]string{"channel"}, nil)
	duplicatesDesc = prometheus.NewDesc(
		"rudp_channel_duplicates_total", "Duplicate segments discarded, cumulative.",
		[]string{"channel"}, nil)
)

// TransportCollector reports per-channel ARQ state as Prometheus
// gauges/counters, grounded on runZeroInc-conniver's and
// runZeroInc-sockstats's TCPInfoCollector shape (Describe/Collect
// split over a live connection table), adapted from kernel TCP_INFO
// fields to this module's in-process ChannelStream counters.
type TransportCollector struct {
	transport *Transport
}

// NewTransportCollector returns a collector observing t's live channel
// set. Callers normally don't call this directly; NewTransport does it
// when given a non-nil MetricsRegisterer.
func NewTransportCollector(t *Transport) *TransportCollector {
	return &TransportCollector{transport: t}
}

func (c *TransportCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- cwndDesc
	ch <- ssthreshDesc
	ch <- inFlightDesc
	ch <- smoothedRTTDesc
	ch <- rttVarDesc
	ch <- retransmitsDesc
	ch <- bytesAckedDesc
	ch <- bytesReceivedDesc
	ch <- segsOutDesc
	ch <- segsInDesc
	ch <- duplicatesDesc
}

func (c *TransportCollector) Collect(ch chan<- prometheus.Metric) {
	for _, channel := range c.transport.Channels() {
		stream := channel.stream
		if stream == nil {
			continue
		}
		label := strconv.FormatUint(uint64(channel.LocalChannelNumber()), 10)
		s := stream.Stats()

		ch <- prometheus.MustNewConstMetric(cwndDesc, prometheus.GaugeValue, float64(s.Cwnd), label)
		ch <- prometheus.MustNewConstMetric(ssthreshDesc, prometheus.GaugeValue, float64(s.Ssthresh), label)
		ch <- prometheus.MustNewConstMetric(inFlightDesc, prometheus.GaugeValue, float64(s.InFlight), label)
		ch <- prometheus.MustNewConstMetric(smoothedRTTDesc, prometheus.GaugeValue, s.SmoothedRTT.Seconds(), label)
		ch <- prometheus.MustNewConstMetric(rttVarDesc, prometheus.GaugeValue, s.RTTVar.Seconds(), label)
		ch <- prometheus.MustNewConstMetric(retransmitsDesc, prometheus.CounterValue, float64(s.RetransmitsTotal), label)
		ch <- prometheus.MustNewConstMetric(bytesAckedDesc, prometheus.CounterValue, float64(s.BytesAckedTotal), label)
		ch <- prometheus.MustNewConstMetric(bytesReceivedDesc, prometheus.CounterValue, float64(s.BytesReceivedTotal), label)
		ch <- prometheus.MustNewConstMetric(segsOutDesc, prometheus.CounterValue, float64(s.SegsOutTotal), label)
		ch <- prometheus.MustNewConstMetric(segsInDesc, prometheus.CounterValue, float64(s.SegsInTotal), label)
		ch <- prometheus.MustNewConstMetric(duplicatesDesc, prometheus.CounterValue, float64(s.Duplicates), label)
	}
}
