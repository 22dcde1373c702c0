// SPDX-License-Identifier: GPL-2.0-only

package export

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is registered once at startup and shared by the listener and
// every session it spawns.
type Metrics struct {
	SessionsTotal     prometheus.Counter
	ExportedDevices   prometheus.Gauge
	SubmitsTotal      *prometheus.CounterVec
	ResponsesTotal    *prometheus.CounterVec
	UnlinksTotal      prometheus.Counter
	InflightTransfers prometheus.Gauge
	WrittenBytes      prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SessionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "usbip_exporter_sessions_total",
			Help: "The total number of importer connections accepted.",
		}),
		ExportedDevices: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "usbip_exporter_exported_devices",
			Help: "The number of devices currently exportable.",
		}),
		SubmitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "usbip_exporter_submits_total",
			Help: "The total number of CMD_SUBMIT frames received, by transfer kind.",
		}, []string{"kind"}),
		ResponsesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "usbip_exporter_responses_total",
			Help: "The total number of RET_SUBMIT and RET_UNLINK frames enqueued, by status.",
		}, []string{"status"}),
		UnlinksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "usbip_exporter_unlinks_total",
			Help: "The total number of CMD_UNLINK frames received.",
		}),
		InflightTransfers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "usbip_exporter_inflight_transfers",
			Help: "The number of URBs currently in flight.",
		}),
		WrittenBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "usbip_exporter_written_bytes_total",
			Help: "The total number of response bytes written to importers.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.SessionsTotal,
			m.ExportedDevices,
			m.SubmitsTotal,
			m.ResponsesTotal,
			m.UnlinksTotal,
			m.InflightTransfers,
			m.WrittenBytes,
		)
	}
	return m
}
