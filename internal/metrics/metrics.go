// Package metrics exposes link and worker instrumentation to prometheus.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/roverlink/roverlink/internal/channel"
	"github.com/roverlink/roverlink/internal/controller"
	"github.com/roverlink/roverlink/internal/protocol"
	"github.com/roverlink/roverlink/internal/streamworker"
)

const namespace = "roverlink"

type Metrics struct {
	reg *prometheus.Registry

	channelState   *prometheus.GaugeVec
	channelRTT     *prometheus.GaugeVec
	channelDrop    *prometheus.GaugeVec
	channelBitrate *prometheus.GaugeVec

	controllerConnected *prometheus.GaugeVec

	workerState   *prometheus.GaugeVec
	workerBitrate *prometheus.GaugeVec
	workerDrop    *prometheus.GaugeVec

	peers        prometheus.Gauge
	relayed      *prometheus.CounterVec
	dropped      *prometheus.CounterVec
	workerFaults *prometheus.CounterVec
}

// New builds a collector set on its own registry, with the go and process collectors
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		reg: reg,

		channelState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "channel_state",
			Help:      "Channel state: 0 connecting, 1 connected, 2 error",
		}, []string{"channel"}),
		channelRTT: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "channel_rtt_seconds",
			Help:      "Smoothed heartbeat round trip time",
		}, []string{"channel"}),
		channelDrop: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "channel_drop_percent",
			Help:      "Datagrams missing over the trailing sequence window",
		}, []string{"channel"}),
		channelBitrate: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "channel_bitrate_bps",
			Help:      "Trailing one second throughput in bits per second",
		}, []string{"channel", "direction"}),

		controllerConnected: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "controller_connected",
			Help:      "1 while the embedded controller is heard from",
		}, []string{"controller"}),

		workerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "worker_state",
			Help:      "Stream worker state: 0 idle, 1 starting, 2 streaming, 3 error",
		}, []string{"media", "direction"}),
		workerBitrate: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "worker_bitrate_bps",
			Help:      "Received media bitrate of consume workers",
		}, []string{"media"}),
		workerDrop: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "worker_drop_percent",
			Help:      "RTP packets missing on the consume data path",
		}, []string{"media"}),

		peers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "overlay_peers",
			Help:      "Consoles connected to this broker",
		}),
		relayed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "overlay_messages_total",
			Help:      "Shared messages applied or relayed, by tag",
		}, []string{"tag"}),
		dropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "overlay_dropped_total",
			Help:      "Shared messages refused, by reason",
		}, []string{"reason"}),
		workerFaults: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_faults_total",
			Help:      "Stream worker transitions into error",
		}, []string{"media"}),
	}
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the prometheus text format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// ObserveChannel samples one channel's state and statistics
func (m *Metrics) ObserveChannel(c *channel.Channel) {
	name := c.Name()
	m.channelState.WithLabelValues(name).Set(float64(c.State()))
	m.channelRTT.WithLabelValues(name).Set(c.RTT().Seconds())
	m.channelDrop.WithLabelValues(name).Set(c.DropPercent())
	m.channelBitrate.WithLabelValues(name, "up").Set(float64(c.UpBps()))
	m.channelBitrate.WithLabelValues(name, "down").Set(float64(c.DownBps()))
}

func (m *Metrics) ObserveController(l *controller.Link) {
	v := 0.0
	if l.State() == controller.Connected {
		v = 1
	}
	m.controllerConnected.WithLabelValues(l.Name()).Set(v)
}

// ObserveWorker samples a stream worker handle. Only consume handles carry rate and loss.
func (m *Metrics) ObserveWorker(h *streamworker.Handle) {
	media := mediaLabel(h.MediaID())
	m.workerState.WithLabelValues(media, h.Direction().String()).Set(float64(h.State()))
	if h.Direction() == streamworker.Consume {
		m.workerBitrate.WithLabelValues(media).Set(float64(h.Bitrate()))
		m.workerDrop.WithLabelValues(media).Set(h.DropPercent())
	}
}

func (m *Metrics) WorkerFault(mediaID int32) {
	m.workerFaults.WithLabelValues(mediaLabel(mediaID)).Inc()
}

func (m *Metrics) SetPeers(n int) {
	m.peers.Set(float64(n))
}

func (m *Metrics) MessageRelayed(tag protocol.Tag) {
	m.relayed.WithLabelValues(tag.String()).Inc()
}

func (m *Metrics) MessageDropped(reason string) {
	m.dropped.WithLabelValues(reason).Inc()
}

func mediaLabel(id int32) string {
	if id == protocol.AudioMediaID {
		return "audio"
	}
	return "camera" + strconv.Itoa(int(id))
}
