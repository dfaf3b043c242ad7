package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
)

type Direction string

const (
	Incoming Direction = "incoming"
	Outgoing Direction = "outgoing"
)

var (
	bytesIn     atomic.Uint64
	bytesOut    atomic.Uint64
	packetsIn   atomic.Uint64
	packetsOut  atomic.Uint64
	nackTotal   atomic.Uint64
	retransmits atomic.Uint64

	promPacketLabels = []string{"direction"}

	promDatagramTotal     *prometheus.CounterVec
	promDatagramBytes     *prometheus.CounterVec
	promPacketTotal       *prometheus.CounterVec
	promPacketBytes       *prometheus.CounterVec
	promNackTotal         *prometheus.CounterVec
	promPliTotal          *prometheus.CounterVec
	promRetransmitTotal   prometheus.Counter
	promRetransmitBytes   prometheus.Counter
	promLostTotal         prometheus.Counter
	promStreamResetTotal  *prometheus.CounterVec
	promMalformedTotal    *prometheus.CounterVec
	promDroppedTotal      *prometheus.CounterVec
	promBandwidthEstimate prometheus.Gauge
)

func initPacketStats(nodeID string) {
	constLabels := prometheus.Labels{"node_id": nodeID}

	promDatagramTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   mediacoreNamespace,
		Subsystem:   "datagram",
		Name:        "total",
		ConstLabels: constLabels,
	}, promPacketLabels)
	promDatagramBytes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   mediacoreNamespace,
		Subsystem:   "datagram",
		Name:        "bytes",
		ConstLabels: constLabels,
		Help:        "Bytes on the wire, including RTCP and retransmissions.",
	}, promPacketLabels)
	promPacketTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   mediacoreNamespace,
		Subsystem:   "packet",
		Name:        "total",
		ConstLabels: constLabels,
	}, promPacketLabels)
	promPacketBytes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   mediacoreNamespace,
		Subsystem:   "packet",
		Name:        "bytes",
		ConstLabels: constLabels,
	}, promPacketLabels)
	promNackTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   mediacoreNamespace,
		Subsystem:   "nack",
		Name:        "total",
		ConstLabels: constLabels,
	}, promPacketLabels)
	promPliTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   mediacoreNamespace,
		Subsystem:   "pli",
		Name:        "total",
		ConstLabels: constLabels,
	}, promPacketLabels)
	promRetransmitTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   mediacoreNamespace,
		Subsystem:   "retransmit",
		Name:        "total",
		ConstLabels: constLabels,
	})
	promRetransmitBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   mediacoreNamespace,
		Subsystem:   "retransmit",
		Name:        "bytes",
		ConstLabels: constLabels,
	})
	promLostTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   mediacoreNamespace,
		Subsystem:   "packet",
		Name:        "unrecoverable",
		ConstLabels: constLabels,
		Help:        "Packets given up on after retries or missing from the retransmission buffer.",
	})
	promStreamResetTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   mediacoreNamespace,
		Subsystem:   "stream",
		Name:        "reset_total",
		ConstLabels: constLabels,
	}, []string{"reason"})
	promMalformedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   mediacoreNamespace,
		Subsystem:   "packet",
		Name:        "malformed",
		ConstLabels: constLabels,
	}, []string{"kind"})
	promDroppedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   mediacoreNamespace,
		Subsystem:   "packet",
		Name:        "dropped",
		ConstLabels: constLabels,
	}, []string{"reason"})
	promBandwidthEstimate = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   mediacoreNamespace,
		Subsystem:   "bwe",
		Name:        "estimate_bps",
		ConstLabels: constLabels,
		Help:        "Last bandwidth estimate sent in REMB.",
	})

	prometheus.MustRegister(promDatagramTotal)
	prometheus.MustRegister(promDatagramBytes)
	prometheus.MustRegister(promPacketTotal)
	prometheus.MustRegister(promPacketBytes)
	prometheus.MustRegister(promNackTotal)
	prometheus.MustRegister(promPliTotal)
	prometheus.MustRegister(promRetransmitTotal)
	prometheus.MustRegister(promRetransmitBytes)
	prometheus.MustRegister(promLostTotal)
	prometheus.MustRegister(promStreamResetTotal)
	prometheus.MustRegister(promMalformedTotal)
	prometheus.MustRegister(promDroppedTotal)
	prometheus.MustRegister(promBandwidthEstimate)
}

// IncrementDatagrams counts one transport datagram of any kind.
func IncrementDatagrams(direction Direction, bytes int) {
	if initialized.Load() {
		promDatagramTotal.WithLabelValues(string(direction)).Inc()
		promDatagramBytes.WithLabelValues(string(direction)).Add(float64(bytes))
	}
}

func IncrementPackets(direction Direction, count uint64) {
	if direction == Incoming {
		packetsIn.Add(count)
	} else {
		packetsOut.Add(count)
	}
	if initialized.Load() {
		promPacketTotal.WithLabelValues(string(direction)).Add(float64(count))
	}
}

func IncrementBytes(direction Direction, count uint64) {
	if direction == Incoming {
		bytesIn.Add(count)
	} else {
		bytesOut.Add(count)
	}
	if initialized.Load() {
		promPacketBytes.WithLabelValues(string(direction)).Add(float64(count))
	}
}

func IncrementRTCP(direction Direction, nack, pli int32) {
	if nack > 0 {
		nackTotal.Add(uint64(nack))
	}
	if !initialized.Load() {
		return
	}
	if nack > 0 {
		promNackTotal.WithLabelValues(string(direction)).Add(float64(nack))
	}
	if pli > 0 {
		promPliTotal.WithLabelValues(string(direction)).Add(float64(pli))
	}
}

func IncrementRetransmits(count uint64, bytes uint64) {
	retransmits.Add(count)
	if initialized.Load() {
		promRetransmitTotal.Add(float64(count))
		promRetransmitBytes.Add(float64(bytes))
	}
}

func IncrementLost(count uint64) {
	if initialized.Load() {
		promLostTotal.Add(float64(count))
	}
}

func IncrementStreamResets(reason string) {
	if initialized.Load() {
		promStreamResetTotal.WithLabelValues(reason).Inc()
	}
}

func IncrementMalformed(kind string) {
	if initialized.Load() {
		promMalformedTotal.WithLabelValues(kind).Inc()
	}
}

func IncrementDropped(reason string) {
	if initialized.Load() {
		promDroppedTotal.WithLabelValues(reason).Inc()
	}
}

func SetBandwidthEstimate(bps uint64) {
	if initialized.Load() {
		promBandwidthEstimate.Set(float64(bps))
	}
}

type PacketTotals struct {
	BytesIn     uint64
	BytesOut    uint64
	PacketsIn   uint64
	PacketsOut  uint64
	NackTotal   uint64
	Retransmits uint64
}

// Totals are counted whether or not Init was called.
func Totals() PacketTotals {
	return PacketTotals{
		BytesIn:     bytesIn.Load(),
		BytesOut:    bytesOut.Load(),
		PacketsIn:   packetsIn.Load(),
		PacketsOut:  packetsOut.Load(),
		NackTotal:   nackTotal.Load(),
		Retransmits: retransmits.Load(),
	}
}
