package prometheus

import (
	"github.com/mackerelio/go-osstat/memory"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
)

const (
	mediacoreNamespace string = "mediacore"
)

var (
	initialized atomic.Bool
	hostCPU     cpuSampler

	promNodeCPULoad    prometheus.Gauge
	promNodeMemoryLoad prometheus.Gauge
	promNodeLoadAvg    *prometheus.GaugeVec
)

// Init registers all collectors. Metric functions are no-ops until it has
// been called.
func Init(nodeID string) {
	if initialized.Load() {
		return
	}

	promNodeCPULoad = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   mediacoreNamespace,
		Subsystem:   "node",
		Name:        "cpu_load",
		ConstLabels: prometheus.Labels{"node_id": nodeID},
	})
	promNodeMemoryLoad = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   mediacoreNamespace,
		Subsystem:   "node",
		Name:        "memory_load",
		ConstLabels: prometheus.Labels{"node_id": nodeID},
	})
	promNodeLoadAvg = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace:   mediacoreNamespace,
		Subsystem:   "node",
		Name:        "load_avg",
		ConstLabels: prometheus.Labels{"node_id": nodeID},
	}, []string{"window"})

	prometheus.MustRegister(promNodeCPULoad)
	prometheus.MustRegister(promNodeMemoryLoad)
	prometheus.MustRegister(promNodeLoadAvg)

	initPacketStats(nodeID)
	initialized.Store(true)
}

func getMemoryStats() (memoryLoad float32, err error) {
	memInfo, err := memory.Get()
	if err != nil {
		return
	}

	if memInfo.Total != 0 {
		memoryLoad = float32(memInfo.Used) / float32(memInfo.Total)
	}
	return
}

// UpdateNodeStats samples host load into the node gauges.
func UpdateNodeStats() error {
	if !initialized.Load() {
		return nil
	}

	loadAvg, err := getLoadAvg()
	if err != nil {
		return err
	}
	cpuLoad, err := hostCPU.load()
	if err != nil {
		return err
	}
	// not available everywhere, use it when it is
	memoryLoad, _ := getMemoryStats()

	promNodeCPULoad.Set(cpuLoad)
	promNodeMemoryLoad.Set(float64(memoryLoad))
	promNodeLoadAvg.WithLabelValues("1m").Set(loadAvg.Loadavg1)
	promNodeLoadAvg.WithLabelValues("5m").Set(loadAvg.Loadavg5)
	promNodeLoadAvg.WithLabelValues("15m").Set(loadAvg.Loadavg15)
	return nil
}
