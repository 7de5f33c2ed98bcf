// Package metrics exposes a handful of Prometheus gauges over the
// Sync Engine's marker progress, in the ambient-instrumentation style
// of zk/metrics/metrics_xlayer.go: package-level vars, an Init that
// registers them, and small setter functions called from the hot path.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "starksync_"

var (
	HeaderMarkerGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: namespace + "header_marker",
		Help: "next height whose header+body must be appended",
	})
	StateMarkerGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: namespace + "state_marker",
		Help: "next height whose state diff must be appended",
	})
	CompiledClassMarkerGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: namespace + "compiled_class_marker",
		Help: "next height whose compiled classes must be appended",
	})
	CompatMarkerGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: namespace + "compat_marker",
		Help: "next height for the compiler-compatibility pass",
	})
	BaseLayerMarkerGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: namespace + "base_layer_marker",
		Help: "next height proven finalized on L1",
	})
	BatchFlushesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: namespace + "batch_flushes_total",
		Help: "number of times the writer's staged batch was flushed durably",
	})
	NoProgressRestartsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: namespace + "no_progress_restarts_total",
		Help: "number of times the engine restarted after a NoProgress timeout",
	})
)

func Init() {
	prometheus.MustRegister(
		HeaderMarkerGauge,
		StateMarkerGauge,
		CompiledClassMarkerGauge,
		CompatMarkerGauge,
		BaseLayerMarkerGauge,
		BatchFlushesTotal,
		NoProgressRestartsTotal,
	)
}

// ObserveMarkers updates the five gauges from a markers snapshot. It
// takes plain values rather than a *store.Markers so this package
// never needs to import store, keeping the dependency direction
// store -> syncengine -> metrics one-way.
func ObserveMarkers(header, state, compiledClass, compat, baseLayer uint64) {
	HeaderMarkerGauge.Set(float64(header))
	StateMarkerGauge.Set(float64(state))
	CompiledClassMarkerGauge.Set(float64(compiledClass))
	CompatMarkerGauge.Set(float64(compat))
	BaseLayerMarkerGauge.Set(float64(baseLayer))
}
