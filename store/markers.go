package store

// MarkerKind names one of the five persisted monotone counters.
type MarkerKind string

const (
	HeaderMarker        MarkerKind = "header"
	StateMarker         MarkerKind = "state"
	CompiledClassMarker MarkerKind = "compiled_class"
	CompatMarker        MarkerKind = "compat"
	BaseLayerMarker     MarkerKind = "base_layer"
)

// orderedMarkers lists the five markers from least to most advanced,
// the order Invariant I1 requires:
// base_layer <= compat <= compiled_class <= state <= header.
var orderedMarkers = []MarkerKind{
	BaseLayerMarker,
	CompatMarker,
	CompiledClassMarker,
	StateMarker,
	HeaderMarker,
}

func markerKey(kind MarkerKind) []byte { return []byte(kind) }

// Markers is a point-in-time snapshot of all five counters, returned by
// RoTxn.Markers and used by generators to compute their target ranges.
type Markers struct {
	HeaderMarker        uint64
	StateMarker         uint64
	CompiledClassMarker uint64
	CompatMarker        uint64
	BaseLayerMarker     uint64
}

// CheckOrder validates Invariant I1 over a snapshot of markers. It is
// used by tests and by the engine's defensive assertions after a
// restart, not on every hot-path commit.
func (m Markers) CheckOrder() error {
	vals := map[MarkerKind]uint64{
		BaseLayerMarker:     m.BaseLayerMarker,
		CompatMarker:        m.CompatMarker,
		CompiledClassMarker: m.CompiledClassMarker,
		StateMarker:         m.StateMarker,
		HeaderMarker:        m.HeaderMarker,
	}
	for i := 1; i < len(orderedMarkers); i++ {
		prev, cur := orderedMarkers[i-1], orderedMarkers[i]
		if vals[prev] > vals[cur] {
			return &MarkerOrderViolation{Lower: prev, LowerValue: vals[prev], Upper: cur, UpperValue: vals[cur]}
		}
	}
	return nil
}
