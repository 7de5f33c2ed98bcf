package streamgen

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ledgerwatch/log/v3"
	"github.com/stretchr/testify/require"

	"github.com/starksync/node/feeder"
	"github.com/starksync/node/store"
)

type fakeMarkers struct {
	m atomic.Value
}

func newFakeMarkers(m store.Markers) *fakeMarkers {
	f := &fakeMarkers{}
	f.m.Store(m)
	return f
}

func (f *fakeMarkers) Markers(ctx context.Context) (store.Markers, error) {
	return f.m.Load().(store.Markers), nil
}

func (f *fakeMarkers) set(m store.Markers) { f.m.Store(m) }

// fakeSource is a minimal feeder.Source returning canned, deterministic
// artifacts for a fixed chain tip.
type fakeSource struct {
	tip       uint64
	finalized *uint64
}

func (s *fakeSource) ChainTip(ctx context.Context) (uint64, error) { return s.tip, nil }

func (s *fakeSource) StreamBlocks(ctx context.Context, from, upTo uint64, max int) ([]feeder.BlockArtifact, error) {
	var out []feeder.BlockArtifact
	for h := from; h < upTo; h++ {
		out = append(out, feeder.BlockArtifact{Height: h, Header: store.Header{Height: h}, Body: store.Body{Height: h}})
	}
	return out, nil
}

func (s *fakeSource) StreamStateDiffs(ctx context.Context, from, upTo uint64, max int) ([]feeder.StateDiffArtifact, error) {
	var out []feeder.StateDiffArtifact
	for h := from; h < upTo; h++ {
		out = append(out, feeder.StateDiffArtifact{Height: h, Diff: store.StateDiff{Height: h}})
	}
	return out, nil
}

func (s *fakeSource) StreamCompiledClasses(ctx context.Context, from, upTo uint64, needed []store.Felt, max int) ([]feeder.CompiledClassArtifact, error) {
	var out []feeder.CompiledClassArtifact
	for h := from; h < upTo; h++ {
		for _, hash := range needed {
			out = append(out, feeder.CompiledClassArtifact{Height: h, ClassHash: hash, CASM: []byte("casm")})
		}
	}
	return out, nil
}

func (s *fakeSource) LatestFinalizedOnL1(ctx context.Context) (*uint64, error) { return s.finalized, nil }

type fakeStateDiffReader struct {
	needed map[uint64][]store.Felt
}

func (f *fakeStateDiffReader) GetStateDiff(ctx context.Context, height uint64) (*store.StateDiff, bool, error) {
	classes, ok := f.needed[height]
	if !ok {
		return nil, false, nil
	}
	declared := make(map[store.Felt]store.SierraClass, len(classes))
	for _, c := range classes {
		declared[c] = store.SierraClass{ClassHash: c}
	}
	return &store.StateDiff{Height: height, DeclaredClasses: declared}, true, nil
}

func TestBoundedUpper(t *testing.T) {
	require.EqualValues(t, 10, boundedUpper(0, 10, 0))
	require.EqualValues(t, 5, boundedUpper(0, 10, 5))
	require.EqualValues(t, 10, boundedUpper(7, 10, 5))
	require.EqualValues(t, 5, boundedUpper(10, 5, 100))
}

func TestConfigSleepRespectsContextCancellation(t *testing.T) {
	cfg := Config{RetryDelay: time.Minute, Logger: log.New()}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := cfg.sleep(ctx)
	require.Error(t, err)
}

func TestRunBlockGeneratorYieldsBoundedByChainTip(t *testing.T) {
	fm := newFakeMarkers(store.Markers{HeaderMarker: 0})
	src := &fakeSource{tip: 3}
	out := make(chan BlockEvent, 10)
	ctx, cancel := context.WithCancel(context.Background())

	go func() { _ = RunBlockGenerator(ctx, fm, src, Config{MaxStreamSize: 100, RetryDelay: time.Millisecond, Logger: log.New()}, out) }()

	var got []BlockEvent
	for len(got) < 3 {
		got = append(got, <-out)
	}
	cancel()

	require.Len(t, got, 3)
	require.EqualValues(t, 0, got[0].Height)
	require.EqualValues(t, 2, got[2].Height)
}

func TestRunCompiledClassGeneratorSkipsHeightsWithNoDeclarations(t *testing.T) {
	fm := newFakeMarkers(store.Markers{CompiledClassMarker: 0, StateMarker: 2})
	var hash store.Felt
	hash[31] = 0x7

	src := &fakeSource{tip: 10}
	diffs := &fakeStateDiffReader{needed: map[uint64][]store.Felt{1: {hash}}}
	out := make(chan CompiledClassEvent, 10)
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		_ = RunCompiledClassGenerator(ctx, fm, diffs, src, Config{MaxStreamSize: 100, RetryDelay: time.Millisecond, Logger: log.New()}, out)
	}()

	ev := <-out
	cancel()

	require.EqualValues(t, 1, ev.Height)
	require.Equal(t, hash, ev.ClassHash)
}
