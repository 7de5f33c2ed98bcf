// Package streamgen implements the four Stream Generators (§4.3): each
// reads committed markers, computes a bounded target range against its
// upstream dependency, pulls from the Feeder Source, and yields
// artifact events one at a time onto a channel the Sync Engine
// consumes. Grounded on zk/stages/stage_batches.go's read-marker /
// compute-range / request / yield loop and stage_l1syncer.go's
// marker-bounded L1 poll.
package streamgen

import (
	"context"
	"time"

	"github.com/ledgerwatch/log/v3"

	"github.com/starksync/node/feeder"
	"github.com/starksync/node/store"
)

// MarkerReader is however the generator learns the current committed
// markers. The Sync Engine supplies its in-memory mirrors here so
// generators don't repeatedly pay for a fresh RoTxn just to read five
// integers (§4.4 in-memory marker mirrors). This package provides no
// RoTxn-backed implementation of its own.
type MarkerReader interface {
	Markers(ctx context.Context) (store.Markers, error)
}

// StateDiffReader lets the compiled-class generator consult a
// committed state diff to find which class hashes it must fetch CASM
// for (§4.3).
type StateDiffReader interface {
	GetStateDiff(ctx context.Context, height uint64) (*store.StateDiff, bool, error)
}

// Config tunes every generator identically; a real deployment derives
// this from synccfg.Config.
type Config struct {
	MaxStreamSize int
	RetryDelay    time.Duration
	Logger        log.Logger
}

func (c Config) logger() log.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return log.Root()
}

func (c Config) sleep(ctx context.Context) error {
	d := c.RetryDelay
	if d <= 0 {
		d = time.Second
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// BlockEvent corresponds to BlockAvailable.
type BlockEvent struct {
	Height uint64
	Header store.Header
	Body   store.Body
}

// StateDiffEvent corresponds to StateDiffAvailable.
type StateDiffEvent struct {
	Height uint64
	Diff   store.StateDiff
}

// CompiledClassEvent corresponds to CompiledClassAvailable.
type CompiledClassEvent struct {
	Height    uint64
	ClassHash store.Felt
	CASM      []byte
}

// BaseLayerEvent corresponds to BaseLayerAvailable.
type BaseLayerEvent struct {
	Height uint64
}

// RunBlockGenerator is bounded by the Feeder Source's own chain tip.
func RunBlockGenerator(ctx context.Context, markers MarkerReader, src feeder.Source, cfg Config, out chan<- BlockEvent) error {
	logger := cfg.logger()
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		m, err := markers.Markers(ctx)
		if err != nil {
			logger.Warn("block generator: read markers failed", "err", err)
			if err := cfg.sleep(ctx); err != nil {
				return err
			}
			continue
		}
		tip, err := src.ChainTip(ctx)
		if err != nil {
			logger.Warn("block generator: chain tip fetch failed", "err", err)
			if err := cfg.sleep(ctx); err != nil {
				return err
			}
			continue
		}
		from, upTo := m.HeaderMarker, boundedUpper(m.HeaderMarker, tip, cfg.MaxStreamSize)
		if upTo <= from {
			if err := cfg.sleep(ctx); err != nil {
				return err
			}
			continue
		}
		blocks, err := src.StreamBlocks(ctx, from, upTo, cfg.MaxStreamSize)
		if err != nil {
			logger.Warn("block generator: stream blocks failed", "from", from, "upTo", upTo, "err", err)
			if err := cfg.sleep(ctx); err != nil {
				return err
			}
			continue
		}
		if len(blocks) == 0 {
			if err := cfg.sleep(ctx); err != nil {
				return err
			}
			continue
		}
		for _, b := range blocks {
			select {
			case out <- BlockEvent{Height: b.Height, Header: b.Header, Body: b.Body}:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// RunStateDiffGenerator is bounded by header_marker: it may never
// request a state diff for a height whose header is not yet committed.
func RunStateDiffGenerator(ctx context.Context, markers MarkerReader, src feeder.Source, cfg Config, out chan<- StateDiffEvent) error {
	logger := cfg.logger()
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		m, err := markers.Markers(ctx)
		if err != nil {
			logger.Warn("state-diff generator: read markers failed", "err", err)
			if err := cfg.sleep(ctx); err != nil {
				return err
			}
			continue
		}
		from, upTo := m.StateMarker, boundedUpper(m.StateMarker, m.HeaderMarker, cfg.MaxStreamSize)
		if upTo <= from {
			if err := cfg.sleep(ctx); err != nil {
				return err
			}
			continue
		}
		diffs, err := src.StreamStateDiffs(ctx, from, upTo, cfg.MaxStreamSize)
		if err != nil {
			logger.Warn("state-diff generator: stream failed", "from", from, "upTo", upTo, "err", err)
			if err := cfg.sleep(ctx); err != nil {
				return err
			}
			continue
		}
		if len(diffs) == 0 {
			if err := cfg.sleep(ctx); err != nil {
				return err
			}
			continue
		}
		for _, d := range diffs {
			select {
			case out <- StateDiffEvent{Height: d.Height, Diff: d.Diff}:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// RunCompiledClassGenerator is bounded by state_marker. Within the
// range it reads the committed state diff for each height to extract
// the needed class-hash set, skipping heights that declared nothing.
func RunCompiledClassGenerator(ctx context.Context, markers MarkerReader, diffs StateDiffReader, src feeder.Source, cfg Config, out chan<- CompiledClassEvent) error {
	logger := cfg.logger()
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		m, err := markers.Markers(ctx)
		if err != nil {
			logger.Warn("compiled-class generator: read markers failed", "err", err)
			if err := cfg.sleep(ctx); err != nil {
				return err
			}
			continue
		}
		from, upTo := m.CompiledClassMarker, boundedUpper(m.CompiledClassMarker, m.StateMarker, cfg.MaxStreamSize)
		if upTo <= from {
			if err := cfg.sleep(ctx); err != nil {
				return err
			}
			continue
		}

		needed := make(map[uint64][]store.Felt)
		var heights []uint64
		for h := from; h < upTo; h++ {
			diff, ok, err := diffs.GetStateDiff(ctx, h)
			if err != nil {
				logger.Warn("compiled-class generator: read state diff failed", "height", h, "err", err)
				continue
			}
			if !ok || len(diff.DeclaredClasses) == 0 {
				continue
			}
			for hash := range diff.DeclaredClasses {
				needed[h] = append(needed[h], hash)
			}
			heights = append(heights, h)
		}
		if len(heights) == 0 {
			if err := cfg.sleep(ctx); err != nil {
				return err
			}
			continue
		}

		var classes []feeder.CompiledClassArtifact
		for _, h := range heights {
			got, streamErr := src.StreamCompiledClasses(ctx, h, h+1, needed[h], cfg.MaxStreamSize)
			if streamErr != nil {
				err = streamErr
				break
			}
			classes = append(classes, got...)
		}
		if err != nil {
			logger.Warn("compiled-class generator: stream failed", "from", from, "upTo", upTo, "err", err)
			if err := cfg.sleep(ctx); err != nil {
				return err
			}
			continue
		}
		if len(classes) == 0 {
			if err := cfg.sleep(ctx); err != nil {
				return err
			}
			continue
		}
		for _, c := range classes {
			select {
			case out <- CompiledClassEvent{Height: c.Height, ClassHash: c.ClassHash, CASM: c.CASM}:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// RunBaseLayerGenerator is bounded by both what the L1 client reports
// and by header_marker.
func RunBaseLayerGenerator(ctx context.Context, markers MarkerReader, src feeder.Source, cfg Config, out chan<- BaseLayerEvent) error {
	logger := cfg.logger()
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		m, err := markers.Markers(ctx)
		if err != nil {
			logger.Warn("base-layer generator: read markers failed", "err", err)
			if err := cfg.sleep(ctx); err != nil {
				return err
			}
			continue
		}
		finalized, err := src.LatestFinalizedOnL1(ctx)
		if err != nil {
			logger.Warn("base-layer generator: l1 query failed", "err", err)
			if err := cfg.sleep(ctx); err != nil {
				return err
			}
			continue
		}
		if finalized == nil || m.HeaderMarker == 0 {
			if err := cfg.sleep(ctx); err != nil {
				return err
			}
			continue
		}
		// The highest height with a stored header is header_marker-1;
		// base_layer_marker must never exceed header_marker (I1), so
		// this generator may not request finalization past that height
		// even when L1 itself reports further (the façade also clamps
		// defensively, but the generator should not ask in the first
		// place).
		target := *finalized
		if target > m.HeaderMarker-1 {
			target = m.HeaderMarker - 1
		}
		if target <= m.BaseLayerMarker {
			if err := cfg.sleep(ctx); err != nil {
				return err
			}
			continue
		}
		select {
		case out <- BaseLayerEvent{Height: target}:
		case <-ctx.Done():
			return ctx.Err()
		}
		if err := cfg.sleep(ctx); err != nil {
			return err
		}
	}
}

func boundedUpper(marker, upstreamBound uint64, maxStreamSize int) uint64 {
	upper := upstreamBound
	if maxStreamSize > 0 && marker+uint64(maxStreamSize) < upper {
		upper = marker + uint64(maxStreamSize)
	}
	return upper
}
