// Package feeder defines the Feeder Source contract (§4.2): lazy,
// bounded, restartable sequences of downloaded artifacts for a given
// height range, plus an HTTP-backed implementation. The wire format of
// a real feeder gateway is out of this core's scope; the HTTP client
// below is a plain, generic implementation so the rest of the engine
// has something concrete to run against.
package feeder

import (
	"context"

	"github.com/starksync/node/store"
)

// BlockArtifact is one height's header+body as delivered upstream.
type BlockArtifact struct {
	Height uint64
	Header store.Header
	Body   store.Body
}

// StateDiffArtifact is one height's state diff, including the Sierra
// classes it declares.
type StateDiffArtifact struct {
	Height uint64
	Diff   store.StateDiff
}

// CompiledClassArtifact is a CASM for one class hash, produced for a
// given height's compiled-class pass.
type CompiledClassArtifact struct {
	Height    uint64
	ClassHash store.Felt
	CASM      []byte
}

// Source is the pull interface the Stream Generators drive. Every
// Stream* method is idempotent and pure with respect to height:
// requesting the same range twice returns the same content. Each
// covers at most maxStreamSize heights, ordered by height ascending
// (StreamCompiledClasses returns one element per needed hash per
// height); callers re-request on exhaustion.
type Source interface {
	// ChainTip reports the upstream's own latest known height, the
	// upper bound for the block generator.
	ChainTip(ctx context.Context) (uint64, error)
	StreamBlocks(ctx context.Context, from, upTo uint64, maxStreamSize int) ([]BlockArtifact, error)
	StreamStateDiffs(ctx context.Context, from, upTo uint64, maxStreamSize int) ([]StateDiffArtifact, error)
	// StreamCompiledClasses returns CASM only for the requested class
	// hashes; heights with none of the needed hashes declared are
	// skipped by the caller before this is invoked (§4.3).
	StreamCompiledClasses(ctx context.Context, from, upTo uint64, needed []store.Felt, maxStreamSize int) ([]CompiledClassArtifact, error)
	// LatestFinalizedOnL1 reports the highest Starknet height the L1
	// base layer currently treats as finalized, or nil if none yet.
	LatestFinalizedOnL1(ctx context.Context) (*uint64, error)
}
