package syncengine

import (
	"context"
	"testing"
	"time"

	"github.com/ledgerwatch/log/v3"
	"github.com/stretchr/testify/require"

	"github.com/starksync/node/classmanager"
	"github.com/starksync/node/kv/memdb"
	"github.com/starksync/node/streamgen"
	"github.com/starksync/node/store"
)

func newTestEngine(t *testing.T) (*Engine, *store.Store) {
	t.Helper()
	st := store.New(memdb.New(), 10, log.New())
	e, err := New(st, nil, Config{NoProgressTimeout: time.Hour, TickInterval: 5 * time.Millisecond, Logger: log.New()})
	require.NoError(t, err)
	return e, st
}

func feltOf(b byte) store.Felt {
	var f store.Felt
	f[31] = b
	return f
}

// I2: the engine must reject a block whose declared parent hash
// doesn't match the previously stored header.
func TestHandleBlockAvailableRejectsParentHashMismatch(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()

	w, err := st.Writer(ctx)
	require.NoError(t, err)
	e.w = w
	require.NoError(t, e.resetShadows())

	genesis := store.Header{Height: 0, Hash: feltOf(1)}
	require.NoError(t, e.handleBlockAvailable(ctx, streamgen.BlockEvent{Height: 0, Header: genesis, Body: store.Body{Height: 0}}))

	bad := store.Header{Height: 1, Hash: feltOf(2), ParentHash: feltOf(0xFF)}
	err = e.handleBlockAvailable(ctx, streamgen.BlockEvent{Height: 1, Header: bad, Body: store.Body{Height: 1}})

	var mismatch *store.ParentHashMismatch
	require.ErrorAs(t, err, &mismatch)
	require.False(t, isSoftSkip(err), "a parent-hash mismatch must never be treated as a soft skip")
}

// A resend of an already-applied height must soft-skip rather than
// abort the engine loop.
func TestStaleResendIsSoftSkipped(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()
	w, err := st.Writer(ctx)
	require.NoError(t, err)
	e.w = w
	require.NoError(t, e.resetShadows())

	h0 := store.Header{Height: 0, Hash: feltOf(1)}
	require.NoError(t, e.handleBlockAvailable(ctx, streamgen.BlockEvent{Height: 0, Header: h0, Body: store.Body{Height: 0}}))
	require.NoError(t, e.handleStateDiffAvailable(streamgen.StateDiffEvent{Height: 0, Diff: store.StateDiff{Height: 0}}))

	// Resend of the same state diff height: must be a MarkerMismatch
	// classified as a soft skip, not a fatal error.
	err = e.handleStateDiffAvailable(streamgen.StateDiffEvent{Height: 0, Diff: store.StateDiff{Height: 0}})
	require.Error(t, err)
	require.True(t, isSoftSkip(err))
}

// The sierra cache is populated by a declared class in the same batch
// and must satisfy a subsequent compiled-class write without a
// snapshot read.
func TestCompiledClassUsesShadowSierraCache(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()
	w, err := st.Writer(ctx)
	require.NoError(t, err)
	e.w = w
	require.NoError(t, e.resetShadows())

	hash := feltOf(0xAB)
	h0 := store.Header{Height: 0, Hash: feltOf(1)}
	require.NoError(t, e.handleBlockAvailable(ctx, streamgen.BlockEvent{Height: 0, Header: h0, Body: store.Body{Height: 0}}))
	require.NoError(t, e.handleStateDiffAvailable(streamgen.StateDiffEvent{
		Height: 0,
		Diff: store.StateDiff{
			Height:          0,
			DeclaredClasses: map[store.Felt]store.SierraClass{hash: {ClassHash: hash, Program: []byte("sierra")}},
		},
	}))

	require.NoError(t, e.handleCompiledClassAvailable(streamgen.CompiledClassEvent{Height: 0, ClassHash: hash, CASM: []byte("casm")}))
	require.EqualValues(t, 1, e.mirrors.CompiledClassMarker)
}

// Class Manager Bridge submissions are forwarded once a compiled class
// is durable from the engine's perspective (§4.5).
func TestCompiledClassForwardsToBridge(t *testing.T) {
	st := store.New(memdb.New(), 10, log.New())
	var submitted []classmanager.Submission
	bridge := fakeBridge(func(s classmanager.Submission) { submitted = append(submitted, s) })

	e, err := New(st, bridge, Config{NoProgressTimeout: time.Hour, Logger: log.New()})
	require.NoError(t, err)
	ctx := context.Background()
	w, err := st.Writer(ctx)
	require.NoError(t, err)
	e.w = w
	require.NoError(t, e.resetShadows())

	hash := feltOf(0x10)
	h0 := store.Header{Height: 0, Hash: feltOf(1)}
	require.NoError(t, e.handleBlockAvailable(ctx, streamgen.BlockEvent{Height: 0, Header: h0}))
	require.NoError(t, e.handleStateDiffAvailable(streamgen.StateDiffEvent{
		Height: 0,
		Diff:   store.StateDiff{Height: 0, DeclaredClasses: map[store.Felt]store.SierraClass{hash: {ClassHash: hash}}},
	}))
	require.NoError(t, e.handleCompiledClassAvailable(streamgen.CompiledClassEvent{Height: 0, ClassHash: hash, CASM: []byte("casm")}))

	require.Len(t, submitted, 1)
	require.Equal(t, hash, submitted[0].ClassHash)
}

type fakeBridge func(classmanager.Submission)

func (f fakeBridge) Submit(s classmanager.Submission) { f(s) }

// handleProgressTick must fire ErrNoProgress once the configured
// timeout has genuinely elapsed without any marker advancing.
func TestHandleProgressTickFiresNoProgress(t *testing.T) {
	e, _ := newTestEngine(t)
	e.cfg.NoProgressTimeout = time.Millisecond
	e.lastProgressAt = time.Now().Add(-time.Hour)

	err := e.handleProgressTick()
	require.ErrorIs(t, err, ErrNoProgress)
}
