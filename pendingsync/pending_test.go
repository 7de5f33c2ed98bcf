package pendingsync

import (
	"context"
	"testing"
	"time"

	"github.com/ledgerwatch/log/v3"
	"github.com/stretchr/testify/require"

	"github.com/starksync/node/kv/memdb"
	"github.com/starksync/node/store"
)

type fakeSource struct {
	tip     uint64
	pending *PendingBlock
	calls   int
}

func (f *fakeSource) GetPending(ctx context.Context, afterHeight uint64) (*PendingBlock, bool, error) {
	f.calls++
	if f.pending == nil {
		return nil, false, nil
	}
	return f.pending, true, nil
}

func (f *fakeSource) ChainTip(ctx context.Context) (uint64, error) {
	return f.tip, nil
}

func appendHeader(t *testing.T, w *store.Wtxn, height uint64, parent store.Felt) store.Felt {
	t.Helper()
	var hash store.Felt
	hash[31] = byte(height + 1)
	require.NoError(t, w.AppendHeader(store.Header{Height: height, ParentHash: parent, Hash: hash}, store.Body{Height: height}))
	require.NoError(t, w.Commit())
	return hash
}

// Pending Sync must stay inactive while state_marker lags header_marker.
func TestPendingSyncInactiveWhenNotCaughtUp(t *testing.T) {
	ctx := context.Background()
	s := store.New(memdb.New(), 1, log.New())
	w, err := s.Writer(ctx)
	require.NoError(t, err)
	appendHeader(t, w, 0, store.Felt{})
	w.Close()

	src := &fakeSource{tip: 1, pending: &PendingBlock{ParentHeight: 0}}
	var observed int
	ps := New(s, src, 5*time.Millisecond, func(PendingBlock) { observed++ }, log.New())

	runCtx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	_ = ps.Run(runCtx)

	require.Equal(t, 0, observed, "state_marker (0) != header_marker (1): must not activate")
}

// Once fully caught up, a new pending block is delivered to the sink
// exactly once per distinct parent height.
func TestPendingSyncActivatesAndDedupes(t *testing.T) {
	ctx := context.Background()
	s := store.New(memdb.New(), 1, log.New())
	w, err := s.Writer(ctx)
	require.NoError(t, err)
	hash := appendHeader(t, w, 0, store.Felt{})
	require.NoError(t, w.AppendStateDiff(store.StateDiff{Height: 0}))
	require.NoError(t, w.Commit())
	require.NoError(t, w.Flush())
	w.Close()

	src := &fakeSource{tip: 1, pending: &PendingBlock{ParentHeight: 0, Header: store.Header{Height: 1, ParentHash: hash}}}
	var mu int
	ps := New(s, src, 5*time.Millisecond, func(PendingBlock) { mu++ }, log.New())

	runCtx, cancel := context.WithTimeout(ctx, 40*time.Millisecond)
	defer cancel()
	_ = ps.Run(runCtx)

	require.Equal(t, 1, mu, "same pending parent height must be delivered only once")
}
