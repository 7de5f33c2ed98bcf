// Package pendingsync implements Pending Sync (§4.6): polling for the
// not-yet-finalized chain tip once the node is fully caught up. Per
// spec §1 this fast-path is noted only at the point where it plugs in;
// this package is the plug-in point, not a full pending-block pipeline.
package pendingsync

import (
	"context"
	"time"

	"github.com/ledgerwatch/log/v3"

	"github.com/starksync/node/store"
)

// PendingBlock is the not-yet-finalized tip as reported by the feeder.
type PendingBlock struct {
	ParentHeight uint64
	Header       store.Header
	Body         store.Body
}

// Source fetches the current pending block; kept separate from
// feeder.Source because pending-block polling is explicitly a
// secondary fast-path (§1), not part of the core four pipelines.
type Source interface {
	GetPending(ctx context.Context, afterHeight uint64) (*PendingBlock, bool, error)
	ChainTip(ctx context.Context) (uint64, error)
}

// Sink is notified whenever a new pending block is observed.
type Sink func(PendingBlock)

// PendingSync polls Source only while the node is fully caught up:
// state_marker == header_marker == feeder_latest. Because activation
// requires full caught-up-ness, every read here sees flushed data and
// needs no shadow state (§4.6).
type PendingSync struct {
	store    *store.Store
	src      Source
	interval time.Duration
	logger   log.Logger
	sink     Sink
}

func New(st *store.Store, src Source, interval time.Duration, sink Sink, logger log.Logger) *PendingSync {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if logger == nil {
		logger = log.Root()
	}
	return &PendingSync{store: st, src: src, interval: interval, sink: sink, logger: logger}
}

func (p *PendingSync) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	var lastSeenParent uint64
	haveSeen := false

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			caughtUp, headerMarker, err := p.isCaughtUp(ctx)
			if err != nil {
				p.logger.Warn("pending sync: caught-up check failed", "err", err)
				continue
			}
			if !caughtUp {
				continue
			}
			pending, ok, err := p.src.GetPending(ctx, headerMarker)
			if err != nil {
				p.logger.Warn("pending sync: fetch failed", "err", err)
				continue
			}
			if !ok {
				continue
			}
			if haveSeen && pending.ParentHeight == lastSeenParent {
				continue
			}
			lastSeenParent = pending.ParentHeight
			haveSeen = true
			if p.sink != nil {
				p.sink(*pending)
			}
		}
	}
}

func (p *PendingSync) isCaughtUp(ctx context.Context) (bool, uint64, error) {
	snap, err := p.store.ReadSnapshot(ctx)
	if err != nil {
		return false, 0, err
	}
	defer snap.Close()
	m, err := snap.Markers()
	if err != nil {
		return false, 0, err
	}
	if m.StateMarker != m.HeaderMarker {
		return false, m.HeaderMarker, nil
	}
	tip, err := p.src.ChainTip(ctx)
	if err != nil {
		return false, m.HeaderMarker, err
	}
	return m.HeaderMarker == tip, m.HeaderMarker, nil
}
