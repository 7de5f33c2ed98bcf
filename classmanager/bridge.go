// Package classmanager implements the Class Manager Bridge (§4.5):
// fire-and-forget, at-least-once forwarding of compiled classes to an
// out-of-core component, with local deduplication. Errors here are
// logged and never propagate back to the Sync Engine (§7).
package classmanager

import (
	"sync"

	"github.com/ledgerwatch/log/v3"

	"github.com/starksync/node/store"
)

// Submission is what the bridge forwards once a compiled class is
// durable from the sync engine's perspective.
type Submission struct {
	ClassHash store.Felt
	Sierra    store.SierraClass
	CASM      []byte
}

// Bridge is the outbound interface the Sync Engine calls after writing
// a compiled class (§6 Class Manager Bridge: submit(class_hash, sierra,
// casm)).
type Bridge interface {
	Submit(s Submission)
}

// Sink is what a Bridge ultimately delivers to; production code wires
// this to the real out-of-core class manager. It may be called more
// than once for the same ClassHash (at-least-once).
type Sink func(s Submission) error

// ChannelBridge is a fire-and-forget forwarder: Submit never blocks the
// caller (the Sync Engine) on network I/O. A bounded worker pool drains
// a queue; a failed send is logged and not retried, and a submission
// arriving while the queue is full is dropped. Only successful sends
// are recorded for local, in-memory deduplication, so a resend of an
// already-confirmed ClassHash after restart never reaches Sink twice in
// the common case, while a later Submit of a ClassHash whose send
// failed is forwarded again (the Sink itself must also tolerate
// duplicates).
type ChannelBridge struct {
	sink    Sink
	logger  log.Logger
	queue   chan Submission
	seen    map[store.Felt]struct{}
	seenMu  sync.Mutex
	closeCh chan struct{}
}

func NewChannelBridge(sink Sink, queueSize, workers int, logger log.Logger) *ChannelBridge {
	if logger == nil {
		logger = log.Root()
	}
	b := &ChannelBridge{
		sink:    sink,
		logger:  logger,
		queue:   make(chan Submission, queueSize),
		seen:    make(map[store.Felt]struct{}),
		closeCh: make(chan struct{}),
	}
	for i := 0; i < workers; i++ {
		go b.worker()
	}
	return b
}

func (b *ChannelBridge) Submit(s Submission) {
	b.seenMu.Lock()
	_, dup := b.seen[s.ClassHash]
	b.seenMu.Unlock()
	if dup {
		return
	}
	select {
	case b.queue <- s:
	default:
		b.logger.Warn("class manager bridge: queue full, dropping submission", "classHash", s.ClassHash)
	}
}

func (b *ChannelBridge) worker() {
	for {
		select {
		case <-b.closeCh:
			return
		case s := <-b.queue:
			if err := b.sink(s); err != nil {
				b.logger.Warn("class manager bridge: submit failed, non-fatal", "classHash", s.ClassHash, "err", err)
				continue
			}
			b.seenMu.Lock()
			b.seen[s.ClassHash] = struct{}{}
			b.seenMu.Unlock()
		}
	}
}

func (b *ChannelBridge) Close() {
	close(b.closeCh)
}
