// Package store implements the Central Sync Engine's Storage Façade: a
// single exclusive writer batching logical commits over an in-memory
// shadow (kv/membatch) before flushing into a real kv.RwDB transaction,
// and any number of read-only snapshots that only ever observe the
// last flush. Grounded on zk/hermez_db's table/reader-writer split and
// erigon-lib/kv/membatch's Mapmutation batching contract.
package store

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ledgerwatch/log/v3"

	"github.com/starksync/node/kv"
	"github.com/starksync/node/kv/membatch"
)

// ErrWriterAlreadyOpen is returned by Writer when a Wtxn is already
// outstanding; the façade allows exactly one at a time.
var ErrWriterAlreadyOpen = errors.New("store: writer already open")

// Store is the Storage Façade. BatchSize is the number of logical
// Wtxn.Commit calls coalesced into one durable flush (I5: the choice
// of BatchSize never changes the final flushed content, only how often
// it is written out).
type Store struct {
	db        kv.RwDB
	batchSize int
	logger    log.Logger

	mu         sync.Mutex
	writerOpen bool
}

func New(db kv.RwDB, batchSize int, logger log.Logger) *Store {
	if batchSize < 1 {
		batchSize = 1
	}
	if logger == nil {
		logger = log.Root()
	}
	return &Store{db: db, batchSize: batchSize, logger: logger}
}

// ReadSnapshot opens a fresh read-only view reflecting only durably
// flushed state. It never observes an outstanding Wtxn's staged
// writes, flushed or not.
func (s *Store) ReadSnapshot(ctx context.Context) (*RoTxn, error) {
	tx, err := s.db.BeginRo(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: read snapshot: %w", err)
	}
	return &RoTxn{tx: tx}, nil
}

// Writer returns the process-wide single writer handle. A second call
// before the first Wtxn is closed fails with ErrWriterAlreadyOpen.
func (s *Store) Writer(ctx context.Context) (*Wtxn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writerOpen {
		return nil, ErrWriterAlreadyOpen
	}
	realTx, err := s.db.BeginRw(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: open writer: %w", err)
	}
	s.writerOpen = true
	return &Wtxn{
		ctx:    ctx,
		store:  s,
		realTx: realTx,
		batch:  membatch.New(realTx, s.logger),
		logger: s.logger,
	}, nil
}

// RoTxn is a read-only snapshot of the last flushed state.
type RoTxn struct {
	tx kv.Tx
}

func (r *RoTxn) Close() { r.tx.Rollback() }

func (r *RoTxn) GetBlockHeader(height uint64) (*Header, bool, error) {
	v, err := r.tx.GetOne(kv.Headers, encodeHeight(height))
	if err != nil || v == nil {
		return nil, false, err
	}
	h, err := decodeHeader(v)
	if err != nil {
		return nil, false, err
	}
	return &h, true, nil
}

func (r *RoTxn) GetBody(height uint64) (*Body, bool, error) {
	v, err := r.tx.GetOne(kv.Bodies, encodeHeight(height))
	if err != nil || v == nil {
		return nil, false, err
	}
	return &Body{Height: height, Raw: v}, true, nil
}

func (r *RoTxn) GetStateDiff(height uint64) (*StateDiff, bool, error) {
	v, err := r.tx.GetOne(kv.StateDiffs, encodeHeight(height))
	if err != nil || v == nil {
		return nil, false, err
	}
	d, err := decodeStateDiff(v)
	if err != nil {
		return nil, false, err
	}
	return &d, true, nil
}

func (r *RoTxn) GetClass(hash Felt) (*SierraClass, bool, error) {
	v, err := r.tx.GetOne(kv.SierraClasses, hash[:])
	if err != nil || v == nil {
		return nil, false, err
	}
	c, err := decodeSierraClass(v)
	if err != nil {
		return nil, false, err
	}
	return &c, true, nil
}

func (r *RoTxn) GetCompiledClass(hash Felt) ([]byte, bool, error) {
	v, err := r.tx.GetOne(kv.CompiledClasses, hash[:])
	if err != nil || v == nil {
		return nil, false, err
	}
	return v, true, nil
}

func (r *RoTxn) Markers() (Markers, error) {
	return readMarkers(r.tx)
}

func readMarkers(tx kv.Tx) (Markers, error) {
	var m Markers
	for _, kind := range orderedMarkers {
		v, err := tx.GetOne(kv.Markers, markerKey(kind))
		if err != nil {
			return Markers{}, err
		}
		val := decodeHeight(v)
		switch kind {
		case HeaderMarker:
			m.HeaderMarker = val
		case StateMarker:
			m.StateMarker = val
		case CompiledClassMarker:
			m.CompiledClassMarker = val
		case CompatMarker:
			m.CompatMarker = val
		case BaseLayerMarker:
			m.BaseLayerMarker = val
		}
	}
	return m, nil
}

// Wtxn is the single exclusive writer handle. Writes accumulate in an
// in-memory batch (kv/membatch) across logical commits; only every
// BatchSize-th Commit actually flushes into a real kv.RwTx and commits
// it durably. Until that happens, no RoTxn opened by the façade can
// observe these writes — by construction, since Wtxn never touches a
// RoTxn's snapshot and the membatch's fallback reads are answered by
// realTx, which itself holds nothing beyond what was durably committed
// on the previous flush.
type Wtxn struct {
	ctx    context.Context
	store  *Store
	logger log.Logger

	mu             sync.Mutex
	realTx         kv.RwTx
	batch          *membatch.Mapmutation
	logicalCommits int
	closed         bool

	// OnFlush, if set, is called after every durable flush. It exists
	// so callers outside this package (the Sync Engine) can observe
	// flush events — e.g. for a metrics counter — without this package
	// importing anything metrics-related.
	OnFlush func()
}

func (w *Wtxn) readMarker(kind MarkerKind) (uint64, error) {
	v, err := w.batch.GetOne(kv.Markers, markerKey(kind))
	if err != nil {
		return 0, err
	}
	return decodeHeight(v), nil
}

func (w *Wtxn) setMarker(kind MarkerKind, v uint64) error {
	return w.batch.Put(kv.Markers, markerKey(kind), encodeHeight(v))
}

// Markers reads the writer's current view of all five markers,
// including whatever this Wtxn has staged but not yet flushed.
func (w *Wtxn) Markers() (Markers, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	var m Markers
	for _, kind := range orderedMarkers {
		v, err := w.readMarker(kind)
		if err != nil {
			return Markers{}, err
		}
		switch kind {
		case HeaderMarker:
			m.HeaderMarker = v
		case StateMarker:
			m.StateMarker = v
		case CompiledClassMarker:
			m.CompiledClassMarker = v
		case CompatMarker:
			m.CompatMarker = v
		case BaseLayerMarker:
			m.BaseLayerMarker = v
		}
	}
	return m, nil
}

// AppendHeader requires header_marker == header.Height.
func (w *Wtxn) AppendHeader(h Header, b Body) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	cur, err := w.readMarker(HeaderMarker)
	if err != nil {
		return err
	}
	if cur != h.Height {
		return &MarkerMismatch{Kind: HeaderMarker, Expected: cur, Found: h.Height}
	}
	enc, err := encodeHeader(h)
	if err != nil {
		return err
	}
	if err := w.batch.Put(kv.Headers, encodeHeight(h.Height), enc); err != nil {
		return err
	}
	if err := w.batch.Put(kv.Bodies, encodeHeight(h.Height), b.Raw); err != nil {
		return err
	}
	return w.setMarker(HeaderMarker, h.Height+1)
}

// UpdateCompatMarkerIfNeeded advances compat_marker to at most
// min(H+1, compiled_class_marker), tracking header progress without
// ever outrunning the compiled-class pipeline (Invariant I1).
func (w *Wtxn) UpdateCompatMarkerIfNeeded(h uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	compat, err := w.readMarker(CompatMarker)
	if err != nil {
		return err
	}
	ccm, err := w.readMarker(CompiledClassMarker)
	if err != nil {
		return err
	}
	target := h + 1
	if target > ccm {
		target = ccm
	}
	if target <= compat {
		return nil
	}
	return w.setMarker(CompatMarker, target)
}

// AppendStateDiff requires state_marker == H < header_marker.
func (w *Wtxn) AppendStateDiff(d StateDiff) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	cur, err := w.readMarker(StateMarker)
	if err != nil {
		return err
	}
	if cur != d.Height {
		return &MarkerMismatch{Kind: StateMarker, Expected: cur, Found: d.Height}
	}
	hm, err := w.readMarker(HeaderMarker)
	if err != nil {
		return err
	}
	if d.Height >= hm {
		return fmt.Errorf("store: state diff at %d ahead of header marker %d", d.Height, hm)
	}
	enc, err := encodeStateDiff(d)
	if err != nil {
		return err
	}
	if err := w.batch.Put(kv.StateDiffs, encodeHeight(d.Height), enc); err != nil {
		return err
	}
	return w.setMarker(StateMarker, d.Height+1)
}

// AppendClasses dedups within the writer's full view (staged + last
// flushed): a class hash already present is silently skipped.
func (w *Wtxn) AppendClasses(declared map[Felt]SierraClass, deprecated []Felt) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for hash, class := range declared {
		has, err := w.batch.Has(kv.SierraClasses, hash[:])
		if err != nil {
			return err
		}
		if has {
			continue
		}
		enc, err := encodeSierraClass(class)
		if err != nil {
			return err
		}
		if err := w.batch.Put(kv.SierraClasses, hash[:], enc); err != nil {
			return err
		}
	}
	for _, hash := range deprecated {
		has, err := w.batch.Has(kv.DeprecatedClass, hash[:])
		if err != nil {
			return err
		}
		if has {
			continue
		}
		if err := w.batch.Put(kv.DeprecatedClass, hash[:], []byte{1}); err != nil {
			return err
		}
	}
	return nil
}

// AppendCompiledClass requires compiled_class_marker == H < state_marker.
func (w *Wtxn) AppendCompiledClass(h uint64, classHash Felt, casm []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	cur, err := w.readMarker(CompiledClassMarker)
	if err != nil {
		return err
	}
	if cur != h {
		return &MarkerMismatch{Kind: CompiledClassMarker, Expected: cur, Found: h}
	}
	sm, err := w.readMarker(StateMarker)
	if err != nil {
		return err
	}
	if h >= sm {
		return fmt.Errorf("store: compiled class at %d ahead of state marker %d", h, sm)
	}
	if err := w.batch.Put(kv.CompiledClasses, classHash[:], casm); err != nil {
		return err
	}
	return w.setMarker(CompiledClassMarker, h+1)
}

// UpdateBaseLayerMarker requires H <= header_marker. Unlike the other
// append operations the spec does not require exact equality against
// the current marker before advancing it — L1 finality confirmations
// can legitimately skip heights — so a height at or below the current
// marker is a no-op rather than a MarkerMismatch. The new marker value
// is clamped to header_marker: H == header_marker is allowed as input
// (L1 may finalize a height whose header just landed), but
// base_layer_marker itself must never exceed header_marker (I1), so
// the stored value is min(h+1, header_marker) rather than h+1.
func (w *Wtxn) UpdateBaseLayerMarker(h uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	hm, err := w.readMarker(HeaderMarker)
	if err != nil {
		return err
	}
	if h > hm {
		return fmt.Errorf("store: base layer marker %d ahead of header marker %d", h, hm)
	}
	cur, err := w.readMarker(BaseLayerMarker)
	if err != nil {
		return err
	}
	next := h + 1
	if next > hm {
		next = hm
	}
	if next <= cur {
		return nil
	}
	return w.setMarker(BaseLayerMarker, next)
}

// Commit finalizes the current logical commit. Every BatchSize-th call
// flushes the staged batch into a real transaction and commits it
// durably; in between, writes remain visible only to this Wtxn.
func (w *Wtxn) Commit() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.logicalCommits++
	if w.logicalCommits < w.store.batchSize {
		return nil
	}
	return w.flushLocked()
}

// Flush forces a durable flush regardless of the logical-commit
// counter. Close does not call it: closing a writer discards whatever
// is still staged.
func (w *Wtxn) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushLocked()
}

func (w *Wtxn) flushLocked() error {
	if err := w.batch.Flush(w.ctx, w.realTx); err != nil {
		return fmt.Errorf("store: flush batch: %w", err)
	}
	if err := w.realTx.Commit(); err != nil {
		return fmt.Errorf("store: commit flush: %w", err)
	}
	newTx, err := w.store.db.BeginRw(w.ctx)
	if err != nil {
		return fmt.Errorf("store: reopen writer after flush: %w", err)
	}
	w.realTx = newTx
	w.batch = membatch.New(newTx, w.logger)
	w.logicalCommits = 0
	if w.OnFlush != nil {
		w.OnFlush()
	}
	return nil
}

// Close discards the writer. Any staged-but-unflushed writes are lost;
// already-flushed data persists. Used on cancellation and after a
// fatal error (§5 Cancellation, §7 fatal error handling).
func (w *Wtxn) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.batch.Reset()
	w.realTx.Rollback()
	w.closed = true
	w.store.mu.Lock()
	w.store.writerOpen = false
	w.store.mu.Unlock()
}
