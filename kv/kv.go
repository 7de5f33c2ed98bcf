// Package kv defines the minimal transactional key-value contract the
// Storage Façade is built on: one writer at a time, any number of
// concurrent read-only snapshots, each snapshot seeing only what the last
// writer committed.
package kv

import "context"

// Table names used by the Storage Façade. Kept here, rather than in
// store, so both the mdbx-backed implementation and the in-memory
// batching layer can refer to them without importing store.
const (
	Markers         = "Markers"
	Headers         = "Headers"
	Bodies          = "Bodies"
	StateDiffs      = "StateDiffs"
	SierraClasses   = "SierraClasses"
	DeprecatedClass = "DeprecatedClasses"
	CompiledClasses = "CompiledClasses"
)

// Tables lists every bucket the façade creates on first open.
var Tables = []string{
	Markers,
	Headers,
	Bodies,
	StateDiffs,
	SierraClasses,
	DeprecatedClass,
	CompiledClasses,
}

// Tx is a read-only view, a point-in-time snapshot of the last flushed
// state. It never observes writes staged by an open RwTx.
type Tx interface {
	GetOne(table string, key []byte) ([]byte, error)
	Has(table string, key []byte) (bool, error)
	ForEach(table string, fromPrefix []byte, walker func(k, v []byte) error) error
	Cursor(table string) (Cursor, error)
	Rollback()
}

// Cursor walks a table in key order.
type Cursor interface {
	First() (k, v []byte, err error)
	Last() (k, v []byte, err error)
	Next() (k, v []byte, err error)
	Seek(key []byte) (k, v []byte, err error)
	Close()
}

// RwTx is the single exclusive writer handle. It extends Tx with
// mutation, but its reads are never mixed with Tx's "last flushed"
// guarantee: callers that also need unflushed visibility read through
// their own shadow state, not through RwTx.
type RwTx interface {
	Tx
	Put(table string, k, v []byte) error
	Delete(table string, k []byte) error
	Commit() error
	RwCursor(table string) (RwCursor, error)
}

// RwCursor additionally supports writes while positioned.
type RwCursor interface {
	Cursor
	Put(k, v []byte) error
}

// RwDB is the storage engine handle: it can hand out read-only
// snapshots and exactly one exclusive read-write transaction at a time.
type RwDB interface {
	// View opens a fresh read-only snapshot, runs f on it, and closes
	// it (via Tx.Rollback) when f returns.
	View(ctx context.Context, f func(tx Tx) error) error
	// Update opens the exclusive writer, runs f, and commits unless f
	// returns an error (in which case the writer is rolled back).
	Update(ctx context.Context, f func(tx RwTx) error) error
	// BeginRw opens the exclusive writer for manual lifetime control,
	// used by the Storage Façade to hold one open across many logical
	// commits between flushes.
	BeginRw(ctx context.Context) (RwTx, error)
	// BeginRo opens a read-only snapshot for manual lifetime control.
	BeginRo(ctx context.Context) (Tx, error)
	Close() error
}
