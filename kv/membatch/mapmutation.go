// Package membatch provides the in-memory shadow buffer the Storage
// Façade stages writes into between durable flushes. It is adapted from
// erigon-lib/kv/membatch's Mapmutation: an uncommitted map of
// table->key->value that answers reads against itself first and falls
// back to the last flushed transaction, and that is explicitly not
// itself a kv.RwTx — callers must Flush it into a real one.
package membatch

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/ledgerwatch/log/v3"

	"github.com/starksync/node/kv"
)

// Mapmutation stages writes across many logical commits and flushes
// them into a real kv.RwTx only when told to. Reads against it merge
// its own staged writes over whatever base Tx it was built with,
// without ever mutating that base Tx before Flush.
type Mapmutation struct {
	mu     sync.RWMutex
	puts   map[string]map[string][]byte
	dels   map[string]map[string]struct{}
	base   kv.Tx
	count  uint64
	size   int
	logger log.Logger
}

// New starts an empty batch layered over base, which may be nil if no
// prior flushed state exists yet (first run against an empty store).
func New(base kv.Tx, logger log.Logger) *Mapmutation {
	return &Mapmutation{
		puts:   make(map[string]map[string][]byte),
		dels:   make(map[string]map[string]struct{}),
		base:   base,
		logger: logger,
	}
}

func (m *Mapmutation) Put(table string, k, v []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.puts[table]; !ok {
		m.puts[table] = make(map[string][]byte)
	}
	key := string(k)
	if old, ok := m.puts[table][key]; ok {
		m.size += len(v) - len(old)
	} else {
		m.size += len(k) + len(v)
		m.count++
	}
	m.puts[table][key] = v
	if d, ok := m.dels[table]; ok {
		delete(d, key)
	}
	return nil
}

func (m *Mapmutation) Delete(table string, k []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := string(k)
	if p, ok := m.puts[table]; ok {
		delete(p, key)
	}
	if _, ok := m.dels[table]; !ok {
		m.dels[table] = make(map[string]struct{})
	}
	m.dels[table][key] = struct{}{}
	m.count++
	return nil
}

func (m *Mapmutation) GetOne(table string, key []byte) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	skey := string(key)
	if p, ok := m.puts[table]; ok {
		if v, ok := p[skey]; ok {
			return v, nil
		}
	}
	if d, ok := m.dels[table]; ok {
		if _, deleted := d[skey]; deleted {
			return nil, nil
		}
	}
	if m.base != nil {
		return m.base.GetOne(table, key)
	}
	return nil, nil
}

func (m *Mapmutation) Has(table string, key []byte) (bool, error) {
	v, err := m.GetOne(table, key)
	if err != nil {
		return false, err
	}
	return v != nil, nil
}

// ForEach merges staged writes over the base table in key order. It is
// used sparingly (marker reads go through GetOne); scans are mostly a
// test/debug convenience.
func (m *Mapmutation) ForEach(table string, fromPrefix []byte, walker func(k, v []byte) error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	merged := make(map[string][]byte)
	if m.base != nil {
		if err := m.base.ForEach(table, fromPrefix, func(k, v []byte) error {
			merged[string(k)] = v
			return nil
		}); err != nil {
			return err
		}
	}
	if d, ok := m.dels[table]; ok {
		for k := range d {
			delete(merged, k)
		}
	}
	if p, ok := m.puts[table]; ok {
		for k, v := range p {
			merged[k] = v
		}
	}

	keys := make([]string, 0, len(merged))
	prefix := string(fromPrefix)
	for k := range merged {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := walker([]byte(k), merged[k]); err != nil {
			return err
		}
	}
	return nil
}

// Size reports the approximate staged byte footprint, mirroring
// Mapmutation.BatchSize in the teacher.
func (m *Mapmutation) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.size
}

// Count reports the number of distinct staged writes. The Storage
// Façade does not consult it: its flushes are driven by the
// logical-commit count alone.
func (m *Mapmutation) Count() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.count
}

// Flush writes every staged put/delete into tx in sorted-key order per
// table and then resets the batch to empty. Nothing is visible to
// fresh snapshots until the caller commits tx.
func (m *Mapmutation) Flush(ctx context.Context, tx kv.RwTx) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tables := make(map[string]struct{}, len(m.puts)+len(m.dels))
	for t := range m.puts {
		tables[t] = struct{}{}
	}
	for t := range m.dels {
		tables[t] = struct{}{}
	}

	for table := range tables {
		keys := make([]string, 0, len(m.puts[table])+len(m.dels[table]))
		for k := range m.puts[table] {
			keys = append(keys, k)
		}
		for k := range m.dels[table] {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if v, ok := m.puts[table][k]; ok {
				if err := tx.Put(table, []byte(k), v); err != nil {
					return fmt.Errorf("membatch: flush put %s: %w", table, err)
				}
				continue
			}
			if err := tx.Delete(table, []byte(k)); err != nil {
				return fmt.Errorf("membatch: flush delete %s: %w", table, err)
			}
		}
	}

	if m.logger != nil {
		m.logger.Debug("membatch: flushed batch", "puts+deletes", m.count, "bytes", m.size)
	}

	m.puts = map[string]map[string][]byte{}
	m.dels = map[string]map[string]struct{}{}
	m.size = 0
	m.count = 0
	return nil
}

// Reset drops all staged writes without flushing, used when the Sync
// Engine discards its writer on a fatal error or cancellation.
func (m *Mapmutation) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.puts = map[string]map[string][]byte{}
	m.dels = map[string]map[string]struct{}{}
	m.size = 0
	m.count = 0
}

// Commit and Rollback intentionally panic: a Mapmutation is not a real
// transaction. Callers must Flush it into a kv.RwTx and commit that.
func (m *Mapmutation) Commit() error { panic("membatch: not a db txn, use Flush") }
func (m *Mapmutation) Rollback()     { panic("membatch: not a db txn, use Reset") }
