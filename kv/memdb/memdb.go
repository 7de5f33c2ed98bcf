// Package memdb provides an in-memory kv.RwDB for tests, the same role
// erigon-lib/kv/memdb.NewTestDB plays for the teacher's stage tests: a
// throwaway backend that honors the single-writer/many-reader contract
// without needing a real MDBX file on disk.
package memdb

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/starksync/node/kv"
)

// New returns an empty in-memory RwDB with every table in kv.Tables
// pre-created.
func New() kv.RwDB {
	d := &db{tables: make(map[string]map[string][]byte)}
	for _, t := range kv.Tables {
		d.tables[t] = make(map[string][]byte)
	}
	return d
}

type db struct {
	mu       sync.Mutex
	writerOn bool
	tables   map[string]map[string][]byte
}

func (d *db) View(ctx context.Context, f func(tx kv.Tx) error) error {
	t, err := d.BeginRo(ctx)
	if err != nil {
		return err
	}
	defer t.Rollback()
	return f(t)
}

func (d *db) Update(ctx context.Context, f func(tx kv.RwTx) error) error {
	t, err := d.BeginRw(ctx)
	if err != nil {
		return err
	}
	if err := f(t); err != nil {
		t.Rollback()
		return err
	}
	return t.Commit()
}

func (d *db) BeginRw(ctx context.Context) (kv.RwTx, error) {
	d.mu.Lock()
	if d.writerOn {
		d.mu.Unlock()
		return nil, fmt.Errorf("memdb: writer already open")
	}
	d.writerOn = true
	d.mu.Unlock()

	snapshot := d.snapshot()
	return &tx{d: d, base: snapshot, staged: cloneTables(snapshot), writable: true}, nil
}

func (d *db) BeginRo(ctx context.Context) (kv.Tx, error) {
	return &tx{d: d, base: d.snapshot()}, nil
}

func (d *db) Close() error { return nil }

func (d *db) snapshot() map[string]map[string][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return cloneTables(d.tables)
}

func cloneTables(src map[string]map[string][]byte) map[string]map[string][]byte {
	dst := make(map[string]map[string][]byte, len(src))
	for t, m := range src {
		nm := make(map[string][]byte, len(m))
		for k, v := range m {
			nm[k] = v
		}
		dst[t] = nm
	}
	return dst
}

// tx serves reads from base (a frozen snapshot) and, if writable,
// stages mutations into staged until Commit copies staged back into
// the parent db under lock.
type tx struct {
	d        *db
	base     map[string]map[string][]byte
	staged   map[string]map[string][]byte
	writable bool
	done     bool
}

func (t *tx) view() map[string]map[string][]byte {
	if t.writable {
		return t.staged
	}
	return t.base
}

func (t *tx) GetOne(table string, key []byte) ([]byte, error) {
	m, ok := t.view()[table]
	if !ok {
		return nil, fmt.Errorf("memdb: unknown table %q", table)
	}
	return m[string(key)], nil
}

func (t *tx) Has(table string, key []byte) (bool, error) {
	v, err := t.GetOne(table, key)
	if err != nil {
		return false, err
	}
	return v != nil, nil
}

func (t *tx) ForEach(table string, fromPrefix []byte, walker func(k, v []byte) error) error {
	m, ok := t.view()[table]
	if !ok {
		return fmt.Errorf("memdb: unknown table %q", table)
	}
	keys := make([]string, 0, len(m))
	prefix := string(fromPrefix)
	for k := range m {
		if len(prefix) == 0 || len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := walker([]byte(k), m[k]); err != nil {
			return err
		}
	}
	return nil
}

func (t *tx) Cursor(table string) (kv.Cursor, error) {
	m, ok := t.view()[table]
	if !ok {
		return nil, fmt.Errorf("memdb: unknown table %q", table)
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return &cursor{keys: keys, m: m, pos: -1}, nil
}

func (t *tx) RwCursor(table string) (kv.RwCursor, error) {
	c, err := t.Cursor(table)
	if err != nil {
		return nil, err
	}
	return &rwCursor{cursor: c.(*cursor), table: table, tx: t}, nil
}

func (t *tx) Put(table string, k, v []byte) error {
	if !t.writable {
		return fmt.Errorf("memdb: read-only tx")
	}
	if _, ok := t.staged[table]; !ok {
		return fmt.Errorf("memdb: unknown table %q", table)
	}
	t.staged[table][string(k)] = v
	return nil
}

func (t *tx) Delete(table string, k []byte) error {
	if !t.writable {
		return fmt.Errorf("memdb: read-only tx")
	}
	delete(t.staged[table], string(k))
	return nil
}

func (t *tx) Commit() error {
	if !t.writable || t.done {
		return fmt.Errorf("memdb: tx not writable or already closed")
	}
	t.d.mu.Lock()
	t.d.tables = cloneTables(t.staged)
	t.d.writerOn = false
	t.d.mu.Unlock()
	t.done = true
	return nil
}

func (t *tx) Rollback() {
	if t.done {
		return
	}
	t.done = true
	if t.writable {
		t.d.mu.Lock()
		t.d.writerOn = false
		t.d.mu.Unlock()
	}
}

type cursor struct {
	keys []string
	m    map[string][]byte
	pos  int
}

func (c *cursor) First() ([]byte, []byte, error) {
	if len(c.keys) == 0 {
		return nil, nil, nil
	}
	c.pos = 0
	return []byte(c.keys[0]), c.m[c.keys[0]], nil
}

func (c *cursor) Last() ([]byte, []byte, error) {
	if len(c.keys) == 0 {
		return nil, nil, nil
	}
	c.pos = len(c.keys) - 1
	return []byte(c.keys[c.pos]), c.m[c.keys[c.pos]], nil
}

func (c *cursor) Next() ([]byte, []byte, error) {
	c.pos++
	if c.pos >= len(c.keys) {
		return nil, nil, nil
	}
	return []byte(c.keys[c.pos]), c.m[c.keys[c.pos]], nil
}

func (c *cursor) Seek(key []byte) ([]byte, []byte, error) {
	target := string(key)
	idx := sort.SearchStrings(c.keys, target)
	if idx >= len(c.keys) {
		c.pos = idx
		return nil, nil, nil
	}
	c.pos = idx
	return []byte(c.keys[idx]), c.m[c.keys[idx]], nil
}

func (c *cursor) Close() {}

type rwCursor struct {
	*cursor
	table string
	tx    *tx
}

func (c *rwCursor) Put(k, v []byte) error {
	return c.tx.Put(c.table, k, v)
}
