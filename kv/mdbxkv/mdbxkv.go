// Package mdbxkv backs kv.RwDB with an MDBX environment via
// github.com/torquem-ch/mdbx-go, the teacher's own storage engine
// dependency. It implements nothing beyond the transactional contract
// in package kv — table layout and marker semantics live in package
// store.
package mdbxkv

import (
	"context"
	"fmt"
	"os"

	"github.com/torquem-ch/mdbx-go/mdbx"

	"github.com/starksync/node/kv"
)

// DB wraps an mdbx.Env as a kv.RwDB. Only one RwTx may be open at a
// time; mdbx.Env itself enforces that for us (a second BeginTxn without
// Readonly blocks until the first commits or aborts), which is exactly
// the single-writer discipline the Storage Façade relies on.
type DB struct {
	env  *mdbx.Env
	dbis map[string]mdbx.DBI
}

// Open creates (or opens) an MDBX environment at path and ensures every
// table in kv.Tables exists.
func Open(path string, maxSizeBytes int) (*DB, error) {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("mdbxkv: create data dir: %w", err)
	}
	env, err := mdbx.NewEnv()
	if err != nil {
		return nil, fmt.Errorf("mdbxkv: new env: %w", err)
	}
	if err := env.SetOption(mdbx.OptMaxDB, uint64(len(kv.Tables))); err != nil {
		return nil, fmt.Errorf("mdbxkv: set max dbs: %w", err)
	}
	if maxSizeBytes <= 0 {
		maxSizeBytes = 64 << 30 // 64GiB default geometry ceiling
	}
	if err := env.SetGeometry(-1, -1, maxSizeBytes, -1, -1, 4096); err != nil {
		return nil, fmt.Errorf("mdbxkv: set geometry: %w", err)
	}
	if err := env.Open(path, mdbx.Coalesce|mdbx.LifoReclaim, 0o644); err != nil {
		return nil, fmt.Errorf("mdbxkv: open env: %w", err)
	}

	db := &DB{env: env, dbis: make(map[string]mdbx.DBI, len(kv.Tables))}
	err = env.Update(func(txn *mdbx.Txn) error {
		for _, table := range kv.Tables {
			dbi, err := txn.OpenDBISimple(table, mdbx.Create)
			if err != nil {
				return fmt.Errorf("mdbxkv: open table %s: %w", table, err)
			}
			db.dbis[table] = dbi
		}
		return nil
	})
	if err != nil {
		env.Close()
		return nil, err
	}
	return db, nil
}

func (db *DB) Close() error {
	db.env.Close()
	return nil
}

func (db *DB) dbi(table string) (mdbx.DBI, error) {
	d, ok := db.dbis[table]
	if !ok {
		return 0, fmt.Errorf("mdbxkv: unknown table %q", table)
	}
	return d, nil
}

func (db *DB) View(ctx context.Context, f func(tx kv.Tx) error) error {
	t, err := db.BeginRo(ctx)
	if err != nil {
		return err
	}
	defer t.Rollback()
	return f(t)
}

func (db *DB) Update(ctx context.Context, f func(tx kv.RwTx) error) error {
	rw, err := db.BeginRw(ctx)
	if err != nil {
		return err
	}
	if err := f(rw); err != nil {
		rw.Rollback()
		return err
	}
	return rw.Commit()
}

func (db *DB) BeginRw(ctx context.Context) (kv.RwTx, error) {
	txn, err := db.env.BeginTxn(nil, 0)
	if err != nil {
		return nil, fmt.Errorf("mdbxkv: begin rw txn: %w", err)
	}
	return &tx{db: db, txn: txn}, nil
}

func (db *DB) BeginRo(ctx context.Context) (kv.Tx, error) {
	txn, err := db.env.BeginTxn(nil, mdbx.Readonly)
	if err != nil {
		return nil, fmt.Errorf("mdbxkv: begin ro txn: %w", err)
	}
	return &tx{db: db, txn: txn}, nil
}

type tx struct {
	db  *DB
	txn *mdbx.Txn
}

func (t *tx) GetOne(table string, key []byte) ([]byte, error) {
	dbi, err := t.db.dbi(table)
	if err != nil {
		return nil, err
	}
	v, err := t.txn.Get(dbi, key)
	if err != nil {
		if mdbx.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return v, nil
}

func (t *tx) Has(table string, key []byte) (bool, error) {
	v, err := t.GetOne(table, key)
	if err != nil {
		return false, err
	}
	return v != nil, nil
}

func (t *tx) ForEach(table string, fromPrefix []byte, walker func(k, v []byte) error) error {
	c, err := t.Cursor(table)
	if err != nil {
		return err
	}
	defer c.Close()
	k, v, err := c.Seek(fromPrefix)
	for ; k != nil && err == nil; k, v, err = c.Next() {
		if walkErr := walker(k, v); walkErr != nil {
			return walkErr
		}
	}
	if err != nil {
		return err
	}
	return nil
}

func (t *tx) Cursor(table string) (kv.Cursor, error) {
	dbi, err := t.db.dbi(table)
	if err != nil {
		return nil, err
	}
	c, err := t.txn.OpenCursor(dbi)
	if err != nil {
		return nil, fmt.Errorf("mdbxkv: open cursor %s: %w", table, err)
	}
	return &cursor{c: c}, nil
}

func (t *tx) RwCursor(table string) (kv.RwCursor, error) {
	c, err := t.Cursor(table)
	if err != nil {
		return nil, err
	}
	return &cursor{c: c.(*cursor).c}, nil
}

func (t *tx) Put(table string, k, v []byte) error {
	dbi, err := t.db.dbi(table)
	if err != nil {
		return err
	}
	return t.txn.Put(dbi, k, v, 0)
}

func (t *tx) Delete(table string, k []byte) error {
	dbi, err := t.db.dbi(table)
	if err != nil {
		return err
	}
	err = t.txn.Del(dbi, k, nil)
	if err != nil && mdbx.IsNotFound(err) {
		return nil
	}
	return err
}

func (t *tx) Commit() error {
	_, err := t.txn.Commit()
	return err
}

func (t *tx) Rollback() {
	t.txn.Abort()
}

type cursor struct {
	c *mdbx.Cursor
}

func (c *cursor) First() ([]byte, []byte, error) { return c.get(mdbx.First) }
func (c *cursor) Last() ([]byte, []byte, error)   { return c.get(mdbx.Last) }
func (c *cursor) Next() ([]byte, []byte, error)   { return c.get(mdbx.Next) }

func (c *cursor) Seek(key []byte) ([]byte, []byte, error) {
	if len(key) == 0 {
		return c.First()
	}
	k, v, err := c.c.Get(key, nil, mdbx.SetRange)
	if err != nil {
		if mdbx.IsNotFound(err) {
			return nil, nil, nil
		}
		return nil, nil, err
	}
	return k, v, nil
}

func (c *cursor) Put(k, v []byte) error {
	return c.c.Put(k, v, 0)
}

func (c *cursor) Close() {
	c.c.Close()
}

func (c *cursor) get(op mdbx.CursorOp) ([]byte, []byte, error) {
	k, v, err := c.c.Get(nil, nil, op)
	if err != nil {
		if mdbx.IsNotFound(err) {
			return nil, nil, nil
		}
		return nil, nil, err
	}
	return k, v, nil
}
