// Package sqlite implements storage.Repository on an embedded SQLite database
// using the pure-Go modernc.org/sqlite driver.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/heartreel/heartreel/storage"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS records (
    namespace   TEXT    NOT NULL,
    record_type TEXT    NOT NULL,
    record_id   TEXT    NOT NULL,
    data        BLOB    NOT NULL,
    version     INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (namespace, record_type, record_id)
);`

// Store implements storage.Repository backed by SQLite.
type Store struct {
	db *sql.DB
}

var _ storage.Repository = (*Store)(nil)

// Open opens (or creates) the database file at path and ensures the schema.
// The special path ":memory:" opens a private in-memory database.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := path
	if path != ":memory:" {
		dsn = filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One writer at a time keeps compare-and-swap honest without
	// BEGIN IMMEDIATE.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// dbtx is the subset of database/sql shared by *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) withTx(ctx context.Context, fn func(tx dbtx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
			return
		}
		err = tx.Commit()
	}()
	return fn(tx)
}

func (s *Store) Put(namespace, recordType, recordID string, record *storage.Record) error {
	return putRecord(context.Background(), s.db, namespace, recordType, recordID, record)
}

func (s *Store) Get(namespace, recordType, recordID string) (*storage.Record, error) {
	return getRecord(context.Background(), s.db, namespace, recordType, recordID)
}

func (s *Store) List(namespace, recordType string) ([]string, error) {
	rows, err := s.db.QueryContext(context.Background(),
		`SELECT record_id FROM records WHERE namespace = ? AND record_type = ? ORDER BY record_id`,
		namespace, recordType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) Delete(namespace, recordType, recordID string) error {
	return deleteRecord(context.Background(), s.db, namespace, recordType, recordID)
}

func (s *Store) PutCAS(namespace, recordType, recordID string, expectedVersion uint64, record *storage.Record) error {
	ctx := context.Background()
	return s.withTx(ctx, func(tx dbtx) error {
		return putCAS(ctx, tx, namespace, recordType, recordID, expectedVersion, record)
	})
}

func (s *Store) Batch(namespace string, fn func(tx storage.BatchTx) error) error {
	ctx := context.Background()
	return s.withTx(ctx, func(tx dbtx) error {
		return fn(&sqliteBatchTx{ctx: ctx, tx: tx, namespace: namespace})
	})
}

type sqliteBatchTx struct {
	ctx       context.Context
	tx        dbtx
	namespace string
}

func (b *sqliteBatchTx) Get(recordType, recordID string) (*storage.Record, error) {
	return getRecord(b.ctx, b.tx, b.namespace, recordType, recordID)
}

func (b *sqliteBatchTx) Put(recordType, recordID string, record *storage.Record) error {
	return putRecord(b.ctx, b.tx, b.namespace, recordType, recordID, record)
}

func (b *sqliteBatchTx) PutCAS(recordType, recordID string, expectedVersion uint64, record *storage.Record) error {
	return putCAS(b.ctx, b.tx, b.namespace, recordType, recordID, expectedVersion, record)
}

func (b *sqliteBatchTx) Delete(recordType, recordID string) error {
	return deleteRecord(b.ctx, b.tx, b.namespace, recordType, recordID)
}

func putRecord(ctx context.Context, q dbtx, namespace, recordType, recordID string, record *storage.Record) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO records (namespace, record_type, record_id, data, version)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (namespace, record_type, record_id)
		 DO UPDATE SET data = excluded.data, version = excluded.version`,
		namespace, recordType, recordID, nonNil(record.Data), int64(record.Version))
	return err
}

func getRecord(ctx context.Context, q dbtx, namespace, recordType, recordID string) (*storage.Record, error) {
	var (
		data    []byte
		version int64
	)
	err := q.QueryRowContext(ctx,
		`SELECT data, version FROM records WHERE namespace = ? AND record_type = ? AND record_id = ?`,
		namespace, recordType, recordID).Scan(&data, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFoundError(ctx, q, namespace, recordType, recordID)
	}
	if err != nil {
		return nil, err
	}
	return &storage.Record{Data: data, Version: uint64(version)}, nil
}

func deleteRecord(ctx context.Context, q dbtx, namespace, recordType, recordID string) error {
	res, err := q.ExecContext(ctx,
		`DELETE FROM records WHERE namespace = ? AND record_type = ? AND record_id = ?`,
		namespace, recordType, recordID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%s/%s: %w", recordType, recordID, storage.ErrNotFound)
	}
	return nil
}

func putCAS(ctx context.Context, q dbtx, namespace, recordType, recordID string, expectedVersion uint64, record *storage.Record) error {
	var current int64
	err := q.QueryRowContext(ctx,
		`SELECT version FROM records WHERE namespace = ? AND record_type = ? AND record_id = ?`,
		namespace, recordType, recordID).Scan(&current)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if expectedVersion != 0 {
			return storage.ErrCASFailed
		}
	case err != nil:
		return err
	case expectedVersion == 0 || uint64(current) != expectedVersion:
		return storage.ErrCASFailed
	}
	return putRecord(ctx, q, namespace, recordType, recordID, record)
}

func notFoundError(ctx context.Context, q dbtx, namespace, recordType, recordID string) error {
	var exists bool
	err := q.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM records WHERE namespace = ? LIMIT 1)`,
		namespace).Scan(&exists)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("checking namespace %s: %w", namespace, err)
	}
	if !exists {
		return fmt.Errorf("%s: %w", namespace, storage.ErrNamespaceNotFound)
	}
	return fmt.Errorf("%s/%s: %w", recordType, recordID, storage.ErrNotFound)
}

func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}
