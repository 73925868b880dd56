// Package postgres implements storage.Repository backed by PostgreSQL.
//
// The records table uses a composite primary key (bucket, record_type,
// record_id) that mirrors the key space used by the BBolt and in-memory
// backends. Record fields are stored as individual columns with nonce and
// payload kept as BYTEA.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jmcleod/gatewarden/storage"
)

const upsertSQL = `INSERT INTO records (bucket, record_type, record_id, ver, scheme, nonce, data, updated_at)
	 VALUES ($1, $2, $3, $4, $5, $6, $7, now())
	 ON CONFLICT (bucket, record_type, record_id)
	 DO UPDATE SET ver = $4, scheme = $5, nonce = $6, data = $7, updated_at = now()`

const selectSQL = `SELECT ver, scheme, nonce, data
	 FROM records WHERE bucket = $1 AND record_type = $2 AND record_id = $3`

const deleteSQL = `DELETE FROM records WHERE bucket = $1 AND record_type = $2 AND record_id = $3`

// Store implements storage.Repository backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ storage.Repository = (*Store)(nil)

// NewRepository returns a Repository backed by the given pgx connection pool.
func NewRepository(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// NewRepositoryFromDSN creates a connection pool from a DSN string, ensures
// the schema exists, and returns a new Repository.
func NewRepositoryFromDSN(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensuring schema: %w", err)
	}
	return NewRepository(pool), nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) Put(bucket, recordType, recordID string, rec *storage.Record) error {
	_, err := s.pool.Exec(context.Background(), upsertSQL,
		bucket, recordType, recordID, rec.Ver, rec.Scheme, rec.Nonce, rec.Data)
	return err
}

func (s *Store) Get(bucket, recordType, recordID string) (*storage.Record, error) {
	return getRecord(context.Background(), s.pool, bucket, recordType, recordID)
}

func (s *Store) List(bucket, recordType string) ([]string, error) {
	rows, err := s.pool.Query(context.Background(),
		`SELECT record_id FROM records WHERE bucket = $1 AND record_type = $2`,
		bucket, recordType)
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

func (s *Store) Delete(bucket, recordType, recordID string) error {
	return deleteRecord(context.Background(), s.pool, bucket, recordType, recordID)
}

func (s *Store) Batch(bucket string, fn func(tx storage.BatchTx) error) error {
	ctx := context.Background()
	pgTx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer pgTx.Rollback(ctx) //nolint:errcheck

	if err := fn(&pgBatchTx{tx: pgTx, bucket: bucket}); err != nil {
		return err
	}
	return pgTx.Commit(ctx)
}

type pgBatchTx struct {
	tx     pgx.Tx
	bucket string
}

var _ storage.BatchTx = (*pgBatchTx)(nil)

// Get locks the row for the rest of the batch so read-modify-write
// sequences from concurrent batches serialise.
func (btx *pgBatchTx) Get(recordType, recordID string) (*storage.Record, error) {
	var rec storage.Record
	err := btx.tx.QueryRow(context.Background(), selectSQL+" FOR UPDATE",
		btx.bucket, recordType, recordID).Scan(&rec.Ver, &rec.Scheme, &rec.Nonce, &rec.Data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s/%s: %w", recordType, recordID, storage.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (btx *pgBatchTx) Put(recordType, recordID string, rec *storage.Record) error {
	_, err := btx.tx.Exec(context.Background(), upsertSQL,
		btx.bucket, recordType, recordID, rec.Ver, rec.Scheme, rec.Nonce, rec.Data)
	return err
}

func (btx *pgBatchTx) Delete(recordType, recordID string) error {
	tag, err := btx.tx.Exec(context.Background(), deleteSQL, btx.bucket, recordType, recordID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s/%s: %w", recordType, recordID, storage.ErrNotFound)
	}
	return nil
}

func getRecord(ctx context.Context, pool *pgxpool.Pool, bucket, recordType, recordID string) (*storage.Record, error) {
	var rec storage.Record
	err := pool.QueryRow(ctx, selectSQL, bucket, recordType, recordID).
		Scan(&rec.Ver, &rec.Scheme, &rec.Nonce, &rec.Data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFoundError(ctx, pool, bucket, recordType, recordID)
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func deleteRecord(ctx context.Context, pool *pgxpool.Pool, bucket, recordType, recordID string) error {
	tag, err := pool.Exec(ctx, deleteSQL, bucket, recordType, recordID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return notFoundError(ctx, pool, bucket, recordType, recordID)
	}
	return nil
}

// notFoundError distinguishes a missing bucket from a missing record.
func notFoundError(ctx context.Context, pool *pgxpool.Pool, bucket, recordType, recordID string) error {
	var exists bool
	err := pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM records WHERE bucket = $1)`, bucket).Scan(&exists)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%s: %w", bucket, storage.ErrBucketNotFound)
	}
	return fmt.Errorf("%s/%s: %w", recordType, recordID, storage.ErrNotFound)
}
