// Package storage provides the small key-value abstraction behind
// gatewarden's optional durable state (usage records, session cache).
package storage

import "errors"

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrBucketNotFound is returned when the bucket itself does not exist.
	ErrBucketNotFound = errors.New("bucket not found")
)

// BatchTx reads and writes records within a single atomic transaction.
// The bucket is scoped to the batch, so methods don't require it.
type BatchTx interface {
	Get(recordType, recordID string) (*Record, error)
	Put(recordType, recordID string, rec *Record) error
	Delete(recordType, recordID string) error
}

// Repository defines record storage keyed by (bucket, recordType, recordID).
type Repository interface {
	Put(bucket, recordType, recordID string, rec *Record) error
	Get(bucket, recordType, recordID string) (*Record, error)
	Delete(bucket, recordType, recordID string) error
	List(bucket, recordType string) ([]string, error)
	// Batch runs fn in one transaction. If fn returns an error no write
	// made through tx is kept.
	Batch(bucket string, fn func(tx BatchTx) error) error
}

// IsNotFound reports whether err means the record or its bucket is missing.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrBucketNotFound)
}
