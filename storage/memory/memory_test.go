package memory

import (
	"testing"

	"github.com/jmcleod/gatewarden/storage"
	"github.com/jmcleod/gatewarden/storage/storagetest"
)

func TestMemoryRepository(t *testing.T) {
	storagetest.Run(t, NewRepository())
}

func TestMemoryBatchRollbackRemovesNewBucket(t *testing.T) {
	repo := NewRepository()
	_ = repo.Batch("fresh", func(tx storage.BatchTx) error {
		_ = tx.Put("t", "id", storage.PlainRecord([]byte("x")))
		return storage.ErrNotFound
	})
	if _, ok := repo.data["fresh"]; ok {
		t.Error("rollback should drop a bucket created inside the failed batch")
	}
}
