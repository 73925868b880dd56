// Package storagetest holds the behaviour every storage.Repository backend
// must share. Backend packages call Run from their own tests.
package storagetest

import (
	"errors"
	"sort"
	"testing"

	"github.com/jmcleod/gatewarden/storage"
)

// Run exercises repo against the storage.Repository contract. The
// repository should be empty when passed in.
func Run(t *testing.T, repo storage.Repository) {
	t.Helper()
	const bucket = "b1"
	rec := &storage.Record{Ver: 1, Scheme: storage.SchemeSealed, Nonce: []byte("nonce1234567"), Data: []byte("ciphertext")}

	t.Run("PutGet", func(t *testing.T) {
		if err := repo.Put(bucket, "usage", "fp1", rec); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		got, err := repo.Get(bucket, "usage", "fp1")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if got.Ver != rec.Ver || got.Scheme != rec.Scheme || string(got.Nonce) != string(rec.Nonce) || string(got.Data) != string(rec.Data) {
			t.Errorf("Get returned wrong record: %+v", got)
		}

		got.Data[0] = 'X'
		again, _ := repo.Get(bucket, "usage", "fp1")
		if again.Data[0] == 'X' {
			t.Error("repository must not share record buffers with callers")
		}
	})

	t.Run("Overwrite", func(t *testing.T) {
		if err := repo.Put(bucket, "usage", "fp1", storage.PlainRecord([]byte("v2"))); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		got, err := repo.Get(bucket, "usage", "fp1")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if string(got.Data) != "v2" || got.Scheme != storage.SchemePlain {
			t.Errorf("expected overwritten record, got %+v", got)
		}
	})

	t.Run("GetNotFound", func(t *testing.T) {
		_, err := repo.Get("missing-bucket", "usage", "fp1")
		if !storage.IsNotFound(err) {
			t.Errorf("expected not-found for missing bucket, got %v", err)
		}
		_, err = repo.Get(bucket, "usage", "missing")
		if !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("List", func(t *testing.T) {
		_ = repo.Put(bucket, "usage", "fp2", rec)
		_ = repo.Put(bucket, "session", "fp1", rec)

		ids, err := repo.List(bucket, "usage")
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		sort.Strings(ids)
		if len(ids) != 2 || ids[0] != "fp1" || ids[1] != "fp2" {
			t.Errorf("unexpected ids: %v", ids)
		}

		ids, err = repo.List("missing-bucket", "usage")
		if err != nil {
			t.Fatalf("List on missing bucket failed: %v", err)
		}
		if len(ids) != 0 {
			t.Errorf("expected no ids, got %v", ids)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		if err := repo.Delete(bucket, "usage", "fp2"); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}
		if _, err := repo.Get(bucket, "usage", "fp2"); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("expected ErrNotFound after delete, got %v", err)
		}
		if err := repo.Delete(bucket, "usage", "fp2"); !storage.IsNotFound(err) {
			t.Errorf("expected not-found deleting twice, got %v", err)
		}
	})

	t.Run("BatchCommit", func(t *testing.T) {
		err := repo.Batch(bucket, func(tx storage.BatchTx) error {
			if _, err := tx.Get("counter", "x"); !errors.Is(err, storage.ErrNotFound) {
				t.Errorf("expected ErrNotFound inside batch, got %v", err)
			}
			if err := tx.Put("counter", "x", storage.PlainRecord([]byte("1"))); err != nil {
				return err
			}
			got, err := tx.Get("counter", "x")
			if err != nil {
				return err
			}
			return tx.Put("counter", "x", storage.PlainRecord(append(got.Data, '1')))
		})
		if err != nil {
			t.Fatalf("Batch failed: %v", err)
		}
		got, err := repo.Get(bucket, "counter", "x")
		if err != nil {
			t.Fatalf("Get after batch failed: %v", err)
		}
		if string(got.Data) != "11" {
			t.Errorf("expected 11, got %q", got.Data)
		}
	})

	t.Run("BatchRollback", func(t *testing.T) {
		boom := errors.New("boom")
		err := repo.Batch(bucket, func(tx storage.BatchTx) error {
			if err := tx.Put("counter", "x", storage.PlainRecord([]byte("changed"))); err != nil {
				return err
			}
			if err := tx.Put("counter", "y", storage.PlainRecord([]byte("new"))); err != nil {
				return err
			}
			return boom
		})
		if !errors.Is(err, boom) {
			t.Fatalf("expected boom, got %v", err)
		}
		got, err := repo.Get(bucket, "counter", "x")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if string(got.Data) != "11" {
			t.Errorf("rollback did not restore x: %q", got.Data)
		}
		if _, err := repo.Get(bucket, "counter", "y"); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("rollback left y behind: %v", err)
		}
	})
}
