package quota

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jmcleod/gatewarden/storage"
)

const (
	usageBucket     = "quota"
	usageRecordType = "USAGE"
)

// RepositoryStore keeps usage records as plain JSON records in a
// storage.Repository, so counts survive restarts when the repository is
// durable (bbolt, postgres).
type RepositoryStore struct {
	repo storage.Repository
}

var _ Store = (*RepositoryStore)(nil)

// NewRepositoryStore returns a Store over repo.
func NewRepositoryStore(repo storage.Repository) *RepositoryStore {
	return &RepositoryStore{repo: repo}
}

func decodeUsage(rec *storage.Record) (UsageRecord, error) {
	data, err := storage.OpenRecord(nil, rec, nil)
	if err != nil {
		return UsageRecord{}, err
	}
	var u UsageRecord
	if err := json.Unmarshal(data, &u); err != nil {
		return UsageRecord{}, err
	}
	return u, nil
}

func encodeUsage(u UsageRecord) (*storage.Record, error) {
	data, err := json.Marshal(u)
	if err != nil {
		return nil, err
	}
	return storage.PlainRecord(data), nil
}

func (s *RepositoryStore) Load(_ context.Context, fp string) (UsageRecord, bool, error) {
	rec, err := s.repo.Get(usageBucket, usageRecordType, fp)
	if storage.IsNotFound(err) {
		return UsageRecord{}, false, nil
	}
	if err != nil {
		return UsageRecord{}, false, err
	}
	u, err := decodeUsage(rec)
	if err != nil {
		return UsageRecord{}, false, err
	}
	return u, true, nil
}

func (s *RepositoryStore) Increment(_ context.Context, fp, day string, now time.Time) (UsageRecord, error) {
	var next UsageRecord
	err := s.repo.Batch(usageBucket, func(tx storage.BatchTx) error {
		var prev UsageRecord
		found := false
		rec, err := tx.Get(usageRecordType, fp)
		switch {
		case err == nil:
			// An undecodable record is treated as absent and overwritten.
			if u, decErr := decodeUsage(rec); decErr == nil {
				prev, found = u, true
			}
		case !errors.Is(err, storage.ErrNotFound):
			return err
		}
		next = Advance(prev, found, fp, day, now)
		out, err := encodeUsage(next)
		if err != nil {
			return err
		}
		return tx.Put(usageRecordType, fp, out)
	})
	if err != nil {
		return UsageRecord{}, err
	}
	return next, nil
}

func (s *RepositoryStore) Prune(_ context.Context, before string) (int, error) {
	ids, err := s.repo.List(usageBucket, usageRecordType)
	if err != nil {
		return 0, err
	}
	removed := 0
	err = s.repo.Batch(usageBucket, func(tx storage.BatchTx) error {
		for _, id := range ids {
			rec, err := tx.Get(usageRecordType, id)
			if err != nil {
				continue
			}
			u, err := decodeUsage(rec)
			if err == nil && u.Day >= before {
				continue
			}
			if err := tx.Delete(usageRecordType, id); err != nil && !errors.Is(err, storage.ErrNotFound) {
				return err
			}
			removed++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}
