package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jmcleod/gatewarden/internal/util"
	"github.com/jmcleod/gatewarden/storage"
)

const (
	cacheBucket       = "sessions"
	cacheRecordType   = "ENTRY"
	cacheKeyType      = "CACHE_KEY"
	cacheKeyID        = "current"
	cacheAADPrefix    = "session:"
	cacheKeyWrapping  = "gatewarden:session_cache_key:v1"
	wrappingKeyLength = 32
)

// PersistentCache stores entries in a storage.Repository, encrypted at rest
// using AES-256-GCM, so logouts and forced invalidations survive restarts.
//
// The entry encryption key is itself sealed with an externally provided
// wrapping key before being stored, so a repository compromise alone cannot
// recover session data.
type PersistentCache struct {
	repo        storage.Repository
	key         []byte
	wrappingKey []byte
	now         func() time.Time
	logger      *slog.Logger
	closeOnce   sync.Once
}

var _ Cache = (*PersistentCache)(nil)

// NewPersistentCache creates a cache backed by repo. The wrappingKey (32
// bytes) seals the entry key at rest and is never stored in repo.
func NewPersistentCache(repo storage.Repository, wrappingKey []byte, now func() time.Time, logger *slog.Logger) (*PersistentCache, error) {
	if len(wrappingKey) != wrappingKeyLength {
		return nil, fmt.Errorf("wrapping key must be exactly %d bytes, got %d", wrappingKeyLength, len(wrappingKey))
	}
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	wk := util.CopyBytes(wrappingKey)

	key, err := loadOrCreateCacheKey(repo, wk, logger)
	if err != nil {
		util.WipeBytes(wk)
		return nil, err
	}
	return &PersistentCache{
		repo:        repo,
		key:         key,
		wrappingKey: wk,
		now:         now,
		logger:      logger,
	}, nil
}

// Close wipes key material. The cache must not be used afterwards.
func (c *PersistentCache) Close() {
	c.closeOnce.Do(func() {
		util.WipeBytes(c.key)
		util.WipeBytes(c.wrappingKey)
	})
}

func (c *PersistentCache) Get(tokenID string) (Entry, bool) {
	rec, err := c.repo.Get(cacheBucket, cacheRecordType, tokenID)
	if err != nil {
		if !storage.IsNotFound(err) {
			c.logger.Warn("session cache read failed", "error", err)
		}
		return Entry{}, false
	}
	e, err := c.open(tokenID, rec)
	if err != nil {
		c.logger.Warn("dropping unreadable session cache entry", "error", err)
		c.Delete(tokenID)
		return Entry{}, false
	}
	if c.now().After(e.ExpiresAt) {
		c.Delete(tokenID)
		return Entry{}, false
	}
	return e, true
}

func (c *PersistentCache) Put(tokenID string, e Entry) {
	data, err := json.Marshal(e)
	if err != nil {
		c.logger.Error("encoding session cache entry", "error", err)
		return
	}
	rec, err := storage.SealRecord(c.key, data, []byte(cacheAADPrefix+tokenID))
	if err != nil {
		c.logger.Error("sealing session cache entry", "error", err)
		return
	}
	if err := c.repo.Put(cacheBucket, cacheRecordType, tokenID, rec); err != nil {
		c.logger.Error("writing session cache entry", "error", err)
	}
}

func (c *PersistentCache) Delete(tokenID string) {
	if err := c.repo.Delete(cacheBucket, cacheRecordType, tokenID); err != nil && !storage.IsNotFound(err) {
		c.logger.Warn("deleting session cache entry", "error", err)
	}
}

func (c *PersistentCache) Sweep() int {
	ids, err := c.repo.List(cacheBucket, cacheRecordType)
	if err != nil {
		c.logger.Warn("listing session cache entries", "error", err)
		return 0
	}
	now := c.now()
	removed := 0
	for _, id := range ids {
		rec, err := c.repo.Get(cacheBucket, cacheRecordType, id)
		if err != nil {
			continue
		}
		e, err := c.open(id, rec)
		// Corrupt or expired entries are both removed.
		if err != nil || now.After(e.ExpiresAt) {
			c.Delete(id)
			removed++
		}
	}
	return removed
}

func (c *PersistentCache) open(tokenID string, rec *storage.Record) (Entry, error) {
	data, err := storage.OpenRecord(c.key, rec, []byte(cacheAADPrefix+tokenID))
	if err != nil {
		return Entry{}, err
	}
	defer util.WipeBytes(data)
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return Entry{}, err
	}
	return e, nil
}

// loadOrCreateCacheKey loads the entry encryption key from storage,
// unsealing it with the wrapping key. If no key exists, or the wrapping key
// has changed, a new random key is generated, sealed and persisted. Entries
// sealed under the old key then become unreadable and are swept.
func loadOrCreateCacheKey(repo storage.Repository, wrappingKey []byte, logger *slog.Logger) ([]byte, error) {
	aad := []byte(cacheKeyWrapping)

	rec, err := repo.Get(cacheBucket, cacheKeyType, cacheKeyID)
	switch {
	case err == nil:
		key, openErr := storage.OpenRecord(wrappingKey, rec, aad)
		if openErr == nil && len(key) == util.KeySize {
			return key, nil
		}
		logger.Warn("session cache key could not be unwrapped; generating a new one")
	case !errors.Is(err, storage.ErrNotFound) && !errors.Is(err, storage.ErrBucketNotFound):
		return nil, err
	}

	key, err := util.RandomBytes(util.KeySize)
	if err != nil {
		return nil, err
	}
	sealed, err := storage.SealRecord(wrappingKey, key, aad)
	if err != nil {
		util.WipeBytes(key)
		return nil, fmt.Errorf("sealing new session cache key: %w", err)
	}
	if err := repo.Put(cacheBucket, cacheKeyType, cacheKeyID, sealed); err != nil {
		util.WipeBytes(key)
		return nil, err
	}
	return key, nil
}
