package quota

import (
	"bytes"
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/gatewarden/storage/bbolt"
	"github.com/jmcleod/gatewarden/storage/memory"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

func newTracker(t *testing.T, store Store, clock *testClock) *Tracker {
	t.Helper()
	tr, err := New(store, Config{Now: clock.Now})
	require.NoError(t, err)
	return tr
}

// trackerTests runs the common behaviour against any Store.
func trackerTests(t *testing.T, newStore func() Store) {
	ctx := context.Background()

	t.Run("CheckRecordCheck", func(t *testing.T) {
		clock := &testClock{t: time.Date(2026, 6, 10, 3, 0, 0, 0, time.UTC)}
		tr := newTracker(t, newStore(), clock)

		st := tr.Check(ctx, "dev1")
		assert.True(t, st.Allowed)
		assert.Equal(t, 1, st.Remaining)
		assert.Empty(t, st.Reason)

		rec, err := tr.Record(ctx, "dev1")
		require.NoError(t, err)
		assert.Equal(t, 1, rec.Count)
		assert.Equal(t, "2026-06-10", rec.Day)

		st = tr.Check(ctx, "dev1")
		assert.False(t, st.Allowed)
		assert.Equal(t, 0, st.Remaining)
		assert.Equal(t, 1, st.Used)
		assert.Contains(t, st.Reason, "daily limit")

		assert.True(t, tr.Check(ctx, "dev2").Allowed, "other devices are unaffected")
	})

	t.Run("NextDayAllowsAgain", func(t *testing.T) {
		clock := &testClock{t: time.Date(2026, 6, 10, 3, 0, 0, 0, time.UTC)}
		tr := newTracker(t, newStore(), clock)

		_, err := tr.Record(ctx, "dev1")
		require.NoError(t, err)
		require.False(t, tr.Check(ctx, "dev1").Allowed)

		clock.Set(clock.Now().Add(24 * time.Hour))
		assert.True(t, tr.Check(ctx, "dev1").Allowed)

		rec, err := tr.Record(ctx, "dev1")
		require.NoError(t, err)
		assert.Equal(t, 1, rec.Count, "a new day resets the count before incrementing")
		assert.Equal(t, "2026-06-11", rec.Day)
	})

	t.Run("DayBoundaryIsReferenceMidnight", func(t *testing.T) {
		// 14:59 UTC is 23:59 in UTC+9; 15:00 UTC is the next day there.
		clock := &testClock{t: time.Date(2026, 6, 10, 14, 59, 0, 0, time.UTC)}
		tr := newTracker(t, newStore(), clock)

		_, err := tr.Record(ctx, "dev1")
		require.NoError(t, err)
		assert.False(t, tr.Check(ctx, "dev1").Allowed)

		clock.Set(time.Date(2026, 6, 10, 15, 0, 0, 0, time.UTC))
		st := tr.Check(ctx, "dev1")
		assert.True(t, st.Allowed)
		assert.Equal(t, "2026-06-11", st.Day)
	})

	t.Run("Prune", func(t *testing.T) {
		clock := &testClock{t: time.Date(2026, 6, 10, 3, 0, 0, 0, time.UTC)}
		store := newStore()
		tr := newTracker(t, store, clock)

		_, err := tr.Record(ctx, "old")
		require.NoError(t, err)
		clock.Set(clock.Now().Add(48 * time.Hour))
		_, err = tr.Record(ctx, "new")
		require.NoError(t, err)

		n, err := tr.Prune(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		_, found, err := store.Load(ctx, "old")
		require.NoError(t, err)
		assert.False(t, found)
		_, found, err = store.Load(ctx, "new")
		require.NoError(t, err)
		assert.True(t, found)
	})

	t.Run("ConcurrentRecordIsAtomic", func(t *testing.T) {
		clock := &testClock{t: time.Date(2026, 6, 10, 3, 0, 0, 0, time.UTC)}
		store := newStore()
		tr := newTracker(t, store, clock)

		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, _ = tr.Record(ctx, "shared")
			}()
		}
		wg.Wait()
		rec, found, err := store.Load(ctx, "shared")
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, 20, rec.Count)
	})
}

func TestMemoryStore(t *testing.T) {
	trackerTests(t, func() Store { return NewMemoryStore() })
}

func TestRepositoryStoreMemory(t *testing.T) {
	trackerTests(t, func() Store { return NewRepositoryStore(memory.NewRepository()) })
}

func TestRepositoryStoreBBolt(t *testing.T) {
	dir := t.TempDir()
	n := 0
	trackerTests(t, func() Store {
		n++
		repo, err := bbolt.NewRepositoryFromFile(filepath.Join(dir, "quota-"+string(rune('a'+n))+".db"), nil)
		require.NoError(t, err)
		t.Cleanup(func() { repo.Close() })
		return NewRepositoryStore(repo)
	})
}

func TestDailyMaxGreaterThanOne(t *testing.T) {
	ctx := context.Background()
	clock := &testClock{t: time.Date(2026, 6, 10, 3, 0, 0, 0, time.UTC)}
	tr, err := New(NewMemoryStore(), Config{DailyMax: 3, Now: clock.Now})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		st := tr.Check(ctx, "d")
		require.True(t, st.Allowed)
		assert.Equal(t, 3-i, st.Remaining)
		_, err := tr.Record(ctx, "d")
		require.NoError(t, err)
	}
	st := tr.Check(ctx, "d")
	assert.False(t, st.Allowed)
	assert.Contains(t, st.Reason, "daily limit of 3 free conversions")
}

func TestNegativeCountIsClampedAndLogged(t *testing.T) {
	ctx := context.Background()
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	clock := &testClock{t: time.Date(2026, 6, 10, 3, 0, 0, 0, time.UTC)}
	store := NewMemoryStore()
	store.Set(UsageRecord{Fingerprint: "d", Day: "2026-06-10", Count: -4})

	tr, err := New(store, Config{Now: clock.Now, Logger: logger})
	require.NoError(t, err)

	st := tr.Check(ctx, "d")
	assert.True(t, st.Allowed)
	assert.Equal(t, 0, st.Used)
	assert.Contains(t, buf.String(), "level=ERROR")

	buf.Reset()
	rec, err := tr.Record(ctx, "d")
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Count)
	assert.Contains(t, buf.String(), "negative usage count")
}

func TestEmptyFingerprintSharesUnknownBucket(t *testing.T) {
	ctx := context.Background()
	clock := &testClock{t: time.Date(2026, 6, 10, 3, 0, 0, 0, time.UTC)}
	store := NewMemoryStore()
	tr := newTracker(t, store, clock)

	_, err := tr.Record(ctx, "")
	require.NoError(t, err)
	assert.False(t, tr.Check(ctx, UnknownDevice).Allowed)
}

func TestResetTimeAndZone(t *testing.T) {
	clock := &testClock{t: time.Date(2026, 6, 10, 3, 0, 0, 0, time.UTC)}
	tr := newTracker(t, NewMemoryStore(), clock)

	assert.Equal(t, "UTC+9", tr.Location().String())
	reset := tr.ResetTime(clock.Now())
	assert.Equal(t, time.Date(2026, 6, 10, 15, 0, 0, 0, time.UTC), reset.UTC())
	assert.Equal(t, "UTC-5.5", FixedZone(-5*time.Hour-30*time.Minute).String())
	assert.Equal(t, "UTC", FixedZone(0).String())
}

func TestNewValidates(t *testing.T) {
	_, err := New(nil, Config{})
	assert.Error(t, err)
	_, err = New(NewMemoryStore(), Config{DailyMax: -1})
	assert.Error(t, err)
}

func TestAdvance(t *testing.T) {
	now := time.Date(2026, 6, 10, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name     string
		prev     UsageRecord
		found    bool
		want     int
		repaired bool
	}{
		{"absent", UsageRecord{}, false, 1, false},
		{"same day", UsageRecord{Day: "2026-06-10", Count: 2}, true, 3, false},
		{"older day", UsageRecord{Day: "2026-06-09", Count: 5}, true, 1, false},
		{"negative", UsageRecord{Day: "2026-06-10", Count: -1}, true, 1, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Advance(tt.prev, tt.found, "fp", "2026-06-10", now)
			assert.Equal(t, tt.want, got.Count)
			assert.Equal(t, tt.repaired, got.Repaired)
			assert.Equal(t, now, got.LastUsed)
		})
	}
}
