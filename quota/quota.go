// Package quota enforces a per-device daily usage limit for anonymous
// callers.
//
// "Today" is always computed in one fixed reference zone (UTC+9 by
// default), independent of server and client local time. A usage record
// carries the day it belongs to; incrementing a record from an earlier day
// first resets it, so there is no nightly reset job.
package quota

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

const (
	DefaultDailyMax = 1
	// DayLayout formats the day component of usage records.
	DayLayout = "2006-01-02"
	// DefaultOffset is the reference zone's offset from UTC.
	DefaultOffset = 9 * time.Hour
	// UnknownDevice is used when no fingerprint is available.
	UnknownDevice = "unknown"
)

// ReferenceZone is the default fixed zone that defines a calendar day.
var ReferenceZone = FixedZone(DefaultOffset)

// FixedZone returns a zone named after its offset, e.g. "UTC+9".
func FixedZone(offset time.Duration) *time.Location {
	secs := int(offset / time.Second)
	name := "UTC"
	if secs != 0 {
		h := offset.Hours()
		if offset%time.Hour == 0 {
			name = fmt.Sprintf("UTC%+d", int(h))
		} else {
			name = fmt.Sprintf("UTC%+.1f", h)
		}
	}
	return time.FixedZone(name, secs)
}

// UsageRecord is the stored counter for one device fingerprint.
type UsageRecord struct {
	Fingerprint string    `json:"fingerprint"`
	Day         string    `json:"day"`
	Count       int       `json:"count"`
	LastUsed    time.Time `json:"last_used"`
	// Repaired is set by a store when it found a negative stored count
	// and clamped it to zero. It is never persisted.
	Repaired bool `json:"-"`
}

// Store persists usage records. Increment must be atomic per fingerprint.
type Store interface {
	// Load returns the record for fp, or false if none exists.
	Load(ctx context.Context, fp string) (UsageRecord, bool, error)
	// Increment adds one use on day. A stored record for another day is
	// reset to zero first.
	Increment(ctx context.Context, fp, day string, now time.Time) (UsageRecord, error)
	// Prune deletes records whose day sorts before the given day.
	Prune(ctx context.Context, before string) (int, error)
}

// Advance computes the record after one more use on day. Stores call it
// inside their atomic section.
func Advance(prev UsageRecord, found bool, fp, day string, now time.Time) UsageRecord {
	next := UsageRecord{Fingerprint: fp, Day: day, LastUsed: now}
	if found && prev.Day == day {
		next.Count = prev.Count
		if next.Count < 0 {
			next.Count = 0
			next.Repaired = true
		}
	}
	next.Count++
	return next
}

// Config configures a Tracker.
type Config struct {
	DailyMax int
	// Location defines calendar days. It should be a fixed zone.
	Location *time.Location
	Now      func() time.Time
	Logger   *slog.Logger
}

// Status is the result of Check. Reason is only set when not Allowed and is
// suitable for direct display.
type Status struct {
	Allowed   bool      `json:"allowed"`
	Remaining int       `json:"remaining"`
	Used      int       `json:"used"`
	Limit     int       `json:"limit"`
	Day       string    `json:"day"`
	ResetsAt  time.Time `json:"resets_at"`
	Reason    string    `json:"reason,omitempty"`
}

// Tracker gates anonymous operations by device fingerprint. Authenticated
// callers are expected to bypass it.
type Tracker struct {
	store  Store
	max    int
	loc    *time.Location
	now    func() time.Time
	logger *slog.Logger
}

// New returns a Tracker over store.
func New(store Store, cfg Config) (*Tracker, error) {
	if store == nil {
		return nil, errors.New("quota: store is required")
	}
	if cfg.DailyMax == 0 {
		cfg.DailyMax = DefaultDailyMax
	}
	if cfg.DailyMax < 0 {
		return nil, errors.New("quota: daily max must be positive")
	}
	if cfg.Location == nil {
		cfg.Location = ReferenceZone
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Tracker{store: store, max: cfg.DailyMax, loc: cfg.Location, now: cfg.Now, logger: cfg.Logger}, nil
}

// Limit returns the daily maximum.
func (t *Tracker) Limit() int { return t.max }

// Location returns the reference zone.
func (t *Tracker) Location() *time.Location { return t.loc }

// Day returns the calendar day of at in the reference zone.
func (t *Tracker) Day(at time.Time) string {
	return at.In(t.loc).Format(DayLayout)
}

// ResetTime returns the next midnight after at in the reference zone.
func (t *Tracker) ResetTime(at time.Time) time.Time {
	local := at.In(t.loc)
	y, m, d := local.Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, t.loc)
}

// Check reports whether fp may perform another operation today. It never
// fails: a store error is logged and the check fails open.
func (t *Tracker) Check(ctx context.Context, fp string) Status {
	if fp == "" {
		fp = UnknownDevice
	}
	now := t.now()
	st := Status{Limit: t.max, Day: t.Day(now), ResetsAt: t.ResetTime(now)}

	rec, found, err := t.store.Load(ctx, fp)
	if err != nil {
		t.logger.Error("quota store load failed; allowing request", "error", err)
		st.Allowed = true
		st.Remaining = t.max
		return st
	}
	if found && rec.Day == st.Day {
		st.Used = t.clamp(fp, rec.Count)
	}
	st.Remaining = max(t.max-st.Used, 0)
	st.Allowed = st.Used < t.max
	if !st.Allowed {
		st.Reason = t.reason(now, st.ResetsAt)
	}
	return st
}

// Record counts one successful operation for fp today.
func (t *Tracker) Record(ctx context.Context, fp string) (UsageRecord, error) {
	if fp == "" {
		fp = UnknownDevice
	}
	now := t.now()
	rec, err := t.store.Increment(ctx, fp, t.Day(now), now)
	if err != nil {
		return UsageRecord{}, fmt.Errorf("recording usage: %w", err)
	}
	if rec.Repaired {
		t.logger.Error("negative usage count clamped to zero", "fingerprint", fp, "day", rec.Day)
	}
	return rec, nil
}

// Prune drops records from days before today.
func (t *Tracker) Prune(ctx context.Context) (int, error) {
	return t.store.Prune(ctx, t.Day(t.now()))
}

func (t *Tracker) clamp(fp string, n int) int {
	if n < 0 {
		t.logger.Error("negative usage count clamped to zero", "fingerprint", fp, "count", n)
		return 0
	}
	return n
}

func (t *Tracker) reason(now, reset time.Time) string {
	wait := reset.Sub(now).Round(time.Minute)
	uses := "conversion"
	if t.max != 1 {
		uses = "conversions"
	}
	return fmt.Sprintf("You have reached the daily limit of %d free %s. The limit resets at midnight %s (in %s). Sign in to continue without a limit.",
		t.max, uses, t.loc.String(), formatWait(wait))
}

func formatWait(d time.Duration) string {
	if d < time.Minute {
		return "less than a minute"
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	switch {
	case h == 0:
		return fmt.Sprintf("%dm", m)
	case m == 0:
		return fmt.Sprintf("%dh", h)
	default:
		return fmt.Sprintf("%dh%dm", h, m)
	}
}
