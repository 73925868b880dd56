// Package ratelimit implements a process-local fixed-window request limiter.
//
// Windows are aligned to multiples of Config.Window since the Unix epoch.
// A client can therefore send up to twice MaxRequests across a window
// boundary (the tail of one window plus the head of the next). That burst
// is accepted in exchange for O(1) state per key.
package ratelimit

import (
	"errors"
	"math"
	"math/rand/v2"
	"sync"
	"time"
)

const (
	DefaultWindow           = 60 * time.Second
	DefaultMaxRequests      = 50
	DefaultSweepProbability = 0.01

	// UnknownKey is used for requests whose client key could not be resolved.
	UnknownKey = "unknown"
)

// Config configures a Limiter. Zero values take the defaults.
type Config struct {
	Window      time.Duration
	MaxRequests int
	// SweepProbability is the chance that an Admit call also drops stale
	// entries. 0 disables inline sweeping; Sweep can still be called.
	SweepProbability float64
	// StaleAfter is the age of a window start after which the entry is
	// eligible for sweeping. Defaults to 2×Window.
	StaleAfter time.Duration
	// Now and Rand are injectable for tests.
	Now  func() time.Time
	Rand func() float64
}

// Decision is the outcome of a single Admit call. A denied request is a
// normal result, not an error.
type Decision struct {
	Allowed     bool
	Key         string
	Count       int
	Limit       int
	Remaining   int
	WindowStart time.Time
	ResetAt     time.Time
	// RetryAfter is zero when Allowed.
	RetryAfter time.Duration
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds, minimum 1.
func (d Decision) RetryAfterSeconds() int {
	secs := int(math.Ceil(d.RetryAfter.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}

type window struct {
	start time.Time
	count int
}

// Limiter counts requests per client key. It is safe for concurrent use;
// a single mutex covers the whole map, so the read-decide-write sequence
// for a key is atomic.
type Limiter struct {
	cfg Config

	mu      sync.Mutex
	windows map[string]*window
}

// New validates cfg, fills defaults and returns a Limiter.
func New(cfg Config) (*Limiter, error) {
	if cfg.Window == 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.MaxRequests == 0 {
		cfg.MaxRequests = DefaultMaxRequests
	}
	if cfg.Window < time.Second {
		return nil, errors.New("ratelimit: window must be at least 1s")
	}
	if cfg.MaxRequests < 0 {
		return nil, errors.New("ratelimit: max requests must be positive")
	}
	if cfg.SweepProbability < 0 || cfg.SweepProbability > 1 {
		return nil, errors.New("ratelimit: sweep probability must be within [0,1]")
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 2 * cfg.Window
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.Float64
	}
	return &Limiter{cfg: cfg, windows: make(map[string]*window)}, nil
}

// Config returns the effective configuration.
func (l *Limiter) Config() Config {
	return l.cfg
}

// Admit counts one request for key and reports whether it may proceed.
func (l *Limiter) Admit(key string) Decision {
	if key == "" {
		key = UnknownKey
	}
	now := l.cfg.Now()
	start := windowStart(now, l.cfg.Window)
	reset := start.Add(l.cfg.Window)

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.cfg.SweepProbability > 0 && l.cfg.Rand() < l.cfg.SweepProbability {
		l.sweepLocked(now)
	}

	w, ok := l.windows[key]
	if !ok || w.start.Before(start) {
		w = &window{start: start}
		l.windows[key] = w
	}
	w.count++

	d := Decision{
		Allowed:     w.count <= l.cfg.MaxRequests,
		Key:         key,
		Count:       w.count,
		Limit:       l.cfg.MaxRequests,
		Remaining:   max(l.cfg.MaxRequests-w.count, 0),
		WindowStart: w.start,
		ResetAt:     reset,
	}
	if !d.Allowed {
		d.RetryAfter = reset.Sub(now)
	}
	return d
}

// windowStart returns floor(now / w) * w measured from the Unix epoch.
func windowStart(now time.Time, w time.Duration) time.Time {
	n := now.UnixNano()
	width := int64(w)
	off := n % width
	if off < 0 {
		off += width
	}
	return time.Unix(0, n-off).In(now.Location())
}

// Sweep drops every entry whose window started more than StaleAfter ago and
// returns how many were removed.
func (l *Limiter) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sweepLocked(l.cfg.Now())
}

func (l *Limiter) sweepLocked(now time.Time) int {
	removed := 0
	for k, w := range l.windows {
		if now.Sub(w.start) > l.cfg.StaleAfter {
			delete(l.windows, k)
			removed++
		}
	}
	return removed
}

// Len reports how many client keys are tracked.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}
