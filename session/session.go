// Package session validates presented bearer tokens against the presenting
// client's fingerprint and tracks per-token state.
//
// A token moves Authenticated → (Refreshed)* → Invalidated. Tokens are
// self-contained; the Cache only remembers the last fingerprint seen with
// each token and which tokens have been retired early by logout, refresh or
// a fingerprint mismatch.
package session

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jmcleod/gatewarden/token"
)

// Status is the externally observable outcome of Validate.
type Status string

const (
	StatusNone                Status = "none"
	StatusValid               Status = "valid"
	StatusMalformed           Status = "malformed"
	StatusExpired             Status = "expired"
	StatusFingerprintMismatch Status = "fingerprint_mismatch"
	StatusInvalidated         Status = "invalidated"
)

// Reasons recorded on retired entries.
const (
	ReasonLogout   = "logout"
	ReasonRefresh  = "refreshed"
	ReasonMismatch = "fingerprint_mismatch"
)

// ErrRefreshRejected is wrapped by every Refresh failure that stems from
// the presented token's state.
var ErrRefreshRejected = errors.New("refresh rejected")

// RefreshError carries the validation status that blocked a refresh.
type RefreshError struct {
	Status Status
}

func (e *RefreshError) Error() string {
	return fmt.Sprintf("refresh rejected: token is %s", e.Status)
}

func (e *RefreshError) Unwrap() error { return ErrRefreshRejected }

// Result is the outcome of Validate. Claims is set whenever the token
// decoded, even if it was rejected.
type Result struct {
	Status Status       `json:"status"`
	Claims token.Claims `json:"claims"`
	Reason string       `json:"reason,omitempty"`
}

// Valid reports whether the token was accepted.
func (r Result) Valid() bool { return r.Status == StatusValid }

// Issued is a freshly signed token with its claims.
type Issued struct {
	Token  string       `json:"token"`
	Claims token.Claims `json:"claims"`
}

// Option configures a Validator.
type Option func(*Validator)

// WithCache replaces the default MemoryCache.
func WithCache(c Cache) Option {
	return func(v *Validator) { v.cache = c }
}

// WithClock overrides the clock used for expiry decisions.
func WithClock(now func() time.Time) Option {
	return func(v *Validator) { v.now = now }
}

// WithLogger sets the logger for degradations and forced invalidations.
func WithLogger(l *slog.Logger) Option {
	return func(v *Validator) { v.logger = l }
}

// WithSchedule overrides DefaultSchedule.
func WithSchedule(s Schedule) Option {
	return func(v *Validator) { v.schedule = s }
}

// Validator combines the token codec with the session cache. It is safe
// for concurrent use; cache read-modify-write sequences run under one lock.
type Validator struct {
	codec    *token.Codec
	cache    Cache
	now      func() time.Time
	logger   *slog.Logger
	schedule Schedule

	mu sync.Mutex
}

// NewValidator returns a Validator using codec.
func NewValidator(codec *token.Codec, opts ...Option) *Validator {
	v := &Validator{
		codec:    codec,
		now:      time.Now,
		logger:   slog.Default(),
		schedule: DefaultSchedule,
	}
	for _, opt := range opts {
		opt(v)
	}
	if v.cache == nil {
		v.cache = NewMemoryCache(v.now)
	}
	return v
}

// Schedule returns the re-validation interval contract.
func (v *Validator) Schedule() Schedule { return v.schedule }

// Cache returns the session cache.
func (v *Validator) Cache() Cache { return v.cache }

// Issue signs a token for identity, bound to fingerprint when it is not
// empty, and registers the session as authenticated.
func (v *Validator) Issue(identity token.Identity, kind token.Kind, fingerprint string) (Issued, error) {
	raw, claims, err := v.codec.Issue(identity, kind, fingerprint)
	if err != nil {
		return Issued{}, err
	}
	v.mu.Lock()
	v.cache.Put(claims.ID, v.newEntry(claims, fingerprint))
	v.mu.Unlock()
	return Issued{Token: raw, Claims: claims}, nil
}

// Validate decides whether raw is usable by a client presenting
// currentFP. It never returns an error; rejections are statuses.
//
// A mismatch between the bound and the current fingerprint is treated as a
// possible hijack: the token is invalidated in the cache and stays rejected
// even if later presented with the original fingerprint.
func (v *Validator) Validate(raw, currentFP string) Result {
	if raw == "" {
		return Result{Status: StatusNone}
	}
	claims, err := v.codec.Decode(raw)
	if err != nil {
		v.logger.Debug("rejecting undecodable token", "error", err)
		return Result{Status: StatusMalformed, Reason: "token could not be decoded"}
	}

	now := v.now()
	v.mu.Lock()
	defer v.mu.Unlock()

	entry, known := v.cache.Get(claims.ID)
	if known && entry.Retired() {
		return Result{Status: StatusInvalidated, Claims: claims, Reason: entry.Reason}
	}
	if claims.Expired(now) {
		v.cache.Delete(claims.ID)
		return Result{Status: StatusExpired, Claims: claims, Reason: "token expired at " + claims.ExpiresAt.Format(time.RFC3339)}
	}
	if claims.Bound() && currentFP != "" && currentFP != claims.Fingerprint {
		if !known {
			entry = v.newEntry(claims, "")
		}
		entry.State = StateInvalidated
		entry.Reason = ReasonMismatch
		entry.Fingerprint = currentFP
		entry.LastSeen = now
		v.cache.Put(claims.ID, entry)
		v.logger.Warn("token presented with a different fingerprint; session invalidated",
			"token_id", claims.ID, "user_id", claims.Identity.UserID)
		return Result{Status: StatusFingerprintMismatch, Claims: claims, Reason: "fingerprint does not match the token binding"}
	}

	if !known {
		entry = v.newEntry(claims, claims.Fingerprint)
	}
	if currentFP != "" {
		entry.Fingerprint = currentFP
	}
	entry.LastSeen = now
	v.cache.Put(claims.ID, entry)
	return Result{Status: StatusValid, Claims: claims}
}

// Refresh exchanges a currently valid token for a new one with the same
// identity, kind and fingerprint binding and a strictly later expiry. The
// old token is retired.
func (v *Validator) Refresh(raw, currentFP string) (Issued, error) {
	res := v.Validate(raw, currentFP)
	if !res.Valid() {
		return Issued{}, &RefreshError{Status: res.Status}
	}
	old := res.Claims

	now := v.now().UTC().Truncate(time.Second)
	exp := now.Add(v.codec.TTL(old.Kind))
	if !exp.After(old.ExpiresAt) {
		exp = old.ExpiresAt.Add(time.Second)
	}
	newRaw, claims, err := v.codec.Encode(token.Claims{
		Identity:    old.Identity,
		Kind:        old.Kind,
		IssuedAt:    now,
		ExpiresAt:   exp,
		Fingerprint: old.Fingerprint,
	})
	if err != nil {
		return Issued{}, err
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	// Another request may have retired the old token since Validate.
	if entry, ok := v.cache.Get(old.ID); ok && entry.Retired() {
		return Issued{}, &RefreshError{Status: StatusInvalidated}
	}
	retired := v.newEntry(old, currentFP)
	retired.State = StateRefreshed
	retired.Reason = ReasonRefresh
	v.cache.Put(old.ID, retired)
	v.cache.Put(claims.ID, v.newEntry(claims, currentFP))
	return Issued{Token: newRaw, Claims: claims}, nil
}

// Invalidate retires the token until its natural expiry. It returns the
// token's claims, or an error wrapping token.ErrMalformed.
func (v *Validator) Invalidate(raw, reason string) (token.Claims, error) {
	claims, err := v.codec.Decode(raw)
	if err != nil {
		return token.Claims{}, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if claims.Expired(v.now()) {
		v.cache.Delete(claims.ID)
		return claims, nil
	}
	entry, ok := v.cache.Get(claims.ID)
	if !ok {
		entry = v.newEntry(claims, "")
	}
	entry.State = StateInvalidated
	entry.Reason = reason
	entry.LastSeen = v.now()
	v.cache.Put(claims.ID, entry)
	return claims, nil
}

// Logout invalidates raw with ReasonLogout.
func (v *Validator) Logout(raw string) (token.Claims, error) {
	return v.Invalidate(raw, ReasonLogout)
}

// SweepCache removes expired cache entries.
func (v *Validator) SweepCache() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.cache.Sweep()
}

func (v *Validator) newEntry(claims token.Claims, fingerprint string) Entry {
	if fingerprint == "" {
		fingerprint = claims.Fingerprint
	}
	return Entry{
		TokenID:     claims.ID,
		UserID:      claims.Identity.UserID,
		State:       StateAuthenticated,
		Fingerprint: fingerprint,
		IssuedAt:    claims.IssuedAt,
		ExpiresAt:   claims.ExpiresAt,
		LastSeen:    v.now(),
	}
}
