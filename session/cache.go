package session

import "time"

// State is the server-side lifecycle state of one issued token.
type State string

const (
	StateAuthenticated State = "authenticated"
	// StateRefreshed marks a token that was exchanged for a newer one and
	// may no longer be used.
	StateRefreshed   State = "refreshed"
	StateInvalidated State = "invalidated"
)

// Entry is the cached state for one token, keyed by token id. Fingerprint
// is the last fingerprint seen with the token.
type Entry struct {
	TokenID     string    `json:"token_id"`
	UserID      string    `json:"user_id"`
	State       State     `json:"state"`
	Fingerprint string    `json:"fingerprint,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	IssuedAt    time.Time `json:"issued_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	LastSeen    time.Time `json:"last_seen"`
}

// Retired reports whether the token may no longer be used.
func (e Entry) Retired() bool {
	return e.State == StateInvalidated || e.State == StateRefreshed
}

// Cache abstracts the per-token session cache so entries can live in
// memory (default) or in persistent backing storage. Entries are dropped
// once their token's natural expiry has passed.
type Cache interface {
	// Get returns the entry for tokenID. Returns false if it does not exist
	// or has expired.
	Get(tokenID string) (Entry, bool)
	// Put creates or replaces the entry for tokenID.
	Put(tokenID string, e Entry)
	// Delete removes an entry. Deleting a missing entry is a no-op.
	Delete(tokenID string)
	// Sweep drops expired entries and returns how many were removed.
	Sweep() int
}
