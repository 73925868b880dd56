package api

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/jmcleod/gatewarden/internal/util"
	"github.com/jmcleod/gatewarden/token"
)

// Account is a password account accepted by /auth/login.
type Account struct {
	Username     string
	DisplayName  string
	PasswordHash string
}

// AccountTable is a fixed set of password accounts. It is immutable after
// NewAccountTable and safe for concurrent use.
type AccountTable struct {
	byName map[string]Account
	// dummyHash is verified against when the username is unknown so both
	// paths cost one argon2id evaluation.
	dummyHash string
}

// NewAccountTable validates accounts and indexes them by normalised
// username.
func NewAccountTable(accounts []Account) (*AccountTable, error) {
	t := &AccountTable{byName: make(map[string]Account, len(accounts))}
	for _, acct := range accounts {
		name := normalizeUsername(acct.Username)
		if name == "" {
			return nil, errors.New("account with empty username")
		}
		if _, dup := t.byName[name]; dup {
			return nil, fmt.Errorf("duplicate account %q", name)
		}
		if _, err := util.VerifyPassword("", acct.PasswordHash); errors.Is(err, util.ErrInvalidHash) {
			return nil, fmt.Errorf("account %q: %w", name, err)
		}
		if acct.DisplayName == "" {
			acct.DisplayName = acct.Username
		}
		t.byName[name] = acct
	}
	if len(t.byName) > 0 {
		dummy, err := util.HashPassword("gatewarden-dummy-password", util.DefaultPasswordParams())
		if err != nil {
			return nil, err
		}
		t.dummyHash = dummy
	}
	return t, nil
}

// Len returns the number of accounts.
func (t *AccountTable) Len() int { return len(t.byName) }

// Authenticate returns the identity for username when password matches.
func (t *AccountTable) Authenticate(username, password string) (token.Identity, bool) {
	name := normalizeUsername(username)
	acct, ok := t.byName[name]
	if !ok {
		if t.dummyHash != "" {
			util.VerifyPassword(password, t.dummyHash)
		}
		return token.Identity{}, false
	}
	match, err := util.VerifyPassword(password, acct.PasswordHash)
	if err != nil || !match {
		return token.Identity{}, false
	}
	return token.Identity{UserID: name, DisplayName: acct.DisplayName}, true
}

func normalizeUsername(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// loginKey is the backoff key for username. Rate-limit state holds a hash,
// never the submitted name.
func loginKey(username string) string {
	sum := sha256.Sum256([]byte(normalizeUsername(username)))
	return hex.EncodeToString(sum[:])
}
