// Package token issues and decodes the HMAC-signed bearer tokens that carry
// a caller's identity. Tokens are compact JWTs signed with HS256 under a key
// derived from the configured master secret. Decode only checks signature
// and structure; expiry is judged by the caller against its own clock.
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/awnumar/memguard"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/jmcleod/gatewarden/internal/util"
	"github.com/jmcleod/gatewarden/internal/uuid"
)

// Kind distinguishes how a token was obtained. Downstream policy may treat
// kinds differently.
type Kind string

const (
	KindDemo     Kind = "demo"
	KindPassword Kind = "password"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	return k == KindDemo || k == KindPassword
}

const (
	DefaultIssuer      = "gatewarden"
	DefaultPasswordTTL = 24 * time.Hour
	DefaultDemoTTL     = 2 * time.Hour

	// MinSecretLength is the shortest master secret New accepts.
	MinSecretLength = 16
	// MaxTokenLength bounds what Decode will attempt to parse.
	MaxTokenLength = 4096

	claimKind        = "knd"
	claimName        = "name"
	claimFingerprint = "fpr"

	keyInfo = "gatewarden token signing v1"
)

var (
	// ErrMalformed covers every decode or verification failure.
	ErrMalformed = errors.New("malformed token")
	// ErrInvalidIdentity is returned by Issue for an empty user id.
	ErrInvalidIdentity = errors.New("identity requires a user id")
	// ErrUnknownKind is returned by Issue for an unrecognised kind.
	ErrUnknownKind = errors.New("unknown token kind")
)

// Identity is the subject a token speaks for.
type Identity struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
}

// Claims is the decoded content of a token. Times have second precision.
type Claims struct {
	ID          string    `json:"id"`
	Identity    Identity  `json:"identity"`
	Kind        Kind      `json:"kind"`
	IssuedAt    time.Time `json:"issued_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	Fingerprint string    `json:"fingerprint,omitempty"`
}

// Expired reports whether now is past ExpiresAt.
func (c Claims) Expired(now time.Time) bool {
	return now.After(c.ExpiresAt)
}

// Bound reports whether the token carries a fingerprint binding.
func (c Claims) Bound() bool {
	return c.Fingerprint != ""
}

// Config configures a Codec.
type Config struct {
	// Secret is the master secret. The signing key is derived from it and
	// the slice itself is not retained.
	Secret      []byte
	Issuer      string
	PasswordTTL time.Duration
	DemoTTL     time.Duration
	Now         func() time.Time
	NewID       func() string
}

// Codec signs and verifies tokens. It is safe for concurrent use.
type Codec struct {
	key    *memguard.Enclave
	issuer string
	ttl    map[Kind]time.Duration
	now    func() time.Time
	newID  func() string
}

// New derives the signing key from cfg.Secret and returns a Codec.
func New(cfg Config) (*Codec, error) {
	if len(cfg.Secret) < MinSecretLength {
		return nil, fmt.Errorf("token secret must be at least %d bytes", MinSecretLength)
	}
	if cfg.Issuer == "" {
		cfg.Issuer = DefaultIssuer
	}
	if cfg.PasswordTTL == 0 {
		cfg.PasswordTTL = DefaultPasswordTTL
	}
	if cfg.DemoTTL == 0 {
		cfg.DemoTTL = DefaultDemoTTL
	}
	if cfg.PasswordTTL < time.Second || cfg.DemoTTL < time.Second {
		return nil, errors.New("token TTLs must be at least 1s")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.New
	}

	key, err := util.DeriveKey(cfg.Secret, []byte(cfg.Issuer), []byte(keyInfo), 32)
	if err != nil {
		return nil, fmt.Errorf("deriving signing key: %w", err)
	}
	return &Codec{
		// NewEnclave wipes key.
		key:    memguard.NewEnclave(key),
		issuer: cfg.Issuer,
		ttl:    map[Kind]time.Duration{KindPassword: cfg.PasswordTTL, KindDemo: cfg.DemoTTL},
		now:    cfg.Now,
		newID:  cfg.NewID,
	}, nil
}

// TTL returns the lifetime of tokens of kind k.
func (c *Codec) TTL(k Kind) time.Duration {
	return c.ttl[k]
}

// Now returns the codec's clock reading.
func (c *Codec) Now() time.Time {
	return c.now()
}

// Issue creates a token for identity valid from now for the kind's TTL. An
// empty fingerprint produces an unbound token.
func (c *Codec) Issue(identity Identity, kind Kind, fingerprint string) (string, Claims, error) {
	now := c.now().UTC().Truncate(time.Second)
	return c.Encode(Claims{
		ID:          c.newID(),
		Identity:    identity,
		Kind:        kind,
		IssuedAt:    now,
		ExpiresAt:   now.Add(c.TTL(kind)),
		Fingerprint: fingerprint,
	})
}

// Encode signs claims as given. A missing ID is generated. Times are
// truncated to whole seconds.
func (c *Codec) Encode(claims Claims) (string, Claims, error) {
	if claims.Identity.UserID == "" {
		return "", Claims{}, ErrInvalidIdentity
	}
	if !claims.Kind.Valid() {
		return "", Claims{}, fmt.Errorf("%w: %q", ErrUnknownKind, claims.Kind)
	}
	if claims.ID == "" {
		claims.ID = c.newID()
	}
	claims.IssuedAt = claims.IssuedAt.UTC().Truncate(time.Second)
	claims.ExpiresAt = claims.ExpiresAt.UTC().Truncate(time.Second)
	if !claims.ExpiresAt.After(claims.IssuedAt) {
		return "", Claims{}, errors.New("token expiry must be after issue time")
	}

	t := jwt.New()
	for k, v := range map[string]any{
		jwt.JwtIDKey:      claims.ID,
		jwt.SubjectKey:    claims.Identity.UserID,
		jwt.IssuerKey:     c.issuer,
		jwt.IssuedAtKey:   claims.IssuedAt,
		jwt.ExpirationKey: claims.ExpiresAt,
		claimKind:         string(claims.Kind),
		claimName:         claims.Identity.DisplayName,
	} {
		if err := t.Set(k, v); err != nil {
			return "", Claims{}, fmt.Errorf("setting %s claim: %w", k, err)
		}
	}
	if claims.Fingerprint != "" {
		if err := t.Set(claimFingerprint, claims.Fingerprint); err != nil {
			return "", Claims{}, fmt.Errorf("setting %s claim: %w", claimFingerprint, err)
		}
	}

	keyBuf, err := c.key.Open()
	if err != nil {
		return "", Claims{}, fmt.Errorf("opening signing key enclave: %w", err)
	}
	defer keyBuf.Destroy()

	signed, err := jwt.Sign(t, jwt.WithKey(jwa.HS256, keyBuf.Bytes()))
	if err != nil {
		return "", Claims{}, fmt.Errorf("signing token: %w", err)
	}
	return string(signed), claims, nil
}

// Decode verifies the signature and structure of raw and returns its
// claims. Every failure wraps ErrMalformed. Expiry is not checked.
func (c *Codec) Decode(raw string) (Claims, error) {
	if raw == "" || len(raw) > MaxTokenLength {
		return Claims{}, fmt.Errorf("%w: bad length", ErrMalformed)
	}

	keyBuf, err := c.key.Open()
	if err != nil {
		return Claims{}, fmt.Errorf("opening signing key enclave: %w", err)
	}
	defer keyBuf.Destroy()

	t, err := jwt.Parse([]byte(raw),
		jwt.WithKey(jwa.HS256, keyBuf.Bytes()),
		jwt.WithValidate(false),
	)
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if t.Issuer() != c.issuer {
		return Claims{}, fmt.Errorf("%w: unexpected issuer", ErrMalformed)
	}

	claims := Claims{
		ID:        t.JwtID(),
		Identity:  Identity{UserID: t.Subject(), DisplayName: stringClaim(t, claimName)},
		Kind:      Kind(stringClaim(t, claimKind)),
		IssuedAt:  t.IssuedAt().UTC(),
		ExpiresAt: t.Expiration().UTC(),
	}
	claims.Fingerprint = stringClaim(t, claimFingerprint)

	switch {
	case claims.ID == "":
		return Claims{}, fmt.Errorf("%w: missing jti", ErrMalformed)
	case claims.Identity.UserID == "":
		return Claims{}, fmt.Errorf("%w: missing subject", ErrMalformed)
	case !claims.Kind.Valid():
		return Claims{}, fmt.Errorf("%w: unknown kind", ErrMalformed)
	case t.IssuedAt().IsZero() || t.Expiration().IsZero():
		return Claims{}, fmt.Errorf("%w: missing timestamps", ErrMalformed)
	case !claims.ExpiresAt.After(claims.IssuedAt):
		return Claims{}, fmt.Errorf("%w: expiry before issue", ErrMalformed)
	}
	return claims, nil
}

func stringClaim(t jwt.Token, name string) string {
	v, ok := t.Get(name)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}
