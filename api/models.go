package api

import (
	"time"

	"github.com/jmcleod/gatewarden/quota"
	"github.com/jmcleod/gatewarden/token"
)

// ErrorResponse is the body of every error response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// LoginRequest is the JSON body for POST /auth/login.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// DemoRequest is the optional JSON body for POST /auth/demo.
type DemoRequest struct {
	DisplayName string `json:"display_name,omitempty"`
}

// TokenResponse is returned whenever a token is issued.
type TokenResponse struct {
	Token     string         `json:"token"`
	TokenType string         `json:"token_type"`
	Kind      token.Kind     `json:"kind"`
	Identity  token.Identity `json:"identity"`
	IssuedAt  time.Time      `json:"issued_at"`
	ExpiresAt time.Time      `json:"expires_at"`
	// RevalidateEvery and RefreshEvery are the client's tick intervals in
	// seconds.
	RevalidateEvery int `json:"revalidate_every"`
	RefreshEvery    int `json:"refresh_every"`
}

// SessionResponse is returned from GET /auth/session.
type SessionResponse struct {
	Status           string         `json:"status"`
	Kind             token.Kind     `json:"kind"`
	Identity         token.Identity `json:"identity"`
	IssuedAt         time.Time      `json:"issued_at"`
	ExpiresAt        time.Time      `json:"expires_at"`
	NextRevalidation time.Time      `json:"next_revalidation"`
	NextRefresh      time.Time      `json:"next_refresh"`
	RefreshDue       bool           `json:"refresh_due"`
}

// ConvertRequest is the JSON body for POST /convert.
type ConvertRequest struct {
	Input  string `json:"input"`
	Format string `json:"format,omitempty"`
}

// ConvertResponse is returned from a successful POST /convert. Quota is
// omitted for authenticated callers.
type ConvertResponse struct {
	Output string        `json:"output"`
	Format string        `json:"format,omitempty"`
	Quota  *quota.Status `json:"quota,omitempty"`
}

// QuotaResponse is returned from GET /quota.
type QuotaResponse struct {
	Authenticated bool          `json:"authenticated"`
	Unlimited     bool          `json:"unlimited"`
	Quota         *quota.Status `json:"quota,omitempty"`
}

// QuotaExceededResponse is the 429 body when the daily quota is used up.
type QuotaExceededResponse struct {
	Error string       `json:"error"`
	Quota quota.Status `json:"quota"`
}

// HealthResponse is returned from GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}
