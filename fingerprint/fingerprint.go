// Package fingerprint derives short, deterministic correlation keys from
// observable client attributes.
//
// A fingerprint is the base-36 rendering of a 32-bit FNV-1a hash over the
// profile's attributes joined with "|", followed by a coarse time bucket.
// Because the bucket is part of the input, the same client yields a new
// fingerprint every rotation interval. Fingerprints are heuristics for
// correlating requests, not identities.
package fingerprint

import (
	"hash/fnv"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jmcleod/gatewarden/internal/util"
)

const (
	// Separator joins attributes. It is stripped from every value first.
	Separator = "|"
	// Unknown replaces missing or blank attribute values.
	Unknown = "unknown"
	// DefaultRotation is the time bucket width.
	DefaultRotation = 6 * time.Hour
	// MaxAttributeBytes caps every sanitised attribute.
	MaxAttributeBytes = 256
	// MaxLength is the longest string accepted from clients as a fingerprint.
	MaxLength = 64
)

// Attribute is one named, sanitised input to the hash.
type Attribute struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Field describes one attribute slot of a Profile. MaxRunes, when positive,
// keeps only that many leading runes after sanitising.
type Field struct {
	Name     string
	MaxRunes int
}

// Profile is an ordered attribute set plus the rotation interval applied
// to it. The order is part of the output contract.
type Profile struct {
	Name     string
	Fields   []Field
	Rotation time.Duration
}

// Client attribute names.
const (
	AttrUserAgent           = "user_agent"
	AttrLanguage            = "language"
	AttrPlatform            = "platform"
	AttrScreen              = "screen"
	AttrTimezoneOffset      = "timezone_offset"
	AttrHardwareConcurrency = "hardware_concurrency"
	AttrDeviceMemory        = "device_memory"
	AttrTouchPoints         = "touch_points"
	AttrCanvas              = "canvas"
)

// Server attribute names.
const (
	AttrAcceptLanguage = "accept_language"
	AttrClientIP       = "client_ip"
)

// ClientProfile covers browser and device traits reported by the page.
// Screen is "WxHxDepth"; the timezone offset is in minutes.
var ClientProfile = Profile{
	Name: "client",
	Fields: []Field{
		{Name: AttrUserAgent},
		{Name: AttrLanguage},
		{Name: AttrPlatform},
		{Name: AttrScreen},
		{Name: AttrTimezoneOffset},
		{Name: AttrHardwareConcurrency},
		{Name: AttrDeviceMemory},
		{Name: AttrTouchPoints},
		{Name: AttrCanvas},
	},
	Rotation: DefaultRotation,
}

// ServerProfile covers what the server observes about a request. Only the
// first 64 runes of the user agent take part so minor version bumps in
// long agent strings matter less.
var ServerProfile = Profile{
	Name: "server",
	Fields: []Field{
		{Name: AttrUserAgent, MaxRunes: 64},
		{Name: AttrAcceptLanguage},
		{Name: AttrClientIP},
	},
	Rotation: DefaultRotation,
}

// Option configures a Generator.
type Option func(*Generator)

// WithClock overrides the clock used to pick the time bucket.
func WithClock(now func() time.Time) Option {
	return func(g *Generator) {
		if now != nil {
			g.now = now
		}
	}
}

// Generator computes fingerprints for one profile. It holds no mutable
// state and is safe for concurrent use.
type Generator struct {
	profile Profile
	now     func() time.Time
}

// New returns a Generator for profile. A non-positive rotation falls back
// to DefaultRotation.
func New(profile Profile, opts ...Option) *Generator {
	if profile.Rotation <= 0 {
		profile.Rotation = DefaultRotation
	}
	g := &Generator{profile: profile, now: time.Now}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Profile returns the generator's profile.
func (g *Generator) Profile() Profile {
	return g.profile
}

// Bucket returns floor(unix seconds / rotation) for t.
func (g *Generator) Bucket(t time.Time) int64 {
	width := int64(g.profile.Rotation / time.Second)
	if width <= 0 {
		width = 1
	}
	secs := t.Unix()
	b := secs / width
	if secs%width != 0 && secs < 0 {
		b--
	}
	return b
}

// Components returns the sanitised attributes in profile order, without
// the time bucket.
func (g *Generator) Components(values map[string]string) []Attribute {
	out := make([]Attribute, 0, len(g.profile.Fields))
	for _, f := range g.profile.Fields {
		out = append(out, Attribute{Name: f.Name, Value: sanitize(values[f.Name], f.MaxRunes)})
	}
	return out
}

// Generate fingerprints values at the current time.
func (g *Generator) Generate(values map[string]string) string {
	return g.GenerateAt(values, g.now())
}

// GenerateAt fingerprints values as of t.
func (g *Generator) GenerateAt(values map[string]string, t time.Time) string {
	attrs := g.Components(values)
	parts := make([]string, 0, len(attrs)+1)
	for _, a := range attrs {
		parts = append(parts, a.Value)
	}
	parts = append(parts, strconv.FormatInt(g.Bucket(t), 10))
	return Hash(strings.Join(parts, Separator))
}

// ForRequest fingerprints r using its headers and the already resolved
// client IP. Fields the profile does not name are ignored.
func (g *Generator) ForRequest(r *http.Request, clientIP string) string {
	return g.Generate(RequestValues(r, clientIP))
}

// RequestValues extracts the server-observable attributes of r.
func RequestValues(r *http.Request, clientIP string) map[string]string {
	return map[string]string{
		AttrUserAgent:      r.UserAgent(),
		AttrAcceptLanguage: r.Header.Get("Accept-Language"),
		AttrClientIP:       clientIP,
	}
}

// Hash returns the base-36 32-bit FNV-1a digest of s.
func Hash(s string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	return strconv.FormatUint(uint64(h.Sum32()), 36)
}

// WellFormed reports whether s looks like a fingerprint produced by this
// package: 1 to MaxLength characters from [0-9a-z].
func WellFormed(s string) bool {
	if s == "" || len(s) > MaxLength {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'z') {
			return false
		}
	}
	return true
}

func sanitize(v string, maxRunes int) string {
	v = util.SanitizeAttribute(v, Separator, MaxAttributeBytes)
	if maxRunes > 0 {
		if rs := []rune(v); len(rs) > maxRunes {
			v = strings.TrimSpace(string(rs[:maxRunes]))
		}
	}
	if v == "" {
		return Unknown
	}
	return v
}
