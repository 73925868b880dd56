package fingerprint

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2026, 3, 1, 1, 0, 0, 0, time.UTC)

func fixedClock(t time.Time) func() time.Time { return func() time.Time { return t } }

func clientValues() map[string]string {
	return map[string]string{
		AttrUserAgent:           "Mozilla/5.0 (X11; Linux x86_64) Firefox/128.0",
		AttrLanguage:            "en-US",
		AttrPlatform:            "Linux x86_64",
		AttrScreen:              "1920x1080x24",
		AttrTimezoneOffset:      "-540",
		AttrHardwareConcurrency: "8",
		AttrDeviceMemory:        "8",
		AttrTouchPoints:         "0",
		AttrCanvas:              "3k9x1",
	}
}

func TestGenerateDeterministic(t *testing.T) {
	g := New(ClientProfile, WithClock(fixedClock(base)))
	a := g.Generate(clientValues())
	b := g.Generate(clientValues())
	assert.Equal(t, a, b)
	assert.True(t, WellFormed(a), "output %q should be base36", a)
}

func TestGenerateSensitiveToEachAttribute(t *testing.T) {
	g := New(ClientProfile, WithClock(fixedClock(base)))
	ref := g.Generate(clientValues())
	for _, f := range ClientProfile.Fields {
		t.Run(f.Name, func(t *testing.T) {
			v := clientValues()
			v[f.Name] = v[f.Name] + "x"
			assert.NotEqual(t, ref, g.Generate(v))
		})
	}
}

func TestGenerateRotatesWithBucket(t *testing.T) {
	g := New(ServerProfile)
	vals := map[string]string{AttrUserAgent: "Mozilla/5.0", AttrAcceptLanguage: "ko", AttrClientIP: "203.0.113.9"}

	start := time.Unix(g.Bucket(base)*int64(DefaultRotation/time.Second), 0)
	inBucket := g.GenerateAt(vals, start.Add(DefaultRotation-time.Second))
	assert.Equal(t, g.GenerateAt(vals, start), inBucket)
	assert.NotEqual(t, inBucket, g.GenerateAt(vals, start.Add(DefaultRotation)))
}

func TestMissingAttributesAreUnknown(t *testing.T) {
	g := New(ServerProfile, WithClock(fixedClock(base)))
	comps := g.Components(map[string]string{AttrClientIP: "  "})
	require.Len(t, comps, 3)
	for _, c := range comps {
		assert.Equal(t, Unknown, c.Value, c.Name)
	}
	assert.Equal(t, g.Generate(nil), g.Generate(map[string]string{AttrUserAgent: Unknown, AttrAcceptLanguage: Unknown, AttrClientIP: Unknown}))
}

func TestSeparatorCannotForgeBoundaries(t *testing.T) {
	g := New(ServerProfile, WithClock(fixedClock(base)))
	a := g.Generate(map[string]string{AttrUserAgent: "a|b", AttrAcceptLanguage: "c"})
	comps := g.Components(map[string]string{AttrUserAgent: "a|b"})
	assert.Equal(t, "ab", comps[0].Value)
	assert.Equal(t, a, g.Generate(map[string]string{AttrUserAgent: "ab", AttrAcceptLanguage: "c"}))
}

func TestServerProfileUserAgentPrefix(t *testing.T) {
	g := New(ServerProfile, WithClock(fixedClock(base)))
	long := strings.Repeat("a", 64)
	assert.Equal(t,
		g.Generate(map[string]string{AttrUserAgent: long + "-v1"}),
		g.Generate(map[string]string{AttrUserAgent: long + "-v2"}))
}

func TestOversizedAttributeIsCapped(t *testing.T) {
	g := New(ClientProfile, WithClock(fixedClock(base)))
	comps := g.Components(map[string]string{AttrCanvas: strings.Repeat("é", 1000)})
	assert.LessOrEqual(t, len(comps[8].Value), MaxAttributeBytes)
}

func TestForRequest(t *testing.T) {
	g := New(ServerProfile, WithClock(fixedClock(base)))
	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("User-Agent", "Mozilla/5.0")
	r.Header.Set("Accept-Language", "ja-JP")

	assert.Equal(t, g.ForRequest(r, "198.51.100.7"), g.ForRequest(r, "198.51.100.7"))
	assert.NotEqual(t, g.ForRequest(r, "198.51.100.7"), g.ForRequest(r, "198.51.100.8"))
}

func TestBucketFloorsNegativeTimes(t *testing.T) {
	g := New(Profile{Rotation: time.Hour})
	assert.Equal(t, int64(-1), g.Bucket(time.Unix(-1, 0)))
	assert.Equal(t, int64(0), g.Bucket(time.Unix(3599, 0)))
	assert.Equal(t, int64(1), g.Bucket(time.Unix(3600, 0)))
}

func TestHashKnownValue(t *testing.T) {
	// FNV-1a 32 of "" is the offset basis 0x811c9dc5.
	assert.Equal(t, "ztntfp", Hash(""))
}

func TestWellFormed(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"abc123", true},
		{"", false},
		{"ABC", false},
		{"a-b", false},
		{strings.Repeat("a", MaxLength), true},
		{strings.Repeat("a", MaxLength+1), false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, WellFormed(tt.in), tt.in)
	}
}
