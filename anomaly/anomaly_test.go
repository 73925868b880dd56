package anomaly

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const browserUA = "Mozilla/5.0 (Macintosh; Intel Mac OS X 14_5) AppleWebKit/605.1.15 Safari/605.1.15"

func TestAssessTable(t *testing.T) {
	d := New(DefaultConfig())

	tests := []struct {
		name   string
		req    Request
		level  Level
		rules  []string
		action Action
	}{
		{
			name:   "browser on normal path",
			req:    Request{UserAgent: browserUA, Path: "/quota", Method: "GET"},
			level:  LevelNone,
			rules:  []string{},
			action: ActionAllow,
		},
		{
			name:   "empty agent on auth path",
			req:    Request{Path: "/auth/login", Method: "POST"},
			level:  LevelMedium,
			rules:  []string{RuleEmptyUserAgent},
			action: ActionWarn,
		},
		{
			name:   "placeholder agent",
			req:    Request{UserAgent: "Mozilla/5.0", Path: "/quota", Method: "GET"},
			level:  LevelMedium,
			rules:  []string{RulePlaceholderUserAgent},
			action: ActionWarn,
		},
		{
			name:   "short agent",
			req:    Request{UserAgent: "abc", Path: "/quota", Method: "GET"},
			level:  LevelMedium,
			rules:  []string{RuleShortUserAgent},
			action: ActionWarn,
		},
		{
			name:   "automation on public path",
			req:    Request{UserAgent: "python-requests/2.31.0", Path: "/quota", Method: "GET"},
			level:  LevelMedium,
			rules:  []string{RuleAutomationUserAgent},
			action: ActionWarn,
		},
		{
			name:   "automation on conversion path",
			req:    Request{UserAgent: "curl/8.4.0", Path: "/convert", Method: "POST"},
			level:  LevelHigh,
			rules:  []string{RuleAutomationSensitive},
			action: ActionBlock,
		},
		{
			name:   "headless browser on auth",
			req:    Request{UserAgent: "Mozilla/5.0 HeadlessChrome/120.0", Path: "/auth/demo", Method: "POST"},
			level:  LevelHigh,
			rules:  []string{RuleAutomationSensitive},
			action: ActionBlock,
		},
		{
			name:   "dot dot traversal",
			req:    Request{UserAgent: browserUA, Path: "/docs/../etc/passwd", Method: "GET"},
			level:  LevelHigh,
			rules:  []string{RulePathTraversal},
			action: ActionBlock,
		},
		{
			name:   "encoded null byte",
			req:    Request{UserAgent: browserUA, Path: "/quota%00.json", Method: "GET"},
			level:  LevelHigh,
			rules:  []string{RulePathTraversal},
			action: ActionBlock,
		},
		{
			name:   "double encoded traversal",
			req:    Request{UserAgent: browserUA, Path: "/x/%252e%252e/y", Method: "GET"},
			level:  LevelHigh,
			rules:  []string{RulePathTraversal},
			action: ActionBlock,
		},
		{
			name:   "method mismatch",
			req:    Request{UserAgent: browserUA, Path: "/convert", Method: "GET"},
			level:  LevelLow,
			rules:  []string{RuleMethodMismatch},
			action: ActionAllow,
		},
		{
			name:   "unknown route has no method class",
			req:    Request{UserAgent: browserUA, Path: "/something", Method: "DELETE"},
			level:  LevelNone,
			rules:  []string{},
			action: ActionAllow,
		},
		{
			name:   "segment prefix does not overmatch",
			req:    Request{UserAgent: "curl/8.4.0", Path: "/authority", Method: "GET"},
			level:  LevelMedium,
			rules:  []string{RuleAutomationUserAgent},
			action: ActionWarn,
		},
		{
			name:   "multiple rules keep max",
			req:    Request{UserAgent: "curl/8", Path: "/convert/../x", Method: "PUT"},
			level:  LevelHigh,
			rules:  []string{RuleShortUserAgent, RuleAutomationSensitive, RulePathTraversal, RuleMethodMismatch},
			action: ActionBlock,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := d.Assess(tt.req)
			assert.Equal(t, tt.level, a.Level)
			assert.Equal(t, tt.rules, a.Rules())
			assert.Equal(t, tt.action, a.Action())
		})
	}
}

func TestAssessIsStable(t *testing.T) {
	d := New(DefaultConfig())
	reqs := []Request{
		{UserAgent: "", Path: "/auth/login", Method: "POST"},
		{UserAgent: browserUA, Path: "/a/../b", Method: "GET"},
		{UserAgent: browserUA, Path: "/quota", Method: "GET"},
	}
	first := make([]Assessment, len(reqs))
	for i, r := range reqs {
		first[i] = d.Assess(r)
	}
	// Evaluating in reverse order must not change any result.
	for i := len(reqs) - 1; i >= 0; i-- {
		for n := 0; n < 3; n++ {
			assert.Equal(t, first[i], d.Assess(reqs[i]))
		}
	}
}

func TestAssessNeverPanics(t *testing.T) {
	d := New(Config{})
	inputs := []string{"", "\x00", strings.Repeat("\xff", 1024), "%", "/"}
	for _, ua := range inputs {
		for _, p := range inputs {
			assert.NotPanics(t, func() { d.Assess(Request{UserAgent: ua, Path: p, Method: p}) })
		}
	}
}

func TestLevelOrderingAndJSON(t *testing.T) {
	assert.True(t, LevelNone < LevelLow && LevelLow < LevelMedium && LevelMedium < LevelHigh)
	assert.Equal(t, "unknown", Level(42).String())

	b, err := json.Marshal(Assessment{Level: LevelMedium, Reasons: []Reason{{Rule: RuleEmptyUserAgent, Level: LevelMedium}}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"level":"medium","reasons":[{"rule":"empty_user_agent","level":"medium"}]}`, string(b))
}
