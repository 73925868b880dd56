// Package anomaly classifies request metadata into coarse risk levels using
// fixed heuristics. Assess is a pure function of its inputs: no I/O, no
// clock, no randomness.
package anomaly

import (
	"net/http"
	"sort"
	"strings"
)

// Level is a coarse risk classification. Levels are ordered.
type Level int

const (
	LevelNone Level = iota
	LevelLow
	LevelMedium
	LevelHigh
)

func (l Level) String() string {
	switch l {
	case LevelNone:
		return "none"
	case LevelLow:
		return "low"
	case LevelMedium:
		return "medium"
	case LevelHigh:
		return "high"
	default:
		return "unknown"
	}
}

// MarshalText renders the level by name in JSON and logs.
func (l Level) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// Action is what the caller should do with an assessed request.
type Action string

const (
	ActionAllow Action = "allow"
	ActionWarn  Action = "warn"
	ActionBlock Action = "block"
)

// Rule names reported in Reason.Rule.
const (
	RuleEmptyUserAgent       = "empty_user_agent"
	RuleShortUserAgent       = "short_user_agent"
	RulePlaceholderUserAgent = "placeholder_user_agent"
	RuleAutomationUserAgent  = "automation_user_agent"
	RuleAutomationSensitive  = "automation_on_sensitive_path"
	RulePathTraversal        = "path_traversal"
	RuleMethodMismatch       = "method_mismatch"
)

// Request is the metadata the detector looks at.
type Request struct {
	ClientKey string
	UserAgent string
	Path      string
	Method    string
}

// Reason records one triggered rule.
type Reason struct {
	Rule   string `json:"rule"`
	Level  Level  `json:"level"`
	Detail string `json:"detail,omitempty"`
}

// Assessment is the derived, never persisted result of Assess. Level is the
// maximum severity among Reasons.
type Assessment struct {
	Level   Level    `json:"level"`
	Reasons []Reason `json:"reasons,omitempty"`
}

// Action maps the level to allow, warn or block.
func (a Assessment) Action() Action {
	switch {
	case a.Level >= LevelHigh:
		return ActionBlock
	case a.Level == LevelMedium:
		return ActionWarn
	default:
		return ActionAllow
	}
}

// Rules returns the names of the triggered rules in evaluation order.
func (a Assessment) Rules() []string {
	out := make([]string, 0, len(a.Reasons))
	for _, r := range a.Reasons {
		out = append(out, r.Rule)
	}
	return out
}

func (a *Assessment) add(rule string, level Level, detail string) {
	a.Reasons = append(a.Reasons, Reason{Rule: rule, Level: level, Detail: detail})
	if level > a.Level {
		a.Level = level
	}
}

// RouteClass groups paths sharing a set of expected methods. A path belongs
// to the class with the longest matching prefix.
type RouteClass struct {
	Name    string
	Prefix  string
	Methods []string
}

// Config holds the detector's lists. Matching is case-insensitive.
type Config struct {
	// SensitivePrefixes are path prefixes (auth, conversion) where
	// automation is escalated to high risk.
	SensitivePrefixes []string
	RouteClasses      []RouteClass
	// AutomationMarkers are substrings of non-browser agents.
	AutomationMarkers []string
	// PlaceholderAgents are complete agent strings that carry no information.
	PlaceholderAgents []string
	MinAgentLength    int
}

// DefaultConfig returns the rule set used by the server.
func DefaultConfig() Config {
	return Config{
		SensitivePrefixes: []string{"/auth", "/convert"},
		RouteClasses: []RouteClass{
			{Name: "auth", Prefix: "/auth", Methods: []string{http.MethodGet, http.MethodPost, http.MethodOptions}},
			{Name: "convert", Prefix: "/convert", Methods: []string{http.MethodPost, http.MethodOptions}},
			{Name: "quota", Prefix: "/quota", Methods: []string{http.MethodGet, http.MethodHead, http.MethodOptions}},
			{Name: "ops", Prefix: "/health", Methods: []string{http.MethodGet, http.MethodHead}},
			{Name: "ops", Prefix: "/metrics", Methods: []string{http.MethodGet, http.MethodHead}},
			{Name: "docs", Prefix: "/docs", Methods: []string{http.MethodGet, http.MethodHead}},
			{Name: "docs", Prefix: "/redoc", Methods: []string{http.MethodGet, http.MethodHead}},
			{Name: "docs", Prefix: "/openapi.yaml", Methods: []string{http.MethodGet, http.MethodHead}},
		},
		AutomationMarkers: []string{
			"curl", "wget", "python-requests", "python-urllib", "aiohttp", "httpx",
			"go-http-client", "okhttp", "java/", "libwww-perl", "scrapy",
			"node-fetch", "axios", "postmanruntime", "insomnia", "httpie",
			"headlesschrome", "headless", "phantomjs", "selenium", "puppeteer",
			"playwright", "webdriver",
		},
		PlaceholderAgents: []string{
			"-", "null", "none", "undefined", "unknown", "test", "user-agent",
			"mozilla", "mozilla/4.0", "mozilla/5.0",
		},
		MinAgentLength: 10,
	}
}

// traversalMarkers are matched against the lowercased raw path.
var traversalMarkers = []string{
	"..", "%2e%2e", "%2e.", ".%2e", "%252e", "%00", "%2500", "\x00", "\\", "%5c", "%255c",
}

// Detector evaluates requests against a Config. It is immutable after New
// and safe for concurrent use.
type Detector struct {
	sensitive   []string
	classes     []RouteClass
	automation  []string
	placeholder map[string]struct{}
	minAgentLen int
}

// New builds a Detector. Empty lists stay empty; use DefaultConfig for the
// standard rules.
func New(cfg Config) *Detector {
	d := &Detector{
		sensitive:   lowerAll(cfg.SensitivePrefixes),
		automation:  lowerAll(cfg.AutomationMarkers),
		placeholder: make(map[string]struct{}, len(cfg.PlaceholderAgents)),
		minAgentLen: cfg.MinAgentLength,
	}
	for _, p := range cfg.PlaceholderAgents {
		d.placeholder[strings.ToLower(strings.TrimSpace(p))] = struct{}{}
	}
	for _, rc := range cfg.RouteClasses {
		methods := make([]string, len(rc.Methods))
		for i, m := range rc.Methods {
			methods[i] = strings.ToUpper(m)
		}
		d.classes = append(d.classes, RouteClass{Name: rc.Name, Prefix: strings.ToLower(rc.Prefix), Methods: methods})
	}
	// Longest prefix first so the most specific class wins.
	sort.SliceStable(d.classes, func(i, j int) bool {
		return len(d.classes[i].Prefix) > len(d.classes[j].Prefix)
	})
	return d
}

// Assess applies every rule to req. The result depends only on req and the
// detector's configuration.
func (d *Detector) Assess(req Request) Assessment {
	var a Assessment
	ua := strings.TrimSpace(req.UserAgent)
	lowerUA := strings.ToLower(ua)
	path := strings.ToLower(req.Path)

	switch {
	case ua == "":
		a.add(RuleEmptyUserAgent, LevelMedium, "")
	case d.isPlaceholder(lowerUA):
		a.add(RulePlaceholderUserAgent, LevelMedium, ua)
	case len([]rune(ua)) < d.minAgentLen:
		a.add(RuleShortUserAgent, LevelMedium, ua)
	}

	if marker := firstContained(lowerUA, d.automation); marker != "" {
		if d.isSensitive(path) {
			a.add(RuleAutomationSensitive, LevelHigh, marker)
		} else {
			a.add(RuleAutomationUserAgent, LevelMedium, marker)
		}
	}

	if marker := firstContained(path, traversalMarkers); marker != "" {
		a.add(RulePathTraversal, LevelHigh, marker)
	}

	method := strings.ToUpper(strings.TrimSpace(req.Method))
	if method == "" {
		method = http.MethodGet
	}
	if rc, ok := d.classFor(path); ok && !contains(rc.Methods, method) {
		a.add(RuleMethodMismatch, LevelLow, method+" "+rc.Name)
	}
	return a
}

func (d *Detector) isPlaceholder(lowerUA string) bool {
	_, ok := d.placeholder[lowerUA]
	return ok
}

func (d *Detector) isSensitive(path string) bool {
	for _, p := range d.sensitive {
		if matchesPrefix(path, p) {
			return true
		}
	}
	return false
}

func (d *Detector) classFor(path string) (RouteClass, bool) {
	for _, rc := range d.classes {
		if matchesPrefix(path, rc.Prefix) {
			return rc, true
		}
	}
	return RouteClass{}, false
}

// matchesPrefix matches whole path segments: "/auth" covers "/auth" and
// "/auth/login" but not "/authority".
func matchesPrefix(path, prefix string) bool {
	if prefix == "" || !strings.HasPrefix(path, prefix) {
		return false
	}
	if len(path) == len(prefix) || strings.HasSuffix(prefix, "/") {
		return true
	}
	next := path[len(prefix)]
	return next == '/' || next == '?'
}

func firstContained(s string, markers []string) string {
	if s == "" {
		return ""
	}
	for _, m := range markers {
		if m != "" && strings.Contains(s, m) {
			return m
		}
	}
	return ""
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func lowerAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			out = append(out, s)
		}
	}
	return out
}
