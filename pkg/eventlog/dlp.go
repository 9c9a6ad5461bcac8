package eventlog

import (
	"fmt"
	"regexp"

	"github.com/wardenlabs/warden/pkg/config"
)

// Rule is one compiled DLP pattern.
type Rule struct {
	ID          string
	Pattern     *regexp.Regexp
	Replacement string
}

// Finding records one DLP hit inside a payload.
type Finding struct {
	RuleID string `json:"rule_id"`
	Path   string `json:"path"`
	Count  int    `json:"count"`
}

// Scanner masks configured secret patterns in event payloads before they are
// persisted. Masking happens on a copy; the caller's map is never mutated.
type Scanner struct {
	rules []Rule
}

var builtinRules = []config.DLPRuleSpec{
	{ID: "openai_api_key", Pattern: `sk-[A-Za-z0-9]{20,}`},
	{ID: "aws_access_key_id", Pattern: `AKIA[0-9A-Z]{16}`},
	{ID: "github_token", Pattern: `gh[pousr]_[A-Za-z0-9]{36,}`},
	{ID: "slack_token", Pattern: `xox[baprs]-[A-Za-z0-9-]{10,}`},
	{ID: "bearer_token", Pattern: `(?i)bearer\s+[A-Za-z0-9\-._~+/]{20,}=*`},
	{ID: "private_key_block", Pattern: `-----BEGIN [A-Z ]*PRIVATE KEY-----`},
}

// NewScanner compiles the built-in rules plus any operator-supplied extras.
func NewScanner(extra []config.DLPRuleSpec) (*Scanner, error) {
	specs := make([]config.DLPRuleSpec, 0, len(builtinRules)+len(extra))
	specs = append(specs, builtinRules...)
	specs = append(specs, extra...)

	rules := make([]Rule, 0, len(specs))
	for _, spec := range specs {
		re, err := regexp.Compile(spec.Pattern)
		if err != nil {
			return nil, fmt.Errorf("dlp rule %q: %w", spec.ID, err)
		}
		replacement := spec.Replacement
		if replacement == "" {
			replacement = "[REDACTED:" + spec.ID + "]"
		}
		rules = append(rules, Rule{ID: spec.ID, Pattern: re, Replacement: replacement})
	}
	return &Scanner{rules: rules}, nil
}

// Scan walks every string in data, masking secret matches in the returned
// copy and reporting one finding per (rule, path).
func (s *Scanner) Scan(data map[string]any) (map[string]any, []Finding) {
	if len(data) == 0 {
		return data, nil
	}
	var findings []Finding
	masked := s.maskValue("data", data, &findings)
	return masked.(map[string]any), findings
}

func (s *Scanner) maskValue(path string, v any, findings *[]Finding) any {
	switch t := v.(type) {
	case string:
		return s.maskString(path, t, findings)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = s.maskValue(path+"."+k, val, findings)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = s.maskValue(fmt.Sprintf("%s[%d]", path, i), val, findings)
		}
		return out
	default:
		return v
	}
}

func (s *Scanner) maskString(path, in string, findings *[]Finding) string {
	out := in
	for _, r := range s.rules {
		matches := r.Pattern.FindAllString(out, -1)
		if len(matches) == 0 {
			continue
		}
		out = r.Pattern.ReplaceAllString(out, r.Replacement)
		*findings = append(*findings, Finding{RuleID: r.ID, Path: path, Count: len(matches)})
	}
	return out
}
