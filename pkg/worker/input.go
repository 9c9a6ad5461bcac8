package worker

import "encoding/json"

// stepSpec is one declared step in a run's input. A step is a tool call
// when Tool is set, an egress request when URL is set, and a plain step
// otherwise.
type stepSpec struct {
	Name   string         `json:"name,omitempty"`
	Tool   string         `json:"tool,omitempty"`
	Action string         `json:"action,omitempty"`
	URL    string         `json:"url,omitempty"`
	Method string         `json:"method,omitempty"`
	Args   map[string]any `json:"args,omitempty"`
}

func (s stepSpec) name() string {
	if s.Name != "" {
		return s.Name
	}
	switch {
	case s.Tool != "":
		return "tool:" + s.Tool
	case s.URL != "":
		return "egress"
	}
	return "execute"
}

// action is the registry key for a tool step; it defaults to the tool name.
func (s stepSpec) action() string {
	if s.Action != "" {
		return s.Action
	}
	return s.Tool
}

func (s stepSpec) egressURL(in *runInput) string {
	if s.URL != "" {
		return s.URL
	}
	if s.Tool == "" && s.Name == "egress" {
		return in.Runtime.Egress.TargetURL
	}
	return ""
}

type runtimePolicy struct {
	PrincipalID       string `json:"principal_id"`
	CapabilityTokenID string `json:"capability_token_id"`
	Zone              string `json:"zone"`
}

type runtimeSpec struct {
	Egress struct {
		TargetURL string `json:"target_url"`
	} `json:"egress"`
	Policy runtimePolicy `json:"policy"`
}

// runInput is the worker-relevant slice of a run's input document.
type runInput struct {
	Steps   []stepSpec  `json:"steps"`
	Runtime runtimeSpec `json:"runtime"`
}

// parseInput never fails: malformed input degrades to the default plan so a
// bad document still produces a traceable run instead of a stuck claim.
func parseInput(raw json.RawMessage) *runInput {
	in := &runInput{}
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, in)
	}
	return in
}

// plan synthesizes the step list: declared steps verbatim, else a single
// egress step when the runtime names a target, else one plain step.
func (in *runInput) plan() []stepSpec {
	if len(in.Steps) > 0 {
		return in.Steps
	}
	if in.Runtime.Egress.TargetURL != "" {
		return []stepSpec{{Name: "egress", URL: in.Runtime.Egress.TargetURL}}
	}
	return []stepSpec{{Name: "execute"}}
}
