package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// PolicyFile is the operator-supplied policy profile: DLP rules beyond the
// built-ins, action registry seed rows, the egress allowlist, and
// data-access labeling.
type PolicyFile struct {
	DLPRules        []DLPRuleSpec    `yaml:"dlp_rules" json:"dlp_rules"`
	Actions         []ActionSpec     `yaml:"actions" json:"actions"`
	EgressAllowlist []string         `yaml:"egress_allowlist" json:"egress_allowlist"`
	DataAccess      DataAccessConfig `yaml:"data_access" json:"data_access"`
}

// DLPRuleSpec declares one secret pattern and its mask replacement.
type DLPRuleSpec struct {
	ID          string `yaml:"id" json:"id"`
	Pattern     string `yaml:"pattern" json:"pattern"`
	Replacement string `yaml:"replacement,omitempty" json:"replacement,omitempty"`
}

// ActionSpec seeds one action registry row.
type ActionSpec struct {
	ActionType          string            `yaml:"action_type" json:"action_type"`
	Reversible          bool              `yaml:"reversible" json:"reversible"`
	ZoneRequired        string            `yaml:"zone_required,omitempty" json:"zone_required,omitempty"`
	RequiresPreApproval bool              `yaml:"requires_pre_approval" json:"requires_pre_approval"`
	PostReviewRequired  bool              `yaml:"post_review_required" json:"post_review_required"`
	GuardExpression     string            `yaml:"guard_expression,omitempty" json:"guard_expression,omitempty"`
	Metadata            map[string]string `yaml:"metadata,omitempty" json:"metadata,omitempty"`
}

// DataAccessConfig labels resources and binds them to purposes or rooms.
type DataAccessConfig struct {
	Resources []DataResourceSpec `yaml:"resources" json:"resources"`
}

// DataResourceSpec labels one resource.
// Label is one of: public, internal, restricted, confidential, sensitive_pii.
type DataResourceSpec struct {
	Resource string   `yaml:"resource" json:"resource"`
	Label    string   `yaml:"label" json:"label"`
	RoomID   string   `yaml:"room_id,omitempty" json:"room_id,omitempty"`
	Purposes []string `yaml:"purposes,omitempty" json:"purposes,omitempty"`
}

// LoadPolicyFile reads and parses a policy profile. A missing path returns
// an empty profile so the built-in defaults apply.
func LoadPolicyFile(path string) (*PolicyFile, error) {
	if path == "" {
		return &PolicyFile{}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load policy file %q: %w", path, err)
	}

	var pf PolicyFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("parse policy file %q: %w", path, err)
	}

	for i, r := range pf.DLPRules {
		if r.ID == "" {
			return nil, fmt.Errorf("policy file %q: dlp_rules[%d] missing id", path, i)
		}
		if r.Pattern == "" {
			return nil, fmt.Errorf("policy file %q: dlp rule %q missing pattern", path, r.ID)
		}
	}
	for i, a := range pf.Actions {
		if a.ActionType == "" {
			return nil, fmt.Errorf("policy file %q: actions[%d] missing action_type", path, i)
		}
	}

	return &pf, nil
}

// Resource returns the data-access spec for a resource, or nil.
func (d *DataAccessConfig) Resource(name string) *DataResourceSpec {
	for i := range d.Resources {
		if d.Resources[i].Resource == name {
			return &d.Resources[i]
		}
	}
	return nil
}
