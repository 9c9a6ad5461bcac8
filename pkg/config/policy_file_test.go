package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wardenlabs/warden/pkg/config"
)

func writePolicyFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadPolicyFile_Full(t *testing.T) {
	path := writePolicyFile(t, `
dlp_rules:
  - id: internal_token
    pattern: "tok_[a-z0-9]{16}"
    replacement: "[REDACTED:internal_token]"
actions:
  - action_type: external.write
    reversible: false
    zone_required: high_stakes
    requires_pre_approval: true
    post_review_required: true
    metadata:
      cost_impact: high
egress_allowlist:
  - api.github.com
  - "*.googleapis.com"
data_access:
  resources:
    - resource: customer_emails
      label: sensitive_pii
      purposes: [support_triage]
    - resource: billing_exports
      label: restricted
      room_id: r-billing
`)

	pf, err := config.LoadPolicyFile(path)
	require.NoError(t, err)

	require.Len(t, pf.DLPRules, 1)
	assert.Equal(t, "internal_token", pf.DLPRules[0].ID)

	require.Len(t, pf.Actions, 1)
	assert.Equal(t, "external.write", pf.Actions[0].ActionType)
	assert.True(t, pf.Actions[0].RequiresPreApproval)
	assert.Equal(t, "high_stakes", pf.Actions[0].ZoneRequired)

	assert.Contains(t, pf.EgressAllowlist, "api.github.com")

	res := pf.DataAccess.Resource("customer_emails")
	require.NotNil(t, res)
	assert.Equal(t, "sensitive_pii", res.Label)
	assert.Nil(t, pf.DataAccess.Resource("unknown"))
}

func TestLoadPolicyFile_EmptyPath(t *testing.T) {
	pf, err := config.LoadPolicyFile("")
	require.NoError(t, err)
	assert.Empty(t, pf.DLPRules)
	assert.Empty(t, pf.Actions)
}

func TestLoadPolicyFile_Invalid(t *testing.T) {
	path := writePolicyFile(t, "dlp_rules:\n  - pattern: x\n")
	_, err := config.LoadPolicyFile(path)
	assert.Error(t, err)
}
