package access

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/hengadev/errsx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"medguard/pkg/domain"
	"medguard/pkg/platform/audit"
)

const samplePolicies = `
policies:
  - action: view
    resource: patient
    roles: [admin, doctor, nurse, patient]
    relationship: true
  - action: EXPORT
    resource: PATIENT
    roles: [admin, doctor]
    attributes:
      access_level: [">=3"]
    relationship: true
    consent: research
`

func TestParsePolicies(t *testing.T) {
	set, err := ParsePolicies([]byte(samplePolicies))
	require.NoError(t, err)
	assert.Equal(t, 2, set.Len())

	p, ok := set.Lookup(audit.ActionExport, domain.ResourcePatient)
	require.True(t, ok)
	assert.Equal(t, "EXPORT PATIENT [role,attribute,relationship,consent]", p.String())

	gates := p.Gates()
	assert.Equal(t, RoleGate{Allowed: []domain.Role{domain.RoleAdmin, domain.RoleDoctor}}, gates[0])
	assert.Equal(t, ConsentGate{Flag: domain.ConsentResearch}, gates[3])

	_, ok = set.Lookup(audit.ActionDelete, domain.ResourcePatient)
	assert.False(t, ok)
}

func TestParsePoliciesReportsEveryInvalidEntry(t *testing.T) {
	doc := `
policies:
  - action: PEEK
    resource: PATIENT
  - action: VIEW
    resource: VISIT
    roles: [surgeon]
    attributes:
      shoe_size: ["42"]
    consent: marketing
  - action: VIEW
    resource: PATIENT
  - action: VIEW
    resource: PATIENT
`
	_, err := ParsePolicies([]byte(doc))
	require.Error(t, err)

	errs, ok := err.(errsx.Map)
	require.True(t, ok, "expected errsx.Map, got %T", err)
	for _, key := range []string{
		"policies[0].action",
		"policies[1].roles",
		"policies[1].attributes.shoe_size",
		"policies[1].consent",
		"policies[3].action",
	} {
		assert.Contains(t, errs, key)
	}
}

func TestLoadPolicyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policies.yaml")
	require.NoError(t, os.WriteFile(path, []byte(samplePolicies), 0o600))

	set, err := LoadPolicyFile(path)
	require.NoError(t, err)
	assert.Equal(t, 2, set.Len())

	_, err = LoadPolicyFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestParsePoliciesRejectsMalformedYAML(t *testing.T) {
	_, err := ParsePolicies([]byte("policies: [unterminated"))
	assert.ErrorContains(t, err, "parse policy file")
}

func TestParsePoliciesNormalizesLists(t *testing.T) {
	doc := `
policies:
  - action: UPDATE
    resource: VISIT
    roles: [" Doctor", doctor, NURSE]
    attributes:
      hospital: [" H1 ", H1, ""]
`
	set, err := ParsePolicies([]byte(doc))
	require.NoError(t, err)

	p, ok := set.Lookup(audit.ActionUpdate, domain.ResourceVisit)
	require.True(t, ok)
	gates := p.Gates()
	assert.Equal(t, RoleGate{Allowed: []domain.Role{domain.RoleDoctor, domain.RoleNurse}}, gates[0])
	assert.Equal(t, AttributeGate{Requirements: map[Attribute][]string{AttrHospital: {"H1"}}}, gates[1])
}
