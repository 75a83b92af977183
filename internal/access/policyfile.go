package access

import (
	"fmt"
	"os"
	"strings"

	"github.com/hengadev/errsx"
	"gopkg.in/yaml.v3"

	"medguard/pkg/domain"
	"medguard/pkg/platform/audit"
	strs "medguard/pkg/platform/strings"
)

// policyFile is the on-disk policy document.
//
//	policies:
//	  - action: VIEW
//	    resource: PATIENT
//	    roles: [admin, doctor, nurse, patient]
//	    attributes:
//	      access_level: [">=2"]
//	    relationship: true
//	    consent: data_sharing
type policyFile struct {
	Policies []policyEntry `yaml:"policies"`
}

type policyEntry struct {
	Action       string              `yaml:"action"`
	Resource     string              `yaml:"resource"`
	Roles        []string            `yaml:"roles"`
	Attributes   map[string][]string `yaml:"attributes"`
	Relationship bool                `yaml:"relationship"`
	Consent      string              `yaml:"consent"`
}

var knownAttributes = map[Attribute]bool{
	AttrHospital:    true,
	AttrDepartment:  true,
	AttrRole:        true,
	AttrAccessLevel: true,
}

var knownResourceTypes = map[domain.ResourceType]bool{
	domain.ResourcePatient:  true,
	domain.ResourceVisit:    true,
	domain.ResourceUser:     true,
	domain.ResourceAuditLog: true,
	domain.ResourceReport:   true,
	domain.ResourceAuth:     true,
	domain.ResourceSystem:   true,
}

// LoadPolicyFile reads and parses a YAML policy file.
func LoadPolicyFile(path string) (*PolicySet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	return ParsePolicies(data)
}

// ParsePolicies parses a YAML policy document. Every invalid entry is
// reported, keyed by its position and field.
func ParsePolicies(data []byte) (*PolicySet, error) {
	var doc policyFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse policy file: %w", err)
	}

	var errs errsx.Map
	policies := make([]*Policy, 0, len(doc.Policies))
	seen := make(map[policyKey]int, len(doc.Policies))
	for i, entry := range doc.Policies {
		p, ok := entry.build(i, &errs)
		if !ok {
			continue
		}
		key := policyKey{p.Action, p.ResourceType}
		if prev, dup := seen[key]; dup {
			errs.Set(entryKey(i, "action"), fmt.Errorf("duplicates policy %d", prev))
			continue
		}
		seen[key] = i
		policies = append(policies, p)
	}
	if err := errs.AsError(); err != nil {
		return nil, err
	}
	return NewPolicySet(policies...), nil
}

func (e policyEntry) build(i int, errs *errsx.Map) (*Policy, bool) {
	before := len(*errs)

	action := audit.Action(strings.ToUpper(strings.TrimSpace(e.Action)))
	if !action.IsValid() {
		errs.Set(entryKey(i, "action"), fmt.Errorf("unknown action %q", e.Action))
	}
	resourceType := domain.ResourceType(strings.ToUpper(strings.TrimSpace(e.Resource)))
	if !knownResourceTypes[resourceType] {
		errs.Set(entryKey(i, "resource"), fmt.Errorf("unknown resource type %q", e.Resource))
	}

	var gates []Gate
	if names := strs.DedupeAndTrimLower(e.Roles); len(names) > 0 {
		roles := make([]domain.Role, 0, len(names))
		for _, raw := range names {
			role, err := domain.ParseRole(raw)
			if err != nil {
				errs.Set(entryKey(i, "roles"), fmt.Errorf("unknown role %q", raw))
				continue
			}
			roles = append(roles, role)
		}
		gates = append(gates, RoleGate{Allowed: roles})
	}

	if len(e.Attributes) > 0 {
		reqs := make(map[Attribute][]string, len(e.Attributes))
		for name, values := range e.Attributes {
			attr := Attribute(strings.ToLower(strings.TrimSpace(name)))
			if !knownAttributes[attr] {
				errs.Set(entryKey(i, "attributes."+name), fmt.Errorf("unknown attribute"))
				continue
			}
			values = strs.DedupeAndTrim(values)
			if len(values) == 0 {
				errs.Set(entryKey(i, "attributes."+name), fmt.Errorf("at least one value is required"))
				continue
			}
			reqs[attr] = values
		}
		gates = append(gates, AttributeGate{Requirements: reqs})
	}

	if e.Relationship {
		gates = append(gates, RelationshipGate{})
	}

	if e.Consent != "" {
		flag, err := domain.ParseConsentFlag(strings.TrimSpace(e.Consent))
		if err != nil {
			errs.Set(entryKey(i, "consent"), fmt.Errorf("unknown consent flag %q", e.Consent))
		} else {
			gates = append(gates, ConsentGate{Flag: flag})
		}
	}

	if len(*errs) > before {
		return nil, false
	}
	return NewPolicy(action, resourceType, gates...), true
}

func entryKey(i int, field string) string {
	return fmt.Sprintf("policies[%d].%s", i, field)
}
