package access

import (
	"fmt"
	"slices"
	"strconv"
	"strings"

	"medguard/pkg/domain"
	"medguard/pkg/platform/audit"
)

// GateKind orders gates by precedence. Lower values run first.
type GateKind int

const (
	GateNone GateKind = iota
	GateRole
	GateAttribute
	GateRelationship
	GateConsent
)

func (k GateKind) String() string {
	switch k {
	case GateRole:
		return "role"
	case GateAttribute:
		return "attribute"
	case GateRelationship:
		return "relationship"
	case GateConsent:
		return "consent"
	default:
		return "none"
	}
}

// Gate is one check in a policy. The set of gates is closed: only the
// variants declared in this package implement it.
type Gate interface {
	Kind() GateKind
	sealed()
}

// RoleGate admits identities whose role is in Allowed.
type RoleGate struct {
	Allowed []domain.Role
}

// Attribute names an identity attribute an AttributeGate can constrain.
type Attribute string

const (
	AttrHospital    Attribute = "hospital"
	AttrDepartment  Attribute = "department"
	AttrRole        Attribute = "role"
	AttrAccessLevel Attribute = "access_level"
)

// AttributeGate requires every listed attribute on the identity to match one
// of its acceptable values. Access level values are either exact ("3") or a
// minimum (">=3").
type AttributeGate struct {
	Requirements map[Attribute][]string
}

// RelationshipGate checks the caller's relationship to a patient-scoped
// resource. It is a no-op for other resource types.
type RelationshipGate struct{}

// ConsentGate requires Flag to be set on the resolved resource.
type ConsentGate struct {
	Flag domain.ConsentFlag
}

func (RoleGate) Kind() GateKind         { return GateRole }
func (AttributeGate) Kind() GateKind    { return GateAttribute }
func (RelationshipGate) Kind() GateKind { return GateRelationship }
func (ConsentGate) Kind() GateKind      { return GateConsent }

func (RoleGate) sealed()         {}
func (AttributeGate) sealed()    {}
func (RelationshipGate) sealed() {}
func (ConsentGate) sealed()      {}

func (g RoleGate) admits(role domain.Role) bool {
	return slices.Contains(g.Allowed, role)
}

func (g AttributeGate) admits(identity *domain.Identity) bool {
	for attr, acceptable := range g.Requirements {
		if len(acceptable) == 0 {
			continue
		}
		if !matchAttribute(attr, identity, acceptable) {
			return false
		}
	}
	return true
}

func matchAttribute(attr Attribute, identity *domain.Identity, acceptable []string) bool {
	switch attr {
	case AttrHospital:
		return slices.Contains(acceptable, string(identity.HospitalID))
	case AttrDepartment:
		return slices.Contains(acceptable, identity.Department)
	case AttrRole:
		return slices.Contains(acceptable, string(identity.Role))
	case AttrAccessLevel:
		return slices.ContainsFunc(acceptable, func(v string) bool {
			return matchLevel(identity.AccessLevel, v)
		})
	default:
		// Unknown attributes can never be satisfied.
		return false
	}
}

func matchLevel(level int, want string) bool {
	want = strings.TrimSpace(want)
	if rest, ok := strings.CutPrefix(want, ">="); ok {
		floor, err := strconv.Atoi(strings.TrimSpace(rest))
		return err == nil && level >= floor
	}
	exact, err := strconv.Atoi(want)
	return err == nil && level == exact
}

// Policy is the ordered gate pipeline for one (action, resource type) pair.
type Policy struct {
	Action       audit.Action
	ResourceType domain.ResourceType
	gates        []Gate
}

// NewPolicy builds a policy. Gates are evaluated by precedence (role,
// attribute, relationship, consent) whatever order they are given in.
func NewPolicy(action audit.Action, resourceType domain.ResourceType, gates ...Gate) *Policy {
	ordered := slices.Clone(gates)
	slices.SortStableFunc(ordered, func(a, b Gate) int {
		return int(a.Kind()) - int(b.Kind())
	})
	return &Policy{Action: action, ResourceType: resourceType, gates: ordered}
}

// Gates returns the gates in evaluation order.
func (p *Policy) Gates() []Gate {
	return slices.Clone(p.gates)
}

// AdmitsCaller reports whether identity passes the policy's role and
// attribute gates. Neither can be overridden by break-glass.
func (p *Policy) AdmitsCaller(identity *domain.Identity) bool {
	if identity == nil {
		return false
	}
	for _, g := range p.gates {
		switch g := g.(type) {
		case RoleGate:
			if !g.admits(identity.Role) {
				return false
			}
		case AttributeGate:
			if !g.admits(identity) {
				return false
			}
		}
	}
	return true
}

// needsResource reports whether evaluating the policy requires the resolved resource.
func (p *Policy) needsResource() bool {
	for _, g := range p.gates {
		if g.Kind() == GateRelationship || g.Kind() == GateConsent {
			return true
		}
	}
	return false
}

type policyKey struct {
	action       audit.Action
	resourceType domain.ResourceType
}

// PolicySet indexes policies by action and resource type.
type PolicySet struct {
	policies map[policyKey]*Policy
}

// NewPolicySet indexes the given policies. A later policy for the same pair
// replaces an earlier one.
func NewPolicySet(policies ...*Policy) *PolicySet {
	s := &PolicySet{policies: make(map[policyKey]*Policy, len(policies))}
	for _, p := range policies {
		s.policies[policyKey{p.Action, p.ResourceType}] = p
	}
	return s
}

// Lookup returns the policy for the pair.
func (s *PolicySet) Lookup(action audit.Action, resourceType domain.ResourceType) (*Policy, bool) {
	if s == nil {
		return nil, false
	}
	p, ok := s.policies[policyKey{action, resourceType}]
	return p, ok
}

// Len returns the number of policies.
func (s *PolicySet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.policies)
}

func (p *Policy) String() string {
	kinds := make([]string, 0, len(p.gates))
	for _, g := range p.gates {
		kinds = append(kinds, g.Kind().String())
	}
	return fmt.Sprintf("%s %s [%s]", p.Action, p.ResourceType, strings.Join(kinds, ","))
}
