package access

import "medguard/pkg/domain"

// The relationship rules below are pure domain logic: no I/O, no side effects.
// Each returns whether access is granted and, when not, the denial reason.

// AdminUnrestricted grants administrators every patient-scoped resource.
func AdminUnrestricted(_ *domain.Identity, _ *domain.Resource) (bool, string) {
	return true, ""
}

// NurseHospitalScope grants a nurse any patient-scoped resource within their
// own hospital. Unlike doctors, nurses are not limited to assigned patients,
// but they never reach across hospitals.
func NurseHospitalScope(identity *domain.Identity, res *domain.Resource) (bool, string) {
	if identity.HospitalID == "" || res.HospitalID != identity.HospitalID {
		return false, ReasonOtherHospital
	}
	return true, ""
}

// AssignmentScope grants access when the resource, or the patient it is linked
// to, is in the caller's assigned set. Applies to doctors, staff and patients
// (a patient is assigned their own record).
func AssignmentScope(identity *domain.Identity, res *domain.Resource) (bool, string) {
	if identity.HasAssignment(res.ID, res.PatientID) {
		return true, ""
	}
	return false, ReasonNotAssigned
}

// relationshipRule selects the rule for a role. Unknown roles get no rule
// and are denied.
func relationshipRule(role domain.Role) func(*domain.Identity, *domain.Resource) (bool, string) {
	switch role {
	case domain.RoleAdmin:
		return AdminUnrestricted
	case domain.RoleNurse:
		return NurseHospitalScope
	case domain.RoleDoctor, domain.RoleStaff, domain.RolePatient:
		return AssignmentScope
	default:
		return nil
	}
}

// EvaluateRelationship applies the role's relationship rule. Resources that
// are not patient-scoped pass unconditionally.
func EvaluateRelationship(identity *domain.Identity, res *domain.Resource) (bool, string) {
	if !res.Type.PatientScoped() {
		return true, ""
	}
	rule := relationshipRule(identity.Role)
	if rule == nil {
		return false, ReasonNotAssigned
	}
	return rule(identity, res)
}

// EvaluateConsent checks the resource's consent flag.
func EvaluateConsent(res *domain.Resource, flag domain.ConsentFlag) (bool, string) {
	if res.Consent.Allows(flag) {
		return true, ""
	}
	return false, ConsentReason(flag)
}
