package domain

// ResourceType names the kind of protected object a request targets.
type ResourceType string

const (
	ResourcePatient  ResourceType = "PATIENT"
	ResourceVisit    ResourceType = "VISIT"
	ResourceUser     ResourceType = "USER"
	ResourceAuditLog ResourceType = "AUDIT_LOG"
	ResourceReport   ResourceType = "REPORT"
	ResourceAuth     ResourceType = "AUTH"
	ResourceSystem   ResourceType = "SYSTEM"
)

// PatientScoped reports whether access to the type is governed by the
// relationship between caller and patient.
func (t ResourceType) PatientScoped() bool {
	return t == ResourcePatient || t == ResourceVisit
}

func (t ResourceType) String() string {
	return string(t)
}

// ResourceRef identifies the object a request targets. ID may be the canonical
// id or a secondary identifier (MRN, visit number) that still needs resolving.
type ResourceRef struct {
	Type ResourceType
	ID   string
}

// Resource is the resolved view of a protected object.
// PatientID equals ID for patient records and links visits to their patient.
type Resource struct {
	Type       ResourceType
	ID         ResourceID
	PatientID  ResourceID
	HospitalID HospitalID
	Department string
	Consent    Consent
}

func (t ResourceType) IsValid() bool {
	switch t {
	case ResourcePatient, ResourceVisit, ResourceUser, ResourceAuditLog,
		ResourceReport, ResourceAuth, ResourceSystem:
		return true
	}
	return false
}
