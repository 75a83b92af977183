package audit

import (
	"time"

	"medguard/pkg/domain"
)

// Action is the enumerated verb an audit record describes.
type Action string

const (
	ActionLogin        Action = "LOGIN"
	ActionLogout       Action = "LOGOUT"
	ActionView         Action = "VIEW"
	ActionCreate       Action = "CREATE"
	ActionUpdate       Action = "UPDATE"
	ActionDelete       Action = "DELETE"
	ActionSearch       Action = "SEARCH"
	ActionExport       Action = "EXPORT"
	ActionPrint        Action = "PRINT"
	ActionAccessDenied Action = "ACCESS_DENIED"
	ActionBreakGlass   Action = "BREAK_GLASS_ACCESS"
)

// IsMutation reports whether the action changes stored state and therefore
// carries a before-state in its audit record.
func (a Action) IsMutation() bool {
	return a == ActionUpdate || a == ActionDelete
}

// Status is the outcome of the described event.
type Status string

const (
	StatusSuccess Status = "SUCCESS"
	StatusFailure Status = "FAILURE"
	StatusPartial Status = "PARTIAL"
	StatusDenied  Status = "DENIED"
)

// StatusFromHTTP classifies a response status code: 2xx succeeded, 4xx was
// refused, everything else failed.
func StatusFromHTTP(code int) Status {
	switch {
	case code >= 200 && code < 300:
		return StatusSuccess
	case code >= 400 && code < 500:
		return StatusDenied
	default:
		return StatusFailure
	}
}

// AccessMethod distinguishes ordinary access from emergency override.
type AccessMethod string

const (
	AccessNormal    AccessMethod = "normal"
	AccessEmergency AccessMethod = "emergency"
)

// EventCategory classifies actions by their primary purpose so sinks can
// route them (e.g. security stream).
type EventCategory string

const (
	// CategoryCompliance covers routine record access with regulatory significance.
	CategoryCompliance EventCategory = "compliance"

	// CategorySecurity covers refusals and emergency overrides that feed
	// monitoring and alerting.
	CategorySecurity EventCategory = "security"

	// CategoryOperations covers session activity.
	CategoryOperations EventCategory = "operations"
)

var actionCategories = map[Action]EventCategory{
	ActionView:   CategoryCompliance,
	ActionCreate: CategoryCompliance,
	ActionUpdate: CategoryCompliance,
	ActionDelete: CategoryCompliance,
	ActionSearch: CategoryCompliance,
	ActionExport: CategoryCompliance,
	ActionPrint:  CategoryCompliance,

	ActionAccessDenied: CategorySecurity,
	ActionBreakGlass:   CategorySecurity,

	ActionLogin:  CategoryOperations,
	ActionLogout: CategoryOperations,
}

// Category returns the EventCategory for this action.
// Unknown actions default to CategoryCompliance.
func (a Action) Category() EventCategory {
	if cat, ok := actionCategories[a]; ok {
		return cat
	}
	return CategoryCompliance
}

// IsValid reports whether the action is one of the enumerated verbs.
func (a Action) IsValid() bool {
	_, ok := actionCategories[a]
	return ok
}

// IsValid reports whether the status is one of the enumerated outcomes.
func (s Status) IsValid() bool {
	switch s {
	case StatusSuccess, StatusFailure, StatusPartial, StatusDenied:
		return true
	}
	return false
}

// Actor identifies who performed the action.
type Actor struct {
	ID    domain.UserID `json:"id"`
	Email string        `json:"email,omitempty"`
	Role  domain.Role   `json:"role,omitempty"`
}

// BreakGlass is the emergency override sub-record.
type BreakGlass struct {
	Justification string `json:"justification"`
	ApprovedBy    string `json:"approvedBy,omitempty"`
}

// Details is the optional structured payload of a record.
type Details struct {
	BeforeState  map[string]any `json:"beforeState,omitempty"`
	Changes      []string       `json:"changes,omitempty"`
	ErrorMessage string         `json:"errorMessage,omitempty"`
	DenialReason string         `json:"denialReason,omitempty"`
}

// IsZero reports whether no detail is set.
func (d *Details) IsZero() bool {
	return d == nil || (len(d.BeforeState) == 0 && len(d.Changes) == 0 && d.ErrorMessage == "" && d.DenialReason == "")
}

// Record is one immutable access/action event. Once appended it is never
// updated or deleted.
type Record struct {
	ID           string              `json:"id"`
	Actor        Actor               `json:"actor"`
	Action       Action              `json:"action"`
	ResourceType domain.ResourceType `json:"resourceType"`
	ResourceID   string              `json:"resourceId,omitempty"`
	PatientID    domain.ResourceID   `json:"patient,omitempty"`
	Timestamp    time.Time           `json:"timestamp"`
	IPAddress    string              `json:"ipAddress"`
	UserAgent    string              `json:"userAgent,omitempty"`
	Device       string              `json:"device,omitempty"`
	AccessMethod AccessMethod        `json:"accessMethod"`
	Status       Status              `json:"status"`
	BreakGlass   *BreakGlass         `json:"breakGlass,omitempty"`
	Details      *Details            `json:"details,omitempty"`
	HospitalID   domain.HospitalID   `json:"hospitalId,omitempty"`
	Department   string              `json:"department,omitempty"`
	RequestID    string              `json:"requestId,omitempty"`
	Digest       string              `json:"digest,omitempty"`
}

// Emergency reports whether the record was produced under a break-glass override.
func (r Record) Emergency() bool {
	return r.AccessMethod == AccessEmergency
}

// SortOrder orders query results by timestamp.
type SortOrder string

const (
	SortDesc SortOrder = "desc"
	SortAsc  SortOrder = "asc"
)

// Filter narrows a query. Zero-valued fields are ignored.
type Filter struct {
	ActorID      domain.UserID
	PatientID    domain.ResourceID
	Action       Action
	ResourceType domain.ResourceType
	ResourceID   string
	Status       Status
	// BreakGlass selects records made under (true) or outside (false) an
	// emergency override.
	BreakGlass *bool
	HospitalID domain.HospitalID
	StartDate  time.Time
	EndDate    time.Time
}

// Match reports whether rec satisfies every set filter field. The date range
// is inclusive on both ends.
func (f Filter) Match(rec Record) bool {
	switch {
	case f.ActorID != "" && rec.Actor.ID != f.ActorID:
		return false
	case f.PatientID != "" && rec.PatientID != f.PatientID:
		return false
	case f.Action != "" && rec.Action != f.Action:
		return false
	case f.ResourceType != "" && rec.ResourceType != f.ResourceType:
		return false
	case f.ResourceID != "" && rec.ResourceID != f.ResourceID:
		return false
	case f.Status != "" && rec.Status != f.Status:
		return false
	case f.BreakGlass != nil && rec.Emergency() != *f.BreakGlass:
		return false
	case f.HospitalID != "" && rec.HospitalID != f.HospitalID:
		return false
	case !f.StartDate.IsZero() && rec.Timestamp.Before(f.StartDate):
		return false
	case !f.EndDate.IsZero() && rec.Timestamp.After(f.EndDate):
		return false
	}
	return true
}

const (
	DefaultPage  = 1
	DefaultLimit = 50
	MaxLimit     = 500
)

// Pagination selects one page of results.
type Pagination struct {
	Page  int
	Limit int
	Sort  SortOrder
}

// Normalize applies defaults and bounds.
func (p Pagination) Normalize() Pagination {
	if p.Page < 1 {
		p.Page = DefaultPage
	}
	if p.Limit < 1 {
		p.Limit = DefaultLimit
	}
	if p.Limit > MaxLimit {
		p.Limit = MaxLimit
	}
	if p.Sort != SortAsc {
		p.Sort = SortDesc
	}
	return p
}

// Offset returns the number of records to skip.
func (p Pagination) Offset() int {
	return (p.Page - 1) * p.Limit
}

// Page is one page of query results.
type Page struct {
	Records []Record `json:"records"`
	Page    int      `json:"page"`
	Limit   int      `json:"limit"`
	Total   int      `json:"total"`
	Pages   int      `json:"pages"`
}

// DefaultTopN bounds the top-actions and top-actors lists.
const DefaultTopN = 10

// StatsFilter bounds aggregate statistics to an optional date range.
type StatsFilter struct {
	StartDate time.Time
	EndDate   time.Time
	TopN      int
}

// Count is one entry of a frequency ranking.
type Count struct {
	Key   string `json:"key"`
	Count int64  `json:"count"`
}

// Stats are the aggregates compliance reporting needs.
type Stats struct {
	BreakGlassCount int64   `json:"breakGlassCount"`
	DeniedCount     int64   `json:"deniedCount"`
	TopActions      []Count `json:"topActions"`
	TopActors       []Count `json:"topActors"`
}
