// Package records is the patient and visit data layer. Documents are kept as
// JSON objects; PHI fields are encrypted before they are stored and opened
// again on every read.
package records

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"

	"github.com/google/uuid"
	"github.com/hengadev/errsx"

	"medguard/pkg/domain"
	dErrors "medguard/pkg/domain-errors"
	"medguard/pkg/platform/sentinel"
	"medguard/pkg/requestcontext"
)

// PHIFields are encrypted at rest.
var PHIFields = []string{"ssn", "phone", "address", "email", "diagnosis"}

// Document keys with meaning to the data layer.
const (
	KeyID          = "id"
	KeyMRN         = "mrn"
	KeyVisitNumber = "visitNumber"
	KeyPatientID   = "patientId"
	KeyHospitalID  = "hospitalId"
	KeyDepartment  = "department"
	KeyConsent     = "consent"
	KeyCreatedAt   = "createdAt"
	KeyUpdatedAt   = "updatedAt"
)

// immutableKeys cannot be changed by an update. Identifiers double as
// directory aliases, so changing one would leave a stale alias behind.
var immutableKeys = map[string]bool{
	KeyID:          true,
	KeyMRN:         true,
	KeyVisitNumber: true,
	KeyPatientID:   true,
	KeyCreatedAt:   true,
	KeyUpdatedAt:   true,
}

// Catalog stores documents and the resource view the access layer resolves.
type Catalog interface {
	Put(ctx context.Context, res domain.Resource, state map[string]any, aliases ...string) error
	Remove(ctx context.Context, resourceType domain.ResourceType, id domain.ResourceID) error
	Visits(ctx context.Context, patientID domain.ResourceID) ([]domain.ResourceID, error)
	Resolve(ctx context.Context, ref domain.ResourceRef) (*domain.Resource, error)
	ReadState(ctx context.Context, ref domain.ResourceRef) (map[string]any, error)
}

// Cipher encrypts and decrypts named document fields in place.
type Cipher interface {
	EncryptFields(doc map[string]any, fields ...string) error
	DecryptFields(doc map[string]any, fields ...string) error
}

// Service implements patient and visit storage.
type Service struct {
	catalog Catalog
	cipher  Cipher
	logger  *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// New creates the data layer.
func New(catalog Catalog, cipher Cipher, opts ...Option) (*Service, error) {
	if catalog == nil {
		return nil, errors.New("catalog is required")
	}
	if cipher == nil {
		return nil, errors.New("cipher is required")
	}
	s := &Service{
		catalog: catalog,
		cipher:  cipher,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// CreatePatient stores a new patient document. mrn and hospitalId are
// required. The returned document is in plaintext.
func (s *Service) CreatePatient(ctx context.Context, doc map[string]any) (map[string]any, *domain.Resource, error) {
	var errs errsx.Map
	mrn := requiredString(doc, KeyMRN, &errs)
	hospital := hospitalField(doc, &errs)
	department := optionalString(doc, KeyDepartment, &errs)
	consent := consentField(doc, &errs)
	if err := errs.AsError(); err != nil {
		return nil, nil, invalid(err)
	}

	res := domain.Resource{
		Type:       domain.ResourcePatient,
		ID:         domain.ResourceID(uuid.NewString()),
		HospitalID: hospital,
		Department: department,
		Consent:    consent,
	}
	res.PatientID = res.ID

	plain := maps.Clone(doc)
	plain[KeyID] = string(res.ID)
	stamp(ctx, plain, true)
	if err := s.store(ctx, res, plain, mrn); err != nil {
		return nil, nil, err
	}
	return plain, &res, nil
}

// CreateVisit stores a visit under an existing patient. The visit inherits
// the patient's hospital, department unless given, and consent.
func (s *Service) CreateVisit(ctx context.Context, patientID domain.ResourceID, doc map[string]any) (map[string]any, *domain.Resource, error) {
	patient, err := s.resolve(ctx, domain.ResourceRef{Type: domain.ResourcePatient, ID: string(patientID)})
	if err != nil {
		return nil, nil, err
	}

	var errs errsx.Map
	number := requiredString(doc, KeyVisitNumber, &errs)
	department := optionalString(doc, KeyDepartment, &errs)
	if _, ok := doc[KeyPatientID]; ok {
		errs.Set(KeyPatientID, errors.New("is taken from the route"))
	}
	if err := errs.AsError(); err != nil {
		return nil, nil, invalid(err)
	}
	if department == "" {
		department = patient.Department
	}

	res := domain.Resource{
		Type:       domain.ResourceVisit,
		ID:         domain.ResourceID(uuid.NewString()),
		PatientID:  patient.ID,
		HospitalID: patient.HospitalID,
		Department: department,
		Consent:    patient.Consent,
	}

	plain := maps.Clone(doc)
	plain[KeyID] = string(res.ID)
	plain[KeyPatientID] = string(patient.ID)
	plain[KeyHospitalID] = string(patient.HospitalID)
	plain[KeyDepartment] = department
	stamp(ctx, plain, true)
	if err := s.store(ctx, res, plain, number); err != nil {
		return nil, nil, err
	}
	return plain, &res, nil
}

// Get returns the plaintext document. A field that fails to decrypt fails
// the whole read.
func (s *Service) Get(ctx context.Context, ref domain.ResourceRef) (map[string]any, error) {
	doc, err := s.catalog.ReadState(ctx, ref)
	if err != nil {
		return nil, translate(err, ref)
	}
	if err := s.cipher.DecryptFields(doc, PHIFields...); err != nil {
		s.logger.ErrorContext(ctx, "failed to decrypt record",
			"request_id", requestcontext.RequestID(ctx),
			"resource_type", ref.Type,
			"resource_id", ref.ID,
			"error", err,
		)
		return nil, dErrors.Wrap(err, dErrors.CodeIntegrity, "record could not be decrypted")
	}
	return doc, nil
}

// Update merges changes into the stored document. Identifier fields are
// immutable. Changing a patient's hospital or consent is
// propagated to the patient's visits.
func (s *Service) Update(ctx context.Context, ref domain.ResourceRef, changes map[string]any) (map[string]any, error) {
	res, err := s.resolve(ctx, ref)
	if err != nil {
		return nil, err
	}
	doc, err := s.Get(ctx, domain.ResourceRef{Type: res.Type, ID: string(res.ID)})
	if err != nil {
		return nil, err
	}

	var errs errsx.Map
	for k := range changes {
		if immutableKeys[k] {
			errs.Set(k, errors.New("cannot be changed"))
		}
	}
	maps.Copy(doc, changes)
	updated := *res
	switch res.Type {
	case domain.ResourcePatient:
		updated.HospitalID = hospitalField(doc, &errs)
		updated.Department = optionalString(doc, KeyDepartment, &errs)
		updated.Consent = consentField(doc, &errs)
	case domain.ResourceVisit:
		if _, ok := changes[KeyHospitalID]; ok {
			errs.Set(KeyHospitalID, errors.New("is inherited from the patient"))
		}
		updated.Department = optionalString(doc, KeyDepartment, &errs)
	}
	if err := errs.AsError(); err != nil {
		return nil, invalid(err)
	}

	stamp(ctx, doc, false)
	if err := s.store(ctx, updated, doc); err != nil {
		return nil, err
	}
	if updated.Type == domain.ResourcePatient && scopeChanged(*res, updated) {
		if err := s.propagate(ctx, updated); err != nil {
			return nil, err
		}
	}
	return doc, nil
}

// Delete removes a record. Deleting a patient removes their visits.
func (s *Service) Delete(ctx context.Context, ref domain.ResourceRef) error {
	res, err := s.resolve(ctx, ref)
	if err != nil {
		return err
	}
	if res.Type == domain.ResourcePatient {
		visits, err := s.visitIDs(ctx, res.ID)
		if err != nil {
			return err
		}
		for _, id := range visits {
			if err := s.catalog.Remove(ctx, domain.ResourceVisit, id); err != nil {
				return s.writeFailed(ctx, domain.ResourceRef{Type: domain.ResourceVisit, ID: string(id)}, err)
			}
		}
	}
	if err := s.catalog.Remove(ctx, res.Type, res.ID); err != nil {
		return s.writeFailed(ctx, domain.ResourceRef{Type: res.Type, ID: string(res.ID)}, err)
	}
	return nil
}

// Export is the patient document with every visit attached.
type Export struct {
	Patient map[string]any   `json:"patient"`
	Visits  []map[string]any `json:"visits"`
}

// Export returns the plaintext patient document and its visits.
func (s *Service) Export(ctx context.Context, patientID domain.ResourceID) (*Export, error) {
	res, err := s.resolve(ctx, domain.ResourceRef{Type: domain.ResourcePatient, ID: string(patientID)})
	if err != nil {
		return nil, err
	}
	patient, err := s.Get(ctx, domain.ResourceRef{Type: domain.ResourcePatient, ID: string(res.ID)})
	if err != nil {
		return nil, err
	}
	visits, err := s.visitIDs(ctx, res.ID)
	if err != nil {
		return nil, err
	}
	out := &Export{Patient: patient, Visits: []map[string]any{}}
	for _, id := range visits {
		visit, err := s.Get(ctx, domain.ResourceRef{Type: domain.ResourceVisit, ID: string(id)})
		if err != nil {
			return nil, err
		}
		out.Visits = append(out.Visits, visit)
	}
	return out, nil
}

func (s *Service) visitIDs(ctx context.Context, patientID domain.ResourceID) ([]domain.ResourceID, error) {
	ids, err := s.catalog.Visits(ctx, patientID)
	if err != nil {
		return nil, translate(err, domain.ResourceRef{Type: domain.ResourcePatient, ID: string(patientID)})
	}
	return ids, nil
}

func (s *Service) writeFailed(ctx context.Context, ref domain.ResourceRef, err error) error {
	s.logger.ErrorContext(ctx, "failed to write record",
		"request_id", requestcontext.RequestID(ctx),
		"resource_type", ref.Type,
		"resource_id", ref.ID,
		"error", err,
	)
	return dErrors.Wrap(err, dErrors.CodeInternal, "record could not be saved")
}

// store encrypts PHI on a copy of plain and writes it to the catalog.
func (s *Service) store(ctx context.Context, res domain.Resource, plain map[string]any, aliases ...string) error {
	var errs errsx.Map
	for _, name := range PHIFields {
		if v, ok := plain[name]; ok && v != nil {
			if _, ok := v.(string); !ok {
				errs.Set(name, fmt.Errorf("must be a string, got %T", v))
			}
		}
	}
	if err := errs.AsError(); err != nil {
		return invalid(err)
	}

	stored := maps.Clone(plain)
	if err := s.cipher.EncryptFields(stored, PHIFields...); err != nil {
		s.logger.ErrorContext(ctx, "failed to encrypt record",
			"request_id", requestcontext.RequestID(ctx),
			"resource_type", res.Type,
			"resource_id", res.ID,
			"error", err,
		)
		return dErrors.Wrap(err, dErrors.CodeInternal, "record could not be encrypted")
	}
	if err := s.catalog.Put(ctx, res, stored, aliases...); err != nil {
		return s.writeFailed(ctx, domain.ResourceRef{Type: res.Type, ID: string(res.ID)}, err)
	}
	return nil
}

// propagate refreshes the resource view of every visit after the patient's
// scope changed, so access checks on visits see the new consent.
func (s *Service) propagate(ctx context.Context, patient domain.Resource) error {
	visits, err := s.visitIDs(ctx, patient.ID)
	if err != nil {
		return err
	}
	for _, id := range visits {
		ref := domain.ResourceRef{Type: domain.ResourceVisit, ID: string(id)}
		visit, err := s.resolve(ctx, ref)
		if err != nil {
			return err
		}
		stored, err := s.catalog.ReadState(ctx, ref)
		if err != nil {
			return translate(err, ref)
		}
		visit.HospitalID = patient.HospitalID
		visit.Consent = patient.Consent
		stored[KeyHospitalID] = string(patient.HospitalID)
		if err := s.catalog.Put(ctx, *visit, stored); err != nil {
			return s.writeFailed(ctx, ref, err)
		}
	}
	return nil
}

func (s *Service) resolve(ctx context.Context, ref domain.ResourceRef) (*domain.Resource, error) {
	res, err := s.catalog.Resolve(ctx, ref)
	if err != nil {
		return nil, translate(err, ref)
	}
	return res, nil
}

func scopeChanged(before, after domain.Resource) bool {
	return before.HospitalID != after.HospitalID || before.Consent != after.Consent
}

func stamp(ctx context.Context, doc map[string]any, created bool) {
	now := requestcontext.Now(ctx).UTC()
	if created {
		doc[KeyCreatedAt] = now
	}
	doc[KeyUpdatedAt] = now
}

func requiredString(doc map[string]any, key string, errs *errsx.Map) string {
	v := optionalString(doc, key, errs)
	if v == "" {
		if _, bad := (*errs)[key]; !bad {
			errs.Set(key, errors.New("is required"))
		}
	}
	return v
}

func optionalString(doc map[string]any, key string, errs *errsx.Map) string {
	v, ok := doc[key]
	if !ok || v == nil {
		return ""
	}
	str, ok := v.(string)
	if !ok {
		errs.Set(key, fmt.Errorf("must be a string, got %T", v))
		return ""
	}
	return str
}

func hospitalField(doc map[string]any, errs *errsx.Map) domain.HospitalID {
	raw := requiredString(doc, KeyHospitalID, errs)
	if raw == "" {
		return ""
	}
	id, err := domain.ParseHospitalID(raw)
	if err != nil {
		errs.Set(KeyHospitalID, err)
	}
	return id
}

// consentField reads the consent object. Absent consent grants nothing.
func consentField(doc map[string]any, errs *errsx.Map) domain.Consent {
	var c domain.Consent
	v, ok := doc[KeyConsent]
	if !ok || v == nil {
		return c
	}
	raw, err := json.Marshal(v)
	if err == nil {
		err = json.Unmarshal(raw, &c)
	}
	if err != nil {
		errs.Set(KeyConsent, errors.New("must be an object of boolean flags"))
	}
	return c
}

func invalid(err error) error {
	return dErrors.Wrap(err, dErrors.CodeValidation, "invalid record: "+err.Error())
}

func translate(err error, ref domain.ResourceRef) error {
	if errors.Is(err, sentinel.ErrNotFound) {
		return dErrors.Wrap(err, dErrors.CodeNotFound, fmt.Sprintf("%s not found", ref.Type))
	}
	return dErrors.Wrap(err, dErrors.CodeInternal, "record lookup failed")
}
