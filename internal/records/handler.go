package records

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"medguard/internal/breakglass"
	"medguard/pkg/domain"
	dErrors "medguard/pkg/domain-errors"
	"medguard/pkg/platform/httputil"
	"medguard/pkg/requestcontext"
)

// documentBody is a JSON object request body. Break-glass control fields are
// dropped so they never reach stored records.
type documentBody map[string]any

// Validate implements httputil.Validatable.
func (b *documentBody) Validate() error {
	if b == nil || *b == nil {
		return dErrors.New(dErrors.CodeBadRequest, "request body must be a JSON object")
	}
	delete(*b, breakglass.FieldBreakGlass)
	delete(*b, breakglass.FieldJustification)
	delete(*b, breakglass.FieldApprovedBy)
	return nil
}

// Handler serves patient and visit documents. Authorization and auditing are
// applied by the router around each handler.
type Handler struct {
	service *Service
	logger  *slog.Logger
}

// NewHandler constructs the records handler.
func NewHandler(service *Service, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{service: service, logger: logger}
}

// HandleCreatePatient handles POST /patients.
func (h *Handler) HandleCreatePatient(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	body, ok := httputil.DecodeAndPrepare[documentBody](w, r, h.logger, ctx, requestcontext.RequestID(ctx))
	if !ok {
		return
	}
	doc, res, err := h.service.CreatePatient(ctx, *body)
	if err != nil {
		h.fail(w, r, "create patient failed", err)
		return
	}
	// Mirrors the new resource into the request scope for its audit record.
	_ = requestcontext.WithResource(ctx, res)
	httputil.WriteJSON(w, http.StatusCreated, doc)
}

// HandleCreateVisit handles POST /patients/{id}/visits.
func (h *Handler) HandleCreateVisit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	body, ok := httputil.DecodeAndPrepare[documentBody](w, r, h.logger, ctx, requestcontext.RequestID(ctx))
	if !ok {
		return
	}
	patient := h.target(r, domain.ResourcePatient)
	doc, res, err := h.service.CreateVisit(ctx, domain.ResourceID(patient.ID), *body)
	if err != nil {
		h.fail(w, r, "create visit failed", err)
		return
	}
	_ = requestcontext.WithResource(ctx, res)
	httputil.WriteJSON(w, http.StatusCreated, doc)
}

// Get returns a handler for GET /patients/{id} and GET /visits/{id}.
func (h *Handler) Get(resourceType domain.ResourceType) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		doc, err := h.service.Get(r.Context(), h.target(r, resourceType))
		if err != nil {
			h.fail(w, r, "read record failed", err)
			return
		}
		httputil.WriteJSON(w, http.StatusOK, doc)
	}
}

// Update returns a handler for PUT /patients/{id} and PUT /visits/{id}.
func (h *Handler) Update(resourceType domain.ResourceType) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		body, ok := httputil.DecodeAndPrepare[documentBody](w, r, h.logger, ctx, requestcontext.RequestID(ctx))
		if !ok {
			return
		}
		doc, err := h.service.Update(ctx, h.target(r, resourceType), *body)
		if err != nil {
			h.fail(w, r, "update record failed", err)
			return
		}
		httputil.WriteJSON(w, http.StatusOK, doc)
	}
}

// Delete returns a handler for DELETE /patients/{id} and DELETE /visits/{id}.
func (h *Handler) Delete(resourceType domain.ResourceType) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := h.service.Delete(r.Context(), h.target(r, resourceType)); err != nil {
			h.fail(w, r, "delete record failed", err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// HandleExport handles GET /patients/{id}/export.
func (h *Handler) HandleExport(w http.ResponseWriter, r *http.Request) {
	patient := h.target(r, domain.ResourcePatient)
	export, err := h.service.Export(r.Context(), domain.ResourceID(patient.ID))
	if err != nil {
		h.fail(w, r, "export patient failed", err)
		return
	}
	w.Header().Set("Content-Disposition", `attachment; filename="patient-`+patient.ID+`.json"`)
	httputil.WriteJSON(w, http.StatusOK, export)
}

// target prefers the canonical id resolved during authorization over the
// route parameter, which may be an MRN or visit number.
func (h *Handler) target(r *http.Request, resourceType domain.ResourceType) domain.ResourceRef {
	if res := requestcontext.Resource(r.Context()); res != nil && res.Type == resourceType {
		return domain.ResourceRef{Type: res.Type, ID: string(res.ID)}
	}
	return domain.ResourceRef{Type: resourceType, ID: chi.URLParam(r, "id")}
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, msg string, err error) {
	ctx := r.Context()
	level := slog.LevelWarn
	if dErrors.CodeOf(err) == dErrors.CodeInternal || dErrors.CodeOf(err) == dErrors.CodeIntegrity {
		level = slog.LevelError
	}
	h.logger.Log(ctx, level, msg,
		"request_id", requestcontext.RequestID(ctx),
		"user_id", requestcontext.UserID(ctx),
		"error", err,
	)
	httputil.WriteError(w, err)
}
