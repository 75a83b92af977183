// Package reporting exposes the audit trail to compliance reviewers over HTTP.
package reporting

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"medguard/pkg/domain"
	dErrors "medguard/pkg/domain-errors"
	"medguard/pkg/platform/audit"
	"medguard/pkg/platform/httputil"
	"medguard/pkg/requestcontext"
)

// Trail is the read side of the audit trail.
type Trail interface {
	Get(ctx context.Context, id string) (*audit.Record, error)
	Query(ctx context.Context, filter audit.Filter, page audit.Pagination) (*audit.Page, error)
	Stats(ctx context.Context, f audit.StatsFilter) (*audit.Stats, error)
	Verify(rec audit.Record) bool
}

// Handler serves the /audit reporting endpoints.
type Handler struct {
	trail  Trail
	logger *slog.Logger
}

// New constructs a reporting handler.
func New(trail Trail, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{trail: trail, logger: logger}
}

// Register mounts the reporting endpoints. Callers guard the router with the
// admin role.
func (h *Handler) Register(r chi.Router) {
	r.Get("/audit/logs", h.HandleQuery)
	r.Get("/audit/logs/{id}", h.HandleGet)
	r.Get("/audit/stats", h.HandleStats)
	r.Get("/audit/users/{id}/activity", h.HandleUserActivity)
	r.Get("/audit/patients/{id}/activity", h.HandlePatientActivity)
}

// HandleQuery handles GET /audit/logs.
func (h *Handler) HandleQuery(w http.ResponseWriter, r *http.Request) {
	filter, page, err := parseLogsQuery(r.URL.Query())
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	h.query(w, r, filter, page, "audit logs queried")
}

// HandleGet handles GET /audit/logs/{id}.
func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	rec, err := h.trail.Get(ctx, chi.URLParam(r, "id"))
	if err != nil {
		h.logFailure(ctx, "audit record lookup failed", err)
		httputil.WriteError(w, err)
		return
	}

	verified := h.trail.Verify(*rec)
	if !verified {
		h.logger.WarnContext(ctx, "audit record failed integrity check",
			"request_id", requestID,
			"record_id", rec.ID,
		)
	}
	httputil.WriteJSON(w, http.StatusOK, RecordResponse{Record: *rec, Verified: verified})
}

// HandleStats handles GET /audit/stats.
func (h *Handler) HandleStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	f, err := parseStatsQuery(r.URL.Query())
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	stats, err := h.trail.Stats(ctx, f)
	if err != nil {
		h.logFailure(ctx, "audit stats failed", err)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, stats)
}

// HandleUserActivity handles GET /audit/users/{id}/activity: everything the
// user did, newest first unless asked otherwise.
func (h *Handler) HandleUserActivity(w http.ResponseWriter, r *http.Request) {
	userID, err := domain.ParseUserID(chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	start, end, page, err := parseActivityQuery(r.URL.Query())
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	filter := audit.Filter{ActorID: userID, StartDate: start, EndDate: end}
	h.query(w, r, filter, page, "user activity queried")
}

// HandlePatientActivity handles GET /audit/patients/{id}/activity: every
// access to the patient's data, visits included.
func (h *Handler) HandlePatientActivity(w http.ResponseWriter, r *http.Request) {
	patientID, err := domain.ParseResourceID(chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	start, end, page, err := parseActivityQuery(r.URL.Query())
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	filter := audit.Filter{PatientID: patientID, StartDate: start, EndDate: end}
	h.query(w, r, filter, page, "patient activity queried")
}

func (h *Handler) query(w http.ResponseWriter, r *http.Request, filter audit.Filter, page audit.Pagination, msg string) {
	ctx := r.Context()
	start := time.Now()

	result, err := h.trail.Query(ctx, filter, page)
	if err != nil {
		h.logFailure(ctx, "audit query failed", err)
		httputil.WriteError(w, err)
		return
	}

	h.logger.InfoContext(ctx, msg,
		"request_id", requestcontext.RequestID(ctx),
		"user_id", requestcontext.UserID(ctx),
		"total", result.Total,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	httputil.WriteJSON(w, http.StatusOK, result)
}

func (h *Handler) logFailure(ctx context.Context, msg string, err error) {
	level := slog.LevelError
	if dErrors.CodeOf(err) != dErrors.CodeInternal {
		level = slog.LevelWarn
	}
	h.logger.Log(ctx, level, msg,
		"request_id", requestcontext.RequestID(ctx),
		"user_id", requestcontext.UserID(ctx),
		"error", err,
	)
}

// RecordResponse is a single audit record with the outcome of its integrity
// check.
type RecordResponse struct {
	audit.Record
	Verified bool `json:"verified"`
}
