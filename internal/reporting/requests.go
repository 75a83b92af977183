package reporting

import (
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/hengadev/errsx"

	"medguard/pkg/domain"
	dErrors "medguard/pkg/domain-errors"
	"medguard/pkg/platform/audit"
)

const dateOnly = "2006-01-02"

// parseLogsQuery reads the filter and page parameters of GET /audit/logs.
// Every malformed parameter is reported, not just the first.
func parseLogsQuery(q url.Values) (audit.Filter, audit.Pagination, error) {
	var errs errsx.Map
	var f audit.Filter

	if v := q.Get("userId"); v != "" {
		if id, err := domain.ParseUserID(v); err != nil {
			errs.Set("userId", err)
		} else {
			f.ActorID = id
		}
	}
	if v := q.Get("patientId"); v != "" {
		if id, err := domain.ParseResourceID(v); err != nil {
			errs.Set("patientId", err)
		} else {
			f.PatientID = id
		}
	}
	if v := q.Get("action"); v != "" {
		a := audit.Action(strings.ToUpper(v))
		if !a.IsValid() {
			errs.Set("action", dErrors.New(dErrors.CodeInvalidInput, "unknown action"))
		} else {
			f.Action = a
		}
	}
	if v := q.Get("resourceType"); v != "" {
		rt := domain.ResourceType(strings.ToUpper(v))
		if !rt.IsValid() {
			errs.Set("resourceType", dErrors.New(dErrors.CodeInvalidInput, "unknown resource type"))
		} else {
			f.ResourceType = rt
		}
	}
	if v := q.Get("resourceId"); v != "" {
		if _, err := domain.ParseResourceID(v); err != nil {
			errs.Set("resourceId", err)
		} else {
			f.ResourceID = v
		}
	}
	if v := q.Get("status"); v != "" {
		s := audit.Status(strings.ToUpper(v))
		if !s.IsValid() {
			errs.Set("status", dErrors.New(dErrors.CodeInvalidInput, "unknown status"))
		} else {
			f.Status = s
		}
	}
	if v := q.Get("breakGlass"); v != "" {
		if b, err := strconv.ParseBool(v); err != nil {
			errs.Set("breakGlass", err)
		} else {
			f.BreakGlass = &b
		}
	}
	if v := q.Get("hospitalId"); v != "" {
		if id, err := domain.ParseHospitalID(v); err != nil {
			errs.Set("hospitalId", err)
		} else {
			f.HospitalID = id
		}
	}
	f.StartDate, f.EndDate = parseRange(q, &errs)
	page := parsePagination(q, &errs)

	if err := errs.AsError(); err != nil {
		return audit.Filter{}, audit.Pagination{}, invalidQuery(errs)
	}
	return f, page, nil
}

// parseActivityQuery reads the parameters shared by the per-user and
// per-patient activity views.
func parseActivityQuery(q url.Values) (time.Time, time.Time, audit.Pagination, error) {
	var errs errsx.Map
	start, end := parseRange(q, &errs)
	page := parsePagination(q, &errs)
	if err := errs.AsError(); err != nil {
		return time.Time{}, time.Time{}, audit.Pagination{}, invalidQuery(errs)
	}
	return start, end, page, nil
}

func parseStatsQuery(q url.Values) (audit.StatsFilter, error) {
	var errs errsx.Map
	var f audit.StatsFilter
	f.StartDate, f.EndDate = parseRange(q, &errs)
	if v := q.Get("topN"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			errs.Set("topN", dErrors.New(dErrors.CodeInvalidInput, "must be a positive integer"))
		} else {
			f.TopN = n
		}
	}
	if err := errs.AsError(); err != nil {
		return audit.StatsFilter{}, invalidQuery(errs)
	}
	return f, nil
}

// parseRange accepts RFC 3339 timestamps or plain dates. A plain endDate
// covers the whole day.
func parseRange(q url.Values, errs *errsx.Map) (time.Time, time.Time) {
	var start, end time.Time
	if v := q.Get("startDate"); v != "" {
		t, _, err := parseTime(v)
		if err != nil {
			errs.Set("startDate", err)
		}
		start = t
	}
	if v := q.Get("endDate"); v != "" {
		t, day, err := parseTime(v)
		if err != nil {
			errs.Set("endDate", err)
		} else if day {
			t = t.Add(24*time.Hour - time.Nanosecond)
		}
		end = t
	}
	if !start.IsZero() && !end.IsZero() && end.Before(start) {
		errs.Set("endDate", dErrors.New(dErrors.CodeInvalidInput, "must not be before startDate"))
	}
	return start, end
}

func parseTime(v string) (time.Time, bool, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t.UTC(), false, nil
	}
	t, err := time.Parse(dateOnly, v)
	if err != nil {
		return time.Time{}, false, dErrors.New(dErrors.CodeInvalidInput, "must be RFC 3339 or YYYY-MM-DD")
	}
	return t, true, nil
}

func parsePagination(q url.Values, errs *errsx.Map) audit.Pagination {
	var p audit.Pagination
	if v := q.Get("page"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			errs.Set("page", dErrors.New(dErrors.CodeInvalidInput, "must be a positive integer"))
		}
		p.Page = n
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			errs.Set("limit", dErrors.New(dErrors.CodeInvalidInput, "must be a positive integer"))
		}
		p.Limit = n
	}
	switch strings.ToLower(q.Get("sort")) {
	case "", string(audit.SortDesc):
		p.Sort = audit.SortDesc
	case string(audit.SortAsc):
		p.Sort = audit.SortAsc
	default:
		errs.Set("sort", dErrors.New(dErrors.CodeInvalidInput, "must be asc or desc"))
	}
	return p.Normalize()
}

// invalidQuery names the offending parameters in a stable order.
func invalidQuery(errs errsx.Map) error {
	keys := make([]string, 0, len(errs))
	for k := range errs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return dErrors.Wrap(errs, dErrors.CodeValidation, "invalid query parameters: "+strings.Join(keys, ", "))
}
