package http

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/Sentinel-Gate/credgate/internal/domain/audit"
)

// handleQueryAudit returns recent audit records, newest first.
// GET /api/v1/audit?credential_id=&application_id=&operation=&status=&since=&until=&limit=
func (h *APIHandler) handleQueryAudit(w http.ResponseWriter, r *http.Request) {
	filter, err := parseAuditFilter(r.URL.Query())
	if err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	records := h.audit.Query(filter)
	if records == nil {
		records = []audit.AuditRecord{}
	}
	h.respondJSON(w, http.StatusOK, records)
}

func parseAuditFilter(q url.Values) (audit.AuditFilter, error) {
	filter := audit.AuditFilter{
		CredentialID:  q.Get("credential_id"),
		ApplicationID: q.Get("application_id"),
		Operation:     q.Get("operation"),
		Status:        q.Get("status"),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return filter, fmt.Errorf("limit must be a positive integer")
		}
		filter.Limit = n
	}
	for param, dst := range map[string]*time.Time{"since": &filter.StartTime, "until": &filter.EndTime} {
		v := q.Get(param)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return filter, fmt.Errorf("%s must be an RFC 3339 timestamp", param)
		}
		*dst = t
	}
	return filter, nil
}
