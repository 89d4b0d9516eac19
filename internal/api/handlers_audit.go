package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/org/pwsafe/internal/storage"
)

// AuditLogHandler handles GET /v1/sys/audit-log. Admins only.
func (s *Server) AuditLogHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := s.requireAdmin(ctx, principalFromCtx(ctx)); err != nil {
		writeErr(w, r, err)
		return
	}

	q := r.URL.Query()
	filter := storage.AuditFilter{
		ActorID: q.Get("actor_id"),
		ItemID:  q.Get("item_id"),
		Limit:   100,
	}

	if l := q.Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			filter.Limit = n
		}
	}
	if o := q.Get("offset"); o != "" {
		if n, err := strconv.Atoi(o); err == nil && n >= 0 {
			filter.Offset = n
		}
	}
	if since := q.Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC 3339")
			return
		}
		filter.Since = &t
	}

	entries, err := s.svc.Audit.Query(ctx, filter)
	if err != nil {
		writeErr(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"data": entries})
}
