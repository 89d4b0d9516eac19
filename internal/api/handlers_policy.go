package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/org/pwsafe/internal/policy"
	"github.com/org/pwsafe/pkg/models"
)

// PolicyWriteHandler handles POST /v1/policies. A body carrying an id
// replaces that policy.
func (s *Server) PolicyWriteHandler(w http.ResponseWriter, r *http.Request) {
	var req models.RestrictionPolicy
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	pol, err := s.svc.Policies.Save(r.Context(), principalFromCtx(r.Context()), &req)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, pol)
}

// PolicyReadHandler handles GET /v1/policies/{id}
func (s *Server) PolicyReadHandler(w http.ResponseWriter, r *http.Request) {
	pol, err := s.svc.Policies.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pol)
}

// PolicyDeleteHandler handles DELETE /v1/policies/{id}
func (s *Server) PolicyDeleteHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Policies.Delete(r.Context(), principalFromCtx(r.Context()), chi.URLParam(r, "id")); err != nil {
		writeErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// PolicyListHandler handles GET /v1/policies
func (s *Server) PolicyListHandler(w http.ResponseWriter, r *http.Request) {
	pols, err := s.svc.Policies.List(r.Context())
	if err != nil {
		writeErr(w, r, err)
		return
	}
	if pols == nil {
		pols = []*models.RestrictionPolicy{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"policies": pols})
}

// PolicyCheckHandler handles POST /v1/policies/{id}/check. It reports every
// rule the candidate password breaks without storing anything.
func (s *Server) PolicyCheckHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Password string `json:"password"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	pol, err := s.svc.Policies.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	violations := policy.Violations(pol, req.Password)
	if violations == nil {
		violations = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": len(violations) == 0, "violations": violations})
}
