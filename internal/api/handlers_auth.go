package api

import (
	"net/http"
)

// LoginHandler handles POST /v1/auth/login
func (s *Server) LoginHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Login    string `json:"login"`
		Password string `json:"password"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	sess, err := s.svc.Logins.Login(r.Context(), req.Login, req.Password)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	defer sess.Principal.Wipe()
	writeJSON(w, http.StatusOK, map[string]any{
		"token":      sess.Token,
		"expires_at": sess.ExpiresAt,
		"user":       viewUser(sess.Principal.User),
	})
}

// SelfHandler handles GET /v1/auth/self
func (s *Server) SelfHandler(w http.ResponseWriter, r *http.Request) {
	p := principalFromCtx(r.Context())
	var groups []groupView
	all, err := s.svc.Actors.ListGroups(r.Context())
	if err != nil {
		writeErr(w, r, err)
		return
	}
	for _, g := range all {
		members, err := s.svc.Actors.Members(r.Context(), g.ID)
		if err != nil {
			writeErr(w, r, err)
			return
		}
		for _, m := range members {
			if m == p.ID() {
				groups = append(groups, viewGroup(g))
				break
			}
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"user": viewUser(p.User), "groups": groups})
}

// ChangePasswordHandler handles POST /v1/auth/password
func (s *Server) ChangePasswordHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OldPassword string `json:"old_password"`
		NewPassword string `json:"new_password"`
	}
	if err := decodeJSON(r, &req); err != nil || req.NewPassword == "" {
		writeError(w, http.StatusBadRequest, "old_password and new_password are required")
		return
	}
	if err := s.svc.Actors.ChangePassword(r.Context(), principalFromCtx(r.Context()), req.OldPassword, req.NewPassword); err != nil {
		writeErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RotateKeyHandler handles POST /v1/auth/rotate-key. Sessions issued before
// the rotation stop working, so a fresh token is returned.
func (s *Server) RotateKeyHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req struct {
		Password string `json:"password"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	p := principalFromCtx(ctx)
	if err := s.svc.Actors.RotatePersonalKey(ctx, p, req.Password); err != nil {
		writeErr(w, r, err)
		return
	}
	token, exp, err := s.svc.Logins.Tokens().Issue(ctx, p)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"token": token, "expires_at": exp})
}
