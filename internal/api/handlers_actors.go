package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/org/pwsafe/internal/actor"
	"github.com/org/pwsafe/pkg/models"
)

// UserListHandler handles GET /v1/users
func (s *Server) UserListHandler(w http.ResponseWriter, r *http.Request) {
	users, err := s.svc.Actors.ListUsers(r.Context())
	if err != nil {
		writeErr(w, r, err)
		return
	}
	out := make([]userView, 0, len(users))
	for _, u := range users {
		out = append(out, viewUser(u))
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": out})
}

// UserCreateHandler handles POST /v1/users
func (s *Server) UserCreateHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Login      string `json:"login"`
		Email      string `json:"email"`
		Password   string `json:"password"`
		AuthSource string `json:"auth_source"`
	}
	if err := decodeJSON(r, &req); err != nil || req.Login == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "login and password are required")
		return
	}
	u, err := s.svc.Actors.CreateUser(r.Context(), principalFromCtx(r.Context()), actor.NewUser{
		Login:      req.Login,
		Email:      req.Email,
		Password:   req.Password,
		AuthSource: req.AuthSource,
	})
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, viewUser(u))
}

// UserEnableHandler handles PUT /v1/users/{id}/enabled
func (s *Server) UserEnableHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.svc.Actors.SetUserEnabled(r.Context(), principalFromCtx(r.Context()), chi.URLParam(r, "id"), req.Enabled); err != nil {
		writeErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// UserResetPasswordHandler handles POST /v1/users/{id}/password
func (s *Server) UserResetPasswordHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Password string `json:"password"`
	}
	if err := decodeJSON(r, &req); err != nil || req.Password == "" {
		writeError(w, http.StatusBadRequest, "password is required")
		return
	}
	if err := s.svc.Actors.ResetPassword(r.Context(), principalFromCtx(r.Context()), chi.URLParam(r, "id"), req.Password); err != nil {
		writeErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GroupListHandler handles GET /v1/groups
func (s *Server) GroupListHandler(w http.ResponseWriter, r *http.Request) {
	groups, err := s.svc.Actors.ListGroups(r.Context())
	if err != nil {
		writeErr(w, r, err)
		return
	}
	out := make([]groupView, 0, len(groups))
	for _, g := range groups {
		out = append(out, viewGroup(g))
	}
	writeJSON(w, http.StatusOK, map[string]any{"groups": out})
}

// GroupCreateHandler handles POST /v1/groups
func (s *Server) GroupCreateHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := decodeJSON(r, &req); err != nil || req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	g, err := s.svc.Actors.CreateGroup(r.Context(), principalFromCtx(r.Context()), req.Name)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, viewGroup(g))
}

// GroupStatusHandler handles PUT /v1/groups/{id}/status
func (s *Server) GroupStatusHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status models.GroupStatus `json:"status"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	switch req.Status {
	case models.GroupEnabled, models.GroupDisabled, models.GroupDeleted:
	default:
		writeError(w, http.StatusBadRequest, "status must be enabled, disabled or deleted")
		return
	}
	if err := s.svc.Actors.SetGroupStatus(r.Context(), principalFromCtx(r.Context()), chi.URLParam(r, "id"), req.Status); err != nil {
		writeErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GroupMembersHandler handles GET /v1/groups/{id}/members
func (s *Server) GroupMembersHandler(w http.ResponseWriter, r *http.Request) {
	ids, err := s.svc.Actors.Members(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"members": ids})
}

// GroupAddMemberHandler handles PUT /v1/groups/{id}/members/{userID}
func (s *Server) GroupAddMemberHandler(w http.ResponseWriter, r *http.Request) {
	err := s.svc.Actors.AddMember(r.Context(), principalFromCtx(r.Context()), chi.URLParam(r, "id"), chi.URLParam(r, "userID"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GroupRemoveMemberHandler handles DELETE /v1/groups/{id}/members/{userID}
func (s *Server) GroupRemoveMemberHandler(w http.ResponseWriter, r *http.Request) {
	err := s.svc.Actors.RemoveMember(r.Context(), principalFromCtx(r.Context()), chi.URLParam(r, "id"), chi.URLParam(r, "userID"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
