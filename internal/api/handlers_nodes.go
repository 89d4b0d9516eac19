package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/org/pwsafe/pkg/models"
)

// NodeCreateHandler handles POST /v1/nodes
func (s *Server) NodeCreateHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ParentID string `json:"parent_id"`
		Name     string `json:"name"`
	}
	if err := decodeJSON(r, &req); err != nil || req.Name == "" || req.ParentID == "" {
		writeError(w, http.StatusBadRequest, "parent_id and name are required")
		return
	}
	n, err := s.svc.Tree.CreateContainer(r.Context(), principalFromCtx(r.Context()), req.ParentID, req.Name)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, viewNode(n))
}

// NodeHomeHandler handles GET /v1/nodes/home and creates the caller's
// personal container on first use.
func (s *Server) NodeHomeHandler(w http.ResponseWriter, r *http.Request) {
	n, err := s.svc.Tree.UserContainer(r.Context(), principalFromCtx(r.Context()))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewNode(n))
}

// NodeGetHandler handles GET /v1/nodes/{id}
func (s *Server) NodeGetHandler(w http.ResponseWriter, r *http.Request) {
	n, err := s.svc.Tree.Get(r.Context(), principalFromCtx(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewNode(n))
}

// NodeChildrenHandler handles GET /v1/nodes/{id}/children
func (s *Server) NodeChildrenHandler(w http.ResponseWriter, r *http.Request) {
	ns, err := s.svc.Tree.Children(r.Context(), principalFromCtx(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"nodes": viewNodes(ns)})
}

// NodeUpdateHandler handles PATCH /v1/nodes/{id}. A rename and a move may be
// combined; the rename is applied first.
func (s *Server) NodeUpdateHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req struct {
		Name     *string `json:"name"`
		ParentID *string `json:"parent_id"`
	}
	if err := decodeJSON(r, &req); err != nil || (req.Name == nil && req.ParentID == nil) {
		writeError(w, http.StatusBadRequest, "name or parent_id is required")
		return
	}
	p := principalFromCtx(ctx)
	id := chi.URLParam(r, "id")

	var (
		n   *models.Node
		err error
	)
	if req.Name != nil {
		if n, err = s.svc.Tree.Rename(ctx, p, id, *req.Name); err != nil {
			writeErr(w, r, err)
			return
		}
	}
	if req.ParentID != nil {
		if n, err = s.svc.Tree.Move(ctx, p, id, *req.ParentID); err != nil {
			writeErr(w, r, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, viewNode(n))
}

// NodeDeleteHandler handles DELETE /v1/nodes/{id}
func (s *Server) NodeDeleteHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Tree.Delete(r.Context(), principalFromCtx(r.Context()), chi.URLParam(r, "id")); err != nil {
		writeErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// NodeLinkHandler handles POST /v1/nodes/{id}/links
func (s *Server) NodeLinkHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ItemID string `json:"item_id"`
		Name   string `json:"name"`
	}
	if err := decodeJSON(r, &req); err != nil || req.ItemID == "" {
		writeError(w, http.StatusBadRequest, "item_id is required")
		return
	}
	n, err := s.svc.Tree.Link(r.Context(), principalFromCtx(r.Context()), chi.URLParam(r, "id"), req.ItemID, req.Name)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, viewNode(n))
}

// NodeRulesHandler handles GET /v1/nodes/{id}/rules. Only the rules set
// directly on the node are listed.
func (s *Server) NodeRulesHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	if _, err := s.svc.Tree.Get(ctx, principalFromCtx(ctx), id); err != nil {
		writeErr(w, r, err)
		return
	}
	rules, err := s.svc.Tree.Rules(ctx, id)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	out := make([]ruleView, 0, len(rules))
	for _, rule := range rules {
		out = append(out, ruleView{Actor: models.Actor{Type: rule.ActorType, ID: rule.ActorID}, Allow: rule.Allow})
	}
	writeJSON(w, http.StatusOK, map[string]any{"rules": out})
}

// NodeSetRuleHandler handles PUT /v1/nodes/{id}/rules/{actorType}/{actorID}
func (s *Server) NodeSetRuleHandler(w http.ResponseWriter, r *http.Request) {
	a, err := actorParam(r)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	var req struct {
		Allow bool `json:"allow"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.svc.Tree.SetRule(r.Context(), principalFromCtx(r.Context()), chi.URLParam(r, "id"), a, req.Allow); err != nil {
		writeErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// NodeClearRuleHandler handles DELETE /v1/nodes/{id}/rules/{actorType}/{actorID}
func (s *Server) NodeClearRuleHandler(w http.ResponseWriter, r *http.Request) {
	a, err := actorParam(r)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	if err := s.svc.Tree.ClearRule(r.Context(), principalFromCtx(r.Context()), chi.URLParam(r, "id"), a); err != nil {
		writeErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// NodeDefaultsHandler handles GET /v1/nodes/{id}/defaults. The list is the
// effective set, inherited entries included.
func (s *Server) NodeDefaultsHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	if _, err := s.svc.Tree.Get(ctx, principalFromCtx(ctx), id); err != nil {
		writeErr(w, r, err)
		return
	}
	defs, err := s.svc.Tree.EffectiveDefaults(ctx, id)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	out := make([]defaultView, 0, len(defs))
	for _, d := range defs {
		out = append(out, defaultView{
			NodeID:     d.NodeID,
			Actor:      models.Actor{Type: d.ActorType, ID: d.ActorID},
			Permission: d.Permission.String(),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"defaults": out})
}

// NodeSetDefaultHandler handles PUT /v1/nodes/{id}/defaults/{actorType}/{actorID}
func (s *Server) NodeSetDefaultHandler(w http.ResponseWriter, r *http.Request) {
	a, err := actorParam(r)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	var req struct {
		Permission string `json:"permission"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	perm, ok := models.ParsePermission(req.Permission)
	if !ok {
		writeError(w, http.StatusBadRequest, "permission must be none, read or modify")
		return
	}
	if err := s.svc.Tree.SetDefault(r.Context(), principalFromCtx(r.Context()), chi.URLParam(r, "id"), a, perm); err != nil {
		writeErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// NodeClearDefaultHandler handles DELETE /v1/nodes/{id}/defaults/{actorType}/{actorID}
func (s *Server) NodeClearDefaultHandler(w http.ResponseWriter, r *http.Request) {
	a, err := actorParam(r)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	if err := s.svc.Tree.ClearDefault(r.Context(), principalFromCtx(r.Context()), chi.URLParam(r, "id"), a); err != nil {
		writeErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
