package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/org/pwsafe/internal/config"
	"github.com/org/pwsafe/internal/secret"
	"github.com/org/pwsafe/pkg/models"
)

type grantRequest struct {
	Actor      models.Actor `json:"actor"`
	Permission string       `json:"permission"`
}

// ItemCreateHandler handles POST /v1/items. With node_id the item is placed
// in the tree and picks up the node's permission defaults.
func (s *Server) ItemCreateHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req struct {
		Name                string                  `json:"name"`
		Type                models.ItemType         `json:"type"`
		NodeID              string                  `json:"node_id"`
		Payload             models.Payload          `json:"payload"`
		AuditLevel          models.AuditLevel       `json:"audit_level"`
		HistoryEnabled      bool                    `json:"history_enabled"`
		RestrictionPolicyID string                  `json:"restriction_policy_id"`
		RestrictedAccess    models.RestrictedAccess `json:"restricted_access"`
		ExpiresAt           *time.Time              `json:"expires_at"`
		Grants              []grantRequest          `json:"grants"`
	}
	if err := decodeJSON(r, &req); err != nil || req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	grants := make([]secret.Grant, 0, len(req.Grants))
	for _, g := range req.Grants {
		perm, ok := models.ParsePermission(g.Permission)
		if !ok || !g.Actor.Type.Valid() {
			writeError(w, http.StatusBadRequest, "invalid grant")
			return
		}
		grants = append(grants, secret.Grant{Actor: g.Actor, Permission: perm})
	}
	ni := secret.NewItem{
		Name:                req.Name,
		Type:                req.Type,
		Payload:             req.Payload,
		AuditLevel:          req.AuditLevel,
		HistoryEnabled:      req.HistoryEnabled,
		RestrictionPolicyID: req.RestrictionPolicyID,
		RestrictedAccess:    req.RestrictedAccess,
		ExpiresAt:           req.ExpiresAt,
	}

	p := principalFromCtx(ctx)
	var (
		it  *models.Item
		err error
	)
	if req.NodeID != "" {
		it, _, err = s.svc.Tree.AddItem(ctx, p, req.NodeID, ni, grants...)
	} else {
		it, err = s.svc.Items.Create(ctx, p, ni, grants...)
	}
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, viewItem(it))
}

// ItemGetHandler handles GET /v1/items/{id}
func (s *Server) ItemGetHandler(w http.ResponseWriter, r *http.Request) {
	it, pay, err := s.svc.Items.Get(r.Context(), principalFromCtx(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	v := viewItem(it)
	v.Payload = pay
	writeJSON(w, http.StatusOK, v)
}

// ItemInfoHandler handles GET /v1/items/{id}/info
func (s *Server) ItemInfoHandler(w http.ResponseWriter, r *http.Request) {
	it, perm, err := s.svc.Items.Info(r.Context(), principalFromCtx(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	v := viewItem(it)
	v.Permission = perm.String()
	writeJSON(w, http.StatusOK, v)
}

// ItemEnvHandler handles GET /v1/items/{id}/env
func (s *Server) ItemEnvHandler(w http.ResponseWriter, r *http.Request) {
	_, pay, err := s.svc.Items.Get(r.Context(), principalFromCtx(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(secret.ExportDotEnv(pay))) //nolint:errcheck
}

// ItemUpdateHandler handles PUT /v1/items/{id}
func (s *Server) ItemUpdateHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Payload models.Payload `json:"payload"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	it, err := s.svc.Items.Update(r.Context(), principalFromCtx(r.Context()), chi.URLParam(r, "id"), req.Payload)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewItem(it))
}

// ItemSettingsHandler handles PATCH /v1/items/{id}
func (s *Server) ItemSettingsHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name                *string                  `json:"name"`
		AuditLevel          *models.AuditLevel       `json:"audit_level"`
		RestrictedAccess    *models.RestrictedAccess `json:"restricted_access"`
		RestrictionPolicyID *string                  `json:"restriction_policy_id"`
		ExpiresAt           *time.Time               `json:"expires_at"`
		ClearExpiry         bool                     `json:"clear_expiry"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	it, err := s.svc.Items.UpdateSettings(r.Context(), principalFromCtx(r.Context()), chi.URLParam(r, "id"), secret.Settings{
		Name:                req.Name,
		AuditLevel:          req.AuditLevel,
		RestrictedAccess:    req.RestrictedAccess,
		RestrictionPolicyID: req.RestrictionPolicyID,
		ExpiresAt:           req.ExpiresAt,
		ClearExpiry:         req.ClearExpiry,
	})
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewItem(it))
}

// ItemDeleteHandler handles DELETE /v1/items/{id}
func (s *Server) ItemDeleteHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Items.Delete(r.Context(), principalFromCtx(r.Context()), chi.URLParam(r, "id")); err != nil {
		writeErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ItemEnableHandler handles PUT /v1/items/{id}/enabled
func (s *Server) ItemEnableHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.svc.Items.SetEnabled(r.Context(), principalFromCtx(r.Context()), chi.URLParam(r, "id"), req.Enabled); err != nil {
		writeErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ItemAccessHandler handles GET /v1/items/{id}/access
func (s *Server) ItemAccessHandler(w http.ResponseWriter, r *http.Request) {
	list, err := s.svc.Items.AccessList(r.Context(), principalFromCtx(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"access": viewAccess(list)})
}

// ItemGrantHandler handles PUT /v1/items/{id}/access/{actorType}/{actorID}.
// Permission "none" revokes.
func (s *Server) ItemGrantHandler(w http.ResponseWriter, r *http.Request) {
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
	if err := s.svc.Items.Grant(r.Context(), principalFromCtx(r.Context()), chi.URLParam(r, "id"), a, perm); err != nil {
		writeErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ItemRevokeHandler handles DELETE /v1/items/{id}/access/{actorType}/{actorID}
func (s *Server) ItemRevokeHandler(w http.ResponseWriter, r *http.Request) {
	a, err := actorParam(r)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	if err := s.svc.Items.Revoke(r.Context(), principalFromCtx(r.Context()), chi.URLParam(r, "id"), a); err != nil {
		writeErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ItemHistoryHandler handles GET /v1/items/{id}/history. With ?at= it
// returns the version current at that time.
func (s *Server) ItemHistoryHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p := principalFromCtx(ctx)
	id := chi.URLParam(r, "id")

	if at := r.URL.Query().Get("at"); at != "" {
		t, err := time.Parse(time.RFC3339, at)
		if err != nil {
			writeError(w, http.StatusBadRequest, "at must be RFC 3339")
			return
		}
		v, err := s.svc.Items.HistoryAt(ctx, p, id, t)
		if err != nil {
			writeErr(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, viewVersion(*v))
		return
	}

	versions, err := s.svc.Items.History(ctx, p, id)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	out := make([]versionView, 0, len(versions))
	for _, v := range versions {
		out = append(out, viewVersion(v))
	}
	writeJSON(w, http.StatusOK, map[string]any{"versions": out})
}

// ItemHistoryEnableHandler handles PUT /v1/items/{id}/history
func (s *Server) ItemHistoryEnableHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.svc.Items.SetHistoryEnabled(r.Context(), principalFromCtx(r.Context()), chi.URLParam(r, "id"), req.Enabled); err != nil {
		writeErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ItemExpiringHandler handles GET /v1/items/expiring. ?within= overrides the
// configured warning window.
func (s *Server) ItemExpiringHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := s.requireAdmin(ctx, principalFromCtx(ctx)); err != nil {
		writeErr(w, r, err)
		return
	}
	within := s.svc.Config.Duration(ctx, config.KeyExpiryWarnDuration)
	if v := r.URL.Query().Get("within"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid within duration")
			return
		}
		within = d
	}
	items, err := s.svc.Items.ExpiringBefore(ctx, s.svc.Clock.Now().Add(within))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	out := make([]itemView, 0, len(items))
	for _, it := range items {
		out = append(out, viewItem(it))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": out})
}
