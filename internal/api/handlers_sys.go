package api

import (
	"encoding/base64"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/org/pwsafe/internal/audit"
	"github.com/org/pwsafe/internal/config"
	"github.com/org/pwsafe/pkg/models"
)

// InitHandler handles POST /v1/sys/init. The first call also creates the
// master admin account.
func (s *Server) InitHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	req := struct {
		SecretShares    int    `json:"secret_shares"`
		SecretThreshold int    `json:"secret_threshold"`
		AdminLogin      string `json:"admin_login"`
		AdminPassword   string `json:"admin_password"`
	}{SecretShares: 5, SecretThreshold: 3}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.SecretThreshold > req.SecretShares {
		writeError(w, http.StatusBadRequest, "threshold cannot exceed shares")
		return
	}
	if s.svc.Seal.Initialized() {
		writeError(w, http.StatusConflict, "server is already initialized")
		return
	}

	bootstrapped, err := s.svc.Actors.Bootstrapped(ctx)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	if !bootstrapped {
		if req.AdminLogin == "" || req.AdminPassword == "" {
			writeError(w, http.StatusBadRequest, "admin_login and admin_password are required")
			return
		}
		if _, err := s.svc.Actors.Bootstrap(ctx, req.AdminLogin, req.AdminPassword); err != nil {
			writeErr(w, r, err)
			return
		}
	}

	shards, err := s.svc.Seal.Init(ctx, req.SecretShares, req.SecretThreshold)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	recordSeal(false)

	keys := make([]string, len(shards))
	for i, sh := range shards {
		keys[i] = base64.StdEncoding.EncodeToString(sh)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"keys":        keys,
		"initialized": true,
	})
}

// SealStatusHandler handles GET /v1/sys/seal-status
func (s *Server) SealStatusHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"initialized": s.svc.Seal.Initialized(),
		"sealed":      s.svc.Seal.IsSealed(),
		"shares":      s.svc.Seal.Shares(),
		"threshold":   s.svc.Seal.Threshold(),
		"progress":    s.svc.Seal.ShardsProvided(),
	})
}

// UnsealHandler handles POST /v1/sys/unseal
func (s *Server) UnsealHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Key   string `json:"key"`
		Reset bool   `json:"reset"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.Reset {
		s.svc.Seal.Reset()
		writeJSON(w, http.StatusOK, map[string]any{"sealed": s.svc.Seal.IsSealed(), "progress": 0})
		return
	}

	shard, err := base64.StdEncoding.DecodeString(req.Key)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid key encoding (must be base64)")
		return
	}

	unsealed, err := s.svc.Seal.Unseal(shard)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	recordSeal(!unsealed)
	writeJSON(w, http.StatusOK, map[string]any{
		"sealed":    !unsealed,
		"progress":  s.svc.Seal.ShardsProvided(),
		"threshold": s.svc.Seal.Threshold(),
	})
}

// SealHandler handles PUT /v1/sys/seal
func (s *Server) SealHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.requireAdmin(r.Context(), principalFromCtx(r.Context())); err != nil {
		writeErr(w, r, err)
		return
	}
	s.svc.Seal.Seal()
	recordSeal(true)
	writeJSON(w, http.StatusOK, map[string]any{"sealed": true})
}

// HealthHandler handles GET /v1/sys/health
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	code := http.StatusOK
	if s.svc.Seal.IsSealed() {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"initialized": s.svc.Seal.Initialized(),
		"sealed":      s.svc.Seal.IsSealed(),
	})
}

// ConfigGetHandler handles GET /v1/sys/config/{key}
func (s *Server) ConfigGetHandler(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if _, ok := config.Defaults[key]; !ok {
		writeError(w, http.StatusNotFound, "unknown config key")
		return
	}
	v, err := s.svc.Config.Get(r.Context(), key)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"key": key, "value": v})
}

// ConfigSetHandler handles PUT /v1/sys/config/{key}
func (s *Server) ConfigSetHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p := principalFromCtx(ctx)
	if err := s.requireAdmin(ctx, p); err != nil {
		writeErr(w, r, err)
		return
	}
	key := chi.URLParam(r, "key")
	if _, ok := config.Defaults[key]; !ok {
		writeError(w, http.StatusNotFound, "unknown config key")
		return
	}
	var req struct {
		Value string `json:"value"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.svc.Config.Set(ctx, key, req.Value); err != nil {
		writeErr(w, r, err)
		return
	}
	s.svc.Audit.Log(ctx, audit.Event(models.LevelInfo, p.ID(), "", "config %s set to %q", key, req.Value))
	w.WriteHeader(http.StatusNoContent)
}
