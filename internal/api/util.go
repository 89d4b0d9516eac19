package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/org/pwsafe/internal/core"
	"github.com/org/pwsafe/internal/vaulterr"
	"github.com/org/pwsafe/pkg/models"
)

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func decodeJSON(r *http.Request, dst any) error {
	return json.NewDecoder(r.Body).Decode(dst)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	fmt.Fprintf(w, `{"errors":[%q]}`, msg)
}

// statusOf maps a vault error kind to an HTTP status.
func statusOf(err error) int {
	switch {
	case errors.Is(err, core.ErrSealed):
		return http.StatusServiceUnavailable
	case errors.Is(err, vaulterr.ErrSecurityViolation):
		return http.StatusForbidden
	case errors.Is(err, vaulterr.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, vaulterr.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, vaulterr.ErrWorkflow):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

// writeErr reports a service error. Store failures are logged and replaced by
// a generic message.
func writeErr(w http.ResponseWriter, r *http.Request, err error) {
	code := statusOf(err)
	msg := err.Error()
	if code == http.StatusInternalServerError {
		log.Error().Err(err).Str("request_id", requestIDFromCtx(r.Context())).Str("path", r.URL.Path).Msg("request failed")
		if !errors.Is(err, vaulterr.ErrIntegrity) {
			msg = "internal error"
		}
	}
	writeError(w, code, msg)
}

// actorParam reads the {actorType}/{actorID} route parameters.
func actorParam(r *http.Request) (models.Actor, error) {
	a := models.Actor{Type: models.ActorType(chi.URLParam(r, "actorType")), ID: chi.URLParam(r, "actorID")}
	if !a.Type.Valid() {
		return a, vaulterr.Workflow("actor", "unknown actor type %q", a.Type)
	}
	return a, nil
}
