package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/org/pwsafe/pkg/models"
)

// RequestCreateHandler handles POST /v1/requests
func (s *Server) RequestCreateHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ItemID       string `json:"item_id"`
		Reason       string `json:"reason"`
		IgnoreUserID string `json:"ignore_user_id"`
	}
	if err := decodeJSON(r, &req); err != nil || req.ItemID == "" {
		writeError(w, http.StatusBadRequest, "item_id is required")
		return
	}
	rq, err := s.svc.Requests.Create(r.Context(), principalFromCtx(r.Context()), req.ItemID, req.Reason, req.IgnoreUserID)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, viewRequest(rq))
}

// RequestMineHandler handles GET /v1/requests
func (s *Server) RequestMineHandler(w http.ResponseWriter, r *http.Request) {
	rs, err := s.svc.Requests.Mine(r.Context(), principalFromCtx(r.Context()))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"requests": viewRequests(rs)})
}

// RequestPendingHandler handles GET /v1/requests/pending: requests still
// waiting on the caller's vote.
func (s *Server) RequestPendingHandler(w http.ResponseWriter, r *http.Request) {
	rs, err := s.svc.Requests.PendingFor(r.Context(), principalFromCtx(r.Context()))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"requests": viewRequests(rs)})
}

// RequestInspectHandler handles GET /v1/requests/{id}
func (s *Server) RequestInspectHandler(w http.ResponseWriter, r *http.Request) {
	rq, err := s.svc.Requests.Inspect(r.Context(), principalFromCtx(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewRequest(rq))
}

// RequestVoteHandler handles POST /v1/requests/{id}/vote
func (s *Server) RequestVoteHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Vote models.Vote `json:"vote"`
	}
	if err := decodeJSON(r, &req); err != nil || (req.Vote != models.VoteApprove && req.Vote != models.VoteBlock) {
		writeError(w, http.StatusBadRequest, "vote must be approve or block")
		return
	}
	rq, err := s.svc.Requests.Vote(r.Context(), principalFromCtx(r.Context()), chi.URLParam(r, "id"), req.Vote)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewRequest(rq))
}

// RequestReadItemHandler handles GET /v1/requests/{id}/item. It serves the
// requested item to the requester once the request is approved.
func (s *Server) RequestReadItemHandler(w http.ResponseWriter, r *http.Request) {
	it, pay, err := s.svc.Requests.ReadItem(r.Context(), principalFromCtx(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	v := viewItem(it)
	v.Payload = pay
	writeJSON(w, http.StatusOK, v)
}
