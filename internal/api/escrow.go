package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"escrowd/internal/chain"
	"escrowd/internal/escrow"
	"escrowd/internal/model"
	"escrowd/internal/transfer"
)

const maxBodySize = 1 << 20 // 1 MB

// headerSender identifies the principal behind a request. With HMAC enabled
// the signature proves the request came from a trusted caller who vouches
// for this header.
const headerSender = "X-Sender"

// createEscrowRequest is the JSON body for POST /v1/escrows.
type createEscrowRequest struct {
	ID             string             `json:"id"`
	Arbiter        string             `json:"arbiter"`
	Recipient      string             `json:"recipient,omitempty"`
	Title          string             `json:"title"`
	Description    string             `json:"description,omitempty"`
	TokenWhitelist []string           `json:"token_whitelist,omitempty"`
	Milestones     []milestoneRequest `json:"milestones"`
	EndHeight      *uint64            `json:"end_height,omitempty"`
	EndTime        *int64             `json:"end_time,omitempty"`
	Deposit        model.Balance      `json:"deposit"`
}

type milestoneRequest struct {
	Title       string        `json:"title"`
	Description string        `json:"description,omitempty"`
	Amount      model.Balance `json:"amount"`
	EndHeight   *uint64       `json:"end_height,omitempty"`
	EndTime     *int64        `json:"end_time,omitempty"`
}

// addMilestoneRequest is the JSON body for POST /v1/escrows/{id}/milestones.
type addMilestoneRequest struct {
	milestoneRequest
	Deposit model.Balance `json:"deposit"`
}

type setRecipientRequest struct {
	Recipient string `json:"recipient"`
}

type extendMilestoneRequest struct {
	EndHeight *uint64 `json:"end_height,omitempty"`
	EndTime   *int64  `json:"end_time,omitempty"`
}

type listEscrowsResponse struct {
	Escrows []string `json:"escrows"`
}

type listMilestonesResponse struct {
	Milestones []*model.Milestone `json:"milestones"`
}

type listTransfersResponse struct {
	Transfers []transfer.Instruction `json:"transfers"`
}

func (s *Server) handleCreateEscrow(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.sender(w, r)
	if !ok {
		return
	}

	var req createEscrowRequest
	if !s.decode(w, r, &req) {
		return
	}

	milestones := make([]escrow.MilestoneParams, 0, len(req.Milestones))
	for _, m := range req.Milestones {
		milestones = append(milestones, escrow.MilestoneParams{
			Title:       m.Title,
			Description: m.Description,
			Amount:      m.Amount,
			EndHeight:   m.EndHeight,
			EndTime:     m.EndTime,
		})
	}

	e, err := s.svc.Create(r.Context(), caller, escrow.CreateParams{
		ID:             req.ID,
		Arbiter:        req.Arbiter,
		Recipient:      req.Recipient,
		Title:          req.Title,
		Description:    req.Description,
		TokenWhitelist: req.TokenWhitelist,
		Milestones:     milestones,
		EndHeight:      req.EndHeight,
		EndTime:        req.EndTime,
		Deposit:        req.Deposit,
	})
	if err != nil {
		s.writeServiceError(w, "create", err)
		return
	}

	recordAction("create", outcomeOK)
	s.writeJSON(w, http.StatusCreated, e)
}

func (s *Server) handleListEscrows(w http.ResponseWriter, r *http.Request) {
	ids, err := s.svc.List(r.Context())
	if err != nil {
		s.logger.Error("list escrows", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list escrows")
		return
	}
	if ids == nil {
		ids = []string{}
	}
	s.writeJSON(w, http.StatusOK, listEscrowsResponse{Escrows: ids})
}

func (s *Server) handleGetEscrow(w http.ResponseWriter, r *http.Request) {
	e, err := s.svc.Details(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, "get", err)
		return
	}
	s.writeJSON(w, http.StatusOK, e)
}

func (s *Server) handleSetRecipient(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.sender(w, r)
	if !ok {
		return
	}
	var req setRecipientRequest
	if !s.decode(w, r, &req) {
		return
	}

	id := chi.URLParam(r, "id")
	if err := s.svc.SetRecipient(r.Context(), caller, id, req.Recipient); err != nil {
		s.writeServiceError(w, "set_recipient", err)
		return
	}

	recordAction("set_recipient", outcomeOK)
	e, err := s.svc.Details(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, "get", err)
		return
	}
	s.writeJSON(w, http.StatusOK, e)
}

func (s *Server) handleListMilestones(w http.ResponseWriter, r *http.Request) {
	milestones, err := s.svc.ListMilestones(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, "get", err)
		return
	}
	if milestones == nil {
		milestones = []*model.Milestone{}
	}
	s.writeJSON(w, http.StatusOK, listMilestonesResponse{Milestones: milestones})
}

func (s *Server) handleGetMilestone(w http.ResponseWriter, r *http.Request) {
	m, err := s.svc.MilestoneDetails(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "mid"))
	if err != nil {
		s.writeServiceError(w, "get", err)
		return
	}
	s.writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleAddMilestone(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.sender(w, r)
	if !ok {
		return
	}
	env, ok := s.env(w, r)
	if !ok {
		return
	}
	var req addMilestoneRequest
	if !s.decode(w, r, &req) {
		return
	}

	m, err := s.svc.AddMilestone(r.Context(), caller, env, escrow.AddMilestoneParams{
		EscrowID:    chi.URLParam(r, "id"),
		Title:       req.Title,
		Description: req.Description,
		Amount:      req.Amount,
		EndHeight:   req.EndHeight,
		EndTime:     req.EndTime,
		Deposit:     req.Deposit,
	})
	if err != nil {
		s.writeServiceError(w, "add_milestone", err)
		return
	}

	recordAction("add_milestone", outcomeOK)
	s.writeJSON(w, http.StatusCreated, m)
}

func (s *Server) handleApproveMilestone(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.sender(w, r)
	if !ok {
		return
	}
	env, ok := s.env(w, r)
	if !ok {
		return
	}

	id := chi.URLParam(r, "id")
	mid := chi.URLParam(r, "mid")
	if err := s.svc.ApproveMilestone(r.Context(), caller, env, id, mid); err != nil {
		s.writeServiceError(w, "approve", err)
		return
	}

	recordAction("approve", outcomeOK)
	m, err := s.svc.MilestoneDetails(r.Context(), id, mid)
	if err != nil {
		s.writeServiceError(w, "get", err)
		return
	}
	s.writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleExtendMilestone(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.sender(w, r)
	if !ok {
		return
	}
	env, ok := s.env(w, r)
	if !ok {
		return
	}
	var req extendMilestoneRequest
	if !s.decode(w, r, &req) {
		return
	}

	id := chi.URLParam(r, "id")
	mid := chi.URLParam(r, "mid")
	if err := s.svc.ExtendMilestone(r.Context(), caller, env, id, mid, req.EndHeight, req.EndTime); err != nil {
		s.writeServiceError(w, "extend", err)
		return
	}

	recordAction("extend", outcomeOK)
	m, err := s.svc.MilestoneDetails(r.Context(), id, mid)
	if err != nil {
		s.writeServiceError(w, "get", err)
		return
	}
	s.writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleRefund(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.sender(w, r)
	if !ok {
		return
	}
	env, ok := s.env(w, r)
	if !ok {
		return
	}

	id := chi.URLParam(r, "id")
	if err := s.svc.Refund(r.Context(), caller, env, id); err != nil {
		s.writeServiceError(w, "refund", err)
		return
	}

	recordAction("refund", outcomeOK)
	e, err := s.svc.Details(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, "get", err)
		return
	}
	s.writeJSON(w, http.StatusOK, e)
}

func (s *Server) handleListTransfers(w http.ResponseWriter, r *http.Request) {
	transfers, err := s.svc.Instructions(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, "get", err)
		return
	}
	if transfers == nil {
		transfers = []transfer.Instruction{}
	}
	s.writeJSON(w, http.StatusOK, listTransfersResponse{Transfers: transfers})
}

// sender extracts the calling principal from the request headers.
func (s *Server) sender(w http.ResponseWriter, r *http.Request) (string, bool) {
	caller := r.Header.Get(headerSender)
	if caller == "" {
		s.writeError(w, http.StatusBadRequest, "X-Sender header is required")
		return "", false
	}
	return caller, true
}

// env fetches the chain height and time the action is evaluated against.
func (s *Server) env(w http.ResponseWriter, r *http.Request) (chain.Env, bool) {
	env, err := s.chain.Env(r.Context())
	if err != nil {
		s.logger.Error("fetch chain env", "error", err)
		s.writeError(w, http.StatusServiceUnavailable, "chain environment unavailable")
		return chain.Env{}, false
	}
	return env, true
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

// writeServiceError maps escrow sentinels onto HTTP statuses and records the
// action outcome.
func (s *Server) writeServiceError(w http.ResponseWriter, action string, err error) {
	status := serviceErrorStatus(err)
	if status == http.StatusInternalServerError {
		recordAction(action, outcomeError)
		s.logger.Error("escrow action", "action", action, "error", err)
		s.writeError(w, status, "internal error")
		return
	}
	recordAction(action, outcomeRefused)
	s.writeError(w, status, err.Error())
}

func serviceErrorStatus(err error) int {
	switch {
	case errors.Is(err, escrow.ErrInvalidID),
		errors.Is(err, escrow.ErrInvalidAddress),
		errors.Is(err, escrow.ErrEmptyMilestones),
		errors.Is(err, escrow.ErrEmptyBalance),
		errors.Is(err, escrow.ErrFundsMismatch),
		errors.Is(err, escrow.ErrNotInWhitelist):
		return http.StatusBadRequest
	case errors.Is(err, escrow.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, escrow.ErrNotFound),
		errors.Is(err, escrow.ErrMilestoneNotFound):
		return http.StatusNotFound
	case errors.Is(err, escrow.ErrAlreadyInUse),
		errors.Is(err, escrow.ErrRecipientSet),
		errors.Is(err, escrow.ErrRecipientNotSet),
		errors.Is(err, escrow.ErrMilestoneCompleted),
		errors.Is(err, escrow.ErrClosed):
		return http.StatusConflict
	case errors.Is(err, escrow.ErrExpired),
		errors.Is(err, escrow.ErrMilestoneExpired):
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
