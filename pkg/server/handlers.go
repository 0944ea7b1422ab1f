package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/nstogner/aide/pkg/automation"
	"github.com/nstogner/aide/pkg/domain"
	"github.com/nstogner/aide/pkg/store"
)

func (s *Server) handleListAutomations(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	automations, err := s.automations.ListAutomations(r.Context(), userID)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err)
		return
	}
	if automations == nil {
		automations = []domain.Automation{}
	}
	s.jsonResponse(w, http.StatusOK, automations)
}

func (s *Server) handleCreateAutomation(w http.ResponseWriter, r *http.Request) {
	var a domain.Automation
	if err := json.NewDecoder(r.Body).Decode(&a); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err)
		return
	}
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.Status == "" {
		a.Status = domain.AutomationActive
	}
	if a.UserID == "" || a.Prompt == "" {
		s.errorResponse(w, http.StatusBadRequest, fmt.Errorf("user_id and prompt are required"))
		return
	}
	if err := s.automations.CreateAutomation(r.Context(), &a); err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err)
		return
	}
	// TODO: register file_watch triggers with the watcher here instead
	// of requiring a restart to pick them up.
	s.jsonResponse(w, http.StatusCreated, a)
}

func (s *Server) handleGetAutomation(w http.ResponseWriter, r *http.Request) {
	a, err := s.automations.GetAutomation(r.Context(), r.PathValue("id"))
	if err != nil {
		s.errorResponse(w, statusFor(err), err)
		return
	}
	s.jsonResponse(w, http.StatusOK, a)
}

func (s *Server) handleUpdateAutomation(w http.ResponseWriter, r *http.Request) {
	var a domain.Automation
	if err := json.NewDecoder(r.Body).Decode(&a); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err)
		return
	}
	a.ID = r.PathValue("id")
	if err := s.automations.UpdateAutomation(r.Context(), &a); err != nil {
		s.errorResponse(w, statusFor(err), err)
		return
	}
	s.jsonResponse(w, http.StatusOK, a)
}

func (s *Server) handleDeleteAutomation(w http.ResponseWriter, r *http.Request) {
	if err := s.automations.DeleteAutomation(r.Context(), r.PathValue("id")); err != nil {
		s.errorResponse(w, statusFor(err), err)
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleTriggerAutomation(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Source   string            `json:"source"`
		Metadata map[string]string `json:"metadata"`
	}
	if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&body)
	}
	if body.Source == "" {
		body.Source = "api"
	}

	executionID, err := s.executor.QueueExecution(r.Context(), r.PathValue("id"), domain.TriggerData{
		Type:     domain.TriggerExternal,
		FiredAt:  time.Now(),
		Source:   body.Source,
		Metadata: body.Metadata,
	})
	if err != nil {
		s.errorResponse(w, statusFor(err), err)
		return
	}
	if executionID == "" {
		// Rejected by admission: rate cap, inactive, or in flight.
		s.jsonResponse(w, http.StatusTooManyRequests, map[string]string{"status": "rejected"})
		return
	}
	s.jsonResponse(w, http.StatusAccepted, map[string]string{"execution_id": executionID})
}

func (s *Server) handleCancelExecution(w http.ResponseWriter, r *http.Request) {
	if !s.executor.CancelExecution(r.PathValue("id")) {
		s.errorResponse(w, http.StatusNotFound, fmt.Errorf("no running execution for automation"))
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]string{"status": "cancelling"})
}

func (s *Server) handleCancelByExecution(w http.ResponseWriter, r *http.Request) {
	if !s.executor.CancelByExecution(r.PathValue("id")) {
		s.errorResponse(w, http.StatusNotFound, fmt.Errorf("execution not in flight"))
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]string{"status": "cancelling"})
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	executions, err := s.executions.ListExecutions(r.Context(), r.PathValue("id"), 0)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err)
		return
	}
	if executions == nil {
		executions = []domain.Execution{}
	}
	s.jsonResponse(w, http.StatusOK, executions)
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	exec, err := s.executions.GetExecution(r.Context(), r.PathValue("id"))
	if err != nil {
		s.errorResponse(w, statusFor(err), err)
		return
	}
	s.jsonResponse(w, http.StatusOK, exec)
}

func (s *Server) handlePendingConfirmations(w http.ResponseWriter, r *http.Request) {
	pending, err := s.gateway.Pending(r.Context(), r.PathValue("id"))
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err)
		return
	}
	if pending == nil {
		pending = []domain.PendingConfirmationView{}
	}
	s.jsonResponse(w, http.StatusOK, pending)
}

func (s *Server) handleConfirmationResponse(w http.ResponseWriter, r *http.Request) {
	var body struct {
		SelectedOptionID string `json:"selectedOptionId"`
		Approved         bool   `json:"approved"`
		Value            string `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err)
		return
	}

	confirmationID := r.PathValue("id")
	err := s.executor.RespondToConfirmation(r.Context(), confirmationID, &domain.ConfirmationResponse{
		RequestID: confirmationID,
		OptionID:  body.SelectedOptionID,
		Approved:  body.Approved,
		Value:     body.Value,
	})
	if err != nil {
		s.errorResponse(w, statusFor(err), err)
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]string{"status": "applied"})
}

func statusFor(err error) int {
	if errors.Is(err, store.ErrNotFound) || errors.Is(err, automation.ErrAutomationNotFound) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}
