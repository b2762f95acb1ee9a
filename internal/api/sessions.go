package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"onboardvoice/internal/auth"
	"onboardvoice/internal/conversation"
	"onboardvoice/internal/db"
	"onboardvoice/internal/model"
	"onboardvoice/internal/remote"
	"onboardvoice/internal/session"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

const maxFrameBytes = 64 * 1024

// writeSessionError maps registry and controller errors onto HTTP statuses.
func (d Dependencies) writeSessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrNotFound):
		WriteError(w, http.StatusNotFound, "not_found", err.Error(), d.Log)
	case errors.Is(err, session.ErrUnknownAction), errors.Is(err, remote.ErrMalformedEvent):
		WriteError(w, http.StatusBadRequest, "invalid_input", err.Error(), d.Log)
	case errors.Is(err, session.ErrNotAwaiting), errors.Is(err, conversation.ErrInvalidTransition):
		WriteError(w, http.StatusConflict, "conflict", err.Error(), d.Log)
	default:
		WriteError(w, http.StatusInternalServerError, "internal_error", err.Error(), d.Log)
	}
}

func (d Dependencies) createSession(w http.ResponseWriter, r *http.Request) {
	view, err := d.Sessions.Create(r.Context(), auth.GetTenantID(r.Context()))
	if err != nil {
		d.writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, view)
}

func (d Dependencies) getSession(w http.ResponseWriter, r *http.Request) {
	view, err := d.Sessions.View(auth.GetTenantID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		d.writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (d Dependencies) closeSession(w http.ResponseWriter, r *http.Request) {
	if err := d.Sessions.Close(auth.GetTenantID(r.Context()), chi.URLParam(r, "id")); err != nil {
		d.writeSessionError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// postEvent accepts one raw agent frame, for agents that push over HTTP.
func (d Dependencies) postEvent(w http.ResponseWriter, r *http.Request) {
	frame, err := io.ReadAll(io.LimitReader(r.Body, maxFrameBytes+1))
	if err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_input", "failed to read body", d.Log)
		return
	}
	if len(frame) > maxFrameBytes {
		WriteError(w, http.StatusRequestEntityTooLarge, "too_large", "frame too large", d.Log)
		return
	}
	if err := d.Sessions.HandleFrame(auth.GetTenantID(r.Context()), chi.URLParam(r, "id"), frame); err != nil {
		d.writeSessionError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

type inputRequest struct {
	Text string `json:"text"`
}

func (d Dependencies) postInput(w http.ResponseWriter, r *http.Request) {
	var req inputRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Text == "" {
		WriteError(w, http.StatusBadRequest, "invalid_input", "text required", d.Log)
		return
	}
	if err := d.Sessions.Input(auth.GetTenantID(r.Context()), chi.URLParam(r, "id"), req.Text); err != nil {
		d.writeSessionError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (d Dependencies) postTurnFinished(w http.ResponseWriter, r *http.Request) {
	if err := d.Sessions.TurnFinished(auth.GetTenantID(r.Context()), chi.URLParam(r, "id")); err != nil {
		d.writeSessionError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

type externalActionRequest struct {
	Kind string `json:"kind"`
}

type externalActionResponse struct {
	RedirectURL string `json:"redirectUrl"`
}

func (d Dependencies) postExternalAction(w http.ResponseWriter, r *http.Request) {
	var req externalActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Kind == "" {
		WriteError(w, http.StatusBadRequest, "invalid_input", "kind required", d.Log)
		return
	}
	redirect, err := d.Sessions.ExternalAction(r.Context(), auth.GetTenantID(r.Context()), chi.URLParam(r, "id"), req.Kind)
	if err != nil {
		d.writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, externalActionResponse{RedirectURL: redirect})
}

type returnResponse struct {
	Resumed bool              `json:"resumed"`
	Session model.SessionView `json:"session"`
}

// getReturn is where the provider sends the user back. status is success or failure.
func (d Dependencies) getReturn(w http.ResponseWriter, r *http.Request) {
	var outcome model.ExternalOutcome
	switch status := r.URL.Query().Get("status"); status {
	case "success":
		outcome = model.OutcomeSuccess
	case "failure", "error", "cancelled":
		outcome = model.OutcomeFailure
	case "":
		outcome = model.OutcomeUnknown
	default:
		WriteError(w, http.StatusBadRequest, "invalid_input", "unknown status "+status, d.Log)
		return
	}

	id := chi.URLParam(r, "id")
	view, resumed, err := d.Sessions.Return(r.Context(), auth.GetTenantID(r.Context()), id, outcome)
	if err != nil {
		d.writeSessionError(w, err)
		return
	}
	d.Log.Info("Session returned", zap.String("session_id", id), zap.Bool("resumed", resumed))
	writeJSON(w, http.StatusOK, returnResponse{Resumed: resumed, Session: view})
}

func (d Dependencies) listSyncs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := d.Sessions.View(auth.GetTenantID(r.Context()), id); err != nil {
		d.writeSessionError(w, err)
		return
	}
	if d.Ledger == nil {
		WriteError(w, http.StatusNotImplemented, "no_ledger", "step sync ledger not configured", d.Log)
		return
	}
	syncs, err := d.Ledger.ListStepSyncs(r.Context(), id)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "internal_error", err.Error(), d.Log)
		return
	}
	if syncs == nil {
		syncs = []db.StepSync{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"syncs": syncs})
}
