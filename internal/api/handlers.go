package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/goodtune/talktime/internal/calls"
	"github.com/goodtune/talktime/internal/meter"
	"github.com/goodtune/talktime/internal/usage"
	"github.com/gorilla/mux"
)

// UsageResponse describes a user's balance.
type UsageResponse struct {
	UserID                string    `json:"user_id"`
	TotalConsumedSeconds  int64     `json:"total_consumed_seconds"`
	RemainingSeconds      int64     `json:"remaining_seconds"`
	RemainingMinutes      int64     `json:"remaining_minutes"`
	RemainingHours        int64     `json:"remaining_hours"`
	RemainingTime         string    `json:"remaining_time"`
	RemainingTimeDetailed string    `json:"remaining_time_detailed"`
	CanStartCall          bool      `json:"can_start_call"`
	UpdatedAt             time.Time `json:"updated_at,omitempty"`
}

func newUsageResponse(rec *usage.Record) UsageResponse {
	return UsageResponse{
		UserID:                rec.UserID,
		TotalConsumedSeconds:  rec.TotalConsumedSeconds,
		RemainingSeconds:      rec.RemainingSeconds,
		RemainingMinutes:      rec.RemainingMinutes(),
		RemainingHours:        rec.RemainingHours(),
		RemainingTime:         usage.FormatRemainingTime(rec.RemainingSeconds),
		RemainingTimeDetailed: usage.FormatRemainingTimeDetailed(rec.RemainingSeconds),
		CanStartCall:          usage.CanStartCall(rec),
		UpdatedAt:             rec.UpdatedAt,
	}
}

func (s *Server) userID(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, ok := UserIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Not authenticated")
	}
	return userID, ok
}

// handleGetUsage reloads and returns the caller's balance.
func (s *Server) handleGetUsage(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}

	rec := s.calls.Account(userID).Refresh(r.Context())
	if rec == nil {
		writeError(w, http.StatusServiceUnavailable, "Usage is temporarily unavailable")
		return
	}

	writeJSON(w, http.StatusOK, newUsageResponse(rec))
}

func (s *Server) handleRefreshUsage(w http.ResponseWriter, r *http.Request) {
	s.handleGetUsage(w, r)
}

// ConsumeRequest charges seconds outside of a metered call.
type ConsumeRequest struct {
	Seconds int64 `json:"seconds"`
}

func (s *Server) handleConsumeUsage(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}

	var req ConsumeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Seconds < 0 {
		writeError(w, http.StatusBadRequest, "seconds must not be negative")
		return
	}

	acct := s.calls.Account(userID)
	updated := acct.Update(r.Context(), req.Seconds)

	resp := map[string]interface{}{"updated": updated}
	if rec := acct.Record(); rec != nil {
		resp["usage"] = newUsageResponse(rec)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCanStart(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}

	acct := s.calls.Account(userID)
	acct.Refresh(r.Context())

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"can_start_call":    acct.CanStartCall(),
		"remaining_seconds": acct.Remaining(),
		"remaining_time":    acct.RemainingTime(),
	})
}

// StartCallRequest starts metering a connected agent conversation.
type StartCallRequest struct {
	ConversationID string `json:"conversation_id"`
}

func (s *Server) handleStartCall(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}

	var req StartCallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.ConversationID == "" {
		writeError(w, http.StatusBadRequest, "conversation_id is required")
		return
	}

	snap, err := s.calls.Start(r.Context(), userID, req.ConversationID)
	if err != nil {
		var admissionErr *calls.AdmissionError
		switch {
		case errors.Is(err, calls.ErrBalanceUnknown):
			writeError(w, http.StatusServiceUnavailable, "Call unavailable, please try again")
		case errors.Is(err, calls.ErrNoBalance):
			writeError(w, http.StatusPaymentRequired, "No conversation time remaining")
		case errors.As(err, &admissionErr):
			writeJSON(w, http.StatusForbidden, ErrorResponse{
				Error:   http.StatusText(http.StatusForbidden),
				Message: "Call not permitted",
				Code:    http.StatusForbidden,
				Reasons: admissionErr.Reasons,
			})
		default:
			s.logger.Error().Err(err).Str("user_id", userID).Msg("Failed to start call")
			writeError(w, http.StatusInternalServerError, "Failed to start call")
		}
		return
	}

	writeJSON(w, http.StatusCreated, snap)
}

// ownCall returns the caller's call named in the path. Calls owned by other
// users are reported as not found.
func (s *Server) ownCall(w http.ResponseWriter, r *http.Request) (meter.Snapshot, bool) {
	userID, ok := s.userID(w, r)
	if !ok {
		return meter.Snapshot{}, false
	}

	snap, err := s.calls.Get(mux.Vars(r)["id"])
	if err != nil || snap.UserID != userID {
		writeError(w, http.StatusNotFound, "Call not found")
		return meter.Snapshot{}, false
	}
	return snap, true
}

func (s *Server) handleGetCall(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.ownCall(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleStopCall(w http.ResponseWriter, r *http.Request) {
	reason, err := meter.ParseEndReason(r.URL.Query().Get("reason"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	snap, ok := s.ownCall(w, r)
	if !ok {
		return
	}

	ended, err := s.calls.Stop(r.Context(), snap.ID, reason)
	switch {
	case errors.Is(err, meter.ErrEnded):
		writeError(w, http.StatusConflict, "Call already ended")
	case errors.Is(err, calls.ErrNotFound):
		writeError(w, http.StatusNotFound, "Call not found")
	case err != nil:
		s.logger.Error().Err(err).Str("call_id", snap.ID).Msg("Failed to stop call")
		writeError(w, http.StatusInternalServerError, "Failed to stop call")
	default:
		writeJSON(w, http.StatusOK, ended)
	}
}

// handleUnloadCall is the page-unload beacon. The token may come from the
// Authorization header or the token query parameter. It never reports failure.
func (s *Server) handleUnloadCall(w http.ResponseWriter, r *http.Request) {
	defer w.WriteHeader(http.StatusAccepted)

	token, ok := bearerToken(r)
	if !ok {
		token = r.URL.Query().Get("token")
	}
	if token == "" {
		return
	}

	claims, err := s.verifier.ValidateToken(token)
	if err != nil {
		s.logger.Debug().Err(err).Msg("Ignoring unload beacon with invalid token")
		return
	}

	id := mux.Vars(r)["id"]
	if snap, err := s.calls.Get(id); err == nil && snap.UserID == claims.Subject {
		s.calls.Unload(id)
	}
}
