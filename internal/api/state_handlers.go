package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/ResearchPipe/internal/flow"
	"github.com/BTreeMap/ResearchPipe/internal/models"
)

func (s *Server) stateHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.Success(s.machine.View()))
}

// discardSavedStateHandler deletes the persisted record and resumes persistence
// from the in-memory state.
func (s *Server) discardSavedStateHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.machine.DiscardSavedState(r.Context()); err != nil {
		slog.Error("Server.discardSavedStateHandler: failed to discard saved state", "error", err)
		writeJSONResponse(w, http.StatusServiceUnavailable, models.Error("Failed to discard saved state"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Saved state discarded", s.machine.View()))
}

func (s *Server) transitionHandler(w http.ResponseWriter, r *http.Request) {
	var req models.TransitionRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	to := req.To
	if !models.IsValidAppState(to) {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(models.ErrInvalidAppState.Error()))
		return
	}
	if err := s.machine.Transition(to, req.Trigger); err != nil {
		writeJSONResponse(w, statusForError(err), models.NewAPIResponseBuilder().
			WithStatus(models.APIStatusError).
			WithMessage(err.Error()).
			WithResult(s.machine.View()).
			Build())
		return
	}
	if to != models.StateResearching {
		s.stopResearch()
	}
	writeJSONResponse(w, http.StatusOK, models.Success(s.machine.View()))
}

func (s *Server) resetHandler(w http.ResponseWriter, r *http.Request) {
	s.stopResearch()
	s.machine.Reset()
	writeJSONResponse(w, http.StatusOK, models.Success(s.machine.View()))
}

func (s *Server) transitionsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]interface{}{
		"rules": flow.TransitionTable(),
		"log":   s.machine.Transitions(),
	}))
}

func (s *Server) setErrorHandler(w http.ResponseWriter, r *http.Request) {
	var req models.ErrorRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	s.machine.SetError(models.ErrorState{Code: req.Code, Message: req.Message, Recoverable: req.Recoverable})
	writeJSONResponse(w, http.StatusOK, models.Success(s.machine.Error()))
}

func (s *Server) clearErrorHandler(w http.ResponseWriter, r *http.Request) {
	s.machine.ClearError()
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Error cleared", nil))
}

// healthHandler reports liveness, readiness, and whether persistence is degraded.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	healthData := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}

	ready := true
	select {
	case <-s.machine.Ready():
	default:
		ready = false
	}
	healthData["ready"] = ready

	statusCode := http.StatusOK
	switch {
	case !ready:
		healthData["status"] = "starting"
		statusCode = http.StatusServiceUnavailable
	case s.machine.PersistenceSuspended():
		slog.Warn("Health check: persistence suspended after a failed load")
		healthData["status"] = "degraded"
		healthData["error"] = "Saved state could not be loaded; changes are kept in memory only"
	case s.machine.Degraded():
		slog.Warn("Health check: persistence degraded")
		healthData["status"] = "degraded"
		healthData["error"] = "State is not being persisted"
	}
	writeJSONResponse(w, statusCode, healthData)
}
