package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/BTreeMap/ResearchPipe/internal/models"
	"github.com/go-chi/chi/v5"
)

func (s *Server) listSessionsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.Success(s.machine.Sessions()))
}

func (s *Server) createSessionHandler(w http.ResponseWriter, r *http.Request) {
	var req models.SessionRequest
	if r.Body != nil {
		defer r.Body.Close()
		// the body is optional
		if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
			return
		}
	}
	if err := validate.Struct(&req); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	s.stopResearch()
	session := s.machine.CreateNewSession(req.Title)
	writeJSONResponse(w, http.StatusCreated, models.Success(session))
}

func (s *Server) switchSessionHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id != s.machine.CurrentSessionID() {
		s.stopResearch()
	}
	if err := s.machine.SwitchSession(id); err != nil {
		writeJSONResponse(w, statusForError(err), models.Error(err.Error()))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(s.machine.View()))
}

func (s *Server) deleteSessionHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == s.machine.CurrentSessionID() {
		s.stopResearch()
	}
	if err := s.machine.DeleteSession(id); err != nil {
		writeJSONResponse(w, statusForError(err), models.Error(err.Error()))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Session deleted", map[string]string{
		"current_session_id": s.machine.CurrentSessionID(),
	}))
}
