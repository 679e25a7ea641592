package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/BTreeMap/ResearchPipe/internal/flow"
	"github.com/BTreeMap/ResearchPipe/internal/models"
	"github.com/BTreeMap/ResearchPipe/internal/research"
)

// beginResearch registers a cancellable context for one research stream. Any
// stream already running is cancelled. The returned func releases it.
func (s *Server) beginResearch(parent context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancel(parent)
	s.researchMu.Lock()
	if s.cancelResearch != nil {
		s.cancelResearch()
	}
	s.researchGen++
	gen := s.researchGen
	s.cancelResearch = cancel
	s.researchMu.Unlock()

	return ctx, func() {
		s.researchMu.Lock()
		if s.researchGen == gen {
			s.cancelResearch = nil
		}
		s.researchMu.Unlock()
		cancel()
	}
}

// stopResearch cancels the research stream being consumed, if any.
func (s *Server) stopResearch() {
	s.researchMu.Lock()
	defer s.researchMu.Unlock()
	if s.cancelResearch != nil {
		slog.Info("Server.stopResearch: cancelling research stream")
		s.cancelResearch()
		s.cancelResearch = nil
	}
}

func (s *Server) progressHandler(w http.ResponseWriter, r *http.Request) {
	var req models.ProgressRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	accepted := s.machine.SetRunProgress(req.RunID, req.Percent, req.Status)
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]interface{}{
		"accepted": accepted,
		"progress": s.machine.ResearchProgress(),
	}))
}

// streamHandler consumes an NDJSON research stream from the request body,
// forwarding progress to the machine and presenting the parsed results.
func (s *Server) streamHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	runID, running := s.machine.ActiveResearchRun()
	if !running {
		writeJSONResponse(w, http.StatusConflict, models.Error("research is not running in state "+string(s.machine.State())))
		return
	}

	ctx, done := s.beginResearch(r.Context())
	defer done()

	results, err := research.Consume(ctx, r.Body, runSink{machine: s.machine, runID: runID})
	if err != nil {
		if ctx.Err() != nil {
			slog.Info("Server.streamHandler: research stream cancelled")
			writeJSONResponse(w, http.StatusConflict, models.Error("Research cancelled"))
			return
		}
		slog.Error("Server.streamHandler: research failed", "error", err)
		s.machine.FailResearch(err)
		status := http.StatusBadGateway
		if errors.Is(err, research.ErrEmptyStream) {
			status = http.StatusUnprocessableEntity
		}
		writeJSONResponse(w, status, models.Error(err.Error()))
		return
	}
	s.presentResults(w, runID, results)
}

// runSink forwards stream progress tagged with the run the stream belongs to.
type runSink struct {
	machine *flow.Machine
	runID   string
}

func (r runSink) SetResearchProgress(percent int, status string) bool {
	return r.machine.SetRunProgress(r.runID, percent, status)
}

func (s *Server) resultsHandler(w http.ResponseWriter, r *http.Request) {
	var req models.ResultsRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	s.presentResults(w, req.RunID, research.ParseResearchResult(req.Text))
}

func (s *Server) presentResults(w http.ResponseWriter, runID string, results models.ResearchResults) {
	if err := s.machine.CompleteResearchRun(runID, results); err != nil {
		slog.Warn("Server.presentResults: results discarded", "error", err)
		writeJSONResponse(w, statusForError(err), models.Error(err.Error()))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(s.machine.View()))
}

func (s *Server) cancelResearchHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.machine.CancelResearch(); err != nil {
		writeJSONResponse(w, statusForError(err), models.Error(err.Error()))
		return
	}
	s.stopResearch()
	writeJSONResponse(w, http.StatusOK, models.Success(s.machine.View()))
}
