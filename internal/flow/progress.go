package flow

import (
	"errors"
	"log/slog"

	"github.com/BTreeMap/ResearchPipe/internal/models"
)

var (
	// ErrResearchNotRunning is returned when research output arrives outside RESEARCHING.
	ErrResearchNotRunning = errors.New("research is not running")
	// ErrStaleResearchRun is returned when research output belongs to an earlier run.
	ErrStaleResearchRun = errors.New("research output belongs to a different run")
)

// ActiveResearchRun returns the id of the running research run. The second
// result is false outside RESEARCHING.
func (m *Machine) ActiveResearchRun() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != models.StateResearching {
		return "", false
	}
	return m.progress.RunID, true
}

// SetResearchProgress records progress for the running research run.
func (m *Machine) SetResearchProgress(percent int, status string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.setProgressLocked(m.progress.RunID, percent, status)
}

// SetRunProgress records research progress for one run. Percent is clamped to
// [0,100] and never decreases within the run; the status label is
// last-write-wins. Updates arriving outside RESEARCHING or tagged with another
// run are ignored and reported by returning false.
func (m *Machine) SetRunProgress(runID string, percent int, status string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.setProgressLocked(runID, percent, status)
}

func (m *Machine) setProgressLocked(runID string, percent int, status string) bool {
	if m.state != models.StateResearching {
		slog.Debug("Machine.SetResearchProgress: ignored outside RESEARCHING", "session_id", m.currentID, "state", m.state, "percent", percent)
		return false
	}
	if runID != m.progress.RunID {
		slog.Debug("Machine.SetResearchProgress: ignored for stale run", "session_id", m.currentID, "run_id", runID, "current", m.progress.RunID)
		return false
	}

	percent = min(max(percent, 0), 100)
	if percent < m.progress.Percent {
		slog.Debug("Machine.SetResearchProgress: regression held", "session_id", m.currentID, "percent", percent, "current", m.progress.Percent)
		percent = m.progress.Percent
	}
	m.progress = models.ResearchProgress{RunID: runID, Percent: percent, Status: status, UpdatedAt: m.now()}
	m.persistLocked()
	return true
}

// ResearchProgress returns the current research progress.
func (m *Machine) ResearchProgress() models.ResearchProgress {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.progress
}

// SetResearchResults stores results on the current session. Results arriving
// after the run was cancelled are ignored and reported by returning false.
func (m *Machine) SetResearchResults(results models.ResearchResults) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.setResultsLocked(results)
}

func (m *Machine) setResultsLocked(results models.ResearchResults) bool {
	if m.state != models.StateResearching && m.state != models.StatePresenting {
		slog.Warn("Machine.SetResearchResults: ignored outside RESEARCHING/PRESENTING", "session_id", m.currentID, "state", m.state)
		return false
	}
	if results.CompletedAt.IsZero() {
		results.CompletedAt = m.now()
	}
	m.researchResults = &results
	m.saveCurrentSessionLocked()
	return true
}

// CompleteResearch stores the results of the running research run and moves
// RESEARCHING to PRESENTING.
func (m *Machine) CompleteResearch(results models.ResearchResults) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.completeLocked(m.progress.RunID, results)
}

// CompleteResearchRun is CompleteResearch for one tagged run. Output arriving
// outside RESEARCHING returns ErrResearchNotRunning and output from another run
// returns ErrStaleResearchRun. Neither changes state or records an error.
func (m *Machine) CompleteResearchRun(runID string, results models.ResearchResults) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.completeLocked(runID, results)
}

func (m *Machine) completeLocked(runID string, results models.ResearchResults) error {
	if m.state != models.StateResearching {
		slog.Info("Machine.CompleteResearch: late results ignored", "session_id", m.currentID, "state", m.state)
		return ErrResearchNotRunning
	}
	if runID != m.progress.RunID {
		slog.Info("Machine.CompleteResearch: results from stale run ignored", "session_id", m.currentID, "run_id", runID, "current", m.progress.RunID)
		return ErrStaleResearchRun
	}
	m.setResultsLocked(results)
	m.progress.Percent = 100
	m.progress.UpdatedAt = m.now()
	return m.transitionLocked(models.StatePresenting, models.TriggerResearchComplete)
}

// CancelResearch moves RESEARCHING back to FORM_ACTIVE. Stopping the research
// stream is the caller's responsibility.
func (m *Machine) CancelResearch() error {
	return m.Transition(models.StateFormActive, models.TriggerResearchCancelled)
}

// FailResearch records a recoverable research error without changing state.
func (m *Machine) FailResearch(err error) {
	m.SetError(models.ErrorState{
		Code:        models.ErrorCodeResearchFailed,
		Message:     err.Error(),
		Recoverable: true,
	})
}
