package flow

import (
	"log/slog"
	"sort"

	"github.com/BTreeMap/ResearchPipe/internal/models"
	"github.com/BTreeMap/ResearchPipe/internal/util"
)

// SessionSummary describes a session for listing.
type SessionSummary struct {
	ID        string          `json:"id"`
	Title     string          `json:"title"`
	State     models.AppState `json:"state"`
	UpdatedAt string          `json:"updated_at"`
	Messages  int             `json:"messages"`
	Current   bool            `json:"current"`
}

// CreateNewSession saves the current session, then allocates a fresh
// INTERVIEWING session and makes it current.
func (m *Machine) CreateNewSession(title string) models.ChatSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveCurrentSessionLocked()
	if title == "" {
		title = DefaultSessionTitle
	}
	s := m.newSessionLocked(title)
	m.persistLocked()
	slog.Info("Machine.CreateNewSession: session created", "session_id", s.ID)
	return s.Clone()
}

// newSessionLocked installs a fresh session as current and resets the mirrored fields.
func (m *Machine) newSessionLocked(title string) models.ChatSession {
	s := models.ChatSession{
		ID:           util.NewID("session_"),
		Title:        title,
		State:        models.StateInterviewing,
		UpdatedAt:    m.now(),
		ChatMessages: []models.ChatMessage{},
	}
	m.sessions[s.ID] = s
	m.loadSessionLocked(s)
	return s
}

// loadSessionLocked mirrors a session into the top-level fields.
func (m *Machine) loadSessionLocked(s models.ChatSession) {
	c := s.Clone()
	m.currentID = c.ID
	m.state = models.NormalizeAppState(c.State)
	m.chatMessages = c.ChatMessages
	m.formSchema = c.FormSchema
	m.formData = c.FormData
	m.researchResults = c.ResearchResults
	m.progress = models.ResearchProgress{}
	m.ensureRunLocked()
	m.errState = nil
	m.rebuildGraphLocked()
}

// ensureRunLocked gives a RESEARCHING state without a run id a fresh one, so
// output tagged for an earlier run is never accepted.
func (m *Machine) ensureRunLocked() {
	if m.state == models.StateResearching && m.progress.RunID == "" {
		m.progress.RunID = util.NewID("run_")
	}
}

// SwitchSession makes the session with the given id current. The outgoing
// session is saved first; no other session is modified.
func (m *Machine) SwitchSession(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	target, ok := m.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	if id == m.currentID {
		return nil
	}
	m.saveCurrentSessionLocked()
	m.loadSessionLocked(target)
	m.persistLocked()
	slog.Info("Machine.SwitchSession: switched", "session_id", id, "state", m.state)
	return nil
}

// DeleteSession removes a session. Deleting the current session creates a new one.
func (m *Machine) DeleteSession(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return ErrSessionNotFound
	}
	delete(m.sessions, id)
	if id == m.currentID {
		m.newSessionLocked(DefaultSessionTitle)
	}
	m.persistLocked()
	slog.Info("Machine.DeleteSession: session deleted", "session_id", id, "current", m.currentID)
	return nil
}

// SaveCurrentSession writes the mirrored fields back into the current session.
func (m *Machine) SaveCurrentSession() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveCurrentSessionLocked()
}

func (m *Machine) saveCurrentSessionLocked() {
	s := m.sessions[m.currentID]
	s.ID = m.currentID
	s.State = m.state
	s.UpdatedAt = m.now()
	s.ChatMessages = append([]models.ChatMessage{}, m.chatMessages...)
	s.FormSchema = m.formSchema.Clone()
	s.FormData = m.formData.Clone()
	s.ResearchResults = cloneResults(m.researchResults)
	if s.Title == "" {
		s.Title = DefaultSessionTitle
	}
	m.sessions[m.currentID] = s
	m.persistLocked()
}

// CurrentSessionID returns the id of the current session.
func (m *Machine) CurrentSessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentID
}

// Session returns a copy of the stored session with the given id.
func (m *Machine) Session(id string) (models.ChatSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return models.ChatSession{}, ErrSessionNotFound
	}
	return s.Clone(), nil
}

// Sessions lists every session, most recently updated first.
func (m *Machine) Sessions() []SessionSummary {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := make([]models.ChatSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		list = append(list, s)
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].UpdatedAt.Equal(list[j].UpdatedAt) {
			return list[i].ID < list[j].ID
		}
		return list[i].UpdatedAt.After(list[j].UpdatedAt)
	})

	out := make([]SessionSummary, 0, len(list))
	for _, s := range list {
		out = append(out, SessionSummary{
			ID:        s.ID,
			Title:     s.Title,
			State:     s.State,
			UpdatedAt: s.UpdatedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
			Messages:  len(s.ChatMessages),
			Current:   s.ID == m.currentID,
		})
	}
	return out
}
