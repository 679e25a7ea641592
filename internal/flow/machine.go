package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/ResearchPipe/internal/form"
	"github.com/BTreeMap/ResearchPipe/internal/models"
	"github.com/BTreeMap/ResearchPipe/internal/recovery"
	"github.com/BTreeMap/ResearchPipe/internal/store"
	"github.com/BTreeMap/ResearchPipe/internal/util"
)

// DefaultSessionTitle names sessions until the first user message arrives.
const DefaultSessionTitle = "New Research"

// maxDerivedTitleRunes bounds titles derived from the first user message.
const maxDerivedTitleRunes = 60

var (
	// ErrSessionNotFound is returned when a session id is unknown.
	ErrSessionNotFound = errors.New("session not found")
	// ErrFieldNotFound is returned when a field id is not part of the current schema.
	ErrFieldNotFound = errors.New("field not found in form schema")
	// ErrInvalidField is returned when a field cannot be added to the schema.
	ErrInvalidField = errors.New("invalid form field")
	// ErrFormReadOnly is returned when the form is changed outside INTERVIEWING,
	// FORM_PREVIEW and FORM_ACTIVE.
	ErrFormReadOnly = errors.New("form is read-only in the current state")
)

// Opts holds configuration options for the Machine.
type Opts struct {
	StateManager StateManager
	SaveTimeout  time.Duration
	Clock        func() time.Time
}

// Option defines a function that configures Opts.
type Option func(*Opts)

// WithStateManager enables persistence through sm.
func WithStateManager(sm StateManager) Option {
	return func(o *Opts) {
		o.StateManager = sm
	}
}

// WithSaveTimeout bounds each background snapshot write.
func WithSaveTimeout(d time.Duration) Option {
	return func(o *Opts) {
		o.SaveTimeout = d
	}
}

// WithClock overrides the time source, for tests.
func WithClock(clock func() time.Time) Option {
	return func(o *Opts) {
		o.Clock = clock
	}
}

// Machine is the application state machine. It owns the current state, the
// session collection, and the mirrored fields of the current session. All
// methods are safe for concurrent use; calls are serialized.
type Machine struct {
	mu  sync.Mutex
	now func() time.Time

	sessions  map[string]models.ChatSession
	currentID string

	// mirrored fields of the current session
	state           models.AppState
	chatMessages    []models.ChatMessage
	formSchema      *models.FormSchema
	formData        models.FormData
	researchResults *models.ResearchResults

	graph    form.DependencyGraph
	progress models.ResearchProgress
	errState *models.ErrorState
	log      []models.TransitionLog

	sm    StateManager
	saver *saver

	ready     chan struct{}
	readyOnce sync.Once
}

// View is a read-only copy of the machine's current fields.
type View struct {
	SessionID        string                  `json:"session_id"`
	SessionTitle     string                  `json:"session_title"`
	State            models.AppState         `json:"state"`
	ChatMessages     []models.ChatMessage    `json:"chat_messages"`
	FormSchema       *models.FormSchema      `json:"form_schema,omitempty"`
	FormData         models.FormData         `json:"form_data,omitempty"`
	ResearchResults  *models.ResearchResults `json:"research_results,omitempty"`
	ResearchProgress models.ResearchProgress `json:"research_progress"`
	Error            *models.ErrorState      `json:"error,omitempty"`
	Degraded         bool                    `json:"degraded,omitempty"`
}

// NewMachine creates a machine holding one fresh INTERVIEWING session. Without a
// state manager the machine is ready immediately; otherwise call Rehydrate.
func NewMachine(opts ...Option) *Machine {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	m := &Machine{
		now:      cfg.Clock,
		sessions: make(map[string]models.ChatSession),
		sm:       cfg.StateManager,
		ready:    make(chan struct{}),
	}
	m.newSessionLocked(DefaultSessionTitle)

	if m.sm != nil {
		m.saver = newSaver(m.sm, cfg.SaveTimeout)
	} else {
		m.markReady()
	}
	slog.Debug("Machine.NewMachine: created", "session_id", m.currentID, "persistent", m.sm != nil)
	return m
}

// Ready is closed once rehydration has finished. Callers must not read state before then.
func (m *Machine) Ready() <-chan struct{} {
	return m.ready
}

func (m *Machine) markReady() {
	m.readyOnce.Do(func() { close(m.ready) })
}

// Rehydrate restores the persisted snapshot and signals readiness. A missing
// snapshot is not an error. Other load failures leave the fresh in-memory state
// in place, suspend persistence so the unread record is never overwritten, and
// are returned after readiness is signalled. Writes resume after a later
// successful Rehydrate or DiscardSavedState.
func (m *Machine) Rehydrate(ctx context.Context) error {
	defer m.markReady()
	if m.sm == nil {
		return nil
	}

	snap, err := m.sm.LoadSnapshot(ctx)
	if err != nil {
		if errors.Is(err, store.ErrStateNotFound) {
			slog.Info("Machine.Rehydrate: no saved state, starting fresh")
			m.saver.resume()
			return nil
		}
		m.saver.suspend()
		slog.Error("Machine.Rehydrate: failed to load saved state, running in memory only", "error", err)
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.saver.resume()
	m.restoreLocked(*snap)
	slog.Info("Machine.Rehydrate: state restored", "session_id", m.currentID, "state", m.state, "sessions", len(m.sessions))
	return nil
}

// RecoverState rehydrates the machine during application startup.
func (m *Machine) RecoverState(ctx context.Context, _ *recovery.RecoveryRegistry) error {
	return m.Rehydrate(ctx)
}

func (m *Machine) restoreLocked(snap Snapshot) {
	m.sessions = make(map[string]models.ChatSession, len(snap.Sessions))
	for id, s := range snap.Sessions {
		s.ID = id
		s.State = models.NormalizeAppState(s.State)
		m.sessions[id] = s
	}
	m.log = append([]models.TransitionLog(nil), snap.TransitionLog...)

	if _, ok := m.sessions[snap.CurrentSessionID]; !ok {
		slog.Warn("Machine.Rehydrate: current session missing, creating a new one", "session_id", snap.CurrentSessionID)
		m.newSessionLocked(DefaultSessionTitle)
		return
	}
	m.currentID = snap.CurrentSessionID
	m.state = models.NormalizeAppState(snap.State)
	m.chatMessages = snap.ChatMessages
	m.formSchema = snap.FormSchema
	m.formData = snap.FormData
	m.researchResults = snap.ResearchResults
	m.progress = snap.ResearchProgress
	m.ensureRunLocked()
	m.errState = nil
	m.rebuildGraphLocked()
}

// DiscardSavedState deletes the persisted record and resumes persistence from
// the current in-memory state. It is the way out of a suspended persistence
// after a failed Rehydrate.
func (m *Machine) DiscardSavedState(ctx context.Context) error {
	if m.sm == nil {
		return nil
	}
	if err := m.sm.ResetState(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saver.resume()
	m.persistLocked()
	slog.Warn("Machine.DiscardSavedState: saved state discarded", "session_id", m.currentID)
	return nil
}

// PersistenceSuspended reports whether writes are stopped after a failed load.
func (m *Machine) PersistenceSuspended() bool {
	return m.saver != nil && m.saver.suspended.Load()
}

// Close flushes the pending snapshot and stops background persistence.
func (m *Machine) Close(ctx context.Context) error {
	if m.saver == nil {
		return nil
	}
	m.mu.Lock()
	m.persistLocked()
	m.mu.Unlock()
	return m.saver.close(ctx)
}

// Degraded reports whether state is not being persisted, either because the
// last write failed or because persistence is suspended.
func (m *Machine) Degraded() bool {
	return m.saver != nil && (m.saver.degraded.Load() || m.saver.suspended.Load())
}

// State returns the current state.
func (m *Machine) State() models.AppState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// View returns a copy of the current mirrored fields.
func (m *Machine) View() View {
	m.mu.Lock()
	defer m.mu.Unlock()
	v := View{
		SessionID:        m.currentID,
		SessionTitle:     m.sessions[m.currentID].Title,
		State:            m.state,
		ChatMessages:     append([]models.ChatMessage{}, m.chatMessages...),
		FormSchema:       m.formSchema.Clone(),
		FormData:         m.formData.Clone(),
		ResearchResults:  cloneResults(m.researchResults),
		ResearchProgress: m.progress,
		Degraded:         m.Degraded(),
	}
	if m.errState != nil {
		e := *m.errState
		v.Error = &e
	}
	return v
}

// Transitions returns a copy of the transition log.
func (m *Machine) Transitions() []models.TransitionLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.TransitionLog{}, m.log...)
}

// Snapshot returns the serializable form of the whole machine.
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Machine) snapshotLocked() Snapshot {
	sessions := make(map[string]models.ChatSession, len(m.sessions))
	for id, s := range m.sessions {
		sessions[id] = s.Clone()
	}
	return Snapshot{
		Version:          SnapshotVersion,
		CurrentSessionID: m.currentID,
		State:            m.state,
		ChatMessages:     append([]models.ChatMessage{}, m.chatMessages...),
		FormSchema:       m.formSchema.Clone(),
		FormData:         m.formData.Clone(),
		ResearchResults:  cloneResults(m.researchResults),
		ResearchProgress: m.progress,
		TransitionLog:    append([]models.TransitionLog{}, m.log...),
		Sessions:         sessions,
		SavedAt:          m.now(),
	}
}

// persistLocked hands the current snapshot to the background saver.
func (m *Machine) persistLocked() {
	if m.saver == nil {
		return
	}
	m.saver.submit(m.snapshotLocked())
}

// Transition moves the machine along an edge of the transition table. Rejected
// transitions leave the state unchanged, record a recoverable INVALID_TRANSITION
// error, and return a *TransitionError.
func (m *Machine) Transition(to models.AppState, trigger models.Trigger) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transitionLocked(to, trigger)
}

func (m *Machine) transitionLocked(to models.AppState, trigger models.Trigger) error {
	from := m.state
	target, ok := NextState(from, trigger)
	var cause error
	switch {
	case !ok || target != to:
		cause = ErrInvalidTransition
	case trigger == models.TriggerViewForm && m.formSchema == nil:
		cause = ErrNoFormSchema
	}
	if cause != nil {
		terr := &TransitionError{From: from, To: to, Trigger: trigger, Err: cause}
		m.errState = &models.ErrorState{
			Code:        models.ErrorCodeInvalidTransition,
			Message:     terr.Error(),
			Timestamp:   m.now(),
			Recoverable: true,
		}
		slog.Warn("Machine.Transition: rejected", "session_id", m.currentID, "from", from, "to", to, "trigger", trigger, "error", cause)
		return terr
	}

	if trigger == models.TriggerReset {
		m.formSchema = nil
		m.formData = nil
		m.researchResults = nil
		m.graph = nil
	}
	switch {
	case to == models.StateResearching:
		m.progress = models.ResearchProgress{RunID: util.NewID("run_"), UpdatedAt: m.now()}
	case trigger == models.TriggerReset:
		m.progress = models.ResearchProgress{UpdatedAt: m.now()}
	}
	m.state = to
	m.errState = nil
	m.log = append(m.log, models.TransitionLog{
		From:      from,
		To:        to,
		Trigger:   trigger,
		SessionID: m.currentID,
		Timestamp: m.now(),
	})
	slog.Info("Machine.Transition: accepted", "session_id", m.currentID, "from", from, "to", to, "trigger", trigger)
	m.saveCurrentSessionLocked()
	return nil
}

// Reset returns to INTERVIEWING from any state, clearing the form, results, and
// error. Chat history and other sessions are kept.
func (m *Machine) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	// reset is accepted from every state
	_ = m.transitionLocked(models.StateInterviewing, models.TriggerReset)
}

// SetFormSchema installs a schema for the current session and seeds its form
// data from interview prefills and defaults. Integrity anomalies are logged; the
// schema still loads. The state is left unchanged.
func (m *Machine) SetFormSchema(schema *models.FormSchema) error {
	if schema == nil {
		return ErrNoFormSchema
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkFormEditableLocked("SetFormSchema"); err != nil {
		return err
	}
	m.installSchemaLocked(schema)
	m.saveCurrentSessionLocked()
	return nil
}

// PreviewFormSchema installs a generated schema and opens its preview. From
// INTERVIEWING and PRESENTING it fires view_form; in FORM_PREVIEW and
// FORM_ACTIVE the schema is replaced in place.
func (m *Machine) PreviewFormSchema(schema *models.FormSchema) error {
	if schema == nil {
		return ErrNoFormSchema
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.state {
	case models.StateInterviewing, models.StatePresenting:
		m.installSchemaLocked(schema)
		return m.transitionLocked(models.StateFormPreview, models.TriggerViewForm)
	case models.StateFormPreview, models.StateFormActive:
		m.installSchemaLocked(schema)
		m.saveCurrentSessionLocked()
		return nil
	default:
		return m.checkFormEditableLocked("PreviewFormSchema")
	}
}

func (m *Machine) installSchemaLocked(schema *models.FormSchema) {
	if err := form.CheckSchema(schema); err != nil {
		slog.Warn("Machine.SetFormSchema: schema integrity anomalies", "schema_id", schema.ID, "error", err)
	}
	m.formSchema = schema.Clone()
	m.formData = form.InitialFormData(m.formSchema)
	m.rebuildGraphLocked()
	slog.Debug("Machine.SetFormSchema: schema set", "session_id", m.currentID, "schema_id", schema.ID, "fields", len(schema.Fields))
}

// checkFormEditableLocked rejects form changes once research has started.
func (m *Machine) checkFormEditableLocked(op string) error {
	switch m.state {
	case models.StateInterviewing, models.StateFormPreview, models.StateFormActive:
		return nil
	}
	slog.Warn("Machine."+op+": form is read-only", "session_id", m.currentID, "state", m.state)
	return fmt.Errorf("%w: %s", ErrFormReadOnly, m.state)
}

// AddFormField appends a field to the current schema, starting an empty schema
// when none is set. Existing form data is kept and the new field is seeded from
// its prefill or default.
func (m *Machine) AddFormField(field models.FormField) (*models.FormSchema, error) {
	if field.ID == "" {
		return nil, fmt.Errorf("%w: empty id", ErrInvalidField)
	}
	if !models.IsValidFieldType(field.Type) {
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidField, field.Type)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkFormEditableLocked("AddFormField"); err != nil {
		return nil, err
	}
	base := m.formSchema
	if base == nil {
		base = form.CreateEmptyFormSchema("")
	}
	if _, exists := base.Field(field.ID); exists {
		return nil, fmt.Errorf("%w: duplicate id %q", ErrInvalidField, field.ID)
	}
	m.formSchema = form.AddFieldToSchema(base, field)
	if err := form.CheckSchema(m.formSchema); err != nil {
		slog.Warn("Machine.AddFormField: schema integrity anomalies", "schema_id", m.formSchema.ID, "error", err)
	}

	if m.formData == nil {
		m.formData = make(models.FormData)
	}
	for id, v := range form.InitialFormData(&models.FormSchema{Fields: []models.FormField{field}}) {
		m.formData[id] = v
	}
	m.rebuildGraphLocked()
	slog.Debug("Machine.AddFormField: field added", "session_id", m.currentID, "field_id", field.ID)
	m.saveCurrentSessionLocked()
	return m.formSchema.Clone(), nil
}

// FormSchema returns a copy of the current schema, or nil.
func (m *Machine) FormSchema() *models.FormSchema {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.formSchema.Clone()
}

// FormData returns a copy of the current form data.
func (m *Machine) FormData() models.FormData {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.formData.Clone()
}

// SetFormData replaces the current form data. Values are coerced to their
// field types when a schema is present.
func (m *Machine) SetFormData(data models.FormData) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkFormEditableLocked("SetFormData"); err != nil {
		return err
	}
	out := make(models.FormData, len(data))
	for id, v := range data {
		if m.formSchema != nil {
			if f, ok := m.formSchema.Field(id); ok {
				v = form.CoerceValue(f, v)
			}
		}
		out[id] = v.Clone()
	}
	m.formData = out
	m.saveCurrentSessionLocked()
	return nil
}

// SetFieldValue updates one field and returns the ids of the fields whose
// visibility or validation may have changed as a result.
func (m *Machine) SetFieldValue(fieldID string, v models.Value) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.formSchema == nil {
		return nil, ErrNoFormSchema
	}
	if err := m.checkFormEditableLocked("SetFieldValue"); err != nil {
		return nil, err
	}
	f, ok := m.formSchema.Field(fieldID)
	if !ok {
		return nil, ErrFieldNotFound
	}
	if m.formData == nil {
		m.formData = make(models.FormData)
	}
	m.formData[fieldID] = form.CoerceValue(f, v)
	affected := form.AffectedFields(m.graph, fieldID)
	slog.Debug("Machine.SetFieldValue: updated", "session_id", m.currentID, "field_id", fieldID, "affected", len(affected))
	m.saveCurrentSessionLocked()
	return affected, nil
}

func (m *Machine) rebuildGraphLocked() {
	if m.formSchema == nil {
		m.graph = nil
		return
	}
	m.graph = form.BuildDependencyGraph(m.formSchema.Fields)
}

// SetError overwrites the current error. A zero timestamp is filled in.
func (m *Machine) SetError(e models.ErrorState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.Timestamp.IsZero() {
		e.Timestamp = m.now()
	}
	m.errState = &e
	slog.Warn("Machine.SetError: error recorded", "session_id", m.currentID, "code", e.Code, "recoverable", e.Recoverable, "message", e.Message)
}

// ClearError removes the current error.
func (m *Machine) ClearError() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errState = nil
}

// Error returns a copy of the current error, or nil.
func (m *Machine) Error() *models.ErrorState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.errState == nil {
		return nil
	}
	e := *m.errState
	return &e
}

// AddChatMessage appends a message to the current session's chat. The first
// user message names a session that still has the default title.
func (m *Machine) AddChatMessage(role models.ChatRole, content string) (models.ChatMessage, error) {
	msg := models.ChatMessage{Role: role, Content: content}
	if err := msg.Validate(); err != nil {
		return models.ChatMessage{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	msg.ID = util.NewID("msg_")
	msg.Timestamp = m.now()
	m.chatMessages = append(m.chatMessages, msg)

	if role == models.ChatRoleUser {
		if s := m.sessions[m.currentID]; s.Title == DefaultSessionTitle {
			s.Title = deriveTitle(content)
			m.sessions[m.currentID] = s
		}
	}
	m.saveCurrentSessionLocked()
	return msg, nil
}

// ChatMessages returns a copy of the current session's chat history.
func (m *Machine) ChatMessages() []models.ChatMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.ChatMessage{}, m.chatMessages...)
}

func deriveTitle(content string) string {
	runes := []rune(strings.Join(strings.Fields(content), " "))
	if len(runes) > maxDerivedTitleRunes {
		return string(runes[:maxDerivedTitleRunes]) + "…"
	}
	return string(runes)
}

func cloneResults(r *models.ResearchResults) *models.ResearchResults {
	if r == nil {
		return nil
	}
	out := *r
	return &out
}
