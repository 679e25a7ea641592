// Package flow implements the application state machine that drives the
// research workflow, together with its session lifecycle and persistence.
package flow

import (
	"context"
	"time"

	"github.com/BTreeMap/ResearchPipe/internal/models"
)

// SnapshotVersion is the layout version of the persisted state record.
const SnapshotVersion = 1

// StateKey is the durable storage key holding the machine snapshot.
const StateKey = "researchpipe-state-v1"

// Snapshot is the complete serialized machine: every session plus the mirrored
// fields of the current one and the transition log.
type Snapshot struct {
	Version          int                           `json:"version"`
	CurrentSessionID string                        `json:"current_session_id"`
	State            models.AppState               `json:"state"`
	ChatMessages     []models.ChatMessage          `json:"chat_messages"`
	FormSchema       *models.FormSchema            `json:"form_schema,omitempty"`
	FormData         models.FormData               `json:"form_data,omitempty"`
	ResearchResults  *models.ResearchResults       `json:"research_results,omitempty"`
	ResearchProgress models.ResearchProgress       `json:"research_progress"`
	TransitionLog    []models.TransitionLog        `json:"transition_log"`
	Sessions         map[string]models.ChatSession `json:"sessions"`
	SavedAt          time.Time                     `json:"saved_at"`
}

// StateManager defines the persistence boundary for the machine snapshot.
type StateManager interface {
	// LoadSnapshot returns the persisted snapshot, or an error wrapping
	// store.ErrStateNotFound when nothing has been saved yet.
	LoadSnapshot(ctx context.Context) (*Snapshot, error)

	// SaveSnapshot replaces the persisted snapshot.
	SaveSnapshot(ctx context.Context, snap Snapshot) error

	// ResetState removes the persisted snapshot.
	ResetState(ctx context.Context) error
}
