package flow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/ResearchPipe/internal/models"
	"github.com/BTreeMap/ResearchPipe/internal/store"
)

// NewMockStateManager creates an in-memory state manager for testing.
func NewMockStateManager() StateManager {
	return NewStoreBasedStateManager(store.NewInMemoryStore())
}

// failingStateManager fails every save until healed. A non-nil loadErr fails every load.
type failingStateManager struct {
	mu      sync.Mutex
	failing bool
	loadErr error
	saved   *Snapshot
}

var errStorageUnavailable = errors.New("storage unavailable")

func (f *failingStateManager) LoadSnapshot(context.Context) (*Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.loadErr != nil {
		return nil, f.loadErr
	}
	if f.saved == nil {
		return nil, store.ErrStateNotFound
	}
	s := *f.saved
	return &s, nil
}

func (f *failingStateManager) SaveSnapshot(_ context.Context, snap Snapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return errStorageUnavailable
	}
	f.saved = &snap
	return nil
}

func (f *failingStateManager) ResetState(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved = nil
	return nil
}

func (f *failingStateManager) setLoadErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loadErr = err
}

func (f *failingStateManager) setFailing(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failing = v
}

// sampleSchema returns a two-field schema where "details" is shown only when
// "has_details" is true.
func sampleSchema() *models.FormSchema {
	return &models.FormSchema{
		ID:    "form_sample",
		Title: "Sample",
		Fields: []models.FormField{
			{ID: "topic", Type: models.FieldTypeText, Label: "Topic", Required: true, Order: 0},
			{ID: "has_details", Type: models.FieldTypeBoolean, Label: "More details?", Order: 1},
			{
				ID:        "details",
				Type:      models.FieldTypeTextarea,
				Label:     "Details",
				Order:     2,
				DependsOn: []string{"has_details"},
				VisibilityConditions: &models.ConditionGroup{
					Operator: models.LogicAnd,
					Conditions: []models.ConditionNode{
						models.Leaf(models.FieldCondition{FieldID: "has_details", Operator: models.OpEquals, Value: models.Bool(true)}),
					},
				},
			},
		},
	}
}

// driveTo walks a fresh machine along accepted edges until it reaches target.
func driveTo(t *testing.T, m *Machine, target models.AppState) {
	t.Helper()
	if target == models.StateInterviewing {
		return
	}
	if m.FormSchema() == nil {
		if err := m.SetFormSchema(sampleSchema()); err != nil {
			t.Fatalf("SetFormSchema failed: %v", err)
		}
	}
	path := []struct {
		to      models.AppState
		trigger models.Trigger
	}{
		{models.StateFormPreview, models.TriggerViewForm},
		{models.StateFormActive, models.TriggerConfirmForm},
		{models.StateResearching, models.TriggerFormSubmitted},
		{models.StatePresenting, models.TriggerResearchComplete},
	}
	for _, step := range path {
		if err := m.Transition(step.to, step.trigger); err != nil {
			t.Fatalf("Transition to %s failed: %v", step.to, err)
		}
		if step.to == target {
			return
		}
	}
	t.Fatalf("driveTo: unreachable target %s", target)
}

// waitFor polls cond until it holds or a second elapses.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within 1s")
}
