package flow

import (
	"errors"
	"testing"
	"time"

	"github.com/BTreeMap/ResearchPipe/internal/models"
	"github.com/google/go-cmp/cmp"
)

// Switching away and back restores the first session's form exactly.
func TestSessionSwitchRestoresForm(t *testing.T) {
	m := NewMachine()
	driveTo(t, m, models.StateFormActive)
	if _, err := m.SetFieldValue("topic", models.String("heat pumps")); err != nil {
		t.Fatal(err)
	}
	if _, err := m.SetFieldValue("has_details", models.Bool(true)); err != nil {
		t.Fatal(err)
	}
	first := m.CurrentSessionID()
	wantData := m.FormData()

	second := m.CreateNewSession("")
	if second.ID == first {
		t.Fatal("new session reused the current id")
	}
	if m.State() != models.StateInterviewing || m.FormSchema() != nil {
		t.Errorf("new session not fresh: state=%s", m.State())
	}
	if _, err := m.AddChatMessage(models.ChatRoleUser, "something else"); err != nil {
		t.Fatal(err)
	}

	if err := m.SwitchSession(first); err != nil {
		t.Fatalf("SwitchSession failed: %v", err)
	}
	if m.State() != models.StateFormActive {
		t.Errorf("state = %s, want FORM_ACTIVE", m.State())
	}
	if diff := cmp.Diff(wantData, m.FormData()); diff != "" {
		t.Errorf("form data mismatch (-want +got):\n%s", diff)
	}
	if len(m.ChatMessages()) != 0 {
		t.Errorf("chat from the other session leaked: %d messages", len(m.ChatMessages()))
	}

	s, err := m.Session(second.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(s.ChatMessages) != 1 || s.Title != "something else" {
		t.Errorf("second session not saved on switch: %+v", s)
	}
}

func TestSwitchSessionUnknown(t *testing.T) {
	m := NewMachine()
	current := m.CurrentSessionID()
	if err := m.SwitchSession("session_missing"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("error = %v, want ErrSessionNotFound", err)
	}
	if m.CurrentSessionID() != current {
		t.Error("failed switch changed the current session")
	}
	if err := m.SwitchSession(current); err != nil {
		t.Errorf("switching to the current session: %v", err)
	}
}

func TestSwitchSessionClearsProgressAndError(t *testing.T) {
	m := NewMachine()
	first := m.CurrentSessionID()
	driveTo(t, m, models.StateResearching)
	m.SetResearchProgress(40, "reading")
	m.SetError(models.ErrorState{Code: models.ErrorCodeChatFailed, Message: "x"})

	m.CreateNewSession("other")
	if err := m.SwitchSession(first); err != nil {
		t.Fatal(err)
	}
	if m.ResearchProgress().Percent != 0 || m.Error() != nil {
		t.Errorf("transient fields survived a switch: %+v %+v", m.ResearchProgress(), m.Error())
	}
}

func TestDeleteSession(t *testing.T) {
	m := NewMachine()
	first := m.CurrentSessionID()
	second := m.CreateNewSession("second").ID

	if err := m.DeleteSession(first); err != nil {
		t.Fatalf("DeleteSession failed: %v", err)
	}
	if m.CurrentSessionID() != second {
		t.Error("deleting another session changed the current one")
	}

	if err := m.DeleteSession(second); err != nil {
		t.Fatalf("DeleteSession(current) failed: %v", err)
	}
	current := m.CurrentSessionID()
	if current == second || current == first {
		t.Error("deleting the current session did not create a new one")
	}
	if got := len(m.Sessions()); got != 1 {
		t.Errorf("Sessions() = %d, want 1", got)
	}
	if err := m.DeleteSession(second); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("double delete error = %v", err)
	}
}

func TestSessionsOrderedByUpdate(t *testing.T) {
	tick := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m := NewMachine(WithClock(func() time.Time {
		tick = tick.Add(time.Second)
		return tick
	}))
	first := m.CurrentSessionID()
	m.CreateNewSession("second")
	if err := m.SwitchSession(first); err != nil {
		t.Fatal(err)
	}
	m.SaveCurrentSession()

	list := m.Sessions()
	if len(list) != 2 {
		t.Fatalf("Sessions() = %d, want 2", len(list))
	}
	if list[0].ID != first || !list[0].Current {
		t.Errorf("most recent session = %+v, want %s current", list[0], first)
	}
}
