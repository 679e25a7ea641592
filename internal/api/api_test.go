package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/ResearchPipe/internal/flow"
	"github.com/BTreeMap/ResearchPipe/internal/models"
	"github.com/BTreeMap/ResearchPipe/internal/store"
	"github.com/BTreeMap/ResearchPipe/internal/testutil"
)

// fakeInterviewer returns a canned reply.
type fakeInterviewer struct {
	reply string
	err   error
	calls int
}

func (f *fakeInterviewer) Respond(ctx context.Context, history []models.ChatMessage) (string, error) {
	f.calls++
	return f.reply, f.err
}

const schemaPayload = `{"action":"generate_form","form":{"title":"Heat pumps","researchTopic":"heat pumps","fields":[
 {"id":"region","type":"text","label":"Region","required":true},
 {"id":"has_budget","type":"boolean","label":"Do you have a budget?"},
 {"id":"budget","type":"number","label":"Budget","required":true,"showOnlyIf":{"dependsOnField":"has_budget","condition":"equals","value":true}}
]}}`

func newTestServer(t *testing.T, opts ...Option) (*Server, http.Handler) {
	t.Helper()
	s := NewServer(flow.NewMachine(), opts...)
	return s, s.Routes()
}

type envelope struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
}

func do(t *testing.T, h http.Handler, method, path, body string) (int, envelope) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	var env envelope
	if rr.Body.Len() > 0 {
		if err := json.Unmarshal(rr.Body.Bytes(), &env); err != nil {
			t.Fatalf("%s %s: invalid JSON response %q: %v", method, path, rr.Body.String(), err)
		}
	}
	return rr.Code, env
}

func viewOf(t *testing.T, env envelope) flow.View {
	t.Helper()
	var v flow.View
	if err := json.Unmarshal(env.Result, &v); err != nil {
		t.Fatalf("failed to decode view: %v", err)
	}
	return v
}

func mustSchema(t *testing.T, h http.Handler) {
	t.Helper()
	body, _ := json.Marshal(map[string]json.RawMessage{"payload": json.RawMessage(schemaPayload)})
	code, env := do(t, h, http.MethodPut, "/form/schema", string(body))
	if code != http.StatusOK {
		t.Fatalf("PUT /form/schema = %d %s", code, env.Message)
	}
	if !strings.Contains(string(env.Result), `"state":"FORM_PREVIEW"`) {
		t.Fatalf("PUT /form/schema did not open the preview: %s", env.Result)
	}
}

func transition(t *testing.T, h http.Handler, to models.AppState, trigger models.Trigger) {
	t.Helper()
	body := `{"to":"` + string(to) + `","trigger":"` + string(trigger) + `"}`
	if code, env := do(t, h, http.MethodPost, "/transition", body); code != http.StatusOK {
		t.Fatalf("transition to %s = %d %s", to, code, env.Message)
	}
}

func TestHealthz(t *testing.T) {
	_, h := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"healthy"`) {
		t.Errorf("GET /healthz = %d %s", rr.Code, rr.Body.String())
	}
}

func TestStateInitial(t *testing.T) {
	_, h := newTestServer(t)
	code, env := do(t, h, http.MethodGet, "/state", "")
	if code != http.StatusOK || env.Status != "ok" {
		t.Fatalf("GET /state = %d %+v", code, env)
	}
	if v := viewOf(t, env); v.State != models.StateInterviewing {
		t.Errorf("state = %s", v.State)
	}
}

func TestTransitionRejected(t *testing.T) {
	_, h := newTestServer(t)
	code, env := do(t, h, http.MethodPost, "/transition", `{"to":"RESEARCHING","trigger":"form_submitted"}`)
	if code != http.StatusConflict || env.Status != "error" {
		t.Fatalf("invalid transition = %d %+v", code, env)
	}
	v := viewOf(t, env)
	if v.State != models.StateInterviewing || v.Error == nil || v.Error.Code != models.ErrorCodeInvalidTransition {
		t.Errorf("view after rejection = %+v", v)
	}
}

func TestTransitionRequestValidation(t *testing.T) {
	_, h := newTestServer(t)
	code, env := do(t, h, http.MethodPost, "/transition", `{"to":"FORM_PREVIEW"}`)
	if code != http.StatusBadRequest || env.Status != "invalid" {
		t.Fatalf("missing trigger = %d %+v", code, env)
	}
	if !strings.Contains(string(env.Result), "trigger") {
		t.Errorf("field errors = %s, want trigger", env.Result)
	}
	if code, _ := do(t, h, http.MethodPost, "/transition", `{"to":"NOWHERE","trigger":"view_form"}`); code != http.StatusBadRequest {
		t.Errorf("unknown state = %d, want 400", code)
	}
	if code, _ := do(t, h, http.MethodPost, "/transition", `{bad json`); code != http.StatusBadRequest {
		t.Errorf("bad JSON = %d, want 400", code)
	}
}

func TestFormLifecycle(t *testing.T) {
	_, h := newTestServer(t)
	mustSchema(t, h)
	transition(t, h, models.StateFormActive, models.TriggerConfirmForm)

	// budget is hidden until has_budget is true
	code, env := do(t, h, http.MethodGet, "/form/visible", "")
	if code != http.StatusOK || strings.Contains(string(env.Result), `"budget"`) {
		t.Fatalf("GET /form/visible = %d %s", code, env.Result)
	}

	code, env = do(t, h, http.MethodPatch, "/form/data/has_budget", `{"value":"true"}`)
	if code != http.StatusOK {
		t.Fatalf("PATCH has_budget = %d %s", code, env.Message)
	}
	var upd fieldUpdateResponse
	if err := json.Unmarshal(env.Result, &upd); err != nil {
		t.Fatal(err)
	}
	if len(upd.Affected) != 1 || upd.Affected[0] != "budget" {
		t.Errorf("affected = %v", upd.Affected)
	}
	if !upd.Value.Equal(models.Bool(true)) {
		t.Errorf("value not coerced: %+v", upd.Value)
	}

	// region and budget are required
	code, env = do(t, h, http.MethodPost, "/form/submit", `{"researchDepth":"deep"}`)
	if code != http.StatusUnprocessableEntity || env.Status != "invalid" {
		t.Fatalf("submit incomplete form = %d %+v", code, env)
	}
	var fieldErrs map[string]string
	if err := json.Unmarshal(env.Result, &fieldErrs); err != nil {
		t.Fatal(err)
	}
	if _, ok := fieldErrs["region"]; !ok {
		t.Errorf("missing region error: %v", fieldErrs)
	}
	if _, ok := fieldErrs["budget"]; !ok {
		t.Errorf("missing budget error: %v", fieldErrs)
	}

	do(t, h, http.MethodPatch, "/form/data/region", `{"value":"Nordics"}`)
	do(t, h, http.MethodPatch, "/form/data/budget", `{"value":"12000"}`)
	code, env = do(t, h, http.MethodPost, "/form/submit", `{"researchDepth":"deep"}`)
	if code != http.StatusOK {
		t.Fatalf("submit = %d %+v", code, env)
	}
	v := viewOf(t, env)
	if v.State != models.StateResearching {
		t.Errorf("state = %s, want RESEARCHING", v.State)
	}
	if got := v.FormData.Get(models.ResearchDepthKey); !got.Equal(models.String("deep")) {
		t.Errorf("research depth = %+v", got)
	}

	stream := strings.Join([]string{
		`{"type":"progress","percent":40,"status":"searching"}`,
		`{"type":"text","content":"{\"title\":\"Heat pumps in the Nordics\",\"summary\":\"Efficient.\"}"}`,
		`{"type":"done"}`,
	}, "\n")
	code, env = do(t, h, http.MethodPost, "/research/stream", stream)
	if code != http.StatusOK {
		t.Fatalf("POST /research/stream = %d %s", code, env.Message)
	}
	v = viewOf(t, env)
	if v.State != models.StatePresenting || v.ResearchResults == nil || v.ResearchResults.Title != "Heat pumps in the Nordics" {
		t.Errorf("view after stream = %+v", v)
	}
}

func TestStepEndpoints(t *testing.T) {
	_, h := newTestServer(t, WithPageSize(1))
	mustSchema(t, h)

	code, env := do(t, h, http.MethodGet, "/form/steps/99", "")
	if code != http.StatusOK {
		t.Fatalf("GET step = %d", code)
	}
	var step stepResponse
	if err := json.Unmarshal(env.Result, &step); err != nil {
		t.Fatal(err)
	}
	if step.PageCount != 2 || step.Step != 1 || len(step.Fields) != 1 {
		t.Errorf("step = %+v, want clamped to last of 2 pages", step)
	}

	if code, _ := do(t, h, http.MethodPost, "/form/steps/0/validate", ""); code != http.StatusUnprocessableEntity {
		t.Errorf("validate step 0 = %d, want 422 for empty region", code)
	}
	if code, _ := do(t, h, http.MethodPost, "/form/steps/1/validate", ""); code != http.StatusOK {
		t.Errorf("validate step 1 = %d, want 200", code)
	}
	if code, _ := do(t, h, http.MethodGet, "/form/steps/abc", ""); code != http.StatusBadRequest {
		t.Errorf("bad step = %d, want 400", code)
	}
}

func TestFormEndpointsWithoutSchema(t *testing.T) {
	_, h := newTestServer(t)
	for _, path := range []string{"/form/visible", "/form/steps/0"} {
		if code, _ := do(t, h, http.MethodGet, path, ""); code != http.StatusConflict {
			t.Errorf("GET %s = %d, want 409", path, code)
		}
	}
	if code, _ := do(t, h, http.MethodPatch, "/form/data/x", `{"value":1}`); code != http.StatusConflict {
		t.Errorf("PATCH without schema = %d, want 409", code)
	}
	if code, _ := do(t, h, http.MethodPut, "/form/schema", `{"text":"no payload here"}`); code != http.StatusBadRequest {
		t.Errorf("schema without payload = %d, want 400", code)
	}
}

func TestAddField(t *testing.T) {
	_, h := newTestServer(t)
	code, env := do(t, h, http.MethodPost, "/form/fields", `{"id":"goal","type":"text","label":"Goal","defaultValue":"learn"}`)
	if code != http.StatusCreated {
		t.Fatalf("POST /form/fields = %d %s", code, env.Message)
	}
	var schema models.FormSchema
	if err := json.Unmarshal(env.Result, &schema); err != nil {
		t.Fatal(err)
	}
	if len(schema.Fields) != 1 || schema.Fields[0].Order != 0 {
		t.Errorf("schema = %+v", schema)
	}
	if code, _ := do(t, h, http.MethodPost, "/form/fields", `{"id":"goal","type":"text"}`); code != http.StatusBadRequest {
		t.Errorf("duplicate field = %d, want 400", code)
	}
}

func TestChatGeneratesForm(t *testing.T) {
	fake := &fakeInterviewer{reply: "Here is your form.\n" + schemaPayload}
	_, h := newTestServer(t, WithInterviewer(fake))

	code, env := do(t, h, http.MethodPost, "/chat", `{"message":"I want to research heat pumps"}`)
	if code != http.StatusOK {
		t.Fatalf("POST /chat = %d %s", code, env.Message)
	}
	var resp chatResponse
	if err := json.Unmarshal(env.Result, &resp); err != nil {
		t.Fatal(err)
	}
	if !resp.FormGenerated || resp.Reply.Content != "Here is your form." {
		t.Errorf("chat response = %+v", resp)
	}
	_, env = do(t, h, http.MethodGet, "/state", "")
	v := viewOf(t, env)
	if v.FormSchema == nil || len(v.FormSchema.Fields) != 3 {
		t.Fatalf("schema not loaded: %+v", v.FormSchema)
	}
	if len(v.ChatMessages) != 2 || v.SessionTitle != "I want to research heat pumps" {
		t.Errorf("chat = %d messages, title %q", len(v.ChatMessages), v.SessionTitle)
	}
	if resp.State != models.StateFormPreview || v.State != models.StateFormPreview {
		t.Errorf("state = %s (view %s), want FORM_PREVIEW", resp.State, v.State)
	}
}

func TestChatGeneratesFormFromPresenting(t *testing.T) {
	fake := &fakeInterviewer{reply: schemaPayload}
	s, h := newTestServer(t, WithInterviewer(fake))
	mustSchema(t, h)
	transition(t, h, models.StateFormActive, models.TriggerConfirmForm)
	transition(t, h, models.StateResearching, models.TriggerFormSubmitted)
	if err := s.machine.CompleteResearch(models.ResearchResults{Title: "done"}); err != nil {
		t.Fatal(err)
	}

	code, env := do(t, h, http.MethodPost, "/chat", `{"message":"now look at costs"}`)
	if code != http.StatusOK {
		t.Fatalf("POST /chat = %d %s", code, env.Message)
	}
	var resp chatResponse
	if err := json.Unmarshal(env.Result, &resp); err != nil {
		t.Fatal(err)
	}
	if !resp.FormGenerated || resp.State != models.StateFormPreview {
		t.Errorf("chat response = %+v, want FORM_PREVIEW", resp)
	}
}

func TestFormReadOnlyWhileResearching(t *testing.T) {
	_, h := newTestServer(t)
	mustSchema(t, h)
	transition(t, h, models.StateFormActive, models.TriggerConfirmForm)
	transition(t, h, models.StateResearching, models.TriggerFormSubmitted)

	if code, _ := do(t, h, http.MethodPatch, "/form/data/region", `{"value":"EU"}`); code != http.StatusConflict {
		t.Errorf("PATCH while researching = %d, want 409", code)
	}
	if code, _ := do(t, h, http.MethodPut, "/form/data", `{"data":{"region":"EU"}}`); code != http.StatusConflict {
		t.Errorf("PUT /form/data while researching = %d, want 409", code)
	}
	body, _ := json.Marshal(map[string]json.RawMessage{"payload": json.RawMessage(schemaPayload)})
	if code, _ := do(t, h, http.MethodPut, "/form/schema", string(body)); code != http.StatusConflict {
		t.Errorf("PUT /form/schema while researching = %d, want 409", code)
	}
}

func TestChatBackendFailure(t *testing.T) {
	fake := &fakeInterviewer{err: errors.New("rate limited")}
	_, h := newTestServer(t, WithInterviewer(fake))
	code, _ := do(t, h, http.MethodPost, "/chat", `{"message":"hi"}`)
	if code != http.StatusBadGateway {
		t.Fatalf("POST /chat = %d, want 502", code)
	}
	_, env := do(t, h, http.MethodGet, "/state", "")
	v := viewOf(t, env)
	if v.Error == nil || v.Error.Code != models.ErrorCodeChatFailed || !v.Error.Recoverable {
		t.Errorf("error = %+v", v.Error)
	}
	if len(v.ChatMessages) != 1 {
		t.Errorf("user message not kept: %d", len(v.ChatMessages))
	}

	if code, _ := do(t, h, http.MethodDelete, "/error", ""); code != http.StatusOK {
		t.Errorf("DELETE /error = %d", code)
	}
}

func TestChatWithoutBackend(t *testing.T) {
	_, h := newTestServer(t)
	if code, _ := do(t, h, http.MethodPost, "/chat", `{"message":"hi"}`); code != http.StatusServiceUnavailable {
		t.Errorf("POST /chat = %d, want 503", code)
	}
}

func TestMessages(t *testing.T) {
	_, h := newTestServer(t)
	if code, _ := do(t, h, http.MethodPost, "/messages", `{"role":"assistant","content":"Welcome"}`); code != http.StatusCreated {
		t.Errorf("POST /messages = %d", code)
	}
	if code, _ := do(t, h, http.MethodPost, "/messages", `{"role":"robot","content":"x"}`); code != http.StatusBadRequest {
		t.Errorf("bad role = %d, want 400", code)
	}
}

func TestResearchCancelAndLateResults(t *testing.T) {
	s, h := newTestServer(t)
	mustSchema(t, h)
	transition(t, h, models.StateFormActive, models.TriggerConfirmForm)
	transition(t, h, models.StateResearching, models.TriggerFormSubmitted)
	run, ok := s.machine.ActiveResearchRun()
	if !ok || run == "" {
		t.Fatal("no research run after submit")
	}

	code, env := do(t, h, http.MethodPost, "/research/progress", `{"run_id":"`+run+`","percent":30,"status":"reading"}`)
	if code != http.StatusOK || !strings.Contains(string(env.Result), `"accepted":true`) {
		t.Fatalf("progress = %d %s", code, env.Result)
	}
	if code, _ := do(t, h, http.MethodPost, "/research/progress", `{"percent":30}`); code != http.StatusBadRequest {
		t.Errorf("progress without run_id = %d, want 400", code)
	}
	if code, _ := do(t, h, http.MethodPost, "/research/cancel", ""); code != http.StatusOK {
		t.Fatalf("cancel = %d", code)
	}
	if s.machine.State() != models.StateFormActive {
		t.Fatalf("state = %s after cancel", s.machine.State())
	}

	code, env = do(t, h, http.MethodPost, "/research/progress", `{"run_id":"`+run+`","percent":90,"status":"late"}`)
	if code != http.StatusOK || !strings.Contains(string(env.Result), `"accepted":false`) {
		t.Errorf("late progress = %d %s", code, env.Result)
	}
	if code, _ := do(t, h, http.MethodPost, "/research/results", `{"run_id":"`+run+`","text":"late results"}`); code != http.StatusConflict {
		t.Errorf("late results = %d, want 409", code)
	}
	v := s.machine.View()
	if v.ResearchResults != nil {
		t.Error("late results stored")
	}
	if v.Error != nil {
		t.Errorf("late results recorded an error: %+v", v.Error)
	}
}

func TestResultsFromCancelledRunIgnoredByNextRun(t *testing.T) {
	s, h := newTestServer(t)
	mustSchema(t, h)
	transition(t, h, models.StateFormActive, models.TriggerConfirmForm)
	transition(t, h, models.StateResearching, models.TriggerFormSubmitted)
	oldRun, _ := s.machine.ActiveResearchRun()
	if code, _ := do(t, h, http.MethodPost, "/research/cancel", ""); code != http.StatusOK {
		t.Fatalf("cancel = %d", code)
	}
	transition(t, h, models.StateResearching, models.TriggerFormSubmitted)
	newRun, _ := s.machine.ActiveResearchRun()
	if newRun == oldRun {
		t.Fatalf("run id reused: %s", newRun)
	}

	code, env := do(t, h, http.MethodPost, "/research/progress", `{"run_id":"`+oldRun+`","percent":80,"status":"old"}`)
	if code != http.StatusOK || !strings.Contains(string(env.Result), `"accepted":false`) {
		t.Errorf("stale progress = %d %s", code, env.Result)
	}
	if code, _ := do(t, h, http.MethodPost, "/research/results", `{"run_id":"`+oldRun+`","text":"old results"}`); code != http.StatusConflict {
		t.Errorf("stale results = %d, want 409", code)
	}
	if s.machine.State() != models.StateResearching || s.machine.View().ResearchResults != nil {
		t.Errorf("stale results accepted: state %s", s.machine.State())
	}

	code, env = do(t, h, http.MethodPost, "/research/results", `{"run_id":"`+newRun+`","text":"{\"title\":\"Fresh\",\"summary\":\"ok\"}"}`)
	if code != http.StatusOK {
		t.Fatalf("current results = %d %s", code, env.Message)
	}
	if v := viewOf(t, env); v.State != models.StatePresenting || v.ResearchResults == nil || v.ResearchResults.Title != "Fresh" {
		t.Errorf("view = %+v", v)
	}
}

func TestResearchStreamAgentError(t *testing.T) {
	s, h := newTestServer(t)
	mustSchema(t, h)
	transition(t, h, models.StateFormActive, models.TriggerConfirmForm)
	transition(t, h, models.StateResearching, models.TriggerFormSubmitted)

	code, _ := do(t, h, http.MethodPost, "/research/stream", `{"type":"error","message":"quota"}`)
	if code != http.StatusBadGateway {
		t.Fatalf("stream = %d, want 502", code)
	}
	if e := s.machine.Error(); e == nil || e.Code != models.ErrorCodeResearchFailed {
		t.Errorf("error = %+v", e)
	}
	if s.machine.State() != models.StateResearching {
		t.Errorf("state = %s", s.machine.State())
	}
}

func TestResearchStreamOutsideResearching(t *testing.T) {
	_, h := newTestServer(t)
	if code, _ := do(t, h, http.MethodPost, "/research/stream", `{"type":"done"}`); code != http.StatusConflict {
		t.Errorf("stream = %d, want 409", code)
	}
}

func TestSessions(t *testing.T) {
	s, h := newTestServer(t)
	first := s.machine.CurrentSessionID()

	code, env := do(t, h, http.MethodPost, "/sessions", "")
	if code != http.StatusCreated {
		t.Fatalf("POST /sessions = %d %s", code, env.Message)
	}
	var created models.ChatSession
	if err := json.Unmarshal(env.Result, &created); err != nil {
		t.Fatal(err)
	}
	if created.ID == first || created.Title != flow.DefaultSessionTitle {
		t.Errorf("created = %+v", created)
	}

	code, env = do(t, h, http.MethodGet, "/sessions", "")
	var list []flow.SessionSummary
	if err := json.Unmarshal(env.Result, &list); err != nil || code != http.StatusOK {
		t.Fatalf("GET /sessions = %d %v", code, err)
	}
	if len(list) != 2 {
		t.Errorf("sessions = %d, want 2", len(list))
	}

	if code, _ := do(t, h, http.MethodPost, "/sessions/"+first+"/switch", ""); code != http.StatusOK {
		t.Errorf("switch = %d", code)
	}
	if s.machine.CurrentSessionID() != first {
		t.Error("switch did not change the current session")
	}
	if code, _ := do(t, h, http.MethodPost, "/sessions/session_missing/switch", ""); code != http.StatusNotFound {
		t.Errorf("switch unknown = %d, want 404", code)
	}
	if code, _ := do(t, h, http.MethodDelete, "/sessions/"+created.ID, ""); code != http.StatusOK {
		t.Errorf("delete = %d", code)
	}
	if code, _ := do(t, h, http.MethodDelete, "/sessions/"+created.ID, ""); code != http.StatusNotFound {
		t.Errorf("delete twice = %d, want 404", code)
	}
	if code, _ := do(t, h, http.MethodPost, "/sessions", `{"title":"Named"}`); code != http.StatusCreated {
		t.Errorf("create named = %d", code)
	}
}

func TestResetEndpoint(t *testing.T) {
	_, h := newTestServer(t)
	mustSchema(t, h)
	code, env := do(t, h, http.MethodPost, "/reset", "")
	if code != http.StatusOK {
		t.Fatalf("reset = %d", code)
	}
	if v := viewOf(t, env); v.State != models.StateInterviewing || v.FormSchema != nil {
		t.Errorf("view after reset = %+v", v)
	}
	code, env = do(t, h, http.MethodGet, "/transitions", "")
	if code != http.StatusOK || !strings.Contains(string(env.Result), `"reset"`) {
		t.Errorf("transitions = %d %s", code, env.Result)
	}
}

func TestRequireReady(t *testing.T) {
	m := flow.NewMachine(flow.WithStateManager(flow.NewStoreBasedStateManager(store.NewInMemoryStore())))
	s := NewServer(m, WithReadyTimeout(10*time.Millisecond))
	h := s.Routes()

	if code, _ := do(t, h, http.MethodGet, "/state", ""); code != http.StatusServiceUnavailable {
		t.Errorf("GET /state before ready = %d, want 503", code)
	}
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("GET /healthz before ready = %d, want 503", rr.Code)
	}
}

func TestStateSurvivesRestart(t *testing.T) {
	st := store.NewInMemoryStore()
	first := testutil.NewPersistentMachine(t, st)
	h := NewServer(first).Routes()

	body := string(testutil.MustMarshalJSON(t, map[string]interface{}{"payload": testutil.SampleSchema()}))
	code, _ := testutil.DoJSON(t, h, http.MethodPut, "/form/schema", body)
	testutil.AssertHTTPStatus(t, http.StatusOK, code, "PUT /form/schema")
	testutil.DoJSON(t, h, http.MethodPatch, "/form/data/region", `{"value":"global"}`)
	if err := first.Close(context.Background()); err != nil {
		t.Fatal(err)
	}

	second := testutil.NewPersistentMachine(t, st)
	code, resp := testutil.DoJSON(t, NewServer(second).Routes(), http.MethodGet, "/state", "")
	testutil.AssertHTTPStatus(t, http.StatusOK, code, "GET /state")
	var v flow.View
	testutil.DecodeResult(t, resp, &v)
	if v.FormSchema == nil || v.FormSchema.ID != "form_sample" {
		t.Fatalf("schema not restored: %+v", v.FormSchema)
	}
	if !v.FormData.Get("region").Equal(models.String("global")) {
		t.Errorf("form data not restored: %+v", v.FormData)
	}
}

// failingLoadManager reads nothing and records every write.
type failingLoadManager struct {
	mu    sync.Mutex
	saves int
	reset bool
}

func (f *failingLoadManager) LoadSnapshot(context.Context) (*flow.Snapshot, error) {
	return nil, errors.New("connection refused")
}

func (f *failingLoadManager) SaveSnapshot(context.Context, flow.Snapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saves++
	return nil
}

func (f *failingLoadManager) ResetState(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reset = true
	return nil
}

func TestSuspendedPersistenceAndDiscard(t *testing.T) {
	sm := &failingLoadManager{}
	m := flow.NewMachine(flow.WithStateManager(sm))
	if err := m.Rehydrate(context.Background()); err == nil {
		t.Fatal("Rehydrate succeeded with a failing load")
	}
	h := NewServer(m).Routes()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if !strings.Contains(rr.Body.String(), `"degraded"`) {
		t.Errorf("GET /healthz = %s, want degraded", rr.Body.String())
	}
	do(t, h, http.MethodPost, "/messages", `{"role":"user","content":"hello"}`)

	if code, _ := do(t, h, http.MethodDelete, "/state/saved", ""); code != http.StatusOK {
		t.Fatalf("DELETE /state/saved = %d", code)
	}
	if err := m.Close(context.Background()); err != nil {
		t.Fatal(err)
	}
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if !sm.reset || sm.saves == 0 {
		t.Errorf("reset = %v saves = %d, want the record reset and then written", sm.reset, sm.saves)
	}
}
