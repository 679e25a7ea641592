package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/BTreeMap/ResearchPipe/internal/flow"
	"github.com/BTreeMap/ResearchPipe/internal/form"
	"github.com/BTreeMap/ResearchPipe/internal/models"
	"github.com/go-chi/chi/v5"
)

// stepResponse describes one page of the active form.
type stepResponse struct {
	Step       int                `json:"step"`
	PageCount  int                `json:"page_count"`
	Fields     []models.FormField `json:"fields"`
	CanAdvance bool               `json:"can_advance"`
}

// fieldUpdateResponse lists the fields to recompute after an edit.
type fieldUpdateResponse struct {
	FieldID  string       `json:"field_id"`
	Value    models.Value `json:"value"`
	Affected []string     `json:"affected"`
	Visible  []string     `json:"visible"`
}

func (s *Server) setSchemaHandler(w http.ResponseWriter, r *http.Request) {
	var req models.SchemaRequest
	if !decodeRequest(w, r, &req) {
		return
	}

	var (
		schema *models.FormSchema
		err    error
	)
	switch {
	case len(req.Payload) > 0:
		schema, err = form.ParseFormSchema(req.Payload)
	case req.Text != "":
		schema, err = form.ParseGenerateFormPayload(req.Text)
	default:
		writeJSONResponse(w, http.StatusBadRequest, models.Error("payload or text is required"))
		return
	}
	if err != nil {
		slog.Warn("Server.setSchemaHandler: schema rejected", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	if err := s.machine.PreviewFormSchema(schema); err != nil {
		writeJSONResponse(w, statusForError(err), models.Error(err.Error()))
		return
	}

	resp := map[string]interface{}{
		"schema":    s.machine.FormSchema(),
		"form_data": s.machine.FormData(),
		"state":     s.machine.State(),
	}
	if ierr := form.CheckSchema(schema); ierr != nil {
		var integrity *form.IntegrityError
		if errors.As(ierr, &integrity) {
			resp["problems"] = integrity.Problems
		}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(resp))
}

func (s *Server) addFieldHandler(w http.ResponseWriter, r *http.Request) {
	var field models.FormField
	if !decodeRequest(w, r, &field) {
		return
	}
	schema, err := s.machine.AddFormField(field)
	if err != nil {
		status := statusForError(err)
		if errors.Is(err, flow.ErrInvalidField) {
			status = http.StatusBadRequest
		}
		writeJSONResponse(w, status, models.Error(err.Error()))
		return
	}
	writeJSONResponse(w, http.StatusCreated, models.Success(schema))
}

func (s *Server) setFormDataHandler(w http.ResponseWriter, r *http.Request) {
	var req models.FormDataRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	if err := s.machine.SetFormData(req.Data); err != nil {
		writeJSONResponse(w, statusForError(err), models.Error(err.Error()))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(s.machine.FormData()))
}

func (s *Server) setFieldValueHandler(w http.ResponseWriter, r *http.Request) {
	fieldID := chi.URLParam(r, "fieldID")
	var req models.FieldValueRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	affected, err := s.machine.SetFieldValue(fieldID, req.Value)
	if err != nil {
		writeJSONResponse(w, statusForError(err), models.Error(err.Error()))
		return
	}
	if affected == nil {
		affected = []string{}
	}

	data := s.machine.FormData()
	visible := form.GetVisibleFields(s.machine.FormSchema(), data)
	ids := make([]string, 0, len(visible))
	for _, f := range visible {
		ids = append(ids, f.ID)
	}
	writeJSONResponse(w, http.StatusOK, models.Success(fieldUpdateResponse{
		FieldID:  fieldID,
		Value:    data.Get(fieldID),
		Affected: affected,
		Visible:  ids,
	}))
}

func (s *Server) visibleFieldsHandler(w http.ResponseWriter, r *http.Request) {
	schema := s.machine.FormSchema()
	if schema == nil {
		writeJSONResponse(w, http.StatusConflict, models.Error(flow.ErrNoFormSchema.Error()))
		return
	}
	fields := form.GetVisibleFields(schema, s.machine.FormData())
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]interface{}{
		"fields":     fields,
		"page_count": form.PageCount(len(fields), s.pageSize),
	}))
}

// stepParam parses the {step} URL parameter. On failure the response has been written.
func stepParam(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := chi.URLParam(r, "step")
	step, err := strconv.Atoi(raw)
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("invalid step: "+raw))
		return 0, false
	}
	return step, true
}

func (s *Server) stepHandler(w http.ResponseWriter, r *http.Request) {
	step, ok := stepParam(w, r)
	if !ok {
		return
	}
	schema := s.machine.FormSchema()
	if schema == nil {
		writeJSONResponse(w, http.StatusConflict, models.Error(flow.ErrNoFormSchema.Error()))
		return
	}
	data := s.machine.FormData()
	fields, step := form.StepFields(schema, data, step, s.pageSize)
	writeJSONResponse(w, http.StatusOK, models.Success(stepResponse{
		Step:       step,
		PageCount:  form.PageCount(len(form.GetVisibleFields(schema, data)), s.pageSize),
		Fields:     fields,
		CanAdvance: form.CanAdvance(fields, data),
	}))
}

func (s *Server) validateStepHandler(w http.ResponseWriter, r *http.Request) {
	step, ok := stepParam(w, r)
	if !ok {
		return
	}
	schema := s.machine.FormSchema()
	if schema == nil {
		writeJSONResponse(w, http.StatusConflict, models.Error(flow.ErrNoFormSchema.Error()))
		return
	}
	writeValidation(w, form.ValidateStep(schema, s.machine.FormData(), step, s.pageSize))
}

func (s *Server) validateFormHandler(w http.ResponseWriter, r *http.Request) {
	schema := s.machine.FormSchema()
	if schema == nil {
		writeJSONResponse(w, http.StatusConflict, models.Error(flow.ErrNoFormSchema.Error()))
		return
	}
	writeValidation(w, form.ValidateForm(schema, s.machine.FormData()))
}

func writeValidation(w http.ResponseWriter, errs map[string]string) {
	if len(errs) > 0 {
		writeJSONResponse(w, http.StatusUnprocessableEntity, models.Invalid("Form has invalid fields", errs))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]bool{"valid": true}))
}

// submitHandler merges the research depth, validates every visible field, and
// starts research.
func (s *Server) submitHandler(w http.ResponseWriter, r *http.Request) {
	var req models.SubmitRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	schema := s.machine.FormSchema()
	if schema == nil {
		writeJSONResponse(w, http.StatusConflict, models.Error(flow.ErrNoFormSchema.Error()))
		return
	}
	if state := s.machine.State(); state != models.StateFormActive {
		err := s.machine.Transition(models.StateResearching, models.TriggerFormSubmitted)
		writeJSONResponse(w, statusForError(err), models.Error(err.Error()))
		return
	}

	data := form.WithResearchDepth(s.machine.FormData(), req.ResearchDepth)
	if errs := form.ValidateForm(schema, data); len(errs) > 0 {
		slog.Info("Server.submitHandler: form invalid", "fields", len(errs))
		s.machine.SetError(models.ErrorState{Code: models.ErrorCodeFormInvalid, Message: "Form has invalid fields", Recoverable: true})
		writeJSONResponse(w, http.StatusUnprocessableEntity, models.Invalid("Form has invalid fields", errs))
		return
	}

	if err := s.machine.SetFormData(data); err != nil {
		writeJSONResponse(w, statusForError(err), models.Error(err.Error()))
		return
	}
	if err := s.machine.Transition(models.StateResearching, models.TriggerFormSubmitted); err != nil {
		writeJSONResponse(w, statusForError(err), models.Error(err.Error()))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(s.machine.View()))
}
