package api

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/BTreeMap/ResearchPipe/internal/form"
	"github.com/BTreeMap/ResearchPipe/internal/models"
)

// chatResponse is the result of one interview turn.
type chatResponse struct {
	Reply         models.ChatMessage `json:"reply"`
	FormGenerated bool               `json:"form_generated"`
	State         models.AppState    `json:"state"`
}

// chatHandler records the user's message, asks the interview backend for the
// next turn, and loads any generate_form payload in the reply as the form schema
// and opens its preview.
func (s *Server) chatHandler(w http.ResponseWriter, r *http.Request) {
	var req models.ChatRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	if _, err := s.machine.AddChatMessage(models.ChatRoleUser, req.Message); err != nil {
		writeJSONResponse(w, statusForError(err), models.Error(err.Error()))
		return
	}
	if s.interviewer == nil {
		s.machine.SetError(models.ErrorState{Code: models.ErrorCodeChatFailed, Message: "chat backend not configured", Recoverable: true})
		writeJSONResponse(w, http.StatusServiceUnavailable, models.Error("Chat backend not configured"))
		return
	}

	reply, err := s.interviewer.Respond(r.Context(), s.machine.ChatMessages())
	if err != nil {
		slog.Error("Server.chatHandler: interview backend failed", "error", err)
		s.machine.SetError(models.ErrorState{Code: models.ErrorCodeChatFailed, Message: err.Error(), Recoverable: true})
		writeJSONResponse(w, http.StatusBadGateway, models.Error("Chat backend failed"))
		return
	}

	content := reply
	generated := false
	schema, err := form.ParseGenerateFormPayload(reply)
	switch {
	case err == nil:
		if err := s.machine.PreviewFormSchema(schema); err != nil {
			writeJSONResponse(w, statusForError(err), models.Error(err.Error()))
			return
		}
		generated = true
		content = stripPayload(reply)
		if content == "" {
			content = fmt.Sprintf("I've prepared a research form: %s", schema.Title)
		}
		slog.Info("Server.chatHandler: form generated", "schema_id", schema.ID, "fields", len(schema.Fields))
	case !errors.Is(err, form.ErrPayloadNotFound):
		slog.Warn("Server.chatHandler: malformed generate_form payload, keeping reply as text", "error", err)
	}

	msg, err := s.machine.AddChatMessage(models.ChatRoleAssistant, content)
	if err != nil {
		writeJSONResponse(w, statusForError(err), models.Error(err.Error()))
		return
	}
	s.machine.ClearError()
	writeJSONResponse(w, http.StatusOK, models.Success(chatResponse{
		Reply:         msg,
		FormGenerated: generated,
		State:         s.machine.State(),
	}))
}

// stripPayload removes the generate_form object from a reply, leaving any prose.
func stripPayload(reply string) string {
	raw, ok := form.FindFormPayload(reply)
	if !ok {
		return strings.TrimSpace(reply)
	}
	return strings.TrimSpace(strings.Replace(strings.TrimSpace(reply), raw, "", 1))
}

func (s *Server) messageHandler(w http.ResponseWriter, r *http.Request) {
	var req models.MessageRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	msg, err := s.machine.AddChatMessage(req.Role, req.Content)
	if err != nil {
		writeJSONResponse(w, statusForError(err), models.Error(err.Error()))
		return
	}
	writeJSONResponse(w, http.StatusCreated, models.Success(msg))
}
