// Package genai provides the interview chat backend using the OpenAI API.
package genai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/BTreeMap/ResearchPipe/internal/models"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

const (
	// DefaultModel is used when no model is configured.
	DefaultModel = string(openai.ChatModelGPT4oMini)
	// DefaultTemperature keeps interview turns focused.
	DefaultTemperature = 0.3
	// DefaultMaxCompletionTokens bounds one reply, which may carry a form payload.
	DefaultMaxCompletionTokens = 4096
	// maxHistoryMessages limits how much chat history is sent per turn.
	maxHistoryMessages = 30
)

var (
	// ErrMissingAPIKey is returned when no API key is configured.
	ErrMissingAPIKey = errors.New("OPENAI_API_KEY not set")
	// ErrNoChoicesReturned is returned when the backend replies with no choices.
	ErrNoChoicesReturned = errors.New("no choices returned")
	// ErrEmptyHistory is returned when there is nothing to respond to.
	ErrEmptyHistory = errors.New("chat history is empty")
)

// InterviewerPrompt instructs the backend to interview the user and, once it
// knows enough, emit a generate_form payload.
const InterviewerPrompt = `You are a research assistant interviewing a user about what they want researched.
Ask one short question at a time. When you understand the topic, scope, and constraints,
reply with a single JSON object of the form
{"action":"generate_form","form":{"title":"...","researchTopic":"...","interviewContext":"...","fields":[...]}}
Each field has id, type (text, textarea, number, email, url, date, select, multiselect, radio, checkbox, boolean, priority),
label, required, optional options, optional showOnlyIf {"dependsOnField","condition","value"},
and optional prefilledFromInterview {"value","source"} for answers already given.`

// Interviewer produces the next assistant turn for a chat history.
type Interviewer interface {
	Respond(ctx context.Context, history []models.ChatMessage) (string, error)
}

var _ Interviewer = (*Client)(nil)

// chatService defines minimal interface for chat completions.
type chatService interface {
	Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error)
}

// completionsAdapter adapts the SDK completions service to chatService.
type completionsAdapter struct {
	svc *openai.ChatCompletionService
}

func (a completionsAdapter) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	resp, err := a.svc.New(ctx, params)
	if err != nil {
		return openai.ChatCompletion{}, err
	}
	return *resp, nil
}

// Opts holds configuration options for the Client.
type Opts struct {
	APIKey              string
	Model               string
	BaseURL             string
	Temperature         float64
	MaxCompletionTokens int64
	SystemPrompt        string
}

// Option defines a function that configures Opts.
type Option func(*Opts)

// WithAPIKey sets the API key. OPENAI_API_KEY is used when empty.
func WithAPIKey(key string) Option {
	return func(o *Opts) {
		o.APIKey = key
	}
}

// WithModel sets the chat model.
func WithModel(model string) Option {
	return func(o *Opts) {
		o.Model = model
	}
}

// WithBaseURL points the client at an OpenAI-compatible endpoint.
func WithBaseURL(url string) Option {
	return func(o *Opts) {
		o.BaseURL = url
	}
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) Option {
	return func(o *Opts) {
		o.Temperature = t
	}
}

// WithMaxCompletionTokens bounds the length of one reply.
func WithMaxCompletionTokens(n int64) Option {
	return func(o *Opts) {
		o.MaxCompletionTokens = n
	}
}

// WithSystemPrompt replaces InterviewerPrompt.
func WithSystemPrompt(prompt string) Option {
	return func(o *Opts) {
		o.SystemPrompt = prompt
	}
}

// Client wraps the OpenAI chat completion service for interview turns.
type Client struct {
	chat                chatService
	model               string
	temperature         float64
	maxCompletionTokens int64
	systemPrompt        string
}

// NewClient initializes a new GenAI client.
func NewClient(opts ...Option) (*Client, error) {
	cfg := Opts{
		Model:               DefaultModel,
		Temperature:         DefaultTemperature,
		MaxCompletionTokens: DefaultMaxCompletionTokens,
		SystemPrompt:        InterviewerPrompt,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.APIKey == "" {
		return nil, ErrMissingAPIKey
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.BaseURL))
	}
	cli := openai.NewClient(reqOpts...)
	slog.Debug("genai.NewClient: client created", "model", cfg.Model, "base_url", cfg.BaseURL)
	return newClient(completionsAdapter{svc: &cli.Chat.Completions}, cfg), nil
}

func newClient(chat chatService, cfg Opts) *Client {
	return &Client{
		chat:                chat,
		model:               cfg.Model,
		temperature:         cfg.Temperature,
		maxCompletionTokens: cfg.MaxCompletionTokens,
		systemPrompt:        cfg.SystemPrompt,
	}
}

// Respond generates the next assistant message for the interview.
func (c *Client) Respond(ctx context.Context, history []models.ChatMessage) (string, error) {
	messages := BuildMessages(c.systemPrompt, history)
	if len(messages) <= 1 {
		return "", ErrEmptyHistory
	}
	return c.GenerateWithMessages(ctx, messages)
}

// GenerateWithMessages sends a prepared message list and returns the first choice.
func (c *Client) GenerateWithMessages(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion) (string, error) {
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(c.model),
		Messages: messages,
	}
	if c.temperature > 0 {
		params.Temperature = openai.Float(c.temperature)
	}
	if c.maxCompletionTokens > 0 {
		params.MaxCompletionTokens = openai.Int(c.maxCompletionTokens)
	}

	resp, err := c.chat.Create(ctx, params)
	if err != nil {
		slog.Error("genai.GenerateWithMessages: completion failed", "error", err, "model", c.model)
		return "", fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrNoChoicesReturned
	}
	content := resp.Choices[0].Message.Content
	slog.Debug("genai.GenerateWithMessages: completion received", "model", c.model, "length", len(content))
	return content, nil
}

// BuildMessages converts chat history into completion messages behind a system
// prompt. Only the most recent messages are kept; blank messages are skipped.
func BuildMessages(systemPrompt string, history []models.ChatMessage) []openai.ChatCompletionMessageParamUnion {
	if len(history) > maxHistoryMessages {
		history = history[len(history)-maxHistoryMessages:]
	}
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(history)+1)
	messages = append(messages, openai.SystemMessage(systemPrompt))
	for _, msg := range history {
		if strings.TrimSpace(msg.Content) == "" {
			continue
		}
		switch msg.Role {
		case models.ChatRoleUser:
			messages = append(messages, openai.UserMessage(msg.Content))
		case models.ChatRoleAssistant:
			messages = append(messages, openai.AssistantMessage(msg.Content))
		case models.ChatRoleSystem:
			messages = append(messages, openai.SystemMessage(msg.Content))
		}
	}
	return messages
}
