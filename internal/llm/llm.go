// Package llm is the chat-completion collaborator used by the run pipelines
// and the learner.
package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Params tunes a single completion. A zero MaxTokens leaves the limit to the
// provider.
type Params struct {
	Model       string
	Temperature float32
	MaxTokens   int
	JSONMode    bool
}

// Completion is the model's reply.
type Completion struct {
	Model        string
	Content      string
	FinishReason string
	PromptTokens int
	OutputTokens int
	Latency      time.Duration
}

// Client produces chat completions.
type Client interface {
	Complete(ctx context.Context, messages []Message, params Params) (Completion, error)
}

// ErrEmptyCompletion is returned when the provider answers without choices.
var ErrEmptyCompletion = errors.New("llm: provider returned no choices")

// OpenAIClient talks to the OpenAI chat API or any compatible endpoint.
type OpenAIClient struct {
	client *openai.Client
	model  string
	logger *slog.Logger
}

// OpenAIConfig configures an OpenAIClient.
type OpenAIConfig struct {
	APIKey  string
	BaseURL string // Empty for the public API.
	Model   string
	Timeout time.Duration
}

// NewOpenAIClient creates an OpenAIClient.
func NewOpenAIClient(cfg OpenAIConfig, logger *slog.Logger) (*OpenAIClient, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("llm: api key is required")
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	oc.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	return &OpenAIClient{
		client: openai.NewClientWithConfig(oc),
		model:  cfg.Model,
		logger: logger,
	}, nil
}

// Complete sends messages and returns the first choice.
func (c *OpenAIClient) Complete(ctx context.Context, messages []Message, params Params) (Completion, error) {
	model := params.Model
	if model == "" {
		model = c.model
	}
	req := openai.ChatCompletionRequest{
		Model:       model,
		Messages:    make([]openai.ChatCompletionMessage, len(messages)),
		Temperature: params.Temperature,
	}
	for i, m := range messages {
		req.Messages[i] = openai.ChatCompletionMessage{Role: m.Role, Content: m.Content}
	}
	if params.MaxTokens > 0 {
		req.MaxCompletionTokens = params.MaxTokens
	}
	if params.JSONMode {
		req.ResponseFormat = &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject}
	}

	start := time.Now()
	resp, err := c.client.CreateChatCompletion(ctx, req)
	latency := time.Since(start)
	if err != nil {
		c.logger.Warn("llm: completion failed", "model", model, "error", err)
		return Completion{}, fmt.Errorf("llm: openai: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Completion{}, ErrEmptyCompletion
	}
	c.logger.Debug("llm: completion", "model", resp.Model,
		"finish_reason", resp.Choices[0].FinishReason, "latency_ms", latency.Milliseconds())

	return Completion{
		Model:        resp.Model,
		Content:      resp.Choices[0].Message.Content,
		FinishReason: string(resp.Choices[0].FinishReason),
		PromptTokens: resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
		Latency:      latency,
	}, nil
}

// ExtractJSONObject returns the text between the first '{' and the last '}'.
// Models often wrap JSON in prose or code fences.
func ExtractJSONObject(text string) (string, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return "", errors.New("llm: no JSON object in completion")
	}
	return text[start : end+1], nil
}

// Render substitutes {{name}} placeholders in tmpl. Unknown placeholders are
// left untouched.
func Render(tmpl string, vars map[string]string) string {
	if len(vars) == 0 {
		return tmpl
	}
	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, "{{"+k+"}}", v)
	}
	return strings.NewReplacer(pairs...).Replace(tmpl)
}
