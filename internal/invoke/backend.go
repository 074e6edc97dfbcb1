package invoke

import (
	"context"
	"errors"

	"github.com/sells-group/llm-factory/internal/model"
	"github.com/sells-group/llm-factory/internal/resilience"
	"github.com/sells-group/llm-factory/pkg/anthropic"
	"github.com/sells-group/llm-factory/pkg/openai"
)

// Request is one provider-neutral completion request.
type Request struct {
	Model       string
	System      string
	User        string
	Temperature float64
	TopP        float64
	MaxTokens   int64
}

// Completion is a provider reply.
type Completion struct {
	Text  string
	Model string
	Usage model.Usage
}

// Backend sends one request to a remote text service. Errors should carry a
// *resilience.KindError when the provider reports a status.
type Backend interface {
	Name() string
	Complete(ctx context.Context, req Request) (*Completion, error)
}

// classifyStatus tags err with the failure kind of an HTTP status.
func classifyStatus(err error, status int) error {
	if status == 0 {
		return err
	}
	return resilience.NewKindError(resilience.ClassifyHTTPStatus(status), status, err)
}

// OpenAIBackend calls the chat completions API.
type OpenAIBackend struct {
	client openai.Client
}

// NewOpenAIBackend wraps an openai client.
func NewOpenAIBackend(client openai.Client) *OpenAIBackend {
	return &OpenAIBackend{client: client}
}

// Name implements Backend.
func (b *OpenAIBackend) Name() string { return "openai" }

// Complete implements Backend.
func (b *OpenAIBackend) Complete(ctx context.Context, req Request) (*Completion, error) {
	temp, topP := req.Temperature, req.TopP
	resp, err := b.client.CreateChatCompletion(ctx, openai.ChatRequest{
		Model:       req.Model,
		System:      req.System,
		User:        req.User,
		Temperature: &temp,
		TopP:        &topP,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		if errors.Is(err, openai.ErrNoChoices) {
			return nil, resilience.NewKindError(model.FailureMalformedResponse, 0, err)
		}
		return nil, classifyStatus(err, openai.StatusCode(err))
	}
	return &Completion{
		Text:  resp.Content,
		Model: resp.Model,
		Usage: model.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
	}, nil
}

// AnthropicBackend calls the Anthropic messages API.
type AnthropicBackend struct {
	client anthropic.Client
}

// NewAnthropicBackend wraps an anthropic client.
func NewAnthropicBackend(client anthropic.Client) *AnthropicBackend {
	return &AnthropicBackend{client: client}
}

// Name implements Backend.
func (b *AnthropicBackend) Name() string { return "anthropic" }

// Complete implements Backend.
func (b *AnthropicBackend) Complete(ctx context.Context, req Request) (*Completion, error) {
	temp, topP := req.Temperature, req.TopP
	resp, err := b.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		System:      req.System,
		Messages:    []anthropic.Message{{Role: "user", Content: req.User}},
		Temperature: &temp,
		TopP:        &topP,
	})
	if err != nil {
		return nil, classifyStatus(err, anthropic.StatusCode(err))
	}
	return &Completion{
		Text:  resp.Text(),
		Model: resp.Model,
		Usage: model.Usage{
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
		},
	}, nil
}
