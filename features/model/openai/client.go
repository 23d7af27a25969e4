// Package openai adapts the OpenAI chat completions API to the model.Client
// contract. Roles map one to one, so the translation is mostly mechanical.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	openai "github.com/sashabaranov/go-openai"

	"goa.design/mesh/faults"
	"goa.design/mesh/model"
)

type (
	// ChatClient is the narrow slice of the OpenAI SDK the adapter needs.
	// *openai.Client satisfies it.
	ChatClient interface {
		CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
	}

	// Options tunes the adapter.
	Options struct {
		// DefaultModel is used when the request does not name a model.
		DefaultModel string
	}

	// Client implements model.Client on the OpenAI chat completions API.
	Client struct {
		chat         ChatClient
		defaultModel string
	}
)

var _ model.Client = (*Client)(nil)

// New wraps an existing chat client.
func New(chat ChatClient, opts Options) (*Client, error) {
	if chat == nil {
		return nil, faults.New(faults.KindInvalidConfiguration, "openai adapter requires a chat client")
	}
	return &Client{chat: chat, defaultModel: opts.DefaultModel}, nil
}

// NewFromAPIKey builds the SDK client from an API key and wraps it.
func NewFromAPIKey(apiKey string, opts Options) (*Client, error) {
	if apiKey == "" {
		return nil, faults.New(faults.KindInvalidConfiguration, "openai adapter requires an API key")
	}
	return New(openai.NewClient(apiKey), opts)
}

// Complete runs one completion round.
func (c *Client) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	if req == nil {
		return nil, faults.New(faults.KindInvalidConfiguration, "openai adapter requires a request")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.defaultModel
	}
	if modelID == "" {
		return nil, faults.New(faults.KindInvalidConfiguration, "openai adapter requires a model identifier")
	}

	creq := openai.ChatCompletionRequest{
		Model:     modelID,
		MaxTokens: req.MaxTokens,
	}
	if req.Temperature != nil {
		creq.Temperature = float32(*req.Temperature)
	}
	for _, msg := range req.Messages {
		creq.Messages = append(creq.Messages, openai.ChatCompletionMessage{
			Role:    translateRole(msg.Role),
			Content: msg.Content,
		})
	}

	resp, err := c.chat.CreateChatCompletion(ctx, creq)
	if err != nil {
		if isRateLimited(err) {
			err = fmt.Errorf("%w: %w", model.ErrRateLimited, err)
		}
		return nil, faults.Wrap(faults.KindSubstrateTransient, err, "openai completion")
	}
	if len(resp.Choices) == 0 {
		return nil, faults.New(faults.KindSubstratePermanent, "openai returned no choices")
	}
	choice := resp.Choices[0]
	return &model.Response{
		Content:      choice.Message.Content,
		FinishReason: string(choice.FinishReason),
		Usage: model.TokenUsage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
	}, nil
}

func isRateLimited(err error) bool {
	var apierr *openai.APIError
	return errors.As(err, &apierr) && apierr.HTTPStatusCode == http.StatusTooManyRequests
}

func translateRole(role string) string {
	switch role {
	case model.RoleSystem:
		return openai.ChatMessageRoleSystem
	case model.RoleAssistant:
		return openai.ChatMessageRoleAssistant
	case model.RoleTool:
		return openai.ChatMessageRoleTool
	default:
		return openai.ChatMessageRoleUser
	}
}
