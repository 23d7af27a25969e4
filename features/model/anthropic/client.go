// Package anthropic adapts the Anthropic Messages API to the model.Client
// contract. System turns become the request's system prompt, user and
// assistant turns map to message blocks, and text blocks in the response are
// concatenated into the completion content.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"goa.design/mesh/faults"
	"goa.design/mesh/model"
)

// DefaultMaxTokens caps completions when the request does not set a limit.
const DefaultMaxTokens = 4096

type (
	// MessagesClient is the narrow slice of the Anthropic SDK the adapter
	// needs. *sdk.MessageService satisfies it.
	MessagesClient interface {
		New(ctx context.Context, params sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
	}

	// Options tunes the adapter.
	Options struct {
		// DefaultModel is used when the request does not name a model.
		DefaultModel string
		// MaxTokens overrides DefaultMaxTokens for requests without a cap.
		MaxTokens int
	}

	// Client implements model.Client on the Anthropic Messages API.
	Client struct {
		messages     MessagesClient
		defaultModel string
		maxTokens    int
	}
)

var _ model.Client = (*Client)(nil)

// New wraps an existing messages client.
func New(messages MessagesClient, opts Options) (*Client, error) {
	if messages == nil {
		return nil, faults.New(faults.KindInvalidConfiguration, "anthropic adapter requires a messages client")
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	return &Client{
		messages:     messages,
		defaultModel: opts.DefaultModel,
		maxTokens:    maxTokens,
	}, nil
}

// NewFromAPIKey builds the SDK client from an API key and wraps it.
func NewFromAPIKey(apiKey string, opts Options) (*Client, error) {
	if apiKey == "" {
		return nil, faults.New(faults.KindInvalidConfiguration, "anthropic adapter requires an API key")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&ac.Messages, opts)
}

// Complete runs one completion round.
func (c *Client) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	if req == nil {
		return nil, faults.New(faults.KindInvalidConfiguration, "anthropic adapter requires a request")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.defaultModel
	}
	if modelID == "" {
		return nil, faults.New(faults.KindInvalidConfiguration, "anthropic adapter requires a model identifier")
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}

	params := sdk.MessageNewParams{
		Model:     sdk.Model(modelID),
		MaxTokens: int64(maxTokens),
	}
	if req.Temperature != nil {
		params.Temperature = sdk.Float(*req.Temperature)
	}
	for _, msg := range req.Messages {
		switch msg.Role {
		case model.RoleSystem:
			params.System = append(params.System, sdk.TextBlockParam{Text: msg.Content})
		case model.RoleAssistant:
			params.Messages = append(params.Messages, sdk.NewAssistantMessage(sdk.NewTextBlock(msg.Content)))
		default:
			// User and tool turns both travel as user messages; the
			// Messages API has no separate tool role for plain text.
			params.Messages = append(params.Messages, sdk.NewUserMessage(sdk.NewTextBlock(msg.Content)))
		}
	}

	msg, err := c.messages.New(ctx, params)
	if err != nil {
		if isRateLimited(err) {
			err = fmt.Errorf("%w: %w", model.ErrRateLimited, err)
		}
		return nil, faults.Wrap(faults.KindSubstrateTransient, err, "anthropic completion")
	}
	return translateResponse(msg)
}

func isRateLimited(err error) bool {
	var apierr *sdk.Error
	return errors.As(err, &apierr) && apierr.StatusCode == http.StatusTooManyRequests
}

func translateResponse(msg *sdk.Message) (*model.Response, error) {
	if msg == nil {
		return nil, faults.New(faults.KindSubstratePermanent, "anthropic returned an empty response")
	}
	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type != "text" || block.Text == "" {
			continue
		}
		sb.WriteString(block.Text)
	}
	return &model.Response{
		Content:      sb.String(),
		FinishReason: string(msg.StopReason),
		Usage: model.TokenUsage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
	}, nil
}
