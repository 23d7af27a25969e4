package openai

import (
	"context"
	"errors"
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/require"

	"goa.design/mesh/faults"
	"goa.design/mesh/model"
)

type fakeChat struct {
	req  openai.ChatCompletionRequest
	resp openai.ChatCompletionResponse
	err  error
}

func (f *fakeChat) CreateChatCompletion(_ context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	f.req = req
	return f.resp, f.err
}

func okResponse(content string) openai.ChatCompletionResponse {
	return openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{{
			Message:      openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: content},
			FinishReason: openai.FinishReasonStop,
		}},
		Usage: openai.Usage{PromptTokens: 9, CompletionTokens: 4},
	}
}

func TestNewRequiresChatClient(t *testing.T) {
	_, err := New(nil, Options{})
	require.Error(t, err)
	require.Equal(t, faults.KindInvalidConfiguration, faults.KindOf(err))
}

func TestCompleteMapsRequest(t *testing.T) {
	fake := &fakeChat{resp: okResponse("hello")}
	c, err := New(fake, Options{DefaultModel: "gpt-4o"})
	require.NoError(t, err)

	temp := 0.5
	resp, err := c.Complete(context.Background(), &model.Request{
		Messages: []model.Message{
			{Role: model.RoleSystem, Content: "be terse"},
			{Role: model.RoleUser, Content: "hi"},
			{Role: model.RoleAssistant, Content: "hello"},
			{Role: model.RoleTool, Content: "result"},
		},
		MaxTokens:   128,
		Temperature: &temp,
	})
	require.NoError(t, err)

	require.Equal(t, "gpt-4o", fake.req.Model)
	require.Equal(t, 128, fake.req.MaxTokens)
	require.Equal(t, float32(0.5), fake.req.Temperature)
	require.Len(t, fake.req.Messages, 4)
	require.Equal(t, openai.ChatMessageRoleSystem, fake.req.Messages[0].Role)
	require.Equal(t, openai.ChatMessageRoleUser, fake.req.Messages[1].Role)
	require.Equal(t, openai.ChatMessageRoleAssistant, fake.req.Messages[2].Role)
	require.Equal(t, openai.ChatMessageRoleTool, fake.req.Messages[3].Role)

	require.Equal(t, "hello", resp.Content)
	require.Equal(t, string(openai.FinishReasonStop), resp.FinishReason)
	require.Equal(t, model.TokenUsage{InputTokens: 9, OutputTokens: 4}, resp.Usage)
}

func TestCompleteRequiresModel(t *testing.T) {
	c, err := New(&fakeChat{resp: okResponse("x")}, Options{})
	require.NoError(t, err)

	_, err = c.Complete(context.Background(), &model.Request{
		Messages: []model.Message{{Role: model.RoleUser, Content: "hi"}},
	})
	require.Error(t, err)
	require.Equal(t, faults.KindInvalidConfiguration, faults.KindOf(err))
}

func TestCompleteWrapsBackendFailure(t *testing.T) {
	fake := &fakeChat{err: errors.New("boom")}
	c, err := New(fake, Options{DefaultModel: "m"})
	require.NoError(t, err)

	_, err = c.Complete(context.Background(), &model.Request{
		Messages: []model.Message{{Role: model.RoleUser, Content: "hi"}},
	})
	require.Error(t, err)
	require.Equal(t, faults.KindSubstrateTransient, faults.KindOf(err))
}

func TestCompleteRejectsEmptyChoices(t *testing.T) {
	fake := &fakeChat{resp: openai.ChatCompletionResponse{}}
	c, err := New(fake, Options{DefaultModel: "m"})
	require.NoError(t, err)

	_, err = c.Complete(context.Background(), &model.Request{
		Messages: []model.Message{{Role: model.RoleUser, Content: "hi"}},
	})
	require.Error(t, err)
	require.Equal(t, faults.KindSubstratePermanent, faults.KindOf(err))
}
