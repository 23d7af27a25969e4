package middleware

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/mesh/model"
)

type fakeClient struct {
	resp  *model.Response
	err   error
	calls int
}

func (f *fakeClient) Complete(_ context.Context, _ *model.Request) (*model.Response, error) {
	f.calls++
	return f.resp, f.err
}

func userRequest(text string) *model.Request {
	return &model.Request{
		Messages: []model.Message{{Role: model.RoleUser, Content: text}},
	}
}

func TestBackoffOnRateLimited(t *testing.T) {
	limiter := NewAdaptiveRateLimiter(60000, 60000)
	initialTPM := limiter.tpm()

	client := &fakeClient{err: fmt.Errorf("%w: provider says slow down", model.ErrRateLimited)}
	wrapped := limiter.Middleware()(client)

	_, err := wrapped.Complete(context.Background(), userRequest("hello"))
	require.Error(t, err)
	require.True(t, errors.Is(err, model.ErrRateLimited))
	require.Less(t, limiter.tpm(), initialTPM)
}

func TestProbeOnSuccess(t *testing.T) {
	limiter := NewAdaptiveRateLimiter(60000, 120000)
	initialTPM := limiter.tpm()

	client := &fakeClient{resp: &model.Response{Content: "ok"}}
	wrapped := limiter.Middleware()(client)

	resp, err := wrapped.Complete(context.Background(), userRequest("hello"))
	require.NoError(t, err)
	require.Equal(t, "ok", resp.Content)
	require.Greater(t, limiter.tpm(), initialTPM)
}

func TestBudgetNeverDropsBelowFloor(t *testing.T) {
	limiter := NewAdaptiveRateLimiter(1000, 1000)
	client := &fakeClient{err: fmt.Errorf("%w: still limited", model.ErrRateLimited)}
	wrapped := limiter.Middleware()(client)

	for i := 0; i < 20; i++ {
		_, _ = wrapped.Complete(context.Background(), userRequest("x"))
	}
	require.GreaterOrEqual(t, limiter.tpm(), limiter.minTPM)
}

func TestNonRateLimitErrorsLeaveBudgetAlone(t *testing.T) {
	limiter := NewAdaptiveRateLimiter(60000, 120000)
	initialTPM := limiter.tpm()

	client := &fakeClient{err: errors.New("boom")}
	wrapped := limiter.Middleware()(client)

	_, err := wrapped.Complete(context.Background(), userRequest("hello"))
	require.Error(t, err)
	require.Equal(t, initialTPM, limiter.tpm())
}

func TestEstimateTokensFloorsSmallRequests(t *testing.T) {
	require.Equal(t, 500, estimateTokens(&model.Request{}))
	got := estimateTokens(userRequest("abcdef"))
	require.Equal(t, 502, got)
}
