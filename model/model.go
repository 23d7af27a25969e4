// Package model defines the chat-completion client contract used by planner,
// evaluator, and compaction components. Backend adapters live under
// features/model; middleware (rate limiting, logging) wraps the Client
// interface.
package model

import (
	"context"
	"errors"
)

// ErrRateLimited marks completions rejected by the backend's rate limiter.
// Adapters wrap provider 429 responses with it so middleware can back off.
var ErrRateLimited = errors.New("model: rate limited")

type (
	// Client is a chat-completion backend.
	Client interface {
		// Complete runs one completion round.
		Complete(ctx context.Context, req *Request) (*Response, error)
	}

	// Request is a provider-neutral completion request.
	Request struct {
		// Model is the backend model identifier.
		Model string
		// Messages is the conversation so far, system prompt included.
		Messages []Message
		// MaxTokens caps the completion length. Zero lets the adapter pick
		// a backend default.
		MaxTokens int
		// Temperature, when non-nil, overrides the backend default.
		Temperature *float64
	}

	// Message is one turn of a conversation.
	Message struct {
		// Role is one of "system", "user", "assistant", or "tool".
		Role string
		// Content is the textual content of the turn.
		Content string
	}

	// Response is a provider-neutral completion result.
	Response struct {
		// Content is the completion text.
		Content string
		// FinishReason is the backend's stop reason, verbatim.
		FinishReason string
		// Usage reports token consumption when the backend provides it.
		Usage TokenUsage
	}

	// TokenUsage counts tokens for one completion round.
	TokenUsage struct {
		InputTokens  int
		OutputTokens int
	}
)

// Roles understood by adapters.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)
