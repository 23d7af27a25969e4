// Package compaction shrinks long chat threads by replacing an old prefix
// with a single model-written summary message. It is driven by a cheap token
// estimate, never touches the last messages of the thread, and fails soft:
// any error leaves the thread untouched.
package compaction

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"goa.design/mesh/faults"
	"goa.design/mesh/history"
	"goa.design/mesh/model"
	"goa.design/mesh/telemetry"
)

type (
	// Config tunes when and how much to compact.
	Config struct {
		// Enabled gates the whole service.
		Enabled bool `json:"enabled" yaml:"enabled"`
		// KeepLastN messages are always preserved verbatim.
		KeepLastN int `json:"keepLastN" yaml:"keepLastN"`
		// MaxContextTokens is the model's context budget. Zero disables
		// compaction.
		MaxContextTokens int `json:"maxContextTokens" yaml:"maxContextTokens"`
		// Threshold in [0,1] is the fraction of MaxContextTokens at which
		// compaction triggers.
		Threshold float64 `json:"threshold" yaml:"threshold"`
	}

	// Result reports what one compaction pass did.
	Result struct {
		WasCompacted          bool
		OriginalMessageCount  int
		CompactedMessageCount int
		EstimatedTokensBefore int
		EstimatedTokensAfter  int
	}

	// Options configures a Service.
	Options struct {
		// Client runs the summary completion. Required when Config.Enabled.
		Client model.Client
		// Model is the backend model identifier for summaries.
		Model string
		// Config tunes the trigger and the preserved suffix.
		Config Config
		// Logger records soft failures. Noop when nil.
		Logger telemetry.Logger
		// Now overrides the clock, for tests.
		Now func() time.Time
	}

	// Service compacts chat-history providers.
	Service struct {
		client model.Client
		model  string
		cfg    Config
		logger telemetry.Logger
		now    func() time.Time
	}
)

// AuthorName identifies synthetic summary messages in a thread.
const AuthorName = "compaction"

const summaryPrefix = "[Compacted History]\n"

// New constructs a compaction service.
func New(opts Options) (*Service, error) {
	if opts.Config.Enabled && opts.Client == nil {
		return nil, faults.New(faults.KindInvalidConfiguration, "compaction enabled without a model client")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NoopLogger{}
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		client: opts.Client,
		model:  opts.Model,
		cfg:    opts.Config,
		logger: logger,
		now:    now,
	}, nil
}

// EstimateTokens approximates the token footprint of stored messages as the
// total byte length of role, author, and serialized contents divided by
// four.
func EstimateTokens(msgs []history.StoredChatMessage) int {
	total := 0
	for _, m := range msgs {
		total += len(m.Role) + len(m.AuthorName) + len(m.ContentsJson)
	}
	return total / 4
}

// Compact runs one pass over the provider's thread. Failures are logged and
// leave the thread untouched.
func (s *Service) Compact(ctx context.Context, p *history.Provider) Result {
	if !s.cfg.Enabled || s.cfg.MaxContextTokens <= 0 {
		return Result{}
	}
	if err := p.Flush(ctx); err != nil {
		s.logger.Warn(ctx, "compaction flush failed", "thread", p.ThreadID(), "err", err)
		return Result{}
	}
	msgs, err := p.Invoking(ctx)
	if err != nil {
		s.logger.Warn(ctx, "compaction load failed", "thread", p.ThreadID(), "err", err)
		return Result{}
	}

	total := len(msgs)
	before := EstimateTokens(msgs)
	res := Result{OriginalMessageCount: total, CompactedMessageCount: total,
		EstimatedTokensBefore: before, EstimatedTokensAfter: before}
	if total <= 2 {
		return res
	}
	if float64(before) <= float64(s.cfg.MaxContextTokens)*s.cfg.Threshold {
		return res
	}

	split := splitPoint(msgs, s.cfg.KeepLastN)
	if split == 0 {
		return res
	}

	summary, err := s.summarize(ctx, msgs[:split])
	if err != nil {
		s.logger.Warn(ctx, "compaction summary failed", "thread", p.ThreadID(), "err", err)
		return res
	}

	compacted := make([]history.StoredChatMessage, 0, total-split+1)
	compacted = append(compacted, history.Store(history.ChatMessage{
		Role:       model.RoleSystem,
		AuthorName: AuthorName,
		Contents:   []history.Content{history.Text(summaryPrefix + summary)},
	}, s.now()))
	compacted = append(compacted, msgs[split:]...)

	if err := p.ReplaceAndResetCache(ctx, compacted); err != nil {
		s.logger.Warn(ctx, "compaction replace failed", "thread", p.ThreadID(), "err", err)
		return res
	}

	res.WasCompacted = true
	res.CompactedMessageCount = len(compacted)
	res.EstimatedTokensAfter = EstimateTokens(compacted)
	s.logger.Info(ctx, "thread compacted", "thread", p.ThreadID(),
		"from", total, "to", len(compacted),
		"tokensBefore", before, "tokensAfter", res.EstimatedTokensAfter)
	return res
}

// splitPoint picks how many leading messages to fold into the summary. The
// last keepLastN messages stay, with a forced floor so an oversized thread
// always makes progress, and tool-role messages are never split from the
// assistant turn that produced them.
func splitPoint(msgs []history.StoredChatMessage, keepLastN int) int {
	total := len(msgs)
	keep := keepLastN
	if keep > total {
		keep = total
	}
	split := total - keep
	if split == 0 && total > 2 {
		keep = total / 2
		if keep < 2 {
			keep = 2
		}
		split = total - keep
	}
	for split < total && msgs[split].Role == model.RoleTool {
		split++
	}
	if split >= total {
		return 0
	}
	return split
}

// summarize renders the prefix and asks the chat model for a replacement
// summary.
func (s *Service) summarize(ctx context.Context, prefix []history.StoredChatMessage) (string, error) {
	var b strings.Builder
	for _, m := range prefix {
		author := m.AuthorName
		if author == "" {
			author = m.Role
		}
		fmt.Fprintf(&b, "%s (%s): %s\n", m.Role, author, renderContents(m.ContentsJson))
	}
	resp, err := s.client.Complete(ctx, &model.Request{
		Model: s.model,
		Messages: []model.Message{
			{Role: model.RoleSystem, Content: "Summarize the following conversation. " +
				"Preserve decisions made, facts established, open tasks, and the current topic. " +
				"Be concise but lose no information a future reader would need."},
			{Role: model.RoleUser, Content: b.String()},
		},
	})
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(resp.Content) == "" {
		return "", faults.New(faults.KindHandlerFault, "model returned empty summary")
	}
	return resp.Content, nil
}

// renderContents extracts text from serialized contents, falling back to the
// raw JSON for shapes it does not understand.
func renderContents(contentsJSON string) string {
	var contents []history.Content
	if err := json.Unmarshal([]byte(contentsJSON), &contents); err != nil {
		return contentsJSON
	}
	parts := make([]string, 0, len(contents))
	for _, c := range contents {
		if c.Text != "" {
			parts = append(parts, c.Text)
		}
	}
	if len(parts) == 0 {
		return contentsJSON
	}
	return strings.Join(parts, " ")
}
