package compaction

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/mesh/history"
	"goa.design/mesh/model"
)

type fakeLog struct {
	threads map[string][]history.StoredChatMessage
}

func newFakeLog() *fakeLog {
	return &fakeLog{threads: make(map[string][]history.StoredChatMessage)}
}

func (l *fakeLog) GetThreadMessages(_ context.Context, threadID string) ([]history.StoredChatMessage, error) {
	return append([]history.StoredChatMessage(nil), l.threads[threadID]...), nil
}

func (l *fakeLog) AddThreadMessages(_ context.Context, threadID string, batch []history.StoredChatMessage) error {
	l.threads[threadID] = append(l.threads[threadID], batch...)
	return nil
}

func (l *fakeLog) ReplaceThreadMessages(_ context.Context, threadID string, msgs []history.StoredChatMessage) error {
	l.threads[threadID] = append([]history.StoredChatMessage(nil), msgs...)
	return nil
}

type fakeModel struct {
	summary string
	err     error
	calls   int
	lastReq *model.Request
}

func (m *fakeModel) Complete(_ context.Context, req *model.Request) (*model.Response, error) {
	m.calls++
	m.lastReq = req
	if m.err != nil {
		return nil, m.err
	}
	return &model.Response{Content: m.summary}, nil
}

func stored(role, text string) history.StoredChatMessage {
	return history.Store(history.ChatMessage{
		Role:       role,
		AuthorName: role,
		Contents:   []history.Content{history.Text(text)},
	}, time.Unix(0, 0))
}

func thread(roles ...string) []history.StoredChatMessage {
	out := make([]history.StoredChatMessage, len(roles))
	for i, r := range roles {
		out[i] = stored(r, "message body with some padding text")
	}
	return out
}

func service(t *testing.T, client model.Client, cfg Config) *Service {
	t.Helper()
	s, err := New(Options{Client: client, Model: "summarizer", Config: cfg})
	require.NoError(t, err)
	return s
}

func provider(log *fakeLog, msgs []history.StoredChatMessage) *history.Provider {
	log.threads["t1"] = msgs
	return history.New("t1", log, history.Options{})
}

func TestDisabledIsNoOp(t *testing.T) {
	log := newFakeLog()
	p := provider(log, thread("user", "assistant", "user", "assistant"))
	s := service(t, &fakeModel{summary: "s"}, Config{Enabled: false, MaxContextTokens: 1})

	res := s.Compact(context.Background(), p)
	require.False(t, res.WasCompacted)
	require.Len(t, log.threads["t1"], 4)
}

func TestBelowThresholdIsNoOp(t *testing.T) {
	log := newFakeLog()
	p := provider(log, thread("user", "assistant", "user", "assistant"))
	client := &fakeModel{summary: "s"}
	s := service(t, client, Config{Enabled: true, KeepLastN: 1, MaxContextTokens: 1 << 20, Threshold: 0.8})

	res := s.Compact(context.Background(), p)
	require.False(t, res.WasCompacted)
	require.Zero(t, client.calls)
	require.Equal(t, res.EstimatedTokensBefore, res.EstimatedTokensAfter)
}

func TestTwoMessagesNeverCompact(t *testing.T) {
	log := newFakeLog()
	p := provider(log, thread("user", "assistant"))
	s := service(t, &fakeModel{summary: "s"}, Config{Enabled: true, KeepLastN: 1, MaxContextTokens: 1, Threshold: 0})

	res := s.Compact(context.Background(), p)
	require.False(t, res.WasCompacted)
	require.Equal(t, 2, res.CompactedMessageCount)
}

func TestForcedFloorCompactsOversizedKeepLastN(t *testing.T) {
	log := newFakeLog()
	msgs := thread("user", "assistant", "user", "assistant")
	p := provider(log, msgs)
	client := &fakeModel{summary: "the gist"}
	s := service(t, client, Config{Enabled: true, KeepLastN: 10, MaxContextTokens: 1, Threshold: 0})

	res := s.Compact(context.Background(), p)
	require.True(t, res.WasCompacted)
	require.Equal(t, 4, res.OriginalMessageCount)
	require.Equal(t, 3, res.CompactedMessageCount)
	require.Equal(t, 1, client.calls)

	got := log.threads["t1"]
	require.Len(t, got, 3)
	require.Equal(t, model.RoleSystem, got[0].Role)
	require.Equal(t, AuthorName, got[0].AuthorName)
	require.Contains(t, got[0].ContentsJson, "[Compacted History]")
	require.Contains(t, got[0].ContentsJson, "the gist")
	require.Equal(t, msgs[2].ContentsJson, got[1].ContentsJson)
	require.Equal(t, msgs[3].ContentsJson, got[2].ContentsJson)
}

func TestSplitSkipsLeadingToolMessages(t *testing.T) {
	log := newFakeLog()
	p := provider(log, thread("user", "assistant", "tool", "tool", "assistant", "user"))
	client := &fakeModel{summary: "s"}
	s := service(t, client, Config{Enabled: true, KeepLastN: 4, MaxContextTokens: 1, Threshold: 0})

	res := s.Compact(context.Background(), p)
	require.True(t, res.WasCompacted)
	// split starts at 2 (keep last 4) and advances past both tool turns.
	require.Equal(t, 3, res.CompactedMessageCount)
	require.Equal(t, "assistant", log.threads["t1"][1].Role)
	require.Equal(t, "user", log.threads["t1"][2].Role)
}

func TestCompactionMonotonicity(t *testing.T) {
	log := newFakeLog()
	p := provider(log, thread("user", "assistant", "user", "assistant", "user", "assistant"))
	s := service(t, &fakeModel{summary: "s"}, Config{Enabled: true, KeepLastN: 2, MaxContextTokens: 1, Threshold: 0})

	res := s.Compact(context.Background(), p)
	require.True(t, res.WasCompacted)
	require.LessOrEqual(t, res.CompactedMessageCount, res.OriginalMessageCount)
	require.LessOrEqual(t, res.EstimatedTokensAfter, res.EstimatedTokensBefore)
}

func TestModelFailureLeavesThreadUntouched(t *testing.T) {
	log := newFakeLog()
	msgs := thread("user", "assistant", "user", "assistant")
	p := provider(log, msgs)
	s := service(t, &fakeModel{err: errors.New("rate limited")}, Config{Enabled: true, KeepLastN: 1, MaxContextTokens: 1, Threshold: 0})

	res := s.Compact(context.Background(), p)
	require.False(t, res.WasCompacted)
	require.Len(t, log.threads["t1"], 4)
}

func TestSummaryPromptContainsRenderedPrefix(t *testing.T) {
	log := newFakeLog()
	p := provider(log, thread("user", "assistant", "user", "assistant"))
	client := &fakeModel{summary: "s"}
	s := service(t, client, Config{Enabled: true, KeepLastN: 2, MaxContextTokens: 1, Threshold: 0})

	res := s.Compact(context.Background(), p)
	require.True(t, res.WasCompacted)
	require.Len(t, client.lastReq.Messages, 2)
	require.Equal(t, "summarizer", client.lastReq.Model)
	require.True(t, strings.Contains(client.lastReq.Messages[1].Content, "message body"))
}

func TestEnabledWithoutClientFailsConstruction(t *testing.T) {
	_, err := New(Options{Config: Config{Enabled: true}})
	require.Error(t, err)
}

func TestEstimateTokensDividesAfterSumming(t *testing.T) {
	msgs := []history.StoredChatMessage{
		{Role: "ab", AuthorName: "c", ContentsJson: "d"},
		{Role: "ef", AuthorName: "g", ContentsJson: "h"},
	}
	require.Equal(t, 2, EstimateTokens(msgs))
}
