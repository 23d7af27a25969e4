package executor

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/mesh/behavior"
	"goa.design/mesh/faults"
	"goa.design/mesh/history"
	"goa.design/mesh/message"
	"goa.design/mesh/model"
	"goa.design/mesh/node"
	"goa.design/mesh/plan/planner"
	"goa.design/mesh/reminder"
	statemem "goa.design/mesh/state/inmem"
	streammem "goa.design/mesh/stream/inmem"
	"goa.design/mesh/telemetry"
)

// memLog is an in-memory history.Log.
type memLog struct {
	mu      sync.Mutex
	threads map[string][]history.StoredChatMessage
}

func newMemLog() *memLog {
	return &memLog{threads: make(map[string][]history.StoredChatMessage)}
}

func (l *memLog) GetThreadMessages(_ context.Context, threadID string) ([]history.StoredChatMessage, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]history.StoredChatMessage(nil), l.threads[threadID]...), nil
}

func (l *memLog) AddThreadMessages(_ context.Context, threadID string, batch []history.StoredChatMessage) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.threads[threadID] = append(l.threads[threadID], batch...)
	return nil
}

func (l *memLog) ReplaceThreadMessages(_ context.Context, threadID string, msgs []history.StoredChatMessage) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.threads[threadID] = append([]history.StoredChatMessage(nil), msgs...)
	return nil
}

// fakePlanHost extends scriptHost to the full host surface the plan behavior
// needs. One-way sends, including the asynchronous verdict, land in outbox.
type fakePlanHost struct {
	*scriptHost
	log    *memLog
	client model.Client

	outMu  sync.Mutex
	outbox []message.AgentMessage
}

func (h *fakePlanHost) Logger() telemetry.Logger { return telemetry.NoopLogger{} }

func (h *fakePlanHost) SendMessage(_ context.Context, msg message.AgentMessage) error {
	h.outMu.Lock()
	defer h.outMu.Unlock()
	h.outbox = append(h.outbox, msg)
	return nil
}

func (h *fakePlanHost) oneWays() []message.AgentMessage {
	h.outMu.Lock()
	defer h.outMu.Unlock()
	return append([]message.AgentMessage(nil), h.outbox...)
}

func (h *fakePlanHost) SendEvent(context.Context, message.AgentMessage, string) error { return nil }

func (h *fakePlanHost) RegisterTimer(string, string, string, time.Duration, time.Duration) error {
	return nil
}

func (h *fakePlanHost) UnregisterTimer(string) {}

func (h *fakePlanHost) History(threadID string) *history.Provider {
	return history.New(threadID, h.log, history.Options{})
}

func (h *fakePlanHost) GetState(string) (json.RawMessage, bool) { return nil, false }
func (h *fakePlanHost) SetState(string, json.RawMessage)        {}
func (h *fakePlanHost) DeleteState(string)                      {}

func (h *fakePlanHost) Model(string) (model.Client, bool) {
	return h.client, h.client != nil
}

// planRouteModel answers every prompt family of the plan-execute loop for a
// single-item plan owned by "worker".
type planRouteModel struct{}

func (planRouteModel) Complete(_ context.Context, req *model.Request) (*model.Response, error) {
	system := req.Messages[0].Content
	switch {
	case strings.Contains(system, "Summarize the conversation"):
		return &model.Response{Content: `{"summary": "ship the report"}`}, nil
	case strings.Contains(system, "decomposing an objective"):
		return &model.Response{Content: `{"workItems": [
			{"id": "wi-001", "title": "Do the work", "owner": "worker",
			 "successCriteria": "deliverable attached"}
		]}`}, nil
	case strings.Contains(system, "identify the plan phase"):
		return &model.Response{Content: `{"phase": "execution", "strategyPivots": []}`}, nil
	case strings.Contains(system, "Bind each pending"):
		return &model.Response{Content: `{"assignments": [
			{"workItemId": "wi-001", "agentId": "worker", "capability": "work"}
		], "planRationale": "one item, one worker"}`}, nil
	case strings.Contains(system, "updating an existing plan"):
		return &model.Response{Content: `{"summary": "ship the report", "workItems": [
			{"id": "wi-001", "title": "Do the work", "owner": "worker"}
		]}`}, nil
	case strings.Contains(system, "self-contained instruction"):
		return &model.Response{Content: "do: " + req.Messages[1].Content}, nil
	default:
		return &model.Response{Content: `{"outcome": "Completed", "summary": "deliverable present"}`}, nil
	}
}

func workerProfiles() []planner.AgentProfile {
	return []planner.AgentProfile{{Id: "worker", Capabilities: []string{"work"}}}
}

func fastTuning() Options {
	return Options{
		RetryDelay: time.Millisecond,
		PollDelay:  time.Millisecond,
		Sleep: func(ctx context.Context, _ time.Duration) error {
			select {
			case <-time.After(time.Millisecond):
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	}
}

func newPlanAgent(t *testing.T, host *fakePlanHost) behavior.Behavior {
	t.Helper()
	factory := NewBehaviorFactory(workerProfiles(), fastTuning())
	b, err := factory(behavior.AgentConfiguration{
		Handle: "u1:planner",
		Models: []string{"planner-model"},
	}, host)
	require.NoError(t, err)
	require.NoError(t, b.OnInitialize(context.Background()))
	return b
}

func waitVerdict(t *testing.T, host *fakePlanHost) message.AgentMessage {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(host.oneWays()) > 0
	}, 2*time.Second, 5*time.Millisecond, "verdict never sent")
	return host.oneWays()[0]
}

func TestBehaviorPlansAndExecutesObjective(t *testing.T) {
	host := &fakePlanHost{scriptHost: &scriptHost{}, log: newMemLog(), client: planRouteModel{}}
	b := newPlanAgent(t, host)

	resp, err := b.OnMessage(context.Background(), message.AgentMessage{
		FromHandle: "u1", Message: "ship the report", Kind: message.KindRequest,
	})
	require.NoError(t, err)
	require.NotNil(t, resp)
	require.Equal(t, "plan accepted: 1 work items", resp.Message)

	v := waitVerdict(t, host)
	require.Equal(t, "u1", v.ToHandle)
	require.Equal(t, "plan completed: 1/1 work items done", v.Message)

	host.mu.Lock()
	defer host.mu.Unlock()
	require.Len(t, host.sends, 1)
	require.Equal(t, "u1:worker", host.sends[0].ToHandle)
	require.True(t, strings.HasPrefix(host.sends[0].Message, "do: "))
}

func TestBehaviorRecordsPlanningTranscriptOnSideThread(t *testing.T) {
	host := &fakePlanHost{scriptHost: &scriptHost{}, log: newMemLog(), client: planRouteModel{}}
	b := newPlanAgent(t, host)

	_, err := b.OnMessage(context.Background(), message.AgentMessage{FromHandle: "u1", Message: "objective"})
	require.NoError(t, err)
	waitVerdict(t, host)

	host.log.mu.Lock()
	defer host.log.mu.Unlock()
	require.NotEmpty(t, host.log.threads["u1:planner"+PlanningThreadSuffix])
	require.Empty(t, host.log.threads["u1:planner"], "user thread stays clean")
}

func TestBehaviorConsumesRetryReminderTicks(t *testing.T) {
	host := &fakePlanHost{scriptHost: &scriptHost{}, log: newMemLog(), client: planRouteModel{}}
	b := newPlanAgent(t, host)

	tick := reminder.Message(reminder.Registration{
		AgentHandle: "u1:planner",
		Name:        RetryReminderPrefix + "wi-001",
		MessageType: "retry",
		Body:        "wi-001",
	})
	require.Equal(t, message.KindResponse, tick.Kind)
	resp, err := b.OnMessage(context.Background(), tick)
	require.NoError(t, err)
	require.Nil(t, resp)
}

// downModel fails every completion, which starves the planner of work items.
type downModel struct{}

func (downModel) Complete(context.Context, *model.Request) (*model.Response, error) {
	return nil, errors.New("model down")
}

func TestBehaviorReportsEmptyPlanAsFailure(t *testing.T) {
	host := &fakePlanHost{scriptHost: &scriptHost{}, log: newMemLog(), client: downModel{}}
	b := newPlanAgent(t, host)

	resp, err := b.OnMessage(context.Background(), message.AgentMessage{Message: "objective"})
	require.NoError(t, err)
	require.NotNil(t, resp)
	require.Equal(t, message.TypeErrorPermanent, resp.MessageType)
	require.Empty(t, host.sends, "nothing is dispatched without a plan")

	// The failed attempt must release the behavior: a second objective gets
	// planned again instead of bouncing off a busy executor.
	resp, err = b.OnMessage(context.Background(), message.AgentMessage{Message: "objective"})
	require.NoError(t, err)
	require.Equal(t, message.TypeErrorPermanent, resp.MessageType)
	require.NotEqual(t, "a plan is already executing", resp.Message)
}

func TestBehaviorRequiresModel(t *testing.T) {
	factory := NewBehaviorFactory(workerProfiles(), Options{})
	_, err := factory(behavior.AgentConfiguration{Handle: "u1:planner"}, &fakePlanHost{scriptHost: &scriptHost{}})
	require.Error(t, err)
	require.Equal(t, faults.KindInvalidConfiguration, faults.KindOf(err))
}

// flakyWorker fails its first request transiently and succeeds afterwards.
type flakyWorker struct {
	calls *atomic.Int32
}

func flakyWorkerFactory(calls *atomic.Int32) behavior.Factory {
	return func(_ behavior.AgentConfiguration, _ behavior.Host) (behavior.Behavior, error) {
		return &flakyWorker{calls: calls}, nil
	}
}

func (w *flakyWorker) OnInitialize(context.Context) error { return nil }

func (w *flakyWorker) OnMessage(_ context.Context, _ message.AgentMessage) (*message.AgentMessage, error) {
	if w.calls.Add(1) == 1 {
		return &message.AgentMessage{Message: "still warming up", MessageType: message.TypeErrorTransient}, nil
	}
	return &message.AgentMessage{Message: "deliverable attached"}, nil
}

func (w *flakyWorker) OnEvent(context.Context, message.AgentMessage) error { return nil }

func (w *flakyWorker) GetHealth(context.Context, behavior.HealthDetail) behavior.HealthReport {
	return behavior.HealthReport{State: behavior.HealthHealthy}
}

func (w *flakyWorker) Dispose(context.Context) error { return nil }

// chatSink collects the client's chat stream deliveries.
type chatSink struct {
	msgs chan message.AgentMessage
}

func (s *chatSink) ID() string { return "sink" }

func (s *chatSink) Deliver(_ context.Context, msg message.AgentMessage) error {
	s.msgs <- msg
	return nil
}

// Hosting the plan behavior on a real node exercises the full retry path:
// the transient worker failure schedules a durable reminder, the reminder
// tick re-enters the planner activation while the run is in flight, and the
// redispatched item completes the plan.
func TestPlanAgentRetriesThroughNodeReminders(t *testing.T) {
	ctx := context.Background()
	var workerCalls atomic.Int32
	reg := behavior.NewRegistry()
	reg.Register("planner", NewBehaviorFactory(workerProfiles(), Options{
		RetryDelay: 50 * time.Millisecond,
		PollDelay:  10 * time.Millisecond,
	}))
	reg.Register("worker", flakyWorkerFactory(&workerCalls))

	n, err := node.New(node.Options{
		Behaviors: reg,
		Stream:    streammem.New(streammem.Options{}),
		State:     statemem.New(),
		Models:    map[string]model.Client{"planner-model": planRouteModel{}},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = n.Close(context.Background()) })

	client, err := n.Client(ctx, "u1")
	require.NoError(t, err)
	_, err = client.CreateAgent(ctx, behavior.AgentConfiguration{AgentType: "worker", Handle: "worker"})
	require.NoError(t, err)
	_, err = client.CreateAgent(ctx, behavior.AgentConfiguration{
		AgentType: "planner", Handle: "planner", Models: []string{"planner-model"},
	})
	require.NoError(t, err)

	sink := &chatSink{msgs: make(chan message.AgentMessage, 16)}
	require.NoError(t, client.Subscribe(ctx, sink))

	resp, err := client.SendAndReceiveMessage(ctx, message.AgentMessage{
		ToHandle: "planner", Message: "ship the report",
	})
	require.NoError(t, err)
	require.Equal(t, "plan accepted: 1 work items", resp.Message)

	select {
	case msg := <-sink.msgs:
		require.Equal(t, "plan completed: 1/1 work items done", msg.Message)
		require.Equal(t, "u1:planner", msg.FromHandle)
	case <-time.After(5 * time.Second):
		t.Fatal("plan verdict never arrived")
	}
	require.GreaterOrEqual(t, workerCalls.Load(), int32(2),
		"work item must be redispatched after the retry tick")
}
