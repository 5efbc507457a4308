package agentloop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/martinemde/debugagent/llm"
)

// scriptedGateway returns canned responses in order and records requests.
type scriptedGateway struct {
	mu        sync.Mutex
	responses []*llm.Response
	errs      []error
	requests  []llm.Request
	onCall    func(n int)
}

func (g *scriptedGateway) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	g.mu.Lock()
	n := len(g.requests)
	g.requests = append(g.requests, req)
	g.mu.Unlock()
	if g.onCall != nil {
		g.onCall(n)
	}
	if n < len(g.errs) && g.errs[n] != nil {
		return nil, g.errs[n]
	}
	if n >= len(g.responses) {
		return nil, fmt.Errorf("unexpected gateway call %d", n+1)
	}
	return g.responses[n], nil
}

func (g *scriptedGateway) calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.requests)
}

func answer(text string) *llm.Response {
	return &llm.Response{Message: llm.AssistantMessage(text), Usage: llm.Usage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15}}
}

func toolCalls(calls ...llm.ToolCall) *llm.Response {
	return &llm.Response{Message: llm.AssistantMessage("", calls...), Usage: llm.Usage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15}}
}

func call(id, name, args string) llm.ToolCall {
	return llm.ToolCall{ID: id, Name: name, Arguments: json.RawMessage(args)}
}

var pathSchema = map[string]interface{}{
	"type": "object",
	"properties": map[string]interface{}{
		"path": map[string]interface{}{"type": "string"},
	},
}

func testRegistry(t *testing.T, specs ...ToolSpec) *Registry {
	t.Helper()
	r := NewRegistry()
	for _, s := range specs {
		if err := r.Register(s); err != nil {
			t.Fatalf("register %s: %v", s.Name, err)
		}
	}
	return r
}

func newTestRun(t *testing.T, gw Gateway, reg *Registry, cfg Config) *Run {
	t.Helper()
	ctrl := NewController(gw, reg, cfg)
	run, err := ctrl.NewRun(llm.SystemMessage("investigate"), llm.UserMessage("service checkout"))
	if err != nil {
		t.Fatalf("NewRun: %v", err)
	}
	return run
}

func assertPaired(t *testing.T, transcript []llm.Message) {
	t.Helper()
	pending := map[string]bool{}
	for i, msg := range transcript {
		switch msg.Role {
		case llm.RoleAssistant:
			if len(pending) > 0 {
				t.Fatalf("message %d: assistant turn with unanswered calls %v", i, pending)
			}
			for _, tc := range msg.ToolCalls {
				pending[tc.ID] = true
			}
		case llm.RoleTool:
			if !pending[msg.ToolCallID] {
				t.Fatalf("message %d: tool result %q has no matching call", i, msg.ToolCallID)
			}
			delete(pending, msg.ToolCallID)
		}
	}
}

func TestRunFinalAnswerFirstRound(t *testing.T) {
	gw := &scriptedGateway{responses: []*llm.Response{answer("  No bug found.  ")}}
	cfg := DefaultConfig()
	cfg.MaxIterations = 1
	run := newTestRun(t, gw, NewRegistry(), cfg)

	out := run.Execute(context.Background())
	if out.Status != StatusSuccess {
		t.Fatalf("expected success, got %s (%v)", out.Status, out.Err)
	}
	if out.FinalAnswer != "No bug found." {
		t.Errorf("unexpected final answer %q", out.FinalAnswer)
	}
	if out.Rounds != 1 || gw.calls() != 1 {
		t.Errorf("expected 1 round, got rounds=%d calls=%d", out.Rounds, gw.calls())
	}
	if len(out.Transcript) != 3 {
		t.Errorf("expected 3 messages, got %d", len(out.Transcript))
	}
	if out.Usage.TotalTokens != 15 {
		t.Errorf("expected usage to be recorded, got %+v", out.Usage)
	}
	if run.State() != StateDone {
		t.Errorf("expected done state, got %s", run.State())
	}
}

func TestRunToolErrorThenAnswer(t *testing.T) {
	reg := testRegistry(t, ToolSpec{
		Name:       "list_repo_files",
		Parameters: pathSchema,
		Execute: func(ctx context.Context, args json.RawMessage) (any, error) {
			return nil, errors.New("path not found: nope/")
		},
	})
	gw := &scriptedGateway{responses: []*llm.Response{
		toolCalls(call("c1", "list_repo_files", `{"path":"nope/"}`)),
		answer("The directory does not exist."),
	}}
	cfg := DefaultConfig()
	cfg.MaxIterations = 2
	out := newTestRun(t, gw, reg, cfg).Execute(context.Background())

	if out.Status != StatusSuccess || out.Rounds != 2 {
		t.Fatalf("expected success after 2 rounds, got %s after %d (%v)", out.Status, out.Rounds, out.Err)
	}
	toolMsg := out.Transcript[3]
	if toolMsg.Role != llm.RoleTool || !toolMsg.IsError || toolMsg.ToolCallID != "c1" {
		t.Fatalf("expected error tool result for c1, got %+v", toolMsg)
	}
	if !strings.Contains(toolMsg.Content, "path not found") {
		t.Errorf("expected failure description, got %q", toolMsg.Content)
	}

	second := gw.requests[1]
	if len(second.Messages) != 4 || second.Messages[3].ToolCallID != "c1" {
		t.Errorf("second request should carry the tool result, got %d messages", len(second.Messages))
	}
	if len(second.Tools) != 1 || second.Tools[0].Name != "list_repo_files" {
		t.Errorf("expected the catalogue on every request, got %+v", second.Tools)
	}
}

func TestRunBudgetExhaustedAfterToolRound(t *testing.T) {
	executed := 0
	reg := testRegistry(t, ToolSpec{
		Name: "query_logs",
		Execute: func(ctx context.Context, args json.RawMessage) (any, error) {
			executed++
			return []string{"error: boom"}, nil
		},
	})
	gw := &scriptedGateway{responses: []*llm.Response{toolCalls(call("c1", "query_logs", `{}`))}}
	cfg := DefaultConfig()
	cfg.MaxIterations = 1
	out := newTestRun(t, gw, reg, cfg).Execute(context.Background())

	if out.Status != StatusBudgetExhausted {
		t.Fatalf("expected budget_exhausted, got %s (%v)", out.Status, out.Err)
	}
	if gw.calls() != 1 {
		t.Errorf("expected no further gateway calls, got %d", gw.calls())
	}
	if executed != 1 {
		t.Errorf("expected the requested tool to run, ran %d times", executed)
	}
	last := out.Transcript[len(out.Transcript)-1]
	if last.Role != llm.RoleTool || last.Content != `["error: boom"]` {
		t.Errorf("expected the tool result to be answered, got %+v", last)
	}
	if out.Report() != InconclusiveReport {
		t.Errorf("unexpected report %q", out.Report())
	}
	assertPaired(t, out.Transcript)
}

func TestRunUnknownToolIsRecoverable(t *testing.T) {
	reg := testRegistry(t, ToolSpec{Name: "query_logs", Execute: func(ctx context.Context, args json.RawMessage) (any, error) { return "ok", nil }})
	gw := &scriptedGateway{responses: []*llm.Response{
		toolCalls(call("c1", "delete_database", `{}`)),
		answer("done"),
	}}
	out := newTestRun(t, gw, reg, DefaultConfig()).Execute(context.Background())

	if out.Status != StatusSuccess {
		t.Fatalf("expected success, got %s (%v)", out.Status, out.Err)
	}
	res := out.Transcript[3]
	if !res.IsError || !strings.Contains(res.Content, "delete_database") {
		t.Errorf("expected error result naming the unknown tool, got %+v", res)
	}
}

func TestRunRespectsBudget(t *testing.T) {
	for _, budget := range []int{1, 2, 3, 5} {
		t.Run(fmt.Sprintf("budget=%d", budget), func(t *testing.T) {
			reg := testRegistry(t, ToolSpec{Name: "query_logs", Execute: func(ctx context.Context, args json.RawMessage) (any, error) { return "ok", nil }})
			var responses []*llm.Response
			for i := 0; i < budget+3; i++ {
				responses = append(responses, toolCalls(call(fmt.Sprintf("c%d", i), "query_logs", fmt.Sprintf(`{"n":%d}`, i))))
			}
			gw := &scriptedGateway{responses: responses}
			cfg := DefaultConfig()
			cfg.MaxIterations = budget
			out := newTestRun(t, gw, reg, cfg).Execute(context.Background())

			if out.Status != StatusBudgetExhausted {
				t.Fatalf("expected budget_exhausted, got %s (%v)", out.Status, out.Err)
			}
			if gw.calls() != budget || out.Rounds != budget {
				t.Errorf("expected %d rounds, got calls=%d rounds=%d", budget, gw.calls(), out.Rounds)
			}
			assertPaired(t, out.Transcript)
		})
	}
}

func TestRunZeroBudget(t *testing.T) {
	gw := &scriptedGateway{}
	cfg := DefaultConfig()
	cfg.MaxIterations = 0
	out := newTestRun(t, gw, NewRegistry(), cfg).Execute(context.Background())
	if out.Status != StatusBudgetExhausted || gw.calls() != 0 {
		t.Errorf("expected immediate exhaustion, got %s with %d calls", out.Status, gw.calls())
	}
}

func TestRunParallelResultsInRequestOrder(t *testing.T) {
	aDone := make(chan struct{})
	cDone := make(chan struct{})
	var mu sync.Mutex
	var completed []string
	record := func(name string) {
		mu.Lock()
		completed = append(completed, name)
		mu.Unlock()
	}

	reg := testRegistry(t,
		ToolSpec{Name: "A", Execute: func(ctx context.Context, args json.RawMessage) (any, error) {
			<-cDone
			record("A")
			close(aDone)
			return "result A", nil
		}},
		ToolSpec{Name: "B", Execute: func(ctx context.Context, args json.RawMessage) (any, error) {
			<-aDone
			record("B")
			return "result B", nil
		}},
		ToolSpec{Name: "C", Execute: func(ctx context.Context, args json.RawMessage) (any, error) {
			record("C")
			close(cDone)
			return "result C", nil
		}},
	)
	gw := &scriptedGateway{responses: []*llm.Response{
		toolCalls(call("a", "A", `{}`), call("b", "B", `{}`), call("c", "C", `{}`)),
		answer("done"),
	}}
	cfg := DefaultConfig()
	cfg.ToolParallelism = 3
	out := newTestRun(t, gw, reg, cfg).Execute(context.Background())

	if out.Status != StatusSuccess {
		t.Fatalf("expected success, got %s (%v)", out.Status, out.Err)
	}
	if strings.Join(completed, "") != "CAB" {
		t.Fatalf("expected completion order CAB, got %v", completed)
	}
	var got []string
	for _, msg := range out.Transcript {
		if msg.Role == llm.RoleTool {
			got = append(got, msg.ToolCallID+"="+msg.Content)
		}
	}
	want := "a=result A,b=result B,c=result C"
	if strings.Join(got, ",") != want {
		t.Errorf("expected results in request order %s, got %v", want, got)
	}
}

func TestRunGatewayErrorIsFatal(t *testing.T) {
	cause := errors.New("connection refused")
	gw := &scriptedGateway{errs: []error{cause}}
	out := newTestRun(t, gw, NewRegistry(), DefaultConfig()).Execute(context.Background())

	if out.Status != StatusFatalError {
		t.Fatalf("expected fatal_error, got %s", out.Status)
	}
	var gwErr *GatewayError
	if !errors.As(out.Err, &gwErr) || gwErr.Round != 1 || !errors.Is(out.Err, cause) {
		t.Errorf("expected GatewayError wrapping the cause, got %v", out.Err)
	}
	if gw.calls() != 1 {
		t.Errorf("expected no retry in the controller, got %d calls", gw.calls())
	}
	if len(out.Transcript) != 2 {
		t.Errorf("expected the seed transcript to be reported, got %d messages", len(out.Transcript))
	}
	if !strings.HasPrefix(out.Report(), "fatal error:") {
		t.Errorf("unexpected report %q", out.Report())
	}
}

func TestRunMalformedResponses(t *testing.T) {
	tests := []struct {
		name string
		resp *llm.Response
	}{
		{"nil response", nil},
		{"wrong role", &llm.Response{Message: llm.UserMessage("hi")}},
		{"empty content no calls", &llm.Response{Message: llm.AssistantMessage("   ")}},
		{"missing call id", toolCalls(call("", "query_logs", `{}`))},
		{"missing call name", toolCalls(call("c1", "", `{}`))},
		{"duplicate call ids", toolCalls(call("c1", "query_logs", `{}`), call("c1", "query_logs", `{}`))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gw := &scriptedGateway{responses: []*llm.Response{tt.resp}}
			out := newTestRun(t, gw, NewRegistry(), DefaultConfig()).Execute(context.Background())
			if out.Status != StatusFatalError || !errors.Is(out.Err, ErrMalformedResponse) {
				t.Errorf("expected malformed response failure, got %s: %v", out.Status, out.Err)
			}
			if len(out.Transcript) != 2 {
				t.Errorf("malformed response must not be appended, got %d messages", len(out.Transcript))
			}
		})
	}
}

func TestRunCancelledBeforeStart(t *testing.T) {
	gw := &scriptedGateway{responses: []*llm.Response{answer("x")}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out := newTestRun(t, gw, NewRegistry(), DefaultConfig()).Execute(ctx)

	if out.Status != StatusFatalError || !errors.Is(out.Err, ErrCancelled) || !errors.Is(out.Err, context.Canceled) {
		t.Errorf("expected cancellation, got %s: %v", out.Status, out.Err)
	}
	if gw.calls() != 0 {
		t.Errorf("expected no gateway calls, got %d", gw.calls())
	}
}

func TestRunCancelledDuringToolExecution(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg := testRegistry(t, ToolSpec{Name: "query_logs", Execute: func(ctx context.Context, args json.RawMessage) (any, error) {
		cancel()
		<-ctx.Done()
		return nil, ctx.Err()
	}})
	gw := &scriptedGateway{responses: []*llm.Response{toolCalls(call("c1", "query_logs", `{}`), call("c2", "query_logs", `{"x":1}`)), answer("x")}}
	out := newTestRun(t, gw, reg, DefaultConfig()).Execute(ctx)

	if !errors.Is(out.Err, ErrCancelled) {
		t.Fatalf("expected cancellation, got %s: %v", out.Status, out.Err)
	}
	if gw.calls() != 1 {
		t.Errorf("expected no further gateway calls, got %d", gw.calls())
	}
	assertPaired(t, out.Transcript)
	if n := len(out.Transcript); n != 5 {
		t.Errorf("expected every in-flight call to be answered, got %d messages", n)
	}
}

func TestRunCancelledDuringGatewayCall(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	gw := &scriptedGateway{errs: []error{errors.New("request aborted")}, onCall: func(int) { cancel() }}
	out := newTestRun(t, gw, NewRegistry(), DefaultConfig()).Execute(ctx)
	if !errors.Is(out.Err, ErrCancelled) {
		t.Errorf("expected cancellation marker, got %v", out.Err)
	}
}

func TestRunUnknownToolStreakIsFatal(t *testing.T) {
	reg := testRegistry(t, ToolSpec{Name: "query_logs", Execute: func(ctx context.Context, args json.RawMessage) (any, error) { return "ok", nil }})
	gw := &scriptedGateway{responses: []*llm.Response{
		toolCalls(call("c1", "grep", `{}`)),
		toolCalls(call("c2", "grep", `{"q":1}`)),
		answer("never reached"),
	}}
	out := newTestRun(t, gw, reg, DefaultConfig()).Execute(context.Background())

	if !errors.Is(out.Err, ErrNoProgress) {
		t.Fatalf("expected no-progress failure, got %s: %v", out.Status, out.Err)
	}
	if gw.calls() != 2 {
		t.Errorf("expected 2 gateway calls, got %d", gw.calls())
	}
	assertPaired(t, out.Transcript)
}

func TestRunUnknownToolStreakResetsOnProgress(t *testing.T) {
	reg := testRegistry(t, ToolSpec{Name: "query_logs", Execute: func(ctx context.Context, args json.RawMessage) (any, error) { return "ok", nil }})
	gw := &scriptedGateway{responses: []*llm.Response{
		toolCalls(call("c1", "grep", `{}`)),
		toolCalls(call("c2", "query_logs", `{}`), call("c3", "grep", `{}`)),
		toolCalls(call("c4", "grep", `{"again":true}`)),
		answer("done"),
	}}
	out := newTestRun(t, gw, reg, DefaultConfig()).Execute(context.Background())
	if out.Status != StatusSuccess {
		t.Errorf("expected success, got %s: %v", out.Status, out.Err)
	}
}

func TestRunRepeatingPatternInjectsSteering(t *testing.T) {
	reg := testRegistry(t, ToolSpec{Name: "query_logs", Execute: func(ctx context.Context, args json.RawMessage) (any, error) { return "[]", nil }})
	var responses []*llm.Response
	for i := 0; i < 3; i++ {
		responses = append(responses, toolCalls(call(fmt.Sprintf("a%d", i), "query_logs", `{"filter_str":"x"}`), call(fmt.Sprintf("b%d", i), "query_logs", `{"filter_str":"x"}`)))
	}
	responses = append(responses, answer("done"))
	gw := &scriptedGateway{responses: responses}

	run := newTestRun(t, gw, reg, DefaultConfig())
	out := run.Execute(context.Background())
	if out.Status != StatusSuccess {
		t.Fatalf("repeating pattern must not be fatal, got %s: %v", out.Status, out.Err)
	}

	steering := 0
	for i, msg := range out.Transcript {
		if msg.Role == llm.RoleUser && strings.Contains(msg.Content, "Loop detected") {
			steering++
			if prev := out.Transcript[i-1]; prev.Role != llm.RoleTool {
				t.Errorf("steering note must follow the round's results, came after %s", prev.Role)
			}
		}
	}
	if steering != 1 {
		t.Errorf("expected one steering note, got %d", steering)
	}

	var sawLoopEvent bool
	for ev := range run.Events() {
		if ev.Kind == EventLoopDetection {
			sawLoopEvent = true
		}
	}
	if !sawLoopEvent {
		t.Error("expected a loop_detection event")
	}
}

func TestRunEmitsEvents(t *testing.T) {
	reg := testRegistry(t, ToolSpec{Name: "query_logs", Execute: func(ctx context.Context, args json.RawMessage) (any, error) { return "rows", nil }})
	gw := &scriptedGateway{responses: []*llm.Response{toolCalls(call("c1", "query_logs", `{}`)), answer("done")}}
	run := newTestRun(t, gw, reg, DefaultConfig())
	run.Execute(context.Background())

	var kinds []EventKind
	timeout := time.After(time.Second)
	for done := false; !done; {
		select {
		case ev, ok := <-run.Events():
			if !ok {
				done = true
				break
			}
			if ev.RunID != run.ID() {
				t.Errorf("event carries run id %q, want %q", ev.RunID, run.ID())
			}
			kinds = append(kinds, ev.Kind)
		case <-timeout:
			t.Fatal("event channel was not closed")
		}
	}

	want := []EventKind{
		EventRunStart,
		EventRoundStart, EventAssistantMessage, EventToolCallStart, EventToolCallEnd,
		EventRoundStart, EventAssistantMessage,
		EventRunEnd,
	}
	if fmt.Sprint(kinds) != fmt.Sprint(want) {
		t.Errorf("unexpected events:\n got %v\nwant %v", kinds, want)
	}
}

func TestRunExecutesOnce(t *testing.T) {
	gw := &scriptedGateway{responses: []*llm.Response{answer("done")}}
	run := newTestRun(t, gw, NewRegistry(), DefaultConfig())
	run.Execute(context.Background())
	if out := run.Execute(context.Background()); out.Status != StatusFatalError {
		t.Errorf("expected second Execute to fail, got %s", out.Status)
	}
	if gw.calls() != 1 {
		t.Errorf("expected one gateway call, got %d", gw.calls())
	}
}

func TestNewControllerFreezesRegistry(t *testing.T) {
	reg := NewRegistry()
	NewController(&scriptedGateway{}, reg, DefaultConfig())
	if err := reg.Register(ToolSpec{Name: "late"}); !errors.Is(err, ErrRegistryFrozen) {
		t.Errorf("expected ErrRegistryFrozen, got %v", err)
	}
}

func TestNewRunRejectsInvalidSeed(t *testing.T) {
	ctrl := NewController(&scriptedGateway{}, NewRegistry(), DefaultConfig())
	_, err := ctrl.NewRun(llm.SystemMessage("s"), llm.ToolResultMessage("x", "orphan", false))
	if !errors.Is(err, ErrInvariantViolation) {
		t.Errorf("expected invariant violation, got %v", err)
	}
}

func TestConcurrentRunsShareController(t *testing.T) {
	reg := testRegistry(t, ToolSpec{Name: "query_logs", Execute: func(ctx context.Context, args json.RawMessage) (any, error) { return "ok", nil }})
	ctrl := NewController(gatewayFunc(func(ctx context.Context, req llm.Request) (*llm.Response, error) {
		if req.Messages[len(req.Messages)-1].Role == llm.RoleTool {
			return answer("done"), nil
		}
		return toolCalls(call("c1", "query_logs", `{}`)), nil
	}), reg, DefaultConfig())

	var wg sync.WaitGroup
	outcomes := make([]*Outcome, 8)
	for i := range outcomes {
		run, err := ctrl.NewRun(llm.SystemMessage("s"), llm.UserMessage(fmt.Sprintf("target %d", i)))
		if err != nil {
			t.Fatal(err)
		}
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i] = run.Execute(context.Background())
		}(i)
	}
	wg.Wait()

	for i, out := range outcomes {
		if out.Status != StatusSuccess || len(out.Transcript) != 5 {
			t.Errorf("run %d: status %s with %d messages", i, out.Status, len(out.Transcript))
		}
		if out.Transcript[1].Content != fmt.Sprintf("target %d", i) {
			t.Errorf("run %d: transcript leaked from another run", i)
		}
	}
}

type gatewayFunc func(ctx context.Context, req llm.Request) (*llm.Response, error)

func (f gatewayFunc) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	return f(ctx, req)
}
