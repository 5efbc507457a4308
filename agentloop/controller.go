package agentloop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/martinemde/debugagent/llm"
)

// State is the lifecycle state of a run.
type State string

const (
	StateRunning             State = "running"
	StateAwaitingToolResults State = "awaiting_tool_results"
	StateDone                State = "done"
)

// Gateway produces the next assistant turn for a conversation.
// *llm.Client satisfies it.
type Gateway interface {
	Complete(ctx context.Context, req llm.Request) (*llm.Response, error)
}

// Config holds the controller's tuning. Zero values fall back to defaults
// where noted.
type Config struct {
	MaxIterations          int            `json:"max_iterations"`
	ToolParallelism        int            `json:"tool_parallelism"`          // <= 0 means 1
	UnknownToolStreakLimit int            `json:"unknown_tool_streak_limit"` // 0 disables
	EnableLoopDetection    bool           `json:"enable_loop_detection"`
	LoopDetectionWindow    int            `json:"loop_detection_window"`
	ToolOutputLimits       map[string]int `json:"tool_output_limits,omitempty"`
	ToolLineLimits         map[string]int `json:"tool_line_limits,omitempty"`
	Model                  string         `json:"model"`
	Provider               string         `json:"provider,omitempty"`
	Temperature            *float64       `json:"temperature,omitempty"`
	MaxTokens              *int           `json:"max_tokens,omitempty"`
}

// DefaultConfig returns the default controller configuration.
func DefaultConfig() Config {
	return Config{
		MaxIterations:          15,
		ToolParallelism:        1,
		UnknownToolStreakLimit: 2,
		EnableLoopDetection:    true,
		LoopDetectionWindow:    6,
	}
}

// ControllerOption configures a Controller.
type ControllerOption func(*Controller)

// WithLogger sets the controller's logger.
func WithLogger(logger *slog.Logger) ControllerOption {
	return func(c *Controller) {
		c.logger = logger
	}
}

// WithEventBuffer sets the event channel size of each run.
func WithEventBuffer(size int) ControllerOption {
	return func(c *Controller) {
		c.eventBuffer = size
	}
}

// Controller drives runs against a gateway and a frozen tool registry.
// It holds no per-run state, so many runs may share one Controller.
type Controller struct {
	gateway     Gateway
	registry    *Registry
	executor    *Executor
	config      Config
	logger      *slog.Logger
	eventBuffer int
}

// NewController creates a Controller and freezes the registry.
func NewController(gateway Gateway, registry *Registry, cfg Config, opts ...ControllerOption) *Controller {
	c := &Controller{
		gateway:     gateway,
		registry:    registry,
		config:      cfg,
		logger:      slog.Default(),
		eventBuffer: 256,
	}
	for _, opt := range opts {
		opt(c)
	}
	registry.Freeze()
	c.executor = NewExecutor(registry, cfg.ToolOutputLimits, cfg.ToolLineLimits, c.logger)
	return c
}

// Registry returns the controller's tool registry.
func (c *Controller) Registry() *Registry { return c.registry }

// Config returns the controller's configuration.
func (c *Controller) Config() Config { return c.config }

// NewRun prepares a run seeded with the given messages, typically a system
// turn and a user turn.
func (c *Controller) NewRun(seed ...llm.Message) (*Run, error) {
	conv, err := NewConversation(seed...)
	if err != nil {
		return nil, err
	}
	id := uuid.New().String()
	return &Run{
		id:         id,
		controller: c,
		conv:       conv,
		emitter:    NewEventEmitter(id, c.eventBuffer),
		budget:     c.config.MaxIterations,
		state:      StateRunning,
		logger:     c.logger.With("run_id", id),
	}, nil
}

// Run is one investigation: a conversation, its iteration budget and its
// event stream. A Run executes once.
type Run struct {
	id         string
	controller *Controller
	conv       *Conversation
	emitter    *EventEmitter
	logger     *slog.Logger
	started    atomic.Bool

	mu            sync.Mutex
	state         State
	budget        int
	rounds        int
	usage         llm.Usage
	unknownStreak int
}

// ID returns the run identifier.
func (r *Run) ID() string { return r.id }

// Events returns the run's event channel. It is closed when Execute returns.
func (r *Run) Events() <-chan RunEvent { return r.emitter.Events() }

// State returns the current lifecycle state.
func (r *Run) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Conversation returns a snapshot of the run's messages.
func (r *Run) Conversation() []llm.Message { return r.conv.Messages() }

func (r *Run) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

// Execute runs rounds until a final answer, budget exhaustion, or a fatal
// error, and returns the outcome.
func (r *Run) Execute(ctx context.Context) *Outcome {
	if !r.started.CompareAndSwap(false, true) {
		return &Outcome{
			RunID:      r.id,
			Status:     StatusFatalError,
			Err:        errors.New("run already executed"),
			Transcript: r.conv.Messages(),
		}
	}
	defer r.emitter.Close()

	r.emitter.Emit(EventRunStart, 0, map[string]interface{}{
		"max_iterations": r.budget,
		"tools":          r.controller.registry.Names(),
	})
	r.logger.Info("run started", "max_iterations", r.budget)

	out := r.loop(ctx)

	r.emitter.Emit(EventRunEnd, out.Rounds, map[string]interface{}{
		"status": string(out.Status),
		"rounds": out.Rounds,
	})
	r.logger.Info("run finished", "status", out.Status, "rounds", out.Rounds, "error", out.ErrorMessage())
	return out
}

func (r *Run) loop(ctx context.Context) *Outcome {
	c := r.controller
	for {
		if err := ctx.Err(); err != nil {
			return r.fail(fmt.Errorf("%w: %w", ErrCancelled, err))
		}

		if r.budget <= 0 {
			r.emitter.Emit(EventBudgetExhausted, r.rounds, map[string]interface{}{
				"rounds": r.rounds,
			})
			return r.finish(StatusBudgetExhausted, "", nil)
		}

		r.rounds++
		r.emitter.Emit(EventRoundStart, r.rounds, map[string]interface{}{
			"remaining": r.budget,
		})

		resp, err := c.gateway.Complete(ctx, r.request())
		if err != nil {
			if ctx.Err() != nil {
				return r.fail(fmt.Errorf("%w: %w", ErrCancelled, ctx.Err()))
			}
			return r.fail(&GatewayError{Round: r.rounds, Err: err})
		}
		if err := validateResponse(resp); err != nil {
			return r.fail(&GatewayError{Round: r.rounds, Err: err})
		}

		msg := resp.Message
		if err := r.conv.Append(msg); err != nil {
			return r.fail(err)
		}
		r.mu.Lock()
		r.budget--
		r.usage = r.usage.Add(resp.Usage)
		r.mu.Unlock()

		r.emitter.Emit(EventAssistantMessage, r.rounds, map[string]interface{}{
			"text":       msg.Content,
			"tool_calls": len(msg.ToolCalls),
		})
		r.checkContextUsage()

		if !msg.HasToolCalls() {
			return r.finish(StatusSuccess, strings.TrimSpace(msg.Content), nil)
		}

		r.setState(StateAwaitingToolResults)
		results := r.executeToolCalls(ctx, msg.ToolCalls)
		for _, res := range results {
			if err := r.conv.Append(res.Message()); err != nil {
				return r.fail(err)
			}
		}
		if n := r.conv.PendingCalls(); n > 0 {
			return r.fail(fmt.Errorf("%w: %d tool calls left unanswered", ErrInvariantViolation, n))
		}

		if err := r.trackUnknownTools(msg.ToolCalls); err != nil {
			return r.fail(err)
		}

		if c.config.EnableLoopDetection && DetectLoop(r.conv.Messages(), c.config.LoopDetectionWindow) {
			warning := fmt.Sprintf("Loop detected: the last %d tool calls follow a repeating pattern. Try a different approach.", c.config.LoopDetectionWindow)
			if err := r.conv.Append(llm.UserMessage(warning)); err != nil {
				return r.fail(err)
			}
			r.emitter.Emit(EventLoopDetection, r.rounds, map[string]interface{}{
				"message": warning,
			})
			r.emitter.Emit(EventSteeringInjected, r.rounds, map[string]interface{}{
				"content": warning,
			})
			r.logger.Warn("repeating tool call pattern", "window", c.config.LoopDetectionWindow)
		}

		r.setState(StateRunning)
	}
}

func (r *Run) request() llm.Request {
	cfg := r.controller.config
	return llm.Request{
		Model:       cfg.Model,
		Provider:    cfg.Provider,
		Messages:    r.conv.Messages(),
		Tools:       r.controller.registry.Describe(),
		ToolChoice:  "auto",
		Temperature: cfg.Temperature,
		MaxTokens:   cfg.MaxTokens,
	}
}

// validateResponse checks the reply is a usable assistant turn.
func validateResponse(resp *llm.Response) error {
	if resp == nil {
		return fmt.Errorf("%w: empty response", ErrMalformedResponse)
	}
	msg := resp.Message
	if msg.Role != llm.RoleAssistant {
		return fmt.Errorf("%w: expected assistant role, got %q", ErrMalformedResponse, msg.Role)
	}
	if len(msg.ToolCalls) == 0 && strings.TrimSpace(msg.Content) == "" {
		return fmt.Errorf("%w: no content and no tool calls", ErrMalformedResponse)
	}
	seen := make(map[string]bool, len(msg.ToolCalls))
	for i, tc := range msg.ToolCalls {
		if tc.ID == "" {
			return fmt.Errorf("%w: tool call %d has no id", ErrMalformedResponse, i)
		}
		if tc.Name == "" {
			return fmt.Errorf("%w: tool call %s has no name", ErrMalformedResponse, tc.ID)
		}
		if seen[tc.ID] {
			return fmt.Errorf("%w: duplicate tool call id %s", ErrMalformedResponse, tc.ID)
		}
		seen[tc.ID] = true
	}
	return nil
}

// executeToolCalls runs the calls with bounded parallelism. Results are
// returned in request order regardless of completion order.
func (r *Run) executeToolCalls(ctx context.Context, calls []llm.ToolCall) []ToolResult {
	limit := r.controller.config.ToolParallelism
	if limit <= 0 {
		limit = 1
	}

	results := make([]ToolResult, len(calls))
	var g errgroup.Group
	g.SetLimit(limit)
	for i, call := range calls {
		g.Go(func() error {
			results[i] = r.executeSingleTool(ctx, call)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (r *Run) executeSingleTool(ctx context.Context, call llm.ToolCall) ToolResult {
	r.emitter.Emit(EventToolCallStart, r.rounds, map[string]interface{}{
		"tool_name": call.Name,
		"call_id":   call.ID,
		"arguments": string(call.Arguments),
	})

	result := r.controller.executor.Execute(ctx, call)

	data := map[string]interface{}{
		"tool_name": call.Name,
		"call_id":   call.ID,
		"output":    result.Output,
	}
	if result.IsError {
		data["error"] = result.Content
	}
	r.emitter.Emit(EventToolCallEnd, r.rounds, data)
	return result
}

// trackUnknownTools counts consecutive rounds in which every call named a
// tool outside the catalogue.
func (r *Run) trackUnknownTools(calls []llm.ToolCall) error {
	allUnknown := true
	for _, tc := range calls {
		if r.controller.registry.Has(tc.Name) {
			allUnknown = false
			break
		}
	}
	if !allUnknown {
		r.unknownStreak = 0
		return nil
	}

	r.unknownStreak++
	limit := r.controller.config.UnknownToolStreakLimit
	if limit > 0 && r.unknownStreak >= limit {
		return fmt.Errorf("%w: %d consecutive rounds requested only unknown tools", ErrNoProgress, r.unknownStreak)
	}
	r.emitter.Emit(EventWarning, r.rounds, map[string]interface{}{
		"message": "all requested tools are unknown",
	})
	return nil
}

// checkContextUsage emits a warning if the transcript approaches the
// model's context window.
func (r *Run) checkContextUsage() {
	info := llm.GetModelInfo(r.controller.config.Model)
	if info == nil || info.ContextWindow <= 0 {
		return
	}

	totalChars := 0
	for _, msg := range r.conv.Messages() {
		totalChars += len(msg.Content)
		for _, tc := range msg.ToolCalls {
			totalChars += len(tc.Arguments)
		}
	}

	approxTokens := totalChars / 4
	threshold := int(float64(info.ContextWindow) * 0.8)
	if approxTokens > threshold {
		pct := int(float64(approxTokens) / float64(info.ContextWindow) * 100)
		r.emitter.Emit(EventWarning, r.rounds, map[string]interface{}{
			"message": fmt.Sprintf("Context usage at ~%d%% of context window", pct),
		})
	}
}

func (r *Run) finish(status Status, answer string, err error) *Outcome {
	r.mu.Lock()
	r.state = StateDone
	out := &Outcome{
		RunID:       r.id,
		Status:      status,
		FinalAnswer: answer,
		Err:         err,
		Rounds:      r.rounds,
		Usage:       r.usage,
	}
	r.mu.Unlock()
	out.Transcript = r.conv.Messages()
	return out
}

func (r *Run) fail(err error) *Outcome {
	r.emitter.Emit(EventError, r.rounds, map[string]interface{}{
		"error": err.Error(),
	})
	r.logger.Error("run failed", "round", r.rounds, "error", err)
	return r.finish(StatusFatalError, "", err)
}
