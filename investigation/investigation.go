// Package investigation composes one debugging run: it seeds the
// conversation with the workflow prompt and the target, drives the agent
// loop, and records the outcome in the audit store.
package investigation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/martinemde/debugagent/agentloop"
	"github.com/martinemde/debugagent/llm"
	"github.com/martinemde/debugagent/store"
)

// ErrInvalidTarget is returned when a request names no function or project.
var ErrInvalidTarget = errors.New("function name and project id are required")

// Recorder persists runs. *store.DB satisfies it.
type Recorder interface {
	CreateRun(ctx context.Context, r store.Run) error
	FinishRun(ctx context.Context, out *agentloop.Outcome) error
}

// Option configures an Investigator.
type Option func(*Investigator)

// WithRecorder records every run.
func WithRecorder(r Recorder) Option {
	return func(i *Investigator) {
		i.recorder = r
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(i *Investigator) {
		i.logger = l
	}
}

// WithClock overrides the clock used for the target context.
func WithClock(now func() time.Time) Option {
	return func(i *Investigator) {
		i.now = now
	}
}

// Investigator starts investigations against a fixed gateway and tool
// catalogue. It is safe for concurrent use.
type Investigator struct {
	gateway    agentloop.Gateway
	controller *agentloop.Controller
	recorder   Recorder
	logger     *slog.Logger
	now        func() time.Time
}

// New builds an Investigator. The registry is frozen.
func New(gateway agentloop.Gateway, registry *agentloop.Registry, cfg agentloop.Config, opts ...Option) *Investigator {
	i := &Investigator{
		gateway: gateway,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(i)
	}
	i.controller = agentloop.NewController(gateway, registry, cfg, agentloop.WithLogger(i.logger))
	return i
}

// Config returns the default loop configuration.
func (i *Investigator) Config() agentloop.Config { return i.controller.Config() }

// Request describes one investigation.
type Request struct {
	Target
	// MaxIterations overrides the configured budget when positive.
	MaxIterations int
}

// Investigation is a prepared run.
type Investigation struct {
	run    *agentloop.Run
	target Target
	inv    *Investigator
}

// Start prepares a run for req and records it as running. The caller
// executes it.
func (i *Investigator) Start(ctx context.Context, req Request) (*Investigation, error) {
	if req.FunctionName == "" || req.ProjectID == "" {
		return nil, ErrInvalidTarget
	}

	controller := i.controller
	if req.MaxIterations > 0 && req.MaxIterations != controller.Config().MaxIterations {
		cfg := controller.Config()
		cfg.MaxIterations = req.MaxIterations
		controller = agentloop.NewController(i.gateway, controller.Registry(), cfg, agentloop.WithLogger(i.logger))
	}

	system := SystemPrompt + "\n\n" + TargetContext(req.Target, controller.Config().Model, i.now())
	run, err := controller.NewRun(llm.SystemMessage(system), llm.UserMessage(UserPrompt(req.Target)))
	if err != nil {
		return nil, fmt.Errorf("seeding conversation: %w", err)
	}

	if i.recorder != nil {
		err := i.recorder.CreateRun(ctx, store.Run{
			ID:           run.ID(),
			FunctionName: req.FunctionName,
			ProjectID:    req.ProjectID,
			Repo:         req.Repo,
			Note:         req.Note,
		})
		if err != nil {
			return nil, fmt.Errorf("recording run: %w", err)
		}
	}

	i.logger.Info("investigation started",
		"run_id", run.ID(),
		"function", req.FunctionName,
		"project", req.ProjectID,
		"max_iterations", controller.Config().MaxIterations,
	)
	return &Investigation{run: run, target: req.Target, inv: i}, nil
}

// ID returns the run identifier.
func (x *Investigation) ID() string { return x.run.ID() }

// Target returns what the run investigates.
func (x *Investigation) Target() Target { return x.target }

// Events returns the run's event stream.
func (x *Investigation) Events() <-chan agentloop.RunEvent { return x.run.Events() }

// Execute runs the loop and records the outcome. Recording uses a context
// that survives cancellation of ctx so interrupted runs are still stored.
func (x *Investigation) Execute(ctx context.Context) *agentloop.Outcome {
	out := x.run.Execute(ctx)

	if x.inv.recorder != nil {
		saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := x.inv.recorder.FinishRun(saveCtx, out); err != nil {
			x.inv.logger.Error("recording outcome failed", "run_id", out.RunID, "error", err)
		}
	}
	return out
}
