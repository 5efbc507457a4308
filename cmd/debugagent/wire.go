package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/api/option"

	"github.com/martinemde/debugagent/agentloop"
	"github.com/martinemde/debugagent/cloudlog"
	"github.com/martinemde/debugagent/config"
	"github.com/martinemde/debugagent/credentials"
	"github.com/martinemde/debugagent/investigation"
	"github.com/martinemde/debugagent/llm"
	"github.com/martinemde/debugagent/repo"
	"github.com/martinemde/debugagent/store"
	"github.com/martinemde/debugagent/tools"
)

// app holds the long-lived collaborators. Close releases them in reverse
// order of acquisition, including the key file.
type app struct {
	investigator *investigation.Investigator
	db           *store.DB
	closers      []func() error
	logger       *slog.Logger
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("cleanup failed", "error", err)
		}
	}
}

func wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *app, err error) {
	a := &app{logger: logger}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	key, err := credentials.FromBase64(cfg.GCP.SAKeyBase64)
	if err != nil {
		return nil, fmt.Errorf("loading GCP credentials: %w", err)
	}
	a.closers = append(a.closers, key.Close)
	if key.ProjectID() != "" && key.ProjectID() != cfg.GCP.ProjectID {
		logger.Warn("service account belongs to a different project",
			"key_project", key.ProjectID(), "project", cfg.GCP.ProjectID)
	}

	logs, err := cloudlog.New(ctx, cfg.GCP.ProjectID, logger, option.WithCredentialsFile(key.Path()))
	if err != nil {
		return nil, fmt.Errorf("creating Cloud Logging client: %w", err)
	}

	repository, err := newRepository(ctx, cfg, logger, a)
	if err != nil {
		return nil, err
	}

	gateway, err := newGateway(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, gateway.Close)

	registry := agentloop.NewRegistry()
	if err := tools.Register(registry, tools.Deps{Logs: logs, Repo: repository}); err != nil {
		return nil, fmt.Errorf("registering tools: %w", err)
	}
	logger.Debug("tools registered", "count", registry.Count(), "names", registry.Names())

	db, err := store.Open(ctx, cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("opening audit store %s: %w", cfg.DBPath, err)
	}
	a.db = db
	a.closers = append(a.closers, db.Close)

	a.investigator = investigation.New(gateway, registry, cfg.LoopConfig(),
		investigation.WithRecorder(db),
		investigation.WithLogger(logger),
	)
	return a, nil
}

// newRepository builds the GitHub client, with a Redis cache when one is
// configured and reachable.
func newRepository(ctx context.Context, cfg *config.Config, logger *slog.Logger, a *app) (*repo.Client, error) {
	opts := []repo.Option{repo.WithLogger(logger)}
	if cfg.GitHub.APIURL != "" {
		opts = append(opts, repo.WithBaseURL(cfg.GitHub.APIURL))
	}

	if cfg.RedisAddr != "" {
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		cache, err := repo.NewRedisCache(pingCtx, cfg.RedisAddr, cfg.Agent.CacheTTL, logger)
		cancel()
		if err != nil {
			logger.Warn("repository cache disabled", "addr", cfg.RedisAddr, "error", err)
		} else {
			a.closers = append(a.closers, cache.Close)
			opts = append(opts, repo.WithCache(cache))
		}
	}

	client, err := repo.New(cfg.GitHub.Token, cfg.GitHub.Repo, cfg.GitHub.BaseBranch, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating GitHub client: %w", err)
	}
	return client, nil
}

// newGateway builds the LLM client for the configured provider. Retries wrap
// logging so every attempt is logged.
func newGateway(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*llm.Client, error) {
	var adapter llm.ProviderAdapter
	switch {
	case cfg.LLM.Provider == "openai":
		var opts []llm.OpenAIOption
		if cfg.LLM.OpenAIBaseURL != "" {
			opts = append(opts, llm.WithBaseURL(cfg.LLM.OpenAIBaseURL))
		}
		adapter = llm.NewOpenAIAdapter(cfg.LLM.OpenAIKey, opts...)
	case cfg.LLM.Provider == "gemini":
		g, err := llm.NewGeminiAdapter(ctx, cfg.LLM.GeminiKey)
		if err != nil {
			return nil, err
		}
		adapter = g
	case cfg.UsesGollm():
		opts := []llm.GollmAdapterOption{llm.WithModel(cfg.LLM.Model)}
		if cfg.Agent.Temperature != nil {
			opts = append(opts, llm.WithTemperature(*cfg.Agent.Temperature))
		}
		if cfg.Agent.MaxTokens != nil {
			opts = append(opts, llm.WithMaxTokens(*cfg.Agent.MaxTokens))
		}
		g, err := llm.NewGollmAdapter(cfg.LLM.Provider, cfg.LLM.APIKey, opts...)
		if err != nil {
			return nil, err
		}
		adapter = g
	default:
		return nil, errors.New("unsupported LLM provider " + cfg.LLM.Provider)
	}

	policy := llm.DefaultRetryPolicy()
	policy.OnRetry = func(err error, attempt int, delay time.Duration) {
		logger.Warn("retrying LLM request", "attempt", attempt, "delay", delay, "error", err)
	}

	return llm.NewClient(
		llm.WithProvider(cfg.LLM.Provider, adapter),
		llm.WithDefaultProvider(cfg.LLM.Provider),
		llm.WithMiddleware(llm.RetryMiddleware(policy), llm.LoggingMiddleware(logger)),
	), nil
}
