// Command debugagent investigates a production Cloud Function, finds the
// root cause of a bug in its logs and source, and opens a pull request with
// a fix.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/martinemde/debugagent/agentloop"
	"github.com/martinemde/debugagent/config"
	"github.com/martinemde/debugagent/investigation"
	"github.com/martinemde/debugagent/report"
	"github.com/martinemde/debugagent/server"
)

// Exit codes.
const (
	exitOK           = 0
	exitFailure      = 1
	exitInconclusive = 2
)

type options struct {
	maxIterations int
	verbose       bool
	configFile    string
	envFile       string
	serve         bool
	addr          string
	note          string
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func parseFlags(args []string) (options, error) {
	var o options
	fs := flag.NewFlagSet("debugagent", flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintln(fs.Output(), "AI Debugging Agent - Investigates Cloud Function bugs and opens fix PRs")
		fmt.Fprintln(fs.Output())
		fs.PrintDefaults()
	}
	fs.IntVar(&o.maxIterations, "max-iterations", 0, "Maximum number of LLM iterations (default from config: 15)")
	fs.BoolVar(&o.verbose, "verbose", false, "Enable verbose output (show tool arguments and results)")
	fs.StringVar(&o.configFile, "config", "", "Optional YAML file with agent tuning")
	fs.StringVar(&o.envFile, "env", ".env", "Dotenv file to load")
	fs.BoolVar(&o.serve, "serve", false, "Run the HTTP API instead of a single investigation")
	fs.StringVar(&o.addr, "addr", "", "Listen address for --serve (default from DEBUGAGENT_ADDR)")
	fs.StringVar(&o.note, "note", "", "Extra context for the agent, appended to the task")
	if err := fs.Parse(args); err != nil {
		return o, err
	}
	if o.maxIterations < 0 {
		return o, errors.New("--max-iterations must be positive")
	}
	return o, nil
}

func run(args []string) int {
	opts, err := parseFlags(args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return exitFailure
	}

	level := slog.LevelInfo
	if opts.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	cfg, err := config.Load(config.LoadOptions{EnvFile: opts.envFile, ConfigFile: opts.configFile})
	if err != nil {
		printConfigError(err)
		return exitFailure
	}
	if opts.maxIterations > 0 {
		cfg.Agent.MaxIterations = opts.maxIterations
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := wire(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return exitFailure
	}
	defer app.Close()

	target := investigation.Target{
		FunctionName: cfg.GCP.FunctionName,
		ProjectID:    cfg.GCP.ProjectID,
		Repo:         cfg.GitHub.Repo,
		BaseBranch:   cfg.GitHub.BaseBranch,
		Note:         opts.note,
	}

	if opts.serve {
		addr := opts.addr
		if addr == "" {
			addr = cfg.Addr
		}
		return serve(ctx, app, target, addr, logger)
	}
	return investigate(ctx, app, cfg, target, opts.verbose)
}

func investigate(ctx context.Context, app *app, cfg *config.Config, target investigation.Target, verbose bool) int {
	x, err := app.investigator.Start(ctx, investigation.Request{Target: target})
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return exitFailure
	}

	printer := report.NewPrinter(os.Stdout, verbose)
	printer.Banner(report.Banner{
		RunID:         x.ID(),
		Function:      target.FunctionName,
		Project:       target.ProjectID,
		Repo:          target.Repo,
		Model:         cfg.LLM.Model,
		MaxIterations: cfg.Agent.MaxIterations,
	})

	followed := make(chan struct{})
	go func() {
		defer close(followed)
		printer.Follow(x.Events())
	}()
	out := x.Execute(ctx)
	<-followed

	if errors.Is(out.Err, agentloop.ErrCancelled) {
		fmt.Println("\n\nAgent interrupted by user.")
		return exitFailure
	}
	printer.Summary(out)

	switch out.Status {
	case agentloop.StatusSuccess:
		return exitOK
	case agentloop.StatusBudgetExhausted:
		return exitInconclusive
	default:
		return exitFailure
	}
}

func serve(ctx context.Context, app *app, defaults investigation.Target, addr string, logger *slog.Logger) int {
	api := server.New(ctx, app.investigator, app.db, defaults, logger)
	srv := &http.Server{Addr: addr, Handler: api.Handler()}

	errc := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	select {
	case err := <-errc:
		logger.Error("server failed", "error", err)
		return exitFailure
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", "error", err)
	}
	api.Wait()
	return exitOK
}

func printConfigError(err error) {
	var verr *config.ValidationError
	if !errors.As(err, &verr) {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		return
	}
	fmt.Fprintln(os.Stderr, "ERROR: Missing or invalid configuration:")
	fmt.Fprintln(os.Stderr)
	for _, p := range verr.Problems {
		fmt.Fprintf(os.Stderr, "  - %s: %s\n", p.Var, p.Message)
	}
	fmt.Fprintln(os.Stderr, "\nPlease set them in the .env file. See .env.example for reference.")
}
