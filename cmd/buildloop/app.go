package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"golang.org/x/term"

	"buildloop/pkg/actor"
	"buildloop/pkg/config"
	"buildloop/pkg/eventlog"
	"buildloop/pkg/logx"
	"buildloop/pkg/metrics"
	"buildloop/pkg/pipeline"
	"buildloop/pkg/runstate"
	"buildloop/pkg/sandbox"
	"buildloop/pkg/templates"
)

// app holds everything a driving command needs.
type app struct {
	cfg     *config.Loaded
	store   runstate.Store
	orch    *pipeline.Orchestrator
	metrics *metrics.Registry
	events  *eventlog.Writer
}

// loadConfig loads the configuration and configures logging from it.
func loadConfig(opts *globalOptions) (*config.Loaded, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, &exitError{code: exitUsage, err: err}
	}
	if opts.logLevel != "" {
		cfg.Log.Level = opts.logLevel
	}
	if err := logx.Configure(logx.Options{Level: cfg.Log.Level, Format: logx.Format(cfg.Log.Format)}); err != nil {
		return nil, &exitError{code: exitUsage, err: fmt.Errorf("configure logging: %w", err)}
	}
	return cfg, nil
}

func openStore(cfg *config.Loaded) (runstate.Store, error) {
	store, err := runstate.Open(cfg.Store.Backend, cfg.Store.Dir)
	if err != nil {
		return nil, &exitError{code: exitUsage, err: fmt.Errorf("open run store: %w", err)}
	}
	return store, nil
}

// newApp wires the orchestrator: model client chain, gateway, sandbox,
// store, event log and metrics.
func newApp(opts *globalOptions, stdout io.Writer) (*app, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}

	apiKey, err := cfg.ResolveAPIKey()
	if err != nil {
		return nil, &exitError{code: exitUsage, err: err}
	}

	reg := metrics.New()
	client, err := actor.NewClient(&cfg.Model, apiKey, reg, logx.NewLogger("actor"))
	if err != nil {
		return nil, &exitError{code: exitUsage, err: fmt.Errorf("create model client: %w", err)}
	}
	renderer, err := templates.NewRenderer()
	if err != nil {
		return nil, fmt.Errorf("load prompt templates: %w", err)
	}
	runner, err := sandbox.NewRunner(cfg.Sandbox)
	if err != nil {
		return nil, &exitError{code: exitUsage, err: err}
	}

	store, err := openStore(cfg)
	if err != nil {
		return nil, err
	}
	events, err := eventlog.NewWriter(cfg.Events.Dir)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("open event log: %w", err)
	}

	var sink eventlog.Sink = events
	if isTerminal(stdout) {
		sink = &progressSink{next: events, out: stdout}
	}

	orch := pipeline.New(pipeline.Deps{
		Store:   store,
		Gateway: actor.NewLLMGateway(client, renderer, cfg.Model.MaxTokens, cfg.Limits.DebugContextTokens),
		Sandbox: runner,
		Events:  sink,
		Metrics: reg,
	}, pipeline.Options{
		MaxIterations:       cfg.Limits.MaxIterations,
		MaxDebugCycles:      cfg.Limits.MaxDebugCycles,
		ConfidenceThreshold: cfg.Limits.ConfidenceThreshold,
		SchemaRetries:       cfg.Limits.SchemaRetries,
		ContextTokens:       cfg.Limits.DebugContextTokens,
		TestEverything:      cfg.TestEverything,
		WorkspaceRoot:       cfg.Workspace.Root,
	})

	return &app{cfg: cfg, store: store, orch: orch, metrics: reg, events: events}, nil
}

// Close flushes the metrics snapshot and releases the event log and store.
func (a *app) Close() error {
	var errs []error
	if a.cfg.Metrics.File != "" {
		if err := a.metrics.WriteTextfile(a.cfg.Metrics.File); err != nil {
			errs = append(errs, err)
		}
	}
	if err := a.events.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := a.store.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func closeApp(a *app, stderr io.Writer) {
	if err := a.Close(); err != nil {
		fmt.Fprintf(stderr, "Warning: shutdown: %v\n", err)
	}
}

// pauseOnSignal turns the first SIGINT/SIGTERM into a pause request for every
// run; in-flight calls finish and the runs checkpoint as PAUSED. A second
// signal cancels the returned context.
func pauseOnSignal(parent context.Context, orch *pipeline.Orchestrator, stderr io.Writer) (context.Context, func()) {
	ctx, cancel := context.WithCancel(parent)
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	done := make(chan struct{})

	go func() {
		select {
		case <-sigs:
			fmt.Fprintln(stderr, "Pause requested: finishing the current step. Interrupt again to abort.")
			orch.RequestPauseAll()
		case <-done:
			return
		}
		select {
		case <-sigs:
			cancel()
		case <-done:
		}
	}()

	return ctx, func() {
		signal.Stop(sigs)
		close(done)
		cancel()
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// progressSink echoes phase transitions to an interactive console.
type progressSink struct {
	next eventlog.Sink
	out  io.Writer
	mu   sync.Mutex
}

func (p *progressSink) Write(ev eventlog.Event) error {
	if ev.Type == eventlog.TypeTransition {
		p.mu.Lock()
		fmt.Fprintf(p.out, "[%s] %-14s -> %-14s it=%-4d %s\n", shortID(ev.RunID), ev.From, ev.To, ev.Iteration, ev.Message)
		p.mu.Unlock()
	}
	return p.next.Write(ev)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
