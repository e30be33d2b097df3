package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/drover-run/drover/internal/artifact"
	"github.com/drover-run/drover/internal/broker"
	"github.com/drover-run/drover/internal/commands"
	"github.com/drover-run/drover/internal/executor"
	"github.com/drover-run/drover/internal/gateway"
	"github.com/drover-run/drover/internal/log"
	"github.com/drover-run/drover/internal/mcp"
	"github.com/drover-run/drover/internal/model"
	"github.com/drover-run/drover/internal/registry"
	"github.com/drover-run/drover/internal/store"
)

// engine bundles the wired components shared by serve and run.
type engine struct {
	registry  *registry.Registry
	store     *store.Store
	broker    broker.Broker
	artifacts *artifact.Manager
	uploads   *artifact.Uploads
	exec      *executor.Executor
}

func newEngine(ctx context.Context, cfg model.Config) (*engine, error) {
	reg := registry.New()
	if err := commands.RegisterBuiltins(reg); err != nil {
		return nil, err
	}

	brk, err := broker.New(cfg.Broker)
	if err != nil {
		return nil, fmt.Errorf("starting broker: %w", err)
	}

	art, err := artifact.NewManager(cfg.Results.Dir)
	if err != nil {
		brk.Close()
		return nil, fmt.Errorf("opening results dir: %w", err)
	}

	up, err := artifact.NewUploads(cfg.Uploads.Dir)
	if err != nil {
		brk.Close()
		_ = art.Close()
		return nil, fmt.Errorf("opening uploads dir: %w", err)
	}

	st := store.New(cfg.Results.TTL())
	exec := executor.New(ctx, reg, st, brk, art, cfg.Limits.Workers)

	return &engine{
		registry:  reg,
		store:     st,
		broker:    brk,
		artifacts: art,
		uploads:   up,
		exec:      exec,
	}, nil
}

func (e *engine) close() {
	e.broker.Close()
	_ = e.artifacts.Close()
}

func doServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = log.ContextAttrs(ctx, slog.Group("drover",
		slog.String("cmd", "serve"),
		slog.Int("pid", os.Getpid()),
	))

	eng, err := newEngine(ctx, config)
	if err != nil {
		return err
	}
	defer eng.close()

	sweepInterval, err := config.Results.SweepInterval()
	if err != nil {
		return fmt.Errorf("parsing sweep schedule: %w", err)
	}
	sweeper := artifact.NewSweeper(eng.store, eng.artifacts, sweepInterval)

	adapter := mcp.NewAdapter(eng.registry, eng.exec, config.Limits.MaxBodyBytes, version())
	srv := gateway.NewServer(config, eng.registry, eng.exec, eng.store, eng.artifacts, eng.uploads, adapter, version())

	httpServer := &http.Server{
		Addr:              config.Listen,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		sweeper.Run(gctx)
		return nil
	})
	g.Go(func() error {
		slog.InfoContext(gctx, "listening", "addr", config.Listen, "broker", config.Broker.Backend)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func doRun(cmd *cobra.Command, args []string) error {
	ctx := log.ContextAttrs(cmd.Context(), slog.Group("drover",
		slog.String("cmd", "run"),
		slog.Int("pid", os.Getpid()),
	))

	// run is a one-shot: local memory broker regardless of config
	local := config
	local.Broker = model.Broker{Backend: model.BrokerMemory}

	eng, err := newEngine(ctx, local)
	if err != nil {
		return err
	}
	defer eng.close()

	cmdArgs, err := parseArgs(args[2:])
	if err != nil {
		return err
	}

	res, err := eng.exec.RunSync(ctx, args[0], args[1], cmdArgs)
	if err != nil {
		return err
	}

	fmt.Fprint(os.Stdout, res.Stdout)
	fmt.Fprint(os.Stderr, res.Stderr)
	if len(res.OutputPaths) > 0 {
		fmt.Fprintf(os.Stderr, "artifacts (%s): %s\n", res.JobID, strings.Join(res.OutputPaths, ", "))
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("%s %s: exit code %d", args[0], args[1], res.ExitCode)
	}
	return nil
}

// parseArgs turns key=value pairs into command arguments. Values are
// decoded as JSON when possible, so key=3 is a number and key=true a
// boolean, and fall back to plain strings.
func parseArgs(pairs []string) (map[string]any, error) {
	out := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("argument %q is not key=value", pair)
		}
		var decoded any
		if err := json.Unmarshal([]byte(value), &decoded); err == nil {
			out[key] = decoded
		} else {
			out[key] = value
		}
	}
	return out, nil
}

func doCommands(_ *cobra.Command, _ []string) error {
	reg := registry.New()
	if err := commands.RegisterBuiltins(reg); err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
	fmt.Fprintln(w, "COMMAND\tPARAMS\tDESCRIPTION")
	for _, cmd := range reg.List() {
		params := make([]string, 0, len(cmd.Schema.Params))
		for _, p := range cmd.Schema.Params {
			name := p.Name
			if p.Required {
				name += "*"
			}
			params = append(params, fmt.Sprintf("%s:%s", name, p.Type))
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", cmd.FullName(), strings.Join(params, " "), cmd.Description)
	}
	return w.Flush()
}
