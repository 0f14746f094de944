package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/guseggert/workerhost/config"
	"github.com/guseggert/workerhost/internal/logging"
	"github.com/guseggert/workerhost/ipc"
	"github.com/guseggert/workerhost/protocol"
	"github.com/guseggert/workerhost/supervisor"
	"github.com/guseggert/workerhost/transport"
)

var version = "dev"

func main() {
	app := &cli.App{
		Name:  "workerhost",
		Usage: "run operations on a supervised privileged worker",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "Path to a workerhost TOML config file.",
				EnvVars: []string{"WORKERHOST_CONFIG"},
			},
			&cli.StringFlag{
				Name:  "worker",
				Usage: "Path to the worker executable. Overrides worker.path.",
			},
			&cli.StringFlag{
				Name:  "transport",
				Usage: "Transport to the worker. One of [pipe,ws]. Overrides worker.transport.",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Overrides the configured log level.",
			},
		},
		Commands: []*cli.Command{
			{
				Name:      "run",
				Usage:     "start the worker, run one operation, and print its events and response",
				ArgsUsage: "<operation> [json-payload]",
				Flags: []cli.Flag{
					&cli.DurationFlag{
						Name:  "timeout",
						Usage: "Request timeout. Requests always get at least the configured ipc.requestTimeout.",
					},
				},
				Action: runCommand,
			},
			{
				Name:   "watch",
				Usage:  "start the worker and log its state until interrupted",
				Action: watchCommand,
			},
			{
				Name:  "version",
				Usage: "print the binary and protocol versions",
				Action: func(c *cli.Context) error {
					fmt.Fprintf(c.App.Writer, "workerhost %s (protocol %s)\n", version, protocol.CurrentVersion)
					return nil
				},
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

type env struct {
	cfg *config.Config
	log *zap.SugaredLogger
}

func setup(c *cli.Context) (*env, func(), error) {
	cfg := config.Default()
	if path := c.String("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, nil, err
		}
		cfg = *loaded
	}
	if p := c.String("worker"); p != "" {
		cfg.Worker.Path = p
	}
	if t := c.String("transport"); t != "" {
		if _, err := transport.ParseKind(t); err != nil {
			return nil, nil, err
		}
		cfg.Worker.Transport = t
	}
	if lvl := c.String("log-level"); lvl != "" {
		cfg.Log.Level = lvl
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		return nil, nil, fmt.Errorf("building logger: %w", err)
	}
	return &env{cfg: &cfg, log: logger.Sugar()}, func() { _ = logger.Sync() }, nil
}

func (e *env) supervisor(opts ...supervisor.Option) *supervisor.Supervisor {
	opts = append([]supervisor.Option{
		supervisor.WithLogger(e.log),
		supervisor.WithClientConfig(e.cfg.ClientConfig()),
	}, opts...)
	return supervisor.New(e.cfg.SupervisorConfig(), opts...)
}

func runCommand(c *cli.Context) error {
	if c.NArg() < 1 || c.NArg() > 2 {
		return cli.Exit("usage: workerhost run <operation> [json-payload]", 2)
	}
	op := c.Args().Get(0)
	var payload json.RawMessage
	if c.NArg() == 2 {
		payload = json.RawMessage(c.Args().Get(1))
		if !json.Valid(payload) {
			return cli.Exit("payload is not valid JSON", 2)
		}
	}

	e, done, err := setup(c)
	if err != nil {
		return err
	}
	defer done()

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	sup := e.supervisor()
	if err := sup.Start(ctx); err != nil {
		return fmt.Errorf("starting worker: %w", err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := sup.Stop(stopCtx); err != nil {
			e.log.Warnf("stopping worker: %s", err)
		}
	}()

	out := json.NewEncoder(c.App.Writer)
	var opts []ipc.RequestOption
	if d := c.Duration("timeout"); d > 0 {
		opts = append(opts, ipc.WithTimeout(d))
	}
	opts = append(opts, ipc.WithEventHandler(func(ev *protocol.Event) {
		_ = out.Encode(ev)
	}))

	resp, err := sup.SendRequest(ctx, op, payload, opts...)
	if err != nil {
		return err
	}
	if err := out.Encode(resp); err != nil {
		return err
	}
	switch {
	case resp.WasCancelled:
		return cli.Exit("request was cancelled", 3)
	case !resp.Success:
		return cli.Exit(resp.Err().Error(), 1)
	}
	return nil
}

func watchCommand(c *cli.Context) error {
	e, done, err := setup(c)
	if err != nil {
		return err
	}
	defer done()

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	sup := e.supervisor(supervisor.WithStateHandler(func(sc supervisor.StateChange) {
		if sc.Err != nil {
			e.log.Warnw("worker state", "from", sc.From, "to", sc.To, "error", sc.Err)
			return
		}
		e.log.Infow("worker state", "from", sc.From, "to", sc.To)
	}))
	if err := sup.Start(ctx); err != nil {
		return fmt.Errorf("starting worker: %w", err)
	}

	ticker := time.NewTicker(e.cfg.Supervisor.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return sup.Stop(stopCtx)
		case <-ticker.C:
			st := sup.Status()
			e.log.Debugw("status", "state", st.State, "pid", st.PID, "restarts", st.Restarts, "missed_heartbeats", st.MissedHeartbeats)
			if errors.Is(st.LastError, supervisor.ErrBudgetExhausted) {
				return fmt.Errorf("giving up: %w", st.LastError)
			}
		}
	}
}
