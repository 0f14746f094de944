package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/guseggert/workerhost/config"
	"github.com/guseggert/workerhost/internal/logging"
	"github.com/guseggert/workerhost/internal/worker"
	"github.com/guseggert/workerhost/transport"
)

func main() {
	app := &cli.App{
		Name:  "workerhost-worker",
		Usage: "the privileged worker process, started by workerhost",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "pipe",
				Usage:    "The name to listen on (for the ws transport, a host:port).",
				EnvVars:  []string{transport.EnvName},
				Required: true,
			},
			&cli.StringFlag{
				Name:    "transport",
				Usage:   "The transport to listen with. One of [pipe,ws].",
				EnvVars: []string{transport.EnvKind},
				Value:   string(transport.KindPipe),
			},
			&cli.IntFlag{
				Name:    "parent-pid",
				Usage:   "Exit when the process with this PID is gone. 0 disables the check.",
				EnvVars: []string{worker.EnvParentPID},
			},
			&cli.DurationFlag{
				Name:  "parent-check-interval",
				Usage: "How often to check that the parent process is alive.",
				Value: time.Second,
			},
			&cli.StringFlag{
				Name:  "engine",
				Usage: "Command whose presence and version are reported to the front end.",
			},
			&cli.StringFlag{
				Name:    "config",
				Usage:   "Path to a workerhost TOML config file.",
				EnvVars: []string{"WORKERHOST_CONFIG"},
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Overrides the configured log level.",
			},
		},
		Action: func(c *cli.Context) error {
			cfg := config.Default()
			if path := c.String("config"); path != "" {
				loaded, err := config.Load(path)
				if err != nil {
					return err
				}
				cfg = *loaded
			}
			if lvl := c.String("log-level"); lvl != "" {
				cfg.Log.Level = lvl
			}
			engine := c.String("engine")
			if engine == "" {
				engine = cfg.Worker.Engine
			}

			logger, err := logging.New(cfg.Log)
			if err != nil {
				return fmt.Errorf("building logger: %w", err)
			}
			defer logger.Sync()
			sugar := logger.Sugar()

			kind, err := transport.ParseKind(c.String("transport"))
			if err != nil {
				return err
			}
			if kind == transport.KindMem {
				return fmt.Errorf("the %s transport only works in-process", kind)
			}
			material, err := transport.TLSMaterialFromEnv()
			if err != nil {
				return err
			}
			tr, err := transport.New(kind, transport.Options{Log: sugar, TLS: material})
			if err != nil {
				return err
			}

			w := worker.New(tr, c.String("pipe"),
				worker.WithLogger(sugar),
				worker.WithServerConfig(cfg.ClientConfig()),
				worker.WithParentPID(c.Int("parent-pid")),
				worker.WithParentCheckInterval(c.Duration("parent-check-interval")),
				worker.WithEngine(engine),
			)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return w.Run(ctx)
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
