// Package worker is the privileged side of workerhost: it listens on the name given by its
// supervisor, serves exactly one front end, and runs the built-in operations.
package worker

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/guseggert/workerhost/ipc"
	"github.com/guseggert/workerhost/operation"
	"github.com/guseggert/workerhost/transport"
)

// EnvParentPID carries the supervisor's PID to the worker.
const EnvParentPID = "WORKERHOST_PARENT_PID"

type Worker struct {
	log       *zap.SugaredLogger
	transport transport.Transport
	name      string
	serverCfg ipc.Config
	registry  *operation.Registry
	started   time.Time

	engine string

	parentPID           int
	parentCheckInterval time.Duration
	parentExitHandler   func()
	parentAlive         func(pid int) bool
}

type Option func(w *Worker)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(w *Worker) {
		if l != nil {
			w.log = l.Named("worker")
		}
	}
}

func WithServerConfig(cfg ipc.Config) Option {
	return func(w *Worker) {
		w.serverCfg = cfg
	}
}

// WithParentPID makes Run stop once the process with this PID is gone.
func WithParentPID(pid int) Option {
	return func(w *Worker) {
		w.parentPID = pid
	}
}

func WithParentCheckInterval(d time.Duration) Option {
	return func(w *Worker) {
		w.parentCheckInterval = d
	}
}

// WithParentExitHandler replaces the default reaction to the parent going away, which is
// to stop Run.
func WithParentExitHandler(f func()) Option {
	return func(w *Worker) {
		w.parentExitHandler = f
	}
}

// WithEngine names the command whose presence and version are reported in the handshake.
func WithEngine(command string) Option {
	return func(w *Worker) {
		w.engine = command
	}
}

func New(tr transport.Transport, name string, opts ...Option) *Worker {
	w := &Worker{
		log:                 zap.NewNop().Sugar(),
		transport:           tr,
		name:                name,
		serverCfg:           ipc.DefaultConfig(),
		registry:            operation.NewRegistry(),
		started:             time.Now(),
		parentCheckInterval: time.Second,
		parentAlive:         parentAlive,
	}
	for _, o := range opts {
		o(w)
	}
	w.registerBuiltins()
	return w
}

// Registry holds the operations served. More can be registered before Run.
func (w *Worker) Registry() *operation.Registry {
	return w.registry
}

// Run listens, serves one front end, and returns when it disconnects, ctx is done, or the
// parent exits.
func (w *Worker) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	l, err := w.transport.Listen(ctx, w.name)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", w.name, err)
	}
	w.log.Infow("listening", "transport", w.transport.Kind(), "addr", l.Addr(), "operations", w.registry.Operations())

	if w.parentPID > 0 {
		go w.watchParent(ctx, cancel)
	}

	srv := ipc.NewServer(w.registry,
		ipc.WithServerLogger(w.log),
		ipc.WithServerConfig(w.serverCfg),
		ipc.WithAvailability(w.availability),
	)
	return srv.Serve(ctx, l)
}

// watchParent polls the parent process and stops the worker once it is gone.
func (w *Worker) watchParent(ctx context.Context, cancel context.CancelFunc) {
	ticker := time.NewTicker(w.parentCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if w.parentAlive(w.parentPID) {
			continue
		}
		w.log.Warnw("parent process is gone, shutting down", "parent_pid", w.parentPID)
		if w.parentExitHandler != nil {
			w.parentExitHandler()
		}
		cancel()
		return
	}
}

func (w *Worker) availability() ipc.Availability {
	a := ipc.Availability{RuntimeAvailable: true, RuntimeVersion: runtime.Version()}
	if w.engine == "" {
		return a
	}
	path, err := exec.LookPath(w.engine)
	if err != nil {
		w.log.Debugf("engine %s not found: %s", w.engine, err)
		return a
	}
	a.EngineAvailable = true

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out, err := exec.CommandContext(ctx, path, "--version").Output()
	if err != nil {
		w.log.Debugf("reading engine version: %s", err)
		return a
	}
	line, _, _ := strings.Cut(strings.TrimSpace(string(out)), "\n")
	a.EngineVersion = strings.TrimSpace(line)
	return a
}
