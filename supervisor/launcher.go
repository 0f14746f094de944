package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"
)

// LaunchSpec describes one worker process.
type LaunchSpec struct {
	Path string
	Args []string
	// Env is appended to the supervisor's environment.
	Env []string
	Dir string
}

// Process is a running worker.
type Process interface {
	Pid() int
	// Done is closed once the process has exited.
	Done() <-chan struct{}
	// ExitCode is valid after Done is closed. It is -1 if the process was killed
	// or its status could not be read.
	ExitCode() int
	// Kill forcibly terminates the process and its children.
	Kill() error
}

// Launcher starts worker processes. ctx bounds only the launch itself.
type Launcher interface {
	Launch(ctx context.Context, spec LaunchSpec) (Process, error)
}

// ExecLauncher runs workers as child processes, logging their stdout and stderr.
type ExecLauncher struct {
	Log *zap.SugaredLogger
}

func (l *ExecLauncher) Launch(ctx context.Context, spec LaunchSpec) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	log := l.Log
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	cmd := exec.Command(spec.Path, spec.Args...)
	cmd.Env = append(os.Environ(), spec.Env...)
	cmd.Dir = spec.Dir
	stdout := newLineWriter(log.Named("worker").With("stream", "stdout").Info)
	stderr := newLineWriter(log.Named("worker").With("stream", "stderr").Warn)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = time.Second
	setProcessGroup(cmd)

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting worker %s: %w", spec.Path, err)
	}
	p := &execProcess{cmd: cmd, done: make(chan struct{}), exitCode: -1}
	log.Infow("started worker", "path", spec.Path, "pid", cmd.Process.Pid)

	go func() {
		err := cmd.Wait()
		stdout.Flush()
		stderr.Flush()

		code := 0
		if err != nil {
			code = -1
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				code = exitErr.ExitCode()
			}
		}
		p.mu.Lock()
		p.exitCode = code
		p.mu.Unlock()
		close(p.done)
		log.Infow("worker exited", "pid", cmd.Process.Pid, "code", code, "uptime", time.Since(start))
	}()
	return p, nil
}

type execProcess struct {
	cmd  *exec.Cmd
	done chan struct{}

	mu       sync.Mutex
	exitCode int
}

func (p *execProcess) Pid() int              { return p.cmd.Process.Pid }
func (p *execProcess) Done() <-chan struct{} { return p.done }

func (p *execProcess) ExitCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode
}

func (p *execProcess) Kill() error {
	select {
	case <-p.done:
		return nil
	default:
	}
	return killTree(p.cmd)
}
