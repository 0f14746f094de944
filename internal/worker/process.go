package worker

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/guseggert/workerhost/operation"
	"github.com/guseggert/workerhost/protocol"
)

type RunRequest struct {
	Command string   `json:"command"`
	Args    []string `json:"args,omitempty"`
	// Env is added to the worker's environment.
	Env   []string `json:"env,omitempty"`
	Dir   string   `json:"dir,omitempty"`
	Stdin string   `json:"stdin,omitempty"`
}

type RunResult struct {
	ExitCode int   `json:"exitCode"`
	TimeMs   int64 `json:"timeMs"`
}

// OutputPayload is the payload of the partialOutput events emitted by process.run.
type OutputPayload struct {
	Stream string `json:"stream"`
	Data   string `json:"data"`
}

// runProcess runs a command to completion, streaming its output as events. A non-zero exit
// is a successful result; cancelling the request kills the command.
func runProcess(ctx context.Context, payload json.RawMessage, emit operation.Emitter) (any, error) {
	var req RunRequest
	if err := operation.Decode(payload, &req); err != nil {
		return nil, err
	}
	if req.Command == "" {
		return nil, operation.InvalidParameter("command is required")
	}

	cmd := exec.CommandContext(ctx, req.Command, req.Args...)
	cmd.Dir = req.Dir
	if len(req.Env) > 0 {
		cmd.Env = append(os.Environ(), req.Env...)
	}
	if req.Stdin != "" {
		cmd.Stdin = strings.NewReader(req.Stdin)
	}
	cmd.Stdout = &outputWriter{stream: "stdout", emit: emit}
	cmd.Stderr = &outputWriter{stream: "stderr", emit: emit}
	cmd.WaitDelay = time.Second

	start := time.Now()
	err := cmd.Run()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		return nil, err
	}
	return RunResult{ExitCode: cmd.ProcessState.ExitCode(), TimeMs: time.Since(start).Milliseconds()}, nil
}

// outputWriter turns each write from the command into a partialOutput event.
type outputWriter struct {
	stream string
	emit   operation.Emitter
}

func (w *outputWriter) Write(p []byte) (int, error) {
	// The command's output keeps being drained even if the event stream has failed.
	_ = w.emit.Emit(protocol.EventPartialOutput, OutputPayload{Stream: w.stream, Data: string(p)})
	return len(p), nil
}
