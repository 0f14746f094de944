package worker

import (
	"context"
	"encoding/json"
	"os"
	"runtime"
	"time"

	"github.com/guseggert/workerhost/operation"
	"github.com/guseggert/workerhost/protocol"
)

// Built-in operations.
const (
	OpPing       = "system.ping"
	OpInfo       = "system.info"
	OpSleep      = "system.sleep"
	OpRunProcess = "process.run"
)

func (w *Worker) registerBuiltins() {
	w.registry.Register(OpPing, ping)
	w.registry.Register(OpInfo, w.info)
	w.registry.Register(OpSleep, sleep)
	w.registry.Register(OpRunProcess, runProcess)
}

type PingResult struct {
	Pong bool      `json:"pong"`
	Time time.Time `json:"time"`
}

func ping(ctx context.Context, _ json.RawMessage, _ operation.Emitter) (any, error) {
	return PingResult{Pong: true, Time: time.Now().UTC()}, nil
}

type Info struct {
	PID             int      `json:"pid"`
	ParentPID       int      `json:"parentPid"`
	Hostname        string   `json:"hostname"`
	OS              string   `json:"os"`
	Arch            string   `json:"arch"`
	GoVersion       string   `json:"goVersion"`
	ProtocolVersion string   `json:"protocolVersion"`
	UptimeMs        int64    `json:"uptimeMs"`
	Operations      []string `json:"operations"`
}

func (w *Worker) info(ctx context.Context, _ json.RawMessage, _ operation.Emitter) (any, error) {
	host, err := os.Hostname()
	if err != nil {
		return nil, err
	}
	return Info{
		PID:             os.Getpid(),
		ParentPID:       w.parentPID,
		Hostname:        host,
		OS:              runtime.GOOS,
		Arch:            runtime.GOARCH,
		GoVersion:       runtime.Version(),
		ProtocolVersion: protocol.CurrentVersion,
		UptimeMs:        time.Since(w.started).Milliseconds(),
		Operations:      w.registry.Operations(),
	}, nil
}

type SleepRequest struct {
	DurationMs int64 `json:"durationMs"`
	// Steps is how many progress events are emitted along the way. Defaults to 10.
	Steps int `json:"steps,omitempty"`
}

type SleepResult struct {
	SleptMs int64 `json:"sleptMs"`
}

// sleep waits for the requested duration, reporting progress. It stops early if cancelled.
func sleep(ctx context.Context, payload json.RawMessage, emit operation.Emitter) (any, error) {
	var req SleepRequest
	if err := operation.Decode(payload, &req); err != nil {
		return nil, err
	}
	if req.DurationMs < 0 {
		return nil, operation.InvalidParameter("durationMs must not be negative, got %d", req.DurationMs)
	}
	if req.Steps <= 0 {
		req.Steps = 10
	}

	start := time.Now()
	step := time.Duration(req.DurationMs) * time.Millisecond / time.Duration(req.Steps)
	timer := time.NewTimer(step)
	defer timer.Stop()
	for i := 1; i <= req.Steps; i++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
		err := emit.Emit(protocol.EventProgress, protocol.ProgressPayload{
			Percent: float64(i) * 100 / float64(req.Steps),
			Status:  "sleeping",
		})
		if err != nil {
			return nil, err
		}
		timer.Reset(step)
	}
	return SleepResult{SleptMs: time.Since(start).Milliseconds()}, nil
}
