package worker

import (
	"context"
	"encoding/json"
	"os"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/guseggert/workerhost/ipc"
	"github.com/guseggert/workerhost/operation"
	"github.com/guseggert/workerhost/protocol"
	"github.com/guseggert/workerhost/transport"
)

var log *zap.SugaredLogger

func init() {
	l, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	log = l.Sugar()
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []recordedEvent
}

type recordedEvent struct {
	Type    protocol.EventType
	Payload any
}

func (e *recordingEmitter) Emit(t protocol.EventType, payload any) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, recordedEvent{Type: t, Payload: payload})
	return nil
}

func (e *recordingEmitter) output(stream string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	var b strings.Builder
	for _, ev := range e.events {
		if p, ok := ev.Payload.(OutputPayload); ok && p.Stream == stream {
			b.WriteString(p.Data)
		}
	}
	return b.String()
}

// startWorker runs a worker on an in-memory transport and connects a client to it.
func startWorker(t *testing.T, opts ...Option) (*Worker, *ipc.Client, chan error) {
	t.Helper()
	mem := transport.NewMem()
	ctx, cancel := context.WithCancel(context.Background())

	w := New(mem, "worker", append([]Option{WithLogger(log)}, opts...)...)
	runErr := make(chan error, 1)
	go func() { runErr <- w.Run(ctx) }()

	client := ipc.NewClient(mem, "worker", ipc.WithLogger(log))
	require.Eventually(t, func() bool {
		_, err := client.Connect(context.Background())
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)

	t.Cleanup(func() {
		client.Close()
		cancel()
	})
	return w, client, runErr
}

func TestBuiltinOperationsOverIPC(t *testing.T) {
	_, client, _ := startWorker(t)
	ctx := context.Background()

	resp, err := client.SendRequest(ctx, OpPing, nil)
	require.NoError(t, err)
	require.True(t, resp.Success)
	var pong PingResult
	require.NoError(t, json.Unmarshal(resp.Payload, &pong))
	assert.True(t, pong.Pong)

	resp, err = client.SendRequest(ctx, OpInfo, nil)
	require.NoError(t, err)
	require.True(t, resp.Success)
	var info Info
	require.NoError(t, json.Unmarshal(resp.Payload, &info))
	assert.Equal(t, runtime.GOOS, info.OS)
	assert.Equal(t, protocol.CurrentVersion, info.ProtocolVersion)
	assert.Equal(t, []string{OpRunProcess, OpInfo, OpPing, OpSleep}, info.Operations)

	var progress []float64
	resp, err = client.SendRequest(ctx, OpSleep, json.RawMessage(`{"durationMs":50,"steps":5}`),
		ipc.WithEventHandler(func(ev *protocol.Event) {
			var p protocol.ProgressPayload
			if json.Unmarshal(ev.Payload, &p) == nil {
				progress = append(progress, p.Percent)
			}
		}))
	require.NoError(t, err)
	require.True(t, resp.Success)
	assert.Equal(t, []float64{20, 40, 60, 80, 100}, progress)
	assert.EqualValues(t, 5, resp.EventCount)
}

func TestSleepIsCancellable(t *testing.T) {
	_, client, _ := startWorker(t)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	resp, err := client.SendRequest(ctx, OpSleep, json.RawMessage(`{"durationMs":60000}`))
	require.NoError(t, err)
	assert.True(t, resp.WasCancelled)
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestSleepRejectsNegativeDuration(t *testing.T) {
	_, err := sleep(context.Background(), json.RawMessage(`{"durationMs":-1}`), &recordingEmitter{})
	require.Error(t, err)
	assert.Equal(t, protocol.CodeInvalidParameter, protocol.CodeOf(err))
}

func TestRunProcess(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses sh")
	}
	cases := []struct {
		name     string
		req      RunRequest
		exitCode int
		stdout   string
		stderr   string
	}{
		{
			name:   "output on both streams",
			req:    RunRequest{Command: "sh", Args: []string{"-c", "echo out; echo err >&2"}},
			stdout: "out\n",
			stderr: "err\n",
		},
		{
			name:     "non-zero exit is a result",
			req:      RunRequest{Command: "sh", Args: []string{"-c", "exit 3"}},
			exitCode: 3,
		},
		{
			name:   "stdin and env",
			req:    RunRequest{Command: "sh", Args: []string{"-c", `cat; echo "$GREETING"`}, Stdin: "in\n", Env: []string{"GREETING=hi"}},
			stdout: "in\nhi\n",
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			payload, err := json.Marshal(c.req)
			require.NoError(t, err)
			em := &recordingEmitter{}

			res, err := runProcess(context.Background(), payload, em)
			require.NoError(t, err)
			result := res.(RunResult)
			assert.Equal(t, c.exitCode, result.ExitCode)
			assert.Equal(t, c.stdout, em.output("stdout"))
			assert.Equal(t, c.stderr, em.output("stderr"))
		})
	}
}

func TestRunProcessErrors(t *testing.T) {
	_, err := runProcess(context.Background(), json.RawMessage(`{}`), &recordingEmitter{})
	assert.Equal(t, protocol.CodeInvalidParameter, protocol.CodeOf(err))

	_, err = runProcess(context.Background(), json.RawMessage(`{"command":"workerhost-no-such-command"}`), &recordingEmitter{})
	require.Error(t, err)
	assert.Equal(t, protocol.CodeNotFound, operation.Classify(err).Code)
}

func TestRunProcessCancelKillsCommand(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses sleep")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := runProcess(ctx, json.RawMessage(`{"command":"sleep","args":["60"]}`), &recordingEmitter{})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestWorkerStopsWhenParentIsGone(t *testing.T) {
	exited := make(chan struct{})
	mem := transport.NewMem()
	w := New(mem, "worker",
		WithLogger(log),
		WithParentPID(12345),
		WithParentCheckInterval(10*time.Millisecond),
		WithParentExitHandler(func() { close(exited) }),
	)
	w.parentAlive = func(pid int) bool {
		assert.Equal(t, 12345, pid)
		return false
	}

	runErr := make(chan error, 1)
	go func() { runErr <- w.Run(context.Background()) }()

	select {
	case <-exited:
	case <-time.After(5 * time.Second):
		t.Fatal("parent exit handler was not called")
	}
	select {
	case err := <-runErr:
		require.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestParentAliveForSelf(t *testing.T) {
	assert.True(t, parentAlive(os.Getpid()))
}
