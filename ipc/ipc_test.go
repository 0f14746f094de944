package ipc

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

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

func testRegistry() *operation.Registry {
	r := operation.NewRegistry()
	r.Register("echo", func(ctx context.Context, payload json.RawMessage, emit operation.Emitter) (any, error) {
		return payload, nil
	})
	r.Register("progress", func(ctx context.Context, payload json.RawMessage, emit operation.Emitter) (any, error) {
		var in struct{ Count int }
		if err := operation.Decode(payload, &in); err != nil {
			return nil, err
		}
		for i := 0; i < in.Count; i++ {
			if err := emit.Emit(protocol.EventProgress, protocol.ProgressPayload{Percent: float64(i)}); err != nil {
				return nil, err
			}
		}
		return map[string]int{"emitted": in.Count}, nil
	})
	r.Register("block", func(ctx context.Context, payload json.RawMessage, emit operation.Emitter) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	r.Register("started", func(ctx context.Context, payload json.RawMessage, emit operation.Emitter) (any, error) {
		if err := emit.Emit(protocol.EventLog, protocol.LogPayload{Message: "started"}); err != nil {
			return nil, err
		}
		<-ctx.Done()
		return nil, ctx.Err()
	})
	r.Register("raw", func(ctx context.Context, payload json.RawMessage, emit operation.Emitter) (any, error) {
		return json.RawMessage("{not json"), nil
	})
	r.Register("nothing", func(ctx context.Context, payload json.RawMessage, emit operation.Emitter) (any, error) {
		return operation.Warn(nil, "nothing to do"), nil
	})
	r.Register("panic", func(ctx context.Context, payload json.RawMessage, emit operation.Emitter) (any, error) {
		panic("kaboom")
	})
	r.Register("deprecated", func(ctx context.Context, payload json.RawMessage, emit operation.Emitter) (any, error) {
		return operation.Warn(true, "this operation is deprecated"), nil
	})
	return r
}

type harness struct {
	client   *Client
	server   *Server
	cancel   context.CancelFunc
	serveErr chan error
}

func newHarness(t *testing.T, cfg Config, opts ...ClientOption) *harness {
	t.Helper()
	return newHarnessWith(t, transport.NewMem(), "worker", testRegistry(), cfg, opts...)
}

func newHarnessWith(t *testing.T, tr transport.Transport, name string, d operation.Dispatcher, cfg Config, opts ...ClientOption) *harness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	l, err := tr.Listen(ctx, name)
	require.NoError(t, err)

	srv := NewServer(d, WithServerLogger(log), WithServerConfig(cfg))
	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ctx, l) }()

	opts = append([]ClientOption{WithLogger(log), WithConfig(cfg)}, opts...)
	client := NewClient(tr, name, opts...)
	_, err = client.Connect(context.Background())
	require.NoError(t, err)

	h := &harness{client: client, server: srv, cancel: cancel, serveErr: serveErr}
	t.Cleanup(func() {
		client.Close()
		cancel()
		select {
		case <-serveErr:
		case <-time.After(10 * time.Second):
			t.Error("server did not stop")
		}
	})
	return h
}

func TestRequestRoundTrip(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	assert.True(t, h.client.Connected())

	hs := h.client.LastHandshake()
	require.NotNil(t, hs)
	assert.True(t, hs.Success)
	assert.Equal(t, protocol.CurrentVersion, hs.ProtocolVersion)
	assert.NotZero(t, hs.WorkerPID)

	resp, err := h.client.SendRequest(context.Background(), "echo", json.RawMessage(`{"hello":"world"}`))
	require.NoError(t, err)
	require.True(t, resp.Success)
	assert.JSONEq(t, `{"hello":"world"}`, string(resp.Payload))
	assert.Equal(t, 0, h.client.PendingCount())
}

func TestUnknownOperation(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	resp, err := h.client.SendRequest(context.Background(), "does.not.exist", nil)
	require.NoError(t, err)
	assert.False(t, resp.Success)
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.CodeNotSupported, resp.Error.Code)
}

func TestHandlerPanicBecomesInternalError(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	resp, err := h.client.SendRequest(context.Background(), "panic", nil)
	require.NoError(t, err)
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.CodeInternal, resp.Error.Code)

	// the server keeps serving
	resp, err = h.client.SendRequest(context.Background(), "echo", json.RawMessage(`1`))
	require.NoError(t, err)
	assert.True(t, resp.Success)
}

func TestConcurrentRequestsCorrelate(t *testing.T) {
	h := newHarness(t, DefaultConfig())

	var g errgroup.Group
	for i := 0; i < 200; i++ {
		i := i
		g.Go(func() error {
			payload := json.RawMessage(fmt.Sprintf(`{"i":%d}`, i))
			resp, err := h.client.SendRequest(context.Background(), "echo", payload)
			if err != nil {
				return err
			}
			var out struct{ I int }
			if err := json.Unmarshal(resp.Payload, &out); err != nil {
				return err
			}
			if out.I != i {
				return fmt.Errorf("request %d got response for %d", i, out.I)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, 0, h.client.PendingCount())
}

func TestCorrelationIDsAreUnique(t *testing.T) {
	gen := newIDGenerator()
	var (
		mu   sync.Mutex
		seen = map[string]bool{}
		g    errgroup.Group
	)
	for w := 0; w < 8; w++ {
		g.Go(func() error {
			for i := 0; i < 2000; i++ {
				id := gen.next()
				mu.Lock()
				dup := seen[id]
				seen[id] = true
				mu.Unlock()
				if dup {
					return fmt.Errorf("duplicate id %s", id)
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Len(t, seen, 16000)
}

func TestEventsArriveBeforeResponse(t *testing.T) {
	var observed atomic.Int64
	h := newHarness(t, DefaultConfig(), WithEventObserver(func(*protocol.Event) { observed.Add(1) }))

	var got []float64
	resp, err := h.client.SendRequest(context.Background(), "progress", json.RawMessage(`{"count":250}`),
		WithEventHandler(func(ev *protocol.Event) {
			var p protocol.ProgressPayload
			if err := json.Unmarshal(ev.Payload, &p); err == nil {
				got = append(got, p.Percent)
			}
		}))
	require.NoError(t, err)
	require.True(t, resp.Success)
	assert.Equal(t, int64(250), resp.EventCount)
	require.Len(t, got, 250)
	for i, v := range got {
		assert.Equal(t, float64(i), v)
	}
	assert.Equal(t, int64(250), observed.Load())
}

func TestSlowHandlerSeesEveryEventBeforeResponse(t *testing.T) {
	cfg := DefaultConfig()
	// shorter than the time the handler needs for the whole backlog
	cfg.EventDrainTimeout = 200 * time.Millisecond
	name := fmt.Sprintf("workerhost-ipc-test-%d", os.Getpid())
	h := newHarnessWith(t, transport.NewPipe(log), name, testRegistry(), cfg)

	var (
		mu        sync.Mutex
		delivered int
		returned  bool
		late      int
	)
	resp, err := h.client.SendRequest(context.Background(), "progress", json.RawMessage(`{"count":30}`),
		WithEventHandler(func(*protocol.Event) {
			time.Sleep(20 * time.Millisecond)
			mu.Lock()
			defer mu.Unlock()
			delivered++
			if returned {
				late++
			}
		}))
	mu.Lock()
	returned = true
	got := delivered
	mu.Unlock()

	require.NoError(t, err)
	require.True(t, resp.Success)
	assert.Equal(t, int64(30), resp.EventCount)
	assert.Equal(t, 30, got)

	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 0, late)
	assert.Equal(t, 30, delivered)
}

func TestEventCapEndToEnd(t *testing.T) {
	h := newHarness(t, DefaultConfig())

	var delivered atomic.Int64
	resp, err := h.client.SendRequest(context.Background(), "progress", json.RawMessage(`{"count":10001}`),
		WithEventHandler(func(*protocol.Event) { delivered.Add(1) }))
	require.NoError(t, err)
	require.True(t, resp.Success)
	assert.Equal(t, int64(10_000), delivered.Load())
	assert.Equal(t, int64(10_000), resp.EventCount)
}

// fakeWorker accepts one pair and exposes the raw protocol streams, for driving the client
// with traffic a well-behaved Server would never send.
type fakeWorker struct {
	pair    *transport.Pair
	control *protocol.Reader
	out     *protocol.Writer
	events  *protocol.Writer
}

func startFakeWorker(t *testing.T, respond func(req *protocol.HandshakeRequest) *protocol.HandshakeResponse) (*transport.Mem, <-chan *fakeWorker) {
	t.Helper()
	mem := transport.NewMem()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	l, err := mem.Listen(ctx, "fake")
	require.NoError(t, err)

	ready := make(chan *fakeWorker, 1)
	go func() {
		pair, err := l.Accept(ctx)
		if err != nil {
			return
		}
		fw := &fakeWorker{
			pair:    pair,
			control: protocol.NewReader(pair.Control, 0),
			out:     protocol.NewWriter(pair.Control, 0),
			events:  protocol.NewWriter(pair.Events, 0),
		}
		msg, err := fw.control.ReadMessage()
		if err != nil {
			return
		}
		if resp := respond(msg.(*protocol.HandshakeRequest)); resp != nil {
			if err := fw.out.WriteMessage(resp); err != nil {
				return
			}
		}
		ready <- fw
	}()
	t.Cleanup(func() {
		select {
		case fw := <-ready:
			fw.pair.Close()
		default:
		}
	})
	return mem, ready
}

func acceptHandshake(req *protocol.HandshakeRequest) *protocol.HandshakeResponse {
	resp := protocol.NewHandshakeResponse(protocol.CurrentVersion, req.ClientID)
	resp.Success = true
	return resp
}

func TestClientEnforcesEventCap(t *testing.T) {
	mem, ready := startFakeWorker(t, acceptHandshake)
	client := NewClient(mem, "fake", WithLogger(log))
	_, err := client.Connect(context.Background())
	require.NoError(t, err)
	defer client.Close()
	fw := <-ready
	defer fw.pair.Close()

	go func() {
		msg, err := fw.control.ReadMessage()
		if err != nil {
			return
		}
		req := msg.(*protocol.Request)
		for i := 0; i < 10_001; i++ {
			if err := fw.events.WriteMessage(protocol.NewEvent(req.CorrelationID, protocol.EventLog, nil)); err != nil {
				return
			}
		}
		resp := protocol.NewSuccessResponse(req.CorrelationID, nil)
		resp.EventCount = 10_001
		_ = fw.out.WriteMessage(resp)
	}()

	var delivered atomic.Int64
	resp, err := client.SendRequest(context.Background(), "flood", nil,
		WithEventHandler(func(*protocol.Event) { delivered.Add(1) }))
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, int64(10_000), delivered.Load())
}

func TestEventHandlerPanicDoesNotStopLoop(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	var calls atomic.Int64
	resp, err := h.client.SendRequest(context.Background(), "progress", json.RawMessage(`{"count":3}`),
		WithEventHandler(func(*protocol.Event) {
			calls.Add(1)
			panic("bad callback")
		}))
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, int64(3), calls.Load())
}

func TestWarningsBecomeLogEvents(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	var logs []protocol.LogPayload
	resp, err := h.client.SendRequest(context.Background(), "deprecated", nil,
		WithEventHandler(func(ev *protocol.Event) {
			var lp protocol.LogPayload
			if ev.EventType == protocol.EventLog && json.Unmarshal(ev.Payload, &lp) == nil {
				logs = append(logs, lp)
			}
		}))
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, "true", string(resp.Payload))
	require.Len(t, logs, 1)
	assert.Equal(t, operation.LevelWarning, logs[0].Level)
}

func TestCallerCancellationPropagates(t *testing.T) {
	h := newHarness(t, DefaultConfig())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		assert.Eventually(t, func() bool { return h.server.ActiveCount() == 1 }, 5*time.Second, 5*time.Millisecond)
		cancel()
	}()

	resp, err := h.client.SendRequest(ctx, "block", nil)
	require.NoError(t, err)
	assert.True(t, resp.WasCancelled)
	assert.Nil(t, resp.Error)

	// the worker abandons the operation once it sees the cancel
	require.Eventually(t, func() bool { return h.server.ActiveCount() == 0 }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, h.client.PendingCount())
}

func TestSendCancelRoundTrip(t *testing.T) {
	h := newHarness(t, DefaultConfig())

	var events []*protocol.Event
	resp, err := h.client.SendRequest(context.Background(), "started", nil, WithEventHandler(func(ev *protocol.Event) {
		events = append(events, ev)
		assert.NoError(t, h.client.SendCancel(ev.CorrelationID))
	}))
	require.NoError(t, err)
	assert.True(t, resp.WasCancelled)
	assert.False(t, resp.Success)
	require.Len(t, events, 1)
	assert.Equal(t, resp.CorrelationID, events[0].CorrelationID)
	require.Eventually(t, func() bool { return h.server.ActiveCount() == 0 }, 5*time.Second, 5*time.Millisecond)

	// unknown IDs are ignored
	require.NoError(t, h.client.SendCancel("no-such-request"))
	resp, err = h.client.SendRequest(context.Background(), "echo", json.RawMessage(`1`))
	require.NoError(t, err)
	assert.True(t, resp.Success)
}

func TestInvalidResultBecomesInternalError(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RequestTimeout = 10 * time.Second
	h := newHarness(t, cfg)

	start := time.Now()
	resp, err := h.client.SendRequest(context.Background(), "raw", nil)
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.False(t, resp.WasCancelled)
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.CodeInternal, resp.Error.Code)
	assert.Less(t, time.Since(start), 5*time.Second)
}

// rawDispatcher answers every request with the same payload, bypassing the registry's checks.
type rawDispatcher json.RawMessage

func (d rawDispatcher) Dispatch(ctx context.Context, op string, payload json.RawMessage, emit operation.Emitter) (json.RawMessage, error) {
	if err := emit.Emit(protocol.EventProgress, protocol.ProgressPayload{Percent: 50}); err != nil {
		return nil, err
	}
	return json.RawMessage(d), nil
}

func TestUnencodableResponseStillResponds(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RequestTimeout = 10 * time.Second
	h := newHarnessWith(t, transport.NewMem(), "worker", rawDispatcher("{not json"), cfg)

	var events atomic.Int64
	resp, err := h.client.SendRequest(context.Background(), "anything", nil,
		WithEventHandler(func(*protocol.Event) { events.Add(1) }))
	require.NoError(t, err)
	assert.False(t, resp.WasCancelled)
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.CodeInternal, resp.Error.Code)
	assert.Equal(t, int64(1), resp.EventCount)
	assert.Equal(t, int64(1), events.Load())
}

func TestNilResultHasPayload(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	resp, err := h.client.SendRequest(context.Background(), "nothing", nil)
	require.NoError(t, err)
	require.True(t, resp.Success)
	assert.Equal(t, "null", string(resp.Payload))
	assert.Equal(t, int64(1), resp.EventCount)
}

func TestRequestTimeout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RequestTimeout = 100 * time.Millisecond
	h := newHarness(t, cfg)

	start := time.Now()
	// shorter than RequestTimeout, so it is ignored
	resp, err := h.client.SendRequest(context.Background(), "block", nil, WithTimeout(time.Millisecond))
	require.NoError(t, err)
	assert.True(t, resp.WasCancelled)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
	require.Eventually(t, func() bool { return h.server.ActiveCount() == 0 }, 5*time.Second, 5*time.Millisecond)
}

func TestServerShutdownCancelsInFlight(t *testing.T) {
	h := newHarness(t, DefaultConfig())

	go func() {
		assert.Eventually(t, func() bool { return h.server.ActiveCount() == 1 }, 5*time.Second, 5*time.Millisecond)
		h.cancel()
	}()

	resp, err := h.client.SendRequest(context.Background(), "block", nil)
	if err != nil {
		// the pair may close before the cancelled response is read
		require.ErrorIs(t, err, ErrConnectionLost)
		return
	}
	assert.True(t, resp.WasCancelled)
}

func TestDisconnectFailsPendingRequests(t *testing.T) {
	mem, ready := startFakeWorker(t, acceptHandshake)

	var disconnects atomic.Int64
	client := NewClient(mem, "fake", WithLogger(log), WithDisconnectHandler(func(error) { disconnects.Add(1) }))
	_, err := client.Connect(context.Background())
	require.NoError(t, err)
	defer client.Close()
	fw := <-ready

	const inFlight = 5
	go func() {
		// close only once every request is written, so all of them are pending
		for i := 0; i < inFlight; i++ {
			if _, err := fw.control.ReadMessage(); err != nil {
				return
			}
		}
		fw.pair.Close()
	}()

	var g errgroup.Group
	for i := 0; i < inFlight; i++ {
		g.Go(func() error {
			_, err := client.SendRequest(context.Background(), "anything", nil)
			return err
		})
	}
	err = g.Wait()
	require.ErrorIs(t, err, ErrConnectionLost)

	require.Eventually(t, func() bool { return !client.Connected() }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(1), disconnects.Load())
	assert.Equal(t, 0, client.PendingCount())

	_, err = client.SendRequest(context.Background(), "anything", nil)
	require.ErrorIs(t, err, ErrNotConnected)
	require.ErrorIs(t, client.SendHeartbeat(1), ErrNotConnected)
}

func TestVersionMismatch(t *testing.T) {
	mem, _ := startFakeWorker(t, func(req *protocol.HandshakeRequest) *protocol.HandshakeResponse {
		resp := protocol.NewHandshakeResponse("2.0.0", req.ClientID)
		resp.Success = true
		return resp
	})
	client := NewClient(mem, "fake", WithLogger(log))
	_, err := client.Connect(context.Background())
	require.ErrorIs(t, err, ErrVersionMismatch)
	assert.False(t, client.Connected())
}

func TestHandshakeRejected(t *testing.T) {
	mem, _ := startFakeWorker(t, func(req *protocol.HandshakeRequest) *protocol.HandshakeResponse {
		resp := protocol.NewHandshakeResponse(protocol.CurrentVersion, req.ClientID)
		resp.Error = "not today"
		return resp
	})
	client := NewClient(mem, "fake", WithLogger(log))
	_, err := client.Connect(context.Background())
	require.ErrorIs(t, err, ErrHandshakeRejected)
	assert.ErrorContains(t, err, "not today")
}

func TestHandshakeTimeout(t *testing.T) {
	mem, _ := startFakeWorker(t, func(*protocol.HandshakeRequest) *protocol.HandshakeResponse { return nil })
	cfg := DefaultConfig()
	cfg.HandshakeTimeout = 100 * time.Millisecond
	client := NewClient(mem, "fake", WithLogger(log), WithConfig(cfg))

	start := time.Now()
	_, err := client.Connect(context.Background())
	require.ErrorIs(t, err, ErrHandshakeTimeout)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.False(t, client.Connected())
}

func TestServerRejectsIncompatibleClient(t *testing.T) {
	mem := transport.NewMem()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	l, err := mem.Listen(ctx, "worker")
	require.NoError(t, err)

	srv := NewServer(testRegistry(), WithServerLogger(log))
	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ctx, l) }()

	pair, err := mem.Dial(ctx, "worker")
	require.NoError(t, err)
	defer pair.Close()
	go func() {
		_ = protocol.NewWriter(pair.Control, 0).WriteMessage(protocol.NewHandshakeRequest("9.0.0", "old-client", 1))
	}()

	msg, err := protocol.NewReader(pair.Control, 0).ReadMessage()
	require.NoError(t, err)
	resp := msg.(*protocol.HandshakeResponse)
	assert.False(t, resp.Success)
	assert.NotEmpty(t, resp.Error)

	select {
	case err := <-serveErr:
		require.ErrorIs(t, err, ErrVersionMismatch)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not return")
	}
}

func TestHeartbeat(t *testing.T) {
	pongs := make(chan *protocol.HeartbeatPong, 1)
	h := newHarness(t, DefaultConfig(), WithPongHandler(func(p *protocol.HeartbeatPong) { pongs <- p }))

	require.NoError(t, h.client.SendHeartbeat(7))
	select {
	case p := <-pongs:
		assert.Equal(t, int64(7), p.Sequence)
		assert.Equal(t, 0, p.ActiveOperations)
	case <-time.After(5 * time.Second):
		t.Fatal("no pong")
	}
}

func TestConnectTwice(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	_, err := h.client.Connect(context.Background())
	require.ErrorIs(t, err, ErrAlreadyConnected)
}

func TestCloseFailsPendingAndIsIdempotent(t *testing.T) {
	h := newHarness(t, DefaultConfig())

	errCh := make(chan error, 1)
	go func() {
		_, err := h.client.SendRequest(context.Background(), "block", nil)
		errCh <- err
	}()
	require.Eventually(t, func() bool { return h.client.PendingCount() == 1 }, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, h.client.Close())
	require.NoError(t, h.client.Close())
	select {
	case err := <-errCh:
		require.ErrorIs(t, err, ErrClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("pending request not failed on close")
	}
	_, err := h.client.Connect(context.Background())
	require.ErrorIs(t, err, ErrClosed)
}
