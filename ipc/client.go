package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/guseggert/workerhost/protocol"
	"github.com/guseggert/workerhost/transport"
)

// EventHandler receives events. Handlers run on the event read loop, so they should not
// block for long. Panics are recovered and logged.
type EventHandler func(ev *protocol.Event)

type connState int

const (
	stateIdle connState = iota
	stateConnecting
	stateConnected
	stateDisconnected
	stateClosed
)

type Client struct {
	log       *zap.SugaredLogger
	cfg       Config
	transport transport.Transport
	name      string
	clientID  string
	ids       *idGenerator

	onEvent      EventHandler
	onPong       func(*protocol.HeartbeatPong)
	onDisconnect func(error)

	mu        sync.Mutex
	state     connState
	pair      *transport.Pair
	writer    *protocol.Writer
	pending   map[string]*pendingRequest
	handshake *protocol.HandshakeResponse

	loops sync.WaitGroup
}

type ClientOption func(c *Client)

func WithLogger(l *zap.SugaredLogger) ClientOption {
	return func(c *Client) {
		if l != nil {
			c.log = l.Named("ipc_client")
		}
	}
}

func WithConfig(cfg Config) ClientOption {
	return func(c *Client) {
		c.cfg = cfg.withDefaults()
	}
}

// WithEventObserver registers a handler that sees every delivered event, after the
// request's own handler.
func WithEventObserver(h EventHandler) ClientOption {
	return func(c *Client) {
		c.onEvent = h
	}
}

func WithPongHandler(f func(*protocol.HeartbeatPong)) ClientOption {
	return func(c *Client) {
		c.onPong = f
	}
}

// WithDisconnectHandler registers f to be called once when the connection is lost.
// It is not called for a Close.
func WithDisconnectHandler(f func(cause error)) ClientOption {
	return func(c *Client) {
		c.onDisconnect = f
	}
}

func WithClientID(id string) ClientOption {
	return func(c *Client) {
		c.clientID = id
	}
}

// NewClient returns a client for the worker listening on name. Call Connect to use it.
func NewClient(tr transport.Transport, name string, opts ...ClientOption) *Client {
	c := &Client{
		log:       zap.NewNop().Sugar(),
		cfg:       DefaultConfig(),
		transport: tr,
		name:      name,
		clientID:  uuid.NewString(),
		ids:       newIDGenerator(),
		pending:   map[string]*pendingRequest{},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Connect opens the channel pair and performs the handshake. The read loops start only
// after a successful handshake. On failure everything opened is closed again.
func (c *Client) Connect(ctx context.Context) (*protocol.HandshakeResponse, error) {
	c.mu.Lock()
	switch c.state {
	case stateIdle:
	case stateClosed:
		c.mu.Unlock()
		return nil, ErrClosed
	default:
		c.mu.Unlock()
		return nil, ErrAlreadyConnected
	}
	c.state = stateConnecting
	c.mu.Unlock()

	resp, pair, reader, writer, err := c.connect(ctx)

	c.mu.Lock()
	if err == nil && c.state == stateClosed {
		err = ErrClosed
	}
	if err != nil {
		if c.state == stateConnecting {
			c.state = stateIdle
		}
		c.mu.Unlock()
		if pair != nil {
			pair.Close()
		}
		return nil, err
	}
	c.state = stateConnected
	c.pair = pair
	c.writer = writer
	c.handshake = resp
	c.loops.Add(2)
	go c.responseLoop(reader)
	go c.eventLoop(protocol.NewReader(pair.Events, c.cfg.MaxMessageSize))
	c.mu.Unlock()

	c.log.Infow("connected", "worker_pid", resp.WorkerPID, "protocol_version", resp.ProtocolVersion)
	return resp, nil
}

func (c *Client) connect(ctx context.Context) (*protocol.HandshakeResponse, *transport.Pair, *protocol.Reader, *protocol.Writer, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()
	pair, err := c.transport.Dial(dialCtx, c.name)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("dialing %s: %w", c.name, err)
	}

	writer := protocol.NewWriter(pair.Control, c.cfg.MaxMessageSize)
	writer.SetWriteTimeout(c.cfg.WriteTimeout)
	reader := protocol.NewReader(pair.Control, c.cfg.MaxMessageSize)

	err = writer.WriteMessage(protocol.NewHandshakeRequest(protocol.CurrentVersion, c.clientID, os.Getpid()))
	if err != nil {
		return nil, pair, nil, nil, fmt.Errorf("sending handshake: %w", err)
	}

	resp, err := c.readHandshake(ctx, pair, reader)
	if err != nil {
		return nil, pair, nil, nil, err
	}
	if !protocol.IsCompatible(protocol.CurrentVersion, resp.ProtocolVersion) {
		return nil, pair, nil, nil, fmt.Errorf("%w: local %s, worker %s", ErrVersionMismatch, protocol.CurrentVersion, resp.ProtocolVersion)
	}
	if !resp.Success {
		return nil, pair, nil, nil, fmt.Errorf("%w: %s", ErrHandshakeRejected, resp.Error)
	}
	return resp, pair, reader, writer, nil
}

func (c *Client) readHandshake(ctx context.Context, pair *transport.Pair, reader *protocol.Reader) (*protocol.HandshakeResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	defer cancel()
	_ = pair.Control.SetReadDeadline(time.Now().Add(c.cfg.HandshakeTimeout))
	stop := context.AfterFunc(ctx, func() {
		_ = pair.Control.SetReadDeadline(time.Now())
	})
	defer stop()

	msg, err := reader.ReadMessage()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil || errors.Is(err, os.ErrDeadlineExceeded) {
			if errors.Is(ctxErr, context.Canceled) {
				return nil, fmt.Errorf("waiting for handshake: %w", ctxErr)
			}
			return nil, ErrHandshakeTimeout
		}
		return nil, fmt.Errorf("reading handshake: %w", err)
	}
	// reset after a successful read so the loops block indefinitely
	if !stop() {
		return nil, ErrHandshakeTimeout
	}
	if err := pair.Control.SetReadDeadline(time.Time{}); err != nil {
		return nil, fmt.Errorf("clearing read deadline: %w", err)
	}

	resp, ok := msg.(*protocol.HandshakeResponse)
	if !ok {
		return nil, fmt.Errorf("%w: expected %s, got %s", ErrUnexpectedMessage, protocol.TypeHandshakeResponse, msg.MessageType())
	}
	return resp, nil
}

type requestOptions struct {
	handler EventHandler
	timeout time.Duration
}

type RequestOption func(o *requestOptions)

// WithEventHandler routes the request's events to h.
func WithEventHandler(h EventHandler) RequestOption {
	return func(o *requestOptions) {
		o.handler = h
	}
}

// WithTimeout asks for a longer timeout than the configured RequestTimeout.
// Shorter values have no effect.
func WithTimeout(d time.Duration) RequestOption {
	return func(o *requestOptions) {
		o.timeout = d
	}
}

// SendRequest sends one request and waits for its response.
//
// If the timeout elapses or ctx is done first, SendRequest returns a response marked
// WasCancelled and tells the worker to abandon the work. An error is returned only when the
// request could not be delivered or the connection was lost while waiting.
func (c *Client) SendRequest(ctx context.Context, op string, payload json.RawMessage, opts ...RequestOption) (*protocol.Response, error) {
	var ro requestOptions
	for _, o := range opts {
		o(&ro)
	}
	timeout := c.cfg.RequestTimeout
	if ro.timeout > timeout {
		timeout = ro.timeout
	}

	id := c.ids.next()
	p := newPendingRequest(id, ro.handler, c.cfg.MaxEventsPerRequest)

	c.mu.Lock()
	if c.state != stateConnected {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	writer := c.writer
	c.pending[id] = p
	c.mu.Unlock()
	defer c.removePending(id)

	log := c.log.With("correlation_id", id, "operation", op)
	if err := writer.WriteMessage(protocol.NewRequest(id, op, payload, timeout)); err != nil {
		if protocol.IsFrameError(err) {
			return nil, err
		}
		return nil, fmt.Errorf("sending request: %w", err)
	}
	log.Debug("request sent")

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-p.done:
	case <-timer.C:
		if p.finish(protocol.NewCancelledResponse(id), nil) {
			log.Debugf("request timed out after %s", timeout)
			c.cancelAsync(id)
		}
	case <-ctx.Done():
		if p.finish(protocol.NewCancelledResponse(id), nil) {
			log.Debug("request cancelled by caller")
			c.cancelAsync(id)
		}
	}
	return p.result()
}

func (c *Client) cancelAsync(id string) {
	go func() {
		if err := c.SendCancel(id); err != nil {
			c.log.Debugw("sending cancel", "correlation_id", id, "error", err)
		}
	}()
}

func (c *Client) removePending(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// SendCancel asks the worker to cancel the request with the given correlation ID.
// Unknown IDs are ignored by the worker.
func (c *Client) SendCancel(id string) error {
	w, err := c.currentWriter()
	if err != nil {
		return err
	}
	return w.WriteMessage(protocol.NewCancelRequest(id))
}

// SendHeartbeat sends a ping. The pong is delivered to the pong handler.
func (c *Client) SendHeartbeat(seq int64) error {
	w, err := c.currentWriter()
	if err != nil {
		return err
	}
	return w.WriteMessage(protocol.NewHeartbeatPing(seq))
}

func (c *Client) currentWriter() (*protocol.Writer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != stateConnected {
		return nil, ErrNotConnected
	}
	return c.writer, nil
}

func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == stateConnected
}

// PendingCount returns the number of requests waiting for a response.
func (c *Client) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// LastHandshake returns the worker's handshake response, or nil before Connect succeeds.
func (c *Client) LastHandshake() *protocol.HandshakeResponse {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handshake
}

func (c *Client) lookup(id string) *pendingRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending[id]
}

func (c *Client) responseLoop(r *protocol.Reader) {
	defer c.loops.Done()
	for {
		msg, err := r.ReadMessage()
		if err != nil {
			if protocol.IsFrameError(err) {
				c.log.Warnf("skipping control message: %s", err)
				continue
			}
			c.disconnect(fmt.Errorf("control channel: %w", err))
			return
		}
		switch m := msg.(type) {
		case *protocol.Response:
			c.handleResponse(m)
		case *protocol.HeartbeatPong:
			c.handlePong(m)
		default:
			c.log.Debugf("ignoring %s on control channel", msg.MessageType())
		}
	}
}

func (c *Client) handleResponse(resp *protocol.Response) {
	p := c.lookup(resp.CorrelationID)
	if p == nil {
		c.log.Debugw("response for unknown request", "correlation_id", resp.CorrelationID)
		return
	}
	if err := resp.Validate(); err != nil {
		c.log.Warnw("invalid response", "correlation_id", resp.CorrelationID, "error", err)
		resp = protocol.NewErrorResponse(resp.CorrelationID, protocol.Errorf(protocol.CodeIPC, "%s", err))
	}
	p.respond(resp, c.cfg.EventDrainTimeout, func(missing int64) {
		c.log.Warnw("response delivered before all events arrived", "correlation_id", resp.CorrelationID, "missing", missing)
	})
}

func (c *Client) handlePong(pong *protocol.HeartbeatPong) {
	if c.onPong == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.log.Errorf("pong handler panicked: %v", r)
		}
	}()
	c.onPong(pong)
}

func (c *Client) eventLoop(r *protocol.Reader) {
	defer c.loops.Done()
	for {
		msg, err := r.ReadMessage()
		if err != nil {
			if protocol.IsFrameError(err) {
				c.log.Warnf("skipping event message: %s", err)
				continue
			}
			c.disconnect(fmt.Errorf("event channel: %w", err))
			return
		}
		ev, ok := msg.(*protocol.Event)
		if !ok {
			c.log.Debugf("ignoring %s on event channel", msg.MessageType())
			continue
		}
		c.handleEvent(ev)
	}
}

func (c *Client) handleEvent(ev *protocol.Event) {
	p := c.lookup(ev.CorrelationID)
	if p == nil {
		c.log.Debugw("dropping event for unknown request", "correlation_id", ev.CorrelationID)
		return
	}
	if p.admit() {
		delivered := p.deliver(func() {
			c.callEventHandler("request", p.handler, ev)
			c.callEventHandler("observer", c.onEvent, ev)
		})
		if !delivered {
			c.log.Debugw("dropping event for finished request", "correlation_id", ev.CorrelationID)
		}
	}
	p.eventProcessed()
}

func (c *Client) callEventHandler(kind string, h EventHandler, ev *protocol.Event) {
	if h == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.log.Errorw("event handler panicked", "handler", kind, "correlation_id", ev.CorrelationID, "panic", r)
		}
	}()
	h(ev)
}

// disconnect fails every pending request and reports the loss. It runs at most once per
// connection.
func (c *Client) disconnect(cause error) {
	c.mu.Lock()
	if c.state != stateConnected {
		c.mu.Unlock()
		return
	}
	c.state = stateDisconnected
	pending := c.pending
	c.pending = map[string]*pendingRequest{}
	pair := c.pair
	c.mu.Unlock()

	c.log.Warnf("disconnected: %s", cause)
	err := connectionLost(cause)
	for _, p := range pending {
		p.finish(nil, err)
	}
	pair.Close()
	if c.onDisconnect != nil {
		c.onDisconnect(cause)
	}
}

// Close tears down the connection. Pending requests fail with ErrClosed. The read loops
// are given DisposeGracePeriod to exit before the streams are closed regardless.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.state == stateClosed {
		c.mu.Unlock()
		return nil
	}
	c.state = stateClosed
	pending := c.pending
	c.pending = map[string]*pendingRequest{}
	pair := c.pair
	c.mu.Unlock()

	for _, p := range pending {
		p.finish(nil, ErrClosed)
	}
	if pair == nil {
		return nil
	}

	now := time.Now()
	_ = pair.Control.SetReadDeadline(now)
	_ = pair.Events.SetReadDeadline(now)

	done := make(chan struct{})
	go func() {
		c.loops.Wait()
		close(done)
	}()
	timer := time.NewTimer(c.cfg.DisposeGracePeriod)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		c.log.Warn("read loops did not exit in time, closing anyway")
	}
	if err := pair.Close(); err != nil {
		c.log.Debugf("closing channels: %s", err)
	}
	return nil
}
