package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/guseggert/workerhost/operation"
	"github.com/guseggert/workerhost/protocol"
	"github.com/guseggert/workerhost/transport"
)

// Availability is the diagnostic part of the handshake response.
type Availability struct {
	EngineAvailable  bool
	EngineVersion    string
	RuntimeAvailable bool
	RuntimeVersion   string
}

func defaultAvailability() Availability {
	return Availability{RuntimeAvailable: true, RuntimeVersion: runtime.Version()}
}

type Server struct {
	log          *zap.SugaredLogger
	cfg          Config
	dispatcher   operation.Dispatcher
	availability func() Availability
	started      time.Time

	mu     sync.Mutex
	active map[string]context.CancelFunc
	wg     sync.WaitGroup
}

type ServerOption func(s *Server)

func WithServerLogger(l *zap.SugaredLogger) ServerOption {
	return func(s *Server) {
		if l != nil {
			s.log = l.Named("ipc_server")
		}
	}
}

func WithServerConfig(cfg Config) ServerOption {
	return func(s *Server) {
		s.cfg = cfg.withDefaults()
	}
}

// WithAvailability sets the function consulted for each handshake's diagnostics.
func WithAvailability(f func() Availability) ServerOption {
	return func(s *Server) {
		s.availability = f
	}
}

func NewServer(d operation.Dispatcher, opts ...ServerOption) *Server {
	s := &Server{
		log:          zap.NewNop().Sugar(),
		cfg:          DefaultConfig(),
		dispatcher:   d,
		availability: defaultAvailability,
		started:      time.Now(),
		active:       map[string]context.CancelFunc{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// ActiveCount returns the number of requests being handled.
func (s *Server) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// Serve waits up to ConnectTimeout for a front end to connect, then serves that one pair.
// The listener is closed once a pair has been accepted.
func (s *Server) Serve(ctx context.Context, l transport.Listener) error {
	acceptCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	pair, err := l.Accept(acceptCtx)
	cancel()
	_ = l.Close()
	if err != nil {
		return fmt.Errorf("accepting connection on %s: %w", l.Addr(), err)
	}
	s.log.Debugw("accepted connection", "addr", l.Addr())
	return s.ServePair(ctx, pair)
}

// ServePair performs the handshake on pair and serves requests until the front end
// disconnects or ctx is done. In-flight requests are cancelled and given
// DisposeGracePeriod to send their responses before the pair is closed.
func (s *Server) ServePair(ctx context.Context, pair *transport.Pair) error {
	defer pair.Close()

	reader := protocol.NewReader(pair.Control, s.cfg.MaxMessageSize)
	control := protocol.NewWriter(pair.Control, s.cfg.MaxMessageSize)
	control.SetWriteTimeout(s.cfg.WriteTimeout)
	events := protocol.NewWriter(pair.Events, s.cfg.MaxMessageSize)
	events.SetWriteTimeout(s.cfg.WriteTimeout)

	if err := s.handshake(ctx, pair, reader, control); err != nil {
		return err
	}

	stop := context.AfterFunc(ctx, func() {
		_ = pair.Control.SetReadDeadline(time.Now())
	})
	defer stop()

	err := s.readLoop(ctx, reader, control, events)
	s.shutdown()
	if ctx.Err() != nil || isClosedErr(err) {
		return nil
	}
	return err
}

func isClosedErr(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe)
}

func (s *Server) handshake(ctx context.Context, pair *transport.Pair, reader *protocol.Reader, w *protocol.Writer) error {
	_ = pair.Control.SetReadDeadline(time.Now().Add(s.cfg.HandshakeTimeout))
	stop := context.AfterFunc(ctx, func() {
		_ = pair.Control.SetReadDeadline(time.Now())
	})
	msg, err := reader.ReadMessage()
	stop()
	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return ErrHandshakeTimeout
		}
		return fmt.Errorf("reading handshake: %w", err)
	}
	if err := pair.Control.SetReadDeadline(time.Time{}); err != nil {
		return fmt.Errorf("clearing read deadline: %w", err)
	}

	req, ok := msg.(*protocol.HandshakeRequest)
	if !ok {
		return fmt.Errorf("%w: expected %s, got %s", ErrUnexpectedMessage, protocol.TypeHandshakeRequest, msg.MessageType())
	}

	avail := s.availability()
	resp := protocol.NewHandshakeResponse(protocol.CurrentVersion, req.ClientID)
	resp.EngineAvailable = avail.EngineAvailable
	resp.EngineVersion = avail.EngineVersion
	resp.RuntimeAvailable = avail.RuntimeAvailable
	resp.RuntimeVersion = avail.RuntimeVersion
	resp.WorkerPID = os.Getpid()
	resp.Success = protocol.IsCompatible(protocol.CurrentVersion, req.ProtocolVersion)
	if !resp.Success {
		resp.Error = fmt.Sprintf("protocol version %s is not compatible with %s", req.ProtocolVersion, protocol.CurrentVersion)
	}
	if err := w.WriteMessage(resp); err != nil {
		return fmt.Errorf("sending handshake response: %w", err)
	}
	if !resp.Success {
		return fmt.Errorf("%w: client %s", ErrVersionMismatch, req.ProtocolVersion)
	}
	s.log.Infow("handshake complete", "client_id", req.ClientID, "client_pid", req.ClientPID, "client_version", req.ProtocolVersion)
	return nil
}

func (s *Server) readLoop(ctx context.Context, reader *protocol.Reader, control, events *protocol.Writer) error {
	for {
		msg, err := reader.ReadMessage()
		if err != nil {
			if protocol.IsFrameError(err) {
				s.log.Warnf("skipping control message: %s", err)
				continue
			}
			return err
		}
		switch m := msg.(type) {
		case *protocol.Request:
			s.startRequest(ctx, m, control, events)
		case *protocol.CancelRequest:
			s.cancel(m.CorrelationID)
		case *protocol.HeartbeatPing:
			pong := protocol.NewHeartbeatPong(m.Sequence, time.Since(s.started), s.ActiveCount())
			if err := control.WriteMessage(pong); err != nil {
				s.log.Debugf("writing pong: %s", err)
			}
		default:
			s.log.Debugf("ignoring %s", msg.MessageType())
		}
	}
}

func (s *Server) startRequest(ctx context.Context, req *protocol.Request, control, events *protocol.Writer) {
	log := s.log.With("correlation_id", req.CorrelationID, "operation", req.Operation)

	var (
		reqCtx context.Context
		cancel context.CancelFunc
	)
	if t := req.Timeout(); t > 0 {
		reqCtx, cancel = context.WithTimeout(ctx, t)
	} else {
		reqCtx, cancel = context.WithCancel(ctx)
	}

	s.mu.Lock()
	if _, dup := s.active[req.CorrelationID]; dup {
		s.mu.Unlock()
		cancel()
		log.Warn("duplicate correlation ID")
		resp := protocol.NewErrorResponse(req.CorrelationID, protocol.Errorf(protocol.CodeInvalidParameter, "correlation ID %s is already in use", req.CorrelationID))
		if err := control.WriteMessage(resp); err != nil {
			log.Debugf("writing response: %s", err)
		}
		return
	}
	s.active[req.CorrelationID] = cancel
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.active, req.CorrelationID)
			s.mu.Unlock()
			cancel()
		}()

		start := time.Now()
		em := newEmitter(req.CorrelationID, events, s.cfg.MaxEventsPerRequest, log)
		resp := s.run(reqCtx, req, em)
		resp.EventCount = em.close()

		err := control.WriteMessage(resp)
		if protocol.IsFrameError(err) {
			log.Errorf("response cannot be sent: %s", err)
			msg := "response cannot be encoded"
			if errors.Is(err, protocol.ErrMessageTooLarge) {
				msg = "response exceeds the maximum message size"
			}
			resp = protocol.NewErrorResponse(req.CorrelationID, protocol.Errorf(protocol.CodeInternal, "%s", msg))
			resp.EventCount = em.count()
			err = control.WriteMessage(resp)
		}
		if err != nil {
			log.Debugf("writing response: %s", err)
			return
		}
		log.Debugw("request complete", "duration", time.Since(start), "success", resp.Success, "cancelled", resp.WasCancelled)
	}()
}

// run dispatches the request, converting panics and errors into a response.
func (s *Server) run(ctx context.Context, req *protocol.Request, em *emitter) (resp *protocol.Response) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Errorw("operation panicked", "correlation_id", req.CorrelationID, "operation", req.Operation, "panic", r)
			resp = protocol.NewErrorResponse(req.CorrelationID, protocol.Errorf(protocol.CodeInternal, "operation %s panicked: %v", req.Operation, r))
		}
	}()

	payload, err := s.dispatcher.Dispatch(ctx, req.Operation, req.Payload, em)
	if err != nil {
		if ctx.Err() != nil {
			return protocol.NewCancelledResponse(req.CorrelationID)
		}
		return protocol.NewErrorResponse(req.CorrelationID, operation.Classify(err))
	}
	return protocol.NewSuccessResponse(req.CorrelationID, payload)
}

func (s *Server) cancel(id string) {
	s.mu.Lock()
	cancel, ok := s.active[id]
	s.mu.Unlock()
	if ok {
		s.log.Debugw("cancelling request", "correlation_id", id)
		cancel()
	}
}

// shutdown cancels every in-flight request and waits for them to respond.
func (s *Server) shutdown() {
	s.mu.Lock()
	for _, cancel := range s.active {
		cancel()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	timer := time.NewTimer(s.cfg.DisposeGracePeriod)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		s.log.Warnf("%d requests still running after %s", s.ActiveCount(), s.cfg.DisposeGracePeriod)
	}
}

// emitter writes events for one request to the event stream.
type emitter struct {
	id    string
	w     *protocol.Writer
	limit int
	log   *zap.SugaredLogger

	mu      sync.Mutex
	n       int
	closed  bool
	dropped int
}

func newEmitter(id string, w *protocol.Writer, limit int, log *zap.SugaredLogger) *emitter {
	return &emitter{id: id, w: w, limit: limit, log: log}
}

func (e *emitter) Emit(eventType protocol.EventType, payload any) error {
	var raw json.RawMessage
	switch v := payload.(type) {
	case nil:
	case json.RawMessage:
		raw = v
	default:
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshaling %s event: %w", eventType, err)
		}
		raw = b
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || e.n >= e.limit {
		e.dropped++
		return nil
	}
	if err := e.w.WriteMessage(protocol.NewEvent(e.id, eventType, raw)); err != nil {
		return err
	}
	e.n++
	return nil
}

func (e *emitter) count() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return int64(e.n)
}

// close stops further events and returns the number written.
func (e *emitter) close() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	if e.dropped > 0 {
		e.log.Debugf("dropped %d events", e.dropped)
	}
	return int64(e.n)
}
