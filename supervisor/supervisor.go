// Package supervisor owns the lifecycle of one worker process: locating and launching it,
// connecting the IPC client, watching it with heartbeats, and restarting it within a budget
// when it crashes or stops answering.
package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	inet "github.com/guseggert/workerhost/internal/net"
	"github.com/guseggert/workerhost/internal/worker"
	"github.com/guseggert/workerhost/ipc"
	"github.com/guseggert/workerhost/protocol"
	"github.com/guseggert/workerhost/transport"
)

var (
	ErrAlreadyRunning  = errors.New("worker is already running")
	ErrNotRunning      = errors.New("worker is not running")
	ErrBudgetExhausted = errors.New("restart budget exhausted")
)

// Status is a snapshot of the supervisor.
type Status struct {
	State            State
	PID              int
	Restarts         int
	MissedHeartbeats int
	LastPong         time.Time
	// ExitCode is the last worker's exit code, or -1 if it has not exited.
	ExitCode   int
	LastError  error
	Handshake  *protocol.HandshakeResponse
	PendingOps int
}

type Supervisor struct {
	log       *zap.SugaredLogger
	cfg       Config
	clientCfg ipc.Config
	launcher  Launcher
	transport transport.Transport
	onState   func(StateChange)
	onEvent   ipc.EventHandler

	// opMu serializes Start, Stop, Kill, Restart and automatic recovery.
	opMu sync.Mutex

	mu        sync.Mutex
	state     State
	gen       uint64
	proc      Process
	client    *ipc.Client
	handshake *protocol.HandshakeResponse
	restarts  int
	missed    int
	lastPong  time.Time
	exitCode  int
	lastErr   error
	certs     *transport.Certs
	stopLoops context.CancelFunc
	// recoverCtx is cancelled by Stop and Kill to abort a pending automatic restart.
	recoverCtx    context.Context
	cancelRecover context.CancelFunc
	queue         []StateChange

	notifyMu sync.Mutex
	loops    sync.WaitGroup
}

type Option func(s *Supervisor)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(s *Supervisor) {
		if l != nil {
			s.log = l.Named("supervisor")
		}
	}
}

func WithLauncher(l Launcher) Option {
	return func(s *Supervisor) {
		s.launcher = l
	}
}

// WithTransport overrides the transport chosen by Config.Transport.
func WithTransport(t transport.Transport) Option {
	return func(s *Supervisor) {
		s.transport = t
	}
}

// WithStateHandler registers a function called once per state change, in order.
// It may be called from any goroutine. It may read State and Status but must not call
// Start, Stop, Kill or Restart synchronously.
func WithStateHandler(f func(StateChange)) Option {
	return func(s *Supervisor) {
		s.onState = f
	}
}

// WithEventObserver receives every event from the worker, for any request.
func WithEventObserver(h ipc.EventHandler) Option {
	return func(s *Supervisor) {
		s.onEvent = h
	}
}

func WithClientConfig(cfg ipc.Config) Option {
	return func(s *Supervisor) {
		s.clientCfg = cfg
	}
}

func New(cfg Config, opts ...Option) *Supervisor {
	s := &Supervisor{
		log:       zap.NewNop().Sugar(),
		cfg:       cfg.withDefaults(),
		clientCfg: ipc.DefaultConfig(),
		exitCode:  -1,
	}
	for _, o := range opts {
		o(s)
	}
	if s.launcher == nil {
		s.launcher = &ExecLauncher{Log: s.log}
	}
	s.recoverCtx, s.cancelRecover = context.WithCancel(context.Background())
	return s
}

func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		State:            s.state,
		Restarts:         s.restarts,
		MissedHeartbeats: s.missed,
		LastPong:         s.lastPong,
		ExitCode:         s.exitCode,
		LastError:        s.lastErr,
		Handshake:        s.handshake,
	}
	if s.proc != nil {
		st.PID = s.proc.Pid()
	}
	if s.client != nil {
		st.PendingOps = s.client.PendingCount()
	}
	return st
}

// Start launches the worker and waits for it to connect. It resets the restart budget.
func (s *Supervisor) Start(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	if !s.state.startable() {
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w (%s)", ErrAlreadyRunning, st)
	}
	s.restarts = 0
	s.cancelRecover()
	s.recoverCtx, s.cancelRecover = context.WithCancel(context.Background())
	s.mu.Unlock()

	// A crashed or unresponsive worker may still be around.
	s.stopWorker()
	return s.start(ctx)
}

// Stop disconnects from and terminates the worker. It is a no-op if nothing is running.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.abortRecovery()
	s.opMu.Lock()
	defer s.opMu.Unlock()

	switch s.State() {
	case StateNotStarted, StateStopped:
		return nil
	}
	s.stopWorker()
	s.transition(nil, StateStopped, nil)
	return ctx.Err()
}

// Kill terminates the worker immediately, without waiting for in-flight work.
func (s *Supervisor) Kill() error {
	s.abortRecovery()
	s.mu.Lock()
	s.gen++
	proc := s.proc
	s.mu.Unlock()

	var err error
	if proc != nil {
		err = proc.Kill()
	}

	s.opMu.Lock()
	defer s.opMu.Unlock()
	if st := s.State(); st == StateNotStarted || st == StateStopped {
		return err
	}
	s.stopWorker()
	s.transition(nil, StateStopped, nil)
	return err
}

// Restart stops the worker if it is running and starts a new one. It counts against the
// restart budget but is not refused by it.
func (s *Supervisor) Restart(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	if s.recoverCtx.Err() != nil {
		s.recoverCtx, s.cancelRecover = context.WithCancel(context.Background())
	}
	s.mu.Unlock()
	return s.restart(ctx)
}

// SendRequest runs op on the worker. Failures of the worker itself are reported as
// *protocol.Error values with a worker infrastructure code, wrapping the ipc error.
func (s *Supervisor) SendRequest(ctx context.Context, op string, payload json.RawMessage, opts ...ipc.RequestOption) (*protocol.Response, error) {
	s.mu.Lock()
	client, st := s.client, s.state
	s.mu.Unlock()
	if client == nil || st != StateConnected {
		return nil, fmt.Errorf("%w: %w (%s)", protocol.Errorf(protocol.CodeWorkerNotRunning, "worker is %s", st), ErrNotRunning, st)
	}

	resp, err := client.SendRequest(ctx, op, payload, opts...)
	switch {
	case err == nil:
		return resp, nil
	case errors.Is(err, ipc.ErrConnectionLost):
		return nil, fmt.Errorf("%w: %w", protocol.Errorf(protocol.CodeWorkerCrashed, "worker connection lost"), err)
	case errors.Is(err, ipc.ErrNotConnected), errors.Is(err, ipc.ErrClosed):
		return nil, fmt.Errorf("%w: %w", protocol.Errorf(protocol.CodeWorkerNotRunning, "worker is not connected"), err)
	case protocol.IsFrameError(err):
		return nil, err
	default:
		return nil, fmt.Errorf("%w: %w", protocol.Errorf(protocol.CodeIPC, "sending %s", op), err)
	}
}

func (s *Supervisor) abortRecovery() {
	s.mu.Lock()
	cancel := s.cancelRecover
	s.mu.Unlock()
	cancel()
}

// transition moves to state to if cond, evaluated under the lock, allows it. Entering the
// current state again is a no-op. It reports whether the state changed.
func (s *Supervisor) transition(cond func(State) bool, to State, err error) bool {
	s.mu.Lock()
	if s.state == to || (cond != nil && !cond(s.state)) {
		s.mu.Unlock()
		return false
	}
	change := StateChange{From: s.state, To: to, At: time.Now(), Err: err}
	s.state = to
	if err != nil {
		s.lastErr = err
	}
	s.queue = append(s.queue, change)
	s.mu.Unlock()

	if err != nil {
		s.log.Warnw("state changed", "from", change.From, "to", to, "error", err)
	} else {
		s.log.Infow("state changed", "from", change.From, "to", to)
	}
	s.drain()
	return true
}

// drain delivers queued state changes in order. Only one goroutine drains at a time; a
// handler that triggers further transitions has them delivered after it returns.
func (s *Supervisor) drain() {
	for {
		if !s.notifyMu.TryLock() {
			return
		}
		for {
			s.mu.Lock()
			if len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}
			change := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()
			s.notify(change)
		}
		s.notifyMu.Unlock()

		s.mu.Lock()
		empty := len(s.queue) == 0
		s.mu.Unlock()
		if empty {
			return
		}
	}
}

func (s *Supervisor) notify(change StateChange) {
	if s.onState == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.log.Errorw("state handler panicked", "panic", r)
		}
	}()
	s.onState(change)
}

// start launches and connects a worker. The caller holds opMu.
func (s *Supervisor) start(ctx context.Context) error {
	s.transition(nil, StateStarting, nil)

	startCtx, cancel := context.WithTimeout(ctx, s.cfg.StartupTimeout)
	defer cancel()

	path, err := LocateWorker(s.cfg)
	if err != nil {
		s.transition(nil, StateCrashed, err)
		return err
	}
	tr, name, env, err := s.endpoint()
	if err != nil {
		s.transition(nil, StateCrashed, err)
		return err
	}

	proc, err := s.launcher.Launch(startCtx, LaunchSpec{
		Path: path,
		Args: s.cfg.Args,
		Env:  append(append([]string{}, s.cfg.Env...), env...),
		Dir:  s.cfg.Dir,
	})
	if err != nil {
		err = fmt.Errorf("launching worker: %w", err)
		s.transition(nil, StateCrashed, err)
		return err
	}

	s.mu.Lock()
	s.gen++
	gen := s.gen
	s.proc = proc
	s.exitCode = -1
	s.mu.Unlock()
	s.transition(nil, StateWaitingForHandshake, nil)

	client, hs, err := s.connect(startCtx, gen, tr, name, proc)
	if err != nil {
		s.stopWorker()
		s.transition(nil, StateCrashed, err)
		return err
	}

	loopCtx, stopLoops := context.WithCancel(context.Background())
	s.mu.Lock()
	s.client = client
	s.handshake = hs
	s.missed = 0
	s.lastPong = time.Now()
	s.stopLoops = stopLoops
	s.mu.Unlock()

	s.log.Infow("worker connected", "pid", proc.Pid(), "worker_pid", hs.WorkerPID, "version", hs.ProtocolVersion)
	if !s.transition(func(State) bool { return s.gen == gen }, StateConnected, nil) {
		return fmt.Errorf("%w: stopped while connecting", ErrNotRunning)
	}

	// the loops only run while connected; an exit in between is seen on proc.Done
	s.loops.Add(2)
	go s.heartbeatLoop(loopCtx, gen, client)
	go s.monitorLoop(loopCtx, gen, proc)
	return nil
}

// endpoint picks the transport and a fresh name for the next worker, along with the
// environment that tells the worker where to listen.
func (s *Supervisor) endpoint() (transport.Transport, string, []string, error) {
	name := fmt.Sprintf("workerhost-%d-%s", os.Getpid(), uuid.NewString()[:8])
	kind := s.cfg.Transport
	var env []string

	tr := s.transport
	if tr != nil {
		kind = tr.Kind()
	}
	if kind == transport.KindWS {
		addr, err := inet.EphemeralLoopbackAddr()
		if err != nil {
			return nil, "", nil, fmt.Errorf("picking worker address: %w", err)
		}
		name = addr
	}
	if tr == nil {
		switch kind {
		case transport.KindPipe:
			tr = transport.NewPipe(s.log)
		case transport.KindWS:
			certs, err := s.tlsCerts()
			if err != nil {
				return nil, "", nil, err
			}
			tr = transport.NewWS(s.log, certs.ClientMaterial())
			env = append(env, certs.WorkerMaterial().Env()...)
		default:
			return nil, "", nil, fmt.Errorf("transport %q needs a shared instance, use WithTransport", kind)
		}
	}

	env = append(env,
		transport.EnvName+"="+name,
		transport.EnvKind+"="+string(kind),
		worker.EnvParentPID+"="+strconv.Itoa(os.Getpid()),
	)
	return tr, name, env, nil
}

func (s *Supervisor) tlsCerts() (*transport.Certs, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.certs == nil {
		certs, err := transport.GenerateCerts()
		if err != nil {
			return nil, fmt.Errorf("generating certificates: %w", err)
		}
		s.certs = certs
	}
	return s.certs, nil
}

// connect retries the handshake until the worker answers, exits, or the attempts run out.
func (s *Supervisor) connect(ctx context.Context, gen uint64, tr transport.Transport, name string, proc Process) (*ipc.Client, *protocol.HandshakeResponse, error) {
	var lastErr error
	for attempt := 1; attempt <= s.cfg.ConnectAttempts; attempt++ {
		client := ipc.NewClient(tr, name,
			ipc.WithLogger(s.log),
			ipc.WithConfig(s.clientCfg),
			ipc.WithEventObserver(s.onEvent),
			ipc.WithPongHandler(func(*protocol.HeartbeatPong) { s.pong(gen) }),
			ipc.WithDisconnectHandler(func(cause error) {
				go s.fail(gen, StateCrashed, fmt.Errorf("worker disconnected: %w", cause))
			}),
		)
		hs, err := client.Connect(ctx)
		if err == nil {
			return client, hs, nil
		}
		_ = client.Close()
		if errors.Is(err, ipc.ErrVersionMismatch) || errors.Is(err, ipc.ErrHandshakeRejected) {
			return nil, nil, err
		}
		lastErr = err
		s.log.Debugw("connect attempt failed", "attempt", attempt, "error", err)

		timer := time.NewTimer(s.cfg.ConnectRetryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, nil, fmt.Errorf("connecting to worker: %w (last error: %v)", ctx.Err(), lastErr)
		case <-proc.Done():
			timer.Stop()
			s.setExitCode(gen, proc)
			return nil, nil, fmt.Errorf("worker exited with code %d before connecting", proc.ExitCode())
		case <-timer.C:
		}
	}
	return nil, nil, fmt.Errorf("connecting to worker after %d attempts: %w", s.cfg.ConnectAttempts, lastErr)
}

// stopWorker tears down the current client, loops and process. The caller holds opMu.
func (s *Supervisor) stopWorker() {
	s.mu.Lock()
	s.gen++
	stopLoops, client, proc := s.stopLoops, s.client, s.proc
	s.stopLoops, s.client, s.proc = nil, nil, nil
	s.mu.Unlock()

	if stopLoops != nil {
		stopLoops()
	}

	var g errgroup.Group
	if client != nil {
		g.Go(client.Close)
	}
	if proc != nil {
		g.Go(func() error {
			if err := proc.Kill(); err != nil {
				s.log.Debugf("killing worker %d: %s", proc.Pid(), err)
			}
			select {
			case <-proc.Done():
				s.mu.Lock()
				s.exitCode = proc.ExitCode()
				s.mu.Unlock()
			case <-time.After(s.cfg.StopGracePeriod):
				s.log.Warnf("worker %d did not exit within %s", proc.Pid(), s.cfg.StopGracePeriod)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		s.log.Debugf("closing client: %s", err)
	}
	s.loops.Wait()
}

// restart replaces the worker. The caller holds opMu.
func (s *Supervisor) restart(ctx context.Context) error {
	s.mu.Lock()
	s.restarts++
	attempt := s.restarts
	s.mu.Unlock()

	s.transition(nil, StateRestarting, nil)
	s.stopWorker()
	s.log.Infow("restarting worker", "attempt", attempt)

	if s.cfg.RestartCooldown > 0 {
		timer := time.NewTimer(s.cfg.RestartCooldown)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.transition(nil, StateStopped, nil)
			return ctx.Err()
		case <-timer.C:
		}
	}
	return s.start(ctx)
}

// fail records a crash or hang of generation gen. Only a connected worker can fail;
// anything else means the failure was already handled or the worker was stopped.
func (s *Supervisor) fail(gen uint64, to State, cause error) {
	ok := s.transition(func(st State) bool { return st == StateConnected && s.gen == gen }, to, cause)
	if ok {
		go s.recover(gen)
	}
}

// recover restarts a failed worker while the budget lasts.
func (s *Supervisor) recover(gen uint64) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	ctx := s.recoverCtx
	current := s.gen == gen && (s.state == StateCrashed || s.state == StateUnresponsive)
	s.mu.Unlock()
	if !current || ctx.Err() != nil {
		return
	}
	s.stopWorker()

	for {
		s.mu.Lock()
		exhausted := s.restarts >= s.cfg.MaxRestartAttempts
		if exhausted {
			s.lastErr = fmt.Errorf("%w after %d restarts: %w", ErrBudgetExhausted, s.restarts, s.lastErr)
		}
		s.mu.Unlock()
		if exhausted {
			s.log.Errorw("not restarting worker", "restarts", s.cfg.MaxRestartAttempts)
			return
		}

		err := s.restart(ctx)
		if err == nil || ctx.Err() != nil {
			return
		}
		s.log.Warnw("restart failed", "error", err)
	}
}

func (s *Supervisor) pong(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		return
	}
	s.lastPong = time.Now()
	s.missed = 0
}

// missedHeartbeat counts one heartbeat that could not be sent or was not answered in time.
func (s *Supervisor) missedHeartbeat(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen == gen && s.state == StateConnected {
		s.missed++
	}
}

func (s *Supervisor) setExitCode(gen uint64, proc Process) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen == gen {
		s.exitCode = proc.ExitCode()
	}
}

func (s *Supervisor) heartbeatLoop(ctx context.Context, gen uint64, client *ipc.Client) {
	defer s.loops.Done()
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	var seq int64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		seq++
		if err := client.SendHeartbeat(seq); err != nil {
			s.log.Debugw("sending heartbeat", "seq", seq, "error", err)
			s.missedHeartbeat(gen)
		}
	}
}

func (s *Supervisor) monitorLoop(ctx context.Context, gen uint64, proc Process) {
	defer s.loops.Done()
	ticker := time.NewTicker(s.cfg.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-proc.Done():
			s.setExitCode(gen, proc)
			s.fail(gen, StateCrashed, fmt.Errorf("worker exited with code %d", proc.ExitCode()))
			return
		case <-ticker.C:
			if s.checkLiveness(gen) {
				return
			}
		}
	}
}

// checkLiveness marks the worker unresponsive if its pongs have stopped. It reports
// whether it did.
func (s *Supervisor) checkLiveness(gen uint64) bool {
	s.mu.Lock()
	if s.gen != gen || s.state != StateConnected {
		s.mu.Unlock()
		return false
	}
	silence := time.Since(s.lastPong)
	if silence > s.cfg.HeartbeatTimeout {
		s.missed++
	}
	missed := s.missed
	s.mu.Unlock()

	if missed < s.cfg.MissedHeartbeatThreshold && silence <= s.cfg.HeartbeatTimeout+s.cfg.HeartbeatGracePeriod {
		return false
	}
	s.fail(gen, StateUnresponsive, fmt.Errorf("no heartbeat for %s, %d missed", silence.Round(time.Millisecond), missed))
	return true
}
