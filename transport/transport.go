// Package transport provides the channel pair that connects a front end to its worker.
//
// A pair is two independent byte streams. The control stream is duplex and carries
// handshakes, requests, responses, cancels and heartbeats. The event stream is written only
// by the worker and read only by the front end. Both streams are opened from a single
// well-known name, and a listener accepts exactly one pair.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// BufferSize bounds the OS buffers of each stream where the platform lets us set them.
const BufferSize = 64 * 1024

// Environment variables a supervisor uses to tell a worker where to listen.
const (
	EnvName = "WORKERHOST_PIPE"
	EnvKind = "WORKERHOST_TRANSPORT"
)

var (
	ErrListenerClosed = errors.New("listener closed")
	ErrNoListener     = errors.New("no listener with that name")
	ErrAddressInUse   = errors.New("name already in use")
)

// Pair is one connected control and event stream.
type Pair struct {
	Control net.Conn
	Events  net.Conn

	closeOnce sync.Once
	closeErr  error
}

func NewPair(control, events net.Conn) *Pair {
	return &Pair{Control: control, Events: events}
}

// Close closes both streams. It is safe to call more than once.
func (p *Pair) Close() error {
	p.closeOnce.Do(func() {
		var errs []error
		if p.Control != nil {
			errs = append(errs, p.Control.Close())
		}
		if p.Events != nil {
			errs = append(errs, p.Events.Close())
		}
		p.closeErr = errors.Join(errs...)
	})
	return p.closeErr
}

// Listener hands out the single pair dialed to its name.
type Listener interface {
	Accept(ctx context.Context) (*Pair, error)
	Addr() string
	Close() error
}

type Transport interface {
	Kind() Kind
	// Listen starts listening on the pair of endpoints derived from name.
	// The listener is closed when ctx is done.
	Listen(ctx context.Context, name string) (Listener, error)
	// Dial connects both streams of the pair named name.
	Dial(ctx context.Context, name string) (*Pair, error)
}

type Kind string

const (
	KindPipe Kind = "pipe"
	KindMem  Kind = "mem"
	KindWS   Kind = "ws"
)

func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindPipe, KindMem, KindWS:
		return k, nil
	case "":
		return KindPipe, nil
	}
	return "", fmt.Errorf("unknown transport %q", s)
}

// Options configure New.
type Options struct {
	Log *zap.SugaredLogger
	// Mem is the shared in-process registry used by KindMem.
	Mem *Mem
	// TLS is the key material used by KindWS. The worker supplies its server
	// certificate, the front end its client certificate.
	TLS *TLSMaterial
}

// New builds a transport of the given kind.
func New(kind Kind, opts Options) (Transport, error) {
	log := opts.Log
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	switch kind {
	case KindPipe, "":
		return NewPipe(log), nil
	case KindMem:
		if opts.Mem == nil {
			return nil, errors.New("mem transport requires a shared Mem instance")
		}
		return opts.Mem, nil
	case KindWS:
		if opts.TLS == nil {
			return nil, errors.New("ws transport requires TLS material")
		}
		return NewWS(log, *opts.TLS), nil
	}
	return nil, fmt.Errorf("unknown transport %q", kind)
}

func validateName(name string) error {
	if name == "" {
		return errors.New("empty endpoint name")
	}
	if strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("endpoint name %q must not contain path separators", name)
	}
	return nil
}

// pairListener matches one control and one event connection into a Pair.
type pairListener struct {
	addr     string
	controls chan net.Conn
	events   chan net.Conn
	done     chan struct{}

	closeOnce sync.Once
	onClose   func() error
	closeErr  error
}

func newPairListener(addr string, onClose func() error) *pairListener {
	return &pairListener{
		addr:     addr,
		controls: make(chan net.Conn, 1),
		events:   make(chan net.Conn, 1),
		done:     make(chan struct{}),
		onClose:  onClose,
	}
}

func (l *pairListener) Addr() string { return l.addr }

func (l *pairListener) Accept(ctx context.Context) (*Pair, error) {
	var control, events net.Conn
	abandon := func() {
		if control != nil {
			_ = control.Close()
		}
		if events != nil {
			_ = events.Close()
		}
	}
	for control == nil || events == nil {
		select {
		case <-ctx.Done():
			abandon()
			return nil, ctx.Err()
		case <-l.done:
			abandon()
			return nil, ErrListenerClosed
		case c := <-l.controls:
			control = c
		case c := <-l.events:
			events = c
		}
	}
	return NewPair(control, events), nil
}

// offer delivers a connection to a waiting Accept. Only the first connection on each
// stream is kept; later ones are closed.
func (l *pairListener) offer(ch chan net.Conn, c net.Conn) bool {
	select {
	case <-l.done:
		_ = c.Close()
		return false
	default:
	}
	select {
	case ch <- c:
		return true
	default:
		_ = c.Close()
		return false
	}
}

// acceptOne takes the first connection from nl, then closes nl.
func (l *pairListener) acceptOne(nl net.Listener, ch chan net.Conn, log *zap.SugaredLogger) {
	defer nl.Close()
	c, err := nl.Accept()
	if err != nil {
		select {
		case <-l.done:
		default:
			log.Debugf("accept on %s: %s", nl.Addr(), err)
		}
		return
	}
	l.offer(ch, c)
}

func (l *pairListener) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
		for _, ch := range []chan net.Conn{l.controls, l.events} {
			select {
			case c := <-ch:
				_ = c.Close()
			default:
			}
		}
		if l.onClose != nil {
			l.closeErr = l.onClose()
		}
	})
	return l.closeErr
}
