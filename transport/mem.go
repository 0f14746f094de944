package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
)

// Mem is an in-process transport built on net.Pipe. Listeners and dialers rendezvous by
// name within one Mem instance.
type Mem struct {
	mu        sync.Mutex
	listeners map[string]*pairListener
}

func NewMem() *Mem {
	return &Mem{listeners: map[string]*pairListener{}}
}

func (m *Mem) Kind() Kind { return KindMem }

func (m *Mem) Listen(ctx context.Context, name string) (Listener, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.listeners[name]; ok {
		return nil, fmt.Errorf("mem %q: %w", name, ErrAddressInUse)
	}
	var l *pairListener
	l = newPairListener(name, func() error {
		m.mu.Lock()
		if m.listeners[name] == l {
			delete(m.listeners, name)
		}
		m.mu.Unlock()
		return nil
	})
	m.listeners[name] = l
	go func() {
		select {
		case <-ctx.Done():
			_ = l.Close()
		case <-l.done:
		}
	}()
	return l, nil
}

// Dial connects to the listener named name. The listener stops accepting once one pair
// has been dialed.
func (m *Mem) Dial(ctx context.Context, name string) (*Pair, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	l, ok := m.listeners[name]
	if ok {
		delete(m.listeners, name)
	}
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("mem %q: %w", name, ErrNoListener)
	}

	srvControl, cliControl := net.Pipe()
	srvEvents, cliEvents := net.Pipe()
	if !l.offer(l.controls, srvControl) || !l.offer(l.events, srvEvents) {
		_ = srvControl.Close()
		_ = srvEvents.Close()
		_ = cliControl.Close()
		_ = cliEvents.Close()
		return nil, fmt.Errorf("mem %q: %w", name, ErrListenerClosed)
	}
	return NewPair(cliControl, cliEvents), nil
}
