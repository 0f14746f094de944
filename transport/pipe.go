package transport

import (
	"context"
	"errors"
	"fmt"
	"net"

	"go.uber.org/zap"
)

// Pipe connects processes on the same host through OS named endpoints: Unix domain
// sockets, or named pipes on Windows.
type Pipe struct {
	log *zap.SugaredLogger
}

func NewPipe(log *zap.SugaredLogger) *Pipe {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Pipe{log: log.Named("pipe")}
}

func (p *Pipe) Kind() Kind { return KindPipe }

func (p *Pipe) Listen(ctx context.Context, name string) (Listener, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	controlPath, eventsPath := pipePaths(name)

	control, err := listenPipe(controlPath)
	if err != nil {
		return nil, fmt.Errorf("listening on control endpoint: %w", err)
	}
	events, err := listenPipe(eventsPath)
	if err != nil {
		control.Close()
		return nil, fmt.Errorf("listening on event endpoint: %w", err)
	}

	l := newPairListener(name, func() error {
		return errors.Join(ignoreClosed(control.Close()), ignoreClosed(events.Close()))
	})
	go l.acceptOne(control, l.controls, p.log)
	go l.acceptOne(events, l.events, p.log)
	go func() {
		select {
		case <-ctx.Done():
			_ = l.Close()
		case <-l.done:
		}
	}()
	p.log.Debugw("listening", "control", controlPath, "events", eventsPath)
	return l, nil
}

func (p *Pipe) Dial(ctx context.Context, name string) (*Pair, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	controlPath, eventsPath := pipePaths(name)

	control, err := dialPipe(ctx, controlPath)
	if err != nil {
		return nil, fmt.Errorf("dialing control endpoint: %w", err)
	}
	events, err := dialPipe(ctx, eventsPath)
	if err != nil {
		control.Close()
		return nil, fmt.Errorf("dialing event endpoint: %w", err)
	}
	return NewPair(control, events), nil
}

func ignoreClosed(err error) error {
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
