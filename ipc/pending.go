package ipc

import (
	"sync"
	"time"

	"github.com/guseggert/workerhost/protocol"
)

// pendingRequest tracks one in-flight request from just before it is written until
// SendRequest returns.
//
// A response may overtake its events because they travel on different streams. The worker
// reports how many events it wrote, and the response is held until that many have been
// processed. The drain timeout only runs while the event stream is idle: it is stopped
// while a handler runs and restarted after each processed event.
type pendingRequest struct {
	id        string
	handler   EventHandler
	maxEvents int64

	done chan struct{}
	once sync.Once
	resp *protocol.Response
	err  error

	// deliverMu is held while handlers run and while the request finishes, so no
	// handler sees an event after the result is available.
	deliverMu sync.Mutex

	mu           sync.Mutex
	admitted     int64
	processed    int64
	busy         bool
	held         *protocol.Response
	drain        *time.Timer
	drainTimeout time.Duration
	onDrain      func(missing int64)
}

func newPendingRequest(id string, handler EventHandler, maxEvents int) *pendingRequest {
	return &pendingRequest{
		id:        id,
		handler:   handler,
		maxEvents: int64(maxEvents),
		done:      make(chan struct{}),
	}
}

// finish completes the request. Only the first call has any effect.
func (p *pendingRequest) finish(resp *protocol.Response, err error) bool {
	p.deliverMu.Lock()
	finished := false
	p.once.Do(func() {
		p.resp = resp
		p.err = err
		finished = true
		close(p.done)
	})
	p.deliverMu.Unlock()

	if finished {
		p.mu.Lock()
		if p.drain != nil {
			p.drain.Stop()
		}
		p.held = nil
		p.mu.Unlock()
	}
	return finished
}

func (p *pendingRequest) finished() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func (p *pendingRequest) result() (*protocol.Response, error) {
	<-p.done
	return p.resp, p.err
}

// admit counts an arriving event and reports whether it is within the cap. It also pauses
// the drain timer until eventProcessed is called.
func (p *pendingRequest) admit() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.admitted++
	p.busy = true
	if p.drain != nil {
		p.drain.Stop()
	}
	return p.admitted <= p.maxEvents
}

// deliver runs fn unless the request has already finished.
func (p *pendingRequest) deliver(fn func()) bool {
	p.deliverMu.Lock()
	defer p.deliverMu.Unlock()
	if p.finished() {
		return false
	}
	fn()
	return true
}

// eventProcessed records that an event's handlers have returned, releasing a held
// response once all of its events are in.
func (p *pendingRequest) eventProcessed() {
	p.mu.Lock()
	p.processed++
	p.busy = false
	resp := p.held
	if resp == nil {
		p.mu.Unlock()
		return
	}
	if p.processed < resp.EventCount {
		p.drain.Reset(p.drainTimeout)
		p.mu.Unlock()
		return
	}
	p.held = nil
	p.mu.Unlock()
	p.finish(resp, nil)
}

// respond delivers the terminal response, holding it back until its events are processed
// or no event has been processed for drainTimeout.
func (p *pendingRequest) respond(resp *protocol.Response, drainTimeout time.Duration, onDrainTimeout func(missing int64)) {
	p.mu.Lock()
	if p.processed >= resp.EventCount {
		p.mu.Unlock()
		p.finish(resp, nil)
		return
	}
	p.held = resp
	p.drainTimeout = drainTimeout
	p.onDrain = onDrainTimeout
	p.drain = time.AfterFunc(drainTimeout, p.drainExpired)
	if p.busy {
		p.drain.Stop()
	}
	p.mu.Unlock()
}

func (p *pendingRequest) drainExpired() {
	p.mu.Lock()
	held := p.held
	if held == nil || p.busy {
		p.mu.Unlock()
		return
	}
	missing := held.EventCount - p.processed
	p.held = nil
	onDrain := p.onDrain
	p.mu.Unlock()
	if p.finish(held, nil) && onDrain != nil {
		onDrain(missing)
	}
}
