package ipc

import (
	"errors"
	"fmt"
	mathrand "math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	ErrNotConnected      = errors.New("not connected")
	ErrAlreadyConnected  = errors.New("already connected")
	ErrConnectionLost    = errors.New("connection lost")
	ErrClosed            = errors.New("client closed")
	ErrHandshakeTimeout  = errors.New("handshake timed out")
	ErrHandshakeRejected = errors.New("handshake rejected")
	ErrVersionMismatch   = errors.New("incompatible protocol version")
	ErrUnexpectedMessage = errors.New("unexpected message")
)

func connectionLost(cause error) error {
	if cause == nil {
		return ErrConnectionLost
	}
	return fmt.Errorf("%w: %s", ErrConnectionLost, cause)
}

// idGenerator produces lexically sortable, unique correlation IDs.
type idGenerator struct {
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

func newIDGenerator() *idGenerator {
	return &idGenerator{
		entropy: ulid.Monotonic(mathrand.New(mathrand.NewSource(time.Now().UnixNano())), 0),
	}
}

func (g *idGenerator) next() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), g.entropy).String()
}
