// Package operation is the seam between the IPC server and the work a worker performs.
// Operations are identified by name and take and return opaque JSON.
package operation

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/guseggert/workerhost/protocol"
)

// Emitter pushes events for the request being handled. Emit may be called from any
// goroutine until the handler returns; events past the per-request cap, or emitted after
// the handler returned, are dropped.
type Emitter interface {
	Emit(eventType protocol.EventType, payload any) error
}

// Handler runs one operation. The returned value is marshaled into the response payload.
// Handlers must watch ctx and return promptly once it is done.
type Handler func(ctx context.Context, payload json.RawMessage, emit Emitter) (any, error)

// Dispatcher runs operations by name. Errors returned by Dispatch should be *protocol.Error.
type Dispatcher interface {
	Dispatch(ctx context.Context, op string, payload json.RawMessage, emit Emitter) (json.RawMessage, error)
}

// Registry is a Dispatcher backed by a table of named handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: map[string]Handler{}}
}

// Register installs h for op. It panics if op is empty or already registered.
func (r *Registry) Register(op string, h Handler) {
	if op == "" || h == nil {
		panic("operation: empty name or nil handler")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handlers[op]; ok {
		panic(fmt.Sprintf("operation: %q registered twice", op))
	}
	r.handlers[op] = h
}

// Operations returns the registered names in sorted order.
func (r *Registry) Operations() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ops := make([]string, 0, len(r.handlers))
	for op := range r.handlers {
		ops = append(ops, op)
	}
	sort.Strings(ops)
	return ops
}

func (r *Registry) Dispatch(ctx context.Context, op string, payload json.RawMessage, emit Emitter) (json.RawMessage, error) {
	r.mu.RLock()
	h, ok := r.handlers[op]
	r.mu.RUnlock()
	if !ok {
		return nil, protocol.Errorf(protocol.CodeNotSupported, "unknown operation %q", op)
	}

	result, err := h(ctx, payload, emit)
	if err != nil {
		return nil, Classify(err)
	}

	if w, ok := result.(*Warned); ok {
		for _, msg := range w.Warnings {
			_ = emit.Emit(protocol.EventLog, protocol.LogPayload{Level: LevelWarning, Message: msg})
		}
		result = w.Result
	}
	return marshalResult(result)
}

// marshalResult encodes a handler result. A nil result encodes as null.
func marshalResult(result any) (json.RawMessage, error) {
	switch v := result.(type) {
	case nil:
		return json.RawMessage("null"), nil
	case json.RawMessage:
		if len(v) == 0 {
			return json.RawMessage("null"), nil
		}
		if !json.Valid(v) {
			return nil, protocol.Errorf(protocol.CodeInternal, "operation returned invalid JSON")
		}
		return v, nil
	}
	b, err := json.Marshal(result)
	if err != nil {
		return nil, protocol.Errorf(protocol.CodeInternal, "marshaling result: %s", err)
	}
	return b, nil
}
