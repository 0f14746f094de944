// Package ipc implements both ends of the worker connection.
//
// The Client runs in the front end. It dials the worker, performs the handshake, and
// multiplexes requests over the control stream by correlation ID, routing events from
// the event stream to per-request handlers. The Server runs in the worker. It answers the
// handshake, runs each request concurrently through an operation.Dispatcher, streams the
// events the operation emits, and honors cancellation.
package ipc

import (
	"time"

	"github.com/guseggert/workerhost/protocol"
)

type Config struct {
	// ConnectTimeout bounds dialing the channel pair, and on the worker side waiting for it.
	ConnectTimeout time.Duration
	// HandshakeTimeout bounds waiting for the handshake, independently of RequestTimeout.
	HandshakeTimeout time.Duration
	// RequestTimeout is the minimum time a request is given before it is cancelled.
	RequestTimeout time.Duration
	// WriteTimeout bounds a single write on either stream.
	WriteTimeout time.Duration
	// MaxEventsPerRequest caps the events delivered for one correlation ID.
	MaxEventsPerRequest int
	MaxMessageSize      int
	// DisposeGracePeriod bounds waiting for the read loops or in-flight requests on shutdown.
	DisposeGracePeriod time.Duration
	// EventDrainTimeout bounds how long a response is held back waiting for the events the
	// worker reports having sent before it.
	EventDrainTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		ConnectTimeout:      10 * time.Second,
		HandshakeTimeout:    5 * time.Second,
		RequestTimeout:      300 * time.Second,
		WriteTimeout:        30 * time.Second,
		MaxEventsPerRequest: 10_000,
		MaxMessageSize:      protocol.DefaultMaxMessageSize,
		DisposeGracePeriod:  2 * time.Second,
		EventDrainTimeout:   2 * time.Second,
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = d.RequestTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.MaxEventsPerRequest <= 0 {
		c.MaxEventsPerRequest = d.MaxEventsPerRequest
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = d.MaxMessageSize
	}
	if c.DisposeGracePeriod <= 0 {
		c.DisposeGracePeriod = d.DisposeGracePeriod
	}
	if c.EventDrainTimeout <= 0 {
		c.EventDrainTimeout = d.EventDrainTimeout
	}
	return c
}
