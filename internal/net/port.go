package net

import (
	"fmt"
	"net"
)

// EphemeralLoopbackAddr reserves a free TCP port on 127.0.0.1 and returns it as host:port.
// The port is released before returning, so another process can still take it first.
func EphemeralLoopbackAddr() (string, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", fmt.Errorf("listening to acquire port: %w", err)
	}
	defer l.Close()
	return l.Addr().String(), nil
}
