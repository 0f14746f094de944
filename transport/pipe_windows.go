//go:build windows

package transport

import (
	"context"
	"net"

	"github.com/Microsoft/go-winio"
)

func pipePaths(name string) (control, events string) {
	return `\\.\pipe\` + name + "-control", `\\.\pipe\` + name + "-events"
}

func listenPipe(path string) (net.Listener, error) {
	return winio.ListenPipe(path, &winio.PipeConfig{
		InputBufferSize:  BufferSize,
		OutputBufferSize: BufferSize,
	})
}

func dialPipe(ctx context.Context, path string) (net.Conn, error) {
	return winio.DialPipeContext(ctx, path)
}
