//go:build !windows

package transport

import (
	"context"
	"errors"
	"io/fs"
	"net"
	"os"
	"path/filepath"
)

func pipePaths(name string) (control, events string) {
	dir := os.TempDir()
	return filepath.Join(dir, name+"-control.sock"), filepath.Join(dir, name+"-events.sock")
}

func listenPipe(path string) (net.Listener, error) {
	// a socket file left behind by a crashed worker blocks the bind
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	l, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return nil, err
	}
	l.SetUnlinkOnClose(true)
	return &bufferedUnixListener{UnixListener: l}, nil
}

func dialPipe(ctx context.Context, path string) (net.Conn, error) {
	var d net.Dialer
	c, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, err
	}
	setBuffers(c)
	return c, nil
}

type bufferedUnixListener struct {
	*net.UnixListener
}

func (l *bufferedUnixListener) Accept() (net.Conn, error) {
	c, err := l.UnixListener.Accept()
	if err != nil {
		return nil, err
	}
	setBuffers(c)
	return c, nil
}

func setBuffers(c net.Conn) {
	if uc, ok := c.(*net.UnixConn); ok {
		_ = uc.SetReadBuffer(BufferSize)
		_ = uc.SetWriteBuffer(BufferSize)
	}
}
