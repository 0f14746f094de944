//go:build !windows

package worker

import (
	"errors"

	"golang.org/x/sys/unix"
)

func parentAlive(pid int) bool {
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}
