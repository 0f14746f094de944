package supervisor

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/guseggert/workerhost/internal/files"
)

var ErrWorkerNotFound = errors.New("worker executable not found")

// LocateWorker resolves the worker executable. An explicit WorkerPath is the only
// candidate when set. Otherwise CandidatePaths are tried, then the supervisor's own
// directory, the working directory and its parents, and finally PATH.
func LocateWorker(cfg Config) (string, error) {
	cfg = cfg.withDefaults()
	if cfg.WorkerPath != "" {
		if isFile(cfg.WorkerPath) {
			return filepath.Abs(cfg.WorkerPath)
		}
		return "", fmt.Errorf("%w: %s", ErrWorkerNotFound, cfg.WorkerPath)
	}

	name := cfg.executableName()
	tried := append([]string{}, cfg.CandidatePaths...)
	if exe, err := os.Executable(); err == nil {
		tried = append(tried, filepath.Join(filepath.Dir(exe), name))
	}
	for _, p := range tried {
		if isFile(p) {
			return filepath.Abs(p)
		}
	}

	if wd, err := os.Getwd(); err == nil {
		if p := files.FindUp(name, wd); p != "" {
			return p, nil
		}
		tried = append(tried, filepath.Join(wd, name)+" (and parents)")
	}
	if p, err := exec.LookPath(name); err == nil {
		return filepath.Abs(p)
	}
	tried = append(tried, "$PATH")
	return "", fmt.Errorf("%w: %s, tried %s", ErrWorkerNotFound, name, strings.Join(tried, ", "))
}

func isFile(p string) bool {
	fi, err := os.Stat(p)
	return err == nil && fi.Mode().IsRegular()
}
