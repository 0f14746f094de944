// Package logging builds the zap logger described by the [log] config section.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/guseggert/workerhost/config"
)

// ParseLevel accepts debug, info, warn (or warning) and error.
func ParseLevel(s string) (zapcore.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return zap.DebugLevel, nil
	case "", "info":
		return zap.InfoLevel, nil
	case "warn", "warning":
		return zap.WarnLevel, nil
	case "error":
		return zap.ErrorLevel, nil
	}
	return zap.InfoLevel, fmt.Errorf("unknown log level %q", s)
}

// New builds a logger writing to every configured output. File outputs are rotated with
// lumberjack when rotation is enabled. The caller should Sync it before exiting.
func New(c config.LogConfig) (*zap.Logger, error) {
	level, err := ParseLevel(c.Level)
	if err != nil {
		return nil, err
	}
	atom := zap.NewAtomicLevelAt(level)

	encCfg := zap.NewProductionEncoderConfig()
	if c.Development {
		encCfg = zap.NewDevelopmentEncoderConfig()
	}
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	var enc zapcore.Encoder
	if strings.ToLower(c.Format) == "json" {
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		enc = zapcore.NewConsoleEncoder(encCfg)
	}

	outputs := c.Outputs
	if len(outputs) == 0 {
		outputs = []string{"stderr"}
	}
	var cores []zapcore.Core
	for _, out := range outputs {
		ws, err := sink(out, c.Rotation)
		if err != nil {
			return nil, err
		}
		cores = append(cores, zapcore.NewCore(enc, ws, atom))
	}

	opts := []zap.Option{zap.AddCaller(), zap.AddStacktrace(zap.ErrorLevel)}
	if c.Development {
		opts = append(opts, zap.Development())
	}
	return zap.New(zapcore.NewTee(cores...), opts...), nil
}

func sink(out string, r config.RotationConfig) (zapcore.WriteSyncer, error) {
	switch strings.ToLower(out) {
	case "stdout":
		return zapcore.Lock(os.Stdout), nil
	case "stderr":
		return zapcore.Lock(os.Stderr), nil
	}

	if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
		return nil, fmt.Errorf("creating log directory for %s: %w", out, err)
	}
	if r.Enable {
		filename := out
		if r.Filename != "" {
			filename = r.Filename
		}
		return zapcore.AddSync(&lumberjack.Logger{
			Filename:   filename,
			MaxSize:    max(r.MaxSizeMB, 10),
			MaxBackups: max(r.MaxBackups, 1),
			MaxAge:     max(r.MaxAgeDays, 7),
			Compress:   r.Compress,
		}), nil
	}
	f, err := os.OpenFile(out, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening log file: %w", err)
	}
	return zapcore.Lock(f), nil
}
