package supervisor

import (
	"runtime"
	"time"

	"github.com/guseggert/workerhost/transport"
)

// DefaultWorkerName is the worker executable looked up when no path is configured.
const DefaultWorkerName = "workerhost-worker"

type Config struct {
	// WorkerName is the executable name searched for. ".exe" is added on Windows.
	WorkerName string
	// WorkerPath, when set, is the only location tried.
	WorkerPath string
	// CandidatePaths are tried, in order, before the default search locations.
	CandidatePaths []string
	Args           []string
	// Env is added to the worker's environment, on top of the supervisor's own.
	Env []string
	Dir string

	Transport transport.Kind

	// ConnectAttempts bounds how many times the handshake is tried after launching.
	ConnectAttempts   int
	ConnectRetryDelay time.Duration
	// StartupTimeout bounds launching and connecting as a whole.
	StartupTimeout time.Duration

	HeartbeatInterval        time.Duration
	HeartbeatTimeout         time.Duration
	HeartbeatGracePeriod     time.Duration
	MissedHeartbeatThreshold int

	MonitorInterval    time.Duration
	RestartCooldown    time.Duration
	MaxRestartAttempts int
	// StopGracePeriod bounds waiting for a killed worker to exit.
	StopGracePeriod time.Duration
}

func DefaultConfig() Config {
	return Config{
		WorkerName:               DefaultWorkerName,
		Transport:                transport.KindPipe,
		ConnectAttempts:          40,
		ConnectRetryDelay:        250 * time.Millisecond,
		StartupTimeout:           30 * time.Second,
		HeartbeatInterval:        5 * time.Second,
		HeartbeatTimeout:         15 * time.Second,
		HeartbeatGracePeriod:     5 * time.Second,
		MissedHeartbeatThreshold: 3,
		MonitorInterval:          time.Second,
		RestartCooldown:          time.Second,
		MaxRestartAttempts:       3,
		StopGracePeriod:          5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.WorkerName == "" {
		c.WorkerName = d.WorkerName
	}
	if c.Transport == "" {
		c.Transport = d.Transport
	}
	if c.ConnectAttempts <= 0 {
		c.ConnectAttempts = d.ConnectAttempts
	}
	if c.ConnectRetryDelay <= 0 {
		c.ConnectRetryDelay = d.ConnectRetryDelay
	}
	if c.StartupTimeout <= 0 {
		c.StartupTimeout = d.StartupTimeout
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = d.HeartbeatTimeout
	}
	if c.HeartbeatGracePeriod < 0 {
		c.HeartbeatGracePeriod = d.HeartbeatGracePeriod
	}
	if c.MissedHeartbeatThreshold <= 0 {
		c.MissedHeartbeatThreshold = d.MissedHeartbeatThreshold
	}
	if c.MonitorInterval <= 0 {
		c.MonitorInterval = d.MonitorInterval
	}
	if c.RestartCooldown < 0 {
		c.RestartCooldown = d.RestartCooldown
	}
	if c.MaxRestartAttempts < 0 {
		c.MaxRestartAttempts = 0
	}
	if c.StopGracePeriod <= 0 {
		c.StopGracePeriod = d.StopGracePeriod
	}
	return c
}

func (c Config) executableName() string {
	if runtime.GOOS == "windows" {
		return c.WorkerName + ".exe"
	}
	return c.WorkerName
}
