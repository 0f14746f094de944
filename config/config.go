// Package config loads the workerhost TOML configuration file shared by the front end and
// the worker.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/guseggert/workerhost/ipc"
	"github.com/guseggert/workerhost/supervisor"
	"github.com/guseggert/workerhost/transport"
)

type WorkerConfig struct {
	Name           string   `toml:"name"`
	Path           string   `toml:"path"`
	CandidatePaths []string `toml:"candidatePaths"`
	Args           []string `toml:"args"`
	Env            []string `toml:"env"`
	Dir            string   `toml:"dir"`
	Transport      string   `toml:"transport"`
	// Engine is the command whose availability the worker reports in its handshake.
	Engine string `toml:"engine"`
}

type IPCConfig struct {
	ConnectTimeout      time.Duration `toml:"connectTimeout"`
	HandshakeTimeout    time.Duration `toml:"handshakeTimeout"`
	RequestTimeout      time.Duration `toml:"requestTimeout"`
	WriteTimeout        time.Duration `toml:"writeTimeout"`
	MaxEventsPerRequest int           `toml:"maxEventsPerRequest"`
	MaxMessageSize      int           `toml:"maxMessageSize"`
	DisposeGracePeriod  time.Duration `toml:"disposeGracePeriod"`
	EventDrainTimeout   time.Duration `toml:"eventDrainTimeout"`
}

type SupervisorConfig struct {
	ConnectAttempts          int           `toml:"connectAttempts"`
	ConnectRetryDelay        time.Duration `toml:"connectRetryDelay"`
	StartupTimeout           time.Duration `toml:"startupTimeout"`
	HeartbeatInterval        time.Duration `toml:"heartbeatInterval"`
	HeartbeatTimeout         time.Duration `toml:"heartbeatTimeout"`
	HeartbeatGracePeriod     time.Duration `toml:"heartbeatGracePeriod"`
	MissedHeartbeatThreshold int           `toml:"missedHeartbeatThreshold"`
	MonitorInterval          time.Duration `toml:"monitorInterval"`
	RestartCooldown          time.Duration `toml:"restartCooldown"`
	MaxRestartAttempts       int           `toml:"maxRestartAttempts"`
	StopGracePeriod          time.Duration `toml:"stopGracePeriod"`
}

type RotationConfig struct {
	Enable     bool   `toml:"enable"`
	Filename   string `toml:"filename"`
	MaxSizeMB  int    `toml:"maxSizeMB"`
	MaxBackups int    `toml:"maxBackups"`
	MaxAgeDays int    `toml:"maxAgeDays"`
	Compress   bool   `toml:"compress"`
}

type LogConfig struct {
	Level string `toml:"level"`
	// Format is "json" or "console".
	Format string `toml:"format"`
	// Outputs are "stdout", "stderr" or file paths.
	Outputs     []string       `toml:"outputs"`
	Development bool           `toml:"development"`
	Rotation    RotationConfig `toml:"rotation"`
}

type Config struct {
	Worker     WorkerConfig     `toml:"worker"`
	IPC        IPCConfig        `toml:"ipc"`
	Supervisor SupervisorConfig `toml:"supervisor"`
	Log        LogConfig        `toml:"log"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	ic := ipc.DefaultConfig()
	sc := supervisor.DefaultConfig()
	return Config{
		Worker: WorkerConfig{
			Name:      sc.WorkerName,
			Transport: string(sc.Transport),
		},
		IPC: IPCConfig{
			ConnectTimeout:      ic.ConnectTimeout,
			HandshakeTimeout:    ic.HandshakeTimeout,
			RequestTimeout:      ic.RequestTimeout,
			WriteTimeout:        ic.WriteTimeout,
			MaxEventsPerRequest: ic.MaxEventsPerRequest,
			MaxMessageSize:      ic.MaxMessageSize,
			DisposeGracePeriod:  ic.DisposeGracePeriod,
			EventDrainTimeout:   ic.EventDrainTimeout,
		},
		Supervisor: SupervisorConfig{
			ConnectAttempts:          sc.ConnectAttempts,
			ConnectRetryDelay:        sc.ConnectRetryDelay,
			StartupTimeout:           sc.StartupTimeout,
			HeartbeatInterval:        sc.HeartbeatInterval,
			HeartbeatTimeout:         sc.HeartbeatTimeout,
			HeartbeatGracePeriod:     sc.HeartbeatGracePeriod,
			MissedHeartbeatThreshold: sc.MissedHeartbeatThreshold,
			MonitorInterval:          sc.MonitorInterval,
			RestartCooldown:          sc.RestartCooldown,
			MaxRestartAttempts:       sc.MaxRestartAttempts,
			StopGracePeriod:          sc.StopGracePeriod,
		},
		Log: LogConfig{
			Level:   "info",
			Format:  "console",
			Outputs: []string{"stderr"},
		},
	}
}

// Load reads the TOML file at path on top of Default. Unknown keys are an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("%s: unknown keys %s", path, strings.Join(keys, ", "))
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	var errs []error
	if _, err := transport.ParseKind(c.Worker.Transport); err != nil {
		errs = append(errs, fmt.Errorf("worker.transport: %w", err))
	}
	if c.Worker.Path == "" && c.Worker.Name == "" {
		errs = append(errs, errors.New("worker.name or worker.path is required"))
	}
	if c.IPC.MaxMessageSize <= 0 {
		errs = append(errs, errors.New("ipc.maxMessageSize must be positive"))
	}
	if c.IPC.MaxEventsPerRequest <= 0 {
		errs = append(errs, errors.New("ipc.maxEventsPerRequest must be positive"))
	}
	s := c.Supervisor
	if s.HeartbeatInterval <= 0 {
		errs = append(errs, errors.New("supervisor.heartbeatInterval must be positive"))
	}
	if s.HeartbeatTimeout < s.HeartbeatInterval {
		errs = append(errs, fmt.Errorf("supervisor.heartbeatTimeout (%s) must not be shorter than heartbeatInterval (%s)", s.HeartbeatTimeout, s.HeartbeatInterval))
	}
	if s.MissedHeartbeatThreshold <= 0 {
		errs = append(errs, errors.New("supervisor.missedHeartbeatThreshold must be positive"))
	}
	if s.MaxRestartAttempts < 0 {
		errs = append(errs, errors.New("supervisor.maxRestartAttempts must not be negative"))
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level: unknown level %q", c.Log.Level))
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("log.format: unknown format %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

// SupervisorConfig projects the file onto the supervisor's configuration.
func (c Config) SupervisorConfig() supervisor.Config {
	kind, _ := transport.ParseKind(c.Worker.Transport)
	s := c.Supervisor
	return supervisor.Config{
		WorkerName:               c.Worker.Name,
		WorkerPath:               c.Worker.Path,
		CandidatePaths:           c.Worker.CandidatePaths,
		Args:                     c.Worker.Args,
		Env:                      c.Worker.Env,
		Dir:                      c.Worker.Dir,
		Transport:                kind,
		ConnectAttempts:          s.ConnectAttempts,
		ConnectRetryDelay:        s.ConnectRetryDelay,
		StartupTimeout:           s.StartupTimeout,
		HeartbeatInterval:        s.HeartbeatInterval,
		HeartbeatTimeout:         s.HeartbeatTimeout,
		HeartbeatGracePeriod:     s.HeartbeatGracePeriod,
		MissedHeartbeatThreshold: s.MissedHeartbeatThreshold,
		MonitorInterval:          s.MonitorInterval,
		RestartCooldown:          s.RestartCooldown,
		MaxRestartAttempts:       s.MaxRestartAttempts,
		StopGracePeriod:          s.StopGracePeriod,
	}
}

// ClientConfig projects the [ipc] section onto ipc.Config. The worker uses it too.
func (c Config) ClientConfig() ipc.Config {
	return ipc.Config{
		ConnectTimeout:      c.IPC.ConnectTimeout,
		HandshakeTimeout:    c.IPC.HandshakeTimeout,
		RequestTimeout:      c.IPC.RequestTimeout,
		WriteTimeout:        c.IPC.WriteTimeout,
		MaxEventsPerRequest: c.IPC.MaxEventsPerRequest,
		MaxMessageSize:      c.IPC.MaxMessageSize,
		DisposeGracePeriod:  c.IPC.DisposeGracePeriod,
		EventDrainTimeout:   c.IPC.EventDrainTimeout,
	}
}
