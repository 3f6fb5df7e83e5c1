// Package settings loads daemon settings in three layers: built-in
// defaults, an optional YAML file and SVCCOMPOSE_* environment variables,
// later layers overriding earlier ones.
package settings

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	compose "github.com/liuyuansharp/service-compose"
)

// EnvPrefix is stripped from environment variables; the first underscore
// after it separates the section from the key:
// SVCCOMPOSE_SERVER_LISTEN -> server.listen.
const EnvPrefix = "SVCCOMPOSE_"

// Settings configures the resident daemon.
type Settings struct {
	Server    Server    `koanf:"server"`
	Log       Log       `koanf:"log"`
	Manager   Manager   `koanf:"manager"`
	Scheduler Scheduler `koanf:"scheduler"`
	Heartbeat Heartbeat `koanf:"heartbeat"`
	Audit     Audit     `koanf:"audit"`
}

// Server holds HTTP API settings.
type Server struct {
	// Listen is the API address; empty disables the API
	Listen string `koanf:"listen"`
	// RateLimit is control requests per minute per client; 0 disables limiting
	RateLimit int `koanf:"rate_limit"`
	// ShutdownTimeout bounds graceful HTTP shutdown
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// Log holds daemon log settings.
type Log struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// Manager holds process supervision settings.
type Manager struct {
	StopTimeout  time.Duration `koanf:"stop_timeout"`
	LevelPause   time.Duration `koanf:"level_pause"`
	RestartPause time.Duration `koanf:"restart_pause"`
	Concurrency  int           `koanf:"concurrency"`
	MaxRestarts  int           `koanf:"max_restarts"`
	StormWindow  time.Duration `koanf:"storm_window"`
	StableRun    time.Duration `koanf:"stable_run"`
}

// Scheduler holds scheduled restart settings.
type Scheduler struct {
	CheckInterval time.Duration `koanf:"check_interval"`
}

// Heartbeat holds liveness probe settings.
type Heartbeat struct {
	Timeout time.Duration `koanf:"timeout"`
	// Mock enables mock:// and simulate:// heartbeat URLs
	Mock bool `koanf:"mock"`
}

// Audit holds audit log settings.
type Audit struct {
	// File defaults to logs/audit.json under the run directory
	File       string `koanf:"file"`
	MaxEntries int    `koanf:"max_entries"`
}

// Default returns the built-in settings.
func Default() Settings {
	return Settings{
		Server: Server{
			Listen:          "127.0.0.1:8600",
			RateLimit:       60,
			ShutdownTimeout: 5 * time.Second,
		},
		Log: Log{Level: "info", Format: "console"},
		Manager: Manager{
			StopTimeout:  compose.DefaultStopTimeout,
			LevelPause:   compose.DefaultLevelPause,
			RestartPause: compose.DefaultRestartPause,
			Concurrency:  compose.DefaultConcurrency,
			MaxRestarts:  compose.DefaultMaxRestarts,
			StormWindow:  compose.DefaultStormWindow,
			StableRun:    compose.DefaultStableRun,
		},
		Scheduler: Scheduler{CheckInterval: compose.DefaultCheckInterval},
		Heartbeat: Heartbeat{Timeout: compose.DefaultHeartbeatTimeout},
		Audit:     Audit{MaxEntries: 5000},
	}
}

// Load layers defaults, the YAML file at path (skipped when path is empty)
// and the environment.
func Load(path string) (*Settings, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load settings file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	s := &Settings{}
	if err := k.Unmarshal("", s); err != nil {
		return nil, fmt.Errorf("failed to unmarshal settings: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func envKey(key string) string {
	key = strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
	section, rest, found := strings.Cut(key, "_")
	if !found {
		return key
	}
	return section + "." + rest
}

// Validate rejects values the daemon cannot run with.
func (s *Settings) Validate() error {
	var errs []error
	if s.Manager.StopTimeout <= 0 {
		errs = append(errs, errors.New("manager.stop_timeout must be positive"))
	}
	if s.Manager.Concurrency < 1 {
		errs = append(errs, errors.New("manager.concurrency must be at least 1"))
	}
	if s.Manager.MaxRestarts < 1 {
		errs = append(errs, errors.New("manager.max_restarts must be at least 1"))
	}
	if s.Scheduler.CheckInterval <= 0 {
		errs = append(errs, errors.New("scheduler.check_interval must be positive"))
	}
	if s.Heartbeat.Timeout <= 0 {
		errs = append(errs, errors.New("heartbeat.timeout must be positive"))
	}
	if s.Audit.MaxEntries < 1 {
		errs = append(errs, errors.New("audit.max_entries must be at least 1"))
	}
	if s.Server.RateLimit < 0 {
		errs = append(errs, errors.New("server.rate_limit must not be negative"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid settings: %w", errors.Join(errs...))
	}
	return nil
}
