package compose

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ServiceSpec is the static description of one managed service.
type ServiceSpec struct {
	// Name uniquely identifies the service
	Name string `yaml:"name" json:"name"`
	// Cmd is the executable; relative paths containing a slash resolve
	// against the config file's directory
	Cmd string `yaml:"cmd" json:"cmd"`
	// Args are passed to Cmd
	Args []string `yaml:"args,omitempty" json:"args,omitempty"`
	// RestartOnExit enables automatic restart; nil means true
	RestartOnExit *bool `yaml:"restart_on_exit,omitempty" json:"restart_on_exit,omitempty"`
	// DependsOn lists services that must be started first
	DependsOn []string `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
	// Heartbeat is an optional liveness URL
	Heartbeat string `yaml:"heartbeat,omitempty" json:"heartbeat,omitempty"`
	// Log overrides the log file path
	Log string `yaml:"log,omitempty" json:"log,omitempty"`
	// PIDFile overrides the pidfile path
	PIDFile string `yaml:"pidfile,omitempty" json:"pidfile,omitempty"`
	// ScheduledRestart is the optional time-of-day restart policy
	ScheduledRestart *ScheduledRestart `yaml:"scheduled_restart,omitempty" json:"scheduled_restart,omitempty"`
}

// AutoRestart reports whether the service is restarted after an unexpected exit.
func (s ServiceSpec) AutoRestart() bool {
	return s.RestartOnExit == nil || *s.RestartOnExit
}

// Argv returns the command line the service is spawned with.
func (s ServiceSpec) Argv() []string {
	return append([]string{s.Cmd}, s.Args...)
}

// ScheduledRestart is the per-service scheduled restart policy.
type ScheduledRestart struct {
	Enabled     bool   `yaml:"enabled" json:"enabled"`
	Cron        string `yaml:"cron" json:"cron"`
	LastRestart string `yaml:"last_restart" json:"last_restart"`
}

// legacyTimestamp is the zone-less layout written by older releases.
const legacyTimestamp = "2006-01-02T15:04:05.999999"

// LastRestartTime parses LastRestart. RFC 3339 is preferred; zone-less
// timestamps are read in local time.
func (sr ScheduledRestart) LastRestartTime() (time.Time, bool) {
	if sr.LastRestart == "" {
		return time.Time{}, false
	}
	if t, err := time.Parse(time.RFC3339Nano, sr.LastRestart); err == nil {
		return t, true
	}
	if t, err := time.ParseInLocation(legacyTimestamp, sr.LastRestart, time.Local); err == nil {
		return t, true
	}
	return time.Time{}, false
}

// Config is a parsed services file.
type Config struct {
	// Path is the file the config was read from
	Path string `yaml:"-" json:"-"`
	// RunDir holds the logs directory; defaults to the config file's directory
	RunDir string `yaml:"run_dir,omitempty" json:"run_dir,omitempty"`
	// Services in configuration order
	Services []ServiceSpec `yaml:"services" json:"services"`
}

// LoadConfig reads and validates the services file at path.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &OpError{Op: OpLoad, Service: path, Err: err}
	}
	return ParseConfig(data, path)
}

// ParseConfig decodes a services file. JSON documents are accepted since
// they are valid YAML. Relative paths resolve against the directory of path.
func ParseConfig(data []byte, path string) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, path, err)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path: %w", err)
	}
	cfg.Path = abs
	cfg.resolve(filepath.Dir(abs))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) resolve(base string) {
	if c.RunDir == "" {
		c.RunDir = base
	} else if !filepath.IsAbs(c.RunDir) {
		c.RunDir = filepath.Join(base, c.RunDir)
	}
	for i := range c.Services {
		s := &c.Services[i]
		if s.Cmd != "" && !filepath.IsAbs(s.Cmd) && strings.ContainsRune(s.Cmd, '/') {
			s.Cmd = filepath.Join(base, s.Cmd)
		}
		if s.Log != "" && !filepath.IsAbs(s.Log) {
			s.Log = filepath.Join(base, s.Log)
		}
		if s.PIDFile != "" && !filepath.IsAbs(s.PIDFile) {
			s.PIDFile = filepath.Join(base, s.PIDFile)
		}
	}
}

// Validate checks names are present and unique and every service has a command.
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Services))
	for i, s := range c.Services {
		if s.Name == "" {
			return fmt.Errorf("%w: service #%d has no name", ErrInvalidConfig, i+1)
		}
		if seen[s.Name] {
			return fmt.Errorf("%w: duplicate service %q", ErrInvalidConfig, s.Name)
		}
		seen[s.Name] = true
		if s.Cmd == "" {
			return fmt.Errorf("%w: service %q has no cmd", ErrInvalidConfig, s.Name)
		}
		if s.Name == AllServices {
			return fmt.Errorf("%w: %q is a reserved service name", ErrInvalidConfig, s.Name)
		}
	}
	return nil
}

// Service looks up a spec by name.
func (c *Config) Service(name string) (ServiceSpec, bool) {
	for _, s := range c.Services {
		if s.Name == name {
			return s, true
		}
	}
	return ServiceSpec{}, false
}

// Names returns service names in configuration order.
func (c *Config) Names() []string {
	names := make([]string, len(c.Services))
	for i, s := range c.Services {
		names[i] = s.Name
	}
	return names
}

// LogsDir returns the directory holding pidfiles and logs.
func (c *Config) LogsDir() string {
	return filepath.Join(c.RunDir, LogsDir)
}

// PIDPath returns the pidfile for spec.
func (c *Config) PIDPath(spec ServiceSpec) string {
	if spec.PIDFile != "" {
		return spec.PIDFile
	}
	return PIDPath(c.RunDir, spec.Name)
}

// LogPath returns the log file for spec.
func (c *Config) LogPath(spec ServiceSpec) string {
	if spec.Log != "" {
		return spec.Log
	}
	return LogPath(c.RunDir, spec.Name)
}
