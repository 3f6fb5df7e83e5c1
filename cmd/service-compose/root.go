package main

import (
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	compose "github.com/liuyuansharp/service-compose"
	"github.com/liuyuansharp/service-compose/internal/logging"
	"github.com/liuyuansharp/service-compose/internal/settings"
)

// envDaemonized marks the re-executed background manager.
const envDaemonized = "SVCCOMPOSE_DAEMONIZED"

type rootOptions struct {
	configPath   string
	settingsPath string
	service      string
	daemon       bool
	detach       bool

	stdout io.Writer
	stderr io.Writer
}

func newRootCmd() *cobra.Command {
	o := &rootOptions{stdout: os.Stdout, stderr: os.Stderr}

	cmd := &cobra.Command{
		Use:           "service-compose",
		Short:         "Supervise a fleet of local services",
		Version:       compose.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	flags := cmd.PersistentFlags()
	flags.StringVarP(&o.configPath, "config", "c", "services.yaml", "services file")
	flags.StringVar(&o.settingsPath, "settings", "", "daemon settings file (YAML)")
	flags.StringVarP(&o.service, "service", "s", "", "limit the command to one service")
	flags.BoolVarP(&o.daemon, "daemon", "d", false, "stay resident to supervise after a scoped start or a restart")
	flags.BoolVar(&o.detach, "detach", false, "run the resident manager in the background (start, restart)")

	cmd.AddCommand(
		newStartCmd(o),
		newStopCmd(o),
		newRestartCmd(o),
		newStatusCmd(o),
	)
	return cmd
}

func (o *rootOptions) scope() string {
	if o.service == compose.AllServices {
		return ""
	}
	return o.service
}

// resident reports whether start keeps a manager running. A bare start of
// every service always does; scoped starts and restarts only on request.
func (o *rootOptions) resident(restart bool) bool {
	if o.daemon || o.detach {
		return true
	}
	return !restart && o.scope() == ""
}

func (o *rootOptions) settings() (*settings.Settings, error) {
	return settings.Load(o.settingsPath)
}

func (o *rootOptions) loadConfig() (*compose.Config, error) {
	cfg, err := compose.LoadConfig(o.configPath)
	if err != nil {
		return nil, err
	}
	if s := o.scope(); s != "" {
		if _, ok := cfg.Service(s); !ok {
			return nil, &compose.OpError{Op: compose.OpLoad, Service: s, Err: compose.ErrServiceNotFound}
		}
	}
	return cfg, nil
}

// logger writes to the console and, when file is set, to the manager log.
func (o *rootOptions) logger(s *settings.Settings, file io.Writer) zerolog.Logger {
	return logging.New(logging.Config{
		Level:  s.Log.Level,
		Format: s.Log.Format,
		Output: o.stderr,
		Tee:    file,
	})
}
