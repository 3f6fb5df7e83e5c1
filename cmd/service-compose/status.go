package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	compose "github.com/liuyuansharp/service-compose"
)

func newStatusCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show service liveness, health and schedules",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStatus(cmd.Context(), o)
		},
	}
}

func runStatus(ctx context.Context, o *rootOptions) error {
	s, err := o.settings()
	if err != nil {
		return err
	}
	cfg, err := o.loadConfig()
	if err != nil {
		return err
	}

	prober := compose.NewProberMux(compose.NewHTTPProber(s.Heartbeat.Timeout))
	if s.Heartbeat.Mock {
		prober.Handle("mock", compose.StaticProber{})
		prober.Handle("simulate", compose.StaticProber{})
	}
	checker := compose.NewHealthChecker(prober, nil)

	var rows []compose.Liveness
	if scope := o.scope(); scope != "" {
		spec, _ := cfg.Service(scope)
		rows = []compose.Liveness{checker.Check(ctx, cfg, spec)}
	} else {
		rows = checker.CheckAll(ctx, cfg)
	}

	managerPID, managerUp := compose.OwnerPID(compose.ManagerPIDPath(cfg.RunDir, o.scope()))
	printStatus(o.stdout, managerPID, managerUp, rows)
	return nil
}

// printStatus renders the manager line, one row per service and the
// platform summary.
func printStatus(w io.Writer, managerPID int, managerUp bool, rows []compose.Liveness) {
	if managerUp {
		fmt.Fprintf(w, "Manager: running (pid %d)\n\n", managerPID)
	} else {
		fmt.Fprint(w, "Manager: not running\n\n")
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SERVICE\tSTATUS\tPID\tUPTIME\tHEALTH\tSCHEDULE\tLAST LOG")
	for _, l := range rows {
		status := "stopped"
		pid, uptime := "-", "-"
		if l.Running {
			status = "running"
			pid = strconv.Itoa(l.PID)
			uptime = l.Uptime
		}
		health := l.Health
		if l.HealthReason != "" {
			health += " (" + l.HealthReason + ")"
		}
		lastLog := l.LastLog
		if lastLog == "" {
			lastLog = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			l.Name, status, pid, uptime, health, scheduleColumn(l.ScheduledRestart), lastLog)
	}
	_ = tw.Flush()

	fmt.Fprintf(w, "\nPlatform: %s\n", compose.PlatformStatus(rows))
}

func scheduleColumn(info *compose.ScheduleInfo) string {
	switch {
	case info == nil || info.Cron == "":
		return "-"
	case !info.Enabled:
		return info.Cron + " (off)"
	case info.NextRestart != nil:
		return info.Cron + " next " + info.NextRestart.Format("01-02 15:04")
	default:
		return info.Cron
	}
}
