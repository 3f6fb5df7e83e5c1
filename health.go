package compose

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

// Health values reported by HealthChecker
const (
	HealthRunning  = "running"
	HealthAbnormal = "abnormal"
	HealthStopped  = "stopped"
)

// Heartbeat failure reasons
const (
	ReasonMissing         = "missing"
	ReasonTimeout         = "timeout"
	ReasonConnectionError = "connection_error"
	ReasonInvalidURL      = "invalid_url"
	ReasonMockFail        = "mock_fail"
	ReasonHeartbeatFailed = "heartbeat_failed"
)

// Prober checks a heartbeat URL.
type Prober interface {
	Probe(ctx context.Context, rawURL string) (ok bool, reason string)
}

// HTTPProber probes with a GET request; only status 200 is healthy.
type HTTPProber struct {
	Client  *http.Client
	Timeout time.Duration
}

// NewHTTPProber returns a prober with the given per-probe timeout.
func NewHTTPProber(timeout time.Duration) *HTTPProber {
	if timeout <= 0 {
		timeout = DefaultHeartbeatTimeout
	}
	return &HTTPProber{Client: &http.Client{}, Timeout: timeout}
}

// Probe implements Prober.
func (p *HTTPProber) Probe(ctx context.Context, rawURL string) (bool, string) {
	if rawURL == "" {
		return false, ReasonMissing
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return false, ReasonInvalidURL
	}

	ctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return false, ReasonInvalidURL
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		var ne net.Error
		if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
			return false, ReasonTimeout
		}
		return false, ReasonConnectionError
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Sprintf("http_status_%d", resp.StatusCode)
	}
	return true, ""
}

// StaticProber answers from the URL itself: "<scheme>://ok" is healthy and
// anything else fails. It stands in for real endpoints in demos and tests.
type StaticProber struct{}

// Probe implements Prober.
func (StaticProber) Probe(_ context.Context, rawURL string) (bool, string) {
	_, rest, found := strings.Cut(rawURL, "://")
	if !found {
		rest = ""
	}
	if strings.TrimSuffix(rest, "/") == "ok" {
		return true, ""
	}
	return false, ReasonMockFail
}

// ProberMux dispatches by URL scheme, falling back to a default prober.
type ProberMux struct {
	fallback Prober
	schemes  map[string]Prober
}

// NewProberMux returns a mux that uses fallback for unregistered schemes.
func NewProberMux(fallback Prober) *ProberMux {
	return &ProberMux{fallback: fallback, schemes: make(map[string]Prober)}
}

// Handle registers p for scheme.
func (m *ProberMux) Handle(scheme string, p Prober) {
	m.schemes[scheme] = p
}

// Probe implements Prober.
func (m *ProberMux) Probe(ctx context.Context, rawURL string) (bool, string) {
	if rawURL == "" {
		return false, ReasonMissing
	}
	if scheme, _, found := strings.Cut(rawURL, "://"); found {
		if p, ok := m.schemes[scheme]; ok {
			return p.Probe(ctx, rawURL)
		}
	}
	return m.fallback.Probe(ctx, rawURL)
}

// ScheduleInfo describes a scheduled restart policy for display.
type ScheduleInfo struct {
	Enabled     bool       `json:"enabled"`
	Cron        string     `json:"cron"`
	LastRestart string     `json:"last_restart,omitempty"`
	NextRestart *time.Time `json:"next_restart,omitempty"`
}

// Liveness is the dashboard view of one service.
type Liveness struct {
	Name             string        `json:"name"`
	Running          bool          `json:"running"`
	PID              int           `json:"pid,omitempty"`
	Health           string        `json:"health"`
	HealthReason     string        `json:"health_reason,omitempty"`
	UptimeSeconds    int64         `json:"uptime_seconds,omitempty"`
	Uptime           string        `json:"uptime,omitempty"`
	RestartCount     int           `json:"restart_count"`
	State            string        `json:"state,omitempty"`
	LastLog          string        `json:"last_log,omitempty"`
	DependsOn        []string      `json:"depends_on"`
	ScheduledRestart *ScheduleInfo `json:"scheduled_restart,omitempty"`
}

// Supervisors looks up live supervisors; *Manager implements it.
type Supervisors interface {
	Supervisor(name string) (*Supervisor, bool)
}

// HealthChecker derives Liveness from pidfiles, supervisor state and
// heartbeat probes.
type HealthChecker struct {
	prober      Prober
	sups        Supervisors
	concurrency int
	now         func() time.Time
}

// NewHealthChecker returns a checker; sups may be nil when no supervisors
// run in this process.
func NewHealthChecker(prober Prober, sups Supervisors) *HealthChecker {
	return &HealthChecker{
		prober:      prober,
		sups:        sups,
		concurrency: DefaultConcurrency,
		now:         time.Now,
	}
}

// Check reports the liveness of one service.
func (h *HealthChecker) Check(ctx context.Context, cfg *Config, spec ServiceSpec) Liveness {
	now := h.now()
	l := Liveness{
		Name:      spec.Name,
		Health:    HealthStopped,
		DependsOn: append([]string{}, spec.DependsOn...),
	}

	pidPath := cfg.PIDPath(spec)
	pid, alive := ServicePID(pidPath, spec.Argv())
	if !alive {
		pid = 0
	} else {
		l.Running = true
		l.PID = pid
		if ok, reason := h.prober.Probe(ctx, spec.Heartbeat); ok {
			l.Health = HealthRunning
		} else {
			l.Health = HealthAbnormal
			l.HealthReason = reason
			if l.HealthReason == "" {
				l.HealthReason = ReasonHeartbeatFailed
			}
		}
		if age, ok := PIDFileAge(pidPath, now); ok {
			l.UptimeSeconds = int64(age.Seconds())
		}
	}

	if h.sups != nil {
		if sup, ok := h.sups.Supervisor(spec.Name); ok {
			snap := sup.Snapshot()
			l.RestartCount = snap.RestartCount
			l.State = snap.State.String()
			if alive && snap.Running && snap.PID == pid {
				l.UptimeSeconds = int64(now.Sub(snap.StartedAt).Seconds())
			}
		}
	}
	if l.Running {
		l.Uptime = FormatUptime(time.Duration(l.UptimeSeconds) * time.Second)
	}

	l.LastLog = lastLogLine(cfg.LogPath(spec))

	if sr := spec.ScheduledRestart; sr != nil {
		info := &ScheduleInfo{Enabled: sr.Enabled, Cron: sr.Cron, LastRestart: sr.LastRestart}
		if next, ok := NextRestart(sr, now); ok {
			info.NextRestart = &next
		}
		l.ScheduledRestart = info
	}
	return l
}

// CheckAll reports every configured service in configuration order,
// probing concurrently.
func (h *HealthChecker) CheckAll(ctx context.Context, cfg *Config) []Liveness {
	out := make([]Liveness, len(cfg.Services))

	var g errgroup.Group
	g.SetLimit(h.concurrency)
	for i, spec := range cfg.Services {
		g.Go(func() error {
			out[i] = h.Check(ctx, cfg, spec)
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// PlatformStatus folds service health into one value: abnormal if any
// service is abnormal, else running if any is running, else stopped.
func PlatformStatus(ls []Liveness) string {
	status := HealthStopped
	for _, l := range ls {
		switch l.Health {
		case HealthAbnormal:
			return HealthAbnormal
		case HealthRunning:
			status = HealthRunning
		}
	}
	return status
}

// FormatUptime renders d as "1d 2h 3m 4s".
func FormatUptime(d time.Duration) string {
	total := int64(d.Seconds())
	days, rem := total/86400, total%86400
	hours, rem := rem/3600, rem%3600
	minutes, seconds := rem/60, rem%60
	return fmt.Sprintf("%dd %dh %dm %ds", days, hours, minutes, seconds)
}

// lastLogLine returns the last non-empty line of the file's final 500
// bytes, truncated to 100 characters.
func lastLogLine(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil || info.Size() == 0 {
		return ""
	}

	size := int64(500)
	if info.Size() < size {
		size = info.Size()
	}
	buf := make([]byte, size)
	n, err := f.ReadAt(buf, info.Size()-size)
	if err != nil && !errors.Is(err, io.EOF) {
		return ""
	}

	lines := strings.Split(string(buf[:n]), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			r := []rune(line)
			if len(r) > 100 {
				r = r[:100]
			}
			return string(r)
		}
	}
	return ""
}
