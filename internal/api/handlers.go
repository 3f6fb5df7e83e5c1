package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	compose "github.com/liuyuansharp/service-compose"
	"github.com/liuyuansharp/service-compose/internal/audit"
)

// Audit actions recorded for configuration edits
const (
	ActionScheduledRestart = "scheduled_restart"
	ActionServiceOrder     = "service_order"
)

type healthResponse struct {
	Status  string              `json:"status"`
	Version compose.VersionInfo `json:"version"`
	Time    time.Time           `json:"time"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Version: compose.GetVersion(), Time: s.now()})
}

func (s *Server) config(w http.ResponseWriter) (*compose.Config, bool) {
	cfg, err := s.Store.Snapshot()
	if err != nil {
		s.log.Error().Err(err).Msg("failed to load services config")
		writeError(w, http.StatusInternalServerError, "failed to load services config: "+err.Error())
		return nil, false
	}
	return cfg, true
}

type servicesResponse struct {
	Services []compose.Liveness `json:"services"`
	Platform string             `json:"platform"`
}

func (s *Server) handleServices(w http.ResponseWriter, r *http.Request) {
	cfg, ok := s.config(w)
	if !ok {
		return
	}
	ls := s.Health.CheckAll(r.Context(), cfg)
	writeJSON(w, http.StatusOK, servicesResponse{Services: ls, Platform: compose.PlatformStatus(ls)})
}

type graphResponse struct {
	Nodes   []string            `json:"nodes"`
	Edges   []compose.Edge      `json:"edges"`
	Graph   map[string][]string `json:"graph"`
	Reverse map[string][]string `json:"reverse"`
	Levels  [][]string          `json:"levels,omitempty"`
	Cycle   []string            `json:"cycle,omitempty"`
}

func (s *Server) handleGraph(w http.ResponseWriter, _ *http.Request) {
	cfg, ok := s.config(w)
	if !ok {
		return
	}
	g := compose.BuildGraph(cfg.Services)
	resp := graphResponse{
		Nodes:   g.Names(),
		Edges:   g.Edges(),
		Graph:   make(map[string][]string, len(cfg.Services)),
		Reverse: g.Dependents(),
	}
	if resp.Edges == nil {
		resp.Edges = []compose.Edge{}
	}
	for _, name := range resp.Nodes {
		resp.Graph[name] = append([]string{}, g.DependsOn(name)...)
		if resp.Reverse[name] == nil {
			resp.Reverse[name] = []string{}
		}
	}
	levels, err := g.Levels()
	var cycle *compose.CycleError
	switch {
	case errors.As(err, &cycle):
		resp.Cycle = cycle.Members
	case err == nil:
		resp.Levels = levels
	}
	writeJSON(w, http.StatusOK, resp)
}

type statusResponse struct {
	Status   string    `json:"status"`
	Services int       `json:"services"`
	Running  int       `json:"running"`
	Abnormal int       `json:"abnormal"`
	Time     time.Time `json:"time"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	cfg, ok := s.config(w)
	if !ok {
		return
	}
	ls := s.Health.CheckAll(r.Context(), cfg)
	resp := statusResponse{Status: compose.PlatformStatus(ls), Services: len(ls), Time: s.now()}
	for _, l := range ls {
		if l.Running {
			resp.Running++
		}
		if l.Health == compose.HealthAbnormal {
			resp.Abnormal++
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

type controlRequest struct {
	Action  string `json:"action"`
	Service string `json:"service,omitempty"`
}

type controlResponse struct {
	Success bool   `json:"success"`
	Action  string `json:"action"`
	Service string `json:"service"`
	Message string `json:"message"`
}

func parseAction(action string) (compose.Operation, bool) {
	op := compose.ParseOperation(action)
	switch op {
	case compose.OpStart, compose.OpStop, compose.OpRestart:
		return op, true
	default:
		return op, false
	}
}

func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	var req controlRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	op, ok := parseAction(req.Action)
	if !ok {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid action %q", req.Action))
		return
	}
	target := compose.Key(req.Service)
	if target != compose.AllServices {
		cfg, ok := s.config(w)
		if !ok {
			return
		}
		if _, found := cfg.Service(target); !found {
			writeError(w, http.StatusNotFound, fmt.Sprintf("service %q not found", target))
			return
		}
	}

	who := actorOf(r)
	release, acquired := s.Locks.TryAcquire(target)
	if !acquired {
		s.countControl(req.Action, compose.AuditSkipped)
		s.record(r.Context(), who, req.Action, target, "operation already in progress", compose.AuditSkipped)
		writeError(w, http.StatusConflict, fmt.Sprintf("%s is busy with another operation", target))
		return
	}
	defer release()

	// The operation outlives a client that disconnects mid-request.
	ctx := context.WithoutCancel(r.Context())
	err := s.Services.Do(ctx, op, target)
	result := compose.ResultOf(err)
	s.countControl(req.Action, result)

	resp := controlResponse{Success: err == nil, Action: req.Action, Service: target}
	if err != nil {
		resp.Message = err.Error()
		s.record(ctx, who, req.Action, target, err.Error(), result)
		s.log.Error().Err(err).Str("service", target).Str("action", req.Action).Msg("control action failed")
		writeJSON(w, http.StatusInternalServerError, resp)
		return
	}
	resp.Message = fmt.Sprintf("%s %s completed", req.Action, target)
	s.record(ctx, who, req.Action, target, "", result)
	writeJSON(w, http.StatusOK, resp)
}

type batchRequest struct {
	Action   string   `json:"action"`
	Services []string `json:"services"`
}

type batchResult struct {
	Service string `json:"service"`
	Result  string `json:"result"`
	Error   string `json:"error,omitempty"`
}

type batchResponse struct {
	Action    string        `json:"action"`
	Results   []batchResult `json:"results"`
	Succeeded int           `json:"succeeded"`
	Skipped   int           `json:"skipped"`
	Failed    int           `json:"failed"`
}

func (s *Server) handleBatchControl(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	op, ok := parseAction(req.Action)
	if !ok {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid action %q", req.Action))
		return
	}

	var names []string
	for _, name := range req.Services {
		if name != "" && name != compose.AllServices && !slices.Contains(names, name) {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		writeError(w, http.StatusBadRequest, "no services given")
		return
	}
	if len(names) > MaxBatchServices {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("at most %d services per batch", MaxBatchServices))
		return
	}

	cfg, ok := s.config(w)
	if !ok {
		return
	}

	who := actorOf(r)
	ctx := context.WithoutCancel(r.Context())
	results := make([]batchResult, len(names))

	var g errgroup.Group
	g.SetLimit(compose.DefaultConcurrency)
	for i, name := range names {
		g.Go(func() error {
			results[i] = s.batchOne(ctx, who, op, req.Action, cfg, name)
			return nil
		})
	}
	_ = g.Wait()

	resp := batchResponse{Action: req.Action, Results: results}
	for _, res := range results {
		switch res.Result {
		case compose.AuditSuccess:
			resp.Succeeded++
		case compose.AuditSkipped:
			resp.Skipped++
		default:
			resp.Failed++
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) batchOne(ctx context.Context, who actor, op compose.Operation, action string, cfg *compose.Config, name string) batchResult {
	res := batchResult{Service: name}
	if _, found := cfg.Service(name); !found {
		res.Result = compose.AuditFailed
		res.Error = "service not found"
		s.countControl(action, res.Result)
		return res
	}

	release, acquired := s.Locks.TryAcquire(name)
	if !acquired {
		res.Result = compose.AuditSkipped
		res.Error = "operation already in progress"
		s.countControl(action, res.Result)
		s.record(ctx, who, action, name, "batch: "+res.Error, res.Result)
		return res
	}
	defer release()

	err := s.Services.Do(ctx, op, name)
	res.Result = compose.ResultOf(err)
	detail := "batch"
	if err != nil {
		res.Error = err.Error()
		detail = "batch: " + res.Error
	}
	s.countControl(action, res.Result)
	s.record(ctx, who, action, name, detail, res.Result)
	return res
}

func (s *Server) countControl(action, result string) {
	if s.Metrics != nil {
		s.Metrics.ControlRequest(action, result)
	}
}

type scheduledRestartRequest struct {
	Service string `json:"service"`
	Enabled bool   `json:"enabled"`
	Cron    string `json:"cron"`
}

type scheduledRestartResponse struct {
	Success          bool                 `json:"success"`
	Service          string               `json:"service"`
	ScheduledRestart compose.ScheduleInfo `json:"scheduled_restart"`
}

func (s *Server) handleScheduledRestart(w http.ResponseWriter, r *http.Request) {
	var req scheduledRestartRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Enabled || req.Cron != "" {
		if _, err := compose.ParseCron(req.Cron); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	cfg, ok := s.config(w)
	if !ok {
		return
	}
	spec, found := cfg.Service(req.Service)
	if !found {
		writeError(w, http.StatusNotFound, fmt.Sprintf("service %q not found", req.Service))
		return
	}

	sr := compose.ScheduledRestart{Enabled: req.Enabled, Cron: req.Cron}
	if spec.ScheduledRestart != nil {
		sr.LastRestart = spec.ScheduledRestart.LastRestart
	}

	who := actorOf(r)
	detail := fmt.Sprintf("enabled=%t cron=%q", sr.Enabled, sr.Cron)
	if err := s.Store.SetScheduledRestart(req.Service, sr); err != nil {
		s.record(r.Context(), who, ActionScheduledRestart, req.Service, err.Error(), compose.AuditFailed)
		writeError(w, http.StatusInternalServerError, "failed to save config: "+err.Error())
		return
	}
	s.record(r.Context(), who, ActionScheduledRestart, req.Service, detail, compose.AuditSuccess)

	info := compose.ScheduleInfo{Enabled: sr.Enabled, Cron: sr.Cron, LastRestart: sr.LastRestart}
	if next, ok := compose.NextRestart(&sr, s.now()); ok {
		info.NextRestart = &next
	}
	writeJSON(w, http.StatusOK, scheduledRestartResponse{Success: true, Service: req.Service, ScheduledRestart: info})
}

type serviceOrderRequest struct {
	Order []string `json:"order"`
}

type serviceOrderResponse struct {
	Success bool     `json:"success"`
	Order   []string `json:"order"`
}

func (s *Server) handleServiceOrder(w http.ResponseWriter, r *http.Request) {
	var req serviceOrderRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	order, err := s.Store.ReorderServices(req.Order)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to save config: "+err.Error())
		return
	}
	s.record(r.Context(), actorOf(r), ActionServiceOrder, compose.AllServices, fmt.Sprint(order), compose.AuditSuccess)
	writeJSON(w, http.StatusOK, serviceOrderResponse{Success: true, Order: order})
}

func (s *Server) handleAuditLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := audit.Filter{User: q.Get("user")}

	var err error
	if f.Limit, err = intParam(q.Get("limit"), 100, 1, 1000); err != nil {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	if f.Offset, err = intParam(q.Get("offset"), 0, 0, -1); err != nil {
		writeError(w, http.StatusBadRequest, "invalid offset")
		return
	}

	page, err := s.Audit.Query(r.Context(), f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// intParam parses v, returning def when empty. hi < 0 means unbounded.
func intParam(v string, def, lo, hi int) (int, error) {
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, err
	}
	if n < lo || (hi >= 0 && n > hi) {
		return 0, fmt.Errorf("%d out of range", n)
	}
	return n, nil
}
