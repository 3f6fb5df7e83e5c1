package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/thejerf/suture/v4"

	compose "github.com/liuyuansharp/service-compose"
	"github.com/liuyuansharp/service-compose/internal/api"
	"github.com/liuyuansharp/service-compose/internal/metrics"
)

// httpService runs the API server under suture.
type httpService struct {
	server          *http.Server
	shutdownTimeout time.Duration
	log             zerolog.Logger

	// addr receives the bound address once listening; may be nil
	addr chan<- string
}

func (h *httpService) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", h.server.Addr)
	if err != nil {
		return fmt.Errorf("http server failed: %w", err)
	}
	h.log.Info().Str("addr", ln.Addr().String()).Msg("API listening")
	if h.addr != nil {
		select {
		case h.addr <- ln.Addr().String():
		default:
		}
	}

	errCh := make(chan error, 1)
	go func() {
		if err := h.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), h.shutdownTimeout)
		defer cancel()
		if err := h.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http server shutdown failed: %w", err)
		}
		<-errCh
		return ctx.Err()
	}
}

func (h *httpService) String() string {
	return "http-server"
}

// eventPump forwards supervisor events to metrics and websocket clients.
type eventPump struct {
	events  <-chan compose.Event
	metrics *metrics.Metrics
	hub     *api.Hub
}

func (p *eventPump) Serve(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-p.events:
			if !ok {
				return suture.ErrDoNotRestart
			}
			if p.metrics != nil {
				p.metrics.ObserveEvent(ev)
			}
			if p.hub != nil {
				p.hub.Publish(ev)
			}
		}
	}
}

func (p *eventPump) String() string {
	return "event-pump"
}

// configWatcher reloads the manager whenever the services file changes.
type configWatcher struct {
	store   *compose.ConfigStore
	manager *compose.Manager
	metrics *metrics.Metrics
	log     zerolog.Logger
}

func (w *configWatcher) Serve(ctx context.Context) error {
	events, cleanup, err := w.store.Watch(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = cleanup() }()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return ctx.Err()
			}
			if ev.Err != nil {
				w.log.Error().Err(ev.Err).Msg("Services file changed but could not be loaded")
				continue
			}
			w.reload(ctx, ev.Config)
		}
	}
}

func (w *configWatcher) reload(ctx context.Context, cfg *compose.Config) {
	before := w.manager.Config().Names()
	if err := w.manager.Reload(ctx, cfg); err != nil {
		w.log.Error().Err(err).Msg("Reload failed")
		return
	}
	if w.metrics != nil {
		for _, name := range before {
			if _, ok := cfg.Service(name); !ok {
				w.metrics.Forget(name)
			}
		}
	}
	w.log.Info().Int("services", len(cfg.Services)).Msg("Services file reloaded")
}

func (w *configWatcher) String() string {
	return "config-watcher"
}

// eventHook logs suture events through zerolog.
func eventHook(log zerolog.Logger) suture.EventHook {
	return func(e suture.Event) {
		var entry *zerolog.Event
		switch e.Type() {
		case suture.EventTypeServicePanic, suture.EventTypeServiceTerminate:
			entry = log.Error()
		case suture.EventTypeStopTimeout, suture.EventTypeBackoff:
			entry = log.Warn()
		default:
			entry = log.Info()
		}
		entry.Fields(e.Map()).Msg(e.String())
	}
}
