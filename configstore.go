package compose

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/renameio/v2"
	"gopkg.in/yaml.v3"
	"vawter.tech/stopper"
)

// DefaultWatchDebounce is the default debounce time for config file watching
const DefaultWatchDebounce = 50 * time.Millisecond

// ConfigEvent is delivered by ConfigStore.Watch after the file changes.
type ConfigEvent struct {
	// Config is the freshly parsed file; nil when Err is set
	Config *Config
	// Err is a read, parse or watcher error
	Err error
}

// ConfigCleanupFunc stops a config watch.
type ConfigCleanupFunc func() error

// ConfigStore reads the services file and performs the few edits the
// system makes to it. Edits operate on the YAML node tree so unknown keys,
// comments and ordering survive, and they replace the file atomically.
// Writers in this process are serialized; writers in other processes are
// last-writer-wins.
type ConfigStore struct {
	path string

	mu     sync.Mutex
	cached *Config
}

// NewConfigStore returns a store for the services file at path.
func NewConfigStore(path string) (*ConfigStore, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path: %w", err)
	}
	return &ConfigStore{path: abs}, nil
}

// Path returns the absolute path of the services file.
func (s *ConfigStore) Path() string {
	return s.path
}

// Load reads the file from disk and refreshes the cached snapshot.
func (s *ConfigStore) Load() (*Config, error) {
	cfg, err := LoadConfig(s.path)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.cached = cfg
	s.mu.Unlock()
	return cfg, nil
}

// Snapshot returns the cached config, loading it on first use or after
// the file changed.
func (s *ConfigStore) Snapshot() (*Config, error) {
	s.mu.Lock()
	cfg := s.cached
	s.mu.Unlock()
	if cfg != nil {
		return cfg, nil
	}
	return s.Load()
}

func (s *ConfigStore) invalidate() {
	s.mu.Lock()
	s.cached = nil
	s.mu.Unlock()
}

// SetScheduledRestart replaces the scheduled_restart block of a service.
func (s *ConfigStore) SetScheduledRestart(name string, sr ScheduledRestart) error {
	return s.edit(func(services *yaml.Node) error {
		svc := findService(services, name)
		if svc == nil {
			return &OpError{Op: OpLoad, Service: name, Err: ErrServiceNotFound}
		}
		var value yaml.Node
		if err := value.Encode(sr); err != nil {
			return err
		}
		if sr.LastRestart == "" {
			setMappingValue(&value, "last_restart", &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!null", Value: "null"})
		}
		setMappingValue(svc, "scheduled_restart", &value)
		return nil
	})
}

// SetLastRestart records when a scheduled restart fired. Services without
// a scheduled_restart block are left untouched.
func (s *ConfigStore) SetLastRestart(name string, at time.Time) error {
	return s.edit(func(services *yaml.Node) error {
		svc := findService(services, name)
		if svc == nil {
			return &OpError{Op: OpLoad, Service: name, Err: ErrServiceNotFound}
		}
		sr := mappingValue(svc, "scheduled_restart")
		if sr == nil || sr.Kind != yaml.MappingNode {
			return nil
		}
		setMappingValue(sr, "last_restart", &yaml.Node{
			Kind:  yaml.ScalarNode,
			Tag:   "!!str",
			Value: at.Format(time.RFC3339),
		})
		return nil
	})
}

// ReorderServices rewrites the services list in the given order. Names not
// configured are ignored; configured services missing from order keep
// their relative order after the listed ones.
func (s *ConfigStore) ReorderServices(order []string) ([]string, error) {
	var result []string
	err := s.edit(func(services *yaml.Node) error {
		byName := make(map[string]*yaml.Node, len(services.Content))
		var names []string
		for _, item := range services.Content {
			if n := mappingValue(item, "name"); n != nil {
				byName[n.Value] = item
				names = append(names, n.Value)
			}
		}

		placed := make(map[string]bool, len(names))
		content := make([]*yaml.Node, 0, len(services.Content))
		for _, name := range order {
			if item, ok := byName[name]; ok && !placed[name] {
				content = append(content, item)
				placed[name] = true
				result = append(result, name)
			}
		}
		for _, name := range names {
			if !placed[name] {
				content = append(content, byName[name])
				result = append(result, name)
			}
		}
		services.Content = content
		return nil
	})
	return result, err
}

// edit loads the node tree, applies fn to the services sequence and
// writes the result back atomically.
func (s *ConfigStore) edit(fn func(services *yaml.Node) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		return &OpError{Op: OpLoad, Service: s.path, Err: err}
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidConfig, s.path, err)
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 {
		return fmt.Errorf("%w: %s: empty document", ErrInvalidConfig, s.path)
	}
	services := mappingValue(doc.Content[0], "services")
	if services == nil || services.Kind != yaml.SequenceNode {
		return fmt.Errorf("%w: %s: services is not a list", ErrInvalidConfig, s.path)
	}

	if err := fn(services); err != nil {
		return err
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&doc); err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}

	mode := os.FileMode(FileMode)
	if info, err := os.Stat(s.path); err == nil {
		mode = info.Mode().Perm()
	}
	if err := renameio.WriteFile(s.path, buf.Bytes(), mode); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	s.cached = nil
	return nil
}

// Watch monitors the services file and delivers a ConfigEvent each time it
// settles after a change. The directory is watched because atomic writers
// replace the file rather than modify it.
func (s *ConfigStore) Watch(ctx context.Context) (<-chan ConfigEvent, ConfigCleanupFunc, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, nil, &OpError{Op: OpLoad, Service: s.path, Err: err}
	}
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		_ = watcher.Close()
		return nil, nil, &OpError{Op: OpLoad, Service: s.path, Err: err}
	}

	ch := make(chan ConfigEvent, 4)
	sctx := stopper.WithContext(ctx)
	sctx.Defer(func() {
		_ = watcher.Close()
		close(ch)
	})

	cleanup := func() error {
		sctx.Stop(100 * time.Millisecond)
		return sctx.Wait()
	}

	var (
		mu        sync.Mutex
		debouncer *time.Timer
	)

	send := func(ev ConfigEvent) {
		if sctx.IsStopping() {
			return
		}
		select {
		case ch <- ev:
		case <-sctx.Stopping():
		}
	}

	reload := func() {
		if sctx.IsStopping() {
			return
		}
		s.invalidate()
		cfg, err := s.Load()
		send(ConfigEvent{Config: cfg, Err: err})
	}

	name := filepath.Base(s.path)
	sctx.Go(func(sctx *stopper.Context) error {
		sctx.Defer(func() {
			mu.Lock()
			if debouncer != nil {
				debouncer.Stop()
			}
			mu.Unlock()
		})

		for !sctx.IsStopping() {
			select {
			case <-sctx.Stopping():
				return nil

			case event, ok := <-watcher.Events:
				if !ok {
					return nil
				}
				if filepath.Base(event.Name) != name {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
					continue
				}
				mu.Lock()
				if debouncer != nil {
					debouncer.Stop()
				}
				debouncer = time.AfterFunc(DefaultWatchDebounce, reload)
				mu.Unlock()

			case err, ok := <-watcher.Errors:
				if !ok {
					return nil
				}
				if err != nil {
					send(ConfigEvent{Err: err})
				}
			}
		}
		return nil
	})

	return ch, cleanup, nil
}

func findService(services *yaml.Node, name string) *yaml.Node {
	for _, item := range services.Content {
		if n := mappingValue(item, "name"); n != nil && n.Value == name {
			return item
		}
	}
	return nil
}

func mappingValue(m *yaml.Node, key string) *yaml.Node {
	if m == nil || m.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == key {
			return m.Content[i+1]
		}
	}
	return nil
}

func setMappingValue(m *yaml.Node, key string, value *yaml.Node) {
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == key {
			m.Content[i+1] = value
			return
		}
	}
	m.Content = append(m.Content,
		&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: key},
		value,
	)
}
