package llm

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

type managedModel struct {
	handle ModelHandle
	cfg    LoadConfig
}

// Manager caches loaded model handles by key.
type Manager struct {
	binding  Binding
	defaults LoadConfig

	mu     sync.Mutex
	loaded map[string]*managedModel
}

// NewManager creates a manager over binding. Zero fields of defaults fall
// back to DefaultLoadConfig.
func NewManager(binding Binding, defaults LoadConfig) *Manager {
	return &Manager{
		binding:  binding,
		defaults: DefaultLoadConfig().merge(defaults),
		loaded:   make(map[string]*managedModel),
	}
}

// Binding returns the underlying transport.
func (m *Manager) Binding() Binding { return m.binding }

// Get returns a handle for key. A cached handle is reused when every field
// set in cfg matches the config it was loaded with; otherwise the model is
// unloaded and loaded again.
func (m *Manager) Get(ctx context.Context, key string, cfg LoadConfig) (ModelHandle, error) {
	if key == "" {
		return nil, fmt.Errorf("model key is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if cached, ok := m.loaded[key]; ok {
		if cached.cfg.compatible(cfg) {
			return cached.handle, nil
		}
		log.Info().Str("model", key).Msg("load config changed; reloading model")
		if err := cached.handle.Unload(ctx); err != nil {
			log.Warn().Err(err).Str("model", key).Msg("unload before reload failed")
		}
		delete(m.loaded, key)
	}

	merged := m.defaults.merge(cfg)
	handle, err := m.binding.Load(ctx, key, merged)
	if err != nil {
		return nil, err
	}
	m.loaded[key] = &managedModel{handle: handle, cfg: merged}
	return handle, nil
}

// Loaded reports whether key has a cached handle.
func (m *Manager) Loaded(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.loaded[key]
	return ok
}

// Eject unloads key and drops it from the cache.
func (m *Manager) Eject(ctx context.Context, key string) error {
	m.mu.Lock()
	cached, ok := m.loaded[key]
	delete(m.loaded, key)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return cached.handle.Unload(ctx)
}

// EjectAll unloads every cached model. Every unload runs to completion;
// failures are logged and the first one is returned.
func (m *Manager) EjectAll(ctx context.Context) error {
	m.mu.Lock()
	models := m.loaded
	m.loaded = make(map[string]*managedModel)
	m.mu.Unlock()

	var g errgroup.Group
	for key, cached := range models {
		key, cached := key, cached
		g.Go(func() error {
			if err := cached.handle.Unload(ctx); err != nil {
				log.Warn().Err(err).Str("model", key).Msg("unload failed")
				return err
			}
			return nil
		})
	}
	return g.Wait()
}
