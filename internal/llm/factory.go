package llm

import (
	"sync"

	"go.uber.org/zap"
)

// Factory caches one client per tenant. Tenants without an override share
// the default config. Config updates hot-swap the cached client; in-flight
// requests keep the client they started with.
type Factory struct {
	mu         sync.RWMutex
	defaultCfg Config
	overrides  map[string]Config
	clients    map[string]Client
	log        *zap.Logger
}

func NewFactory(defaultCfg Config, log *zap.Logger) *Factory {
	if log == nil {
		log = zap.NewNop()
	}
	return &Factory{
		defaultCfg: defaultCfg,
		overrides:  map[string]Config{},
		clients:    map[string]Client{},
		log:        log,
	}
}

// ForTenant returns the tenant's client, building and caching it on first
// use.
func (f *Factory) ForTenant(tenant string) (Client, error) {
	f.mu.RLock()
	if cli, ok := f.clients[tenant]; ok {
		f.mu.RUnlock()
		return cli, nil
	}
	f.mu.RUnlock()

	f.mu.Lock()
	defer f.mu.Unlock()
	if cli, ok := f.clients[tenant]; ok {
		return cli, nil
	}
	cfg := f.defaultCfg
	if o, ok := f.overrides[tenant]; ok {
		cfg = o
	}
	cli, err := New(cfg, f.log)
	if err != nil {
		return nil, err
	}
	f.clients[tenant] = cli
	return cli, nil
}

// SetTenantConfig installs a tenant override and drops the cached client so
// the next request picks up the new config.
func (f *Factory) SetTenantConfig(tenant string, cfg Config) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.overrides[tenant] = cfg
	delete(f.clients, tenant)
	f.log.Info("llm tenant config updated", zap.String("tenant", tenant), zap.String("provider", cfg.Provider))
}
