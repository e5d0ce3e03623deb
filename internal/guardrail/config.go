package guardrail

import (
	"fmt"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Thresholds are the per-tenant answerability gates.
type Thresholds struct {
	Enabled        bool    `yaml:"enabled"`
	MinConfidence  float64 `yaml:"min_confidence"`
	MinTopScore    float64 `yaml:"min_top_score"`
	MinMeanScore   float64 `yaml:"min_mean_score"`
	MinResultCount int     `yaml:"min_result_count"`
}

// DefaultThresholds returns the stock gates used when no tenant override
// exists.
func DefaultThresholds() Thresholds {
	return Thresholds{
		Enabled:        true,
		MinConfidence:  0.35,
		MinTopScore:    0.5,
		MinMeanScore:   0.3,
		MinResultCount: 1,
	}
}

type configFile struct {
	Tenants map[string]Thresholds `yaml:"tenants"`
}

// ConfigStore holds tenant thresholds with atomic replace on reload.
type ConfigStore struct {
	mu      sync.RWMutex
	tenants map[string]Thresholds
	path    string
	log     *zap.Logger
	watcher *fsnotify.Watcher
}

// NewConfigStore loads thresholds from path. An empty path yields a store
// that always answers with defaults.
func NewConfigStore(path string, log *zap.Logger) (*ConfigStore, error) {
	if log == nil {
		log = zap.NewNop()
	}
	s := &ConfigStore{tenants: map[string]Thresholds{}, path: path, log: log}
	if path == "" {
		return s, nil
	}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload re-reads the file and atomically replaces the tenant map.
func (s *ConfigStore) Reload() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("read guardrail config: %w", err)
	}
	var cf configFile
	if err := yaml.Unmarshal(data, &cf); err != nil {
		return fmt.Errorf("parse guardrail config: %w", err)
	}
	next := make(map[string]Thresholds, len(cf.Tenants))
	for tenant, th := range cf.Tenants {
		next[tenant] = th
	}
	s.mu.Lock()
	s.tenants = next
	s.mu.Unlock()
	s.log.Info("guardrail config loaded", zap.Int("tenants", len(next)))
	return nil
}

// Watch starts an fsnotify watcher that reloads on file change. Reload
// failures keep the previous config.
func (s *ConfigStore) Watch() error {
	if s.path == "" {
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(s.path); err != nil {
		w.Close()
		return err
	}
	s.watcher = w
	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					if err := s.Reload(); err != nil {
						s.log.Warn("guardrail config reload failed, keeping previous", zap.Error(err))
					}
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				s.log.Warn("guardrail config watcher error", zap.Error(err))
			}
		}
	}()
	return nil
}

// Close stops the watcher.
func (s *ConfigStore) Close() error {
	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}

// For returns the thresholds for a tenant: explicit entry, then the file's
// "default" entry, then stock defaults.
func (s *ConfigStore) For(tenant string) Thresholds {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if th, ok := s.tenants[tenant]; ok {
		return th
	}
	if th, ok := s.tenants["default"]; ok {
		return th
	}
	return DefaultThresholds()
}
