package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Duration parses "30s" style YAML values into a time.Duration.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := value.Decode(&n); err != nil {
		return err
	}
	*d = Duration(n)
	return nil
}

// ModelDef describes one model the council can seat.
type ModelDef struct {
	BaseURL   string   `yaml:"base_url"`
	APIKeyEnv string   `yaml:"api_key_env"` // env var holding the key, never the key itself
	Tier      string   `yaml:"tier"`
	Cost      int      `yaml:"cost"` // token-bucket cost per call; 0 inherits the tier cost
	MaxTokens int      `yaml:"max_tokens"`
	Timeout   Duration `yaml:"timeout"`
}

// catalogFile is the on-disk shape of models.yaml.
type catalogFile struct {
	Roster         []string            `yaml:"roster"`
	RankingModels  []string            `yaml:"ranking_models"`
	SynthesisModel string              `yaml:"synthesis_model"`
	Models         map[string]ModelDef `yaml:"models"`
	Tiers          map[string]int      `yaml:"tiers"`
}

func (f *catalogFile) validate() error {
	if len(f.Models) == 0 {
		return fmt.Errorf("models.yaml defines no models")
	}
	if len(f.Roster) == 0 {
		return fmt.Errorf("models.yaml defines no roster")
	}
	for _, name := range f.Roster {
		if _, ok := f.Models[name]; !ok {
			return fmt.Errorf("roster model %q is not defined", name)
		}
	}
	for _, name := range f.RankingModels {
		if _, ok := f.Models[name]; !ok {
			return fmt.Errorf("ranking model %q is not defined", name)
		}
	}
	if f.SynthesisModel != "" {
		if _, ok := f.Models[f.SynthesisModel]; !ok {
			return fmt.Errorf("synthesis model %q is not defined", f.SynthesisModel)
		}
	}
	return nil
}

// Catalog is the live model catalog. Reads see a consistent snapshot;
// WatchForChanges swaps the snapshot atomically when models.yaml changes.
type Catalog struct {
	path   string
	logger *zap.Logger

	mu       sync.RWMutex
	current  catalogFile
	handlers []func()

	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	started bool
}

// LoadCatalog reads and validates models.yaml.
func LoadCatalog(path string, logger *zap.Logger) (*Catalog, error) {
	c := &Catalog{path: path, logger: logger, stopCh: make(chan struct{})}
	if err := c.reload(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Catalog) reload() error {
	data, err := os.ReadFile(c.path)
	if err != nil {
		return fmt.Errorf("read model catalog: %w", err)
	}
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse model catalog: %w", err)
	}
	if err := f.validate(); err != nil {
		return err
	}

	c.mu.Lock()
	c.current = f
	handlers := append([]func(){}, c.handlers...)
	c.mu.Unlock()

	for _, h := range handlers {
		h()
	}
	return nil
}

// Roster returns the configured roster in order.
func (c *Catalog) Roster() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.current.Roster...)
}

// RankingModels returns the ranking jury, empty if the roster should rank.
func (c *Catalog) RankingModels() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.current.RankingModels...)
}

// SynthesisModel returns the configured synthesizer, empty for the default.
func (c *Catalog) SynthesisModel() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current.SynthesisModel
}

// Model returns the definition for a model name.
func (c *Catalog) Model(name string) (ModelDef, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	def, ok := c.current.Models[name]
	return def, ok
}

// Models returns a copy of every model definition.
func (c *Catalog) Models() map[string]ModelDef {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]ModelDef, len(c.current.Models))
	for k, v := range c.current.Models {
		out[k] = v
	}
	return out
}

// Costs returns the effective per-model token-bucket costs, resolving tier
// inheritance.
func (c *Catalog) Costs() map[string]int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]int, len(c.current.Models))
	for name, def := range c.current.Models {
		cost := def.Cost
		if cost == 0 {
			cost = c.current.Tiers[def.Tier]
		}
		if cost <= 0 {
			cost = 1
		}
		out[name] = cost
	}
	return out
}

// OnReload registers a handler invoked after every successful reload.
func (c *Catalog) OnReload(h func()) {
	c.mu.Lock()
	c.handlers = append(c.handlers, h)
	c.mu.Unlock()
}

// WatchForChanges hot-reloads the catalog when models.yaml is rewritten. A
// reload that fails validation is logged and dropped; the previous snapshot
// stays active.
func (c *Catalog) WatchForChanges() error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	c.mu.Unlock()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create catalog watcher: %w", err)
	}
	// Watch the directory, not the file: editors and configmap updates
	// replace the file, which drops a direct file watch.
	if err := watcher.Add(filepath.Dir(c.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch catalog directory: %w", err)
	}
	c.watcher = watcher

	go c.watchLoop()
	return nil
}

func (c *Catalog) watchLoop() {
	base := filepath.Base(c.path)
	var timer *time.Timer
	for {
		select {
		case event, ok := <-c.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			// Debounce: writers often emit several events per save.
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(100*time.Millisecond, func() {
				if err := c.reload(); err != nil {
					c.logger.Error("Model catalog reload failed, keeping previous",
						zap.String("path", c.path),
						zap.Error(err))
					return
				}
				c.logger.Info("Model catalog reloaded", zap.String("path", c.path))
			})
		case err, ok := <-c.watcher.Errors:
			if !ok {
				return
			}
			c.logger.Warn("Catalog watcher error", zap.Error(err))
		case <-c.stopCh:
			return
		}
	}
}

// Close stops the watcher.
func (c *Catalog) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		return nil
	}
	c.started = false
	close(c.stopCh)
	if c.watcher != nil {
		return c.watcher.Close()
	}
	return nil
}
