// Package agents loads agent definitions from disk, keeps them in an
// in-memory cache that can be hot reloaded, and holds the registry of
// first-party native agents.
package agents

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/warden/pkg/models"
)

// ErrAgentNotFound is returned for unknown agent names.
var ErrAgentNotFound = errors.New("agent not found")

type cached struct {
	def    *models.AgentDefinition
	schema *jsonschema.Schema
	pinned bool
}

// Cache holds the loaded agent definitions. Definitions are replaced
// wholesale on reload; callers receive copies.
type Cache struct {
	dirs   []string
	logger *slog.Logger

	mu     sync.RWMutex
	agents map[string]*cached
	loaded time.Time

	watcher       *fsnotify.Watcher
	watchPaths    map[string]struct{}
	watchMu       sync.Mutex
	watchWg       sync.WaitGroup
	watchCancel   context.CancelFunc
	watchDebounce time.Duration
	onReload      func(count int, err error)
}

// CacheOption configures a Cache.
type CacheOption func(*Cache)

// WithLogger sets the cache logger.
func WithLogger(logger *slog.Logger) CacheOption {
	return func(c *Cache) { c.logger = logger }
}

// WithWatchDebounce sets how long the watcher waits for changes to settle.
func WithWatchDebounce(d time.Duration) CacheOption {
	return func(c *Cache) { c.watchDebounce = d }
}

// WithReloadHook is called after every watch-triggered reload.
func WithReloadHook(fn func(count int, err error)) CacheOption {
	return func(c *Cache) { c.onReload = fn }
}

// NewCache creates an empty cache over dirs. Call Load to populate it.
func NewCache(dirs []string, opts ...CacheOption) *Cache {
	c := &Cache{
		dirs:          append([]string(nil), dirs...),
		logger:        slog.Default().With("component", "agents"),
		agents:        make(map[string]*cached),
		watchDebounce: 250 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Load scans the directories and replaces every definition that came from
// disk. Definitions added with Put survive. Invalid manifests are skipped and
// reported in the returned error; valid ones are still loaded.
func (c *Cache) Load(ctx context.Context) error {
	found := make(map[string]*cached)
	var errs []error

	for _, dir := range c.dirs {
		if err := ctx.Err(); err != nil {
			return err
		}
		defs, err := scanDir(dir)
		errs = append(errs, err)
		for _, def := range defs {
			schema, err := compileParamsSchema(def.Name, def.ParamsSchema)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if prev, ok := found[def.Name]; ok {
				errs = append(errs, fmt.Errorf("agent %q defined twice: %s and %s", def.Name, prev.def.Path, def.Path))
				continue
			}
			found[def.Name] = &cached{def: def, schema: schema}
		}
	}

	c.mu.Lock()
	for name, entry := range c.agents {
		if entry.pinned {
			if _, clash := found[name]; !clash {
				found[name] = entry
			}
		}
	}
	c.agents = found
	c.loaded = time.Now()
	c.mu.Unlock()

	c.logger.Info("loaded agents", "count", len(found))
	if err := c.refreshWatches(); err != nil {
		c.logger.Warn("refresh agent watches failed", "error", err)
	}
	return errors.Join(errs...)
}

// scanDir walks dir for manifests and bare scripts. A missing dir is not an
// error.
func scanDir(dir string) ([]*models.AgentDefinition, error) {
	if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}

	var manifests, scripts []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != dir && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		switch {
		case IsManifest(path):
			manifests = append(manifests, path)
		case strings.EqualFold(filepath.Ext(path), ".js"):
			scripts = append(scripts, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", dir, err)
	}

	var defs []*models.AgentDefinition
	var errs []error
	claimed := make(map[string]struct{})
	for _, path := range manifests {
		def, err := LoadManifest(path)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		claimed[filepath.Join(filepath.Dir(path), manifestStem(path)+".js")] = struct{}{}
		defs = append(defs, def)
	}
	for _, path := range scripts {
		if _, ok := claimed[path]; ok {
			continue
		}
		def, err := ScriptDefinition(path)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		defs = append(defs, def)
	}
	return defs, errors.Join(errs...)
}

// Put adds or replaces a definition that is not backed by a file. It
// survives reloads unless a file defines the same name.
func (c *Cache) Put(def models.AgentDefinition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	if def.ID == "" {
		def.ID = def.Name
	}
	schema, err := compileParamsSchema(def.Name, def.ParamsSchema)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.agents[def.Name] = &cached{def: &def, schema: schema, pinned: true}
	c.mu.Unlock()
	return nil
}

// Get returns a copy of the named definition. The ID is accepted as well.
func (c *Cache) Get(name string) (*models.AgentDefinition, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.lookupLocked(name)
	if !ok {
		return nil, false
	}
	def := *entry.def
	return &def, true
}

func (c *Cache) lookupLocked(name string) (*cached, bool) {
	if entry, ok := c.agents[name]; ok {
		return entry, true
	}
	for _, entry := range c.agents {
		if entry.def.ID == name {
			return entry, true
		}
	}
	return nil, false
}

// List returns copies of every definition, sorted by name.
func (c *Cache) List() []models.AgentDefinition {
	c.mu.RLock()
	out := make([]models.AgentDefinition, 0, len(c.agents))
	for _, entry := range c.agents {
		out = append(out, *entry.def)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Len returns the number of cached definitions.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.agents)
}

// LoadedAt reports when the cache last finished a Load.
func (c *Cache) LoadedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.loaded
}

// ValidateParams checks params against the agent's params schema.
func (c *Cache) ValidateParams(name string, params map[string]any) error {
	c.mu.RLock()
	entry, ok := c.lookupLocked(name)
	c.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, name)
	}
	return validateParams(entry.schema, params)
}

// Watch reloads the cache when files under the agent directories change.
func (c *Cache) Watch(ctx context.Context) error {
	c.watchMu.Lock()
	if c.watcher != nil {
		c.watchMu.Unlock()
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		c.watchMu.Unlock()
		return err
	}
	c.watcher = watcher
	c.watchPaths = make(map[string]struct{})
	watchCtx, cancel := context.WithCancel(ctx)
	c.watchCancel = cancel
	debounce := c.watchDebounce
	c.watchMu.Unlock()

	if err := c.refreshWatches(); err != nil {
		c.logger.Warn("initial agent watch refresh failed", "error", err)
	}

	c.watchWg.Add(1)
	go c.watchLoop(watchCtx, watcher, debounce)
	return nil
}

// Close stops the watcher.
func (c *Cache) Close() error {
	c.watchMu.Lock()
	if c.watchCancel != nil {
		c.watchCancel()
		c.watchCancel = nil
	}
	watcher := c.watcher
	c.watcher = nil
	c.watchMu.Unlock()

	if watcher != nil {
		_ = watcher.Close()
	}
	c.watchWg.Wait()
	return nil
}

func (c *Cache) watchLoop(ctx context.Context, watcher *fsnotify.Watcher, debounce time.Duration) {
	defer c.watchWg.Done()
	if debounce <= 0 {
		debounce = 250 * time.Millisecond
	}

	var mu sync.Mutex
	var timer *time.Timer
	defer func() {
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
	}()
	scheduleReload := func() {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(debounce, func() {
			if ctx.Err() != nil {
				return
			}
			err := c.Load(ctx)
			if err != nil {
				c.logger.Warn("agent reload reported errors", "error", err)
			}
			if c.onReload != nil {
				c.onReload(c.Len(), err)
			}
		})
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if event.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					c.addWatchPath(event.Name)
				}
			}
			scheduleReload()
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			c.logger.Warn("agent watch error", "error", err)
		}
	}
}

func (c *Cache) refreshWatches() error {
	c.watchMu.Lock()
	watcher := c.watcher
	c.watchMu.Unlock()
	if watcher == nil {
		return nil
	}

	desired := make(map[string]struct{})
	for _, dir := range c.dirs {
		_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			if d.IsDir() {
				desired[path] = struct{}{}
			}
			return nil
		})
	}

	c.watchMu.Lock()
	defer c.watchMu.Unlock()
	for path := range desired {
		if _, ok := c.watchPaths[path]; ok {
			continue
		}
		if err := watcher.Add(path); err != nil {
			c.logger.Debug("failed to watch agent path", "path", path, "error", err)
			continue
		}
		c.watchPaths[path] = struct{}{}
	}
	for path := range c.watchPaths {
		if _, ok := desired[path]; ok {
			continue
		}
		_ = watcher.Remove(path)
		delete(c.watchPaths, path)
	}
	return nil
}

func (c *Cache) addWatchPath(path string) {
	c.watchMu.Lock()
	defer c.watchMu.Unlock()
	if c.watcher == nil {
		return
	}
	if _, ok := c.watchPaths[path]; ok {
		return
	}
	if err := c.watcher.Add(path); err == nil {
		c.watchPaths[path] = struct{}{}
	}
}
