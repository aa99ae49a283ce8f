// Package fsprovider serves tool manifests from a directory tree. Each
// manifest is one JSON file; the category is the first path segment under
// the root. Handlers are bound by reference: a manifest names a handler,
// the provider is constructed with the registry mapping those references to
// implementations.
//
// Scanning is tolerant: manifests whose resolved location escapes the
// provider root (symlinks included) are skipped with a logged warning.
// Loading is strict: the same violation on a direct load fails loudly.
package fsprovider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"

	"github.com/toolwire/toolwire/catalog"
	"github.com/toolwire/toolwire/protocol"
)

// Manifest is the on-disk form of a tool definition.
type Manifest struct {
	Name         string          `json:"name"`
	Summary      string          `json:"summary,omitzero"`
	Tags         []string        `json:"tags,omitempty"`
	Handler      string          `json:"handler"`
	InputSchema  json.RawMessage `json:"input_schema"`
	OutputSchema json.RawMessage `json:"output_schema,omitempty"`
}

// HandlerMap resolves manifest handler references to implementations.
type HandlerMap map[string]catalog.Handler

// WatchHooks receives filesystem change signals from Watch.
type WatchHooks struct {
	// OnToolChanged fires when a known manifest's content changed; the
	// cached descriptor for that tool is stale.
	OnToolChanged func(name string)
	// OnIndexChanged fires when manifests appeared or disappeared; a rescan
	// is advised.
	OnIndexChanged func()
}

type indexEntry struct {
	path     string // resolved absolute path
	category string
	meta     catalog.Metadata
}

// FSProvider implements catalog.Provider over a manifest directory.
type FSProvider struct {
	root     string // symlink-resolved absolute root
	handlers HandlerMap
	log      *slog.Logger

	mu     sync.RWMutex
	byName map[string]*indexEntry
	byPath map[string]string // resolved path -> tool name

	watching atomic.Bool
}

var _ catalog.Provider = (*FSProvider)(nil)

// Option customizes an FSProvider.
type Option func(*FSProvider)

// WithLogger routes provider logs to the provided logger.
func WithLogger(log *slog.Logger) Option {
	return func(p *FSProvider) {
		if log != nil {
			p.log = log
		}
	}
}

// New builds a provider rooted at dir. The root must exist; it is resolved
// through symlinks once so that containment checks compare real paths.
func New(dir string, handlers HandlerMap, opts ...Option) (*FSProvider, error) {
	if dir == "" {
		return nil, errors.New("fsprovider: root directory is required")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("fsprovider: resolve root: %w", err)
	}
	root, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("fsprovider: resolve root: %w", err)
	}
	p := &FSProvider{
		root:     root,
		handlers: handlers,
		log:      slog.Default(),
		byName:   make(map[string]*indexEntry),
		byPath:   make(map[string]string),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Root returns the resolved provider root.
func (p *FSProvider) Root() string { return p.root }

// Scan implements catalog.Provider. It walks the root for "*.json"
// manifests, records metadata only, and refreshes the name index used by
// Resolve.
func (p *FSProvider) Scan(ctx context.Context) ([]catalog.Metadata, error) {
	byName := make(map[string]*indexEntry)
	byPath := make(map[string]string)
	var metas []catalog.Metadata

	err := filepath.WalkDir(p.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			p.log.Warn("fsprovider.scan.walk_error", slog.String("path", path), slog.String("err", err.Error()))
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() || !strings.EqualFold(filepath.Ext(path), ".json") {
			return nil
		}

		real, err := filepath.EvalSymlinks(path)
		if err != nil {
			p.log.Warn("fsprovider.scan.skip_unresolvable", slog.String("path", path), slog.String("err", err.Error()))
			return nil
		}
		if !within(real, p.root) {
			p.log.Warn("fsprovider.scan.skip_outside_root", slog.String("path", path), slog.String("resolved", real))
			return nil
		}

		meta, category, err := p.readMetadata(path)
		if err != nil {
			p.log.Warn("fsprovider.scan.skip_invalid", slog.String("path", path), slog.String("err", err.Error()))
			return nil
		}
		if _, dup := byName[meta.Name]; dup {
			p.log.Warn("fsprovider.scan.skip_duplicate", slog.String("tool", meta.Name), slog.String("path", path))
			return nil
		}
		byName[meta.Name] = &indexEntry{path: real, category: category, meta: meta}
		byPath[real] = meta.Name
		metas = append(metas, meta)
		return nil
	})
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.byName = byName
	p.byPath = byPath
	p.mu.Unlock()
	return metas, nil
}

// readMetadata decodes only the manifest's metadata fields. Schemas stay on
// disk until the tool is loaded.
func (p *FSProvider) readMetadata(path string) (catalog.Metadata, string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return catalog.Metadata{}, "", err
	}
	var head struct {
		Name    string   `json:"name"`
		Summary string   `json:"summary"`
		Tags    []string `json:"tags"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return catalog.Metadata{}, "", err
	}
	if head.Name == "" {
		return catalog.Metadata{}, "", errors.New("manifest has no name")
	}
	category := p.categoryOf(path)
	return catalog.Metadata{
		Name:     head.Name,
		Category: category,
		Tags:     head.Tags,
		Summary:  head.Summary,
	}, category, nil
}

// categoryOf derives the category from the first path segment under the
// root. Manifests directly under the root have no category.
func (p *FSProvider) categoryOf(path string) string {
	rel, err := filepath.Rel(p.root, path)
	if err != nil {
		return ""
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) < 2 {
		return ""
	}
	return parts[0]
}

// Resolve implements catalog.Provider. An unknown name triggers one rescan
// before failing, so tools added after the last scan are still reachable.
func (p *FSProvider) Resolve(ctx context.Context, name string) (catalog.Loader, error) {
	e, ok := p.lookup(name)
	if !ok {
		if _, err := p.Scan(ctx); err != nil {
			return nil, err
		}
		if e, ok = p.lookup(name); !ok {
			return nil, fmt.Errorf("no tool manifest for %q", name)
		}
	}
	return catalog.LoaderFunc(func(ctx context.Context) (*catalog.Descriptor, error) {
		return p.load(e)
	}), nil
}

func (p *FSProvider) lookup(name string) (*indexEntry, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.byName[name]
	return e, ok
}

// load reads the full manifest. Unlike scanning, a containment violation
// here is a hard failure: direct loads must never follow a manifest outside
// its category root.
func (p *FSProvider) load(e *indexEntry) (*catalog.Descriptor, error) {
	real, err := filepath.EvalSymlinks(e.path)
	if err != nil {
		return nil, protocol.Errorf(protocol.CodeToolNotFound, "tool %q: manifest unreadable: %v", e.meta.Name, err)
	}
	categoryRoot := p.root
	if e.category != "" {
		categoryRoot = filepath.Join(p.root, e.category)
	}
	if !within(real, categoryRoot) {
		return nil, protocol.Errorf(protocol.CodeToolNotFound,
			"tool %q: manifest resolves outside its category root", e.meta.Name)
	}

	raw, err := os.ReadFile(real)
	if err != nil {
		return nil, fmt.Errorf("read manifest for %q: %w", e.meta.Name, err)
	}
	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode manifest for %q: %w", e.meta.Name, err)
	}
	if m.Name != e.meta.Name {
		return nil, protocol.Errorf(protocol.CodeToolNotFound,
			"tool %q: manifest now names %q", e.meta.Name, m.Name)
	}
	handler, ok := p.handlers[m.Handler]
	if !ok {
		return nil, fmt.Errorf("tool %q: no handler registered for reference %q", m.Name, m.Handler)
	}
	return &catalog.Descriptor{
		Metadata: catalog.Metadata{
			Name:     m.Name,
			Category: e.category,
			Tags:     m.Tags,
			Summary:  m.Summary,
		},
		InputSchema:  m.InputSchema,
		OutputSchema: m.OutputSchema,
		Handler:      handler,
	}, nil
}

// Watch observes the manifest tree with fsnotify and feeds change signals
// to the hooks until ctx is done. At most one watcher runs per provider.
func (p *FSProvider) Watch(ctx context.Context, hooks WatchHooks) error {
	if !p.watching.CompareAndSwap(false, true) {
		return errors.New("fsprovider: watcher already running")
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		p.watching.Store(false)
		return fmt.Errorf("fsprovider: start watcher: %w", err)
	}

	addDirs := func() {
		_ = filepath.WalkDir(p.root, func(path string, d fs.DirEntry, err error) error {
			if err != nil || !d.IsDir() {
				return nil
			}
			return w.Add(path)
		})
	}
	addDirs()

	go func() {
		defer func() {
			_ = w.Close()
			p.watching.Store(false)
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				p.handleEvent(w, ev, hooks)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				p.log.Debug("fsprovider.watch.error", slog.String("err", err.Error()))
			}
		}
	}()
	return nil
}

func (p *FSProvider) handleEvent(w *fsnotify.Watcher, ev fsnotify.Event, hooks WatchHooks) {
	if ev.Op&fsnotify.Create != 0 {
		if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
			_ = w.Add(ev.Name)
			notifyIndex(hooks)
			return
		}
		if isManifest(ev.Name) {
			notifyIndex(hooks)
		}
		return
	}
	if ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
		if name, ok := p.nameForPath(ev.Name); ok {
			notifyTool(hooks, name)
		}
		notifyIndex(hooks)
		return
	}
	if ev.Op&(fsnotify.Write|fsnotify.Chmod) != 0 && isManifest(ev.Name) {
		if name, ok := p.nameForPath(ev.Name); ok {
			p.log.Debug("fsprovider.watch.tool_changed", slog.String("tool", name))
			notifyTool(hooks, name)
		} else {
			notifyIndex(hooks)
		}
	}
}

func (p *FSProvider) nameForPath(path string) (string, bool) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", false
	}
	// The file may already be gone; fall back to the recorded path without
	// symlink resolution.
	real, err := filepath.EvalSymlinks(abs)
	if err != nil {
		real = abs
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	name, ok := p.byPath[real]
	return name, ok
}

func isManifest(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".json")
}

func notifyTool(hooks WatchHooks, name string) {
	if hooks.OnToolChanged != nil {
		hooks.OnToolChanged(name)
	}
}

func notifyIndex(hooks WatchHooks) {
	if hooks.OnIndexChanged != nil {
		hooks.OnIndexChanged()
	}
}

// within reports whether path sits at or below root. Both must already be
// symlink-resolved.
func within(path, root string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	if rel == "." {
		return true
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(os.PathSeparator)) && !filepath.IsAbs(rel)
}
