// Package catalog maintains a progressively-disclosed index of tools: a
// lightweight metadata index populated by scanning a Provider, full
// descriptors loaded lazily and held in a bounded cache, a multi-detail
// search surface, and the invocation pipeline that validates input and
// output against each tool's schemas.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/toolwire/toolwire/protocol"
	"github.com/toolwire/toolwire/schema"
)

const defaultMaxCachedTools = 128

// Catalog indexes and invokes tools from a Provider. Safe for concurrent
// use.
type Catalog struct {
	provider  Provider
	validator *schema.Validator
	log       *slog.Logger

	mu    sync.RWMutex
	index map[string]Metadata
	names []string // sorted

	cache *lru.Cache[string, *cachedTool]
}

type cachedTool struct {
	desc   *Descriptor
	input  *schema.Compiled
	output *schema.Compiled // nil when the tool declares no output schema
}

// Option customizes a Catalog.
type Option func(*catalogConfig)

type catalogConfig struct {
	maxCachedTools int
	log            *slog.Logger
}

// WithMaxCachedTools bounds the loaded-descriptor cache.
func WithMaxCachedTools(n int) Option {
	return func(c *catalogConfig) { c.maxCachedTools = n }
}

// WithLogger routes catalog logs to the provided logger.
func WithLogger(log *slog.Logger) Option {
	return func(c *catalogConfig) {
		if log != nil {
			c.log = log
		}
	}
}

// New builds a Catalog over the given provider. The validator compiles and
// caches tool schemas; it is shared so that structurally identical schemas
// across tools cost one compilation.
func New(provider Provider, validator *schema.Validator, opts ...Option) (*Catalog, error) {
	if provider == nil {
		return nil, errors.New("catalog: provider is required")
	}
	if validator == nil {
		return nil, errors.New("catalog: schema validator is required")
	}
	cfg := catalogConfig{
		maxCachedTools: defaultMaxCachedTools,
		log:            slog.Default(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.maxCachedTools < 1 {
		return nil, errors.New("catalog: max cached tools must be at least 1")
	}
	cache, err := lru.New[string, *cachedTool](cfg.maxCachedTools)
	if err != nil {
		return nil, err
	}
	return &Catalog{
		provider:  provider,
		validator: validator,
		log:       cfg.log,
		index:     make(map[string]Metadata),
		cache:     cache,
	}, nil
}

// Scan rebuilds the metadata index from the provider. It records metadata
// only; schemas and handlers stay unloaded. Returns the number of indexed
// tools.
func (c *Catalog) Scan(ctx context.Context) (int, error) {
	start := time.Now()
	metas, err := c.provider.Scan(ctx)
	if err != nil {
		return 0, fmt.Errorf("catalog scan: %w", err)
	}

	index := make(map[string]Metadata, len(metas))
	names := make([]string, 0, len(metas))
	for _, m := range metas {
		if m.Name == "" {
			c.log.Warn("catalog.scan.skip_unnamed", slog.String("category", m.Category))
			continue
		}
		if _, dup := index[m.Name]; dup {
			c.log.Warn("catalog.scan.skip_duplicate", slog.String("tool", m.Name))
			continue
		}
		index[m.Name] = m
		names = append(names, m.Name)
	}
	sort.Strings(names)

	c.mu.Lock()
	c.index = index
	c.names = names
	c.mu.Unlock()

	c.log.Info("catalog.scan.ok",
		slog.Int("tools", len(names)),
		slog.Int64("dur_ms", time.Since(start).Milliseconds()))
	return len(names), nil
}

// Len returns the number of indexed tools.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.names)
}

// Metadata returns the scan-time view of one tool, if indexed.
func (c *Catalog) Metadata(name string) (Metadata, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.index[name]
	return m, ok
}

// Load resolves the full descriptor for a tool, caching it so that repeat
// loads are O(1). Unknown tools and tools whose resolved location escapes
// the provider root fail with TOOL_NOT_FOUND.
func (c *Catalog) Load(ctx context.Context, name string) (*Descriptor, error) {
	ct, err := c.load(ctx, name)
	if err != nil {
		return nil, err
	}
	return ct.desc, nil
}

func (c *Catalog) load(ctx context.Context, name string) (*cachedTool, error) {
	if ct, ok := c.cache.Get(name); ok {
		return ct, nil
	}

	start := time.Now()
	loader, err := c.provider.Resolve(ctx, name)
	if err != nil {
		if protocol.CodeOf(err) != "" {
			return nil, err
		}
		return nil, protocol.Errorf(protocol.CodeToolNotFound, "tool %q: %v", name, err)
	}
	desc, err := loader.Load(ctx)
	if err != nil {
		if protocol.CodeOf(err) != "" {
			return nil, err
		}
		return nil, protocol.Errorf(protocol.CodeExecutionError, "load tool %q: %v", name, err)
	}
	if desc.Name != name {
		return nil, protocol.Errorf(protocol.CodeToolNotFound,
			"tool %q: provider resolved descriptor for %q", name, desc.Name)
	}
	if desc.Handler == nil {
		return nil, protocol.Errorf(protocol.CodeExecutionError, "tool %q has no handler", name)
	}
	if len(desc.InputSchema) == 0 {
		desc.InputSchema = json.RawMessage(`{"type":"object"}`)
	}

	ct := &cachedTool{desc: desc}
	if ct.input, err = c.validator.Compile(desc.InputSchema); err != nil {
		return nil, protocol.Errorf(protocol.CodeExecutionError, "tool %q: compile input schema: %v", name, err)
	}
	if len(desc.OutputSchema) > 0 {
		if ct.output, err = c.validator.Compile(desc.OutputSchema); err != nil {
			return nil, protocol.Errorf(protocol.CodeExecutionError, "tool %q: compile output schema: %v", name, err)
		}
	}
	c.cache.Add(name, ct)

	c.log.Debug("catalog.load.ok",
		slog.String("tool", name),
		slog.Int64("dur_ms", time.Since(start).Milliseconds()))
	return ct, nil
}

// Invalidate drops a tool's cached descriptor so the next load re-resolves
// it. Returns whether an entry was present.
func (c *Catalog) Invalidate(name string) bool {
	return c.cache.Remove(name)
}

// InvalidateAll drops every cached descriptor.
func (c *Catalog) InvalidateAll() {
	c.cache.Purge()
}

// InvokeRequest carries one tool invocation.
type InvokeRequest struct {
	Tool      string
	Arguments json.RawMessage

	// Progress, when set, receives handler progress reports.
	Progress ProgressFunc
}

// Invoke runs the full invocation pipeline: ensure the tool is loaded,
// validate input, execute the handler, validate output. Validation
// failures carry a stage detail ("input" or "output"); handler errors and
// panics surface as EXECUTION_ERROR.
func (c *Catalog) Invoke(ctx context.Context, req InvokeRequest) (json.RawMessage, error) {
	ct, err := c.load(ctx, req.Tool)
	if err != nil {
		return nil, err
	}

	res, err := c.validator.ValidateInput(ct.input, req.Arguments)
	if err != nil {
		return nil, protocol.Errorf(protocol.CodeValidationFailed, "tool %q: input is not valid JSON: %v", req.Tool, err).
			WithDetail("stage", "input")
	}
	if !res.Valid {
		return nil, validationError(req.Tool, "input", res.Errors)
	}

	out, err := c.runHandler(ctx, ct.desc, req)
	if err != nil {
		if protocol.CodeOf(err) != "" {
			return nil, err
		}
		return nil, protocol.Errorf(protocol.CodeExecutionError, "tool %q: %v", req.Tool, err)
	}

	if ct.output != nil {
		res, err := c.validator.ValidateOutput(ct.output, out)
		if err != nil {
			return nil, protocol.Errorf(protocol.CodeValidationFailed, "tool %q: output is not valid JSON: %v", req.Tool, err).
				WithDetail("stage", "output")
		}
		if !res.Valid {
			return nil, validationError(req.Tool, "output", res.Errors)
		}
	}
	return out, nil
}

func (c *Catalog) runHandler(ctx context.Context, desc *Descriptor, req InvokeRequest) (out json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("catalog.invoke.panic",
				slog.String("tool", req.Tool),
				slog.Any("panic", r))
			err = protocol.Errorf(protocol.CodeExecutionError, "tool %q: handler panic: %v", req.Tool, r)
		}
	}()
	call := &Call{
		Tool:      req.Tool,
		Arguments: req.Arguments,
		progress:  req.Progress,
	}
	return desc.Handler(ctx, call)
}

func validationError(tool, stage string, fieldErrors []schema.FieldError) *protocol.Error {
	e := protocol.Errorf(protocol.CodeValidationFailed, "tool %q: %s validation failed", tool, stage).
		WithDetail("stage", stage)
	if len(fieldErrors) > 0 {
		e.WithDetail("errors", fieldErrors)
	}
	return e
}
