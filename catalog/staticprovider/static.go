// Package staticprovider registers in-process Go tools at startup. Input
// and output schemas are reflected from the handler's typed argument and
// result structs, so the registry is the explicit tagged registry the
// rest of the system discovers tools from.
package staticprovider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/invopop/jsonschema"

	"github.com/toolwire/toolwire/catalog"
)

// ToolOption configures a reflected tool.
type ToolOption func(*toolConfig)

type toolConfig struct {
	category                  string
	tags                      []string
	summary                   string
	allowAdditionalProperties bool
}

// WithCategory sets the tool's category.
func WithCategory(category string) ToolOption {
	return func(c *toolConfig) { c.category = category }
}

// WithTags sets the tool's tags.
func WithTags(tags ...string) ToolOption {
	return func(c *toolConfig) { c.tags = tags }
}

// WithSummary sets the one-line description used in listings.
func WithSummary(summary string) ToolOption {
	return func(c *toolConfig) { c.summary = summary }
}

// WithAllowAdditionalProperties controls whether unknown argument fields
// are tolerated. When false (default) the reflected schema sets
// additionalProperties=false and decoding rejects unknown fields.
func WithAllowAdditionalProperties(allow bool) ToolOption {
	return func(c *toolConfig) { c.allowAdditionalProperties = allow }
}

// NewTool builds a tool descriptor whose input schema is reflected from the
// typed argument struct A. The handler receives decoded arguments alongside
// the invocation call for progress reporting.
func NewTool[A any](name string, fn func(ctx context.Context, call *catalog.Call, args A) (json.RawMessage, error), opts ...ToolOption) *catalog.Descriptor {
	cfg := toolConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	desc := &catalog.Descriptor{
		Metadata: catalog.Metadata{
			Name:     name,
			Category: cfg.category,
			Tags:     cfg.tags,
			Summary:  cfg.summary,
		},
		InputSchema: reflectSchema[A](cfg.allowAdditionalProperties),
	}
	desc.Handler = func(ctx context.Context, call *catalog.Call) (json.RawMessage, error) {
		args, err := decodeArgs[A](call.Arguments, cfg.allowAdditionalProperties)
		if err != nil {
			return nil, fmt.Errorf("invalid arguments: %w", err)
		}
		return fn(ctx, call, args)
	}
	return desc
}

// NewToolWithOutput builds a typed-input, typed-output tool. The output
// schema is reflected from O and enforced on every invocation.
func NewToolWithOutput[A, O any](name string, fn func(ctx context.Context, call *catalog.Call, args A) (O, error), opts ...ToolOption) *catalog.Descriptor {
	cfg := toolConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	desc := &catalog.Descriptor{
		Metadata: catalog.Metadata{
			Name:     name,
			Category: cfg.category,
			Tags:     cfg.tags,
			Summary:  cfg.summary,
		},
		InputSchema:  reflectSchema[A](cfg.allowAdditionalProperties),
		OutputSchema: reflectSchema[O](true),
	}
	desc.Handler = func(ctx context.Context, call *catalog.Call) (json.RawMessage, error) {
		args, err := decodeArgs[A](call.Arguments, cfg.allowAdditionalProperties)
		if err != nil {
			return nil, fmt.Errorf("invalid arguments: %w", err)
		}
		out, err := fn(ctx, call, args)
		if err != nil {
			return nil, err
		}
		raw, err := json.Marshal(out)
		if err != nil {
			return nil, fmt.Errorf("encode result: %w", err)
		}
		return raw, nil
	}
	return desc
}

func decodeArgs[A any](raw json.RawMessage, allowAdditional bool) (A, error) {
	var a A
	if len(raw) == 0 {
		return a, nil
	}
	if allowAdditional {
		err := json.Unmarshal(raw, &a)
		return a, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	err := dec.Decode(&a)
	return a, err
}

// reflectSchema reflects a Go type into a plain JSON schema document.
// Reflection metadata ($schema, $id) is stripped so the document is purely
// structural; non-object types fall back to an open object schema.
func reflectSchema[T any](allowAdditional bool) json.RawMessage {
	r := &jsonschema.Reflector{
		DoNotReference:            true,
		ExpandedStruct:            true,
		AllowAdditionalProperties: allowAdditional,
	}
	s := r.Reflect(new(T))
	raw, err := json.Marshal(s)
	if err != nil {
		return emptyObjectSchema(allowAdditional)
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return emptyObjectSchema(allowAdditional)
	}
	delete(doc, "$schema")
	delete(doc, "$id")
	if t, _ := doc["type"].(string); t != "object" {
		return emptyObjectSchema(allowAdditional)
	}
	out, err := json.Marshal(doc)
	if err != nil {
		return emptyObjectSchema(allowAdditional)
	}
	return out
}

func emptyObjectSchema(allowAdditional bool) json.RawMessage {
	if allowAdditional {
		return json.RawMessage(`{"type":"object"}`)
	}
	return json.RawMessage(`{"type":"object","additionalProperties":false}`)
}

// Registry is a mutable, threadsafe set of in-process tools. It implements
// catalog.Provider.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*catalog.Descriptor
}

var _ catalog.Provider = (*Registry)(nil)

// NewRegistry builds a registry holding the given tools. Later descriptors
// win on duplicate names.
func NewRegistry(descs ...*catalog.Descriptor) *Registry {
	r := &Registry{tools: make(map[string]*catalog.Descriptor, len(descs))}
	for _, d := range descs {
		r.tools[d.Name] = d
	}
	return r
}

// Add registers a tool unless the name is already taken.
func (r *Registry) Add(d *catalog.Descriptor) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[d.Name]; exists {
		return false
	}
	r.tools[d.Name] = d
	return true
}

// Remove deletes a tool by name.
func (r *Registry) Remove(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; !exists {
		return false
	}
	delete(r.tools, name)
	return true
}

// Replace atomically swaps the entire tool set.
func (r *Registry) Replace(descs ...*catalog.Descriptor) {
	tools := make(map[string]*catalog.Descriptor, len(descs))
	for _, d := range descs {
		tools[d.Name] = d
	}
	r.mu.Lock()
	r.tools = tools
	r.mu.Unlock()
}

// Scan implements catalog.Provider.
func (r *Registry) Scan(ctx context.Context) ([]catalog.Metadata, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	metas := make([]catalog.Metadata, 0, len(names))
	for _, name := range names {
		metas = append(metas, r.tools[name].Metadata)
	}
	return metas, nil
}

// Resolve implements catalog.Provider.
func (r *Registry) Resolve(ctx context.Context, name string) (catalog.Loader, error) {
	r.mu.RLock()
	d, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no registered tool named %q", name)
	}
	return catalog.LoaderFunc(func(ctx context.Context) (*catalog.Descriptor, error) {
		return d, nil
	}), nil
}
