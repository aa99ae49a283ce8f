package catalog

import (
	"context"
	"encoding/json"
)

// Metadata is the lightweight, scan-time view of a tool. It carries no
// schema and no handler; those are resolved on first load.
type Metadata struct {
	Name     string   `json:"name"`
	Category string   `json:"category,omitzero"`
	Tags     []string `json:"tags,omitempty"`
	Summary  string   `json:"summary,omitzero"`
}

// Descriptor is the fully-loaded view of a tool.
type Descriptor struct {
	Metadata
	InputSchema  json.RawMessage `json:"input_schema"`
	OutputSchema json.RawMessage `json:"output_schema,omitempty"`
	Handler      Handler         `json:"-"`
}

// ProgressFunc receives handler progress. Implementations must be safe to
// call from the handler goroutine.
type ProgressFunc func(percent float64, message string)

// Call is the per-invocation context handed to a tool handler.
type Call struct {
	Tool      string
	Arguments json.RawMessage

	progress ProgressFunc
}

// ReportProgress publishes handler progress. On the synchronous path it is
// a no-op; on the asynchronous path it feeds the job's observers.
func (c *Call) ReportProgress(percent float64, message string) {
	if c.progress != nil {
		c.progress(percent, message)
	}
}

// Handler executes a tool call. The context carries cooperative
// cancellation and any per-call deadline; handlers are responsible for
// observing it at their own checkpoints.
type Handler func(ctx context.Context, call *Call) (json.RawMessage, error)

// Loader resolves the full descriptor for one tool.
type Loader interface {
	Load(ctx context.Context) (*Descriptor, error)
}

// LoaderFunc adapts a function to the Loader interface.
type LoaderFunc func(ctx context.Context) (*Descriptor, error)

// Load implements Loader.
func (f LoaderFunc) Load(ctx context.Context) (*Descriptor, error) { return f(ctx) }

// Provider abstracts physical tool storage. Scan returns lightweight
// metadata for every visible tool; Resolve returns a loader for one tool's
// full descriptor.
type Provider interface {
	Scan(ctx context.Context) ([]Metadata, error)
	Resolve(ctx context.Context, name string) (Loader, error)
}
