// Package schema compiles JSON schemas into reusable validator handles and
// caches them. The cache is bounded (least-recently-accessed eviction) and
// entries expire after a TTL independent of their recency; a stale entry is
// recompiled transparently on the next compile of the same schema.
//
// Cache keys are canonical: structurally identical schemas that differ in
// key order or whitespace share one entry.
package schema

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/xeipuuv/gojsonschema"
)

const (
	defaultMaxEntries    = 256
	defaultEntryTTL      = 30 * time.Minute
	defaultSweepInterval = time.Minute
)

// Formats lists the format validators available in schemas, all enforced
// during validation.
var Formats = []string{
	"email", "uri", "date-time", "date", "uuid", "ipv4", "ipv6", "hostname", "regex",
}

// Compiled is a reusable validator handle for one schema. Handles stay
// valid after the cache entry that produced them is evicted or expires.
type Compiled struct {
	key    string
	schema *gojsonschema.Schema
}

// Key returns the canonical cache key of the compiled schema.
func (c *Compiled) Key() string { return c.key }

// FieldError locates a single validation failure.
type FieldError struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// Result is the outcome of validating a document against a schema.
type Result struct {
	Valid  bool         `json:"valid"`
	Errors []FieldError `json:"errors,omitempty"`
}

// Stats is a snapshot of cache behavior counters.
type Stats struct {
	Hits      uint64
	Misses    uint64
	Evictions uint64
	Expiries  uint64
}

type entry struct {
	compiled   *Compiled
	insertedAt time.Time
	lastAccess time.Time
}

// Validator compiles and caches schema validators. Safe for concurrent use.
type Validator struct {
	ttl time.Duration
	log *slog.Logger

	mu    sync.Mutex
	cache *lru.Cache[string, *entry]
	stats Stats

	sweepInterval time.Duration
	done          chan struct{}
	closeOnce     sync.Once
}

// Option customizes a Validator.
type Option func(*validatorConfig)

type validatorConfig struct {
	maxEntries    int
	ttl           time.Duration
	sweepInterval time.Duration
	log           *slog.Logger
}

// WithMaxEntries bounds the number of cached validators.
func WithMaxEntries(n int) Option {
	return func(c *validatorConfig) { c.maxEntries = n }
}

// WithTTL sets how long a cached validator stays fresh regardless of how
// recently it was accessed.
func WithTTL(d time.Duration) Option {
	return func(c *validatorConfig) { c.ttl = d }
}

// WithSweepInterval sets the background expiry sweep cadence. Zero disables
// the sweep; stale entries are then only reaped lazily on access.
func WithSweepInterval(d time.Duration) Option {
	return func(c *validatorConfig) { c.sweepInterval = d }
}

// WithLogger routes cache logs to the provided logger.
func WithLogger(log *slog.Logger) Option {
	return func(c *validatorConfig) {
		if log != nil {
			c.log = log
		}
	}
}

// New builds a Validator. Close releases its background sweep.
func New(opts ...Option) (*Validator, error) {
	cfg := validatorConfig{
		maxEntries:    defaultMaxEntries,
		ttl:           defaultEntryTTL,
		sweepInterval: defaultSweepInterval,
		log:           slog.Default(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.maxEntries < 1 {
		return nil, errors.New("schema: max entries must be at least 1")
	}
	if cfg.ttl <= 0 {
		return nil, errors.New("schema: entry TTL must be positive")
	}
	cache, err := lru.New[string, *entry](cfg.maxEntries)
	if err != nil {
		return nil, err
	}
	v := &Validator{
		ttl:           cfg.ttl,
		log:           cfg.log,
		cache:         cache,
		sweepInterval: cfg.sweepInterval,
		done:          make(chan struct{}),
	}
	if v.sweepInterval > 0 {
		go v.sweepLoop()
	}
	return v, nil
}

// Close stops the background expiry sweep.
func (v *Validator) Close() {
	v.closeOnce.Do(func() { close(v.done) })
}

// Compile returns a validator handle for the schema, from cache when a
// fresh entry exists for the canonical form.
func (v *Validator) Compile(schemaDoc []byte) (*Compiled, error) {
	canonical, err := canonicalize(schemaDoc)
	if err != nil {
		return nil, err
	}
	key := cacheKey(canonical)
	now := time.Now()

	v.mu.Lock()
	if e, ok := v.cache.Get(key); ok {
		if now.Sub(e.insertedAt) <= v.ttl {
			e.lastAccess = now
			v.stats.Hits++
			v.mu.Unlock()
			return e.compiled, nil
		}
		v.cache.Remove(key)
		v.stats.Expiries++
	}
	v.stats.Misses++
	v.mu.Unlock()

	// Compile outside the lock. A concurrent miss on the same key compiles
	// twice; last writer wins and both handles are valid.
	v.log.Debug("schema.cache.miss", slog.String("key", key[:12]))
	compiled, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(canonical))
	if err != nil {
		return nil, err
	}
	handle := &Compiled{key: key, schema: compiled}

	v.mu.Lock()
	if evicted := v.cache.Add(key, &entry{compiled: handle, insertedAt: now, lastAccess: now}); evicted {
		v.stats.Evictions++
	}
	v.mu.Unlock()
	return handle, nil
}

// ValidateInput validates a document intended as tool input.
func (v *Validator) ValidateInput(c *Compiled, data []byte) (Result, error) {
	return v.validate(c, data)
}

// ValidateOutput validates a document produced by a tool handler.
func (v *Validator) ValidateOutput(c *Compiled, data []byte) (Result, error) {
	return v.validate(c, data)
}

func (v *Validator) validate(c *Compiled, data []byte) (Result, error) {
	if c == nil || c.schema == nil {
		return Result{}, errors.New("schema: nil validator handle")
	}
	if len(data) == 0 {
		data = []byte("null")
	}
	res, err := c.schema.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return Result{}, err
	}
	if res.Valid() {
		return Result{Valid: true}, nil
	}
	out := Result{Errors: make([]FieldError, 0, len(res.Errors()))}
	for _, e := range res.Errors() {
		out.Errors = append(out.Errors, FieldError{Path: e.Field(), Message: e.Description()})
	}
	return out, nil
}

// Stats returns a snapshot of the cache counters.
func (v *Validator) Stats() Stats {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.stats
}

// Len returns the number of cached entries, fresh or stale.
func (v *Validator) Len() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.cache.Len()
}

func (v *Validator) sweepLoop() {
	ticker := time.NewTicker(v.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-v.done:
			return
		case <-ticker.C:
			v.sweepExpired()
		}
	}
}

// sweepExpired drops entries older than the TTL. Snapshot the keys first so
// the lock is never held while walking a mutating cache.
func (v *Validator) sweepExpired() {
	now := time.Now()
	v.mu.Lock()
	var stale []string
	for _, key := range v.cache.Keys() {
		if e, ok := v.cache.Peek(key); ok && now.Sub(e.insertedAt) > v.ttl {
			stale = append(stale, key)
		}
	}
	for _, key := range stale {
		v.cache.Remove(key)
		v.stats.Expiries++
	}
	v.mu.Unlock()
	if len(stale) > 0 {
		v.log.Debug("schema.sweep.expired", slog.Int("removed", len(stale)))
	}
}
