// Package adapter defines the pluggable custom-adapter contract: user
// supplied load/export implementations resolved by kind and code, invoked
// with a narrowly scoped context (secrets, connections, logger, strategy
// defaults, dry-run flag).
package adapter

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Record is one unit of pipeline data.
type Record = map[string]any

// LoadResult reports what a custom adapter did with a batch.
type LoadResult struct {
	Succeeded int
	Failed    int
	Errors    []string
}

// Adapter is implemented by user-supplied load/export plugins.
type Adapter interface {
	// Load writes records to the adapter's target. Record-level failures
	// are reported through the counts and Errors; a returned error means
	// the whole remaining batch failed (setup or config problem).
	Load(ctx context.Context, lc LoadContext, config map[string]string, records []Record) (LoadResult, error)
}

// Simulator is optionally implemented by adapters that can describe what a
// load would do without mutating external state.
type Simulator interface {
	Simulate(ctx context.Context, lc LoadContext, config map[string]string, records []Record) (map[string]any, error)
}

// ChannelStrategy selects the delivery channel for loaded entities.
type ChannelStrategy string

// LanguageStrategy selects how localized fields are resolved.
type LanguageStrategy string

// ValidationStrategy selects how strictly records are validated.
type ValidationStrategy string

// ConflictStrategy selects what happens when a record already exists.
type ConflictStrategy string

const (
	ChannelDefault  ChannelStrategy  = "default"
	LanguageDefault LanguageStrategy = "default"

	ValidationStrict  ValidationStrategy = "strict"
	ValidationLenient ValidationStrategy = "lenient"

	ConflictSkip      ConflictStrategy = "skip"
	ConflictOverwrite ConflictStrategy = "overwrite"
	ConflictMerge     ConflictStrategy = "merge"
)

// LoadContext is the adapter-facing slice of the runtime: scoped accessors
// and defaults, nothing more.
type LoadContext struct {
	Secrets     SecretResolver
	Connections ConnectionResolver
	Logger      *slog.Logger

	Channel    ChannelStrategy
	Language   LanguageStrategy
	Validation ValidationStrategy
	Conflict   ConflictStrategy

	DryRun bool
}

// Key identifies a registered adapter.
type Key struct {
	Kind string // e.g. "load", "export"
	Code string // adapter code referenced by the step
}

// Registry resolves custom adapters by kind and code. Safe for concurrent
// use. A lookup miss is a first-class result, never a cast.
type Registry struct {
	mu       sync.RWMutex
	adapters map[Key]Adapter
}

// NewRegistry returns an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[Key]Adapter)}
}

// Register adds an adapter under kind and code, overwriting any previous
// registration.
func (r *Registry) Register(kind, code string, a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[Key{Kind: kind, Code: code}] = a
}

// Get returns the adapter for kind and code.
func (r *Registry) Get(kind, code string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[Key{Kind: kind, Code: code}]
	return a, ok
}

// Codes returns all registered keys (unordered), for diagnostics.
func (r *Registry) Codes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.adapters))
	for k := range r.adapters {
		out = append(out, fmt.Sprintf("%s/%s", k.Kind, k.Code))
	}
	return out
}
