// Package handlers provides the built-in step handlers: HTTP and GraphQL
// extraction, expression transforms and file export. The registry satisfies
// pipeline.HandlerRegistry; codes it does not know fall through to the
// custom adapter registry in the dispatcher.
package handlers

import (
	"fmt"
	"log/slog"

	"github.com/conveyorhq/conveyor/pkg/adapter"
	"github.com/conveyorhq/conveyor/pkg/pipeline"
	"github.com/conveyorhq/conveyor/pkg/remote"
)

// Registry maps step types to built-in handler implementations.
type Registry struct {
	handlers map[pipeline.StepType]pipeline.Handler
}

// NewRegistry builds the default registry. client backs the extraction
// handlers; secrets resolves their auth codes. Both may be nil for
// pipelines that only transform and export.
func NewRegistry(client *remote.Client, secrets adapter.SecretResolver, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{handlers: make(map[pipeline.StepType]pipeline.Handler)}
	r.Register(pipeline.StepTypeHTTPExtract, &HTTPExtract{Client: client, Secrets: secrets, Logger: logger})
	r.Register(pipeline.StepTypeGraphQL, &GraphQLExtract{Client: client, Secrets: secrets, Logger: logger})
	r.Register(pipeline.StepTypeTransform, &Transform{Logger: logger})
	r.Register(pipeline.StepTypeFileExport, &FileExport{Logger: logger})
	return r
}

// Register adds or replaces the handler for a step type.
func (r *Registry) Register(t pipeline.StepType, h pipeline.Handler) {
	r.handlers[t] = h
}

// Get implements pipeline.HandlerRegistry.
func (r *Registry) Get(t pipeline.StepType) (pipeline.Handler, error) {
	h, ok := r.handlers[t]
	if !ok {
		return nil, fmt.Errorf("no built-in handler for step type %q", t)
	}
	return h, nil
}
