// Package registry implements the Format Handler Registry
// (spec §4.D): a lookup from format identifier to the Handler that parses
// and rebuilds it.
package registry

import (
	"fmt"
	"log/slog"
	"sync"
)

// ParseContext carries per-call metadata a Handler's Parse needs (spec
// §4.F: parse(bytes, {filename, source_id})).
type ParseContext struct {
	Filename string
	SourceID string
}

// ParsedRecord is one record produced by Handler.Parse.
type ParsedRecord struct {
	UniqueHash string
	Data       map[string]any
}

// BuildRecord is one input row to Handler.Build — either a fresh record
// (RecordType set) or one read back from storage (spec §4.F: the union of
// {record_type, data} | {data: {line}} | {line}).
type BuildRecord struct {
	RecordType string
	Data       map[string]any
}

// Handler implements parse and build for exactly one format_id.
type Handler interface {
	FormatID() string
	Parse(data []byte, ctx ParseContext) ([]ParsedRecord, error)
	Build(records []BuildRecord) ([]byte, error)
}

// Registry is a concurrency-safe map from format_id to Handler; each one is
// created by New and passed to its users, with no package-level instance. Re-registration under the same id is permitted but logged
// (spec §4.D).
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	logger   *slog.Logger
}

// New creates an empty registry.
func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{handlers: make(map[string]Handler), logger: logger}
}

// Register installs handler under its FormatID, logging (not failing) if
// an entry for that id already existed.
func (r *Registry) Register(handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := handler.FormatID()
	if _, exists := r.handlers[id]; exists {
		r.logger.Warn("re-registering format handler", "format_id", id)
	}
	r.handlers[id] = handler
}

// Lookup returns the handler for id, or (nil, false) if absent.
func (r *Registry) Lookup(id string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[id]
	return h, ok
}

// MustLookup is a convenience for callers that have already validated id
// against the registered universe and want a plain error on programmer
// mistakes.
func (r *Registry) MustLookup(id string) (Handler, error) {
	h, ok := r.Lookup(id)
	if !ok {
		return nil, fmt.Errorf("registry: no handler registered for format %q", id)
	}
	return h, nil
}

// FormatIDs returns the closed universe of currently registered format
// ids (spec §4.D: "the closed universe the router may produce").
func (r *Registry) FormatIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.handlers))
	for id := range r.handlers {
		ids = append(ids, id)
	}
	return ids
}
