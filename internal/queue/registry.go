package queue

import "fmt"

// Registry is the closed flow_kind -> handler capability mapping. Built
// once at worker startup; each worker process binds exactly one flow kind
// out of the registry.
type Registry struct {
	handlers map[string]Handler
}

// NewRegistry builds an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds a handler for flowKind. Panics on duplicate registration:
// this is a startup-time wiring mistake, not a runtime condition.
func (r *Registry) Register(flowKind string, h Handler) *Registry {
	if _, exists := r.handlers[flowKind]; exists {
		panic(fmt.Sprintf("handler already registered for flow kind %q", flowKind))
	}
	r.handlers[flowKind] = h
	return r
}

// Lookup returns the handler bound to flowKind, or false if none is
// registered.
func (r *Registry) Lookup(flowKind string) (Handler, bool) {
	h, ok := r.handlers[flowKind]
	return h, ok
}
