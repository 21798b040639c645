// Package worker is the execution unit of the supervisor: it runs exactly one
// task body, reports memory telemetry while the body runs, and reports
// exactly one terminal outcome as a message.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// Body is the unit of work a worker performs. Returned errors and panics are
// both reported as failures; the returned value must be JSON-encodable.
type Body func(ctx context.Context, task Task) (any, error)

// Task is what a body is given to work on
type Task struct {
	SessionID    string
	SupervisorID string
	AgentType    string
	Description  string
	Payload      json.RawMessage

	progress func(message string, percent float64)
}

// DecodePayload unmarshals the task payload into v. An empty payload leaves v
// untouched.
func (t Task) DecodePayload(v any) error {
	if len(t.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(t.Payload, v); err != nil {
		return fmt.Errorf("decoding %s payload: %w", t.AgentType, err)
	}
	return nil
}

// Progress reports informational progress to the supervisor
func (t Task) Progress(message string, percent float64) {
	if t.progress != nil {
		t.progress(message, percent)
	}
}

// Registry maps agent types to task bodies
type Registry struct {
	mu     sync.RWMutex
	bodies map[string]Body
}

// NewRegistry creates an empty body registry
func NewRegistry() *Registry {
	return &Registry{bodies: make(map[string]Body)}
}

// Register adds or replaces the body for an agent type
func (r *Registry) Register(agentType string, body Body) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bodies[agentType] = body
}

// Lookup returns the body registered for an agent type
func (r *Registry) Lookup(agentType string) (Body, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	body, ok := r.bodies[agentType]
	return body, ok
}

// Types returns the registered agent types in sorted order
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.bodies))
	for t := range r.bodies {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
