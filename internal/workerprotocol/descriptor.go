package workerprotocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Limits are the resource ceilings applied to one execution unit
type Limits struct {
	// HeapLimitMB is the soft heap ceiling (GOMEMLIMIT) in megabytes
	HeapLimitMB int `json:"heap_limit_mb"`
	// GCPercent controls how far the heap may grow between collections
	// (GOGC). Zero leaves the runtime default.
	GCPercent int `json:"gc_percent,omitempty"`
	// MaxStackMB caps a single goroutine stack. Zero leaves the runtime default.
	MaxStackMB int `json:"max_stack_mb,omitempty"`
}

// Descriptor is the immutable startup input of an execution unit
type Descriptor struct {
	SessionID       string          `json:"session_id"`
	AgentType       string          `json:"agent_type"`
	TaskDescription string          `json:"task_description"`
	SupervisorID    string          `json:"supervisor_id"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	Limits          Limits          `json:"limits"`

	MemoryReportIntervalMs int     `json:"memory_report_interval_ms,omitempty"`
	GCHighWaterPct         float64 `json:"gc_high_water_pct,omitempty"`
}

// Validate checks the fields a unit cannot start without
func (d Descriptor) Validate() error {
	var missing []error
	if d.SessionID == "" {
		missing = append(missing, errors.New("session id is required"))
	}
	if d.AgentType == "" {
		missing = append(missing, errors.New("agent type is required"))
	}
	if d.SupervisorID == "" {
		missing = append(missing, errors.New("supervisor id is required"))
	}
	if len(missing) > 0 {
		return fmt.Errorf("invalid descriptor: %w", errors.Join(missing...))
	}
	if len(d.Payload) > 0 && !json.Valid(d.Payload) {
		return fmt.Errorf("invalid descriptor: payload is not valid JSON")
	}
	return nil
}
