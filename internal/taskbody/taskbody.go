// Package taskbody provides the built-in task bodies a supervisor can run
// without any embedding code: echo, sleep and shell.
package taskbody

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/hochfrequenz/agent-supervisor/internal/worker"
)

// Built-in agent types
const (
	Echo  = "echo"
	Sleep = "sleep"
	Shell = "shell"
)

// Register adds every built-in body to reg
func Register(reg *worker.Registry) {
	reg.Register(Echo, EchoBody)
	reg.Register(Sleep, SleepBody)
	reg.Register(Shell, ShellBody)
}

// EchoBody returns the payload unchanged, or the task description when the
// payload is empty.
func EchoBody(ctx context.Context, task worker.Task) (any, error) {
	if len(task.Payload) > 0 {
		return task.Payload, nil
	}
	return map[string]string{"description": task.Description}, nil
}

// SleepPayload configures SleepBody
type SleepPayload struct {
	Ms int `json:"ms"`
	// Fail makes the body return an error with Message after sleeping
	Fail    bool   `json:"fail,omitempty"`
	Message string `json:"message,omitempty"`
}

// SleepBody waits for the requested time, then returns {"ok": true}. It
// stops early when ctx is cancelled.
func SleepBody(ctx context.Context, task worker.Task) (any, error) {
	var p SleepPayload
	if err := task.DecodePayload(&p); err != nil {
		return nil, err
	}

	timer := time.NewTimer(time.Duration(p.Ms) * time.Millisecond)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
	}

	if p.Fail {
		msg := p.Message
		if msg == "" {
			msg = "sleep body asked to fail"
		}
		return nil, errors.New(msg)
	}
	return json.RawMessage(`{"ok":true}`), nil
}
