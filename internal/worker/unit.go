package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"github.com/hochfrequenz/agent-supervisor/internal/workerprotocol"
)

// Exit codes of an execution unit
const (
	ExitOK         = 0
	ExitFailure    = 1
	ExitTerminated = 143
)

// Run executes body once for the session described by desc and reports
// through emit: started, periodic memory reports, progress from the body,
// then exactly one of result, error or terminated. Cancelling ctx is the
// termination signal. emit is never called after Run returns.
func Run(ctx context.Context, desc workerprotocol.Descriptor, body Body, emit func(workerprotocol.Message)) int {
	out := &emitter{fn: emit}
	defer out.close()

	if err := desc.Validate(); err != nil {
		out.emit(workerprotocol.Error{Origin: workerprotocol.ErrorStartup, Message: err.Error()})
		return ExitFailure
	}
	if body == nil {
		out.emit(workerprotocol.Error{
			Origin:  workerprotocol.ErrorStartup,
			Message: fmt.Sprintf("no task body registered for agent type %q", desc.AgentType),
		})
		return ExitFailure
	}

	start := time.Now()
	out.emit(workerprotocol.Started{PID: os.Getpid(), At: start})

	tel := newTelemetry(desc)
	telCtx, stopTel := context.WithCancel(ctx)
	telDone := make(chan struct{})
	go func() {
		defer close(telDone)
		tel.run(telCtx, out.emit)
	}()
	stopTelemetry := func() {
		stopTel()
		<-telDone
	}

	task := Task{
		SessionID:    desc.SessionID,
		SupervisorID: desc.SupervisorID,
		AgentType:    desc.AgentType,
		Description:  desc.TaskDescription,
		Payload:      desc.Payload,
		progress: func(message string, percent float64) {
			out.emit(workerprotocol.Progress{Message: message, Percent: percent})
		},
	}

	done := make(chan outcome, 1)
	go invoke(ctx, body, task, done)

	select {
	case <-ctx.Done():
		stopTelemetry()
		out.emit(workerprotocol.Terminated{Signal: terminationReason(ctx)})
		return ExitTerminated

	case o := <-done:
		stopTelemetry()
		elapsed := time.Since(start).Milliseconds()
		peak := tel.peak()

		if o.err == nil {
			output, err := encodeOutput(o.value)
			if err == nil {
				out.emit(workerprotocol.Result{Output: output, DurationMs: elapsed, MemoryPeakMB: peak})
				return ExitOK
			}
			o.err = err
		}

		origin := workerprotocol.ErrorTask
		if o.panicked {
			origin = workerprotocol.ErrorPanic
		}
		out.emit(workerprotocol.Error{
			Origin:       origin,
			Message:      o.err.Error(),
			Stack:        o.stack,
			DurationMs:   elapsed,
			MemoryPeakMB: peak,
		})
		return ExitFailure
	}
}

type outcome struct {
	value    any
	err      error
	panicked bool
	stack    string
}

// invoke calls body and converts a panic into a failed outcome
func invoke(ctx context.Context, body Body, task Task, done chan<- outcome) {
	defer func() {
		if r := recover(); r != nil {
			done <- outcome{
				err:      fmt.Errorf("panic: %v", r),
				panicked: true,
				stack:    string(debug.Stack()),
			}
		}
	}()

	value, err := body(ctx, task)
	done <- outcome{value: value, err: err}
}

func encodeOutput(v any) (json.RawMessage, error) {
	if raw, ok := v.(json.RawMessage); ok && len(raw) > 0 {
		if !json.Valid(raw) {
			return nil, errors.New("encoding result: output is not valid JSON")
		}
		return raw, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding result: %w", err)
	}
	return data, nil
}

func terminationReason(ctx context.Context) string {
	if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) {
		return cause.Error()
	}
	return "cancelled"
}

// emitter serialises emits and drops anything sent after close, so a body
// that outlives Run cannot report past the terminal message.
type emitter struct {
	mu     sync.Mutex
	fn     func(workerprotocol.Message)
	closed bool
}

func (e *emitter) emit(m workerprotocol.Message) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.fn(m)
}

func (e *emitter) close() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
}
