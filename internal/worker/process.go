package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/hochfrequenz/agent-supervisor/internal/workerprotocol"
)

// ServeProcess is the entry point of a child-process unit. It reads one
// descriptor from stdin, applies its resource limits once the descriptor is
// accepted, runs the registered body and writes every message as a JSON line
// to stdout. SIGTERM and SIGINT end the unit with a terminated message. The
// return value is the process exit code.
func ServeProcess(ctx context.Context, stdin io.Reader, stdout io.Writer, registry *Registry) int {
	enc := workerprotocol.NewEncoder(stdout)
	emit := func(m workerprotocol.Message) {
		if err := enc.Encode(m); err != nil {
			log.Printf("[worker] writing %s message: %v", m.Kind(), err)
		}
	}

	var desc workerprotocol.Descriptor
	if err := json.NewDecoder(stdin).Decode(&desc); err != nil {
		emit(workerprotocol.Error{
			Origin:  workerprotocol.ErrorStartup,
			Message: fmt.Sprintf("reading descriptor: %v", err),
		})
		return ExitFailure
	}

	var body Body
	if registry != nil {
		body, _ = registry.Lookup(desc.AgentType)
	}
	// A rejected descriptor is reported by Run before anything else happens.
	if desc.Validate() == nil && body != nil {
		ApplyLimits(desc.Limits)
	}

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGTERM, os.Interrupt)
	defer signal.Stop(sigs)

	go func() {
		select {
		case sig := <-sigs:
			cancel(fmt.Errorf("%s", sig))
		case <-ctx.Done():
		}
	}()

	return Run(ctx, desc, body, emit)
}

// ApplyLimits sets the runtime resource ceilings of the current process.
// Zero values leave the corresponding runtime default in place.
func ApplyLimits(l workerprotocol.Limits) {
	if l.HeapLimitMB > 0 {
		debug.SetMemoryLimit(int64(l.HeapLimitMB) * bytesPerMB)
	}
	if l.GCPercent != 0 {
		debug.SetGCPercent(l.GCPercent)
	}
	if l.MaxStackMB > 0 {
		debug.SetMaxStack(l.MaxStackMB * bytesPerMB)
	}
}
