package launcher

import (
	"context"
	"sync"

	"github.com/hochfrequenz/agent-supervisor/internal/worker"
	"github.com/hochfrequenz/agent-supervisor/internal/workerprotocol"
)

// InProcess runs each unit as a goroutine. Bodies are resolved from Registry
// by agent type. Units share the supervisor's heap, so per-unit limits are
// reported in telemetry but not enforced.
type InProcess struct {
	Registry *worker.Registry
}

// NewInProcess creates an in-process launcher for the given bodies
func NewInProcess(registry *worker.Registry) *InProcess {
	return &InProcess{Registry: registry}
}

// Launch implements Launcher
func (l *InProcess) Launch(ctx context.Context, desc workerprotocol.Descriptor) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var body worker.Body
	if l.Registry != nil {
		body, _ = l.Registry.Lookup(desc.AgentType)
	}

	// The unit outlives the launch request, so it gets its own context.
	unitCtx, cancel := context.WithCancelCause(context.Background())

	h := &inprocHandle{
		raw:    make(chan workerprotocol.Message, 16),
		out:    make(chan workerprotocol.Message),
		done:   make(chan struct{}),
		killed: make(chan struct{}),
		cancel: cancel,
	}

	go h.pump()
	go func() {
		code := worker.Run(unitCtx, desc, body, h.emit)
		close(h.raw)
		cancel(nil)
		h.finish(ExitStatus{Code: code})
	}()

	return h, nil
}

// inprocHandle decouples the unit from its reader: the unit writes to raw,
// pump is the only writer and closer of out. Kill releases both sides at once.
type inprocHandle struct {
	raw    chan workerprotocol.Message
	out    chan workerprotocol.Message
	done   chan struct{}
	killed chan struct{}
	cancel context.CancelCauseFunc

	killOnce sync.Once
	doneOnce sync.Once

	mu     sync.Mutex
	status ExitStatus
}

func (h *inprocHandle) emit(m workerprotocol.Message) {
	select {
	case h.raw <- m:
	case <-h.killed:
	}
}

func (h *inprocHandle) pump() {
	defer close(h.out)
	for {
		select {
		case m, ok := <-h.raw:
			if !ok {
				return
			}
			select {
			case h.out <- m:
			case <-h.killed:
				return
			}
		case <-h.killed:
			return
		}
	}
}

func (h *inprocHandle) finish(status ExitStatus) {
	h.doneOnce.Do(func() {
		h.mu.Lock()
		h.status = status
		h.mu.Unlock()
		close(h.done)
	})
}

func (h *inprocHandle) Messages() <-chan workerprotocol.Message { return h.out }
func (h *inprocHandle) Done() <-chan struct{}                   { return h.done }

func (h *inprocHandle) ExitStatus() ExitStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

// Kill cancels the unit's context and reports exit immediately; a body that
// ignores cancellation keeps its goroutine but can no longer report.
func (h *inprocHandle) Kill() {
	h.killOnce.Do(func() {
		close(h.killed)
		h.cancel(errKilled)
		h.finish(ExitStatus{Code: worker.ExitTerminated, Killed: true, Detail: "killed"})
	})
}
