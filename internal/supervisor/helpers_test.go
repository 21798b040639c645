package supervisor

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hochfrequenz/agent-supervisor/internal/domain"
	"github.com/hochfrequenz/agent-supervisor/internal/launcher"
	"github.com/hochfrequenz/agent-supervisor/internal/sessionstore"
	"github.com/hochfrequenz/agent-supervisor/internal/taskbody"
	"github.com/hochfrequenz/agent-supervisor/internal/worker"
	"github.com/hochfrequenz/agent-supervisor/internal/workerprotocol"
)

var quietLogger = log.New(io.Discard, "", 0)

func testRegistry() *worker.Registry {
	reg := worker.NewRegistry()
	taskbody.Register(reg)
	reg.Register("hang", func(ctx context.Context, task worker.Task) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	reg.Register("panic", func(ctx context.Context, task worker.Task) (any, error) {
		panic("body exploded")
	})
	reg.Register("fail", func(ctx context.Context, task worker.Task) (any, error) {
		return nil, errors.New("task went wrong")
	})
	return reg
}

func newStore(t *testing.T) *sessionstore.Store {
	t.Helper()
	store, err := sessionstore.New(":memory:")
	require.NoError(t, err)
	return store
}

func newSupervisor(t *testing.T, cfg Config, store SessionStore, l launcher.Launcher) *Supervisor {
	t.Helper()
	if l == nil {
		l = launcher.NewInProcess(testRegistry())
	}
	sup, err := New(cfg, store, l, WithLogger(quietLogger))
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = sup.Cleanup(ctx)
	})
	return sup
}

func waitDone(t *testing.T, sup *Supervisor, id string) *domain.WorkerSession {
	t.Helper()
	session, err := sup.WaitForCompletion(context.Background(), id, WaitOptions{
		PollInterval: 5 * time.Millisecond,
		Timeout:      5 * time.Second,
	})
	require.NoError(t, err)
	return session
}

// spawnAsync runs SpawnWorker in a goroutine and delivers its outcome
type spawnOutcome struct {
	id  string
	err error
}

func spawnAsync(ctx context.Context, sup *Supervisor, agentType, description string, payload any) <-chan spawnOutcome {
	ch := make(chan spawnOutcome, 1)
	go func() {
		id, err := sup.SpawnWorker(ctx, agentType, description, payload)
		ch <- spawnOutcome{id: id, err: err}
	}()
	return ch
}

func waitQueued(t *testing.T, sup *Supervisor, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return sup.Metrics().QueuedTasks == n
	}, 2*time.Second, time.Millisecond, "expected %d queued spawns", n)
}

// fakeLauncher hands out scripted handles
type fakeLauncher struct {
	launch func(desc workerprotocol.Descriptor) (launcher.Handle, error)
}

func (f *fakeLauncher) Launch(ctx context.Context, desc workerprotocol.Descriptor) (launcher.Handle, error) {
	return f.launch(desc)
}

// fakeHandle replays msgs, then exits with code once gate is closed (or
// immediately when gate is nil)
type fakeHandle struct {
	out    chan workerprotocol.Message
	done   chan struct{}
	killed chan struct{}
	once   sync.Once
	status launcher.ExitStatus
}

func newFakeHandle(msgs []workerprotocol.Message, gate <-chan struct{}, code int) *fakeHandle {
	h := &fakeHandle{
		out:    make(chan workerprotocol.Message),
		done:   make(chan struct{}),
		killed: make(chan struct{}),
	}
	go func() {
		for _, m := range msgs {
			h.out <- m
		}
		close(h.out)

		status := launcher.ExitStatus{Code: code}
		if gate != nil {
			select {
			case <-gate:
			case <-h.killed:
				status = launcher.ExitStatus{Code: worker.ExitTerminated, Killed: true}
			}
		}
		h.status = status
		close(h.done)
	}()
	return h
}

func (h *fakeHandle) Messages() <-chan workerprotocol.Message { return h.out }
func (h *fakeHandle) Done() <-chan struct{}                   { return h.done }
func (h *fakeHandle) ExitStatus() launcher.ExitStatus         { return h.status }
func (h *fakeHandle) Kill()                                   { h.once.Do(func() { close(h.killed) }) }

// brokenStore fails every session creation as an unavailable store would
type brokenStore struct {
	*sessionstore.Store
}

func (b *brokenStore) CreateSession(ctx context.Context, supervisorID, agentType, taskDescription string) (string, error) {
	return "", domain.StoreError("create session", errors.New("disk I/O error"))
}
