package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hochfrequenz/agent-supervisor/internal/domain"
	"github.com/hochfrequenz/agent-supervisor/internal/launcher"
	"github.com/hochfrequenz/agent-supervisor/internal/sessionstore"
	"github.com/hochfrequenz/agent-supervisor/internal/taskbody"
	"github.com/hochfrequenz/agent-supervisor/internal/workerprotocol"
)

func TestSpawnWorker_Completes(t *testing.T) {
	sup := newSupervisor(t, Config{}, newStore(t), nil)

	id, err := sup.SpawnWorker(context.Background(), taskbody.Echo, "say hello", map[string]string{"hello": "world"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	session := waitDone(t, sup, id)
	assert.Equal(t, domain.SessionCompleted, session.Status)
	assert.JSONEq(t, `{"hello":"world"}`, string(session.ResultPayload))
	assert.Empty(t, session.ErrorMessage)
	assert.Equal(t, sup.ID(), session.SupervisorID)
	assert.NotNil(t, session.StartedAt)
	assert.NotNil(t, session.EndedAt)
	assert.NotNil(t, session.ExecutionTimeMs)
	assert.NotNil(t, session.MemoryPeakMB)

	require.Eventually(t, func() bool { return sup.Metrics().ActiveWorkers == 0 }, time.Second, time.Millisecond)
	m := sup.Metrics()
	assert.Equal(t, 1, m.Spawned)
	assert.Equal(t, 1, m.Completed)
	assert.Equal(t, 0, m.Failed)
}

func TestSpawnWorker_RejectsEmptyAgentType(t *testing.T) {
	sup := newSupervisor(t, Config{}, newStore(t), nil)

	_, err := sup.SpawnWorker(context.Background(), " ", "nothing", nil)
	assert.Error(t, err)
	assert.Equal(t, 0, sup.Metrics().Spawned)
}

func TestPoolNeverExceedsMaxWorkers(t *testing.T) {
	sup := newSupervisor(t, Config{MaxWorkers: 2}, newStore(t), nil)

	var peak atomic.Int32
	stop := make(chan struct{})
	var sampler sync.WaitGroup
	sampler.Add(1)
	go func() {
		defer sampler.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			if n := int32(len(sup.Slots())); n > peak.Load() {
				peak.Store(n)
			}
			time.Sleep(500 * time.Microsecond)
		}
	}()

	var outcomes []<-chan spawnOutcome
	for i := 0; i < 6; i++ {
		outcomes = append(outcomes, spawnAsync(context.Background(), sup, taskbody.Sleep, "nap", taskbody.SleepPayload{Ms: 20}))
	}
	for _, ch := range outcomes {
		out := <-ch
		require.NoError(t, out.err)
		assert.Equal(t, domain.SessionCompleted, waitDone(t, sup, out.id).Status)
	}

	close(stop)
	sampler.Wait()

	assert.LessOrEqual(t, int(peak.Load()), 2)
	assert.Equal(t, 6, sup.Metrics().Completed)
}

func TestQueuedSpawnsLaunchInOrder(t *testing.T) {
	sup := newSupervisor(t, Config{MaxWorkers: 1}, newStore(t), nil)
	payload := taskbody.SleepPayload{Ms: 30}

	a, err := sup.SpawnWorker(context.Background(), taskbody.Sleep, "A", payload)
	require.NoError(t, err)

	bCh := spawnAsync(context.Background(), sup, taskbody.Sleep, "B", payload)
	waitQueued(t, sup, 1)
	cCh := spawnAsync(context.Background(), sup, taskbody.Sleep, "C", payload)
	waitQueued(t, sup, 2)

	b := <-bCh
	require.NoError(t, b.err)
	c := <-cCh
	require.NoError(t, c.err)

	sa := waitDone(t, sup, a)
	sb := waitDone(t, sup, b.id)
	sc := waitDone(t, sup, c.id)

	require.NotNil(t, sb.StartedAt)
	require.NotNil(t, sc.StartedAt)
	assert.False(t, sb.StartedAt.Before(*sa.EndedAt), "B started before A completed")
	assert.False(t, sc.StartedAt.Before(*sb.EndedAt), "C started before B completed")
}

func TestTimeoutForcesFailure(t *testing.T) {
	sup := newSupervisor(t, Config{WorkerTimeout: 50 * time.Millisecond}, newStore(t), nil)

	start := time.Now()
	id, err := sup.SpawnWorker(context.Background(), "hang", "never returns", nil)
	require.NoError(t, err)

	session := waitDone(t, sup, id)
	assert.Equal(t, domain.SessionFailed, session.Status)
	assert.Contains(t, session.ErrorMessage, "timed out")
	assert.Nil(t, session.ResultPayload)
	assert.Less(t, time.Since(start), time.Second)

	require.Eventually(t, func() bool { return sup.Metrics().ActiveWorkers == 0 }, time.Second, time.Millisecond)
	m := sup.Metrics()
	assert.Equal(t, 1, m.TimedOut)
	assert.Equal(t, 0, m.Failed)
}

func TestCrashedBodyDoesNotTakeDownSupervisor(t *testing.T) {
	sup := newSupervisor(t, Config{}, newStore(t), nil)

	panicked, err := sup.SpawnWorker(context.Background(), "panic", "explode", nil)
	require.NoError(t, err)
	failed, err := sup.SpawnWorker(context.Background(), "fail", "error out", nil)
	require.NoError(t, err)

	s := waitDone(t, sup, panicked)
	assert.Equal(t, domain.SessionFailed, s.Status)
	assert.Contains(t, s.ErrorMessage, "body exploded")

	s = waitDone(t, sup, failed)
	assert.Equal(t, domain.SessionFailed, s.Status)
	assert.Equal(t, "task went wrong", s.ErrorMessage)

	ok, err := sup.SpawnWorker(context.Background(), taskbody.Echo, "still alive", json.RawMessage(`{"alive":true}`))
	require.NoError(t, err)
	s = waitDone(t, sup, ok)
	assert.Equal(t, domain.SessionCompleted, s.Status)
	assert.Equal(t, 2, sup.Metrics().Failed)
}

func TestExampleScenario(t *testing.T) {
	store := newStore(t)
	sup := newSupervisor(t, Config{MaxWorkers: 2}, store, nil)
	payload := taskbody.SleepPayload{Ms: 50}

	var outcomes []<-chan spawnOutcome
	for i := 0; i < 3; i++ {
		outcomes = append(outcomes, spawnAsync(context.Background(), sup, taskbody.Sleep, "scenario", payload))
	}

	require.Eventually(t, func() bool {
		m := sup.Metrics()
		return m.ActiveWorkers == 2 && m.QueuedTasks == 1
	}, 40*time.Millisecond, time.Millisecond)

	queued, err := store.ListSessions(context.Background(), sessionstore.ListOptions{Status: domain.SessionQueued})
	require.NoError(t, err)
	assert.Len(t, queued, 1)

	for _, ch := range outcomes {
		out := <-ch
		require.NoError(t, out.err)
		s := waitDone(t, sup, out.id)
		assert.Equal(t, domain.SessionCompleted, s.Status)
		assert.JSONEq(t, `{"ok":true}`, string(s.ResultPayload))
	}
	assert.Equal(t, 3, sup.Metrics().Completed)
}

func TestCapacityFreedAtExitNotAtResult(t *testing.T) {
	gate := make(chan struct{})
	var launches atomic.Int32
	l := &fakeLauncher{launch: func(desc workerprotocol.Descriptor) (launcher.Handle, error) {
		if launches.Add(1) == 1 {
			return newFakeHandle([]workerprotocol.Message{
				workerprotocol.Started{},
				workerprotocol.Result{Output: json.RawMessage(`"first"`)},
			}, gate, 0), nil
		}
		return newFakeHandle([]workerprotocol.Message{
			workerprotocol.Result{Output: json.RawMessage(`"second"`)},
		}, nil, 0), nil
	}}
	sup := newSupervisor(t, Config{MaxWorkers: 1}, newStore(t), l)

	first, err := sup.SpawnWorker(context.Background(), "scripted", "first", nil)
	require.NoError(t, err)
	secondCh := spawnAsync(context.Background(), sup, "scripted", "second", nil)

	assert.Equal(t, domain.SessionCompleted, waitDone(t, sup, first).Status)
	waitQueued(t, sup, 1)

	// The first unit has reported but not exited: its slot is still held.
	time.Sleep(20 * time.Millisecond)
	m := sup.Metrics()
	assert.Equal(t, 1, m.ActiveWorkers)
	assert.Equal(t, 1, m.QueuedTasks)

	close(gate)
	second := <-secondCh
	require.NoError(t, second.err)
	assert.Equal(t, domain.SessionCompleted, waitDone(t, sup, second.id).Status)
}

func TestTerminateWorker(t *testing.T) {
	sup := newSupervisor(t, Config{}, newStore(t), nil)

	id, err := sup.SpawnWorker(context.Background(), "hang", "wait forever", nil)
	require.NoError(t, err)

	require.NoError(t, sup.TerminateWorker(context.Background(), id))

	s := waitDone(t, sup, id)
	assert.Equal(t, domain.SessionFailed, s.Status)
	assert.Equal(t, "manually terminated", s.ErrorMessage)

	require.Eventually(t, func() bool { return sup.Metrics().ActiveWorkers == 0 }, time.Second, time.Millisecond)
	assert.Equal(t, 1, sup.Metrics().Failed)

	assert.ErrorIs(t, sup.TerminateWorker(context.Background(), id), domain.ErrNotFound)
	assert.ErrorIs(t, sup.TerminateWorker(context.Background(), "no-such-session"), domain.ErrNotFound)
}

func TestTerminateWorker_OutcomeAlreadyRecorded(t *testing.T) {
	l := &fakeLauncher{launch: func(desc workerprotocol.Descriptor) (launcher.Handle, error) {
		// Reports a result, then lingers until killed
		return newFakeHandle([]workerprotocol.Message{
			workerprotocol.Started{},
			workerprotocol.Result{Output: json.RawMessage(`"done"`)},
		}, make(chan struct{}), 0), nil
	}}
	sup := newSupervisor(t, Config{}, newStore(t), l)

	id, err := sup.SpawnWorker(context.Background(), "scripted", "lingers", nil)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionCompleted, waitDone(t, sup, id).Status)

	err = sup.TerminateWorker(context.Background(), id)
	assert.ErrorIs(t, err, domain.ErrSessionTerminal)

	require.Eventually(t, func() bool { return sup.Metrics().ActiveWorkers == 0 }, time.Second, time.Millisecond)
	session, err := sup.GetResult(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionCompleted, session.Status)

	m := sup.Metrics()
	assert.Equal(t, 1, m.Completed)
	assert.Equal(t, 0, m.Failed)
}

func TestTerminateWorker_Queued(t *testing.T) {
	store := newStore(t)
	sup := newSupervisor(t, Config{MaxWorkers: 1}, store, nil)

	_, err := sup.SpawnWorker(context.Background(), "hang", "occupy the pool", nil)
	require.NoError(t, err)
	queuedCh := spawnAsync(context.Background(), sup, taskbody.Echo, "never runs", nil)
	waitQueued(t, sup, 1)

	queued, err := store.ListSessions(context.Background(), sessionstore.ListOptions{Status: domain.SessionQueued})
	require.NoError(t, err)
	require.Len(t, queued, 1)

	require.NoError(t, sup.TerminateWorker(context.Background(), queued[0].SessionID))

	out := <-queuedCh
	assert.Error(t, out.err)

	s, err := sup.GetResult(context.Background(), queued[0].SessionID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionFailed, s.Status)
	assert.Equal(t, 0, sup.Metrics().QueuedTasks)
}

func TestSpawnFailure(t *testing.T) {
	store := newStore(t)
	l := &fakeLauncher{launch: func(desc workerprotocol.Descriptor) (launcher.Handle, error) {
		return nil, errors.New("fork/exec: resource temporarily unavailable")
	}}
	sup := newSupervisor(t, Config{}, store, l)

	_, err := sup.SpawnWorker(context.Background(), taskbody.Echo, "cannot start", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrSpawnFailure)

	var spawnErr *domain.SpawnError
	require.ErrorAs(t, err, &spawnErr)

	s, err := store.GetSession(context.Background(), spawnErr.SessionID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionFailed, s.Status)
	assert.Contains(t, s.ErrorMessage, "resource temporarily unavailable")

	m := sup.Metrics()
	assert.Equal(t, 1, m.Spawned)
	assert.Equal(t, 1, m.Failed)
	assert.Equal(t, 0, m.ActiveWorkers)
}

func TestStoreUnavailableRejectsSpawn(t *testing.T) {
	sup := newSupervisor(t, Config{}, &brokenStore{Store: newStore(t)}, nil)

	_, err := sup.SpawnWorker(context.Background(), taskbody.Echo, "no ledger", nil)
	assert.ErrorIs(t, err, domain.ErrStoreUnavailable)
	assert.Equal(t, 0, sup.Metrics().Spawned)
}

func TestUnknownAndDuplicateMessagesIgnored(t *testing.T) {
	l := &fakeLauncher{launch: func(desc workerprotocol.Descriptor) (launcher.Handle, error) {
		return newFakeHandle([]workerprotocol.Message{
			workerprotocol.Started{PID: 1},
			workerprotocol.Unknown{Type: "checkpoint", Payload: json.RawMessage(`{}`)},
			workerprotocol.Progress{Message: "half"},
			workerprotocol.Result{Output: json.RawMessage(`1`)},
			workerprotocol.Error{Origin: workerprotocol.ErrorTask, Message: "late error"},
			workerprotocol.Result{Output: json.RawMessage(`2`)},
		}, nil, 0), nil
	}}
	sup := newSupervisor(t, Config{}, newStore(t), l)

	id, err := sup.SpawnWorker(context.Background(), "scripted", "chatty", nil)
	require.NoError(t, err)

	s := waitDone(t, sup, id)
	assert.Equal(t, domain.SessionCompleted, s.Status)
	assert.Equal(t, "1", string(s.ResultPayload))
	assert.Empty(t, s.ErrorMessage)

	require.Eventually(t, func() bool { return sup.Metrics().ActiveWorkers == 0 }, time.Second, time.Millisecond)
	m := sup.Metrics()
	assert.Equal(t, 1, m.Completed)
	assert.Equal(t, 0, m.Failed)
}

func TestExitWithoutOutcomeIsFailure(t *testing.T) {
	l := &fakeLauncher{launch: func(desc workerprotocol.Descriptor) (launcher.Handle, error) {
		return newFakeHandle([]workerprotocol.Message{workerprotocol.Started{PID: 9}}, nil, 2), nil
	}}
	sup := newSupervisor(t, Config{}, newStore(t), l)

	id, err := sup.SpawnWorker(context.Background(), "scripted", "segfaults", nil)
	require.NoError(t, err)

	s := waitDone(t, sup, id)
	assert.Equal(t, domain.SessionFailed, s.Status)
	assert.Contains(t, s.ErrorMessage, "exit code 2")
	assert.Equal(t, 1, sup.Metrics().Failed)
}

func TestSpawnCancelledWhileQueued(t *testing.T) {
	store := newStore(t)
	sup := newSupervisor(t, Config{MaxWorkers: 1}, store, nil)

	_, err := sup.SpawnWorker(context.Background(), "hang", "occupy the pool", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	ch := spawnAsync(ctx, sup, taskbody.Echo, "impatient", nil)
	waitQueued(t, sup, 1)
	cancel()

	out := <-ch
	assert.ErrorIs(t, out.err, context.Canceled)
	assert.Equal(t, 0, sup.Metrics().QueuedTasks)

	failed, err := store.ListSessions(context.Background(), sessionstore.ListOptions{Status: domain.SessionFailed})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "cancelled while queued", failed[0].ErrorMessage)

	m := sup.Metrics()
	assert.Equal(t, 1, m.Failed, "a withdrawn spawn counts as failed")
	assert.Equal(t, 1, m.Spawned)
}

func TestQueuedCancellationKeepsMetricsInStep(t *testing.T) {
	gate := make(chan struct{})
	l := &fakeLauncher{launch: func(desc workerprotocol.Descriptor) (launcher.Handle, error) {
		return newFakeHandle([]workerprotocol.Message{
			workerprotocol.Result{Output: json.RawMessage(`"ok"`)},
		}, gate, 0), nil
	}}
	store := newStore(t)
	sup := newSupervisor(t, Config{MaxWorkers: 1}, store, l)

	_, err := sup.SpawnWorker(context.Background(), "scripted", "occupy the pool", nil)
	require.NoError(t, err)

	// Two queued spawns; the first gives up while the pool is still full.
	ctx, cancel := context.WithCancel(context.Background())
	cancelledCh := spawnAsync(ctx, sup, "scripted", "impatient", nil)
	waitQueued(t, sup, 1)
	patientCh := spawnAsync(context.Background(), sup, "scripted", "patient", nil)
	waitQueued(t, sup, 2)
	cancel()

	out := <-cancelledCh
	assert.ErrorIs(t, out.err, context.Canceled)

	close(gate)
	require.NoError(t, (<-patientCh).err)

	failed, err := store.ListSessions(context.Background(), sessionstore.ListOptions{Status: domain.SessionFailed})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, len(failed), sup.Metrics().Failed)
}

func TestSetMaxWorkersDrainsQueue(t *testing.T) {
	sup := newSupervisor(t, Config{MaxWorkers: 1}, newStore(t), nil)

	_, err := sup.SpawnWorker(context.Background(), "hang", "first", nil)
	require.NoError(t, err)
	ch := spawnAsync(context.Background(), sup, "hang", "second", nil)
	waitQueued(t, sup, 1)

	require.NoError(t, sup.SetMaxWorkers(2))
	out := <-ch
	require.NoError(t, out.err)

	m := sup.Metrics()
	assert.Equal(t, 2, m.ActiveWorkers)
	assert.Equal(t, 0, m.QueuedTasks)
	assert.Equal(t, 2, m.MaxWorkers)

	assert.Error(t, sup.SetMaxWorkers(0))
}

func TestWaitForCompletion_Errors(t *testing.T) {
	sup := newSupervisor(t, Config{}, newStore(t), nil)

	_, err := sup.WaitForCompletion(context.Background(), "missing", WaitOptions{})
	assert.ErrorIs(t, err, domain.ErrNotFound)

	id, err := sup.SpawnWorker(context.Background(), "hang", "slow", nil)
	require.NoError(t, err)

	_, err = sup.WaitForCompletion(context.Background(), id, WaitOptions{PollInterval: 5 * time.Millisecond, Timeout: 30 * time.Millisecond})
	assert.ErrorIs(t, err, domain.ErrWaitTimeout)

	_, err = sup.GetResult(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSubscribeStreamsLifecycle(t *testing.T) {
	sup := newSupervisor(t, Config{}, newStore(t), nil)
	events, cancel := sup.Subscribe()
	defer cancel()

	id, err := sup.SpawnWorker(context.Background(), taskbody.Echo, "observed", nil)
	require.NoError(t, err)

	var seen []EventType
	timeout := time.After(2 * time.Second)
	for len(seen) == 0 || seen[len(seen)-1] != EventExited {
		select {
		case ev := <-events:
			if ev.SessionID == id {
				seen = append(seen, ev.Type)
			}
		case <-timeout:
			t.Fatalf("events so far: %v", seen)
		}
	}
	assert.Equal(t, []EventType{EventStarted, EventCompleted, EventExited}, seen)
}

func TestCleanup(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "sessions.db")
	store, err := sessionstore.New(dbPath)
	require.NoError(t, err)

	sup, err := New(Config{MaxWorkers: 2}, store, launcher.NewInProcess(testRegistry()), WithLogger(quietLogger))
	require.NoError(t, err)

	var ids []string
	for i := 0; i < 2; i++ {
		id, err := sup.SpawnWorker(context.Background(), "hang", "long running", nil)
		require.NoError(t, err)
		ids = append(ids, id)
	}
	queuedCh := spawnAsync(context.Background(), sup, "hang", "queued", nil)
	waitQueued(t, sup, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, sup.Cleanup(ctx))
	require.NoError(t, sup.Cleanup(ctx))

	out := <-queuedCh
	assert.ErrorIs(t, out.err, domain.ErrSupervisorClosed)

	_, err = sup.SpawnWorker(context.Background(), taskbody.Echo, "too late", nil)
	assert.ErrorIs(t, err, domain.ErrSupervisorClosed)

	m := sup.Metrics()
	assert.Equal(t, 0, m.ActiveWorkers)
	assert.Equal(t, 3, m.Failed, "two terminated workers and one withdrawn spawn")

	reopened, err := sessionstore.New(dbPath)
	require.NoError(t, err)
	defer reopened.Close()

	sessions, err := reopened.ListSessions(context.Background(), sessionstore.ListOptions{SupervisorID: sup.ID()})
	require.NoError(t, err)
	require.Len(t, sessions, 3)
	for _, s := range sessions {
		assert.Equal(t, domain.SessionFailed, s.Status, "session %s", s.SessionID)
	}
}

func TestCleanup_CancelledContext(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "sessions.db")
	store, err := sessionstore.New(dbPath)
	require.NoError(t, err)

	sup, err := New(Config{MaxWorkers: 1}, store, launcher.NewInProcess(testRegistry()), WithLogger(quietLogger))
	require.NoError(t, err)

	running, err := sup.SpawnWorker(context.Background(), "hang", "long running", nil)
	require.NoError(t, err)
	queuedCh := spawnAsync(context.Background(), sup, "hang", "queued", nil)
	waitQueued(t, sup, 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = sup.Cleanup(ctx)

	// The queued spawn is refused, never launched after shutdown.
	select {
	case out := <-queuedCh:
		assert.ErrorIs(t, out.err, domain.ErrSupervisorClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("queued spawn still pending after cleanup")
	}
	assert.ErrorIs(t, sup.TerminateWorker(context.Background(), running), domain.ErrSupervisorClosed)

	m := sup.Metrics()
	assert.Equal(t, 0, m.QueuedTasks)
	assert.Equal(t, 2, m.Failed)

	reopened, err := sessionstore.New(dbPath)
	require.NoError(t, err)
	defer reopened.Close()

	sessions, err := reopened.ListSessions(context.Background(), sessionstore.ListOptions{SupervisorID: sup.ID()})
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	for _, s := range sessions {
		assert.Equal(t, domain.SessionFailed, s.Status, "session %s", s.SessionID)
	}
}
