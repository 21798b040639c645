package launcher

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/hochfrequenz/agent-supervisor/internal/workerprotocol"
)

const (
	defaultKillGrace   = 5 * time.Second
	defaultStderrLines = 20
)

// Process runs each unit as a child process: the executable at Path is
// started with Args, receives the descriptor as JSON on stdin and writes
// messages as JSON lines on stdout. Heap ceiling and GC target are passed as
// GOMEMLIMIT and GOGC so they hold from the child's first allocation.
type Process struct {
	// Path of the worker executable. Empty means the running binary.
	Path string
	Args []string
	// Env is appended to the supervisor's environment
	Env []string
	// KillGrace is how long Kill waits after SIGTERM before SIGKILL
	KillGrace time.Duration
	// StderrLines is how many trailing stderr lines are kept for exit reports
	StderrLines int
}

// Launch implements Launcher
func (l *Process) Launch(ctx context.Context, desc workerprotocol.Descriptor) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path := l.Path
	if path == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("locating worker executable: %w", err)
		}
		path = exe
	}

	input, err := json.Marshal(desc)
	if err != nil {
		return nil, fmt.Errorf("encoding descriptor: %w", err)
	}

	// Not CommandContext: the unit outlives the launch request.
	cmd := exec.Command(path, l.Args...)
	cmd.Env = append(os.Environ(), l.Env...)
	cmd.Env = append(cmd.Env, limitEnv(desc.Limits)...)
	cmd.Stdin = bytes.NewReader(append(input, '\n'))

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("worker stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("worker stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting worker process: %w", err)
	}

	grace := l.KillGrace
	if grace <= 0 {
		grace = defaultKillGrace
	}
	lines := l.StderrLines
	if lines <= 0 {
		lines = defaultStderrLines
	}

	h := &processHandle{
		sessionID: desc.SessionID,
		cmd:       cmd,
		grace:     grace,
		out:       make(chan workerprotocol.Message, 16),
		done:      make(chan struct{}),
		stderr:    newTail(lines),
	}

	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		h.readMessages(stdout)
	}()
	go func() {
		defer readers.Done()
		h.stderr.readFrom(stderr)
	}()
	go h.wait(&readers)

	return h, nil
}

func limitEnv(l workerprotocol.Limits) []string {
	var env []string
	if l.HeapLimitMB > 0 {
		env = append(env, fmt.Sprintf("GOMEMLIMIT=%dMiB", l.HeapLimitMB))
	}
	if l.GCPercent != 0 {
		env = append(env, fmt.Sprintf("GOGC=%d", l.GCPercent))
	}
	return env
}

type processHandle struct {
	sessionID string
	cmd       *exec.Cmd
	grace     time.Duration
	out       chan workerprotocol.Message
	done      chan struct{}
	stderr    *tail

	killOnce sync.Once

	mu     sync.Mutex
	killed bool
	status ExitStatus
}

func (h *processHandle) readMessages(r io.Reader) {
	defer close(h.out)

	dec := workerprotocol.NewDecoder(r)
	for {
		msg, err := dec.Next()
		if err == io.EOF {
			return
		}
		if errors.Is(err, workerprotocol.ErrMalformed) {
			log.Printf("[launcher] session %s: ignoring worker output: %v", h.sessionID, err)
			continue
		}
		if err != nil {
			log.Printf("[launcher] session %s: reading worker output: %v", h.sessionID, err)
			// Keep the pipe drained so the child never blocks on a full stdout.
			_, _ = io.Copy(io.Discard, r)
			return
		}
		h.out <- msg
	}
}

func (h *processHandle) wait(readers *sync.WaitGroup) {
	// Pipes must be fully read before Wait closes them.
	readers.Wait()
	err := h.cmd.Wait()

	status := ExitStatus{Code: 0}
	if state := h.cmd.ProcessState; state != nil {
		status.Code = state.ExitCode()
		if status.Code == -1 {
			status.Detail = state.String()
		}
	} else if err != nil {
		status.Code = -1
		status.Detail = err.Error()
	}
	if status.Code != 0 {
		if t := h.stderr.String(); t != "" {
			if status.Detail != "" {
				status.Detail += ": "
			}
			status.Detail += t
		}
	}

	h.mu.Lock()
	status.Killed = h.killed
	h.status = status
	h.mu.Unlock()

	close(h.done)
}

func (h *processHandle) Messages() <-chan workerprotocol.Message { return h.out }
func (h *processHandle) Done() <-chan struct{}                   { return h.done }

func (h *processHandle) ExitStatus() ExitStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

// Kill sends SIGTERM so the unit can report terminated, then SIGKILL once the
// grace period has passed.
func (h *processHandle) Kill() {
	h.killOnce.Do(func() {
		select {
		case <-h.done:
			return
		default:
		}

		h.mu.Lock()
		h.killed = true
		h.mu.Unlock()

		if err := h.cmd.Process.Signal(syscall.SIGTERM); err != nil {
			_ = h.cmd.Process.Kill()
			return
		}

		go func() {
			timer := time.NewTimer(h.grace)
			defer timer.Stop()
			select {
			case <-h.done:
			case <-timer.C:
				log.Printf("[launcher] session %s: no exit %v after SIGTERM, killing", h.sessionID, h.grace)
				_ = h.cmd.Process.Kill()
			}
		}()
	})
}

// tail keeps the last n lines written to it
type tail struct {
	mu    sync.Mutex
	n     int
	lines []string
}

func newTail(n int) *tail {
	return &tail{n: n}
}

func (t *tail) readFrom(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		t.add(scanner.Text())
	}
	_, _ = io.Copy(io.Discard, r)
}

func (t *tail) add(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lines = append(t.lines, line)
	if len(t.lines) > t.n {
		t.lines = t.lines[len(t.lines)-t.n:]
	}
}

func (t *tail) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.TrimSpace(strings.Join(t.lines, "\n"))
}
