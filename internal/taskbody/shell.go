package taskbody

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/hochfrequenz/agent-supervisor/internal/worker"
)

// ShellPayload configures ShellBody
type ShellPayload struct {
	Command string            `json:"command"`
	Dir     string            `json:"dir,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	// AllowFailure returns a result instead of an error on non-zero exit
	AllowFailure bool `json:"allow_failure,omitempty"`
}

// ShellResult is the output of ShellBody
type ShellResult struct {
	ExitCode     int     `json:"exit_code"`
	Stdout       string  `json:"stdout"`
	Stderr       string  `json:"stderr"`
	DurationSecs float64 `json:"duration_secs"`
}

// maxTail is how much of stderr a failure message carries
const maxTail = 2048

// ShellBody runs a command with sh -c. Every output line is reported as
// progress; the captured output is returned as a ShellResult.
func ShellBody(ctx context.Context, task worker.Task) (any, error) {
	var p ShellPayload
	if err := task.DecodePayload(&p); err != nil {
		return nil, err
	}
	if strings.TrimSpace(p.Command) == "" {
		return nil, errors.New("shell: command is required")
	}

	start := time.Now()

	cmd := exec.CommandContext(ctx, "sh", "-c", p.Command)
	cmd.Dir = p.Dir
	cmd.Env = os.Environ()
	for k, v := range p.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("shell: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("shell: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting command: %w", err)
	}

	var stdoutBuf, stderrBuf strings.Builder
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		streamOutput(stdout, &stdoutBuf, task)
	}()
	go func() {
		defer wg.Done()
		streamOutput(stderr, &stderrBuf, task)
	}()
	wg.Wait()

	exitCode := 0
	if err := cmd.Wait(); err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("command failed: %w", err)
		}
		exitCode = exitErr.ExitCode()
	}

	result := ShellResult{
		ExitCode:     exitCode,
		Stdout:       stdoutBuf.String(),
		Stderr:       stderrBuf.String(),
		DurationSecs: time.Since(start).Seconds(),
	}

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if exitCode != 0 && !p.AllowFailure {
		return nil, fmt.Errorf("command exited with code %d: %s", exitCode, tail(result.Stderr, maxTail))
	}
	return result, nil
}

func streamOutput(r io.Reader, buf *strings.Builder, task worker.Task) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		buf.WriteString(line)
		buf.WriteString("\n")
		task.Progress(line, 0)
	}
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
