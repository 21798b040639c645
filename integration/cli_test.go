//go:build integration

package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/hochfrequenz/agent-supervisor/internal/domain"
	"github.com/hochfrequenz/agent-supervisor/internal/sessionstore"
	"github.com/hochfrequenz/agent-supervisor/web/api"
)

// TestCLI_Help tests the help command
func TestCLI_Help(t *testing.T) {
	binary := binaryPath(t)

	out, err := exec.Command(binary, "--help").CombinedOutput()
	if err != nil {
		t.Fatalf("help failed: %v\n%s", err, out)
	}
	for _, sub := range []string{"serve", "run", "status", "list", "top"} {
		if !strings.Contains(string(out), sub) {
			t.Errorf("help output missing %q command", sub)
		}
	}
}

// TestCLI_Run runs a task file through real worker processes
func TestCLI_Run(t *testing.T) {
	binary := binaryPath(t)
	dbPath := TempDBPath(t)
	configPath := writeConfig(t, dbPath, freePort(t), "")

	tasks := writeFile(t, "tasks.yaml", `
tasks:
  - name: greet
    agent_type: echo
    payload:
      greeting: hello
  - name: nap
    agent_type: sleep
    repeat: 2
    payload:
      ms: 100
  - name: shell
    agent_type: shell
    payload:
      command: echo from the shell
`)

	cmd := exec.Command(binary, "--config", configPath, "run", "--json", tasks)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		t.Fatalf("run failed: %v\nstdout: %s\nstderr: %s", err, stdout.String(), stderr.String())
	}

	var outcomes []struct {
		Name      string          `json:"name"`
		SessionID string          `json:"session_id"`
		Status    string          `json:"status"`
		Result    json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(stdout.Bytes(), &outcomes); err != nil {
		t.Fatalf("decoding output: %v\n%s", err, stdout.String())
	}
	if len(outcomes) != 4 {
		t.Fatalf("outcomes = %d, want 4", len(outcomes))
	}
	for _, o := range outcomes {
		if o.Status != "completed" {
			t.Errorf("%s: status = %s, want completed", o.Name, o.Status)
		}
	}
	if !strings.Contains(string(outcomes[3].Result), "from the shell") {
		t.Errorf("shell result = %s", outcomes[3].Result)
	}

	// The ledger outlives the run
	store, err := sessionstore.New(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	sessions, err := store.ListSessions(context.Background(), sessionstore.ListOptions{Status: domain.SessionCompleted})
	if err != nil {
		t.Fatal(err)
	}
	if len(sessions) != 4 {
		t.Errorf("completed sessions in store = %d, want 4", len(sessions))
	}
}

// TestCLI_RunFailure checks the exit code when a task fails
func TestCLI_RunFailure(t *testing.T) {
	binary := binaryPath(t)
	configPath := writeConfig(t, TempDBPath(t), freePort(t), "")

	tasks := writeFile(t, "tasks.yaml", `
tasks:
  - name: ok
    agent_type: echo
  - name: broken
    agent_type: shell
    payload:
      command: exit 3
  - name: slow
    agent_type: sleep
    payload:
      ms: 60000
`)

	cmd := exec.Command(binary, "--config", configPath, "run", "--timeout", "1s", tasks)
	out, err := cmd.CombinedOutput()
	if err == nil {
		t.Fatalf("run should fail:\n%s", out)
	}
	if exitErr, ok := err.(*exec.ExitError); !ok || exitErr.ExitCode() != 1 {
		t.Errorf("err = %v, want exit code 1", err)
	}
	if !strings.Contains(string(out), "2 of 3 tasks failed") {
		t.Errorf("output missing failure count:\n%s", out)
	}
	if !strings.Contains(string(out), "worker timed out after 1s") {
		t.Errorf("output missing timeout:\n%s", out)
	}
}

// TestCLI_Serve starts the server and drives it through the API and CLI
func TestCLI_Serve(t *testing.T) {
	binary := binaryPath(t)
	port := freePort(t)
	configPath := writeConfig(t, TempDBPath(t), port, "")

	serve := exec.Command(binary, "--config", configPath, "serve")
	var logs bytes.Buffer
	serve.Stdout = &logs
	serve.Stderr = &logs
	if err := serve.Start(); err != nil {
		t.Fatal(err)
	}
	exited := make(chan error, 1)
	go func() { exited <- serve.Wait() }()
	defer func() {
		serve.Process.Signal(syscall.SIGTERM)
		select {
		case <-exited:
		case <-time.After(30 * time.Second):
			serve.Process.Kill()
		}
	}()

	addr := fmt.Sprintf("127.0.0.1:%d", port)
	client := api.NewClient(addr)
	ctx := context.Background()

	deadline := time.Now().Add(15 * time.Second)
	for {
		if _, err := client.Metrics(ctx); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("server did not come up:\n%s", logs.String())
		}
		time.Sleep(100 * time.Millisecond)
	}

	session, err := client.Spawn(ctx, api.SpawnRequest{AgentType: "echo", Description: "it", Payload: json.RawMessage(`{"n":1}`)}, true)
	if err != nil {
		t.Fatal(err)
	}
	if session.Status != "completed" {
		t.Errorf("Status = %s, want completed (%s)", session.Status, session.Error)
	}

	out, err := exec.Command(binary, "status", "--addr", addr).CombinedOutput()
	if err != nil {
		t.Fatalf("status failed: %v\n%s", err, out)
	}
	if !strings.Contains(string(out), "1 completed") {
		t.Errorf("status output:\n%s", out)
	}

	out, err = exec.Command(binary, "list", "--addr", addr).CombinedOutput()
	if err != nil {
		t.Fatalf("list failed: %v\n%s", err, out)
	}
	if !strings.Contains(string(out), session.SessionID) {
		t.Errorf("list output missing %s:\n%s", session.SessionID, out)
	}

	serve.Process.Signal(syscall.SIGTERM)
	select {
	case err := <-exited:
		if err != nil {
			t.Errorf("serve exited with %v:\n%s", err, logs.String())
		}
	case <-time.After(30 * time.Second):
		t.Fatal("serve did not shut down")
	}
}
