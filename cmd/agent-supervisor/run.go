package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/hochfrequenz/agent-supervisor/internal/domain"
	"github.com/hochfrequenz/agent-supervisor/internal/supervisor"
	"github.com/hochfrequenz/agent-supervisor/internal/taskfile"
)

var (
	runWorkers int
	runTimeout time.Duration
	runJSON    bool
	runVerbose bool
)

func init() {
	runCmd := &cobra.Command{
		Use:   "run FILE...",
		Short: "Run every task in the given task files and wait for them",
		Long: `Run spawns a worker for every task in the given YAML task files (or
markdown files with YAML frontmatter), waits for all of them and prints
a summary. It exits non-zero if any task failed.`,
		Args: cobra.MinimumNArgs(1),
		RunE: runTasks,
	}
	runCmd.Flags().IntVar(&runWorkers, "workers", 0, "maximum concurrent workers (default from config)")
	runCmd.Flags().DurationVar(&runTimeout, "timeout", 0, "per-worker timeout (default from config)")
	runCmd.Flags().BoolVar(&runJSON, "json", false, "print results as JSON")
	runCmd.Flags().BoolVarP(&runVerbose, "verbose", "v", false, "log supervisor activity")
	rootCmd.AddCommand(runCmd)
}

// taskOutcome is one row of the run summary
type taskOutcome struct {
	Name      string          `json:"name"`
	AgentType string          `json:"agent_type"`
	SessionID string          `json:"session_id,omitempty"`
	Status    string          `json:"status"`
	Duration  time.Duration   `json:"duration_ns"`
	PeakMB    float64         `json:"memory_peak_mb,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
}

func (o taskOutcome) failed() bool {
	return o.Status != string(domain.SessionCompleted)
}

func runTasks(cmd *cobra.Command, args []string) error {
	var tasks []taskfile.Task
	for _, path := range args {
		loaded, err := taskfile.Load(path)
		if err != nil {
			return err
		}
		tasks = append(tasks, loaded...)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if runWorkers > 0 {
		cfg.Supervisor.MaxWorkers = runWorkers
	}
	if runTimeout > 0 {
		cfg.Supervisor.WorkerTimeoutMs = int(runTimeout.Milliseconds())
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}

	logger := log.New(io.Discard, "", 0)
	if runVerbose {
		logger = log.New(os.Stderr, "", log.LstdFlags)
	}
	sup, err := supervisor.New(supervisorConfig(cfg), store, newLauncher(cfg), supervisor.WithLogger(logger))
	if err != nil {
		store.Close()
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	outcomes := make([]taskOutcome, len(tasks))
	g, gctx := errgroup.WithContext(ctx)
	for i, task := range tasks {
		g.Go(func() error {
			outcomes[i] = runOne(gctx, sup, task)
			return nil
		})
	}
	g.Wait()

	cleanupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := sup.Cleanup(cleanupCtx); err != nil {
		log.Printf("[run] cleanup: %v", err)
	}

	if runJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(outcomes); err != nil {
			return err
		}
	} else {
		printSummary(os.Stdout, outcomes, sup.Metrics())
	}

	var failed int
	for _, o := range outcomes {
		if o.failed() {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d tasks failed", failed, len(outcomes))
	}
	return ctx.Err()
}

func runOne(ctx context.Context, sup *supervisor.Supervisor, task taskfile.Task) taskOutcome {
	out := taskOutcome{Name: task.Name, AgentType: task.AgentType, Status: string(domain.SessionFailed)}

	var payload any
	if len(task.Payload) > 0 {
		payload = task.Payload
	}
	description := task.Description
	if description == "" {
		description = task.Name
	}

	id, err := sup.SpawnWorker(ctx, task.AgentType, description, payload)
	if err != nil {
		var spawnErr *domain.SpawnError
		if errors.As(err, &spawnErr) {
			out.SessionID = spawnErr.SessionID
		}
		out.Error = err.Error()
		return out
	}
	out.SessionID = id

	session, err := sup.WaitForCompletion(ctx, id, supervisor.WaitOptions{})
	if err != nil {
		out.Error = err.Error()
		return out
	}

	out.Status = string(session.Status)
	out.Duration = session.Duration()
	out.Result = session.ResultPayload
	out.Error = session.ErrorMessage
	if session.MemoryPeakMB != nil {
		out.PeakMB = *session.MemoryPeakMB
	}
	return out
}

func printSummary(w io.Writer, outcomes []taskOutcome, m supervisor.Metrics) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TASK\tAGENT\tSTATUS\tDURATION\tPEAK\tDETAIL")
	for _, o := range outcomes {
		detail := o.Error
		if detail == "" && len(o.Result) > 0 {
			detail = string(o.Result)
		}
		peak := "-"
		if o.PeakMB > 0 {
			peak = humanize.IBytes(uint64(o.PeakMB * 1024 * 1024))
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			o.Name, o.AgentType, o.Status, o.Duration.Round(time.Millisecond), peak, oneLine(detail, 80))
	}
	tw.Flush()

	fmt.Fprintf(w, "\n%d spawned | %d completed | %d failed | %d timed out",
		m.Spawned, m.Completed, m.Failed, m.TimedOut)
	if m.AvgExecution > 0 {
		fmt.Fprintf(w, " | avg %v", m.AvgExecution.Round(time.Millisecond))
	}
	fmt.Fprintln(w)
}

func oneLine(s string, n int) string {
	for i, r := range s {
		if r == '\n' {
			s = s[:i] + " ..."
			break
		}
	}
	if len(s) > n {
		return s[:n-3] + "..."
	}
	return s
}
