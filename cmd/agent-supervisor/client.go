package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/hochfrequenz/agent-supervisor/internal/domain"
	"github.com/hochfrequenz/agent-supervisor/tui"
	"github.com/hochfrequenz/agent-supervisor/web/api"
)

var (
	apiAddr    string
	listStatus string
	listLimit  int
	topRefresh time.Duration
)

func init() {
	// status command
	statusCmd := &cobra.Command{
		Use:   "status [SESSION]",
		Short: "Show supervisor metrics, or one session",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runStatus,
	}
	rootCmd.AddCommand(statusCmd)

	// list command
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions",
		Args:  cobra.NoArgs,
		RunE:  runList,
	}
	listCmd.Flags().StringVar(&listStatus, "status", "", "filter by status (queued, running, completed, failed)")
	listCmd.Flags().IntVar(&listLimit, "limit", 20, "maximum number of sessions")
	rootCmd.AddCommand(listCmd)

	// top command
	topCmd := &cobra.Command{
		Use:   "top",
		Short: "Live dashboard of a running supervisor",
		Args:  cobra.NoArgs,
		RunE:  runTop,
	}
	topCmd.Flags().DurationVar(&topRefresh, "refresh", time.Second, "refresh interval")
	rootCmd.AddCommand(topCmd)

	for _, c := range []*cobra.Command{statusCmd, listCmd, topCmd} {
		c.Flags().StringVar(&apiAddr, "addr", "", "supervisor API address (default from config)")
	}
}

func newClient() (*api.Client, error) {
	if apiAddr != "" {
		return api.NewClient(apiAddr), nil
	}
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return api.NewClient(cfg.Addr()), nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	if len(args) == 1 {
		s, err := client.Session(ctx, args[0])
		if err != nil {
			return err
		}
		printSession(s)
		return nil
	}

	m, err := client.Metrics(ctx)
	if err != nil {
		return fmt.Errorf("contacting supervisor: %w", err)
	}
	fmt.Printf("Supervisor %s\n", m.SupervisorID)
	fmt.Printf("Workers: %d/%d active | %d queued\n", m.ActiveWorkers, m.MaxWorkers, m.QueuedTasks)
	fmt.Printf("Sessions: %s spawned | %s completed | %s failed | %s timed out\n",
		humanize.Comma(int64(m.Spawned)), humanize.Comma(int64(m.Completed)),
		humanize.Comma(int64(m.Failed)), humanize.Comma(int64(m.TimedOut)))
	if m.AvgExecutionMs > 0 {
		fmt.Printf("Average execution: %v\n", (time.Duration(m.AvgExecutionMs) * time.Millisecond).Round(time.Millisecond))
	}

	slots, err := client.Slots(ctx)
	if err != nil {
		return err
	}
	if len(slots) > 0 {
		fmt.Println()
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "SESSION\tAGENT\tRUNNING\tHEAP\tDESCRIPTION")
		for _, s := range slots {
			fmt.Fprintf(w, "%s\t%s\t%s\t%.1f%%\t%s\n",
				s.SessionID, s.AgentType, time.Since(s.StartedAt).Round(time.Second), s.HeapUsedPct, oneLine(s.Description, 60))
		}
		w.Flush()
	}
	return nil
}

func printSession(s api.SessionResponse) {
	fmt.Printf("Session:     %s\n", s.SessionID)
	fmt.Printf("Agent:       %s\n", s.AgentType)
	fmt.Printf("Status:      %s\n", s.Status)
	fmt.Printf("Created:     %s (%s)\n", s.CreatedAt.Format(time.RFC3339), humanize.Time(s.CreatedAt))
	if s.ExecutionTimeMs != nil {
		fmt.Printf("Duration:    %v\n", time.Duration(*s.ExecutionTimeMs)*time.Millisecond)
	}
	if s.MemoryPeakMB != nil {
		fmt.Printf("Peak memory: %s\n", humanize.IBytes(uint64(*s.MemoryPeakMB*1024*1024)))
	}
	if s.TaskDescription != "" {
		fmt.Printf("Task:        %s\n", s.TaskDescription)
	}
	if s.Error != "" {
		fmt.Printf("Error:       %s\n", s.Error)
	}
	if len(s.Result) > 0 {
		fmt.Printf("Result:      %s\n", s.Result)
	}
}

func runList(cmd *cobra.Command, args []string) error {
	status := domain.SessionStatus(listStatus)
	if status != "" && !status.Valid() {
		return fmt.Errorf("unknown status %q", listStatus)
	}

	client, err := newClient()
	if err != nil {
		return err
	}
	sessions, err := client.Sessions(cmd.Context(), status, listLimit)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SESSION\tAGENT\tSTATUS\tCREATED\tDURATION\tDETAIL")
	for _, s := range sessions {
		dur := "-"
		if s.ExecutionTimeMs != nil {
			dur = (time.Duration(*s.ExecutionTimeMs) * time.Millisecond).String()
		}
		detail := s.TaskDescription
		if s.Error != "" {
			detail = s.Error
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			s.SessionID, s.AgentType, s.Status, humanize.Time(s.CreatedAt), dur, oneLine(detail, 60))
	}
	w.Flush()

	return nil
}

func runTop(cmd *cobra.Command, args []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}

	model := tui.NewModel(tui.ModelConfig{Source: client, Interval: topRefresh})
	p := tea.NewProgram(model, tea.WithAltScreen())
	_, err = p.Run()
	return err
}
