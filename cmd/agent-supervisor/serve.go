package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/hochfrequenz/agent-supervisor/internal/config"
	"github.com/hochfrequenz/agent-supervisor/internal/notify"
	"github.com/hochfrequenz/agent-supervisor/internal/schedule"
	"github.com/hochfrequenz/agent-supervisor/internal/supervisor"
	"github.com/hochfrequenz/agent-supervisor/web/api"
)

var (
	servePort    int
	serveWorkers int
	serveNoWeb   bool
)

func init() {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the supervisor with its HTTP API and schedules",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
	serveCmd.Flags().IntVar(&servePort, "port", 0, "port to listen on (default from config)")
	serveCmd.Flags().IntVar(&serveWorkers, "workers", 0, "maximum concurrent workers (default from config)")
	serveCmd.Flags().BoolVar(&serveNoWeb, "no-web", false, "do not serve the HTTP API")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if servePort != 0 {
		cfg.Web.Port = servePort
	}
	if serveWorkers != 0 {
		cfg.Supervisor.MaxWorkers = serveWorkers
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}

	sup, err := newSupervisor(cfg, store)
	if err != nil {
		store.Close()
		return err
	}
	log.Printf("[serve] supervisor %s: %d workers, %s isolation, timeout %v",
		sup.ID(), cfg.Supervisor.MaxWorkers, cfg.Supervisor.Isolation, cfg.WorkerTimeout())

	// Sessions a previous instance left behind can never finish.
	if n, err := store.FailOrphans(cmd.Context(), sup.ID(), "supervisor restarted"); err != nil {
		log.Printf("[serve] warning: recovering orphaned sessions: %v", err)
	} else if n > 0 {
		log.Printf("[serve] marked %d orphaned session(s) failed", n)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	// Config reload resizes the pool
	cfgFile := config.ResolvePath(configPath)
	if watcher, err := config.NewWatcher(cfgFile, func(next *config.Config) {
		if err := sup.SetMaxWorkers(next.Supervisor.MaxWorkers); err != nil {
			log.Printf("[serve] warning: applying max_workers: %v", err)
		}
	}); err != nil {
		log.Printf("[serve] config hot reload disabled: %v", err)
	} else {
		watcher.Start(gctx)
		defer watcher.Stop()
	}

	notifier := buildNotifier(cfg)
	events, unsubscribe := sup.Subscribe()
	defer unsubscribe()
	g.Go(func() error {
		notify.Forward(gctx, events, notifier, cfg.Telemetry.MemoryWarnPct)
		return nil
	})

	sched, err := schedule.New(cfg.Schedules, sup)
	if err != nil {
		return shutdown(sup, err)
	}
	sched.Start()

	if cfg.Web.Enabled && !serveNoWeb {
		server := api.NewServer(sup, store, cfg.Addr())
		server.SetSchedules(sched)
		g.Go(func() error {
			if err := server.Start(gctx); err != nil {
				return fmt.Errorf("http api: %w", err)
			}
			return nil
		})
		fmt.Printf("API listening at http://%s\n", cfg.Addr())
	}

	<-gctx.Done()
	log.Printf("[serve] shutting down")

	sched.Stop()
	err = g.Wait()
	return shutdown(sup, err)
}

// shutdown stops the supervisor and combines its error with cause
func shutdown(sup *supervisor.Supervisor, cause error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := sup.Cleanup(ctx); err != nil {
		log.Printf("[serve] cleanup: %v", err)
		if cause == nil {
			cause = err
		}
	}
	m := sup.Metrics()
	log.Printf("[serve] final: %d spawned, %d completed, %d failed, %d timed out",
		m.Spawned, m.Completed, m.Failed, m.TimedOut)
	return cause
}

func buildNotifier(cfg *config.Config) notify.Notifier {
	var notifiers []notify.Notifier
	if cfg.Notifications.Desktop {
		notifiers = append(notifiers, notify.NewDesktopNotifier(true))
	}
	if cfg.Notifications.SlackWebhook != "" {
		notifiers = append(notifiers, notify.NewSlackNotifier(cfg.Notifications.SlackWebhook))
	}
	if len(notifiers) == 0 {
		return notify.NoopNotifier{}
	}
	return notify.NewMultiNotifier(notifiers...)
}
