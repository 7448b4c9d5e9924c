package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/flowsched/flowsched/internal/clusterscheduler"
	"github.com/flowsched/flowsched/internal/drmaa"
	"github.com/flowsched/flowsched/internal/facade"
	"github.com/flowsched/flowsched/internal/jobserver"
	"github.com/flowsched/flowsched/internal/localscheduler"
	"github.com/flowsched/flowsched/pkg/config"
	"github.com/flowsched/flowsched/pkg/logger"
)

const janitorInterval = time.Minute

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the scheduler and block until interrupted",
		Long: `Loads configuration, builds the configured backend (local process
pool or DRMAA cluster), and runs its background refresh loop alongside
a janitor goroutine that prunes expired jobs, transfers, and workflows.
Blocks until SIGINT or SIGTERM.`,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, path, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	log := newServeLogger(*cfg)
	log.Info("configuration loaded", "path", path, "backend", string(cfg.Scheduler.Backend))

	if err := os.MkdirAll(cfg.Staging.Directory, 0755); err != nil {
		return fmt.Errorf("failed to create staging directory %s: %w", cfg.Staging.Directory, err)
	}

	server := jobserver.NewInMemoryServer(cfg.Staging.Directory)

	backend, stopBackend, err := buildBackend(*cfg, server, log)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	janitorDone := make(chan struct{})
	go runJanitor(ctx, server, log, janitorDone)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	log.Info("flowsched started", "staging", cfg.Staging.Directory)
	<-sigCh
	log.Info("shutting down")

	cancel()
	stopBackend()
	<-janitorDone
	return nil
}

// buildBackend constructs the configured scheduler backend and
// returns a stop function that halts its background loop.
func buildBackend(cfg config.Config, server jobserver.Server, log *logger.Logger) (facade.Backend, func(), error) {
	switch cfg.Scheduler.Backend {
	case config.BackendLocal:
		sched := localscheduler.New(server, localscheduler.Options{
			ProcNb:                 cfg.Local.ProcNb,
			MaxProcNb:              cfg.Local.MaxProcNb,
			TickInterval:           cfg.Local.TickInterval,
			SingleCPUIdleThreshold: cfg.Local.SingleCPUIdleThreshold,
			MultiCPUIdleThreshold:  cfg.Local.MultiCPUIdleThreshold,
			SampleMinInterval:      cfg.Local.SampleMinInterval,
		})
		sched.Start(context.Background())
		return sched, sched.StopLoop, nil
	case config.BackendCluster:
		// The real DRMAA library is out of scope; FakeSession is the
		// only concrete binding this module ships, per DESIGN.md.
		session := drmaa.NewFakeSession()
		sched := clusterscheduler.New(server, session, cfg.Cluster, cfg.Scheduler.RefreshInterval)
		sched.Start(context.Background())
		return sched, sched.StopLoop, nil
	default:
		return nil, nil, fmt.Errorf("unknown scheduler backend: %q", cfg.Scheduler.Backend)
	}
}

// newServeLogger builds the process-wide default logger from cfg,
// falling back to INFO on an unparseable level.
func newServeLogger(cfg config.Config) *logger.Logger {
	level, err := logger.ParseLevel(cfg.Logging.Level)
	if err != nil {
		level = logger.INFO
	}
	return logger.NewWithConfig(logger.Config{Level: level, Output: os.Stdout, Scope: "flowsched"})
}

// runJanitor sweeps expired jobs, transfers, and workflows at a fixed
// interval until ctx is cancelled.
func runJanitor(ctx context.Context, server jobserver.Server, log *logger.Logger, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			jobs, transfers, workflows := server.Prune(time.Now())
			if jobs > 0 || transfers > 0 || workflows > 0 {
				log.Info("janitor pruned expired records",
					"jobs", jobs, "transfers", transfers, "workflows", workflows)
			}
		}
	}
}
