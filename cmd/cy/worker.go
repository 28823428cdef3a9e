package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/zulandar/cafeyard/internal/alert"
	"github.com/zulandar/cafeyard/internal/dashboard"
	"github.com/zulandar/cafeyard/internal/logging"
	"github.com/zulandar/cafeyard/internal/orchestrator"
	"github.com/zulandar/cafeyard/internal/quota"
	"github.com/zulandar/cafeyard/internal/supervisor"
	"github.com/zulandar/cafeyard/internal/worker"
)

func newWorkerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Queue worker commands",
	}

	cmd.AddCommand(newWorkerStartCmd())
	return cmd
}

func newWorkerStartCmd() *cobra.Command {
	var (
		configPath    string
		withDashboard bool
	)

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Run one worker per active account plus the supervisor",
		Long: `Starts a worker for every active account, each processing its own queue one
job at a time, and the supervisor that recovers stale workers, promotes
delayed jobs, sends operator alerts and fires scheduled batches.
Runs until interrupted; in-flight jobs are returned to the queue on shutdown.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorkerStart(cmd, configPath, withDashboard)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Cafeyard config file")
	cmd.Flags().BoolVar(&withDashboard, "dashboard", false, "also serve the dashboard API on the configured port")
	return cmd
}

func runWorkerStart(cmd *cobra.Command, configPath string, withDashboard bool) error {
	out := cmd.OutOrStdout()

	cfg, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	loc := cfg.Location()

	reg, rec, err := newMetrics(gormDB)
	if err != nil {
		return err
	}
	gen, err := newContent(cfg)
	if err != nil {
		return err
	}
	client, sessions, err := newSessions(cfg, gormDB, rec, logger)
	if err != nil {
		return err
	}
	notifier, err := newNotifier(cfg, logger)
	if err != nil {
		return err
	}
	tracker := quota.New(gormDB, loc)

	pool := worker.NewPool(worker.Deps{
		DB:       gormDB,
		Platform: client,
		Content:  gen,
		Sessions: sessions,
		Quota:    tracker,
		Metrics:  rec,
		Location: loc,
		Log:      logging.Component(logger, "worker"),
	}, worker.PoolOptions{
		Worker: worker.Options{
			PollInterval:      cfg.Queue.PollInterval,
			HeartbeatInterval: cfg.Queue.HeartbeatInterval,
		},
		RosterRefresh: cfg.Queue.RosterRefresh,
	})

	orch := orchestrator.New(gormDB, gen, orchestrator.Options{
		Quota:    tracker,
		Metrics:  rec,
		Location: loc,
		Log:      logging.Component(logger, "orchestrator"),
	})
	sup, err := supervisor.New(supervisor.Deps{
		DB:       gormDB,
		Notifier: notifier,
		Batches:  orch,
		Log:      logging.Component(logger, "supervisor"),
	}, supervisor.Options{
		PollInterval:   cfg.Queue.PollInterval,
		StaleThreshold: cfg.Queue.StaleThreshold,
		Schedules:      cfg.Schedules,
		Batch:          cfg.Batch,
		Location:       loc,
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		fmt.Fprintf(out, "\nReceived %s, shutting down...\n", sig)
		cancel()
	}()

	go logEvents(pool.Events(), logging.Component(logger, "events"))
	go func() {
		if err := sup.Run(ctx); err != nil {
			logger.WithError(err).Error("supervisor stopped")
		}
	}()
	if withDashboard {
		go func() {
			err := dashboard.Start(ctx, dashboard.StartOpts{
				DB:       gormDB,
				Port:     cfg.Dashboard.Port,
				Location: loc,
				Gatherer: reg,
				Out:      out,
				Log:      logging.Component(logger, "dashboard"),
			})
			if err != nil {
				logger.WithError(err).Error("dashboard stopped")
			}
		}()
	}

	fmt.Fprintf(out, "Workers starting for owner %q (poll every %s)...\n", cfg.Owner, cfg.Queue.PollInterval)
	if err := pool.Run(ctx); err != nil {
		return fmt.Errorf("worker pool: %w", err)
	}
	fmt.Fprintln(out, "Workers stopped.")
	return nil
}

// logEvents writes pool events to the log until the channel closes.
func logEvents(events <-chan worker.Event, log *logrus.Entry) {
	for e := range events {
		entry := log.WithFields(logrus.Fields{
			"event":      e.Kind,
			"account_id": e.AccountID,
		})
		if e.JobID != "" {
			entry = entry.WithFields(logrus.Fields{"job_id": e.JobID, "type": e.JobType, "attempt": e.Attempt})
		}
		switch e.Kind {
		case worker.EventFailed:
			entry.Warn(e.Message)
		default:
			entry.Debug(e.Message)
		}
	}
}

// logNotifier writes alerts to the log when no chat channel is configured.
type logNotifier struct {
	log *logrus.Entry
}

func (n logNotifier) Notify(_ context.Context, a alert.Alert) error {
	n.log.WithField("severity", a.Severity).Warn(a.Text())
	return nil
}
