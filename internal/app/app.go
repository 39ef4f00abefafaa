package app

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"bundleretry/internal/adapter/diag"
	"bundleretry/internal/adapter/installer"
	"bundleretry/internal/adapter/scheduler"
	"bundleretry/internal/config"
	"bundleretry/internal/journal"
	"bundleretry/internal/metrics"
	"bundleretry/internal/platform/logger"
	"bundleretry/internal/session"
	"bundleretry/pkg/retry"
)

// App wires application components.
type App struct {
	cfg config.Config
	log *slog.Logger
}

// New creates a new App instance and loads configuration.
func New() (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	log := logger.New(logger.Options{
		Env:          cfg.Env,
		ConsoleLevel: cfg.Log.ConsoleLevel,
		FileLevel:    cfg.Log.FileLevel,
		File:         cfg.Log.File,
		App:          "bundleretry",
	})
	return &App{cfg: cfg, log: log}, nil
}

// Close flushes the log file.
func (a *App) Close() error {
	return logger.Close(a.log)
}

// Run installs the plan at planPath. SIGINT and SIGTERM abort it.
func (a *App) Run(planPath string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	plan, err := session.LoadPlan(planPath)
	if err != nil {
		return err
	}
	a.log.Info("starting",
		slog.String("plan", plan.Name),
		slog.Uint64("max_retries", uint64(a.cfg.Retry.MaxRetries)),
		slog.Duration("retry_timeout", a.cfg.RetryTimeout()),
		slog.String("journal", a.cfg.Journal.Driver))

	store, err := journal.Open(ctx, a.cfg.Journal.Driver, a.cfg.Journal.DSN)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			a.log.Warn("journal close", slog.Any("err", err))
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	retryMetrics := metrics.NewRetry()
	if err := retryMetrics.Register(reg); err != nil {
		return err
	}

	sched := scheduler.New(ctx, scheduler.Config{Logger: a.log.With(slog.String("component", "scheduler"))})
	sched.Start()
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := sched.StopContext(stopCtx); err != nil {
			a.log.Warn("scheduler stop", slog.Any("err", err))
		}
	}()
	if err := a.schedulePrune(sched, store); err != nil {
		return err
	}

	sess := session.New(
		installer.NewFileAcquirer(a.cfg.Cache.Dir, a.log),
		installer.NewCommandExecutor("", a.log),
		session.Options{
			MaxRetries: a.cfg.Retry.MaxRetries,
			TimeoutMS:  a.cfg.Retry.TimeoutMS,
			Transient:  retry.TransientCodes(a.cfg.Retry.TransientCodes...),
			Logger:     a.log,
			Observers: []session.Observer{
				session.LogObserver{Logger: a.log},
				session.MetricsObserver{Metrics: retryMetrics},
				session.JournalObserver{Store: store, Logger: a.log},
			},
		})
	retryMetrics.TrackLen(sess.Tracker().Len)

	if a.cfg.Diag.Addr != "" {
		srv := diag.NewServer(a.cfg.Diag.Addr, diag.NewHandler(diag.Deps{
			Tracker:  sess.Tracker(),
			Journal:  store,
			Gatherer: reg,
			Logger:   a.log,
		}), a.log)
		if _, err := srv.Start(); err != nil {
			return fmt.Errorf("diag server: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	sess.Begin()
	defer sess.Close()
	stopAbort := context.AfterFunc(ctx, func() {
		a.log.Warn("signal received, aborting session")
		sess.Abort()
	})
	defer stopAbort()

	report, err := sess.Run(ctx, plan)
	a.log.Info("session finished",
		slog.String("session", report.SessionID),
		slog.Int("phases", len(report.Phases)),
		slog.Int("retries", report.Retries()),
		slog.Bool("succeeded", err == nil))
	return err
}

func (a *App) schedulePrune(sched *scheduler.Scheduler, store journal.Store) error {
	if a.cfg.Journal.Driver == config.JournalNone || a.cfg.Journal.Retention <= 0 || a.cfg.Journal.PruneSchedule == "" {
		return nil
	}
	id, err := sched.AddCronJob(a.cfg.Journal.PruneSchedule,
		journal.PruneJob(store, a.cfg.Journal.Retention, a.log),
		scheduler.JobOptions{Name: "journal-prune", Timeout: time.Minute})
	if err != nil {
		return err
	}
	// Prune once at startup; a short run may never reach the schedule.
	sched.RunNow(id)
	return nil
}
