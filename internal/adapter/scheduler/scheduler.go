// Package scheduler runs housekeeping jobs on cron schedules.
//
// Schedules use the six-field cron format with seconds, plus descriptors such
// as "@hourly" and "@every 5m". Jobs receive a context that is cancelled when
// the scheduler stops and, when JobOptions.Timeout is set, after the timeout.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// JobFunc is a scheduled job.
type JobFunc func(ctx context.Context) error

// JobID identifies a scheduled job.
type JobID = cron.EntryID

// JobOptions configure a job.
type JobOptions struct {
	// Name is used in logs.
	Name    string
	Timeout time.Duration
}

// Config configures a Scheduler.
type Config struct {
	Logger *slog.Logger
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.LogAttrs(context.Background(), slog.LevelDebug, msg, kvAttrs(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	attrs := append([]slog.Attr{slog.Any("err", err)}, kvAttrs(keysAndValues)...)
	l.logger.LogAttrs(context.Background(), slog.LevelError, msg, attrs...)
}

func kvAttrs(kv []any) []slog.Attr {
	attrs := make([]slog.Attr, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			key = fmt.Sprint(kv[i])
		}
		attrs = append(attrs, slog.Any(key, kv[i+1]))
	}
	return attrs
}

// Scheduler runs cron jobs until stopped.
type Scheduler struct {
	cron      *cron.Cron
	clog      cronLogger
	logger    *slog.Logger
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

// New creates a scheduler that stops when parent is done.
func New(parent context.Context, cfg Config) *Scheduler {
	ctx, cancel := context.WithCancel(parent)

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clog := cronLogger{logger: logger.With(slog.String("component", "cron"))}

	return &Scheduler{
		cron:   cron.New(cron.WithSeconds(), cron.WithLogger(clog)),
		clog:   clog,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// AddCronJob schedules job. An execution that is due while the previous one
// still runs is skipped.
func (s *Scheduler) AddCronJob(schedule string, job JobFunc, opts JobOptions) (JobID, error) {
	chain := cron.NewChain(cron.SkipIfStillRunning(s.clog))
	id, err := s.cron.AddJob(schedule, chain.Then(cron.FuncJob(func() {
		s.run(job, opts)
	})))
	if err != nil {
		s.logger.Error("failed to add cron job",
			slog.String("schedule", schedule),
			slog.String("name", opts.Name),
			slog.Any("err", err))
		return 0, fmt.Errorf("schedule %q: %w", schedule, err)
	}

	s.logger.Info("cron job added",
		slog.String("schedule", schedule),
		slog.String("name", opts.Name),
		slog.Int("id", int(id)))
	return id, nil
}

// RunNow triggers a scheduled job once, outside its schedule. A run still in
// progress makes it a no-op. It reports false for an unknown id or a stopped
// scheduler.
func (s *Scheduler) RunNow(id JobID) bool {
	if s.ctx.Err() != nil {
		return false
	}
	entry := s.cron.Entry(id)
	if !entry.Valid() {
		return false
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		entry.WrappedJob.Run()
	}()
	return true
}

// Start starts the scheduler. Later calls are no-ops.
func (s *Scheduler) Start() {
	s.startOnce.Do(func() {
		s.logger.Info("starting scheduler")
		s.cron.Start()

		go func() {
			<-s.ctx.Done()
			s.stopOnce.Do(s.stop)
		}()
	})
}

// StopContext stops the scheduler and waits for running jobs. When ctx
// expires first it still waits for the jobs but returns the context error.
// Later calls return nil once the jobs are done.
func (s *Scheduler) StopContext(ctx context.Context) error {
	s.cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.stopOnce.Do(s.stop)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.logger.Warn("scheduler stop deadline exceeded, waiting for jobs")
		<-done
		return ctx.Err()
	}
}

func (s *Scheduler) stop() {
	<-s.cron.Stop().Done()
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) run(job JobFunc, opts JobOptions) {
	name := opts.Name
	if name == "" {
		name = "unnamed"
	}

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("job panicked", slog.String("name", name), slog.Any("panic", r))
		}
	}()

	ctx := s.ctx
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	start := time.Now()
	err := job(ctx)
	took := time.Since(start)
	if err != nil {
		s.logger.Error("job failed", slog.String("name", name), slog.Duration("took", took), slog.Any("err", err))
		return
	}
	s.logger.Debug("job finished", slog.String("name", name), slog.Duration("took", took))
}
