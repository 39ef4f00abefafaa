// Package session runs an installation plan under a retry tracker.
//
// A Session owns one retry.Tracker for its whole lifetime. Each package is
// processed in two phases: every payload is acquired into the cache, then the
// package command is executed. A phase is retried while the tracker says so;
// the first phase that still fails stops the run.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/google/uuid"

	"bundleretry/internal/shared"
	"bundleretry/pkg/retry"
)

var (
	// ErrNotBegun is returned by Run before Begin or after Close.
	ErrNotBegun = errors.New("session: not begun")
	// ErrRunning is returned by Run while another Run is in progress.
	ErrRunning = errors.New("session: already running")
)

// Acquirer copies a payload into the package cache and returns its result
// code.
type Acquirer interface {
	Acquire(ctx context.Context, pkg Package, payload Payload) int32
}

// Executor runs a package command and returns its result code.
type Executor interface {
	Execute(ctx context.Context, pkg Package) int32
}

// Options configure a Session.
type Options struct {
	MaxRetries uint32
	TimeoutMS  uint32
	// Transient classifies retryable codes; nil means retry.DefaultTransient.
	Transient retry.TransientFunc
	// Clock drives the retry pause; nil means the real clock.
	Clock     quartz.Clock
	Observers []Observer
	Logger    *slog.Logger
	// ID overrides the generated session id.
	ID string
}

// DefaultOptions returns the budget used when no configuration is given.
func DefaultOptions() Options {
	return Options{MaxRetries: 3, TimeoutMS: 500}
}

// Session runs plans.
type Session struct {
	id        string
	opts      Options
	tracker   *retry.Tracker
	acquirer  Acquirer
	executor  Executor
	observers []Observer
	logger    *slog.Logger

	mu      sync.Mutex
	begun   bool
	running bool
	aborted bool
	runCtx  context.Context
	cancel  context.CancelFunc
}

// New creates a session. Call Begin before Run.
func New(acquirer Acquirer, executor Executor, opts Options) *Session {
	s := &Session{
		id:        opts.ID,
		opts:      opts,
		acquirer:  acquirer,
		executor:  executor,
		observers: opts.Observers,
		logger:    opts.Logger,
	}
	if s.id == "" {
		s.id = uuid.NewString()
	}
	if s.logger == nil {
		s.logger = slog.New(slog.DiscardHandler)
	}
	s.logger = s.logger.With(slog.String("session", s.id))

	trackerOpts := []retry.Option{
		retry.WithLogger(s.logger),
		retry.WithHooks(retry.Hooks{
			OnWait:     s.onWait,
			OnDecision: s.onDecision,
		}),
	}
	if opts.Transient != nil {
		trackerOpts = append(trackerOpts, retry.WithTransient(opts.Transient))
	}
	if opts.Clock != nil {
		trackerOpts = append(trackerOpts, retry.WithClock(opts.Clock))
	}
	s.tracker = retry.New(trackerOpts...)
	return s
}

// ID returns the session id used in logs and the journal.
func (s *Session) ID() string { return s.id }

// Tracker exposes the tracker for read-only diagnostics.
func (s *Session) Tracker() *retry.Tracker { return s.tracker }

// Begin initializes the tracker with the configured budget.
func (s *Session) Begin() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracker.Initialize(s.opts.MaxRetries, s.opts.TimeoutMS)
	s.begun = true
	s.aborted = false
	s.logger.Info("session begun",
		slog.Uint64("max_retries", uint64(s.opts.MaxRetries)),
		slog.Uint64("timeout_ms", uint64(s.opts.TimeoutMS)))
}

// Close aborts a running plan and uninitializes the tracker. It is
// idempotent.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
	if !s.begun {
		return
	}
	s.begun = false
	s.tracker.Uninitialize()
	s.logger.Info("session closed")
}

// Abort cancels the running plan, interrupting a pending retry pause. An
// abort before Run makes the next Run fail immediately.
func (s *Session) Abort() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.aborted = true
	if s.cancel != nil {
		s.cancel()
	}
}

// Run processes the plan package by package and returns what happened. The
// error is a *PackageError when a phase failed for good.
func (s *Session) Run(ctx context.Context, plan Plan) (Report, error) {
	report := Report{SessionID: s.id, Plan: plan.Name, Started: time.Now()}
	if err := plan.Validate(); err != nil {
		return report, err
	}

	s.mu.Lock()
	switch {
	case !s.begun:
		s.mu.Unlock()
		return report, shared.MarkKind(ErrNotBegun, shared.KindConflict)
	case s.running:
		s.mu.Unlock()
		return report, shared.MarkKind(ErrRunning, shared.KindConflict)
	}
	ctx, cancel := context.WithCancel(ctx)
	if s.aborted {
		cancel()
	}
	s.running = true
	s.runCtx = ctx
	s.cancel = cancel
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.runCtx = nil
		s.cancel = nil
		s.mu.Unlock()
		cancel()
	}()

	s.logger.Info("plan started", slog.String("plan", plan.Name), slog.Int("packages", len(plan.Packages)))
	err := s.runPlan(ctx, plan, &report)
	report.Finished = time.Now()
	if err != nil {
		s.logger.Error("plan failed", slog.String("plan", plan.Name), slog.Any("err", err))
		return report, err
	}
	s.logger.Info("plan finished", slog.String("plan", plan.Name), slog.Duration("took", report.Finished.Sub(report.Started)))
	return report, nil
}

func (s *Session) runPlan(ctx context.Context, plan Plan, report *Report) error {
	for _, pkg := range plan.Packages {
		pkgID := retry.Some(pkg.ID)
		for _, payload := range pkg.Payloads {
			res, err := s.runPhase(ctx, retry.Cache, pkgID, retry.Some(payload.ID), func(ctx context.Context) int32 {
				return s.acquirer.Acquire(ctx, pkg, payload)
			})
			report.Phases = append(report.Phases, res)
			if err != nil {
				return err
			}
		}
		res, err := s.runPhase(ctx, retry.Execute, pkgID, retry.None, func(ctx context.Context) int32 {
			return s.executor.Execute(ctx, pkg)
		})
		report.Phases = append(report.Phases, res)
		if err != nil {
			return err
		}
	}
	return nil
}

// runPhase drives one key through the tracker until it decides NoAction.
func (s *Session) runPhase(ctx context.Context, kind retry.Kind, pkg, payload retry.ID, op func(context.Context) int32) (PhaseResult, error) {
	res := PhaseResult{Kind: kind, Package: pkg, Payload: payload}
	start := time.Now()

	for {
		err := ctx.Err()
		tracked := res.Attempts > 0
		if err == nil {
			err = s.tracker.StartPackage(ctx, kind, pkg, payload)
			tracked = tracked || err != nil
		}
		if err != nil {
			cancelled := retry.ResultFromError(err)
			if tracked {
				// A Retry decision left the key tracked; settle it so the
				// tracker forgets it.
				s.tracker.ErrorOccurred(pkg, cancelled)
				s.tracker.EndPackage(kind, pkg, payload, cancelled)
			}
			if res.Attempts == 0 {
				res.Code = cancelled
			}
			res.Duration = time.Since(start)
			return res, &PackageError{Kind: kind, Package: pkg, Payload: payload, Code: res.Code, Attempts: res.Attempts, Err: err}
		}
		res.Attempts++

		code := op(ctx)
		res.Code = code
		if retry.Failed(code) {
			s.tracker.ErrorOccurred(pkg, code)
		}
		if s.tracker.EndPackage(kind, pkg, payload, code) == retry.NoAction {
			break
		}
	}

	res.Duration = time.Since(start)
	if retry.Succeeded(res.Code) {
		return res, nil
	}
	return res, &PackageError{Kind: kind, Package: pkg, Payload: payload, Code: res.Code, Attempts: res.Attempts, Err: ctx.Err()}
}

func (s *Session) hookContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runCtx == nil {
		return context.Background()
	}
	// Observers must still be able to record the decision that ends an
	// aborted run.
	return context.WithoutCancel(s.runCtx)
}

func (s *Session) onWait(key retry.Key, state retry.State, d time.Duration) {
	if len(s.observers) == 0 {
		return
	}
	ctx := s.hookContext()
	ev := WaitEvent{SessionID: s.id, Key: key, State: state, Wait: d}
	for _, o := range s.observers {
		o.ObserveWait(ctx, ev)
	}
}

func (s *Session) onDecision(key retry.Key, state retry.State, code int32, d retry.Decision) {
	if len(s.observers) == 0 {
		return
	}
	ctx := s.hookContext()
	ev := DecisionEvent{
		SessionID: s.id,
		Key:       key,
		State:     state,
		Code:      code,
		Decision:  d,
		Tracked:   s.tracker.Len(),
		At:        time.Now(),
	}
	for _, o := range s.observers {
		o.ObserveDecision(ctx, ev)
	}
}

// PackageError reports a phase that failed after exhausting its retries or
// with a code that is not retried.
type PackageError struct {
	Kind     retry.Kind
	Package  retry.ID
	Payload  retry.ID
	Code     int32
	Attempts int
	// Err is the context error when the run was aborted.
	Err error
}

func (e *PackageError) Error() string {
	msg := fmt.Sprintf("package %s: %s failed with %s after %d attempt(s)",
		e.Package, e.Kind, retry.FormatCode(e.Code), e.Attempts)
	if !e.Payload.IsNone() {
		msg = fmt.Sprintf("package %s: %s of payload %s failed with %s after %d attempt(s)",
			e.Package, e.Kind, e.Payload, retry.FormatCode(e.Code), e.Attempts)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *PackageError) Unwrap() error { return e.Err }

// PhaseResult is the outcome of one phase.
type PhaseResult struct {
	Kind     retry.Kind    `json:"kind"`
	Package  retry.ID      `json:"package"`
	Payload  retry.ID      `json:"payload"`
	Attempts int           `json:"attempts"`
	Code     int32         `json:"code"`
	Duration time.Duration `json:"duration"`
}

// Succeeded reports whether the phase ended with a success code.
func (r PhaseResult) Succeeded() bool { return retry.Succeeded(r.Code) }

// Report summarises a Run.
type Report struct {
	SessionID string        `json:"session_id"`
	Plan      string        `json:"plan"`
	Started   time.Time     `json:"started"`
	Finished  time.Time     `json:"finished"`
	Phases    []PhaseResult `json:"phases"`
}

// Retries returns the number of attempts beyond the first, over all phases.
func (r Report) Retries() int {
	n := 0
	for _, p := range r.Phases {
		if p.Attempts > 1 {
			n += p.Attempts - 1
		}
	}
	return n
}

// Succeeded reports whether every recorded phase succeeded.
func (r Report) Succeeded() bool {
	for _, p := range r.Phases {
		if !p.Succeeded() {
			return false
		}
	}
	return len(r.Phases) > 0
}
