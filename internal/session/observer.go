package session

import (
	"context"
	"log/slog"
	"time"

	"bundleretry/internal/journal"
	"bundleretry/internal/metrics"
	"bundleretry/pkg/retry"
)

// WaitEvent is emitted before a retry pause.
type WaitEvent struct {
	SessionID string
	Key       retry.Key
	State     retry.State
	Wait      time.Duration
}

// DecisionEvent is emitted for every EndPackage decision.
type DecisionEvent struct {
	SessionID string
	Key       retry.Key
	State     retry.State
	Code      int32
	Decision  retry.Decision
	// Tracked is the number of keys still tracked after the decision.
	Tracked int
	At      time.Time
}

// Observer receives tracker events. Implementations must not block for long;
// they run on the installing goroutine.
type Observer interface {
	ObserveWait(ctx context.Context, ev WaitEvent)
	ObserveDecision(ctx context.Context, ev DecisionEvent)
}

// LogObserver writes one structured line per event.
type LogObserver struct {
	Logger *slog.Logger
}

func (o LogObserver) ObserveWait(ctx context.Context, ev WaitEvent) {
	o.Logger.InfoContext(ctx, "retrying",
		slog.String("kind", ev.Key.Kind.String()),
		slog.String("package", ev.Key.Package.String()),
		slog.String("payload", ev.Key.Payload.String()),
		slog.Int("attempt", ev.State.Attempts+1),
		slog.String("last_error", retry.FormatCode(ev.State.LastError)),
		slog.Duration("wait", ev.Wait))
}

func (o LogObserver) ObserveDecision(ctx context.Context, ev DecisionEvent) {
	level := slog.LevelDebug
	if ev.Decision == retry.NoAction && retry.Failed(ev.Code) {
		level = slog.LevelWarn
	}
	o.Logger.Log(ctx, level, "retry decision",
		slog.String("kind", ev.Key.Kind.String()),
		slog.String("package", ev.Key.Package.String()),
		slog.String("payload", ev.Key.Payload.String()),
		slog.Int("attempts", ev.State.Attempts),
		slog.String("code", retry.FormatCode(ev.Code)),
		slog.String("decision", ev.Decision.String()),
		slog.Int("tracked", ev.Tracked))
}

// MetricsObserver feeds the retry collectors.
type MetricsObserver struct {
	Metrics *metrics.Retry
}

func (o MetricsObserver) ObserveWait(_ context.Context, ev WaitEvent) {
	o.Metrics.ObserveWait(ev.Key.Kind, ev.Wait)
}

func (o MetricsObserver) ObserveDecision(_ context.Context, ev DecisionEvent) {
	o.Metrics.ObserveDecision(ev.Key.Kind, ev.Decision)
}

// JournalObserver appends every decision to a journal. Write failures are
// logged and otherwise ignored.
type JournalObserver struct {
	Store   journal.Store
	Logger  *slog.Logger
	Timeout time.Duration
}

func (o JournalObserver) ObserveWait(context.Context, WaitEvent) {}

func (o JournalObserver) ObserveDecision(ctx context.Context, ev DecisionEvent) {
	timeout := o.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := o.Store.Record(ctx, journal.Record{
		SessionID: ev.SessionID,
		Key:       ev.Key,
		Attempts:  ev.State.Attempts,
		ErrorCode: ev.Code,
		Decision:  ev.Decision,
		DecidedAt: ev.At,
	})
	if err != nil && o.Logger != nil {
		o.Logger.WarnContext(ctx, "journal write failed",
			slog.String("key", ev.Key.String()),
			slog.Any("err", err))
	}
}
