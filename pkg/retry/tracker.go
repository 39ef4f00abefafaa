package retry

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/coder/quartz"
)

// Config is the retry budget of a tracker.
type Config struct {
	// MaxRetries is the number of retries allowed after the first failure.
	MaxRetries uint32
	// Timeout is the pause applied before each retry.
	Timeout time.Duration
}

// WaitFunc blocks for d or until ctx is done.
type WaitFunc func(ctx context.Context, d time.Duration) error

// Hooks are optional callbacks for observability. They run synchronously
// after the tracker lock is released.
type Hooks struct {
	// OnWait is called before the retry pause of StartPackage.
	OnWait func(key Key, state State, d time.Duration)
	// OnDecision is called with the state EndPackage decided on.
	OnDecision func(key Key, state State, code int32, decision Decision)
}

// Tracker records attempts per key and decides whether failures are retried.
// A Tracker is safe for concurrent use; the zero value is not, use New.
type Tracker struct {
	mu          sync.Mutex
	cfg         Config
	initialized bool
	entries     map[Key]*State
	active      map[ID]Key

	clock     quartz.Clock
	wait      WaitFunc
	transient TransientFunc
	hooks     Hooks
	logger    *slog.Logger
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock sets the clock used by the default wait.
func WithClock(clock quartz.Clock) Option {
	return func(t *Tracker) {
		t.clock = clock
	}
}

// WithWait replaces the retry pause entirely.
func WithWait(wait WaitFunc) Option {
	return func(t *Tracker) {
		t.wait = wait
	}
}

// WithTransient sets the transient-error classifier.
func WithTransient(fn TransientFunc) Option {
	return func(t *Tracker) {
		t.transient = fn
	}
}

// WithHooks sets observability hooks.
func WithHooks(h Hooks) Option {
	return func(t *Tracker) {
		t.hooks = h
	}
}

// WithLogger sets the logger used for debug traces.
func WithLogger(l *slog.Logger) Option {
	return func(t *Tracker) {
		t.logger = l
	}
}

// New creates an uninitialized tracker. Until Initialize is called the
// budget is zero: nothing is retried and no pause is applied.
func New(opts ...Option) *Tracker {
	t := &Tracker{
		entries:   make(map[Key]*State),
		active:    make(map[ID]Key),
		clock:     quartz.NewReal(),
		transient: DefaultTransient,
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.wait == nil {
		t.wait = t.sleep
	}
	if t.transient == nil {
		t.transient = DefaultTransient
	}
	if t.logger == nil {
		t.logger = slog.New(slog.DiscardHandler)
	}
	return t
}

// Initialize sets the retry budget. Calling it again overwrites the previous
// budget; tracked entries are kept.
func (t *Tracker) Initialize(maxRetries, timeoutMilliseconds uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.cfg = Config{
		MaxRetries: maxRetries,
		Timeout:    time.Duration(timeoutMilliseconds) * time.Millisecond,
	}
	t.initialized = true
	t.logger.Debug("retry tracker initialized",
		slog.Uint64("max_retries", uint64(maxRetries)),
		slog.Duration("timeout", t.cfg.Timeout))
}

// Uninitialize clears all entries and the budget. It is idempotent.
func (t *Tracker) Uninitialize() {
	t.mu.Lock()
	defer t.mu.Unlock()

	clear(t.entries)
	clear(t.active)
	t.cfg = Config{}
	t.initialized = false
}

// Config returns the current budget and whether Initialize has been called.
func (t *Tracker) Config() (Config, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cfg, t.initialized
}

// StartPackage marks the start of an attempt. For a key that already failed
// (Attempts > 0) it waits the configured timeout before returning; otherwise
// it starts tracking the key and returns immediately. The only error is the
// context error when ctx is done during the wait.
func (t *Tracker) StartPackage(ctx context.Context, kind Kind, packageID, payloadID ID) error {
	key := Key{Kind: kind, Package: packageID, Payload: payloadID}

	t.mu.Lock()
	state, ok := t.entries[key]
	if !ok {
		state = &State{}
		t.entries[key] = state
	}
	t.active[packageID] = key
	snapshot := *state
	timeout := t.cfg.Timeout
	t.mu.Unlock()

	if snapshot.Attempts == 0 {
		return nil
	}

	t.logger.Debug("waiting before retry",
		slog.String("key", key.String()),
		slog.Int("attempt", snapshot.Attempts),
		slog.Duration("timeout", timeout))
	if t.hooks.OnWait != nil {
		t.hooks.OnWait(key, snapshot, timeout)
	}
	if timeout <= 0 {
		return nil
	}
	return t.wait(ctx, timeout)
}

// ErrorOccurred records code against the key most recently started for
// packageID and counts the attempt as failed. It never decides; calls for a
// package with no started key are ignored.
func (t *Tracker) ErrorOccurred(packageID ID, code int32) {
	t.mu.Lock()
	defer t.mu.Unlock()

	key, ok := t.active[packageID]
	if !ok {
		t.logger.Debug("error for untracked package ignored",
			slog.String("package", packageID.String()),
			slog.String("code", FormatCode(code)))
		return
	}
	state := t.entries[key]
	state.LastError = code
	// Saturate one past the budget; that is enough to refuse further retries.
	if uint64(state.Attempts) <= uint64(t.cfg.MaxRetries) {
		state.Attempts++
	}
}

// EndPackage decides whether the attempt that just finished with code should
// be retried. Retry requires a recorded failure, an unexhausted budget and a
// transient code. Any other outcome clears the key.
func (t *Tracker) EndPackage(kind Kind, packageID, payloadID ID, code int32) Decision {
	key := Key{Kind: kind, Package: packageID, Payload: payloadID}

	t.mu.Lock()
	var snapshot State
	decision := NoAction
	if state, ok := t.entries[key]; ok {
		snapshot = *state
		if state.Attempts > 0 &&
			uint64(state.Attempts) <= uint64(t.cfg.MaxRetries) &&
			Failed(code) && t.transient(code) {
			decision = Retry
		}
	}
	if decision == NoAction {
		delete(t.entries, key)
		if active, ok := t.active[packageID]; ok && active == key {
			delete(t.active, packageID)
		}
	}
	t.mu.Unlock()

	t.logger.Debug("retry decision",
		slog.String("key", key.String()),
		slog.Int("attempts", snapshot.Attempts),
		slog.String("code", FormatCode(code)),
		slog.String("decision", decision.String()))
	if t.hooks.OnDecision != nil {
		t.hooks.OnDecision(key, snapshot, code, decision)
	}
	return decision
}

// Lookup returns the state of key, if tracked.
func (t *Tracker) Lookup(key Key) (State, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	state, ok := t.entries[key]
	if !ok {
		return State{}, false
	}
	return *state, true
}

// Len returns the number of tracked keys.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Snapshot returns a copy of all entries ordered by key.
func (t *Tracker) Snapshot() []Entry {
	t.mu.Lock()
	out := make([]Entry, 0, len(t.entries))
	for k, s := range t.entries {
		out = append(out, Entry{Key: k, State: *s})
	}
	t.mu.Unlock()

	slices.SortFunc(out, func(a, b Entry) int { return compareKey(a.Key, b.Key) })
	return out
}

// sleep is the default WaitFunc.
func (t *Tracker) sleep(ctx context.Context, d time.Duration) error {
	timer := t.clock.NewTimer(d, "retry", "wait")
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
