package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Sub-second @every schedules are rounded up to one second by cron, so
// tests that need quick executions use RunNow.
const never = "0 0 0 1 1 *"

func newScheduler(t *testing.T) *Scheduler {
	t.Helper()
	s := New(context.Background(), Config{Logger: slog.New(slog.DiscardHandler)})
	t.Cleanup(func() { _ = s.StopContext(context.Background()) })
	return s
}

func waitForAtLeast(t *testing.T, counter *int64, expected int64, timeout time.Duration) {
	t.Helper()
	require.Eventually(t, func() bool {
		return atomic.LoadInt64(counter) >= expected
	}, timeout, 10*time.Millisecond, "counter did not reach %d", expected)
}

func ensureNoIncrement(t *testing.T, counter *int64, baseline int64, d time.Duration) {
	t.Helper()
	assert.Never(t, func() bool {
		return atomic.LoadInt64(counter) > baseline
	}, d, 10*time.Millisecond, "counter increased")
}

func counting(counter *int64) JobFunc {
	return func(context.Context) error {
		atomic.AddInt64(counter, 1)
		return nil
	}
}

func TestScheduler_New(t *testing.T) {
	s := New(context.Background(), Config{})
	assert.NotNil(t, s.cron)
	assert.NotNil(t, s.logger)
	assert.NoError(t, s.ctx.Err())
}

func TestScheduler_AddCronJob(t *testing.T) {
	s := newScheduler(t)

	var counter int64
	_, err := s.AddCronJob("@every 1s", counting(&counter), JobOptions{Name: "tick"})
	require.NoError(t, err)
	s.Start()

	waitForAtLeast(t, &counter, 1, 3*time.Second)
}

func TestScheduler_AddCronJobInvalidSchedule(t *testing.T) {
	s := newScheduler(t)

	_, err := s.AddCronJob("invalid schedule", counting(new(int64)), JobOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `schedule "invalid schedule"`)

	// Five-field specs lack the seconds field.
	_, err = s.AddCronJob("0 * * * *", counting(new(int64)), JobOptions{})
	assert.Error(t, err)
}

func TestScheduler_RunNow(t *testing.T) {
	s := newScheduler(t)

	var counter int64
	id, err := s.AddCronJob(never, counting(&counter), JobOptions{})
	require.NoError(t, err)
	s.Start()

	assert.True(t, s.RunNow(id))
	waitForAtLeast(t, &counter, 1, time.Second)
	assert.True(t, s.RunNow(id))
	waitForAtLeast(t, &counter, 2, time.Second)

	assert.False(t, s.RunNow(id+100), "unknown id")
	require.NoError(t, s.StopContext(context.Background()))
	assert.False(t, s.RunNow(id), "stopped scheduler")
}

func TestScheduler_JobErrorsAndPanicsAreContained(t *testing.T) {
	s := newScheduler(t)

	var runs int64
	failing, err := s.AddCronJob(never, func(context.Context) error {
		atomic.AddInt64(&runs, 1)
		return errors.New("boom")
	}, JobOptions{Name: "failing"})
	require.NoError(t, err)
	panicking, err := s.AddCronJob(never, func(context.Context) error {
		atomic.AddInt64(&runs, 1)
		panic("boom")
	}, JobOptions{Name: "panicking"})
	require.NoError(t, err)
	s.Start()

	s.RunNow(failing)
	s.RunNow(panicking)
	waitForAtLeast(t, &runs, 2, time.Second)

	// Both jobs stay schedulable.
	require.Eventually(t, func() bool {
		s.RunNow(failing)
		s.RunNow(panicking)
		return atomic.LoadInt64(&runs) >= 4
	}, time.Second, 20*time.Millisecond)
}

func TestScheduler_JobWithTimeout(t *testing.T) {
	s := newScheduler(t)

	result := make(chan error, 1)
	id, err := s.AddCronJob(never, func(ctx context.Context) error {
		select {
		case <-time.After(5 * time.Second):
			result <- nil
		case <-ctx.Done():
			result <- ctx.Err()
		}
		return nil
	}, JobOptions{Name: "timeout", Timeout: 50 * time.Millisecond})
	require.NoError(t, err)
	s.Start()
	s.RunNow(id)

	select {
	case err := <-result:
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout was not applied")
	}
}

func TestScheduler_SkipsWhileRunning(t *testing.T) {
	s := newScheduler(t)

	var runs, concurrent int64
	release := make(chan struct{})
	id, err := s.AddCronJob(never, func(context.Context) error {
		atomic.AddInt64(&runs, 1)
		assert.LessOrEqual(t, atomic.AddInt64(&concurrent, 1), int64(1), "overlapping execution")
		defer atomic.AddInt64(&concurrent, -1)
		<-release
		return nil
	}, JobOptions{Name: "skip"})
	require.NoError(t, err)
	s.Start()

	s.RunNow(id)
	waitForAtLeast(t, &runs, 1, time.Second)
	s.RunNow(id)
	s.RunNow(id)
	ensureNoIncrement(t, &runs, 1, 100*time.Millisecond)

	close(release)
	require.Eventually(t, func() bool { return atomic.LoadInt64(&concurrent) == 0 }, time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		s.RunNow(id)
		return atomic.LoadInt64(&runs) >= 2
	}, time.Second, 20*time.Millisecond)
}

func TestScheduler_StopIsIdempotent(t *testing.T) {
	s := New(context.Background(), Config{})
	s.Start()
	s.Start()
	require.NoError(t, s.StopContext(context.Background()))
	require.NoError(t, s.StopContext(context.Background()))
	assert.Error(t, s.ctx.Err())
}

func TestScheduler_ParentContext(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	s := New(parent, Config{})
	s.Start()

	var counter int64
	id, err := s.AddCronJob(never, counting(&counter), JobOptions{})
	require.NoError(t, err)

	cancel()
	require.Eventually(t, func() bool { return !s.RunNow(id) }, time.Second, 10*time.Millisecond)
}

func TestScheduler_StopContextTimeout(t *testing.T) {
	s := New(context.Background(), Config{})

	var active int64
	id, err := s.AddCronJob(never, func(ctx context.Context) error {
		atomic.AddInt64(&active, 1)
		<-ctx.Done()
		// Slow cleanup after cancellation.
		time.Sleep(100 * time.Millisecond)
		return ctx.Err()
	}, JobOptions{})
	require.NoError(t, err)
	s.Start()
	s.RunNow(id)
	waitForAtLeast(t, &active, 1, time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, s.StopContext(ctx), context.DeadlineExceeded)
	assert.False(t, s.RunNow(id))
}

func TestCronLogger_KeyValues(t *testing.T) {
	attrs := kvAttrs([]any{"entry", 1, 2, "x", "dangling"})
	require.Len(t, attrs, 2)
	assert.Equal(t, "entry", attrs[0].Key)
	assert.Equal(t, "2", attrs[1].Key)
	assert.Equal(t, "x", attrs[1].Value.String())
}
