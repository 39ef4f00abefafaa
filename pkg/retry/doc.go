// Package retry tracks install and cache attempts of bundle packages and
// decides whether a failed attempt should be retried.
//
// Key Features:
//   - Per (kind, package, payload) attempt counters
//   - Bounded retry budget with a fixed pause before each retry
//   - Configurable transient-error classification
//   - Cancellable, injectable wait (quartz clock or custom WaitFunc)
//   - Observability hooks (OnWait, OnDecision)
//
// A caller drives one attempt of a package operation like this:
//
//	tracker := retry.New()
//	tracker.Initialize(3, 500)
//	defer tracker.Uninitialize()
//
//	for {
//	    if err := tracker.StartPackage(ctx, retry.Execute, retry.Some("pkgA"), retry.None); err != nil {
//	        return err // ctx canceled during the retry pause
//	    }
//	    code := install(ctx)
//	    if retry.Failed(code) {
//	        tracker.ErrorOccurred(retry.Some("pkgA"), code)
//	    }
//	    if tracker.EndPackage(retry.Execute, retry.Some("pkgA"), retry.None, code) != retry.Retry {
//	        return code
//	    }
//	}
//
// The tracker never fails on its own: decisions are returned as values and the
// caller owns the retried operation. StartPackage returns an error only when
// its context is canceled while waiting.
//
// Testing:
//
//	mock := quartz.NewMock(t)
//	tracker := retry.New(retry.WithClock(mock))
//
// or replace the pause entirely:
//
//	tracker := retry.New(retry.WithWait(func(ctx context.Context, d time.Duration) error {
//	    return nil
//	}))
package retry
