// Package poller resolves which of several candidate page states a page has
// reached. Every tick evaluates each probe once, in declared order, against the
// single shared page; the first probe that reports present wins.
package poller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/course-sniper/internal/page"
)

// DefaultInterval is the pause between ticks.
const DefaultInterval = 100 * time.Millisecond

// ErrDeadlineExceeded is returned when no probe matched before the deadline
// and no probe reported a driver error along the way.
var ErrDeadlineExceeded = errors.New("deadline exceeded before any probe matched")

// Probe is one candidate signal for "the page has reached state Outcome".
type Probe[O any] struct {
	Name string
	// Present reports whether the state is visible right now. Returning
	// page.ErrNotPresent is equivalent to returning false.
	Present func(ctx context.Context) (bool, error)
	Outcome O
}

// Result identifies the winning probe.
type Result[O any] struct {
	Name    string
	Index   int
	Outcome O
	Ticks   int
	Elapsed time.Duration
}

// DriverError carries a probe error that was not a plain absence.
type DriverError struct {
	Probe string
	Err   error
}

func (e *DriverError) Error() string {
	return fmt.Sprintf("probe %q: %v", e.Probe, e.Err)
}

func (e *DriverError) Unwrap() error { return e.Err }

type settings struct {
	interval   time.Duration
	logger     *zap.Logger
	beforeTick func(ctx context.Context)
}

// Option configures a single Until call.
type Option func(*settings)

// WithInterval overrides DefaultInterval.
func WithInterval(d time.Duration) Option {
	return func(s *settings) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithLogger sets the logger used for tick diagnostics.
func WithLogger(l *zap.Logger) Option {
	return func(s *settings) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithBeforeTick registers a best-effort hook that runs at the start of every
// tick, before the probes. It cannot influence the result.
func WithBeforeTick(fn func(ctx context.Context)) Option {
	return func(s *settings) { s.beforeTick = fn }
}

// Until evaluates probes every tick until one reports present or timeout
// elapses, measured from the call. The deadline is checked at the top of each
// tick, never mid-tick, so a tick that started in time always finishes.
//
// Errors:
//   - fatal driver errors (see page.IsFatal) end the poll immediately as a *DriverError;
//   - other probe errors are remembered, and the most recent one is returned as a
//     *DriverError at the deadline instead of ErrDeadlineExceeded;
//   - cancellation of ctx is returned as is.
func Until[O any](ctx context.Context, timeout time.Duration, probes []Probe[O], opts ...Option) (Result[O], error) {
	s := settings{interval: DefaultInterval, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&s)
	}

	var zero Result[O]
	if len(probes) == 0 {
		return zero, fmt.Errorf("poller: no probes declared")
	}

	start := time.Now()
	deadline := start.Add(timeout)
	limiter := rate.NewLimiter(rate.Every(s.interval), 1)
	var lastErr *DriverError

	for tick := 1; ; tick++ {
		if err := pace(ctx, limiter, deadline); err != nil {
			return zero, err
		}

		if !time.Now().Before(deadline) {
			if lastErr != nil {
				s.logger.Debug("Deadline reached with a pending driver error.", zap.Int("ticks", tick-1), zap.Error(lastErr))
				return zero, lastErr
			}
			return zero, fmt.Errorf("after %s: %w", timeout, ErrDeadlineExceeded)
		}

		if s.beforeTick != nil {
			s.beforeTick(ctx)
		}

		for i, p := range probes {
			present, err := p.Present(ctx)
			switch {
			case err == nil && present:
				res := Result[O]{Name: p.Name, Index: i, Outcome: p.Outcome, Ticks: tick, Elapsed: time.Since(start)}
				s.logger.Debug("Probe matched.", zap.String("probe", p.Name), zap.Int("ticks", tick), zap.Duration("elapsed", res.Elapsed))
				return res, nil
			case err == nil, errors.Is(err, page.ErrNotPresent):
				continue
			case ctx.Err() != nil:
				return zero, ctx.Err()
			case page.IsFatal(err):
				return zero, &DriverError{Probe: p.Name, Err: err}
			default:
				lastErr = &DriverError{Probe: p.Name, Err: err}
			}
		}
	}
}

// pace blocks until the limiter grants the next tick, but never past deadline.
// The first tick is granted immediately.
func pace(ctx context.Context, limiter *rate.Limiter, deadline time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	delay := limiter.Reserve().Delay()
	if remaining := time.Until(deadline); remaining < delay {
		delay = remaining
	}
	if delay <= 0 {
		return nil
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Element builds a probe that is present when selector matches on p.
func Element[O any](p page.Page, name, selector string, outcome O) Probe[O] {
	return Probe[O]{
		Name:    name,
		Outcome: outcome,
		Present: func(ctx context.Context) (bool, error) {
			_, err := p.Locate(ctx, selector)
			if err != nil {
				return false, err
			}
			return true, nil
		},
	}
}

// WaitFor polls a single selector until it matches and returns the element.
func WaitFor(ctx context.Context, p page.Page, selector string, timeout time.Duration, opts ...Option) (page.Element, error) {
	var found page.Element
	probe := Probe[struct{}]{
		Name: selector,
		Present: func(ctx context.Context) (bool, error) {
			el, err := p.Locate(ctx, selector)
			if err != nil {
				return false, err
			}
			found = el
			return true, nil
		},
	}
	if _, err := Until(ctx, timeout, []Probe[struct{}]{probe}, opts...); err != nil {
		return nil, fmt.Errorf("waiting for %q: %w", selector, err)
	}
	return found, nil
}

// WaitForAll polls selector until at least atLeast elements match and returns all of them.
func WaitForAll(ctx context.Context, p page.Page, selector string, atLeast int, timeout time.Duration, opts ...Option) ([]page.Element, error) {
	if atLeast < 1 {
		atLeast = 1
	}
	var found []page.Element
	probe := Probe[struct{}]{
		Name: selector,
		Present: func(ctx context.Context) (bool, error) {
			els, err := p.LocateAll(ctx, selector)
			if err != nil {
				return false, err
			}
			if len(els) < atLeast {
				return false, nil
			}
			found = els
			return true, nil
		},
	}
	if _, err := Until(ctx, timeout, []Probe[struct{}]{probe}, opts...); err != nil {
		return nil, fmt.Errorf("waiting for %d x %q: %w", atLeast, selector, err)
	}
	return found, nil
}
