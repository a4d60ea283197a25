// Package trigger fires the enrollment at a wall-clock registration minute.
package trigger

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Target is a registration minute on a 12-hour clock.
type Target struct {
	Hour   int // 1..12
	Minute int // 0..59
	PM     bool
}

// ParseTarget reads forms like "9:30 AM", "09:30PM" and "12:00 pm".
func ParseTarget(s string) (Target, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	var (
		t   time.Time
		err error
	)
	for _, layout := range []string{"3:04 PM", "3:04PM"} {
		if t, err = time.Parse(layout, s); err == nil {
			break
		}
	}
	if err != nil {
		return Target{}, fmt.Errorf("invalid registration time %q: expected HH:MM AM or HH:MM PM", s)
	}
	h := t.Hour() % 12
	if h == 0 {
		h = 12
	}
	return Target{Hour: h, Minute: t.Minute(), PM: t.Hour() >= 12}, nil
}

// Hour24 maps 12 AM to 0, 12 PM to 12 and adds twelve to every other PM hour.
func (t Target) Hour24() int {
	h := t.Hour % 12
	if t.PM {
		h += 12
	}
	return h
}

func (t Target) String() string {
	suffix := "AM"
	if t.PM {
		suffix = "PM"
	}
	return fmt.Sprintf("%02d:%02d %s", t.Hour, t.Minute, suffix)
}

// Next returns the start of the registration minute relative to now. A minute
// that is currently running is returned as is; one that has fully passed rolls
// over to the next day.
func (t Target) Next(now time.Time) time.Time {
	y, m, d := now.Date()
	at := time.Date(y, m, d, t.Hour24(), t.Minute, 0, 0, now.Location())
	if now.Before(at.Add(time.Minute)) {
		return at
	}
	return time.Date(y, m, d+1, t.Hour24(), t.Minute, 0, 0, now.Location())
}

// Clock abstracts wall time so the trigger can be driven in tests.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// SystemClock is the real wall clock.
var SystemClock Clock = systemClock{}

// Trigger waits for a Target in two phases: coarse sleeps until the fine
// window opens, then a tight poll of the clock until the minute begins.
type Trigger struct {
	clock  Clock
	coarse time.Duration
	fine   time.Duration
	logger *zap.Logger
}

// Option configures a Trigger.
type Option func(*Trigger)

// WithClock replaces the wall clock.
func WithClock(c Clock) Option { return func(t *Trigger) { t.clock = c } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(t *Trigger) { t.logger = l } }

// New creates a trigger sleeping at most coarse at a time and switching to
// tight polling fine before the target.
func New(coarse, fine time.Duration, opts ...Option) *Trigger {
	t := &Trigger{clock: SystemClock, coarse: coarse, fine: fine, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Wait blocks until the registration minute starts and returns the instant it
// fired. It never fires before the minute starts.
func (tr *Trigger) Wait(ctx context.Context, target Target) (time.Time, error) {
	now := tr.clock.Now()
	at := target.Next(now)
	if !now.Before(at) {
		tr.logger.Warn("Registration minute is already running, firing now.",
			zap.Stringer("target", target), zap.Duration("late_by", now.Sub(at)))
		return now, nil
	}
	tr.logger.Info("Waiting for registration time.", zap.Stringer("target", target), zap.Time("at", at))

	fineStart := at.Add(-tr.fine)
	for {
		now = tr.clock.Now()
		if !now.Before(fineStart) {
			break
		}
		if err := tr.clock.Sleep(ctx, min(tr.coarse, fineStart.Sub(now))); err != nil {
			return time.Time{}, err
		}
	}

	tr.logger.Debug("Fine window open.", zap.Duration("remaining", at.Sub(now)))
	for now.Before(at) {
		if err := ctx.Err(); err != nil {
			return time.Time{}, err
		}
		runtime.Gosched()
		now = tr.clock.Now()
	}
	return now, nil
}
