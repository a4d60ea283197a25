package trigger

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// fakeClock advances by step on every Now and by d on every Sleep.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	step   time.Duration
	sleeps []time.Duration
	reads  int
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reads++
	now := c.now
	c.now = c.now.Add(c.step)
	return now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	return nil
}

func at(h, m, s int) time.Time {
	return time.Date(2024, time.November, 4, h, m, s, 0, time.Local)
}

func TestParseTarget(t *testing.T) {
	tests := []struct {
		in      string
		want    Target
		wantErr bool
	}{
		{in: "09:30 PM", want: Target{Hour: 9, Minute: 30, PM: true}},
		{in: "9:05am", want: Target{Hour: 9, Minute: 5}},
		{in: "12:00 am", want: Target{Hour: 12, Minute: 0}},
		{in: " 12:59 PM ", want: Target{Hour: 12, Minute: 59, PM: true}},
		{in: "13:00 PM", wantErr: true},
		{in: "9:60 AM", wantErr: true},
		{in: "21:30", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseTarget(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTarget_Hour24(t *testing.T) {
	assert.Equal(t, 0, Target{Hour: 12}.Hour24())
	assert.Equal(t, 12, Target{Hour: 12, PM: true}.Hour24())
	assert.Equal(t, 9, Target{Hour: 9}.Hour24())
	assert.Equal(t, 21, Target{Hour: 9, PM: true}.Hour24())
	assert.Equal(t, "07:00 PM", Target{Hour: 7, PM: true}.String())
}

func TestTarget_Next(t *testing.T) {
	target := Target{Hour: 8, Minute: 0}
	assert.Equal(t, at(8, 0, 0), target.Next(at(7, 59, 55)), "later today")
	assert.Equal(t, at(8, 0, 0), target.Next(at(8, 0, 30)), "minute still running")
	assert.Equal(t, at(8, 0, 0).AddDate(0, 0, 1), target.Next(at(8, 1, 0)), "rolls to tomorrow")
}

func TestWait_FiresAtMinuteStartNeverBefore(t *testing.T) {
	// A minute-0 target whose fine window starts in the previous hour.
	clock := &fakeClock{now: at(8, 58, 30), step: 3 * time.Millisecond}
	tr := New(4*time.Second, 10*time.Second, WithClock(clock), WithLogger(zaptest.NewLogger(t)))

	fired, err := tr.Wait(context.Background(), Target{Hour: 9, Minute: 0})
	require.NoError(t, err)

	target := at(9, 0, 0)
	assert.False(t, fired.Before(target), "fired %s before %s", fired, target)
	assert.Less(t, fired.Sub(target), 10*time.Millisecond)

	for _, d := range clock.sleeps {
		assert.LessOrEqual(t, d, 4*time.Second)
	}
	// The final coarse sleep ends exactly at the fine window.
	assert.Greater(t, clock.reads, len(clock.sleeps)+1, "fine phase polls the clock")
}

func TestWait_MidnightAndNoon(t *testing.T) {
	clock := &fakeClock{now: at(23, 59, 45), step: time.Millisecond}
	tr := New(4*time.Second, 10*time.Second, WithClock(clock))

	fired, err := tr.Wait(context.Background(), Target{Hour: 12, Minute: 0})
	require.NoError(t, err)
	assert.Equal(t, 0, fired.Hour())
	assert.Equal(t, 5, fired.Day())

	clock = &fakeClock{now: at(11, 59, 58), step: time.Millisecond}
	tr = New(4*time.Second, 10*time.Second, WithClock(clock))
	fired, err = tr.Wait(context.Background(), Target{Hour: 12, Minute: 0, PM: true})
	require.NoError(t, err)
	assert.Equal(t, 12, fired.Hour())
	assert.Empty(t, clock.sleeps, "already inside the fine window")
}

func TestWait_LateStartFiresImmediately(t *testing.T) {
	clock := &fakeClock{now: at(10, 15, 20)}
	tr := New(4*time.Second, 10*time.Second, WithClock(clock), WithLogger(zaptest.NewLogger(t)))

	fired, err := tr.Wait(context.Background(), Target{Hour: 10, Minute: 15})
	require.NoError(t, err)
	assert.Equal(t, at(10, 15, 20), fired)
	assert.Empty(t, clock.sleeps)
}

func TestWait_Cancelled(t *testing.T) {
	clock := &fakeClock{now: at(6, 0, 0)}
	tr := New(4*time.Second, 10*time.Second, WithClock(clock))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := tr.Wait(ctx, Target{Hour: 7, Minute: 0})
	require.ErrorIs(t, err, context.Canceled)
}

func TestSystemClock_SleepHonoursContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := SystemClock.Sleep(ctx, time.Minute)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}
