package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeClock starts at a fixed instant and advances through Sleep instead of
// waiting, recording every sleep duration.
type fakeClock struct {
	now    time.Time
	sleeps []time.Duration
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	return ctx.Err()
}

type dayRecorder struct {
	calls []string
}

func (r *dayRecorder) mark(name string) func(context.Context, string) error {
	return func(_ context.Context, contestID string) error {
		r.calls = append(r.calls, name+":"+contestID)
		return nil
	}
}

func newDayOrchestrator(t *testing.T, rec *dayRecorder, clock *fakeClock, active, recent, all []string) *Orchestrator {
	t.Helper()
	loc, err := time.LoadLocation("Asia/Tokyo")
	require.NoError(t, err)

	o := New(Steps{
		Participate:        rec.mark("participate"),
		SyncTasks:          rec.mark("tasks"),
		SyncEditorials:     rec.mark("editorials"),
		SyncUserEditorials: rec.mark("user"),
		Publish: func(_ context.Context, message string) error {
			rec.calls = append(rec.calls, "publish:"+message)
			return nil
		},
		ActiveContests: func(context.Context) ([]string, error) { return active, nil },
		RecentContests: func(_ context.Context, n int) ([]string, error) {
			if n < len(recent) {
				return recent[:n], nil
			}
			return recent, nil
		},
		AllContests:     func(context.Context) ([]string, error) { return all, nil },
		ContestDuration: func(_ context.Context, _ string) (int, error) { return 90, nil },
	}, loc, zap.NewNop().Sugar())
	o.Now = clock.Now
	o.Sleep = clock.Sleep
	return o
}

// jst builds an Asia/Tokyo timestamp for the given date and time.
func jst(t *testing.T, year int, month time.Month, day, hour, min int) time.Time {
	t.Helper()
	loc, err := time.LoadLocation("Asia/Tokyo")
	require.NoError(t, err)
	return time.Date(year, month, day, hour, min, 0, 0, loc)
}

func TestRunDay_FullSequence(t *testing.T) {
	rec := &dayRecorder{}
	// The 7th of the month, so the user-editorial phase runs.
	clock := &fakeClock{now: jst(t, 2026, time.January, 7, 19, 0)}
	recent := []string{"omc122", "omc121", "omc120"}
	all := []string{"omc122", "omc121", "omc120", "omc003", "omc002", "omc001"}
	o := newDayOrchestrator(t, rec, clock, []string{"omc123"}, recent, all)

	require.NoError(t, o.RunDay(context.Background()))

	require.GreaterOrEqual(t, len(rec.calls), 5)
	assert.Equal(t, []string{
		"participate:omc123",
		"tasks:omc123",
		"publish:Add contest tasks",
		"editorials:omc123",
		"publish:Add contest editorials",
	}, rec.calls[:5])

	assert.Contains(t, rec.calls, "tasks:omc122")
	assert.Contains(t, rec.calls, "editorials:omc120")
	assert.Contains(t, rec.calls, "publish:Backfill recent contests")

	// The weekly crawl walks the full site listing, not just the
	// backfill window.
	for _, id := range all {
		assert.Contains(t, rec.calls, "user:"+id)
	}

	// Gates: 19:00->20:00, 20:00->21:00, then the 90 minute contest.
	require.Len(t, clock.sleeps, 3)
	assert.Equal(t, time.Hour, clock.sleeps[0])
	assert.Equal(t, time.Hour, clock.sleeps[1])
	assert.Equal(t, 90*time.Minute, clock.sleeps[2])
}

func TestRunDay_UserEditorialGateUsesDayOfMonth(t *testing.T) {
	// Feb 14: day-of-month 14 is divisible by 7, day-of-year 45 is not.
	rec := &dayRecorder{}
	clock := &fakeClock{now: jst(t, 2026, time.February, 14, 22, 30)}
	o := newDayOrchestrator(t, rec, clock, nil, nil, []string{"omc050"})

	require.NoError(t, o.RunDay(context.Background()))
	assert.Contains(t, rec.calls, "user:omc050")

	// Feb 15 skips it again.
	rec = &dayRecorder{}
	clock = &fakeClock{now: jst(t, 2026, time.February, 15, 22, 30)}
	o = newDayOrchestrator(t, rec, clock, nil, nil, []string{"omc050"})

	require.NoError(t, o.RunDay(context.Background()))
	assert.NotContains(t, rec.calls, "user:omc050")
}

func TestRunDay_GatesSkippedWhenPast(t *testing.T) {
	rec := &dayRecorder{}
	// Started after both gates: no wall-clock waits, phases run immediately.
	clock := &fakeClock{now: jst(t, 2026, time.January, 8, 22, 30)}
	o := newDayOrchestrator(t, rec, clock, []string{"omc123"}, nil, []string{"omc123"})

	require.NoError(t, o.RunDay(context.Background()))

	require.NotEmpty(t, clock.sleeps)
	assert.Equal(t, 90*time.Minute, clock.sleeps[0], "only the contest-duration sleep remains")
	assert.Contains(t, rec.calls, "participate:omc123")
	assert.Contains(t, rec.calls, "tasks:omc123")
	assert.NotContains(t, rec.calls, "user:omc123", "day 8 skips the user-editorial crawl")
}

func TestRunDay_NoActiveContest(t *testing.T) {
	rec := &dayRecorder{}
	clock := &fakeClock{now: jst(t, 2026, time.January, 8, 22, 0)}
	o := newDayOrchestrator(t, rec, clock, nil, []string{"omc122"}, nil)

	require.NoError(t, o.RunDay(context.Background()))

	assert.Empty(t, clock.sleeps, "no contest means no duration sleep")
	assert.NotContains(t, rec.calls, "publish:Add contest editorials")
	assert.Contains(t, rec.calls, "tasks:omc122", "backfill still runs")
}

func TestRunDay_StepFailuresDoNotAbort(t *testing.T) {
	loc, err := time.LoadLocation("Asia/Tokyo")
	require.NoError(t, err)
	clock := &fakeClock{now: jst(t, 2026, time.January, 8, 22, 0)}

	var editorialRan bool
	o := New(Steps{
		SyncTasks: func(context.Context, string) error { return errors.New("boom") },
		SyncEditorials: func(context.Context, string) error {
			editorialRan = true
			return nil
		},
		ActiveContests: func(context.Context) ([]string, error) { return []string{"omc123"}, nil },
	}, loc, zap.NewNop().Sugar())
	o.Now = clock.Now
	o.Sleep = clock.Sleep

	require.NoError(t, o.RunDay(context.Background()))
	assert.True(t, editorialRan, "a failing phase must not stop the day")
}

func TestRunDay_CancelledContext(t *testing.T) {
	rec := &dayRecorder{}
	clock := &fakeClock{now: jst(t, 2026, time.January, 8, 19, 0)}
	o := newDayOrchestrator(t, rec, clock, []string{"omc123"}, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := o.RunDay(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, rec.calls)
}
