// Package orchestrator sequences the daily mirroring workflow: participate
// in the evening's contests, translate the statements once the contest
// opens, fetch editorials after it ends, then backfill recent contests.
// Every phase failure is logged and the day continues; a missed phase is
// picked up by a later run because the pipeline is idempotent.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Phase gate times, wall clock in the contest site's timezone.
const (
	participateHour = 20
	translateHour   = 21
)

// backfillDepth is how many recent contests each daily run re-checks, so a
// contest whose editorials appeared late is not missed forever.
const backfillDepth = 3

// userEditorialPeriodDays spaces out the expensive user-editorial crawl.
const userEditorialPeriodDays = 7

// Steps are the delegated operations of one day. Each returns an error that
// the orchestrator logs and swallows; nil funcs are skipped.
type Steps struct {
	// Participate registers the account in a contest before it starts.
	Participate func(ctx context.Context, contestID string) error
	// SyncTasks mirrors the task statements of a contest.
	SyncTasks func(ctx context.Context, contestID string) error
	// SyncEditorials mirrors the official editorials of a contest.
	SyncEditorials func(ctx context.Context, contestID string) error
	// SyncUserEditorials mirrors user-submitted editorials of a contest.
	SyncUserEditorials func(ctx context.Context, contestID string) error
	// Publish commits and pushes everything pending under the cache root.
	Publish func(ctx context.Context, message string) error

	// ActiveContests lists contests currently marked as running.
	ActiveContests func(ctx context.Context) ([]string, error)
	// RecentContests lists ended contests, most recent first.
	RecentContests func(ctx context.Context, n int) ([]string, error)
	// AllContests lists every contest on the site, for the weekly
	// user-editorial crawl.
	AllContests func(ctx context.Context) ([]string, error)
	// ContestDuration reports a contest's length in minutes.
	ContestDuration func(ctx context.Context, contestID string) (int, error)
}

// Orchestrator drives Steps through the day's time gates. Now and Sleep are
// injectable so tests run the whole day in microseconds.
type Orchestrator struct {
	Steps    Steps
	Log      *zap.SugaredLogger
	Location *time.Location

	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

// New builds an Orchestrator with the real clock and the given timezone.
func New(steps Steps, loc *time.Location, log *zap.SugaredLogger) *Orchestrator {
	return &Orchestrator{
		Steps:    steps,
		Log:      log,
		Location: loc,
		Now:      time.Now,
		Sleep:    sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// RunDay executes one full day: wait for the participation window and join
// every active contest, wait for the translation window and mirror the
// running contests' tasks, sleep out each contest's duration and mirror its
// editorials, then backfill the most recent ended contests. On days of the
// month divisible by seven the user-editorial crawl runs over every contest
// on the site.
func (o *Orchestrator) RunDay(ctx context.Context) error {
	if err := o.waitUntil(ctx, participateHour, 0); err != nil {
		return err
	}
	contests := o.active(ctx)
	for _, id := range contests {
		o.step(ctx, "participate", id, o.Steps.Participate)
	}

	if err := o.waitUntil(ctx, translateHour, 0); err != nil {
		return err
	}
	// The listing may have changed between the gates.
	contests = o.active(ctx)
	longest := 0
	for _, id := range contests {
		o.step(ctx, "sync tasks", id, o.Steps.SyncTasks)
		if d := o.duration(ctx, id); d > longest {
			longest = d
		}
	}
	o.publish(ctx, "Add contest tasks")

	if len(contests) > 0 {
		o.Log.Infow("waiting for contest end", "minutes", longest)
		if err := o.Sleep(ctx, time.Duration(longest)*time.Minute); err != nil {
			return err
		}
		for _, id := range contests {
			o.step(ctx, "sync editorials", id, o.Steps.SyncEditorials)
		}
		o.publish(ctx, "Add contest editorials")
	}

	recent := o.recent(ctx, backfillDepth)
	for _, id := range recent {
		o.step(ctx, "backfill tasks", id, o.Steps.SyncTasks)
		o.step(ctx, "backfill editorials", id, o.Steps.SyncEditorials)
	}
	o.publish(ctx, "Backfill recent contests")

	// Day of month, so the crawl lands on the 7th/14th/21st/28th.
	if o.Now().In(o.Location).Day()%userEditorialPeriodDays == 0 {
		for _, id := range o.all(ctx) {
			o.step(ctx, "sync user editorials", id, o.Steps.SyncUserEditorials)
		}
	}
	return ctx.Err()
}

// Daemon schedules RunDay daily, shortly before the participation window,
// and blocks until the context is cancelled.
func (o *Orchestrator) Daemon(ctx context.Context) error {
	c := cron.New(cron.WithLocation(o.Location))
	spec := fmt.Sprintf("%d %d * * *", 50, participateHour-1)
	_, err := c.AddFunc(spec, func() {
		if err := o.RunDay(ctx); err != nil {
			o.Log.Warnw("daily run aborted", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("failed to schedule daily run: %w", err)
	}
	o.Log.Infow("daemon scheduled", "cron", spec, "tz", o.Location.String())
	c.Start()
	<-ctx.Done()
	stopped := c.Stop()
	<-stopped.Done()
	return ctx.Err()
}

// waitUntil sleeps until the next h:m wall clock today; if that moment has
// already passed, it proceeds immediately.
func (o *Orchestrator) waitUntil(ctx context.Context, hour, min int) error {
	now := o.Now().In(o.Location)
	target := time.Date(now.Year(), now.Month(), now.Day(), hour, min, 0, 0, o.Location)
	if !now.Before(target) {
		return nil
	}
	o.Log.Infow("waiting for phase gate", "at", target.Format("15:04"), "sleep", target.Sub(now).Round(time.Second))
	return o.Sleep(ctx, target.Sub(now))
}

// step runs one delegated operation, logging and swallowing its failure.
func (o *Orchestrator) step(ctx context.Context, name, contestID string, fn func(context.Context, string) error) {
	if fn == nil || ctx.Err() != nil {
		return
	}
	o.Log.Infow("phase step", "step", name, "contest", contestID)
	if err := fn(ctx, contestID); err != nil {
		o.Log.Warnw("phase step failed, continuing", "step", name, "contest", contestID, "error", err)
	}
}

func (o *Orchestrator) publish(ctx context.Context, message string) {
	if o.Steps.Publish == nil || ctx.Err() != nil {
		return
	}
	if err := o.Steps.Publish(ctx, message); err != nil {
		o.Log.Warnw("publish failed, continuing", "message", message, "error", err)
	}
}

func (o *Orchestrator) active(ctx context.Context) []string {
	if o.Steps.ActiveContests == nil {
		return nil
	}
	ids, err := o.Steps.ActiveContests(ctx)
	if err != nil {
		o.Log.Warnw("active contest listing failed", "error", err)
		return nil
	}
	return ids
}

func (o *Orchestrator) recent(ctx context.Context, n int) []string {
	if o.Steps.RecentContests == nil {
		return nil
	}
	ids, err := o.Steps.RecentContests(ctx, n)
	if err != nil {
		o.Log.Warnw("recent contest listing failed", "error", err)
		return nil
	}
	return ids
}

func (o *Orchestrator) all(ctx context.Context) []string {
	if o.Steps.AllContests == nil {
		return nil
	}
	ids, err := o.Steps.AllContests(ctx)
	if err != nil {
		o.Log.Warnw("full contest listing failed", "error", err)
		return nil
	}
	return ids
}

func (o *Orchestrator) duration(ctx context.Context, contestID string) int {
	const fallback = 60
	if o.Steps.ContestDuration == nil {
		return fallback
	}
	d, err := o.Steps.ContestDuration(ctx, contestID)
	if err != nil || d <= 0 {
		o.Log.Warnw("contest duration unavailable, using default", "contest", contestID, "error", err)
		return fallback
	}
	return d
}
