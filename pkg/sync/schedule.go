package sync

import (
	"time"

	"github.com/robfig/cron"
)

// DefaultPollInterval between dev server sync passes.
const DefaultPollInterval = 5 * time.Second

// fixedInterval is a cron schedule firing every interval after the previous
// activation. Unlike "@every" it keeps sub-second precision.
type fixedInterval time.Duration

var _ cron.Schedule = fixedInterval(0)

func (f fixedInterval) Next(t time.Time) time.Time {
	return t.Add(time.Duration(f))
}

func newPoller(interval time.Duration, tick func()) *cron.Cron {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	c := cron.New()
	c.Schedule(fixedInterval(interval), cron.FuncJob(tick))
	return c
}
