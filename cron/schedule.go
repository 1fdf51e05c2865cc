package cron

import (
	"fmt"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/embermedia/conductor"
)

// parser accepts standard 5-field cron expressions, an optional leading
// seconds field, and descriptors like "@every 30s".
var parser = cronlib.NewParser(
	cronlib.SecondOptional | cronlib.Minute | cronlib.Hour | cronlib.Dom |
		cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// ParseSchedule validates a cron expression. Invalid expressions are
// rejected at registration with conductor.ErrInvalidCron.
func ParseSchedule(expr string) (cronlib.Schedule, error) {
	sched, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", conductor.ErrInvalidCron, expr, err)
	}
	return sched, nil
}

// Next computes the fire time after now for expr, evaluated in loc.
func Next(expr string, now time.Time, loc *time.Location) (time.Time, error) {
	sched, err := ParseSchedule(expr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(now.In(loc)), nil
}
