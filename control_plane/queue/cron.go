package queue

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/itskum47/agentforge/control_plane/resilience"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// RepeatRule describes a recurring schedule.
type RepeatRule struct {
	Cron     string     `json:"cron"`
	Timezone string     `json:"timezone,omitempty"`
	StartAt  *time.Time `json:"start_at,omitempty"`
	EndAt    *time.Time `json:"end_at,omitempty"`
}

// Validate parses the expression and timezone.
func (r RepeatRule) Validate() error {
	_, _, err := r.schedule()
	return err
}

func (r RepeatRule) schedule() (cron.Schedule, *time.Location, error) {
	sched, err := cronParser.Parse(r.Cron)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: cron %q: %v", resilience.ErrInvalidSchedule, r.Cron, err)
	}
	loc := time.UTC
	if r.Timezone != "" {
		loc, err = time.LoadLocation(r.Timezone)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: timezone %q: %v", resilience.ErrInvalidSchedule, r.Timezone, err)
		}
	}
	return sched, loc, nil
}

// NextRun returns the first fire time strictly after from, honoring
// StartAt and EndAt. ok is false when the schedule has ended.
func (r RepeatRule) NextRun(from time.Time) (next time.Time, ok bool, err error) {
	sched, loc, err := r.schedule()
	if err != nil {
		return time.Time{}, false, err
	}
	base := from
	if r.StartAt != nil && r.StartAt.After(base) {
		base = r.StartAt.Add(-time.Second)
	}
	next = sched.Next(base.In(loc))
	if next.IsZero() {
		return time.Time{}, false, nil
	}
	if r.EndAt != nil && next.After(*r.EndAt) {
		return time.Time{}, false, nil
	}
	return next.UTC(), true, nil
}
