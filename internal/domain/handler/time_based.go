package handler

import (
	"context"
	"fmt"
	"time"

	"github.com/Sentinel-Gate/credgate/internal/domain/policy"
)

// TimeBasedHandler restricts operations to a day/time window evaluated in
// the policy's timezone, never the host's local time.
type TimeBasedHandler struct{}

// Type implements Handler.
func (h *TimeBasedHandler) Type() policy.Type { return policy.TypeTimeBased }

// Compile implements Handler.
func (h *TimeBasedHandler) Compile(_ policy.Policy, cfg policy.Config) (Rule, error) {
	c, err := configAs[policy.TimeBasedConfig](cfg)
	if err != nil {
		return nil, err
	}
	loc, err := c.Location()
	if err != nil {
		return nil, err
	}
	r := &timeBasedRule{loc: loc, startMin: -1, endMin: -1}
	if len(c.DaysOfWeek) > 0 {
		r.days = make(map[time.Weekday]bool, len(c.DaysOfWeek))
		for _, d := range c.DaysOfWeek {
			wd, ok := policy.ParseWeekday(d)
			if !ok {
				return nil, fmt.Errorf("invalid day %q", d)
			}
			r.days[wd] = true
		}
	}
	if len(c.HoursOfDay) > 0 {
		r.hours = make(map[int]bool, len(c.HoursOfDay))
		for _, hr := range c.HoursOfDay {
			r.hours[hr] = true
		}
	}
	if c.StartTime != "" {
		if r.startMin, err = policy.ParseClock(c.StartTime); err != nil {
			return nil, err
		}
		if r.endMin, err = policy.ParseClock(c.EndTime); err != nil {
			return nil, err
		}
	}
	return r, nil
}

type timeBasedRule struct {
	loc      *time.Location
	days     map[time.Weekday]bool
	hours    map[int]bool
	startMin int
	endMin   int
}

// inWindow reports whether minute-of-day m falls in [start, end).
// A start after end wraps past midnight.
func (r *timeBasedRule) inWindow(m int) bool {
	if r.startMin <= r.endMin {
		return m >= r.startMin && m < r.endMin
	}
	return m >= r.startMin || m < r.endMin
}

func (r *timeBasedRule) Evaluate(_ context.Context, in Input) (Result, error) {
	local := in.Now.In(r.loc)
	stamp := local.Format("Mon 15:04 MST")

	if r.days != nil && !r.days[local.Weekday()] {
		return deny(fmt.Sprintf("%s is outside the allowed days", stamp)), nil
	}
	if r.hours != nil && !r.hours[local.Hour()] {
		return deny(fmt.Sprintf("%s is outside the allowed hours", stamp)), nil
	}
	if r.startMin >= 0 && !r.inWindow(local.Hour()*60+local.Minute()) {
		return deny(fmt.Sprintf("%s is outside the window %s-%s", stamp, clock(r.startMin), clock(r.endMin))), nil
	}
	return allow(fmt.Sprintf("%s is inside the allowed window", stamp)), nil
}

func clock(m int) string {
	return fmt.Sprintf("%02d:%02d", m/60, m%60)
}
