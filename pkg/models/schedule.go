package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrInvalidSchedule is returned when a scheduled trigger cannot be parsed.
var ErrInvalidSchedule = errors.New("invalid schedule configuration")

// maxSlotsPerWindow bounds how many slots a single sweep window may yield,
// so a long outage does not fan out thousands of runs at once.
const maxSlotsPerWindow = 1000

var scheduleParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule parses a five-field cron expression (or a descriptor such as
// @daily) evaluated in the given IANA timezone. An empty timezone means UTC.
func ParseSchedule(expression, timezone string) (cron.Schedule, error) {
	schedule, err := scheduleParser.Parse(expression)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSchedule, err)
	}

	if timezone == "" {
		return schedule, nil
	}

	location, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("%w: unknown timezone %q", ErrInvalidSchedule, timezone)
	}

	if spec, ok := schedule.(*cron.SpecSchedule); ok {
		spec.Location = location
	}

	return schedule, nil
}

// Slots returns every scheduled slot in the half-open window (from, to].
func (c ScheduledConfig) Slots(from, to time.Time) ([]time.Time, error) {
	schedule, err := ParseSchedule(c.Schedule, c.Timezone)
	if err != nil {
		return nil, err
	}

	var slots []time.Time

	for next := schedule.Next(from); !next.IsZero() && !next.After(to); next = schedule.Next(next) {
		slots = append(slots, next.UTC())
		if len(slots) >= maxSlotsPerWindow {
			break
		}
	}

	return slots, nil
}

// NextSlot returns the first slot strictly after reference.
func (c ScheduledConfig) NextSlot(reference time.Time) (time.Time, error) {
	schedule, err := ParseSchedule(c.Schedule, c.Timezone)
	if err != nil {
		return time.Time{}, err
	}

	return schedule.Next(reference).UTC(), nil
}

// ContactFilter returns the filter selecting the contacts each slot runs against.
func (c ScheduledConfig) ContactFilter() ContactFilter {
	return ContactFilter{Status: ContactStatus(c.ContactStatus), Tag: c.ContactTag}
}
