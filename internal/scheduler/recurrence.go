package scheduler

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// MisfireError is a malformed recurrence spec, rejected at enable/update
// time.
type MisfireError struct {
	Reason string
}

func (e MisfireError) Error() string {
	return fmt.Sprintf("invalid recurrence: %s", e.Reason)
}

// Recurrence types.
const (
	RecurInterval = "interval"
	RecurDaily    = "daily"
	RecurWeekly   = "weekly"
)

// Recurrence is the schedule definition stored on a job row.
type Recurrence struct {
	Type         string   `json:"type" enum:"interval,daily,weekly"`
	EveryMinutes int      `json:"every_minutes,omitempty"`
	At           string   `json:"at,omitempty"`
	Days         []string `json:"days,omitempty"`
}

var weekdays = map[string]time.Weekday{
	"SUN": time.Sunday, "MON": time.Monday, "TUE": time.Tuesday, "WED": time.Wednesday,
	"THU": time.Thursday, "FRI": time.Friday, "SAT": time.Saturday,
}

// ParseRecurrence decodes and validates a recurrence spec.
func ParseRecurrence(raw string) (Recurrence, error) {
	var r Recurrence
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return r, MisfireError{Reason: err.Error()}
	}
	return r, r.Validate()
}

func (r Recurrence) Validate() error {
	switch r.Type {
	case RecurInterval:
		if r.EveryMinutes < 1 {
			return MisfireError{Reason: "interval requires every_minutes >= 1"}
		}
	case RecurDaily:
		if _, _, err := parseAt(r.At); err != nil {
			return err
		}
	case RecurWeekly:
		if _, _, err := parseAt(r.At); err != nil {
			return err
		}
		if len(r.Days) == 0 {
			return MisfireError{Reason: "weekly requires at least one day"}
		}
		for _, d := range r.Days {
			if _, ok := weekdays[strings.ToUpper(d)]; !ok {
				return MisfireError{Reason: fmt.Sprintf("unknown day %q", d)}
			}
		}
	default:
		return MisfireError{Reason: fmt.Sprintf("unknown type %q", r.Type)}
	}
	return nil
}

func parseAt(at string) (int, int, error) {
	var h, m int
	if _, err := fmt.Sscanf(at, "%d:%d", &h, &m); err != nil {
		return 0, 0, MisfireError{Reason: fmt.Sprintf("invalid time of day %q", at)}
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, 0, MisfireError{Reason: fmt.Sprintf("invalid time of day %q", at)}
	}
	return h, m, nil
}

// NextRun returns the next due time strictly after now. Computing from now
// rather than the previous slot gives the catch-up-once policy: a run
// missed by any number of periods yields exactly one next run in the
// future, never a backlog.
func (r Recurrence) NextRun(now time.Time) time.Time {
	now = now.UTC()
	switch r.Type {
	case RecurInterval:
		return now.Add(time.Duration(r.EveryMinutes) * time.Minute)
	case RecurDaily:
		h, m, _ := parseAt(r.At)
		next := time.Date(now.Year(), now.Month(), now.Day(), h, m, 0, 0, time.UTC)
		if !next.After(now) {
			next = next.AddDate(0, 0, 1)
		}
		return next
	case RecurWeekly:
		h, m, _ := parseAt(r.At)
		days := make(map[time.Weekday]bool, len(r.Days))
		for _, d := range r.Days {
			days[weekdays[strings.ToUpper(d)]] = true
		}
		for offset := 0; offset <= 7; offset++ {
			day := now.AddDate(0, 0, offset)
			if !days[day.Weekday()] {
				continue
			}
			next := time.Date(day.Year(), day.Month(), day.Day(), h, m, 0, 0, time.UTC)
			if next.After(now) {
				return next
			}
		}
	}
	return time.Time{}
}
