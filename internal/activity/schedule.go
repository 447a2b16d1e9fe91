package activity

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/cbrain/controlplane/internal/models"
)

const (
	// MaxScheduleAhead bounds how far in the future a start time may be.
	MaxScheduleAhead = 6 * 30 * 24 * time.Hour

	minRepeatMinutes = 10
	maxRepeatMinutes = 7 * 24 * 60

	// MinRetryDelay is the smallest pause before an automatic retry.
	MinRetryDelay = 60 * time.Second
)

var (
	startDateRE = regexp.MustCompile(`^(\d{4}-\d{2}-\d{2}|\d{2}/\d{2}/\d{4})$`)
	hourRE      = regexp.MustCompile(`^([01]?\d|2[0-3])$`)
	minuteRE    = regexp.MustCompile(`^[0-5]?\d$`)
	repeatRE    = regexp.MustCompile(`^(?:one_shot|start\+(\d+)|(tomorrow|monday|tuesday|wednesday|thursday|friday|saturday|sunday)@([01]\d|2[0-3]):([0-5]\d))$`)
)

var weekdays = map[string]time.Weekday{
	"sunday": time.Sunday, "monday": time.Monday, "tuesday": time.Tuesday, "wednesday": time.Wednesday,
	"thursday": time.Thursday, "friday": time.Friday, "saturday": time.Saturday,
}

// ParseStart combines a date ("YYYY-MM-DD" or "MM/DD/YYYY"), an hour and a
// minute into a time in loc.
func ParseStart(date, hour, minute string, loc *time.Location) (time.Time, error) {
	date, hour, minute = strings.TrimSpace(date), strings.TrimSpace(hour), strings.TrimSpace(minute)
	if !startDateRE.MatchString(date) || !hourRE.MatchString(hour) || !minuteRE.MatchString(minute) {
		return time.Time{}, fmt.Errorf("unparsable start %q %q:%q", date, hour, minute)
	}
	layout := "2006-01-02"
	if strings.Contains(date, "/") {
		layout = "01/02/2006"
	}
	d, err := time.ParseInLocation(layout, date, loc)
	if err != nil {
		return time.Time{}, err
	}
	h, _ := strconv.Atoi(hour)
	m, _ := strconv.Atoi(minute)
	return time.Date(d.Year(), d.Month(), d.Day(), h, m, 0, 0, loc), nil
}

// NormalizeRepeat turns form input into a stored repeat pattern: blank means
// one_shot, and a trailing "@" gets the HH:MM from hour and minute. A blank or
// non-numeric hour or minute leaves the "@" dangling so ValidateRepeat
// rejects the pattern.
func NormalizeRepeat(repeat, hour, minute string) string {
	repeat = strings.ToLower(strings.TrimSpace(repeat))
	if repeat == "" {
		return models.RepeatOneShot
	}
	if strings.HasSuffix(repeat, "@") {
		h, herr := strconv.Atoi(strings.TrimSpace(hour))
		m, merr := strconv.Atoi(strings.TrimSpace(minute))
		if herr != nil || merr != nil || h < 0 || m < 0 {
			return repeat
		}
		repeat += fmt.Sprintf("%02d:%02d", h, m)
	}
	return repeat
}

// ValidateRepeat reports why a repeat pattern is unacceptable, or "".
func ValidateRepeat(repeat string) string {
	sm := repeatRE.FindStringSubmatch(repeat)
	if sm == nil {
		return "is not a valid repeat pattern"
	}
	if sm[1] != "" {
		n, err := strconv.Atoi(sm[1])
		if err != nil || n < minRepeatMinutes || n > maxRepeatMinutes {
			return fmt.Sprintf("interval must be between %d and %d minutes", minRepeatMinutes, maxRepeatMinutes)
		}
	}
	return ""
}

// NextStart returns the first occurrence of repeat strictly after now, counted
// from prev in whole periods so the cadence never drifts and missed periods
// are skipped rather than replayed.
func NextStart(repeat string, prev, now time.Time, loc *time.Location) (time.Time, error) {
	sm := repeatRE.FindStringSubmatch(repeat)
	if sm == nil || repeat == models.RepeatOneShot {
		return time.Time{}, fmt.Errorf("repeat %q has no next occurrence", repeat)
	}

	if sm[1] != "" {
		n, _ := strconv.Atoi(sm[1])
		step := time.Duration(n) * time.Minute
		next := prev.Add(step)
		if !next.After(now) {
			periods := now.Sub(prev)/step + 1
			next = prev.Add(periods * step)
		}
		return next, nil
	}

	h, _ := strconv.Atoi(sm[3])
	m, _ := strconv.Atoi(sm[4])
	p := prev.In(loc)
	at := func(t time.Time) time.Time {
		return time.Date(t.Year(), t.Month(), t.Day(), h, m, 0, 0, loc)
	}

	if sm[2] == "tomorrow" {
		next := at(p.AddDate(0, 0, 1))
		for !next.After(now) {
			next = at(next.AddDate(0, 0, 1))
		}
		return next, nil
	}

	want := weekdays[sm[2]]
	days := (int(want) - int(p.Weekday()) + 7) % 7
	if days == 0 {
		days = 7
	}
	next := at(p.AddDate(0, 0, days))
	for !next.After(now) {
		next = at(next.AddDate(0, 0, 7))
	}
	return next, nil
}
