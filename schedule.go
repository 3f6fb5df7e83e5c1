package compose

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Schedule is a parsed scheduled-restart expression: a time of day and an
// optional set of weekdays (0=Monday .. 6=Sunday).
type Schedule struct {
	Hour   int
	Minute int
	// Weekdays is nil when every day matches
	Weekdays []int
}

// ParseCron parses "HH:MM" or "HH:MM@d0,d1,...". Weekday entries that are
// not digits or are out of range are dropped; if none remain the schedule
// applies every day.
func ParseCron(expr string) (Schedule, error) {
	if strings.TrimSpace(expr) == "" {
		return Schedule{}, fmt.Errorf("%w: empty", ErrInvalidCron)
	}

	timePart, dayPart, _ := strings.Cut(expr, "@")
	hm := strings.Split(strings.TrimSpace(timePart), ":")
	if len(hm) < 2 {
		return Schedule{}, fmt.Errorf("%w: %q", ErrInvalidCron, expr)
	}
	h, err := strconv.Atoi(strings.TrimSpace(hm[0]))
	if err != nil {
		return Schedule{}, fmt.Errorf("%w: %q", ErrInvalidCron, expr)
	}
	m, err := strconv.Atoi(strings.TrimSpace(hm[1]))
	if err != nil {
		return Schedule{}, fmt.Errorf("%w: %q", ErrInvalidCron, expr)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return Schedule{}, fmt.Errorf("%w: %q out of range", ErrInvalidCron, expr)
	}

	s := Schedule{Hour: h, Minute: m}
	for _, d := range strings.Split(dayPart, ",") {
		d = strings.TrimSpace(d)
		if d == "" || !isDigits(d) {
			continue
		}
		n, err := strconv.Atoi(d)
		if err != nil || n < 0 || n > 6 {
			continue
		}
		s.Weekdays = append(s.Weekdays, n)
	}
	return s, nil
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// Weekday converts a time.Weekday to the 0=Monday numbering.
func Weekday(d time.Weekday) int {
	return (int(d) + 6) % 7
}

// MatchesDay reports whether t's weekday is allowed.
func (s Schedule) MatchesDay(t time.Time) bool {
	if len(s.Weekdays) == 0 {
		return true
	}
	wd := Weekday(t.Weekday())
	for _, d := range s.Weekdays {
		if d == wd {
			return true
		}
	}
	return false
}

// Matches reports whether t falls in the scheduled minute on an allowed day.
func (s Schedule) Matches(t time.Time) bool {
	return t.Hour() == s.Hour && t.Minute() == s.Minute && s.MatchesDay(t)
}

// Next returns the first scheduled moment strictly after now, scanning at
// most a week ahead.
func (s Schedule) Next(now time.Time) (time.Time, bool) {
	today := time.Date(now.Year(), now.Month(), now.Day(), s.Hour, s.Minute, 0, 0, now.Location())
	for offset := 0; offset < 8; offset++ {
		candidate := today.AddDate(0, 0, offset)
		if offset == 0 && !candidate.After(now) {
			continue
		}
		if !s.MatchesDay(candidate) {
			continue
		}
		return candidate, true
	}
	return time.Time{}, false
}

// ShouldRestart reports whether a scheduled restart is due at now: the
// policy is enabled, its expression parses, now is in the scheduled minute
// on an allowed day, and the last restart is not within ScheduleDedupWindow.
func ShouldRestart(sr *ScheduledRestart, now time.Time) bool {
	if sr == nil || !sr.Enabled {
		return false
	}
	sched, err := ParseCron(sr.Cron)
	if err != nil || !sched.Matches(now) {
		return false
	}
	if last, ok := sr.LastRestartTime(); ok && now.Sub(last) < ScheduleDedupWindow {
		return false
	}
	return true
}

// NextRestart returns the next time the policy fires, for display.
func NextRestart(sr *ScheduledRestart, now time.Time) (time.Time, bool) {
	if sr == nil || !sr.Enabled || sr.Cron == "" {
		return time.Time{}, false
	}
	sched, err := ParseCron(sr.Cron)
	if err != nil {
		return time.Time{}, false
	}
	return sched.Next(now)
}
