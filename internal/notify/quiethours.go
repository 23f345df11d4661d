package notify

import (
	"fmt"
	"time"
)

// parseClock parses HH:MM into minutes after midnight.
func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not HH:MM", ErrInvalidPreferences, s)
	}
	return t.Hour()*60 + t.Minute(), nil
}

func minuteOfDay(t time.Time) int {
	return t.Hour()*60 + t.Minute()
}

// Contains reports whether now falls inside the window, at minute resolution.
// Both ends are inclusive, so the end minute itself is quiet and NextEnd
// resumes delivery at end+1m. A window whose start equals its end covers
// that single minute. Invalid or disabled windows contain nothing.
func (q QuietHours) Contains(now time.Time) bool {
	if !q.Enabled {
		return false
	}
	start, err := parseClock(q.Start)
	if err != nil {
		return false
	}
	end, err := parseClock(q.End)
	if err != nil {
		return false
	}

	m := minuteOfDay(now)
	if start <= end {
		return m >= start && m <= end
	}
	return m >= start || m <= end
}

// NextEnd returns when a notification deferred at now may be delivered:
// quiet_hours.end plus one minute, the first minute Contains reports as
// outside the window. It is today's end if that is still ahead of now,
// otherwise tomorrow's. The result is in now's location.
func (q QuietHours) NextEnd(now time.Time) time.Time {
	end, err := parseClock(q.End)
	if err != nil {
		return now
	}

	y, mo, d := now.Date()
	// The end minute itself is inside the window, so delivery resumes one minute later.
	candidate := time.Date(y, mo, d, end/60, end%60, 0, 0, now.Location()).Add(time.Minute)
	if !candidate.After(now) {
		candidate = time.Date(y, mo, d+1, end/60, end%60, 0, 0, now.Location()).Add(time.Minute)
	}
	return candidate
}
