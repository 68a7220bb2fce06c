package message

import (
	"time"
)

// Cooldown reasons.
const (
	ReasonMinInterval    = "min_interval_not_met"
	ReasonHourCapReached = "max_per_session_hour_reached"
	ReasonDayCapReached  = "max_per_session_day_reached"
)

// CheckCooldown inspects a session's outbound history (unix ms timestamps)
// against the minimum interval and the hourly and daily caps. Returns false
// with a reason when the send must be held back. Zero limits disable the
// corresponding check.
func CheckCooldown(history []int64, now time.Time, minIntervalSecs, maxPerHour, maxPerDay int) (bool, string) {
	if len(history) == 0 {
		return true, ""
	}

	if minIntervalSecs > 0 {
		last := time.UnixMilli(history[len(history)-1])
		if now.Sub(last) < time.Duration(minIntervalSecs)*time.Second {
			return false, ReasonMinInterval
		}
	}

	if maxPerHour > 0 {
		cutoff := now.Add(-time.Hour).UnixMilli()
		if countSince(history, cutoff) >= maxPerHour {
			return false, ReasonHourCapReached
		}
	}

	if maxPerDay > 0 {
		cutoff := now.Add(-24 * time.Hour).UnixMilli()
		if countSince(history, cutoff) >= maxPerDay {
			return false, ReasonDayCapReached
		}
	}
	return true, ""
}

func countSince(history []int64, cutoffMs int64) int {
	n := 0
	for _, ts := range history {
		if ts >= cutoffMs {
			n++
		}
	}
	return n
}
