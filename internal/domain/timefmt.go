package domain

import (
	"fmt"
	"math"
	"time"
)

// FormatRemaining renders minutes for display, e.g. "1h 30m" or "1 hr 30 min"
func FormatRemaining(minutes int, short bool) string {
	if minutes <= 0 {
		if short {
			return "0m"
		}
		return "0 min"
	}

	if minutes < 60 {
		if short {
			return fmt.Sprintf("%dm", minutes)
		}
		return fmt.Sprintf("%d min", minutes)
	}

	hours, mins := minutes/60, minutes%60
	switch {
	case mins == 0 && short:
		return fmt.Sprintf("%dh", hours)
	case mins == 0:
		return fmt.Sprintf("%d hr", hours)
	case short:
		return fmt.Sprintf("%dh %dm", hours, mins)
	default:
		return fmt.Sprintf("%d hr %d min", hours, mins)
	}
}

// RemainingMinutes rounds the time left until expiresAt up to whole minutes
func RemainingMinutes(expiresAt *time.Time, now time.Time) int {
	if expiresAt == nil {
		return 0
	}
	left := expiresAt.Sub(now)
	if left <= 0 {
		return 0
	}
	return int(math.Ceil(left.Minutes()))
}
