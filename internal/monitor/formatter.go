package monitor

import (
	"fmt"
	"time"
)

// FormatElapsed formats a duration as "X.Xms", "X.Xs" or "Xm Ys"
func FormatElapsed(d time.Duration) string {
	switch {
	case d < time.Second:
		return fmt.Sprintf("%.1fms", float64(d)/float64(time.Millisecond))
	case d < time.Minute:
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	seconds := int64(d / time.Second)
	return fmt.Sprintf("%dm %ds", seconds/60, seconds%60)
}

// FormatPercentage formats a ratio (0-1) as percentage
func FormatPercentage(ratio float64) string {
	return fmt.Sprintf("%.1f%%", ratio*100)
}

// FormatSteps formats step counts as "X/Y steps" with flagged steps noted
func FormatSteps(done, flagged, planned int) string {
	s := fmt.Sprintf("%d/%d steps", done, planned)
	if flagged > 0 {
		s += fmt.Sprintf(" (%d flagged)", flagged)
	}
	return s
}

// FormatDuration formats duration in seconds to "Xh Ym" or "Xm"
func FormatDuration(seconds int64) string {
	hours := seconds / 3600
	minutes := (seconds % 3600) / 60

	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, minutes)
	}
	return fmt.Sprintf("%dm", minutes)
}
