// Package format renders durations, costs and other values for comments and status output.
package format

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DurationShort formats a duration into a short string (e.g., "1h2m3s").
func DurationShort(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	totalSeconds := int64(d.Seconds())
	if totalSeconds < 60 {
		return fmt.Sprintf("%ds", totalSeconds)
	}
	minutes := totalSeconds / 60
	seconds := totalSeconds % 60
	if minutes < 60 {
		return fmt.Sprintf("%dm%ds", minutes, seconds)
	}
	hours := minutes / 60
	minutes = minutes % 60
	return fmt.Sprintf("%dh%dm%ds", hours, minutes, seconds)
}

// Ago renders how long before now a timestamp was, e.g. "5m0s ago". Zero times render as "-".
func Ago(now time.Time, then time.Time) string {
	if then.IsZero() {
		return "-"
	}
	return DurationShort(now.Sub(then)) + " ago"
}

// USD formats an agent cost in dollars. Non-positive costs render as an empty string.
func USD(cost float64) string {
	if cost <= 0 {
		return ""
	}
	return "$" + strconv.FormatFloat(cost, 'f', 2, 64)
}

// PID formats a process ID. Returns an empty string if PID is non-positive.
func PID(pid int) string {
	if pid <= 0 {
		return ""
	}
	return strconv.Itoa(pid)
}

// Ellipsize shortens single-line text to at most width runes.
func Ellipsize(text string, width int) string {
	text = strings.Join(strings.Fields(text), " ")
	runes := []rune(text)
	if width <= 0 || len(runes) <= width {
		return text
	}
	if width == 1 {
		return "…"
	}
	return string(runes[:width-1]) + "…"
}
