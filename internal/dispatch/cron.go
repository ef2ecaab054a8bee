package dispatch

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// nextRun resolves a recurrence expression to the next occurrence strictly
// after t. Besides standard five-field cron expressions, the keywords
// "hourly", "daily", and "weekly" are accepted as fixed intervals from t.
func nextRun(expr string, t time.Time) (time.Time, error) {
	switch strings.ToLower(strings.TrimSpace(expr)) {
	case "hourly":
		return t.Add(time.Hour), nil
	case "daily":
		return t.Add(24 * time.Hour), nil
	case "weekly":
		return t.Add(7 * 24 * time.Hour), nil
	}
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing cron schedule: %w", err)
	}
	return sched.Next(t), nil
}

// validSchedule reports whether expr would be accepted by nextRun.
func validSchedule(expr string) error {
	switch strings.ToLower(strings.TrimSpace(expr)) {
	case "hourly", "daily", "weekly":
		return nil
	}
	if _, err := cron.ParseStandard(expr); err != nil {
		return fmt.Errorf("parsing cron schedule: %w", err)
	}
	return nil
}
