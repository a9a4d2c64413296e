package roomtimer

import (
	"fmt"
	"time"
)

// Phase is the lifecycle of a room's meeting clock.
type Phase string

const (
	PhaseNotStarted Phase = "not_started"
	PhaseRunning    Phase = "running"
	PhaseExpired    Phase = "expired"
)

// Urgency tells the UI how to colour the remaining time.
type Urgency string

const (
	UrgencyNormal   Urgency = "normal"
	UrgencyWarning  Urgency = "warning"
	UrgencyCritical Urgency = "critical"
)

const (
	warningThreshold  = 5 * time.Minute
	criticalThreshold = time.Minute
)

// Remaining returns how much of the meeting is left at now, clamped at zero.
// A nil start means the meeting has not started and the full duration remains.
func Remaining(duration time.Duration, start *time.Time, now time.Time) time.Duration {
	if start == nil {
		return duration
	}
	left := duration - now.Sub(*start)
	if left < 0 {
		return 0
	}
	return left
}

// PhaseAt classifies the timer at now.
func PhaseAt(duration time.Duration, start *time.Time, now time.Time) Phase {
	switch {
	case start == nil:
		return PhaseNotStarted
	case Remaining(duration, start, now) == 0:
		return PhaseExpired
	default:
		return PhaseRunning
	}
}

// Format renders remaining time as MM:SS.
func Format(remaining time.Duration) string {
	if remaining < 0 {
		remaining = 0
	}
	secs := int(remaining / time.Second)
	return fmt.Sprintf("%02d:%02d", secs/60, secs%60)
}

// Display renders the timer for a room with participants present.
func Display(phase Phase, remaining time.Duration, participants int) string {
	if phase == PhaseNotStarted {
		if participants < 2 {
			return "Waiting for participants..."
		}
		return "--:--"
	}
	return Format(remaining)
}

// UrgencyOf grades the remaining time.
func UrgencyOf(remaining time.Duration) Urgency {
	switch {
	case remaining <= criticalThreshold:
		return UrgencyCritical
	case remaining <= warningThreshold:
		return UrgencyWarning
	default:
		return UrgencyNormal
	}
}

// expiryEdge fires once when a running countdown reaches zero.
type expiryEdge struct {
	fired bool
}

// observe returns true only on the first call that sees an expired phase.
func (e *expiryEdge) observe(phase Phase) bool {
	if phase != PhaseExpired || e.fired {
		return false
	}
	e.fired = true
	return true
}
