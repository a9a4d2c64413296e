package roomtimer

import (
	"testing"
	"time"
)

func TestRemaining(t *testing.T) {
	start := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	duration := 20 * time.Minute

	tests := []struct {
		name  string
		start *time.Time
		now   time.Time
		want  time.Duration
		phase Phase
	}{
		{"not started", nil, start, duration, PhaseNotStarted},
		{"at start", &start, start, duration, PhaseRunning},
		{"midway", &start, start.Add(15 * time.Minute), 5 * time.Minute, PhaseRunning},
		{"exactly at end", &start, start.Add(duration), 0, PhaseExpired},
		{"long after end", &start, start.Add(3 * time.Hour), 0, PhaseExpired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Remaining(duration, tt.start, tt.now); got != tt.want {
				t.Errorf("Remaining = %v, want %v", got, tt.want)
			}
			if got := PhaseAt(duration, tt.start, tt.now); got != tt.phase {
				t.Errorf("PhaseAt = %s, want %s", got, tt.phase)
			}
		})
	}
}

func TestFormatAndDisplay(t *testing.T) {
	if got := Format(20 * time.Minute); got != "20:00" {
		t.Errorf("Format(20m) = %q", got)
	}
	if got := Format(65*time.Second + 900*time.Millisecond); got != "01:05" {
		t.Errorf("Format(65.9s) = %q", got)
	}
	if got := Format(-time.Second); got != "00:00" {
		t.Errorf("Format(-1s) = %q", got)
	}
	if got := Display(PhaseNotStarted, 20*time.Minute, 1); got != "Waiting for participants..." {
		t.Errorf("Display alone = %q", got)
	}
	if got := Display(PhaseNotStarted, 20*time.Minute, 2); got != "--:--" {
		t.Errorf("Display pending start = %q", got)
	}
	if got := Display(PhaseRunning, 90*time.Second, 2); got != "01:30" {
		t.Errorf("Display running = %q", got)
	}
}

func TestUrgencyOf(t *testing.T) {
	tests := []struct {
		remaining time.Duration
		want      Urgency
	}{
		{20 * time.Minute, UrgencyNormal},
		{5*time.Minute + time.Second, UrgencyNormal},
		{5 * time.Minute, UrgencyWarning},
		{61 * time.Second, UrgencyWarning},
		{time.Minute, UrgencyCritical},
		{0, UrgencyCritical},
	}
	for _, tt := range tests {
		if got := UrgencyOf(tt.remaining); got != tt.want {
			t.Errorf("UrgencyOf(%v) = %s, want %s", tt.remaining, got, tt.want)
		}
	}
}

// TestExpiryEdgeFiresOnce walks a clock across the end of the meeting one
// second at a time.
func TestExpiryEdgeFiresOnce(t *testing.T) {
	start := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	duration := 10 * time.Second

	var edge expiryEdge
	fired := 0
	for s := 0; s <= 30; s++ {
		if edge.observe(PhaseAt(duration, &start, start.Add(time.Duration(s)*time.Second))) {
			fired++
		}
	}
	if fired != 1 {
		t.Fatalf("expiry fired %d times, want 1", fired)
	}
}
