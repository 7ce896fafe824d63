package flake

import "qarunner/internal/store"

// Patterns describes how failures are distributed across a test's history.
type Patterns struct {
	MaxConsecutiveFailures int         `json:"max_consecutive_failures"`
	AlternationRate        float64     `json:"alternation_rate"`
	FailuresByHour         map[int]int `json:"failures_by_hour"`
	// PeakFailureHour is the UTC hour with the most failures, or -1.
	PeakFailureHour int  `json:"peak_failure_hour"`
	HasPattern      bool `json:"has_pattern"`
}

// AnalyzePatterns inspects an ordered execution list. Order only matters for
// streaks and alternation, so newest-first and oldest-first give the same result.
func AnalyzePatterns(execs []store.TestExecution) Patterns {
	p := Patterns{
		FailuresByHour:  map[int]int{},
		PeakFailureHour: -1,
	}

	streak := 0
	for _, e := range execs {
		if e.Status.IsFailure() {
			streak++
			if streak > p.MaxConsecutiveFailures {
				p.MaxConsecutiveFailures = streak
			}
			p.FailuresByHour[e.CreatedAt.UTC().Hour()]++
		} else {
			streak = 0
		}
	}

	if len(execs) > 1 {
		flips := 0
		for i := 1; i < len(execs); i++ {
			if isFlip(execs[i-1].Status, execs[i].Status) {
				flips++
			}
		}
		p.AlternationRate = float64(flips) / float64(len(execs)-1)
	}

	peak := 0
	for hour, n := range p.FailuresByHour {
		if n > peak || (n == peak && hour < p.PeakFailureHour) {
			peak = n
			p.PeakFailureHour = hour
		}
	}

	p.HasPattern = p.MaxConsecutiveFailures > 2 || p.AlternationRate > 0.5
	return p
}

// isFlip reports a pass-to-failure or failure-to-pass transition.
func isFlip(a, b store.ExecutionStatus) bool {
	return (a == store.ExecutionStatusPassed && b.IsFailure()) ||
		(a.IsFailure() && b == store.ExecutionStatusPassed)
}
