// Package stats holds the pure statistics used to judge test flakiness.
package stats

import "math"

// Interval is a confidence interval for a binomial proportion, both ends in [0, 1].
type Interval struct {
	Lower float64 `json:"lower"`
	Upper float64 `json:"upper"`
}

// Counts summarizes the outcomes of one test case over a window of runs.
// Total is the number of recorded executions and may include skipped or errored ones.
type Counts struct {
	Total  int `json:"total"`
	Passed int `json:"passed"`
	Failed int `json:"failed"`
	Flaky  int `json:"flaky"`
}

// Failures is the number of executions that did not pass cleanly.
func (c Counts) Failures() int {
	return c.Failed + c.Flaky
}

// Config controls when a test is considered flaky.
type Config struct {
	MinRuns            int     `json:"min_runs"`
	MinFailures        int     `json:"min_failures"`
	FlakeRateThreshold float64 `json:"flake_rate_threshold"` // percent
	ConfidenceLevel    float64 `json:"confidence_level"`
}

// DefaultConfig returns the thresholds used when the caller has no opinion.
func DefaultConfig() Config {
	return Config{
		MinRuns:            5,
		MinFailures:        2,
		FlakeRateThreshold: 10,
		ConfidenceLevel:    0.95,
	}
}

// WithDefaults fills zero fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.MinRuns <= 0 {
		c.MinRuns = d.MinRuns
	}
	if c.MinFailures <= 0 {
		c.MinFailures = d.MinFailures
	}
	if c.FlakeRateThreshold <= 0 {
		c.FlakeRateThreshold = d.FlakeRateThreshold
	}
	if c.ConfidenceLevel <= 0 || c.ConfidenceLevel >= 1 {
		c.ConfidenceLevel = d.ConfidenceLevel
	}
	return c
}

// FlakeRate returns the percentage of non-passing outcomes among passed, failed
// and flaky executions. It is 0 when there are no such executions.
func FlakeRate(passed, failed, flaky int) float64 {
	total := passed + failed + flaky
	if total <= 0 {
		return 0
	}
	return float64(failed+flaky) / float64(total) * 100
}

// ZScore maps a confidence level to the two-sided normal quantile.
// Unknown levels fall back to 95%.
func ZScore(level float64) float64 {
	switch level {
	case 0.99:
		return 2.576
	case 0.98:
		return 2.326
	case 0.90:
		return 1.645
	case 0.80:
		return 1.282
	default:
		return 1.96
	}
}

// ConfidenceInterval computes the Wilson score interval for successes/total.
// A zero total yields {0, 0}.
func ConfidenceInterval(successes, total int, level float64) Interval {
	if total <= 0 {
		return Interval{}
	}
	if successes < 0 {
		successes = 0
	}
	if successes > total {
		successes = total
	}

	n := float64(total)
	p := float64(successes) / n
	z := ZScore(level)
	z2 := z * z

	center := p + z2/(2*n)
	margin := z * math.Sqrt((p*(1-p)+z2/(4*n))/n)
	denominator := 1 + z2/n

	return Interval{
		Lower: math.Max(0, (center-margin)/denominator),
		Upper: math.Min(1, (center+margin)/denominator),
	}
}

// IsFlaky reports whether the counts show a test that both passes and fails
// often enough, and with enough evidence, to be called flaky. Tests that only
// pass or only fail are never flaky.
func IsFlaky(c Counts, cfg Config) bool {
	cfg = cfg.WithDefaults()

	if c.Total < cfg.MinRuns {
		return false
	}
	if c.Passed == 0 || c.Failures() < cfg.MinFailures {
		return false
	}
	if FlakeRate(c.Passed, c.Failed, c.Flaky) < cfg.FlakeRateThreshold {
		return false
	}

	ci := ConfidenceInterval(c.Failures(), c.Total, cfg.ConfidenceLevel)
	return ci.Lower > 0 && ci.Upper < 1
}
