package balancer

import "time"

// Config carries the tunables of the health state machine and the scorer.
// Zero values are replaced by the documented defaults in setDefaults; the
// server populates this from its flag/env/yaml layers.
type Config struct {
	FailureThreshold int
	ProbationTrials  int
	CooldownBase     time.Duration
	CooldownMax      time.Duration

	SuccessWeight   float64
	LatencyWeight   float64
	LoadWeight      float64
	WindowSize      int
	WindowAge       time.Duration
	BaselineLatency time.Duration

	RetireGrace time.Duration

	// DefaultMaxConcurrency applies to instances with no configured binding.
	DefaultMaxConcurrency int
}

func (c *Config) setDefaults() {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.ProbationTrials <= 0 {
		c.ProbationTrials = 3
	}
	if c.CooldownBase <= 0 {
		c.CooldownBase = 30 * time.Second
	}
	if c.CooldownMax <= 0 {
		c.CooldownMax = 10 * time.Minute
	}
	if c.SuccessWeight == 0 && c.LatencyWeight == 0 && c.LoadWeight == 0 {
		c.SuccessWeight = 0.5
		c.LatencyWeight = 0.3
		c.LoadWeight = 0.2
	}
	if c.WindowSize <= 0 {
		c.WindowSize = 50
	}
	if c.WindowAge <= 0 {
		c.WindowAge = 5 * time.Minute
	}
	if c.BaselineLatency <= 0 {
		c.BaselineLatency = 2 * time.Second
	}
	if c.RetireGrace <= 0 {
		c.RetireGrace = time.Minute
	}
	if c.DefaultMaxConcurrency <= 0 {
		c.DefaultMaxConcurrency = 4
	}
}
