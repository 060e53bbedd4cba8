package balancer

import (
	"fmt"
	"math"
	"time"
)

// Requirement carries the caller's constraints for one selection call.
type Requirement struct {
	MinMemoryMB    uint64        `json:"min_memory_mb"`
	MinComputeTier int           `json:"min_compute_tier,omitempty"`
	Family         string        `json:"family"`
	LatencyBudget  time.Duration `json:"latency_budget,omitempty"`
	Priority       int           `json:"priority,omitempty"`
}

// Validate reports whether the requirement is well formed.
func (r Requirement) Validate() error {
	if r.MinMemoryMB == 0 {
		return fmt.Errorf("%w: min_memory_mb must be positive", ErrInvalidRequirement)
	}
	if r.MinComputeTier < 0 {
		return fmt.Errorf("%w: min_compute_tier must not be negative", ErrInvalidRequirement)
	}
	if r.Family == "" {
		return fmt.Errorf("%w: workload family is required", ErrInvalidRequirement)
	}
	if r.LatencyBudget < 0 {
		return fmt.Errorf("%w: latency budget must not be negative", ErrInvalidRequirement)
	}
	return nil
}

// admit applies the hard filter: capability minimums, workload family, and
// lifecycle state. A probationary instance is admitted only while its single
// trial slot is free.
func admit(req Requirement, v InstanceView) bool {
	switch v.State {
	case StateHealthy:
	case StateProbation:
		if v.InFlight > 0 {
			return false
		}
	default:
		return false
	}
	if v.Capabilities.TotalMemoryMB < req.MinMemoryMB {
		return false
	}
	if v.Capabilities.ComputeTier < req.MinComputeTier {
		return false
	}
	// An instance with no family information serves any family.
	if len(v.Families) > 0 && !containsFamily(v.Families, req.Family) {
		return false
	}
	return true
}

func containsFamily(families []string, f string) bool {
	for _, x := range families {
		if x == f {
			return true
		}
	}
	return false
}

// score computes the composite fitness of one admitted instance:
//
//	capability_fit * (w_s*success_ratio + w_l*(1-normalized_latency) + w_w*load_headroom)
//	  - failure_penalty
//
// capability_fit rewards headroom above the stated minimums, normalized
// latency scales the EWMA against the latency budget (or the configured
// baseline), and the failure penalty grows linearly with the current
// consecutive-failure streak.
func score(cfg *Config, req Requirement, v InstanceView) float64 {
	fit := 1.0
	if req.MinMemoryMB > 0 && v.Capabilities.TotalMemoryMB > req.MinMemoryMB {
		extra := float64(v.Capabilities.TotalMemoryMB-req.MinMemoryMB) / float64(req.MinMemoryMB)
		fit += 0.25 * math.Min(1, extra)
	}
	if d := v.Capabilities.ComputeTier - req.MinComputeTier; d > 0 {
		fit += 0.1 * math.Min(2, float64(d))
	}

	budget := cfg.BaselineLatency
	if req.LatencyBudget > 0 {
		budget = req.LatencyBudget
	}
	normLatency := 0.0
	if v.EWMALatencyMs > 0 {
		normLatency = math.Min(1, v.EWMALatencyMs/float64(budget.Milliseconds()))
	}

	headroom := 0.0
	if v.MaxConcurrency > 0 {
		headroom = math.Max(0, 1-float64(v.InFlight)/float64(v.MaxConcurrency))
	}

	penalty := 0.25 * float64(v.ConsecutiveFailures)

	return fit*(cfg.SuccessWeight*v.SuccessRatio+
		cfg.LatencyWeight*(1-normLatency)+
		cfg.LoadWeight*headroom) - penalty
}

// Select filters and ranks candidates, returning the best view. Exact score
// ties break by lowest current load, then by instance id, so repeated
// selection under unchanged state is reproducible.
func Select(cfg *Config, req Requirement, views []InstanceView) (InstanceView, error) {
	var best InstanceView
	bestScore := math.Inf(-1)
	found := false
	for _, v := range views {
		if !admit(req, v) {
			continue
		}
		s := score(cfg, req, v)
		if !found || s > bestScore ||
			(s == bestScore && (v.InFlight < best.InFlight ||
				(v.InFlight == best.InFlight && v.ID < best.ID))) {
			best, bestScore, found = v, s, true
		}
	}
	if !found {
		return InstanceView{}, ErrNoCapacity
	}
	return best, nil
}
