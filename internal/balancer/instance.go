package balancer

import (
	"math"
	"sync"
	"time"

	"github.com/gaspardpetit/gpupool/internal/detect"
	"github.com/gaspardpetit/gpupool/internal/logx"
)

// State is the lifecycle state of an instance.
type State string

const (
	// StateProbation marks a newly discovered or recovering instance. It may
	// receive at most one trial request at a time until promoted.
	StateProbation State = "probation"
	StateHealthy   State = "healthy"
	// StateUnhealthy excludes an instance from selection until its cooldown
	// elapses or the detector reports it again.
	StateUnhealthy State = "unhealthy"
	// StateRetired is terminal; it is reached only through the detector-driven
	// grace-period path, never through health feedback.
	StateRetired State = "retired"
)

// smoothing factor for the response-time EWMA
const ewmaAlpha = 0.3

type outcome struct {
	ok bool
	at time.Time
}

// Instance is one routable backend unit. The registry owns creation and
// retirement; all mutable fields are guarded by mu so feedback for different
// instances never contends.
type Instance struct {
	id string

	mu             sync.Mutex
	endpoint       string
	caps           detect.CapabilitySnapshot
	families       map[string]bool
	maxConcurrency int
	state          State
	flagged        string // operator-attention note, e.g. binding/capability mismatch

	inFlight            int
	successCount        uint64
	failureCount        uint64
	consecutiveFailures int
	trialSuccesses      int
	trialFailures       int
	ewmaLatencyMs       float64
	lastFailure         time.Time
	lastErrorCode       string
	cooldownUntil       time.Time
	vanished            bool
	lastSeen            time.Time

	window []outcome
	head   int

	cfg *Config
}

// InstanceView is an immutable export of one instance's state and metrics.
// The scorer operates exclusively on views.
type InstanceView struct {
	ID                  string                    `json:"id"`
	Endpoint            string                    `json:"endpoint,omitempty"`
	Capabilities        detect.CapabilitySnapshot `json:"capabilities"`
	Families            []string                  `json:"families,omitempty"`
	State               State                     `json:"state"`
	Flagged             string                    `json:"flagged,omitempty"`
	InFlight            int                       `json:"in_flight"`
	MaxConcurrency      int                       `json:"max_concurrency"`
	SuccessCount        uint64                    `json:"success_count"`
	FailureCount        uint64                    `json:"failure_count"`
	ConsecutiveFailures int                       `json:"consecutive_failures"`
	SuccessRatio        float64                   `json:"success_ratio"`
	EWMALatencyMs       float64                   `json:"ewma_latency_ms"`
	LastErrorCode       string                    `json:"last_error_code,omitempty"`
	LastFailure         time.Time                 `json:"last_failure,omitzero"`
	CooldownUntil       time.Time                 `json:"cooldown_until,omitzero"`
}

func newInstance(id string, caps detect.CapabilitySnapshot, cfg *Config, now time.Time) *Instance {
	return &Instance{
		id:             id,
		caps:           caps,
		families:       familySet(caps.Families),
		maxConcurrency: cfg.DefaultMaxConcurrency,
		state:          StateProbation,
		lastSeen:       now,
		window:         make([]outcome, 0, cfg.WindowSize),
		cfg:            cfg,
	}
}

func familySet(families []string) map[string]bool {
	m := make(map[string]bool, len(families))
	for _, f := range families {
		m[f] = true
	}
	return m
}

// ID returns the stable instance id.
func (in *Instance) ID() string { return in.id }

// RecordSuccess applies a success report. Out-of-range samples are discarded
// so they cannot corrupt the rolling aggregates; a valid report resets the
// consecutive-failure streak and advances a probation trial.
func (in *Instance) RecordSuccess(responseTimeMs float64, now time.Time) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.successCount++
	in.consecutiveFailures = 0
	in.pushOutcome(outcome{ok: true, at: now})
	if responseTimeMs >= 0 && !math.IsNaN(responseTimeMs) {
		if in.ewmaLatencyMs == 0 {
			in.ewmaLatencyMs = responseTimeMs
		} else {
			in.ewmaLatencyMs = ewmaAlpha*responseTimeMs + (1-ewmaAlpha)*in.ewmaLatencyMs
		}
	}
	if in.inFlight > 0 {
		in.inFlight--
	}
	if in.state == StateProbation {
		in.trialSuccesses++
		if in.trialSuccesses >= in.cfg.ProbationTrials {
			in.state = StateHealthy
			in.trialSuccesses = 0
			in.trialFailures = 0
			logx.Log.Info().Str("instance_id", in.id).Msg("instance promoted to healthy")
		}
	}
}

// RecordFailure applies a failure report. A failure during a probation trial
// sends the instance back to unhealthy with a doubled cooldown; a healthy
// instance is excluded once the streak reaches the configured threshold.
// Failures reported while already unhealthy update counters only and never
// extend the cooldown.
func (in *Instance) RecordFailure(errorCode string, now time.Time) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.failureCount++
	in.consecutiveFailures++
	in.lastFailure = now
	in.lastErrorCode = errorCode
	in.pushOutcome(outcome{ok: false, at: now})
	if in.inFlight > 0 {
		in.inFlight--
	}
	switch in.state {
	case StateProbation:
		in.trialFailures++
		in.trialSuccesses = 0
		in.exclude(now)
	case StateHealthy:
		if in.consecutiveFailures >= in.cfg.FailureThreshold {
			in.exclude(now)
		}
	}
}

// exclude transitions to unhealthy and arms the cooldown. The cooldown is a
// pure function of the trial-failure count so duplicate reports cannot push
// it past the configured curve. Caller holds mu.
func (in *Instance) exclude(now time.Time) {
	in.state = StateUnhealthy
	in.cooldownUntil = now.Add(in.cooldown())
	logx.Log.Warn().Str("instance_id", in.id).
		Int("consecutive_failures", in.consecutiveFailures).
		Time("cooldown_until", in.cooldownUntil).
		Msg("instance excluded")
}

func (in *Instance) cooldown() time.Duration {
	d := in.cfg.CooldownBase
	for i := 0; i < in.trialFailures && d < in.cfg.CooldownMax; i++ {
		d *= 2
	}
	if d > in.cfg.CooldownMax {
		d = in.cfg.CooldownMax
	}
	return d
}

// MaybeStartTrial moves an unhealthy instance whose cooldown has elapsed into
// a probation trial. Instances the detector no longer reports stay excluded.
func (in *Instance) MaybeStartTrial(now time.Time) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.state != StateUnhealthy || in.vanished {
		return
	}
	if now.Before(in.cooldownUntil) {
		return
	}
	in.state = StateProbation
	in.trialSuccesses = 0
	logx.Log.Info().Str("instance_id", in.id).Msg("instance entering probation trial")
}

// BeginDispatch reserves a slot on the instance for a dispatched request.
func (in *Instance) BeginDispatch() {
	in.mu.Lock()
	in.inFlight++
	in.mu.Unlock()
}

// View exports a consistent copy of the instance for scoring and status.
func (in *Instance) View(now time.Time) InstanceView {
	in.mu.Lock()
	defer in.mu.Unlock()
	fams := make([]string, 0, len(in.families))
	for f := range in.families {
		fams = append(fams, f)
	}
	return InstanceView{
		ID:                  in.id,
		Endpoint:            in.endpoint,
		Capabilities:        in.caps,
		Families:            fams,
		State:               in.state,
		Flagged:             in.flagged,
		InFlight:            in.inFlight,
		MaxConcurrency:      in.maxConcurrency,
		SuccessCount:        in.successCount,
		FailureCount:        in.failureCount,
		ConsecutiveFailures: in.consecutiveFailures,
		SuccessRatio:        in.successRatio(now),
		EWMALatencyMs:       in.ewmaLatencyMs,
		LastErrorCode:       in.lastErrorCode,
		LastFailure:         in.lastFailure,
		CooldownUntil:       in.cooldownUntil,
	}
}

// pushOutcome appends to the bounded ring buffer. Caller holds mu.
func (in *Instance) pushOutcome(o outcome) {
	if len(in.window) < cap(in.window) {
		in.window = append(in.window, o)
	} else if cap(in.window) > 0 {
		in.window[in.head] = o
		in.head = (in.head + 1) % cap(in.window)
	}
}

// successRatio computes the ratio over the sliding window, bounded both by
// entry count and by age. With no samples the instance is treated as neutral
// (ratio 1) so fresh probationary instances are not penalized. Caller holds mu.
func (in *Instance) successRatio(now time.Time) float64 {
	var ok, total int
	for _, o := range in.window {
		if in.cfg.WindowAge > 0 && now.Sub(o.at) > in.cfg.WindowAge {
			continue
		}
		total++
		if o.ok {
			ok++
		}
	}
	if total == 0 {
		return 1
	}
	return float64(ok) / float64(total)
}
