package balancer

import (
	"context"
	"time"

	"github.com/gaspardpetit/gpupool/internal/logx"
)

// HealthSnapshot is a point-in-time, read-only export of every tracked
// instance. It is assembled on demand and never mutated after creation.
type HealthSnapshot struct {
	TakenAt   time.Time      `json:"taken_at"`
	Instances []InstanceView `json:"instances"`
}

// Balancer exposes the balancing boundary: selection and outcome feedback.
// It composes the registry and the scorer and owns the per-instance state
// machine transitions.
type Balancer struct {
	reg *Registry
	cfg Config
}

// New builds a balancer over the given registry.
func New(reg *Registry, cfg Config) *Balancer {
	cfg.setDefaults()
	return &Balancer{reg: reg, cfg: cfg}
}

// SelectInstance validates the requirement, scores the current snapshot, and
// reserves a dispatch slot on the winner. It performs no I/O; the only
// blocking is per-instance mutexes held for field copies.
func (b *Balancer) SelectInstance(ctx context.Context, req Requirement) (InstanceView, error) {
	if err := ctx.Err(); err != nil {
		return InstanceView{}, err
	}
	if err := req.Validate(); err != nil {
		return InstanceView{}, err
	}
	insts := b.reg.Snapshot()
	now := time.Now()
	views := make([]InstanceView, 0, len(insts))
	for _, in := range insts {
		in.MaybeStartTrial(now)
		views = append(views, in.View(now))
	}
	win, err := Select(&b.cfg, req, views)
	if err != nil {
		return InstanceView{}, err
	}
	if in, ok := b.reg.Lookup(win.ID); ok {
		in.BeginDispatch()
	}
	logx.Log.Debug().Str("instance_id", win.ID).Str("family", req.Family).Msg("instance selected")
	return win, nil
}

// ReportSuccess applies a success outcome. An unknown instance id is a benign
// no-op: it arises naturally from a race with retirement. A cancelled context
// applies nothing.
func (b *Balancer) ReportSuccess(ctx context.Context, instanceID string, responseTimeMs float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	in, ok := b.reg.Lookup(instanceID)
	if !ok {
		logx.Log.Debug().Str("instance_id", instanceID).Msg("success report for unknown instance")
		return nil
	}
	in.RecordSuccess(responseTimeMs, time.Now())
	return nil
}

// ReportFailure applies a failure outcome, recording the error code for
// diagnostics. Unknown instance ids are a silent no-op.
func (b *Balancer) ReportFailure(ctx context.Context, instanceID, errorCode string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	in, ok := b.reg.Lookup(instanceID)
	if !ok {
		logx.Log.Debug().Str("instance_id", instanceID).Msg("failure report for unknown instance")
		return nil
	}
	in.RecordFailure(errorCode, time.Now())
	return nil
}

// GetHealthStatus exports every tracked instance. It reads the published
// snapshot and never blocks behind a reconciliation or a selection.
func (b *Balancer) GetHealthStatus(ctx context.Context) (HealthSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return HealthSnapshot{}, err
	}
	insts := b.reg.Snapshot()
	now := time.Now()
	hs := HealthSnapshot{TakenAt: now, Instances: make([]InstanceView, 0, len(insts))}
	for _, in := range insts {
		hs.Instances = append(hs.Instances, in.View(now))
	}
	return hs, nil
}
