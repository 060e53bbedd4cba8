package server

import (
	"context"
	"math/rand"
	"time"

	"github.com/gaspardpetit/gpupool/internal/balancer"
	"github.com/gaspardpetit/gpupool/internal/detect"
	"github.com/gaspardpetit/gpupool/internal/logx"
	"github.com/gaspardpetit/gpupool/internal/metrics"
	"github.com/gaspardpetit/gpupool/internal/serverstate"
)

// RunReconcileLoop drives periodic detector refreshes into the registry. The
// period is jittered so many balancers on one fabric do not probe in
// lockstep. It runs until ctx is cancelled and never touches the request
// path: each pass publishes a fresh snapshot atomically.
func RunReconcileLoop(ctx context.Context, reg *balancer.Registry, det detect.Detector, interval, jitter time.Duration) {
	reconcileOnce(ctx, reg, det)
	for {
		d := interval
		if jitter > 0 {
			d += time.Duration(rand.Int63n(int64(jitter)))
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(d):
			reconcileOnce(ctx, reg, det)
		}
	}
}

func reconcileOnce(ctx context.Context, reg *balancer.Registry, det detect.Detector) {
	rep, err := det.DetectAvailable(ctx)
	if err != nil {
		logx.Log.Error().Err(err).Msg("detector scan failed; keeping previous snapshot")
		return
	}
	for _, d := range rep.Diagnostics {
		logx.Log.Warn().Str("unit_id", d.UnitID).Str("reason", d.Reason).Msg("unit probe diagnostic")
	}
	reg.Reconcile(rep, time.Now())
}

// RunSnapshotLoop periodically persists a warm-start snapshot and refreshes
// the instance gauges. A zero interval disables it.
func RunSnapshotLoop(ctx context.Context, b *balancer.Balancer, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			hs, err := b.GetHealthStatus(ctx)
			if err != nil {
				return
			}
			metrics.ObserveSnapshot(hs)
			st := serverstate.Current()
			s := st.Load()
			s.SavedAt = hs.TakenAt
			s.Instances = hs.Instances
			st.Store(s)
		}
	}
}
