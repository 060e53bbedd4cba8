package balancer

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gaspardpetit/gpupool/internal/config"
	"github.com/gaspardpetit/gpupool/internal/detect"
	"github.com/gaspardpetit/gpupool/internal/logx"
)

// snapshot is the atomically published view of the tracked instance set.
// Selection and feedback read it without touching the registry lock.
type snapshot struct {
	list []*Instance
	byID map[string]*Instance
}

// Registry reconciles detector reports with configured bindings and holds the
// authoritative instance set. Reconciliation happens under mu; readers only
// ever see complete snapshots swapped in atomically.
type Registry struct {
	mu        sync.Mutex
	instances map[string]*Instance
	vanished  map[string]time.Time
	bindings  map[string]config.Binding
	warm      map[string]InstanceView
	cfg       Config
	snap      atomic.Pointer[snapshot]
}

// NewRegistry builds an empty registry with the given bindings.
func NewRegistry(cfg Config, bindings []config.Binding) *Registry {
	cfg.setDefaults()
	bm := make(map[string]config.Binding, len(bindings))
	for _, b := range bindings {
		bm[b.UnitID] = b
	}
	r := &Registry{
		instances: make(map[string]*Instance),
		vanished:  make(map[string]time.Time),
		bindings:  bm,
		warm:      make(map[string]InstanceView),
		cfg:       cfg,
	}
	r.snap.Store(&snapshot{byID: map[string]*Instance{}})
	return r
}

// Reconcile merges a detector report into the instance set and publishes a new
// snapshot. Unseen units are created in probation; units no longer reported
// are excluded immediately and pruned after the retirement grace window;
// still-present units get their capability snapshot replaced wholesale while
// rolling metrics and lifecycle state persist.
func (r *Registry) Reconcile(rep detect.Report, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	reported := make(map[string]bool, len(rep.Units))
	for _, u := range rep.Units {
		reported[u.UnitID] = true
		in, ok := r.instances[u.UnitID]
		if !ok {
			in = newInstance(u.UnitID, u, &r.cfg, now)
			r.applyBinding(in)
			r.applyWarmStart(in)
			r.instances[u.UnitID] = in
			logx.Log.Info().Str("instance_id", u.UnitID).Msg("instance discovered")
			continue
		}
		delete(r.vanished, u.UnitID)
		r.refreshCapabilities(in, u, now)
	}

	for id, in := range r.instances {
		if reported[id] {
			continue
		}
		if _, gone := r.vanished[id]; !gone {
			r.vanished[id] = now
			in.markVanished(now)
			continue
		}
		if now.Sub(r.vanished[id]) >= r.cfg.RetireGrace {
			in.retire()
			delete(r.instances, id)
			delete(r.vanished, id)
			logx.Log.Info().Str("instance_id", id).Msg("instance retired")
		}
	}

	r.publishLocked()
}

// refreshCapabilities replaces the capability snapshot, leaving metrics and
// state untouched. A capability set that no longer covers the bound workload
// families is a configuration error: the instance is flagged for operator
// attention, not auto-excluded.
func (r *Registry) refreshCapabilities(in *Instance, u detect.CapabilitySnapshot, now time.Time) {
	b, bound := r.bindings[in.id]
	in.mu.Lock()
	in.caps = u
	in.lastSeen = now
	in.vanished = false
	if len(u.Families) > 0 {
		in.families = familySet(u.Families)
		if bound {
			for _, f := range b.Families {
				in.families[f] = true
			}
		}
		if bound && !coversAny(u.Families, b.Families) {
			in.flagged = "capability snapshot no longer covers bound workload families"
			logx.Log.Error().Str("instance_id", in.id).Msg("bound workload families not covered; operator attention required")
		} else {
			in.flagged = ""
		}
	}
	in.mu.Unlock()
}

func coversAny(have, want []string) bool {
	if len(want) == 0 {
		return true
	}
	hs := familySet(have)
	for _, f := range want {
		if hs[f] {
			return true
		}
	}
	return false
}

func (r *Registry) applyBinding(in *Instance) {
	b, ok := r.bindings[in.id]
	if !ok {
		return
	}
	in.mu.Lock()
	in.endpoint = b.Endpoint
	for _, f := range b.Families {
		in.families[f] = true
	}
	if b.MaxConcurrency > 0 {
		in.maxConcurrency = b.MaxConcurrency
	}
	in.mu.Unlock()
}

// applyWarmStart seeds rolling metrics from a persisted snapshot, if one was
// loaded. Lifecycle state is not restored; a restarted balancer re-proves
// every instance through probation.
func (r *Registry) applyWarmStart(in *Instance) {
	v, ok := r.warm[in.id]
	if !ok {
		return
	}
	delete(r.warm, in.id)
	in.mu.Lock()
	in.successCount = v.SuccessCount
	in.failureCount = v.FailureCount
	in.ewmaLatencyMs = v.EWMALatencyMs
	in.mu.Unlock()
}

// WarmStart registers persisted instance views to seed metrics for units the
// detector reports later.
func (r *Registry) WarmStart(views []InstanceView) {
	r.mu.Lock()
	for _, v := range views {
		r.warm[v.ID] = v
	}
	r.mu.Unlock()
}

// Snapshot returns the current atomically published instance set.
func (r *Registry) Snapshot() []*Instance {
	return r.snap.Load().list
}

// Lookup resolves an instance by id without taking the registry lock.
func (r *Registry) Lookup(id string) (*Instance, bool) {
	in, ok := r.snap.Load().byID[id]
	return in, ok
}

// Count reports the number of tracked (non-retired) instances.
func (r *Registry) Count() int {
	return len(r.snap.Load().list)
}

func (r *Registry) publishLocked() {
	list := make([]*Instance, 0, len(r.instances))
	byID := make(map[string]*Instance, len(r.instances))
	for id, in := range r.instances {
		list = append(list, in)
		byID[id] = in
	}
	sort.Slice(list, func(i, j int) bool { return list[i].id < list[j].id })
	r.snap.Store(&snapshot{list: list, byID: byID})
}

// markVanished excludes an instance whose unit the detector stopped
// reporting. It stops receiving traffic immediately; the cooldown recovery
// path stays closed until the unit is seen again.
func (in *Instance) markVanished(now time.Time) {
	in.mu.Lock()
	if in.state != StateRetired {
		in.state = StateUnhealthy
		in.vanished = true
		in.cooldownUntil = now.Add(in.cooldown())
		logx.Log.Warn().Str("instance_id", in.id).Msg("instance no longer reported; excluded")
	}
	in.mu.Unlock()
}

func (in *Instance) retire() {
	in.mu.Lock()
	in.state = StateRetired
	in.mu.Unlock()
}
