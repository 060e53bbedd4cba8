package detect

import (
	"context"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/gaspardpetit/gpupool/internal/logx"
)

// HostDetector probes the local host for the configured compute units. It is
// the fallback used when no vendor-specific GPU probe is available: each unit
// gets an equal share of host memory and a compute tier derived from the
// logical CPU count. Health verdicts combine memory pressure with a trivial
// allocate/compute/free cycle.
type HostDetector struct {
	unitIDs      []string
	probeTimeout time.Duration
}

// NewHostDetector returns a detector for the given unit ids. probeTimeout
// bounds each per-unit probe independently of the caller's context.
func NewHostDetector(unitIDs []string, probeTimeout time.Duration) *HostDetector {
	ids := make([]string, len(unitIDs))
	copy(ids, unitIDs)
	if probeTimeout <= 0 {
		probeTimeout = 5 * time.Second
	}
	return &HostDetector{unitIDs: ids, probeTimeout: probeTimeout}
}

// DetectAvailable scans every configured unit. A failed probe becomes a
// diagnostic entry; the scan itself only fails if the host cannot be probed
// at all.
func (d *HostDetector) DetectAvailable(ctx context.Context) (Report, error) {
	var rep Report
	for _, id := range d.unitIDs {
		pctx, cancel := context.WithTimeout(ctx, d.probeTimeout)
		snap, err := d.probeUnit(pctx, id)
		cancel()
		if err != nil {
			rep.Diagnostics = append(rep.Diagnostics, UnitDiagnostic{UnitID: id, Reason: err.Error()})
			logx.Log.Warn().Str("unit_id", id).Err(err).Msg("unit probe failed")
			continue
		}
		rep.Units = append(rep.Units, snap)
	}
	return rep, nil
}

// GetCapabilities probes a single known unit.
func (d *HostDetector) GetCapabilities(ctx context.Context, unitID string) (CapabilitySnapshot, error) {
	if !d.knows(unitID) {
		return CapabilitySnapshot{}, fmt.Errorf("%w: %s", ErrUnitNotFound, unitID)
	}
	pctx, cancel := context.WithTimeout(ctx, d.probeTimeout)
	defer cancel()
	return d.probeUnit(pctx, unitID)
}

// ValidateHealth runs an active allocate/compute/free cycle plus a memory
// pressure check, bounded by the probe timeout.
func (d *HostDetector) ValidateHealth(ctx context.Context, unitID string) (HealthVerdict, error) {
	if !d.knows(unitID) {
		return HealthVerdict{}, fmt.Errorf("%w: %s", ErrUnitNotFound, unitID)
	}
	pctx, cancel := context.WithTimeout(ctx, d.probeTimeout)
	defer cancel()

	if err := allocCycle(pctx); err != nil {
		return HealthVerdict{Status: StatusUnavailable, Reason: err.Error()}, nil
	}
	vm, err := mem.VirtualMemoryWithContext(pctx)
	if err != nil {
		return HealthVerdict{Status: StatusUnavailable, Reason: fmt.Sprintf("memory probe: %v", err)}, nil
	}
	if vm.UsedPercent > 95 {
		return HealthVerdict{Status: StatusUnavailable, Reason: fmt.Sprintf("memory used %.1f%%", vm.UsedPercent)}, nil
	}
	if vm.UsedPercent > 85 {
		return HealthVerdict{Status: StatusDegraded, Reason: fmt.Sprintf("memory used %.1f%%", vm.UsedPercent)}, nil
	}
	if avg, err := load.AvgWithContext(pctx); err == nil {
		if n, err := cpu.CountsWithContext(pctx, true); err == nil && n > 0 && avg.Load1 > float64(2*n) {
			return HealthVerdict{Status: StatusDegraded, Reason: fmt.Sprintf("load1 %.1f over %d cpus", avg.Load1, n)}, nil
		}
	}
	return HealthVerdict{Status: StatusHealthy}, nil
}

func (d *HostDetector) probeUnit(ctx context.Context, unitID string) (CapabilitySnapshot, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return CapabilitySnapshot{}, fmt.Errorf("memory probe: %w", err)
	}
	cpus, err := cpu.CountsWithContext(ctx, true)
	if err != nil {
		return CapabilitySnapshot{}, fmt.Errorf("cpu probe: %w", err)
	}
	share := vm.Total / uint64(len(d.unitIDs)) / (1 << 20)
	return CapabilitySnapshot{
		UnitID:        unitID,
		TotalMemoryMB: share,
		ComputeTier:   tierForCPUs(cpus),
	}, nil
}

func (d *HostDetector) knows(unitID string) bool {
	for _, id := range d.unitIDs {
		if id == unitID {
			return true
		}
	}
	return false
}

func tierForCPUs(n int) int {
	switch {
	case n >= 16:
		return 3
	case n >= 8:
		return 2
	default:
		return 1
	}
}

// allocCycle allocates a scratch buffer, writes a pattern, and verifies a
// checksum. The work is chunked so a cancelled context is noticed promptly.
func allocCycle(ctx context.Context) error {
	const size = 4 << 20
	const chunk = 256 << 10
	buf := make([]byte, size)
	var sum uint64
	for off := 0; off < size; off += chunk {
		select {
		case <-ctx.Done():
			return fmt.Errorf("probe cancelled: %w", ctx.Err())
		default:
		}
		for i := off; i < off+chunk; i++ {
			buf[i] = byte(i)
			sum += uint64(buf[i])
		}
	}
	if sum == 0 {
		return fmt.Errorf("probe checksum zero")
	}
	return nil
}
