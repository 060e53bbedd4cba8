package detect

import (
	"context"
	"errors"
)

// ErrUnitNotFound is returned when a unit id is not currently known to the detector.
var ErrUnitNotFound = errors.New("detect: unit not found")

// HealthStatus is the outcome of an active health probe.
type HealthStatus string

const (
	StatusHealthy     HealthStatus = "healthy"
	StatusDegraded    HealthStatus = "degraded"
	StatusUnavailable HealthStatus = "unavailable"
)

// CapabilitySnapshot describes a compute unit at a point in time.
type CapabilitySnapshot struct {
	UnitID        string   `json:"unit_id"`
	TotalMemoryMB uint64   `json:"total_memory_mb"`
	ComputeTier   int      `json:"compute_tier"`
	Families      []string `json:"families,omitempty"`
}

// HealthVerdict is the result of an active check on one unit.
type HealthVerdict struct {
	Status HealthStatus `json:"status"`
	Reason string       `json:"reason,omitempty"`
}

// UnitDiagnostic records a per-unit probe failure without failing the scan.
type UnitDiagnostic struct {
	UnitID string `json:"unit_id"`
	Reason string `json:"reason"`
}

// Report is the outcome of a full inventory scan. A unit appears either in
// Units or in Diagnostics, never both.
type Report struct {
	Units       []CapabilitySnapshot `json:"units"`
	Diagnostics []UnitDiagnostic     `json:"diagnostics,omitempty"`
}

// Detector enumerates compute units and probes their capability and health.
// Implementations must isolate per-unit probe failures: DetectAvailable always
// returns a best-effort report, and each probe is bounded by the caller's
// context so one hung unit cannot stall a scan.
type Detector interface {
	DetectAvailable(ctx context.Context) (Report, error)
	GetCapabilities(ctx context.Context, unitID string) (CapabilitySnapshot, error)
	ValidateHealth(ctx context.Context, unitID string) (HealthVerdict, error)
}
