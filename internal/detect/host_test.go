package detect

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestHostDetectorDetectAvailable(t *testing.T) {
	d := NewHostDetector([]string{"gpu-0", "gpu-1"}, time.Second)
	rep, err := d.DetectAvailable(context.Background())
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if len(rep.Units)+len(rep.Diagnostics) != 2 {
		t.Fatalf("expected 2 unit entries, got %d units and %d diagnostics", len(rep.Units), len(rep.Diagnostics))
	}
	for _, u := range rep.Units {
		if u.TotalMemoryMB == 0 {
			t.Fatalf("unit %s reported zero memory", u.UnitID)
		}
		if u.ComputeTier < 1 || u.ComputeTier > 3 {
			t.Fatalf("unit %s reported tier %d", u.UnitID, u.ComputeTier)
		}
	}
}

func TestHostDetectorUnknownUnit(t *testing.T) {
	d := NewHostDetector([]string{"gpu-0"}, time.Second)
	if _, err := d.GetCapabilities(context.Background(), "gpu-9"); !errors.Is(err, ErrUnitNotFound) {
		t.Fatalf("expected ErrUnitNotFound, got %v", err)
	}
	if _, err := d.ValidateHealth(context.Background(), "gpu-9"); !errors.Is(err, ErrUnitNotFound) {
		t.Fatalf("expected ErrUnitNotFound, got %v", err)
	}
}

func TestHostDetectorValidateHealth(t *testing.T) {
	d := NewHostDetector([]string{"gpu-0"}, time.Second)
	v, err := d.ValidateHealth(context.Background(), "gpu-0")
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	switch v.Status {
	case StatusHealthy, StatusDegraded, StatusUnavailable:
	default:
		t.Fatalf("unexpected status %q", v.Status)
	}
}

func TestHostDetectorCancelledProbe(t *testing.T) {
	d := NewHostDetector([]string{"gpu-0"}, time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	v, err := d.ValidateHealth(ctx, "gpu-0")
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if v.Status != StatusUnavailable {
		t.Fatalf("expected unavailable on cancelled probe, got %q", v.Status)
	}
}
