package serverstate

import (
	"testing"

	"github.com/gaspardpetit/gpupool/internal/balancer"
)

func TestMemoryStore(t *testing.T) {
	var ms memStore
	ms.Store(Snapshot{Status: "not_ready"})

	// Swap in the test store and restore the previous one after the test.
	prev := Current()
	UseStore(&ms)
	defer UseStore(prev)

	if got := GetStatus(); got != "not_ready" {
		t.Fatalf("initial status = %q; want %q", got, "not_ready")
	}

	SetStatus("ready")
	if got := GetStatus(); got != "ready" {
		t.Fatalf("status after SetStatus = %q; want %q", got, "ready")
	}

	StartDrain()
	if got := GetStatus(); got != "draining" {
		t.Fatalf("status after StartDrain = %q; want %q", got, "draining")
	}
	if !IsDraining() {
		t.Fatalf("IsDraining = false; want true")
	}
}

func TestSnapshotCarriesInstances(t *testing.T) {
	var ms memStore
	ms.Store(Snapshot{
		Status:    "ready",
		Instances: []balancer.InstanceView{{ID: "gpu-0", SuccessCount: 4}},
	})
	s := ms.Load()
	if len(s.Instances) != 1 || s.Instances[0].ID != "gpu-0" {
		t.Fatalf("unexpected snapshot %#v", s)
	}

	// Status updates must not drop the instance views.
	prev := Current()
	UseStore(&ms)
	defer UseStore(prev)
	SetStatus("draining")
	if s := ms.Load(); len(s.Instances) != 1 {
		t.Fatalf("SetStatus dropped instances: %#v", s)
	}
}
