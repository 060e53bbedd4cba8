package balancer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func newTestBalancer(t *testing.T, cfg Config, units ...string) (*Balancer, *Registry) {
	t.Helper()
	reg := NewRegistry(cfg, nil)
	rep := report()
	for _, id := range units {
		rep.Units = append(rep.Units, unit(id, 16384, 2, "chat"))
	}
	reg.Reconcile(rep, time.Now())
	return New(reg, cfg), reg
}

// promote drives an instance through its probation trial to healthy.
func promote(t *testing.T, reg *Registry, id string) {
	t.Helper()
	in, ok := reg.Lookup(id)
	if !ok {
		t.Fatalf("instance %s not tracked", id)
	}
	for i := 0; i < 8; i++ {
		in.RecordSuccess(100, time.Now())
		if in.View(time.Now()).State == StateHealthy {
			return
		}
	}
	t.Fatalf("instance %s did not reach healthy", id)
}

func TestSelectInstanceInvalidRequirement(t *testing.T) {
	b, _ := newTestBalancer(t, testConfig(), "gpu-0")
	_, err := b.SelectInstance(context.Background(), Requirement{Family: "chat"})
	if !errors.Is(err, ErrInvalidRequirement) {
		t.Fatalf("expected ErrInvalidRequirement, got %v", err)
	}
}

func TestSelectInstanceReservesSlot(t *testing.T) {
	b, reg := newTestBalancer(t, testConfig(), "gpu-0")
	promote(t, reg, "gpu-0")
	win, err := b.SelectInstance(context.Background(), Requirement{MinMemoryMB: 8192, Family: "chat"})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	in, _ := reg.Lookup(win.ID)
	if got := in.View(time.Now()).InFlight; got != 1 {
		t.Fatalf("expected in-flight 1 after selection, got %d", got)
	}
	if err := b.ReportSuccess(context.Background(), win.ID, 120); err != nil {
		t.Fatalf("report success: %v", err)
	}
	if got := in.View(time.Now()).InFlight; got != 0 {
		t.Fatalf("expected in-flight released by feedback, got %d", got)
	}
}

func TestFailureThresholdExcludesUntilCooldown(t *testing.T) {
	cfg := testConfig()
	cfg.FailureThreshold = 3
	cfg.CooldownBase = 20 * time.Millisecond
	b, reg := newTestBalancer(t, cfg, "gpu-0")
	promote(t, reg, "gpu-0")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := b.ReportFailure(ctx, "gpu-0", "cuda_oom"); err != nil {
			t.Fatalf("report failure: %v", err)
		}
	}
	if _, err := b.SelectInstance(ctx, Requirement{MinMemoryMB: 8192, Family: "chat"}); !errors.Is(err, ErrNoCapacity) {
		t.Fatalf("expected exclusion after threshold, got %v", err)
	}

	time.Sleep(30 * time.Millisecond)
	win, err := b.SelectInstance(ctx, Requirement{MinMemoryMB: 8192, Family: "chat"})
	if err != nil {
		t.Fatalf("expected probation trial after cooldown, got %v", err)
	}
	if win.State != StateProbation {
		t.Fatalf("expected trial in probation, got %s", win.State)
	}
}

func TestSuccessResetsStreak(t *testing.T) {
	cfg := testConfig()
	cfg.FailureThreshold = 5
	b, reg := newTestBalancer(t, cfg, "gpu-0")
	promote(t, reg, "gpu-0")
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_ = b.ReportFailure(ctx, "gpu-0", "timeout")
	}
	if err := b.ReportSuccess(ctx, "gpu-0", 150); err != nil {
		t.Fatalf("report success: %v", err)
	}
	in, _ := reg.Lookup("gpu-0")
	if got := in.View(time.Now()).ConsecutiveFailures; got != 0 {
		t.Fatalf("expected streak reset, got %d", got)
	}
}

func TestFeedbackUnknownInstanceIsNoOp(t *testing.T) {
	b, _ := newTestBalancer(t, testConfig(), "gpu-0")
	ctx := context.Background()
	if err := b.ReportSuccess(ctx, "ghost", 100); err != nil {
		t.Fatalf("expected silent no-op, got %v", err)
	}
	if err := b.ReportFailure(ctx, "ghost", "timeout"); err != nil {
		t.Fatalf("expected silent no-op, got %v", err)
	}
}

func TestCancelledFeedbackAppliesNothing(t *testing.T) {
	b, reg := newTestBalancer(t, testConfig(), "gpu-0")
	promote(t, reg, "gpu-0")
	in, _ := reg.Lookup("gpu-0")
	before := in.View(time.Now())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := b.ReportSuccess(ctx, "gpu-0", 100); err == nil {
		t.Fatalf("expected context error")
	}
	if err := b.ReportFailure(ctx, "gpu-0", "timeout"); err == nil {
		t.Fatalf("expected context error")
	}
	after := in.View(time.Now())
	if after.SuccessCount != before.SuccessCount || after.FailureCount != before.FailureCount {
		t.Fatalf("cancelled feedback must not apply updates")
	}
}

func TestGetHealthStatusCountMatchesRegistry(t *testing.T) {
	b, reg := newTestBalancer(t, testConfig(), "gpu-0", "gpu-1", "gpu-2")
	hs, err := b.GetHealthStatus(context.Background())
	if err != nil {
		t.Fatalf("health status: %v", err)
	}
	if len(hs.Instances) != reg.Count() {
		t.Fatalf("snapshot count %d != tracked count %d", len(hs.Instances), reg.Count())
	}

	// An excluded instance must still appear in the export.
	in, _ := reg.Lookup("gpu-0")
	for i := 0; i < 6; i++ {
		in.RecordFailure("timeout", time.Now())
	}
	hs, _ = b.GetHealthStatus(context.Background())
	if len(hs.Instances) != reg.Count() {
		t.Fatalf("snapshot lost excluded instance: %d != %d", len(hs.Instances), reg.Count())
	}
}

func TestVanishedInstanceNeverSelected(t *testing.T) {
	cfg := testConfig()
	b, reg := newTestBalancer(t, cfg, "gpu-0", "gpu-1")
	promote(t, reg, "gpu-0")
	promote(t, reg, "gpu-1")
	ctx := context.Background()

	// Give gpu-0 a far better history so it would win on score.
	for i := 0; i < 20; i++ {
		in, _ := reg.Lookup("gpu-0")
		in.RecordSuccess(50, time.Now())
	}

	reg.Reconcile(report(unit("gpu-1", 16384, 2, "chat")), time.Now())
	for i := 0; i < 5; i++ {
		win, err := b.SelectInstance(ctx, Requirement{MinMemoryMB: 8192, Family: "chat"})
		if err != nil {
			t.Fatalf("select: %v", err)
		}
		if win.ID == "gpu-0" {
			t.Fatalf("vanished instance selected")
		}
		_ = b.ReportSuccess(ctx, win.ID, 100)
	}
}

func TestBackoffCooldownIdempotent(t *testing.T) {
	cfg := testConfig()
	cfg.FailureThreshold = 1
	cfg.CooldownBase = time.Minute
	cfg.CooldownMax = 4 * time.Minute
	reg := NewRegistry(cfg, nil)
	now := time.Now()
	reg.Reconcile(report(unit("gpu-0", 16384, 2, "chat")), now)
	in, _ := reg.Lookup("gpu-0")
	in.RecordSuccess(100, now) // probation -> healthy

	in.RecordFailure("timeout", now)
	first := in.View(now).CooldownUntil
	if want := now.Add(time.Minute); !first.Equal(want) {
		t.Fatalf("expected base cooldown, got %s", first.Sub(now))
	}

	// Duplicate failure reports while excluded must not extend the cooldown.
	in.RecordFailure("timeout", now.Add(time.Second))
	in.RecordFailure("timeout", now.Add(2*time.Second))
	if got := in.View(now).CooldownUntil; !got.Equal(first) {
		t.Fatalf("cooldown advanced by duplicate reports: %s -> %s", first, got)
	}

	// A failed trial doubles the cooldown, capped at the configured maximum.
	in.MaybeStartTrial(now.Add(2 * time.Minute))
	in.RecordFailure("timeout", now.Add(2*time.Minute))
	second := in.View(now).CooldownUntil
	if want := now.Add(2*time.Minute + 2*time.Minute); !second.Equal(want) {
		t.Fatalf("expected doubled cooldown, got %s", second.Sub(now.Add(2*time.Minute)))
	}

	for i := 0; i < 6; i++ {
		at := now.Add(time.Duration(10+i*10) * time.Minute)
		in.MaybeStartTrial(at)
		in.RecordFailure("timeout", at)
	}
	last := in.View(now).CooldownUntil
	lastStart := now.Add(60 * time.Minute)
	if last.Sub(lastStart) > cfg.CooldownMax {
		t.Fatalf("cooldown exceeded cap: %s", last.Sub(lastStart))
	}
}

func TestConcurrentFeedbackNoLostUpdates(t *testing.T) {
	cfg := testConfig()
	cfg.FailureThreshold = 1 << 30 // keep instances selectable throughout
	b, reg := newTestBalancer(t, cfg, "gpu-0", "gpu-1", "gpu-2")
	for _, id := range []string{"gpu-0", "gpu-1", "gpu-2"} {
		promote(t, reg, id)
	}
	ctx := context.Background()
	ids := []string{"gpu-0", "gpu-1", "gpu-2"}

	const callers = 100
	const perCaller = 20
	var wg sync.WaitGroup
	for c := 0; c < callers; c++ {
		wg.Add(1)
		go func(c int) {
			defer wg.Done()
			for i := 0; i < perCaller; i++ {
				id := ids[(c+i)%len(ids)]
				switch i % 4 {
				case 0:
					_, _ = b.SelectInstance(ctx, Requirement{MinMemoryMB: 8192, Family: "chat"})
				case 1, 2:
					_ = b.ReportSuccess(ctx, id, float64(50+i))
				default:
					_ = b.ReportFailure(ctx, id, "timeout")
				}
			}
		}(c)
	}
	wg.Wait()

	hs, err := b.GetHealthStatus(ctx)
	if err != nil {
		t.Fatalf("health status: %v", err)
	}
	var successes, failures uint64
	for _, v := range hs.Instances {
		successes += v.SuccessCount
		failures += v.FailureCount
	}
	wantSuccess := uint64(callers*perCaller/2) + 3 // promote() adds one per instance
	wantFailure := uint64(callers * perCaller / 4)
	if successes != wantSuccess {
		t.Fatalf("success count %d != %d feedback calls", successes, wantSuccess)
	}
	if failures != wantFailure {
		t.Fatalf("failure count %d != %d feedback calls", failures, wantFailure)
	}
}
