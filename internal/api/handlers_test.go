package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gaspardpetit/gpupool/internal/balancer"
	"github.com/gaspardpetit/gpupool/internal/detect"
)

func testServer(t *testing.T, apiKey string) (*httptest.Server, *balancer.Registry) {
	t.Helper()
	cfg := balancer.Config{ProbationTrials: 1}
	reg := balancer.NewRegistry(cfg, nil)
	reg.Reconcile(detect.Report{Units: []detect.CapabilitySnapshot{
		{UnitID: "gpu-0", TotalMemoryMB: 24576, ComputeTier: 2, Families: []string{"chat"}},
	}}, time.Now())
	b := balancer.New(reg, cfg)
	ts := httptest.NewServer(NewRouter(b, apiKey))
	t.Cleanup(ts.Close)
	return ts, reg
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	buf, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(buf))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

func TestSelectEndpoint(t *testing.T) {
	ts, _ := testServer(t, "")
	resp := postJSON(t, ts.URL+"/select", map[string]any{"min_memory_mb": 8192, "family": "chat"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var out struct {
		TicketID string                `json:"ticket_id"`
		Instance balancer.InstanceView `json:"instance"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.TicketID == "" {
		t.Fatalf("expected ticket id")
	}
	if out.Instance.ID != "gpu-0" {
		t.Fatalf("expected gpu-0, got %s", out.Instance.ID)
	}
	if out.Instance.Capabilities.TotalMemoryMB < 8192 {
		t.Fatalf("winner does not meet requirement")
	}
}

func TestSelectEndpointInvalidRequirement(t *testing.T) {
	ts, _ := testServer(t, "")
	resp := postJSON(t, ts.URL+"/select", map[string]any{"family": "chat"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestSelectEndpointNoCapacity(t *testing.T) {
	ts, _ := testServer(t, "")
	resp := postJSON(t, ts.URL+"/select", map[string]any{"min_memory_mb": 1 << 30, "family": "chat"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.StatusCode)
	}
}

func TestFeedbackEndpoints(t *testing.T) {
	ts, reg := testServer(t, "")
	resp := postJSON(t, ts.URL+"/instances/gpu-0/success", map[string]any{"response_time_ms": 120})
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}
	resp = postJSON(t, ts.URL+"/instances/gpu-0/failure", map[string]any{"error_code": "timeout"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}
	in, ok := reg.Lookup("gpu-0")
	if !ok {
		t.Fatalf("instance missing")
	}
	v := in.View(time.Now())
	if v.SuccessCount != 1 || v.FailureCount != 1 {
		t.Fatalf("feedback not applied: %d/%d", v.SuccessCount, v.FailureCount)
	}
}

func TestFeedbackUnknownInstance(t *testing.T) {
	ts, _ := testServer(t, "")
	resp := postJSON(t, ts.URL+"/instances/ghost/success", map[string]any{"response_time_ms": 100})
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("unknown instance should be a no-op 204, got %d", resp.StatusCode)
	}
}

func TestHealthEndpoint(t *testing.T) {
	ts, reg := testServer(t, "")
	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var hs balancer.HealthSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&hs); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(hs.Instances) != reg.Count() {
		t.Fatalf("snapshot count %d != registry count %d", len(hs.Instances), reg.Count())
	}
}

func TestBearerAuth(t *testing.T) {
	ts, _ := testServer(t, "sekret")
	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without key, got %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/health", nil)
	req.Header.Set("Authorization", "Bearer sekret")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 with key, got %d", resp.StatusCode)
	}
}
