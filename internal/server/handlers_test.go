package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"autoops/internal/advisory"
	"autoops/internal/deploy"
	"autoops/internal/nvd"
	"autoops/internal/schedule"
	"autoops/internal/superops"
)

type stubPlatform struct {
	devices []superops.Device
	patches []superops.Patch
	alerts  []superops.Alert
	err     error

	alertUpdates []string
}

func (p *stubPlatform) FetchDevices(ctx context.Context) ([]superops.Device, error) {
	return p.devices, p.err
}

func (p *stubPlatform) FetchPatches(ctx context.Context) ([]superops.Patch, error) {
	return p.patches, p.err
}

func (p *stubPlatform) FetchAlerts(ctx context.Context) ([]superops.Alert, error) {
	return p.alerts, p.err
}

func (p *stubPlatform) UpdateAlertStatus(ctx context.Context, alertID, status, notes string) error {
	p.alertUpdates = append(p.alertUpdates, alertID+"="+status)
	return p.err
}

type stubVulns struct {
	vuln *nvd.Vulnerability
	list []nvd.Vulnerability
	err  error
}

func (v *stubVulns) LookupCVE(ctx context.Context, cveID string) (*nvd.Vulnerability, error) {
	return v.vuln, v.err
}

func (v *stubVulns) SearchRecentCVEs(ctx context.Context, days int) ([]nvd.Vulnerability, error) {
	return v.list, v.err
}

func setupTestServer(t *testing.T) *Server {
	t.Helper()

	store, err := schedule.NewStore(filepath.Join(t.TempDir(), "schedules.db"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	logger := slog.New(slog.DiscardHandler)
	executor := deploy.NewExecutor(nil, logger)
	gate := advisory.NewGate(nil, logger)
	orch := schedule.NewOrchestrator(store, nil, executor, gate, logger)

	return NewServer(orch, gate, nil, nil, logger, true)
}

func doJSON(t *testing.T, server *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")

	rr := httptest.NewRecorder()
	server.Router().ServeHTTP(rr, req)
	return rr
}

func TestHandleHealth(t *testing.T) {
	server := setupTestServer(t)

	rr := doJSON(t, server, "GET", "/health", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}

	var body map[string]interface{}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["status"] != "healthy" {
		t.Errorf("status = %v, want healthy", body["status"])
	}
}

func TestScheduleLifecycleOverHTTP(t *testing.T) {
	server := setupTestServer(t)

	// Create
	rr := doJSON(t, server, "POST", "/schedules", map[string]interface{}{
		"patchId":      "KB5001234",
		"patchTitle":   "Security Update",
		"deviceIds":    []string{"d1", "d2"},
		"scheduledFor": time.Now().UTC().Add(time.Hour).Format(time.RFC3339),
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body %s", rr.Code, rr.Body)
	}

	var created schedule.CreateResult
	if err := json.Unmarshal(rr.Body.Bytes(), &created); err != nil {
		t.Fatalf("unmarshal create: %v", err)
	}
	if created.ScheduleID == "" || created.DeviceCount != 2 {
		t.Fatalf("unexpected create result: %+v", created)
	}

	// List
	rr = doJSON(t, server, "GET", "/schedules?status=SCHEDULED", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("list status = %d", rr.Code)
	}
	var list schedule.ListResult
	if err := json.Unmarshal(rr.Body.Bytes(), &list); err != nil {
		t.Fatalf("unmarshal list: %v", err)
	}
	if list.Count != 1 {
		t.Errorf("list count = %d, want 1", list.Count)
	}

	// Get
	rr = doJSON(t, server, "GET", "/schedules/"+created.ScheduleID, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("get status = %d", rr.Code)
	}

	// Cancel
	rr = doJSON(t, server, "DELETE", "/schedules/"+created.ScheduleID, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("cancel status = %d, body %s", rr.Code, rr.Body)
	}

	// Second cancel conflicts
	rr = doJSON(t, server, "DELETE", "/schedules/"+created.ScheduleID, nil)
	if rr.Code != http.StatusConflict {
		t.Errorf("second cancel status = %d, want 409", rr.Code)
	}

	// Record is CANCELLED
	rr = doJSON(t, server, "GET", "/schedules/"+created.ScheduleID, nil)
	var details schedule.DetailsResult
	if err := json.Unmarshal(rr.Body.Bytes(), &details); err != nil {
		t.Fatalf("unmarshal details: %v", err)
	}
	if details.Schedule.Status != schedule.StatusCancelled {
		t.Errorf("status = %q, want CANCELLED", details.Schedule.Status)
	}
}

func TestCreateScheduleEpochMillis(t *testing.T) {
	server := setupTestServer(t)

	rr := doJSON(t, server, "POST", "/schedules", map[string]interface{}{
		"patchId":      "KB1",
		"patchTitle":   "t",
		"deviceIds":    []string{"d1"},
		"scheduledFor": 1893456000000, // 2030-01-01T00:00:00Z
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body)
	}

	var created schedule.CreateResult
	if err := json.Unmarshal(rr.Body.Bytes(), &created); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	want := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	if !created.ScheduledFor.Equal(want) {
		t.Errorf("ScheduledFor = %v, want %v", created.ScheduledFor, want)
	}
}

func TestCreateScheduleValidation(t *testing.T) {
	server := setupTestServer(t)

	tests := []struct {
		name string
		body map[string]interface{}
	}{
		{
			name: "missing scheduledFor",
			body: map[string]interface{}{"patchId": "KB1", "deviceIds": []string{"d1"}},
		},
		{
			name: "unparseable scheduledFor",
			body: map[string]interface{}{"patchId": "KB1", "deviceIds": []string{"d1"}, "scheduledFor": "next tuesday"},
		},
		{
			name: "empty device list",
			body: map[string]interface{}{"patchId": "KB1", "deviceIds": []string{}, "scheduledFor": "2030-01-01T00:00:00Z"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := doJSON(t, server, "POST", "/schedules", tt.body)
			if rr.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400 (body %s)", rr.Code, rr.Body)
			}
		})
	}
}

func TestGetScheduleNotFound(t *testing.T) {
	server := setupTestServer(t)

	rr := doJSON(t, server, "GET", "/schedules/no-such-id", nil)
	if rr.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rr.Code)
	}
}

func TestExecuteScheduleEndpoint(t *testing.T) {
	server := setupTestServer(t)

	rr := doJSON(t, server, "POST", "/schedules", map[string]interface{}{
		"patchId":      "KB1",
		"patchTitle":   "t",
		"deviceIds":    []string{"d1"},
		"scheduledFor": "2030-01-01T00:00:00Z",
	})
	var created schedule.CreateResult
	if err := json.Unmarshal(rr.Body.Bytes(), &created); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	rr = doJSON(t, server, "POST", "/schedules/execute", map[string]interface{}{
		"scheduleId": created.ScheduleID,
		"patchId":    "KB1",
		"deviceIds":  []string{"d1"},
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("execute status = %d, body %s", rr.Code, rr.Body)
	}

	var executed schedule.ExecuteResult
	if err := json.Unmarshal(rr.Body.Bytes(), &executed); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if executed.Status != schedule.StatusCompleted {
		t.Errorf("status = %q, want COMPLETED", executed.Status)
	}
}

func TestInventoryFallsBackToSampleData(t *testing.T) {
	server := setupTestServer(t)
	server.Platform = &stubPlatform{err: errors.New("platform down")}

	rr := doJSON(t, server, "GET", "/inventory", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}

	var devices []superops.Device
	if err := json.Unmarshal(rr.Body.Bytes(), &devices); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(devices) == 0 {
		t.Error("expected sample devices")
	}
}

func TestInventoryUsesPlatform(t *testing.T) {
	server := setupTestServer(t)
	server.Platform = &stubPlatform{devices: []superops.Device{{ID: "real-1", Name: "real"}}}

	rr := doJSON(t, server, "GET", "/inventory", nil)
	var devices []superops.Device
	if err := json.Unmarshal(rr.Body.Bytes(), &devices); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(devices) != 1 || devices[0].ID != "real-1" {
		t.Errorf("unexpected devices: %+v", devices)
	}
}

func TestUpdateAlertStatus(t *testing.T) {
	server := setupTestServer(t)

	// No platform configured
	rr := doJSON(t, server, "POST", "/alerts/alert-1/status", map[string]string{"status": "resolved"})
	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("status without platform = %d, want 503", rr.Code)
	}

	platform := &stubPlatform{}
	server.Platform = platform

	rr = doJSON(t, server, "POST", "/alerts/alert-1/status", map[string]string{"status": "resolved", "notes": "patched"})
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	if len(platform.alertUpdates) != 1 || platform.alertUpdates[0] != "alert-1=resolved" {
		t.Errorf("alertUpdates = %v", platform.alertUpdates)
	}

	// Missing status field
	rr = doJSON(t, server, "POST", "/alerts/alert-1/status", map[string]string{"notes": "x"})
	if rr.Code != http.StatusBadRequest {
		t.Errorf("status without status field = %d, want 400", rr.Code)
	}
}

func TestDashboardStats(t *testing.T) {
	server := setupTestServer(t)
	server.Platform = &stubPlatform{
		devices: []superops.Device{{ID: "d1"}, {ID: "d2"}, {ID: "d3"}},
		patches: []superops.Patch{
			{ID: "p1", Status: "AVAILABLE", Severity: "CRITICAL"},
			{ID: "p2", Status: "INSTALLED", Severity: "LOW"},
		},
		alerts: []superops.Alert{{ID: "a1"}},
	}

	rr := doJSON(t, server, "GET", "/dashboard/stats", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}

	var stats map[string]interface{}
	if err := json.Unmarshal(rr.Body.Bytes(), &stats); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if stats["totalDevices"] != float64(3) {
		t.Errorf("totalDevices = %v, want 3", stats["totalDevices"])
	}
	if stats["pendingPatches"] != float64(1) {
		t.Errorf("pendingPatches = %v, want 1", stats["pendingPatches"])
	}
	if stats["criticalPatches"] != float64(1) {
		t.Errorf("criticalPatches = %v, want 1", stats["criticalPatches"])
	}
}

func TestVulnerabilityEndpoints(t *testing.T) {
	server := setupTestServer(t)

	// Not configured
	rr := doJSON(t, server, "GET", "/vulnerabilities/recent", nil)
	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rr.Code)
	}

	var vuln nvd.Vulnerability
	vuln.CVE.ID = "CVE-2024-12345"
	server.Vulns = &stubVulns{vuln: &vuln, list: []nvd.Vulnerability{vuln}}

	rr = doJSON(t, server, "GET", "/vulnerabilities/recent?days=3", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var recent map[string]interface{}
	if err := json.Unmarshal(rr.Body.Bytes(), &recent); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if recent["count"] != float64(1) || recent["days"] != float64(3) {
		t.Errorf("unexpected recent response: %v", recent)
	}

	rr = doJSON(t, server, "GET", "/vulnerabilities/CVE-2024-12345", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("lookup status = %d", rr.Code)
	}

	server.Vulns = &stubVulns{}
	rr = doJSON(t, server, "GET", "/vulnerabilities/CVE-0000-0000", nil)
	if rr.Code != http.StatusNotFound {
		t.Errorf("unknown CVE status = %d, want 404", rr.Code)
	}
}

func TestAnalyzePatchEndpoint(t *testing.T) {
	server := setupTestServer(t)

	rr := doJSON(t, server, "POST", "/ai/analyze-patch", map[string]interface{}{
		"patchId":  "KB1",
		"title":    "Security Update",
		"severity": "CRITICAL",
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body)
	}

	var body struct {
		Success  bool              `json:"success"`
		Analysis advisory.Analysis `json:"analysis"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	// Gate has no oracle configured, so the rule-based path answers
	if body.Analysis.ModelUsed != "fallback" {
		t.Errorf("ModelUsed = %q, want fallback", body.Analysis.ModelUsed)
	}
	if body.Analysis.Recommendation != "REVIEW" {
		t.Errorf("Recommendation = %q, want REVIEW for CRITICAL", body.Analysis.Recommendation)
	}

	// Missing identifiers rejected
	rr = doJSON(t, server, "POST", "/ai/analyze-patch", map[string]interface{}{})
	if rr.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rr.Code)
	}
}

func TestCleanupEndpoint(t *testing.T) {
	server := setupTestServer(t)

	rr := doJSON(t, server, "POST", "/schedules/cleanup", map[string]interface{}{"retentionDays": 30})
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body)
	}

	var result schedule.CleanupResult
	if err := json.Unmarshal(rr.Body.Bytes(), &result); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !result.Success {
		t.Errorf("unexpected result: %+v", result)
	}
}

func TestRateLimitDisabledInTestMode(t *testing.T) {
	server := setupTestServer(t)

	for i := 0; i < 50; i++ {
		rr := doJSON(t, server, "GET", "/health", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("request %d status = %d", i, rr.Code)
		}
	}
}
