package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"autoops/internal/advisory"
	"autoops/internal/deploy"
	"autoops/internal/schedule"
	"autoops/internal/server"
)

// buildStack wires the full scheduling stack backed by a temp database and a
// running cron registrar, fronted by an httptest server.
func buildStack(t *testing.T) (*httptest.Server, *schedule.Orchestrator, *schedule.CronRegistrar) {
	t.Helper()

	logger := slog.New(slog.DiscardHandler)

	store, err := schedule.NewStore(filepath.Join(t.TempDir(), "schedules.db"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	executor := deploy.NewExecutor(nil, logger)
	gate := advisory.NewGate(nil, logger)

	var orch *schedule.Orchestrator
	registrar := schedule.NewCronRegistrar(func(ctx context.Context, payload schedule.TriggerPayload) {
		orch.ExecutePayload(ctx, payload)
	}, logger)
	orch = schedule.NewOrchestrator(store, registrar, executor, gate, logger)

	registrar.Start()
	t.Cleanup(registrar.Stop)

	srv := server.NewServer(orch, gate, nil, nil, logger, true)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	return ts, orch, registrar
}

func postJSON(t *testing.T, url string, body interface{}) (*http.Response, map[string]interface{}) {
	t.Helper()

	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}

	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	defer resp.Body.Close()

	var parsed map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp, parsed
}

func getSchedule(t *testing.T, baseURL, scheduleID string) map[string]interface{} {
	t.Helper()

	resp, err := http.Get(fmt.Sprintf("%s/schedules/%s", baseURL, scheduleID))
	if err != nil {
		t.Fatalf("GET schedule: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET schedule status = %d", resp.StatusCode)
	}

	var parsed struct {
		Schedule map[string]interface{} `json:"schedule"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		t.Fatalf("decode schedule: %v", err)
	}
	return parsed.Schedule
}

// TestScheduledDeploymentFires creates a schedule due almost immediately and
// waits for the trigger to drive it through EXECUTING to COMPLETED.
func TestScheduledDeploymentFires(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ts, _, _ := buildStack(t)

	resp, created := postJSON(t, ts.URL+"/schedules", map[string]interface{}{
		"patchId":      "KB5034441",
		"patchTitle":   "Windows 11 Security Update",
		"deviceIds":    []string{"dev-1", "dev-2"},
		"scheduledFor": time.Now().Add(500 * time.Millisecond).UTC().Format(time.RFC3339),
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, body = %v", resp.StatusCode, created)
	}

	scheduleID, _ := created["scheduleId"].(string)
	if scheduleID == "" {
		t.Fatalf("create response missing scheduleId: %v", created)
	}

	// The registrar fires on a one second tick; allow a generous window
	deadline := time.Now().Add(10 * time.Second)
	for {
		record := getSchedule(t, ts.URL, scheduleID)
		status, _ := record["status"].(string)

		if status == string(schedule.StatusCompleted) {
			result, _ := record["result"].(string)
			if result == "" {
				t.Error("completed schedule has no deployment result")
			}
			break
		}
		if status == string(schedule.StatusFailed) {
			t.Fatalf("schedule failed: %v", record["error"])
		}
		if time.Now().After(deadline) {
			t.Fatalf("schedule did not complete, last status %q", status)
		}
		time.Sleep(200 * time.Millisecond)
	}
}

// TestCancelPreventsExecution cancels a schedule before its trigger fires and
// verifies the deployment never runs.
func TestCancelPreventsExecution(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ts, _, _ := buildStack(t)

	resp, created := postJSON(t, ts.URL+"/schedules", map[string]interface{}{
		"patchId":      "KB5034439",
		"deviceIds":    []string{"dev-1"},
		"scheduledFor": time.Now().Add(2 * time.Second).UTC().Format(time.RFC3339),
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d", resp.StatusCode)
	}
	scheduleID := created["scheduleId"].(string)

	req, err := http.NewRequest(http.MethodDelete, fmt.Sprintf("%s/schedules/%s", ts.URL, scheduleID), nil)
	if err != nil {
		t.Fatalf("build cancel request: %v", err)
	}
	cancelResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	cancelResp.Body.Close()
	if cancelResp.StatusCode != http.StatusOK {
		t.Fatalf("cancel status = %d", cancelResp.StatusCode)
	}

	// Wait past the original fire time and confirm the record stayed put
	time.Sleep(3500 * time.Millisecond)

	record := getSchedule(t, ts.URL, scheduleID)
	if status := record["status"]; status != string(schedule.StatusCancelled) {
		t.Errorf("status after fire window = %v, want CANCELLED", status)
	}
	if record["executionStarted"] != nil {
		t.Errorf("cancelled schedule has executionStarted = %v", record["executionStarted"])
	}
}

// TestRestartRearmsPendingSchedules simulates a process restart by building a
// second registrar over the same database and re-arming from it.
func TestRestartRearmsPendingSchedules(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	logger := slog.New(slog.DiscardHandler)
	dbPath := filepath.Join(t.TempDir(), "schedules.db")

	store, err := schedule.NewStore(dbPath)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	// First process: create a schedule but never start its registrar, so
	// the trigger is lost with the process
	orch1 := schedule.NewOrchestrator(store, nil, deploy.NewExecutor(nil, logger), advisory.NewGate(nil, logger), logger)
	created := orch1.Create(context.Background(), schedule.CreateInput{
		PatchID:      "KB5034441",
		DeviceIDs:    []string{"dev-1"},
		ScheduledFor: time.Now().Add(500 * time.Millisecond),
	})
	if !created.Success {
		t.Fatalf("create failed: %s", created.Error)
	}
	store.Close()

	// Second process: reopen the database and re-arm
	store2, err := schedule.NewStore(dbPath)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer store2.Close()

	var orch2 *schedule.Orchestrator
	registrar := schedule.NewCronRegistrar(func(ctx context.Context, payload schedule.TriggerPayload) {
		orch2.ExecutePayload(ctx, payload)
	}, logger)
	orch2 = schedule.NewOrchestrator(store2, registrar, deploy.NewExecutor(nil, logger), advisory.NewGate(nil, logger), logger)

	registrar.Start()
	defer registrar.Stop()

	if err := orch2.RearmPending(context.Background()); err != nil {
		t.Fatalf("RearmPending: %v", err)
	}

	deadline := time.Now().Add(10 * time.Second)
	for {
		record, err := store2.Get(context.Background(), created.ScheduleID)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if record.Status == schedule.StatusCompleted {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("schedule did not complete after re-arm, status %s", record.Status)
		}
		time.Sleep(200 * time.Millisecond)
	}
}
