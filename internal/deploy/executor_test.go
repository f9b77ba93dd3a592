package deploy

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"autoops/internal/superops"
)

type stubDeployer struct {
	ack superops.DeploymentAck
	err error
}

func (s *stubDeployer) DeployPatch(ctx context.Context, deviceIDs, patchIDs []string) (superops.DeploymentAck, error) {
	return s.ack, s.err
}

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestDeployRealPath(t *testing.T) {
	deployer := &stubDeployer{ack: superops.DeploymentAck{
		DeploymentID: "dep-42",
		Status:       "QUEUED",
		Message:      "accepted",
	}}
	executor := NewExecutor(deployer, discardLogger())

	result := executor.Deploy(context.Background(), "KB5001234", []string{"d1", "d2"})

	if !result.Success {
		t.Error("expected success")
	}
	if result.DeploymentMethod != MethodSuperOps {
		t.Errorf("DeploymentMethod = %q, want %q", result.DeploymentMethod, MethodSuperOps)
	}
	if result.DeploymentID != "dep-42" {
		t.Errorf("DeploymentID = %q, want dep-42", result.DeploymentID)
	}
	if result.Status != "QUEUED" {
		t.Errorf("Status = %q, want QUEUED", result.Status)
	}
}

func TestDeployFallsBackOnError(t *testing.T) {
	deployer := &stubDeployer{err: errors.New("connection refused")}
	executor := NewExecutor(deployer, discardLogger())

	result := executor.Deploy(context.Background(), "KB5001234", []string{"d1"})

	if !result.Success {
		t.Error("fallback must still report success")
	}
	if result.DeploymentMethod != MethodMock {
		t.Errorf("DeploymentMethod = %q, want %q", result.DeploymentMethod, MethodMock)
	}
	if result.Status != "IN_PROGRESS" {
		t.Errorf("Status = %q, want IN_PROGRESS", result.Status)
	}
	if result.DeploymentID == "" {
		t.Error("mock result must carry a deployment id")
	}
	if !result.EstimatedCompletion.After(result.InitiatedAt) {
		t.Error("estimated completion must be after initiation")
	}
}

func TestDeployNilDeployerUsesMock(t *testing.T) {
	executor := NewExecutor(nil, discardLogger())

	result := executor.Deploy(context.Background(), "KB5001234", []string{"d1", "d2", "d3"})

	if !result.Success || result.DeploymentMethod != MethodMock {
		t.Errorf("got success=%v method=%q, want mock success", result.Success, result.DeploymentMethod)
	}
	if result.PatchID != "KB5001234" {
		t.Errorf("PatchID = %q", result.PatchID)
	}
	if len(result.DeviceIDs) != 3 {
		t.Errorf("DeviceIDs = %v", result.DeviceIDs)
	}
}
