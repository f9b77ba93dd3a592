// Package deploy performs the actual patch push against the external
// deployment capability, with a deterministic local fallback so schedule
// execution never blocks on an unreachable third party.
package deploy

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"autoops/internal/superops"
)

const (
	// MethodSuperOps tags results produced by the real deployment API.
	MethodSuperOps = "SuperOps"

	// MethodMock tags fallback results that did not perform a real
	// deployment. Downstream consumers rely on this tag to tell mock
	// outcomes from genuine ones.
	MethodMock = "Mock"

	deployTimeout       = 30 * time.Second
	estimatedDuration   = 2 * time.Hour
	deploymentIDPattern = "deploy-20060102150405"
)

// Deployer is the external deployment capability.
type Deployer interface {
	DeployPatch(ctx context.Context, deviceIDs, patchIDs []string) (superops.DeploymentAck, error)
}

// Result is the outcome of a deployment attempt.
type Result struct {
	Success             bool      `json:"success"`
	DeploymentID        string    `json:"deploymentId"`
	PatchID             string    `json:"patchId"`
	DeviceIDs           []string  `json:"deviceIds"`
	Status              string    `json:"status"`
	InitiatedAt         time.Time `json:"initiatedAt"`
	EstimatedCompletion time.Time `json:"estimatedCompletion"`
	Message             string    `json:"message"`
	DeploymentMethod    string    `json:"deploymentMethod"`
}

// Executor pushes patches to devices. When the real capability is absent or
// fails, it falls back to a mock deployment that still reports success —
// the schedule reaches a terminal state either way, at the cost of silently
// not performing a real deployment. The DeploymentMethod tag records which
// path produced the result.
type Executor struct {
	deployer Deployer // nil when the deployment API is disabled
	logger   *slog.Logger
}

// NewExecutor creates an executor. A nil deployer always takes the mock
// path.
func NewExecutor(deployer Deployer, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{deployer: deployer, logger: logger}
}

// Deploy attempts the real deployment first and falls back to the mock path
// on any failure. It never returns an error; the Result always carries a
// DeploymentMethod tag.
func (e *Executor) Deploy(ctx context.Context, patchID string, deviceIDs []string) Result {
	now := time.Now().UTC()

	if e.deployer != nil {
		ctx, cancel := context.WithTimeout(ctx, deployTimeout)
		defer cancel()

		ack, err := e.deployer.DeployPatch(ctx, deviceIDs, []string{patchID})
		if err == nil {
			e.logger.Info("patch deployed via SuperOps",
				"patch_id", patchID, "devices", len(deviceIDs), "deployment_id", ack.DeploymentID)

			deploymentID := ack.DeploymentID
			if deploymentID == "" {
				deploymentID = now.Format(deploymentIDPattern)
			}
			status := ack.Status
			if status == "" {
				status = "IN_PROGRESS"
			}
			message := ack.Message
			if message == "" {
				message = "Deployment initiated via SuperOps"
			}

			return Result{
				Success:             true,
				DeploymentID:        deploymentID,
				PatchID:             patchID,
				DeviceIDs:           deviceIDs,
				Status:              status,
				InitiatedAt:         now,
				EstimatedCompletion: now.Add(estimatedDuration),
				Message:             message,
				DeploymentMethod:    MethodSuperOps,
			}
		}

		e.logger.Error("SuperOps deployment failed, falling back to mock deployment",
			"patch_id", patchID, "error", err)
	}

	return e.mockDeploy(patchID, deviceIDs, now)
}

func (e *Executor) mockDeploy(patchID string, deviceIDs []string, now time.Time) Result {
	deploymentID := now.Format(deploymentIDPattern)

	e.logger.Info("mock patch deployment created",
		"patch_id", patchID, "devices", len(deviceIDs), "deployment_id", deploymentID)

	return Result{
		Success:             true,
		DeploymentID:        deploymentID,
		PatchID:             patchID,
		DeviceIDs:           deviceIDs,
		Status:              "IN_PROGRESS",
		InitiatedAt:         now,
		EstimatedCompletion: now.Add(estimatedDuration),
		Message:             fmt.Sprintf("Deployment initiated (mock mode) for %d devices", len(deviceIDs)),
		DeploymentMethod:    MethodMock,
	}
}
