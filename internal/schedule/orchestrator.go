package schedule

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"autoops/internal/advisory"
	"autoops/internal/deploy"
)

const (
	DefaultRetentionDays = 30

	defaultSeverity    = "MEDIUM"
	defaultRequestedBy = "system"

	// Transient store faults on read paths get one retry after this pause.
	readRetryDelay = 100 * time.Millisecond
)

// Orchestrator coordinates the store, the trigger registrar, the deployment
// executor, and the advisory gate. It owns the schedule state machine:
// SCHEDULED -> EXECUTING -> COMPLETED | FAILED, with SCHEDULED -> CANCELLED
// as the only other transition. All mutations of schedule records go through
// here.
//
// Operations never return Go errors to callers; every outcome is a result
// value with a success discriminant, so the HTTP layer maps failures to
// status codes uniformly.
type Orchestrator struct {
	store    *Store
	triggers TriggerRegistrar
	executor *deploy.Executor
	gate     *advisory.Gate
	logger   *slog.Logger
}

// NewOrchestrator wires the orchestrator's collaborators. The gate may be
// nil when advisory analysis is disabled; auto-approval then never happens.
func NewOrchestrator(store *Store, triggers TriggerRegistrar, executor *deploy.Executor, gate *advisory.Gate, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		store:    store,
		triggers: triggers,
		executor: executor,
		gate:     gate,
		logger:   logger,
	}
}

// CreateInput carries the parameters for a new schedule. ScheduledFor must
// already be parsed (see ParseScheduledFor for the accepted wire formats).
type CreateInput struct {
	PatchID      string
	PatchTitle   string
	DeviceIDs    []string
	ScheduledFor time.Time
	Severity     string
	RequestedBy  string
	AutoApprove  bool
}

// TriggerName returns the registrar name for a schedule's trigger.
func TriggerName(scheduleID string) string {
	return "patch-" + scheduleID
}

// Create validates the input, optionally consults the advisory gate, writes
// a SCHEDULED record, and arms the trigger. A trigger-arming failure is
// logged but does not fail the create; the record stays SCHEDULED and can be
// executed manually.
func (o *Orchestrator) Create(ctx context.Context, in CreateInput) CreateResult {
	if in.PatchID == "" {
		return CreateResult{Error: "patchId is required", ErrKind: ErrKindValidation}
	}
	if len(in.DeviceIDs) == 0 {
		return CreateResult{Error: "deviceIds must not be empty", ErrKind: ErrKindValidation}
	}
	if in.ScheduledFor.IsZero() {
		return CreateResult{Error: "scheduledFor is required", ErrKind: ErrKindValidation}
	}

	severity := in.Severity
	if severity == "" {
		severity = defaultSeverity
	}
	requestedBy := in.RequestedBy
	if requestedBy == "" {
		requestedBy = defaultRequestedBy
	}

	now := time.Now().UTC()
	record := &Record{
		ScheduleID:   uuid.NewString(),
		PatchID:      in.PatchID,
		PatchTitle:   in.PatchTitle,
		DeviceIDs:    in.DeviceIDs,
		DeviceCount:  len(in.DeviceIDs),
		Severity:     severity,
		ScheduledFor: in.ScheduledFor.UTC(),
		Status:       StatusScheduled,
		RequestedBy:  requestedBy,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	// Advisory approval is opt-in and fails closed: without a gate, or when
	// the gate declines, the record stays unapproved.
	if in.AutoApprove && o.gate != nil {
		decision, _ := o.gate.Evaluate(ctx, advisory.PatchSummary{
			PatchID:   in.PatchID,
			Title:     in.PatchTitle,
			Severity:  severity,
			DeviceIDs: in.DeviceIDs,
		})
		record.AIApproved = decision.Approved
		record.AIRiskLevel = &decision.RiskLevel
		record.AIRecommendation = &decision.Recommendation
	}

	if err := o.store.Put(ctx, record); err != nil {
		o.logger.Error("failed to store schedule", "error", err)
		return CreateResult{Error: "failed to store schedule", ErrKind: ErrKindStore}
	}

	o.logger.Info("schedule created",
		"schedule_id", record.ScheduleID,
		"patch_id", record.PatchID,
		"devices", record.DeviceCount,
		"scheduled_for", record.ScheduledFor)

	if o.triggers != nil {
		payload := TriggerPayload{
			ScheduleID: record.ScheduleID,
			PatchID:    record.PatchID,
			DeviceIDs:  record.DeviceIDs,
		}
		if err := o.triggers.Arm(TriggerName(record.ScheduleID), record.ScheduledFor, payload); err != nil {
			// Degraded mode: the record stays SCHEDULED and relies on
			// manual execution.
			o.logger.Error("failed to arm trigger, schedule requires manual execution",
				"schedule_id", record.ScheduleID, "error", err)
		}
	}

	return CreateResult{
		Success:      true,
		ScheduleID:   record.ScheduleID,
		ScheduledFor: record.ScheduledFor,
		PatchTitle:   record.PatchTitle,
		DeviceCount:  record.DeviceCount,
		Message:      "Patch deployment scheduled successfully",
	}
}

// List returns schedules, optionally filtered by status, ordered by
// scheduled time ascending.
func (o *Orchestrator) List(ctx context.Context, status Status) ListResult {
	if status != "" && !status.Valid() {
		return ListResult{Schedules: []Record{}, Error: fmt.Sprintf("unknown status %q", status)}
	}

	records, err := o.listWithRetry(ctx, status)
	if err != nil {
		o.logger.Error("failed to list schedules", "error", err)
		return ListResult{Schedules: []Record{}, Error: "failed to list schedules"}
	}
	if records == nil {
		records = []Record{}
	}

	return ListResult{Success: true, Schedules: records, Count: len(records)}
}

func (o *Orchestrator) listWithRetry(ctx context.Context, status Status) ([]Record, error) {
	records, err := o.store.ListByStatus(ctx, status)
	if err == nil {
		return records, nil
	}
	time.Sleep(readRetryDelay)
	return o.store.ListByStatus(ctx, status)
}

// Cancel transitions a SCHEDULED record to CANCELLED and disarms its
// trigger. Records in any other state are rejected: a terminal record must
// stay terminal, and an EXECUTING deployment cannot be aborted mid-flight.
func (o *Orchestrator) Cancel(ctx context.Context, scheduleID string) CancelResult {
	if scheduleID == "" {
		return CancelResult{Error: "scheduleId is required", ErrKind: ErrKindValidation}
	}

	cancelled := StatusCancelled
	record, err := o.store.ApplyUpdate(ctx, scheduleID, Update{
		Status:       &cancelled,
		ExpectStatus: []Status{StatusScheduled},
	})
	switch {
	case errors.Is(err, ErrNotFound):
		return CancelResult{Error: "Schedule not found", ErrKind: ErrKindNotFound}
	case errors.Is(err, ErrStatusConflict):
		return CancelResult{Error: "schedule is not in SCHEDULED state", ErrKind: ErrKindConflict}
	case err != nil:
		o.logger.Error("failed to cancel schedule", "schedule_id", scheduleID, "error", err)
		return CancelResult{Error: "failed to cancel schedule", ErrKind: ErrKindStore}
	}

	if o.triggers != nil {
		if err := o.triggers.Disarm(TriggerName(scheduleID)); err != nil {
			o.logger.Error("failed to disarm trigger", "schedule_id", scheduleID, "error", err)
		}
	}

	o.logger.Info("schedule cancelled", "schedule_id", scheduleID)

	return CancelResult{
		Success:  true,
		Message:  "Schedule cancelled successfully",
		Schedule: record,
	}
}

// Execute runs a scheduled deployment. It is invoked by the trigger at the
// scheduled instant and may also be called directly for manual recovery.
// The record moves to EXECUTING before the deployment runs, so a crash
// mid-execution leaves a recoverable EXECUTING record. Invoking Execute
// again for the same schedule only overwrites the terminal outcome; records
// already COMPLETED, FAILED, or CANCELLED are never re-executed.
func (o *Orchestrator) Execute(ctx context.Context, scheduleID, patchID string, deviceIDs []string) ExecuteResult {
	if scheduleID == "" {
		return ExecuteResult{Error: "scheduleId is required", ErrKind: ErrKindValidation}
	}

	executing := StatusExecuting
	now := time.Now().UTC()
	_, err := o.store.ApplyUpdate(ctx, scheduleID, Update{
		Status:           &executing,
		ExecutionStarted: &now,
		ExpectStatus:     []Status{StatusScheduled, StatusExecuting},
	})
	switch {
	case errors.Is(err, ErrNotFound):
		return ExecuteResult{ScheduleID: scheduleID, Error: "Schedule not found", ErrKind: ErrKindNotFound}
	case errors.Is(err, ErrStatusConflict):
		return ExecuteResult{ScheduleID: scheduleID, Error: "schedule is already in a terminal state", ErrKind: ErrKindConflict}
	case err != nil:
		o.logger.Error("failed to mark schedule executing", "schedule_id", scheduleID, "error", err)
		return ExecuteResult{ScheduleID: scheduleID, Error: "failed to update schedule", ErrKind: ErrKindStore}
	}

	o.logger.Info("executing scheduled deployment", "schedule_id", scheduleID, "patch_id", patchID)

	deployResult := o.executor.Deploy(ctx, patchID, deviceIDs)

	finalStatus := StatusCompleted
	if !deployResult.Success {
		finalStatus = StatusFailed
	}

	resultJSON, err := json.Marshal(deployResult)
	if err != nil {
		// Should not happen; record the failure rather than losing the attempt
		return o.failExecution(ctx, scheduleID, fmt.Sprintf("failed to encode deployment result: %v", err))
	}
	resultStr := string(resultJSON)

	update := Update{
		Status:             &finalStatus,
		ExecutionCompleted: timePtr(time.Now().UTC()),
		Result:             &resultStr,
		ExpectStatus:       []Status{StatusExecuting},
	}
	if finalStatus == StatusFailed {
		errMsg := deployResult.Message
		update.Error = &errMsg
	}

	if _, err := o.store.ApplyUpdate(ctx, scheduleID, update); err != nil {
		o.logger.Error("failed to record deployment outcome", "schedule_id", scheduleID, "error", err)
		return ExecuteResult{ScheduleID: scheduleID, Error: "failed to record deployment outcome", ErrKind: ErrKindStore}
	}

	o.logger.Info("scheduled deployment finished",
		"schedule_id", scheduleID,
		"status", finalStatus,
		"deployment_method", deployResult.DeploymentMethod)

	return ExecuteResult{
		Success:          true,
		ScheduleID:       scheduleID,
		Status:           finalStatus,
		DeploymentResult: resultJSON,
	}
}

// ExecutePayload adapts Execute to the trigger registrar's callback shape.
func (o *Orchestrator) ExecutePayload(ctx context.Context, payload TriggerPayload) {
	result := o.Execute(ctx, payload.ScheduleID, payload.PatchID, payload.DeviceIDs)
	if !result.Success {
		// Never propagated to the trigger mechanism: a poison payload must
		// not be retried endlessly.
		o.logger.Error("triggered execution failed",
			"schedule_id", payload.ScheduleID, "error", result.Error)
	}
}

func (o *Orchestrator) failExecution(ctx context.Context, scheduleID, message string) ExecuteResult {
	failed := StatusFailed
	if _, err := o.store.ApplyUpdate(ctx, scheduleID, Update{
		Status:       &failed,
		Error:        &message,
		ExpectStatus: []Status{StatusExecuting},
	}); err != nil {
		o.logger.Error("failed to mark schedule failed", "schedule_id", scheduleID, "error", err)
	}
	return ExecuteResult{ScheduleID: scheduleID, Status: StatusFailed, Error: message, ErrKind: ErrKindExecution}
}

// GetDetails returns a single schedule record.
func (o *Orchestrator) GetDetails(ctx context.Context, scheduleID string) DetailsResult {
	record, err := o.getWithRetry(ctx, scheduleID)
	switch {
	case errors.Is(err, ErrNotFound):
		return DetailsResult{Error: "Schedule not found", ErrKind: ErrKindNotFound}
	case err != nil:
		o.logger.Error("failed to read schedule", "schedule_id", scheduleID, "error", err)
		return DetailsResult{Error: "failed to read schedule", ErrKind: ErrKindStore}
	}

	return DetailsResult{Success: true, Schedule: record}
}

func (o *Orchestrator) getWithRetry(ctx context.Context, scheduleID string) (*Record, error) {
	record, err := o.store.Get(ctx, scheduleID)
	if err == nil || errors.Is(err, ErrNotFound) {
		return record, err
	}
	time.Sleep(readRetryDelay)
	return o.store.Get(ctx, scheduleID)
}

// Cleanup deletes COMPLETED and CANCELLED records whose scheduled time
// predates the retention window. FAILED records are kept for audit.
func (o *Orchestrator) Cleanup(ctx context.Context, retentionDays int) CleanupResult {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)
	deleted, err := o.store.DeleteTerminalBefore(ctx, cutoff)
	if err != nil {
		o.logger.Error("failed to clean up schedules", "error", err)
		return CleanupResult{Error: "failed to clean up schedules"}
	}

	o.logger.Info("cleaned up old schedules", "deleted", deleted, "retention_days", retentionDays)

	return CleanupResult{Success: true, DeletedCount: deleted}
}

// RearmPending re-arms triggers for all SCHEDULED records. Called at startup
// so schedules created before a restart still fire.
func (o *Orchestrator) RearmPending(ctx context.Context) error {
	if o.triggers == nil {
		return nil
	}

	records, err := o.store.ListByStatus(ctx, StatusScheduled)
	if err != nil {
		return fmt.Errorf("failed to list pending schedules: %w", err)
	}

	for _, record := range records {
		payload := TriggerPayload{
			ScheduleID: record.ScheduleID,
			PatchID:    record.PatchID,
			DeviceIDs:  record.DeviceIDs,
		}
		if err := o.triggers.Arm(TriggerName(record.ScheduleID), record.ScheduledFor, payload); err != nil {
			o.logger.Error("failed to re-arm trigger", "schedule_id", record.ScheduleID, "error", err)
			continue
		}
		o.logger.Info("re-armed trigger", "schedule_id", record.ScheduleID, "at", record.ScheduledFor)
	}

	return nil
}

func timePtr(t time.Time) *time.Time {
	return &t
}
