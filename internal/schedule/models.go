package schedule

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Status is the lifecycle state of a schedule record.
type Status string

const (
	StatusScheduled Status = "SCHEDULED"
	StatusExecuting Status = "EXECUTING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

// Terminal reports whether no further transitions are permitted.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusScheduled, StatusExecuting, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Record is a persisted request to deploy a patch to a set of devices at a
// future instant. Mutated only through the Orchestrator.
type Record struct {
	ScheduleID         string     `json:"scheduleId"`
	PatchID            string     `json:"patchId"`
	PatchTitle         string     `json:"patchTitle"`
	DeviceIDs          []string   `json:"deviceIds"`
	DeviceCount        int        `json:"deviceCount"`
	Severity           string     `json:"severity"`
	ScheduledFor       time.Time  `json:"scheduledFor"`
	Status             Status     `json:"status"`
	RequestedBy        string     `json:"requestedBy"`
	CreatedAt          time.Time  `json:"createdAt"`
	UpdatedAt          time.Time  `json:"updatedAt"`
	ExecutionStarted   *time.Time `json:"executionStarted,omitempty"`
	ExecutionCompleted *time.Time `json:"executionCompleted,omitempty"`
	Result             *string    `json:"result,omitempty"`
	Error              *string    `json:"error,omitempty"`
	AIApproved         bool       `json:"aiApproved"`
	AIRiskLevel        *int       `json:"aiRiskLevel,omitempty"`
	AIRecommendation   *string    `json:"aiRecommendation,omitempty"`
}

// ErrKind classifies operation failures so the HTTP layer can map them to
// status codes without inspecting error strings.
type ErrKind string

const (
	ErrKindNone       ErrKind = ""
	ErrKindValidation ErrKind = "validation"
	ErrKindNotFound   ErrKind = "not_found"
	ErrKindConflict   ErrKind = "conflict"
	ErrKindStore      ErrKind = "store"
	ErrKindExecution  ErrKind = "execution"
)

// CreateResult is returned by Orchestrator.Create.
type CreateResult struct {
	Success      bool      `json:"success"`
	ScheduleID   string    `json:"scheduleId,omitempty"`
	ScheduledFor time.Time `json:"scheduledFor,omitzero"`
	PatchTitle   string    `json:"patchTitle,omitempty"`
	DeviceCount  int       `json:"deviceCount,omitempty"`
	Message      string    `json:"message,omitempty"`
	Error        string    `json:"error,omitempty"`
	ErrKind      ErrKind   `json:"-"`
}

// ListResult is returned by Orchestrator.List.
type ListResult struct {
	Success   bool     `json:"success"`
	Schedules []Record `json:"schedules"`
	Count     int      `json:"count"`
	Error     string   `json:"error,omitempty"`
}

// CancelResult is returned by Orchestrator.Cancel.
type CancelResult struct {
	Success  bool    `json:"success"`
	Message  string  `json:"message,omitempty"`
	Schedule *Record `json:"schedule,omitempty"`
	Error    string  `json:"error,omitempty"`
	ErrKind  ErrKind `json:"-"`
}

// ExecuteResult is returned by Orchestrator.Execute.
type ExecuteResult struct {
	Success          bool            `json:"success"`
	ScheduleID       string          `json:"scheduleId,omitempty"`
	Status           Status          `json:"status,omitempty"`
	DeploymentResult json.RawMessage `json:"deploymentResult,omitempty"`
	Error            string          `json:"error,omitempty"`
	ErrKind          ErrKind         `json:"-"`
}

// DetailsResult is returned by Orchestrator.GetDetails.
type DetailsResult struct {
	Success  bool    `json:"success"`
	Schedule *Record `json:"schedule,omitempty"`
	Error    string  `json:"error,omitempty"`
	ErrKind  ErrKind `json:"-"`
}

// CleanupResult is returned by Orchestrator.Cleanup.
type CleanupResult struct {
	Success      bool   `json:"success"`
	DeletedCount int64  `json:"deletedCount"`
	Error        string `json:"error,omitempty"`
}

// ParseScheduledFor normalizes the externally supplied scheduling instant to
// UTC. Callers may send either an epoch-millisecond integer or an ISO-8601
// string with an optional Z suffix; both formats are accepted for
// compatibility with existing API clients.
func ParseScheduledFor(v interface{}) (time.Time, error) {
	switch t := v.(type) {
	case json.Number:
		millis, err := t.Int64()
		if err != nil {
			return time.Time{}, fmt.Errorf("scheduledFor is not a valid epoch-millisecond value: %w", err)
		}
		return time.UnixMilli(millis).UTC(), nil
	case float64:
		return time.UnixMilli(int64(t)).UTC(), nil
	case int64:
		return time.UnixMilli(t).UTC(), nil
	case string:
		return parseScheduledForString(t)
	case time.Time:
		return t.UTC(), nil
	case nil:
		return time.Time{}, fmt.Errorf("scheduledFor is required")
	default:
		return time.Time{}, fmt.Errorf("scheduledFor must be an epoch-millisecond integer or ISO-8601 string, got %T", v)
	}
}

func parseScheduledForString(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, fmt.Errorf("scheduledFor is required")
	}

	// A bare integer string is treated as epoch milliseconds
	if millis, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(millis).UTC(), nil
	}

	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05"} {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC(), nil
		}
	}

	return time.Time{}, fmt.Errorf("scheduledFor %q is not a recognized timestamp", s)
}
