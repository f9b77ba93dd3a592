package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// TriggerPayload carries the identifying parameters a trigger delivers to
// the execution entry point when it fires.
type TriggerPayload struct {
	ScheduleID string   `json:"scheduleId"`
	PatchID    string   `json:"patchId"`
	DeviceIDs  []string `json:"deviceIds"`
}

// TriggerRegistrar arms one-shot future invocations and allows cancellation
// before they fire. Any mechanism guaranteeing at-least-once invocation at or
// after the armed instant satisfies the contract.
type TriggerRegistrar interface {
	Arm(name string, at time.Time, payload TriggerPayload) error
	Disarm(name string) error
}

// ExecuteFunc is invoked when an armed trigger fires.
type ExecuteFunc func(ctx context.Context, payload TriggerPayload)

const defaultFireTimeout = 5 * time.Minute

// CronRegistrar is an in-process TriggerRegistrar backed by a cron runner.
// Each armed trigger is a one-shot entry that removes itself after firing.
type CronRegistrar struct {
	c       *cron.Cron
	execute ExecuteFunc
	logger  *slog.Logger

	mu      sync.Mutex
	entries map[string]cron.EntryID
}

// NewCronRegistrar creates a registrar that invokes execute when triggers
// fire. Call Start before arming and Stop on shutdown.
func NewCronRegistrar(execute ExecuteFunc, logger *slog.Logger) *CronRegistrar {
	if logger == nil {
		logger = slog.Default()
	}
	return &CronRegistrar{
		c:       cron.New(cron.WithLocation(time.UTC)),
		execute: execute,
		logger:  logger,
		entries: make(map[string]cron.EntryID),
	}
}

// Start begins the cron runner in its own goroutine.
func (r *CronRegistrar) Start() {
	r.c.Start()
}

// Stop halts the cron runner and waits for running jobs to finish.
func (r *CronRegistrar) Stop() {
	<-r.c.Stop().Done()
}

// Arm registers a one-time trigger. Arming an already-armed name is an
// error; the caller degrades gracefully rather than double-firing.
func (r *CronRegistrar) Arm(name string, at time.Time, payload TriggerPayload) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[name]; exists {
		return fmt.Errorf("trigger %q is already armed", name)
	}

	// Past instants fire on the next tick rather than never
	fireAt := at
	if now := time.Now(); !fireAt.After(now) {
		fireAt = now.Add(time.Second)
	}

	entryID := r.c.Schedule(oneShot{at: fireAt}, cron.FuncJob(func() {
		r.fire(name, payload)
	}))
	r.entries[name] = entryID

	r.logger.Info("trigger armed", "trigger", name, "at", fireAt.UTC())
	return nil
}

// Disarm removes a trigger. Disarming an unknown name is not an error.
func (r *CronRegistrar) Disarm(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entryID, exists := r.entries[name]
	if !exists {
		return nil
	}

	r.c.Remove(entryID)
	delete(r.entries, name)

	r.logger.Info("trigger disarmed", "trigger", name)
	return nil
}

func (r *CronRegistrar) fire(name string, payload TriggerPayload) {
	r.mu.Lock()
	if entryID, exists := r.entries[name]; exists {
		r.c.Remove(entryID)
		delete(r.entries, name)
	}
	r.mu.Unlock()

	r.logger.Info("trigger fired", "trigger", name, "schedule_id", payload.ScheduleID)

	ctx, cancel := context.WithTimeout(context.Background(), defaultFireTimeout)
	defer cancel()

	r.execute(ctx, payload)
}

// oneShot fires once at the configured instant and never again. Returning
// the zero time after firing makes the cron runner drop the entry.
type oneShot struct {
	at time.Time
}

func (s oneShot) Next(t time.Time) time.Time {
	if t.Before(s.at) {
		return s.at
	}
	return time.Time{}
}
