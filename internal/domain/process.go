package domain

import (
	"time"

	"github.com/google/uuid"
)

// ProcessStatus captures the lifecycle state of a process instance.
type ProcessStatus string

// Process status values.
const (
	// ProcessNew is the status before the initial step has been dispatched.
	ProcessNew ProcessStatus = "NEW"
	// ProcessRunning is the status while steps are in flight.
	ProcessRunning ProcessStatus = "RUNNING"
	// ProcessSucceeded is the terminal status of a completed process.
	ProcessSucceeded ProcessStatus = "SUCCEEDED"
	// ProcessFailed is the terminal status of a permanently failed process.
	ProcessFailed ProcessStatus = "FAILED"
	// ProcessCompensating is the status while a compensation command is in flight.
	ProcessCompensating ProcessStatus = "COMPENSATING"
	// ProcessCompensated is the terminal status after compensation completed.
	ProcessCompensated ProcessStatus = "COMPENSATED"
	// ProcessPaused is the status of an operator-paused instance.
	ProcessPaused ProcessStatus = "PAUSED"
)

// Terminal reports whether the status admits no further transitions.
func (s ProcessStatus) Terminal() bool {
	switch s {
	case ProcessSucceeded, ProcessFailed, ProcessCompensated:
		return true
	}
	return false
}

// ProcessInstance is the durable per-instance snapshot.
// ProcessID and CreatedAt never change after creation; every other
// modification produces an updated value persisted by the repository.
type ProcessInstance struct {
	// ProcessID uniquely identifies the instance.
	ProcessID uuid.UUID
	// ProcessType names the registered graph this instance runs.
	ProcessType string
	// BusinessKey is the business identifier the process acts on.
	BusinessKey string
	// Status is the current lifecycle state.
	Status ProcessStatus
	// CurrentStep names the step awaiting a reply (or about to dispatch).
	CurrentStep string
	// Data carries accumulated step results. Keys prefixed with
	// "_parallel_" are reserved for fan-out bookkeeping.
	Data map[string]any
	// Retries counts retry attempts of the current step.
	Retries int
	// CreatedAt is the creation instant.
	CreatedAt time.Time
	// UpdatedAt is the last modification instant.
	UpdatedAt time.Time
}

// ProcessEventType tags entries in the append-only process log.
type ProcessEventType string

// Process log event types.
const (
	EventProcessStarted        ProcessEventType = "ProcessStarted"
	EventStepStarted           ProcessEventType = "StepStarted"
	EventStepCompleted         ProcessEventType = "StepCompleted"
	EventStepFailed            ProcessEventType = "StepFailed"
	EventStepTimedOut          ProcessEventType = "StepTimedOut"
	EventCompensationStarted   ProcessEventType = "CompensationStarted"
	EventCompensationCompleted ProcessEventType = "CompensationCompleted"
	EventCompensationFailed    ProcessEventType = "CompensationFailed"
	EventProcessCompleted      ProcessEventType = "ProcessCompleted"
	EventProcessFailed         ProcessEventType = "ProcessFailed"
	EventProcessPaused         ProcessEventType = "ProcessPaused"
	EventProcessResumed        ProcessEventType = "ProcessResumed"
)

// ProcessEvent is the tagged payload of one log entry.
type ProcessEvent struct {
	// Type tags the event variant.
	Type ProcessEventType
	// Step names the step the event refers to, if any.
	Step string
	// CommandID references the dispatched command, if any. For a parallel
	// fan-out the field holds "PARALLEL:<n>" instead of a single id.
	CommandID string
	// Error carries the failure message for failed/timed-out variants.
	Error string
	// Retryable marks a StepFailed that will be retried.
	Retryable bool
	// Details holds variant-specific extras (e.g. merged step data).
	Details map[string]any
}

// ProcessLogEntry is one row of the append-only per-instance event log.
// Entries are totally ordered by Sequence and never mutated.
type ProcessLogEntry struct {
	ProcessID uuid.UUID
	Sequence  int64
	Timestamp time.Time
	Event     ProcessEvent
}
