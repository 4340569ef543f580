package types

import "time"

// NullHost marks a process instance that no master owns any more.
const NullHost = "NULL"

// ExecutionStatus is the persisted state of a process or task instance.
type ExecutionStatus string

const (
	ExecutionStatusSubmittedSuccess   ExecutionStatus = "SUBMITTED_SUCCESS"
	ExecutionStatusRunningExecution   ExecutionStatus = "RUNNING_EXECUTION"
	ExecutionStatusReadyPause         ExecutionStatus = "READY_PAUSE"
	ExecutionStatusPause              ExecutionStatus = "PAUSE"
	ExecutionStatusReadyStop          ExecutionStatus = "READY_STOP"
	ExecutionStatusStop               ExecutionStatus = "STOP"
	ExecutionStatusFailure            ExecutionStatus = "FAILURE"
	ExecutionStatusSuccess            ExecutionStatus = "SUCCESS"
	ExecutionStatusNeedFaultTolerance ExecutionStatus = "NEED_FAULT_TOLERANCE"
	ExecutionStatusKill               ExecutionStatus = "KILL"
	ExecutionStatusDelayExecution     ExecutionStatus = "DELAY_EXECUTION"
	ExecutionStatusForcedSuccess      ExecutionStatus = "FORCED_SUCCESS"
)

// NeedFailoverStates are the states in which work still belongs to the node that runs it.
var NeedFailoverStates = []ExecutionStatus{
	ExecutionStatusSubmittedSuccess,
	ExecutionStatusRunningExecution,
	ExecutionStatusDelayExecution,
	ExecutionStatusReadyPause,
	ExecutionStatusReadyStop,
}

// IsFinished reports whether the status is terminal.
func (s ExecutionStatus) IsFinished() bool {
	switch s {
	case ExecutionStatusSuccess, ExecutionStatusFailure, ExecutionStatusStop,
		ExecutionStatusPause, ExecutionStatusKill, ExecutionStatusNeedFaultTolerance,
		ExecutionStatusForcedSuccess:
		return true
	default:
		return false
	}
}

// CommandType is the kind of work a queued command asks a master to do.
type CommandType string

const (
	// CommandTypeRecoverToleranceFaultProcess asks a live master to pick up an orphaned process instance.
	CommandTypeRecoverToleranceFaultProcess CommandType = "RECOVER_TOLERANCE_FAULT_PROCESS"
)

// ProcessInstance is a running workflow execution.
type ProcessInstance struct {
	ID                    int64
	ProcessDefinitionCode int64
	Host                  string
	State                 ExecutionStatus
	StartTime             time.Time
	RestartTime           *time.Time
	CommandType           CommandType
}

// LastStartTime returns the restart time when set, the start time otherwise.
func (p *ProcessInstance) LastStartTime() time.Time {
	if p.RestartTime != nil && !p.RestartTime.IsZero() {
		return *p.RestartTime
	}
	return p.StartTime
}

// TaskInstance is a single task execution that belongs to one process instance.
type TaskInstance struct {
	ID                int64
	Name              string
	TaskType          string
	ProcessInstanceID int64
	// Host is the worker that ran the task; empty when never dispatched.
	Host        string
	State       ExecutionStatus
	StartTime   time.Time
	ExecutePath string
	LogPath     string
	AppLink     string
	Valid       bool
}

// Command is a request queued for whichever master picks it up next.
type Command struct {
	ID                    int64
	CommandType           CommandType
	ProcessDefinitionCode int64
	ProcessInstanceID     int64
	CommandParam          string
	CreatedAt             time.Time
}
