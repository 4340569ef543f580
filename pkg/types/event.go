package types

// StateEventType defines the kind of state change carried by a StateEvent.
type StateEventType string

const (
	// StateEventTaskStateChange reports a task instance state change.
	StateEventTaskStateChange StateEventType = "TASK_STATE_CHANGE"
	// StateEventProcessStateChange reports a process instance state change.
	StateEventProcessStateChange StateEventType = "PROCESS_STATE_CHANGE"
)

// StateEvent notifies the execution engine that persisted state changed underneath it.
type StateEvent struct {
	TaskInstanceID    int64
	ProcessInstanceID int64
	Type              StateEventType
	ExecutionStatus   ExecutionStatus
}
