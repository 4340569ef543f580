// Package task kills the external jobs left behind by tasks whose worker died.
package task

import (
	"yqhp/cluster-registry/pkg/types"
)

// ExecutionContext describes a task instance as seen by a job killer.
type ExecutionContext struct {
	TaskInstanceID        int64
	TaskName              string
	TaskType              string
	ProcessInstanceID     int64
	ProcessDefinitionCode int64
	Host                  string
	ExecutePath           string
	LogPath               string
	AppLink               string
}

// NewExecutionContext builds the context of ti, which belongs to pi.
func NewExecutionContext(ti *types.TaskInstance, pi *types.ProcessInstance) *ExecutionContext {
	ec := &ExecutionContext{
		TaskInstanceID:    ti.ID,
		TaskName:          ti.Name,
		TaskType:          ti.TaskType,
		ProcessInstanceID: ti.ProcessInstanceID,
		Host:              ti.Host,
		ExecutePath:       ti.ExecutePath,
		LogPath:           ti.LogPath,
		AppLink:           ti.AppLink,
	}
	if pi != nil {
		ec.ProcessDefinitionCode = pi.ProcessDefinitionCode
	}
	return ec
}
