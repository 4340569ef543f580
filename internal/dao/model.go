package dao

import (
	"time"

	"yqhp/cluster-registry/pkg/types"
)

const (
	FlagNo  int8 = 0
	FlagYes int8 = 1
)

// ProcessInstance 流程实例表
type ProcessInstance struct {
	ID                    int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	ProcessDefinitionCode int64      `gorm:"index" json:"processDefinitionCode"`
	Host                  string     `gorm:"size:135;index" json:"host"`
	State                 string     `gorm:"size:32;index" json:"state"`
	CommandType           string     `gorm:"size:64" json:"commandType"`
	StartTime             time.Time  `json:"startTime"`
	RestartTime           *time.Time `json:"restartTime"`
	UpdatedAt             time.Time  `json:"updatedAt"`
}

// TableName 表名
func (ProcessInstance) TableName() string {
	return "wf_process_instance"
}

// TaskInstance 任务实例表
type TaskInstance struct {
	ID                int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	Name              string    `gorm:"size:255" json:"name"`
	TaskType          string    `gorm:"size:64" json:"taskType"`
	ProcessInstanceID int64     `gorm:"index" json:"processInstanceId"`
	Host              string    `gorm:"size:135;index" json:"host"`
	State             string    `gorm:"size:32;index" json:"state"`
	StartTime         time.Time `json:"startTime"`
	ExecutePath       string    `gorm:"size:500" json:"executePath"`
	LogPath           string    `gorm:"size:500" json:"logPath"`
	AppLink           string    `gorm:"type:text" json:"appLink"`
	Flag              int8      `json:"flag"` // 0:无效 1:有效
	UpdatedAt         time.Time `json:"updatedAt"`
}

// TableName 表名
func (TaskInstance) TableName() string {
	return "wf_task_instance"
}

// Command 待处理命令表
type Command struct {
	ID                    int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	CommandType           string    `gorm:"size:64;index" json:"commandType"`
	ProcessDefinitionCode int64     `json:"processDefinitionCode"`
	ProcessInstanceID     int64     `gorm:"index" json:"processInstanceId"`
	CommandParam          string    `gorm:"type:text" json:"commandParam"`
	CreatedAt             time.Time `json:"createdAt"`
}

// TableName 表名
func (Command) TableName() string {
	return "wf_command"
}

func (m *ProcessInstance) toType() *types.ProcessInstance {
	return &types.ProcessInstance{
		ID:                    m.ID,
		ProcessDefinitionCode: m.ProcessDefinitionCode,
		Host:                  m.Host,
		State:                 types.ExecutionStatus(m.State),
		StartTime:             m.StartTime,
		RestartTime:           m.RestartTime,
		CommandType:           types.CommandType(m.CommandType),
	}
}

func (m *TaskInstance) toType() *types.TaskInstance {
	return &types.TaskInstance{
		ID:                m.ID,
		Name:              m.Name,
		TaskType:          m.TaskType,
		ProcessInstanceID: m.ProcessInstanceID,
		Host:              m.Host,
		State:             types.ExecutionStatus(m.State),
		StartTime:         m.StartTime,
		ExecutePath:       m.ExecutePath,
		LogPath:           m.LogPath,
		AppLink:           m.AppLink,
		Valid:             m.Flag == FlagYes,
	}
}

func taskInstanceFromType(t *types.TaskInstance) *TaskInstance {
	flag := FlagNo
	if t.Valid {
		flag = FlagYes
	}
	return &TaskInstance{
		ID:                t.ID,
		Name:              t.Name,
		TaskType:          t.TaskType,
		ProcessInstanceID: t.ProcessInstanceID,
		Host:              t.Host,
		State:             string(t.State),
		StartTime:         t.StartTime,
		ExecutePath:       t.ExecutePath,
		LogPath:           t.LogPath,
		AppLink:           t.AppLink,
		Flag:              flag,
	}
}

func (m *Command) toType() *types.Command {
	return &types.Command{
		ID:                    m.ID,
		CommandType:           types.CommandType(m.CommandType),
		ProcessDefinitionCode: m.ProcessDefinitionCode,
		ProcessInstanceID:     m.ProcessInstanceID,
		CommandParam:          m.CommandParam,
		CreatedAt:             m.CreatedAt,
	}
}
