package dao

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/duke-git/lancet/v2/slice"
	"gorm.io/gorm"

	"yqhp/cluster-registry/pkg/types"
	"yqhp/cluster-registry/pkg/utils"
)

// ProcessService is the persistence the failover coordinator reads and writes.
type ProcessService interface {
	// FindTaskInstancesNeedingFailover returns valid tasks on host whose state still needs an owner.
	FindTaskInstancesNeedingFailover(ctx context.Context, host string) ([]*types.TaskInstance, error)
	// FindProcessInstancesNeedingFailover returns process instances on host whose state still needs an owner.
	FindProcessInstancesNeedingFailover(ctx context.Context, host string) ([]*types.ProcessInstance, error)
	// GetProcessInstance returns nil, nil when the instance does not exist.
	GetProcessInstance(ctx context.Context, id int64) (*types.ProcessInstance, error)
	// GetValidTaskInstances returns the valid, unfinished tasks of a process instance.
	GetValidTaskInstances(ctx context.Context, processInstanceID int64) ([]*types.TaskInstance, error)
	SaveTaskInstance(ctx context.Context, ti *types.TaskInstance) error
	// ReassignOrphanedProcessInstance clears the owner of pi and queues a recovery command atomically.
	ReassignOrphanedProcessInstance(ctx context.Context, pi *types.ProcessInstance) error
	// FindFailoverHosts lists hosts that still own work of nodeType needing failover.
	FindFailoverHosts(ctx context.Context, nodeType types.NodeType) ([]string, error)
}

// recoverCommandParam is the payload of a recovery command.
type recoverCommandParam struct {
	ProcessInstanceId int64
}

// GormProcessService implements ProcessService with gorm.
type GormProcessService struct {
	db *gorm.DB
}

// NewGormProcessService creates a ProcessService backed by db.
func NewGormProcessService(db *gorm.DB) *GormProcessService {
	return &GormProcessService{db: db}
}

func needFailoverStates() []string {
	return slice.Map(types.NeedFailoverStates, func(_ int, s types.ExecutionStatus) string { return string(s) })
}

func (s *GormProcessService) FindTaskInstancesNeedingFailover(ctx context.Context, host string) ([]*types.TaskInstance, error) {
	var rows []TaskInstance
	err := s.db.WithContext(ctx).
		Where("host = ? AND flag = ? AND state IN ?", host, FlagYes, needFailoverStates()).
		Order("id").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("query tasks of %s: %w", host, err)
	}
	return slice.Map(rows, func(_ int, m TaskInstance) *types.TaskInstance { return m.toType() }), nil
}

func (s *GormProcessService) FindProcessInstancesNeedingFailover(ctx context.Context, host string) ([]*types.ProcessInstance, error) {
	var rows []ProcessInstance
	err := s.db.WithContext(ctx).
		Where("host = ? AND state IN ?", host, needFailoverStates()).
		Order("id").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("query process instances of %s: %w", host, err)
	}
	return slice.Map(rows, func(_ int, m ProcessInstance) *types.ProcessInstance { return m.toType() }), nil
}

func (s *GormProcessService) GetProcessInstance(ctx context.Context, id int64) (*types.ProcessInstance, error) {
	var row ProcessInstance
	err := s.db.WithContext(ctx).First(&row, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get process instance %d: %w", id, err)
	}
	return row.toType(), nil
}

func (s *GormProcessService) GetValidTaskInstances(ctx context.Context, processInstanceID int64) ([]*types.TaskInstance, error) {
	var rows []TaskInstance
	err := s.db.WithContext(ctx).
		Where("process_instance_id = ? AND flag = ?", processInstanceID, FlagYes).
		Order("id").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("query tasks of process instance %d: %w", processInstanceID, err)
	}
	rows = slice.Filter(rows, func(_ int, m TaskInstance) bool {
		return !types.ExecutionStatus(m.State).IsFinished()
	})
	return slice.Map(rows, func(_ int, m TaskInstance) *types.TaskInstance { return m.toType() }), nil
}

func (s *GormProcessService) SaveTaskInstance(ctx context.Context, ti *types.TaskInstance) error {
	row := taskInstanceFromType(ti)
	if err := s.db.WithContext(ctx).Save(row).Error; err != nil {
		return fmt.Errorf("save task instance %d: %w", ti.ID, err)
	}
	ti.ID = row.ID
	return nil
}

func (s *GormProcessService) ReassignOrphanedProcessInstance(ctx context.Context, pi *types.ProcessInstance) error {
	param, err := utils.ToJSON(recoverCommandParam{ProcessInstanceId: pi.ID})
	if err != nil {
		return err
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&ProcessInstance{}).
			Where("id = ?", pi.ID).
			Update("host", types.NullHost).Error; err != nil {
			return err
		}
		return tx.Create(&Command{
			CommandType:           string(types.CommandTypeRecoverToleranceFaultProcess),
			ProcessDefinitionCode: pi.ProcessDefinitionCode,
			ProcessInstanceID:     pi.ID,
			CommandParam:          param,
			CreatedAt:             time.Now(),
		}).Error
	})
	if err != nil {
		return fmt.Errorf("reassign process instance %d: %w", pi.ID, err)
	}
	pi.Host = types.NullHost
	return nil
}

func (s *GormProcessService) FindFailoverHosts(ctx context.Context, nodeType types.NodeType) ([]string, error) {
	var model any
	query := s.db.WithContext(ctx)
	switch nodeType {
	case types.NodeTypeMaster:
		model = &ProcessInstance{}
	case types.NodeTypeWorker:
		model = &TaskInstance{}
		query = query.Where("flag = ?", FlagYes)
	default:
		return nil, fmt.Errorf("unknown node type: %s", nodeType)
	}

	var hosts []string
	err := query.Model(model).
		Where("state IN ? AND host <> ? AND host <> ?", needFailoverStates(), types.NullHost, "").
		Distinct().
		Order("host").
		Pluck("host", &hosts).Error
	if err != nil {
		return nil, fmt.Errorf("query %s failover hosts: %w", nodeType, err)
	}
	return hosts, nil
}

// ListCommands returns queued commands, oldest first.
func (s *GormProcessService) ListCommands(ctx context.Context) ([]*types.Command, error) {
	var rows []Command
	if err := s.db.WithContext(ctx).Order("id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list commands: %w", err)
	}
	return slice.Map(rows, func(_ int, m Command) *types.Command { return m.toType() }), nil
}
