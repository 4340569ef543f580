package master

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"yqhp/cluster-registry/internal/registry"
	"yqhp/cluster-registry/internal/task"
	"yqhp/cluster-registry/pkg/types"
	"yqhp/cluster-registry/pkg/utils"
)

// dataListener routes membership events below the nodes root.
func (c *RegistryClient) dataListener(ev registry.Event) {
	nodeType, ok := c.registry.Keys().NodeTypeOf(ev.Path)
	if !ok {
		return
	}
	switch ev.Type {
	case registry.EventAdded:
		c.log.Info("node added", zap.String("type", nodeType.String()), zap.String("path", ev.Path))
	case registry.EventRemoved:
		c.RemoveNodePath(c.ctx, ev.Path, nodeType, true)
	}
}

// RemoveNodePath handles the departure of the node at path under the failover
// lock of nodeType. An empty path sweeps every host that still owns work of
// nodeType. Errors and panics are logged, never returned.
func (c *RegistryClient) RemoveNodePath(ctx context.Context, path string, nodeType types.NodeType, failover bool) {
	c.log.Info("node deleted", zap.String("type", nodeType.String()), zap.String("path", path))

	lockPath := c.registry.Keys().FailoverLock(nodeType)
	if lockPath == "" {
		c.log.Error("no failover lock for node type", zap.String("type", nodeType.String()))
		return
	}

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return registry.WithLock(ctx, c.registry, lockPath, func(ctx context.Context) error {
			if path == "" {
				if failover {
					return c.failoverSweep(ctx, nodeType)
				}
				return nil
			}

			host := c.registry.GetHostByEventDataPath(path)
			if utils.IsEmpty(host) {
				c.log.Error("server down error: unknown path", zap.String("path", path))
				return nil
			}
			// a node that came back already has a new registration; only the
			// work of its previous one is failed over
			alive, err := c.registry.CheckNodeExists(ctx, host, nodeType)
			if err != nil {
				c.log.Warn("check node failed", zap.String("path", path), zap.Error(err))
			}
			if alive {
				c.log.Info("node registered again, previous registration failed over",
					zap.String("type", nodeType.String()), zap.String("host", host))
			} else if err := c.registry.HandleDeadServer(ctx, []string{path}, nodeType, registry.DeadServerAdd); err != nil {
				return err
			}
			if failover {
				c.failoverServerWhenDown(ctx, host, nodeType)
			}
			return nil
		})
	}()
	if err != nil {
		c.log.Error("server failover failed", zap.String("type", nodeType.String()), zap.String("path", path), zap.Error(err))
	}
}

// failoverSweep fails over every host that still owns work of nodeType.
func (c *RegistryClient) failoverSweep(ctx context.Context, nodeType types.NodeType) error {
	hosts, err := c.store.FindFailoverHosts(ctx, nodeType)
	if err != nil {
		return err
	}
	c.log.Info("self-tolerance sweep", zap.String("type", nodeType.String()), zap.Strings("hosts", hosts))
	for _, host := range hosts {
		c.failoverServerWhenDown(ctx, host, nodeType)
	}
	return nil
}

func (c *RegistryClient) failoverServerWhenDown(ctx context.Context, host string, nodeType types.NodeType) {
	switch nodeType {
	case types.NodeTypeMaster:
		c.failoverMaster(ctx, host)
	case types.NodeTypeWorker:
		c.failoverWorker(ctx, host)
	}
}

// failoverMaster releases the process instances of a dead master and fails
// over their tasks. When the host is registered again, instances started by
// that new registration are left alone.
func (c *RegistryClient) failoverMaster(ctx context.Context, masterHost string) {
	if utils.IsEmpty(masterHost) {
		return
	}
	start := time.Now()
	instances, err := c.store.FindProcessInstancesNeedingFailover(ctx, masterHost)
	if err != nil {
		c.log.Error("query process instances failed", zap.String("master", masterHost), zap.Error(err))
		return
	}
	c.log.Info("start master failover", zap.String("master", masterHost), zap.Int("process_instances", len(instances)))

	registeredAt := c.registrationTime(ctx, masterHost, types.NodeTypeMaster)
	for _, pi := range instances {
		if pi.Host == types.NullHost {
			continue
		}
		if !registeredAt.IsZero() && pi.LastStartTime().After(registeredAt) {
			c.log.Info("process instance belongs to the current registration, skipped",
				zap.Int64("process_instance_id", pi.ID))
			continue
		}

		c.log.Info("failover process instance", zap.Int64("process_instance_id", pi.ID))
		tasks, err := c.store.GetValidTaskInstances(ctx, pi.ID)
		if err != nil {
			c.log.Error("query tasks failed", zap.Int64("process_instance_id", pi.ID), zap.Error(err))
			continue
		}
		for _, ti := range tasks {
			if ti.Host == types.NullHost {
				continue
			}
			c.failoverTaskInstance(ctx, pi, ti)
		}

		if err := c.store.ReassignOrphanedProcessInstance(ctx, pi); err != nil {
			c.log.Error("reassign process instance failed", zap.Int64("process_instance_id", pi.ID), zap.Error(err))
		}
	}
	c.log.Info("master failover end", zap.String("master", masterHost), zap.Duration("took", time.Since(start)))
}

// failoverWorker fails over the tasks a dead worker was running. Only tasks of
// process instances owned by this master are touched.
func (c *RegistryClient) failoverWorker(ctx context.Context, workerHost string) {
	if utils.IsEmpty(workerHost) {
		return
	}
	start := time.Now()
	tasks, err := c.store.FindTaskInstancesNeedingFailover(ctx, workerHost)
	if err != nil {
		c.log.Error("query task instances failed", zap.String("worker", workerHost), zap.Error(err))
		return
	}
	c.log.Info("start worker failover", zap.String("worker", workerHost), zap.Int("task_instances", len(tasks)))

	// nil values record instances that could not be found
	cache := make(map[int64]*types.ProcessInstance)
	for _, ti := range tasks {
		pi, cached := cache[ti.ProcessInstanceID]
		if !cached {
			pi, err = c.store.GetProcessInstance(ctx, ti.ProcessInstanceID)
			if err != nil {
				c.log.Error("load process instance failed", zap.Int64("process_instance_id", ti.ProcessInstanceID), zap.Error(err))
			} else if pi == nil {
				c.log.Error("failover task instance error, process instance not found",
					zap.Int64("process_instance_id", ti.ProcessInstanceID), zap.Int64("task_instance_id", ti.ID))
			}
			cache[ti.ProcessInstanceID] = pi
		}
		if pi == nil {
			continue
		}

		if !strings.EqualFold(pi.Host, c.address) {
			c.log.Debug("process instance owned by another master, skipped",
				zap.Int64("task_instance_id", ti.ID), zap.String("owner", pi.Host))
			continue
		}
		c.log.Info("failover task instance", zap.Int64("task_instance_id", ti.ID), zap.Int64("process_instance_id", pi.ID))
		c.failoverTaskInstance(ctx, pi, ti)
	}
	c.log.Info("worker failover end", zap.String("worker", workerHost), zap.Duration("took", time.Since(start)))
}

// failoverTaskInstance kills the task's external job, marks it as needing
// fault tolerance and tells the engine.
func (c *RegistryClient) failoverTaskInstance(ctx context.Context, pi *types.ProcessInstance, ti *types.TaskInstance) {
	if !c.checkTaskInstanceNeedFailover(ctx, ti) {
		return
	}

	ec := task.NewExecutionContext(ti, pi)
	if err := c.killer.KillJob(ctx, ec); err != nil {
		c.log.Warn("kill external job failed", zap.Int64("task_instance_id", ti.ID), zap.Error(err))
	}

	ti.State = types.ExecutionStatusNeedFaultTolerance
	if err := c.store.SaveTaskInstance(ctx, ti); err != nil {
		c.log.Error("save task instance failed", zap.Int64("task_instance_id", ti.ID), zap.Error(err))
		return
	}

	c.events.SubmitStateEvent(types.StateEvent{
		TaskInstanceID:    ti.ID,
		ProcessInstanceID: pi.ID,
		Type:              types.StateEventTaskStateChange,
		ExecutionStatus:   ti.State,
	})
}

// checkTaskInstanceNeedFailover decides whether a task is orphaned. Lookups
// that fail count as orphaned.
func (c *RegistryClient) checkTaskInstanceNeedFailover(ctx context.Context, ti *types.TaskInstance) bool {
	if utils.IsEmpty(ti.Host) || ti.Host == types.NullHost {
		return false
	}

	alive, err := c.registry.CheckNodeExists(ctx, ti.Host, types.NodeTypeWorker)
	if err != nil {
		c.log.Warn("check worker failed", zap.String("worker", ti.Host), zap.Error(err))
		return true
	}
	if !alive {
		return true
	}
	return !c.checkTaskAfterWorkerStart(ctx, ti)
}

// checkTaskAfterWorkerStart reports whether the task started after the
// current registration of its worker was created.
func (c *RegistryClient) checkTaskAfterWorkerStart(ctx context.Context, ti *types.TaskInstance) bool {
	registeredAt := c.registrationTime(ctx, ti.Host, types.NodeTypeWorker)
	if registeredAt.IsZero() {
		return false
	}
	return ti.StartTime.After(registeredAt)
}

// registrationTime returns when host's current registration was created, or
// the zero time when it is not registered.
func (c *RegistryClient) registrationTime(ctx context.Context, host string, nodeType types.NodeType) time.Time {
	servers, err := c.registry.GetServerList(ctx, nodeType)
	if err != nil {
		c.log.Warn("list servers failed", zap.String("type", nodeType.String()), zap.Error(err))
		return time.Time{}
	}
	for _, s := range servers {
		if s.Address() == host {
			return s.CreateTime
		}
	}
	return time.Time{}
}
