// Package engine delivers state events to the workflow runners that own
// process instances. Runners register a handler per process instance; an
// embedding application that runs workflows must do so, or install a fallback
// handler, otherwise failover events are dropped.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"yqhp/cluster-registry/pkg/logger"
	"yqhp/cluster-registry/pkg/types"
)

// StateEventSubmitter accepts state events without waiting for them to be handled.
type StateEventSubmitter interface {
	SubmitStateEvent(event types.StateEvent)
}

// StateEventHandler handles the events of one process instance.
type StateEventHandler func(ctx context.Context, event types.StateEvent) error

type queuedEvent struct {
	traceID string
	event   types.StateEvent
}

type instanceQueue struct {
	events  []queuedEvent
	running bool
}

// WorkflowEventPool runs state event handlers on a bounded goroutine pool.
// Events of one process instance are handled one at a time in submission
// order; different process instances are handled in parallel.
type WorkflowEventPool struct {
	ctx  context.Context
	pool *ants.Pool
	log  *zap.Logger

	mu       sync.Mutex
	handlers map[int64]StateEventHandler
	fallback StateEventHandler
	queues   map[int64]*instanceQueue
	wg       sync.WaitGroup
}

// NewWorkflowEventPool creates a pool with size workers.
func NewWorkflowEventPool(ctx context.Context, size int) (*WorkflowEventPool, error) {
	log := logger.Named("event-pool")
	pool, err := ants.NewPool(size, ants.WithPanicHandler(func(p any) {
		log.Error("event worker panic", zap.Any("panic", p))
	}))
	if err != nil {
		return nil, fmt.Errorf("create event pool: %w", err)
	}
	return &WorkflowEventPool{
		ctx:      ctx,
		pool:     pool,
		log:      log,
		handlers: make(map[int64]StateEventHandler),
		queues:   make(map[int64]*instanceQueue),
	}, nil
}

// RegisterHandler routes the events of processInstanceID to h.
func (p *WorkflowEventPool) RegisterHandler(processInstanceID int64, h StateEventHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[processInstanceID] = h
}

// SetFallbackHandler handles events of process instances without a handler of their own.
func (p *WorkflowEventPool) SetFallbackHandler(h StateEventHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fallback = h
}

// handlerFor must be called with mu held.
func (p *WorkflowEventPool) handlerFor(id int64) StateEventHandler {
	if h, ok := p.handlers[id]; ok {
		return h
	}
	return p.fallback
}

// UnregisterHandler stops routing events of processInstanceID. Queued events are dropped.
func (p *WorkflowEventPool) UnregisterHandler(processInstanceID int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.handlers, processInstanceID)
}

// SubmitStateEvent implements StateEventSubmitter. Events for a process instance
// that has no handler, when no fallback is set, are logged and dropped.
func (p *WorkflowEventPool) SubmitStateEvent(event types.StateEvent) {
	id := event.ProcessInstanceID
	qe := queuedEvent{traceID: uuid.NewString(), event: event}

	p.mu.Lock()
	if p.handlerFor(id) == nil {
		p.mu.Unlock()
		p.log.Warn("no workflow runner for process instance, event dropped",
			zap.String("trace_id", qe.traceID),
			zap.Int64("process_instance_id", id),
			zap.Int64("task_instance_id", event.TaskInstanceID),
			zap.String("type", string(event.Type)),
		)
		return
	}

	q, ok := p.queues[id]
	if !ok {
		q = &instanceQueue{}
		p.queues[id] = q
	}
	q.events = append(q.events, qe)
	if q.running {
		p.mu.Unlock()
		return
	}
	q.running = true
	p.wg.Add(1)
	p.mu.Unlock()

	if err := p.pool.Submit(func() { p.drain(id) }); err != nil {
		p.log.Error("submit state event failed", zap.String("trace_id", qe.traceID), zap.Error(err))
		p.mu.Lock()
		delete(p.queues, id)
		p.mu.Unlock()
		p.wg.Done()
	}
}

func (p *WorkflowEventPool) drain(id int64) {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		q := p.queues[id]
		if q == nil || len(q.events) == 0 {
			delete(p.queues, id)
			p.mu.Unlock()
			return
		}
		qe := q.events[0]
		q.events = q.events[1:]
		h := p.handlerFor(id)
		p.mu.Unlock()

		if h == nil {
			p.log.Warn("workflow runner gone, event dropped",
				zap.String("trace_id", qe.traceID), zap.Int64("process_instance_id", id))
			continue
		}
		p.handle(h, qe)
	}
}

func (p *WorkflowEventPool) handle(h StateEventHandler, qe queuedEvent) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("state event handler panic",
				zap.String("trace_id", qe.traceID), zap.Any("panic", r))
		}
	}()

	if err := h(p.ctx, qe.event); err != nil {
		p.log.Error("handle state event failed",
			zap.String("trace_id", qe.traceID),
			zap.Int64("process_instance_id", qe.event.ProcessInstanceID),
			zap.Int64("task_instance_id", qe.event.TaskInstanceID),
			zap.Error(err),
		)
		return
	}
	p.log.Debug("state event handled",
		zap.String("trace_id", qe.traceID),
		zap.Int64("process_instance_id", qe.event.ProcessInstanceID),
		zap.String("status", string(qe.event.ExecutionStatus)),
	)
}

// LoggingHandler returns a handler that only logs the events it receives.
func LoggingHandler(log *zap.Logger) StateEventHandler {
	return func(ctx context.Context, event types.StateEvent) error {
		log.Info("state event",
			zap.Int64("process_instance_id", event.ProcessInstanceID),
			zap.Int64("task_instance_id", event.TaskInstanceID),
			zap.String("type", string(event.Type)),
			zap.String("status", string(event.ExecutionStatus)),
		)
		return nil
	}
}

// Running returns the number of busy workers.
func (p *WorkflowEventPool) Running() int {
	return p.pool.Running()
}

// Release waits up to timeout for queued events, then stops the pool.
func (p *WorkflowEventPool) Release(timeout time.Duration) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		p.log.Warn("event pool drain timed out", zap.Duration("timeout", timeout))
	}
	return p.pool.ReleaseTimeout(timeout)
}
